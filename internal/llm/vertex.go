package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/api/option"
	htransport "google.golang.org/api/transport/http"

	"github.com/user/product-ingest/internal/domain"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// Task types understood by the text embedding model.
const (
	TaskRetrievalDocument = "RETRIEVAL_DOCUMENT"
	TaskRetrievalQuery    = "RETRIEVAL_QUERY"
)

// VertexOptions configure a VertexEmbedder.
type VertexOptions struct {
	ProjectID  string
	Location   string
	TextModel  string
	ImageModel string
	// Endpoint overrides https://{Location}-aiplatform.googleapis.com.
	Endpoint string
	// HTTPClient replaces the default client authorised with application
	// default credentials.
	HTTPClient *http.Client
}

// VertexEmbedder calls the Vertex AI predict endpoint for text and image
// embeddings.
type VertexEmbedder struct {
	client *http.Client
	opts   VertexOptions
	logger *zap.Logger
}

func NewVertexEmbedder(ctx context.Context, opts VertexOptions, logger *zap.Logger) (*VertexEmbedder, error) {
	if opts.ProjectID == "" {
		return nil, fmt.Errorf("%w: vertex project id is required", domain.ErrInvalidInput)
	}
	if opts.Location == "" {
		opts.Location = "us-central1"
	}
	if opts.TextModel == "" {
		opts.TextModel = "gemini-embedding-001"
	}
	if opts.ImageModel == "" {
		opts.ImageModel = "multimodalembedding@001"
	}
	if opts.Endpoint == "" {
		opts.Endpoint = fmt.Sprintf("https://%s-aiplatform.googleapis.com", opts.Location)
	}
	opts.Endpoint = strings.TrimRight(opts.Endpoint, "/")

	client := opts.HTTPClient
	if client == nil {
		var err error
		client, _, err = htransport.NewClient(ctx, option.WithScopes(cloudPlatformScope))
		if err != nil {
			return nil, fmt.Errorf("vertex credentials: %w", err)
		}
	}
	return &VertexEmbedder{client: client, opts: opts, logger: logger}, nil
}

type textPredictResponse struct {
	Predictions []struct {
		Embeddings struct {
			Values []float32 `json:"values"`
		} `json:"embeddings"`
	} `json:"predictions"`
}

type multimodalPredictResponse struct {
	Predictions []struct {
		ImageEmbedding []float32 `json:"imageEmbedding"`
		TextEmbedding  []float32 `json:"textEmbedding"`
	} `json:"predictions"`
}

// EmbedText embeds product text for storage.
func (v *VertexEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return v.embedText(ctx, text, TaskRetrievalDocument)
}

// EmbedQuery embeds a search query in the text vector space.
func (v *VertexEmbedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	return v.embedText(ctx, query, TaskRetrievalQuery)
}

func (v *VertexEmbedder) embedText(ctx context.Context, text, taskType string) ([]float32, error) {
	body := map[string]any{
		"instances":  []map[string]any{{"content": text, "task_type": taskType}},
		"parameters": map[string]any{"outputDimensionality": domain.TextEmbeddingDim},
	}
	var resp textPredictResponse
	if err := v.predict(ctx, v.opts.TextModel, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Predictions) == 0 {
		return nil, fmt.Errorf("%w: text embedding response has no predictions", domain.ErrUpstreamModel)
	}
	return resp.Predictions[0].Embeddings.Values, nil
}

// EmbedImage embeds raw image bytes with the multimodal model.
func (v *VertexEmbedder) EmbedImage(ctx context.Context, image []byte) ([]float32, error) {
	body := map[string]any{
		"instances": []map[string]any{{
			"image": map[string]string{"bytesBase64Encoded": base64.StdEncoding.EncodeToString(image)},
		}},
		"parameters": map[string]any{"dimension": domain.ImageEmbeddingDim},
	}
	var resp multimodalPredictResponse
	if err := v.predict(ctx, v.opts.ImageModel, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Predictions) == 0 {
		return nil, fmt.Errorf("%w: image embedding response has no predictions", domain.ErrUpstreamModel)
	}
	return resp.Predictions[0].ImageEmbedding, nil
}

// EmbedTextForImage embeds text into the image vector space so a query can
// be matched against image embeddings.
func (v *VertexEmbedder) EmbedTextForImage(ctx context.Context, text string) ([]float32, error) {
	body := map[string]any{
		"instances":  []map[string]any{{"text": text}},
		"parameters": map[string]any{"dimension": domain.ImageEmbeddingDim},
	}
	var resp multimodalPredictResponse
	if err := v.predict(ctx, v.opts.ImageModel, body, &resp); err != nil {
		return nil, err
	}
	if len(resp.Predictions) == 0 {
		return nil, fmt.Errorf("%w: multimodal text embedding has no predictions", domain.ErrUpstreamModel)
	}
	return resp.Predictions[0].TextEmbedding, nil
}

func (v *VertexEmbedder) predict(ctx context.Context, model string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/google/models/%s:predict",
		v.opts.Endpoint, v.opts.ProjectID, v.opts.Location, model)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: predict %s: %v", domain.ErrUpstreamModel, model, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		v.logger.Warn("vertex predict failed",
			zap.String("model", model),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", msg),
		)
		return fmt.Errorf("%w: predict %s: status %d", domain.ErrUpstreamModel, model, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s response: %v", domain.ErrUpstreamModel, model, err)
	}
	return nil
}
