package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Contracted embedding sizes.
const (
	TextEmbeddingDim  = 1536
	ImageEmbeddingDim = 1408
)

// ImageRole classifies a discovered product image.
type ImageRole string

const (
	RoleMain      ImageRole = "main"
	RoleThumbnail ImageRole = "thumbnail"
	RoleDetail    ImageRole = "detail"
)

// ProductImage tracks one candidate image from discovery through upload.
type ProductImage struct {
	SourceURL   string    `json:"url"`
	Role        ImageRole `json:"role"`
	AltText     string    `json:"alt_text,omitempty"`
	LocalPath   string    `json:"local_path,omitempty"`
	ObjectPath  string    `json:"object_path,omitempty"`
	PublicURL   string    `json:"public_url,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Width       int       `json:"width,omitempty"`
	Height      int       `json:"height,omitempty"`
	Processed   bool      `json:"processed"`
	Error       string    `json:"error,omitempty"`
}

// Uploaded reports whether the image has a public copy in object storage.
func (i ProductImage) Uploaded() bool {
	return i.PublicURL != ""
}

// Attribute is a single key/value pair of an Attributes list.
type Attribute struct {
	Key   string
	Value string
}

// Attributes is an ordered string map. It marshals to a JSON object that
// keeps insertion order.
type Attributes []Attribute

// Get returns the value stored under key.
func (a Attributes) Get(key string) (string, bool) {
	for _, kv := range a {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// Set replaces the value under key or appends it. Empty values are ignored.
func (a *Attributes) Set(key, value string) {
	if key == "" || value == "" {
		return
	}
	for i := range *a {
		if (*a)[i].Key == key {
			(*a)[i].Value = value
			return
		}
	}
	*a = append(*a, Attribute{Key: key, Value: value})
}

func (a Attributes) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, kv := range a {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(kv.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(kv.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (a *Attributes) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*a = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); ok && delim == '[' && !dec.More() {
		// Models sometimes answer with an empty list when there are no attributes.
		*a = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("attributes: expected object, got %v", tok)
	}
	var out Attributes
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := keyTok.(string)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		out.Set(key, scalarString(raw))
	}
	*a = out
	return nil
}

// scalarString renders a JSON scalar as plain text; objects and arrays are
// kept as compact JSON.
func scalarString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	trimmed := bytes.TrimSpace(raw)
	if string(trimmed) == "null" {
		return ""
	}
	return string(trimmed)
}

// SourceInfo describes where and when a record was crawled.
type SourceInfo struct {
	URL         string    `json:"url"`
	FetchSource string    `json:"fetch_source,omitempty"`
	CrawledAt   time.Time `json:"crawled_at"`
	HTMLLength  int       `json:"html_length"`
}

// ProcessingInfo carries extraction bookkeeping.
type ProcessingInfo struct {
	ExtractedAt     time.Time `json:"extracted_at"`
	ExtractionError string    `json:"extraction_error,omitempty"`
	ImageCandidates int       `json:"image_candidates"`
}

// ProductRecord is the structured product built by the extractor and
// enriched by the image and storage stages.
type ProductRecord struct {
	ProductID      string         `json:"product_id"`
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	Category       string         `json:"category"`
	Price          *float64       `json:"price,omitempty"`
	Currency       string         `json:"currency"`
	Brand          string         `json:"brand"`
	ProductCode    string         `json:"product_code"`
	Attributes     Attributes     `json:"attributes"`
	Specifications Attributes     `json:"specifications"`
	Images         []ProductImage `json:"images"`
	Source         SourceInfo     `json:"source"`
	Processing     ProcessingInfo `json:"processing"`
}

// ProcessedImages returns the images that made it through the image pipeline.
func (r *ProductRecord) ProcessedImages() []ProductImage {
	var out []ProductImage
	for _, img := range r.Images {
		if img.Processed {
			out = append(out, img)
		}
	}
	return out
}

// PrimaryImageURL is the public URL of the first uploaded image, or "".
func (r *ProductRecord) PrimaryImageURL() string {
	for _, img := range r.Images {
		if img.Processed && img.Uploaded() {
			return img.PublicURL
		}
	}
	return ""
}

// EmbeddingPair holds the text and image vectors of one product. A vector is
// either empty or exactly its contracted length.
type EmbeddingPair struct {
	Text  []float32 `json:"text_embedding"`
	Image []float32 `json:"image_embedding"`
}

// ProductDocument is the flat record written to the document store.
type ProductDocument struct {
	ProductID      string    `json:"product_id"`
	TextContent    string    `json:"text_content"`
	ImagePath      string    `json:"image_path"`
	TextEmbedding  []float32 `json:"text_embedding"`
	ImageEmbedding []float32 `json:"image_embedding"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	Name           string    `json:"name,omitempty"`
	Description    string    `json:"description,omitempty"`
	Category       string    `json:"category,omitempty"`
	Price          *float64  `json:"price,omitempty"`
	Brand          string    `json:"brand,omitempty"`
	SourceURL      string    `json:"source_url,omitempty"`
}

// PersistResult is returned by a successful document write.
type PersistResult struct {
	ProductID  string    `json:"product_id"`
	Collection string    `json:"collection"`
	ImagePath  string    `json:"image_path"`
	WrittenAt  time.Time `json:"written_at"`
}

// VectorField names an embedding column of the document store.
type VectorField string

const (
	FieldTextEmbedding  VectorField = "text_embedding"
	FieldImageEmbedding VectorField = "image_embedding"
)

// DistanceMeasure selects the nearest-neighbour metric.
type DistanceMeasure string

const (
	DistanceCosine     DistanceMeasure = "cosine"
	DistanceEuclidean  DistanceMeasure = "euclidean"
	DistanceDotProduct DistanceMeasure = "dot_product"
)

// Neighbor is one hit of a nearest-neighbour query.
type Neighbor struct {
	Document ProductDocument `json:"document"`
	Distance float64         `json:"distance"`
}
