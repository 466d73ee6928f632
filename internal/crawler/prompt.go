package crawler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/user/product-ingest/internal/domain"
)

const extractionPrompt = `You are a product data extraction assistant.
Read the text of the e-commerce product page below and return ONE JSON object with exactly these keys:

{
  "name": "product name",
  "description": "product description, at most 1000 characters",
  "category": "category",
  "price": 0,
  "currency": "ISO currency code such as KRW or USD",
  "brand": "brand name",
  "product_code": "product code, SKU or model number",
  "manufacturer": "manufacturer",
  "origin_country": "country of origin",
  "model_name": "item and model name",
  "product_status": "condition, e.g. new or used",
  "specifications": {"rated_voltage": "", "power_consumption": "", "energy_rating": "", "size": "", "capacity": "", "weight": "", "release_date": "", "warranty": ""},
  "attributes": {"color": "", "size": "", "material": "", "weight": "", "dimensions": "", "voltage": "", "power": "", "warranty": ""}
}

Rules:
1. Return only the JSON object, no commentary and no markdown.
2. "price" is a number without currency symbols or separators; use null when unknown.
3. Use "" for any text field that cannot be found on the page.
4. Omit specification or attribute keys that have no value.
5. For Korean storefronts set "currency" to "KRW".

Page URL: %s

Page text:
%s
`

// BuildPrompt renders the extraction request for one page.
func BuildPrompt(pageURL, pageText string) string {
	return fmt.Sprintf(extractionPrompt, pageURL, pageText)
}

// extractionReply mirrors the JSON object requested by BuildPrompt.
type extractionReply struct {
	Name           string            `json:"name"`
	Description    string            `json:"description"`
	Category       string            `json:"category"`
	Price          flexPrice         `json:"price"`
	Currency       string            `json:"currency"`
	Brand          string            `json:"brand"`
	ProductCode    string            `json:"product_code"`
	Manufacturer   string            `json:"manufacturer"`
	OriginCountry  string            `json:"origin_country"`
	Origin         string            `json:"origin"`
	ModelName      string            `json:"model_name"`
	ProductStatus  string            `json:"product_status"`
	Specifications domain.Attributes `json:"specifications"`
	Attributes     domain.Attributes `json:"attributes"`
}

// flexPrice accepts numbers, numeric strings ("12,900", "₩12,900") and null.
type flexPrice struct {
	Value *float64
}

var nonNumeric = regexp.MustCompile(`[^0-9.\-]`)

func (p *flexPrice) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	var raw string
	if data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		raw = nonNumeric.ReplaceAllString(raw, "")
	} else {
		raw = string(data)
	}
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}
	p.Value = &v
	return nil
}

// ParseReply decodes a model reply, tolerating ```json fences and text around
// the object. Any failure wraps domain.ErrUpstreamModel.
func ParseReply(reply string) (*extractionReply, error) {
	body := strings.TrimSpace(reply)
	body = strings.TrimPrefix(body, "```json")
	body = strings.TrimPrefix(body, "```")
	body = strings.TrimSuffix(body, "```")
	body = strings.TrimSpace(body)

	start := strings.IndexByte(body, '{')
	end := strings.LastIndexByte(body, '}')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: reply holds no JSON object", domain.ErrUpstreamModel)
	}

	var out extractionReply
	if err := json.Unmarshal([]byte(body[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("%w: decode reply: %v", domain.ErrUpstreamModel, err)
	}
	return &out, nil
}
