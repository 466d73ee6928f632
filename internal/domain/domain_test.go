package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttributesKeepOrder(t *testing.T) {
	var attrs Attributes
	attrs.Set("color", "black")
	attrs.Set("size", "XL")
	attrs.Set("empty", "")
	attrs.Set("color", "white")

	data, err := json.Marshal(attrs)
	require.NoError(t, err)
	assert.JSONEq(t, `{"color":"white","size":"XL"}`, string(data))
	assert.Equal(t, `{"color":"white","size":"XL"}`, string(data))

	var decoded Attributes
	require.NoError(t, json.Unmarshal([]byte(`{"voltage":"220V","weight":3.5,"note":null,"size":"M"}`), &decoded))
	require.Len(t, decoded, 3)
	assert.Equal(t, "voltage", decoded[0].Key)
	assert.Equal(t, "3.5", decoded[1].Value)
	v, ok := decoded.Get("size")
	assert.True(t, ok)
	assert.Equal(t, "M", v)
}

func TestAttributesAcceptEmptyListAndNull(t *testing.T) {
	for _, raw := range []string{`[]`, `[ ]`, `null`} {
		attrs := Attributes{{Key: "stale", Value: "x"}}
		require.NoError(t, json.Unmarshal([]byte(raw), &attrs), raw)
		assert.Empty(t, attrs, raw)
	}

	var attrs Attributes
	assert.Error(t, json.Unmarshal([]byte(`["color"]`), &attrs))
	assert.Error(t, json.Unmarshal([]byte(`"color"`), &attrs))
}

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{nil, KindNone},
		{fmt.Errorf("fetch: %w", ErrInvalidURL), KindInvalidInput},
		{&HTTPStatusError{URL: "https://x", StatusCode: 503}, KindTransientNetwork},
		{fmt.Errorf("wrap: %w", context.DeadlineExceeded), KindCancelled},
		{fmt.Errorf("persist: %w", ErrWriteFailure), KindWriteFailure},
		{fmt.Errorf("extract: %w", ErrUpstreamModel), KindUpstreamModel},
		{fmt.Errorf("boom"), KindUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, KindOf(tc.err))
	}
}

func TestPrimaryImageURLSkipsUnprocessed(t *testing.T) {
	rec := ProductRecord{Images: []ProductImage{
		{SourceURL: "a", PublicURL: "https://storage/a.jpg"},
		{SourceURL: "b", Processed: true},
		{SourceURL: "c", Processed: true, PublicURL: "https://storage/c.jpg"},
	}}
	assert.Equal(t, "https://storage/c.jpg", rec.PrimaryImageURL())
	assert.Len(t, rec.ProcessedImages(), 2)
}
