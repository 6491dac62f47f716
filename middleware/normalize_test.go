package middleware

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeQueryStringCollapsesRepeats(t *testing.T) {
	allowed := map[string]bool{"colors": true}

	out, changed := normalizeQueryString("sort=a&sort=b", allowed)
	assert.True(t, changed)
	assert.Equal(t, "sort=b", out)

	out, changed = normalizeQueryString("colors=red&colors=blue", allowed)
	assert.False(t, changed, "allow-listed keys keep all values")
	assert.Equal(t, "colors=red&colors=blue", out)

	_, changed = normalizeQueryString("page=1&sort=name", allowed)
	assert.False(t, changed)

	_, changed = normalizeQueryString("", allowed)
	assert.False(t, changed)
}

func TestNormalizeJSONBody(t *testing.T) {
	allowed := map[string]bool{"colors": true}

	out, changed := normalizeJSONBody([]byte(`{"colors": ["a", "b"], "sort": ["x", "y"]}`), allowed)
	require.True(t, changed)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &body))
	assert.Equal(t, []interface{}{"a", "b"}, body["colors"])
	assert.Equal(t, "y", body["sort"])
}

func TestNormalizeJSONBodyLeavesCleanInput(t *testing.T) {
	allowed := map[string]bool{}

	raw := []byte(`{"name": "x", "count": 2}`)
	out, changed := normalizeJSONBody(raw, allowed)
	assert.False(t, changed)
	assert.Equal(t, raw, out)

	// Non-object and malformed bodies pass through untouched.
	raw = []byte(`[1, 2, 3]`)
	_, changed = normalizeJSONBody(raw, allowed)
	assert.False(t, changed)

	raw = []byte(`{broken`)
	_, changed = normalizeJSONBody(raw, allowed)
	assert.False(t, changed)
}

func TestNormalizeJSONBodyEmptyArray(t *testing.T) {
	out, changed := normalizeJSONBody([]byte(`{"sort": []}`), map[string]bool{})
	assert.False(t, changed, "an empty array has no last element to collapse to")
	assert.Equal(t, []byte(`{"sort": []}`), out)
}
