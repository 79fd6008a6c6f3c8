package typeutil

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// SCALAR TESTS
// =============================================================================

func TestSafeInt(t *testing.T) {
	tests := []struct {
		name   string
		input  any
		want   int
		wantOK bool
	}{
		{"int", 3, 3, true},
		{"int64", int64(4), 4, true},
		{"whole float", float64(5), 5, true},
		{"fractional float", 2.5, 0, false},
		{"json number", json.Number("7"), 7, true},
		{"string", "7", 0, false},
		{"nil", nil, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SafeInt(tt.input)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSafeFloat64(t *testing.T) {
	tests := []struct {
		name   string
		input  any
		want   float64
		wantOK bool
	}{
		{"float", 0.85, 0.85, true},
		{"int", 1, 1, true},
		{"json number", json.Number("0.4"), 0.4, true},
		{"numeric string", " 0.9 ", 0.9, true},
		{"word", "high", 0, false},
		{"nan", math.NaN(), 0, false},
		{"inf", math.Inf(1), 0, false},
		{"bool", true, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SafeFloat64(tt.input)
			assert.Equal(t, tt.wantOK, ok)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestSafeStringSlice(t *testing.T) {
	got, ok := SafeStringSlice([]any{"a", "b"})
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, got)

	_, ok = SafeStringSlice([]any{"a", 1})
	assert.False(t, ok)

	_, ok = SafeStringSlice("a")
	assert.False(t, ok)
}

func TestSafeDecimal(t *testing.T) {
	d, ok := SafeDecimal("1250.50")
	require.True(t, ok)
	assert.True(t, d.Equal(decimal.RequireFromString("1250.5")))

	d, ok = SafeDecimal(json.Number("-42"))
	require.True(t, ok)
	assert.True(t, d.Equal(decimal.NewFromInt(-42)))

	_, ok = SafeDecimal("twelve")
	assert.False(t, ok)
}

func TestGetNestedValue(t *testing.T) {
	data := map[string]any{"a": map[string]any{"b": map[string]any{"c": 1}}}

	v, ok := GetNestedValue(data, "a.b.c")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = GetNestedValue(data, "a.x.c")
	assert.False(t, ok)
	_, ok = GetNestedValue(data, "a.b.c.d")
	assert.False(t, ok)
}

// =============================================================================
// MODEL JSON TESTS
// =============================================================================

func TestDecodeModelJSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"plain object", `{"intent":"TaxKnowledge","confidence":0.8}`, false},
		{"fenced", "```json\n{\"intent\":\"TaxKnowledge\"}\n```", false},
		{"surrounding whitespace", "\n  {\"a\":1}  \n", false},
		{"prose before", `Sure! {"intent":"TaxKnowledge"}`, true},
		{"trailing object", `{"a":1}{"b":2}`, true},
		{"array", `[1,2]`, true},
		{"truncated", `{"intent":`, true},
		{"empty", "   ", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeModelJSON(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, got)
		})
	}
}

func TestDecodeModelJSONUsesNumbers(t *testing.T) {
	got, err := DecodeModelJSON(`{"confidence":0.85}`)
	require.NoError(t, err)
	assert.Equal(t, json.Number("0.85"), got["confidence"])
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abcd...", Truncate("abcdefghij", 7))
	assert.Equal(t, "ab", Truncate("abcdef", 2))
}
