package cost

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTable(t *testing.T) *PriceTable {
	t.Helper()
	table, err := NewPriceTable(map[string]ModelRate{
		"haiku":  {Input: decimal.RequireFromString("0.80"), Output: decimal.RequireFromString("4.00")},
		"sonnet": {Input: decimal.RequireFromString("3.00"), Output: decimal.RequireFromString("15.00")},
		"opus":   {Input: decimal.RequireFromString("15.00"), Output: decimal.RequireFromString("75.00")},
	})
	require.NoError(t, err)
	return table
}

func TestEstimate(t *testing.T) {
	t.Parallel()
	table := testTable(t)

	tests := []struct {
		name    string
		unit    string
		input   int64
		output  int64
		dollars string
		cents   int64
		known   bool
	}{
		{"opus at cap", "opus", 10_000, 2_000, "0.3", 30, true},
		{"opus over cap", "opus", 20_000, 2_000, "0.45", 45, true},
		{"haiku small", "haiku", 1_000, 500, "0.0028", 0, true},
		{"half cent rounds up", "haiku", 6_250, 0, "0.005", 1, true},
		{"sonnet", "sonnet", 1_000_000, 100_000, "4.5", 450, true},
		{"zero tokens", "opus", 0, 0, "0", 0, true},
		{"unknown priced at ceiling", "mystery", 10_000, 2_000, "0.3", 30, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := table.Estimate(tt.unit, tt.input, tt.output)
			assert.True(t, decimal.RequireFromString(tt.dollars).Equal(got.Dollars), "dollars %s", got.Dollars)
			assert.Equal(t, tt.cents, got.Cents)
			assert.Equal(t, tt.known, got.Known)
		})
	}
}

func TestEstimate_QuantizesBeforeCents(t *testing.T) {
	t.Parallel()
	table, err := NewPriceTable(map[string]ModelRate{
		"odd": {Input: decimal.RequireFromString("0.0049"), Output: decimal.Zero},
	})
	require.NoError(t, err)

	// 1,000,000 * 0.0049 / 1e6 = 0.0049 -> 0.49 cents -> 0.
	assert.Equal(t, int64(0), table.Estimate("odd", 1_000_000, 0).Cents)
	// 0.0049500045 quantizes to 0.0050 -> 0.5 cents -> 1, where the raw
	// 0.495 cents would have rounded to 0.
	assert.Equal(t, int64(1), table.Estimate("odd", 1_010_205, 0).Cents)
}

func TestEstimate_UnknownNeverCheaperThanKnown(t *testing.T) {
	t.Parallel()
	table := testTable(t)
	unknown := table.Estimate("unknown", 12_345, 6_789)
	for _, unit := range table.Units() {
		assert.GreaterOrEqual(t, unknown.Cents, table.Estimate(unit, 12_345, 6_789).Cents, unit)
	}
}

func TestNewPriceTable_Invalid(t *testing.T) {
	t.Parallel()
	_, err := NewPriceTable(nil)
	assert.Error(t, err)

	_, err = NewPriceTable(map[string]ModelRate{"bad": {Input: decimal.NewFromInt(-1)}})
	assert.Error(t, err)
}

func TestDefaultPriceTable(t *testing.T) {
	t.Parallel()
	table := DefaultPriceTable()
	assert.Len(t, table.Units(), 3)
	_, ok := table.Rate("claude-opus-4-6")
	assert.True(t, ok)
}

func TestLoadPriceTable(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "prices.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
models:
  small:
    input: "0.25"
    output: 1.25
  large:
    input: "10"
    output: "30"
`), 0o600))

	table, err := LoadPriceTable(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"large", "small"}, table.Units())
	r, ok := table.Rate("small")
	require.True(t, ok)
	assert.True(t, decimal.RequireFromString("1.25").Equal(r.Output))
}

func TestLoadPriceTable_Errors(t *testing.T) {
	t.Parallel()
	_, err := LoadPriceTable(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("models:\n  x: {input: abc, output: \"1\"}\n"), 0o600))
	_, err = LoadPriceTable(path)
	assert.Error(t, err)
}
