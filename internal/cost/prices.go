// Package cost prices units of work against a static table using
// fixed-point decimal arithmetic.
package cost

import (
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ModelRate holds per-model token pricing in dollars per million tokens.
type ModelRate struct {
	Input  decimal.Decimal
	Output decimal.Decimal
}

// PriceTable maps unit identifiers to rates. It is immutable once built.
type PriceTable struct {
	rates   map[string]ModelRate
	ceiling ModelRate
}

// NewPriceTable builds a table from rates. At least one rate is required and
// no rate may be negative.
func NewPriceTable(rates map[string]ModelRate) (*PriceTable, error) {
	if len(rates) == 0 {
		return nil, eris.New("cost: price table is empty")
	}
	t := &PriceTable{rates: make(map[string]ModelRate, len(rates))}
	for name, r := range rates {
		if r.Input.IsNegative() || r.Output.IsNegative() {
			return nil, eris.Errorf("cost: negative rate for %s", name)
		}
		t.rates[name] = r
		t.ceiling.Input = decimal.Max(t.ceiling.Input, r.Input)
		t.ceiling.Output = decimal.Max(t.ceiling.Output, r.Output)
	}
	return t, nil
}

// DefaultPriceTable returns the built-in rates.
func DefaultPriceTable() *PriceTable {
	t, _ := NewPriceTable(map[string]ModelRate{
		"claude-haiku-4-5-20251001": {
			Input:  decimal.RequireFromString("0.80"),
			Output: decimal.RequireFromString("4.00"),
		},
		"claude-sonnet-4-5-20250929": {
			Input:  decimal.RequireFromString("3.00"),
			Output: decimal.RequireFromString("15.00"),
		},
		"claude-opus-4-6": {
			Input:  decimal.RequireFromString("15.00"),
			Output: decimal.RequireFromString("75.00"),
		},
	})
	return t
}

// priceFile is the YAML layout read by LoadPriceTable. Rates are strings so
// they never pass through a binary float.
type priceFile struct {
	Models map[string]struct {
		Input  string `yaml:"input"`
		Output string `yaml:"output"`
	} `yaml:"models"`
}

// LoadPriceTable reads a YAML price file:
//
//	models:
//	  claude-opus-4-6: {input: "15.00", output: "75.00"}
func LoadPriceTable(path string) (*PriceTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "cost: read price file %s", path)
	}
	var f priceFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "cost: parse price file %s", path)
	}

	rates := make(map[string]ModelRate, len(f.Models))
	for name, m := range f.Models {
		in, err := decimal.NewFromString(m.Input)
		if err != nil {
			return nil, eris.Wrapf(err, "cost: input rate for %s", name)
		}
		out, err := decimal.NewFromString(m.Output)
		if err != nil {
			return nil, eris.Wrapf(err, "cost: output rate for %s", name)
		}
		rates[name] = ModelRate{Input: in, Output: out}
	}
	return NewPriceTable(rates)
}

// Rate returns the rate for unit.
func (t *PriceTable) Rate(unit string) (ModelRate, bool) {
	r, ok := t.rates[unit]
	return r, ok
}

// Units returns the known unit identifiers, sorted.
func (t *PriceTable) Units() []string {
	out := make([]string, 0, len(t.rates))
	for name := range t.rates {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Estimate is the priced cost of one unit of work.
type Estimate struct {
	Unit string
	// Known is false when Unit was not in the table and the ceiling rate
	// was used.
	Known   bool
	Dollars decimal.Decimal
	Cents   int64
}

var (
	million = decimal.NewFromInt(1_000_000)
	hundred = decimal.NewFromInt(100)
)

// Estimate prices inputSize and outputSize tokens of unit. Unknown units are
// priced at the highest input and output rates in the table. The dollar
// amount is quantized to 4 places, then converted to cents rounding half up.
func (t *PriceTable) Estimate(unit string, inputSize, outputSize int64) Estimate {
	rate, known := t.rates[unit]
	if !known {
		rate = t.ceiling
	}

	dollars := decimal.NewFromInt(inputSize).Mul(rate.Input).
		Add(decimal.NewFromInt(outputSize).Mul(rate.Output)).
		Div(million).
		Round(4)

	return Estimate{
		Unit:    unit,
		Known:   known,
		Dollars: dollars,
		Cents:   dollars.Mul(hundred).Round(0).IntPart(),
	}
}
