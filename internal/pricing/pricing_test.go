package pricing

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-12 }

func TestTable_Cost(t *testing.T) {
	tbl := NewTable(nil)

	tests := []struct {
		model     string
		in, out   int
		want      float64
		wantKnown bool
	}{
		{"gpt-4o-mini", 1_000_000, 0, 0.15, true},
		{"gpt-4o-mini", 1000, 500, (1000*0.15 + 500*0.60) / 1e6, true},
		{"gpt-4o-mini-2024-07-18", 1_000_000, 1_000_000, 0.75, true},
		{"gpt-4o-2024-08-06", 0, 1_000_000, 10.00, true},
		{"claude-3-5-haiku-latest", 2_000_000, 0, 1.60, true},
		{"unknown-model", 1000, 1000, 0, false},
	}

	for _, tt := range tests {
		got, known := tbl.Cost(tt.model, tt.in, tt.out)
		if known != tt.wantKnown || !almostEqual(got, tt.want) {
			t.Errorf("Cost(%q, %d, %d) = %v, %v; want %v, %v", tt.model, tt.in, tt.out, got, known, tt.want, tt.wantKnown)
		}
	}
}

func TestTable_LongestPrefixWins(t *testing.T) {
	tbl := NewTable(nil)
	// gpt-4o-mini-... must not resolve to the gpt-4o price.
	p, ok := tbl.Lookup("gpt-4o-mini-2024-07-18")
	if !ok || p.InputPerMillion != 0.15 {
		t.Fatalf("Lookup = %+v, %v", p, ok)
	}
}

func TestTable_Overrides(t *testing.T) {
	tbl := NewTable(map[string]Price{
		"gpt-4o":       {1, 1},
		"my-finetuned": {5, 5},
	})
	if p, _ := tbl.Lookup("gpt-4o"); p.InputPerMillion != 1 {
		t.Errorf("override not applied: %+v", p)
	}
	if _, ok := tbl.Lookup("my-finetuned-v2"); !ok {
		t.Error("custom model not resolved by prefix")
	}
}
