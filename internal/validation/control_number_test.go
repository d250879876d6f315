package validation

import (
	"math"
	"testing"
)

func TestNormalizeControlNumber(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
		ok    bool
	}{
		{"canonical", "DTT-2025-0001", "DTT-2025-0001", true},
		{"lowercase input", "ris-2025-0042", "RIS-2025-0042", true},
		{"surrounding spaces", "  DTT-2025-0007  ", "DTT-2025-0007", true},
		{"wide sequence", "DTT-2025-10000", "DTT-2025-10000", true},
		{"missing sequence", "DTT-2025", "DTT-2025", false},
		{"short sequence", "DTT-2025-001", "DTT-2025-001", false},
		{"short year", "DTT-25-0001", "DTT-25-0001", false},
		{"digit prefix", "D1T-2025-0001", "D1T-2025-0001", false},
		{"empty", "", "", false},
		{"extra segment", "DTT-2025-0001-X", "DTT-2025-0001-X", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NormalizeControlNumber(tt.input)
			if got != tt.want || ok != tt.ok {
				t.Fatalf("NormalizeControlNumber(%q) = %q, %v; want %q, %v", tt.input, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestParseControlNumber(t *testing.T) {
	prefix, year, seq, err := ParseControlNumber("dtt-2025-0123")
	if err != nil {
		t.Fatalf("ParseControlNumber error: %v", err)
	}
	if prefix != "DTT" || year != 2025 || seq != 123 {
		t.Fatalf("ParseControlNumber = %s, %d, %d; want DTT, 2025, 123", prefix, year, seq)
	}

	if _, _, _, err := ParseControlNumber("garbage"); err == nil {
		t.Fatalf("expected error for malformed number")
	}
}

func TestHundredths(t *testing.T) {
	tests := []struct {
		name    string
		input   float64
		want    int64
		wantErr bool
	}{
		{"integer liters", 98, 9800, false},
		{"two decimals", 57.6, 5760, false},
		{"rounding", 10.005, 1001, false},
		{"zero", 0, 0, false},
		{"negative", -1, 0, true},
		{"nan", math.NaN(), 0, true},
		{"inf", math.Inf(1), 0, true},
		{"at the cap", 1e12, 100_000_000_000_000, false},
		{"above the cap", 1e17, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Hundredths(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Hundredths(%v) expected error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("Hundredths(%v) error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Fatalf("Hundredths(%v) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}
