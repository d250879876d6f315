package ledger

import "testing"

func TestCompute(t *testing.T) {
	tests := []struct {
		name          string
		balance       int64
		liters100     int64
		priceCentavos int64
		want          Deduction
	}{
		{
			// 98 liters at 57.60 costs 5644.80
			name:          "regular purchase",
			balance:       1000000,
			liters100:     9800,
			priceCentavos: 5760,
			want: Deduction{
				AmountCentavos: 564480,
				BalanceBefore:  1000000,
				BalanceAfter:   435520,
			},
		},
		{
			name:          "exact exhaustion",
			balance:       564480,
			liters100:     9800,
			priceCentavos: 5760,
			want: Deduction{
				AmountCentavos: 564480,
				BalanceBefore:  564480,
				BalanceAfter:   0,
				Exhausted:      true,
			},
		},
		{
			name:          "clamped at zero with shortfall",
			balance:       500000,
			liters100:     9800,
			priceCentavos: 5760,
			want: Deduction{
				AmountCentavos:    564480,
				BalanceBefore:     500000,
				BalanceAfter:      0,
				ShortfallCentavos: 64480,
				Exhausted:         true,
			},
		},
		{
			name:          "deduction from exhausted contract",
			balance:       0,
			liters100:     100,
			priceCentavos: 100,
			want: Deduction{
				AmountCentavos:    100,
				BalanceBefore:     0,
				BalanceAfter:      0,
				ShortfallCentavos: 100,
				Exhausted:         true,
			},
		},
		{
			name:          "fractional liters",
			balance:       10000,
			liters100:     150,
			priceCentavos: 6000,
			want: Deduction{
				AmountCentavos: 9000,
				BalanceBefore:  10000,
				BalanceAfter:   1000,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Compute(tt.balance, tt.liters100, tt.priceCentavos)
			if got != tt.want {
				t.Fatalf("Compute(%d, %d, %d) = %+v, want %+v", tt.balance, tt.liters100, tt.priceCentavos, got, tt.want)
			}
		})
	}
}

func TestReplayReproducesBalance(t *testing.T) {
	total := int64(1000000)

	first := Compute(total, 9800, 5760)
	second := Compute(first.BalanceAfter, 5000, 6000)

	replayed := Replay(total, []int64{first.AmountCentavos, second.AmountCentavos})
	if replayed != second.BalanceAfter {
		t.Fatalf("Replay = %d, want %d", replayed, second.BalanceAfter)
	}
}

func TestReplayClampsAtZero(t *testing.T) {
	if got := Replay(100, []int64{60, 60, 60}); got != 0 {
		t.Fatalf("Replay = %d, want 0", got)
	}
}
