// Package ledger contains the arithmetic of contract balance deduction.
// The computation is pure; the storage layer applies it inside a single
// database transaction so concurrent deductions cannot lose updates.
package ledger

// Deduction is the outcome of charging one verified requisition against a
// contract balance. All amounts are centavos, volume is hundredths of a
// liter.
type Deduction struct {
	AmountCentavos    int64
	BalanceBefore     int64
	BalanceAfter      int64
	ShortfallCentavos int64
	Exhausted         bool
}

// Compute derives the deduction for actual liters at the purchase price.
// The balance is clamped at zero: a deduction can never drive it negative,
// and any shortfall is reported on the transaction for audit instead of
// being discarded.
func Compute(balanceBefore, liters100, priceCentavos int64) Deduction {
	amount := liters100 * priceCentavos / 100

	after := balanceBefore - amount
	var shortfall int64
	if after < 0 {
		shortfall = -after
		after = 0
	}

	return Deduction{
		AmountCentavos:    amount,
		BalanceBefore:     balanceBefore,
		BalanceAfter:      after,
		ShortfallCentavos: shortfall,
		Exhausted:         after == 0,
	}
}

// Replay folds transaction amounts over a contract's total and returns the
// balance the chain reproduces. Used to audit that the stored remaining
// balance matches the transaction history.
func Replay(totalCentavos int64, deducted []int64) int64 {
	balance := totalCentavos
	for _, amount := range deducted {
		balance -= amount
		if balance < 0 {
			balance = 0
		}
	}
	return balance
}
