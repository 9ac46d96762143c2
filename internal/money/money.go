// Package money implements integer minor-unit arithmetic for sale totals.
// Every persisted amount is an int64 number of cents; tax rates are basis
// points. Nothing here touches binary floating point, so a total computed
// once is the total forever.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"

	"tillbook/internal/store"
)

// MaxMinorUnits bounds every amount this package will accept or produce.
// Anything beyond it is treated as corrupt input rather than a real price.
const MaxMinorUnits = int64(1_000_000_000_000)

// BasisPointsDenominator converts basis points to a fraction: 1500 bp = 15%.
const BasisPointsDenominator = int64(10_000)

const (
	DiscountPercentage = "percentage"
	DiscountFixed      = "fixed"
)

// BillDiscount is a whole-bill discount. Value is basis points for
// percentage discounts and cents for fixed ones.
type BillDiscount struct {
	Kind  string
	Value int64
}

type LineInput struct {
	Qty           int64
	UnitPrice     int64
	DiscountCents int64
}

type Breakdown struct {
	LineTotals        []int64
	SubtotalCents     int64
	BillDiscountCents int64
	TaxCents          int64
	TotalCents        int64
}

// ToMinorUnits converts an exact decimal amount to cents, rounding half
// away from zero at two decimal places.
func ToMinorUnits(amount decimal.Decimal) (int64, error) {
	cents := amount.Round(2).Shift(2)
	if !cents.IsInteger() {
		return 0, fmt.Errorf("%w: amount %s is not representable in cents", store.ErrInvalidInput, amount)
	}
	v := cents.IntPart()
	if v > MaxMinorUnits || v < -MaxMinorUnits {
		return 0, fmt.Errorf("%w: amount %s exceeds supported magnitude", store.ErrInvalidInput, amount)
	}
	return v, nil
}

// LineTotal computes qty*unitPrice-discount, floored at zero.
func LineTotal(qty int64, unitPrice int64, discount int64) (int64, error) {
	if qty < 0 || unitPrice < 0 || discount < 0 {
		return 0, fmt.Errorf("%w: negative qty, price or discount", store.ErrInvalidInput)
	}
	if qty > MaxMinorUnits || unitPrice > MaxMinorUnits {
		return 0, fmt.Errorf("%w: qty or price exceeds supported magnitude", store.ErrInvalidInput)
	}
	gross := qty * unitPrice
	if unitPrice != 0 && gross/unitPrice != qty {
		return 0, fmt.Errorf("%w: line total overflows", store.ErrInvalidInput)
	}
	if gross > MaxMinorUnits {
		return 0, fmt.Errorf("%w: line total exceeds supported magnitude", store.ErrInvalidInput)
	}
	total := gross - discount
	if total < 0 {
		total = 0
	}
	return total, nil
}

// LineTax computes the tax on a line total at rateBp basis points. For
// inclusive totals the tax is carved out of the amount; otherwise it is
// added on top. Rounding is half to even so that summed halves do not
// drift upward across many lines.
func LineTax(lineTotal int64, rateBp int64, inclusive bool) int64 {
	if lineTotal <= 0 || rateBp <= 0 {
		return 0
	}
	if inclusive {
		base := roundDiv(lineTotal*BasisPointsDenominator, BasisPointsDenominator+rateBp)
		return lineTotal - base
	}
	return roundDiv(lineTotal*rateBp, BasisPointsDenominator)
}

// ApplyBillDiscount returns the discount amount for the subtotal, clamped
// to [0, subtotal].
func ApplyBillDiscount(subtotal int64, discount BillDiscount) (int64, error) {
	if subtotal < 0 || discount.Value < 0 {
		return 0, fmt.Errorf("%w: negative subtotal or discount", store.ErrInvalidInput)
	}
	var amount int64
	switch discount.Kind {
	case DiscountPercentage:
		if discount.Value > BasisPointsDenominator {
			amount = subtotal
		} else {
			amount = roundDiv(subtotal*discount.Value, BasisPointsDenominator)
		}
	case DiscountFixed:
		amount = discount.Value
	case "":
		amount = 0
	default:
		return 0, fmt.Errorf("%w: unknown discount kind %q", store.ErrInvalidInput, discount.Kind)
	}
	if amount > subtotal {
		amount = subtotal
	}
	return amount, nil
}

// Totals computes the full bill breakdown: per-line totals, subtotal, a
// whole-bill discount applied before tax, and tax on the discounted
// subtotal. All intermediates stay integral.
func Totals(lines []LineInput, discount *BillDiscount, taxRateBp int64) (Breakdown, error) {
	var out Breakdown
	if taxRateBp < 0 {
		return out, fmt.Errorf("%w: negative tax rate", store.ErrInvalidInput)
	}

	out.LineTotals = make([]int64, 0, len(lines))
	for _, line := range lines {
		total, err := LineTotal(line.Qty, line.UnitPrice, line.DiscountCents)
		if err != nil {
			return Breakdown{}, err
		}
		out.LineTotals = append(out.LineTotals, total)
		out.SubtotalCents += total
	}
	if out.SubtotalCents > MaxMinorUnits {
		return Breakdown{}, fmt.Errorf("%w: subtotal exceeds supported magnitude", store.ErrInvalidInput)
	}

	if discount != nil {
		amount, err := ApplyBillDiscount(out.SubtotalCents, *discount)
		if err != nil {
			return Breakdown{}, err
		}
		out.BillDiscountCents = amount
	}

	taxable := out.SubtotalCents - out.BillDiscountCents
	out.TaxCents = LineTax(taxable, taxRateBp, false)
	out.TotalCents = taxable + out.TaxCents
	return out, nil
}

// roundDiv divides num by den rounding half to even. den must be positive;
// num must be non-negative, which holds for every caller above.
func roundDiv(num int64, den int64) int64 {
	quo := num / den
	rem := num % den
	twice := rem * 2
	switch {
	case twice > den:
		return quo + 1
	case twice < den:
		return quo
	default:
		// Exactly half: round to the even neighbour.
		if quo%2 != 0 {
			return quo + 1
		}
		return quo
	}
}
