/*
schedule.go - Installment schedule generation

PURPOSE:
  Turns plan parameters (total, count, frequency, start date) into the
  ordered list of installments that is stored with the plan at creation.
  Everything downstream (due-state evaluation, reminders, payment
  application) reasons about this list.

ROUNDING:
  The regular installment is the total divided by the count, rounded UP
  to the rounding increment (the clinic's smallest practical currency
  unit, 1000 by default). Every installment but the last gets that
  amount; the last one gets whatever remains:

    total=1000000, count=3, increment=1000
      base = ceil(333333.33 / 1000) * 1000 = 334000
      -> 334000, 334000, 332000   (sum = 1000000 exactly)

  Reconciliation relies on the SUM, not on equal installments, so the
  remainder is always concentrated in the final installment.

  For small totals the increment can leave nothing for the last
  installment (total=1000, count=3 -> base 1000, last -1000). The
  generator then retries with the increment divided by 10 until the last
  installment is positive, down to MinRoundingIncrement.

DUE DATES:
  weekly   start + 7*i days
  biweekly start + 15*i days
  monthly  start + i calendar months, clamped to month end

SEE ALSO:
  - time.go: DueDate, AddMonthsClamped
  - due.go:  evaluates these installments against "now"
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	MinInstallments = 2
	MaxInstallments = 120
)

var (
	// DefaultRoundingIncrement rounds regular installments up to thousands.
	DefaultRoundingIncrement = decimal.NewFromInt(1000)

	// MinRoundingIncrement is the finest increment the generator falls back to.
	MinRoundingIncrement = decimal.New(1, -2)
)

// ScheduleInput holds the parameters of a new plan.
type ScheduleInput struct {
	TotalAmount      decimal.Decimal
	InstallmentCount int
	Frequency        Frequency
	StartDate        time.Time

	// RoundingIncrement defaults to DefaultRoundingIncrement when zero.
	RoundingIncrement decimal.Decimal
}

// Validate checks the input without generating anything.
func (in ScheduleInput) Validate() error {
	if !in.TotalAmount.IsPositive() {
		return invalid("total_amount", "must be greater than zero, got %s", in.TotalAmount)
	}
	if in.InstallmentCount < MinInstallments {
		return invalid("installment_count", "must be at least %d, got %d", MinInstallments, in.InstallmentCount)
	}
	if in.InstallmentCount > MaxInstallments {
		return invalid("installment_count", "must be at most %d, got %d", MaxInstallments, in.InstallmentCount)
	}
	if !in.Frequency.Valid() {
		return invalid("frequency", "unsupported frequency %q", in.Frequency)
	}
	if in.StartDate.IsZero() {
		return invalid("start_date", "is required")
	}
	if !in.RoundingIncrement.IsZero() && in.RoundingIncrement.LessThan(MinRoundingIncrement) {
		return invalid("rounding_increment", "must be at least %s", MinRoundingIncrement)
	}
	return nil
}

// GenerateSchedule produces the ordered installment list for a plan.
// The returned installments have no PlanID; the caller assigns it.
func GenerateSchedule(in ScheduleInput) ([]Installment, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	base, last, err := splitAmount(in.TotalAmount, in.InstallmentCount, in.RoundingIncrement)
	if err != nil {
		return nil, err
	}

	start := TruncateDay(in.StartDate)
	installments := make([]Installment, in.InstallmentCount)
	for i := 0; i < in.InstallmentCount; i++ {
		amount := base
		if i == in.InstallmentCount-1 {
			amount = last
		}
		installments[i] = Installment{
			Index:   i + 1,
			Amount:  amount,
			DueDate: DueDate(start, i, in.Frequency),
			Status:  InstallmentPending,
		}
	}
	return installments, nil
}

// RegularAmount returns the non-final installment amount GenerateSchedule
// would use for the input.
func RegularAmount(in ScheduleInput) (decimal.Decimal, error) {
	if err := in.Validate(); err != nil {
		return decimal.Zero, err
	}
	base, _, err := splitAmount(in.TotalAmount, in.InstallmentCount, in.RoundingIncrement)
	return base, err
}

func splitAmount(total decimal.Decimal, count int, increment decimal.Decimal) (base, last decimal.Decimal, err error) {
	if increment.IsZero() {
		increment = DefaultRoundingIncrement
	}
	n := decimal.NewFromInt(int64(count))
	ten := decimal.NewFromInt(10)

	for inc := increment; inc.GreaterThanOrEqual(MinRoundingIncrement); inc = inc.Div(ten) {
		base = ceilTo(total.Div(n), inc)
		last = total.Sub(base.Mul(n.Sub(decimal.NewFromInt(1))))
		if last.IsPositive() {
			return base, last, nil
		}
	}
	return decimal.Zero, decimal.Zero, invalid("total_amount",
		"%s is too small to split into %d installments", total, count)
}

// ceilTo rounds v up to the next multiple of inc.
func ceilTo(v, inc decimal.Decimal) decimal.Decimal {
	return v.Div(inc).Ceil().Mul(inc)
}

// SumInstallments adds up installment amounts.
func SumInstallments(installments []Installment) decimal.Decimal {
	sum := decimal.Zero
	for _, inst := range installments {
		sum = sum.Add(inst.Amount)
	}
	return sum
}
