/*
due.go - Due-state evaluation for installment plans

PURPOSE:
  Decides, for a plan and a point in time, which installment should
  already have been settled and whether the patient is on track, has an
  installment due now, or has missed at least one full period.

TWO EVALUATORS:
  EvaluateDueState (heuristic)
    Needs only the plan row. Derives the expected installment from elapsed
    days and a fixed period length (7 / 15 / 30 days). Cheap enough for
    scanning many plans, but "monthly" is approximated by 30 days and
    partial payments are floored, so it can disagree with the stored
    calendar-month due dates near month boundaries.

  EvaluateInstallments (authoritative)
    Walks the stored installment list and counts installments whose due
    date has passed. This is what the reminder orchestrator uses.

CLASSIFICATION (both evaluators):
  paidCount <  expected-1  -> overdue   (missed at least one full period)
  paidCount == expected-1  -> due-soon  (current installment not yet paid)
  paidCount >= expected    -> on-track

EXAMPLE:
  Monthly plan, 6 installments, started 65 days ago, nothing paid:
    days=65, period=30, expected=min(65/30+1, 6)=3, paid=0 -> overdue
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

type DueClass string

const (
	OnTrack DueClass = "on-track"
	DueSoon DueClass = "due-soon"
	Overdue DueClass = "overdue"
)

// DueInput is the subset of a plan the heuristic needs.
type DueInput struct {
	StartDate         time.Time
	Frequency         Frequency
	InstallmentCount  int
	AmountPaid        decimal.Decimal
	InstallmentAmount decimal.Decimal
}

// DueInputFromPlan extracts a DueInput from a stored plan.
func DueInputFromPlan(p InstallmentPlan) DueInput {
	return DueInput{
		StartDate:         p.StartDate,
		Frequency:         p.Frequency,
		InstallmentCount:  p.InstallmentCount,
		AmountPaid:        p.AmountPaid,
		InstallmentAmount: p.InstallmentAmount,
	}
}

// DueState is the result of an evaluation.
type DueState struct {
	Class         DueClass
	ExpectedIndex int
	PaidCount     int
	DaysElapsed   int

	// Set by EvaluateInstallments only: the first unpaid installment, which
	// is the one a reminder should mention.
	Next        *Installment
	DaysOverdue int
}

// Actionable reports whether the state warrants a reminder.
func (s DueState) Actionable() bool { return s.Class != OnTrack }

// EvaluateDueState classifies a plan from elapsed time alone.
func EvaluateDueState(in DueInput, now time.Time) DueState {
	days := DaysBetween(TruncateDay(in.StartDate), now)
	if days < 0 {
		days = 0
	}

	expected := days/in.Frequency.ApproxPeriodDays() + 1
	if expected > in.InstallmentCount {
		expected = in.InstallmentCount
	}

	paid := 0
	if in.InstallmentAmount.IsPositive() {
		paid = int(in.AmountPaid.Div(in.InstallmentAmount).Floor().IntPart())
	}

	return DueState{
		Class:         classify(paid, expected),
		ExpectedIndex: expected,
		PaidCount:     paid,
		DaysElapsed:   days,
	}
}

// EvaluateInstallments classifies a plan against its stored due dates.
// Installments must be ordered by Index.
func EvaluateInstallments(plan InstallmentPlan, installments []Installment, now time.Time) DueState {
	state := DueState{DaysElapsed: DaysBetween(TruncateDay(plan.StartDate), now)}
	if state.DaysElapsed < 0 {
		state.DaysElapsed = 0
	}

	for i := range installments {
		inst := installments[i]
		if !inst.DueDate.After(now) {
			state.ExpectedIndex++
		}
		if inst.Status == InstallmentPaid {
			state.PaidCount++
			continue
		}
		if state.Next == nil {
			state.Next = &inst
		}
	}

	if state.ExpectedIndex == 0 {
		state.Class = OnTrack
		return state
	}
	state.Class = classify(state.PaidCount, state.ExpectedIndex)
	if state.Next != nil && !state.Next.DueDate.After(now) {
		state.DaysOverdue = DaysBetween(state.Next.DueDate, now)
	}
	return state
}

func classify(paid, expected int) DueClass {
	switch {
	case paid < expected-1:
		return Overdue
	case paid == expected-1:
		return DueSoon
	default:
		return OnTrack
	}
}
