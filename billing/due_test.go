package billing_test

import (
	"testing"
	"time"

	"github.com/clinicflow/billing-engine/billing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var jan1 = billing.NewDate(2024, time.January, 1)

// threeMonthly is the 900000 / 3 monthly plan starting Jan 1, 2024.
func threeMonthly(t *testing.T, paid string) (billing.InstallmentPlan, []billing.Installment) {
	t.Helper()
	installments, err := billing.GenerateSchedule(billing.ScheduleInput{
		TotalAmount:      dec("900000"),
		InstallmentCount: 3,
		Frequency:        billing.FrequencyMonthly,
		StartDate:        jan1,
	})
	require.NoError(t, err)

	plan := billing.InstallmentPlan{
		ID:                "plan-1",
		TenantID:          "clinic-1",
		PatientID:         "patient-1",
		TotalAmount:       dec("900000"),
		InstallmentCount:  3,
		InstallmentAmount: installments[0].Amount,
		Frequency:         billing.FrequencyMonthly,
		StartDate:         jan1,
		AmountPaid:        dec(paid),
		Status:            billing.PlanActive,
	}
	for _, idx := range billing.CoveredInstallments(installments, plan.AmountPaid) {
		installments[idx-1].Status = billing.InstallmentPaid
	}
	return plan, installments
}

// =============================================================================
// HEURISTIC (elapsed time / approximate period)
// =============================================================================

func TestEvaluateDueState_FirstInstallmentDueSoon(t *testing.T) {
	// GIVEN: 900000 over 3 monthly, nothing paid
	// WHEN: Evaluated 9 days after start
	// THEN: Installment 1 is expected and unpaid -> due-soon

	plan, _ := threeMonthly(t, "0")
	state := billing.EvaluateDueState(billing.DueInputFromPlan(plan), jan1.AddDate(0, 0, 9))

	assert.Equal(t, billing.DueSoon, state.Class)
	assert.Equal(t, 1, state.ExpectedIndex)
	assert.Equal(t, 0, state.PaidCount)
	assert.Equal(t, 9, state.DaysElapsed)
	assert.True(t, state.Actionable())
}

func TestEvaluateDueState_Classes(t *testing.T) {
	cases := []struct {
		name     string
		paid     string
		days     int
		class    billing.DueClass
		expected int
		paidN    int
	}{
		{"two periods in, nothing paid", "0", 35, billing.Overdue, 2, 0},
		{"two periods in, one paid", "300000", 35, billing.DueSoon, 2, 1},
		{"two periods in, two paid", "600000", 35, billing.OnTrack, 2, 2},
		{"partial payment does not count", "299999", 35, billing.Overdue, 2, 0},
		{"expected capped at count", "0", 400, billing.Overdue, 3, 0},
		{"fully paid long after", "900000", 400, billing.OnTrack, 3, 3},
		{"before start", "0", -10, billing.DueSoon, 1, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plan, _ := threeMonthly(t, tc.paid)
			state := billing.EvaluateDueState(billing.DueInputFromPlan(plan), jan1.AddDate(0, 0, tc.days))

			assert.Equal(t, tc.class, state.Class)
			assert.Equal(t, tc.expected, state.ExpectedIndex)
			assert.Equal(t, tc.paidN, state.PaidCount)
			assert.GreaterOrEqual(t, state.DaysElapsed, 0)
		})
	}
}

// =============================================================================
// AUTHORITATIVE (stored due dates)
// =============================================================================

func TestEvaluateInstallments_BeforeFirstDueDate(t *testing.T) {
	plan, installments := threeMonthly(t, "0")

	state := billing.EvaluateInstallments(plan, installments, jan1.AddDate(0, 0, -3))

	assert.Equal(t, billing.OnTrack, state.Class)
	assert.Equal(t, 0, state.ExpectedIndex)
	require.NotNil(t, state.Next)
	assert.Equal(t, 1, state.Next.Index)
	assert.False(t, state.Actionable())
}

func TestEvaluateInstallments_DueToday(t *testing.T) {
	// GIVEN: Installment 1 due Jan 1
	// WHEN: Evaluated on Jan 1 at noon
	// THEN: due-soon, not yet overdue by any day

	plan, installments := threeMonthly(t, "0")

	state := billing.EvaluateInstallments(plan, installments, jan1.Add(12*time.Hour))

	assert.Equal(t, billing.DueSoon, state.Class)
	assert.Equal(t, 1, state.ExpectedIndex)
	require.NotNil(t, state.Next)
	assert.Equal(t, 1, state.Next.Index)
	assert.Equal(t, 0, state.DaysOverdue)
}

func TestEvaluateInstallments_Overdue(t *testing.T) {
	plan, installments := threeMonthly(t, "0")

	state := billing.EvaluateInstallments(plan, installments, billing.NewDate(2024, time.February, 10))

	assert.Equal(t, billing.Overdue, state.Class)
	assert.Equal(t, 2, state.ExpectedIndex)
	assert.Equal(t, 0, state.PaidCount)
	require.NotNil(t, state.Next)
	assert.Equal(t, 1, state.Next.Index)
	assert.Equal(t, 40, state.DaysOverdue)
}

func TestEvaluateInstallments_NextIsFirstUnpaid(t *testing.T) {
	plan, installments := threeMonthly(t, "300000")

	state := billing.EvaluateInstallments(plan, installments, billing.NewDate(2024, time.February, 10))

	assert.Equal(t, billing.DueSoon, state.Class)
	assert.Equal(t, 1, state.PaidCount)
	require.NotNil(t, state.Next)
	assert.Equal(t, 2, state.Next.Index)
	assert.Equal(t, 9, state.DaysOverdue)
}

func TestEvaluateInstallments_FullyPaid(t *testing.T) {
	plan, installments := threeMonthly(t, "900000")

	state := billing.EvaluateInstallments(plan, installments, billing.NewDate(2024, time.June, 1))

	assert.Equal(t, billing.OnTrack, state.Class)
	assert.Equal(t, 3, state.PaidCount)
	assert.Nil(t, state.Next)
}

func TestEvaluateInstallments_DiffersFromHeuristicOnMonthEnds(t *testing.T) {
	// GIVEN: Installment 1 paid; installment 2 is due Feb 1
	// WHEN: Evaluated on Jan 31 (30 days after start)
	// THEN: The 30-day heuristic already expects installment 2; the stored
	//       schedule does not

	plan, installments := threeMonthly(t, "300000")
	now := billing.NewDate(2024, time.January, 31)

	estimated := billing.EvaluateDueState(billing.DueInputFromPlan(plan), now)
	actual := billing.EvaluateInstallments(plan, installments, now)

	assert.Equal(t, billing.DueSoon, estimated.Class)
	assert.Equal(t, 2, estimated.ExpectedIndex)
	assert.Equal(t, billing.OnTrack, actual.Class)
	assert.Equal(t, 1, actual.ExpectedIndex)
}

func TestCoveredInstallments(t *testing.T) {
	_, installments := threeMonthly(t, "0")

	assert.Empty(t, billing.CoveredInstallments(installments, dec("299999")))
	assert.Equal(t, []int{1}, billing.CoveredInstallments(installments, dec("300000")))
	assert.Equal(t, []int{1, 2}, billing.CoveredInstallments(installments, dec("650000")))

	installments[0].Status = billing.InstallmentPaid
	assert.Equal(t, []int{2}, billing.CoveredInstallments(installments, dec("600000")))
}
