package account

import (
	"fmt"
	"time"

	"github.com/alecgard/trustgate/internal/gwerr"
)

// WarningRatio is the share of a budget at which a warning is raised.
const WarningRatio = 0.8

// ValidatePeriod reports whether period is a known budget period type.
func ValidatePeriod(period string) error {
	switch period {
	case PeriodDaily, PeriodMonthly, PeriodTotal:
		return nil
	}
	return &gwerr.ValidationError{Field: "period_type", Message: fmt.Sprintf("unknown period %q", period)}
}

// NextReset returns when a budget of the given period starting at now next
// resets, or nil for budgets that never reset.
func NextReset(period string, now time.Time) *time.Time {
	now = now.UTC()
	var t time.Time
	switch period {
	case PeriodDaily:
		t = time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	case PeriodMonthly:
		t = time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC)
	default:
		return nil
	}
	return &t
}

// rollover zeroes the spend of a budget whose period ended before now.
func rollover(b *Budget, now time.Time) {
	if b.ResetAt == nil || now.Before(*b.ResetAt) {
		return
	}
	b.SpentUSD = 0
	b.ResetAt = NextReset(b.PeriodType, now)
}

// Check decides whether another request may spend against b. It returns a
// BudgetExceeded error when a hard-capped budget is used up, and warn when
// spend has reached WarningRatio of the limit. A zero limit is unlimited.
func Check(b *Budget, now time.Time) (warn bool, err error) {
	cp := *b
	rollover(&cp, now)
	if cp.LimitUSD <= 0 {
		return false, nil
	}
	if cp.HardCap && cp.SpentUSD >= cp.LimitUSD {
		return false, &gwerr.BudgetExceeded{Reason: "budget_exceeded", Used: cp.SpentUSD, Limit: cp.LimitUSD}
	}
	return cp.SpentUSD >= cp.LimitUSD*WarningRatio, nil
}
