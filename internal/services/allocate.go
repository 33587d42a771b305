package services

import (
	"sort"

	"github.com/tbourn/go-credits-backend/internal/domain"
)

// allocation is one planned take from a single lot.
type allocation struct {
	LotID   string
	Credits int64
}

// sortForAllocation orders lots so that value lost to expiry is minimized:
// lots with an expiry come before lots without one, soonest expiry first,
// then oldest created_at, then id for a total order.
func sortForAllocation(lots []domain.CreditLot) {
	sort.SliceStable(lots, func(i, j int) bool {
		a, b := lots[i], lots[j]
		switch {
		case a.ExpiredAt != nil && b.ExpiredAt == nil:
			return true
		case a.ExpiredAt == nil && b.ExpiredAt != nil:
			return false
		case a.ExpiredAt != nil && b.ExpiredAt != nil && !a.ExpiredAt.Equal(*b.ExpiredAt):
			return a.ExpiredAt.Before(*b.ExpiredAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// planAllocation walks lots in allocation order and returns the takes needed
// to cover amount together with the total spendable credits seen. When the
// total is below amount the plan is nil.
func planAllocation(lots []domain.CreditLot, amount int64) ([]allocation, int64) {
	var available int64
	for _, l := range lots {
		if l.RemainingCredits > 0 {
			available += l.RemainingCredits
		}
	}
	if available < amount {
		return nil, available
	}

	ordered := make([]domain.CreditLot, len(lots))
	copy(ordered, lots)
	sortForAllocation(ordered)

	plan := make([]allocation, 0, len(ordered))
	left := amount
	for _, l := range ordered {
		if left == 0 {
			break
		}
		if l.RemainingCredits <= 0 {
			continue
		}
		take := min(l.RemainingCredits, left)
		plan = append(plan, allocation{LotID: l.ID, Credits: take})
		left -= take
	}
	return plan, available
}
