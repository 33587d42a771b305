// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the guest credit gate table.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-credits-backend/internal/domain"
)

// InsertGuestUsageIfAbsent claims the one-time guest grant for ip with a
// single INSERT ... ON CONFLICT (ip_address) DO NOTHING. It returns true only
// for the caller whose insert actually created the row; every concurrent or
// later caller for the same address gets false.
func InsertGuestUsageIfAbsent(ctx context.Context, db *gorm.DB, ip, userAgent string, now time.Time) (bool, error) {
	row := &domain.GuestCreditUsage{
		IPAddress:  ip,
		UserAgent:  userAgent,
		UsageCount: 1,
		UsedAt:     now,
	}
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "ip_address"}},
			DoNothing: true,
		}).
		Create(row)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// GetGuestUsage returns the gate row for ip or ErrNotFound.
func GetGuestUsage(ctx context.Context, db *gorm.DB, ip string) (*domain.GuestCreditUsage, error) {
	var g domain.GuestCreditUsage
	if err := db.WithContext(ctx).Where("ip_address = ?", ip).First(&g).Error; err != nil {
		return nil, err
	}
	return &g, nil
}
