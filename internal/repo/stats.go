// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate/statistics queries used
// primarily for conditional responses (e.g., ETag generation) in the HTTP
// layer. Each function is context-aware and safe to call from services or
// handlers.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-credits-backend/internal/domain"
)

// TasksStats returns aggregate metadata for a user's tasks: the total number
// of rows and the maximum UpdatedAt timestamp among those rows.
//
// When the user has no tasks, the returned count is 0 and maxUpdatedAt is nil.
func TasksStats(ctx context.Context, db *gorm.DB, userID string) (count int64, maxUpdatedAt *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.Task{}).Where("user_id = ?", userID)

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err = q.Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}

// LedgerStats returns the number of consumption records plus lots of a user
// and the latest created_at across both tables. Lots are mutated only by
// consumption (which always appends a record), so this pair changes whenever
// any ledger view changes.
func LedgerStats(ctx context.Context, db *gorm.DB, userID string) (count int64, latest *time.Time, err error) {
	var lots, recs int64
	lq := db.WithContext(ctx).Model(&domain.CreditLot{}).Where("user_id = ?", userID)
	if err = lq.Count(&lots).Error; err != nil {
		return 0, nil, err
	}
	rq := db.WithContext(ctx).Model(&domain.ConsumptionRecord{}).Where("user_id = ?", userID)
	if err = rq.Count(&recs).Error; err != nil {
		return 0, nil, err
	}
	count = lots + recs
	if count == 0 {
		return 0, nil, nil
	}

	var row struct {
		CreatedAt time.Time
	}
	if lots > 0 {
		if err = lq.Select("created_at").Order("created_at DESC").Limit(1).Scan(&row).Error; err != nil {
			return 0, nil, err
		}
		ts := row.CreatedAt
		latest = &ts
	}
	if recs > 0 {
		row.CreatedAt = time.Time{}
		if err = rq.Select("created_at").Order("created_at DESC").Limit(1).Scan(&row).Error; err != nil {
			return 0, nil, err
		}
		if latest == nil || row.CreatedAt.After(*latest) {
			ts := row.CreatedAt
			latest = &ts
		}
	}
	return count, latest, nil
}
