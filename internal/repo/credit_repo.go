// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for credit lots and
// their consumption records.
//
// All functions accept a *gorm.DB handle so they can run inside a caller's
// transaction. Conditional updates report ErrConflict when the guarded row
// changed underneath them; callers running inside a transaction should return
// that error to roll the whole unit back.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-credits-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrConflict indicates that a conditional write matched no row because the
// guarded state changed concurrently.
var ErrConflict = errors.New("conditional update conflict")

// spendable scopes a query to lots of userID that still hold credits and are
// not expired at now.
func spendable(db *gorm.DB, userID string, now time.Time) *gorm.DB {
	return db.Where("user_id = ? AND remaining_credits > 0 AND (expired_at IS NULL OR expired_at > ?)", userID, now)
}

// CreateLot inserts a new credit lot.
func CreateLot(ctx context.Context, db *gorm.DB, lot *domain.CreditLot) error {
	return db.WithContext(ctx).Create(lot).Error
}

// GetLot fetches a lot by id or returns ErrNotFound.
func GetLot(ctx context.Context, db *gorm.DB, id string) (*domain.CreditLot, error) {
	var lot domain.CreditLot
	if err := db.WithContext(ctx).Where("id = ?", id).First(&lot).Error; err != nil {
		return nil, err
	}
	return &lot, nil
}

// ListSpendableLots returns all lots of userID that can still be spent at now.
// Allocation order is decided by the caller; rows come back oldest first.
func ListSpendableLots(ctx context.Context, db *gorm.DB, userID string, now time.Time) ([]domain.CreditLot, error) {
	var out []domain.CreditLot
	err := spendable(db.WithContext(ctx).Model(&domain.CreditLot{}), userID, now).
		Order("created_at asc").
		Order("id asc").
		Find(&out).Error
	return out, err
}

// SumSpendable returns the total remaining credits across spendable lots.
func SumSpendable(ctx context.Context, db *gorm.DB, userID string, now time.Time) (int64, error) {
	var total int64
	err := spendable(db.WithContext(ctx).Model(&domain.CreditLot{}), userID, now).
		Select("COALESCE(SUM(remaining_credits), 0)").
		Scan(&total).Error
	return total, err
}

// SumExpiringBefore returns the remaining credits on lots that are still
// spendable at now but expire before the given deadline.
func SumExpiringBefore(ctx context.Context, db *gorm.DB, userID string, now, deadline time.Time) (int64, error) {
	var total int64
	err := spendable(db.WithContext(ctx).Model(&domain.CreditLot{}), userID, now).
		Where("expired_at IS NOT NULL AND expired_at <= ?", deadline).
		Select("COALESCE(SUM(remaining_credits), 0)").
		Scan(&total).Error
	return total, err
}

// SumGranted returns the total credits ever granted to userID.
func SumGranted(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.CreditLot{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(credits), 0)").
		Scan(&total).Error
	return total, err
}

// DecrementLot takes amount credits from a lot, but only if the lot still
// holds at least that many. A zero-row update yields ErrConflict.
func DecrementLot(ctx context.Context, db *gorm.DB, id string, amount int64) error {
	res := db.WithContext(ctx).
		Model(&domain.CreditLot{}).
		Where("id = ? AND remaining_credits >= ?", id, amount).
		Update("remaining_credits", gorm.Expr("remaining_credits - ?", amount))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// ZeroLot sets remaining_credits to 0, guarded on the previously observed
// value so a concurrent consumer cannot be silently overwritten.
func ZeroLot(ctx context.Context, db *gorm.DB, id string, observedRemaining int64) error {
	res := db.WithContext(ctx).
		Model(&domain.CreditLot{}).
		Where("id = ? AND remaining_credits = ?", id, observedRemaining).
		Update("remaining_credits", 0)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// CreateConsumption appends a consumption record.
func CreateConsumption(ctx context.Context, db *gorm.DB, rec *domain.ConsumptionRecord) error {
	return db.WithContext(ctx).Create(rec).Error
}

// SumConsumedByLot returns Σ credits of all consumption records for a lot.
func SumConsumedByLot(ctx context.Context, db *gorm.DB, lotID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.ConsumptionRecord{}).
		Where("lot_id = ?", lotID).
		Select("COALESCE(SUM(credits), 0)").
		Scan(&total).Error
	return total, err
}

// SumConsumed returns Σ credits of all consumption records for userID.
func SumConsumed(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.ConsumptionRecord{}).
		Where("user_id = ?", userID).
		Select("COALESCE(SUM(credits), 0)").
		Scan(&total).Error
	return total, err
}

// ListConsumptionsBySource returns the records written for one business
// event, e.g. all records of a single task charge.
func ListConsumptionsBySource(ctx context.Context, db *gorm.DB, sourceType, sourceID string) ([]domain.ConsumptionRecord, error) {
	var out []domain.ConsumptionRecord
	err := db.WithContext(ctx).
		Where("source_type = ? AND source_id = ?", sourceType, sourceID).
		Order("created_at asc").
		Find(&out).Error
	return out, err
}

// CountLots returns the number of lots owned by userID.
func CountLots(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.CreditLot{}).Where("user_id = ?", userID).Count(&total).Error
	return total, err
}

// ListLotsPage returns a page of lots for userID, newest first.
func ListLotsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.CreditLot, error) {
	var out []domain.CreditLot
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CountConsumptions returns the number of consumption records for userID.
func CountConsumptions(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.ConsumptionRecord{}).Where("user_id = ?", userID).Count(&total).Error
	return total, err
}

// ListConsumptionsPage returns a page of consumption records for userID,
// newest first.
func ListConsumptionsPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.ConsumptionRecord, error) {
	var out []domain.ConsumptionRecord
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Order("id desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
