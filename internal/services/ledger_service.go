// Package services – LedgerService
//
// This file implements LedgerService, the only writer of credit lots and
// consumption records. It answers balance queries, grants new lots, spends
// credits across lots in a deterministic order, and reverses lots for refund
// flows.
//
// Every multi-row change runs inside one database transaction: either all
// lot decrements and all consumption records of a call become visible
// together, or none do. Lot decrements are additionally guarded on the
// remaining balance so that concurrent consumers cannot overdraw a lot.
package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-credits-backend/internal/domain"
	"github.com/tbourn/go-credits-backend/internal/observability"
	"github.com/tbourn/go-credits-backend/internal/repo"
	"github.com/tbourn/go-credits-backend/internal/utils"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Source types written on consumption records by this backend.
const (
	SourceTask   = "task"
	SourceRefund = "refund"
	SourceGuest  = "guest_ip"
	SourceSignup = "signup"
	SourceAdmin  = "admin"
)

// consumeAttempts bounds how often a consume is retried after losing a
// conditional lot update to a concurrent consumer.
const consumeAttempts = 3

// ConsumeMeta describes the business event that consumes credits.
type ConsumeMeta struct {
	SourceType string
	SourceID   string
	Reason     string
}

// ConsumeResult summarizes a successful Consume call.
type ConsumeResult struct {
	Consumed         int64                      `json:"consumed"`
	RecordCount      int                        `json:"record_count"`
	RemainingBalance int64                      `json:"remaining_balance"`
	Records          []domain.ConsumptionRecord `json:"records"`
}

// LotMeta describes a new credit lot.
type LotMeta struct {
	TransType  string
	SourceType string
	SourceID   string
	ExpiredAt  *time.Time
}

// Summary is an overview of a user's ledger.
type Summary struct {
	Balance      int64 `json:"balance"`
	Granted      int64 `json:"granted"`
	Consumed     int64 `json:"consumed"`
	ExpiringSoon int64 `json:"expiring_soon"`
}

// LedgerService owns credit lots and consumption records.
type LedgerService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Now returns the current time; overridden in tests.
	Now func() time.Time
	// ExpiringWindow is the look-ahead used by Summary.ExpiringSoon.
	ExpiringWindow time.Duration
}

// NewLedgerService constructs a LedgerService with a UTC clock and a seven
// day expiring-soon window.
func NewLedgerService(db *gorm.DB) *LedgerService {
	return &LedgerService{
		DB:             db,
		Now:            func() time.Time { return time.Now().UTC() },
		ExpiringWindow: 7 * 24 * time.Hour,
	}
}

func (s *LedgerService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *LedgerService) tracer() trace.Tracer { return otel.Tracer("services/LedgerService") }

// GetBalance returns the sum of remaining credits over lots that have no
// expiry or expire in the future.
func (s *LedgerService) GetBalance(ctx context.Context, userID string) (int64, error) {
	ctx, span := s.tracer().Start(ctx, "GetBalance", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	if userID == "" {
		return 0, invalid("user_id", "required")
	}
	return repo.SumSpendable(ctx, s.DB, userID, s.now())
}

// Consume spends amount credits of userID in one transaction. If the
// spendable balance is below amount it returns *CreditInsufficientError and
// writes nothing.
func (s *LedgerService) Consume(ctx context.Context, userID string, amount int64, meta ConsumeMeta) (ConsumeResult, error) {
	ctx, span := s.tracer().Start(ctx, "Consume", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.Int64("credits", amount),
		attribute.String("source.type", meta.SourceType),
	))
	defer span.End()

	var (
		res ConsumeResult
		err error
	)
	for attempt := 0; attempt < consumeAttempts; attempt++ {
		err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var txErr error
			res, txErr = s.ConsumeTx(ctx, tx, userID, amount, meta)
			return txErr
		})
		if !errors.Is(err, repo.ErrConflict) {
			break
		}
	}
	if err != nil {
		span.RecordError(err)
		return ConsumeResult{}, err
	}
	observability.CreditsConsumed.WithLabelValues(meta.SourceType).Add(float64(res.Consumed))
	return res, nil
}

// ConsumeTx runs the allocation walk on a caller-supplied transaction. The
// caller must roll back on any returned error. It is used directly when the
// deduction has to commit together with other rows (e.g. a new task).
func (s *LedgerService) ConsumeTx(ctx context.Context, tx *gorm.DB, userID string, amount int64, meta ConsumeMeta) (ConsumeResult, error) {
	if userID == "" {
		return ConsumeResult{}, invalid("user_id", "required")
	}
	if amount <= 0 {
		return ConsumeResult{}, invalid("amount", "must be > 0")
	}

	now := s.now()
	lots, err := repo.ListSpendableLots(ctx, tx, userID, now)
	if err != nil {
		return ConsumeResult{}, err
	}
	plan, available := planAllocation(lots, amount)
	if plan == nil {
		observability.InsufficientCredits.Inc()
		return ConsumeResult{}, &CreditInsufficientError{Balance: available, Required: amount}
	}

	records := make([]domain.ConsumptionRecord, 0, len(plan))
	for _, a := range plan {
		if err := repo.DecrementLot(ctx, tx, a.LotID, a.Credits); err != nil {
			return ConsumeResult{}, err
		}
		rec := domain.ConsumptionRecord{
			ID:         uuid.NewString(),
			UserID:     userID,
			LotID:      a.LotID,
			Credits:    a.Credits,
			SourceType: meta.SourceType,
			SourceID:   meta.SourceID,
			Reason:     meta.Reason,
			CreatedAt:  now,
		}
		if err := repo.CreateConsumption(ctx, tx, &rec); err != nil {
			return ConsumeResult{}, err
		}
		records = append(records, rec)
	}

	return ConsumeResult{
		Consumed:         amount,
		RecordCount:      len(records),
		RemainingBalance: available - amount,
		Records:          records,
	}, nil
}

// Grant inserts a new lot of amount credits for userID and returns its id.
func (s *LedgerService) Grant(ctx context.Context, userID string, amount int64, meta LotMeta) (string, error) {
	ctx, span := s.tracer().Start(ctx, "Grant", trace.WithAttributes(
		attribute.String("user.id", userID),
		attribute.Int64("credits", amount),
		attribute.String("trans.type", meta.TransType),
	))
	defer span.End()

	id, err := s.GrantTx(ctx, s.DB, userID, amount, meta)
	if err != nil {
		return "", err
	}
	observability.CreditsGranted.WithLabelValues(meta.TransType).Add(float64(amount))
	return id, nil
}

// GrantTx inserts a lot on a caller-supplied handle.
func (s *LedgerService) GrantTx(ctx context.Context, tx *gorm.DB, userID string, amount int64, meta LotMeta) (string, error) {
	if userID == "" {
		return "", invalid("user_id", "required")
	}
	if amount <= 0 {
		return "", invalid("amount", "must be > 0")
	}
	if !domain.ValidTransType(meta.TransType) {
		return "", invalid("trans_type", "unknown transaction type")
	}
	now := s.now()
	if meta.ExpiredAt != nil && !meta.ExpiredAt.After(now) {
		return "", invalid("expired_at", "must be in the future")
	}

	var exp *time.Time
	if meta.ExpiredAt != nil {
		t := meta.ExpiredAt.UTC()
		exp = &t
	}
	lot := &domain.CreditLot{
		ID:               uuid.NewString(),
		UserID:           userID,
		Credits:          amount,
		RemainingCredits: amount,
		TransType:        meta.TransType,
		SourceType:       meta.SourceType,
		SourceID:         meta.SourceID,
		CreatedAt:        now,
		ExpiredAt:        exp,
	}
	if err := repo.CreateLot(ctx, tx, lot); err != nil {
		return "", err
	}
	return lot.ID, nil
}

// Reverse zeroes the remaining credits of a lot and records the zeroed delta
// as a refund consumption. Reversing an already empty lot is a no-op.
func (s *LedgerService) Reverse(ctx context.Context, lotID, reason string) error {
	ctx, span := s.tracer().Start(ctx, "Reverse", trace.WithAttributes(attribute.String("lot.id", lotID)))
	defer span.End()

	if lotID == "" {
		return invalid("lot_id", "required")
	}

	var delta int64
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lot, err := repo.GetLot(ctx, tx, lotID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrLotNotFound
			}
			return err
		}
		if lot.RemainingCredits == 0 {
			return nil
		}
		if used, err := repo.SumConsumedByLot(ctx, tx, lot.ID); err == nil {
			span.SetAttributes(attribute.Int64("lot.consumed_before", used))
		}
		if err := repo.ZeroLot(ctx, tx, lot.ID, lot.RemainingCredits); err != nil {
			return err
		}
		delta = lot.RemainingCredits
		return repo.CreateConsumption(ctx, tx, &domain.ConsumptionRecord{
			ID:         uuid.NewString(),
			UserID:     lot.UserID,
			LotID:      lot.ID,
			Credits:    delta,
			SourceType: SourceRefund,
			SourceID:   lot.ID,
			Reason:     reason,
			CreatedAt:  s.now(),
		})
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	if delta > 0 {
		observability.CreditsConsumed.WithLabelValues(SourceRefund).Add(float64(delta))
	}
	return nil
}

// ListLots returns a page of lots for userID and the total count.
func (s *LedgerService) ListLots(ctx context.Context, userID string, page, pageSize int) ([]domain.CreditLot, int64, error) {
	_, pageSize, offset := utils.NormalizePage(page, pageSize)
	total, err := repo.CountLots(ctx, s.DB, userID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.CreditLot{}, 0, nil
	}
	items, err := repo.ListLotsPage(ctx, s.DB, userID, offset, pageSize)
	return items, total, err
}

// ListConsumptions returns a page of consumption records for userID and the
// total count.
func (s *LedgerService) ListConsumptions(ctx context.Context, userID string, page, pageSize int) ([]domain.ConsumptionRecord, int64, error) {
	_, pageSize, offset := utils.NormalizePage(page, pageSize)
	total, err := repo.CountConsumptions(ctx, s.DB, userID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.ConsumptionRecord{}, 0, nil
	}
	items, err := repo.ListConsumptionsPage(ctx, s.DB, userID, offset, pageSize)
	return items, total, err
}

// Summary reports balance, lifetime granted and consumed credits, and the
// credits that will expire within ExpiringWindow.
func (s *LedgerService) Summary(ctx context.Context, userID string) (Summary, error) {
	ctx, span := s.tracer().Start(ctx, "Summary", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	now := s.now()
	var out Summary
	var err error
	if out.Balance, err = repo.SumSpendable(ctx, s.DB, userID, now); err != nil {
		return Summary{}, err
	}
	if out.Granted, err = repo.SumGranted(ctx, s.DB, userID); err != nil {
		return Summary{}, err
	}
	if out.Consumed, err = repo.SumConsumed(ctx, s.DB, userID); err != nil {
		return Summary{}, err
	}
	if out.ExpiringSoon, err = repo.SumExpiringBefore(ctx, s.DB, userID, now, now.Add(s.ExpiringWindow)); err != nil {
		return Summary{}, err
	}
	return out, nil
}
