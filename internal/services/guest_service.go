package services

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/tbourn/go-credits-backend/internal/domain"
	"github.com/tbourn/go-credits-backend/internal/observability"
	"github.com/tbourn/go-credits-backend/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// maxUserAgentLen bounds the stored user agent.
const maxUserAgentLen = 512

// signupScope keys the one-time signup bonus in the idempotency table.
const signupScope = "credits.signup_bonus"

// errAlreadyClaimed rolls back a bonus grant whose claim marker exists.
var errAlreadyClaimed = errors.New("already claimed")

// GuestClaim is the result of a guest credit claim.
type GuestClaim struct {
	Granted bool   `json:"granted"`
	Credits int64  `json:"credits"`
	LotID   string `json:"lot_id,omitempty"`
	// ClaimedAt is when the address used its grant; set on rejected guest claims.
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
}

// GuestService hands out one-time promotional grants: the free grant per
// client IP address and the signup bonus per user.
type GuestService struct {
	DB     *gorm.DB
	Ledger *LedgerService
	// FreeCredits is the size of the lot granted to a first-time address.
	FreeCredits int64
	// SignupCredits is the size of the signup bonus lot; 0 disables it.
	SignupCredits int64
}

// NewGuestService constructs a GuestService.
func NewGuestService(db *gorm.DB, ledger *LedgerService, freeCredits int64) *GuestService {
	return &GuestService{DB: db, Ledger: ledger, FreeCredits: freeCredits}
}

// TryGrantGuestCredit reports whether ip has never claimed the guest grant
// and atomically marks it as claimed. Exactly one of any number of concurrent
// callers for the same address gets true.
func (s *GuestService) TryGrantGuestCredit(ctx context.Context, ip, userAgent string) (bool, error) {
	ctx, span := otel.Tracer("services/GuestService").Start(ctx, "TryGrantGuestCredit",
		trace.WithAttributes(attribute.String("client.ip", ip)))
	defer span.End()

	ip = strings.TrimSpace(ip)
	if ip == "" {
		return false, invalid("ip", "required")
	}
	granted, err := repo.InsertGuestUsageIfAbsent(ctx, s.DB, ip, truncate(userAgent, maxUserAgentLen), s.Ledger.now())
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	observability.GuestGrants.WithLabelValues(strconv.FormatBool(granted)).Inc()
	return granted, nil
}

// Claim runs the gate and, only if it grants, credits userID with
// FreeCredits in the same transaction. Eligibility is decided solely by the
// gate; a rejected claim writes nothing.
func (s *GuestService) Claim(ctx context.Context, userID, ip, userAgent string) (GuestClaim, error) {
	ctx, span := otel.Tracer("services/GuestService").Start(ctx, "Claim",
		trace.WithAttributes(attribute.String("user.id", userID), attribute.String("client.ip", ip)))
	defer span.End()

	ip = strings.TrimSpace(ip)
	if ip == "" {
		return GuestClaim{}, invalid("ip", "required")
	}
	if userID == "" {
		return GuestClaim{}, invalid("user_id", "required")
	}
	if s.FreeCredits <= 0 {
		return GuestClaim{}, nil
	}

	var out GuestClaim
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		granted, err := repo.InsertGuestUsageIfAbsent(ctx, tx, ip, truncate(userAgent, maxUserAgentLen), s.Ledger.now())
		if err != nil || !granted {
			return err
		}
		lotID, err := s.Ledger.GrantTx(ctx, tx, userID, s.FreeCredits, LotMeta{
			TransType:  domain.TransInitialize,
			SourceType: SourceGuest,
			SourceID:   ip,
		})
		if err != nil {
			return err
		}
		out = GuestClaim{Granted: true, Credits: s.FreeCredits, LotID: lotID}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return GuestClaim{}, err
	}

	observability.GuestGrants.WithLabelValues(strconv.FormatBool(out.Granted)).Inc()
	if out.Granted {
		observability.CreditsGranted.WithLabelValues(domain.TransInitialize).Add(float64(out.Credits))
		return out, nil
	}
	if usage, err := repo.GetGuestUsage(ctx, s.DB, ip); err == nil {
		at := usage.UsedAt
		out.ClaimedAt = &at
	}
	return out, nil
}

// ClaimSignupBonus grants SignupCredits to userID once. The grant and its
// claim marker commit together; the unique (user_id, scope, key) index on the
// marker makes a second or concurrent claim roll back.
func (s *GuestService) ClaimSignupBonus(ctx context.Context, userID string) (GuestClaim, error) {
	ctx, span := otel.Tracer("services/GuestService").Start(ctx, "ClaimSignupBonus",
		trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	if userID == "" {
		return GuestClaim{}, invalid("user_id", "required")
	}
	if s.SignupCredits <= 0 {
		return GuestClaim{}, nil
	}

	var out GuestClaim
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lotID, err := s.Ledger.GrantTx(ctx, tx, userID, s.SignupCredits, LotMeta{
			TransType:  domain.TransInitialize,
			SourceType: SourceSignup,
			SourceID:   userID,
		})
		if err != nil {
			return err
		}
		if _, err := repo.CreateIdempotency(ctx, tx, userID, signupScope, userID, lotID, http.StatusCreated, 100*365*24*time.Hour); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				return errAlreadyClaimed
			}
			return err
		}
		out = GuestClaim{Granted: true, Credits: s.SignupCredits, LotID: lotID}
		return nil
	})
	if errors.Is(err, errAlreadyClaimed) {
		return GuestClaim{}, nil
	}
	if err != nil {
		span.RecordError(err)
		return GuestClaim{}, err
	}
	observability.CreditsGranted.WithLabelValues(domain.TransInitialize).Add(float64(out.Credits))
	return out, nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
