// Package domain defines the persistence models for the credit ledger and the
// generation task lifecycle. These types are mapped with GORM and form the
// core data layer of the backend.
package domain

import "time"

// Lot transaction types. They describe the business event that produced a
// CreditLot.
const (
	TransInitialize     = "initialize"
	TransPurchase       = "purchase"
	TransSubscription   = "subscription"
	TransAdjustment     = "adjustment"
	TransRefundReversal = "refund_reversal"
)

// ValidTransType reports whether t is one of the known lot transaction types.
func ValidTransType(t string) bool {
	switch t {
	case TransInitialize, TransPurchase, TransSubscription, TransAdjustment, TransRefundReversal:
		return true
	}
	return false
}

// CreditLot represents one grant of credits with its own remaining balance
// and optional expiry. Lots are never deleted; refunds zero RemainingCredits.
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - UserID: owner of the lot; indexed together with expiry for balance scans.
//   - Credits: granted amount, immutable after insert.
//   - RemainingCredits: spendable amount, 0 <= remaining <= credits.
//   - TransType: business event that produced the lot (see Trans* constants).
//   - SourceType / SourceID: optional link to the originating business event.
//   - ExpiredAt: nil means the lot never expires.
type CreditLot struct {
	ID               string     `json:"id"                gorm:"type:char(36);primaryKey"`
	UserID           string     `json:"user_id"           gorm:"type:varchar(64);not null;index:idx_lots_user_expiry,priority:1"`
	Credits          int64      `json:"credits"           gorm:"not null;check:chk_lot_credits,credits > 0"`
	RemainingCredits int64      `json:"remaining_credits" gorm:"not null;check:chk_lot_remaining,remaining_credits >= 0 AND remaining_credits <= credits"`
	TransType        string     `json:"trans_type"        gorm:"type:varchar(32);not null"`
	SourceType       string     `json:"source_type,omitempty" gorm:"type:varchar(32)"`
	SourceID         string     `json:"source_id,omitempty"   gorm:"type:varchar(128);index"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiredAt        *time.Time `json:"expired_at,omitempty" gorm:"index:idx_lots_user_expiry,priority:2"`
}

// TableName returns the database table name for CreditLot.
func (CreditLot) TableName() string { return "credit_lots" }

// Consumed returns how many credits have been taken from the lot so far.
func (l CreditLot) Consumed() int64 { return l.Credits - l.RemainingCredits }

// Active reports whether the lot can still be spent at time now.
func (l CreditLot) Active(now time.Time) bool {
	if l.RemainingCredits <= 0 {
		return false
	}
	return l.ExpiredAt == nil || l.ExpiredAt.After(now)
}

// ConsumptionRecord is an append-only audit entry recording credits taken
// from one lot for one business reason.
type ConsumptionRecord struct {
	ID         string    `json:"id"          gorm:"type:char(36);primaryKey"`
	UserID     string    `json:"user_id"     gorm:"type:varchar(64);not null;index:idx_consumptions_user,priority:1"`
	LotID      string    `json:"lot_id"      gorm:"type:char(36);not null;index"`
	Credits    int64     `json:"credits"     gorm:"not null;check:chk_consumption_credits,credits > 0"`
	SourceType string    `json:"source_type" gorm:"type:varchar(32)"`
	SourceID   string    `json:"source_id"   gorm:"type:varchar(128);index"`
	Reason     string    `json:"reason"      gorm:"type:varchar(255)"`
	CreatedAt  time.Time `json:"created_at"  gorm:"index:idx_consumptions_user,priority:2"`

	Lot CreditLot `json:"-" gorm:"foreignKey:LotID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
}

// TableName returns the database table name for ConsumptionRecord.
func (ConsumptionRecord) TableName() string { return "credit_consumptions" }

// GuestCreditUsage marks an IP address as having received the one-time guest
// grant. The IP is the primary key so at most one row can ever exist per
// address.
type GuestCreditUsage struct {
	IPAddress  string    `json:"ip_address"  gorm:"type:varchar(64);primaryKey"`
	UserAgent  string    `json:"user_agent"  gorm:"type:varchar(512)"`
	UsageCount int       `json:"usage_count" gorm:"not null;default:1"`
	UsedAt     time.Time `json:"used_at"`
}

// TableName returns the database table name for GuestCreditUsage.
func (GuestCreditUsage) TableName() string { return "guest_credit_usages" }
