package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/tbourn/go-credits-backend/internal/domain"
	"github.com/tbourn/go-credits-backend/internal/repo"
)

func newLedger(t *testing.T) (*LedgerService, *gorm.DB, *testClock) {
	t.Helper()
	db := newServiceDB(t)
	clk := newTestClock()
	l := NewLedgerService(db)
	l.Now = clk.Now
	return l, db, clk
}

// assertLotInvariant checks credits - remaining == sum(records) for a lot.
func assertLotInvariant(t *testing.T, db *gorm.DB, lotID string) {
	t.Helper()
	lot := reloadLot(t, db, lotID)
	sum, err := repo.SumConsumedByLot(context.Background(), db, lotID)
	require.NoError(t, err)
	assert.Equal(t, lot.Credits-lot.RemainingCredits, sum, "lot %s", lotID)
}

func TestConsume_ExpiringLotFirst(t *testing.T) {
	l, db, clk := newLedger(t)
	ctx := context.Background()
	now := clk.Now()

	a := seedLot(t, db, "u1", 1, now.Add(-time.Hour), ptrTime(now.Add(24*time.Hour)))
	b := seedLot(t, db, "u1", 5, now.Add(-2*time.Hour), nil)

	res, err := l.Consume(ctx, "u1", 2, ConsumeMeta{SourceType: SourceTask, SourceID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Consumed)
	assert.Equal(t, 2, res.RecordCount)
	assert.Equal(t, int64(4), res.RemainingBalance)

	assert.Equal(t, int64(0), reloadLot(t, db, a.ID).RemainingCredits)
	assert.Equal(t, int64(4), reloadLot(t, db, b.ID).RemainingCredits)

	recs, err := repo.ListConsumptionsBySource(ctx, db, SourceTask, "t1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	byLot := map[string]int64{}
	for _, r := range recs {
		byLot[r.LotID] = r.Credits
	}
	assert.Equal(t, int64(1), byLot[a.ID])
	assert.Equal(t, int64(1), byLot[b.ID])
}

func TestConsume_ExpiringBeforeOlderNonExpiring(t *testing.T) {
	l, db, clk := newLedger(t)
	now := clk.Now()
	day1 := now.Add(-48 * time.Hour)
	day2 := now.Add(-24 * time.Hour)

	lot1 := seedLot(t, db, "u1", 3, day1, nil)
	lot2 := seedLot(t, db, "u1", 2, day2, ptrTime(now.Add(24*time.Hour)))

	_, err := l.Consume(context.Background(), "u1", 4, ConsumeMeta{SourceType: SourceTask, SourceID: "t9"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), reloadLot(t, db, lot1.ID).RemainingCredits)
	assert.Equal(t, int64(0), reloadLot(t, db, lot2.ID).RemainingCredits)
	assertLotInvariant(t, db, lot1.ID)
	assertLotInvariant(t, db, lot2.ID)
}

func TestConsume_SoonestExpiryThenOldest(t *testing.T) {
	l, db, clk := newLedger(t)
	now := clk.Now()

	late := seedLot(t, db, "u1", 2, now.Add(-3*time.Hour), ptrTime(now.Add(72*time.Hour)))
	soon := seedLot(t, db, "u1", 2, now.Add(-time.Hour), ptrTime(now.Add(time.Hour)))
	oldFree := seedLot(t, db, "u1", 2, now.Add(-5*time.Hour), nil)
	newFree := seedLot(t, db, "u1", 2, now.Add(-4*time.Hour), nil)

	_, err := l.Consume(context.Background(), "u1", 5, ConsumeMeta{SourceType: SourceTask})
	require.NoError(t, err)

	assert.Equal(t, int64(0), reloadLot(t, db, soon.ID).RemainingCredits)
	assert.Equal(t, int64(0), reloadLot(t, db, late.ID).RemainingCredits)
	assert.Equal(t, int64(1), reloadLot(t, db, oldFree.ID).RemainingCredits)
	assert.Equal(t, int64(2), reloadLot(t, db, newFree.ID).RemainingCredits)
}

func TestConsume_Insufficient_NoWrites(t *testing.T) {
	l, db, clk := newLedger(t)
	ctx := context.Background()
	now := clk.Now()

	a := seedLot(t, db, "u1", 2, now.Add(-time.Hour), nil)
	b := seedLot(t, db, "u1", 1, now.Add(-time.Hour), ptrTime(now.Add(time.Hour)))

	_, err := l.Consume(ctx, "u1", 4, ConsumeMeta{SourceType: SourceTask})
	var ce *CreditInsufficientError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, int64(3), ce.Balance)
	assert.Equal(t, int64(4), ce.Required)

	assert.Equal(t, int64(2), reloadLot(t, db, a.ID).RemainingCredits)
	assert.Equal(t, int64(1), reloadLot(t, db, b.ID).RemainingCredits)
	n, err := repo.CountConsumptions(ctx, db, "u1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestConsume_ExpiredLotsAreIgnored(t *testing.T) {
	l, db, clk := newLedger(t)
	ctx := context.Background()
	now := clk.Now()

	seedLot(t, db, "u1", 10, now.Add(-48*time.Hour), ptrTime(now.Add(-time.Hour)))
	seedLot(t, db, "u1", 3, now.Add(-time.Hour), nil)

	bal, err := l.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), bal)

	_, err = l.Consume(ctx, "u1", 4, ConsumeMeta{SourceType: SourceTask})
	var ce *CreditInsufficientError
	assert.ErrorAs(t, err, &ce)
}

func TestConsume_Validation(t *testing.T) {
	l, _, _ := newLedger(t)
	ctx := context.Background()

	var ve *ValidationError
	_, err := l.Consume(ctx, "u1", 0, ConsumeMeta{})
	assert.ErrorAs(t, err, &ve)
	_, err = l.Consume(ctx, "u1", -3, ConsumeMeta{})
	assert.ErrorAs(t, err, &ve)
	_, err = l.Consume(ctx, "", 1, ConsumeMeta{})
	assert.ErrorAs(t, err, &ve)
}

func TestConsume_SequenceKeepsLedgerInvariant(t *testing.T) {
	l, db, clk := newLedger(t)
	ctx := context.Background()
	now := clk.Now()

	lots := []*domain.CreditLot{
		seedLot(t, db, "u1", 7, now.Add(-5*time.Hour), nil),
		seedLot(t, db, "u1", 4, now.Add(-4*time.Hour), ptrTime(now.Add(10*time.Hour))),
		seedLot(t, db, "u1", 9, now.Add(-3*time.Hour), ptrTime(now.Add(2*time.Hour))),
		seedLot(t, db, "u1", 5, now.Add(-2*time.Hour), nil),
	}

	var total int64
	for _, amt := range []int64{3, 1, 6, 2, 5, 4} {
		_, err := l.Consume(ctx, "u1", amt, ConsumeMeta{SourceType: SourceTask})
		require.NoError(t, err)
		total += amt

		consumed, err := repo.SumConsumed(ctx, db, "u1")
		require.NoError(t, err)
		assert.Equal(t, total, consumed)
		for _, lot := range lots {
			assertLotInvariant(t, db, lot.ID)
		}
	}

	bal, err := l.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(25-21), bal)
}

func TestConsume_ConcurrentNeverOverdraws(t *testing.T) {
	l, db, clk := newLedger(t)
	lot := seedLot(t, db, "u1", 5, clk.Now().Add(-time.Hour), nil)

	const workers = 12
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok, deny int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Consume(context.Background(), "u1", 1, ConsumeMeta{SourceType: SourceTask})
			mu.Lock()
			defer mu.Unlock()
			var ce *CreditInsufficientError
			switch {
			case err == nil:
				ok++
			case errors.As(err, &ce):
				deny++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, ok)
	assert.Equal(t, workers-5, deny)
	assert.Equal(t, int64(0), reloadLot(t, db, lot.ID).RemainingCredits)
	assertLotInvariant(t, db, lot.ID)
}

func TestGrant_ValidatesAndInserts(t *testing.T) {
	l, _, clk := newLedger(t)
	ctx := context.Background()

	var ve *ValidationError
	_, err := l.Grant(ctx, "u1", 0, LotMeta{TransType: domain.TransPurchase})
	assert.ErrorAs(t, err, &ve)
	_, err = l.Grant(ctx, "u1", 5, LotMeta{TransType: "gift"})
	assert.ErrorAs(t, err, &ve)
	_, err = l.Grant(ctx, "u1", 5, LotMeta{TransType: domain.TransPurchase, ExpiredAt: ptrTime(clk.Now().Add(-time.Minute))})
	assert.ErrorAs(t, err, &ve)

	id, err := l.Grant(ctx, "u1", 5, LotMeta{TransType: domain.TransPurchase, SourceType: "order", SourceID: "o-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	bal, err := l.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), bal)
}

func TestReverse_ZeroesLotAndRecordsRefund(t *testing.T) {
	l, db, clk := newLedger(t)
	ctx := context.Background()
	lot := seedLot(t, db, "u1", 10, clk.Now().Add(-time.Hour), nil)

	_, err := l.Consume(ctx, "u1", 4, ConsumeMeta{SourceType: SourceTask})
	require.NoError(t, err)

	require.NoError(t, l.Reverse(ctx, lot.ID, "chargeback"))
	assert.Equal(t, int64(0), reloadLot(t, db, lot.ID).RemainingCredits)
	assertLotInvariant(t, db, lot.ID)

	recs, err := repo.ListConsumptionsBySource(ctx, db, SourceRefund, lot.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(6), recs[0].Credits)
	assert.Equal(t, "chargeback", recs[0].Reason)

	// Second reversal is a no-op.
	require.NoError(t, l.Reverse(ctx, lot.ID, "again"))
	recs, err = repo.ListConsumptionsBySource(ctx, db, SourceRefund, lot.ID)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestReverse_UnknownLot(t *testing.T) {
	l, _, _ := newLedger(t)
	err := l.Reverse(context.Background(), "missing", "x")
	assert.ErrorIs(t, err, ErrLotNotFound)
}

func TestSummaryAndListings(t *testing.T) {
	l, db, clk := newLedger(t)
	ctx := context.Background()
	now := clk.Now()

	seedLot(t, db, "u1", 10, now.Add(-time.Hour), nil)
	seedLot(t, db, "u1", 4, now.Add(-time.Hour), ptrTime(now.Add(48*time.Hour)))
	seedLot(t, db, "u2", 100, now.Add(-time.Hour), nil)

	_, err := l.Consume(ctx, "u1", 3, ConsumeMeta{SourceType: SourceTask})
	require.NoError(t, err)

	sum, err := l.Summary(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, Summary{Balance: 11, Granted: 14, Consumed: 3, ExpiringSoon: 1}, sum)

	lots, total, err := l.ListLots(ctx, "u1", 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, lots, 1)

	recs, total, err := l.ListConsumptions(ctx, "u1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	assert.Len(t, recs, 1)

	empty, total, err := l.ListConsumptions(ctx, "nobody", 1, 10)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, empty)
}
