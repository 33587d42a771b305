package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-credits-backend/internal/domain"
	"github.com/tbourn/go-credits-backend/internal/repo"
)

// newServiceDB opens an isolated in-memory database with every table
// migrated. A single connection serializes writers the way busy_timeout
// does for the file-backed database.
func newServiceDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.Exec("PRAGMA foreign_keys=ON;").Error)
	require.NoError(t, repo.AutoMigrate(db))
	return db
}

// testClock is a settable clock shared by services under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// seedLot inserts a lot directly so tests control created_at and expiry.
func seedLot(t *testing.T, db *gorm.DB, userID string, remaining int64, createdAt time.Time, expiredAt *time.Time) *domain.CreditLot {
	t.Helper()
	lot := &domain.CreditLot{
		ID:               uuid.NewString(),
		UserID:           userID,
		Credits:          remaining,
		RemainingCredits: remaining,
		TransType:        domain.TransPurchase,
		CreatedAt:        createdAt,
		ExpiredAt:        expiredAt,
	}
	require.NoError(t, repo.CreateLot(context.Background(), db, lot))
	return lot
}

func reloadLot(t *testing.T, db *gorm.DB, id string) *domain.CreditLot {
	t.Helper()
	lot, err := repo.GetLot(context.Background(), db, id)
	require.NoError(t, err)
	return lot
}

func ptrTime(t time.Time) *time.Time { return &t }

// fakeProvider is a scriptable Provider that counts calls.
type fakeProvider struct {
	submits atomic.Int64
	queries atomic.Int64

	submitFn func(ctx context.Context, spec JobSpec) (string, error)
	queryFn  func(ctx context.Context, id string) (ProviderJob, error)
}

func (p *fakeProvider) Submit(ctx context.Context, spec JobSpec) (string, error) {
	n := p.submits.Add(1)
	if p.submitFn != nil {
		return p.submitFn(ctx, spec)
	}
	return fmt.Sprintf("job-%d", n), nil
}

func (p *fakeProvider) Query(ctx context.Context, id string) (ProviderJob, error) {
	p.queries.Add(1)
	if p.queryFn != nil {
		return p.queryFn(ctx, id)
	}
	return ProviderJob{TaskID: id, State: StateGenerating}, nil
}

// fakeRelocator maps URLs to a stable prefix or fails.
type fakeRelocator struct {
	calls atomic.Int64
	err   error
}

func (r *fakeRelocator) Relocate(_ context.Context, u string) (string, error) {
	r.calls.Add(1)
	if r.err != nil {
		return "", r.err
	}
	return "https://assets.local/" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(u)).String(), nil
}
