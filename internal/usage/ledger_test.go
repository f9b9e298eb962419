package usage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/L0stInFades/Her/internal/apperrors"
	"github.com/L0stInFades/Her/internal/models"
	"github.com/L0stInFades/Her/internal/policy"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// SQLite: serialize writers so concurrent Record calls don't fail
	// with a busy database.
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.AppConfig{}, &models.UsagePeriod{}))
	seed := models.AppConfig{ID: models.AppConfigID, MaxContextMessages: 50, EnforceUsageLimits: true, BaseMonthlyUnits: 1000}
	require.NoError(t, db.Create(&seed).Error)
	return db
}

func newTestLedger(t *testing.T, db *gorm.DB) *Ledger {
	t.Helper()
	return NewLedger(db, policy.NewCache(db, time.Hour, nil), nil)
}

func createTestUser(t *testing.T, db *gorm.DB, plan string) *models.User {
	t.Helper()
	user := models.User{Email: plan + "@example.com", Password: "x", Role: models.RoleUser, Plan: plan}
	require.NoError(t, db.Create(&user).Error)
	return &user
}

func TestPlanLimit(t *testing.T) {
	require.Equal(t, int64(2000), PlanLimit(models.PlanBase, 1000))
	require.Equal(t, int64(8000), PlanLimit(models.PlanPremium, 1000))
}

func TestEstimateUnits(t *testing.T) {
	require.Equal(t, int64(1), EstimateUnits(""))
	require.Equal(t, int64(1), EstimateUnits("abc"))
	require.Equal(t, int64(2), EstimateUnits("abcde"))
	require.Equal(t, int64(25), EstimateUnits(string(make([]byte, 100))))
}

func TestSnapshot_ZeroValuedWhenAbsent(t *testing.T) {
	db := openTestDB(t)
	user := createTestUser(t, db, models.PlanBase)
	ledger := newTestLedger(t, db)
	ctx := context.Background()

	snapshot, err := ledger.Snapshot(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, CurrentPeriod(time.Now()), snapshot.Period)
	require.Equal(t, models.PlanBase, snapshot.Plan)
	require.Equal(t, int64(2000), snapshot.UnitLimit)
	require.Zero(t, snapshot.UnitsUsed)
	require.Zero(t, snapshot.RequestsUsed)

	// Reads have no side effects.
	again, err := ledger.Snapshot(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, snapshot, again)

	var count int64
	require.NoError(t, db.Model(&models.UsagePeriod{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestRecord_CreateThenIncrement(t *testing.T) {
	db := openTestDB(t)
	user := createTestUser(t, db, models.PlanPremium)
	ledger := newTestLedger(t, db)
	ctx := context.Background()

	ledger.Record(ctx, user.ID, "hello", "world")
	ledger.Record(ctx, user.ID, "hello", "world")

	snapshot, err := ledger.Snapshot(ctx, user.ID)
	require.NoError(t, err)
	// "hello\nworld" is 11 bytes -> 3 units per call.
	require.Equal(t, int64(6), snapshot.UnitsUsed)
	require.Equal(t, int64(2), snapshot.RequestsUsed)
	require.Equal(t, int64(6), snapshot.EstimatedTokensUsed)
}

func TestRecord_ConcurrentIncrementsSum(t *testing.T) {
	db := openTestDB(t)
	user := createTestUser(t, db, models.PlanBase)
	ledger := newTestLedger(t, db)
	ctx := context.Background()

	const calls = 16
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ledger.Record(ctx, user.ID, "abcd", "efgh")
		}()
	}
	wg.Wait()

	snapshot, err := ledger.Snapshot(ctx, user.ID)
	require.NoError(t, err)
	// "abcd\nefgh" is 9 bytes -> 3 units per call.
	require.Equal(t, int64(3*calls), snapshot.UnitsUsed)
	require.Equal(t, int64(calls), snapshot.RequestsUsed)
}

func TestAssertWithinLimit(t *testing.T) {
	db := openTestDB(t)
	user := createTestUser(t, db, models.PlanBase)
	ledger := newTestLedger(t, db)
	ctx := context.Background()

	require.NoError(t, ledger.AssertWithinLimit(ctx, user.ID))

	// Fill the period to exactly the limit.
	row := models.UsagePeriod{UserID: user.ID, Period: CurrentPeriod(time.Now()), UnitsUsed: 2000, RequestsUsed: 1, EstimatedTokensUsed: 2000}
	require.NoError(t, db.Create(&row).Error)

	err := ledger.AssertWithinLimit(ctx, user.ID)
	require.True(t, apperrors.Is(err, apperrors.KindQuotaExceeded), "expected QuotaExceeded, got %v", err)

	detail, ok := apperrors.DetailOf(err).(Snapshot)
	require.True(t, ok, "expected snapshot detail")
	require.Equal(t, int64(2000), detail.UnitsUsed)

	// Enforcement off bypasses the check regardless of usage.
	require.NoError(t, db.Model(&models.AppConfig{}).
		Where("id = ?", models.AppConfigID).
		Update("enforce_usage_limits", false).Error)
	offLedger := NewLedger(db, policy.NewCache(db, time.Hour, nil), nil)
	require.NoError(t, offLedger.AssertWithinLimit(ctx, user.ID))
}
