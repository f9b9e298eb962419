package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/L0stInFades/Her/internal/apperrors"
	"github.com/L0stInFades/Her/internal/models"
	"github.com/L0stInFades/Her/internal/policy"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Snapshot is a point-in-time view of an account's monthly usage.
type Snapshot struct {
	Period              string `json:"period"`
	Plan                string `json:"plan"`
	UnitLimit           int64  `json:"unit_limit"`
	UnitsUsed           int64  `json:"units_used"`
	RequestsUsed        int64  `json:"requests_used"`
	EstimatedTokensUsed int64  `json:"estimated_tokens_used"`
}

// Ledger reads and writes per-account monthly usage counters and
// enforces the quota policy. Reads never mutate state; Record is the
// only writer and is best-effort by contract.
type Ledger struct {
	db     *gorm.DB
	policy *policy.Cache
	nowFn  func() time.Time
}

// NewLedger constructs a Ledger. nowFn defaults to time.Now.
func NewLedger(db *gorm.DB, policyCache *policy.Cache, nowFn func() time.Time) *Ledger {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Ledger{db: db, policy: policyCache, nowFn: nowFn}
}

// PlanMultiplier maps a plan to its allotment multiplier: premium
// accounts get four times the base plan's budget.
func PlanMultiplier(plan string) int64 {
	if plan == models.PlanPremium {
		return 8
	}
	return 2
}

// PlanLimit derives the monthly unit limit for a plan.
func PlanLimit(plan string, baseUnits int64) int64 {
	return baseUnits * PlanMultiplier(plan)
}

// CurrentPeriod formats a time as the UTC calendar month, YYYY-MM.
func CurrentPeriod(now time.Time) string {
	return now.UTC().Format("2006-01")
}

// EstimateUnits approximates quota units consumed by a text: about
// one unit per four bytes, minimum one.
func EstimateUnits(text string) int64 {
	n := int64(len(text))
	units := (n + 3) / 4
	if units < 1 {
		units = 1
	}
	return units
}

// Snapshot returns the current-month counters for the account,
// zero-valued when no row exists yet.
func (l *Ledger) Snapshot(ctx context.Context, userID string) (Snapshot, error) {
	cfg, errConfig := l.policy.Config(ctx)
	if errConfig != nil {
		return Snapshot{}, errConfig
	}

	var user models.User
	if errFind := l.db.WithContext(ctx).Select("plan").Where("id = ?", userID).First(&user).Error; errFind != nil {
		return Snapshot{}, fmt.Errorf("usage: load plan: %w", errFind)
	}
	plan := user.Plan
	if plan == "" {
		plan = models.PlanBase
	}

	period := CurrentPeriod(l.nowFn())
	result := Snapshot{
		Period:    period,
		Plan:      plan,
		UnitLimit: PlanLimit(plan, cfg.BaseMonthlyUnits),
	}

	var row models.UsagePeriod
	errRow := l.db.WithContext(ctx).Where("user_id = ? AND period = ?", userID, period).First(&row).Error
	if errRow != nil {
		if errors.Is(errRow, gorm.ErrRecordNotFound) {
			return result, nil
		}
		return Snapshot{}, fmt.Errorf("usage: load period: %w", errRow)
	}
	result.UnitsUsed = row.UnitsUsed
	result.RequestsUsed = row.RequestsUsed
	result.EstimatedTokensUsed = row.EstimatedTokensUsed
	return result, nil
}

// AssertWithinLimit fails with QuotaExceeded when enforcement is on
// and the account's units meet or exceed its limit. The check is
// advisory: it reserves nothing, so concurrent admitted streams can
// overshoot by up to the admission cap before the next check.
func (l *Ledger) AssertWithinLimit(ctx context.Context, userID string) error {
	cfg, errConfig := l.policy.Config(ctx)
	if errConfig != nil {
		return errConfig
	}
	if !cfg.EnforceUsageLimits {
		return nil
	}

	snapshot, errSnapshot := l.Snapshot(ctx, userID)
	if errSnapshot != nil {
		return errSnapshot
	}
	if snapshot.UnitsUsed >= snapshot.UnitLimit {
		err := apperrors.New(apperrors.KindQuotaExceeded, "monthly quota exceeded")
		err.Detail = snapshot
		return err
	}
	return nil
}

// Record increments the account's counters for the current period.
// Failures are logged and swallowed: usage accounting is not in the
// critical path of a response that has already been delivered.
func (l *Ledger) Record(ctx context.Context, userID, userContent, assistantContent string) {
	combined := userContent + "\n" + assistantContent
	tokens := EstimateUnits(combined)
	units := tokens

	now := l.nowFn().UTC()
	row := models.UsagePeriod{
		UserID:              userID,
		Period:              CurrentPeriod(now),
		UnitsUsed:           units,
		RequestsUsed:        1,
		EstimatedTokensUsed: tokens,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	errUpsert := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}, {Name: "period"}},
		DoUpdates: clause.Assignments(map[string]any{
			"units_used":            gorm.Expr("units_used + ?", units),
			"requests_used":         gorm.Expr("requests_used + ?", 1),
			"estimated_tokens_used": gorm.Expr("estimated_tokens_used + ?", tokens),
			"updated_at":            now,
		}),
	}).Create(&row).Error
	if errUpsert != nil {
		log.WithError(errUpsert).WithField("user_id", userID).Warn("usage: failed to record usage")
	}
}
