package relay

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/L0stInFades/Her/internal/apperrors"
	"github.com/L0stInFades/Her/internal/models"
	"github.com/L0stInFades/Her/internal/policy"
	"github.com/L0stInFades/Her/internal/session"
	"github.com/L0stInFades/Her/internal/streams"
	"github.com/L0stInFades/Her/internal/upstream"
	"github.com/L0stInFades/Her/internal/usage"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type fakeStreamer struct {
	fn func(ctx context.Context, messages []upstream.Message, model, apiKey string, onChunk func(string)) error

	mu       sync.Mutex
	model    string
	apiKey   string
	messages []upstream.Message
	called   bool
}

func (f *fakeStreamer) StreamChat(ctx context.Context, messages []upstream.Message, model, apiKey string, onChunk func(string)) error {
	f.mu.Lock()
	f.called = true
	f.model = model
	f.apiKey = apiKey
	f.messages = messages
	f.mu.Unlock()
	if f.fn == nil {
		return nil
	}
	return f.fn(ctx, messages, model, apiKey, onChunk)
}

type recordingSink struct {
	mu     sync.Mutex
	chunks []string
	done   int
	errors []string
}

func (s *recordingSink) Chunk(content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, content)
}

func (s *recordingSink) Done() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done++
}

func (s *recordingSink) Error(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, message)
}

type testEnv struct {
	db        *gorm.DB
	admission *streams.Admission
	relay     *Relay
	streamer  *fakeStreamer
	user      *models.User
	conv      *models.Conversation
}

func newTestEnv(t *testing.T, streamer *fakeStreamer, maxStreams int) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "test.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, errPool := db.DB()
	if errPool != nil {
		t.Fatalf("pool: %v", errPool)
	}
	sqlDB.SetMaxOpenConns(1)
	if errMigrate := db.AutoMigrate(
		&models.User{}, &models.Conversation{}, &models.Message{},
		&models.AIModel{}, &models.AppConfig{}, &models.UsagePeriod{},
	); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	seed := models.AppConfig{ID: models.AppConfigID, MaxContextMessages: 50, AllowUserAPIKeys: true, EnforceUsageLimits: true, BaseMonthlyUnits: 1000}
	if errSeed := db.Create(&seed).Error; errSeed != nil {
		t.Fatalf("seed config: %v", errSeed)
	}
	catalog := []models.AIModel{
		{ID: "openai/gpt-4o", Name: "GPT-4o", Tags: []byte("[]"), Enabled: true, IsDefault: true},
		{ID: "openai/gpt-4o-mini", Name: "GPT-4o Mini", Tags: []byte("[]"), Enabled: true},
	}
	if errSeed := db.Create(&catalog).Error; errSeed != nil {
		t.Fatalf("seed models: %v", errSeed)
	}

	user := models.User{Email: "user@example.com", Password: "x", Role: models.RoleUser, Plan: models.PlanBase}
	if errCreate := db.Create(&user).Error; errCreate != nil {
		t.Fatalf("create user: %v", errCreate)
	}
	conv := models.Conversation{UserID: user.ID, Title: "test", Model: "openai/gpt-4o"}
	if errCreate := db.Create(&conv).Error; errCreate != nil {
		t.Fatalf("create conversation: %v", errCreate)
	}

	policyCache := policy.NewCache(db, time.Hour, nil)
	admission := streams.NewAdmission(maxStreams)
	relay := New(admission, usage.NewLedger(db, policyCache, nil), policyCache, NewGormConversationStore(db), streamer)

	return &testEnv{db: db, admission: admission, relay: relay, streamer: streamer, user: &user, conv: &conv}
}

func (e *testEnv) principal() session.Principal {
	return session.Principal{UserID: e.user.ID, Email: e.user.Email, Role: e.user.Role, Plan: e.user.Plan, ProviderAPIKey: e.user.ProviderAPIKey}
}

func (e *testEnv) messageCount(t *testing.T, role string) int64 {
	t.Helper()
	var count int64
	if err := e.db.Model(&models.Message{}).
		Where("conversation_id = ? AND role = ?", e.conv.ID, role).
		Count(&count).Error; err != nil {
		t.Fatalf("count messages: %v", err)
	}
	return count
}

func TestStream_SuccessForwardsAndFinalizes(t *testing.T) {
	streamer := &fakeStreamer{fn: func(_ context.Context, _ []upstream.Message, _, _ string, onChunk func(string)) error {
		onChunk("Hel")
		onChunk("lo")
		return nil
	}}
	env := newTestEnv(t, streamer, 2)
	sink := &recordingSink{}

	err := env.relay.Stream(context.Background(), env.principal(), Request{ConversationID: env.conv.ID, Content: "hi"}, sink)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	if len(sink.chunks) != 2 || sink.done != 1 || len(sink.errors) != 0 {
		t.Fatalf("expected 2 chunks and one done, got %+v", sink)
	}
	if got := env.messageCount(t, models.MessageRoleUser); got != 1 {
		t.Fatalf("expected 1 user message, got %d", got)
	}
	if got := env.messageCount(t, models.MessageRoleAssistant); got != 1 {
		t.Fatalf("expected 1 assistant message, got %d", got)
	}

	var assistant models.Message
	if errFind := env.db.Where("role = ?", models.MessageRoleAssistant).First(&assistant).Error; errFind != nil {
		t.Fatalf("load assistant message: %v", errFind)
	}
	if assistant.Content != "Hello" {
		t.Fatalf("expected accumulated content Hello, got %q", assistant.Content)
	}

	var period models.UsagePeriod
	if errFind := env.db.Where("user_id = ?", env.user.ID).First(&period).Error; errFind != nil {
		t.Fatalf("expected usage row: %v", errFind)
	}
	if period.RequestsUsed != 1 {
		t.Fatalf("expected 1 recorded request, got %d", period.RequestsUsed)
	}

	if active := env.admission.ActiveCount(env.user.ID); active != 0 {
		t.Fatalf("expected slot released, active=%d", active)
	}
}

func TestStream_AdmissionRejected(t *testing.T) {
	env := newTestEnv(t, &fakeStreamer{}, 1)
	env.admission.TryAcquire(env.user.ID)

	err := env.relay.Stream(context.Background(), env.principal(), Request{ConversationID: env.conv.ID, Content: "hi"}, &recordingSink{})
	if !apperrors.Is(err, apperrors.KindRateLimited) {
		t.Fatalf("expected RateLimited, got %v", err)
	}
	detail, ok := apperrors.DetailOf(err).(map[string]int)
	if !ok || detail["active"] != 1 || detail["max"] != 1 {
		t.Fatalf("expected active/max detail, got %v", detail)
	}
	// The rejected request must not consume the held slot.
	if active := env.admission.ActiveCount(env.user.ID); active != 1 {
		t.Fatalf("expected active=1, got %d", active)
	}
}

func TestStream_QuotaExceededBeforeUpstream(t *testing.T) {
	env := newTestEnv(t, &fakeStreamer{}, 2)
	row := models.UsagePeriod{UserID: env.user.ID, Period: usage.CurrentPeriod(time.Now()), UnitsUsed: 2000}
	if err := env.db.Create(&row).Error; err != nil {
		t.Fatalf("seed usage: %v", err)
	}

	err := env.relay.Stream(context.Background(), env.principal(), Request{ConversationID: env.conv.ID, Content: "hi"}, &recordingSink{})
	if !apperrors.Is(err, apperrors.KindQuotaExceeded) {
		t.Fatalf("expected QuotaExceeded, got %v", err)
	}
	if env.streamer.called {
		t.Fatalf("expected upstream not to be contacted")
	}
	if active := env.admission.ActiveCount(env.user.ID); active != 0 {
		t.Fatalf("expected slot released, active=%d", active)
	}
	if got := env.messageCount(t, models.MessageRoleUser); got != 0 {
		t.Fatalf("expected no user message persisted, got %d", got)
	}
}

func TestStream_ForbiddenForOtherOwner(t *testing.T) {
	env := newTestEnv(t, &fakeStreamer{}, 2)
	other := models.User{Email: "other@example.com", Password: "x", Role: models.RoleUser, Plan: models.PlanBase}
	if err := env.db.Create(&other).Error; err != nil {
		t.Fatalf("create other user: %v", err)
	}

	principal := env.principal()
	principal.UserID = other.ID
	err := env.relay.Stream(context.Background(), principal, Request{ConversationID: env.conv.ID, Content: "hi"}, &recordingSink{})
	if !apperrors.Is(err, apperrors.KindForbidden) {
		t.Fatalf("expected Forbidden, got %v", err)
	}
	if active := env.admission.ActiveCount(other.ID); active != 0 {
		t.Fatalf("expected slot released, active=%d", active)
	}
}

func TestStream_UnknownConversation(t *testing.T) {
	env := newTestEnv(t, &fakeStreamer{}, 2)
	err := env.relay.Stream(context.Background(), env.principal(), Request{ConversationID: "missing", Content: "hi"}, &recordingSink{})
	if !apperrors.Is(err, apperrors.KindNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestStream_DisabledModelSubstituted(t *testing.T) {
	streamer := &fakeStreamer{}
	env := newTestEnv(t, streamer, 2)

	err := env.relay.Stream(context.Background(), env.principal(), Request{ConversationID: env.conv.ID, Content: "hi", Model: "vendor/unknown"}, &recordingSink{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if streamer.model != "openai/gpt-4o" {
		t.Fatalf("expected policy default substituted, got %q", streamer.model)
	}
}

func TestStream_ModelOverridePreferredOverConversation(t *testing.T) {
	streamer := &fakeStreamer{}
	env := newTestEnv(t, streamer, 2)

	err := env.relay.Stream(context.Background(), env.principal(), Request{ConversationID: env.conv.ID, Content: "hi", Model: "openai/gpt-4o-mini"}, &recordingSink{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if streamer.model != "openai/gpt-4o-mini" {
		t.Fatalf("expected override model, got %q", streamer.model)
	}
}

func TestStream_BYOKRules(t *testing.T) {
	streamer := &fakeStreamer{}
	env := newTestEnv(t, streamer, 2)

	// Premium account with its own key uses that key.
	if err := env.db.Model(&models.User{}).Where("id = ?", env.user.ID).
		Updates(map[string]any{"plan": models.PlanPremium, "provider_api_key": "user-key"}).Error; err != nil {
		t.Fatalf("update user: %v", err)
	}
	principal := env.principal()
	principal.Plan = models.PlanPremium
	principal.ProviderAPIKey = "user-key"

	if err := env.relay.Stream(context.Background(), principal, Request{ConversationID: env.conv.ID, Content: "hi"}, &recordingSink{}); err != nil {
		t.Fatalf("stream: %v", err)
	}
	if streamer.apiKey != "user-key" {
		t.Fatalf("expected user key, got %q", streamer.apiKey)
	}

	// Base plan is not entitled to BYOK even with a stored key.
	base := env.principal()
	base.Plan = models.PlanBase
	base.ProviderAPIKey = "user-key"
	if err := env.relay.Stream(context.Background(), base, Request{ConversationID: env.conv.ID, Content: "hi"}, &recordingSink{}); err != nil {
		t.Fatalf("stream: %v", err)
	}
	if streamer.apiKey != "" {
		t.Fatalf("expected shared server credential for base plan, got %q", streamer.apiKey)
	}

	// Policy requiring a key fails entitled accounts without one.
	if err := env.db.Model(&models.AppConfig{}).Where("id = ?", models.AppConfigID).
		Update("require_user_api_key", true).Error; err != nil {
		t.Fatalf("update config: %v", err)
	}
	env.relay.policy.Invalidate()
	missing := env.principal()
	missing.Plan = models.PlanPremium
	missing.ProviderAPIKey = ""
	err := env.relay.Stream(context.Background(), missing, Request{ConversationID: env.conv.ID, Content: "hi"}, &recordingSink{})
	if !apperrors.Is(err, apperrors.KindBYOKRequired) {
		t.Fatalf("expected BYOKRequired, got %v", err)
	}
}

func TestStream_ClientDisconnectMidStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	streamer := &fakeStreamer{fn: func(streamCtx context.Context, _ []upstream.Message, _, _ string, onChunk func(string)) error {
		for i := 0; i < 10; i++ {
			if streamCtx.Err() != nil {
				return streamCtx.Err()
			}
			onChunk("chunk")
			if i == 2 {
				cancel()
			}
		}
		return streamCtx.Err()
	}}
	env := newTestEnv(t, streamer, 2)
	sink := &recordingSink{}

	err := env.relay.Stream(ctx, env.principal(), Request{ConversationID: env.conv.ID, Content: "hi"}, sink)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	if len(sink.chunks) != 3 {
		t.Fatalf("expected 3 delivered chunks before disconnect, got %d", len(sink.chunks))
	}
	if sink.done != 0 || len(sink.errors) != 0 {
		t.Fatalf("expected no terminal event after disconnect, got %+v", sink)
	}
	if got := env.messageCount(t, models.MessageRoleUser); got != 1 {
		t.Fatalf("expected user message to survive, got %d", got)
	}
	if got := env.messageCount(t, models.MessageRoleAssistant); got != 0 {
		t.Fatalf("expected no assistant message persisted, got %d", got)
	}
	if active := env.admission.ActiveCount(env.user.ID); active != 0 {
		t.Fatalf("expected slot released exactly once, active=%d", active)
	}
}

func TestStream_UpstreamErrorEmitsSingleErrorEvent(t *testing.T) {
	failing := &fakeStreamer{fn: func(_ context.Context, _ []upstream.Message, _, _ string, onChunk func(string)) error {
		onChunk("partial")
		return errUpstreamBoom
	}}
	env := newTestEnv(t, failing, 2)
	sink := &recordingSink{}

	err := env.relay.Stream(context.Background(), env.principal(), Request{ConversationID: env.conv.ID, Content: "hi"}, sink)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if len(sink.errors) != 1 || sink.done != 0 {
		t.Fatalf("expected exactly one error event, got %+v", sink)
	}
	if got := env.messageCount(t, models.MessageRoleAssistant); got != 0 {
		t.Fatalf("expected no assistant message on failure, got %d", got)
	}
	if active := env.admission.ActiveCount(env.user.ID); active != 0 {
		t.Fatalf("expected slot released, active=%d", active)
	}
}

func TestStream_ContextWindowLimited(t *testing.T) {
	streamer := &fakeStreamer{}
	env := newTestEnv(t, streamer, 2)

	if err := env.db.Model(&models.AppConfig{}).Where("id = ?", models.AppConfigID).
		Update("max_context_messages", 2).Error; err != nil {
		t.Fatalf("update config: %v", err)
	}
	env.relay.policy.Invalidate()

	base := time.Now().UTC().Add(-time.Hour)
	for i, content := range []string{"one", "two", "three"} {
		row := models.Message{ConversationID: env.conv.ID, Role: models.MessageRoleUser, Content: content, CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := env.db.Create(&row).Error; err != nil {
			t.Fatalf("seed message: %v", err)
		}
	}

	if err := env.relay.Stream(context.Background(), env.principal(), Request{ConversationID: env.conv.ID, Content: "four"}, &recordingSink{}); err != nil {
		t.Fatalf("stream: %v", err)
	}

	// Two most recent history entries plus the new message, in order.
	if len(streamer.messages) != 3 {
		t.Fatalf("expected 3 context messages, got %d", len(streamer.messages))
	}
	if streamer.messages[0].Content != "two" || streamer.messages[1].Content != "three" || streamer.messages[2].Content != "four" {
		t.Fatalf("unexpected context order: %+v", streamer.messages)
	}
}

var errUpstreamBoom = errors.New("boom")
