package relay

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/L0stInFades/Her/internal/apperrors"
	"github.com/L0stInFades/Her/internal/models"
	"github.com/L0stInFades/Her/internal/policy"
	"github.com/L0stInFades/Her/internal/session"
	"github.com/L0stInFades/Her/internal/streams"
	"github.com/L0stInFades/Her/internal/upstream"
	log "github.com/sirupsen/logrus"
)

// Request describes one inbound generation request.
type Request struct {
	ConversationID string
	Content        string
	Model          string // optional override
}

// Sink receives the ordered event stream for one generation. Exactly
// one of Done or Error terminates a stream that produced events.
type Sink interface {
	Chunk(content string)
	Done()
	Error(message string)
}

// Relay states for one request, in transition order.
const (
	stateAdmitted     = "admitted"
	stateContextBuilt = "context_built"
	stateStreaming    = "streaming"
	stateCompleted    = "completed"
	stateFailed       = "failed"
	stateAborted      = "aborted"
)

// finalizeTimeout bounds post-stream persistence and usage writes,
// which must not depend on the already-closing request context.
const finalizeTimeout = 5 * time.Second

// Relay orchestrates a single generation request: admission, quota
// pre-check, context assembly, upstream streaming, and finalization.
type Relay struct {
	admission     *streams.Admission
	ledger        UsageRecorder
	policy        *policy.Cache
	conversations ConversationStore
	streamer      upstream.Streamer
}

// UsageRecorder is the slice of the usage ledger the relay needs.
type UsageRecorder interface {
	AssertWithinLimit(ctx context.Context, userID string) error
	Record(ctx context.Context, userID, userContent, assistantContent string)
}

// New constructs a Relay.
func New(admission *streams.Admission, ledger UsageRecorder, policyCache *policy.Cache, conversations ConversationStore, streamer upstream.Streamer) *Relay {
	return &Relay{
		admission:     admission,
		ledger:        ledger,
		policy:        policyCache,
		conversations: conversations,
		streamer:      streamer,
	}
}

// Stream runs one generation request against the sink. A non-nil
// return means the request was rejected before any event was emitted;
// a nil return means the sink received a terminal event. The
// admission slot is released exactly once on every path.
func (r *Relay) Stream(ctx context.Context, principal session.Principal, req Request, sink Sink) error {
	admitted := r.admission.TryAcquire(principal.UserID)
	if !admitted.OK {
		err := apperrors.New(apperrors.KindRateLimited, "too many concurrent streams")
		err.Detail = map[string]int{"active": admitted.Active, "max": admitted.Max}
		return err
	}

	var released atomic.Bool
	release := func() {
		if released.CompareAndSwap(false, true) {
			r.admission.Release(principal.UserID)
		}
	}
	defer release()

	state := stateAdmitted

	if errQuota := r.ledger.AssertWithinLimit(ctx, principal.UserID); errQuota != nil {
		return errQuota
	}

	cfg, errConfig := r.policy.Config(ctx)
	if errConfig != nil {
		return errConfig
	}

	conversation, errLoad := r.conversations.Get(ctx, req.ConversationID, cfg.MaxContextMessages)
	if errLoad != nil {
		return errLoad
	}
	if conversation == nil {
		return apperrors.New(apperrors.KindNotFound, "conversation not found")
	}
	if conversation.OwnerID != principal.UserID {
		return apperrors.New(apperrors.KindForbidden, "conversation belongs to another account")
	}

	// The user message is made durable before any upstream call so it
	// survives a failed generation.
	if _, errAppend := r.conversations.AppendMessage(ctx, conversation.ID, models.MessageRoleUser, req.Content); errAppend != nil {
		return apperrors.Wrap(apperrors.KindPersistenceFailure, "failed to persist message", errAppend)
	}

	messages := make([]upstream.Message, 0, len(conversation.RecentMessages)+1)
	for _, msg := range conversation.RecentMessages {
		messages = append(messages, upstream.Message{Role: msg.Role, Content: msg.Content})
	}
	messages = append(messages, upstream.Message{Role: models.MessageRoleUser, Content: req.Content})

	model, errModel := r.selectModel(ctx, req.Model, conversation.Model, principal.PreferredModel)
	if errModel != nil {
		return errModel
	}

	apiKey, errKey := r.selectCredential(cfg, principal)
	if errKey != nil {
		return errKey
	}

	state = stateContextBuilt

	// One-shot terminal guard: end-marker, stream end, stream error,
	// and client disconnect race into exactly one transition.
	var completed atomic.Bool
	terminal := func(next string, fn func()) {
		if completed.CompareAndSwap(false, true) {
			state = next
			release()
			if fn != nil {
				fn()
			}
		}
	}

	var assistant strings.Builder
	onChunk := func(content string) {
		if ctx.Err() != nil {
			// Cancelled mid-flight; drop instead of forwarding.
			return
		}
		assistant.WriteString(content)
		sink.Chunk(content)
	}

	state = stateStreaming
	errStream := r.streamer.StreamChat(ctx, messages, model, apiKey, onChunk)
	switch {
	case errStream == nil:
		terminal(stateCompleted, func() {
			sink.Done()
			r.finalize(principal.UserID, conversation.ID, req.Content, assistant.String())
		})
	case errors.Is(errStream, context.Canceled) || errors.Is(errStream, context.DeadlineExceeded):
		// Client went away; nothing to deliver and the partial
		// assistant text is discarded.
		terminal(stateAborted, nil)
	default:
		terminal(stateFailed, func() {
			log.WithError(errStream).WithFields(log.Fields{
				"user_id":         principal.UserID,
				"conversation_id": conversation.ID,
				"model":           model,
			}).Error("relay: upstream stream failed")
			sink.Error("stream error occurred")
		})
	}

	log.WithFields(log.Fields{
		"user_id":         principal.UserID,
		"conversation_id": conversation.ID,
		"state":           state,
	}).Debug("relay: request finished")
	return nil
}

// selectModel resolves the effective model: request override, then
// the conversation's stored model, then the account preference, then
// the policy default. Anything not currently enabled is silently
// replaced by the default.
func (r *Relay) selectModel(ctx context.Context, override, conversationModel, preferred string) (string, error) {
	model := strings.TrimSpace(override)
	if model == "" {
		model = strings.TrimSpace(conversationModel)
	}
	if model == "" {
		model = strings.TrimSpace(preferred)
	}
	if model == "" {
		return r.policy.DefaultModelID(ctx)
	}

	enabled, errEnabled := r.policy.IsModelEnabled(ctx, model)
	if errEnabled != nil {
		return "", errEnabled
	}
	if !enabled {
		return r.policy.DefaultModelID(ctx)
	}
	return model, nil
}

// selectCredential resolves the upstream API key: the account's own
// key when BYOK is allowed and the plan is entitled, else the shared
// server credential (empty string delegates to the client's default).
func (r *Relay) selectCredential(cfg models.AppConfig, principal session.Principal) (string, error) {
	entitled := principal.Plan == models.PlanPremium
	userKey := ""
	if cfg.AllowUserAPIKeys && entitled {
		userKey = strings.TrimSpace(principal.ProviderAPIKey)
	}
	if cfg.RequireUserAPIKey && entitled && userKey == "" {
		return "", apperrors.New(apperrors.KindBYOKRequired, "a user API key is required by server policy")
	}
	return userKey, nil
}

// finalize persists the assistant message and records usage. Both are
// best-effort: the stream already delivered its content, so failures
// are logged and swallowed.
func (r *Relay) finalize(userID, conversationID, userContent, assistantContent string) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	if _, errAppend := r.conversations.AppendMessage(ctx, conversationID, models.MessageRoleAssistant, assistantContent); errAppend != nil {
		log.WithError(errAppend).WithField("conversation_id", conversationID).Warn("relay: failed to persist assistant message")
	}
	r.ledger.Record(ctx, userID, userContent, assistantContent)
}
