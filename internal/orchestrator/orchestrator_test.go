package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pinegen-ai/generation-platform/internal/model"
	"github.com/pinegen-ai/generation-platform/internal/quota"
	"github.com/pinegen-ai/generation-platform/internal/store"
	"github.com/pinegen-ai/generation-platform/pkg/logger"
)

const (
	testUserID = "user-1"
	testToken  = "test-token"
)

type testEnv struct {
	orch       *Orchestrator
	store      *store.Memory
	quotaStore *quota.MemoryStore
	requests   *int32
}

// newTestEnv wires an orchestrator against an in-memory store and a fake
// gateway that emits the given fragments, charging quota after a
// completed stream the way the real gateway does.
func newTestEnv(t *testing.T, fragments []string, sendDone bool) *testEnv {
	t.Helper()

	mem := store.NewMemory()
	quotaStore := quota.NewMemoryStore(quota.Limits{Free: 1, Pro: 2000})
	var requests int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)

		var req model.GenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Messages) == 0 {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(model.ErrorResponse{Error: "at least one message is required"})
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range fragments {
			data, _ := json.Marshal(model.StreamFrame{Text: f})
			fmt.Fprintf(w, "data: %s\n\n", data)
		}
		if sendDone {
			fmt.Fprintf(w, "data: %s\n\n", model.StreamTerminator)
			quotaStore.Record(r.Context(), testUserID, 1)
		}
	}))
	t.Cleanup(srv.Close)

	exec := NewExecutor(srv.Client())
	exec.NewBackOff = func() backoff.BackOff {
		return backoff.NewConstantBackOff(time.Millisecond)
	}

	orch := New(Deps{
		Conversations: mem,
		Messages:      mem,
		Quota:         quota.NewGuard(quotaStore, logger.NewNop()),
		Gateway:       NewGatewayClient(srv.URL, exec),
		Logger:        logger.NewNop(),
	})
	orch.SetSession(&Session{UserID: testUserID, Token: testToken, Tier: model.TierFree})

	return &testEnv{orch: orch, store: mem, quotaStore: quotaStore, requests: &requests}
}

func TestSendMessageStreamsAndPersists(t *testing.T) {
	env := newTestEnv(t, []string{"//@v", "ersion=6\n", "indicator(\"RSI\")"}, true)
	ctx := context.Background()

	if err := env.orch.SendMessage(ctx, "build an RSI indicator"); err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}

	msgs := env.orch.Transcript().Messages()
	if len(msgs) != 2 {
		t.Fatalf("transcript len = %d, want 2", len(msgs))
	}
	if msgs[0].Role != model.RoleUser || msgs[0].Content != "build an RSI indicator" {
		t.Fatalf("unexpected user message: %+v", msgs[0])
	}
	if msgs[1].Role != model.RoleAssistant {
		t.Fatalf("unexpected assistant role: %q", msgs[1].Role)
	}
	if want := "//@version=6\nindicator(\"RSI\")"; msgs[1].Content != want {
		t.Fatalf("assistant content = %q, want %q", msgs[1].Content, want)
	}
	for _, m := range msgs {
		if m.IsSentinel() {
			t.Fatalf("sentinel %q survived a settled send", m.ID)
		}
	}

	convID := env.orch.ActiveConversationID()
	if convID == "" {
		t.Fatal("no active conversation after send")
	}
	persisted, err := env.store.History(ctx, testUserID, convID)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(persisted) != 2 {
		t.Fatalf("persisted len = %d, want 2", len(persisted))
	}

	if info := env.orch.QuotaInfo(); info.Remaining != 0 {
		t.Fatalf("remaining = %d, want 0 after the charge", info.Remaining)
	}

	// The allowance is spent; the next send is rejected before any request.
	before := atomic.LoadInt32(env.requests)
	err = env.orch.SendMessage(ctx, "one more")
	var qErr *QuotaExceededError
	if !errors.As(err, &qErr) {
		t.Fatalf("err = %v, want QuotaExceededError", err)
	}
	if got := atomic.LoadInt32(env.requests); got != before {
		t.Fatalf("gateway requests grew from %d to %d on a rejected send", before, got)
	}
}

func TestSendMessageCreatesConversationWithTitle(t *testing.T) {
	env := newTestEnv(t, []string{"ok"}, true)
	ctx := context.Background()

	prompt := "plot a 200 period moving average with colored crossover signals"
	if err := env.orch.SendMessage(ctx, prompt); err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}

	convs, err := env.orch.Conversations(ctx)
	if err != nil {
		t.Fatalf("Conversations() error: %v", err)
	}
	if len(convs) != 1 {
		t.Fatalf("conversations = %d, want 1", len(convs))
	}
	want := string([]rune(prompt)[:30]) + "..."
	if convs[0].Title != want {
		t.Fatalf("title = %q, want %q", convs[0].Title, want)
	}
}

func TestSendMessageReusesActiveConversation(t *testing.T) {
	env := newTestEnv(t, []string{"ok"}, true)
	ctx := context.Background()
	// Headroom for two sends.
	env.quotaStore.Record(ctx, testUserID, -1)
	if err := env.orch.SendMessage(ctx, "first"); err != nil {
		t.Fatalf("first SendMessage() error: %v", err)
	}
	first := env.orch.ActiveConversationID()

	if err := env.orch.SendMessage(ctx, "second"); err != nil {
		t.Fatalf("second SendMessage() error: %v", err)
	}
	if env.orch.ActiveConversationID() != first {
		t.Fatal("second send switched conversations")
	}

	convs, _ := env.orch.Conversations(ctx)
	if len(convs) != 1 {
		t.Fatalf("conversations = %d, want 1", len(convs))
	}
	if env.orch.Transcript().Len() != 4 {
		t.Fatalf("transcript len = %d, want 4", env.orch.Transcript().Len())
	}
}

func TestSendMessageEmptyAfterSanitizeIsNoOp(t *testing.T) {
	env := newTestEnv(t, []string{"ok"}, true)
	ctx := context.Background()

	for _, in := range []string{"   ", "<script>alert(1)</script>"} {
		if err := env.orch.SendMessage(ctx, in); err != nil {
			t.Fatalf("SendMessage(%q) error: %v", in, err)
		}
	}

	if got := atomic.LoadInt32(env.requests); got != 0 {
		t.Fatalf("gateway requests = %d, want 0", got)
	}
	if env.orch.Transcript().Len() != 0 {
		t.Fatal("transcript changed on a no-op send")
	}
	if env.orch.ActiveConversationID() != "" {
		t.Fatal("conversation created on a no-op send")
	}
}

func TestSendMessageRejectsWhenQuotaExhausted(t *testing.T) {
	env := newTestEnv(t, []string{"ok"}, true)
	ctx := context.Background()
	env.quotaStore.Record(ctx, testUserID, 1)

	err := env.orch.SendMessage(ctx, "one more")
	var qErr *QuotaExceededError
	if !errors.As(err, &qErr) {
		t.Fatalf("err = %v, want QuotaExceededError", err)
	}
	if qErr.Reason != model.QuotaReasonDailyExceeded {
		t.Fatalf("reason = %q, want %q", qErr.Reason, model.QuotaReasonDailyExceeded)
	}
	if got := atomic.LoadInt32(env.requests); got != 0 {
		t.Fatalf("gateway requests = %d, want 0 for a local rejection", got)
	}
	if env.orch.Transcript().Len() != 0 {
		t.Fatal("transcript changed on a rejected send")
	}
}

func TestSendMessageWithoutSession(t *testing.T) {
	env := newTestEnv(t, nil, true)
	env.orch.SetSession(nil)

	if err := env.orch.SendMessage(context.Background(), "hi"); !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("err = %v, want ErrAuthRequired", err)
	}
}

func TestSendMessageRejectsOverlap(t *testing.T) {
	mem := store.NewMemory()
	quotaStore := quota.NewMemoryStore(quota.Limits{Free: 10})

	entered := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: {\"text\": \"ok\"}\n\n")
		fmt.Fprintf(w, "data: %s\n\n", model.StreamTerminator)
	}))
	defer srv.Close()

	orch := New(Deps{
		Conversations: mem,
		Messages:      mem,
		Quota:         quota.NewGuard(quotaStore, logger.NewNop()),
		Gateway:       NewGatewayClient(srv.URL, NewExecutor(srv.Client())),
		Logger:        logger.NewNop(),
	})
	orch.SetSession(&Session{UserID: testUserID, Token: testToken, Tier: model.TierFree})

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- orch.SendMessage(context.Background(), "slow one")
	}()

	<-entered
	if err := orch.SendMessage(context.Background(), "too eager"); !errors.Is(err, ErrGenerationInFlight) {
		t.Fatalf("err = %v, want ErrGenerationInFlight", err)
	}
	close(release)

	if err := <-firstDone; err != nil {
		t.Fatalf("first SendMessage() error: %v", err)
	}
}

func TestSendMessageStreamFailureRemovesPlaceholder(t *testing.T) {
	mem := store.NewMemory()
	quotaStore := quota.NewMemoryStore(quota.Limits{Free: 10})

	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	exec := NewExecutor(srv.Client())
	exec.NewBackOff = func() backoff.BackOff {
		return backoff.NewConstantBackOff(time.Millisecond)
	}

	orch := New(Deps{
		Conversations: mem,
		Messages:      mem,
		Quota:         quota.NewGuard(quotaStore, logger.NewNop()),
		Gateway:       NewGatewayClient(srv.URL, exec),
		Logger:        logger.NewNop(),
	})
	orch.SetSession(&Session{UserID: testUserID, Token: testToken, Tier: model.TierFree})

	err := orch.SendMessage(context.Background(), "doomed")
	if err == nil {
		t.Fatal("expected an error from a failing gateway")
	}
	if got := atomic.LoadInt32(&hits); got != DefaultMaxAttempts {
		t.Fatalf("server hits = %d, want %d", got, DefaultMaxAttempts)
	}

	// User message stays; the assistant placeholder must not.
	msgs := orch.Transcript().Messages()
	if len(msgs) != 1 {
		t.Fatalf("transcript len = %d, want 1", len(msgs))
	}
	if msgs[0].Role != model.RoleUser || msgs[0].IsSentinel() {
		t.Fatalf("unexpected surviving message: %+v", msgs[0])
	}

	// A retry of the same prompt is permitted once the failure settles.
	if _, err := orch.beginSend(); err != nil {
		t.Fatalf("send lock still held after failure: %v", err)
	}
	orch.endSend()
}

func TestSendMessageTruncatedStreamNotPersisted(t *testing.T) {
	env := newTestEnv(t, []string{"partial ", "output"}, false)
	ctx := context.Background()

	err := env.orch.SendMessage(ctx, "doomed prompt")
	if !errors.Is(err, ErrStreamAborted) {
		t.Fatalf("err = %v, want ErrStreamAborted", err)
	}

	// User message stays; the partial assistant text must not survive,
	// neither in the transcript nor durably.
	msgs := env.orch.Transcript().Messages()
	if len(msgs) != 1 {
		t.Fatalf("transcript len = %d, want 1", len(msgs))
	}
	if msgs[0].Role != model.RoleUser || msgs[0].IsSentinel() {
		t.Fatalf("unexpected surviving message: %+v", msgs[0])
	}

	convID := env.orch.ActiveConversationID()
	persisted, err := env.store.History(ctx, testUserID, convID)
	if err != nil {
		t.Fatalf("History() error: %v", err)
	}
	if len(persisted) != 1 || persisted[0].Role != model.RoleUser {
		t.Fatalf("persisted = %+v, want only the user message", persisted)
	}

	// Nothing was charged for the failed generation.
	info, err := env.quotaStore.Check(ctx, testUserID, model.TierFree)
	if err != nil {
		t.Fatalf("Check() error: %v", err)
	}
	if info.Remaining != 1 {
		t.Fatalf("remaining = %d, want 1", info.Remaining)
	}
}

func TestSendMessageGatewayQuotaRejection(t *testing.T) {
	mem := store.NewMemory()
	// Advisory store sees plenty of headroom; the gateway disagrees.
	quotaStore := quota.NewMemoryStore(quota.Limits{Free: 10})
	reset := time.Now().UTC().Add(time.Hour)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(model.ErrorResponse{
			Error:   "quota exceeded",
			Reason:  model.QuotaReasonDailyExceeded,
			ResetAt: &reset,
		})
	}))
	defer srv.Close()

	exec := NewExecutor(srv.Client())
	exec.NewBackOff = func() backoff.BackOff {
		return backoff.NewConstantBackOff(time.Millisecond)
	}

	orch := New(Deps{
		Conversations: mem,
		Messages:      mem,
		Quota:         quota.NewGuard(quotaStore, logger.NewNop()),
		Gateway:       NewGatewayClient(srv.URL, exec),
		Logger:        logger.NewNop(),
	})
	orch.SetSession(&Session{UserID: testUserID, Token: testToken, Tier: model.TierFree})

	err := orch.SendMessage(context.Background(), "hi")
	var qErr *QuotaExceededError
	if !errors.As(err, &qErr) {
		t.Fatalf("err = %v, want QuotaExceededError", err)
	}
	if qErr.Reason != model.QuotaReasonDailyExceeded {
		t.Fatalf("reason = %q", qErr.Reason)
	}
	if qErr.ResetAt == nil {
		t.Fatal("ResetAt not propagated")
	}
}

func TestSetActiveConversationLoadsHistory(t *testing.T) {
	env := newTestEnv(t, []string{"reply"}, true)
	ctx := context.Background()

	if err := env.orch.SendMessage(ctx, "seed"); err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}
	convID := env.orch.ActiveConversationID()

	other := New(Deps{
		Conversations: env.store,
		Messages:      env.store,
		Quota:         quota.NewGuard(env.quotaStore, logger.NewNop()),
		Gateway:       NewGatewayClient("http://unused", nil),
		Logger:        logger.NewNop(),
	})
	other.SetSession(&Session{UserID: testUserID, Token: testToken, Tier: model.TierFree})

	if err := other.SetActiveConversation(ctx, convID); err != nil {
		t.Fatalf("SetActiveConversation() error: %v", err)
	}
	if other.Transcript().Len() != 2 {
		t.Fatalf("transcript len = %d, want 2", other.Transcript().Len())
	}

	if err := other.SetActiveConversation(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeleteActiveConversationClearsTranscript(t *testing.T) {
	env := newTestEnv(t, []string{"reply"}, true)
	ctx := context.Background()

	if err := env.orch.SendMessage(ctx, "seed"); err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}
	convID := env.orch.ActiveConversationID()

	if err := env.orch.DeleteConversation(ctx, convID); err != nil {
		t.Fatalf("DeleteConversation() error: %v", err)
	}
	if env.orch.ActiveConversationID() != "" {
		t.Fatal("active conversation not cleared")
	}
	if env.orch.Transcript().Len() != 0 {
		t.Fatal("transcript not cleared")
	}

	convs, _ := env.orch.Conversations(ctx)
	if len(convs) != 0 {
		t.Fatalf("deleted conversation still listed: %v", convs)
	}
}
