// SPDX-License-Identifier: Apache-2.0
package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/backstoplabs/backstop/pkg/core"
	"github.com/backstoplabs/backstop/pkg/hosttest"
	"github.com/backstoplabs/backstop/pkg/retry"
	"github.com/backstoplabs/backstop/pkg/selector"
)

var (
	modelA = core.ModelRef{Provider: "anthropic", Model: "claude-sonnet"}
	modelB = core.ModelRef{Provider: "openai", Model: "gpt-4o"}
	modelC = core.ModelRef{Provider: "google", Model: "gemini-pro"}
)

func testConfig() Config {
	return Config{
		Models:                 []core.ModelRef{modelA, modelB, modelC},
		Cooldown:               5 * time.Minute,
		Mode:                   selector.ModeCycle,
		RetryPolicy:            retry.Policy{MaxRetries: 3, Strategy: retry.StrategyImmediate},
		EnableSubagentFallback: true,
	}
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *hosttest.Adapter) {
	t.Helper()
	adapter := hosttest.New()
	e := New(cfg, adapter, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	e.sleep = func(context.Context, time.Duration) error { return nil }
	t.Cleanup(e.Destroy)
	return e, adapter
}

// disableDedup shrinks the lock windows to a nanosecond so back-to-back
// orchestrations for the same message are admitted.
func disableDedup(e *Engine) {
	e.locks.UpdateConfig(time.Nanosecond, time.Nanosecond)
}

func callOrder(t *testing.T, adapter *hosttest.Adapter) (promptIdx, abortIdx int) {
	t.Helper()
	promptIdx, abortIdx = -1, -1
	for i, c := range adapter.Calls() {
		switch c.Method {
		case hosttest.MethodPrompt:
			promptIdx = i
		case hosttest.MethodAbort:
			abortIdx = i
		}
	}
	return promptIdx, abortIdx
}

func lastToast(adapter *hosttest.Adapter) (core.Toast, bool) {
	toasts := adapter.CallsTo(hosttest.MethodToast)
	if len(toasts) == 0 {
		return core.Toast{}, false
	}
	return toasts[len(toasts)-1].Toast, true
}

func TestFallbackPromptsBeforeAbortByDefault(t *testing.T) {
	e, adapter := newTestEngine(t, testConfig())
	adapter.SetMessages("sess-1", []core.Message{
		hosttest.UserMessage("sess-1", "msg-1", "summarize the report"),
		hosttest.AssistantMessage("sess-1", "msg-2", modelA, core.StatusError),
	})

	e.HandleRateLimitFallback(context.Background(), "sess-1", modelA.Provider, modelA.Model)

	prompts := adapter.CallsTo(hosttest.MethodPrompt)
	if len(prompts) != 1 {
		t.Fatalf("prompts = %d, want 1", len(prompts))
	}
	if prompts[0].Model != modelB {
		t.Errorf("re-prompt model = %v, want %v", prompts[0].Model, modelB)
	}
	if prompts[0].Agent != "" {
		t.Errorf("agent = %q, want empty", prompts[0].Agent)
	}
	if len(prompts[0].Parts) != 1 || prompts[0].Parts[0].Text != "summarize the report" {
		t.Errorf("parts = %+v, want the original user text", prompts[0].Parts)
	}

	promptIdx, abortIdx := callOrder(t, adapter)
	if abortIdx == -1 {
		t.Fatal("expected an abort after the prompt")
	}
	if promptIdx > abortIdx {
		t.Errorf("prompt at %d after abort at %d; default sessions queue the prompt first", promptIdx, abortIdx)
	}

	toast, ok := lastToast(adapter)
	if !ok || toast.Variant != core.ToastSuccess {
		t.Errorf("last toast = %+v, want a success toast", toast)
	}
}

func TestFallbackAgentSessionAbortsFirst(t *testing.T) {
	e, adapter := newTestEngine(t, testConfig())
	adapter.SetMessages("sess-1", []core.Message{
		hosttest.UserMessage("sess-1", "msg-1", "plan the migration"),
	})
	e.sessions.SetAgent("sess-1", "planner")

	var slept []time.Duration
	e.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	e.HandleRateLimitFallback(context.Background(), "sess-1", modelA.Provider, modelA.Model)

	prompts := adapter.CallsTo(hosttest.MethodPrompt)
	if len(prompts) != 1 {
		t.Fatalf("prompts = %d, want 1", len(prompts))
	}
	if prompts[0].Agent != "planner" {
		t.Errorf("agent = %q, want planner", prompts[0].Agent)
	}

	promptIdx, abortIdx := callOrder(t, adapter)
	if promptIdx == -1 || abortIdx == -1 {
		t.Fatalf("want both abort and prompt, got %+v", adapter.Calls())
	}
	if abortIdx > promptIdx {
		t.Errorf("abort at %d after prompt at %d; agent sessions abort first", abortIdx, promptIdx)
	}

	settled := false
	for _, d := range slept {
		if d == agentSettleDelay {
			settled = true
		}
	}
	if !settled {
		t.Errorf("slept %v, want a %v settle pause between abort and prompt", slept, agentSettleDelay)
	}
}

func TestFallbackResolvesAgentFromHost(t *testing.T) {
	e, adapter := newTestEngine(t, testConfig())
	adapter.SetMessages("sess-1", []core.Message{
		hosttest.UserMessage("sess-1", "msg-1", "review the diff"),
	})
	adapter.SetSessionInfo("sess-1", core.SessionInfo{Agent: "reviewer"})

	e.HandleRateLimitFallback(context.Background(), "sess-1", modelA.Provider, modelA.Model)

	prompts := adapter.CallsTo(hosttest.MethodPrompt)
	if len(prompts) != 1 {
		t.Fatalf("prompts = %d, want 1", len(prompts))
	}
	if prompts[0].Agent != "reviewer" {
		t.Errorf("agent = %q, want reviewer from host lookup", prompts[0].Agent)
	}
	if agent, ok := e.sessions.Agent("sess-1"); !ok || agent != "reviewer" {
		t.Errorf("cached agent = %q/%v, want reviewer cached after lookup", agent, ok)
	}
}

func TestFallbackSkipsAttemptedModels(t *testing.T) {
	e, adapter := newTestEngine(t, testConfig())
	disableDedup(e)
	adapter.SetMessages("sess-1", []core.Message{
		hosttest.UserMessage("sess-1", "msg-1", "keep going"),
	})
	// The first re-prompt fails, so the run survives with the chosen model
	// recorded as attempted. The model is never cooled by a failed send; the
	// retry must skip it on the attempted set alone.
	adapter.FailWith(hosttest.MethodPrompt, errors.New("transient"))

	ctx := context.Background()
	e.HandleRateLimitFallback(ctx, "sess-1", modelA.Provider, modelA.Model)
	adapter.FailWith(hosttest.MethodPrompt, nil)
	e.HandleRateLimitFallback(ctx, "sess-1", modelA.Provider, modelA.Model)

	prompts := adapter.CallsTo(hosttest.MethodPrompt)
	if len(prompts) != 2 {
		t.Fatalf("prompts = %d, want 2", len(prompts))
	}
	if prompts[0].Model != modelB {
		t.Errorf("first fallback = %v, want %v", prompts[0].Model, modelB)
	}
	if prompts[1].Model != modelC {
		t.Errorf("second fallback = %v, want %v; attempted models must be skipped", prompts[1].Model, modelC)
	}
	if e.cooldowns.IsLimited(modelB) {
		t.Errorf("%v on cooldown; the skip must come from the attempted set", modelB)
	}
}

func TestFallbackExhaustsRetryBudget(t *testing.T) {
	cfg := testConfig()
	cfg.RetryPolicy = retry.Policy{MaxRetries: 2, Strategy: retry.StrategyImmediate}
	e, adapter := newTestEngine(t, cfg)
	disableDedup(e)
	adapter.SetMessages("sess-1", []core.Message{
		hosttest.UserMessage("sess-1", "msg-1", "keep going"),
	})
	// A successful re-prompt clears the run, so only failed sends count
	// against the budget.
	adapter.FailWith(hosttest.MethodPrompt, errors.New("session gone"))

	ctx := context.Background()
	e.HandleRateLimitFallback(ctx, "sess-1", modelA.Provider, modelA.Model)
	e.HandleRateLimitFallback(ctx, "sess-1", modelB.Provider, modelB.Model)
	e.HandleRateLimitFallback(ctx, "sess-1", modelC.Provider, modelC.Model)

	prompts := adapter.CallsTo(hosttest.MethodPrompt)
	if len(prompts) != 2 {
		t.Fatalf("prompts = %d, want 2 before the budget runs out", len(prompts))
	}
	if prompts[0].Model != modelB || prompts[1].Model != modelC {
		t.Errorf("attempted = %v,%v, want %v,%v", prompts[0].Model, prompts[1].Model, modelB, modelC)
	}

	toast, ok := lastToast(adapter)
	if !ok || toast.Title != "Fallback exhausted" || toast.Variant != core.ToastError {
		t.Errorf("last toast = %+v, want the exhaustion notice", toast)
	}

	if got := e.retries.Attempts("sess-1", "msg-1"); got != 0 {
		t.Errorf("attempts after exhaustion = %d, want 0 (run cleared)", got)
	}
	if e.locks.FallbackInProgress("sess-1", "msg-1") {
		t.Error("dedup stamp survived exhaustion, want it cleared")
	}
	stats, ok := e.SessionRetryStats("sess-1")
	if !ok {
		t.Fatal("no session retry stats recorded")
	}
	if stats.TotalRetries != 2 {
		t.Errorf("total retries = %d, want 2", stats.TotalRetries)
	}
	if stats.Failures != 3 {
		t.Errorf("session failures = %d, want 3: two failed re-prompts plus the exhaustion", stats.Failures)
	}
	if stats.Successes != 0 {
		t.Errorf("session successes = %d, want 0", stats.Successes)
	}
}

func TestFallbackStopModeGivesUpAtChainEnd(t *testing.T) {
	cfg := testConfig()
	cfg.Models = []core.ModelRef{modelA, modelB}
	cfg.Mode = selector.ModeStop
	e, adapter := newTestEngine(t, cfg)
	disableDedup(e)
	adapter.SetMessages("sess-1", []core.Message{
		hosttest.UserMessage("sess-1", "msg-1", "keep going"),
	})

	ctx := context.Background()
	e.HandleRateLimitFallback(ctx, "sess-1", modelA.Provider, modelA.Model)
	e.HandleRateLimitFallback(ctx, "sess-1", modelB.Provider, modelB.Model)

	if prompts := adapter.CallsTo(hosttest.MethodPrompt); len(prompts) != 1 {
		t.Fatalf("prompts = %d, want 1; stop mode must not cycle", len(prompts))
	}
	toast, ok := lastToast(adapter)
	if !ok || toast.Title != "No fallback available" {
		t.Errorf("last toast = %+v, want the no-candidate notice", toast)
	}
	if got := e.retries.Attempts("sess-1", "msg-1"); got != 0 {
		t.Errorf("attempts after no-candidate = %d, want 0 (run cleared)", got)
	}
	if e.locks.FallbackInProgress("sess-1", "msg-1") {
		t.Error("dedup stamp survived the no-candidate exit, want it cleared")
	}
}

func TestFallbackDuplicateMessageSkipped(t *testing.T) {
	e, adapter := newTestEngine(t, testConfig())
	adapter.SetMessages("sess-1", []core.Message{
		hosttest.UserMessage("sess-1", "msg-1", "keep going"),
	})

	ctx := context.Background()
	e.HandleRateLimitFallback(ctx, "sess-1", modelA.Provider, modelA.Model)
	e.HandleRateLimitFallback(ctx, "sess-1", modelA.Provider, modelA.Model)

	if prompts := adapter.CallsTo(hosttest.MethodPrompt); len(prompts) != 1 {
		t.Errorf("prompts = %d, want 1; second run inside the dedup window must skip", len(prompts))
	}
}

func TestFallbackSessionBusySkips(t *testing.T) {
	e, adapter := newTestEngine(t, testConfig())
	adapter.SetMessages("sess-1", []core.Message{
		hosttest.UserMessage("sess-1", "msg-1", "keep going"),
	})
	if !e.locks.TryLockSession("sess-1") {
		t.Fatal("could not take the session lock")
	}
	defer e.locks.UnlockSession("sess-1")

	e.HandleRateLimitFallback(context.Background(), "sess-1", modelA.Provider, modelA.Model)

	if calls := adapter.Calls(); len(calls) != 0 {
		t.Errorf("calls = %+v, want none while the session is locked", calls)
	}
}

func TestFallbackNoUserMessage(t *testing.T) {
	e, adapter := newTestEngine(t, testConfig())
	adapter.SetMessages("sess-1", []core.Message{
		hosttest.AssistantMessage("sess-1", "msg-1", modelA, core.StatusError),
	})

	e.HandleRateLimitFallback(context.Background(), "sess-1", modelA.Provider, modelA.Model)

	if prompts := adapter.CallsTo(hosttest.MethodPrompt); len(prompts) != 0 {
		t.Errorf("prompts = %d, want 0 without a user message", len(prompts))
	}
	if aborts := adapter.CallsTo(hosttest.MethodAbort); len(aborts) != 0 {
		t.Errorf("aborts = %d, want 0 without a user message", len(aborts))
	}
}

func TestFallbackListMessagesFailure(t *testing.T) {
	e, adapter := newTestEngine(t, testConfig())
	adapter.FailWith(hosttest.MethodListMessages, errors.New("host unreachable"))

	e.HandleRateLimitFallback(context.Background(), "sess-1", modelA.Provider, modelA.Model)

	if prompts := adapter.CallsTo(hosttest.MethodPrompt); len(prompts) != 0 {
		t.Errorf("prompts = %d, want 0 when the transcript cannot be read", len(prompts))
	}
}

func TestFallbackRepromptFailureRecordsFailure(t *testing.T) {
	e, adapter := newTestEngine(t, testConfig())
	adapter.SetMessages("sess-1", []core.Message{
		hosttest.UserMessage("sess-1", "msg-1", "keep going"),
	})
	adapter.FailWith(hosttest.MethodPrompt, errors.New("session gone"))

	e.HandleRateLimitFallback(context.Background(), "sess-1", modelA.Provider, modelA.Model)

	stats, ok := e.SessionRetryStats("sess-1")
	if !ok {
		t.Fatal("no session retry stats recorded")
	}
	if stats.Failures != 1 {
		t.Errorf("failures = %d, want 1 after a failed re-prompt", stats.Failures)
	}
	if stats.Successes != 0 {
		t.Errorf("successes = %d, want 0 after a failed re-prompt", stats.Successes)
	}
	if _, ok := e.locks.TakePending("sess-1"); ok {
		t.Error("pending mark set after a failed re-prompt, want none")
	}
	if toast, _ := lastToast(adapter); toast.Variant == core.ToastSuccess {
		t.Error("success toast shown after a failed re-prompt")
	}
}

func TestFallbackResolvesCurrentModelFromSession(t *testing.T) {
	e, adapter := newTestEngine(t, testConfig())
	adapter.SetMessages("sess-1", []core.Message{
		hosttest.UserMessage("sess-1", "msg-1", "keep going"),
	})
	e.sessions.SetModel("sess-1", modelB)

	e.HandleRateLimitFallback(context.Background(), "sess-1", "", "")

	prompts := adapter.CallsTo(hosttest.MethodPrompt)
	if len(prompts) != 1 {
		t.Fatalf("prompts = %d, want 1", len(prompts))
	}
	if prompts[0].Model != modelC {
		t.Errorf("fallback = %v, want %v (next after the tracked model)", prompts[0].Model, modelC)
	}
	if !e.cooldowns.IsLimited(modelB) {
		t.Error("tracked model not marked limited")
	}
}

func TestFallbackUnknownCurrentPicksChainHead(t *testing.T) {
	e, adapter := newTestEngine(t, testConfig())
	adapter.SetMessages("sess-1", []core.Message{
		hosttest.UserMessage("sess-1", "msg-1", "keep going"),
	})

	e.HandleRateLimitFallback(context.Background(), "sess-1", "", "")

	prompts := adapter.CallsTo(hosttest.MethodPrompt)
	if len(prompts) != 1 {
		t.Fatalf("prompts = %d, want 1", len(prompts))
	}
	if prompts[0].Model != modelA {
		t.Errorf("fallback = %v, want the chain head %v for an unattributed failure", prompts[0].Model, modelA)
	}
}

func TestFallbackRetargetsHierarchyRoot(t *testing.T) {
	e, adapter := newTestEngine(t, testConfig())
	adapter.SetMessages("root-1", []core.Message{
		hosttest.UserMessage("root-1", "msg-1", "coordinate the task"),
	})

	ctx := context.Background()
	e.HandleEvent(ctx, core.SubagentCreated{SessionID: "child-1", ParentSessionID: "root-1"})
	e.HandleEvent(ctx, core.SubagentCreated{SessionID: "child-2", ParentSessionID: "root-1"})

	e.HandleRateLimitFallback(ctx, "child-1", modelA.Provider, modelA.Model)

	lists := adapter.CallsTo(hosttest.MethodListMessages)
	if len(lists) != 1 || lists[0].Session != "root-1" {
		t.Fatalf("list_messages = %+v, want one call against the root", lists)
	}
	prompts := adapter.CallsTo(hosttest.MethodPrompt)
	if len(prompts) != 1 || prompts[0].Session != "root-1" {
		t.Fatalf("prompts = %+v, want one re-prompt against the root", prompts)
	}

	for _, id := range []core.SessionID{"root-1", "child-1", "child-2"} {
		m, ok := e.sessions.Model(id)
		if !ok || m != modelB {
			t.Errorf("session %s model = %v/%v, want %v propagated", id, m, ok, modelB)
		}
	}
}

func TestFallbackSubagentTrackingDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.EnableSubagentFallback = false
	e, adapter := newTestEngine(t, cfg)
	adapter.SetMessages("child-1", []core.Message{
		hosttest.UserMessage("child-1", "msg-1", "child task"),
	})

	ctx := context.Background()
	e.HandleEvent(ctx, core.SubagentCreated{SessionID: "child-1", ParentSessionID: "root-1"})
	e.HandleRateLimitFallback(ctx, "child-1", modelA.Provider, modelA.Model)

	lists := adapter.CallsTo(hosttest.MethodListMessages)
	if len(lists) != 1 || lists[0].Session != "child-1" {
		t.Fatalf("list_messages = %+v, want the child itself when tracking is off", lists)
	}
}

func TestFallbackCanceledDuringBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.RetryPolicy = retry.Policy{MaxRetries: 3, Strategy: retry.StrategyLinear, BaseDelay: time.Second, MaxDelay: time.Minute}
	e, adapter := newTestEngine(t, cfg)
	adapter.SetMessages("sess-1", []core.Message{
		hosttest.UserMessage("sess-1", "msg-1", "keep going"),
	})
	e.sleep = func(ctx context.Context, d time.Duration) error { return context.Canceled }

	e.HandleRateLimitFallback(context.Background(), "sess-1", modelA.Provider, modelA.Model)

	if prompts := adapter.CallsTo(hosttest.MethodPrompt); len(prompts) != 0 {
		t.Errorf("prompts = %d, want 0 when the backoff wait is canceled", len(prompts))
	}
}

func TestFallbackFiltersNonPromptableParts(t *testing.T) {
	e, adapter := newTestEngine(t, testConfig())
	adapter.SetMessages("sess-1", []core.Message{
		{
			Info: core.MessageInfo{ID: "msg-1", SessionID: "sess-1", Role: core.RoleUser, Status: core.StatusCompleted},
			Parts: []core.MessagePart{
				{Type: core.PartText, Text: "describe this"},
				{Type: core.PartType("tool"), Text: "internal"},
				{Type: core.PartImage, URL: "https://example.test/shot.png", MIME: "image/png"},
				{Type: core.PartFile, URL: "file:///tmp/notes.txt", Filename: "notes.txt"},
			},
		},
	})

	e.HandleRateLimitFallback(context.Background(), "sess-1", modelA.Provider, modelA.Model)

	prompts := adapter.CallsTo(hosttest.MethodPrompt)
	if len(prompts) != 1 {
		t.Fatalf("prompts = %d, want 1", len(prompts))
	}
	parts := prompts[0].Parts
	if len(parts) != 3 {
		t.Fatalf("parts = %d, want 3 with the tool part dropped", len(parts))
	}
	if parts[0].Type != core.PartText || parts[1].Type != core.PartImage || parts[2].Type != core.PartFile {
		t.Errorf("part order = %v,%v,%v, want text,image,file preserved", parts[0].Type, parts[1].Type, parts[2].Type)
	}
}

func TestFallbackMarksCurrentModelLimited(t *testing.T) {
	e, adapter := newTestEngine(t, testConfig())
	adapter.SetMessages("sess-1", []core.Message{
		hosttest.UserMessage("sess-1", "msg-1", "keep going"),
	})

	e.HandleRateLimitFallback(context.Background(), "sess-1", modelA.Provider, modelA.Model)

	if !e.cooldowns.IsLimited(modelA) {
		t.Error("failing model not on cooldown after fallback")
	}
	if e.cooldowns.IsLimited(modelB) {
		t.Error("chosen model on cooldown after a successful fallback")
	}
	snap := e.HealthSnapshot()
	if snap[modelA].Failures != 1 {
		t.Errorf("health failures for %v = %d, want 1", modelA, snap[modelA].Failures)
	}
	if snap[modelB].Successes != 1 {
		t.Errorf("health successes for %v = %d, want 1", modelB, snap[modelB].Successes)
	}
}

func TestFallbackLastResortToast(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = selector.ModeRetryLast
	e, adapter := newTestEngine(t, cfg)
	adapter.SetMessages("sess-1", []core.Message{
		hosttest.UserMessage("sess-1", "msg-1", "keep going"),
	})

	// Chain exhausted except the tail: the head is cooling and the tail
	// was already tried but is back out of cooldown.
	e.cooldowns.MarkLimited(modelA)
	e.retries.RecordRetry("sess-1", "msg-1", modelC, 0)

	e.HandleRateLimitFallback(context.Background(), "sess-1", modelB.Provider, modelB.Model)

	prompts := adapter.CallsTo(hosttest.MethodPrompt)
	if len(prompts) != 1 {
		t.Fatalf("prompts = %d, want 1", len(prompts))
	}
	if prompts[0].Model != modelC {
		t.Errorf("last resort = %v, want %v", prompts[0].Model, modelC)
	}

	var retryToast core.Toast
	for _, c := range adapter.CallsTo(hosttest.MethodToast) {
		if c.Toast.Title == "Model fallback" && c.Toast.Variant == core.ToastInfo {
			retryToast = c.Toast
		}
	}
	want := "Retrying with " + modelC.Key() + " (last resort)"
	if retryToast.Message != want {
		t.Errorf("retry toast = %q, want %q", retryToast.Message, want)
	}
}

func TestClearRunFreshBudgetAfterExhaustion(t *testing.T) {
	cfg := testConfig()
	cfg.RetryPolicy = retry.Policy{MaxRetries: 1, Strategy: retry.StrategyImmediate}
	e, adapter := newTestEngine(t, cfg)
	disableDedup(e)
	adapter.SetMessages("sess-1", []core.Message{
		hosttest.UserMessage("sess-1", "msg-1", "keep going"),
	})
	adapter.FailWith(hosttest.MethodPrompt, errors.New("session gone"))

	ctx := context.Background()
	e.HandleRateLimitFallback(ctx, "sess-1", modelA.Provider, modelA.Model) // uses the single retry
	e.HandleRateLimitFallback(ctx, "sess-1", modelB.Provider, modelB.Model) // exhausted, clears the run
	e.HandleRateLimitFallback(ctx, "sess-1", modelB.Provider, modelB.Model) // fresh budget

	prompts := adapter.CallsTo(hosttest.MethodPrompt)
	if len(prompts) != 2 {
		t.Errorf("prompts = %d, want 2: one before exhaustion, one on the fresh budget", len(prompts))
	}

	exhausted := 0
	for _, c := range adapter.CallsTo(hosttest.MethodToast) {
		if c.Toast.Title == "Fallback exhausted" {
			exhausted++
		}
	}
	if exhausted != 1 {
		t.Errorf("exhaustion toasts = %d, want 1", exhausted)
	}
}

func TestHandleRateLimitFallbackIgnoresEmptySession(t *testing.T) {
	e, adapter := newTestEngine(t, testConfig())

	e.HandleRateLimitFallback(context.Background(), "", modelA.Provider, modelA.Model)

	if calls := adapter.Calls(); len(calls) != 0 {
		t.Errorf("calls = %+v, want none for an empty session id", calls)
	}
}
