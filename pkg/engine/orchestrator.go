// SPDX-License-Identifier: Apache-2.0
package engine

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/backstoplabs/backstop/pkg/core"
	"github.com/backstoplabs/backstop/pkg/selector"
)

// toastDuration is how long fallback notifications stay on screen.
const toastDuration = 5 * time.Second

// HandleRateLimitFallback runs one fallback orchestration for the session.
// It resolves the session to its hierarchy root, takes the root's
// orchestration lock, and releases it on every path. It never returns an
// error: failures are logged and metered here so event handlers stay clean.
//
// currentProvider and currentModel name the failing model when the caller
// knows it; left empty, the session's tracked model is used.
func (e *Engine) HandleRateLimitFallback(ctx context.Context, id core.SessionID, currentProvider, currentModel string) {
	if e.destroyed.Load() || id == "" {
		return
	}
	ctx, runID := core.EnsureRunID(ctx)

	target := e.tracker.RootOf(id)
	if !e.locks.TryLockSession(target) {
		e.log.Debug("engine.fallback.session_busy",
			"run_id", runID,
			"session_id", string(target),
		)
		return
	}
	defer e.locks.UnlockSession(target)

	e.orchestrate(ctx, id, target, currentProvider, currentModel)
}

func (e *Engine) orchestrate(ctx context.Context, origin, target core.SessionID, currentProvider, currentModel string) {
	ctx, span := otel.Tracer("backstop/engine").Start(ctx, "engine.fallback",
		trace.WithAttributes(
			attribute.String("session.id", string(target)),
			attribute.String("session.origin", string(origin)),
		),
	)
	defer span.End()

	runID, _ := core.RunID(ctx)
	log := e.log.With("run_id", runID, "session_id", string(target))

	// Resolve the failing model. Events that carry no attribution fall
	// back to the model last seen on the root, then on the origin session.
	if currentProvider == "" || currentModel == "" {
		if m, ok := e.sessions.Model(target); ok {
			currentProvider, currentModel = m.Provider, m.Model
		} else if m, ok := e.sessions.Model(origin); ok {
			currentProvider, currentModel = m.Provider, m.Model
		}
	}
	current := core.ModelRef{Provider: currentProvider, Model: currentModel}
	log.Info("engine.fallback.start", "provider", currentProvider, "model", currentModel)

	e.metrics.RecordRateLimit(ctx, currentProvider, currentModel)
	if !current.IsZero() {
		e.health.RecordFailure(current)
		if b := e.breakerRef(); b != nil {
			b.RecordFailure(current, true)
		}
		if p := e.prioritizerRef(); p != nil {
			p.RecordOutcome(current, false)
		}
	}
	e.journalAppend(ctx, JournalEntry{
		Kind:     JournalDetected,
		Session:  target,
		Provider: currentProvider,
		Model:    currentModel,
	})
	e.toast(ctx, "Rate limit detected",
		fmt.Sprintf("%s hit a rate limit, looking for a fallback model", describeModel(current)),
		core.ToastWarning)

	msgs, err := e.host.ListMessages(ctx, target)
	if err != nil {
		log.Warn("engine.fallback.list_messages_failed", "error", err)
		e.metrics.RecordError(ctx, err, "engine")
		return
	}
	userMsg, ok := core.LastUserMessage(msgs)
	if !ok {
		log.Debug("engine.fallback.no_user_message")
		return
	}
	msgID := userMsg.Info.ID
	span.SetAttributes(attribute.String("message.id", string(msgID)))

	if !e.locks.MarkFallback(target, msgID) {
		log.Debug("engine.fallback.duplicate", "message_id", string(msgID))
		return
	}

	if !e.retries.CanRetry(target, msgID) {
		attempts := e.retries.Attempts(target, msgID)
		log.Warn("engine.fallback.exhausted", "message_id", string(msgID), "attempts", attempts)
		e.metrics.RecordExhausted(ctx, "retry-budget")
		e.toast(ctx, "Fallback exhausted",
			fmt.Sprintf("Gave up after %d attempts, try again later", attempts),
			core.ToastError)
		e.journalAppend(ctx, JournalEntry{
			Kind:    JournalExhausted,
			Session: target,
			Message: msgID,
			Attempt: attempts,
			Detail:  "retry budget exhausted",
		})
		e.clearRun(target, msgID)
		return
	}

	delay := e.retries.NextDelay(target, msgID)
	if delay > 0 {
		log.Debug("engine.fallback.backoff", "delay", delay)
		if err := e.sleep(ctx, delay); err != nil {
			log.Debug("engine.fallback.canceled", "error", err)
			return
		}
	}

	attempted := make(map[core.ModelRef]bool)
	for _, m := range e.retries.AttemptedModels(target, msgID) {
		attempted[m] = true
	}
	sel := e.selector.Select(currentProvider, currentModel, attempted)
	if sel == nil {
		mode := e.config().Mode
		log.Warn("engine.fallback.no_candidate", "mode", string(mode))
		e.metrics.RecordExhausted(ctx, "no-candidate")
		e.toast(ctx, "No fallback available", noCandidateMessage(mode), core.ToastError)
		e.journalAppend(ctx, JournalEntry{
			Kind:    JournalExhausted,
			Session: target,
			Message: msgID,
			Detail:  "no candidate available",
		})
		e.clearRun(target, msgID)
		return
	}
	next := sel.Model

	e.retries.RecordRetry(target, msgID, next, delay)
	attempt := e.retries.Attempts(target, msgID)
	e.metrics.RecordAttempt(ctx, next.Provider, next.Model, attempt)
	e.journalAppend(ctx, JournalEntry{
		Kind:     JournalRetry,
		Session:  target,
		Message:  msgID,
		Provider: next.Provider,
		Model:    next.Model,
		Attempt:  attempt,
	})
	retrying := fmt.Sprintf("Retrying with %s", next.Key())
	if sel.LastResort {
		retrying += " (last resort)"
	}
	e.toast(ctx, "Model fallback", retrying, core.ToastInfo)
	log.Info("engine.fallback.retry",
		"model", next.Key(),
		"attempt", attempt,
		"delay", delay,
		"last_resort", sel.LastResort,
	)

	parts := promptParts(userMsg)
	if len(parts) == 0 {
		log.Debug("engine.fallback.no_parts", "message_id", string(msgID))
		return
	}

	agent := e.resolveAgent(ctx, target)
	e.sessions.SetModel(target, next)
	e.sessions.SetAgent(target, agent)
	e.propagate(target, next, agent)

	started := e.now()
	if err := e.reprompt(ctx, target, parts, next, agent); err != nil {
		log.Warn("engine.fallback.reprompt_failed", "model", next.Key(), "error", err)
		e.metrics.RecordError(ctx, err, "engine")
		e.retries.RecordFailure(target)
		return
	}
	elapsed := e.now().Sub(started)

	e.health.RecordSuccess(next, elapsed)
	if p := e.prioritizerRef(); p != nil {
		p.RecordOutcome(next, true)
	}
	e.retries.RecordSuccess(target, next)
	e.retries.Reset(target, msgID)
	e.tracker.NoteFallback(target)
	// The dedup stamp stays; the completion event for the re-prompted
	// message clears it via the pending mark.
	e.locks.NotePending(target, msgID)
	e.metrics.RecordSuccess(ctx, next.Provider, next.Model)
	e.journalAppend(ctx, JournalEntry{
		Kind:     JournalSuccess,
		Session:  target,
		Message:  msgID,
		Provider: next.Provider,
		Model:    next.Model,
		Attempt:  attempt,
	})
	e.toast(ctx, "Model fallback", fmt.Sprintf("Switched to %s", next.Key()), core.ToastSuccess)
	log.Info("engine.fallback.success", "model", next.Key(), "elapsed", elapsed)
}

// clearRun drops a message's retry run and dedup stamp after a terminal
// failure, so a later genuine user action starts with a fresh budget.
func (e *Engine) clearRun(target core.SessionID, msgID core.MessageID) {
	e.retries.Reset(target, msgID)
	e.retries.RecordFailure(target)
	e.locks.ClearFallback(target, msgID)
}

// reprompt re-submits parts on the next model. Sessions without a tracked
// agent get the prompt first and the abort after: the host queues the new
// prompt and aborting the stalled generation lets it start. Sessions bound
// to a custom agent need the reverse order plus a settle pause, or the
// host rebinds the default agent to the new prompt.
func (e *Engine) reprompt(ctx context.Context, target core.SessionID, parts []core.MessagePart, next core.ModelRef, agent string) error {
	if agent == "" {
		if err := e.host.SendPromptAsync(ctx, target, parts, next, ""); err != nil {
			return err
		}
		e.abort(ctx, target)
		return nil
	}

	e.abort(ctx, target)
	if err := e.sleep(ctx, e.agentSettle); err != nil {
		return err
	}
	return e.host.SendPromptAsync(ctx, target, parts, next, agent)
}

// abort stops the session's current generation. Abort failures are
// expected when nothing is generating and are swallowed at debug.
func (e *Engine) abort(ctx context.Context, target core.SessionID) {
	if err := e.host.AbortSession(ctx, target); err != nil {
		e.log.Debug("engine.fallback.abort_failed", "session_id", string(target), "error", err)
	}
}

// resolveAgent returns the session's custom agent, if any, consulting the
// host when the store has not seen one. Lookup failures mean the default
// agent path.
func (e *Engine) resolveAgent(ctx context.Context, target core.SessionID) string {
	if agent, ok := e.sessions.Agent(target); ok {
		return agent
	}
	info, err := e.host.GetSession(ctx, target)
	if err != nil {
		e.log.Debug("engine.fallback.get_session_failed", "session_id", string(target), "error", err)
		return ""
	}
	e.sessions.SetAgent(target, info.Agent)
	return info.Agent
}

// propagate fans the chosen model and agent out to every member of the
// target's hierarchy, so subagents resume on the same model as their root.
func (e *Engine) propagate(target core.SessionID, model core.ModelRef, agent string) {
	h, ok := e.tracker.Hierarchy(target)
	if !ok {
		return
	}
	for _, member := range h.Subagents {
		e.sessions.SetModel(member, model)
		e.sessions.SetAgent(member, agent)
	}
	e.tracker.Touch(target)
}

// toast shows a best-effort host notification.
func (e *Engine) toast(ctx context.Context, title, message string, variant core.ToastVariant) {
	if e.host == nil {
		return
	}
	t := core.Toast{Title: title, Message: message, Variant: variant, Duration: toastDuration}
	if err := e.host.ShowToast(ctx, t); err != nil {
		e.log.Debug("engine.toast.failed", "title", title, "error", err)
	}
}

// promptParts extracts the re-promptable fragments of a message in their
// original order.
func promptParts(msg core.Message) []core.MessagePart {
	parts := make([]core.MessagePart, 0, len(msg.Parts))
	for _, p := range msg.Parts {
		switch p.Type {
		case core.PartText, core.PartImage, core.PartFile:
			parts = append(parts, p)
		}
	}
	return parts
}

func noCandidateMessage(mode selector.Mode) string {
	if mode == selector.ModeStop {
		return "Model chain exhausted and fallback mode is stop"
	}
	return "All fallback candidates are cooling down or unavailable"
}

func describeModel(m core.ModelRef) string {
	if m.IsZero() {
		return "The current model"
	}
	return m.Key()
}
