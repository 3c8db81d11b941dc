package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"planpilot/internal/agent"
	"planpilot/internal/protocol"
)

// runOutcome is the result of one bounded step execution attempt.
type runOutcome struct {
	event    protocol.ControlEvent
	decoded  bool
	timedOut bool
	text     string
	usage    agent.Usage
	err      error
}

// runStep executes one step against the capability, bounded by the
// intermediate-response budget. Three waits race: the invocation finishing,
// the budget timer, and the first decoded event matching the current step.
//
// The capability is invoked on a non-cancellable context: when the timer (or
// an early event) wins, the invocation is abandoned, never cancelled. The
// remote capability has no cancellation primitive, and a later invocation
// resumes against fresh state rather than joining the abandoned run.
func (e *Engine) runStep(ctx context.Context, req agent.InvokeRequest, stepOrder int, budget time.Duration) runOutcome {
	var mu sync.Mutex
	var partial strings.Builder
	var matched protocol.ControlEvent
	haveMatch := false

	// Buffered so the streaming goroutine never blocks after the select
	// below has moved on.
	eventCh := make(chan protocol.ControlEvent, 1)
	done := make(chan struct{})
	var result *agent.InvokeResult
	var invokeErr error

	onEvent := func(sev agent.StepEvent) {
		mu.Lock()
		defer mu.Unlock()
		if sev.Text != "" {
			partial.WriteString(sev.Text)
		}
		if haveMatch {
			return
		}
		ev, ok := protocol.Decode(sev.Text)
		if !ok {
			return
		}
		if ev.Step != stepOrder {
			e.logger.Debug("discarding event for different step",
				zap.Int("current_step", stepOrder),
				zap.Int("event_step", ev.Step),
				zap.String("event", string(ev.Kind)))
			return
		}
		haveMatch = true
		matched = ev
		eventCh <- ev
	}

	go func() {
		defer close(done)
		// Detached from the caller's deadline; the race below bounds the
		// caller, not the invocation.
		result, invokeErr = e.capability.Invoke(context.WithoutCancel(ctx), req, onEvent)
	}()

	timer := time.NewTimer(budget)
	defer timer.Stop()

	snapshot := func() string {
		mu.Lock()
		defer mu.Unlock()
		return strings.TrimSpace(partial.String())
	}

	select {
	case <-done:
		if invokeErr != nil {
			return runOutcome{err: invokeErr, text: snapshot()}
		}
		out := runOutcome{text: result.Text, usage: result.Usage}
		if out.text == "" {
			out.text = snapshot()
		}
		mu.Lock()
		if haveMatch {
			out.event = matched
			out.decoded = true
		}
		mu.Unlock()
		if !out.decoded {
			// Final-text fallback pass.
			if ev, ok := protocol.Decode(out.text); ok {
				if ev.Step == stepOrder {
					out.event = ev
					out.decoded = true
				} else {
					e.logger.Debug("discarding event for different step",
						zap.Int("current_step", stepOrder),
						zap.Int("event_step", ev.Step),
						zap.String("event", string(ev.Kind)))
				}
			}
		}
		return out

	case ev := <-eventCh:
		// The agent declared the step outcome while still narrating; do not
		// wait for the stream to finish.
		return runOutcome{event: ev, decoded: true, text: snapshot()}

	case <-timer.C:
		e.logger.Info("step budget elapsed, abandoning invocation",
			zap.Int("step", stepOrder),
			zap.Duration("budget", budget))
		return runOutcome{timedOut: true, text: snapshot()}

	case <-ctx.Done():
		// Caller gave up; treat like the budget elapsing. The invocation
		// keeps running in the background.
		return runOutcome{timedOut: true, text: snapshot()}
	}
}
