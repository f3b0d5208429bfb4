package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/oriys/entrypoint/internal/logging"
	"github.com/oriys/entrypoint/internal/metrics"
)

// DefaultForgetTimeout bounds each Forget issued during teardown.
const DefaultForgetTimeout = 5 * time.Second

// Dialer opens a new App.
type Dialer func() (*App, error)

// Guard owns the App of one client and shares it between nested users.
//
// The first Enter dials the App and owns it; every further Enter while the
// App is live only increments the depth. Exit decrements the depth, and the
// Exit matching the owning Enter (depth 0) tears down: it forgets every
// tracked result, then closes the App. No failure during teardown is
// returned; each is logged and counted so one failing step never prevents
// the others.
//
// A Guard is not safe for concurrent use. It supports nested use along one
// call chain; goroutines that need a connection each need their own client.
//
// Invariants:
//   - depth >= 0, and depth > 0 implies app != nil
//   - every result passed to Track is visited exactly once by teardown,
//     unless it was removed earlier with Discard
type Guard struct {
	enabled       bool
	dial          Dialer
	forgetTimeout time.Duration

	depth   int
	app     *App
	tracked []*AsyncResult
}

// NewGuard creates a guard. A disabled guard makes Enter and Exit no-ops,
// which is what clients on HTTP transports use.
func NewGuard(enabled bool, dial Dialer) *Guard {
	return &Guard{enabled: enabled, dial: dial, forgetTimeout: DefaultForgetTimeout}
}

// SetForgetTimeout changes the per-result timeout used during teardown.
func (g *Guard) SetForgetTimeout(d time.Duration) {
	if d > 0 {
		g.forgetTimeout = d
	}
}

// Enter acquires the App, dialing it if no user holds it yet.
func (g *Guard) Enter() error {
	if !g.enabled {
		return nil
	}
	if g.app != nil {
		g.depth++
		return nil
	}
	app, err := g.dial()
	if err != nil {
		return fmt.Errorf("open task queue connection: %w", err)
	}
	if app == nil {
		return fmt.Errorf("open task queue connection: %w", ErrNoApp)
	}
	g.app = app
	g.depth = 0
	metrics.RecordQueueConnectionOpened()
	logging.Op().Debug("task queue connection opened", "app", app.ID())
	return nil
}

// Exit releases one acquisition and tears down when it was the owning one.
func (g *Guard) Exit() {
	if !g.enabled {
		return
	}
	if g.app == nil {
		logging.Op().Warn("task queue guard released without being acquired")
		return
	}
	if g.depth > 0 {
		g.depth--
		return
	}
	g.teardown()
}

// Do runs fn inside one acquisition; the release runs on every path,
// panics included.
func (g *Guard) Do(fn func() error) error {
	if err := g.Enter(); err != nil {
		return err
	}
	defer g.Exit()
	return fn()
}

// App returns the live App, or nil outside an acquisition.
func (g *Guard) App() *App { return g.app }

// Active reports whether an App is live.
func (g *Guard) Active() bool { return g.app != nil }

// Depth returns the number of nested acquisitions beyond the owning one.
func (g *Guard) Depth() int { return g.depth }

// Track records a result to forget at teardown. Duplicates are kept.
func (g *Guard) Track(r *AsyncResult) {
	if r == nil {
		return
	}
	g.tracked = append(g.tracked, r)
	metrics.AddTrackedResults(1)
}

// Tracked returns the tracked results in dispatch order.
func (g *Guard) Tracked() []*AsyncResult {
	out := make([]*AsyncResult, len(g.tracked))
	copy(out, g.tracked)
	return out
}

// Discard forgets r now and stops tracking every occurrence of it.
func (g *Guard) Discard(ctx context.Context, r *AsyncResult) error {
	if r == nil {
		return nil
	}
	kept := g.tracked[:0]
	for _, t := range g.tracked {
		if t != r {
			kept = append(kept, t)
		}
	}
	removed := len(g.tracked) - len(kept)
	clear(g.tracked[len(kept):])
	g.tracked = kept
	metrics.AddTrackedResults(-removed)
	return r.Forget(ctx)
}

func (g *Guard) teardown() {
	app, tracked := g.app, g.tracked
	g.app, g.tracked, g.depth = nil, nil, 0
	metrics.AddTrackedResults(-len(tracked))

	for _, r := range tracked {
		if err := g.forget(r); err != nil {
			metrics.RecordCleanupFailure("forget")
			logging.Op().Warn("failed to forget tracked result", "task", r.Task(), "task_id", r.ID(), "error", err)
		}
	}

	for _, err := range multierr.Errors(app.Close()) {
		step := "close"
		var se *StepError
		if errors.As(err, &se) {
			step = se.Step
		}
		metrics.RecordCleanupFailure(step)
		logging.Op().Warn("task queue connection cleanup went wrong", "app", app.ID(), "step", step, "error", err)
	}
	logging.Op().Debug("task queue connection closed", "app", app.ID(), "forgotten", len(tracked))
}

func (g *Guard) forget(r *AsyncResult) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), g.forgetTimeout)
	defer cancel()
	return r.Forget(ctx)
}
