package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/jrortiz726/plex-raw-extract/internal/extractor"
	"github.com/jrortiz726/plex-raw-extract/internal/obslog"
	"github.com/jrortiz726/plex-raw-extract/internal/watermark"
)

// registration pairs a domain extractor with the watermark store it
// owns for the process lifetime.
type registration struct {
	name      string
	extractor extractor.Extractor
	watermark *watermark.Store
}

// Runner is the sequential orchestrator (§4.8): it registers named
// extractors, runs a selected subset in registration order each
// iteration, and records per-extractor RunStatus. A shutdown signal is
// carried by ctx cancellation and is polled between iterations and
// between extractors — a currently running extractor cycle always
// finishes.
type Runner struct {
	sink   extractor.RawSink
	logger *obslog.ContextLogger
	now    func() time.Time

	order         []string
	registrations map[string]registration
	status        *statusTable
}

// Config configures a Runner.
type Config struct {
	Sink   extractor.RawSink
	Logger *obslog.ContextLogger
	Now    func() time.Time
}

// New constructs an empty Runner; extractors are added via Register.
func New(cfg Config) *Runner {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Runner{
		sink:          cfg.Sink,
		logger:        cfg.Logger,
		now:           now,
		registrations: make(map[string]registration),
		status:        newStatusTable(),
	}
}

// Register adds a named extractor, in registration order, owning wm as
// its watermark store for the process lifetime.
func (r *Runner) Register(name string, ex extractor.Extractor, wm *watermark.Store) {
	if _, exists := r.registrations[name]; !exists {
		r.order = append(r.order, name)
	}
	r.registrations[name] = registration{name: name, extractor: ex, watermark: wm}
}

// Names returns every registered extractor name, in registration order.
func (r *Runner) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Status returns a snapshot of every extractor's run status.
func (r *Runner) Status() map[string]RunStatus {
	return r.status.Snapshot()
}

// resolveSelection returns the registered names to run: all of them if
// selected is empty, else the intersection with selected (preserving
// registration order), erroring on any name that was never registered.
func (r *Runner) resolveSelection(selected []string) ([]string, error) {
	if len(selected) == 0 {
		return r.order, nil
	}

	want := make(map[string]bool, len(selected))
	for _, name := range selected {
		want[name] = true
	}

	out := make([]string, 0, len(selected))
	for _, name := range r.order {
		if want[name] {
			out = append(out, name)
			delete(want, name)
		}
	}
	for name := range want {
		return nil, fmt.Errorf("unknown extractor %q", name)
	}
	return out, nil
}

// RunOnce runs every selected extractor sequentially, one cycle each,
// recording status and logging — but never failing — per-extractor
// errors so the rest of the selection still runs.
func (r *Runner) RunOnce(ctx context.Context, selected []string) error {
	names, err := r.resolveSelection(selected)
	if err != nil {
		return err
	}

	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		r.runExtractor(ctx, name)
	}
	return nil
}

func (r *Runner) runExtractor(ctx context.Context, name string) {
	reg := r.registrations[name]
	r.status.markStarted(name)

	deps := extractor.Deps{
		Sink:      r.sink,
		Watermark: reg.watermark,
		Logger:    r.logger,
		Now:       r.now,
	}

	_, err := extractor.RunCycle(ctx, reg.extractor, deps)
	r.status.markFinished(name, err)
	if err != nil {
		r.logger.WithField("extractor", name).WithError(err).Errorf("extraction cycle failed")
	}
}

// Run repeats RunOnce, sleeping interval between iterations, until
// maxIterations completes or ctx is cancelled. maxIterations <= 0 means
// unbounded; interval <= 0 means run once and return.
func (r *Runner) Run(ctx context.Context, selected []string, interval time.Duration, maxIterations int) error {
	iteration := 0
	for {
		if err := r.RunOnce(ctx, selected); err != nil {
			return err
		}
		iteration++

		if interval <= 0 {
			return nil
		}
		if maxIterations > 0 && iteration >= maxIterations {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}
	}
}
