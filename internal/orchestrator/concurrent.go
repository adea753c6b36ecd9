package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"

	"github.com/jrortiz726/plex-raw-extract/internal/extractor"
	"github.com/jrortiz726/plex-raw-extract/internal/obslog"
	"github.com/jrortiz726/plex-raw-extract/internal/watermark"
)

const healthChannel = "plex:extract:health"

// ConcurrentConfig configures a ConcurrentRunner.
type ConcurrentConfig struct {
	Sink                    extractor.RawSink
	Logger                  *obslog.ContextLogger
	Now                     func() time.Time
	MaxConcurrent           int64 // default 3
	HealthCheckInterval     time.Duration
	GracefulShutdownTimeout time.Duration

	// Redis is optional: when set, each health snapshot is additionally
	// published for any external observer subscribed to healthChannel.
	// The engine behaves identically with or without it configured.
	Redis *goredis.Client
}

type concurrentRegistration struct {
	registration
	period time.Duration
	lock   sync.Mutex
}

// ConcurrentRunner runs each registered extractor as an independent
// cooperative task on its own period, bounded by a semaphore limiting
// total concurrent cycles across all extractors. Overlapping cycles for
// the same extractor are disallowed: a trylock mutex causes the second
// attempt to skip-and-log rather than block.
type ConcurrentRunner struct {
	sink   extractor.RawSink
	logger *obslog.ContextLogger
	now    func() time.Time

	sem                     *semaphore.Weighted
	healthCheckInterval     time.Duration
	gracefulShutdownTimeout time.Duration
	redis                   *goredis.Client

	mu            sync.Mutex
	order         []string
	registrations map[string]*concurrentRegistration
	status        *statusTable
}

// NewConcurrent constructs an empty ConcurrentRunner.
func NewConcurrent(cfg ConcurrentConfig) *ConcurrentRunner {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	healthInterval := cfg.HealthCheckInterval
	if healthInterval <= 0 {
		healthInterval = 60 * time.Second
	}
	shutdownTimeout := cfg.GracefulShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}

	return &ConcurrentRunner{
		sink:                    cfg.Sink,
		logger:                  cfg.Logger,
		now:                     now,
		sem:                     semaphore.NewWeighted(maxConcurrent),
		healthCheckInterval:     healthInterval,
		gracefulShutdownTimeout: shutdownTimeout,
		redis:                   cfg.Redis,
		registrations:           make(map[string]*concurrentRegistration),
		status:                  newStatusTable(),
	}
}

// Register adds a named extractor with its own run period.
func (c *ConcurrentRunner) Register(name string, ex extractor.Extractor, wm *watermark.Store, period time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.registrations[name]; !exists {
		c.order = append(c.order, name)
	}
	c.registrations[name] = &concurrentRegistration{
		registration: registration{name: name, extractor: ex, watermark: wm},
		period:       period,
	}
}

// Status returns a snapshot of every extractor's run status.
func (c *ConcurrentRunner) Status() map[string]RunStatus {
	return c.status.Snapshot()
}

// Run launches one task loop per registered extractor plus a health
// snapshot loop, and blocks until ctx is cancelled. On cancellation it
// waits up to gracefulShutdownTimeout for in-flight cycles to finish
// before returning.
func (c *ConcurrentRunner) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	c.mu.Lock()
	names := make([]string, len(c.order))
	copy(names, c.order)
	c.mu.Unlock()

	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			c.taskLoop(ctx, name)
		}(name)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.healthLoop(ctx)
	}()

	<-ctx.Done()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(c.gracefulShutdownTimeout):
		c.logger.Warnf("graceful shutdown budget exceeded; returning with cycles still in flight")
	}

	return nil
}

func (c *ConcurrentRunner) taskLoop(ctx context.Context, name string) {
	reg := c.registrations[name]
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(reg.period):
		}

		if ctx.Err() != nil {
			return
		}
		c.runOne(ctx, name)
	}
}

func (c *ConcurrentRunner) runOne(ctx context.Context, name string) {
	reg := c.registrations[name]

	if !reg.lock.TryLock() {
		c.logger.WithField("extractor", name).Warnf("skipping cycle: previous cycle for this extractor still running")
		return
	}
	defer reg.lock.Unlock()

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return
	}
	defer c.sem.Release(1)

	c.status.markStarted(name)
	deps := extractor.Deps{
		Sink:      c.sink,
		Watermark: reg.watermark,
		Logger:    c.logger,
		Now:       c.now,
	}
	_, err := extractor.RunCycle(ctx, reg.extractor, deps)
	c.status.markFinished(name, err)
	if err != nil {
		c.logger.WithField("extractor", name).WithError(err).Errorf("extraction cycle failed")
	}
}

func (c *ConcurrentRunner) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(c.healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.emitHealthSnapshot(ctx)
		}
	}
}

// healthEntry is one extractor's row in the periodic health snapshot.
type healthEntry struct {
	Name        string `json:"name"`
	RunCount    int    `json:"runCount"`
	ErrorCount  int    `json:"errorCount"`
	LastSuccess string `json:"lastSuccess"`
	LastError   string `json:"lastError,omitempty"`
}

func (c *ConcurrentRunner) emitHealthSnapshot(ctx context.Context) {
	snapshot := c.Status()
	entries := make([]healthEntry, 0, len(snapshot))

	for name, s := range snapshot {
		entry := healthEntry{Name: name, RunCount: s.RunCount, ErrorCount: s.ErrorCount, LastError: s.LastError}
		if !s.LastSuccess.IsZero() {
			entry.LastSuccess = humanize.Time(s.LastSuccess)
		} else {
			entry.LastSuccess = "never"
		}
		entries = append(entries, entry)

		c.logger.WithFields(map[string]any{
			"extractor":    name,
			"run_count":    s.RunCount,
			"error_count":  s.ErrorCount,
			"last_success": entry.LastSuccess,
		}).Infof("health snapshot")
	}

	if c.redis == nil {
		return
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		return
	}
	if err := c.redis.Publish(ctx, healthChannel, payload).Err(); err != nil {
		c.logger.WithError(fmt.Errorf("publish health snapshot: %w", err)).Warnf("redis health publish failed")
	}
}
