package cleanup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/notifyhub/notifyhub/internal/common/config"
	"github.com/notifyhub/notifyhub/internal/fanout/store"
	"github.com/notifyhub/notifyhub/pkg/metrics"
)

// sweepTimeout bounds a single cleanup run.
const sweepTimeout = 5 * time.Minute

// Job periodically evicts sessions that have not re-registered within the
// TTL and cascades the deletion to their subscriptions. It never touches
// delivery history; history is an audit trail, not routing state.
type Job struct {
	logger   *zap.Logger
	store    store.Store
	metrics  *metrics.Metrics
	ttl      time.Duration
	interval time.Duration
	cronExpr string

	cron   *cron.Cron
	cancel context.CancelFunc
	mu     sync.Mutex
	now    func() time.Time
}

// NewJob creates a cleanup job. The metrics handle may be nil.
func NewJob(logger *zap.Logger, st store.Store, cfg *config.NotificationsConfig, m *metrics.Metrics) *Job {
	return &Job{
		logger:   logger.Named("fanout.cleanup"),
		store:    st,
		metrics:  m,
		ttl:      cfg.SessionTTL,
		interval: cfg.CleanupInterval,
		cronExpr: cfg.CleanupCron,
		now:      time.Now,
	}
}

// Start schedules the periodic sweep: on the configured cron expression
// when one is set, otherwise on a fixed interval. The job never runs on a
// request path.
func (j *Job) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cron != nil || j.cancel != nil {
		return fmt.Errorf("cleanup job already running")
	}

	if j.cronExpr != "" {
		c := cron.New()
		if _, err := c.AddFunc(j.cronExpr, j.sweep); err != nil {
			return fmt.Errorf("invalid cleanup cron expression %q: %w", j.cronExpr, err)
		}
		c.Start()
		j.cron = c
		j.logger.Info("cleanup job started", zap.String("cron", j.cronExpr))
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel
	go func() {
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.sweep()
			}
		}
	}()
	j.logger.Info("cleanup job started", zap.Duration("interval", j.interval))
	return nil
}

// Stop halts the periodic sweep. A sweep already in flight finishes.
func (j *Job) Stop() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cron != nil {
		j.cron.Stop()
		j.cron = nil
	}
	if j.cancel != nil {
		j.cancel()
		j.cancel = nil
	}
}

func (j *Job) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	evicted, err := j.RunOnce(ctx)
	if err != nil {
		j.logger.Error("cleanup sweep failed", zap.Error(err))
		return
	}
	if evicted > 0 {
		j.logger.Info("cleanup sweep finished", zap.Int("evicted_sessions", evicted))
	}
}

// RunOnce performs one sweep and returns the number of evicted sessions.
// Subscription deletion is chunked and runs concurrently with the session
// deletion; both are idempotent, so racing a concurrent re-registration is
// harmless — the registration's transaction recreates the session and the
// stray delete becomes a no-op.
func (j *Job) RunOnce(ctx context.Context) (int, error) {
	cutoff := j.now().Add(-j.ttl)
	stale, err := j.store.Sessions().ListStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if j.metrics != nil {
		defer func() { j.metrics.CleanupRun(len(stale)) }()
	}
	if len(stale) == 0 {
		return 0, nil
	}

	ids := make([]string, len(stale))
	for i, sess := range stale {
		ids[i] = sess.ID
	}

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		first error
	)
	record := func(err error) {
		if err == nil {
			return
		}
		errMu.Lock()
		if first == nil {
			first = err
		}
		errMu.Unlock()
	}

	for _, chunk := range chunk(ids, store.BatchChunkSize) {
		wg.Add(1)
		go func(chunk []string) {
			defer wg.Done()
			record(j.store.Subscriptions().DeleteBySessions(ctx, chunk))
		}(chunk)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		record(j.store.Sessions().DeleteByIDs(ctx, ids))
	}()
	wg.Wait()

	if first != nil {
		return 0, first
	}
	return len(ids), nil
}

func chunk(ids []string, size int) [][]string {
	var out [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}
