package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	DefaultSettlementCheckEvery = 15 * time.Minute
	DefaultCleanupEvery         = 24 * time.Hour
	DefaultRetentionDays        = 90
)

type SchedulerOptions struct {
	SettlementEvery time.Duration
	CleanupEvery    time.Duration
	RetentionDays   int
}

// Scheduler drives the periodic settlement check and retention sweep. Tick is
// the whole scheduling decision, so tests feed it synthetic times instead of
// waiting on real timers.
type Scheduler struct {
	svc    *Service
	opts   SchedulerOptions
	logger *slog.Logger

	mu          sync.Mutex
	nextSettle  time.Time
	nextCleanup time.Time

	settling atomic.Bool
	cleaning atomic.Bool
	wg       sync.WaitGroup
}

func NewScheduler(svc *Service, opts SchedulerOptions, logger *slog.Logger) *Scheduler {
	if opts.SettlementEvery <= 0 {
		opts.SettlementEvery = DefaultSettlementCheckEvery
	}
	if opts.CleanupEvery <= 0 {
		opts.CleanupEvery = DefaultCleanupEvery
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = DefaultRetentionDays
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{svc: svc, opts: opts, logger: logger}
}

// Tick runs whichever jobs are due at now. A job whose previous run has not
// finished is skipped, not queued.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	settleDue, cleanupDue := s.due(now)
	if settleDue {
		s.runExclusive(&s.settling, "settlement", func() { s.settlementJob(ctx) })
	}
	if cleanupDue {
		s.runExclusive(&s.cleaning, "retention", func() { s.cleanupJob(ctx) })
	}
}

// Run ticks once immediately and then on every settlement interval until ctx
// is cancelled. Each tick runs on its own goroutine so a slow signer cannot
// delay the retention sweep.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.SettlementEvery)
	defer ticker.Stop()
	defer s.wg.Wait()

	s.spawnTick(ctx, s.svc.now())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.spawnTick(ctx, s.svc.now())
		}
	}
}

func (s *Scheduler) spawnTick(ctx context.Context, now time.Time) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Tick(ctx, now)
	}()
}

func (s *Scheduler) due(now time.Time) (bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	settleDue := s.nextSettle.IsZero() || !now.Before(s.nextSettle)
	if settleDue {
		s.nextSettle = now.Add(s.opts.SettlementEvery)
	}
	cleanupDue := s.nextCleanup.IsZero() || !now.Before(s.nextCleanup)
	if cleanupDue {
		s.nextCleanup = now.Add(s.opts.CleanupEvery)
	}
	return settleDue, cleanupDue
}

func (s *Scheduler) runExclusive(flag *atomic.Bool, job string, fn func()) {
	if !flag.CompareAndSwap(false, true) {
		s.logger.Info("scheduled job skipped; previous run still executing", slog.String("job", job))
		return
	}
	defer flag.Store(false)
	fn()
}

func (s *Scheduler) settlementJob(ctx context.Context) {
	if !s.svc.SignerConfigured() {
		readiness, err := s.svc.CheckReadiness(ctx, false)
		if err != nil {
			s.logger.Error("settlement check failed", slog.String("error", err.Error()))
			return
		}
		if readiness.Ready {
			s.logger.Info("settlement ready; awaiting external signer",
				slog.Int("candidate_count", readiness.CandidateCount()),
			)
		}
		return
	}

	batch, err := s.svc.SettleNow(ctx, false)
	switch {
	case err == nil:
		s.logger.Info("scheduled settlement completed",
			slog.String("batch_ref", batch.BatchRef),
			slog.Int("member_count", len(batch.MemberRecordIDs)),
		)
	case IsCode(err, CodeNoCandidates), IsCode(err, CodeSettlementInFlight), IsCode(err, CodeSettlementDisabled):
		s.logger.Debug("scheduled settlement not attempted", slog.String("reason", err.Error()))
	default:
		s.logger.Error("scheduled settlement failed", slog.String("error", err.Error()))
	}
}

func (s *Scheduler) cleanupJob(ctx context.Context) {
	if _, err := s.svc.PurgeOld(ctx, s.opts.RetentionDays); err != nil {
		s.logger.Error("retention sweep failed", slog.String("error", err.Error()))
	}
}
