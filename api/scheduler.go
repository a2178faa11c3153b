/*
scheduler.go - Background sweep and audit scheduler

PURPOSE:
  Runs the voucher expiry sweep and the balance audit on timers. The
  sweep refunds overdue pending vouchers and purges terminal ones past
  retention; the audit reports drift and, when auto-fix is enabled,
  repairs it (retrying once on a lost race before giving up until the
  next cycle).

USAGE:
  scheduler := NewScheduler(lifecycle, auditor, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()
*/
package api

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hemolink/loyalty-engine/points"
	"github.com/hemolink/loyalty-engine/redemption"
)

// Scheduler drives periodic maintenance.
type Scheduler struct {
	Lifecycle     *redemption.Lifecycle
	Auditor       *points.Auditor
	SweepInterval time.Duration
	AuditInterval time.Duration
	AutoFix       bool
	Log           *zap.Logger

	stop chan struct{}
	wg   sync.WaitGroup
	mu   sync.Mutex
}

func NewScheduler(lifecycle *redemption.Lifecycle, auditor *points.Auditor, log *zap.Logger) *Scheduler {
	return &Scheduler{
		Lifecycle:     lifecycle,
		Auditor:       auditor,
		SweepInterval: 15 * time.Minute,
		AuditInterval: 1 * time.Hour,
		AutoFix:       true,
		Log:           log,
	}
}

// Start begins the background loops.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})

	s.wg.Add(2)
	go s.loop(s.SweepInterval, s.runSweep)
	go s.loop(s.AuditInterval, s.runAudit)

	s.Log.Info("scheduler started",
		zap.Duration("sweep_interval", s.SweepInterval),
		zap.Duration("audit_interval", s.AuditInterval))
}

// Stop halts the loops and waits for in-flight work.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop == nil {
		return
	}
	close(s.stop)
	s.wg.Wait()
	s.stop = nil
	s.Log.Info("scheduler stopped")
}

func (s *Scheduler) loop(interval time.Duration, task func(context.Context)) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run once on start so a restart doesn't delay overdue work.
	task(context.Background())

	for {
		select {
		case <-ticker.C:
			task(context.Background())
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) runSweep(ctx context.Context) {
	report, err := s.Lifecycle.SweepExpired(ctx)
	if err != nil {
		s.Log.Error("scheduled sweep failed", zap.Error(err))
		return
	}
	if report.Refunded > 0 || report.Purged > 0 {
		s.Log.Info("scheduled sweep",
			zap.Int("refunded", report.Refunded),
			zap.Int("purged", report.Purged))
	}
}

func (s *Scheduler) runAudit(ctx context.Context) {
	discrepancies, err := s.Auditor.Audit(ctx)
	if err != nil {
		s.Log.Error("scheduled audit failed", zap.Error(err))
		return
	}
	if len(discrepancies) == 0 {
		return
	}
	if !s.AutoFix {
		s.Log.Warn("balance drift detected, auto-fix disabled",
			zap.Int("discrepancies", len(discrepancies)))
		return
	}

	fixed := 0
	for _, d := range discrepancies {
		err := s.Auditor.Fix(ctx, d)
		if errors.Is(err, points.ErrRaceLost) {
			// The balance moved since the audit read it; the next cycle
			// recomputes from fresh numbers.
			continue
		}
		if err != nil {
			s.Log.Error("scheduled fix failed",
				zap.String("donor", string(d.DonorID)), zap.Error(err))
			continue
		}
		fixed++
	}
	s.Log.Info("scheduled audit",
		zap.Int("discrepancies", len(discrepancies)),
		zap.Int("fixed", fixed))
}
