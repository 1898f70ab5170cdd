// services/scheduler.go
package services

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
)

type SchedulerConfig struct {
	SweepInterval  time.Duration
	SettleRetries  int
	ExportInterval time.Duration // 0 = off
	ExportLabel    string
	RecalcCron     string // empty = off
}

// SweepPending settles games whose settlement failed after they were recorded, oldest
// first. It returns how many games it settled.
func (s *LedgerService) SweepPending(ctx context.Context, retries int) (int, error) {
	games, err := s.PendingSettlements(ctx)
	if err != nil {
		return 0, err
	}
	settled := 0
	for _, g := range games {
		if err := ctx.Err(); err != nil {
			return settled, err
		}
		if err := s.SettleWithRetry(ctx, g.ID, retries); err != nil {
			log.Printf("[Scheduler] Failed to settle game %s: %v", g.UUID, err)
			continue
		}
		settled++
	}
	return settled, nil
}

// StartScheduler runs the background jobs until ctx is done. The returned scheduler is
// already started.
func StartScheduler(ctx context.Context, ledger *LedgerService, recalc *Recalculator, exporter *ExportService, cfg SchedulerConfig) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = time.Minute
	}
	// Every minute: settle games left pending by a failed settlement
	if _, err := sched.NewJob(
		gocron.DurationJob(sweep),
		gocron.NewTask(func() {
			n, err := ledger.SweepPending(ctx, cfg.SettleRetries)
			if err != nil {
				log.Printf("[Scheduler] Pending sweep failed: %v", err)
				return
			}
			if n > 0 {
				log.Printf("✅ Settled %d pending game(s)", n)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return nil, err
	}

	if cfg.ExportInterval > 0 && exporter != nil && exporter.Uploader != nil {
		if _, err := sched.NewJob(
			gocron.DurationJob(cfg.ExportInterval),
			gocron.NewTask(func() {
				if _, _, err := exporter.Publish(ctx, cfg.ExportLabel); err != nil {
					log.Printf("[Scheduler] Export failed: %v", err)
				}
			}),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); err != nil {
			return nil, err
		}
	}

	if cfg.RecalcCron != "" && recalc != nil {
		if _, err := sched.NewJob(
			gocron.CronJob(cfg.RecalcCron, false),
			gocron.NewTask(func() {
				_, err := recalc.RecalculateAll(ctx)
				if errors.Is(err, ErrRecalculationInProgress) {
					log.Printf("[Scheduler] Skipping scheduled recalculation: %v", err)
				} else if err != nil {
					log.Printf("[Scheduler] Scheduled recalculation failed: %v", err)
				}
			}),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		); err != nil {
			return nil, err
		}
	}

	sched.Start()
	go func() {
		<-ctx.Done()
		if err := sched.Shutdown(); err != nil {
			log.Printf("[Scheduler] Shutdown error: %v", err)
		}
	}()
	return sched, nil
}
