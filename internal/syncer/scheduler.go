package syncer

import (
	"context"
	"log/slog"
	"time"
)

// runner is the subset of Orchestrator the scheduler drives. Extracted
// for testability.
type runner interface {
	Sync(ctx context.Context, trigger Trigger) Result
	CheckAuth(ctx context.Context) bool
}

// Scheduler decides when passes run: on network recovery, on a periodic
// timer, and on demand. Passes run one at a time on the Run goroutine.
type Scheduler struct {
	runner   runner
	network  Network
	interval time.Duration
	settle   time.Duration
	logger   *slog.Logger

	kicks chan Trigger
}

// NewScheduler creates a scheduler for o. interval is the periodic sync
// period; settle is how long the link must stay up after an offline to
// online transition before a pass starts.
func NewScheduler(o *Orchestrator, network Network, interval, settle time.Duration, logger *slog.Logger) *Scheduler {
	return newScheduler(o, network, interval, settle, logger)
}

func newScheduler(r runner, network Network, interval, settle time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		runner:   r,
		network:  network,
		interval: interval,
		settle:   settle,
		logger:   logger,
		kicks:    make(chan Trigger, 1),
	}
}

// Trigger requests a pass without blocking. Requests made while one is
// already waiting are coalesced.
func (s *Scheduler) Trigger(t Trigger) {
	select {
	case s.kicks <- t:
	default:
		s.logger.Debug("sync request coalesced", slog.String("trigger", string(t)))
	}
}

// Notify requests a pass because the server reported a change.
func (s *Scheduler) Notify() {
	s.Trigger(TriggerRealtime)
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	netEvents := s.network.Watch(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var (
		settleTimer *time.Timer
		settleC     <-chan time.Time
		known       bool
		online      bool
	)

	stopSettle := func() {
		if settleTimer != nil {
			settleTimer.Stop()
		}

		settleTimer = nil
		settleC = nil
	}
	defer stopSettle()

	s.logger.Info("sync scheduler started",
		slog.Duration("interval", s.interval),
		slog.Duration("settle_delay", s.settle),
	)

	for {
		select {
		case <-ctx.Done():
			return nil

		case up, ok := <-netEvents:
			if !ok {
				netEvents = nil
				continue
			}

			if !known {
				known = true
				online = up

				if up {
					s.runner.Sync(ctx, TriggerStartup)
				}

				continue
			}

			if up == online {
				continue
			}

			online = up
			stopSettle()

			if !up {
				s.logger.Debug("went offline, pending sync cancelled")
				continue
			}

			settleTimer = time.NewTimer(s.settle)
			settleC = settleTimer.C

		case <-settleC:
			stopSettle()

			if !s.network.Online(ctx) {
				s.logger.Debug("link dropped during settle delay")
				continue
			}

			s.runner.Sync(ctx, TriggerOnline)

		case <-ticker.C:
			if known && !online {
				continue
			}

			if !s.runner.CheckAuth(ctx) {
				s.logger.Debug("periodic sync skipped, not signed in")
				continue
			}

			s.runner.Sync(ctx, TriggerTimer)

		case t := <-s.kicks:
			s.runner.Sync(ctx, t)
		}
	}
}
