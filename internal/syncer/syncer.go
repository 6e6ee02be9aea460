// Package syncer drives synchronization passes between the local queue and
// the remote store, and decides when those passes run.
//
// A pass walks idle → checking → pushing → pulling → cleaning → idle. Only
// one pass runs at a time; overlapping triggers get an immediate "already
// syncing" result. Expected deferrals (offline, not signed in) are reported
// as successful results with a note, never as errors.
package syncer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/InnNhi24/vibetune-sync/internal/auth"
	"github.com/InnNhi24/vibetune-sync/internal/conflict"
	syncerr "github.com/InnNhi24/vibetune-sync/internal/errors"
	"github.com/InnNhi24/vibetune-sync/internal/models"
	"github.com/InnNhi24/vibetune-sync/internal/queue"
	"github.com/InnNhi24/vibetune-sync/internal/ratelimit"
	"github.com/InnNhi24/vibetune-sync/internal/remote"
)

const (
	defaultPassTimeout      = 10 * time.Second
	defaultCallTimeout      = 4 * time.Second
	defaultAuthCacheTTL     = 30 * time.Second
	defaultRefreshThreshold = 5 * time.Minute
	defaultRetention        = 7 * 24 * time.Hour
	defaultPushRateMax      = 500
	defaultPushRateWindow   = time.Minute
)

// Phase is the step a pass is in.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseChecking Phase = "checking"
	PhasePushing  Phase = "pushing"
	PhasePulling  Phase = "pulling"
	PhaseCleaning Phase = "cleaning"
	PhaseError    Phase = "error"
)

// Trigger records what started a pass.
type Trigger string

const (
	TriggerStartup  Trigger = "startup"
	TriggerManual   Trigger = "manual"
	TriggerOnline   Trigger = "online"
	TriggerTimer    Trigger = "timer"
	TriggerRealtime Trigger = "realtime"
)

// Outcome summarises a pass for status indicators.
type Outcome string

const (
	OutcomeSynced   Outcome = "synced"
	OutcomeDeferred Outcome = "deferred"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeFailed   Outcome = "failed"
)

// Result describes one pass. Sync always returns one; failures are listed
// in Errors.
type Result struct {
	Success    bool          `json:"success"`
	Status     Outcome       `json:"status"`
	Trigger    Trigger       `json:"trigger"`
	Phase      Phase         `json:"phase"`
	Note       string        `json:"note,omitempty"`
	Pushed     int           `json:"pushed"`
	Pulled     int           `json:"pulled"`
	Purged     int           `json:"purged"`
	Deferred   int           `json:"deferred"`
	Conflicts  int           `json:"conflicts"`
	Unresolved int           `json:"unresolved"`
	Errors     []string      `json:"errors,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
}

// Status is a point-in-time view for UIs.
type Status struct {
	Phase      Phase     `json:"phase"`
	Syncing    bool      `json:"syncing"`
	Pending    int       `json:"pending"`
	Conflicts  int       `json:"conflicts"`
	LastSync   time.Time `json:"last_sync,omitzero"`
	LastResult *Result   `json:"last_result,omitempty"`
}

// Config wires an Orchestrator to its collaborators. Zero durations and
// ceilings fall back to defaults.
type Config struct {
	Queue    *queue.Queue
	Store    remote.Store
	Auth     auth.Provider
	Network  Network
	Detector *conflict.Detector
	Resolver *conflict.Resolver

	// Limiter guards push volume per device. Nil disables the guard.
	Limiter  *ratelimit.Limiter
	DeviceID string

	PassTimeout      time.Duration
	CallTimeout      time.Duration
	AuthCacheTTL     time.Duration
	RefreshThreshold time.Duration
	Retention        time.Duration
	PushRateMax      int
	PushRateWindow   time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator runs sync passes. It owns the watermark, the auth cache,
// and the in-flight guard; construct one per process.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	running atomic.Bool
	gen     atomic.Uint64

	mu         sync.Mutex
	phase      Phase
	lastResult *Result
	conflicts  []*conflict.Conflict

	authMu        sync.Mutex
	authSession   *models.Session
	authCheckedAt time.Time
	authGroup     singleflight.Group
}

// New creates an orchestrator.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Orchestrator {
	if cfg.PassTimeout <= 0 {
		cfg.PassTimeout = defaultPassTimeout
	}

	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}

	if cfg.AuthCacheTTL <= 0 {
		cfg.AuthCacheTTL = defaultAuthCacheTTL
	}

	if cfg.RefreshThreshold <= 0 {
		cfg.RefreshThreshold = defaultRefreshThreshold
	}

	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}

	if cfg.PushRateMax <= 0 {
		cfg.PushRateMax = defaultPushRateMax
	}

	if cfg.PushRateWindow <= 0 {
		cfg.PushRateWindow = defaultPushRateWindow
	}

	if cfg.Detector == nil {
		cfg.Detector = conflict.NewDetector(0)
	}

	if cfg.Resolver == nil {
		cfg.Resolver = conflict.NewResolver(nil, logger)
	}

	o := &Orchestrator{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		phase:  PhaseIdle,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// passResult is what a pass goroutine hands back to Sync.
type passResult struct {
	res        Result
	unresolved []*conflict.Conflict
	pushDone   bool
}

// Sync runs one pass. It never returns an error: deferrals, per-record
// failures, and timeouts are all described by the Result. Once started, a
// pass is bounded only by the pass timeout; cancelling ctx does not stop
// it.
func (o *Orchestrator) Sync(ctx context.Context, trigger Trigger) Result {
	start := o.now()

	if !o.running.CompareAndSwap(false, true) {
		o.logger.Debug("sync skipped, pass already running", slog.String("trigger", string(trigger)))

		return Result{
			Success:   true,
			Status:    OutcomeSkipped,
			Trigger:   trigger,
			Phase:     o.Phase(),
			Note:      syncerr.ErrAlreadySyncing.Error(),
			StartedAt: start,
		}
	}
	defer o.running.Store(false)

	gen := o.gen.Add(1)

	passCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PassTimeout)
	defer cancel()

	// The pass runs on its own goroutine so a remote call that ignores
	// cancellation cannot hold the guard past the deadline.
	done := make(chan passResult, 1)

	go func() {
		done <- o.pass(passCtx, gen, trigger, start)
	}()

	var out passResult

	select {
	case out = <-done:
	case <-passCtx.Done():
		select {
		case out = <-done:
		default:
			out = passResult{res: Result{Trigger: trigger, StartedAt: start}}
			o.abort(&out.res)
		}
	}

	out.res.Duration = o.now().Sub(start)
	o.finish(gen, out)

	return out.res
}

// pass runs the phases in order. It returns early on deferrals and on
// cancellation of ctx.
func (o *Orchestrator) pass(ctx context.Context, gen uint64, trigger Trigger, start time.Time) passResult {
	out := passResult{res: Result{Trigger: trigger, StartedAt: start}}
	res := &out.res

	o.setPhase(gen, PhaseChecking)

	if !o.cfg.Network.Online(ctx) {
		o.deferred(res, syncerr.ErrOffline.Error())
		return out
	}

	session, err := o.session(ctx)
	if err != nil {
		o.logger.Debug("sync deferred", slog.String("reason", err.Error()))
		o.deferred(res, syncerr.ErrNotAuthenticated.Error())

		return out
	}

	o.setPhase(gen, PhasePushing)

	pushFatal := o.push(ctx, session.UserID, &out)
	out.pushDone = true

	if ctx.Err() != nil {
		o.abort(res)
		return out
	}

	o.setPhase(gen, PhasePulling)

	pullFatal := o.pull(ctx, session.UserID, res)
	if ctx.Err() != nil {
		o.abort(res)
		return out
	}

	o.setPhase(gen, PhaseCleaning)

	purged, err := o.cfg.Queue.Purge(ctx, o.cfg.Retention, o.now())
	res.Purged = purged

	if err != nil {
		res.Errors = append(res.Errors, "cleanup: "+err.Error())
	}

	if !pushFatal && !pullFatal && ctx.Err() == nil {
		if err := o.cfg.Queue.SetLastSync(ctx, start); err != nil {
			res.Errors = append(res.Errors, "saving watermark: "+err.Error())
		}
	}

	res.Success = len(res.Errors) == 0
	res.Status = OutcomeSynced
	res.Phase = PhaseIdle

	if !res.Success {
		res.Status = OutcomeFailed
	}

	if pushFatal || pullFatal {
		res.Phase = PhaseError
	}

	return out
}

// deferred fills res for an expected early return.
func (o *Orchestrator) deferred(res *Result, note string) {
	res.Success = true
	res.Status = OutcomeDeferred
	res.Phase = PhaseIdle
	res.Note = note
}

// abort marks res as timed out.
func (o *Orchestrator) abort(res *Result) {
	res.Success = false
	res.Status = OutcomeFailed
	res.Phase = PhaseError
	res.Errors = append(res.Errors, syncerr.ErrSyncTimeout.Error())
}

// finish publishes a completed pass and retires its generation, so a pass
// goroutine abandoned at the deadline can no longer move the phase.
func (o *Orchestrator) finish(gen uint64, out passResult) {
	res := out.res

	o.mu.Lock()
	if o.gen.CompareAndSwap(gen, gen+1) {
		o.phase = res.Phase
	}

	o.lastResult = &res

	if out.pushDone {
		o.conflicts = out.unresolved
	}
	o.mu.Unlock()

	attrs := []any{
		slog.String("trigger", string(res.Trigger)),
		slog.String("status", string(res.Status)),
		slog.Int("pushed", res.Pushed),
		slog.Int("pulled", res.Pulled),
		slog.Int("purged", res.Purged),
		slog.Int("conflicts", res.Conflicts),
		slog.Duration("duration", res.Duration),
	}

	switch {
	case res.Status == OutcomeDeferred:
		o.logger.Debug("sync deferred", append(attrs, slog.String("note", res.Note))...)
	case !res.Success:
		o.logger.Warn("sync finished with errors", append(attrs, slog.Any("errors", res.Errors))...)
	default:
		o.logger.Info("sync finished", attrs...)
	}
}

func (o *Orchestrator) setPhase(gen uint64, p Phase) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.gen.Load() == gen {
		o.phase = p
	}
}

// Phase returns the current phase.
func (o *Orchestrator) Phase() Phase {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.phase
}

// Syncing reports whether a pass is in flight.
func (o *Orchestrator) Syncing() bool {
	return o.running.Load()
}

// Status returns the current phase, pending count, and last result.
func (o *Orchestrator) Status(ctx context.Context) Status {
	o.mu.Lock()
	st := Status{
		Phase:     o.phase,
		Conflicts: len(o.conflicts),
	}

	if o.lastResult != nil {
		r := *o.lastResult
		st.LastResult = &r
	}
	o.mu.Unlock()

	st.Syncing = o.running.Load()
	st.Pending = o.cfg.Queue.PendingCount(ctx)

	if ts, err := o.cfg.Queue.LastSync(ctx); err == nil {
		st.LastSync = ts
	}

	return st
}

// callContext bounds a single remote call.
func (o *Orchestrator) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.cfg.CallTimeout)
}
