// Package reconcile runs the appliance control loop: one goroutine
// consuming desired-state events from the control channel and the local
// file watcher, converging containers through the driver and recording
// outcomes. It is the only writer of the working state and of
// AppliedState, which gives at-most-one apply per appliance for free.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/infrasonar/rapp/internal/check"
	"github.com/infrasonar/rapp/internal/config"
	"github.com/infrasonar/rapp/internal/control"
	"github.com/infrasonar/rapp/internal/driver"
	"github.com/infrasonar/rapp/internal/logview"
	"github.com/infrasonar/rapp/internal/state"
)

// expiryEvery is how often the remote-access window is checked.
const expiryEvery = 5 * time.Second

// eventBuffer bounds the queue; latest-wins coalescing keeps it shallow.
const eventBuffer = 16

type EventKind int

const (
	// EventLocalChange reloads the managed files from disk.
	EventLocalChange EventKind = iota
	// EventRemoteDesired carries a desired state pushed by AgentCore.
	EventRemoteDesired
	// EventUpdate forces a pull and recreate of every managed service.
	EventUpdate
	// EventExpiry removes the remote-access service once its window passed.
	EventExpiry
)

func (k EventKind) String() string {
	switch k {
	case EventLocalChange:
		return "local_change"
	case EventRemoteDesired:
		return "remote_desired"
	case EventUpdate:
		return "update"
	case EventExpiry:
		return "expiry"
	default:
		return "unknown"
	}
}

// Event is one queued reconcile trigger.
type Event struct {
	Kind    EventKind
	Desired state.DesiredState
}

// Applier executes operation plans; satisfied by *driver.Driver.
type Applier interface {
	Apply(ctx context.Context, plan state.Plan, skipPull bool) (driver.Report, error)
	Prune(ctx context.Context) error
}

// AppliedStore persists convergence records; satisfied by
// *statestore.Store.
type AppliedStore interface {
	SaveApplied(applied state.AppliedState) error
	RecordResult(source string, ok bool, detail string) error
}

// ResultSink receives asynchronous reconcile outcomes; satisfied by
// *control.Channel.
type ResultSink interface {
	SendResult(ok bool, detail string)
}

// Reconciler merges command and file-change events into serialized apply
// cycles.
type Reconciler struct {
	settings config.Settings
	drv      Applier
	store    AppliedStore
	watcher  *config.Watcher
	logs     *logview.Manager
	results  ResultSink
	log      *slog.Logger

	events chan Event
	busy   atomic.Bool
	paused atomic.Bool

	// mu guards the working state; the loop goroutine mutates it, the
	// control handlers read and stage changes through it.
	mu      sync.Mutex
	st      *state.State
	current state.DesiredState

	// pending holds the newest event deferred while paused; replayed on
	// resume.
	pending *Event
}

// New builds a Reconciler around an already loaded working state. The
// current running state is assumed to match the on-disk files, which is
// what restart-always containers give us across daemon restarts.
func New(st *state.State, drv Applier, store AppliedStore, watcher *config.Watcher, logs *logview.Manager) (*Reconciler, error) {
	current, err := st.Desired(state.SourceLocal)
	if err != nil {
		return nil, err
	}
	return &Reconciler{
		settings: st.Settings,
		drv:      drv,
		store:    store,
		watcher:  watcher,
		logs:     logs,
		log:      slog.With("component", "reconcile"),
		events:   make(chan Event, eventBuffer),
		st:       st,
		current:  current,
	}, nil
}

// SetResults attaches the control channel as result sink; optional.
func (r *Reconciler) SetResults(sink ResultSink) { r.results = sink }

// Run consumes events until ctx ends. An in-flight apply is drained, not
// preempted; containers are left running on shutdown.
func (r *Reconciler) Run(ctx context.Context) error {
	go r.expiryLoop(ctx)
	if r.watcher != nil {
		go r.forwardFileEvents(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-r.events:
			ev = r.coalesce(ev)
			r.handle(ctx, ev)
		}
	}
}

// coalesce drains queued events and keeps only the newest; an older
// desired state is superseded, never worth applying.
func (r *Reconciler) coalesce(ev Event) Event {
	for {
		select {
		case next := <-r.events:
			r.log.Debug("superseding queued event", "dropped", ev.Kind, "kept", next.Kind)
			ev = next
		default:
			return ev
		}
	}
}

func (r *Reconciler) forwardFileEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fe, ok := <-r.watcher.Events():
			if !ok {
				return
			}
			r.log.Info("local file change detected", "paths", fe.Paths)
			r.enqueue(Event{Kind: EventLocalChange})
		}
	}
}

func (r *Reconciler) expiryLoop(ctx context.Context) {
	ticker := time.NewTicker(expiryEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			due := r.st.RemoteAccessDue(time.Now())
			r.mu.Unlock()
			if due {
				r.log.Info("remote access window expired")
				r.enqueue(Event{Kind: EventExpiry})
			}
		}
	}
}

// enqueue never blocks; with latest-wins semantics a full queue means the
// consumer already has newer work than the oldest entries.
func (r *Reconciler) enqueue(ev Event) bool {
	select {
	case r.events <- ev:
		return true
	default:
		r.log.Warn("event queue full, dropping event", "kind", ev.Kind)
		return false
	}
}

func (r *Reconciler) handle(ctx context.Context, ev Event) {
	if r.paused.Load() {
		// Latest wins while paused too; the deferred event replays on
		// resume.
		r.mu.Lock()
		r.pending = &ev
		r.mu.Unlock()
		r.log.Info("convergence paused, deferring event", "kind", ev.Kind)
		return
	}

	switch ev.Kind {
	case EventLocalChange:
		st, err := state.Load(r.settings)
		if err != nil {
			// Recoverable at runtime: keep the previous working copy and
			// wait for the next change event.
			r.log.Error("reload after file change failed", "err", err)
			r.record(string(state.SourceLocal), false, err.Error())
			return
		}
		r.mu.Lock()
		r.st = st
		r.mu.Unlock()
		desired, err := st.Desired(state.SourceLocal)
		if err != nil {
			r.log.Error("snapshot desired state", "err", err)
			return
		}
		r.applyCycle(ctx, desired, false, false)

	case EventRemoteDesired:
		r.applyCycle(ctx, ev.Desired, true, false)

	case EventExpiry:
		// Reload from disk before committing: this event may have
		// superseded a queued local change, and expiring the stale
		// in-memory copy would overwrite that edit.
		st, err := state.Load(r.settings)
		if err != nil {
			r.log.Error("reload before expiry failed", "err", err)
			r.record(string(state.SourceLocal), false, err.Error())
			return
		}
		st.ExpireRemoteAccess(time.Now())
		r.mu.Lock()
		r.st = st
		r.mu.Unlock()
		desired, err := st.Desired(state.SourceLocal)
		if err != nil {
			r.log.Error("snapshot desired state", "err", err)
			return
		}
		desired.SkipPull = true
		r.applyCycle(ctx, desired, true, false)

	case EventUpdate:
		r.mu.Lock()
		desired, err := r.st.Desired(state.SourceRemote)
		r.mu.Unlock()
		if err != nil {
			r.log.Error("snapshot desired state", "err", err)
			return
		}
		r.applyCycle(ctx, desired, false, true)
	}
}

// applyCycle converges one desired state: diff, commit the managed files
// when the state changed, run the plan, record the outcome. AppliedState
// only advances when every container operation succeeded.
func (r *Reconciler) applyCycle(ctx context.Context, desired state.DesiredState, commit, forceAll bool) {
	check.Assert(!r.busy.Load(), "apply cycle re-entered")
	r.busy.Store(true)
	defer r.busy.Store(false)

	source := string(desired.Source)

	var plan state.Plan
	var err error
	if forceAll {
		plan, err = recreateAllPlan(ctx, desired)
	} else {
		plan, err = state.Diff(ctx, r.current, desired)
	}
	if err != nil {
		r.fail(source, fmt.Errorf("plan: %w", err))
		return
	}

	if commit {
		r.mu.Lock()
		res, err := r.st.Commit()
		r.mu.Unlock()
		if err != nil {
			r.fail(source, fmt.Errorf("commit: %w", err))
			return
		}
		if r.watcher != nil {
			// Our own writes must not loop back as local change events.
			r.watcher.Refresh(res.Paths...)
		}
	}

	report, err := r.drv.Apply(ctx, plan, desired.SkipPull)
	if err != nil {
		r.fail(source, fmt.Errorf("apply: %w", err))
		return
	}

	specs, err := state.RuntimeSpecs(ctx, desired)
	if err != nil {
		r.fail(source, err)
		return
	}
	services := make([]string, 0, len(specs))
	for name := range specs {
		services = append(services, name)
	}
	sort.Strings(services)

	applied := state.AppliedState{
		Version:   desired.Version,
		Services:  services,
		AppliedAt: time.Now(),
	}
	r.mu.Lock()
	if res, err := composeDigests(r.st); err == nil {
		applied.ComposeDigest = res.compose
		applied.EnvDigest = res.env
	} else {
		r.log.Error("compute state digests", "err", err)
	}
	r.current = desired
	r.mu.Unlock()

	if err := r.store.SaveApplied(applied); err != nil {
		r.log.Error("persist applied state", "err", err)
	}
	r.record(source, true, "")
	if r.results != nil {
		r.results.SendResult(true, "")
	}
	r.log.Info("reconcile complete",
		"source", source,
		"pulled", len(report.Pulled),
		"started", len(report.Started),
		"stopped", len(report.Stopped),
		"recreated", len(report.Recreated))

	if !plan.Empty() && !r.settings.SkipImagePrune {
		// Outside the critical path; a slow prune never delays commands.
		go func() {
			if err := r.drv.Prune(ctx); err != nil {
				r.log.Warn("image prune failed", "err", err)
			}
		}()
	}
}

func (r *Reconciler) fail(source string, err error) {
	r.log.Error("reconcile failed", "source", source, "err", err)
	r.record(source, false, err.Error())
	if r.results != nil {
		r.results.SendResult(false, err.Error())
	}
}

func (r *Reconciler) record(source string, ok bool, detail string) {
	if err := r.store.RecordResult(source, ok, detail); err != nil {
		r.log.Error("persist result", "err", err)
	}
}

// recreateAllPlan is the Update command: pull fresh images and recreate
// every managed service.
func recreateAllPlan(ctx context.Context, desired state.DesiredState) (state.Plan, error) {
	specs, err := state.RuntimeSpecs(ctx, desired)
	if err != nil {
		return state.Plan{}, err
	}
	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)

	var plan state.Plan
	for _, name := range names {
		plan.Actions = append(plan.Actions, state.Action{
			Service: name,
			Kind:    state.ActionRecreate,
			Runtime: specs[name],
			Reason:  "update requested",
		})
	}
	return plan, nil
}

type digests struct {
	compose string
	env     string
}

func composeDigests(s *state.State) (digests, error) {
	composeData, err := s.Compose.Marshal()
	if err != nil {
		return digests{}, err
	}
	envData := []byte(config.FormatEnvFile(s.Env.Map()))
	return digests{
		compose: state.Digest(composeData),
		env:     state.Digest(envData),
	}, nil
}

// HandleRead serves the Read command with the masked state document.
func (r *Reconciler) HandleRead(context.Context) (any, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st.Document(), nil
}

// HandlePush validates and stages a pushed state document, then queues the
// resulting desired state. Validation failures surface synchronously; the
// container convergence itself is asynchronous.
func (r *Reconciler) HandlePush(_ context.Context, payload []byte) error {
	if r.busy.Load() {
		return control.ErrBusy
	}
	var doc state.Document
	if err := cbor.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("decode state document: %w", err)
	}

	r.mu.Lock()
	err := r.st.ApplyDocument(doc)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	desired, err := r.st.Desired(state.SourceRemote)
	r.mu.Unlock()
	if err != nil {
		return err
	}

	if !r.enqueue(Event{Kind: EventRemoteDesired, Desired: desired}) {
		return control.ErrBusy
	}
	return nil
}

// HandleUpdate queues a forced pull-and-recreate of all services.
func (r *Reconciler) HandleUpdate(context.Context) error {
	if r.busy.Load() {
		return control.ErrBusy
	}
	if !r.enqueue(Event{Kind: EventUpdate}) {
		return control.ErrBusy
	}
	return nil
}

// HandlePause suspends container convergence. Commands and file changes
// are still accepted and staged; apply cycles are deferred until Resume.
func (r *Reconciler) HandlePause(context.Context) error {
	if r.paused.CompareAndSwap(false, true) {
		r.log.Info("convergence paused")
	}
	return nil
}

// HandleResume re-enables convergence and replays the newest event that
// was deferred while paused.
func (r *Reconciler) HandleResume(context.Context) error {
	if !r.paused.CompareAndSwap(true, false) {
		return nil
	}
	r.log.Info("convergence resumed")
	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()
	if pending != nil && !r.enqueue(*pending) {
		return control.ErrBusy
	}
	return nil
}

// HandleLog serves container log pages.
func (r *Reconciler) HandleLog(ctx context.Context, name string, start int) (any, error) {
	return r.logs.Lines(ctx, name, start)
}
