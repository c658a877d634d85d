// Package driver executes service-level plans against a container engine:
// image pulls, container replacement and removal, with bounded retries for
// transient daemon failures. It never computes what to do; plans come from
// the state package.
package driver

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/infrasonar/rapp/internal/check"
	"github.com/infrasonar/rapp/internal/state"
)

// minAPIVersion is the oldest engine API the driver accepts; older daemons
// lack the container lifecycle semantics RAPP relies on.
const minAPIVersion = "1.43"

const (
	retryInitialInterval = 500 * time.Millisecond
	retryMaxInterval     = 5 * time.Second
	retryMaxElapsed      = 30 * time.Second
)

// Driver applies plans through an Engine for one compose project.
type Driver struct {
	engine  Engine
	project string
	log     *slog.Logger

	// newPolicy builds the retry schedule; replaced in tests to avoid
	// real backoff sleeps.
	newPolicy func() backoff.BackOff

	applying atomic.Bool
}

// New wraps an existing engine; used by tests and by callers that manage
// the engine lifecycle themselves.
func New(engine Engine, project string) *Driver {
	return &Driver{
		engine:    engine,
		project:   project,
		log:       slog.With("component", "driver"),
		newPolicy: func() backoff.BackOff { return newRetryPolicy() },
	}
}

// Open connects to the local Docker daemon and verifies it speaks a
// supported API version. A failure here is startup-fatal.
func Open(ctx context.Context, project string) (*Driver, error) {
	engine, err := NewDockerEngine()
	if err != nil {
		return nil, err
	}
	d := New(engine, project)
	if err := d.VerifyEngine(ctx); err != nil {
		_ = engine.Close()
		return nil, err
	}
	return d, nil
}

// VerifyEngine pings the engine and rejects daemons below the minimum API
// version.
func (d *Driver) VerifyEngine(ctx context.Context) error {
	version, err := d.engine.Ping(ctx)
	if err != nil {
		return err
	}
	if !apiVersionAtLeast(version, minAPIVersion) {
		return fmt.Errorf("docker engine API %s is too old, need %s or newer", version, minAPIVersion)
	}
	d.log.Debug("engine verified", "api_version", version)
	return nil
}

// Engine exposes the underlying engine for the log viewer and the status
// command.
func (d *Driver) Engine() Engine { return d.engine }

// Report summarizes one Apply run.
type Report struct {
	Pulled    []string
	Stopped   []string
	Started   []string
	Recreated []string
}

// Apply executes a plan: first every required image pull, then stops, then
// starts and recreates, in plan order. Transient engine failures are
// retried with exponential backoff for up to 30 seconds per operation; a
// permanent failure aborts the remaining actions without rolling back the
// ones already applied. The partially converged result is simply re-diffed
// on the next reconcile pass.
func (d *Driver) Apply(ctx context.Context, plan state.Plan, skipPull bool) (Report, error) {
	check.Assert(d.applying.CompareAndSwap(false, true), "concurrent apply")
	defer d.applying.Store(false)

	var report Report
	if plan.Empty() {
		return report, nil
	}

	if !skipPull {
		for _, img := range plan.PullImages() {
			if err := d.retry(ctx, "pull", img, func() error {
				return d.engine.ImagePull(ctx, img)
			}); err != nil {
				return report, err
			}
			report.Pulled = append(report.Pulled, img)
		}
	}

	for _, action := range plan.Actions {
		name := ContainerName(d.project, action.Service)
		switch action.Kind {
		case state.ActionStop:
			d.log.Info("stopping service", "service", action.Service, "reason", action.Reason)
			if err := d.retry(ctx, "stop", name, func() error {
				return d.engine.ContainerStopRemove(ctx, name)
			}); err != nil {
				return report, err
			}
			report.Stopped = append(report.Stopped, action.Service)

		case state.ActionStart, state.ActionRecreate:
			d.log.Info("starting service",
				"service", action.Service,
				"image", action.Image(),
				"reason", action.Reason)
			spec := CreateSpec{
				Name:    name,
				Service: action.Service,
				Project: d.project,
				Runtime: action.Runtime,
			}
			if err := d.retry(ctx, "start", name, func() error {
				return d.engine.ContainerCreateStart(ctx, spec)
			}); err != nil {
				return report, err
			}
			if action.Kind == state.ActionRecreate {
				report.Recreated = append(report.Recreated, action.Service)
			} else {
				report.Started = append(report.Started, action.Service)
			}
		}
	}
	return report, nil
}

// Prune removes unused images left behind by recreates. Failures are
// reported but never block reconciliation.
func (d *Driver) Prune(ctx context.Context) error {
	reclaimed, err := d.engine.ImagesPrune(ctx)
	if err != nil {
		return err
	}
	if reclaimed > 0 {
		d.log.Info("pruned unused images", "reclaimed_bytes", reclaimed)
	}
	return nil
}

// Containers lists the project's containers as the engine sees them.
func (d *Driver) Containers(ctx context.Context) ([]ContainerInfo, error) {
	return d.engine.ContainerList(ctx, d.project)
}

func (d *Driver) Close() error { return d.engine.Close() }

// retry runs op with exponential backoff, wrapping the final failure in an
// OpError. Permanent errors stop the retry loop immediately.
func (d *Driver) retry(ctx context.Context, op, target string, fn func() error) error {
	policy := backoff.WithContext(d.newPolicy(), ctx)
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if !transient(err) {
			return backoff.Permanent(err)
		}
		d.log.Warn("engine operation failed, retrying",
			"op", op, "target", target, "attempt", attempt, "err", err)
		return err
	}, policy)
	if err == nil {
		return nil
	}
	return &OpError{Op: op, Target: target, Err: err, Transient: transient(err)}
}

func newRetryPolicy() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialInterval
	bo.MaxInterval = retryMaxInterval
	bo.MaxElapsedTime = retryMaxElapsed
	return bo
}

// apiVersionAtLeast compares dotted engine API versions numerically.
func apiVersionAtLeast(have, want string) bool {
	hp := strings.Split(have, ".")
	wp := strings.Split(want, ".")
	for i := 0; i < len(wp); i++ {
		w, err := strconv.Atoi(wp[i])
		if err != nil {
			return false
		}
		h := 0
		if i < len(hp) {
			h, err = strconv.Atoi(hp[i])
			if err != nil {
				return false
			}
		}
		if h != w {
			return h > w
		}
	}
	return true
}
