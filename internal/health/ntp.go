// Package health tracks ambient appliance health that rides along in
// control-channel heartbeats. Currently that is NTP clock drift; probes
// that sign or timestamp measurements misbehave badly on a skewed clock.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/beevik/ntp"
)

const (
	defaultNTPPool      = "pool.ntp.org"
	defaultNTPInterval  = 60 * time.Second
	defaultNTPThreshold = 500 * time.Millisecond
)

type NTPPhase uint8

const (
	NTPUnchecked NTPPhase = iota + 1
	NTPHealthy
	NTPUnhealthyOffset
	NTPError
)

func (p NTPPhase) String() string {
	switch p {
	case NTPUnchecked:
		return "unchecked"
	case NTPHealthy:
		return "healthy"
	case NTPUnhealthyOffset:
		return "unhealthy_offset"
	case NTPError:
		return "error"
	default:
		return "unknown"
	}
}

type Status struct {
	Offset    time.Duration
	Phase     NTPPhase
	Error     string
	CheckedAt time.Time
}

// Checker queries an NTP pool on an interval and classifies the local
// clock offset against a threshold.
type Checker struct {
	mu        sync.RWMutex
	status    Status
	pool      string
	interval  time.Duration
	threshold time.Duration

	// CheckFunc overrides the NTP query; used by tests.
	CheckFunc func() Status
}

func NewChecker() *Checker {
	return &Checker{
		pool:      defaultNTPPool,
		interval:  defaultNTPInterval,
		threshold: defaultNTPThreshold,
		status: Status{
			Phase: NTPUnchecked,
		},
	}
}

func (n *Checker) Run(ctx context.Context) {
	n.check()

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.check()
		}
	}
}

func (n *Checker) check() {
	if n.CheckFunc != nil {
		n.mu.Lock()
		n.status = n.CheckFunc()
		n.mu.Unlock()
		return
	}

	resp, err := ntp.Query(n.pool)

	n.mu.Lock()
	defer n.mu.Unlock()

	now := time.Now()
	if err != nil {
		n.status = Status{Error: err.Error(), Phase: NTPError, CheckedAt: now}
		return
	}

	phase := NTPUnhealthyOffset
	if resp.ClockOffset.Abs() < n.threshold {
		phase = NTPHealthy
	}
	n.status = Status{Offset: resp.ClockOffset, Phase: phase, CheckedAt: now}
}

func (n *Checker) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}

// HeartbeatPayload renders the status for a control-channel heartbeat.
func (n *Checker) HeartbeatPayload() map[string]any {
	status := n.Status()
	payload := map[string]any{
		"ntp": status.Phase.String(),
	}
	if status.Phase == NTPHealthy || status.Phase == NTPUnhealthyOffset {
		payload["ntp_offset_ms"] = status.Offset.Milliseconds()
	}
	if status.Error != "" {
		payload["ntp_error"] = status.Error
	}
	return payload
}
