// Package logview serves container log lines to AgentCore in pages with
// absolute line offsets, so the controller can poll `{name, start}`
// increments without re-reading the whole log.
package logview

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/infrasonar/rapp/internal/driver"
)

const (
	// maxIdle is how long a view survives without being read.
	maxIdle = 5 * time.Minute

	pruneEvery = 30 * time.Second

	// defaultLimit caps the lines of one page.
	defaultLimit = 500
)

// Engine is the log-reading slice of the container engine.
type Engine interface {
	ContainerLogs(ctx context.Context, name string, tail int) (string, error)
}

// Page is one log response. Next is the offset to request for the
// following page; Count the total lines currently known.
type Page struct {
	Lines []string `cbor:"lines"`
	Next  int      `cbor:"next"`
	Count int      `cbor:"count"`
	Start int      `cbor:"start"`
	Limit int      `cbor:"limit"`
}

type view struct {
	lines    []string
	accessed time.Time
}

// Manager keeps one view per service, dropped again after idle expiry.
type Manager struct {
	engine  Engine
	project string

	mu    sync.Mutex
	views map[string]*view

	now func() time.Time
}

func NewManager(engine Engine, project string) *Manager {
	return &Manager{
		engine:  engine,
		project: project,
		views:   map[string]*view{},
		now:     time.Now,
	}
}

// Lines fetches the service's container log and returns the page starting
// at the absolute line offset. An offset beyond the log (a restarted
// container shrank it) restarts at zero, mirroring what the controller
// expects.
func (m *Manager) Lines(ctx context.Context, service string, start int) (Page, error) {
	name := driver.ContainerName(m.project, service)
	raw, err := m.engine.ContainerLogs(ctx, name, 0)
	if err != nil {
		return Page{}, err
	}
	lines := splitLines(raw)

	m.mu.Lock()
	v, ok := m.views[service]
	if !ok {
		v = &view{}
		m.views[service] = v
	}
	v.lines = lines
	v.accessed = m.now()
	m.mu.Unlock()

	count := len(lines)
	if start > count {
		start = 0
	}
	end := start + defaultLimit
	if end > count {
		end = count
	}
	return Page{
		Lines: lines[start:end],
		Next:  end,
		Count: count,
		Start: start,
		Limit: defaultLimit,
	}, nil
}

// Run prunes idle views until ctx ends.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(pruneEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.prune(m.now())
		}
	}
}

func (m *Manager) prune(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, v := range m.views {
		if now.Sub(v.accessed) > maxIdle {
			delete(m.views, name)
		}
	}
}

func splitLines(raw string) []string {
	raw = strings.TrimRight(raw, "\n")
	if raw == "" {
		return nil
	}
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, "\r")
	}
	return lines
}
