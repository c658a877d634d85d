package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"sync"
	"time"
)

const (
	pollInterval   = 1 * time.Second
	debounceWindow = 500 * time.Millisecond
)

// Event reports that one or more watched files changed on disk. Changes
// within the debounce window are coalesced into a single event.
type Event struct {
	Paths []string
	At    time.Time
}

// Watcher polls a fixed set of files for modification-time or content-hash
// changes. Polling is deliberate: the watched files live on bind mounts
// where inotify delivery is unreliable, and a 1s tick is cheap for three
// small files.
type Watcher struct {
	paths    []string
	interval time.Duration
	debounce time.Duration
	events   chan Event

	mu      sync.Mutex
	digests map[string]fileDigest
	pending map[string]bool
}

type fileDigest struct {
	modTime time.Time
	size    int64
	sum     string
}

// NewWatcher creates a watcher for the given files. Call Prime before Run
// to avoid an immediate event for the initial file contents.
func NewWatcher(paths ...string) *Watcher {
	return &Watcher{
		paths:    append([]string(nil), paths...),
		interval: pollInterval,
		debounce: debounceWindow,
		events:   make(chan Event, 8),
		digests:  make(map[string]fileDigest),
		pending:  make(map[string]bool),
	}
}

// Events returns the change stream. The channel is never closed by the
// watcher; consumers stop via their own context.
func (w *Watcher) Events() <-chan Event { return w.events }

// Prime snapshots the current digests of all watched files so the next
// poll only reports genuine changes.
func (w *Watcher) Prime() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range w.paths {
		if d, ok := digestFile(p); ok {
			w.digests[p] = d
		}
	}
}

// Refresh re-snapshots the given files without emitting an event. The
// reconciler calls this right after committing files itself, so its own
// writes are not observed as external edits.
func (w *Watcher) Refresh(paths ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range paths {
		delete(w.pending, p)
		if d, ok := digestFile(p); ok {
			w.digests[p] = d
		} else {
			delete(w.digests, p)
		}
	}
}

// Run polls until ctx is done. It never writes the files it watches.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var debounce *time.Timer
	var debounceC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if w.scan() && debounceC == nil {
				debounce = time.NewTimer(w.debounce)
				debounceC = debounce.C
			}
		case at := <-debounceC:
			debounce.Stop()
			debounceC = nil
			w.flush(at)
		}
	}
}

// scan checks every watched file once, marking changed paths pending.
// It reports whether anything new became pending.
func (w *Watcher) scan() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	changed := false
	for _, p := range w.paths {
		d, ok := digestFile(p)
		if !ok {
			// Missing file: only interesting if we had a digest before.
			if _, had := w.digests[p]; had {
				delete(w.digests, p)
				if !w.pending[p] {
					w.pending[p] = true
					changed = true
				}
			}
			continue
		}
		prev, had := w.digests[p]
		if had && prev.modTime.Equal(d.modTime) && prev.size == d.size {
			continue
		}
		w.digests[p] = d
		if had && prev.sum == d.sum {
			// Touched but content identical.
			continue
		}
		if !w.pending[p] {
			w.pending[p] = true
			changed = true
		}
	}
	return changed
}

func (w *Watcher) flush(at time.Time) {
	w.mu.Lock()
	paths := make([]string, 0, len(w.pending))
	for p := range w.pending {
		paths = append(paths, p)
	}
	w.pending = make(map[string]bool)
	w.mu.Unlock()

	if len(paths) == 0 {
		return
	}
	select {
	case w.events <- Event{Paths: paths, At: at}:
	default:
		slog.Warn("config change event dropped, consumer is behind", "paths", paths)
	}
}

func digestFile(path string) (fileDigest, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return fileDigest{}, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fileDigest{}, false
	}
	sum := sha256.Sum256(data)
	return fileDigest{
		modTime: info.ModTime(),
		size:    info.Size(),
		sum:     hex.EncodeToString(sum[:]),
	}, true
}
