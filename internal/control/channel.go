package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// Phase is the connection lifecycle state.
type Phase int32

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseHandshaking
	PhaseActive
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseHandshaking:
		return "handshaking"
	case PhaseActive:
		return "active"
	default:
		return "unknown"
	}
}

const (
	dialTimeout      = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second

	// Heartbeats go out every heartbeatEvery; deadAfter of silence from
	// AgentCore forces a reconnect.
	heartbeatEvery = 8 * time.Second
	deadAfter      = 30 * time.Second

	// Reconnect backoff window, and the Active uptime after which the
	// backoff resets to its minimum.
	reconnectMin      = 2 * time.Second
	reconnectMax      = 128 * time.Second
	stableActiveReset = 60 * time.Second
)

// ErrBusy is returned by a Handler while a reconcile is in flight; the
// channel answers the command with a Busy package.
var ErrBusy = errors.New("reconcile in progress")

// ErrAccessDenied is returned by a Handler for a command the local policy
// forbids; the channel answers with a NoAccess package.
var ErrAccessDenied = errors.New("remote access disabled")

// Handler executes AgentCore commands. Push receives the raw CBOR state
// document; Log serves container log lines from an absolute offset. Pause
// and Resume suspend and re-enable container convergence.
type Handler interface {
	HandleRead(ctx context.Context) (any, error)
	HandlePush(ctx context.Context, payload []byte) error
	HandleUpdate(ctx context.Context) error
	HandlePause(ctx context.Context) error
	HandleResume(ctx context.Context) error
	HandleLog(ctx context.Context, name string, start int) (any, error)
}

// Options configures a Channel.
type Options struct {
	Addr    string
	Token   string
	Version string
	ZoneID  int

	// AllowRemote gates mutating commands (Push, Update, Pause, Resume).
	// When false they are answered with NoAccess, never silently dropped.
	AllowRemote bool

	Handler Handler

	// Health supplies ambient readings for heartbeat payloads; may be nil.
	Health func() map[string]any

	// Dial overrides the TCP dialer; used by tests.
	Dial func(ctx context.Context) (net.Conn, error)
}

// Channel maintains the AgentCore connection: Disconnected, Connecting,
// Handshaking, Active, and back on any failure, retried indefinitely.
type Channel struct {
	opts Options
	log  *slog.Logger

	phase atomic.Int32

	mu      sync.Mutex
	session *session

	// Timings are fields so tests can shrink them.
	heartbeatEvery time.Duration
	deadAfter      time.Duration
	stableReset    time.Duration
	reconnectMin   time.Duration
	reconnectMax   time.Duration
}

type session struct {
	id   uuid.UUID
	conn net.Conn
}

// New builds a Channel; call Run to operate it.
func New(opts Options) *Channel {
	c := &Channel{
		opts:           opts,
		log:            slog.With("component", "control"),
		heartbeatEvery: heartbeatEvery,
		deadAfter:      deadAfter,
		stableReset:    stableActiveReset,
		reconnectMin:   reconnectMin,
		reconnectMax:   reconnectMax,
	}
	if c.opts.Dial == nil {
		c.opts.Dial = func(ctx context.Context) (net.Conn, error) {
			d := net.Dialer{Timeout: dialTimeout}
			return d.DialContext(ctx, "tcp", opts.Addr)
		}
	}
	return c
}

// Phase returns the current lifecycle state.
func (c *Channel) Phase() Phase { return Phase(c.phase.Load()) }

func (c *Channel) setPhase(p Phase) { c.phase.Store(int32(p)) }

// Run connects and serves until ctx is cancelled. Connection failures and
// protocol errors never propagate; they arm the reconnect backoff.
func (c *Channel) Run(ctx context.Context) error {
	bo := c.newReconnectBackoff()
	for {
		active, err := c.runSession(ctx)
		c.setPhase(PhaseDisconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if active >= c.stableReset {
			bo.Reset()
		}
		delay := bo.NextBackOff()
		c.log.Warn("agentcore connection lost",
			"err", err, "retry_in", delay.Round(time.Millisecond))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Channel) newReconnectBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.reconnectMin
	bo.MaxInterval = c.reconnectMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0
	return bo
}

// runSession performs one connect/handshake/serve cycle and reports how
// long the connection stayed Active.
func (c *Channel) runSession(ctx context.Context) (time.Duration, error) {
	c.setPhase(PhaseConnecting)
	conn, err := c.opts.Dial(ctx)
	if err != nil {
		return 0, fmt.Errorf("connect to agentcore: %w", err)
	}

	c.setPhase(PhaseHandshaking)
	if err := c.handshake(conn); err != nil {
		_ = conn.Close()
		return 0, err
	}

	s := &session{id: uuid.New(), conn: conn}
	c.mu.Lock()
	c.session = s
	c.mu.Unlock()
	c.setPhase(PhaseActive)
	c.log.Info("agentcore connection established", "session", s.id)
	activeAt := time.Now()

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The connection is the only thing blocking the read loop; close it
	// when the context ends or the heartbeat writer fails.
	go func() {
		<-serveCtx.Done()
		_ = conn.Close()
	}()
	go c.heartbeatLoop(serveCtx, s, cancel)

	err = c.readLoop(serveCtx, s)

	cancel()
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
	return time.Since(activeAt), err
}

// handshake authenticates with the agentcore token and announces the
// agent version. Rejection is a ProtocolError for this attempt only.
func (c *Channel) handshake(conn net.Conn) error {
	req, err := NewPackage(TypeHandshake, 0, handshakeRequest{
		Token:   c.opts.Token,
		Version: c.opts.Version,
		ZoneID:  c.opts.ZoneID,
	})
	if err != nil {
		return err
	}
	deadline := time.Now().Add(handshakeTimeout)
	_ = conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	if err := WritePackage(conn, req); err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}
	res, err := ReadPackage(conn)
	if err != nil {
		return fmt.Errorf("read handshake response: %w", err)
	}
	if res.Type != TypeHandshakeRes {
		return &ProtocolError{Reason: fmt.Sprintf("unexpected handshake response type 0x%02x", res.Type)}
	}
	var verdict handshakeResponse
	if err := res.Decode(&verdict); err != nil {
		return err
	}
	if !verdict.OK {
		reason := verdict.Reason
		if reason == "" {
			reason = "handshake rejected"
		}
		return &ProtocolError{Reason: reason}
	}
	return nil
}

// readLoop decodes inbound frames until the connection dies or dead-air
// exceeds the timeout. Each command is served on its own goroutine; the
// write path is serialized separately.
func (c *Channel) readLoop(ctx context.Context, s *session) error {
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(c.deadAfter))
		pkg, err := ReadPackage(s.conn)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return fmt.Errorf("no traffic for %s", c.deadAfter)
			}
			var pe *ProtocolError
			if errors.As(err, &pe) {
				return pe
			}
			return err
		}
		go c.dispatch(ctx, s, pkg)
	}
}

func (c *Channel) heartbeatLoop(ctx context.Context, s *session, cancel context.CancelFunc) {
	ticker := time.NewTicker(c.heartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		hb := heartbeat{SentAt: time.Now().Unix()}
		if c.opts.Health != nil {
			hb.Health = c.opts.Health()
		}
		pkg, err := NewPackage(TypeHeartbeat, 0, hb)
		if err != nil {
			c.log.Error("encode heartbeat", "err", err)
			continue
		}
		if err := c.write(s, pkg); err != nil {
			c.log.Warn("heartbeat write failed", "err", err)
			cancel()
			return
		}
	}
}

// dispatch serves one inbound command and writes exactly one response.
func (c *Channel) dispatch(ctx context.Context, s *session, pkg Package) {
	res := c.serve(ctx, pkg)
	if res == nil {
		return
	}
	if err := c.write(s, *res); err != nil {
		c.log.Warn("response write failed",
			"type", fmt.Sprintf("0x%02x", pkg.Type), "pid", pkg.Pid, "err", err)
	}
}

func (c *Channel) serve(ctx context.Context, pkg Package) *Package {
	h := c.opts.Handler
	switch pkg.Type {
	case TypePing:
		c.log.Debug("ping", "pid", pkg.Pid)
		return c.result(pkg.Pid, nil, nil)

	case TypeRead:
		c.log.Debug("read", "pid", pkg.Pid)
		data, err := h.HandleRead(ctx)
		return c.result(pkg.Pid, data, err)

	case TypePush:
		c.log.Debug("push", "pid", pkg.Pid)
		if !c.opts.AllowRemote {
			return c.denied(pkg)
		}
		return c.result(pkg.Pid, nil, h.HandlePush(ctx, pkg.Data))

	case TypeUpdate:
		c.log.Debug("update", "pid", pkg.Pid)
		if !c.opts.AllowRemote {
			return c.denied(pkg)
		}
		return c.result(pkg.Pid, nil, h.HandleUpdate(ctx))

	case TypePause:
		c.log.Debug("pause", "pid", pkg.Pid)
		if !c.opts.AllowRemote {
			return c.denied(pkg)
		}
		return c.result(pkg.Pid, nil, h.HandlePause(ctx))

	case TypeResume:
		c.log.Debug("resume", "pid", pkg.Pid)
		if !c.opts.AllowRemote {
			return c.denied(pkg)
		}
		return c.result(pkg.Pid, nil, h.HandleResume(ctx))

	case TypeLog:
		var req logRequest
		if err := pkg.Decode(&req); err != nil {
			return c.result(pkg.Pid, nil, err)
		}
		if req.Name == "" || req.Start < 0 {
			return c.result(pkg.Pid, nil, errors.New("missing or invalid log request"))
		}
		data, err := h.HandleLog(ctx, req.Name, req.Start)
		return c.result(pkg.Pid, data, err)

	default:
		c.log.Error("unhandled package type", "type", fmt.Sprintf("0x%02x", pkg.Type))
		return nil
	}
}

// denied answers a mutating command rejected by the access policy.
func (c *Channel) denied(pkg Package) *Package {
	c.log.Warn("remote command rejected, remote access disabled",
		"type", fmt.Sprintf("0x%02x", pkg.Type), "pid", pkg.Pid)
	res, _ := NewPackage(TypeNoAccess, pkg.Pid, nil)
	return &res
}

// result converts a handler outcome into the matching response package.
func (c *Channel) result(pid uint16, data any, err error) *Package {
	switch {
	case err == nil:
		res, mkErr := NewPackage(TypeRes, pid, data)
		if mkErr != nil {
			return c.result(pid, nil, mkErr)
		}
		return &res
	case errors.Is(err, ErrBusy):
		res, _ := NewPackage(TypeBusy, pid, nil)
		return &res
	case errors.Is(err, ErrAccessDenied):
		res, _ := NewPackage(TypeNoAccess, pid, nil)
		return &res
	default:
		reason := err.Error()
		c.log.Error("command failed", "pid", pid, "err", err)
		res, mkErr := NewPackage(TypeErr, pid, errPayload{Reason: reason})
		if mkErr != nil {
			res, _ = NewPackage(TypeErr, pid, nil)
		}
		return &res
	}
}

// write serializes frame writes on the session connection.
func (c *Channel) write(s *session, pkg Package) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != s {
		return net.ErrClosed
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return WritePackage(s.conn, pkg)
}

// SendResult reports an asynchronous reconcile outcome to AgentCore. When
// no session is active the result is dropped with a log line; AgentCore
// learns the effective state from its next Read.
func (c *Channel) SendResult(ok bool, detail string) {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		c.log.Debug("result dropped, not connected", "ok", ok, "detail", detail)
		return
	}
	var pkg Package
	var err error
	if ok {
		pkg, err = NewPackage(TypeRes, 0, nil)
	} else {
		pkg, err = NewPackage(TypeErr, 0, errPayload{Reason: detail})
	}
	if err == nil {
		err = c.write(s, pkg)
	}
	if err != nil {
		c.log.Warn("result write failed", "err", err)
	}
}
