package control

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

type fakeHandler struct {
	readDoc   any
	pushErr   error
	pushed    [][]byte
	updateErr error
	logLines  any
	paused    int
	resumed   int
}

func (h *fakeHandler) HandleRead(context.Context) (any, error) {
	return h.readDoc, nil
}

func (h *fakeHandler) HandlePush(_ context.Context, payload []byte) error {
	h.pushed = append(h.pushed, payload)
	return h.pushErr
}

func (h *fakeHandler) HandleUpdate(context.Context) error { return h.updateErr }

func (h *fakeHandler) HandlePause(context.Context) error {
	h.paused++
	return nil
}

func (h *fakeHandler) HandleResume(context.Context) error {
	h.resumed++
	return nil
}

func (h *fakeHandler) HandleLog(_ context.Context, name string, start int) (any, error) {
	return h.logLines, nil
}

// testChannel runs a Channel against pipe connections handed out per dial
// attempt. The server side of each accepted connection arrives on conns.
func testChannel(t *testing.T, handler Handler, allowRemote bool) (*Channel, chan net.Conn, context.CancelFunc) {
	t.Helper()
	conns := make(chan net.Conn, 8)
	c := New(Options{
		Addr:        "test",
		Token:       "0123456789abcdef0123456789abcdef",
		Version:     "0.3.0-test",
		AllowRemote: allowRemote,
		Handler:     handler,
		Dial: func(ctx context.Context) (net.Conn, error) {
			srv, cli := net.Pipe()
			conns <- srv
			return cli, nil
		},
	})
	c.heartbeatEvery = 50 * time.Millisecond
	c.deadAfter = 200 * time.Millisecond
	c.stableReset = 100 * time.Millisecond
	c.reconnectMin = 10 * time.Millisecond
	c.reconnectMax = 40 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = c.Run(ctx) }()
	t.Cleanup(cancel)
	return c, conns, cancel
}

// acceptHandshake plays the AgentCore side of a handshake on conn.
func acceptHandshake(t *testing.T, conn net.Conn) {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	pkg, err := ReadPackage(conn)
	if err != nil {
		t.Fatalf("read handshake: %v", err)
	}
	if pkg.Type != TypeHandshake {
		t.Fatalf("expected handshake, got 0x%02x", pkg.Type)
	}
	var req handshakeRequest
	if err := pkg.Decode(&req); err != nil {
		t.Fatalf("decode handshake: %v", err)
	}
	if req.Token == "" || req.Version == "" {
		t.Fatalf("handshake misses identity: %+v", req)
	}
	res, _ := NewPackage(TypeHandshakeRes, pkg.Pid, handshakeResponse{OK: true})
	if err := WritePackage(conn, res); err != nil {
		t.Fatalf("write handshake response: %v", err)
	}
	_ = conn.SetDeadline(time.Time{})
}

// request sends one command and waits for the matching response, reading
// past heartbeats.
func request(t *testing.T, conn net.Conn, pkg Package) Package {
	t.Helper()
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	defer conn.SetDeadline(time.Time{})
	if err := WritePackage(conn, pkg); err != nil {
		t.Fatalf("write request: %v", err)
	}
	for {
		res, err := ReadPackage(conn)
		if err != nil {
			t.Fatalf("read response: %v", err)
		}
		if res.Type == TypeHeartbeat {
			continue
		}
		if res.Pid != pkg.Pid {
			t.Fatalf("response pid %d for request pid %d", res.Pid, pkg.Pid)
		}
		return res
	}
}

func TestChannelPingRoundTrip(t *testing.T) {
	_, conns, _ := testChannel(t, &fakeHandler{}, true)
	conn := <-conns
	acceptHandshake(t, conn)

	ping, _ := NewPackage(TypePing, 9, nil)
	res := request(t, conn, ping)
	if res.Type != TypeRes {
		t.Fatalf("expected Res, got 0x%02x", res.Type)
	}
}

func TestChannelReadServesDocument(t *testing.T) {
	handler := &fakeHandler{readDoc: map[string]any{"probes": []string{"wmi"}}}
	_, conns, _ := testChannel(t, handler, true)
	conn := <-conns
	acceptHandshake(t, conn)

	read, _ := NewPackage(TypeRead, 3, nil)
	res := request(t, conn, read)
	if res.Type != TypeRes {
		t.Fatalf("expected Res, got 0x%02x", res.Type)
	}
	var doc struct {
		Probes []string `cbor:"probes"`
	}
	if err := res.Decode(&doc); err != nil {
		t.Fatalf("decode document: %v", err)
	}
	if len(doc.Probes) != 1 || doc.Probes[0] != "wmi" {
		t.Errorf("unexpected document: %+v", doc)
	}
}

func TestChannelPushDeniedWithoutRemoteAccess(t *testing.T) {
	handler := &fakeHandler{}
	_, conns, _ := testChannel(t, handler, false)
	conn := <-conns
	acceptHandshake(t, conn)

	push, _ := NewPackage(TypePush, 5, map[string]any{"probes": []any{}})
	res := request(t, conn, push)
	if res.Type != TypeNoAccess {
		t.Fatalf("expected NoAccess, got 0x%02x", res.Type)
	}
	if len(handler.pushed) != 0 {
		t.Error("push reached handler despite policy")
	}
}

func TestChannelPushBusy(t *testing.T) {
	handler := &fakeHandler{pushErr: ErrBusy}
	_, conns, _ := testChannel(t, handler, true)
	conn := <-conns
	acceptHandshake(t, conn)

	push, _ := NewPackage(TypePush, 6, map[string]any{})
	res := request(t, conn, push)
	if res.Type != TypeBusy {
		t.Fatalf("expected Busy, got 0x%02x", res.Type)
	}
}

func TestChannelPushErrorCarriesReason(t *testing.T) {
	handler := &fakeHandler{pushErr: errors.New("invalid zone")}
	_, conns, _ := testChannel(t, handler, true)
	conn := <-conns
	acceptHandshake(t, conn)

	push, _ := NewPackage(TypePush, 8, map[string]any{})
	res := request(t, conn, push)
	if res.Type != TypeErr {
		t.Fatalf("expected Err, got 0x%02x", res.Type)
	}
	var body struct {
		Reason string `cbor:"reason"`
	}
	if err := res.Decode(&body); err != nil {
		t.Fatalf("decode err payload: %v", err)
	}
	if body.Reason != "invalid zone" {
		t.Errorf("unexpected reason: %q", body.Reason)
	}
}

func TestChannelPauseResumeRoundTrip(t *testing.T) {
	handler := &fakeHandler{}
	_, conns, _ := testChannel(t, handler, true)
	conn := <-conns
	acceptHandshake(t, conn)

	pause, _ := NewPackage(TypePause, 11, nil)
	if res := request(t, conn, pause); res.Type != TypeRes {
		t.Fatalf("pause: expected Res, got 0x%02x", res.Type)
	}
	resume, _ := NewPackage(TypeResume, 12, nil)
	if res := request(t, conn, resume); res.Type != TypeRes {
		t.Fatalf("resume: expected Res, got 0x%02x", res.Type)
	}
	if handler.paused != 1 || handler.resumed != 1 {
		t.Errorf("handler calls: paused=%d resumed=%d", handler.paused, handler.resumed)
	}
}

func TestChannelPauseDeniedWithoutRemoteAccess(t *testing.T) {
	handler := &fakeHandler{}
	_, conns, _ := testChannel(t, handler, false)
	conn := <-conns
	acceptHandshake(t, conn)

	pause, _ := NewPackage(TypePause, 13, nil)
	if res := request(t, conn, pause); res.Type != TypeNoAccess {
		t.Fatalf("expected NoAccess, got 0x%02x", res.Type)
	}
	if handler.paused != 0 {
		t.Error("pause reached handler despite policy")
	}
}

func TestChannelHeartbeats(t *testing.T) {
	_, conns, _ := testChannel(t, &fakeHandler{}, true)
	conn := <-conns
	acceptHandshake(t, conn)

	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	pkg, err := ReadPackage(conn)
	if err != nil {
		t.Fatalf("read heartbeat: %v", err)
	}
	if pkg.Type != TypeHeartbeat {
		t.Fatalf("expected heartbeat, got 0x%02x", pkg.Type)
	}
	var hb struct {
		SentAt int64 `cbor:"t"`
	}
	if err := pkg.Decode(&hb); err != nil {
		t.Fatalf("decode heartbeat: %v", err)
	}
	if hb.SentAt == 0 {
		t.Error("heartbeat misses timestamp")
	}
}

func TestChannelDeadAirReconnects(t *testing.T) {
	c, conns, _ := testChannel(t, &fakeHandler{}, true)
	conn := <-conns
	acceptHandshake(t, conn)

	// Drain heartbeats but never send anything; the channel must declare
	// the connection dead and dial again.
	go func() {
		for {
			if _, err := ReadPackage(conn); err != nil {
				return
			}
		}
	}()

	select {
	case conn2 := <-conns:
		acceptHandshake(t, conn2)
	case <-time.After(3 * time.Second):
		t.Fatal("no reconnect after dead air")
	}
	if phase := c.Phase(); phase != PhaseActive {
		// The second handshake just completed; allow a short settle.
		time.Sleep(50 * time.Millisecond)
		if phase = c.Phase(); phase != PhaseActive {
			t.Errorf("phase after reconnect = %s", phase)
		}
	}
}

func TestChannelRejectedHandshakeRetries(t *testing.T) {
	_, conns, _ := testChannel(t, &fakeHandler{}, true)

	conn := <-conns
	_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
	pkg, err := ReadPackage(conn)
	if err != nil {
		t.Fatalf("read handshake: %v", err)
	}
	res, _ := NewPackage(TypeHandshakeRes, pkg.Pid, handshakeResponse{OK: false, Reason: "bad token"})
	if err := WritePackage(conn, res); err != nil {
		t.Fatalf("write rejection: %v", err)
	}

	// Rejection is fatal for the attempt only; a fresh dial must follow.
	select {
	case conn2 := <-conns:
		acceptHandshake(t, conn2)
	case <-time.After(3 * time.Second):
		t.Fatal("no retry after rejected handshake")
	}
}

func TestReconnectBackoffCappedAndResets(t *testing.T) {
	c := New(Options{Addr: "test"})
	bo := c.newReconnectBackoff()

	for i := 0; i < 12; i++ {
		d := bo.NextBackOff()
		if d > time.Duration(float64(reconnectMax)*1.2)+time.Second {
			t.Fatalf("delay %s exceeds jittered ceiling", d)
		}
		if d <= 0 {
			t.Fatalf("non-positive delay %s", d)
		}
	}

	bo.Reset()
	d := bo.NextBackOff()
	min := time.Duration(float64(reconnectMin) * 0.8)
	max := time.Duration(float64(reconnectMin) * 1.2)
	if d < min || d > max {
		t.Errorf("post-reset delay %s outside [%s, %s]", d, min, max)
	}
}
