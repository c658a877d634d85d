package health

import (
	"context"
	"testing"
	"time"
)

func TestCheckerStartsUnchecked(t *testing.T) {
	n := NewChecker()
	if n.Status().Phase != NTPUnchecked {
		t.Errorf("fresh checker phase = %s", n.Status().Phase)
	}
}

func TestCheckerUsesCheckFunc(t *testing.T) {
	n := NewChecker()
	n.CheckFunc = func() Status {
		return Status{Phase: NTPHealthy, Offset: 12 * time.Millisecond, CheckedAt: time.Now()}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n.Run(ctx) // one immediate check, then exits on the cancelled context

	status := n.Status()
	if status.Phase != NTPHealthy {
		t.Errorf("phase = %s", status.Phase)
	}
	if status.Offset != 12*time.Millisecond {
		t.Errorf("offset = %s", status.Offset)
	}
}

func TestHeartbeatPayload(t *testing.T) {
	n := NewChecker()
	n.CheckFunc = func() Status {
		return Status{Phase: NTPUnhealthyOffset, Offset: 900 * time.Millisecond}
	}
	n.check()

	payload := n.HeartbeatPayload()
	if payload["ntp"] != "unhealthy_offset" {
		t.Errorf("phase missing: %v", payload)
	}
	if payload["ntp_offset_ms"] != int64(900) {
		t.Errorf("offset missing: %v", payload)
	}

	n.CheckFunc = func() Status {
		return Status{Phase: NTPError, Error: "no route to host"}
	}
	n.check()
	payload = n.HeartbeatPayload()
	if payload["ntp_error"] != "no route to host" {
		t.Errorf("error missing: %v", payload)
	}
	if _, ok := payload["ntp_offset_ms"]; ok {
		t.Errorf("offset present on error: %v", payload)
	}
}
