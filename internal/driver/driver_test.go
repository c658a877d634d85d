package driver

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/containerd/errdefs"

	"github.com/infrasonar/rapp/internal/state"
)

// fakeEngine records operations in order and fails where instructed.
type fakeEngine struct {
	ops        []string
	apiVersion string
	failPull   map[string]error
	failCreate map[string]int // remaining failures per container name
	createErr  error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		apiVersion: "1.51",
		failPull:   map[string]error{},
		failCreate: map[string]int{},
	}
}

func (f *fakeEngine) Ping(context.Context) (string, error) { return f.apiVersion, nil }

func (f *fakeEngine) ImagePull(_ context.Context, img string) error {
	f.ops = append(f.ops, "pull "+img)
	return f.failPull[img]
}

func (f *fakeEngine) ContainerCreateStart(_ context.Context, spec CreateSpec) error {
	f.ops = append(f.ops, "create "+spec.Name)
	if f.failCreate[spec.Name] > 0 {
		f.failCreate[spec.Name]--
		if f.createErr != nil {
			return f.createErr
		}
		return errors.New("daemon busy")
	}
	return nil
}

func (f *fakeEngine) ContainerStopRemove(_ context.Context, name string) error {
	f.ops = append(f.ops, "stop "+name)
	return nil
}

func (f *fakeEngine) ContainerList(context.Context, string) ([]ContainerInfo, error) {
	return nil, nil
}

func (f *fakeEngine) ContainerLogs(context.Context, string, int) (string, error) {
	return "", nil
}

func (f *fakeEngine) ImagesPrune(context.Context) (uint64, error) { return 0, nil }

func (f *fakeEngine) Close() error { return nil }

func testDriver(engine Engine) *Driver {
	d := New(engine, "infrasonar")
	d.newPolicy = func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 5)
	}
	return d
}

func runtimeSpec(service, img string) *state.ServiceRuntime {
	return &state.ServiceRuntime{Service: service, Image: img}
}

func testPlan() state.Plan {
	return state.Plan{Actions: []state.Action{
		{Service: "old-probe", Kind: state.ActionStop, Reason: "service removed from desired state"},
		{Service: "new-probe", Kind: state.ActionStart,
			Runtime: runtimeSpec("new-probe", "ghcr.io/infrasonar/new-probe"),
			Reason:  "service added to desired state"},
		{Service: "wmi-probe", Kind: state.ActionRecreate,
			Runtime: runtimeSpec("wmi-probe", "ghcr.io/infrasonar/wmi-probe:v2"),
			Reason:  "image changed"},
	}}
}

func TestApplyOrdersPullsStopsStarts(t *testing.T) {
	engine := newFakeEngine()
	d := testDriver(engine)

	report, err := d.Apply(context.Background(), testPlan(), false)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	want := []string{
		"pull ghcr.io/infrasonar/new-probe",
		"pull ghcr.io/infrasonar/wmi-probe:v2",
		"stop infrasonar-old-probe-1",
		"create infrasonar-new-probe-1",
		"create infrasonar-wmi-probe-1",
	}
	if len(engine.ops) != len(want) {
		t.Fatalf("ops = %v, want %v", engine.ops, want)
	}
	for i := range want {
		if engine.ops[i] != want[i] {
			t.Errorf("op[%d] = %q, want %q", i, engine.ops[i], want[i])
		}
	}
	if len(report.Stopped) != 1 || len(report.Started) != 1 || len(report.Recreated) != 1 {
		t.Errorf("unexpected report: %+v", report)
	}
}

func TestApplySkipPull(t *testing.T) {
	engine := newFakeEngine()
	d := testDriver(engine)

	if _, err := d.Apply(context.Background(), testPlan(), true); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	for _, op := range engine.ops {
		if op[:4] == "pull" {
			t.Fatalf("image pulled despite skip: %v", engine.ops)
		}
	}
}

func TestApplyEmptyPlanTouchesNothing(t *testing.T) {
	engine := newFakeEngine()
	d := testDriver(engine)

	if _, err := d.Apply(context.Background(), state.Plan{}, false); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(engine.ops) != 0 {
		t.Fatalf("unexpected engine calls: %v", engine.ops)
	}
}

func TestApplyRetriesTransientFailures(t *testing.T) {
	engine := newFakeEngine()
	engine.failCreate["infrasonar-new-probe-1"] = 2
	d := testDriver(engine)

	plan := state.Plan{Actions: []state.Action{
		{Service: "new-probe", Kind: state.ActionStart,
			Runtime: runtimeSpec("new-probe", "ghcr.io/infrasonar/new-probe")},
	}}
	report, err := d.Apply(context.Background(), plan, true)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	creates := 0
	for _, op := range engine.ops {
		if op == "create infrasonar-new-probe-1" {
			creates++
		}
	}
	if creates != 3 {
		t.Errorf("expected 3 create attempts, got %d", creates)
	}
	if len(report.Started) != 1 {
		t.Errorf("service not reported started: %+v", report)
	}
}

func TestApplyPermanentFailureAbortsRemainder(t *testing.T) {
	engine := newFakeEngine()
	engine.failCreate["infrasonar-new-probe-1"] = 1
	engine.createErr = fmt.Errorf("bad spec: %w", errdefs.ErrInvalidArgument)
	d := testDriver(engine)

	_, err := d.Apply(context.Background(), testPlan(), true)
	if err == nil {
		t.Fatal("expected apply failure")
	}
	var oe *OpError
	if !errors.As(err, &oe) {
		t.Fatalf("expected OpError, got %T", err)
	}
	if oe.Transient {
		t.Error("invalid argument classified transient")
	}
	// The recreate after the failing start must not run.
	for _, op := range engine.ops {
		if op == "create infrasonar-wmi-probe-1" {
			t.Fatalf("plan continued past permanent failure: %v", engine.ops)
		}
	}
	// The stop before it must have run.
	if engine.ops[0] != "stop infrasonar-old-probe-1" {
		t.Errorf("earlier actions missing: %v", engine.ops)
	}
}

func TestApplyTransientPullExhaustsRetries(t *testing.T) {
	engine := newFakeEngine()
	engine.failPull["ghcr.io/infrasonar/new-probe"] = errors.New("registry timeout")
	d := testDriver(engine)

	plan := state.Plan{Actions: []state.Action{
		{Service: "new-probe", Kind: state.ActionStart,
			Runtime: runtimeSpec("new-probe", "ghcr.io/infrasonar/new-probe")},
	}}
	_, err := d.Apply(context.Background(), plan, false)
	if err == nil {
		t.Fatal("expected pull failure")
	}
	if !IsTransient(err) {
		t.Error("registry timeout classified permanent")
	}
}

func TestVerifyEngineRejectsOldAPI(t *testing.T) {
	engine := newFakeEngine()
	engine.apiVersion = "1.41"
	d := testDriver(engine)

	if err := d.VerifyEngine(context.Background()); err == nil {
		t.Fatal("expected version gate failure")
	}
	engine.apiVersion = "1.43"
	if err := d.VerifyEngine(context.Background()); err != nil {
		t.Fatalf("minimum version rejected: %v", err)
	}
}

func TestAPIVersionAtLeast(t *testing.T) {
	tests := []struct {
		have, want string
		ok         bool
	}{
		{"1.43", "1.43", true},
		{"1.51", "1.43", true},
		{"2.0", "1.43", true},
		{"1.42", "1.43", false},
		{"1.9", "1.43", false},
		{"", "1.43", false},
		{"bogus", "1.43", false},
	}
	for _, tt := range tests {
		if got := apiVersionAtLeast(tt.have, tt.want); got != tt.ok {
			t.Errorf("apiVersionAtLeast(%q, %q) = %v, want %v", tt.have, tt.want, got, tt.ok)
		}
	}
}

func TestContainerName(t *testing.T) {
	if got := ContainerName("infrasonar", "wmi-probe"); got != "infrasonar-wmi-probe-1" {
		t.Errorf("unexpected container name: %q", got)
	}
}
