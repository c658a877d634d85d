package state

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"github.com/compose-spec/compose-go/v2/loader"
	compose "github.com/compose-spec/compose-go/v2/types"

	"github.com/infrasonar/rapp/internal/check"
	"github.com/infrasonar/rapp/internal/config"
)

// ActionKind is the per-service corrective action of an operation plan.
type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionStart
	ActionStop
	ActionRecreate
)

func (k ActionKind) String() string {
	switch k {
	case ActionNone:
		return "none"
	case ActionStart:
		return "start"
	case ActionStop:
		return "stop"
	case ActionRecreate:
		return "recreate"
	default:
		return "unknown"
	}
}

// Mount is a bind mount of a service runtime spec.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// PortMapping is a published port of a service runtime spec.
type PortMapping struct {
	HostIP        string
	HostPort      uint16
	ContainerPort uint16
	Protocol      string
}

// ServiceRuntime is the normalized creation spec of one service, with
// environment values already interpolated from the env file.
type ServiceRuntime struct {
	Service     string
	Image       string
	Command     []string
	Entrypoint  []string
	Environment []string
	Mounts      []Mount
	Ports       []PortMapping
	NetworkMode string
}

// Action is one service-level operation. Stop actions carry no runtime
// spec.
type Action struct {
	Service string
	Kind    ActionKind
	Runtime *ServiceRuntime
	Reason  string
}

// Image returns the action's target image, or "" for stops.
func (a Action) Image() string {
	if a.Runtime == nil {
		return ""
	}
	return a.Runtime.Image
}

// Plan is the ordered set of actions moving the running state to the
// desired one: stops first, then starts and recreates, alphabetical within
// each group.
type Plan struct {
	Actions []Action
}

// Empty reports whether the plan requires no engine operations.
func (p Plan) Empty() bool { return len(p.Actions) == 0 }

// PullImages lists the images needed by start/recreate actions, deduped.
func (p Plan) PullImages() []string {
	seen := map[string]bool{}
	images := make([]string, 0, len(p.Actions))
	for _, a := range p.Actions {
		img := a.Image()
		if a.Kind == ActionStop || img == "" || seen[img] {
			continue
		}
		seen[img] = true
		images = append(images, img)
	}
	return images
}

// Diff computes the minimal plan from current to desired. Services RAPP
// must not manage (its own, watchtower) never appear in the plan. A
// desired document that fails compose parsing is a permanent error.
func Diff(ctx context.Context, current, desired DesiredState) (Plan, error) {
	currentSpecs, err := RuntimeSpecs(ctx, current)
	if err != nil {
		return Plan{}, fmt.Errorf("current compose state: %w", err)
	}
	desiredSpecs, err := RuntimeSpecs(ctx, desired)
	if err != nil {
		return Plan{}, fmt.Errorf("desired compose state: %w", err)
	}

	var plan Plan
	for _, name := range sortedSpecNames(currentSpecs) {
		if _, ok := desiredSpecs[name]; !ok {
			plan.Actions = append(plan.Actions, Action{
				Service: name,
				Kind:    ActionStop,
				Reason:  "service removed from desired state",
			})
		}
	}
	for _, name := range sortedSpecNames(desiredSpecs) {
		want := desiredSpecs[name]
		have, ok := currentSpecs[name]
		if !ok {
			plan.Actions = append(plan.Actions, Action{
				Service: name,
				Kind:    ActionStart,
				Runtime: want,
				Reason:  "service added to desired state",
			})
			continue
		}
		if reason := specChange(have, want); reason != "" {
			plan.Actions = append(plan.Actions, Action{
				Service: name,
				Kind:    ActionRecreate,
				Runtime: want,
				Reason:  reason,
			})
		}
	}
	for _, a := range plan.Actions {
		check.Assertf(a.Service != ServiceRapp, "plan targets own service %s", a.Service)
	}
	return plan, nil
}

// specChange returns why a service must be recreated, or "" when it can be
// left untouched. Only image, environment and command dependencies force a
// recreate; cosmetic fields do not.
func specChange(have, want *ServiceRuntime) string {
	switch {
	case have.Image != want.Image:
		return fmt.Sprintf("image changed: %s -> %s", have.Image, want.Image)
	case !reflect.DeepEqual(have.Environment, want.Environment):
		return "environment changed"
	case !reflect.DeepEqual(have.Command, want.Command):
		return "command changed"
	case !reflect.DeepEqual(have.Entrypoint, want.Entrypoint):
		return "entrypoint changed"
	}
	return ""
}

// RuntimeSpecs parses a desired state's compose document into normalized
// runtime specs keyed by service name, interpolating ${VAR} references
// from the state's env values. A token rotation therefore shows up as an
// environment change on every service using it.
func RuntimeSpecs(ctx context.Context, ds DesiredState) (map[string]*ServiceRuntime, error) {
	data, err := ds.Compose.Marshal()
	if err != nil {
		return nil, err
	}

	details := compose.ConfigDetails{
		ConfigFiles: []compose.ConfigFile{
			{Filename: "docker-compose.yml", Content: data},
		},
		Environment: ds.Env.Map(),
	}
	name := ds.Project
	if name == "" {
		name = config.DefaultProjectName
	}
	project, err := loader.LoadWithContext(ctx, details, func(o *loader.Options) {
		o.SkipValidation = true
		o.SetProjectName(name, true)
	})
	if err != nil {
		return nil, fmt.Errorf("parse compose services: %w", err)
	}

	specs := make(map[string]*ServiceRuntime, len(project.Services))
	for name, svc := range project.Services {
		if name == ServiceRapp || name == serviceWatchtower {
			continue
		}
		specs[name] = normalizeService(name, svc)
	}
	return specs, nil
}

func normalizeService(name string, svc compose.ServiceConfig) *ServiceRuntime {
	return &ServiceRuntime{
		Service:     name,
		Image:       svc.Image,
		Command:     normalizeSlice(svc.Command),
		Entrypoint:  normalizeSlice(svc.Entrypoint),
		Environment: normalizeEnvironment(svc.Environment),
		Mounts:      normalizeMounts(svc.Volumes),
		Ports:       normalizePorts(svc.Ports),
		NetworkMode: svc.NetworkMode,
	}
}

func normalizeSlice(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	return append([]string(nil), in...)
}

func normalizeEnvironment(env compose.MappingWithEquals) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, p := range env {
		v := ""
		if p != nil {
			v = *p
		}
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func normalizeMounts(volumes []compose.ServiceVolumeConfig) []Mount {
	if len(volumes) == 0 {
		return nil
	}
	out := make([]Mount, 0, len(volumes))
	for _, v := range volumes {
		if v.Target == "" {
			continue
		}
		out = append(out, Mount{
			Source:   v.Source,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

func normalizePorts(ports []compose.ServicePortConfig) []PortMapping {
	if len(ports) == 0 {
		return nil
	}
	out := make([]PortMapping, 0, len(ports))
	for _, p := range ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		hostPort := 0
		if p.Published != "" {
			fmt.Sscanf(p.Published, "%d", &hostPort)
		}
		out = append(out, PortMapping{
			HostIP:        p.HostIP,
			HostPort:      uint16(hostPort),
			ContainerPort: uint16(p.Target),
			Protocol:      proto,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ContainerPort != out[j].ContainerPort {
			return out[i].ContainerPort < out[j].ContainerPort
		}
		return out[i].Protocol < out[j].Protocol
	})
	return out
}

func sortedSpecNames(specs map[string]*ServiceRuntime) []string {
	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
