package state

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// Service names RAPP must never start, stop or recreate: its own container
// and the legacy watchtower updater.
const (
	ServiceRapp       = "rapp"
	serviceWatchtower = "watchtower"
	serviceSocat      = "socat"
	serviceRA         = "ra"
	serviceSelenium   = "selenium"
	templateKey       = "x-infrasonar-template"
)

const composeHeader = `## InfraSonar docker-compose.yml file
##
## !! This file is managed by InfraSonar !!

`

// ComposeDoc is the full compose document as a generic YAML mapping. RAPP
// mutates service entries in place and writes the document back as opaque
// text; it never interprets fields beyond image/environment/command.
type ComposeDoc map[string]any

// ParseCompose decodes a compose document and verifies the parts RAPP
// depends on are present.
func ParseCompose(data []byte) (ComposeDoc, error) {
	var doc ComposeDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse compose document: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("empty compose document")
	}
	if _, ok := doc[templateKey].(map[string]any); !ok {
		return nil, fmt.Errorf("compose document misses %s", templateKey)
	}
	services := doc.Services()
	if services == nil {
		return nil, fmt.Errorf("compose document misses services")
	}
	if _, ok := services[ServiceRapp]; !ok {
		return nil, fmt.Errorf("compose document misses the %s service", ServiceRapp)
	}
	return doc, nil
}

// Services returns the services mapping, or nil when absent.
func (d ComposeDoc) Services() map[string]any {
	services, _ := d["services"].(map[string]any)
	return services
}

// Service returns one service entry as a mapping.
func (d ComposeDoc) Service(name string) (map[string]any, bool) {
	entry, ok := d.Services()[name].(map[string]any)
	return entry, ok
}

// ServiceNames returns the sorted service names, excluding RAPP's own
// service and watchtower.
func (d ComposeDoc) ServiceNames() []string {
	services := d.Services()
	names := make([]string, 0, len(services))
	for name := range services {
		if name == ServiceRapp || name == serviceWatchtower {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Template returns a copy of the x-infrasonar-template block used as the
// base for new probe and agent services.
func (d ComposeDoc) Template() map[string]any {
	tpl, _ := d[templateKey].(map[string]any)
	return cloneMap(tpl)
}

// SetService inserts or replaces a service entry.
func (d ComposeDoc) SetService(name string, entry map[string]any) {
	services := d.Services()
	if services == nil {
		services = map[string]any{}
		d["services"] = services
	}
	services[name] = entry
}

// RemoveService drops a service entry if present.
func (d ComposeDoc) RemoveService(name string) {
	delete(d.Services(), name)
}

// Clone deep-copies the document through YAML round-tripping, so a desired
// state can be mutated without touching the applied one.
func (d ComposeDoc) Clone() (ComposeDoc, error) {
	data, err := yaml.Marshal(map[string]any(d))
	if err != nil {
		return nil, fmt.Errorf("clone compose document: %w", err)
	}
	var out ComposeDoc
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("clone compose document: %w", err)
	}
	return out, nil
}

// Marshal renders the document with the managed-file header.
func (d ComposeDoc) Marshal() ([]byte, error) {
	body, err := yaml.Marshal(map[string]any(d))
	if err != nil {
		return nil, fmt.Errorf("marshal compose document: %w", err)
	}
	return append([]byte(composeHeader), body...), nil
}

// stripLegacy removes the watchtower service and its labels; labels were
// only ever used to drive watchtower.
func (d ComposeDoc) stripLegacy() {
	d.RemoveService(serviceWatchtower)
	if tpl, ok := d[templateKey].(map[string]any); ok {
		delete(tpl, "labels")
	}
	for _, raw := range d.Services() {
		if entry, ok := raw.(map[string]any); ok {
			delete(entry, "labels")
		}
	}
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
