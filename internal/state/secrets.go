package state

import "fmt"

// Secret values never leave the appliance. On read, `password` and `secret`
// entries are replaced by a boolean stating whether a value exists; on push,
// a boolean means "keep the stored value" and is reverted from the current
// configuration.

func maskSecrets(cfg map[string]any) {
	for k, v := range cfg {
		if k == "password" || k == "secret" {
			cfg[k] = truthy(v)
			continue
		}
		switch val := v.(type) {
		case map[string]any:
			maskSecrets(val)
		case []any:
			for _, item := range val {
				if m, ok := item.(map[string]any); ok {
					maskSecrets(m)
				}
			}
		}
	}
}

func revertSecrets(cfg, orig map[string]any) error {
	for k, v := range cfg {
		if k == "password" || k == "secret" {
			switch val := v.(type) {
			case bool:
				o, ok := orig[k]
				if !ok || o == nil {
					return fmt.Errorf("got a boolean %s but missing in current state", k)
				}
				cfg[k] = o
			case string:
				// New literal value, accepted as-is.
				_ = val
			default:
				return fmt.Errorf("%s must be boolean or string", k)
			}
			continue
		}
		switch val := v.(type) {
		case map[string]any:
			sub, _ := orig[k].(map[string]any)
			if sub == nil {
				sub = map[string]any{}
			}
			if err := revertSecrets(val, sub); err != nil {
				return err
			}
		case []any:
			origList, _ := orig[k].([]any)
			for idx, item := range val {
				m, ok := item.(map[string]any)
				if !ok {
					continue
				}
				var sub map[string]any
				if idx < len(origList) {
					sub, _ = origList[idx].(map[string]any)
				}
				if sub == nil {
					sub = map[string]any{}
				}
				if err := revertSecrets(m, sub); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	default:
		return true
	}
}
