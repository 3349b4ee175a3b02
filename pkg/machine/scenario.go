package machine

import "fmt"

// Scenario returns a definition with the named overlay merged over this
// machine's states and recompiled. Overlays patch the state tree
// recursively: scalar fields replace, state maps merge per key, and an
// event mapped to null removes the base handler. Derived definitions
// keep the machine id, so their event logs are interchangeable with the
// base machine's.
//
// Results are memoised; the empty name returns the base definition.
func (d *MachineDefinition) Scenario(name string) (*MachineDefinition, error) {
	if name == "" {
		return d, nil
	}
	if !d.scenariosEnabled {
		return nil, fmt.Errorf("machine %s: scenarios are not enabled", d.id)
	}
	overlay, ok := d.config.Scenarios[name]
	if !ok {
		return nil, fmt.Errorf("machine %s: unknown scenario %q", d.id, name)
	}

	d.scenarioMu.Lock()
	defer d.scenarioMu.Unlock()
	if derived, ok := d.scenarios[name]; ok {
		return derived, nil
	}

	cfg := d.config.Clone()
	cfg.StateNodeConfig = *mergeStateNode(&cfg.StateNodeConfig, overlay)
	cfg.Scenarios = nil

	derived, err := Compile(cfg, d.registry)
	if err != nil {
		return nil, fmt.Errorf("scenario %q: %w", name, err)
	}
	if d.scenarios == nil {
		d.scenarios = make(map[string]*MachineDefinition)
	}
	d.scenarios[name] = derived
	return derived, nil
}

// mergeStateNode applies overlay onto a clone of base. Unset overlay
// fields keep the base value.
func mergeStateNode(base, overlay *StateNodeConfig) *StateNodeConfig {
	if base == nil {
		return overlay.Clone()
	}
	out := base.Clone()
	if overlay == nil {
		return out
	}
	if overlay.Type != "" {
		out.Type = overlay.Type
	}
	if overlay.Initial != "" {
		out.Initial = overlay.Initial
	}
	if overlay.States != nil {
		out.States = mergeStateMap(out.States, overlay.States)
	}
	if overlay.On != nil {
		out.On = mergeTransitions(out.On, overlay.On)
	}
	if overlay.Entry != nil {
		out.Entry = append(StringList(nil), overlay.Entry...)
	}
	if overlay.Exit != nil {
		out.Exit = append(StringList(nil), overlay.Exit...)
	}
	if overlay.OnDone != nil {
		out.OnDone = overlay.OnDone.Clone()
	}
	if overlay.Result != "" {
		out.Result = overlay.Result
	}
	if overlay.Meta != nil {
		if out.Meta == nil {
			out.Meta = make(map[string]interface{}, len(overlay.Meta))
		}
		for k, v := range overlay.Meta {
			out.Meta[k] = deepCopyValue(v)
		}
	}
	return out
}

// mergeStateMap merges children per key, keeping base document order
// and appending overlay-only keys in overlay order.
func mergeStateMap(base, overlay *StateMap) *StateMap {
	if base == nil {
		return overlay.Clone()
	}
	out := NewStateMap()
	for _, key := range base.Keys() {
		node, _ := base.Get(key)
		if patch, ok := overlay.Get(key); ok {
			out.Set(key, mergeStateNode(node, patch))
		} else {
			out.Set(key, node.Clone())
		}
	}
	for _, key := range overlay.Keys() {
		if _, ok := base.Get(key); ok {
			continue
		}
		node, _ := overlay.Get(key)
		out.Set(key, node.Clone())
	}
	return out
}

// mergeTransitions replaces handlers per event type. A null overlay
// entry removes the base handler.
func mergeTransitions(base, overlay map[string]*TransitionSpec) map[string]*TransitionSpec {
	out := make(map[string]*TransitionSpec, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v.Clone()
	}
	for k, v := range overlay {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v.Clone()
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
