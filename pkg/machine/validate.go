package machine

import (
	"fmt"
	"sort"
	"strings"
)

// validateConfig enforces the structural rules on a machine config
// before compilation. It returns a *ConfigError naming the offending
// path, or nil. Target resolution happens later, in the compiler,
// because targets may reference states that appear further down the
// document.
func validateConfig(cfg *MachineConfig) error {
	if cfg == nil {
		return configErrorf("", "config is nil")
	}
	if strings.TrimSpace(cfg.ID) != cfg.ID {
		return configErrorf("id", "must not contain leading or trailing whitespace")
	}
	if len(cfg.delimiter()) != 1 {
		return configErrorf("delimiter", "must be a single character, got %q", cfg.Delimiter)
	}
	if cfg.Result != "" {
		return configErrorf("result", "result is only valid on final states")
	}
	if len(cfg.Entry) > 0 {
		return configErrorf("entry", "the machine root cannot have entry actions")
	}
	if len(cfg.Exit) > 0 {
		return configErrorf("exit", "the machine root cannot have exit actions")
	}
	if cfg.OnDone != nil {
		return configErrorf("on_done", "the machine root cannot have an on_done transition")
	}

	rootType := cfg.Type
	if rootType == "" {
		rootType = TypeCompound
	}
	if rootType != TypeCompound && rootType != TypeParallel {
		return configErrorf("type", "machine root must be compound or parallel, got %q", cfg.Type)
	}
	if cfg.States.Len() == 0 {
		return configErrorf("states", "machine must define at least one state")
	}

	if err := validateNode("", &cfg.StateNodeConfig, cfg.delimiter()); err != nil {
		return err
	}

	for _, name := range sortedScenarioNames(cfg) {
		if strings.TrimSpace(name) == "" {
			return configErrorf("scenarios", "scenario name must not be empty")
		}
		if cfg.Scenarios[name] == nil {
			return configErrorf("scenarios."+name, "scenario overlay must not be empty")
		}
	}
	return nil
}

func sortedScenarioNames(cfg *MachineConfig) []string {
	names := make([]string, 0, len(cfg.Scenarios))
	for name := range cfg.Scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func validateNode(path string, node *StateNodeConfig, delim string) error {
	if node == nil {
		return nil
	}

	stateType, err := resolveStateType(path, node)
	if err != nil {
		return err
	}

	switch stateType {
	case TypeFinal:
		if len(node.On) > 0 {
			return configErrorf(joinPath(path, "on"), "final states cannot have transitions")
		}
		if node.States.Len() > 0 {
			return configErrorf(joinPath(path, "states"), "final states cannot have child states")
		}
		if node.Initial != "" {
			return configErrorf(joinPath(path, "initial"), "final states cannot declare an initial child")
		}
		if node.OnDone != nil {
			return configErrorf(joinPath(path, "on_done"), "on_done is only valid on compound or parallel states")
		}
	case TypeAtomic:
		if node.Initial != "" {
			return configErrorf(joinPath(path, "initial"), "initial requires child states")
		}
		if node.OnDone != nil {
			return configErrorf(joinPath(path, "on_done"), "on_done is only valid on compound or parallel states")
		}
	case TypeParallel:
		if node.Initial != "" {
			return configErrorf(joinPath(path, "initial"), "parallel states cannot declare an initial child; every region enters")
		}
		if node.States.Len() == 0 {
			return configErrorf(joinPath(path, "states"), "parallel states need at least one region")
		}
	case TypeCompound:
		if node.States.Len() == 0 {
			return configErrorf(joinPath(path, "states"), "compound states need child states")
		}
		if node.Initial == "" {
			return configErrorf(joinPath(path, "initial"), "compound states must declare an initial child")
		}
		if _, ok := node.States.Get(node.Initial); !ok {
			return configErrorf(joinPath(path, "initial"), "initial %q does not name a direct child", node.Initial)
		}
	}

	if node.Result != "" && stateType != TypeFinal {
		return configErrorf(joinPath(path, "result"), "result is only valid on final states")
	}
	if node.Result != "" && strings.TrimSpace(node.Result) == "" {
		return configErrorf(joinPath(path, "result"), "result reference must not be blank")
	}

	if err := validateRefList(joinPath(path, "entry"), node.Entry); err != nil {
		return err
	}
	if err := validateRefList(joinPath(path, "exit"), node.Exit); err != nil {
		return err
	}

	eventTypes := make([]string, 0, len(node.On))
	for eventType := range node.On {
		eventTypes = append(eventTypes, eventType)
	}
	sort.Strings(eventTypes)
	for _, eventType := range eventTypes {
		onPath := joinPath(path, "on."+eventType)
		if strings.TrimSpace(eventType) == "" {
			return configErrorf(joinPath(path, "on"), "event type must not be empty")
		}
		if strings.HasPrefix(eventType, "@") && eventType != AlwaysEvent {
			return configErrorf(onPath, "unknown reserved event type %q", eventType)
		}
		if err := validateTransitionSpec(onPath, node.On[eventType]); err != nil {
			return err
		}
	}

	if node.OnDone != nil {
		if err := validateTransitionSpec(joinPath(path, "on_done"), node.OnDone); err != nil {
			return err
		}
	}

	for _, key := range node.States.Keys() {
		child, _ := node.States.Get(key)
		if key == "" {
			return configErrorf(joinPath(path, "states"), "state key must not be empty")
		}
		if strings.Contains(key, delim) {
			return configErrorf(joinPath(path, "states."+key), "state key must not contain the delimiter %q", delim)
		}
		if strings.HasPrefix(key, "@") {
			return configErrorf(joinPath(path, "states."+key), "state key must not start with %q", "@")
		}
		if err := validateNode(joinPath(path, "states."+key), child, delim); err != nil {
			return err
		}
	}
	return nil
}

// resolveStateType maps the configured type string to one of the four
// state types, inferring compound/atomic from the presence of children
// when the type is omitted.
func resolveStateType(path string, node *StateNodeConfig) (string, error) {
	switch node.Type {
	case "":
		if node.States.Len() > 0 {
			return TypeCompound, nil
		}
		return TypeAtomic, nil
	case TypeAtomic:
		if node.States.Len() > 0 {
			return "", configErrorf(joinPath(path, "states"), "atomic states cannot have child states")
		}
		return TypeAtomic, nil
	case TypeCompound:
		return TypeCompound, nil
	case TypeParallel:
		return TypeParallel, nil
	case TypeFinal:
		return TypeFinal, nil
	default:
		return "", configErrorf(joinPath(path, "type"), "unknown state type %q", node.Type)
	}
}

func validateTransitionSpec(path string, spec *TransitionSpec) error {
	if spec == nil || len(spec.Branches) == 0 {
		return configErrorf(path, "transition must define at least one alternative")
	}
	for i, branch := range spec.Branches {
		branchPath := path
		if len(spec.Branches) > 1 {
			branchPath = fmt.Sprintf("%s[%d]", path, i)
		}
		if branch.Target == "" && len(branch.Actions) == 0 {
			return configErrorf(branchPath, "transition must define a target or actions")
		}
		// In a guarded-alternatives list only the terminal branch may
		// omit guards; an unguarded branch earlier in the list would
		// shadow everything after it.
		if len(spec.Branches) > 1 && i < len(spec.Branches)-1 && len(branch.Guards) == 0 {
			return configErrorf(branchPath, "only the last alternative may omit guards")
		}
		if err := validateRefList(branchPath+".guards", branch.Guards); err != nil {
			return err
		}
		if err := validateRefList(branchPath+".calculators", branch.Calculators); err != nil {
			return err
		}
		if err := validateRefList(branchPath+".actions", branch.Actions); err != nil {
			return err
		}
	}
	return nil
}

func validateRefList(path string, refs StringList) error {
	for i, ref := range refs {
		if strings.TrimSpace(ref) == "" {
			return configErrorf(fmt.Sprintf("%s[%d]", path, i), "behavior reference must not be empty")
		}
	}
	return nil
}

func joinPath(base, segment string) string {
	if base == "" {
		return segment
	}
	return base + "." + segment
}
