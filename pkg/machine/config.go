package machine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// MachineConfig is the declarative form of a machine. The root-level
// state fields (initial, states, on, ...) describe the root node; the
// remaining fields configure the machine itself.
//
// Configs are written in YAML or JSON, or built in code. Behaviors are
// referenced by symbolic name and resolved against a Registry at
// compile time.
type MachineConfig struct {
	StateNodeConfig `yaml:",inline"`

	ID               string                      `yaml:"id,omitempty" json:"id,omitempty"`
	Version          string                      `yaml:"version,omitempty" json:"version,omitempty"`
	Delimiter        string                      `yaml:"delimiter,omitempty" json:"delimiter,omitempty"`
	Strict           bool                        `yaml:"strict,omitempty" json:"strict,omitempty"`
	Persist          *bool                       `yaml:"persist,omitempty" json:"persist,omitempty"`
	ScenariosEnabled bool                        `yaml:"scenarios_enabled,omitempty" json:"scenarios_enabled,omitempty"`
	Context          map[string]interface{}      `yaml:"context,omitempty" json:"context,omitempty"`
	ContextFactory   string                      `yaml:"context_factory,omitempty" json:"context_factory,omitempty"`
	Scenarios        map[string]*StateNodeConfig `yaml:"scenarios,omitempty" json:"scenarios,omitempty"`
}

// State type names accepted in configuration. An empty type is
// inferred: "compound" when the node has children, "atomic" otherwise.
const (
	TypeAtomic   = "atomic"
	TypeCompound = "compound"
	TypeParallel = "parallel"
	TypeFinal    = "final"
)

// StateNodeConfig describes one state in the tree.
type StateNodeConfig struct {
	Type    string                     `yaml:"type,omitempty" json:"type,omitempty"`
	Initial string                     `yaml:"initial,omitempty" json:"initial,omitempty"`
	States  *StateMap                  `yaml:"states,omitempty" json:"states,omitempty"`
	On      map[string]*TransitionSpec `yaml:"on,omitempty" json:"on,omitempty"`
	Entry   StringList                 `yaml:"entry,omitempty" json:"entry,omitempty"`
	Exit    StringList                 `yaml:"exit,omitempty" json:"exit,omitempty"`
	OnDone  *TransitionSpec            `yaml:"on_done,omitempty" json:"on_done,omitempty"`
	Result  string                     `yaml:"result,omitempty" json:"result,omitempty"`
	Meta    map[string]interface{}     `yaml:"meta,omitempty" json:"meta,omitempty"`
}

// Clone deep-copies the node.
func (c *StateNodeConfig) Clone() *StateNodeConfig {
	if c == nil {
		return nil
	}
	out := &StateNodeConfig{
		Type:    c.Type,
		Initial: c.Initial,
		States:  c.States.Clone(),
		Entry:   append(StringList(nil), c.Entry...),
		Exit:    append(StringList(nil), c.Exit...),
		OnDone:  c.OnDone.Clone(),
		Result:  c.Result,
	}
	if c.On != nil {
		out.On = make(map[string]*TransitionSpec, len(c.On))
		for k, v := range c.On {
			out.On[k] = v.Clone()
		}
	}
	if c.Meta != nil {
		out.Meta = deepCopyValue(c.Meta).(map[string]interface{})
	}
	return out
}

// StateMap is an insertion-ordered map of child state configs. Order
// matters: parallel regions enter and report their leaves in document
// order.
type StateMap struct {
	keys  []string
	nodes map[string]*StateNodeConfig
}

// NewStateMap returns an empty ordered state map.
func NewStateMap() *StateMap {
	return &StateMap{nodes: make(map[string]*StateNodeConfig)}
}

// Set adds or replaces a child, preserving first-insertion order.
// Returns the map for chaining.
func (m *StateMap) Set(key string, node *StateNodeConfig) *StateMap {
	if m.nodes == nil {
		m.nodes = make(map[string]*StateNodeConfig)
	}
	if _, exists := m.nodes[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.nodes[key] = node
	return m
}

// Get returns the child config for key.
func (m *StateMap) Get(key string) (*StateNodeConfig, bool) {
	if m == nil {
		return nil, false
	}
	n, ok := m.nodes[key]
	return n, ok
}

// Keys returns the child keys in document order.
func (m *StateMap) Keys() []string {
	if m == nil {
		return nil
	}
	return m.keys
}

// Len returns the number of children.
func (m *StateMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Clone deep-copies the map.
func (m *StateMap) Clone() *StateMap {
	if m == nil {
		return nil
	}
	out := NewStateMap()
	for _, k := range m.keys {
		out.Set(k, m.nodes[k].Clone())
	}
	return out
}

func (m *StateMap) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("states must be a map")
	}
	*m = *NewStateMap()
	for i := 0; i+1 < len(value.Content); i += 2 {
		var key string
		if err := value.Content[i].Decode(&key); err != nil {
			return err
		}
		node := &StateNodeConfig{}
		// An empty value ("pending:") means an atomic state with no
		// further configuration.
		if value.Content[i+1].Tag != "!!null" {
			if err := value.Content[i+1].Decode(node); err != nil {
				return err
			}
		}
		m.Set(key, node)
	}
	return nil
}

func (m *StateMap) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("states must be an object")
	}
	*m = *NewStateMap()
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("state key must be a string")
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		node := &StateNodeConfig{}
		if !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			if err := json.Unmarshal(raw, node); err != nil {
				return err
			}
		}
		m.Set(key, node)
	}
	return nil
}

func (m *StateMap) MarshalYAML() (interface{}, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, k := range m.Keys() {
		keyNode := &yaml.Node{}
		if err := keyNode.Encode(k); err != nil {
			return nil, err
		}
		valNode := &yaml.Node{}
		if err := valNode.Encode(m.nodes[k]); err != nil {
			return nil, err
		}
		node.Content = append(node.Content, keyNode, valNode)
	}
	return node, nil
}

func (m *StateMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range m.Keys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyData, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(keyData)
		buf.WriteByte(':')
		nodeData, err := json.Marshal(m.nodes[k])
		if err != nil {
			return nil, err
		}
		buf.Write(nodeData)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// TransitionSpec is the configured reaction to one event type. It
// accepts three shapes:
//
//	SUBMIT: processing                    # bare target
//	SUBMIT: {target: processing, guards: hasFunds}
//	SUBMIT:                               # guarded alternatives
//	  - {target: express, guards: isExpress}
//	  - {target: processing}
type TransitionSpec struct {
	Branches []TransitionBranch
}

// TransitionBranch is one guarded alternative.
type TransitionBranch struct {
	// Target is the destination state. Empty means an internal
	// transition: actions run, no state change.
	Target      string     `yaml:"target,omitempty" json:"target,omitempty"`
	Guards      StringList `yaml:"guards,omitempty" json:"guards,omitempty"`
	Calculators StringList `yaml:"calculators,omitempty" json:"calculators,omitempty"`
	Actions     StringList `yaml:"actions,omitempty" json:"actions,omitempty"`
}

// T builds a single-branch transition spec to target.
func T(target string) *TransitionSpec {
	return &TransitionSpec{Branches: []TransitionBranch{{Target: target}}}
}

// TB builds a transition spec from explicit branches.
func TB(branches ...TransitionBranch) *TransitionSpec {
	return &TransitionSpec{Branches: branches}
}

// Clone deep-copies the spec.
func (t *TransitionSpec) Clone() *TransitionSpec {
	if t == nil {
		return nil
	}
	out := &TransitionSpec{Branches: make([]TransitionBranch, len(t.Branches))}
	for i, b := range t.Branches {
		out.Branches[i] = TransitionBranch{
			Target:      b.Target,
			Guards:      append(StringList(nil), b.Guards...),
			Calculators: append(StringList(nil), b.Calculators...),
			Actions:     append(StringList(nil), b.Actions...),
		}
	}
	return out
}

func (t *TransitionSpec) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var target string
		if err := value.Decode(&target); err != nil {
			return err
		}
		t.Branches = []TransitionBranch{{Target: target}}
		return nil
	case yaml.MappingNode:
		var branch TransitionBranch
		if err := value.Decode(&branch); err != nil {
			return err
		}
		t.Branches = []TransitionBranch{branch}
		return nil
	case yaml.SequenceNode:
		var branches []TransitionBranch
		if err := value.Decode(&branches); err != nil {
			return err
		}
		t.Branches = branches
		return nil
	default:
		return fmt.Errorf("transition must be a target, a map, or a list of alternatives")
	}
}

func (t *TransitionSpec) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("transition must not be empty")
	}
	switch trimmed[0] {
	case '"':
		var target string
		if err := json.Unmarshal(trimmed, &target); err != nil {
			return err
		}
		t.Branches = []TransitionBranch{{Target: target}}
		return nil
	case '{':
		var branch TransitionBranch
		if err := json.Unmarshal(trimmed, &branch); err != nil {
			return err
		}
		t.Branches = []TransitionBranch{branch}
		return nil
	case '[':
		var branches []TransitionBranch
		if err := json.Unmarshal(trimmed, &branches); err != nil {
			return err
		}
		t.Branches = branches
		return nil
	default:
		return fmt.Errorf("transition must be a target, an object, or a list of alternatives")
	}
}

func (t *TransitionSpec) MarshalYAML() (interface{}, error) {
	if len(t.Branches) == 1 {
		b := t.Branches[0]
		if len(b.Guards) == 0 && len(b.Calculators) == 0 && len(b.Actions) == 0 {
			return b.Target, nil
		}
		return b, nil
	}
	return t.Branches, nil
}

func (t *TransitionSpec) MarshalJSON() ([]byte, error) {
	if len(t.Branches) == 1 {
		b := t.Branches[0]
		if len(b.Guards) == 0 && len(b.Calculators) == 0 && len(b.Actions) == 0 {
			return json.Marshal(b.Target)
		}
		return json.Marshal(b)
	}
	return json.Marshal(t.Branches)
}

// StringList accepts either a single string or a sequence of strings
// and normalises to a slice. Entry/exit/guard/action references use it
// so that configs can write "entry: notify" and "entry: [a, b]"
// interchangeably.
type StringList []string

func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*l = StringList{s}
		return nil
	case yaml.SequenceNode:
		var ss []string
		if err := value.Decode(&ss); err != nil {
			return err
		}
		*l = StringList(ss)
		return nil
	default:
		return fmt.Errorf("expected a string or a list of strings")
	}
}

func (l *StringList) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*l = StringList{s}
		return nil
	}
	var ss []string
	if err := json.Unmarshal(trimmed, &ss); err != nil {
		return err
	}
	*l = StringList(ss)
	return nil
}

// LoadConfig reads a machine configuration from a YAML or JSON file,
// chosen by extension.
func LoadConfig(path string) (*MachineConfig, error) {
	// #nosec G304 -- path is provided by the caller (library function); callers should validate/lock down inputs if untrusted.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("machine: read config %s: %w", path, err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return ParseJSONConfig(data)
	}
	return ParseYAMLConfig(data)
}

// ParseYAMLConfig parses a machine configuration from YAML. Unknown
// keys are rejected.
func ParseYAMLConfig(data []byte) (*MachineConfig, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	cfg := &MachineConfig{}
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("machine: parse config: %w", err)
	}
	return cfg, nil
}

// ParseJSONConfig parses a machine configuration from JSON.
func ParseJSONConfig(data []byte) (*MachineConfig, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	cfg := &MachineConfig{}
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("machine: parse config: %w", err)
	}
	return cfg, nil
}

func (c *MachineConfig) id() string {
	if c.ID == "" {
		return "machine"
	}
	return c.ID
}

func (c *MachineConfig) delimiter() string {
	if c.Delimiter == "" {
		return "."
	}
	return c.Delimiter
}

func (c *MachineConfig) shouldPersist() bool {
	return c.Persist == nil || *c.Persist
}

// Clone deep-copies the whole machine config.
func (c *MachineConfig) Clone() *MachineConfig {
	if c == nil {
		return nil
	}
	out := &MachineConfig{
		StateNodeConfig:  *c.StateNodeConfig.Clone(),
		ID:               c.ID,
		Version:          c.Version,
		Delimiter:        c.Delimiter,
		Strict:           c.Strict,
		ScenariosEnabled: c.ScenariosEnabled,
		ContextFactory:   c.ContextFactory,
	}
	if c.Persist != nil {
		persist := *c.Persist
		out.Persist = &persist
	}
	if c.Context != nil {
		out.Context = deepCopyValue(c.Context).(map[string]interface{})
	}
	if c.Scenarios != nil {
		out.Scenarios = make(map[string]*StateNodeConfig, len(c.Scenarios))
		for name, overlay := range c.Scenarios {
			out.Scenarios[name] = overlay.Clone()
		}
	}
	return out
}
