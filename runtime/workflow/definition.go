// Package workflow models multi-agent workflow definitions: an Amazon States
// Language style state machine extended with per-Task agent bindings, plus
// agent-template and skill imports.
//
// A Definition is an input document. It is validated and used to derive the
// control plane, never stored as-is. State-level fields follow ASL naming
// (PascalCase keys); the extension payloads inside AgentBinding use
// snake_case like the rest of the platform.
package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

type (
	// StateType discriminates state-machine node kinds.
	StateType string

	// Definition is a complete workflow document as submitted for validation
	// and bootstrap.
	Definition struct {
		WorkflowID    string          `json:"workflow_id"`
		WorkflowName  string          `json:"workflow_name,omitempty"`
		SchemaVersion string          `json:"schema_version,omitempty"`
		ASL           Machine         `json:"asl"`
		AFImports     []Import        `json:"af_imports,omitempty"`
		SkillImports  []Import        `json:"skill_imports,omitempty"`
		AFEntities    json.RawMessage `json:"af_v2_entities,omitempty"`
		Agents        []InlineAgent   `json:"agents,omitempty"`
	}

	// Machine is a state machine: an entry state plus named states. Nested
	// machines appear inside Parallel branches and Map iterators.
	Machine struct {
		StartAt string              `json:"StartAt"`
		States  map[string]StateDef `json:"States"`

		// order preserves the document order of States when the machine was
		// decoded from JSON. Machines built in code have no order.
		order []string
	}

	// StateDef describes one state-machine node. Only the fields the control
	// plane interprets are modeled; Choice conditions stay with the raw
	// document.
	StateDef struct {
		Type         StateType     `json:"Type"`
		Comment      string        `json:"Comment,omitempty"`
		Next         string        `json:"Next,omitempty"`
		End          bool          `json:"End,omitempty"`
		Choices      []ChoiceRule  `json:"Choices,omitempty"`
		Default      string        `json:"Default,omitempty"`
		Branches     []Machine     `json:"Branches,omitempty"`
		Iterator     *Machine      `json:"Iterator,omitempty"`
		Seconds      int           `json:"Seconds,omitempty"`
		AgentBinding *AgentBinding `json:"AgentBinding,omitempty"`
	}

	// ChoiceRule is a single Choice branch. The condition expression is
	// opaque to the control plane; only the transition target matters.
	ChoiceRule struct {
		Next string `json:"Next"`
	}

	// AgentBinding names the agent template a Task state executes on and the
	// skills its worker needs loaded.
	AgentBinding struct {
		AgentRef         *AgentRef `json:"agent_ref,omitempty"`
		AgentTemplateRef *AgentRef `json:"agent_template_ref,omitempty"`
		Skills           []string  `json:"skills,omitempty"`
	}

	// AgentRef points at an agent template by id, name, or both.
	AgentRef struct {
		ID   string `json:"id,omitempty"`
		Name string `json:"name,omitempty"`
	}

	// Import references an external resource bundle by URI. Only file:// and
	// relative URIs are accepted by the loaders.
	Import struct {
		URI   string `json:"uri"`
		Alias string `json:"alias,omitempty"`
	}

	// InlineAgent is the definition-embedded fallback agent template. The
	// config payload is decoded by the agentfile package.
	InlineAgent struct {
		AgentConfig json.RawMessage `json:"agent_config"`
	}
)

const (
	// StateTask executes work on a bound agent.
	StateTask StateType = "Task"
	// StateChoice branches on a condition.
	StateChoice StateType = "Choice"
	// StateParallel runs branch machines concurrently.
	StateParallel StateType = "Parallel"
	// StateMap runs an iterator machine per input element.
	StateMap StateType = "Map"
	// StateWait pauses before transitioning.
	StateWait StateType = "Wait"
	// StateSucceed terminates the machine successfully.
	StateSucceed StateType = "Succeed"
	// StateFail terminates the machine with a failure.
	StateFail StateType = "Fail"
)

var (
	// ErrNoStates reports a machine without any states.
	ErrNoStates = errors.New("workflow: machine has no states")
	// ErrNoStart reports a machine whose StartAt is empty or names no state.
	ErrNoStart = errors.New("workflow: missing or unknown StartAt")
	// ErrBadImport reports an import URI that is neither file:// nor a
	// relative path.
	ErrBadImport = errors.New("workflow: import URI must be file:// or relative")
)

// Parse decodes a definition from raw JSON.
func Parse(raw []byte) (*Definition, error) {
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("workflow: decode definition: %w", err)
	}
	return &def, nil
}

// FromMap decodes a definition from an already-unmarshaled document. Go maps
// do not retain key order, so state order falls back to sorted names.
func FromMap(doc map[string]any) (*Definition, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("workflow: encode definition map: %w", err)
	}
	return Parse(raw)
}

// UnmarshalJSON decodes the machine and captures the document order of its
// States object.
func (m *Machine) UnmarshalJSON(data []byte) error {
	var raw struct {
		StartAt string              `json:"StartAt"`
		States  map[string]StateDef `json:"States"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.StartAt = raw.StartAt
	m.States = raw.States
	m.order = stateKeyOrder(data)
	return nil
}

// StateNames returns the machine's state names in document order when known,
// sorted otherwise.
func (m Machine) StateNames() []string {
	if len(m.order) == len(m.States) {
		ok := true
		for _, n := range m.order {
			if _, exists := m.States[n]; !exists {
				ok = false
				break
			}
		}
		if ok {
			return append([]string(nil), m.order...)
		}
	}
	names := make([]string, 0, len(m.States))
	for n := range m.States {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// TaskStates returns the names of top-level Task states in StateNames order.
func (m Machine) TaskStates() []string {
	var out []string
	for _, n := range m.StateNames() {
		if m.States[n].Type == StateTask {
			out = append(out, n)
		}
	}
	return out
}

// IsTerminal reports whether the state ends its machine: End is set or the
// type is Succeed or Fail.
func (s StateDef) IsTerminal() bool {
	return s.End || s.Type == StateSucceed || s.Type == StateFail
}

// Targets returns the state's transition targets in declaration order with
// duplicates removed. Branch and iterator machines transition internally and
// contribute no targets here.
func (s StateDef) Targets() []string {
	var out []string
	seen := make(map[string]bool)
	add := func(n string) {
		if n == "" || seen[n] {
			return
		}
		seen[n] = true
		out = append(out, n)
	}
	add(s.Next)
	for _, c := range s.Choices {
		add(c.Next)
	}
	add(s.Default)
	return out
}

// Ref returns the binding's template reference, preferring agent_ref over
// agent_template_ref. Nil when the binding names no template.
func (b *AgentBinding) Ref() *AgentRef {
	if b == nil {
		return nil
	}
	if b.AgentRef != nil && !b.AgentRef.Empty() {
		return b.AgentRef
	}
	if b.AgentTemplateRef != nil && !b.AgentTemplateRef.Empty() {
		return b.AgentTemplateRef
	}
	return nil
}

// Empty reports whether the reference carries neither an id nor a name.
func (r AgentRef) Empty() bool {
	return r.ID == "" && r.Name == ""
}

// Describe renders the reference for error messages.
func (r AgentRef) Describe() string {
	switch {
	case r.ID != "" && r.Name != "":
		return fmt.Sprintf("id=%q name=%q", r.ID, r.Name)
	case r.ID != "":
		return fmt.Sprintf("id=%q", r.ID)
	case r.Name != "":
		return fmt.Sprintf("name=%q", r.Name)
	default:
		return "empty ref"
	}
}

// Resolve returns the filesystem path of the import. file:// URIs resolve to
// their own path; bare relative paths resolve against baseDir; every other
// scheme, and bare absolute paths, fail with ErrBadImport.
func (im Import) Resolve(baseDir string) (string, error) {
	if strings.HasPrefix(im.URI, "file://") {
		return strings.TrimPrefix(im.URI, "file://"), nil
	}
	if strings.Contains(im.URI, "://") {
		return "", fmt.Errorf("%w: %q", ErrBadImport, im.URI)
	}
	if filepath.IsAbs(im.URI) {
		return "", fmt.Errorf("%w: %q", ErrBadImport, im.URI)
	}
	return filepath.Join(baseDir, im.URI), nil
}

// stateKeyOrder extracts the key order of the top-level States object from
// the machine's raw JSON. Returns nil when the shape is unexpected.
func stateKeyOrder(data []byte) []string {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil || tok != json.Delim('{') {
		return nil
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil
		}
		if key != "States" {
			if err := skipValue(dec); err != nil {
				return nil
			}
			continue
		}
		tok, err := dec.Token()
		if err != nil || tok != json.Delim('{') {
			return nil
		}
		var order []string
		for dec.More() {
			nameTok, err := dec.Token()
			if err != nil {
				return nil
			}
			name, ok := nameTok.(string)
			if !ok {
				return nil
			}
			order = append(order, name)
			if err := skipValue(dec); err != nil {
				return nil
			}
		}
		return order
	}
	return nil
}

// skipValue consumes one complete JSON value from the decoder.
func skipValue(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	delim, ok := tok.(json.Delim)
	if !ok || (delim != '{' && delim != '[') {
		return nil
	}
	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		if d, ok := tok.(json.Delim); ok {
			switch d {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
			}
		}
	}
	return nil
}
