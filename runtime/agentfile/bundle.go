// Package agentfile models .af v2 agent bundles: multi-entity files carrying
// agent templates and the tool definitions they reference. Bundles are
// imported by workflow definitions and resolved into concrete agents at
// bootstrap.
package agentfile

import (
	"encoding/json"
	"fmt"
)

type (
	// Bundle is the decoded content of one .af v2 file or an embedded
	// af_v2_entities object.
	Bundle struct {
		Version string  `json:"version,omitempty"`
		Agents  []Agent `json:"agents,omitempty"`
		Tools   []Tool  `json:"tools,omitempty"`
	}

	// Agent is one agent template. Fields mirror the platform's create
	// payload; anything the platform does not take is dropped at bootstrap.
	Agent struct {
		ID                     string           `json:"id,omitempty"`
		Name                   string           `json:"name"`
		Description            string           `json:"description,omitempty"`
		System                 string           `json:"system,omitempty"`
		AgentType              string           `json:"agent_type,omitempty"`
		LLMConfig              *LLMConfig       `json:"llm_config,omitempty"`
		EmbeddingConfig        *EmbeddingConfig `json:"embedding_config,omitempty"`
		MessageBufferAutoclear bool             `json:"message_buffer_autoclear,omitempty"`
		ToolRules              []ToolRule       `json:"tool_rules,omitempty"`
		MemoryBlocks           []MemoryBlock    `json:"memory_blocks,omitempty"`
		Tools                  []Tool           `json:"tools,omitempty"`
		Tags                   []string         `json:"tags,omitempty"`
	}

	// LLMConfig selects the template's model.
	LLMConfig struct {
		Model         string `json:"model"`
		ContextWindow int    `json:"context_window,omitempty"`
	}

	// EmbeddingConfig selects the template's embedding model.
	EmbeddingConfig struct {
		EmbeddingModel string `json:"embedding_model"`
		EmbeddingDim   int    `json:"embedding_dim,omitempty"`
	}

	// ToolRule constrains how an agent may sequence a tool.
	ToolRule struct {
		ToolName string `json:"tool_name"`
		Type     string `json:"type"`
	}

	// MemoryBlock is an initial core-memory block for the template.
	MemoryBlock struct {
		Label string `json:"label"`
		Value string `json:"value"`
		Limit int    `json:"limit,omitempty"`
	}

	// Tool is a tool definition carried in a bundle. Only the name is used
	// for platform resolution; the rest documents the tool.
	Tool struct {
		ID          string          `json:"id,omitempty"`
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		JSONSchema  json.RawMessage `json:"json_schema,omitempty"`
		SourceCode  string          `json:"source_code,omitempty"`
	}

	// Index resolves agent templates by id or name and tools by name across
	// any number of bundles. Later additions do not override earlier entries,
	// matching import precedence.
	Index struct {
		byID   map[string]*Agent
		byName map[string]*Agent
		tools  map[string]*Tool
	}
)

// ParseBundle decodes a bundle from raw JSON.
func ParseBundle(raw []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("agentfile: decode bundle: %w", err)
	}
	return &b, nil
}

// ParseAgent decodes a single agent template, as carried by a workflow's
// inline agents fallback.
func ParseAgent(raw []byte) (*Agent, error) {
	var a Agent
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("agentfile: decode agent: %w", err)
	}
	if a.Name == "" {
		return nil, fmt.Errorf("agentfile: agent config has no name")
	}
	return &a, nil
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{
		byID:   make(map[string]*Agent),
		byName: make(map[string]*Agent),
		tools:  make(map[string]*Tool),
	}
}

// Add indexes every agent and tool of the bundle. Agents additionally
// contribute their inline tools.
func (ix *Index) Add(b *Bundle) {
	if b == nil {
		return
	}
	for i := range b.Agents {
		ix.AddAgent(&b.Agents[i])
	}
	for i := range b.Tools {
		ix.addTool(&b.Tools[i])
	}
}

// AddAgent indexes one agent template. Existing id or name entries win.
func (ix *Index) AddAgent(a *Agent) {
	if a == nil {
		return
	}
	if a.ID != "" {
		if _, ok := ix.byID[a.ID]; !ok {
			ix.byID[a.ID] = a
		}
	}
	if a.Name != "" {
		if _, ok := ix.byName[a.Name]; !ok {
			ix.byName[a.Name] = a
		}
	}
	for j := range a.Tools {
		ix.addTool(&a.Tools[j])
	}
}

func (ix *Index) addTool(t *Tool) {
	if t.Name == "" {
		return
	}
	if _, ok := ix.tools[t.Name]; !ok {
		ix.tools[t.Name] = t
	}
}

// Resolve looks a template up by id first, then by name. Either argument may
// be empty.
func (ix *Index) Resolve(id, name string) (*Agent, bool) {
	if id != "" {
		if a, ok := ix.byID[id]; ok {
			return a, true
		}
	}
	if name != "" {
		if a, ok := ix.byName[name]; ok {
			return a, true
		}
	}
	return nil, false
}

// ToolByName returns an indexed tool definition.
func (ix *Index) ToolByName(name string) (*Tool, bool) {
	t, ok := ix.tools[name]
	return t, ok
}

// Size returns the number of distinct indexed agents.
func (ix *Index) Size() int {
	seen := make(map[*Agent]bool, len(ix.byID)+len(ix.byName))
	for _, a := range ix.byID {
		seen[a] = true
	}
	for _, a := range ix.byName {
		seen[a] = true
	}
	return len(seen)
}
