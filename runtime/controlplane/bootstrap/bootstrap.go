// Package bootstrap materializes the worker agents of a workflow and seeds
// its control plane.
//
// Each top-level Task state is bound to an agent created from a template.
// Templates are resolved with a fixed precedence: entities embedded in the
// definition, then imported bundles in import order, then the definition's
// inline agents. Agent creation happens before any control-plane write, so a
// partial failure leaves only platform agents behind, reported to the caller
// for reconciliation.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/agentfile"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/agentruntime"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/controlplane"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/telemetry"
	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/workflow"
)

// maxAgentName is the platform limit on runtime agent names. Longer names
// are truncated and suffixed with a random token.
const maxAgentName = 64

// Worker agent tags.
const (
	// TagRoleWorker marks agents created by bootstrap.
	TagRoleWorker = "role:worker"
	// TagWorkflowPrefix prefixes the workflow id tag.
	TagWorkflowPrefix = "wf:"
	// TagStatePrefix prefixes the state name tag.
	TagStatePrefix = "state:"
)

// ErrTemplateUnresolved reports a Task state whose agent template could not
// be found in any resolution source.
var ErrTemplateUnresolved = errors.New("bootstrap: agent template unresolved")

type (
	// Bootstrapper creates worker agents on the agent platform and seeds the
	// control plane on the store.
	Bootstrapper struct {
		store    *controlplane.Store
		platform agentruntime.Client
		log      telemetry.Logger
		metrics  telemetry.Metrics
		suffix   func() string
	}

	// Option configures a Bootstrapper.
	Option func(*Bootstrapper)

	// Options tunes one bootstrap run.
	Options struct {
		// BaseDir anchors relative import URIs.
		BaseDir string
		// NamePrefix overrides the default "wf-{workflow_id}-" runtime name
		// prefix.
		NamePrefix string
		// Tags are appended to every worker's standard tag set.
		Tags []string
		// PlannerAgentID is recorded on the meta document so finalize can
		// preserve the planning agent.
		PlannerAgentID string
	}

	// Result reports one bootstrap run. On error it still lists the agents
	// created before the failure so the caller can reconcile.
	Result struct {
		WorkflowID    string                     `json:"workflow_id"`
		Agents        map[string]string          `json:"agents"`
		CreatedAgents []CreatedAgent             `json:"created_agents,omitempty"`
		Warnings      []string                   `json:"warnings,omitempty"`
		ControlPlane  *controlplane.CreateResult `json:"control_plane,omitempty"`
	}

	// CreatedAgent records one materialized worker.
	CreatedAgent struct {
		State    string `json:"state"`
		AgentID  string `json:"agent_id"`
		Name     string `json:"name"`
		Template string `json:"template"`
	}
)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(l telemetry.Logger) Option {
	return func(b *Bootstrapper) { b.log = l }
}

// WithMetrics sets the metrics recorder. Defaults to a no-op recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(b *Bootstrapper) { b.metrics = m }
}

// WithNameSuffix overrides the random token source used to disambiguate
// truncated runtime names.
func WithNameSuffix(fn func() string) Option {
	return func(b *Bootstrapper) { b.suffix = fn }
}

// New creates a Bootstrapper on the given store and agent runtime.
func New(store *controlplane.Store, platform agentruntime.Client, opts ...Option) *Bootstrapper {
	b := &Bootstrapper{
		store:    store,
		platform: platform,
		log:      telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		suffix:   func() string { return uuid.NewString()[:8] },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run creates one worker agent per top-level Task state and, once all of
// them exist, seeds the control plane. A failure creating any worker aborts
// before the control plane is touched; the returned result then carries the
// agents already created.
func (b *Bootstrapper) Run(ctx context.Context, def *workflow.Definition, opts Options) (*Result, error) {
	if def == nil || def.WorkflowID == "" {
		return nil, fmt.Errorf("%w: definition has no workflow_id", controlplane.ErrInvalidInput)
	}
	res := &Result{WorkflowID: def.WorkflowID, Agents: make(map[string]string)}
	warn := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		res.Warnings = append(res.Warnings, msg)
		b.log.Warn(ctx, "bootstrap warning", "workflow_id", def.WorkflowID, "warning", msg)
	}

	sources := b.templateSources(def, opts.BaseDir, warn)
	catalog := newToolCatalog(b.platform)

	prefix := opts.NamePrefix
	if prefix == "" {
		prefix = "wf-" + def.WorkflowID + "-"
	}

	for _, state := range def.ASL.TaskStates() {
		tmpl, err := resolveTemplate(sources, def.ASL.States[state].AgentBinding)
		if err != nil {
			return res, fmt.Errorf("state %q: %w", state, err)
		}
		req, err := b.buildRequest(ctx, def.WorkflowID, state, prefix, tmpl, opts.Tags, catalog, warn)
		if err != nil {
			return res, fmt.Errorf("state %q: %w", state, err)
		}
		agent, err := b.platform.CreateAgent(ctx, req)
		if err != nil {
			return res, fmt.Errorf("create agent for state %q: %w", state, err)
		}
		res.Agents[state] = agent.ID
		res.CreatedAgents = append(res.CreatedAgents, CreatedAgent{
			State:    state,
			AgentID:  agent.ID,
			Name:     req.Name,
			Template: tmpl.Name,
		})
		b.metrics.IncCounter("bootstrap.agents_created", 1)
		b.log.Debug(ctx, "worker agent created",
			"workflow_id", def.WorkflowID, "state", state, "agent_id", agent.ID, "name", req.Name)
	}

	cp, err := b.store.Create(ctx, def, controlplane.CreateOptions{
		Agents:         res.Agents,
		PlannerAgentID: opts.PlannerAgentID,
	})
	if err != nil {
		return res, fmt.Errorf("seed control plane: %w", err)
	}
	res.ControlPlane = cp

	b.log.Info(ctx, "workflow bootstrapped",
		"workflow_id", def.WorkflowID,
		"agents", len(res.Agents),
		"warnings", len(res.Warnings))
	return res, nil
}

// templateSources builds the resolution chain: embedded entities, imported
// bundles, inline agents. Sources that fail to load are downgraded to
// warnings; an unresolvable template aborts later with full context.
func (b *Bootstrapper) templateSources(def *workflow.Definition, baseDir string, warn func(string, ...any)) []*agentfile.Index {
	embedded := agentfile.NewIndex()
	if len(def.AFEntities) > 0 {
		if bundle, err := agentfile.ParseBundle(def.AFEntities); err != nil {
			warn("embedded entities: %v", err)
		} else {
			embedded.Add(bundle)
		}
	}

	imported := agentfile.NewIndex()
	for _, im := range def.AFImports {
		path, err := im.Resolve(baseDir)
		if err != nil {
			warn("import %q: %v", im.URI, err)
			continue
		}
		bundle, err := agentfile.LoadFile(path)
		if err != nil {
			warn("import %q: %v", im.URI, err)
			continue
		}
		imported.Add(bundle)
	}

	inline := agentfile.NewIndex()
	for i, ia := range def.Agents {
		agent, err := agentfile.ParseAgent(ia.AgentConfig)
		if err != nil {
			warn("inline agent %d: %v", i, err)
			continue
		}
		inline.AddAgent(agent)
	}

	return []*agentfile.Index{embedded, imported, inline}
}

// resolveTemplate walks the resolution chain in precedence order.
func resolveTemplate(sources []*agentfile.Index, binding *workflow.AgentBinding) (*agentfile.Agent, error) {
	ref := binding.Ref()
	if ref == nil {
		return nil, fmt.Errorf("%w: task state has no agent binding", controlplane.ErrInvalidInput)
	}
	for _, ix := range sources {
		if tmpl, ok := ix.Resolve(ref.ID, ref.Name); ok {
			return tmpl, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrTemplateUnresolved, ref.Describe())
}

// buildRequest maps a template onto the platform create payload. Inline tool
// definitions resolve against the platform catalog by name; unknown tools
// are warned and skipped since workers can load them later through skills.
func (b *Bootstrapper) buildRequest(ctx context.Context, workflowID, state, prefix string, tmpl *agentfile.Agent, extraTags []string, catalog *toolCatalog, warn func(string, ...any)) (agentruntime.CreateAgentRequest, error) {
	base := tmpl.Name
	if base == "" {
		base = state
	}
	name := prefix + base
	if len(name) > maxAgentName {
		token := b.suffix()
		name = name[:maxAgentName-len(token)-1] + "-" + token
	}

	req := agentruntime.CreateAgentRequest{
		Name:   name,
		System: tmpl.System,
		Tags: append([]string{
			TagWorkflowPrefix + workflowID,
			TagStatePrefix + state,
			TagRoleWorker,
		}, extraTags...),
	}
	if tmpl.LLMConfig != nil {
		req.Model = tmpl.LLMConfig.Model
	}
	if tmpl.EmbeddingConfig != nil {
		req.Embedding = tmpl.EmbeddingConfig.EmbeddingModel
	}
	for _, mb := range tmpl.MemoryBlocks {
		req.Blocks = append(req.Blocks, agentruntime.BlockSpec{
			Label:     mb.Label,
			Value:     mb.Value,
			CharLimit: mb.Limit,
		})
	}
	for _, tool := range tmpl.Tools {
		known, err := catalog.has(ctx, tool.Name)
		if err != nil {
			return agentruntime.CreateAgentRequest{}, fmt.Errorf("list platform tools: %w", err)
		}
		if !known {
			warn("state %q: tool %q not registered on platform, skipped", state, tool.Name)
			continue
		}
		req.Tools = append(req.Tools, tool.Name)
	}
	return req, nil
}

// toolCatalog lazily loads the platform tool names once per run.
type toolCatalog struct {
	platform agentruntime.Client
	names    map[string]bool
}

func newToolCatalog(platform agentruntime.Client) *toolCatalog {
	return &toolCatalog{platform: platform}
}

func (c *toolCatalog) has(ctx context.Context, name string) (bool, error) {
	if c.names == nil {
		tools, err := c.platform.ListTools(ctx)
		if err != nil {
			return false, err
		}
		c.names = make(map[string]bool, len(tools))
		for _, t := range tools {
			c.names[t.Name] = true
		}
	}
	return c.names[name], nil
}