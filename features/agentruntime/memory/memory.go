// Package memory provides an in-process implementation of the agent platform
// contract.
//
// It backs unit tests and the development mode of the tool service: agents,
// blocks and tools live in maps, and message delivery records the payload
// instead of running any agent. Error hooks let tests inject platform
// failures at specific operations.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/agentruntime"
)

// maxAgentNameLen mirrors the platform limit on runtime agent names so name
// composition and trimming behave the same against this backend.
const maxAgentNameLen = 64

// Platform is an in-memory implementation of the agentruntime.Client
// interface. It is safe for concurrent use.
type Platform struct {
	mu     sync.Mutex
	agents map[string]*agentRec
	blocks map[string]*blockRec
	tools  []agentruntime.Tool
	sent   []Delivery
	seq    int
	order  []string // agent ids in creation order
	now    func() time.Time

	// OnCreateAgent, when set, runs before each CreateAgent and can veto it.
	OnCreateAgent func(req agentruntime.CreateAgentRequest) error
	// OnSend, when set, runs before each message delivery and can veto it.
	OnSend func(agentID string, msg agentruntime.Message) error
	// OnDeleteAgent, when set, runs before each DeleteAgent and can veto it.
	OnDeleteAgent func(agentID string) error
}

// Delivery records one delivered message.
type Delivery struct {
	AgentID string
	Msg     agentruntime.Message
	Async   bool
	Result  agentruntime.SendResult
}

type agentRec struct {
	agent    agentruntime.Agent
	blockIDs []string
	toolIDs  []string
}

type blockRec struct {
	block agentruntime.Block
	owner string // agent id when the block is agent-owned core memory
}

// Compile-time check that Platform implements agentruntime.Client.
var _ agentruntime.Client = (*Platform)(nil)

// New creates an empty in-memory agent platform.
func New() *Platform {
	return &Platform{
		agents: make(map[string]*agentRec),
		blocks: make(map[string]*blockRec),
		now:    time.Now,
	}
}

// RegisterTool seeds the platform tool catalog and returns the new entry.
func (p *Platform) RegisterTool(name string) agentruntime.Tool {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := agentruntime.Tool{ID: p.nextID("tool"), Name: name}
	p.tools = append(p.tools, t)
	return t
}

// Deliveries returns a snapshot of all delivered messages in order.
func (p *Platform) Deliveries() []Delivery {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Delivery, len(p.sent))
	copy(out, p.sent)
	return out
}

// CreateAgent materializes an agent with its core blocks, shared block
// attachments and tools.
func (p *Platform) CreateAgent(ctx context.Context, req agentruntime.CreateAgentRequest) (agentruntime.Agent, error) {
	if err := ctx.Err(); err != nil {
		return agentruntime.Agent{}, err
	}
	if hook := p.OnCreateAgent; hook != nil {
		if err := hook(req); err != nil {
			return agentruntime.Agent{}, err
		}
	}
	if len(req.Name) > maxAgentNameLen {
		return agentruntime.Agent{}, fmt.Errorf("agent name %q exceeds %d characters", req.Name, maxAgentNameLen)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	rec := &agentRec{}
	for _, id := range req.BlockIDs {
		if _, ok := p.blocks[id]; !ok {
			return agentruntime.Agent{}, fmt.Errorf("attach block %q: %w", id, agentruntime.ErrBlockNotFound)
		}
		rec.blockIDs = append(rec.blockIDs, id)
	}
	for _, name := range req.Tools {
		t, ok := p.toolByName(name)
		if !ok {
			return agentruntime.Agent{}, fmt.Errorf("attach tool %q: %w", name, agentruntime.ErrToolNotFound)
		}
		rec.toolIDs = append(rec.toolIDs, t.ID)
	}

	id := p.nextID("agent")
	for _, spec := range req.Blocks {
		b := agentruntime.Block{ID: p.nextID("block"), Label: spec.Label, Value: spec.Value, CharLimit: spec.CharLimit}
		p.blocks[b.ID] = &blockRec{block: b, owner: id}
		rec.blockIDs = append(rec.blockIDs, b.ID)
	}
	rec.agent = agentruntime.Agent{
		ID:        id,
		Name:      req.Name,
		System:    req.System,
		Model:     req.Model,
		Embedding: req.Embedding,
		Tags:      cloneStrings(req.Tags),
		CreatedAt: p.now().UTC(),
	}
	p.agents[id] = rec
	p.order = append(p.order, id)
	return rec.agent, nil
}

// GetAgent returns an agent by ID.
func (p *Platform) GetAgent(ctx context.Context, agentID string) (agentruntime.Agent, error) {
	if err := ctx.Err(); err != nil {
		return agentruntime.Agent{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.agents[agentID]
	if !ok {
		return agentruntime.Agent{}, agentruntime.ErrAgentNotFound
	}
	return rec.agent, nil
}

// DeleteAgent removes an agent and its agent-owned blocks.
func (p *Platform) DeleteAgent(ctx context.Context, agentID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if hook := p.OnDeleteAgent; hook != nil {
		if err := hook(agentID); err != nil {
			return err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.agents[agentID]; !ok {
		return agentruntime.ErrAgentNotFound
	}
	delete(p.agents, agentID)
	for i, id := range p.order {
		if id == agentID {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	for id, rec := range p.blocks {
		if rec.owner == agentID {
			delete(p.blocks, id)
		}
	}
	return nil
}

// ListAgents returns agents matching the query in creation order.
func (p *Platform) ListAgents(ctx context.Context, q agentruntime.ListQuery) ([]agentruntime.Agent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []agentruntime.Agent
	for _, id := range p.order {
		a := p.agents[id].agent
		if matchesTags(a, q) {
			out = append(out, a)
		}
	}
	return out, nil
}

// ReplaceAgentTags replaces the agent's tag set.
func (p *Platform) ReplaceAgentTags(ctx context.Context, agentID string, tags []string) (agentruntime.Agent, error) {
	if err := ctx.Err(); err != nil {
		return agentruntime.Agent{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.agents[agentID]
	if !ok {
		return agentruntime.Agent{}, agentruntime.ErrAgentNotFound
	}
	rec.agent.Tags = cloneStrings(tags)
	return rec.agent, nil
}

// CreateBlock creates a standalone shared block.
func (p *Platform) CreateBlock(ctx context.Context, spec agentruntime.BlockSpec) (agentruntime.Block, error) {
	if err := ctx.Err(); err != nil {
		return agentruntime.Block{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	b := agentruntime.Block{ID: p.nextID("block"), Label: spec.Label, Value: spec.Value, CharLimit: spec.CharLimit}
	p.blocks[b.ID] = &blockRec{block: b}
	return b, nil
}

// GetBlock returns a block by ID.
func (p *Platform) GetBlock(ctx context.Context, blockID string) (agentruntime.Block, error) {
	if err := ctx.Err(); err != nil {
		return agentruntime.Block{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.blocks[blockID]
	if !ok {
		return agentruntime.Block{}, agentruntime.ErrBlockNotFound
	}
	return rec.block, nil
}

// UpdateBlockValue replaces a block's value.
func (p *Platform) UpdateBlockValue(ctx context.Context, blockID string, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.blocks[blockID]
	if !ok {
		return agentruntime.ErrBlockNotFound
	}
	rec.block.Value = value
	return nil
}

// DeleteBlock removes a block and every attachment of it.
func (p *Platform) DeleteBlock(ctx context.Context, blockID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.blocks[blockID]; !ok {
		return agentruntime.ErrBlockNotFound
	}
	delete(p.blocks, blockID)
	for _, rec := range p.agents {
		for i, id := range rec.blockIDs {
			if id == blockID {
				rec.blockIDs = append(rec.blockIDs[:i], rec.blockIDs[i+1:]...)
				break
			}
		}
	}
	return nil
}

// ListAgentBlocks returns the blocks attached to an agent in attachment order.
func (p *Platform) ListAgentBlocks(ctx context.Context, agentID string) ([]agentruntime.Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.agents[agentID]
	if !ok {
		return nil, agentruntime.ErrAgentNotFound
	}
	out := make([]agentruntime.Block, 0, len(rec.blockIDs))
	for _, id := range rec.blockIDs {
		if b, ok := p.blocks[id]; ok {
			out = append(out, b.block)
		}
	}
	return out, nil
}

// AttachBlock attaches an existing block to an agent.
func (p *Platform) AttachBlock(ctx context.Context, agentID, blockID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.agents[agentID]
	if !ok {
		return agentruntime.ErrAgentNotFound
	}
	if _, ok := p.blocks[blockID]; !ok {
		return agentruntime.ErrBlockNotFound
	}
	for _, id := range rec.blockIDs {
		if id == blockID {
			return nil
		}
	}
	rec.blockIDs = append(rec.blockIDs, blockID)
	return nil
}

// DetachBlock detaches a block from an agent, leaving the block intact.
func (p *Platform) DetachBlock(ctx context.Context, agentID, blockID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.agents[agentID]
	if !ok {
		return agentruntime.ErrAgentNotFound
	}
	for i, id := range rec.blockIDs {
		if id == blockID {
			rec.blockIDs = append(rec.blockIDs[:i], rec.blockIDs[i+1:]...)
			return nil
		}
	}
	return agentruntime.ErrBlockNotFound
}

// ListTools returns the tool catalog in registration order.
func (p *Platform) ListTools(ctx context.Context) ([]agentruntime.Tool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]agentruntime.Tool, len(p.tools))
	copy(out, p.tools)
	return out, nil
}

// AttachTool attaches a catalog tool to an agent.
func (p *Platform) AttachTool(ctx context.Context, agentID, toolID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.agents[agentID]
	if !ok {
		return agentruntime.ErrAgentNotFound
	}
	if !p.toolExists(toolID) {
		return agentruntime.ErrToolNotFound
	}
	for _, id := range rec.toolIDs {
		if id == toolID {
			return nil
		}
	}
	rec.toolIDs = append(rec.toolIDs, toolID)
	return nil
}

// DetachTool detaches a tool from an agent.
func (p *Platform) DetachTool(ctx context.Context, agentID, toolID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.agents[agentID]
	if !ok {
		return agentruntime.ErrAgentNotFound
	}
	for i, id := range rec.toolIDs {
		if id == toolID {
			rec.toolIDs = append(rec.toolIDs[:i], rec.toolIDs[i+1:]...)
			return nil
		}
	}
	return agentruntime.ErrToolNotFound
}

// AgentTools returns the IDs of the tools attached to an agent, for test
// assertions.
func (p *Platform) AgentTools(agentID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.agents[agentID]
	if !ok {
		return nil
	}
	return cloneStrings(rec.toolIDs)
}

// SendMessage records a synchronous delivery.
func (p *Platform) SendMessage(ctx context.Context, agentID string, msg agentruntime.Message) (agentruntime.SendResult, error) {
	return p.deliver(ctx, agentID, msg, false)
}

// SendMessageAsync records an asynchronous delivery with a run handle.
func (p *Platform) SendMessageAsync(ctx context.Context, agentID string, msg agentruntime.Message) (agentruntime.SendResult, error) {
	return p.deliver(ctx, agentID, msg, true)
}

// Ping reports platform health. The in-memory platform is always healthy.
func (p *Platform) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Name identifies the platform in health reports.
func (p *Platform) Name() string {
	return "agentruntime-memory"
}

func (p *Platform) deliver(ctx context.Context, agentID string, msg agentruntime.Message, async bool) (agentruntime.SendResult, error) {
	if err := ctx.Err(); err != nil {
		return agentruntime.SendResult{}, err
	}
	if hook := p.OnSend; hook != nil {
		if err := hook(agentID, msg); err != nil {
			return agentruntime.SendResult{}, err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.agents[agentID]; !ok {
		return agentruntime.SendResult{}, agentruntime.ErrAgentNotFound
	}
	res := agentruntime.SendResult{MessageID: p.nextID("msg")}
	if async {
		res.RunID = p.nextID("run")
	}
	p.sent = append(p.sent, Delivery{AgentID: agentID, Msg: msg, Async: async, Result: res})
	return res, nil
}

func (p *Platform) toolByName(name string) (agentruntime.Tool, bool) {
	for _, t := range p.tools {
		if t.Name == name {
			return t, true
		}
	}
	return agentruntime.Tool{}, false
}

func (p *Platform) toolExists(id string) bool {
	for _, t := range p.tools {
		if t.ID == id {
			return true
		}
	}
	return false
}

func (p *Platform) nextID(kind string) string {
	p.seq++
	return fmt.Sprintf("%s-%06d", kind, p.seq)
}

func matchesTags(a agentruntime.Agent, q agentruntime.ListQuery) bool {
	if len(q.Tags) == 0 {
		return true
	}
	if q.MatchAll {
		for _, t := range q.Tags {
			if !a.HasTag(t) {
				return false
			}
		}
		return true
	}
	for _, t := range q.Tags {
		if a.HasTag(t) {
			return true
		}
	}
	return false
}

func cloneStrings(src []string) []string {
	if len(src) == 0 {
		return nil
	}
	dst := make([]string, len(src))
	copy(dst, src)
	return dst
}
