// Package agentruntime defines the typed contract to the external agent
// platform that hosts worker, conductor and companion agents.
//
// The control plane never executes agent reasoning itself: it materializes
// agents from templates, shares memory blocks between them, attaches platform
// tools, and delivers messages. Everything else (model calls, tool execution,
// agent memory management) belongs to the platform behind this interface.
package agentruntime

import (
	"context"
	"errors"
	"time"
)

type (
	// Client is the agent platform contract.
	//
	// Contract:
	// - Agent and block identifiers are platform-owned and opaque.
	// - Operations are synchronous except SendMessageAsync, which enqueues
	//   processing and returns a run handle instead of waiting for it.
	// - Not-found conditions surface as ErrAgentNotFound / ErrBlockNotFound /
	//   ErrToolNotFound; transport failures wrap ErrUnavailable.
	Client interface {
		// CreateAgent materializes a new agent. Blocks are created and
		// attached as agent-owned core memory; BlockIDs attach existing
		// shared blocks; Tools attaches platform tools by name.
		CreateAgent(ctx context.Context, req CreateAgentRequest) (Agent, error)
		// GetAgent returns the agent with the given ID.
		GetAgent(ctx context.Context, agentID string) (Agent, error)
		// DeleteAgent removes the agent. Blocks shared with other agents
		// survive; agent-owned blocks go away with it.
		DeleteAgent(ctx context.Context, agentID string) error
		// ListAgents returns agents matching the query in creation order.
		ListAgents(ctx context.Context, q ListQuery) ([]Agent, error)
		// ReplaceAgentTags replaces the agent's full tag set.
		ReplaceAgentTags(ctx context.Context, agentID string, tags []string) (Agent, error)

		// CreateBlock creates a standalone shared memory block.
		CreateBlock(ctx context.Context, spec BlockSpec) (Block, error)
		// GetBlock returns the block with the given ID.
		GetBlock(ctx context.Context, blockID string) (Block, error)
		// UpdateBlockValue replaces the block's value.
		UpdateBlockValue(ctx context.Context, blockID string, value string) error
		// DeleteBlock removes a standalone block. Agents still holding the
		// block lose the attachment.
		DeleteBlock(ctx context.Context, blockID string) error
		// ListAgentBlocks returns the blocks attached to an agent.
		ListAgentBlocks(ctx context.Context, agentID string) ([]Block, error)
		// AttachBlock attaches an existing block to an agent.
		AttachBlock(ctx context.Context, agentID, blockID string) error
		// DetachBlock detaches a block from an agent without deleting it.
		DetachBlock(ctx context.Context, agentID, blockID string) error

		// ListTools returns the platform tool catalog.
		ListTools(ctx context.Context) ([]Tool, error)
		// AttachTool attaches a platform tool to an agent.
		AttachTool(ctx context.Context, agentID, toolID string) error
		// DetachTool detaches a platform tool from an agent.
		DetachTool(ctx context.Context, agentID, toolID string) error

		// SendMessage delivers a message and waits for processing.
		SendMessage(ctx context.Context, agentID string, msg Message) (SendResult, error)
		// SendMessageAsync enqueues a message and returns immediately with
		// the platform run handle.
		SendMessageAsync(ctx context.Context, agentID string, msg Message) (SendResult, error)

		// Ping reports whether the platform is reachable.
		Ping(ctx context.Context) error
	}

	// Agent is the platform view of an agent.
	Agent struct {
		// ID is the platform-assigned identifier.
		ID string
		// Name is the runtime agent name, unique per platform.
		Name string
		// System is the system prompt.
		System string
		// Model is the platform model handle the agent runs on.
		Model string
		// Embedding is the embedding model handle, when the platform uses one.
		Embedding string
		// Tags carries the agent's discovery tags.
		Tags []string
		// CreatedAt records platform-side creation time.
		CreatedAt time.Time
	}

	// CreateAgentRequest describes a new agent.
	CreateAgentRequest struct {
		Name      string
		System    string
		Model     string
		Embedding string
		Tags      []string
		// Blocks are created with the agent as its core memory.
		Blocks []BlockSpec
		// BlockIDs attach pre-existing shared blocks.
		BlockIDs []string
		// Tools attaches platform tools by name. Unknown names fail with
		// ErrToolNotFound.
		Tools []string
	}

	// BlockSpec describes a memory block to create.
	BlockSpec struct {
		// Label identifies the block within an agent (for example
		// "session_context:abc123").
		Label string
		// Value is the block content. JSON payloads are stored serialized.
		Value string
		// CharLimit bounds the block size; zero uses the platform default.
		CharLimit int
	}

	// Block is a memory block, standalone or attached.
	Block struct {
		ID        string
		Label     string
		Value     string
		CharLimit int
	}

	// Tool is a platform tool catalog entry.
	Tool struct {
		ID   string
		Name string
	}

	// Message is a message delivered to an agent.
	Message struct {
		// Role is the platform message role, typically "user" or "system".
		Role string
		// Content is the message body. Structured notifications are
		// serialized JSON envelopes.
		Content string
	}

	// SendResult reports message delivery.
	SendResult struct {
		// MessageID identifies the delivered message when the platform
		// reports one.
		MessageID string
		// RunID is the asynchronous processing handle; set by
		// SendMessageAsync only.
		RunID string
	}

	// ListQuery filters ListAgents.
	ListQuery struct {
		// Tags requires the listed tags. With MatchAll every tag must be
		// present; otherwise one suffices.
		Tags []string
		// MatchAll toggles all-of semantics for Tags.
		MatchAll bool
	}
)

var (
	// ErrAgentNotFound indicates the agent does not exist on the platform.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrBlockNotFound indicates the memory block does not exist.
	ErrBlockNotFound = errors.New("memory block not found")
	// ErrToolNotFound indicates no platform tool carries the requested name.
	ErrToolNotFound = errors.New("platform tool not found")
	// ErrUnavailable indicates the platform could not be reached.
	ErrUnavailable = errors.New("agent platform unavailable")
)

// HasTag reports whether the agent carries the exact tag.
func (a Agent) HasTag(tag string) bool {
	for _, t := range a.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// TagValue returns the value part of the first tag with the given prefix
// (for example TagValue("status:") on ["status:idle"] yields "idle").
func (a Agent) TagValue(prefix string) (string, bool) {
	for _, t := range a.Tags {
		if len(t) > len(prefix) && t[:len(prefix)] == prefix {
			return t[len(prefix):], true
		}
	}
	return "", false
}
