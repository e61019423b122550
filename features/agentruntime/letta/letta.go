// Package letta implements the agent platform contract against the Letta
// REST API.
//
// All requests flow through a client-side rate limiter so bursts of
// control-plane activity (bootstrap creating a dozen agents, broadcast
// delegation) cannot trip the platform's request limits. Platform tool IDs
// are resolved from tool names through a small TTL cache because the catalog
// changes rarely but is needed on every agent creation.
package letta

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lujunbofan2019/LettaPlus-sub000/runtime/agentruntime"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultRPS          = 10
	defaultBurst        = 20
	defaultToolCacheTTL = time.Minute
	pingerName          = "agentruntime-letta"
)

type (
	// Option configures the client.
	Option func(*Client)

	// Client implements agentruntime.Client over the Letta REST API.
	Client struct {
		baseURL string
		http    *http.Client
		headers http.Header
		limiter *rate.Limiter
		tools   toolCache
	}
)

// WithHTTPClient overrides the underlying *http.Client used for requests.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithHeader adds a static header to all outgoing requests.
func WithHeader(name, value string) Option {
	return func(cl *Client) {
		cl.headers.Add(name, value)
	}
}

// WithBearerToken configures the client to send an Authorization Bearer token.
func WithBearerToken(token string) Option {
	return WithHeader("Authorization", "Bearer "+token)
}

// WithRateLimit overrides the request rate limit (requests per second and
// burst size).
func WithRateLimit(rps float64, burst int) Option {
	return func(cl *Client) {
		cl.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithToolCacheTTL overrides how long resolved tool IDs are trusted before
// the catalog is refetched.
func WithToolCacheTTL(ttl time.Duration) Option {
	return func(cl *Client) {
		cl.tools.ttl = ttl
	}
}

// New constructs a Client for the Letta server at baseURL (for example
// "http://localhost:8283").
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("letta base URL is required")
	}
	cl := &Client{
		baseURL: trimSlash(baseURL),
		http:    &http.Client{Timeout: defaultTimeout},
		headers: make(http.Header),
		limiter: rate.NewLimiter(rate.Limit(defaultRPS), defaultBurst),
		tools:   toolCache{ttl: defaultToolCacheTTL},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cl)
		}
	}
	if cl.http == nil {
		cl.http = &http.Client{Timeout: defaultTimeout}
	}
	return cl, nil
}

// Compile-time check that Client implements agentruntime.Client.
var _ agentruntime.Client = (*Client)(nil)

// Wire shapes. Letta block values are plain strings; structured content is
// stored serialized.
type (
	agentDTO struct {
		ID        string    `json:"id"`
		Name      string    `json:"name"`
		System    string    `json:"system"`
		Model     string    `json:"model,omitempty"`
		Embedding string    `json:"embedding,omitempty"`
		Tags      []string  `json:"tags"`
		CreatedAt time.Time `json:"created_at"`
	}

	blockDTO struct {
		ID    string `json:"id"`
		Label string `json:"label"`
		Value string `json:"value"`
		Limit int    `json:"limit,omitempty"`
	}

	toolDTO struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}

	createAgentDTO struct {
		Name         string     `json:"name"`
		System       string     `json:"system,omitempty"`
		Model        string     `json:"model,omitempty"`
		Embedding    string     `json:"embedding,omitempty"`
		Tags         []string   `json:"tags,omitempty"`
		MemoryBlocks []blockDTO `json:"memory_blocks,omitempty"`
		BlockIDs     []string   `json:"block_ids,omitempty"`
		ToolIDs      []string   `json:"tool_ids,omitempty"`
	}

	messageDTO struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	sendDTO struct {
		Messages []messageDTO `json:"messages"`
	}

	sendResultDTO struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}

	runDTO struct {
		ID string `json:"id"`
	}
)

// CreateAgent materializes an agent, resolving tool names to platform IDs
// first so a bad tool reference fails before anything is created.
func (c *Client) CreateAgent(ctx context.Context, req agentruntime.CreateAgentRequest) (agentruntime.Agent, error) {
	toolIDs, err := c.resolveTools(ctx, req.Tools)
	if err != nil {
		return agentruntime.Agent{}, err
	}
	in := createAgentDTO{
		Name:      req.Name,
		System:    req.System,
		Model:     req.Model,
		Embedding: req.Embedding,
		Tags:      req.Tags,
		BlockIDs:  req.BlockIDs,
		ToolIDs:   toolIDs,
	}
	for _, b := range req.Blocks {
		in.MemoryBlocks = append(in.MemoryBlocks, blockDTO{Label: b.Label, Value: b.Value, Limit: b.CharLimit})
	}
	var out agentDTO
	if err := c.do(ctx, http.MethodPost, "/v1/agents/", in, &out, nil); err != nil {
		return agentruntime.Agent{}, err
	}
	return out.toAgent(), nil
}

// GetAgent returns an agent by ID.
func (c *Client) GetAgent(ctx context.Context, agentID string) (agentruntime.Agent, error) {
	var out agentDTO
	err := c.do(ctx, http.MethodGet, "/v1/agents/"+url.PathEscape(agentID), nil, &out, agentruntime.ErrAgentNotFound)
	if err != nil {
		return agentruntime.Agent{}, err
	}
	return out.toAgent(), nil
}

// DeleteAgent removes an agent.
func (c *Client) DeleteAgent(ctx context.Context, agentID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/agents/"+url.PathEscape(agentID), nil, nil, agentruntime.ErrAgentNotFound)
}

// ListAgents returns agents matching the query.
func (c *Client) ListAgents(ctx context.Context, q agentruntime.ListQuery) ([]agentruntime.Agent, error) {
	params := url.Values{}
	for _, t := range q.Tags {
		params.Add("tags", t)
	}
	if len(q.Tags) > 0 {
		params.Set("match_all_tags", strconv.FormatBool(q.MatchAll))
	}
	path := "/v1/agents/"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var out []agentDTO
	if err := c.do(ctx, http.MethodGet, path, nil, &out, nil); err != nil {
		return nil, err
	}
	agents := make([]agentruntime.Agent, len(out))
	for i, a := range out {
		agents[i] = a.toAgent()
	}
	return agents, nil
}

// ReplaceAgentTags replaces the agent's tag set.
func (c *Client) ReplaceAgentTags(ctx context.Context, agentID string, tags []string) (agentruntime.Agent, error) {
	in := map[string][]string{"tags": tags}
	var out agentDTO
	err := c.do(ctx, http.MethodPatch, "/v1/agents/"+url.PathEscape(agentID), in, &out, agentruntime.ErrAgentNotFound)
	if err != nil {
		return agentruntime.Agent{}, err
	}
	return out.toAgent(), nil
}

// CreateBlock creates a standalone shared block.
func (c *Client) CreateBlock(ctx context.Context, spec agentruntime.BlockSpec) (agentruntime.Block, error) {
	in := blockDTO{Label: spec.Label, Value: spec.Value, Limit: spec.CharLimit}
	var out blockDTO
	if err := c.do(ctx, http.MethodPost, "/v1/blocks/", in, &out, nil); err != nil {
		return agentruntime.Block{}, err
	}
	return out.toBlock(), nil
}

// GetBlock returns a block by ID.
func (c *Client) GetBlock(ctx context.Context, blockID string) (agentruntime.Block, error) {
	var out blockDTO
	err := c.do(ctx, http.MethodGet, "/v1/blocks/"+url.PathEscape(blockID), nil, &out, agentruntime.ErrBlockNotFound)
	if err != nil {
		return agentruntime.Block{}, err
	}
	return out.toBlock(), nil
}

// UpdateBlockValue replaces a block's value.
func (c *Client) UpdateBlockValue(ctx context.Context, blockID string, value string) error {
	in := map[string]string{"value": value}
	return c.do(ctx, http.MethodPatch, "/v1/blocks/"+url.PathEscape(blockID), in, nil, agentruntime.ErrBlockNotFound)
}

// DeleteBlock removes a standalone block.
func (c *Client) DeleteBlock(ctx context.Context, blockID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/blocks/"+url.PathEscape(blockID), nil, nil, agentruntime.ErrBlockNotFound)
}

// ListAgentBlocks returns the blocks attached to an agent.
func (c *Client) ListAgentBlocks(ctx context.Context, agentID string) ([]agentruntime.Block, error) {
	var out []blockDTO
	path := "/v1/agents/" + url.PathEscape(agentID) + "/core-memory/blocks"
	if err := c.do(ctx, http.MethodGet, path, nil, &out, agentruntime.ErrAgentNotFound); err != nil {
		return nil, err
	}
	blocks := make([]agentruntime.Block, len(out))
	for i, b := range out {
		blocks[i] = b.toBlock()
	}
	return blocks, nil
}

// AttachBlock attaches an existing block to an agent.
func (c *Client) AttachBlock(ctx context.Context, agentID, blockID string) error {
	path := "/v1/agents/" + url.PathEscape(agentID) + "/core-memory/blocks/attach/" + url.PathEscape(blockID)
	return c.do(ctx, http.MethodPatch, path, nil, nil, agentruntime.ErrBlockNotFound)
}

// DetachBlock detaches a block from an agent.
func (c *Client) DetachBlock(ctx context.Context, agentID, blockID string) error {
	path := "/v1/agents/" + url.PathEscape(agentID) + "/core-memory/blocks/detach/" + url.PathEscape(blockID)
	return c.do(ctx, http.MethodPatch, path, nil, nil, agentruntime.ErrBlockNotFound)
}

// ListTools returns the platform tool catalog.
func (c *Client) ListTools(ctx context.Context) ([]agentruntime.Tool, error) {
	var out []toolDTO
	if err := c.do(ctx, http.MethodGet, "/v1/tools/", nil, &out, nil); err != nil {
		return nil, err
	}
	tools := make([]agentruntime.Tool, len(out))
	for i, t := range out {
		tools[i] = agentruntime.Tool{ID: t.ID, Name: t.Name}
	}
	return tools, nil
}

// AttachTool attaches a platform tool to an agent.
func (c *Client) AttachTool(ctx context.Context, agentID, toolID string) error {
	path := "/v1/agents/" + url.PathEscape(agentID) + "/tools/attach/" + url.PathEscape(toolID)
	return c.do(ctx, http.MethodPatch, path, nil, nil, agentruntime.ErrToolNotFound)
}

// DetachTool detaches a platform tool from an agent.
func (c *Client) DetachTool(ctx context.Context, agentID, toolID string) error {
	path := "/v1/agents/" + url.PathEscape(agentID) + "/tools/detach/" + url.PathEscape(toolID)
	return c.do(ctx, http.MethodPatch, path, nil, nil, agentruntime.ErrToolNotFound)
}

// SendMessage delivers a message and waits for processing.
func (c *Client) SendMessage(ctx context.Context, agentID string, msg agentruntime.Message) (agentruntime.SendResult, error) {
	in := sendDTO{Messages: []messageDTO{{Role: msg.Role, Content: msg.Content}}}
	var out sendResultDTO
	path := "/v1/agents/" + url.PathEscape(agentID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, in, &out, agentruntime.ErrAgentNotFound); err != nil {
		return agentruntime.SendResult{}, err
	}
	res := agentruntime.SendResult{}
	if len(out.Messages) > 0 {
		res.MessageID = out.Messages[len(out.Messages)-1].ID
	}
	return res, nil
}

// SendMessageAsync enqueues a message and returns the platform run handle.
func (c *Client) SendMessageAsync(ctx context.Context, agentID string, msg agentruntime.Message) (agentruntime.SendResult, error) {
	in := sendDTO{Messages: []messageDTO{{Role: msg.Role, Content: msg.Content}}}
	var out runDTO
	path := "/v1/agents/" + url.PathEscape(agentID) + "/messages/async"
	if err := c.do(ctx, http.MethodPost, path, in, &out, agentruntime.ErrAgentNotFound); err != nil {
		return agentruntime.SendResult{}, err
	}
	return agentruntime.SendResult{RunID: out.ID}, nil
}

// Ping reports whether the Letta server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/v1/health/", nil, nil, nil)
}

// Name identifies the platform in health reports.
func (c *Client) Name() string {
	return pingerName
}

// resolveTools maps tool names to platform IDs through the cache. A name
// missing from a fresh catalog fails with ErrToolNotFound.
func (c *Client) resolveTools(ctx context.Context, names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, nil
	}
	ids, missing := c.tools.lookup(names)
	if len(missing) > 0 {
		catalog, err := c.ListTools(ctx)
		if err != nil {
			return nil, err
		}
		c.tools.fill(catalog)
		ids, missing = c.tools.lookup(names)
		if len(missing) > 0 {
			return nil, fmt.Errorf("resolve tool %q: %w", missing[0], agentruntime.ErrToolNotFound)
		}
	}
	return ids, nil
}

// do performs one rate-limited HTTP round trip. notFound, when non-nil, is
// returned verbatim on a 404 so callers surface the right sentinel.
func (c *Client) do(ctx context.Context, method, path string, in, out any, notFound error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", agentruntime.ErrUnavailable, method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound && notFound != nil {
		return notFound
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("letta %s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (a agentDTO) toAgent() agentruntime.Agent {
	return agentruntime.Agent{
		ID:        a.ID,
		Name:      a.Name,
		System:    a.System,
		Model:     a.Model,
		Embedding: a.Embedding,
		Tags:      a.Tags,
		CreatedAt: a.CreatedAt,
	}
}

func (b blockDTO) toBlock() agentruntime.Block {
	return agentruntime.Block{ID: b.ID, Label: b.Label, Value: b.Value, CharLimit: b.Limit}
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

// toolCache maps tool names to IDs with a freshness window.
type toolCache struct {
	mu      sync.Mutex
	byName  map[string]string
	fetched time.Time
	ttl     time.Duration
}

// lookup returns the IDs for names in order plus the names it could not
// resolve. A stale cache resolves nothing.
func (tc *toolCache) lookup(names []string) ([]string, []string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.byName == nil || time.Since(tc.fetched) > tc.ttl {
		return nil, names
	}
	ids := make([]string, 0, len(names))
	var missing []string
	for _, n := range names {
		id, ok := tc.byName[n]
		if !ok {
			missing = append(missing, n)
			continue
		}
		ids = append(ids, id)
	}
	if len(missing) > 0 {
		return nil, missing
	}
	return ids, nil
}

// fill replaces the cache content with the given catalog.
func (tc *toolCache) fill(catalog []agentruntime.Tool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.byName = make(map[string]string, len(catalog))
	for _, t := range catalog {
		tc.byName[t.Name] = t.ID
	}
	tc.fetched = time.Now()
}
