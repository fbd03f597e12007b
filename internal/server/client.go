package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	ferrors "github.com/factline/factline/internal/errors"
	"github.com/factline/factline/internal/model"
	"github.com/factline/factline/internal/storage"
)

const toolCacheSize = 512

// ClientConfig configures a remote storage client.
type ClientConfig struct {
	SocketPath string
	Timeout    time.Duration
}

// Client is a remote storage backend over the Unix socket protocol.
// It satisfies the full storage contract, so pipelines and CLI
// commands cannot tell it apart from a local backend. Tools are
// immutable once registered, so both lookup directions are cached.
type Client struct {
	socketPath string
	timeout    time.Duration
	requestID  atomic.Uint64

	toolsByKey *lru.Cache[string, model.Tool]
	toolsByID  *lru.Cache[int64, model.Tool]
}

var _ storage.Store = (*Client)(nil)

// NewClient creates a client for the given socket.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.SocketPath == "" {
		return nil, ferrors.Argument("socket path is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	byKey, err := lru.New[string, model.Tool](toolCacheSize)
	if err != nil {
		return nil, err
	}
	byID, err := lru.New[int64, model.Tool](toolCacheSize)
	if err != nil {
		return nil, err
	}
	return &Client{
		socketPath: cfg.SocketPath,
		timeout:    cfg.Timeout,
		toolsByKey: byKey,
		toolsByID:  byID,
	}, nil
}

// Close releases client resources. Connections are per-request, so
// there is nothing to tear down beyond the caches.
func (c *Client) Close() error {
	c.toolsByKey.Purge()
	c.toolsByID.Purge()
	return nil
}

// IsRunning checks if the server is accepting connections.
func (c *Client) IsRunning() bool {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// Ping checks if the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, MethodPing, nil, &PingResult{})
}

// Status retrieves server status.
func (c *Client) Status(ctx context.Context) (StatusResult, error) {
	var status StatusResult
	err := c.call(ctx, MethodStatus, nil, &status)
	return status, err
}

// RegisterTool registers spec remotely. Registration is idempotent, so
// a cached hit short-circuits the round trip.
func (c *Client) RegisterTool(ctx context.Context, spec model.ToolSpec) (model.Tool, error) {
	key, err := spec.Key()
	if err != nil {
		return model.Tool{}, ferrors.Argument(err.Error())
	}
	if tool, ok := c.toolsByKey.Get(key); ok {
		return tool, nil
	}

	var tool model.Tool
	if err := c.call(ctx, MethodToolReg, ToolRegisterParams{Tool: spec}, &tool); err != nil {
		return model.Tool{}, err
	}
	c.cacheTool(key, tool)
	return tool, nil
}

// GetTool looks up a registered tool without creating it.
func (c *Client) GetTool(ctx context.Context, spec model.ToolSpec) (model.Tool, bool, error) {
	key, err := spec.Key()
	if err != nil {
		return model.Tool{}, false, ferrors.Argument(err.Error())
	}
	if tool, ok := c.toolsByKey.Get(key); ok {
		return tool, true, nil
	}

	var result ToolGetResult
	if err := c.call(ctx, MethodToolGet, ToolRegisterParams{Tool: spec}, &result); err != nil {
		return model.Tool{}, false, err
	}
	if result.Found {
		c.cacheTool(key, result.Tool)
	}
	return result.Tool, result.Found, nil
}

// GetToolByID looks up a tool by surrogate id.
func (c *Client) GetToolByID(ctx context.Context, id int64) (model.Tool, error) {
	if tool, ok := c.toolsByID.Get(id); ok {
		return tool, nil
	}

	var tool model.Tool
	if err := c.call(ctx, MethodToolByID, ToolByIDParams{ID: id}, &tool); err != nil {
		return model.Tool{}, err
	}
	if key, err := tool.Key(); err == nil {
		c.cacheTool(key, tool)
	}
	return tool, nil
}

func (c *Client) cacheTool(key string, tool model.Tool) {
	c.toolsByKey.Add(key, tool)
	c.toolsByID.Add(tool.ID, tool)
}

// Missing returns the subset of keys with no stored row.
func (c *Client) Missing(ctx context.Context, kind model.Kind, keys []model.SubjectTool) ([]model.SubjectTool, error) {
	var missing []model.SubjectTool
	err := c.call(ctx, MethodMissing, KeysParams{Kind: kind, Keys: keys}, &missing)
	return missing, err
}

// Get returns every stored row for the given subjects.
func (c *Client) Get(ctx context.Context, kind model.Kind, subjects []model.Subject) ([]model.Row, error) {
	var rows []model.Row
	err := c.call(ctx, MethodGet, SubjectsParams{Kind: kind, Subjects: subjects}, &rows)
	return rows, err
}

// Add writes single-valued rows remotely.
func (c *Client) Add(ctx context.Context, kind model.Kind, rows []model.Row, conflictUpdate bool) (int, error) {
	var result CountResult
	err := c.call(ctx, MethodAdd, AddParams{Kind: kind, Rows: rows, ConflictUpdate: conflictUpdate}, &result)
	return result.Count, err
}

// AddMerge writes mergeable rows remotely.
func (c *Client) AddMerge(ctx context.Context, kind model.Kind, rows []model.Row, conflictUpdate bool) (int, error) {
	var result CountResult
	err := c.call(ctx, MethodAddMerge, AddParams{Kind: kind, Rows: rows, ConflictUpdate: conflictUpdate}, &result)
	return result.Count, err
}

// Delete removes rows for the given keys remotely.
func (c *Client) Delete(ctx context.Context, kind model.Kind, keys []model.SubjectTool) (int, error) {
	var result CountResult
	err := c.call(ctx, MethodDelete, KeysParams{Kind: kind, Keys: keys}, &result)
	return result.Count, err
}

// GetPartition lists one partition page remotely.
func (c *Client) GetPartition(ctx context.Context, kind model.Kind, req storage.PartitionRequest) (storage.PartitionPage, error) {
	var page storage.PartitionPage
	err := c.call(ctx, MethodPartition, PartitionParams{Kind: kind, Request: req}, &page)
	return page, err
}

// call performs one request/response round trip on a fresh connection.
func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return ferrors.New(ferrors.ErrCodeRPCUnavailable,
			fmt.Sprintf("connect to storage server at %s", c.socketPath), err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return ferrors.New(ferrors.ErrCodeNetworkTimeout, "set connection deadline", err)
	}

	req := Request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID(),
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return ferrors.New(ferrors.ErrCodeNetworkTimeout, "send request", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return ferrors.New(ferrors.ErrCodeNetworkTimeout, "receive response", err)
	}
	if resp.Error != nil {
		return decodeError(resp.Error)
	}
	if result == nil {
		return nil
	}

	resultData, err := json.Marshal(resp.Result)
	if err != nil {
		return ferrors.New(ferrors.ErrCodeRPCProtocol, "encode result", err)
	}
	if err := json.Unmarshal(resultData, result); err != nil {
		return ferrors.New(ferrors.ErrCodeRPCProtocol, "decode result", err)
	}
	return nil
}

// decodeError rebuilds the taxonomy error from Error.Data, so remote
// callers see the same codes, keys, and retryability a local backend
// would produce.
func decodeError(e *Error) error {
	code := ferrors.ErrCodeRPCProtocol
	if e.Data != nil && e.Data.Code != "" {
		code = e.Data.Code
	}
	fe := ferrors.New(code, e.Message, nil)
	if e.Data != nil {
		fe.Keys = e.Data.Keys
	}
	return fe
}

func (c *Client) nextID() string {
	return fmt.Sprintf("req-%d", c.requestID.Add(1))
}
