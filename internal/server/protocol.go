// Package server exposes a storage backend over JSON-RPC 2.0 on a Unix
// socket, one request per connection, and provides the matching client
// that satisfies the storage contract so callers cannot tell a remote
// store from a local one. Error taxonomy crosses the wire intact.
package server

import (
	"fmt"

	"github.com/factline/factline/internal/model"
	"github.com/factline/factline/internal/storage"
)

// JSON-RPC 2.0 method names.
const (
	MethodPing     = "ping"
	MethodStatus   = "status"
	MethodToolReg  = "tool.register"
	MethodToolGet  = "tool.get"
	MethodToolByID = "tool.get_by_id"

	MethodMissing   = "rows.missing"
	MethodGet       = "rows.get"
	MethodAdd       = "rows.add"
	MethodAddMerge  = "rows.add_merge"
	MethodDelete    = "rows.delete"
	MethodPartition = "rows.partition"
)

// Standard JSON-RPC 2.0 error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// Custom error codes. The taxonomy code rides in Error.Data so clients
// can rebuild the exact error.
const (
	ErrCodeValidation = -32001
	ErrCodeDuplicate  = -32002
	ErrCodeTransient  = -32003
	ErrCodeStorage    = -32004
)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      string `json:"id"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	Result  any    `json:"result,omitempty"`
	Error   *Error `json:"error,omitempty"`
	ID      string `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

// ErrorData carries the taxonomy details a structured error needs to
// survive the round trip.
type ErrorData struct {
	Code      string   `json:"code"`
	Retryable bool     `json:"retryable,omitempty"`
	Keys      []string `json:"keys,omitempty"`
}

// NewSuccessResponse creates a successful response.
func NewSuccessResponse(id string, result any) Response {
	return Response{JSONRPC: "2.0", Result: result, ID: id}
}

// NewErrorResponse creates an error response without taxonomy data.
func NewErrorResponse(id string, code int, message string) Response {
	return Response{
		JSONRPC: "2.0",
		Error:   &Error{Code: code, Message: message},
		ID:      id,
	}
}

// ToolRegisterParams are the parameters for tool.register and tool.get.
type ToolRegisterParams struct {
	Tool model.ToolSpec `json:"tool"`
}

func (p *ToolRegisterParams) Validate() error {
	return p.Tool.Validate()
}

// ToolByIDParams are the parameters for tool.get_by_id.
type ToolByIDParams struct {
	ID int64 `json:"id"`
}

func (p *ToolByIDParams) Validate() error {
	if p.ID <= 0 {
		return fmt.Errorf("tool id must be positive")
	}
	return nil
}

// ToolGetResult wraps tool.get, distinguishing absent from present.
type ToolGetResult struct {
	Tool  model.Tool `json:"tool"`
	Found bool       `json:"found"`
}

// KeysParams are the parameters for rows.missing and rows.delete.
type KeysParams struct {
	Kind model.Kind          `json:"kind"`
	Keys []model.SubjectTool `json:"keys"`
}

func (p *KeysParams) Validate() error {
	if !p.Kind.Valid() {
		return fmt.Errorf("unknown fact kind %q", p.Kind)
	}
	return nil
}

// SubjectsParams are the parameters for rows.get.
type SubjectsParams struct {
	Kind     model.Kind      `json:"kind"`
	Subjects []model.Subject `json:"subjects"`
}

func (p *SubjectsParams) Validate() error {
	if !p.Kind.Valid() {
		return fmt.Errorf("unknown fact kind %q", p.Kind)
	}
	return nil
}

// AddParams are the parameters for rows.add and rows.add_merge.
type AddParams struct {
	Kind           model.Kind  `json:"kind"`
	Rows           []model.Row `json:"rows"`
	ConflictUpdate bool        `json:"conflict_update"`
}

func (p *AddParams) Validate() error {
	if !p.Kind.Valid() {
		return fmt.Errorf("unknown fact kind %q", p.Kind)
	}
	return nil
}

// PartitionParams are the parameters for rows.partition.
type PartitionParams struct {
	Kind    model.Kind               `json:"kind"`
	Request storage.PartitionRequest `json:"request"`
}

func (p *PartitionParams) Validate() error {
	if !p.Kind.Valid() {
		return fmt.Errorf("unknown fact kind %q", p.Kind)
	}
	return nil
}

// CountResult wraps the write-count methods.
type CountResult struct {
	Count int `json:"count"`
}

// StatusResult contains server status information.
type StatusResult struct {
	Running bool   `json:"running"`
	PID     int    `json:"pid"`
	Uptime  string `json:"uptime"`
	Backend string `json:"backend"`
}

// PingResult is the response to a ping request.
type PingResult struct {
	Pong bool `json:"pong"`
}
