package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	ferrors "github.com/factline/factline/internal/errors"
	"github.com/factline/factline/internal/storage"
)

// Server listens on a Unix socket and serves the storage RPC surface
// for one backend. One request per connection, JSON in, JSON out.
type Server struct {
	socketPath string
	backend    string
	listener   net.Listener
	store      storage.Store
	log        *slog.Logger
	started    time.Time

	mu       sync.Mutex
	shutdown bool
	wg       sync.WaitGroup
}

// NewServer creates a server for store. backend is reported by status.
func NewServer(socketPath, backend string, store storage.Store, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{socketPath: socketPath, backend: backend, store: store, log: log}
}

// ListenAndServe accepts connections until ctx is cancelled. The socket
// file is removed on exit; a stale one from a crashed process is
// removed on entry.
func (s *Server) ListenAndServe(ctx context.Context) error {
	_ = os.Remove(s.socketPath)

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	s.listener = listener
	s.started = time.Now()

	defer func() {
		_ = listener.Close()
		_ = os.Remove(s.socketPath)
	}()

	s.log.Info("server_listening", slog.String("socket", s.socketPath), slog.String("backend", s.backend))

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			shutdown := s.shutdown
			s.mu.Unlock()
			if shutdown {
				break
			}
			s.log.Error("accept_error", slog.String("error", err.Error()))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.wg.Wait()
	return ctx.Err()
}

// Close stops the server.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(30 * time.Second)); err != nil {
		s.log.Warn("set_deadline_failed", slog.String("error", err.Error()))
	}

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	var req Request
	if err := decoder.Decode(&req); err != nil {
		_ = encoder.Encode(NewErrorResponse("", ErrCodeParseError, "failed to parse request"))
		return
	}

	_ = encoder.Encode(s.handleRequest(ctx, req))
}

func (s *Server) handleRequest(ctx context.Context, req Request) Response {
	switch req.Method {
	case MethodPing:
		return NewSuccessResponse(req.ID, PingResult{Pong: true})

	case MethodStatus:
		return NewSuccessResponse(req.ID, StatusResult{
			Running: true,
			PID:     os.Getpid(),
			Uptime:  time.Since(s.started).Round(time.Second).String(),
			Backend: s.backend,
		})

	case MethodToolReg:
		return handle(s, req, func(p ToolRegisterParams) (any, error) {
			return s.store.RegisterTool(ctx, p.Tool)
		})

	case MethodToolGet:
		return handle(s, req, func(p ToolRegisterParams) (any, error) {
			tool, found, err := s.store.GetTool(ctx, p.Tool)
			if err != nil {
				return nil, err
			}
			return ToolGetResult{Tool: tool, Found: found}, nil
		})

	case MethodToolByID:
		return handle(s, req, func(p ToolByIDParams) (any, error) {
			return s.store.GetToolByID(ctx, p.ID)
		})

	case MethodMissing:
		return handle(s, req, func(p KeysParams) (any, error) {
			return s.store.Missing(ctx, p.Kind, p.Keys)
		})

	case MethodGet:
		return handle(s, req, func(p SubjectsParams) (any, error) {
			return s.store.Get(ctx, p.Kind, p.Subjects)
		})

	case MethodAdd:
		return handle(s, req, func(p AddParams) (any, error) {
			n, err := s.store.Add(ctx, p.Kind, p.Rows, p.ConflictUpdate)
			return CountResult{Count: n}, err
		})

	case MethodAddMerge:
		return handle(s, req, func(p AddParams) (any, error) {
			n, err := s.store.AddMerge(ctx, p.Kind, p.Rows, p.ConflictUpdate)
			return CountResult{Count: n}, err
		})

	case MethodDelete:
		return handle(s, req, func(p KeysParams) (any, error) {
			n, err := s.store.Delete(ctx, p.Kind, p.Keys)
			return CountResult{Count: n}, err
		})

	case MethodPartition:
		return handle(s, req, func(p PartitionParams) (any, error) {
			return s.store.GetPartition(ctx, p.Kind, p.Request)
		})

	default:
		return NewErrorResponse(req.ID, ErrCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
	}
}

// validated is what every params type provides.
type validated interface {
	Validate() error
}

// handle decodes the params, validates them, runs the operation, and
// maps its error onto the wire.
func handle[P any, PP interface {
	*P
	validated
}](s *Server, req Request, op func(P) (any, error)) Response {
	paramsData, err := json.Marshal(req.Params)
	if err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, "failed to encode params")
	}

	var params P
	if err := json.Unmarshal(paramsData, &params); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, "failed to decode params")
	}
	if err := PP(&params).Validate(); err != nil {
		return NewErrorResponse(req.ID, ErrCodeInvalidParams, err.Error())
	}

	result, err := op(params)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	return NewSuccessResponse(req.ID, result)
}

// errorResponse maps a backend error onto the wire, keeping the
// taxonomy code, retryability, and duplicate keys in Error.Data.
func errorResponse(id string, err error) Response {
	data := &ErrorData{
		Code:      ferrors.GetCode(err),
		Retryable: ferrors.IsRetryable(err),
		Keys:      ferrors.GetKeys(err),
	}

	code := ErrCodeStorage
	switch {
	case ferrors.IsDuplicateKey(err):
		code = ErrCodeDuplicate
	case ferrors.IsArgument(err):
		code = ErrCodeValidation
	case ferrors.IsRetryable(err):
		code = ErrCodeTransient
	}

	return Response{
		JSONRPC: "2.0",
		Error:   &Error{Code: code, Message: err.Error(), Data: data},
		ID:      id,
	}
}
