package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/memva/memva/internal/log"
)

// ToolHandler executes a tool call with its raw arguments.
type ToolHandler func(ctx context.Context, args json.RawMessage) (*ToolCallResult, error)

// toolEntry pairs a tool's schema with its handler.
type toolEntry struct {
	tool Tool
	run  ToolHandler
}

// Server is a stdio MCP server: newline-delimited JSON-RPC frames in,
// responses out. Frames without an id are notifications and get no
// reply. One instance serves one agent process.
type Server struct {
	info         ImplementationInfo
	instructions string
	registry     map[string]toolEntry

	in  io.Reader
	out io.Writer

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.RWMutex

	initialized bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithInstructions sets the instructions sent during initialization.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) { s.instructions = instructions }
}

// NewServer creates an MCP server identified by name and version.
func NewServer(name, version string, opts ...ServerOption) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		info:     ImplementationInfo{Name: name, Version: version},
		registry: make(map[string]toolEntry),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RegisterTool makes a tool callable.
func (s *Server) RegisterTool(tool Tool, handler ToolHandler) {
	s.mu.Lock()
	s.registry[tool.Name] = toolEntry{tool: tool, run: handler}
	s.mu.Unlock()
	log.Debug(log.CatMCP, "registered tool", "name", tool.Name)
}

// Serve pumps frames from stdin to stdout until EOF or Stop.
func (s *Server) Serve(stdin io.Reader, stdout io.Writer) error {
	s.mu.Lock()
	s.in = stdin
	s.out = stdout
	s.mu.Unlock()

	scanner := bufio.NewScanner(s.in)
	// Tool arguments can carry whole file contents.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if line := scanner.Bytes(); len(line) > 0 {
			s.handleFrame(line)
		}
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		default:
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	return nil
}

// Stop cancels in-flight tool handlers and ends Serve at the next
// frame boundary.
func (s *Server) Stop() {
	s.cancel()
}

// handleFrame decodes one frame and routes it. A request gets exactly
// one response; a notification gets none.
func (s *Server) handleFrame(line []byte) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.reply(nil, nil, NewParseError(err.Error()))
		return
	}
	if isNotification(&req) {
		s.handleNotification(&req)
		return
	}
	result, rpcErr := s.dispatch(&req)
	s.reply(req.ID, result, rpcErr)
}

// isNotification reports whether the frame carries no usable id.
func isNotification(req *Request) bool {
	return len(req.ID) == 0 || string(req.ID) == "null"
}

func (s *Server) dispatch(req *Request) (any, *RPCError) {
	log.Debug(log.CatMCP, "handling request", "method", req.Method)

	switch req.Method {
	case "initialize":
		return s.initialize(req.Params)
	case "tools/list":
		return s.listTools()
	case "tools/call":
		return s.callTool(req.Params)
	case "ping":
		return struct{}{}, nil
	default:
		return nil, NewMethodNotFound(req.Method)
	}
}

func (s *Server) handleNotification(req *Request) {
	switch req.Method {
	case "notifications/initialized":
		s.mu.Lock()
		s.initialized = true
		s.mu.Unlock()
		log.Debug(log.CatMCP, "client initialized")
	case "notifications/cancelled":
		log.Debug(log.CatMCP, "request cancelled by client")
	default:
		// Unknown notifications are ignored per spec.
		log.Debug(log.CatMCP, "ignoring notification", "method", req.Method)
	}
}

func (s *Server) initialize(params json.RawMessage) (any, *RPCError) {
	var p InitializeParams
	if params != nil {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, NewInvalidParams(err.Error())
		}
	}
	log.Debug(log.CatMCP, "initialize",
		"client", p.ClientInfo.Name, "client_version", p.ProtocolVersion)

	return InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    ServerCapability{Tools: &ToolsCapability{ListChanged: false}},
		ServerInfo:      s.info,
		Instructions:    s.instructions,
	}, nil
}

func (s *Server) listTools() (any, *RPCError) {
	s.mu.RLock()
	tools := make([]Tool, 0, len(s.registry))
	for _, entry := range s.registry {
		tools = append(tools, entry.tool)
	}
	s.mu.RUnlock()

	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return ToolsListResult{Tools: tools}, nil
}

func (s *Server) callTool(params json.RawMessage) (any, *RPCError) {
	var p ToolCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, NewInvalidParams(err.Error())
	}

	s.mu.RLock()
	entry, ok := s.registry[p.Name]
	s.mu.RUnlock()
	if !ok {
		return nil, NewToolNotFound(p.Name)
	}

	result, err := entry.run(s.ctx, p.Arguments)
	if err != nil {
		log.ErrorErr(log.CatMCP, "tool execution failed", err, "name", p.Name)
		// Tool failures travel as tool results, not RPC errors.
		return ErrorResult(err.Error()), nil
	}
	return result, nil
}

// reply writes one response frame. Exactly one of result and rpcErr is
// set.
func (s *Server) reply(id json.RawMessage, result any, rpcErr *RPCError) {
	resp := NewResponse(id, result)
	if rpcErr != nil {
		resp = NewErrorResponse(id, rpcErr)
	}

	data, err := json.Marshal(resp)
	if err != nil {
		log.ErrorErr(log.CatMCP, "failed to marshal response", err)
		return
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil {
		return
	}
	if _, err := s.out.Write(data); err != nil {
		log.ErrorErr(log.CatMCP, "failed to write response", err)
	}
}
