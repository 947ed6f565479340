package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/PiGrieco/mcp-memory-server/internal/analytics"
	"github.com/PiGrieco/mcp-memory-server/internal/engine"
	"github.com/PiGrieco/mcp-memory-server/internal/memory"
	"github.com/PiGrieco/mcp-memory-server/internal/metrics"
	"go.uber.org/zap"
)

const (
	protocolVersion = "2024-11-05"
	maxLineBytes    = 4 << 20
)

// JSON-RPC error codes
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Request represents a request from the MCP client
type Request struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

func (r *Request) isNotification() bool {
	return len(r.ID) == 0 || string(r.ID) == "null"
}

// Response represents a response to the MCP client
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// Error represents an error in the MCP protocol
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Options configures the server identity and tool table.
type Options struct {
	Name     string
	Version  string
	Platform Platform
}

type toolHandler func(*Server, context.Context, json.RawMessage) (string, error)

var handlers = map[Tool]toolHandler{
	ToolSave:     (*Server).callSave,
	ToolSearch:   (*Server).callSearch,
	ToolContext:  (*Server).callContext,
	ToolDelete:   (*Server).callDelete,
	ToolAnalyze:  (*Server).callAnalyze,
	ToolFeedback: (*Server).callFeedback,
	ToolStats:    (*Server).callStats,
}

// Server implements the Model Context Protocol over newline-delimited
// JSON-RPC. Tool calls run concurrently; responses are written one at a time.
type Server struct {
	engine     *engine.Engine
	store      *memory.Store
	aggregator *analytics.Aggregator
	metrics    *metrics.Metrics
	logger     *zap.Logger
	opts       Options

	outMu sync.Mutex
	out   io.Writer
}

// NewServer creates a new MCP server. aggregator and m may be nil.
func NewServer(e *engine.Engine, store *memory.Store, aggregator *analytics.Aggregator, m *metrics.Metrics, logger *zap.Logger, opts Options) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Name == "" {
		opts.Name = "mcp-memory"
	}
	if opts.Platform.Name == "" {
		opts.Platform, _ = LookupPlatform(DefaultPlatform)
	}
	return &Server{
		engine:     e,
		store:      store,
		aggregator: aggregator,
		metrics:    m,
		logger:     logger,
		opts:       opts,
	}
}

// Serve reads requests from in and writes responses to out until in is
// exhausted, a shutdown request arrives or ctx is cancelled.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.out = out
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	s.logger.Info("MCP server started", zap.String("platform", s.opts.Platform.Name))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					return err
				default:
					return nil
				}
			}
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}

			var req Request
			if err := json.Unmarshal(line, &req); err != nil {
				s.sendError(nil, CodeParseError, "Parse error")
				continue
			}

			if req.Method == "shutdown" {
				wg.Wait()
				s.sendResult(req.ID, map[string]interface{}{})
				s.logger.Info("MCP server shutting down")
				return nil
			}
			if req.Method == "tools/call" {
				wg.Add(1)
				go func() {
					defer wg.Done()
					s.handleToolCall(ctx, &req)
				}()
				continue
			}
			s.handleRequest(&req)
		}
	}
}

// handleRequest handles an incoming MCP request
func (s *Server) handleRequest(req *Request) {
	switch req.Method {
	case "initialize":
		s.handleInitialize(req)
	case "ping":
		s.sendResult(req.ID, map[string]interface{}{})
	case "tools/list":
		s.handleToolsList(req)
	case "notifications/initialized", "initialized":
		// Client notification; no response required.
	default:
		if !req.isNotification() {
			s.sendError(req.ID, CodeMethodNotFound, fmt.Sprintf("Method not found: %s", req.Method))
		}
	}
}

// handleInitialize handles the initialize request
func (s *Server) handleInitialize(req *Request) {
	s.sendResult(req.ID, map[string]interface{}{
		"protocolVersion": protocolVersion,
		"serverInfo": map[string]string{
			"name":    s.opts.Name,
			"version": s.opts.Version,
		},
		"capabilities": map[string]interface{}{
			"tools": map[string]bool{},
		},
	})
}

// handleToolsList handles the tools/list request
func (s *Server) handleToolsList(req *Request) {
	tools := make([]map[string]interface{}, 0, len(s.opts.Platform.Tools))
	for _, d := range s.opts.Platform.Tools {
		tools = append(tools, map[string]interface{}{
			"name":        d.Name,
			"description": d.Description,
			"inputSchema": toolSchemas[d.Tool],
		})
	}
	s.sendResult(req.ID, map[string]interface{}{"tools": tools})
}

// handleToolCall handles tool calls
func (s *Server) handleToolCall(ctx context.Context, req *Request) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.sendError(req.ID, CodeInvalidParams, "Invalid params")
		return
	}

	tool, ok := s.opts.Platform.Lookup(params.Name)
	if !ok {
		s.recordCall(params.Name, "unknown")
		s.sendError(req.ID, CodeMethodNotFound, fmt.Sprintf("Tool not found: %s", params.Name))
		return
	}

	text, err := handlers[tool](s, ctx, params.Arguments)
	if err != nil {
		var ve *memory.ValidationError
		if errors.As(err, &ve) {
			s.recordCall(string(tool), "invalid")
			s.sendError(req.ID, CodeInvalidParams, ve.Error())
			return
		}
		s.recordCall(string(tool), "error")
		s.logger.Error("Tool call failed", zap.String("tool", params.Name), zap.Error(err))
		s.sendError(req.ID, CodeInternalError, fmt.Sprintf("%s failed: %v", params.Name, err))
		return
	}

	s.recordCall(string(tool), "ok")
	s.sendResult(req.ID, map[string]interface{}{
		"content": []map[string]interface{}{
			{"type": "text", "text": strings.TrimRight(text, "\n")},
		},
	})
}

func (s *Server) recordCall(tool, result string) {
	if s.metrics != nil {
		s.metrics.ToolCalls.WithLabelValues(tool, result).Inc()
	}
}

func (s *Server) sendResult(id json.RawMessage, result any) {
	s.send(Response{JSONRPC: "2.0", Result: result, ID: id})
}

func (s *Server) sendError(id json.RawMessage, code int, message string) {
	s.send(Response{JSONRPC: "2.0", Error: &Error{Code: code, Message: message}, ID: id})
}

// send writes one response line. Writes are serialized.
func (s *Server) send(resp Response) {
	if len(resp.ID) == 0 {
		resp.ID = json.RawMessage("null")
	}
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
		return
	}
	data = append(data, '\n')

	s.outMu.Lock()
	defer s.outMu.Unlock()
	if _, err := s.out.Write(data); err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
	}
}
