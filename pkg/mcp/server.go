// Package mcp exposes the Powers balance to MCP clients over stdio.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/schoolpower/powers/pkg/logging"
	"github.com/schoolpower/powers/pkg/models"
)

// Balancer is the part of the Powers service the tools use.
type Balancer interface {
	Balance() models.Balance
	Charge(ctx context.Context, capabilityID string, itemCount int, meta models.ChargeMetadata) (models.ChargeResult, error)
	EstimatedCost(capabilityID string, itemCount int) (int64, error)
	Transactions(limit int) []models.Transaction
	Statement() []models.StatementEntry
	Pending() []models.PendingSyncItem
}

// AbandonedLister lists debits that never reached the ledger.
type AbandonedLister interface {
	Abandoned(ctx context.Context, since time.Time) ([]models.SyncEvent, error)
}

// Server is a minimal MCP server speaking line-delimited JSON-RPC 2.0.
type Server struct {
	powers  Balancer
	journal AbandonedLister
	log     logging.Logger
	version string
}

// New creates a Server. journal may be nil.
func New(powers Balancer, journal AbandonedLister, log logging.Logger, version string) *Server {
	if log == nil {
		log = logging.Discard()
	}
	return &Server{powers: powers, journal: journal, log: log, version: version}
}

// Run reads requests from r line by line and writes responses to w until r
// is exhausted or ctx is cancelled.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(w, rpcError(nil, CodeParseError, "parse error"))
			continue
		}
		if resp := s.dispatch(ctx, &req); resp != nil {
			s.write(w, resp)
		}
	}
	return scanner.Err()
}

func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "initialize":
		return result(req.ID, InitializeResult{
			ProtocolVersion: ProtocolVersion,
			ServerInfo:      ServerInfo{Name: "powers", Version: s.version},
			Capabilities:    map[string]any{"tools": map[string]any{}},
		})
	case "notifications/initialized":
		return nil
	case "tools/list":
		return result(req.ID, ToolsListResult{Tools: allTools})
	case "tools/call":
		return s.call(ctx, req)
	default:
		return rpcError(req.ID, CodeMethodNotFound, fmt.Sprintf("unknown method: %s", req.Method))
	}
}

func (s *Server) call(ctx context.Context, req *Request) *Response {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return rpcError(req.ID, CodeInvalidParams, "invalid params")
	}
	handler, ok := toolHandlers[params.Name]
	if !ok {
		return result(req.ID, errorResult(fmt.Sprintf("unknown tool: %s", params.Name)))
	}
	s.log.WithField("tool", params.Name).Debug("mcp tool call")
	return result(req.ID, handler(ctx, s, params.Arguments))
}

func (s *Server) write(w io.Writer, resp *Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.WithError(err).Error("mcp: marshal response")
		return
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		s.log.WithError(err).Error("mcp: write response")
	}
}
