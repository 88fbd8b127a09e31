// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes Gebo tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/gebo/internal/notestore"
	"github.com/starford/gebo/internal/share"
)

// Server wraps the MCP server with Gebo tools.
type Server struct {
	mcp   *server.MCPServer
	svc   *notestore.Service
	coord *share.Coordinator
}

// New creates a new MCP server with all Gebo tools registered.
func New(svc *notestore.Service, coord *share.Coordinator) *Server {
	s := &Server{svc: svc, coord: coord}

	s.mcp = server.NewMCPServer(
		"Gebo",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("search_notes",
		mcp.WithDescription("Full-text search through note bodies and titles."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query string")),
	), s.searchNotes)

	s.mcp.AddTool(mcp.NewTool("read_note",
		mcp.WithDescription("Read the full body of a note."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Note id")),
	), s.readNote)

	s.mcp.AddTool(mcp.NewTool("create_note",
		mcp.WithDescription("Create a new note. The id is generated when omitted; "+
			"the title is derived from the first body line when omitted."),
		mcp.WithString("id", mcp.Description("Optional note id")),
		mcp.WithString("title", mcp.Description("Optional title")),
		mcp.WithString("body", mcp.Required(), mcp.Description("Markdown body")),
	), s.createNote)

	s.mcp.AddTool(mcp.NewTool("list_notes",
		mcp.WithDescription("List all notes with id, title and a short preview."),
	), s.listNotes)

	s.mcp.AddTool(mcp.NewTool("discover_peers",
		mcp.WithDescription("Scan the local network for peers ready to receive notes."),
		mcp.WithNumber("wait_ms", mcp.Description("How long to listen for beacons (default 3000)")),
	), s.discoverPeers)

	s.mcp.AddTool(mcp.NewTool("send_all_notes",
		mcp.WithDescription("Offer the entire note collection to a peer. "+
			"The peer must accept before any content is transferred."),
		mcp.WithString("address", mcp.Required(), mcp.Description("Peer IP address")),
		mcp.WithNumber("port", mcp.Required(), mcp.Description("Peer transfer port")),
	), s.sendAllNotes)

	s.mcp.AddTool(mcp.NewTool("send_note",
		mcp.WithDescription("Offer a single note to a peer. "+
			"The peer must accept before any content is transferred."),
		mcp.WithString("note_id", mcp.Required(), mcp.Description("Note id to send")),
		mcp.WithString("address", mcp.Required(), mcp.Description("Peer IP address")),
		mcp.WithNumber("port", mcp.Required(), mcp.Description("Peer transfer port")),
	), s.sendNote)

	s.mcp.AddTool(mcp.NewTool("start_receive",
		mcp.WithDescription("Announce this instance on the local network and wait "+
			"for an inbound transfer. Incoming offers still require explicit acceptance."),
		mcp.WithNumber("window_secs", mcp.Description("How long to stay receivable (default 120)")),
	), s.startReceive)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) searchNotes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	query, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	results, err := s.svc.Search(ctx, query, 20)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, _ := json.MarshalIndent(results, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) readNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	note, err := s.svc.Get(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", id)), nil
	}
	return mcp.NewToolResultText(note.Body), nil
}

func (s *Server) createNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	body, err := req.RequireString("body")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	id := req.GetString("id", "")
	title := req.GetString("title", "")

	note, err := s.svc.Create(ctx, id, title, body)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("created: %s", note.ID)), nil
}

func (s *Server) listNotes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	summaries, err := s.svc.ListSummaries()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var lines []string
	for _, n := range summaries {
		lines = append(lines, fmt.Sprintf("%s\t%s\t%s", n.ID, n.Title, n.Preview))
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (s *Server) discoverPeers(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	waitMS := req.GetInt("wait_ms", 3000)
	peers, err := s.coord.DiscoverPeers(ctx, time.Duration(waitMS)*time.Millisecond)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(peers) == 0 {
		return mcp.NewToolResultText("no peers found"), nil
	}
	out, _ := json.MarshalIndent(peers, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) sendAllNotes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address, err := req.RequireString("address")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	port, err := req.RequireInt("port")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.coord.SendAllNotesTo(context.WithoutCancel(ctx), address, port); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("transfer started to %s:%d, awaiting peer acceptance", address, port)), nil
}

func (s *Server) sendNote(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	noteID, err := req.RequireString("note_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	address, err := req.RequireString("address")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	port, err := req.RequireInt("port")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.coord.SendNoteTo(context.WithoutCancel(ctx), noteID, address, port); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("transfer of %s started to %s:%d, awaiting peer acceptance", noteID, address, port)), nil
}

func (s *Server) startReceive(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	windowSecs := req.GetInt("window_secs", 0)
	if err := s.coord.StartReceive(time.Duration(windowSecs) * time.Second); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("receive window open, announcing on the local network"), nil
}
