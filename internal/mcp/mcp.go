// Package mcp exposes the memory service as MCP tools so agents can read
// and write memories directly over the Model Context Protocol.
package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/agentmem/memory-service/internal/longterm"
	"github.com/agentmem/memory-service/internal/model"
	"github.com/agentmem/memory-service/internal/pipeline"
	"github.com/agentmem/memory-service/internal/query"
	"github.com/agentmem/memory-service/internal/tasks"
	"github.com/agentmem/memory-service/internal/working"
)

// Server bundles the services the MCP tools translate to.
type Server struct {
	mcpServer *server.MCPServer
	longterm  *longterm.Service
	query     *query.Service
	working   *working.Service
	queue     *tasks.Queue
}

// NewServer builds the MCP server with all memory tools registered.
func NewServer(lt *longterm.Service, qs *query.Service, wm *working.Service, queue *tasks.Queue) *Server {
	s := &Server{
		longterm: lt,
		query:    qs,
		working:  wm,
		queue:    queue,
	}
	s.mcpServer = server.NewMCPServer(
		"memory-service",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	s.registerTools()
	return s
}

// Handler returns the streamable HTTP handler for mounting under a router.
func (s *Server) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(mcp.NewTool("create_long_term_memory",
		mcp.WithDescription("Store one or more long-term memories for a user."),
		mcp.WithString("text", mcp.Required(), mcp.Description("The memory text to store.")),
		mcp.WithString("memory_type", mcp.Description("semantic, episodic, or message. Defaults to semantic.")),
		mcp.WithString("namespace", mcp.Description("Namespace scoping the memory.")),
		mcp.WithString("user_id", mcp.Description("User the memory belongs to.")),
		mcp.WithString("session_id", mcp.Description("Session the memory originated from.")),
		mcp.WithString("event_date", mcp.Description("RFC3339 date of the event, for episodic memories.")),
	), s.createMemory)

	s.mcpServer.AddTool(mcp.NewTool("search_long_term_memory",
		mcp.WithDescription("Search long-term memories by semantic similarity with optional filters."),
		mcp.WithString("text", mcp.Required(), mcp.Description("The search query.")),
		mcp.WithString("namespace", mcp.Description("Restrict results to a namespace.")),
		mcp.WithString("user_id", mcp.Description("Restrict results to a user.")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of results. Defaults to 10.")),
		mcp.WithBoolean("optimize_query", mcp.Description("Rewrite the query for better recall before searching.")),
	), s.searchMemory)

	s.mcpServer.AddTool(mcp.NewTool("get_long_term_memory",
		mcp.WithDescription("Fetch a single long-term memory by id."),
		mcp.WithString("id", mcp.Required(), mcp.Description("The memory record id.")),
	), s.getMemory)

	s.mcpServer.AddTool(mcp.NewTool("edit_long_term_memory",
		mcp.WithDescription("Update the topics, entities, or event date of a long-term memory."),
		mcp.WithString("id", mcp.Required(), mcp.Description("The memory record id.")),
		mcp.WithArray("topics", mcp.Description("Replacement topic list.")),
		mcp.WithArray("entities", mcp.Description("Replacement entity list.")),
		mcp.WithString("event_date", mcp.Description("RFC3339 event date.")),
	), s.editMemory)

	s.mcpServer.AddTool(mcp.NewTool("delete_long_term_memories",
		mcp.WithDescription("Delete long-term memories by id."),
		mcp.WithArray("ids", mcp.Required(), mcp.Description("The memory record ids to delete.")),
	), s.deleteMemories)

	s.mcpServer.AddTool(mcp.NewTool("get_working_memory",
		mcp.WithDescription("Fetch a session's working memory: messages, summary, and staged memories."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("The session id.")),
		mcp.WithString("namespace", mcp.Description("Namespace the session lives in.")),
		mcp.WithString("user_id", mcp.Description("User the session belongs to.")),
	), s.getWorkingMemory)

	s.mcpServer.AddTool(mcp.NewTool("set_working_memory",
		mcp.WithDescription("Replace a session's working memory. Accepts the full working memory object as JSON."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("The session id.")),
		mcp.WithString("memory", mcp.Required(), mcp.Description("The working memory object, JSON-encoded.")),
	), s.setWorkingMemory)

	s.mcpServer.AddTool(mcp.NewTool("memory_prompt",
		mcp.WithDescription("Hydrate a query with session context and relevant long-term memories, ready to send to a model."),
		mcp.WithString("query", mcp.Required(), mcp.Description("The user query to hydrate.")),
		mcp.WithString("session_id", mcp.Description("Session whose context to include.")),
		mcp.WithString("namespace", mcp.Description("Namespace for session and search scoping.")),
		mcp.WithString("user_id", mcp.Description("User for session and search scoping.")),
	), s.memoryPrompt)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	out, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) createMemory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		Text       string `json:"text"`
		MemoryType string `json:"memory_type"`
		Namespace  string `json:"namespace"`
		UserID     string `json:"user_id"`
		SessionID  string `json:"session_id"`
		EventDate  string `json:"event_date"`
	}
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rec := model.MemoryRecord{
		Text:       args.Text,
		MemoryType: model.MemoryType(args.MemoryType),
		Namespace:  args.Namespace,
		UserID:     args.UserID,
		SessionID:  args.SessionID,
	}
	if args.EventDate != "" {
		t, err := time.Parse(time.RFC3339, args.EventDate)
		if err != nil {
			return mcp.NewToolResultError("event_date: " + err.Error()), nil
		}
		rec.EventDate = &t
	}
	written, err := s.longterm.Create(ctx, []model.MemoryRecord{rec})
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	for _, w := range written {
		_, eErr := s.queue.Enqueue(ctx, pipeline.TaskEnrichRecord, pipeline.EnrichArgs{ID: w.ID}, time.Now())
		if eErr != nil {
			log.Warn("MCP: enrich enqueue failed", "id", w.ID, "err", eErr)
		}
	}
	return jsonResult(map[string]any{"memories": written})
}

func (s *Server) searchMemory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		Text          string `json:"text"`
		Namespace     string `json:"namespace"`
		UserID        string `json:"user_id"`
		Limit         int    `json:"limit"`
		OptimizeQuery bool   `json:"optimize_query"`
	}
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	search := query.SearchRequest{
		Text:          args.Text,
		Limit:         args.Limit,
		OptimizeQuery: args.OptimizeQuery,
	}
	if args.Namespace != "" || args.UserID != "" {
		search.Filters = &model.Filters{}
		if args.Namespace != "" {
			search.Filters.Namespace = &model.TagFilter{Eq: args.Namespace}
		}
		if args.UserID != "" {
			search.Filters.UserID = &model.TagFilter{Eq: args.UserID}
		}
	}
	resp, err := s.query.Search(ctx, search)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(resp)
}

func (s *Server) getMemory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	rec, err := s.longterm.Get(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(rec)
}

func (s *Server) editMemory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		ID        string   `json:"id"`
		Topics    []string `json:"topics"`
		Entities  []string `json:"entities"`
		EventDate string   `json:"event_date"`
	}
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	edit := longterm.EditRequest{Topics: args.Topics, Entities: args.Entities}
	if args.EventDate != "" {
		t, err := time.Parse(time.RFC3339, args.EventDate)
		if err != nil {
			return mcp.NewToolResultError("event_date: " + err.Error()), nil
		}
		edit.EventDate = &t
	}
	rec, err := s.longterm.Edit(ctx, args.ID, edit)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(rec)
}

func (s *Server) deleteMemories(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		IDs []string `json:"ids"`
	}
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(args.IDs) == 0 {
		return mcp.NewToolResultError("ids must not be empty"), nil
	}
	if err := s.longterm.Delete(ctx, args.IDs); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(map[string]any{"status": "ok", "deleted": len(args.IDs)})
}

func (s *Server) getWorkingMemory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		SessionID string `json:"session_id"`
		Namespace string `json:"namespace"`
		UserID    string `json:"user_id"`
	}
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	wm, err := s.working.Get(ctx, model.SessionKey{
		Namespace: args.Namespace,
		UserID:    args.UserID,
		SessionID: args.SessionID,
	}, 0)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(wm)
}

func (s *Server) setWorkingMemory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		SessionID string `json:"session_id"`
		Memory    string `json:"memory"`
	}
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var wm model.WorkingMemory
	if err := json.Unmarshal([]byte(args.Memory), &wm); err != nil {
		return mcp.NewToolResultError("memory: " + err.Error()), nil
	}
	wm.SessionID = args.SessionID
	updated, err := s.working.Put(ctx, &wm)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(updated)
}

func (s *Server) memoryPrompt(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		Query     string `json:"query"`
		SessionID string `json:"session_id"`
		Namespace string `json:"namespace"`
		UserID    string `json:"user_id"`
	}
	if err := req.BindArguments(&args); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	preq := query.PromptRequest{Query: args.Query}
	if args.SessionID != "" {
		preq.Session = &query.PromptSession{
			SessionID: args.SessionID,
			UserID:    args.UserID,
			Namespace: args.Namespace,
		}
	}
	search := query.SearchRequest{Text: args.Query}
	if args.Namespace != "" || args.UserID != "" {
		search.Filters = &model.Filters{}
		if args.Namespace != "" {
			search.Filters.Namespace = &model.TagFilter{Eq: args.Namespace}
		}
		if args.UserID != "" {
			search.Filters.UserID = &model.TagFilter{Eq: args.UserID}
		}
	}
	preq.LongTermSearch = &search
	resp, err := s.query.MemoryPrompt(ctx, s.working, preq)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(resp)
}
