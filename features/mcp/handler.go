package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"refsearch/internal/middleware"
	"refsearch/internal/retrieval"
)

const (
	protocolVersion = "2024-11-05"
	serverName      = "refsearch-mcp"
	serverVersion   = "1.0.0"
)

// Retriever is the slice of the retrieval service the MCP tools need.
type Retriever interface {
	Search(ctx context.Context, query string, nResults int, filter *retrieval.Filter) ([]retrieval.SearchResult, error)
	GetItem(ctx context.Context, key string) (*retrieval.ItemDetail, error)
	GetSimilarItems(ctx context.Context, key string, nResults int) ([]retrieval.SearchResult, error)
	SearchByAuthor(ctx context.Context, name string, nResults int) ([]retrieval.SearchResult, error)
	CollectionInfo(ctx context.Context) (*retrieval.CollectionInfo, error)
}

type Handler struct {
	retriever    Retriever
	model        string // embedding model reported by get_version_info
	dim          int
	sessions     map[string]chan string // sessionId -> serialized JSON-RPC responses
	sessionsLock sync.RWMutex
}

func NewHandler(r Retriever, model string, dim int) *Handler {
	return &Handler{
		retriever: r,
		model:     model,
		dim:       dim,
		sessions:  make(map[string]chan string),
	}
}

type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   interface{} `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

type CallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type Tool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema interface{} `json:"inputSchema"`
}

type ListToolsResult struct {
	Tools []Tool `json:"tools"`
}

type ToolResult struct {
	Content []ToolContent `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

type ToolContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

const (
	ErrParse          = -32700
	ErrInvalidRequest = -32600
	ErrMethodNotFound = -32601
	ErrInvalidParams  = -32602
	ErrInternal       = -32603
)

type searchArgs struct {
	Query    string `json:"query"`
	NResults int    `json:"n_results"`
	ItemType string `json:"item_type"`
	Creator  string `json:"creator"`
	DateFrom string `json:"date_from"`
	DateTo   string `json:"date_to"`
}

type itemArgs struct {
	Key      string `json:"item_key"`
	NResults int    `json:"n_results"`
}

type authorArgs struct {
	Name     string `json:"name"`
	NResults int    `json:"n_results"`
}

// processRequest handles one JSON-RPC request. A nil return means no
// response is sent (notifications).
func (h *Handler) processRequest(ctx context.Context, req JSONRPCRequest) *JSONRPCResponse {
	switch req.Method {
	case "initialize":
		return &JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result: map[string]interface{}{
				"protocolVersion": protocolVersion,
				"capabilities": map[string]interface{}{
					"tools": map[string]interface{}{},
				},
				"serverInfo": map[string]interface{}{
					"name":    serverName,
					"version": serverVersion,
				},
			},
		}

	case "notifications/initialized":
		return nil

	case "tools/list":
		return &JSONRPCResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  ListToolsResult{Tools: toolDefinitions()},
		}

	case "tools/call":
		var params CallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			slog.Warn("invalid params structure", "error", err)
			resp := makeErrorResponse(req.ID, ErrInvalidParams, "Invalid params")
			return &resp
		}
		return h.callTool(ctx, req.ID, params)
	}

	slog.Warn("unknown jsonrpc method", "method", req.Method)
	resp := makeErrorResponse(req.ID, ErrMethodNotFound, "Method not found")
	return &resp
}

func (h *Handler) callTool(ctx context.Context, id interface{}, params CallParams) *JSONRPCResponse {
	var (
		text string
		err  error
	)
	switch params.Name {
	case "search":
		text, err = h.runSearch(ctx, params.Arguments)
	case "get_item":
		text, err = h.runGetItem(ctx, params.Arguments)
	case "get_similar_items":
		text, err = h.runGetSimilarItems(ctx, params.Arguments)
	case "search_by_author":
		text, err = h.runSearchByAuthor(ctx, params.Arguments)
	case "get_collection_info":
		text, err = h.runCollectionInfo(ctx)
	case "get_version_info":
		text = h.versionInfo()
	default:
		slog.Warn("tool not found", "tool", params.Name)
		resp := makeErrorResponse(id, ErrMethodNotFound, "Tool not found: "+params.Name)
		return &resp
	}

	if err != nil {
		var verr *retrieval.ValidationError
		if errors.As(err, &verr) {
			resp := makeErrorResponse(id, ErrInvalidParams, verr.Msg)
			return &resp
		}
		var nf *retrieval.NotFoundError
		if errors.As(err, &nf) {
			return toolTextResponse(id, "Not found: "+nf.Error(), true)
		}
		slog.Error("tool execution failed", "tool", params.Name, "error", err)
		resp := makeErrorResponse(id, ErrInternal, "Tool failed: "+err.Error())
		return &resp
	}

	slog.Info("tool execution completed", "tool", params.Name)
	return toolTextResponse(id, text, false)
}

func (h *Handler) runSearch(ctx context.Context, raw json.RawMessage) (string, error) {
	var args searchArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", &retrieval.ValidationError{Msg: "Invalid search arguments"}
	}

	var filter *retrieval.Filter
	if args.ItemType != "" || args.Creator != "" || args.DateFrom != "" || args.DateTo != "" {
		filter = &retrieval.Filter{
			ItemType: args.ItemType,
			Creator:  args.Creator,
			DateFrom: args.DateFrom,
			DateTo:   args.DateTo,
		}
	}

	results, err := h.retriever.Search(ctx, args.Query, args.NResults, filter)
	if err != nil {
		return "", err
	}
	return formatResults(results, "No matching items found."), nil
}

func (h *Handler) runGetItem(ctx context.Context, raw json.RawMessage) (string, error) {
	var args itemArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", &retrieval.ValidationError{Msg: "Invalid arguments"}
	}

	detail, err := h.retriever.GetItem(ctx, args.Key)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", detail.Citation)
	fmt.Fprintf(&b, "Key: %s\n", detail.RecordID)
	if detail.ItemType != "" {
		fmt.Fprintf(&b, "Type: %s\n", detail.ItemType)
	}
	if detail.DOI != "" {
		fmt.Fprintf(&b, "DOI: %s\n", detail.DOI)
	}
	if detail.URL != "" {
		fmt.Fprintf(&b, "URL: %s\n", detail.URL)
	}
	if detail.Abstract != "" {
		fmt.Fprintf(&b, "\nAbstract:\n%s\n", detail.Abstract)
	}
	fmt.Fprintf(&b, "\nFull text (%d chunks):\n\n%s\n", len(detail.Chunks), strings.Join(detail.Chunks, "\n\n"))
	return b.String(), nil
}

func (h *Handler) runGetSimilarItems(ctx context.Context, raw json.RawMessage) (string, error) {
	var args itemArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", &retrieval.ValidationError{Msg: "Invalid arguments"}
	}

	results, err := h.retriever.GetSimilarItems(ctx, args.Key, args.NResults)
	if err != nil {
		return "", err
	}
	return formatResults(results, "No similar items found."), nil
}

func (h *Handler) runSearchByAuthor(ctx context.Context, raw json.RawMessage) (string, error) {
	var args authorArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return "", &retrieval.ValidationError{Msg: "Invalid arguments"}
	}

	results, err := h.retriever.SearchByAuthor(ctx, args.Name, args.NResults)
	if err != nil {
		return "", err
	}
	return formatResults(results, "No items found for that author."), nil
}

func (h *Handler) versionInfo() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", serverName, serverVersion)
	fmt.Fprintf(&b, "Protocol: %s\n", protocolVersion)
	fmt.Fprintf(&b, "Embedding model: %s (%d dimensions)\n", h.model, h.dim)
	return b.String()
}

func (h *Handler) runCollectionInfo(ctx context.Context) (string, error) {
	info, err := h.retriever.CollectionInfo(ctx)
	if err != nil {
		return "", err
	}
	return info.Summary, nil
}

func formatResults(results []retrieval.SearchResult, emptyMsg string) string {
	if len(results) == 0 {
		return emptyMsg
	}
	var b strings.Builder
	for i, res := range results {
		fmt.Fprintf(&b, "Result %d", i+1)
		if res.Score > 0 {
			fmt.Fprintf(&b, " (Score: %.3f)", res.Score)
		}
		fmt.Fprintf(&b, ":\n%s\n", res.Citation)
		fmt.Fprintf(&b, "Key: %s\n", res.RecordID)
		if res.DOI != "" {
			fmt.Fprintf(&b, "DOI: %s\n", res.DOI)
		}
		if res.Excerpt != "" {
			fmt.Fprintf(&b, "Excerpt:\n%s\n", res.Excerpt)
		}
		b.WriteString("\n---\n")
	}
	b.WriteString("\nUse get_item(item_key=\"...\") to read an item's full text.\n")
	return b.String()
}

func toolDefinitions() []Tool {
	nResults := map[string]interface{}{
		"type":        "integer",
		"description": "Max results to return (default 10).",
		"minimum":     1,
		"maximum":     50,
	}
	itemKey := map[string]string{
		"type":        "string",
		"description": "The item's library key",
	}

	return []Tool{
		{
			Name: "search",
			Description: `Semantic search over the reference library. Finds items whose content is conceptually related to the query, not just keyword matches.

Optional metadata filters narrow the candidate set before ranking:
- item_type: e.g. "journalArticle", "book", "conferencePaper"
- creator: substring of an author name
- date_from / date_to: inclusive bounds on the publication date

USAGE EXAMPLES:
- search(query="spiking neural network models of cortex")
- search(query="protein folding", item_type="journalArticle", date_from="2020")`,
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"query": map[string]string{
						"type":        "string",
						"description": "The search query",
					},
					"n_results": nResults,
					"item_type": map[string]string{
						"type":        "string",
						"description": "Restrict to one item type",
					},
					"creator": map[string]string{
						"type":        "string",
						"description": "Restrict to items with this author name substring",
					},
					"date_from": map[string]string{
						"type":        "string",
						"description": "Inclusive lower bound on publication date",
					},
					"date_to": map[string]string{
						"type":        "string",
						"description": "Inclusive upper bound on publication date",
					},
				},
				"required": []string{"query"},
			},
		},
		{
			Name: "get_item",
			Description: `Full item reader. Returns one item's citation, metadata, abstract and complete indexed text by its library key. Use after a search when an excerpt is not enough.

USAGE EXAMPLE:
get_item(item_key="ABCD1234")`,
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"item_key": itemKey,
				},
				"required": []string{"item_key"},
			},
		},
		{
			Name: "get_similar_items",
			Description: `Related-work finder. Given an item key, returns the items whose content is most similar to it. The source item is excluded.

USAGE EXAMPLE:
get_similar_items(item_key="ABCD1234", n_results=5)`,
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"item_key":  itemKey,
					"n_results": nResults,
				},
				"required": []string{"item_key"},
			},
		},
		{
			Name: "search_by_author",
			Description: `Author lookup. Returns items whose creator list contains the given name, matched case-insensitively as a substring.

USAGE EXAMPLE:
search_by_author(name="Shannon")`,
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"name": map[string]string{
						"type":        "string",
						"description": "Author name or name fragment",
					},
					"n_results": nResults,
				},
				"required": []string{"name"},
			},
		},
		{
			Name: "get_collection_info",
			Description: `Collection overview. Reports how many items and chunks are indexed and which embedding model produced the vectors.

USAGE EXAMPLE:
get_collection_info()`,
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
		{
			Name: "get_version_info",
			Description: `Server and protocol versions plus the configured embedding model.

USAGE EXAMPLE:
get_version_info()`,
			InputSchema: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
			},
		},
	}
}

func toolTextResponse(id interface{}, text string, isError bool) *JSONRPCResponse {
	return &JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result: ToolResult{
			Content: []ToolContent{{Type: "text", Text: text}},
			IsError: isError,
		},
	}
}

func makeErrorResponse(id interface{}, code int, message string) JSONRPCResponse {
	return JSONRPCResponse{
		JSONRPC: "2.0",
		Error: map[string]interface{}{
			"code":    code,
			"message": message,
		},
		ID: id,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	slog.Info("mcp request received", "method", r.Method, "path", r.URL.Path)

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, nil, ErrParse, "Parse error")
		return
	}

	resp := h.processRequest(r.Context(), req)
	if resp != nil {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	} else {
		w.WriteHeader(http.StatusOK)
	}
}

// HandleSSE establishes the SSE connection and manages the session.
func (h *Handler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	sessionID := uuid.New().String()
	msgChan := make(chan string, 100)

	h.sessionsLock.Lock()
	h.sessions[sessionID] = msgChan
	h.sessionsLock.Unlock()

	defer func() {
		h.sessionsLock.Lock()
		delete(h.sessions, sessionID)
		h.sessionsLock.Unlock()
		close(msgChan)
		slog.Info("sse session ended", "session_id", sessionID)
	}()

	slog.Info("sse session started", "session_id", sessionID)

	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	endpoint := fmt.Sprintf("%s://%s/mcp/messages?sessionId=%s", scheme, r.Host, sessionID)
	fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", html.EscapeString(endpoint))
	w.(http.Flusher).Flush()

	fmt.Fprintf(w, "event: id\ndata: %s\n\n", html.EscapeString(sessionID))
	w.(http.Flusher).Flush()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-msgChan:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg)
			w.(http.Flusher).Flush()
		case <-ticker.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			w.(http.Flusher).Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// HandleMessage accepts POST messages associated with an SSE session.
func (h *Handler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		slog.Warn("missing sessionId in message request", "correlation_id", correlationID)
		h.writeHTTPError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Missing sessionId", correlationID)
		return
	}

	h.sessionsLock.RLock()
	msgChan, exists := h.sessions[sessionID]
	h.sessionsLock.RUnlock()

	if !exists {
		slog.Warn("session not found", "session_id", sessionID, "correlation_id", correlationID)
		h.writeHTTPError(w, http.StatusNotFound, "NOT_FOUND", "Session not found", correlationID)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("invalid json in message request", "error", err, "correlation_id", correlationID)
		h.writeHTTPError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON", correlationID)
		return
	}

	// Per the MCP transport contract, acknowledge immediately and deliver the
	// response over the SSE stream.
	w.WriteHeader(http.StatusAccepted)

	bgCtx := context.WithoutCancel(r.Context())

	go func() {
		resp := h.processRequest(bgCtx, req)
		if resp == nil {
			return
		}

		respBytes, err := json.Marshal(resp)
		if err != nil {
			slog.Error("failed to marshal response", "error", err, "correlation_id", correlationID)
			return
		}

		h.sessionsLock.RLock()
		defer h.sessionsLock.RUnlock()

		defer func() {
			if r := recover(); r != nil {
				slog.Warn("failed to send to sse channel (closed)", "session_id", sessionID, "error", r)
			}
		}()

		select {
		case msgChan <- string(respBytes):
		default:
			slog.Warn("session channel full, dropping message", "session_id", sessionID, "correlation_id", correlationID)
		}
	}()
}

func (h *Handler) writeError(w http.ResponseWriter, id interface{}, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(makeErrorResponse(id, code, message))
}

func (h *Handler) writeHTTPError(w http.ResponseWriter, status int, code, message, correlationID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "error",
		"error": map[string]interface{}{
			"code":    code,
			"message": message,
		},
		"correlationId": correlationID,
	})
}
