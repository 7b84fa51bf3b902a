package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/codefuse/internal/indexer"
	"github.com/dshills/codefuse/internal/searcher"
	"github.com/dshills/codefuse/internal/workspace"
	"github.com/dshills/codefuse/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams      = -32602 // Invalid method parameters
	ErrorCodeInternalError      = -32603 // Internal JSON-RPC error
	ErrorCodeProjectNotFound    = -32001 // Specified path does not exist or is not a directory
	ErrorCodeIndexingInProgress = -32002 // Another indexing operation is already running
	ErrorCodeNotIndexed         = -32003 // Project not indexed
	ErrorCodeEmptyQuery         = -32004 // Query parameter is empty
)

// maxReportedErrors caps the per-file errors echoed by index_codebase.
const maxReportedErrors = 5

// handleIndexCodebase handles the index_codebase tool invocation
func (s *Server) handleIndexCodebase(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	ws, err := s.openWorkspace(ctx, args)
	if err != nil {
		return nil, err
	}

	defaults := ws.DefaultIndexOptions()
	opts := indexer.Options{
		Force:         getBoolDefault(args, "force_reindex", false),
		IncludeTests:  getBoolDefault(args, "include_tests", defaults.IncludeTests),
		IncludeVendor: getBoolDefault(args, "include_vendor", defaults.IncludeVendor),
	}

	stats, err := ws.Index(ctx, opts)
	if errors.Is(err, indexer.ErrIndexingInProgress) {
		return nil, newMCPError(ErrorCodeIndexingInProgress, "indexing already in progress for this project", nil)
	}
	if err != nil {
		return nil, s.internalError("indexing failed", err)
	}

	response := map[string]interface{}{
		"indexed":            true,
		"files_indexed":      stats.FilesIndexed,
		"files_skipped":      stats.FilesSkipped,
		"files_failed":       stats.FilesFailed,
		"files_removed":      stats.FilesRemoved,
		"symbols_extracted":  stats.SymbolsExtracted,
		"chunks_created":     stats.ChunksCreated,
		"embeddings_created": stats.EmbeddingsCreated,
		"documents":          stats.Documents,
		"duration_ms":        stats.Duration.Milliseconds(),
	}
	if stats.EmbeddingErrors > 0 {
		response["embedding_errors"] = stats.EmbeddingErrors
	}
	if n := len(stats.ErrorMessages); n > 0 {
		if n > maxReportedErrors {
			response["errors"] = stats.ErrorMessages[:maxReportedErrors]
			response["error_count"] = n
		} else {
			response["errors"] = stats.ErrorMessages
		}
	}

	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleSearchCode handles the search_code tool invocation
func (s *Server) handleSearchCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	query, ok := args["query"].(string)
	if !ok || query == "" {
		return nil, newMCPError(ErrorCodeEmptyQuery, "query parameter is required and cannot be empty", map[string]interface{}{
			"param":  "query",
			"reason": "missing or empty",
		})
	}

	ws, err := s.openWorkspace(ctx, args)
	if err != nil {
		return nil, err
	}
	defaults := ws.SearchDefaults()

	limit := getIntDefault(args, "limit", defaults.DefaultLimit)
	if limit < 1 || limit > defaults.MaxLimit {
		return nil, newMCPError(ErrorCodeInvalidParams, fmt.Sprintf("limit must be between 1 and %d", defaults.MaxLimit), map[string]interface{}{
			"param": "limit",
			"value": limit,
		})
	}

	mode, err := searcher.ParseMode(getStringDefault(args, "search_mode", ""))
	if err != nil {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid search_mode", map[string]interface{}{
			"param":   "search_mode",
			"value":   args["search_mode"],
			"allowed": []string{"hybrid", "keyword", "vector"},
		})
	}

	status, err := ws.Status(ctx)
	if err != nil {
		return nil, s.internalError("failed to read project status", err)
	}
	if !status.Indexed {
		return nil, newMCPError(ErrorCodeNotIndexed, "project not indexed; run index_codebase first", nil)
	}

	resp, err := ws.Search(ctx, searcher.SearchRequest{
		Query:    query,
		Limit:    limit,
		Mode:     mode,
		UseCache: true,
		Rerank:   getBoolDefault(args, "rerank", defaults.Rerank),
	})
	switch {
	case errors.Is(err, types.ErrEmptyQuery):
		return nil, newMCPError(ErrorCodeEmptyQuery, "query cannot be empty", nil)
	case errors.Is(err, types.ErrInvalidLimit), errors.Is(err, searcher.ErrInvalidMode):
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid search request", map[string]interface{}{
			"reason": err.Error(),
		})
	case err != nil:
		return nil, s.internalError("search failed", err)
	}

	results := make([]map[string]interface{}, 0, len(resp.Results))
	for i, r := range resp.Results {
		entry := map[string]interface{}{
			"rank":       i + 1,
			"file":       r.FilePath,
			"match_type": r.MatchType.String(),
			"score":      r.Score,
			"start_line": r.StartLine,
			"end_line":   r.EndLine,
			"content":    r.Content,
		}
		if r.Symbol != "" {
			entry["symbol"] = r.Symbol
		}
		results = append(results, entry)
	}

	response := map[string]interface{}{
		"query":         query,
		"search_mode":   string(resp.SearchMode),
		"total_results": resp.TotalResults,
		"duration_ms":   resp.Duration.Milliseconds(),
		"cache_hit":     resp.CacheHit,
		"results":       results,
	}
	if resp.Degraded {
		response["degraded"] = true
	}
	if len(resp.SignalErrors) > 0 {
		failed := make([]string, 0, len(resp.SignalErrors))
		for name := range resp.SignalErrors {
			failed = append(failed, name)
		}
		sort.Strings(failed)
		response["failed_signals"] = failed
	}

	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleGetStatus handles the get_status tool invocation
func (s *Server) handleGetStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	ws, err := s.openWorkspace(ctx, args)
	if err != nil {
		return nil, err
	}

	status, err := ws.Status(ctx)
	if err != nil {
		return nil, s.internalError("failed to get status", err)
	}

	if !status.Indexed {
		response := map[string]interface{}{
			"indexed": false,
			"path":    status.Root,
			"message": "Project not indexed. Use index_codebase tool to index this project.",
		}
		return mcp.NewToolResultText(formatJSON(response)), nil
	}

	response := map[string]interface{}{
		"indexed":  true,
		"path":     status.Root,
		"indexing": status.Indexing,
		"statistics": map[string]interface{}{
			"files_count":      status.Storage.Files,
			"symbols_count":    status.Storage.Symbols,
			"chunks_count":     status.Storage.Chunks,
			"embeddings_count": status.Storage.Embeddings,
			"bm25_documents":   status.BM25.TotalDocuments,
			"bm25_terms":       status.BM25.TotalTerms,
			"index_size_mb":    fmt.Sprintf("%.2f", float64(status.Storage.SizeBytes)/(1024*1024)),
			"cached_queries":   status.CachedQueries,
		},
		"health": map[string]interface{}{
			"schema_version":       status.Storage.SchemaVersion,
			"build_mode":           status.Storage.BuildMode,
			"embeddings_available": status.EmbeddingModel != "",
			"embedding_model":      status.EmbeddingModel,
			"bm25_in_sync":         status.BM25.TotalDocuments == status.Storage.Chunks,
		},
	}
	if status.LastRun != nil {
		response["last_indexed_at"] = status.LastRun.StartedAt.Format("2006-01-02T15:04:05Z07:00")
		response["last_run"] = map[string]interface{}{
			"files_indexed": status.LastRun.FilesIndexed,
			"files_skipped": status.LastRun.FilesSkipped,
			"files_failed":  status.LastRun.FilesFailed,
			"files_removed": status.LastRun.FilesRemoved,
			"duration_ms":   status.LastRun.Duration.Milliseconds(),
		}
	}

	return mcp.NewToolResultText(formatJSON(response)), nil
}

// openWorkspace validates the path argument and returns its workspace.
func (s *Server) openWorkspace(ctx context.Context, args map[string]interface{}) (*workspace.Workspace, error) {
	path, ok := args["path"].(string)
	if !ok || path == "" {
		return nil, newMCPError(ErrorCodeInvalidParams, "path parameter is required", map[string]interface{}{
			"param":  "path",
			"reason": "missing or empty",
		})
	}

	if err := validatePath(path); err != nil {
		code := ErrorCodeInvalidParams
		if errors.Is(err, ErrPathNotFound) || errors.Is(err, ErrNotDirectory) {
			code = ErrorCodeProjectNotFound
		}
		return nil, newMCPError(code, "invalid path", map[string]interface{}{
			"param":  "path",
			"reason": err.Error(),
		})
	}

	ws, err := s.workspaces.Get(ctx, path)
	if err != nil {
		return nil, s.internalError("failed to open project", err)
	}
	return ws, nil
}

// internalError logs err and returns an MCP error that does not expose
// server-side paths or driver messages.
func (s *Server) internalError(message string, err error) error {
	s.logger.Error(message, "error", err)
	return newMCPError(ErrorCodeInternalError, message, nil)
}

// Helper functions

// newMCPError creates a properly formatted MCP error
func newMCPError(code int, message string, data interface{}) error {
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// validatePath checks if a path exists and is accessible
func validatePath(path string) error {
	if path == "" {
		return ErrPathRequired
	}

	if !filepath.IsAbs(path) {
		return ErrPathNotAbsolute
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return ErrPathNotFound
	}
	if err != nil {
		return ErrPathNotReadable
	}

	if !info.IsDir() {
		return ErrNotDirectory
	}

	f, err := os.Open(path)
	if err != nil {
		return ErrPathNotReadable
	}
	_ = f.Close()

	return nil
}

// formatJSON formats a map as indented JSON
func formatJSON(data map[string]interface{}) string {
	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", data)
	}
	return string(bytes)
}

// getBoolDefault extracts a boolean parameter with a default value
func getBoolDefault(args map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := args[key].(bool); ok {
		return val
	}
	return defaultValue
}

// getIntDefault extracts an integer parameter with a default value
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	if val, ok := args[key].(float64); ok {
		return int(val)
	}
	if val, ok := args[key].(int); ok {
		return val
	}
	return defaultValue
}

// getStringDefault extracts a string parameter with a default value
func getStringDefault(args map[string]interface{}, key string, defaultValue string) string {
	if val, ok := args[key].(string); ok {
		return val
	}
	return defaultValue
}

// Validation helpers

var (
	ErrPathRequired    = errors.New("path is required")
	ErrPathNotAbsolute = errors.New("path must be absolute")
	ErrPathNotFound    = errors.New("path does not exist")
	ErrPathNotReadable = errors.New("path is not readable")
	ErrNotDirectory    = errors.New("path is not a directory")
)
