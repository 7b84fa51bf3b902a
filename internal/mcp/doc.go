// Package mcp implements the Model Context Protocol (MCP) server for codefuse.
//
// The server exposes three tools to AI coding assistants:
//   - index_codebase: index a project so it can be searched
//   - search_code: fused exact, symbol, semantic and BM25 search
//   - get_status: indexing status and statistics
//
// Each project path is resolved to a workspace with its own database and
// BM25 snapshot; workspaces stay open for the lifetime of the server.
//
// # Protocol Overview
//
// MCP is a JSON-RPC 2.0 protocol over stdio transport:
//
//	Client → Server: {"method": "tools/call", "params": {...}}
//	Server → Client: {"result": {...}}
//
// Tool results are indented JSON text.
//
// # Tool: search_code
//
//	Request:
//	{
//	  "name": "search_code",
//	  "arguments": {
//	    "path": "/path/to/project",
//	    "query": "session token validation",
//	    "limit": 5,
//	    "search_mode": "hybrid",
//	    "rerank": true
//	  }
//	}
//
//	Response:
//	{
//	  "query": "session token validation",
//	  "search_mode": "hybrid",
//	  "total_results": 5,
//	  "cache_hit": false,
//	  "results": [
//	    {
//	      "rank": 1,
//	      "file": "session/store.go",
//	      "match_type": "symbol",
//	      "score": 0.95,
//	      "start_line": 9,
//	      "end_line": 9,
//	      "symbol": "Validate",
//	      "content": "func (s *Store) Validate(token string) bool"
//	    }
//	  ]
//	}
//
// When the BM25 candidates cannot be fused the response carries
// "degraded": true, and "failed_signals" lists signals that errored.
//
// # MCP Client Configuration
//
//	{
//	  "mcpServers": {
//	    "codefuse": {
//	      "command": "/usr/local/bin/codefuse",
//	      "env": {
//	        "CODEFUSE_EMBEDDER_PROVIDER": "openai",
//	        "OPENAI_API_KEY": "your-api-key"
//	      }
//	    }
//	  }
//	}
//
// # Error Handling
//
// Handlers return *MCPError values:
//   - -32602: Invalid params (missing/invalid arguments)
//   - -32603: Internal error; details are logged, not returned
//   - -32001: Project not found
//   - -32002: Indexing in progress
//   - -32003: Project not indexed
//   - -32004: Empty query
//
// # Logging
//
// The server logs to stderr (stdout is reserved for MCP protocol). Set the
// level with --log-level or CODEFUSE_LOG_LEVEL.
package mcp
