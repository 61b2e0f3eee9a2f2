// Package mcp provides the MCP (Model Context Protocol) server for
// trialgraph: similarity, search and clustering tools over an opened store,
// served over stdio JSON-RPC.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/graphmed/trialgraph/internal/cluster"
	"github.com/graphmed/trialgraph/internal/graph"
	"github.com/graphmed/trialgraph/internal/similarity"
	"github.com/graphmed/trialgraph/internal/storage"
)

// StorageBackend is the read surface the server needs from the store.
type StorageBackend interface {
	GetTrial(ctx context.Context, id string) (*graph.Trial, error)
	NeighborsOf(ctx context.Context, trialID string) (map[string]struct{}, error)
	IsolatedTrials(ctx context.Context) ([]string, error)
	MembersOfCommunity(ctx context.Context, communityID int64) ([]string, error)
	FTSSearch(ctx context.Context, query string, limit int) ([]storage.SearchResult, error)
	HybridSearch(ctx context.Context, query string, vector []float32, limit int) ([]storage.HybridSearchResult, error)
	Stats(ctx context.Context) (*storage.Stats, error)
	GetMeta(ctx context.Context) (*storage.DatasetMeta, error)
}

// SimilarityEngine is the query/cluster surface the server needs from the
// similarity engine.
type SimilarityEngine interface {
	FindSimilar(ctx context.Context, trialID string, k int) ([]similarity.Match, error)
	ClusterAndIndex(ctx context.Context, opts cluster.Options) (*similarity.ClusterSummary, error)
}

// Server represents the MCP server.
type Server struct {
	storage StorageBackend
	engine  SimilarityEngine
	server  *mcp.Server
}

// Tool represents an MCP tool.
type Tool struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
}

// Resource represents an MCP resource.
type Resource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
}

// NewServer creates a new MCP server over the given store and engine.
func NewServer(storage StorageBackend, engine SimilarityEngine) *Server {
	s := &Server{
		storage: storage,
		engine:  engine,
	}

	s.server = mcp.NewServer(&mcp.Implementation{
		Name:    "trialgraph",
		Version: "0.1.0",
	}, nil)

	return s
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []Tool {
	return []Tool{
		{
			Name:        "trial_similar",
			Description: "Find the trials most similar to a given trial within its community. Returns a ranked list with similarity scores.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"id":  {Type: "string", Description: "Trial registry ID, e.g. NCT00752622"},
					"top": {Type: "integer", Description: "Maximum number of results (default 10)"},
				},
				Required: []string{"id"},
			},
		},
		{
			Name:        "trial_search",
			Description: "Search trials by free text over registry IDs, titles and attribute terms. Returns ranked matches.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"query": {Type: "string", Description: "Search query text"},
					"limit": {Type: "integer", Description: "Maximum number of results (default 10)"},
				},
				Required: []string{"query"},
			},
		},
		{
			Name:        "trial_cluster",
			Description: "Run community detection over the trial graph, replacing all prior assignments.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"resolution": {Type: "number", Description: "Louvain resolution parameter (default 1.0)"},
				},
			},
		},
		{
			Name:        "trial_neighbors",
			Description: "List the attribute terms a trial links to: conditions, interventions, sponsors.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"id": {Type: "string", Description: "Trial registry ID"},
				},
				Required: []string{"id"},
			},
		},
		{
			Name:        "trial_stats",
			Description: "Summarize the stored dataset: node and edge counts, similarity cache size, communities.",
			InputSchema: &jsonschema.Schema{
				Type:       "object",
				Properties: map[string]*jsonschema.Schema{},
			},
		},
	}
}

// ListResources returns all registered resources.
func (s *Server) ListResources() []Resource {
	return []Resource{
		{
			URI:         "trialgraph://stats",
			Name:        "Dataset Statistics",
			Description: "Counts and clustering state of the stored dataset",
			MimeType:    "text/plain",
		},
		{
			URI:         "trialgraph://communities",
			Name:        "Community Report",
			Description: "Detected communities and their member trials",
			MimeType:    "text/plain",
		},
		{
			URI:         "trialgraph://orphans",
			Name:        "Orphan Trials",
			Description: "Trials without any attribute term relationship",
			MimeType:    "text/plain",
		},
	}
}

// CallTool executes a tool with the given arguments.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	switch name {
	case "trial_similar":
		id, _ := args["id"].(string)
		top, _ := args["top"].(float64)
		return s.handleSimilar(ctx, id, int(top))
	case "trial_search":
		query, _ := args["query"].(string)
		limit, _ := args["limit"].(float64)
		if limit == 0 {
			limit = 10
		}
		return s.handleSearch(ctx, query, int(limit))
	case "trial_cluster":
		resolution, _ := args["resolution"].(float64)
		return s.handleCluster(ctx, resolution)
	case "trial_neighbors":
		id, _ := args["id"].(string)
		return s.handleNeighbors(ctx, id)
	case "trial_stats":
		return s.handleStats(ctx)
	default:
		return "", fmt.Errorf("unknown tool: %s", name)
	}
}

// ReadResource reads a resource by URI.
func (s *Server) ReadResource(ctx context.Context, uri string) (string, error) {
	switch uri {
	case "trialgraph://stats":
		return s.handleStats(ctx)
	case "trialgraph://communities":
		return s.communityReport(ctx)
	case "trialgraph://orphans":
		return s.orphanReport(ctx)
	default:
		return "", fmt.Errorf("unknown resource: %s", uri)
	}
}

// Run starts the MCP server with stdio transport. stdout carries protocol
// frames only; callers must route diagnostics to stderr.
func (s *Server) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	if stdin == nil || stdout == nil {
		return fmt.Errorf("stdin and stdout must not be nil")
	}

	reader := bufio.NewReader(stdin)
	encoder := json.NewEncoder(stdout)
	// No SetIndent: the protocol requires one compact JSON frame per line.

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		var req map[string]any
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}

		resp := s.handleRequest(ctx, req)
		if err := encoder.Encode(resp); err != nil {
			return err
		}
	}
}

func (s *Server) handleRequest(ctx context.Context, req map[string]any) map[string]any {
	method, _ := req["method"].(string)
	id := req["id"]

	switch method {
	case "initialize":
		return s.handleInitialize(id)
	case "tools/list":
		return s.handleToolsList(id)
	case "tools/call":
		return s.handleToolsCall(ctx, id, req)
	case "resources/list":
		return s.handleResourcesList(id)
	case "resources/read":
		return s.handleResourcesRead(ctx, id, req)
	default:
		return errorResponse(id, -32601, "Method not found: "+method)
	}
}

func (s *Server) handleInitialize(id any) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result": map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo": map[string]any{
				"name":    "trialgraph",
				"version": "0.1.0",
			},
			"capabilities": map[string]any{
				"tools": map[string]any{
					"listChanged": false,
				},
				"resources": map[string]any{
					"listChanged": false,
				},
			},
		},
	}
}

func (s *Server) handleToolsList(id any) map[string]any {
	tools := s.ListTools()
	toolList := make([]map[string]any, len(tools))
	for i, tool := range tools {
		schema, _ := json.Marshal(tool.InputSchema)
		var schemaMap map[string]any
		json.Unmarshal(schema, &schemaMap)

		toolList[i] = map[string]any{
			"name":        tool.Name,
			"description": tool.Description,
			"inputSchema": schemaMap,
		}
	}

	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result": map[string]any{
			"tools": toolList,
		},
	}
}

func (s *Server) handleToolsCall(ctx context.Context, id any, req map[string]any) map[string]any {
	params, _ := req["params"].(map[string]any)
	if params == nil {
		return errorResponse(id, -32602, "Invalid params")
	}

	name, _ := params["name"].(string)
	args, _ := params["arguments"].(map[string]any)

	result, err := s.CallTool(ctx, name, args)
	if err != nil {
		return errorResponse(id, -32000, err.Error())
	}

	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result": map[string]any{
			"content": []map[string]any{
				{
					"type": "text",
					"text": result,
				},
			},
		},
	}
}

func (s *Server) handleResourcesList(id any) map[string]any {
	resources := s.ListResources()
	resourceList := make([]map[string]any, len(resources))
	for i, res := range resources {
		resourceList[i] = map[string]any{
			"uri":         res.URI,
			"name":        res.Name,
			"description": res.Description,
			"mimeType":    res.MimeType,
		}
	}

	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result": map[string]any{
			"resources": resourceList,
		},
	}
}

func (s *Server) handleResourcesRead(ctx context.Context, id any, req map[string]any) map[string]any {
	params, _ := req["params"].(map[string]any)
	if params == nil {
		return errorResponse(id, -32602, "Invalid params")
	}

	uri, _ := params["uri"].(string)

	content, err := s.ReadResource(ctx, uri)
	if err != nil {
		return errorResponse(id, -32000, err.Error())
	}

	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result": map[string]any{
			"contents": []map[string]any{
				{
					"uri":      uri,
					"mimeType": "text/plain",
					"text":     content,
				},
			},
		},
	}
}

// Tool handlers

func (s *Server) handleSimilar(ctx context.Context, id string, top int) (string, error) {
	if strings.TrimSpace(id) == "" {
		return "No trial ID provided", nil
	}

	matches, err := s.engine.FindSimilar(ctx, id, top)
	if errors.Is(err, similarity.ErrUnknownTrial) {
		return fmt.Sprintf("Trial '%s' is not in the dataset", strings.TrimSpace(id)), nil
	}
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	if len(matches) == 0 {
		sb.WriteString(fmt.Sprintf("No similar trials found for %s.\n\n", strings.TrimSpace(id)))
		sb.WriteString("The trial may have no community assignment yet; run `trial_cluster` first.")
		return sb.String(), nil
	}

	sb.WriteString(fmt.Sprintf("Trials similar to **%s** (%d):\n\n", strings.TrimSpace(id), len(matches)))
	for i, m := range matches {
		sb.WriteString(fmt.Sprintf("%d. Trial ID: %s, Similarity: %.4f\n", i+1, m.TrialID, m.Similarity))
	}
	sb.WriteString("\nNext: Use `trial_neighbors` on a result to see why it matched.")

	return sb.String(), nil
}

func (s *Server) handleSearch(ctx context.Context, query string, limit int) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "No query provided", nil
	}

	hybridResults, err := s.storage.HybridSearch(ctx, query, nil, limit)
	if err != nil {
		// Fall back to the FTS leg alone.
		results, err := s.storage.FTSSearch(ctx, query, limit)
		if err != nil {
			return "", err
		}
		return formatSearchResults(results, query), nil
	}

	if len(hybridResults) == 0 {
		return "No results found", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d results for '%s':\n\n", len(hybridResults), query))
	for i, r := range hybridResults {
		sb.WriteString(fmt.Sprintf("%d. **%s**", i+1, r.TrialID))
		if r.Title != "" {
			sb.WriteString(fmt.Sprintf(" %s", r.Title))
		}
		if r.Phase != "" {
			sb.WriteString(fmt.Sprintf(" (%s)", r.Phase))
		}
		sb.WriteString("\n")
		if r.Snippet != "" {
			sb.WriteString(fmt.Sprintf("   Terms: %s\n", r.Snippet))
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Next: Use `trial_similar` on a registry ID to find related trials.")

	return sb.String(), nil
}

func formatSearchResults(results []storage.SearchResult, query string) string {
	if len(results) == 0 {
		return "No results found"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d results for '%s':\n\n", len(results), query))
	for i, r := range results {
		sb.WriteString(fmt.Sprintf("%d. **%s**", i+1, r.TrialID))
		if r.Title != "" {
			sb.WriteString(fmt.Sprintf(" %s", r.Title))
		}
		if r.Phase != "" {
			sb.WriteString(fmt.Sprintf(" (%s)", r.Phase))
		}
		sb.WriteString("\n")
		if r.Snippet != "" {
			sb.WriteString(fmt.Sprintf("   Terms: %s\n", r.Snippet))
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Next: Use `trial_similar` on a registry ID to find related trials.")

	return sb.String()
}

func (s *Server) handleCluster(ctx context.Context, resolution float64) (string, error) {
	opts := cluster.DefaultOptions()
	if resolution > 0 {
		opts.Resolution = resolution
	}

	summary, err := s.engine.ClusterAndIndex(ctx, opts)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("Clustering complete.\n\n")
	sb.WriteString(fmt.Sprintf("Communities: %d\n", summary.Communities))
	sb.WriteString(fmt.Sprintf("Modularity: %.4f\n", summary.Modularity))
	sb.WriteString("\nAll prior community assignments were replaced.")

	return sb.String(), nil
}

func (s *Server) handleNeighbors(ctx context.Context, id string) (string, error) {
	trialID := graph.NormalizeTrialID(id)
	if trialID == "" {
		return "No trial ID provided", nil
	}

	trial, err := s.storage.GetTrial(ctx, trialID)
	if err != nil {
		return "", err
	}
	if trial == nil {
		return fmt.Sprintf("Trial '%s' is not in the dataset", trialID), nil
	}

	neighbors, err := s.storage.NeighborsOf(ctx, trialID)
	if err != nil {
		return "", err
	}

	terms := make([]string, 0, len(neighbors))
	for term := range neighbors {
		terms = append(terms, term)
	}
	sort.Strings(terms)

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("**%s**", trial.ID))
	if trial.Title != "" {
		sb.WriteString(fmt.Sprintf(" %s", trial.Title))
	}
	if trial.Phase != "" {
		sb.WriteString(fmt.Sprintf(" (%s)", trial.Phase))
	}
	sb.WriteString("\n\n")

	if len(terms) == 0 {
		sb.WriteString("No attribute terms. This trial is an orphan and cannot be scored against others.")
		return sb.String(), nil
	}

	sb.WriteString(fmt.Sprintf("Attribute terms (%d):\n", len(terms)))
	for _, term := range terms {
		sb.WriteString(fmt.Sprintf("- %s\n", term))
	}

	return sb.String(), nil
}

func (s *Server) handleStats(ctx context.Context) (string, error) {
	stats, err := s.storage.Stats(ctx)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("# Dataset Statistics\n\n")
	sb.WriteString(fmt.Sprintf("**Trials:** %d\n", stats.Trials))
	sb.WriteString(fmt.Sprintf("**Terms:** %d\n", stats.Terms))
	sb.WriteString(fmt.Sprintf("**Relationships:** %d\n", stats.Relationships))
	sb.WriteString(fmt.Sprintf("**Co-occurrence pairs:** %d\n", stats.CoOccurs))
	sb.WriteString(fmt.Sprintf("**Cached similarity pairs:** %d\n", stats.CachedPairs))
	sb.WriteString(fmt.Sprintf("**Orphan trials:** %d\n", stats.Isolated))
	sb.WriteString(fmt.Sprintf("**Communities:** %d\n", stats.Communities))
	sb.WriteString(fmt.Sprintf("**Modularity:** %.4f\n", stats.Modularity))

	meta, err := s.storage.GetMeta(ctx)
	if err != nil {
		return "", err
	}
	if meta != nil {
		sb.WriteString(fmt.Sprintf("\n**Data path:** %s\n", meta.DataPath))
		if !meta.LastIngest.IsZero() {
			sb.WriteString(fmt.Sprintf("**Last ingest:** %s\n", meta.LastIngest.Format("2006-01-02 15:04:05 MST")))
		}
		if !meta.LastCluster.IsZero() {
			sb.WriteString(fmt.Sprintf("**Last cluster:** %s\n", meta.LastCluster.Format("2006-01-02 15:04:05 MST")))
		}
	}

	return sb.String(), nil
}

// Resource handlers

func (s *Server) communityReport(ctx context.Context) (string, error) {
	stats, err := s.storage.Stats(ctx)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("# Community Report\n\n")

	if stats.Communities == 0 {
		sb.WriteString("No communities detected yet. Run `trial_cluster` first.\n")
		return sb.String(), nil
	}

	sb.WriteString(fmt.Sprintf("Communities: %d, modularity %.4f\n\n", stats.Communities, stats.Modularity))

	for communityID := int64(0); communityID < int64(stats.Communities); communityID++ {
		members, err := s.storage.MembersOfCommunity(ctx, communityID)
		if err != nil {
			return "", err
		}
		if len(members) == 0 {
			continue
		}

		sb.WriteString(fmt.Sprintf("## Community %d (%d trials)\n", communityID, len(members)))
		for _, trialID := range members {
			sb.WriteString(fmt.Sprintf("- %s\n", trialID))
		}
		sb.WriteString("\n")
	}

	return sb.String(), nil
}

func (s *Server) orphanReport(ctx context.Context) (string, error) {
	orphans, err := s.storage.IsolatedTrials(ctx)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("# Orphan Trials\n\n")

	if len(orphans) == 0 {
		sb.WriteString("No orphan trials. Every trial links to at least one attribute term.\n")
		return sb.String(), nil
	}

	sb.WriteString(fmt.Sprintf("%d trial(s) without any attribute term relationship:\n\n", len(orphans)))
	for _, trialID := range orphans {
		sb.WriteString(fmt.Sprintf("- %s\n", trialID))
	}
	sb.WriteString("\nOrphans cannot be scored against other trials until they gain terms.\n")

	return sb.String(), nil
}

// Helper functions

func errorResponse(id any, code int, message string) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	}
}
