package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/graphmed/trialgraph/internal/cluster"
	"github.com/graphmed/trialgraph/internal/graph"
	"github.com/graphmed/trialgraph/internal/similarity"
	"github.com/graphmed/trialgraph/internal/storage"
)

// mockStorage is a mock storage backend for testing.
type mockStorage struct {
	trials        map[string]*graph.Trial
	neighbors     map[string]map[string]struct{}
	isolated      []string
	members       map[int64][]string
	searchResults []storage.SearchResult
	hybridResults []storage.HybridSearchResult
	hybridErr     error
	stats         *storage.Stats
	meta          *storage.DatasetMeta
}

func (m *mockStorage) GetTrial(ctx context.Context, id string) (*graph.Trial, error) {
	return m.trials[id], nil
}

func (m *mockStorage) NeighborsOf(ctx context.Context, trialID string) (map[string]struct{}, error) {
	if n, ok := m.neighbors[trialID]; ok {
		return n, nil
	}
	return map[string]struct{}{}, nil
}

func (m *mockStorage) IsolatedTrials(ctx context.Context) ([]string, error) {
	return m.isolated, nil
}

func (m *mockStorage) MembersOfCommunity(ctx context.Context, communityID int64) ([]string, error) {
	return m.members[communityID], nil
}

func (m *mockStorage) FTSSearch(ctx context.Context, query string, limit int) ([]storage.SearchResult, error) {
	return m.searchResults, nil
}

func (m *mockStorage) HybridSearch(ctx context.Context, query string, vector []float32, limit int) ([]storage.HybridSearchResult, error) {
	if m.hybridErr != nil {
		return nil, m.hybridErr
	}
	return m.hybridResults, nil
}

func (m *mockStorage) Stats(ctx context.Context) (*storage.Stats, error) {
	return m.stats, nil
}

func (m *mockStorage) GetMeta(ctx context.Context) (*storage.DatasetMeta, error) {
	return m.meta, nil
}

// mockEngine is a mock similarity engine for testing.
type mockEngine struct {
	matches    []similarity.Match
	findErr    error
	summary    *similarity.ClusterSummary
	clusterErr error
	lastID     string
	lastK      int
}

func (m *mockEngine) FindSimilar(ctx context.Context, trialID string, k int) ([]similarity.Match, error) {
	m.lastID = trialID
	m.lastK = k
	if m.findErr != nil {
		return nil, m.findErr
	}
	return m.matches, nil
}

func (m *mockEngine) ClusterAndIndex(ctx context.Context, opts cluster.Options) (*similarity.ClusterSummary, error) {
	if m.clusterErr != nil {
		return nil, m.clusterErr
	}
	return m.summary, nil
}

func newMockStorage() *mockStorage {
	return &mockStorage{
		trials: map[string]*graph.Trial{
			"NCT00000001": {ID: "NCT00000001", Title: "Aspirin in Stroke", Phase: "Phase 3"},
			"NCT00000002": {ID: "NCT00000002", Title: "Statins in Stroke"},
		},
		neighbors: map[string]map[string]struct{}{
			"NCT00000001": {"stroke": {}, "hypertension": {}},
		},
		isolated: []string{"NCT00000099"},
		members: map[int64][]string{
			0: {"NCT00000001", "NCT00000002"},
		},
		searchResults: []storage.SearchResult{
			{TrialID: "NCT00000001", Score: 2.0, Title: "Aspirin in Stroke", Phase: "Phase 3", Snippet: "stroke, hypertension"},
		},
		hybridResults: []storage.HybridSearchResult{
			{TrialID: "NCT00000001", Score: 0.03, Title: "Aspirin in Stroke", Phase: "Phase 3", Snippet: "stroke, hypertension"},
		},
		stats: &storage.Stats{
			Trials:        2,
			Terms:         3,
			Relationships: 4,
			CachedPairs:   1,
			Isolated:      1,
			Communities:   1,
			Modularity:    0.42,
		},
		meta: &storage.DatasetMeta{
			DataPath:   "/data/trials",
			LastIngest: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		},
	}
}

func newMockEngine() *mockEngine {
	return &mockEngine{
		matches: []similarity.Match{
			{TrialID: "NCT00000002", Similarity: 1.0},
		},
		summary: &similarity.ClusterSummary{Communities: 3, Modularity: 0.42},
	}
}

func newTestServer() (*Server, *mockStorage, *mockEngine) {
	store := newMockStorage()
	engine := newMockEngine()
	return NewServer(store, engine), store, engine
}

func TestNewServer(t *testing.T) {
	t.Parallel()

	server, _, _ := newTestServer()
	assert.NotNil(t, server)
}

func TestListTools(t *testing.T) {
	t.Parallel()

	server, _, _ := newTestServer()
	tools := server.ListTools()

	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Name
		assert.NotEmpty(t, tool.Description)
		assert.NotNil(t, tool.InputSchema)
	}

	assert.Equal(t, []string{
		"trial_similar",
		"trial_search",
		"trial_cluster",
		"trial_neighbors",
		"trial_stats",
	}, names)
}

func TestListResources(t *testing.T) {
	t.Parallel()

	server, _, _ := newTestServer()
	resources := server.ListResources()

	uris := make([]string, len(resources))
	for i, res := range resources {
		uris[i] = res.URI
	}

	assert.Equal(t, []string{
		"trialgraph://stats",
		"trialgraph://communities",
		"trialgraph://orphans",
	}, uris)
}

func TestHandleRequest(t *testing.T) {
	t.Parallel()

	server, _, _ := newTestServer()
	ctx := context.Background()

	t.Run("Initialize", func(t *testing.T) {
		resp := server.handleRequest(ctx, map[string]any{
			"jsonrpc": "2.0", "id": float64(1), "method": "initialize",
		})

		result, ok := resp["result"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "2024-11-05", result["protocolVersion"])

		info, ok := result["serverInfo"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "trialgraph", info["name"])
	})

	t.Run("ToolsList", func(t *testing.T) {
		resp := server.handleRequest(ctx, map[string]any{
			"jsonrpc": "2.0", "id": float64(2), "method": "tools/list",
		})

		result, ok := resp["result"].(map[string]any)
		require.True(t, ok)
		tools, ok := result["tools"].([]map[string]any)
		require.True(t, ok)
		assert.Len(t, tools, 5)
	})

	t.Run("ToolsCall", func(t *testing.T) {
		resp := server.handleRequest(ctx, map[string]any{
			"jsonrpc": "2.0", "id": float64(3), "method": "tools/call",
			"params": map[string]any{
				"name":      "trial_stats",
				"arguments": map[string]any{},
			},
		})

		result, ok := resp["result"].(map[string]any)
		require.True(t, ok)
		content, ok := result["content"].([]map[string]any)
		require.True(t, ok)
		require.Len(t, content, 1)
		assert.Contains(t, content[0]["text"], "Trials:")
	})

	t.Run("ToolsCallMissingParams", func(t *testing.T) {
		resp := server.handleRequest(ctx, map[string]any{
			"jsonrpc": "2.0", "id": float64(4), "method": "tools/call",
		})

		errObj, ok := resp["error"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, -32602, errObj["code"])
	})

	t.Run("ResourcesList", func(t *testing.T) {
		resp := server.handleRequest(ctx, map[string]any{
			"jsonrpc": "2.0", "id": float64(5), "method": "resources/list",
		})

		result, ok := resp["result"].(map[string]any)
		require.True(t, ok)
		resources, ok := result["resources"].([]map[string]any)
		require.True(t, ok)
		assert.Len(t, resources, 3)
	})

	t.Run("ResourcesRead", func(t *testing.T) {
		resp := server.handleRequest(ctx, map[string]any{
			"jsonrpc": "2.0", "id": float64(6), "method": "resources/read",
			"params": map[string]any{"uri": "trialgraph://orphans"},
		})

		result, ok := resp["result"].(map[string]any)
		require.True(t, ok)
		contents, ok := result["contents"].([]map[string]any)
		require.True(t, ok)
		require.Len(t, contents, 1)
		assert.Contains(t, contents[0]["text"], "NCT00000099")
	})

	t.Run("UnknownMethod", func(t *testing.T) {
		resp := server.handleRequest(ctx, map[string]any{
			"jsonrpc": "2.0", "id": float64(7), "method": "bogus/method",
		})

		errObj, ok := resp["error"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, -32601, errObj["code"])
	})
}

func TestRun(t *testing.T) {
	t.Parallel()

	t.Run("NilStreams", func(t *testing.T) {
		server, _, _ := newTestServer()
		err := server.Run(context.Background(), nil, nil)
		assert.Error(t, err)
	})

	t.Run("ProcessesFramesUntilEOF", func(t *testing.T) {
		server, _, _ := newTestServer()

		stdin := strings.NewReader(
			`{"jsonrpc":"2.0","id":1,"method":"initialize"}` + "\n" +
				`{"jsonrpc":"2.0","id":2,"method":"tools/list"}` + "\n",
		)
		var stdout bytes.Buffer

		err := server.Run(context.Background(), stdin, &stdout)
		require.NoError(t, err)

		lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
		require.Len(t, lines, 2)

		// One compact JSON frame per line.
		for _, line := range lines {
			var frame map[string]any
			require.NoError(t, json.Unmarshal([]byte(line), &frame))
			assert.Equal(t, "2.0", frame["jsonrpc"])
			assert.NotNil(t, frame["result"])
		}
	})

	t.Run("SkipsMalformedFrames", func(t *testing.T) {
		server, _, _ := newTestServer()

		stdin := strings.NewReader("not json\n" + `{"jsonrpc":"2.0","id":1,"method":"initialize"}` + "\n")
		var stdout bytes.Buffer

		err := server.Run(context.Background(), stdin, &stdout)
		require.NoError(t, err)

		lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
		assert.Len(t, lines, 1)
	})

	t.Run("StopsOnCancel", func(t *testing.T) {
		server, _, _ := newTestServer()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := server.Run(ctx, blockingReader{}, &bytes.Buffer{})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

// blockingReader never returns data, so Run only exits via its context check.
type blockingReader struct{}

func (blockingReader) Read(p []byte) (int, error) {
	time.Sleep(10 * time.Millisecond)
	return 0, fmt.Errorf("read after cancel")
}
