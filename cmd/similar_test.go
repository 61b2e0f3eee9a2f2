package cmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimilarCmd_Run(t *testing.T) {
	t.Parallel()

	t.Run("RanksCommunityMembers", func(t *testing.T) {
		tmpDir := t.TempDir()
		writeDataset(t, tmpDir)
		require.NoError(t, (&IngestCmd{Path: tmpDir}).Run())
		require.NoError(t, (&ClusterCmd{Path: tmpDir, Resolution: 1.0, Seed: 1}).Run())

		cmd := &SimilarCmd{ID: "NCT00000001", Top: 10, Path: tmpDir}
		err := cmd.Run()
		assert.NoError(t, err)

		// The run must have cached the computed pair symmetrically.
		store, err := openStore(tmpDir, true)
		require.NoError(t, err)
		defer func() { _ = store.Close() }()

		ctx := context.Background()
		// NCT00000001 and NCT00000002 share identical neighbor sets.
		score, ok, err := store.CachedSimilarity(ctx, "NCT00000002", "NCT00000001")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.InDelta(t, 1.0, score, 1e-9)
	})

	t.Run("UnknownTrial", func(t *testing.T) {
		tmpDir := t.TempDir()
		writeDataset(t, tmpDir)
		require.NoError(t, (&IngestCmd{Path: tmpDir}).Run())

		cmd := &SimilarCmd{ID: "NCT_NOPE", Top: 10, Path: tmpDir}
		err := cmd.Run()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "not in the dataset")
	})

	t.Run("TrimsQueryID", func(t *testing.T) {
		tmpDir := t.TempDir()
		writeDataset(t, tmpDir)
		require.NoError(t, (&IngestCmd{Path: tmpDir}).Run())
		require.NoError(t, (&ClusterCmd{Path: tmpDir, Resolution: 1.0, Seed: 1}).Run())

		cmd := &SimilarCmd{ID: "  NCT00000001  ", Top: 10, Path: tmpDir}
		err := cmd.Run()
		assert.NoError(t, err)
	})

	t.Run("NoCommunityYet", func(t *testing.T) {
		tmpDir := t.TempDir()
		writeDataset(t, tmpDir)
		require.NoError(t, (&IngestCmd{Path: tmpDir}).Run())

		// No cluster run: valid empty result, not an error.
		cmd := &SimilarCmd{ID: "NCT00000001", Top: 10, Path: tmpDir}
		err := cmd.Run()
		assert.NoError(t, err)
	})

	t.Run("NoDataset", func(t *testing.T) {
		cmd := &SimilarCmd{ID: "NCT00000001", Top: 10, Path: t.TempDir()}
		err := cmd.Run()
		assert.Error(t, err)
	})
}
