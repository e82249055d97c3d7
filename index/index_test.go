package index

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go-replicate-studio/internal/models"

	"github.com/blevesearch/bleve/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memIndex(t *testing.T) bleve.Index {
	t.Helper()
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func seedIndex(t *testing.T, idx bleve.Index) {
	t.Helper()
	imgs := []models.GeneratedImage{
		{ID: "1", Prompt: "a cat sleeping on a windowsill", Model: "flux-dev", Seed: 777, CreatedAt: time.Now()},
		{ID: "2", Prompt: "foggy harbour at dawn", Model: "sdxl", Seed: 3, CreatedAt: time.Now()},
		{ID: "3", Prompt: "portrait of a tabby cat", Model: "sdxl", CreatedAt: time.Now()},
	}
	for _, img := range imgs {
		require.NoError(t, IndexImage(idx, img))
	}
}

func TestSimilarPromptsToleratesTypos(t *testing.T) {
	idx := memIndex(t)
	seedIndex(t, idx)

	hits, err := SimilarPrompts(context.Background(), idx, "harbor", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "2", hits[0].ID)
	assert.Equal(t, "foggy harbour at dawn", hits[0].Prompt)
	assert.Equal(t, int64(3), hits[0].Seed)
}

func TestSearchIndexByField(t *testing.T) {
	idx := memIndex(t)
	seedIndex(t, idx)

	hits, err := SearchIndex(context.Background(), idx, "+prompt:cat +model:sdxl", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "3", hits[0].ID)
	assert.Equal(t, "image", hits[0].Type)
}

func TestDeleteItems(t *testing.T) {
	idx := memIndex(t)
	seedIndex(t, idx)

	require.NoError(t, DeleteItems(idx, []string{"1", "3"}))
	require.NoError(t, DeleteItems(idx, nil))
	count, err := idx.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

func TestOpenOrCreateIndexOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.bleve")
	idx, err := OpenOrCreateIndex(path)
	require.NoError(t, err)
	require.NoError(t, IndexImage(idx, models.GeneratedImage{ID: "x", Prompt: "lighthouse"}))
	require.NoError(t, idx.Close())

	idx, err = OpenOrCreateIndex(path)
	require.NoError(t, err)
	count, err := idx.DocCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
	require.NoError(t, idx.Close())

	require.NoError(t, DeleteIndex(path))
}
