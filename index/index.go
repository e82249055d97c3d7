package index

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go-replicate-studio/internal/models"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
	log "github.com/sirupsen/logrus"
)

const defaultIndexPath = "prompts.bleve"

// SearchTimeout is the hard cutoff for a prompt search. Hitting it is a
// failure, not a retry.
const SearchTimeout = 10 * time.Second

// ErrSearchTimeout is returned when a search exceeds SearchTimeout.
var ErrSearchTimeout = errors.New("prompt search timed out")

// Item is one indexed generation. Fields are searchable by their JSON names,
// e.g. '+model:flux-dev' or 'prompt:harbour'.
type Item struct {
	ID             string    `json:"id"`   // Image id in the local store
	Type           string    `json:"type"` // "image", "bucket" or "pack"
	Prompt         string    `json:"prompt"`
	NegativePrompt string    `json:"negativePrompt,omitempty"`
	Model          string    `json:"model"`
	Seed           int64     `json:"seed,omitempty"`
	AspectRatio    string    `json:"aspectRatio,omitempty"`
	URL            string    `json:"url,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Hit is one search result.
type Hit struct {
	ID     string
	Type   string
	Score  float64
	Prompt string
	Model  string
	Seed   int64
}

// ItemFromImage converts a stored image into an index item.
func ItemFromImage(img models.GeneratedImage, kind string) Item {
	return Item{
		ID:             img.ID,
		Type:           kind,
		Prompt:         img.Prompt,
		NegativePrompt: img.Request.NegativePrompt,
		Model:          img.Model,
		Seed:           img.Seed,
		AspectRatio:    img.Request.AspectRatio,
		URL:            img.URL,
		CreatedAt:      img.CreatedAt,
	}
}

// OpenOrCreateIndex opens an existing Bleve index or creates a new one if it doesn't exist.
func OpenOrCreateIndex(indexPath string) (bleve.Index, error) {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}

	idx, err := bleve.Open(indexPath)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		log.Debugf("Creating new index at: %s", indexPath)
		idx, err = bleve.New(indexPath, bleve.NewIndexMapping())
		if err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	} else {
		log.Debugf("Opened existing index at: %s", indexPath)
	}
	return idx, nil
}

// IndexItem adds or updates an item in the Bleve index.
func IndexItem(idx bleve.Index, item Item) error {
	return idx.Index(item.ID, item)
}

// IndexImage indexes a generated image under its id.
func IndexImage(idx bleve.Index, img models.GeneratedImage) error {
	return IndexItem(idx, ItemFromImage(img, "image"))
}

// DeleteItems removes ids from the index in one batch.
func DeleteItems(idx bleve.Index, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	batch := idx.NewBatch()
	for _, id := range ids {
		batch.Delete(id)
	}
	return idx.Batch(batch)
}

// SearchIndex performs a query-string search, e.g. '+model:sdxl harbour'.
func SearchIndex(ctx context.Context, idx bleve.Index, queryString string, limit int) ([]Hit, error) {
	return search(ctx, idx, bleve.NewQueryStringQuery(queryString), limit)
}

// SimilarPrompts finds prompts close to text, tolerating small typos.
func SimilarPrompts(ctx context.Context, idx bleve.Index, text string, limit int) ([]Hit, error) {
	match := bleve.NewMatchQuery(text)
	match.SetField("prompt")
	match.SetFuzziness(1)
	phrase := bleve.NewMatchPhraseQuery(text)
	phrase.SetField("prompt")
	phrase.SetBoost(2)
	return search(ctx, idx, bleve.NewDisjunctionQuery(match, phrase), limit)
}

func search(ctx context.Context, idx bleve.Index, q query.Query, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 20
	}
	ctx, cancel := context.WithTimeout(ctx, SearchTimeout)
	defer cancel()

	req := bleve.NewSearchRequestOptions(q, limit, 0, false)
	req.Fields = []string{"*"}
	res, err := idx.SearchInContext(ctx, req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrSearchTimeout, SearchTimeout)
		}
		return nil, err
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hit := Hit{ID: h.ID, Score: h.Score}
		if v, ok := h.Fields["type"].(string); ok {
			hit.Type = v
		}
		if v, ok := h.Fields["prompt"].(string); ok {
			hit.Prompt = v
		}
		if v, ok := h.Fields["model"].(string); ok {
			hit.Model = v
		}
		if v, ok := h.Fields["seed"].(float64); ok {
			hit.Seed = int64(v)
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// DeleteIndex removes the index directory. Use with caution!
func DeleteIndex(indexPath string) error {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}
	if strings.TrimSpace(indexPath) == "/" {
		return errors.New("refusing to delete root")
	}
	log.Infof("Deleting index at: %s", indexPath)
	return os.RemoveAll(indexPath)
}
