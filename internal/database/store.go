package database

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go-replicate-studio/internal/models"

	log "github.com/sirupsen/logrus"
)

// Key prefixes for the three collections.
const (
	ImagePrefix  = "img_"
	BucketPrefix = "bucket_"
	PackPrefix   = "pack_"
)

// DefaultRetention is how long a generated image survives outside the bucket.
const DefaultRetention = time.Hour

// Store exposes the image, bucket and pack collections over one DB.
// Only the image collection expires.
type Store struct {
	db        *DB
	retention time.Duration
	now       func() time.Time
	seq       atomic.Uint32
}

// NewStore wraps db. A non-positive retention uses DefaultRetention.
func NewStore(db *DB, retention time.Duration) *Store {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Store{db: db, retention: retention, now: time.Now}
}

// Retention reports the expiry window for generated images.
func (s *Store) Retention() time.Duration { return s.retention }

// NewTimestampID returns a sortable id derived from t, unique within this process.
func (s *Store) NewTimestampID(t time.Time) string {
	return fmt.Sprintf("%013d%03d", t.UnixMilli(), s.seq.Add(1)%1000)
}

func (s *Store) expired(img models.GeneratedImage, now time.Time) bool {
	return now.Sub(img.CreatedAt) > s.retention
}

// --- generated images ---

// PutImage appends img. It never overwrites an existing record.
func (s *Store) PutImage(img models.GeneratedImage) error {
	if img.ID == "" {
		img.ID = s.NewTimestampID(img.CreatedAt)
	}
	key := []byte(ImagePrefix + img.ID)
	if s.db.Has(key) {
		return fmt.Errorf("image %s already stored", img.ID)
	}
	return s.putJSON(key, img)
}

// GetImage loads one image. Expired images read as ErrNotFound.
func (s *Store) GetImage(id string) (models.GeneratedImage, error) {
	var img models.GeneratedImage
	if err := s.getJSON([]byte(ImagePrefix+id), &img); err != nil {
		return img, err
	}
	if s.expired(img, s.now()) {
		return models.GeneratedImage{}, ErrNotFound
	}
	return img, nil
}

// Images returns live images oldest first. Expired records found on the way
// are removed, so expiry holds even if the sweeper never ran.
func (s *Store) Images() ([]models.GeneratedImage, error) {
	now := s.now()
	var live []models.GeneratedImage
	var stale [][]byte
	err := s.db.Scan([]byte(ImagePrefix), func(key, value []byte) error {
		var img models.GeneratedImage
		if err := json.Unmarshal(value, &img); err != nil {
			log.WithError(err).Warnf("Skipping unreadable image record %s", string(key))
			return nil
		}
		if s.expired(img, now) {
			stale = append(stale, key)
			return nil
		}
		live = append(live, img)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error scanning images: %w", err)
	}
	if len(stale) > 0 {
		if _, err := s.db.DeleteKeys(stale); err != nil {
			log.WithError(err).Warn("Failed to drop expired images on read")
		}
	}
	sort.SliceStable(live, func(i, j int) bool { return live[i].CreatedAt.Before(live[j].CreatedAt) })
	return live, nil
}

// DeleteImage removes one image.
func (s *Store) DeleteImage(id string) error {
	return s.db.Delete([]byte(ImagePrefix + id))
}

// ClearImages removes every generated image and reports how many went.
func (s *Store) ClearImages() (int, error) {
	return s.clearPrefix(ImagePrefix, nil)
}

// Sweep deletes images older than the retention window as of now and returns
// their ids. Running it again without new images deletes nothing.
func (s *Store) Sweep(now time.Time) ([]string, error) {
	var keys [][]byte
	var ids []string
	err := s.db.Scan([]byte(ImagePrefix), func(key, value []byte) error {
		var img models.GeneratedImage
		if err := json.Unmarshal(value, &img); err != nil {
			return nil
		}
		if s.expired(img, now) {
			keys = append(keys, key)
			ids = append(ids, img.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error scanning images for sweep: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	if _, err := s.db.DeleteKeys(keys); err != nil {
		return nil, err
	}
	sort.Strings(ids)
	log.WithField("count", len(ids)).Debug("Swept expired images")
	return ids, nil
}

// --- bucket ---

// AddToBucket copies img into the bucket, where it never expires.
func (s *Store) AddToBucket(img models.GeneratedImage) (models.BucketItem, error) {
	now := s.now()
	item := models.BucketItem{ID: s.NewTimestampID(now), Image: img, AddedAt: now}
	if err := s.putJSON([]byte(BucketPrefix+item.ID), item); err != nil {
		return models.BucketItem{}, err
	}
	return item, nil
}

// Bucket returns bucket items oldest first.
func (s *Store) Bucket() ([]models.BucketItem, error) {
	var items []models.BucketItem
	err := s.db.Scan([]byte(BucketPrefix), func(key, value []byte) error {
		var item models.BucketItem
		if err := json.Unmarshal(value, &item); err != nil {
			log.WithError(err).Warnf("Skipping unreadable bucket record %s", string(key))
			return nil
		}
		items = append(items, item)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error scanning bucket: %w", err)
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].AddedAt.Before(items[j].AddedAt) })
	return items, nil
}

// GetBucketItem loads one bucket item.
func (s *Store) GetBucketItem(id string) (models.BucketItem, error) {
	var item models.BucketItem
	err := s.getJSON([]byte(BucketPrefix+id), &item)
	return item, err
}

// RemoveFromBucket deletes one bucket item.
func (s *Store) RemoveFromBucket(id string) error {
	return s.db.Delete([]byte(BucketPrefix + id))
}

// ClearBucket empties the bucket.
func (s *Store) ClearBucket() (int, error) {
	return s.clearPrefix(BucketPrefix, nil)
}

// --- image packs ---

// PutPack stores or replaces a pack entry.
func (s *Store) PutPack(entry models.ImagePackEntry) error {
	if entry.ID == "" {
		return errors.New("pack entry has no id")
	}
	return s.putJSON([]byte(PackPrefix+entry.ID), entry)
}

// GetPack loads one pack entry.
func (s *Store) GetPack(id string) (models.ImagePackEntry, error) {
	var entry models.ImagePackEntry
	err := s.getJSON([]byte(PackPrefix+id), &entry)
	return entry, err
}

// Packs returns pack entries oldest first.
func (s *Store) Packs() ([]models.ImagePackEntry, error) {
	var entries []models.ImagePackEntry
	err := s.db.Scan([]byte(PackPrefix), func(key, value []byte) error {
		var entry models.ImagePackEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			log.WithError(err).Warnf("Skipping unreadable pack record %s", string(key))
			return nil
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error scanning packs: %w", err)
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].CreatedAt.Before(entries[j].CreatedAt) })
	return entries, nil
}

// SetPackFavorite toggles whether a pack survives session cleanup.
func (s *Store) SetPackFavorite(id string, favorite bool) error {
	entry, err := s.GetPack(id)
	if err != nil {
		return err
	}
	entry.Favorite = favorite
	return s.PutPack(entry)
}

// DeletePack removes one pack entry.
func (s *Store) DeletePack(id string) error {
	return s.db.Delete([]byte(PackPrefix + id))
}

// ClearSessionPacks removes every pack that is not a favorite.
func (s *Store) ClearSessionPacks() (int, error) {
	return s.clearPrefix(PackPrefix, func(value []byte) bool {
		var entry models.ImagePackEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			return true
		}
		return !entry.Favorite
	})
}

// Counts reports the size of each collection in one pass.
func (s *Store) Counts() (images, bucket, packs int, err error) {
	err = s.db.Fold(func(key, value []byte) error {
		switch {
		case bytes.HasPrefix(key, []byte(ImagePrefix)):
			images++
		case bytes.HasPrefix(key, []byte(BucketPrefix)):
			bucket++
		case bytes.HasPrefix(key, []byte(PackPrefix)):
			packs++
		}
		return nil
	})
	return
}

// Compact reclaims disk space left behind by deletes.
func (s *Store) Compact() error {
	before := s.db.Len()
	if err := s.db.Merge(); err != nil {
		return fmt.Errorf("error compacting database: %w", err)
	}
	log.WithField("keys", before).Debug("Database compacted")
	return nil
}

// --- helpers ---

func (s *Store) putJSON(key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("error marshalling %s: %w", string(key), err)
	}
	return s.db.Put(key, data)
}

func (s *Store) getJSON(key []byte, v interface{}) error {
	data, err := s.db.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("error unmarshalling %s: %w", string(key), err)
	}
	return nil
}

// clearPrefix deletes keys under prefix for which remove is nil or returns true.
// Keys are collected first because Scan holds the read lock.
func (s *Store) clearPrefix(prefix string, remove func(value []byte) bool) (int, error) {
	var keys [][]byte
	err := s.db.Scan([]byte(prefix), func(key, value []byte) error {
		if remove == nil || remove(value) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("error scanning %s: %w", prefix, err)
	}
	return s.db.DeleteKeys(keys)
}

// RunSweeper sweeps on every tick until ctx ends. onSweep, when set, sees the
// ids removed by each non-empty sweep.
func RunSweeper(ctx context.Context, store *Store, interval time.Duration, onSweep func(ids []string)) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sweep := func() {
		ids, err := store.Sweep(time.Now())
		if err != nil {
			log.WithError(err).Warn("Background sweep failed")
			return
		}
		if len(ids) > 0 {
			log.WithField("count", len(ids)).Info("Removed expired images")
			if onSweep != nil {
				onSweep(ids)
			}
		}
	}

	sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
		}
	}
}
