package database

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"git.mills.io/prologic/bitcask"
	log "github.com/sirupsen/logrus" // Use logrus aliased as log
)

// ErrNotFound is returned when a key is not found in the database.
var ErrNotFound = errors.New("key not found")

// ErrQuotaExceeded is returned when a record is larger than the store accepts.
var ErrQuotaExceeded = errors.New("record exceeds storage limit")

// gzipMagicBytes are the first two bytes of a gzip file.
var gzipMagicBytes = []byte{0x1f, 0x8b}

// DB wraps the bitcask database instance and provides helper methods.
// Values are gzip-compressed on write and transparently decompressed on read.
type DB struct {
	db           *bitcask.Bitcask
	sync.RWMutex // Embed mutex for concurrent access control
}

// Open initializes and returns a DB instance. maxValueSize caps a single
// compressed record in bytes; zero keeps the bitcask default.
func Open(path string, maxValueSize uint64) (*DB, error) {
	// Ensure the directory exists
	dir := filepath.Dir(path)
	if dir != "." && dir != "/" { // Avoid trying to create root or current dir explicitly
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
		}
	}

	var opts []bitcask.Option
	if maxValueSize > 0 {
		opts = append(opts, bitcask.WithMaxValueSize(maxValueSize))
	}
	dbInstance, err := bitcask.Open(path, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open bitcask database at %s: %w", path, err)
	}
	log.Debugf("Database opened at %s", path)
	return &DB{db: dbInstance}, nil
}

// Close safely closes the database connection.
func (d *DB) Close() error {
	log.Debug("Closing database...")
	// Acquire write lock to ensure no operations are in progress during close
	d.Lock()
	defer d.Unlock()
	return d.db.Close()
}

// Has checks if a key exists in the database.
func (d *DB) Has(key []byte) bool {
	d.RLock()
	defer d.RUnlock()
	return d.db.Has(key)
}

// Len returns the number of keys.
func (d *DB) Len() int {
	d.RLock()
	defer d.RUnlock()
	return d.db.Len()
}

// Get retrieves the value associated with a key and decompresses it if necessary.
func (d *DB) Get(key []byte) ([]byte, error) {
	d.RLock()
	value, err := d.db.Get(key)
	d.RUnlock()

	if err != nil {
		if errors.Is(err, bitcask.ErrKeyNotFound) {
			return nil, ErrNotFound // Return our specific package error
		}
		return nil, fmt.Errorf("error getting key %s: %w", string(key), err)
	}

	// Check for gzip header and decompress if necessary
	return decompressIfGzipped(value)
}

// Put compresses and stores a key-value pair in the database.
func (d *DB) Put(key []byte, value []byte) error {
	compressedValue, err := compressGzip(value, gzip.BestCompression) // Level 9
	if err != nil {
		return fmt.Errorf("error compressing value for key %s: %w", string(key), err)
	}

	// Store the compressed value
	d.Lock()
	err = d.db.Put(key, compressedValue)
	d.Unlock()
	if err != nil {
		if errors.Is(err, bitcask.ErrValueTooLarge) {
			return fmt.Errorf("%w: key %s is %d bytes compressed", ErrQuotaExceeded, string(key), len(compressedValue))
		}
		return fmt.Errorf("error putting compressed key %s: %w", string(key), err)
	}
	return nil
}

// Delete removes a key from the database.
func (d *DB) Delete(key []byte) error {
	d.Lock()
	err := d.db.Delete(key)
	d.Unlock() // Unlock *after* potential error check
	if err != nil {
		if errors.Is(err, bitcask.ErrKeyNotFound) {
			return ErrNotFound // Return our specific package error here too
		}
		return fmt.Errorf("error deleting key %s: %w", string(key), err)
	}
	return nil
}

// Scan calls fn for every key starting with prefix, with its decompressed value.
// The read lock is held for the whole scan, so fn must not write to d.
func (d *DB) Scan(prefix []byte, fn func(key []byte, value []byte) error) error {
	d.RLock()
	defer d.RUnlock()

	return d.db.Scan(prefix, func(key []byte) error {
		rawValue, err := d.db.Get(key) // No extra locking, Scan holds the read lock
		if err != nil {
			log.WithError(err).Warnf("Scan: Error getting value for key %s", string(key))
			return nil
		}
		value, err := decompressIfGzipped(rawValue)
		if err != nil {
			log.WithError(err).Warnf("Scan: Error decompressing value for key %s", string(key))
			return nil // Skip this key if decompression fails
		}
		// bitcask reuses key buffers between callbacks
		return fn(append([]byte(nil), key...), value)
	})
}

// Fold iterates over all key-value pairs, decompresses the value,
// and calls the provided function.
func (d *DB) Fold(fn func(key []byte, value []byte) error) error {
	d.RLock()
	defer d.RUnlock()

	return d.db.Fold(func(key []byte) error {
		// Need to get the value inside the Fold callback
		rawValue, err := d.db.Get(key) // Get raw value (no extra locking needed)
		if err != nil {
			log.WithError(err).Warnf("Fold: Error getting value for key %s", string(key))
			return nil
		}
		value, err := decompressIfGzipped(rawValue)
		if err != nil {
			log.WithError(err).Warnf("Fold: Error decompressing value for key %s", string(key))
			return nil // Skip this key if decompression fails
		}
		return fn(append([]byte(nil), key...), value)
	})
}

// DeleteKeys removes every key in keys, ignoring ones already gone.
func (d *DB) DeleteKeys(keys [][]byte) (int, error) {
	d.Lock()
	defer d.Unlock()
	deleted := 0
	for _, key := range keys {
		if err := d.db.Delete(key); err != nil {
			if errors.Is(err, bitcask.ErrKeyNotFound) {
				continue // Already gone
			}
			return deleted, fmt.Errorf("error deleting key %s: %w", string(key), err)
		}
		deleted++
	}
	return deleted, nil
}

// Merge compacts the data files, reclaiming space from deleted records.
func (d *DB) Merge() error {
	d.Lock()
	defer d.Unlock()
	return d.db.Merge()
}

// --- Compression Helpers ---

// decompressIfGzipped decompresses the value if it is gzipped.
func decompressIfGzipped(value []byte) ([]byte, error) {
	if !bytes.HasPrefix(value, gzipMagicBytes) {
		return value, nil
	}
	gReader, err := gzip.NewReader(bytes.NewReader(value))
	if err != nil {
		log.WithError(err).Warnf("Error creating gzip reader for value, returning raw data.")
		return value, nil // Return raw data on decompression error
	}
	defer gReader.Close()

	decompressedValue, err := io.ReadAll(gReader)
	if err != nil {
		log.WithError(err).Warnf("Error decompressing value, returning raw data.")
		return value, nil // Return raw data on decompression error
	}
	return decompressedValue, nil
}

// compressGzip compresses the value using gzip with the specified compression level.
func compressGzip(value []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	gWriter, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("error creating gzip writer for value: %w", err)
	}
	if _, err = gWriter.Write(value); err != nil {
		_ = gWriter.Close() // Attempt to close writer even on error
		return nil, fmt.Errorf("error writing compressed data for value: %w", err)
	}
	if err = gWriter.Close(); err != nil { // Close *must* be called to flush buffers
		return nil, fmt.Errorf("error closing gzip writer for value: %w", err)
	}
	return buf.Bytes(), nil
}
