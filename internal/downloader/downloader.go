package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go-replicate-studio/internal/helpers"

	log "github.com/sirupsen/logrus"
)

// Custom Downloader Errors
var (
	ErrHttpStatus  = errors.New("unexpected HTTP status code")
	ErrFileSystem  = errors.New("filesystem error") // Covers create, remove, rename
	ErrHttpRequest = errors.New("HTTP request creation/execution error")
	ErrTooLarge    = errors.New("response exceeds size limit")
)

// DefaultMaxBytes caps a single fetched image.
const DefaultMaxBytes = 64 << 20

// Downloader fetches generated images, either into memory or onto disk.
type Downloader struct {
	client   *http.Client
	maxBytes int64
}

// NewDownloader creates a new Downloader instance.
func NewDownloader(client *http.Client) *Downloader {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Downloader{client: client, maxBytes: DefaultMaxBytes}
}

// Fetch returns the bytes and media type behind url. Data URIs are decoded
// without a network call.
func (d *Downloader) Fetch(ctx context.Context, url string) ([]byte, string, error) {
	if strings.HasPrefix(url, "data:") {
		return helpers.DecodeDataURI(url)
	}

	resp, err := d.get(ctx, url)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("%w: reading body from %s: %v", ErrHttpRequest, url, err)
	}
	if int64(len(data)) > d.maxBytes {
		return nil, "", fmt.Errorf("%w: %s", ErrTooLarge, url)
	}
	return data, mediaType(resp.Header.Get("Content-Type"), data), nil
}

// SaveFile downloads url to targetFilepath via a temp file in the same
// directory, renaming into place only once the body is complete.
// Returns the final filepath used.
func (d *Downloader) SaveFile(ctx context.Context, url, targetFilepath string) (string, error) {
	targetDir := filepath.Dir(targetFilepath)
	if !helpers.CheckAndMakeDir(targetDir) {
		return "", fmt.Errorf("%w: failed to create target directory %s", ErrFileSystem, targetDir)
	}

	tempFile, err := os.CreateTemp(targetDir, filepath.Base(targetFilepath)+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("%w: creating temporary file %s: %w", ErrFileSystem, targetFilepath, err)
	}
	shouldCleanupTemp := true
	defer func() {
		if shouldCleanupTemp {
			tempFile.Close()
			if removeErr := os.Remove(tempFile.Name()); removeErr != nil && !os.IsNotExist(removeErr) {
				log.WithError(removeErr).Warnf("Failed to remove temporary file %s", tempFile.Name())
			}
		}
	}()

	counter := &helpers.CounterWriter{Writer: tempFile}
	if strings.HasPrefix(url, "data:") {
		data, _, err := helpers.DecodeDataURI(url)
		if err != nil {
			return "", err
		}
		if _, err := counter.Write(data); err != nil {
			return "", fmt.Errorf("%w: writing temporary file %s: %v", ErrFileSystem, tempFile.Name(), err)
		}
	} else {
		resp, err := d.get(ctx, url)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		if _, err := io.Copy(counter, io.LimitReader(resp.Body, d.maxBytes)); err != nil {
			return "", fmt.Errorf("%w: writing temporary file %s: %v", ErrFileSystem, tempFile.Name(), err)
		}
	}

	if err := tempFile.Close(); err != nil {
		return "", fmt.Errorf("%w: closing temp file %s: %w", ErrFileSystem, tempFile.Name(), err)
	}
	if err := os.Rename(tempFile.Name(), targetFilepath); err != nil {
		return "", fmt.Errorf("%w: renaming temporary file %s to %s: %v", ErrFileSystem, tempFile.Name(), targetFilepath, err)
	}
	shouldCleanupTemp = false
	log.Debugf("Saved %s (%s)", targetFilepath, helpers.BytesToSize(counter.Total))
	return targetFilepath, nil
}

func (d *Downloader) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating download request for %s: %w", ErrHttpRequest, url, err)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: performing request for %s: %w", ErrHttpRequest, url, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: received status %d from %s", ErrHttpStatus, resp.StatusCode, url)
	}
	return resp, nil
}

// mediaType prefers the declared Content-Type and sniffs when it is missing
// or generic.
func mediaType(header string, data []byte) string {
	if header != "" {
		if mt, _, err := mime.ParseMediaType(header); err == nil && mt != "application/octet-stream" {
			return mt
		}
	}
	return http.DetectContentType(data)
}

// ExtensionFor maps an image media type to a file extension.
func ExtensionFor(mediaType string) string {
	switch strings.ToLower(mediaType) {
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "image/png":
		return ".png"
	}
	if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".png"
}

// ExtensionFromURL returns the extension of the URL path, or "" if none.
func ExtensionFromURL(url string) string {
	if strings.HasPrefix(url, "data:") {
		_, mt, err := helpers.DecodeDataURI(url)
		if err != nil {
			return ""
		}
		return ExtensionFor(mt)
	}
	path := url
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	return strings.ToLower(filepath.Ext(path))
}
