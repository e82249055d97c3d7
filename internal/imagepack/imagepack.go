// Package imagepack reads and writes image packs: a zip holding one output
// image, the JSON request that produced it and optional source and mask images.
package imagepack

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go-replicate-studio/internal/downloader"
	"go-replicate-studio/internal/helpers"
	"go-replicate-studio/internal/models"

	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
)

const (
	RequestFileName = "request.json"
	maxEntryBytes   = 64 << 20
)

var (
	ErrInvalidPack = errors.New("invalid image pack")
	ErrEntryTooBig = errors.New("pack entry exceeds size limit")
)

// Digest identifies a pack by its image bytes and request.
func Digest(image []byte, req models.GenerationRequest) (string, error) {
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	h := blake3.New()
	h.Write(image)
	h.Write([]byte{0})
	h.Write(reqJSON)
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16]), nil
}

// NewEntry packs a generated image. image holds the output bytes; embedded
// source and mask data URIs on the request move into their own files.
func NewEntry(img models.GeneratedImage, image []byte, mediaType string) (models.ImagePackEntry, error) {
	if len(image) == 0 {
		return models.ImagePackEntry{}, fmt.Errorf("%w: image %s has no data", ErrInvalidPack, img.ID)
	}
	// Names containing "source" or "mask" would be read back as inputs.
	base := helpers.TruncateSlug(img.Prompt, 60)
	if base == "" || strings.Contains(base, "source") || strings.Contains(base, "mask") {
		base = "output"
	}

	entry := models.ImagePackEntry{
		ImageName: base + downloader.ExtensionFor(mediaType),
		ImageData: base64.StdEncoding.EncodeToString(image),
		Request:   img.Request.WithoutImages(),
		CreatedAt: time.Now().UTC(),
	}
	if data, mt, err := helpers.DecodeDataURI(img.Request.SourceImage); err == nil {
		entry.SourceName = "source" + downloader.ExtensionFor(mt)
		entry.SourceData = base64.StdEncoding.EncodeToString(data)
	}
	if data, mt, err := helpers.DecodeDataURI(img.Request.MaskImage); err == nil {
		entry.MaskName = "mask" + downloader.ExtensionFor(mt)
		entry.MaskData = base64.StdEncoding.EncodeToString(data)
	}

	id, err := Digest(image, entry.Request)
	if err != nil {
		return models.ImagePackEntry{}, err
	}
	entry.ID = id
	return entry, nil
}

// Export writes the pack as a zip archive.
func Export(w io.Writer, entry models.ImagePackEntry) error {
	image, err := base64.StdEncoding.DecodeString(entry.ImageData)
	if err != nil || len(image) == 0 {
		return fmt.Errorf("%w: missing image data", ErrInvalidPack)
	}
	reqJSON, err := json.MarshalIndent(entry.Request, "", "  ")
	if err != nil {
		return err
	}
	modified := entry.CreatedAt
	if modified.IsZero() {
		modified = time.Now()
	}

	zw := zip.NewWriter(w)
	files := []struct {
		name string
		data []byte
	}{
		{entry.ImageName, image},
		{RequestFileName, reqJSON},
	}
	if entry.SourceData != "" {
		data, err := base64.StdEncoding.DecodeString(entry.SourceData)
		if err != nil {
			return fmt.Errorf("%w: source data: %v", ErrInvalidPack, err)
		}
		files = append(files, struct {
			name string
			data []byte
		}{nameOr(entry.SourceName, "source.png"), data})
	}
	if entry.MaskData != "" {
		data, err := base64.StdEncoding.DecodeString(entry.MaskData)
		if err != nil {
			return fmt.Errorf("%w: mask data: %v", ErrInvalidPack, err)
		}
		files = append(files, struct {
			name string
			data []byte
		}{nameOr(entry.MaskName, "mask.png"), data})
	}

	for _, f := range files {
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: f.name, Method: zip.Deflate, Modified: modified})
		if err != nil {
			return err
		}
		if _, err := fw.Write(f.data); err != nil {
			return err
		}
	}
	return zw.Close()
}

// WriteFile exports the pack to path.
func WriteFile(path string, entry models.ImagePackEntry) error {
	var buf bytes.Buffer
	if err := Export(&buf, entry); err != nil {
		return err
	}
	if !helpers.CheckAndMakeDir(filepath.Dir(path)) {
		return fmt.Errorf("creating directory for %s", path)
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}

// Import reads a pack. The archive must contain exactly one JSON request and
// exactly one image that is not a source or mask.
func Import(r io.ReaderAt, size int64) (models.ImagePackEntry, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return models.ImagePackEntry{}, fmt.Errorf("%w: %v", ErrInvalidPack, err)
	}

	var (
		entry     models.ImagePackEntry
		image     []byte
		jsonFiles int
		images    int
		modified  time.Time
	)
	for _, f := range zr.File {
		name := path.Base(f.Name)
		if f.FileInfo().IsDir() || strings.HasPrefix(f.Name, "__MACOSX/") || strings.HasPrefix(name, ".") {
			continue
		}
		data, err := readEntry(f)
		if err != nil {
			return models.ImagePackEntry{}, err
		}
		lower := strings.ToLower(name)
		switch {
		case strings.HasSuffix(lower, ".json"):
			jsonFiles++
			if err := json.Unmarshal(data, &entry.Request); err != nil {
				return models.ImagePackEntry{}, fmt.Errorf("%w: request %s: %v", ErrInvalidPack, name, err)
			}
		case strings.Contains(lower, "source"):
			entry.SourceName = name
			entry.SourceData = base64.StdEncoding.EncodeToString(data)
		case strings.Contains(lower, "mask"):
			entry.MaskName = name
			entry.MaskData = base64.StdEncoding.EncodeToString(data)
		default:
			images++
			image = data
			entry.ImageName = name
			modified = f.Modified
		}
	}

	if jsonFiles != 1 {
		return models.ImagePackEntry{}, fmt.Errorf("%w: expected one JSON request, found %d", ErrInvalidPack, jsonFiles)
	}
	if images != 1 {
		return models.ImagePackEntry{}, fmt.Errorf("%w: expected one image, found %d", ErrInvalidPack, images)
	}

	entry.ImageData = base64.StdEncoding.EncodeToString(image)
	entry.ID, err = Digest(image, entry.Request)
	if err != nil {
		return models.ImagePackEntry{}, err
	}
	entry.CreatedAt = modified.UTC()
	if modified.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	log.WithFields(log.Fields{"id": entry.ID, "image": entry.ImageName}).Debug("Imported image pack")
	return entry, nil
}

// ReadFile imports the pack at path.
func ReadFile(path string) (models.ImagePackEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return models.ImagePackEntry{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return models.ImagePackEntry{}, err
	}
	return Import(f, info.Size())
}

func readEntry(f *zip.File) ([]byte, error) {
	if f.UncompressedSize64 > maxEntryBytes {
		return nil, fmt.Errorf("%w: %s", ErrEntryTooBig, f.Name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPack, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxEntryBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPack, err)
	}
	if len(data) > maxEntryBytes {
		return nil, fmt.Errorf("%w: %s", ErrEntryTooBig, f.Name)
	}
	return data, nil
}

func nameOr(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}
