// Package imageops holds local edits. Every edit yields a new record; the
// source record is never touched.
package imageops

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"strconv"
	"strings"
	"time"

	_ "golang.org/x/image/webp" // registers the WebP decoder

	"go-replicate-studio/internal/models"
)

var (
	ErrEmptyCrop         = errors.New("crop rectangle is empty")
	ErrUnsupportedFormat = errors.New("unsupported image format")
)

// Rect is a crop rectangle in source pixels.
type Rect struct {
	X, Y, Width, Height int
}

// ParseRect reads "x,y,w,h".
func ParseRect(s string) (Rect, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return Rect{}, fmt.Errorf("crop must be x,y,width,height, got %q", s)
	}
	vals := make([]int, 4)
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return Rect{}, fmt.Errorf("crop value %q: %w", p, err)
		}
		vals[i] = v
	}
	return Rect{X: vals[0], Y: vals[1], Width: vals[2], Height: vals[3]}, nil
}

// CenterAspect returns the largest centred rectangle with the given aspect
// ("16:9") inside bounds.
func CenterAspect(bounds image.Rectangle, aspect string) (Rect, error) {
	w, h, ok := strings.Cut(aspect, ":")
	if !ok {
		return Rect{}, fmt.Errorf("aspect must look like 16:9, got %q", aspect)
	}
	aw, err1 := strconv.Atoi(w)
	ah, err2 := strconv.Atoi(h)
	if err1 != nil || err2 != nil || aw <= 0 || ah <= 0 {
		return Rect{}, fmt.Errorf("aspect must look like 16:9, got %q", aspect)
	}
	bw, bh := bounds.Dx(), bounds.Dy()
	cw, ch := bw, bw*ah/aw
	if ch > bh {
		cw, ch = bh*aw/ah, bh
	}
	return Rect{X: bounds.Min.X + (bw-cw)/2, Y: bounds.Min.Y + (bh-ch)/2, Width: cw, Height: ch}, nil
}

// Decode reads an image and reports its format.
func Decode(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, "", ErrUnsupportedFormat
		}
		return nil, "", err
	}
	return img, format, nil
}

// Crop cuts r out of data, clamped to the image bounds. JPEG sources stay
// JPEG; everything else, WebP included, is written as PNG.
func Crop(data []byte, r Rect) ([]byte, string, error) {
	src, format, err := Decode(data)
	if err != nil {
		return nil, "", err
	}
	area := image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height).Intersect(src.Bounds())
	if area.Empty() {
		return nil, "", ErrEmptyCrop
	}

	dst := image.NewRGBA(image.Rect(0, 0, area.Dx(), area.Dy()))
	draw.Draw(dst, dst.Bounds(), src, area.Min, draw.Src)

	var buf bytes.Buffer
	if format == "jpeg" {
		if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 95}); err != nil {
			return nil, "", fmt.Errorf("failed to encode crop: %w", err)
		}
		return buf.Bytes(), "image/jpeg", nil
	}
	if err := png.Encode(&buf, dst); err != nil {
		return nil, "", fmt.Errorf("failed to encode crop: %w", err)
	}
	return buf.Bytes(), "image/png", nil
}

// CropImage crops src and returns the new record pointing back at it.
func CropImage(src models.GeneratedImage, data []byte, r Rect, id string, now time.Time) (models.GeneratedImage, error) {
	out, contentType, err := Crop(data, r)
	if err != nil {
		return models.GeneratedImage{}, err
	}
	cropped := src
	cropped.ID = id
	cropped.URL = ""
	cropped.Data = base64.StdEncoding.EncodeToString(out)
	cropped.ContentType = contentType
	cropped.CreatedAt = now.UTC()
	cropped.CroppedFrom = src.ID
	cropped.UpscaledFrom = ""
	return cropped, nil
}
