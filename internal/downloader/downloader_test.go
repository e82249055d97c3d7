package downloader

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"go-replicate-studio/internal/helpers"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/img.png":
			w.Write(pngHeader)
		case "/typed":
			w.Header().Set("Content-Type", "image/webp")
			w.Write([]byte("RIFF"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	d := NewDownloader(srv.Client())

	data, mt, err := d.Fetch(context.Background(), srv.URL+"/img.png")
	require.NoError(t, err)
	assert.Equal(t, pngHeader, data)
	assert.Equal(t, "image/png", mt)

	_, mt, err = d.Fetch(context.Background(), srv.URL+"/typed")
	require.NoError(t, err)
	assert.Equal(t, "image/webp", mt)

	_, _, err = d.Fetch(context.Background(), srv.URL+"/missing")
	assert.True(t, errors.Is(err, ErrHttpStatus))

	data, mt, err = d.Fetch(context.Background(), helpers.EncodeDataURI([]byte("abc"), "image/jpeg"))
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), data)
	assert.Equal(t, "image/jpeg", mt)
}

func TestFetchEnforcesLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 100))
	}))
	defer srv.Close()
	d := NewDownloader(srv.Client())
	d.maxBytes = 10

	_, _, err := d.Fetch(context.Background(), srv.URL)
	assert.True(t, errors.Is(err, ErrTooLarge))
}

func TestSaveFileLeavesNoTempFiles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(pngHeader)
	}))
	defer srv.Close()

	dir := t.TempDir()
	target := filepath.Join(dir, "out", "cat.png")
	got, err := NewDownloader(srv.Client()).SaveFile(context.Background(), srv.URL, target)
	require.NoError(t, err)
	assert.Equal(t, target, got)

	content, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, pngHeader, content)

	entries, err := os.ReadDir(filepath.Join(dir, "out"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestExtensions(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://replicate.delivery/x/out-0.webp", ".webp"},
		{"https://replicate.delivery/x/out-0.PNG?sig=1", ".png"},
		{"https://replicate.delivery/x/noext", ""},
		{"data:image/jpeg;base64,QQ==", ".jpg"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtensionFromURL(tt.in))
		})
	}
	assert.Equal(t, ".png", ExtensionFor("image/png"))
	assert.Equal(t, ".png", ExtensionFor("application/x-unknown"))
}
