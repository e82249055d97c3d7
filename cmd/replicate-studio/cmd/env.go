package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"

	"go-replicate-studio/index"
	"go-replicate-studio/internal/api"
	"go-replicate-studio/internal/database"
	"go-replicate-studio/internal/downloader"
	"go-replicate-studio/internal/helpers"
	"go-replicate-studio/internal/models"
	"go-replicate-studio/internal/proxy"
	"go-replicate-studio/internal/reconcile"
	"go-replicate-studio/internal/studio"
	"go-replicate-studio/internal/telemetry"
)

// telemetryOff disables telemetry when set as TelemetryURL.
const telemetryOff = "off"

// studioEnv bundles what most commands open: the local store and the prompt index.
type studioEnv struct {
	db    *database.DB
	store *database.Store
	index bleve.Index
}

// openEnv opens the store and index and drops anything past retention.
func openEnv() (*studioEnv, error) {
	if !helpers.CheckAndMakeDir(globalConfig.SavePath) {
		return nil, fmt.Errorf("could not create save path %s", globalConfig.SavePath)
	}
	db, err := database.Open(globalConfig.DatabasePath, uint64(globalConfig.MaxValueSizeKB)*1024)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	retention := time.Duration(globalConfig.RetentionMinutes) * time.Minute
	env := &studioEnv{db: db, store: database.NewStore(db, retention)}

	env.index, err = index.OpenOrCreateIndex(globalConfig.BleveIndexPath)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error opening search index: %w", err)
	}

	ids, err := env.store.Sweep(time.Now())
	if err != nil {
		log.WithError(err).Warn("Startup sweep failed")
	} else if len(ids) > 0 {
		env.unindex(ids)
	}
	return env, nil
}

// unindex drops swept ids from the prompt index.
func (e *studioEnv) unindex(ids []string) {
	if err := index.DeleteItems(e.index, ids); err != nil {
		log.WithError(err).Warn("Failed to remove expired images from index")
	}
}

func (e *studioEnv) Close() {
	if err := e.index.Close(); err != nil {
		log.WithError(err).Warn("Error closing search index")
	}
	if err := e.db.Close(); err != nil {
		log.WithError(err).Warn("Error closing database")
	}
}

// apiHttpClient builds the HTTP client used for proxy and download calls.
func apiHttpClient() *http.Client {
	return &http.Client{
		Transport: globalHttpTransport,
		Timeout:   time.Duration(globalConfig.ApiClientTimeoutSec) * time.Second,
	}
}

// proxyBaseURL returns the configured proxy or starts one in-process for the
// lifetime of ctx. The returned cleanup closes the local telemetry store.
func proxyBaseURL(ctx context.Context) (string, func(), error) {
	if globalConfig.ProxyURL != "" {
		return strings.TrimRight(globalConfig.ProxyURL, "/"), func() {}, nil
	}

	srv, store, err := newProxyServer(nil)
	if err != nil {
		return "", nil, err
	}
	base, err := srv.StartLocal(ctx)
	if err != nil {
		if store != nil {
			store.Close()
		}
		return "", nil, err
	}
	log.Debugf("Started in-process proxy at %s", base)
	cleanup := func() {
		if store != nil {
			store.Close()
		}
	}
	return base, cleanup, nil
}

// newProxyServer builds the proxy from the config. The telemetry store is
// nil when telemetry is off or the database cannot be opened.
func newProxyServer(origins []string) (*proxy.Server, *telemetry.Store, error) {
	var store *telemetry.Store
	if globalConfig.TelemetryURL != telemetryOff && helpers.CheckAndMakeDir(globalConfig.SavePath) {
		var err error
		store, err = telemetry.OpenStore(globalConfig.TelemetryDBPath)
		if err != nil {
			log.WithError(err).Warn("Telemetry store unavailable, records will be skipped")
			store = nil
		}
	}
	srv, err := proxy.New(proxy.Options{
		ReplicateBaseURL: globalConfig.ReplicateBaseURL,
		PexelsApiKey:     globalConfig.PexelsApiKey,
		TelemetrySalt:    globalConfig.TelemetrySalt,
		Telemetry:        store,
		HttpClient:       apiHttpClient(),
		AllowedOrigins:   origins,
	})
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, nil, err
	}
	return srv, store, nil
}

// newFlusher picks where telemetry goes: TelemetryURL when set, the proxy's
// telemetry route otherwise. It returns nil when telemetry is off.
func newFlusher(proxyBase string) telemetry.Flusher {
	switch globalConfig.TelemetryURL {
	case telemetryOff:
		return nil
	case "":
		return telemetry.NewHTTPFlusher(proxyBase+api.TelemetryRoute, apiHttpClient())
	default:
		return telemetry.NewHTTPFlusher(globalConfig.TelemetryURL, apiHttpClient())
	}
}

// newRunner wires a job runner against the proxy. env may be nil for jobs
// that never store images.
func newRunner(ctx context.Context, env *studioEnv) (*studio.Runner, func(), error) {
	if globalConfig.ApiKey == "" {
		return nil, nil, api.ErrMissingKey
	}
	base, cleanup, err := proxyBaseURL(ctx)
	if err != nil {
		return nil, nil, err
	}
	client := api.NewClient(base, globalConfig.ApiKey, apiHttpClient())

	var reconciler *reconcile.Reconciler
	if env != nil {
		reconciler = &reconcile.Reconciler{
			Sink: env.store,
			Index: func(img models.GeneratedImage) error {
				return index.IndexImage(env.index, img)
			},
			NewID: env.store.NewTimestampID,
			Now:   time.Now,
		}
		if globalConfig.EmbedImages {
			reconciler.Fetcher = downloader.NewDownloader(apiHttpClient())
		}
	}

	userHash := helpers.HashCredential(globalConfig.ApiKey, globalConfig.TelemetrySalt)
	interval := time.Duration(globalConfig.PollIntervalMs) * time.Millisecond
	runner := studio.NewRunner(client, reconciler, newFlusher(base), userHash, interval)
	return runner, cleanup, nil
}

// interruptContext returns a context that ends on the first SIGINT/SIGTERM.
// Jobs started with it are cancelled through runner.CancelAll, so the
// provider is told to stop too. stop releases the signal handler.
func interruptContext(parent context.Context, runner *studio.Runner) (context.Context, func()) {
	ctx, stopSignals := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	release := context.AfterFunc(ctx, func() {
		log.Warn("Interrupt received, cancelling job...")
		runner.CancelAll()
	})
	return ctx, func() {
		release()
		stopSignals()
	}
}

// submitErr maps a failed submission to the command's error. An interrupt
// during submission is reported as a cancel.
func submitErr(err error) error {
	if errors.Is(err, context.Canceled) {
		fmt.Println("Cancelled before the job was created.")
		return nil
	}
	return fmt.Errorf("submission failed: %w", err)
}

// imageBytes returns the bytes of img, fetching its URL when nothing is embedded.
func imageBytes(ctx context.Context, img models.GeneratedImage) ([]byte, string, error) {
	if img.Data != "" {
		data, err := img.Bytes()
		if err != nil {
			return nil, "", fmt.Errorf("image %s: %w", img.ID, err)
		}
		contentType := img.ContentType
		if contentType == "" {
			contentType = http.DetectContentType(data)
		}
		return data, contentType, nil
	}
	if img.URL == "" {
		return nil, "", errors.New("image has neither data nor URL")
	}
	if strings.HasPrefix(img.URL, "data:") {
		return helpers.DecodeDataURI(img.URL)
	}
	return downloader.NewDownloader(apiHttpClient()).Fetch(ctx, img.URL)
}

// findImage looks id up in the image store, then in the bucket.
func (e *studioEnv) findImage(id string) (models.GeneratedImage, error) {
	img, err := e.store.GetImage(id)
	if err == nil {
		return img, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return models.GeneratedImage{}, err
	}
	item, bucketErr := e.store.GetBucketItem(id)
	if bucketErr != nil {
		return models.GeneratedImage{}, fmt.Errorf("image %s: %w", id, err)
	}
	return item.Image, nil
}

// resultErr maps a finished job to the command's error.
func resultErr(res studio.Result) error {
	if res.Err == nil {
		return nil
	}
	if api.IsAuthError(res.Err) {
		return fmt.Errorf("%w: %v", api.ErrUnauthorized, res.Err)
	}
	return res.Err
}
