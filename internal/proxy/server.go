// Package proxy serves the routes the studio client talks to: a Replicate
// relay, the telemetry sink and a Pexels reference search.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go-replicate-studio/internal/api"
	"go-replicate-studio/internal/helpers"
	"go-replicate-studio/internal/models"
	"go-replicate-studio/internal/reconcile"
	"go-replicate-studio/internal/telemetry"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	log "github.com/sirupsen/logrus"
)

const (
	DefaultPexelsBaseURL = "https://api.pexels.com/v1"
	maxBodyBytes         = 32 << 20
	defaultPerPage       = 12
	maxPerPage           = 80
)

var ErrForeignURL = errors.New("url does not point at the configured Replicate API")

// Options configures a Server.
type Options struct {
	ReplicateBaseURL string
	PexelsBaseURL    string
	PexelsApiKey     string
	TelemetrySalt    string
	Telemetry        *telemetry.Store // nil answers every telemetry post with skipped
	HttpClient       *http.Client
	AllowedOrigins   []string
}

// Server relays calls to Replicate on behalf of the client.
type Server struct {
	upstream  *url.URL
	pexels    string
	pexelsKey string
	salt      string
	store     *telemetry.Store
	client    *http.Client
	origins   []string
}

// New builds a server. It fails if the Replicate base URL cannot be parsed.
func New(opts Options) (*Server, error) {
	upstream, err := url.Parse(strings.TrimRight(opts.ReplicateBaseURL, "/"))
	if err != nil || upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("invalid Replicate base URL %q", opts.ReplicateBaseURL)
	}
	client := opts.HttpClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	pexels := opts.PexelsBaseURL
	if pexels == "" {
		pexels = DefaultPexelsBaseURL
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &Server{
		upstream:  upstream,
		pexels:    strings.TrimRight(pexels, "/"),
		pexelsKey: opts.PexelsApiKey,
		salt:      opts.TelemetrySalt,
		store:     opts.Telemetry,
		client:    client,
		origins:   origins,
	}, nil
}

// Router wires the routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post(api.ReplicateRoute, s.handleReplicate)
	r.Post(api.TelemetryRoute, s.handleTelemetry)
	r.Get(api.PexelsRoute, s.handlePexels)
	return r
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs on an existing listener until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Router(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	log.Infof("Proxy listening on http://%s", ln.Addr())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// StartLocal serves on a random loopback port and returns the base URL. The
// server stops when ctx is done.
func (s *Server) StartLocal(ctx context.Context) (string, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("failed to start local proxy: %w", err)
	}
	go func() {
		if err := s.Serve(ctx, ln); err != nil {
			log.WithError(err).Warn("Local proxy stopped")
		}
	}()
	return "http://" + ln.Addr().String(), nil
}

type replicateRequest struct {
	Body      *models.SubmitBody `json:"body"`
	GetURL    string             `json:"getUrl"`
	CancelURL string             `json:"cancelUrl"`
	ApiKey    string             `json:"apiKey"` // legacy clients; the header wins
}

func (s *Server) handleReplicate(w http.ResponseWriter, r *http.Request) {
	var req replicateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
		return
	}
	token := bearerToken(r)
	if token == "" {
		token = strings.TrimSpace(req.ApiKey)
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, errors.New("missing API key"))
		return
	}

	var (
		method  string
		target  string
		payload []byte
	)
	switch {
	case req.Body != nil:
		var err error
		method = http.MethodPost
		target, payload, err = s.predictionRequest(*req.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	case req.GetURL != "":
		if err := s.checkUpstream(req.GetURL); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		method, target = http.MethodGet, req.GetURL
	case req.CancelURL != "":
		if err := s.checkUpstream(req.CancelURL); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		method, target = http.MethodPost, req.CancelURL
	default:
		writeError(w, http.StatusBadRequest, errors.New("one of body, getUrl or cancelUrl is required"))
		return
	}

	status, raw, err := s.forward(r.Context(), method, target, token, payload)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	if status < 300 {
		raw = spliceSeed(raw)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(raw)
}

// predictionRequest maps a submit body onto Replicate's create endpoints: a
// pinned version goes to /predictions, otherwise to the model's own route.
func (s *Server) predictionRequest(body models.SubmitBody) (string, []byte, error) {
	if body.Input == nil {
		return "", nil, errors.New("body.input is required")
	}
	base := s.upstream.String()
	if body.Version != "" {
		payload, err := json.Marshal(map[string]interface{}{"version": body.Version, "input": body.Input})
		return base + "/predictions", payload, err
	}
	owner, name, ok := strings.Cut(body.Model, "/")
	if !ok || owner == "" || name == "" {
		return "", nil, fmt.Errorf("model must be owner/name, got %q", body.Model)
	}
	payload, err := json.Marshal(map[string]interface{}{"input": body.Input})
	return base + "/models/" + url.PathEscape(owner) + "/" + url.PathEscape(name) + "/predictions", payload, err
}

// checkUpstream refuses URLs outside the configured API so the proxy cannot
// be used to reach arbitrary hosts with the caller's credential.
func (s *Server) checkUpstream(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrForeignURL, err)
	}
	if !strings.EqualFold(u.Scheme, s.upstream.Scheme) || !strings.EqualFold(u.Host, s.upstream.Host) {
		return ErrForeignURL
	}
	if !strings.HasPrefix(u.Path, s.upstream.Path+"/") || strings.Contains(u.Path, "..") {
		return ErrForeignURL
	}
	return nil
}

func (s *Server) forward(ctx context.Context, method, target, token string, payload []byte) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return 0, nil, fmt.Errorf("error creating upstream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("error reading upstream response: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = []byte("{}")
	}
	return resp.StatusCode, raw, nil
}

// spliceSeed adds extractedSeed to a prediction whose logs print the seed.
// Anything that is not a JSON object passes through untouched.
func spliceSeed(raw []byte) []byte {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return raw
	}
	var logs string
	if err := json.Unmarshal(obj["logs"], &logs); err != nil || logs == "" {
		return raw
	}
	seed, ok := reconcile.ExtractSeed(logs)
	if !ok {
		return raw
	}
	obj["extractedSeed"] = json.RawMessage(strconv.FormatInt(seed, 10))
	out, err := json.Marshal(obj)
	if err != nil {
		return raw
	}
	return out
}

type telemetryPost struct {
	models.TelemetryRecord
	ApiKey string `json:"apiKey,omitempty"`
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	var post telemetryPost
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&post); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
		return
	}
	rec := post.TelemetryRecord
	if rec.UserHash == "" {
		rec.UserHash = helpers.HashCredential(post.ApiKey, s.salt)
	}
	switch {
	case rec.UserHash == "":
		writeJSON(w, http.StatusOK, telemetry.FlushResult{Skipped: true, Reason: "no credential hash"})
		return
	case s.store == nil:
		writeJSON(w, http.StatusOK, telemetry.FlushResult{Skipped: true, Reason: "telemetry storage disabled"})
		return
	}
	result, err := telemetry.StoreFlusher{Store: s.store}.Flush(r.Context(), rec)
	if err != nil {
		log.WithError(err).Error("Failed to store telemetry")
		writeError(w, http.StatusInternalServerError, errors.New("failed to store telemetry"))
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handlePexels(w http.ResponseWriter, r *http.Request) {
	if s.pexelsKey == "" {
		writeError(w, http.StatusServiceUnavailable, errors.New("reference search is not configured"))
		return
	}
	query := strings.TrimSpace(r.URL.Query().Get("query"))
	if query == "" {
		writeError(w, http.StatusBadRequest, errors.New("query is required"))
		return
	}
	perPage := defaultPerPage
	if v, err := strconv.Atoi(r.URL.Query().Get("perPage")); err == nil && v > 0 {
		perPage = v
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}

	values := url.Values{}
	values.Set("query", query)
	values.Set("per_page", strconv.Itoa(perPage))
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, s.pexels+"/search?"+values.Encode(), nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	req.Header.Set("Authorization", s.pexelsKey)
	resp, err := s.client.Do(req)
	if err != nil {
		writeError(w, http.StatusBadGateway, fmt.Errorf("reference search failed: %w", err))
		return
	}
	defer resp.Body.Close()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, io.LimitReader(resp.Body, maxBodyBytes))
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start).String(),
			"request":  middleware.GetReqID(r.Context()),
		}).Debug("Handled request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
