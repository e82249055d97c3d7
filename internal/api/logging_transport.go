package api

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// maxLoggedBody caps how much of a dump is written.
const maxLoggedBody = 4096

var (
	authHeaderPattern = regexp.MustCompile(`(?mi)^(Authorization:\s*\S+\s+)\S+`)
	dataURIPattern    = regexp.MustCompile(`data:[a-z]+/[a-z0-9.+-]+;base64,[A-Za-z0-9+/=]+`)
)

// LoggingTransport wraps an http.RoundTripper to log request and response details.
// Credentials and inline image payloads are redacted before anything hits the file.
type LoggingTransport struct {
	Transport http.RoundTripper
	logFile   *os.File
	mu        sync.Mutex
	writer    *bufio.Writer
}

// NewLoggingTransport creates a new LoggingTransport.
// It opens the specified log file for appending.
func NewLoggingTransport(transport http.RoundTripper, logFilePath string) (*LoggingTransport, error) {
	f, err := os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open API log file %s: %w", logFilePath, err)
	}

	// Use default transport if none provided
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &LoggingTransport{
		Transport: transport,
		logFile:   f,
		writer:    bufio.NewWriter(f), // Use a buffered writer
	}, nil
}

// RoundTrip executes a single HTTP transaction, logging details.
func (t *LoggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	startTime := time.Now()

	// Log request
	reqDump, err := httputil.DumpRequestOut(req, true)
	if err != nil {
		log.WithError(err).Error("Failed to dump API request for logging")
		// Proceed with the request anyway
	} else {
		t.writeLog(fmt.Sprintf("--- Request (%s) ---\n%s", startTime.Format(time.RFC3339), redact(reqDump)))
	}

	// Perform the actual request. The lock is only taken per write.
	resp, err := t.Transport.RoundTrip(req)
	duration := time.Since(startTime)

	if err != nil {
		t.writeLog(fmt.Sprintf("--- Response Error (%s, Duration: %v) ---\n%s", time.Now().Format(time.RFC3339), duration, err.Error()))
		return resp, err
	}

	// Check Content-Type to decide whether to log body
	contentType := resp.Header.Get("Content-Type")
	headerDump, dumpErr := httputil.DumpResponse(resp, false) // Headers only
	if dumpErr != nil {
		log.WithError(dumpErr).Error("Failed to dump response headers for logging")
		headerDump = []byte("Status: " + resp.Status)
	}

	// Log only headers for non-JSON content types
	if !strings.HasPrefix(contentType, "application/json") {
		t.writeLog(fmt.Sprintf("--- Response Headers (%s, Duration: %v, Type: %s) ---\n%s\n(Body not logged)", time.Now().Format(time.RFC3339), duration, contentType, string(headerDump)))
		return resp, nil
	}

	bodyBytes, readErr := io.ReadAll(resp.Body)
	resp.Body.Close() // Close the original body reader
	if readErr != nil {
		log.WithError(readErr).Error("Failed to read response body for logging")
		t.writeLog(fmt.Sprintf("--- Response Headers (%s, Duration: %v) ---\n%s\n(Body read failed)", time.Now().Format(time.RFC3339), duration, string(headerDump)))
		resp.Body = io.NopCloser(bytes.NewReader(nil))
		return resp, readErr
	}
	// IMPORTANT: Restore the body so the caller can read it.
	resp.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	// Log headers first, then body for clarity
	t.writeLog(fmt.Sprintf("--- Response Headers (%s, Duration: %v) ---\n%s\n--- Response Body (%s) ---\n%s",
		time.Now().Format(time.RFC3339), duration, string(headerDump), contentType, redact(bodyBytes)))
	return resp, nil
}

// redact hides bearer tokens and inline images, then truncates.
func redact(dump []byte) string {
	out := authHeaderPattern.ReplaceAll(dump, []byte("${1}[redacted]"))
	out = dataURIPattern.ReplaceAllFunc(out, func(m []byte) []byte {
		head, _, _ := bytes.Cut(m, []byte(","))
		return []byte(fmt.Sprintf("%s,[%d bytes]", head, len(m)-len(head)-1))
	})
	if len(out) > maxLoggedBody {
		return string(out[:maxLoggedBody]) + fmt.Sprintf("\n... (%d bytes truncated)", len(out)-maxLoggedBody)
	}
	return string(out)
}

// writeLog writes a string to the buffered writer.
func (t *LoggingTransport) writeLog(logString string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.writer.WriteString(logString + "\n\n"); err != nil {
		// Log to stderr if writing to file fails
		fmt.Fprintf(os.Stderr, "Error writing to API log file: %v\n", err)
		return
	}
	t.writer.Flush() // Ensure logs are written
}

// Close closes the underlying log file.
func (t *LoggingTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	errFlush := t.writer.Flush() // Ensure buffer is flushed before closing
	errClose := t.logFile.Close()
	if errFlush != nil {
		return fmt.Errorf("failed to flush API log buffer: %w", errFlush)
	}
	return errClose // Return close error if flush was successful
}
