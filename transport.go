package auditledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// WebhookSink posts committed entries as JSON to an HTTP endpoint.
type WebhookSink struct {
	URL    string       // endpoint receiving POSTs
	Token  string       // optional bearer token
	Client *http.Client // HTTP client (can customize timeouts, TLS, etc.)
}

// NewWebhookSink creates a webhook sink for url.
func NewWebhookSink(url, token string) *WebhookSink {
	return &WebhookSink{
		URL:    url,
		Token:  token,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Name identifies the sink in logs and metrics.
func (t *WebhookSink) Name() string { return "webhook" }

// WebhookEvent is the JSON body of a webhook delivery.
type WebhookEvent struct {
	Event  string    `json:"event"`
	SentAt time.Time `json:"sent_at"`
	Entry  LogEntry  `json:"entry"`
}

// Notify sends the entry via HTTP POST.
func (t *WebhookSink) Notify(ctx context.Context, e LogEntry) error {
	body, err := json.Marshal(WebhookEvent{Event: "audit.entry", SentAt: time.Now().UTC(), Entry: e})
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	return post(ctx, t.Client, t.URL, t.Token, "application/json", body)
}

func post(ctx context.Context, client *http.Client, url, token, contentType string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post entry: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, msg)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// FileSink appends committed entries as JSON lines to a raw log file.
// The file is reopened for every write so an attached Rotator can move it
// aside between writes.
type FileSink struct {
	Path    string
	rotator *Rotator
	mu      sync.Mutex
}

// NewFileSink creates a sink writing to path. rotator may be nil; when set
// it must manage the directory containing path.
func NewFileSink(path string, rotator *Rotator) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	return &FileSink{Path: path, rotator: rotator}, nil
}

// Name identifies the sink in logs and metrics.
func (s *FileSink) Name() string { return "file" }

// Notify appends one JSON line.
func (s *FileSink) Notify(_ context.Context, e LogEntry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rotator != nil {
		if _, err := s.rotator.Rotate(filepath.Base(s.Path)); err != nil {
			log.Warnw("rotate raw log", "path", s.Path, "err", err)
		}
	}
	f, err := os.OpenFile(s.Path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// ReadFileLog decodes a JSON lines raw log written by FileSink.
func ReadFileLog(path string) ([]LogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec := json.NewDecoder(f)
	dec.UseNumber()
	var out []LogEntry
	for {
		var e LogEntry
		err := dec.Decode(&e)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("decode %s: %w", path, err)
		}
		out = append(out, e)
	}
}
