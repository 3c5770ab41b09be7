package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"

	"github.com/nugget/concierge/internal/httpkit"
)

const sessionHeader = "Mcp-Session-Id"

// HTTPConfig describes an action server reached over streamable HTTP.
type HTTPConfig struct {
	URL     string
	Headers map[string]string
	Logger  *slog.Logger
}

// HTTPTransport posts each JSON-RPC message to the server endpoint. The
// server may answer with a JSON body or with an event stream carrying
// the response.
type HTTPTransport struct {
	url     string
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger

	mu      sync.Mutex
	session string
}

// NewHTTPTransport returns a transport for cfg.
func NewHTTPTransport(cfg HTTPConfig) *HTTPTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPTransport{
		url:     cfg.URL,
		headers: cfg.Headers,
		client:  httpkit.NewClient(httpkit.WithLogger(logger), httpkit.WithTimeout(0)),
		logger:  logger,
	}
}

func (t *HTTPTransport) post(ctx context.Context, msg any) (*http.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	t.mu.Lock()
	if t.session != "" {
		req.Header.Set(sessionHeader, t.session)
	}
	t.mu.Unlock()

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", t.url, err)
	}
	if sid := resp.Header.Get(sessionHeader); sid != "" {
		t.mu.Lock()
		t.session = sid
		t.mu.Unlock()
	}
	return resp, nil
}

// Send posts req and decodes the matching response.
func (t *HTTPTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	resp, err := t.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("action server returned %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return readEventStream(resp.Body, req.ID)
	}

	var out Response
	if err := json.NewDecoder(io.LimitReader(resp.Body, 10<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &out, nil
}

// readEventStream scans server-sent events for the response with id.
func readEventStream(r io.Reader, id int64) (*Response, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 10<<20)

	var data strings.Builder
	flush := func() (*Response, bool) {
		defer data.Reset()
		if data.Len() == 0 {
			return nil, false
		}
		var resp Response
		if err := json.Unmarshal([]byte(data.String()), &resp); err != nil || resp.ID != id {
			return nil, false
		}
		return &resp, true
	}

	for sc.Scan() {
		text := sc.Text()
		if text == "" {
			if resp, ok := flush(); ok {
				return resp, nil
			}
			continue
		}
		if v, ok := strings.CutPrefix(text, "data:"); ok {
			data.WriteString(strings.TrimPrefix(v, " "))
		}
	}
	if resp, ok := flush(); ok {
		return resp, nil
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	return nil, fmt.Errorf("event stream ended without response %d", id)
}

// Notify posts a notification. The server answers 202 or 200.
func (t *HTTPTransport) Notify(ctx context.Context, n *Notification) error {
	resp, err := t.post(ctx, n)
	if err != nil {
		return err
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("action server returned %d for %s: %s", resp.StatusCode, n.Method, httpkit.ReadErrorBody(resp.Body, 4096))
	}
	return nil
}

// Close is a no-op; connections are pooled by the HTTP client.
func (t *HTTPTransport) Close() error { return nil }
