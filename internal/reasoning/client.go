// Package reasoning implements C3: the HTTP client for the remote reasoning
// service. Grounded on the teacher's internal/a2a/client streaming-request
// shape (buffered scanner feeding a channel of parsed frames), adapted from
// SSE framing to the bare line-delimited JSON ("application/jsonl") framing
// spec §6 specifies for this service.
package reasoning

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/testdriverai/testdriver/internal/errs"
	"github.com/testdriverai/testdriver/internal/logging"
)

// Chunk is one line of a streaming jsonl response.
type Chunk struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ChunkSink receives each chunk of a streaming response as it arrives.
type ChunkSink func(Chunk)

// Client talks to {root}/api/v{n}/testdriver/{path}.
//
// Concurrent Call invocations with the same session, endpoint and payload
// are coalesced with golang.org/x/sync/singleflight: a second such caller
// joins the in-flight call instead of firing a duplicate request, which is
// the idiom the teacher uses in its request-coalescing paths. Calls that
// differ in endpoint or payload, and Stream calls, are sent independently,
// so two requests for one session can be in flight at once.
type Client struct {
	root       string
	apiVersion int
	http       *http.Client
	group      singleflight.Group

	mu      sync.RWMutex
	session string
}

// New returns a reasoning Client against root (e.g. https://api.testdriver.ai)
// using API version n.
func New(root string, apiVersion int, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{root: strings.TrimSuffix(root, "/"), apiVersion: apiVersion, http: httpClient}
}

// SetSession fixes the session id threaded into every subsequent request.
func (c *Client) SetSession(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = id
}

func (c *Client) sessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session
}

// Call performs a non-streaming request to endpoint with the given payload
// merged alongside {session, stream:false}, and decodes the JSON response
// into out (a pointer), per spec §4.3/§6.
func (c *Client) Call(ctx context.Context, endpoint string, payload map[string]any, out any) error {
	body, err := c.buildBody(payload, false)
	if err != nil {
		return err
	}

	// Coalesce concurrent identical calls (same session, endpoint and body)
	// onto one request.
	key := c.sessionID() + ":" + endpoint + ":" + string(body)
	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.doRequest(ctx, endpoint, body)
	})
	if err != nil {
		return err
	}
	raw := v.([]byte)
	if out == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// Stream performs a streaming request; each decoded line is passed to sink
// as it's received. It returns once the stream closes.
func (c *Client) Stream(ctx context.Context, endpoint string, payload map[string]any, sink ChunkSink) error {
	body, err := c.buildBody(payload, true)
	if err != nil {
		return err
	}
	resp, err := c.send(ctx, endpoint, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var chunk Chunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			logging.Logger().Warn().Err(err).Str("endpoint", endpoint).Msg("reasoning_stream_bad_line")
			continue
		}
		if sink != nil {
			sink(chunk)
		}
	}
	if err := scanner.Err(); err != nil && err != io.EOF {
		return &errs.TransportError{Op: "stream read " + endpoint, Err: err}
	}
	return nil
}

func (c *Client) buildBody(payload map[string]any, stream bool) ([]byte, error) {
	merged := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		merged[k] = v
	}
	merged["session"] = c.sessionID()
	merged["stream"] = stream
	return json.Marshal(merged)
}

// doRequest performs the full round trip (including the 301-redirect retry
// rule of spec §4.3) and returns the raw response body.
func (c *Client) doRequest(ctx context.Context, endpoint string, body []byte) ([]byte, error) {
	resp, err := c.send(ctx, endpoint, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// send issues the HTTP POST and follows a single 301 path-redirect, per
// spec §4.3: "a 301 whose body is a path triggers a single retry against
// {root}+body with the same payload."
func (c *Client) send(ctx context.Context, endpoint string, body []byte) (*http.Response, error) {
	url := c.url(endpoint)
	resp, err := c.post(ctx, url, body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusMovedPermanently {
		redirectBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		path := strings.TrimSpace(string(redirectBody))
		resp, err = c.post(ctx, c.root+path, body)
		if err != nil {
			return nil, err
		}
	}

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &errs.ServiceError{Status: resp.StatusCode, StatusText: resp.Status, Body: string(b)}
	}
	return resp, nil
}

func (c *Client) post(ctx context.Context, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &errs.TransportError{Op: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &errs.TransportError{Op: "POST " + url, Err: err}
	}
	return resp, nil
}

func (c *Client) url(endpoint string) string {
	return fmt.Sprintf("%s/api/v%d/testdriver/%s", c.root, c.apiVersion, strings.TrimPrefix(endpoint, "/"))
}
