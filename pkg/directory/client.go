package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

const maxResponseBytes = 4 << 20

// HTTPClient calls the directory's JSON-RPC endpoint with basic auth.
type HTTPClient struct {
	url      string
	user     string
	password string
	http     *http.Client
	nextID   atomic.Int64
}

// Option customises an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPClient) {
		if c != nil {
			h.http = c
		}
	}
}

// WithTimeout bounds every call.
func WithTimeout(d time.Duration) Option {
	return func(h *HTTPClient) {
		if d > 0 {
			h.http.Timeout = d
		}
	}
}

// NewHTTPClient builds a client for url authenticating as user.
func NewHTTPClient(url, user, password string, opts ...Option) (*HTTPClient, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("directory url must not be empty")
	}
	if strings.TrimSpace(user) == "" {
		return nil, errors.New("directory user must not be empty")
	}
	h := &HTTPClient{url: url, user: user, password: password, http: &http.Client{Timeout: 30 * time.Second}}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Connect builds a client from the ENC file, authenticating as the node.
func Connect(url, encPath string, opts ...Option) (*HTTPClient, error) {
	enc, err := LoadENC(encPath)
	if err != nil {
		return nil, err
	}
	return NewHTTPClient(url, enc.Name, enc.Parameters.DirectoryPassword, opts...)
}

// RPCError is an error object returned by the directory.
type RPCError struct {
	Method  string `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("directory %s failed (%d): %s", e.Method, e.Code, e.Message)
}

type rpcRequest struct {
	Version string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

func (h *HTTPClient) call(ctx context.Context, method string, result interface{}, params ...interface{}) error {
	body, err := json.Marshal(rpcRequest{Version: "2.0", ID: h.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encode %s call: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s call: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(h.user, h.password)

	resp, err := h.http.Do(req)
	if err != nil {
		return fmt.Errorf("directory %s: %w", method, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("directory %s: read response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("directory %s: unexpected status %s", method, resp.Status)
	}

	var decoded rpcResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("directory %s: decode response: %w", method, err)
	}
	if decoded.Error != nil {
		decoded.Error.Method = method
		return decoded.Error
	}
	if result == nil || len(decoded.Result) == 0 || string(decoded.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(decoded.Result, result); err != nil {
		return fmt.Errorf("directory %s: decode result: %w", method, err)
	}
	return nil
}

// ScheduleMaintenance implements Client.
func (h *HTTPClient) ScheduleMaintenance(ctx context.Context, reqs map[string]ScheduleRequest) (map[string]Schedule, error) {
	var raw map[string]struct {
		Time *string `json:"time"`
	}
	if err := h.call(ctx, "schedule_maintenance", &raw, reqs); err != nil {
		return nil, err
	}
	out := make(map[string]Schedule, len(raw))
	for id, entry := range raw {
		s := Schedule{}
		if entry.Time != nil {
			s.Time = *entry.Time
		}
		out[id] = s
	}
	return out, nil
}

// PostponeMaintenance implements Client.
func (h *HTTPClient) PostponeMaintenance(ctx context.Context, reqs map[string]Postponement) error {
	return h.call(ctx, "postpone_maintenance", nil, reqs)
}

// EndMaintenance implements Client.
func (h *HTTPClient) EndMaintenance(ctx context.Context, reqs map[string]Completion) error {
	return h.call(ctx, "end_maintenance", nil, reqs)
}

// MarkNodeServiceStatus implements Client.
func (h *HTTPClient) MarkNodeServiceStatus(ctx context.Context, node string, inService bool) error {
	return h.call(ctx, "mark_node_service_status", nil, node, inService)
}

var _ Client = (*HTTPClient)(nil)
