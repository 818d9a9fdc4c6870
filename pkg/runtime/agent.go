package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/AstrBotDevs/shipyard-neo/pkg/errdefs"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxExecTimeout        = 10 * time.Minute
)

// AgentClient is the HTTP JSON client for the in-container agent.
type AgentClient struct {
	endpoint string
	http     *http.Client
}

// NewAgentClient builds a client for the agent at endpoint. httpClient may be
// nil; transports are meant to be shared across clients by the pool. The
// client carries no absolute timeout, requests are bounded per call by their
// context.
func NewAgentClient(endpoint string, httpClient *http.Client) *AgentClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &AgentClient{endpoint: endpoint, http: httpClient}
}

// Endpoint returns the agent base URL.
func (c *AgentClient) Endpoint() string { return c.endpoint }

// agentError is the agent's error envelope.
type agentError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// doJSON issues a request with a JSON body (may be nil) and decodes a JSON
// response into out (may be nil).
func (c *AgentClient) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAgentError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode agent response: %w: %v", errdefs.ErrRuntime, err)
		}
	}
	return nil
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("agent request timed out: %w", errdefs.ErrTimeout)
	}
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return fmt.Errorf("agent request timed out: %w", errdefs.ErrTimeout)
	}
	return fmt.Errorf("agent unreachable: %w: %v", errdefs.ErrTransient, err)
}

func decodeAgentError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var envelope agentError
	if json.Unmarshal(data, &envelope) == nil && envelope.Error.Message != "" {
		return fmt.Errorf("agent error %s: %s: %w", envelope.Error.Code, envelope.Error.Message, errdefs.ErrRuntime)
	}
	return fmt.Errorf("agent returned status %d: %w", resp.StatusCode, errdefs.ErrRuntime)
}

// Meta fetches the agent's version and capability set. The call is cheap and
// gets its own deadline so a dead endpoint cannot hang an unbounded caller.
func (c *AgentClient) Meta(ctx context.Context) (*Meta, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()
	var m Meta
	if err := c.doJSON(ctx, http.MethodGet, "/meta", nil, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Health probes the agent liveness endpoint.
func (c *AgentClient) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()
	return c.doJSON(ctx, http.MethodGet, "/health", nil, nil)
}

type execRequest struct {
	Code      string `json:"code,omitempty"`
	Command   string `json:"command,omitempty"`
	TimeoutMs int64  `json:"timeout_ms,omitempty"`
}

func execTimeout(d time.Duration) time.Duration {
	if d <= 0 || d > maxExecTimeout {
		return maxExecTimeout
	}
	return d
}

// ExecPython runs code in the agent's persistent interpreter.
func (c *AgentClient) ExecPython(ctx context.Context, code string, timeout time.Duration) (*ExecResult, error) {
	return c.exec(ctx, "/python/exec", execRequest{Code: code, TimeoutMs: execTimeout(timeout).Milliseconds()})
}

// ExecShell runs a shell command inside the container.
func (c *AgentClient) ExecShell(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error) {
	return c.exec(ctx, "/shell/exec", execRequest{Command: command, TimeoutMs: execTimeout(timeout).Milliseconds()})
}

func (c *AgentClient) exec(ctx context.Context, path string, req execRequest) (*ExecResult, error) {
	// Executions may legitimately outlive the default client timeout.
	ctx, cancel := context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond+defaultRequestTimeout)
	defer cancel()

	var res ExecResult
	if err := c.doJSON(ctx, http.MethodPost, path, req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// BrowserExec runs one browser action.
func (c *AgentClient) BrowserExec(ctx context.Context, action BrowserAction) (json.RawMessage, error) {
	var out json.RawMessage
	if err := c.doJSON(ctx, http.MethodPost, "/browser/exec", action, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// BrowserExecBatch runs a sequence of browser actions in one round trip.
func (c *AgentClient) BrowserExecBatch(ctx context.Context, actions []BrowserAction) (json.RawMessage, error) {
	var out json.RawMessage
	req := struct {
		Actions []BrowserAction `json:"actions"`
	}{Actions: actions}
	if err := c.doJSON(ctx, http.MethodPost, "/browser/exec_batch", req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type fileRequest struct {
	Path    string `json:"path"`
	Content []byte `json:"content,omitempty"`
}

// ReadFile returns the file contents at path, relative to the workspace.
func (c *AgentClient) ReadFile(ctx context.Context, path string) ([]byte, error) {
	var res struct {
		Content []byte `json:"content"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/fs/read_file", fileRequest{Path: path}, &res); err != nil {
		return nil, err
	}
	return res.Content, nil
}

// WriteFile writes data to path, creating parent directories as needed.
func (c *AgentClient) WriteFile(ctx context.Context, path string, data []byte) error {
	return c.doJSON(ctx, http.MethodPost, "/fs/write_file", fileRequest{Path: path, Content: data}, nil)
}

// ListDir lists the directory at path.
func (c *AgentClient) ListDir(ctx context.Context, path string) ([]FileEntry, error) {
	var res struct {
		Entries []FileEntry `json:"entries"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/fs/list", fileRequest{Path: path}, &res); err != nil {
		return nil, err
	}
	return res.Entries, nil
}

// DeleteFile removes the file or directory at path.
func (c *AgentClient) DeleteFile(ctx context.Context, path string) error {
	return c.doJSON(ctx, http.MethodPost, "/fs/delete", fileRequest{Path: path}, nil)
}

// Download streams the raw file at path. The caller closes the reader.
func (c *AgentClient) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/fs/download?path="+url.QueryEscape(path), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, decodeAgentError(resp)
	}
	return resp.Body, nil
}

// Upload streams r to the file at path.
func (c *AgentClient) Upload(ctx context.Context, path string, r io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.endpoint+"/fs/upload?path="+url.QueryEscape(path), r)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAgentError(resp)
	}
	return nil
}

// WaitHealthy polls the agent health endpoint with exponential backoff until
// it answers or maxWait elapses.
func WaitHealthy(ctx context.Context, c Client, maxWait time.Duration) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = maxWait

	operation := func() error {
		return c.Health(ctx)
	}
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("agent did not become healthy within %s: %w", maxWait, errdefs.ErrTimeout)
	}
	return nil
}
