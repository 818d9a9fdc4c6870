package runtime

import (
	"context"
	"encoding/json"
	"io"
	"time"
)

// Meta describes the agent running inside a session container. Capabilities
// are the routing ground truth: a profile may declare more than the agent
// actually serves.
type Meta struct {
	Version      string   `json:"version"`
	RuntimeType  string   `json:"runtime_type"`
	Capabilities []string `json:"capabilities"`
}

// Has reports whether the agent serves the capability tag.
func (m *Meta) Has(tag string) bool {
	for _, c := range m.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// ExecResult is the outcome of a python or shell execution.
type ExecResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
	TimedOut   bool   `json:"timed_out,omitempty"`
}

// FileEntry is one directory listing entry.
type FileEntry struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	IsDir   bool      `json:"is_dir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// BrowserAction is one step of a browser batch.
type BrowserAction struct {
	Action string          `json:"action"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Client talks to the agent inside one session container. Implementations
// must be safe for concurrent use.
type Client interface {
	Endpoint() string

	Meta(ctx context.Context) (*Meta, error)
	Health(ctx context.Context) error

	ExecPython(ctx context.Context, code string, timeout time.Duration) (*ExecResult, error)
	ExecShell(ctx context.Context, command string, timeout time.Duration) (*ExecResult, error)

	BrowserExec(ctx context.Context, action BrowserAction) (json.RawMessage, error)
	BrowserExecBatch(ctx context.Context, actions []BrowserAction) (json.RawMessage, error)

	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	ListDir(ctx context.Context, path string) ([]FileEntry, error)
	DeleteFile(ctx context.Context, path string) error
	Download(ctx context.Context, path string) (io.ReadCloser, error)
	Upload(ctx context.Context, path string, r io.Reader) error
}
