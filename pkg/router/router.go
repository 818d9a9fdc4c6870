// Package router dispatches capability calls (python, shell, browser,
// filesystem) to the agent behind a sandbox's session, enforcing capability
// support before any call leaves the orchestrator.
package router

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/AstrBotDevs/shipyard-neo/pkg/errdefs"
	"github.com/AstrBotDevs/shipyard-neo/pkg/manager"
	"github.com/AstrBotDevs/shipyard-neo/pkg/runtime"
)

// Capability tags used by profiles and agents.
const (
	CapPython     = "python"
	CapShell      = "shell"
	CapBrowser    = "browser"
	CapFilesystem = "filesystem"
)

// Router routes capability requests through the manager to agent clients.
type Router struct {
	mgr  *manager.Manager
	pool *runtime.Pool
}

// New builds a router over the manager's client pool.
func New(mgr *manager.Manager) *Router {
	return &Router{mgr: mgr, pool: mgr.Pool()}
}

// session ensures a ready session, verifies the capability against the
// agent's advertised set, and returns the client. The agent's meta is the
// ground truth: a profile may promise more than the image delivers.
func (r *Router) session(ctx context.Context, owner, sandboxID, capability string) (runtime.Client, error) {
	view, err := r.mgr.EnsureRunning(ctx, owner, sandboxID)
	if err != nil {
		return nil, err
	}
	sess := view.Session
	if sess == nil || !sess.IsReady() {
		return nil, errdefs.NotReady(sandboxID, "session did not become ready")
	}

	meta, err := r.pool.GetMeta(ctx, sess.Endpoint)
	if err != nil {
		return nil, err
	}
	if !meta.Has(capability) {
		return nil, &errdefs.CapabilityError{Requested: capability, Available: meta.Capabilities}
	}
	return r.pool.Get(sess.Endpoint), nil
}

// touch records activity after a successful call.
func (r *Router) touch(owner, sandboxID string) {
	r.mgr.Touch(owner, sandboxID)
}

// ExecPython runs code in the sandbox's persistent interpreter.
func (r *Router) ExecPython(ctx context.Context, owner, sandboxID, code string, timeout time.Duration) (*runtime.ExecResult, error) {
	c, err := r.session(ctx, owner, sandboxID, CapPython)
	if err != nil {
		return nil, err
	}
	res, err := c.ExecPython(ctx, code, timeout)
	if err != nil {
		return nil, err
	}
	r.touch(owner, sandboxID)
	return res, nil
}

// ExecShell runs a shell command in the sandbox.
func (r *Router) ExecShell(ctx context.Context, owner, sandboxID, command string, timeout time.Duration) (*runtime.ExecResult, error) {
	c, err := r.session(ctx, owner, sandboxID, CapShell)
	if err != nil {
		return nil, err
	}
	res, err := c.ExecShell(ctx, command, timeout)
	if err != nil {
		return nil, err
	}
	r.touch(owner, sandboxID)
	return res, nil
}

// BrowserExec runs one browser action.
func (r *Router) BrowserExec(ctx context.Context, owner, sandboxID string, action runtime.BrowserAction) (json.RawMessage, error) {
	c, err := r.session(ctx, owner, sandboxID, CapBrowser)
	if err != nil {
		return nil, err
	}
	out, err := c.BrowserExec(ctx, action)
	if err != nil {
		return nil, err
	}
	r.touch(owner, sandboxID)
	return out, nil
}

// BrowserExecBatch runs a sequence of browser actions in one round trip.
func (r *Router) BrowserExecBatch(ctx context.Context, owner, sandboxID string, actions []runtime.BrowserAction) (json.RawMessage, error) {
	c, err := r.session(ctx, owner, sandboxID, CapBrowser)
	if err != nil {
		return nil, err
	}
	out, err := c.BrowserExecBatch(ctx, actions)
	if err != nil {
		return nil, err
	}
	r.touch(owner, sandboxID)
	return out, nil
}

// ReadFile returns the contents of a workspace file.
func (r *Router) ReadFile(ctx context.Context, owner, sandboxID, path string) ([]byte, error) {
	c, err := r.session(ctx, owner, sandboxID, CapFilesystem)
	if err != nil {
		return nil, err
	}
	data, err := c.ReadFile(ctx, path)
	if err != nil {
		return nil, err
	}
	r.touch(owner, sandboxID)
	return data, nil
}

// WriteFile writes a workspace file.
func (r *Router) WriteFile(ctx context.Context, owner, sandboxID, path string, data []byte) error {
	c, err := r.session(ctx, owner, sandboxID, CapFilesystem)
	if err != nil {
		return err
	}
	if err := c.WriteFile(ctx, path, data); err != nil {
		return err
	}
	r.touch(owner, sandboxID)
	return nil
}

// ListDir lists a workspace directory.
func (r *Router) ListDir(ctx context.Context, owner, sandboxID, path string) ([]runtime.FileEntry, error) {
	c, err := r.session(ctx, owner, sandboxID, CapFilesystem)
	if err != nil {
		return nil, err
	}
	entries, err := c.ListDir(ctx, path)
	if err != nil {
		return nil, err
	}
	r.touch(owner, sandboxID)
	return entries, nil
}

// DeleteFile removes a workspace file or directory.
func (r *Router) DeleteFile(ctx context.Context, owner, sandboxID, path string) error {
	c, err := r.session(ctx, owner, sandboxID, CapFilesystem)
	if err != nil {
		return err
	}
	if err := c.DeleteFile(ctx, path); err != nil {
		return err
	}
	r.touch(owner, sandboxID)
	return nil
}

// Download streams a workspace file. The caller closes the reader.
func (r *Router) Download(ctx context.Context, owner, sandboxID, path string) (io.ReadCloser, error) {
	c, err := r.session(ctx, owner, sandboxID, CapFilesystem)
	if err != nil {
		return nil, err
	}
	rc, err := c.Download(ctx, path)
	if err != nil {
		return nil, err
	}
	r.touch(owner, sandboxID)
	return rc, nil
}

// Upload streams body into a workspace file.
func (r *Router) Upload(ctx context.Context, owner, sandboxID, path string, body io.Reader) error {
	c, err := r.session(ctx, owner, sandboxID, CapFilesystem)
	if err != nil {
		return err
	}
	if err := c.Upload(ctx, path, body); err != nil {
		return err
	}
	r.touch(owner, sandboxID)
	return nil
}
