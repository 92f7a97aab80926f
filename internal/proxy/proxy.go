// Package proxy forwards /wt/{name}/... requests to the HTTP port of
// a running worktree. Availability is gated on the worktree row: bad
// names get 400, unknown names 404, and anything without a reachable
// runtime 503. WebSocket upgrades pass through untouched because the
// reverse proxy only claims the /wt/ prefix.
package proxy

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/devchain/devchain/internal/db"
	"github.com/devchain/devchain/internal/git"
)

// Prefix is the path prefix this handler claims.
const Prefix = "/wt/"

const headerWorktreeName = "X-Worktree-Name"

// WorktreeLookup resolves a worktree by name.
type WorktreeLookup interface {
	GetWorktreeByName(name string) (*db.Worktree, error)
}

// Handler is the per-worktree reverse proxy.
type Handler struct {
	store  WorktreeLookup
	logger *slog.Logger
}

// NewHandler creates the proxy handler.
func NewHandler(store WorktreeLookup, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, logger: logger}
}

// ServeHTTP implements http.Handler for the /wt/ prefix.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name, rest := splitWorktreePath(r.URL.Path)

	if err := git.ValidateWorktreeName(name); err != nil {
		writeUnavailable(w, r, name, http.StatusBadRequest, fmt.Sprintf("invalid worktree name %q", name))
		return
	}

	wt, err := h.store.GetWorktreeByName(name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeUnavailable(w, r, name, http.StatusNotFound, fmt.Sprintf("worktree %q not found", name))
			return
		}
		h.logger.Error("proxy worktree lookup failed", "name", name, "error", err)
		writeUnavailable(w, r, name, http.StatusInternalServerError, "worktree lookup failed")
		return
	}
	if wt == nil {
		writeUnavailable(w, r, name, http.StatusNotFound, fmt.Sprintf("worktree %q not found", name))
		return
	}

	if !available(wt) {
		writeUnavailable(w, r, name, http.StatusServiceUnavailable,
			fmt.Sprintf("worktree %q is not running (status %s)", name, wt.Status))
		return
	}

	target := &url.URL{Scheme: "http", Host: fmt.Sprintf("127.0.0.1:%d", *wt.ContainerPort)}
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.URL.Path = rest
			pr.Out.URL.RawPath = ""
			pr.Out.Host = target.Host
			// Cookies and the rest of the inbound headers are already
			// cloned onto pr.Out.
			pr.SetXForwarded()
		},
		ModifyResponse: func(resp *http.Response) error {
			resp.Header.Set(headerWorktreeName, name)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			h.logger.Warn("proxy upstream error", "name", name, "error", err)
			writeUnavailable(w, r, name, http.StatusBadGateway,
				fmt.Sprintf("worktree %q did not respond", name))
		},
	}
	rp.ServeHTTP(w, r)
}

// available reports whether a worktree can serve traffic.
func available(wt *db.Worktree) bool {
	if wt.ContainerPort == nil || *wt.ContainerPort == 0 {
		return false
	}
	return wt.Status == db.WorktreeStatusRunning || wt.Status == db.WorktreeStatusMerged
}

// splitWorktreePath extracts the worktree name and the remaining path
// from /wt/{name}/rest. The remainder always starts with "/".
func splitWorktreePath(path string) (name, rest string) {
	trimmed := strings.TrimPrefix(path, Prefix)
	if idx := strings.IndexByte(trimmed, '/'); idx >= 0 {
		return trimmed[:idx], trimmed[idx:]
	}
	return trimmed, "/"
}

// wantsJSON decides the error representation: JSON when the client
// accepts it or the path is an API-style endpoint, HTML otherwise.
func wantsJSON(r *http.Request) bool {
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		return true
	}
	p := r.URL.Path
	return strings.Contains(p, "/api/") || strings.Contains(p, "/mcp/") || strings.Contains(p, "/socket.io/")
}

func writeUnavailable(w http.ResponseWriter, r *http.Request, name string, status int, message string) {
	w.Header().Set(headerWorktreeName, name)
	if wantsJSON(r) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"message":      message,
			"worktreeName": name,
			"statusCode":   status,
		})
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<!doctype html><html><head><title>%d</title></head><body><h1>%d</h1><p>%s</p></body></html>`,
		status, status, message)
}
