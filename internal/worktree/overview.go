package worktree

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/devchain/devchain/internal/db"
	deverrors "github.com/devchain/devchain/internal/errors"
)

// LiveData is the live block of a snapshot, fetched from the
// worktree's own HTTP API.
type LiveData struct {
	Epics struct {
		Total    int            `json:"total"`
		ByStatus map[string]int `json:"byStatus"`
	} `json:"epics"`
	Agents struct {
		Total  int `json:"total"`
		Active int `json:"active"`
	} `json:"agents"`
	Error string `json:"error,omitempty"`
}

// GitStatus is the ahead/behind block of a snapshot.
type GitStatus struct {
	CommitsAhead  int `json:"commitsAhead"`
	CommitsBehind int `json:"commitsBehind"`
}

// Snapshot is the combined overview of one worktree.
type Snapshot struct {
	Worktree *db.Worktree      `json:"worktree"`
	Git      *GitStatus        `json:"git,omitempty"`
	Live     *LiveData         `json:"live,omitempty"`
	Merged   *db.MergedSummary `json:"merged,omitempty"`
	CachedAt time.Time         `json:"cachedAt"`
}

type cacheEntry[T any] struct {
	value     T
	signature string
	fetchedAt time.Time
}

type signedCache[T any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry[T]
}

func newSignedCache[T any](ttl time.Duration) *signedCache[T] {
	return &signedCache[T]{ttl: ttl, entries: make(map[string]cacheEntry[T])}
}

// get returns the cached value when both the TTL and the signature
// still hold.
func (c *signedCache[T]) get(key, signature string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || e.signature != signature || time.Since(e.fetchedAt) > c.ttl {
		var zero T
		return zero, false
	}
	return e.value, true
}

func (c *signedCache[T]) put(key, signature string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry[T]{value: value, signature: signature, fetchedAt: time.Now()}
}

func (c *signedCache[T]) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Overview is the lazy snapshot cache. Each block caches
// independently for the TTL; any change to the worktree row flips the
// signature and invalidates within the TTL.
type Overview struct {
	store  *db.DB
	git    GitOps
	logger *slog.Logger
	client *http.Client

	snapshots *signedCache[*Snapshot]
	gitStatus *signedCache[*GitStatus]
	liveData  *signedCache[*LiveData]
	merged    *signedCache[*db.MergedSummary]
}

// NewOverview creates the overview cache with the given TTL.
func NewOverview(store *db.DB, gitOps GitOps, ttl time.Duration, logger *slog.Logger) *Overview {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Overview{
		store:     store,
		git:       gitOps,
		logger:    logger,
		client:    &http.Client{Timeout: 5 * time.Second},
		snapshots: newSignedCache[*Snapshot](ttl),
		gitStatus: newSignedCache[*GitStatus](ttl),
		liveData:  newSignedCache[*LiveData](ttl),
		merged:    newSignedCache[*db.MergedSummary](ttl),
	}
}

// Invalidate drops every cached block for a worktree.
func (o *Overview) Invalidate(worktreeID string) {
	o.snapshots.invalidate(worktreeID)
	o.gitStatus.invalidate(worktreeID)
	o.liveData.invalidate(worktreeID)
	o.merged.invalidate(worktreeID)
}

// Snapshot returns the overview for one worktree, reusing cached
// blocks whose TTL and signature both hold.
func (o *Overview) Snapshot(ctx context.Context, worktreeID string) (*Snapshot, error) {
	row, err := o.store.GetWorktree(worktreeID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, deverrors.Newf(deverrors.CodeWorktreeNotFound, "worktree %s not found", worktreeID)
	}

	summary, err := o.mergedSummary(row)
	if err != nil {
		return nil, err
	}
	sig := signature(row, summary)

	if snap, ok := o.snapshots.get(row.ID, sig); ok {
		return snap, nil
	}

	snap := &Snapshot{Worktree: row, Merged: summary, CachedAt: time.Now().UTC()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		snap.Git = o.gitBlock(gctx, row, sig)
		return nil
	})
	g.Go(func() error {
		snap.Live = o.liveBlock(gctx, row, sig)
		return nil
	})
	_ = g.Wait()

	o.snapshots.put(row.ID, sig, snap)
	return snap, nil
}

// SnapshotAll snapshots every monitored worktree (running or errored).
// A worktree whose snapshot fails is logged and skipped so one bad row
// does not hide the rest.
func (o *Overview) SnapshotAll(ctx context.Context) ([]*Snapshot, error) {
	rows, err := o.store.ListMonitoredWorktrees()
	if err != nil {
		return nil, err
	}
	snaps := make([]*Snapshot, 0, len(rows))
	for _, row := range rows {
		snap, err := o.Snapshot(ctx, row.ID)
		if err != nil {
			o.logger.Warn("overview snapshot failed", "worktree", row.Name, "error", err)
			continue
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

func (o *Overview) mergedSummary(row *db.Worktree) (*db.MergedSummary, error) {
	// The merged summary is itself part of the snapshot signature, so
	// it is cached on a row-only signature.
	rowSig := rowSignature(row)
	if cached, ok := o.merged.get(row.ID, rowSig); ok {
		return cached, nil
	}
	summary, err := o.store.GetMergedSummary(row.ID)
	if err != nil {
		return nil, err
	}
	o.merged.put(row.ID, rowSig, summary)
	return summary, nil
}

func (o *Overview) gitBlock(ctx context.Context, row *db.Worktree, sig string) *GitStatus {
	if cached, ok := o.gitStatus.get(row.ID, sig); ok {
		return cached
	}
	status, err := o.git.BranchStatus(ctx, row.RepoPath, row.BaseBranch, row.BranchName)
	if err != nil {
		o.logger.Debug("overview git status failed", "worktree", row.Name, "error", err)
		return nil
	}
	block := &GitStatus{CommitsAhead: status.CommitsAhead, CommitsBehind: status.CommitsBehind}
	o.gitStatus.put(row.ID, sig, block)
	return block
}

// liveBlock fetches epic and agent counts from the worktree's own
// API. Failures yield a zeroed block with the error message; the
// failed block is cached too so one dead worktree does not retry on
// every request.
func (o *Overview) liveBlock(ctx context.Context, row *db.Worktree, sig string) *LiveData {
	if cached, ok := o.liveData.get(row.ID, sig); ok {
		return cached
	}

	live := &LiveData{}
	live.Epics.ByStatus = map[string]int{}

	if row.Status != db.WorktreeStatusRunning || row.ContainerPort == nil {
		live.Error = "worktree not running"
		o.liveData.put(row.ID, sig, live)
		return live
	}

	projectID := ""
	if row.DevchainProjectID != nil {
		projectID = *row.DevchainProjectID
	}
	base := fmt.Sprintf("http://127.0.0.1:%d", *row.ContainerPort)

	epics, err := o.fetchJSON(ctx, fmt.Sprintf("%s/api/epics?projectId=%s&limit=1000&type=all", base, projectID))
	if err == nil {
		for _, e := range jsonItems(epics, "epics") {
			live.Epics.Total++
			if status := e.Get("statusId").String(); status != "" {
				live.Epics.ByStatus[status]++
			}
		}
	}
	agents, aerr := o.fetchJSON(ctx, fmt.Sprintf("%s/api/agents?projectId=%s&limit=1000", base, projectID))
	if aerr == nil {
		for _, a := range jsonItems(agents, "agents") {
			live.Agents.Total++
			if a.Get("status").String() == "active" || a.Get("activeEpicCount").Int() > 0 {
				live.Agents.Active++
			}
		}
	}
	if err != nil || aerr != nil {
		cause := err
		if cause == nil {
			cause = aerr
		}
		live.Error = cause.Error()
		live.Epics.Total = 0
		live.Epics.ByStatus = map[string]int{}
		live.Agents.Total = 0
		live.Agents.Active = 0
	}

	o.liveData.put(row.ID, sig, live)
	return live
}

func (o *Overview) fetchJSON(ctx context.Context, url string) (gjson.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return gjson.Result{}, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return gjson.Result{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return gjson.Result{}, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return gjson.Result{}, err
	}
	return gjson.ParseBytes(body), nil
}

// jsonItems accepts both `{key: [...]}` envelopes and bare arrays.
func jsonItems(doc gjson.Result, key string) []gjson.Result {
	if doc.IsArray() {
		return doc.Array()
	}
	return doc.Get(key).Array()
}

// signature derives the cache signature from everything that should
// invalidate a snapshot when it changes.
func signature(row *db.Worktree, summary *db.MergedSummary) string {
	latest := ""
	if summary.LatestMerged != nil {
		latest = summary.LatestMerged.Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("%s|%d|%d|%s",
		rowSignature(row), summary.EpicCount, summary.AgentCount, latest)
}

func rowSignature(row *db.Worktree) string {
	port := 0
	if row.ContainerPort != nil {
		port = *row.ContainerPort
	}
	projectID := ""
	if row.DevchainProjectID != nil {
		projectID = *row.DevchainProjectID
	}
	return fmt.Sprintf("%s|%s|%d|%s|%s|%s",
		row.UpdatedAt.Format(time.RFC3339Nano), row.Status, port, projectID, row.BranchName, row.BaseBranch)
}
