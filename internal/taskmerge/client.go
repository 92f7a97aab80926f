// Package taskmerge pulls epics and agents out of a worktree's
// in-container API, records them as dedup rows, and optionally imports
// them into the main project's own epic table.
package taskmerge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

const (
	containerRequestTimeout = 5 * time.Second
	fetchLimit              = 1000
)

// SourceEpic is one epic as reported by the container API, after
// normalization.
type SourceEpic struct {
	ID           string
	Title        string
	StatusID     string
	AgentID      string
	ParentEpicID string
	Tags         []string
	CreatedAt    *time.Time
}

// SourceAgent is one agent as reported by the container API.
type SourceAgent struct {
	ID             string
	Name           string
	ProfileID      string
	EpicsCompleted int
	HasCompleted   bool
}

// SourceStatus is a status label from the container API.
type SourceStatus struct {
	Label string
	Color string
}

// SourceData is everything a merge needs from one container.
type SourceData struct {
	Epics    []SourceEpic
	Agents   []SourceAgent
	Statuses map[string]SourceStatus
	Profiles map[string]string
}

// Client fetches merge data from a worktree container. Epics and
// agents are required; statuses and profiles are best effort.
type Client struct {
	http *http.Client
}

// NewClient builds a container client with the per-request timeout.
func NewClient() *Client {
	return &Client{http: &http.Client{Timeout: containerRequestTimeout}}
}

// Fetch pulls epics, agents, statuses, and profiles concurrently.
// A failure on the required endpoints fails the whole fetch.
func (c *Client) Fetch(ctx context.Context, port int, projectID string) (*SourceData, error) {
	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	data := &SourceData{
		Statuses: map[string]SourceStatus{},
		Profiles: map[string]string{},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		doc, err := c.getJSON(gctx, fmt.Sprintf("%s/api/epics?projectId=%s&limit=%d&type=all", base, projectID, fetchLimit))
		if err != nil {
			return fmt.Errorf("fetch epics: %w", err)
		}
		data.Epics = parseEpics(doc)
		return nil
	})
	g.Go(func() error {
		doc, err := c.getJSON(gctx, fmt.Sprintf("%s/api/agents?projectId=%s&limit=%d", base, projectID, fetchLimit))
		if err != nil {
			return fmt.Errorf("fetch agents: %w", err)
		}
		data.Agents = parseAgents(doc)
		return nil
	})
	g.Go(func() error {
		// Optional. Absent statuses degrade to fallback labels.
		doc, err := c.getJSON(gctx, fmt.Sprintf("%s/api/statuses?projectId=%s&limit=%d", base, projectID, fetchLimit))
		if err == nil {
			data.Statuses = parseStatuses(doc)
		}
		return nil
	})
	g.Go(func() error {
		// Optional, with an endpoint fallback for older containers.
		doc, err := c.getJSON(gctx, fmt.Sprintf("%s/api/agent-profiles?projectId=%s&limit=%d", base, projectID, fetchLimit))
		if err != nil {
			doc, err = c.getJSON(gctx, fmt.Sprintf("%s/api/profiles?projectId=%s", base, projectID))
		}
		if err == nil {
			data.Profiles = parseProfiles(doc)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return data, nil
}

func (c *Client) getJSON(ctx context.Context, url string) (gjson.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return gjson.Result{}, err
	}
	resp, err := c.http.Do(req)
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

// items accepts both `{key: [...]}` envelopes and bare arrays.
func items(doc gjson.Result, key string) []gjson.Result {
	if doc.IsArray() {
		return doc.Array()
	}
	return doc.Get(key).Array()
}

// parseEpics normalizes source epics: ids are trimmed, blank titles
// default, and entries without an id are dropped.
func parseEpics(doc gjson.Result) []SourceEpic {
	var out []SourceEpic
	for _, raw := range items(doc, "epics") {
		id := strings.TrimSpace(raw.Get("id").String())
		if id == "" {
			continue
		}
		e := SourceEpic{
			ID:           id,
			Title:        strings.TrimSpace(raw.Get("title").String()),
			StatusID:     strings.TrimSpace(raw.Get("statusId").String()),
			AgentID:      strings.TrimSpace(raw.Get("agentId").String()),
			ParentEpicID: strings.TrimSpace(raw.Get("parentEpicId").String()),
		}
		if e.Title == "" {
			e.Title = "Untitled Epic"
		}
		if e.ParentEpicID == "" {
			e.ParentEpicID = strings.TrimSpace(raw.Get("parentId").String())
		}
		for _, tag := range raw.Get("tags").Array() {
			if t := strings.TrimSpace(tag.String()); t != "" {
				e.Tags = append(e.Tags, t)
			}
		}
		if created := raw.Get("createdAt").String(); created != "" {
			if t, err := time.Parse(time.RFC3339, created); err == nil {
				t = t.UTC()
				e.CreatedAt = &t
			}
		}
		out = append(out, e)
	}
	return out
}

func parseAgents(doc gjson.Result) []SourceAgent {
	var out []SourceAgent
	for _, raw := range items(doc, "agents") {
		id := strings.TrimSpace(raw.Get("id").String())
		if id == "" {
			continue
		}
		a := SourceAgent{
			ID:        id,
			Name:      strings.TrimSpace(raw.Get("name").String()),
			ProfileID: strings.TrimSpace(raw.Get("profileId").String()),
		}
		if a.Name == "" {
			a.Name = id
		}
		if completed := raw.Get("epicsCompleted"); completed.Exists() {
			a.EpicsCompleted = int(completed.Int())
			a.HasCompleted = true
		}
		out = append(out, a)
	}
	return out
}

func parseStatuses(doc gjson.Result) map[string]SourceStatus {
	out := map[string]SourceStatus{}
	for _, raw := range items(doc, "statuses") {
		id := strings.TrimSpace(raw.Get("id").String())
		if id == "" {
			continue
		}
		out[id] = SourceStatus{
			Label: strings.TrimSpace(raw.Get("label").String()),
			Color: strings.TrimSpace(raw.Get("color").String()),
		}
	}
	return out
}

func parseProfiles(doc gjson.Result) map[string]string {
	out := map[string]string{}
	for _, raw := range items(doc, "profiles") {
		id := strings.TrimSpace(raw.Get("id").String())
		if id == "" {
			continue
		}
		out[id] = strings.TrimSpace(raw.Get("name").String())
	}
	return out
}
