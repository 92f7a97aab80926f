package taskmerge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/devchain/devchain/internal/db"
	deverrors "github.com/devchain/devchain/internal/errors"
	"github.com/devchain/devchain/internal/events"
)

const fallbackStatusColor = "#6c757d"

// Engine is the two-level task-merge engine. Level 1 writes dedup
// rows keyed by (worktreeId, sourceEpicId); level 2 imports source
// epics into the main project's epic table, idempotent on the
// data.mergedFrom marker.
type Engine struct {
	store  *db.DB
	client *Client
	logger *slog.Logger

	mainImport bool
	repoRoot   string

	// importMu serializes main-project epic insertion so two merges of
	// the same worktree cannot race past the mergedFrom pre-check.
	importMu sync.Mutex
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	Store      *db.DB
	Client     *Client
	Logger     *slog.Logger
	MainImport bool
	RepoRoot   string
}

// NewEngine wires a task-merge engine.
func NewEngine(opts EngineOptions) *Engine {
	client := opts.Client
	if client == nil {
		client = NewClient()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:      opts.Store,
		client:     client,
		logger:     logger,
		mainImport: opts.MainImport,
		repoRoot:   opts.RepoRoot,
	}
}

// Subscribe registers the engine on the merge-request event.
func (e *Engine) Subscribe(bus *events.Bus) error {
	return bus.Subscribe(events.TaskMergeRequested, "taskmerge", func(ctx context.Context, payload json.RawMessage) error {
		worktreeID := gjson.GetBytes(payload, "worktreeId").String()
		if worktreeID == "" {
			return deverrors.New(deverrors.CodeInvalidEvent, "task merge request without worktreeId")
		}
		return e.MergeFromContainer(ctx, worktreeID)
	})
}

// MergeFromContainer pulls epics and agents from the worktree's
// container and records them. An unreachable container fails the whole
// operation before any row is written; a failed main-project import is
// surfaced but leaves the dedup rows in place.
func (e *Engine) MergeFromContainer(ctx context.Context, worktreeID string) error {
	row, err := e.store.GetWorktree(worktreeID)
	if err != nil {
		return err
	}
	if row == nil {
		return deverrors.Newf(deverrors.CodeWorktreeNotFound, "worktree %s not found", worktreeID)
	}
	if row.ContainerPort == nil || row.DevchainProjectID == nil {
		return deverrors.Newf(deverrors.CodeWorktreeNotReady,
			"worktree %s has no container port or project id to merge from", row.Name)
	}

	src, err := e.client.Fetch(ctx, *row.ContainerPort, *row.DevchainProjectID)
	if err != nil {
		return deverrors.Wrap(deverrors.CodeContainerFailed,
			fmt.Sprintf("worktree %s container unreachable", row.Name), err)
	}

	mergedEpics, mergedAgents := buildMergedRows(row, src)

	var epicCount, agentCount int
	err = e.store.RunInImmediateTx(ctx, func(tx *db.TxOps) error {
		var txErr error
		if epicCount, txErr = e.store.InsertMergedEpics(tx, mergedEpics); txErr != nil {
			return txErr
		}
		agentCount, txErr = e.store.InsertMergedAgents(tx, mergedAgents)
		return txErr
	})
	if err != nil {
		return fmt.Errorf("record merged rows: %w", err)
	}
	e.logger.Info("task merge recorded",
		"worktree", row.Name, "epics", epicCount, "agents", agentCount,
		"sourceEpics", len(mergedEpics), "sourceAgents", len(mergedAgents))

	if !e.mainImport {
		return nil
	}
	if err := e.importToMainProject(ctx, row, src); err != nil {
		return fmt.Errorf("main project import: %w", err)
	}
	return nil
}

// buildMergedRows maps source data onto dedup rows. Statuses and
// profiles missing from the source degrade to fallback labels rather
// than failing the merge.
func buildMergedRows(row *db.Worktree, src *SourceData) ([]*db.MergedEpic, []*db.MergedAgent) {
	now := time.Now().UTC()
	agentsByID := make(map[string]SourceAgent, len(src.Agents))
	epicsPerAgent := map[string]int{}
	for _, a := range src.Agents {
		agentsByID[a.ID] = a
	}
	for _, e := range src.Epics {
		if e.AgentID != "" {
			epicsPerAgent[e.AgentID]++
		}
	}

	epics := make([]*db.MergedEpic, 0, len(src.Epics))
	for _, se := range src.Epics {
		status := resolveStatus(src.Statuses, se.StatusID)
		me := &db.MergedEpic{
			WorktreeID:   row.ID,
			SourceEpicID: se.ID,
			Title:        se.Title,
			StatusName:   status.Label,
			StatusColor:  status.Color,
			Tags:         se.Tags,
			CreatedAt:    se.CreatedAt,
			MergedAt:     now,
		}
		if se.ParentEpicID != "" {
			parent := se.ParentEpicID
			me.ParentEpicID = &parent
		}
		if agent, ok := agentsByID[se.AgentID]; ok {
			name := agent.Name
			me.AgentName = &name
		}
		epics = append(epics, me)
	}

	agents := make([]*db.MergedAgent, 0, len(src.Agents))
	for _, sa := range src.Agents {
		completed := sa.EpicsCompleted
		if !sa.HasCompleted {
			// The source epic count is the canonical fallback when the
			// container does not report completions.
			completed = epicsPerAgent[sa.ID]
		}
		ma := &db.MergedAgent{
			WorktreeID:     row.ID,
			SourceAgentID:  sa.ID,
			Name:           sa.Name,
			EpicsCompleted: completed,
			MergedAt:       now,
		}
		if sa.ProfileID != "" {
			profile := resolveProfile(src.Profiles, sa.ProfileID)
			ma.ProfileName = &profile
		}
		agents = append(agents, ma)
	}
	return epics, agents
}

func resolveStatus(statuses map[string]SourceStatus, id string) SourceStatus {
	if id == "" {
		return SourceStatus{Label: "No Status", Color: fallbackStatusColor}
	}
	s, ok := statuses[id]
	if !ok || s.Label == "" {
		return SourceStatus{Label: fmt.Sprintf("Unknown (%s)", id), Color: fallbackStatusColor}
	}
	if s.Color == "" {
		s.Color = fallbackStatusColor
	}
	return s
}

func resolveProfile(profiles map[string]string, id string) string {
	if name, ok := profiles[id]; ok && name != "" {
		return name
	}
	return fmt.Sprintf("Unknown (%s)", id)
}

// importToMainProject copies source epics into the main project's own
// epic table, preserving the parent-child topology where possible.
func (e *Engine) importToMainProject(ctx context.Context, row *db.Worktree, src *SourceData) error {
	project, err := e.resolveMainProject()
	if err != nil {
		return err
	}

	imp, err := e.newImportState(project, row)
	if err != nil {
		return err
	}

	pending := make([]SourceEpic, 0, len(src.Epics))
	for _, se := range src.Epics {
		if _, done := imp.resolved[se.ID]; !done {
			pending = append(pending, se)
		}
	}

	// Pass 1: import epics whose parent is absent or already resolved,
	// repeating until a pass makes no progress.
	for {
		progress := false
		remaining := pending[:0]
		for _, se := range pending {
			var parentMain *string
			if se.ParentEpicID != "" {
				mainID, ok := imp.resolved[se.ParentEpicID]
				if !ok {
					remaining = append(remaining, se)
					continue
				}
				parentMain = &mainID
			}
			mainID, err := e.importEpic(ctx, imp, src, se, parentMain, false)
			if err != nil {
				return err
			}
			imp.resolved[se.ID] = mainID
			progress = true
		}
		pending = remaining
		if !progress || len(pending) == 0 {
			break
		}
	}

	// Pass 2: cycles and dangling parents come in as roots with the
	// unresolved marker, so a broken topology never drops an epic.
	for _, se := range pending {
		mainID, err := e.importEpic(ctx, imp, src, se, nil, true)
		if err != nil {
			return err
		}
		imp.resolved[se.ID] = mainID
		e.logger.Warn("imported epic with unresolved parent",
			"worktree", row.Name, "sourceEpic", se.ID, "parent", se.ParentEpicID)
	}
	return nil
}

func (e *Engine) resolveMainProject() (*db.Project, error) {
	if e.repoRoot == "" {
		return nil, deverrors.New(deverrors.CodeProjectNotFound, "no repository root configured for main project import")
	}
	project, err := e.store.GetProjectByPath(e.repoRoot)
	if err != nil {
		return nil, err
	}
	if project != nil {
		return project, nil
	}
	return e.store.CreateProject(&db.Project{
		Name:     filepath.Base(e.repoRoot),
		RootPath: e.repoRoot,
	})
}

// importState carries the per-merge lookup maps for one main-project
// import run.
type importState struct {
	project  *db.Project
	worktree *db.Worktree
	resolved map[string]string // sourceEpicId -> main epic id
	statuses map[string]*db.Status
	agents   map[string]*db.Agent
}

func (e *Engine) newImportState(project *db.Project, row *db.Worktree) (*importState, error) {
	imp := &importState{
		project:  project,
		worktree: row,
		resolved: map[string]string{},
		statuses: map[string]*db.Status{},
		agents:   map[string]*db.Agent{},
	}

	epics, err := e.store.ListEpicsByProject(project.ID)
	if err != nil {
		return nil, err
	}
	for _, ep := range epics {
		mf := ep.Data.MergedFrom
		if mf != nil && mf.WorktreeID == row.ID {
			imp.resolved[mf.SourceEpicID] = ep.ID
		}
	}

	statuses, err := e.store.ListStatuses(project.ID)
	if err != nil {
		return nil, err
	}
	for _, s := range statuses {
		imp.statuses[strings.ToLower(s.Label)] = s
	}

	agents, err := e.store.ListAgentsByProject(project.ID)
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		imp.agents[strings.ToLower(a.Name)] = a
	}
	return imp, nil
}

// importEpic inserts one main-project epic under the merge lock.
// Inside the lock: BEGIN IMMEDIATE, re-check the mergedFrom marker,
// insert only if still absent.
func (e *Engine) importEpic(ctx context.Context, imp *importState, src *SourceData, se SourceEpic, parentMain *string, unresolvedParent bool) (string, error) {
	e.importMu.Lock()
	defer e.importMu.Unlock()

	status := resolveStatus(src.Statuses, se.StatusID)
	statusRow, err := e.ensureStatus(imp, status)
	if err != nil {
		return "", err
	}

	var agentID *string
	if se.AgentID != "" {
		for _, sa := range src.Agents {
			if sa.ID != se.AgentID {
				continue
			}
			if a, ok := imp.agents[strings.ToLower(sa.Name)]; ok {
				agentID = &a.ID
			}
			break
		}
	}

	tags := append(append([]string{}, se.Tags...), "merged:"+imp.worktree.Name)

	epic := &db.Epic{
		ProjectID: imp.project.ID,
		Title:     se.Title,
		StatusID:  &statusRow.ID,
		AgentID:   agentID,
		ParentID:  parentMain,
		Tags:      tags,
		Data: db.EpicData{MergedFrom: &db.MergedFrom{
			WorktreeID:       imp.worktree.ID,
			SourceEpicID:     se.ID,
			WorktreeName:     imp.worktree.Name,
			UnresolvedParent: unresolvedParent,
		}},
	}

	var mainID string
	err = e.store.RunInImmediateTx(ctx, func(tx *db.TxOps) error {
		existing, err := e.store.FindEpicByMergedFrom(tx, imp.project.ID, imp.worktree.ID, se.ID)
		if err != nil {
			return err
		}
		if existing != "" {
			mainID = existing
			return nil
		}
		inserted, err := e.store.InsertEpic(tx, epic)
		if err != nil {
			return err
		}
		mainID = inserted.ID
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("import epic %s: %w", se.ID, err)
	}
	return mainID, nil
}

func (e *Engine) ensureStatus(imp *importState, want SourceStatus) (*db.Status, error) {
	if s, ok := imp.statuses[strings.ToLower(want.Label)]; ok {
		return s, nil
	}
	s, err := e.store.CreateStatus(&db.Status{
		ProjectID: imp.project.ID,
		Label:     want.Label,
		Color:     want.Color,
	})
	if err != nil {
		return nil, err
	}
	imp.statuses[strings.ToLower(s.Label)] = s
	return s, nil
}
