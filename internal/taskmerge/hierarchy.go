package taskmerge

import (
	"github.com/devchain/devchain/internal/db"
)

// HierarchyNode is one merged epic with its children, parented in the
// source id space.
type HierarchyNode struct {
	Epic     *db.MergedEpic   `json:"epic"`
	Children []*HierarchyNode `json:"children"`
}

// MergedEpicHierarchy builds the parent-child tree over a worktree's
// dedup rows. Parents are matched on the source epic id; rows whose
// parent was never merged become roots. Siblings and roots keep the
// ascending mergedAt order of the listing.
func (e *Engine) MergedEpicHierarchy(worktreeID string) ([]*HierarchyNode, error) {
	rows, err := e.store.ListMergedEpics(worktreeID)
	if err != nil {
		return nil, err
	}

	nodes := make(map[string]*HierarchyNode, len(rows))
	for _, row := range rows {
		nodes[row.SourceEpicID] = &HierarchyNode{Epic: row}
	}

	// parentOf tracks attachments already made so a parent cycle breaks
	// at its first back edge instead of detaching from the tree.
	parentOf := map[string]string{}
	var roots []*HierarchyNode
	for _, row := range rows {
		node := nodes[row.SourceEpicID]
		if row.ParentEpicID != nil {
			parentID := *row.ParentEpicID
			if parent, ok := nodes[parentID]; ok && parent != node && !reaches(parentOf, parentID, row.SourceEpicID) {
				parent.Children = append(parent.Children, node)
				parentOf[row.SourceEpicID] = parentID
				continue
			}
		}
		roots = append(roots, node)
	}
	return roots, nil
}

// reaches reports whether target is an ancestor of from in the
// attachments made so far.
func reaches(parentOf map[string]string, from, target string) bool {
	for cur := from; ; {
		if cur == target {
			return true
		}
		next, ok := parentOf[cur]
		if !ok {
			return false
		}
		cur = next
	}
}
