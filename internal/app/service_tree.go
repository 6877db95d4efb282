package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"leaflet/api/internal/store"
	"leaflet/api/internal/tree"
)

// SpaceTree returns every non-sentinel node in a space as a flat list
// enriched with page info; callers rebuild the hierarchy client-side.
// The marshaled list is cached per space.
func (s *Service) SpaceTree(ctx context.Context, spaceID string) (map[string]any, error) {
	if s.cache != nil {
		if payload, ok := s.cache.GetSpaceTree(ctx, spaceID); ok {
			return map[string]any{"nodes": json.RawMessage(payload)}, nil
		}
	}

	if _, err := s.store.GetSpace(ctx, spaceID); err != nil {
		return nil, err
	}

	views, err := s.store.ListSpaceTree(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(views))
	for _, view := range views {
		items = append(items, nodeViewPayload(view))
	}

	payload, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.SetSpaceTree(ctx, spaceID, payload)
	}
	return map[string]any{"nodes": json.RawMessage(payload)}, nil
}

func (s *Service) GetTreeNode(ctx context.Context, nodeID string) (map[string]any, error) {
	view, err := s.store.GetNodeView(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	return nodeViewPayload(view), nil
}

// MoveNode re-parents a node and/or changes its position. The target
// parent's ancestor chain is walked up to the sentinel first: if the
// moved node appears in it the move would create a cycle. After the
// move, the new parent's siblings are rebalanced if any gap collapsed.
func (s *Service) MoveNode(ctx context.Context, nodeID, parentID string, position int) (map[string]any, error) {
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if node.PageID == nil {
		return nil, validationError("the root node cannot be moved")
	}

	parent, err := s.resolveParent(ctx, node.SpaceID, parentID)
	if err != nil {
		return nil, err
	}

	if err := s.checkAncestry(ctx, parent, nodeID); err != nil {
		return nil, err
	}

	if position == 0 {
		last, err := s.store.MaxChildPosition(ctx, parent.ID)
		if err != nil {
			return nil, err
		}
		position = tree.Append(last)
	} else {
		position, err = s.resolveMovePosition(ctx, parent.ID, nodeID, position)
		if err != nil {
			return nil, err
		}
	}

	if err := s.store.UpdateNodeParentPosition(ctx, nodeID, parent.ID, position); err != nil {
		return nil, err
	}
	if err := s.maybeRebalance(ctx, parent.ID); err != nil {
		return nil, err
	}

	s.invalidateTree(ctx, node.SpaceID)

	view, err := s.store.GetNodeView(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	return nodeViewPayload(view), nil
}

// resolveMovePosition clears an explicitly requested position against
// the target parent's siblings. A collided slot counts as a collapsed
// gap: the siblings are renumbered and the node slides in just before
// the previous occupant. Sibling positions are unique, so applying a
// collided position directly would fail.
func (s *Service) resolveMovePosition(ctx context.Context, parentID, nodeID string, position int) (int, error) {
	siblings, err := s.store.ListChildren(ctx, parentID)
	if err != nil {
		return 0, err
	}
	occupant := ""
	for _, sibling := range siblings {
		if sibling.ID != nodeID && sibling.Position == position {
			occupant = sibling.ID
			break
		}
	}
	if occupant == "" {
		return position, nil
	}

	if err := s.store.RebalanceChildren(ctx, parentID); err != nil {
		return 0, err
	}
	siblings, err = s.store.ListChildren(ctx, parentID)
	if err != nil {
		return 0, err
	}
	for i, sibling := range siblings {
		if sibling.ID != occupant {
			continue
		}
		prev := 0
		if i > 0 {
			prev = siblings[i-1].Position
		}
		return tree.Midpoint(prev, sibling.Position), nil
	}
	return 0, fmt.Errorf("position allocation under %s did not converge", parentID)
}

// checkAncestry walks from the candidate parent up to the sentinel and
// fails if the moved node is on the chain. The walk is depth-bounded;
// exceeding the bound means the parent chain is corrupt.
func (s *Service) checkAncestry(ctx context.Context, parent store.TreeNode, movedNodeID string) error {
	current := parent
	for depth := 0; ; depth++ {
		if depth > tree.MaxDepth {
			return s.corruptTree(movedNodeID, "ancestor chain exceeds depth bound")
		}
		if current.ID == movedNodeID {
			return domainError(http.StatusBadRequest, codeCircularReference, "cannot move a node under itself or its descendants", nil)
		}
		if current.ParentID == nil {
			return nil
		}
		next, err := s.store.GetNode(ctx, *current.ParentID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return s.corruptTree(movedNodeID, "ancestor chain points at a missing node")
			}
			return err
		}
		current = next
	}
}

// calculatePosition allocates a position under a parent: the first
// slot for an empty parent, an append past the last sibling, or the
// midpoint before a named sibling. When the target gap is too small
// for a midpoint the siblings are rebalanced first and the allocation
// retried against the fresh positions.
func (s *Service) calculatePosition(ctx context.Context, parentID, beforeNodeID string) (int, error) {
	for attempt := 0; ; attempt++ {
		siblings, err := s.store.ListChildren(ctx, parentID)
		if err != nil {
			return 0, err
		}
		if len(siblings) == 0 {
			return tree.Gap, nil
		}
		if beforeNodeID == "" {
			return tree.Append(siblings[len(siblings)-1].Position), nil
		}

		index := -1
		for i, sibling := range siblings {
			if sibling.ID == beforeNodeID {
				index = i
				break
			}
		}
		if index < 0 {
			return tree.Append(siblings[len(siblings)-1].Position), nil
		}

		if index == 0 {
			if siblings[0].Position > 1 {
				return siblings[0].Position / 2, nil
			}
		} else {
			prev := siblings[index-1].Position
			next := siblings[index].Position
			if !tree.NeedsRebalance(prev, next) {
				return tree.Midpoint(prev, next), nil
			}
		}

		// No usable gap at the target slot. One rebalance always
		// opens it back up.
		if attempt > 0 {
			return 0, fmt.Errorf("position allocation under %s did not converge", parentID)
		}
		if err := s.store.RebalanceChildren(ctx, parentID); err != nil {
			return 0, err
		}
	}
}

// maybeRebalance renumbers a parent's children when any adjacent
// sibling gap has collapsed below the minimum.
func (s *Service) maybeRebalance(ctx context.Context, parentID string) error {
	children, err := s.store.ListChildren(ctx, parentID)
	if err != nil {
		return err
	}
	for i := 1; i < len(children); i++ {
		if tree.NeedsRebalance(children[i-1].Position, children[i].Position) {
			return s.store.RebalanceChildren(ctx, parentID)
		}
	}
	return nil
}

// ReorderNodes applies a batch of explicit position updates in one
// transaction. Positions are taken as given; no rebalance runs
// mid-batch.
func (s *Service) ReorderNodes(ctx context.Context, updates []store.NodePosition) (map[string]any, error) {
	if len(updates) == 0 {
		return nil, validationError("updates must not be empty")
	}
	first, err := s.store.GetNode(ctx, updates[0].ID)
	if err != nil {
		return nil, err
	}
	if err := s.store.ReorderNodes(ctx, first.SpaceID, updates); err != nil {
		if errors.Is(err, store.ErrCrossSpace) {
			return nil, validationError("all nodes must belong to the same space")
		}
		return nil, err
	}

	s.invalidateTree(ctx, first.SpaceID)
	return map[string]any{"ok": true, "updated": len(updates)}, nil
}

// RebalanceNode renumbers a node's children on demand. Rebalance is
// normally automatic after create and move.
func (s *Service) RebalanceNode(ctx context.Context, nodeID string) (map[string]any, error) {
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if err := s.store.RebalanceChildren(ctx, nodeID); err != nil {
		return nil, err
	}
	s.invalidateTree(ctx, node.SpaceID)
	return map[string]any{"ok": true}, nil
}

// Ancestors returns a node's ancestors bottom-up, excluding the
// sentinel.
func (s *Service) Ancestors(ctx context.Context, nodeID string) (map[string]any, error) {
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}

	views, err := s.ancestorViews(ctx, node)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(views))
	for _, view := range views {
		items = append(items, nodeViewPayload(view))
	}
	return map[string]any{"ancestors": items}, nil
}

func (s *Service) ancestorViews(ctx context.Context, node store.TreeNode) ([]store.TreeNodeView, error) {
	var views []store.TreeNodeView
	current := node
	for depth := 0; current.ParentID != nil; depth++ {
		if depth > tree.MaxDepth {
			return nil, s.corruptTree(node.ID, "ancestor chain exceeds depth bound")
		}
		parent, err := s.store.GetNode(ctx, *current.ParentID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, s.corruptTree(node.ID, "ancestor chain points at a missing node")
			}
			return nil, err
		}
		if parent.PageID != nil {
			view, err := s.store.GetNodeView(ctx, parent.ID)
			if err != nil {
				return nil, err
			}
			views = append(views, view)
		}
		current = parent
	}
	return views, nil
}

// Descendants returns a node's subtree as a flat list, breadth-first
// in position order.
func (s *Service) Descendants(ctx context.Context, nodeID string) (map[string]any, error) {
	if _, err := s.store.GetNode(ctx, nodeID); err != nil {
		return nil, err
	}

	type frame struct {
		id    string
		depth int
	}
	queue := []frame{{id: nodeID}}
	items := make([]map[string]any, 0)
	for len(queue) > 0 {
		f := queue[0]
		queue = queue[1:]
		if f.depth > tree.MaxDepth {
			return nil, s.corruptTree(nodeID, "subtree exceeds depth bound")
		}
		children, err := s.store.ListChildViews(ctx, f.id)
		if err != nil {
			return nil, err
		}
		for _, child := range children {
			items = append(items, nodeViewPayload(child))
			queue = append(queue, frame{id: child.ID, depth: f.depth + 1})
		}
	}
	return map[string]any{"descendants": items}, nil
}

// Breadcrumb returns the root-to-leaf trail of page ids, titles, and
// slugs ending at the given page.
func (s *Service) Breadcrumb(ctx context.Context, pageID string) (map[string]any, error) {
	page, err := s.store.GetPage(ctx, pageID)
	if err != nil {
		return nil, err
	}

	items := make([]map[string]any, 0)
	node, err := s.store.GetNodeByPage(ctx, pageID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err == nil {
		views, err := s.ancestorViews(ctx, node)
		if err != nil {
			return nil, err
		}
		for i := len(views) - 1; i >= 0; i-- {
			items = append(items, map[string]any{
				"id":    *views[i].PageID,
				"title": views[i].Title,
				"slug":  views[i].Slug,
			})
		}
	}
	items = append(items, map[string]any{
		"id":    page.ID,
		"title": page.Title,
		"slug":  page.Slug,
	})
	return map[string]any{"breadcrumb": items}, nil
}

func (s *Service) corruptTree(nodeID, reason string) error {
	log.Printf("tree: corrupt hierarchy near node %s: %s", nodeID, reason)
	return domainError(http.StatusInternalServerError, codeCorruptTree, "tree hierarchy is corrupt", nil)
}

func nodeViewPayload(view store.TreeNodeView) map[string]any {
	var pageID, parentID any
	if view.PageID != nil {
		pageID = *view.PageID
	}
	if view.ParentID != nil {
		parentID = *view.ParentID
	}
	return map[string]any{
		"id":          view.ID,
		"spaceId":     view.SpaceID,
		"pageId":      pageID,
		"parentId":    parentID,
		"position":    view.Position,
		"title":       view.Title,
		"slug":        view.Slug,
		"isArchived":  view.IsArchived,
		"hasChildren": view.HasChildren,
	}
}
