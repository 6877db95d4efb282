package store

import (
	"context"
	"fmt"

	"leaflet/api/internal/tree"
)

func scanNode(row interface{ Scan(...any) error }) (TreeNode, error) {
	var node TreeNode
	if err := row.Scan(&node.ID, &node.SpaceID, &node.PageID, &node.ParentID, &node.Position); err != nil {
		return TreeNode{}, err
	}
	return node, nil
}

func (s *PostgresStore) GetNode(ctx context.Context, nodeID string) (TreeNode, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, space_id, page_id, parent_id, position FROM tree_nodes WHERE id=$1
	`, nodeID)
	return scanNode(row)
}

func (s *PostgresStore) GetNodeByPage(ctx context.Context, pageID string) (TreeNode, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, space_id, page_id, parent_id, position FROM tree_nodes WHERE page_id=$1
	`, pageID)
	return scanNode(row)
}

// GetRootNode returns the space's sentinel node.
func (s *PostgresStore) GetRootNode(ctx context.Context, spaceID string) (TreeNode, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, space_id, page_id, parent_id, position
		FROM tree_nodes
		WHERE space_id=$1 AND page_id IS NULL AND parent_id IS NULL
	`, spaceID)
	return scanNode(row)
}

// ListChildren returns every child node under a parent in position
// order, including nodes whose pages are archived: archived nodes
// still occupy positions, so ordering math must see them.
func (s *PostgresStore) ListChildren(ctx context.Context, parentID string) ([]TreeNode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, space_id, page_id, parent_id, position
		FROM tree_nodes
		WHERE parent_id=$1
		ORDER BY position ASC
	`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()

	items := make([]TreeNode, 0)
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tree node: %w", err)
		}
		items = append(items, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate children: %w", err)
	}
	return items, nil
}

const nodeViewQuery = `
	SELECT n.id, n.space_id, n.page_id, n.parent_id, n.position,
		p.title, p.slug, p.is_archived,
		EXISTS(SELECT 1 FROM tree_nodes c WHERE c.parent_id = n.id)
	FROM tree_nodes n
	JOIN pages p ON p.id = n.page_id
`

func scanNodeView(row interface{ Scan(...any) error }) (TreeNodeView, error) {
	var view TreeNodeView
	err := row.Scan(
		&view.ID,
		&view.SpaceID,
		&view.PageID,
		&view.ParentID,
		&view.Position,
		&view.Title,
		&view.Slug,
		&view.IsArchived,
		&view.HasChildren,
	)
	if err != nil {
		return TreeNodeView{}, err
	}
	return view, nil
}

func (s *PostgresStore) GetNodeView(ctx context.Context, nodeID string) (TreeNodeView, error) {
	row := s.db.QueryRowContext(ctx, nodeViewQuery+` WHERE n.id=$1`, nodeID)
	return scanNodeView(row)
}

// ListSpaceTree returns the space's non-sentinel nodes as a flat list
// enriched with page fields, ordered by position. Archived pages stay
// in the list with their flag set; clients decide how to render them.
func (s *PostgresStore) ListSpaceTree(ctx context.Context, spaceID string) ([]TreeNodeView, error) {
	rows, err := s.db.QueryContext(ctx, nodeViewQuery+`
		WHERE n.space_id=$1
		ORDER BY n.position ASC
	`, spaceID)
	if err != nil {
		return nil, fmt.Errorf("list space tree: %w", err)
	}
	defer rows.Close()

	items := make([]TreeNodeView, 0)
	for rows.Next() {
		view, err := scanNodeView(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tree view: %w", err)
		}
		items = append(items, view)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate space tree: %w", err)
	}
	return items, nil
}

// ListChildViews returns a parent's children with page fields, used
// by the descendants walk.
func (s *PostgresStore) ListChildViews(ctx context.Context, parentID string) ([]TreeNodeView, error) {
	rows, err := s.db.QueryContext(ctx, nodeViewQuery+`
		WHERE n.parent_id=$1
		ORDER BY n.position ASC
	`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list child views: %w", err)
	}
	defer rows.Close()

	items := make([]TreeNodeView, 0)
	for rows.Next() {
		view, err := scanNodeView(rows)
		if err != nil {
			return nil, fmt.Errorf("scan child view: %w", err)
		}
		items = append(items, view)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate child views: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) MaxChildPosition(ctx context.Context, parentID string) (int, error) {
	var last int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(position), 0) FROM tree_nodes WHERE parent_id=$1
	`, parentID).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("max child position: %w", err)
	}
	return last, nil
}

func (s *PostgresStore) UpdateNodeParentPosition(ctx context.Context, nodeID, parentID string, position int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tree_nodes SET parent_id=$2, position=$3 WHERE id=$1
	`, nodeID, parentID, position)
	if err != nil {
		return fmt.Errorf("move tree node: %w", err)
	}
	return nil
}

// RebalanceChildren reassigns every child under a parent to spaced
// positions in their existing relative order, in one transaction.
// A negative interim pass keeps the sibling-position uniqueness
// constraint satisfied while rows shuffle.
func (s *PostgresStore) RebalanceChildren(ctx context.Context, parentID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rebalance: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM tree_nodes WHERE parent_id=$1 ORDER BY position ASC FOR UPDATE
	`, parentID)
	if err != nil {
		return fmt.Errorf("lock children: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("scan child id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate child ids: %w", err)
	}

	for i, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE tree_nodes SET position=$2 WHERE id=$1`, id, -(i + 1)); err != nil {
			return fmt.Errorf("stage rebalance position: %w", err)
		}
	}
	for i, id := range ids {
		if _, err := tx.ExecContext(ctx, `UPDATE tree_nodes SET position=$2 WHERE id=$1`, id, tree.Rebalanced(i)); err != nil {
			return fmt.Errorf("apply rebalance position: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rebalance: %w", err)
	}
	return nil
}

// ReorderNodes applies a batch of (node, position) updates in one
// transaction. Every node must belong to the given space. Target
// positions are precomputed by the caller; no rebalance runs here.
func (s *PostgresStore) ReorderNodes(ctx context.Context, spaceID string, updates []NodePosition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reorder: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, update := range updates {
		var inSpace bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM tree_nodes WHERE id=$1 AND space_id=$2)
		`, update.ID, spaceID).Scan(&inSpace); err != nil {
			return fmt.Errorf("check reorder node: %w", err)
		}
		if !inSpace {
			return fmt.Errorf("reorder node %s: %w", update.ID, ErrCrossSpace)
		}
	}

	for i, update := range updates {
		if _, err := tx.ExecContext(ctx, `UPDATE tree_nodes SET position=$2 WHERE id=$1`, update.ID, -(i + 1)); err != nil {
			return fmt.Errorf("stage reorder position: %w", err)
		}
	}
	for _, update := range updates {
		if _, err := tx.ExecContext(ctx, `UPDATE tree_nodes SET position=$2 WHERE id=$1`, update.ID, update.Position); err != nil {
			return fmt.Errorf("apply reorder position: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reorder: %w", err)
	}
	return nil
}
