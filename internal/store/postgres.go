package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"leaflet/api/internal/doctree"
	"leaflet/api/internal/tree"
	"leaflet/api/internal/util"
)

// ErrDraftConflict is returned by UpdateDraft when the supplied token
// does not match the stored one. The accompanying Page carries the
// authoritative current state so callers can surface the live token.
var ErrDraftConflict = errors.New("draft token mismatch")

// ErrCrossSpace is returned when a batch tree operation names a node
// outside the space it claims to operate on.
var ErrCrossSpace = errors.New("node belongs to another space")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// draftToken derives the opaque concurrency token for a draft. The
// revision counter is folded in so rewriting identical content still
// produces a fresh token.
func draftToken(content json.RawMessage, rev int64) string {
	h := sha256.New()
	h.Write(content)
	h.Write([]byte("#" + strconv.FormatInt(rev, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

func (s *PostgresStore) InsertSpaceWithRoot(ctx context.Context, space Space, rootNodeID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert space: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO spaces (id, key, name, description, created_by)
		VALUES ($1, $2, $3, $4, $5)
	`, space.ID, space.Key, space.Name, space.Description, space.CreatedBy); err != nil {
		return fmt.Errorf("insert space: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tree_nodes (id, space_id, page_id, parent_id, position)
		VALUES ($1, $2, NULL, NULL, 0)
	`, rootNodeID, space.ID); err != nil {
		return fmt.Errorf("insert root node: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert space: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSpace(ctx context.Context, spaceID string) (Space, error) {
	var space Space
	err := s.db.QueryRowContext(ctx, `
		SELECT id, key, name, description, created_by, created_at, updated_at
		FROM spaces
		WHERE id=$1
	`, spaceID).Scan(&space.ID, &space.Key, &space.Name, &space.Description, &space.CreatedBy, &space.CreatedAt, &space.UpdatedAt)
	if err != nil {
		return Space{}, err
	}
	return space, nil
}

func (s *PostgresStore) ListSpaces(ctx context.Context) ([]Space, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, key, name, description, created_by, created_at, updated_at
		FROM spaces
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list spaces: %w", err)
	}
	defer rows.Close()

	items := make([]Space, 0)
	for rows.Next() {
		var space Space
		if err := rows.Scan(&space.ID, &space.Key, &space.Name, &space.Description, &space.CreatedBy, &space.CreatedAt, &space.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan space: %w", err)
		}
		items = append(items, space)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate spaces: %w", err)
	}
	return items, nil
}

const pageColumns = `id, space_id, title, slug, is_archived, created_by, created_at, updated_at, draft_json, draft_text, draft_etag, draft_rev`

func scanPage(row interface{ Scan(...any) error }) (Page, error) {
	var page Page
	err := row.Scan(
		&page.ID,
		&page.SpaceID,
		&page.Title,
		&page.Slug,
		&page.IsArchived,
		&page.CreatedBy,
		&page.CreatedAt,
		&page.UpdatedAt,
		&page.DraftJSON,
		&page.DraftText,
		&page.DraftToken,
		&page.DraftRev,
	)
	if err != nil {
		return Page{}, err
	}
	return page, nil
}

// CreatePageWithNode inserts a page together with its tree node. The
// page's initial draft token is derived from the empty draft at rev 0.
func (s *PostgresStore) CreatePageWithNode(ctx context.Context, page Page, node TreeNode) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create page: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO pages (id, space_id, title, slug, is_archived, created_by, draft_json, draft_text, draft_etag, draft_rev)
		VALUES ($1, $2, $3, $4, FALSE, $5, $6, $7, $8, $9)
	`, page.ID, page.SpaceID, page.Title, page.Slug, page.CreatedBy, string(page.DraftJSON), page.DraftText, page.DraftToken, page.DraftRev); err != nil {
		return fmt.Errorf("insert page: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tree_nodes (id, space_id, page_id, parent_id, position)
		VALUES ($1, $2, $3, $4, $5)
	`, node.ID, node.SpaceID, node.PageID, node.ParentID, node.Position); err != nil {
		return fmt.Errorf("insert tree node: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create page: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPage(ctx context.Context, pageID string) (Page, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE id=$1`, pageID)
	return scanPage(row)
}

func (s *PostgresStore) GetPageBySlug(ctx context.Context, spaceID, slug string) (Page, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE space_id=$1 AND slug=$2`, spaceID, slug)
	return scanPage(row)
}

func (s *PostgresStore) ListPagesBySpace(ctx context.Context, spaceID string, includeArchived bool, limit, offset int) ([]Page, error) {
	query := `SELECT ` + pageColumns + ` FROM pages WHERE space_id=$1`
	if !includeArchived {
		query += ` AND is_archived=FALSE`
	}
	query += ` ORDER BY title ASC LIMIT $2 OFFSET $3`

	rows, err := s.db.QueryContext(ctx, query, spaceID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()

	items := make([]Page, 0)
	for rows.Next() {
		page, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		items = append(items, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) SlugExists(ctx context.Context, spaceID, slug, excludePageID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM pages WHERE space_id=$1 AND slug=$2 AND id<>$3)
	`, spaceID, slug, excludePageID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check slug: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) UpdatePageMetadata(ctx context.Context, pageID, title, slug string, isArchived bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pages
		SET title=$2, slug=$3, is_archived=$4, updated_at=NOW()
		WHERE id=$1
	`, pageID, title, slug, isArchived)
	if err != nil {
		return fmt.Errorf("update page metadata: %w", err)
	}
	return nil
}

func (s *PostgresStore) SoftDeletePage(ctx context.Context, pageID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE pages SET is_archived=TRUE, updated_at=NOW() WHERE id=$1`, pageID)
	if err != nil {
		return fmt.Errorf("archive page: %w", err)
	}
	return nil
}

// HardDeletePage removes the page, its tree node, versions, and
// backlink edges. Children of the deleted node are reparented to its
// former parent and appended after that parent's existing children so
// the sibling-position uniqueness holds.
func (s *PostgresStore) HardDeletePage(ctx context.Context, pageID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin hard delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var nodeID string
	var parentID sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT id, parent_id FROM tree_nodes WHERE page_id=$1 FOR UPDATE
	`, pageID).Scan(&nodeID, &parentID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("lookup tree node: %w", err)
	}

	if nodeID != "" {
		var last sql.NullInt64
		if err := tx.QueryRowContext(ctx, `
			SELECT MAX(position) FROM tree_nodes WHERE parent_id=$1
		`, parentID).Scan(&last); err != nil {
			return fmt.Errorf("max sibling position: %w", err)
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM tree_nodes WHERE parent_id=$1 ORDER BY position ASC
		`, nodeID)
		if err != nil {
			return fmt.Errorf("list child nodes: %w", err)
		}
		var children []string
		for rows.Next() {
			var childID string
			if err := rows.Scan(&childID); err != nil {
				rows.Close()
				return fmt.Errorf("scan child node: %w", err)
			}
			children = append(children, childID)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate child nodes: %w", err)
		}

		next := int(last.Int64)
		for _, childID := range children {
			next = tree.Append(next)
			if _, err := tx.ExecContext(ctx, `
				UPDATE tree_nodes SET parent_id=$2, position=$3 WHERE id=$1
			`, childID, parentID, next); err != nil {
				return fmt.Errorf("reparent child node: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM tree_nodes WHERE id=$1`, nodeID); err != nil {
			return fmt.Errorf("delete tree node: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM backlinks WHERE src_page_id=$1 OR dst_page_id=$1`, pageID); err != nil {
		return fmt.Errorf("delete backlinks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM page_versions WHERE page_id=$1`, pageID); err != nil {
		return fmt.Errorf("delete page versions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pages WHERE id=$1`, pageID); err != nil {
		return fmt.Errorf("delete page: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit hard delete: %w", err)
	}
	return nil
}

// UpdateDraft replaces the page's draft under a row lock. An empty
// suppliedToken skips the precondition (first write, or a caller that
// chose to overwrite after a conflict). On mismatch the current page
// is returned alongside ErrDraftConflict and nothing is written.
func (s *PostgresStore) UpdateDraft(ctx context.Context, pageID, suppliedToken string, content json.RawMessage, plainText string) (Page, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Page{}, fmt.Errorf("begin draft write: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE id=$1 FOR UPDATE`, pageID)
	current, err := scanPage(row)
	if err != nil {
		return Page{}, err
	}

	if suppliedToken != "" && suppliedToken != current.DraftToken {
		return current, ErrDraftConflict
	}

	rev := current.DraftRev + 1
	token := draftToken(content, rev)
	if _, err := tx.ExecContext(ctx, `
		UPDATE pages
		SET draft_json=$2, draft_text=$3, draft_etag=$4, draft_rev=$5, updated_at=NOW()
		WHERE id=$1
	`, pageID, string(content), plainText, token, rev); err != nil {
		return Page{}, fmt.Errorf("write draft: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Page{}, fmt.Errorf("commit draft write: %w", err)
	}

	current.DraftJSON = content
	current.DraftText = plainText
	current.DraftToken = token
	current.DraftRev = rev
	return current, nil
}

// NewDraftToken derives the token for a freshly created page's empty
// draft, so page creation and the CAS write path agree on derivation.
func NewDraftToken(content json.RawMessage, rev int64) string {
	return draftToken(content, rev)
}

const versionColumns = `id, page_id, version_number, title, content_json, content_text, author_id, notes, created_at`

func scanVersion(row interface{ Scan(...any) error }) (PageVersion, error) {
	var version PageVersion
	err := row.Scan(
		&version.ID,
		&version.PageID,
		&version.VersionNumber,
		&version.Title,
		&version.ContentJSON,
		&version.ContentText,
		&version.AuthorID,
		&version.Notes,
		&version.CreatedAt,
	)
	if err != nil {
		return PageVersion{}, err
	}
	return version, nil
}

// PublishDraft snapshots the current draft into a new immutable
// version and reconciles the page's outgoing backlinks, all inside one
// transaction so readers never see a version with a stale edge set.
// The draft itself is left untouched.
func (s *PostgresStore) PublishDraft(ctx context.Context, pageID, authorID, notes string) (PageVersion, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return PageVersion{}, fmt.Errorf("begin publish: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE id=$1 FOR UPDATE`, pageID)
	page, err := scanPage(row)
	if err != nil {
		return PageVersion{}, err
	}

	var number int
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(version_number), 0) + 1 FROM page_versions WHERE page_id=$1
	`, pageID).Scan(&number); err != nil {
		return PageVersion{}, fmt.Errorf("next version number: %w", err)
	}

	version := PageVersion{
		ID:            util.NewID("ver"),
		PageID:        pageID,
		VersionNumber: number,
		Title:         page.Title,
		ContentJSON:   page.DraftJSON,
		ContentText:   page.DraftText,
		AuthorID:      authorID,
		Notes:         notes,
	}
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO page_versions (id, page_id, version_number, title, content_json, content_text, author_id, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, version.ID, version.PageID, version.VersionNumber, version.Title, string(version.ContentJSON), version.ContentText, version.AuthorID, version.Notes).Scan(&version.CreatedAt); err != nil {
		return PageVersion{}, fmt.Errorf("insert version: %w", err)
	}

	if err := s.reconcileBacklinks(ctx, tx, page); err != nil {
		return PageVersion{}, err
	}

	if err := tx.Commit(); err != nil {
		return PageVersion{}, fmt.Errorf("commit publish: %w", err)
	}
	return version, nil
}

// reconcileBacklinks replaces every outgoing edge of the page with the
// set extracted from the published content. Only destinations that
// exist in the same space are kept; self-links are never recorded.
func (s *PostgresStore) reconcileBacklinks(ctx context.Context, tx *sql.Tx, page Page) error {
	root, err := doctree.Parse(page.DraftJSON)
	if err != nil {
		return fmt.Errorf("parse published content: %w", err)
	}
	targets, err := doctree.LinkTargets(root)
	if err != nil {
		return fmt.Errorf("extract link targets: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM backlinks WHERE src_page_id=$1`, page.ID); err != nil {
		return fmt.Errorf("clear backlinks: %w", err)
	}

	for _, dst := range targets {
		if dst == page.ID {
			continue
		}
		var exists bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM pages WHERE id=$1 AND space_id=$2)
		`, dst, page.SpaceID).Scan(&exists); err != nil {
			return fmt.Errorf("check link target: %w", err)
		}
		if !exists {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO backlinks (id, src_page_id, dst_page_id, space_id)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (src_page_id, dst_page_id) DO NOTHING
		`, util.NewID("bl"), page.ID, dst, page.SpaceID); err != nil {
			return fmt.Errorf("insert backlink: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) ListVersions(ctx context.Context, pageID string, limit, offset int) ([]PageVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, page_id, version_number, title, author_id, notes, created_at
		FROM page_versions
		WHERE page_id=$1
		ORDER BY version_number DESC
		LIMIT $2 OFFSET $3
	`, pageID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]PageVersion, 0)
	for rows.Next() {
		var version PageVersion
		if err := rows.Scan(&version.ID, &version.PageID, &version.VersionNumber, &version.Title, &version.AuthorID, &version.Notes, &version.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		items = append(items, version)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetLatestVersion(ctx context.Context, pageID string) (PageVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+versionColumns+` FROM page_versions WHERE page_id=$1 ORDER BY version_number DESC LIMIT 1
	`, pageID)
	return scanVersion(row)
}

func (s *PostgresStore) GetVersion(ctx context.Context, pageID, versionID string) (PageVersion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+versionColumns+` FROM page_versions WHERE id=$1 AND page_id=$2
	`, versionID, pageID)
	return scanVersion(row)
}

// RestoreVersionToDraft copies a historical version's title and
// content into the draft. This is a draft write: the revision counter
// advances and a fresh token is issued. No new version is created.
func (s *PostgresStore) RestoreVersionToDraft(ctx context.Context, pageID, versionID string) (Page, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Page{}, fmt.Errorf("begin restore: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE id=$1 FOR UPDATE`, pageID)
	page, err := scanPage(row)
	if err != nil {
		return Page{}, err
	}

	vrow := tx.QueryRowContext(ctx, `
		SELECT `+versionColumns+` FROM page_versions WHERE id=$1 AND page_id=$2
	`, versionID, pageID)
	version, err := scanVersion(vrow)
	if err != nil {
		return Page{}, err
	}

	rev := page.DraftRev + 1
	token := draftToken(version.ContentJSON, rev)
	if _, err := tx.ExecContext(ctx, `
		UPDATE pages
		SET title=$2, draft_json=$3, draft_text=$4, draft_etag=$5, draft_rev=$6, updated_at=NOW()
		WHERE id=$1
	`, pageID, version.Title, string(version.ContentJSON), version.ContentText, token, rev); err != nil {
		return Page{}, fmt.Errorf("restore draft: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Page{}, fmt.Errorf("commit restore: %w", err)
	}

	page.Title = version.Title
	page.DraftJSON = version.ContentJSON
	page.DraftText = version.ContentText
	page.DraftToken = token
	page.DraftRev = rev
	return page, nil
}

// ListBacklinksTo returns the edges pointing at a page, enriched with
// the linking page's title and slug. Archived sources are skipped.
func (s *PostgresStore) ListBacklinksTo(ctx context.Context, pageID string) ([]BacklinkSource, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.id, b.src_page_id, b.dst_page_id, b.space_id, b.created_at, p.title, p.slug
		FROM backlinks b
		JOIN pages p ON p.id = b.src_page_id
		WHERE b.dst_page_id=$1 AND p.is_archived=FALSE
		ORDER BY p.title ASC
	`, pageID)
	if err != nil {
		return nil, fmt.Errorf("list backlinks: %w", err)
	}
	defer rows.Close()

	items := make([]BacklinkSource, 0)
	for rows.Next() {
		var item BacklinkSource
		if err := rows.Scan(&item.ID, &item.SrcPageID, &item.DstPageID, &item.SpaceID, &item.CreatedAt, &item.SrcTitle, &item.SrcSlug); err != nil {
			return nil, fmt.Errorf("scan backlink: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backlinks: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) PageSearchRecord(ctx context.Context, pageID string) (PageRecord, error) {
	var record PageRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT id, space_id, title, slug, draft_text FROM pages WHERE id=$1
	`, pageID).Scan(&record.ID, &record.SpaceID, &record.Title, &record.Slug, &record.Text)
	if err != nil {
		return PageRecord{}, err
	}
	return record, nil
}

func (s *PostgresStore) ListPageRecords(ctx context.Context) ([]PageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, space_id, title, slug, draft_text FROM pages WHERE is_archived=FALSE
	`)
	if err != nil {
		return nil, fmt.Errorf("list page records: %w", err)
	}
	defer rows.Close()

	items := make([]PageRecord, 0)
	for rows.Next() {
		var record PageRecord
		if err := rows.Scan(&record.ID, &record.SpaceID, &record.Title, &record.Slug, &record.Text); err != nil {
			return nil, fmt.Errorf("scan page record: %w", err)
		}
		items = append(items, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate page records: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
