package store

import (
	"encoding/json"
	"time"
)

type Space struct {
	ID          string
	Key         string
	Name        string
	Description string
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Page struct {
	ID         string
	SpaceID    string
	Title      string
	Slug       string
	IsArchived bool
	CreatedBy  string
	CreatedAt  time.Time
	UpdatedAt  time.Time

	// Editable draft state. DraftToken is the opaque optimistic
	// concurrency token; DraftRev increments on every successful
	// draft write and feeds the token derivation.
	DraftJSON  json.RawMessage
	DraftText  string
	DraftToken string
	DraftRev   int64
}

// TreeNode is one entry in a space's hierarchy. The root sentinel has
// a nil PageID and nil ParentID; every other node points at a page.
type TreeNode struct {
	ID       string
	SpaceID  string
	PageID   *string
	ParentID *string
	Position int
}

// TreeNodeView is a node enriched with page fields for API responses.
type TreeNodeView struct {
	TreeNode
	Title       string
	Slug        string
	IsArchived  bool
	HasChildren bool
}

// PageVersion is an immutable published snapshot of a page.
type PageVersion struct {
	ID            string
	PageID        string
	VersionNumber int
	Title         string
	ContentJSON   json.RawMessage
	ContentText   string
	AuthorID      string
	Notes         string
	CreatedAt     time.Time
}

// Backlink is a derived src -> dst edge within a space.
type Backlink struct {
	ID        string
	SrcPageID string
	DstPageID string
	SpaceID   string
	CreatedAt time.Time
}

// BacklinkSource is a backlink enriched with the linking page's
// title and slug for "what links here" responses.
type BacklinkSource struct {
	Backlink
	SrcTitle string
	SrcSlug  string
}

// NodePosition is one entry in a batch reorder.
type NodePosition struct {
	ID       string
	Position int
}

// BreadcrumbItem is one hop of a root-to-leaf breadcrumb trail.
type BreadcrumbItem struct {
	ID    string
	Title string
	Slug  string
}

// PageRecord is the subset of page data pushed to the search index.
type PageRecord struct {
	ID      string
	SpaceID string
	Title   string
	Slug    string
	Text    string
}
