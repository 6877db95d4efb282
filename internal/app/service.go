package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"leaflet/api/internal/cache"
	"leaflet/api/internal/config"
	"leaflet/api/internal/doctree"
	"leaflet/api/internal/search"
	"leaflet/api/internal/store"
	"leaflet/api/internal/util"
)

// emptyDraft is the document every page starts with.
var emptyDraft = json.RawMessage(`{"type":"doc","content":[]}`)

type dataStore interface {
	InsertSpaceWithRoot(context.Context, store.Space, string) error
	GetSpace(context.Context, string) (store.Space, error)
	ListSpaces(context.Context) ([]store.Space, error)
	CreatePageWithNode(context.Context, store.Page, store.TreeNode) error
	GetPage(context.Context, string) (store.Page, error)
	GetPageBySlug(context.Context, string, string) (store.Page, error)
	ListPagesBySpace(context.Context, string, bool, int, int) ([]store.Page, error)
	SlugExists(context.Context, string, string, string) (bool, error)
	UpdatePageMetadata(context.Context, string, string, string, bool) error
	SoftDeletePage(context.Context, string) error
	HardDeletePage(context.Context, string) error
	UpdateDraft(context.Context, string, string, json.RawMessage, string) (store.Page, error)
	PublishDraft(context.Context, string, string, string) (store.PageVersion, error)
	ListVersions(context.Context, string, int, int) ([]store.PageVersion, error)
	GetLatestVersion(context.Context, string) (store.PageVersion, error)
	GetVersion(context.Context, string, string) (store.PageVersion, error)
	RestoreVersionToDraft(context.Context, string, string) (store.Page, error)
	ListBacklinksTo(context.Context, string) ([]store.BacklinkSource, error)
	PageSearchRecord(context.Context, string) (store.PageRecord, error)
	ListPageRecords(context.Context) ([]store.PageRecord, error)
	GetNode(context.Context, string) (store.TreeNode, error)
	GetNodeByPage(context.Context, string) (store.TreeNode, error)
	GetRootNode(context.Context, string) (store.TreeNode, error)
	ListChildren(context.Context, string) ([]store.TreeNode, error)
	GetNodeView(context.Context, string) (store.TreeNodeView, error)
	ListSpaceTree(context.Context, string) ([]store.TreeNodeView, error)
	ListChildViews(context.Context, string) ([]store.TreeNodeView, error)
	MaxChildPosition(context.Context, string) (int, error)
	UpdateNodeParentPosition(context.Context, string, string, int) error
	RebalanceChildren(context.Context, string) error
	ReorderNodes(context.Context, string, []store.NodePosition) error
	Ping(ctx context.Context) error
}

type searchService interface {
	Search(search.Query) search.Response
	IndexPage(search.PageRecord)
	DeletePage(string)
	ReindexAll([]search.PageRecord)
}

type treeCache interface {
	GetSpaceTree(context.Context, string) ([]byte, bool)
	SetSpaceTree(context.Context, string, []byte)
	InvalidateSpace(context.Context, string)
}

type Service struct {
	cfg    config.Config
	store  dataStore
	search searchService
	cache  treeCache
}

func New(cfg config.Config, dataStore *store.PostgresStore, searchService *search.Service, cache *cache.TreeCache) *Service {
	s := &Service{
		cfg:    cfg,
		store:  dataStore,
		search: searchService,
	}
	if cache != nil {
		s.cache = cache
	}
	return s
}

// Bootstrap ensures a default space exists and warms the search index
// from the pages table.
func (s *Service) Bootstrap(ctx context.Context) error {
	spaces, err := s.store.ListSpaces(ctx)
	if err != nil {
		return err
	}
	if len(spaces) == 0 {
		space := store.Space{
			ID:        util.NewID("sp"),
			Key:       "general",
			Name:      "General",
			CreatedBy: "system",
		}
		if err := s.store.InsertSpaceWithRoot(ctx, space, util.NewID("nd")); err != nil {
			return err
		}
	}

	records, err := s.store.ListPageRecords(ctx)
	if err != nil {
		return err
	}
	s.search.ReindexAll(searchRecords(records))
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) CreateSpace(ctx context.Context, name, key, description, actorID string) (map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, validationError("name is required")
	}
	if key == "" {
		key = slugify(name)
	}

	space := store.Space{
		ID:          util.NewID("sp"),
		Key:         key,
		Name:        name,
		Description: description,
		CreatedBy:   actorID,
	}
	if err := s.store.InsertSpaceWithRoot(ctx, space, util.NewID("nd")); err != nil {
		return nil, err
	}

	created, err := s.store.GetSpace(ctx, space.ID)
	if err != nil {
		return nil, err
	}
	return spacePayload(created), nil
}

func (s *Service) GetSpace(ctx context.Context, spaceID string) (map[string]any, error) {
	space, err := s.store.GetSpace(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	return spacePayload(space), nil
}

func (s *Service) ListSpaces(ctx context.Context) (map[string]any, error) {
	spaces, err := s.store.ListSpaces(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(spaces))
	for _, space := range spaces {
		items = append(items, spacePayload(space))
	}
	return map[string]any{"spaces": items}, nil
}

// CreatePage creates a page and its tree node atomically. The node
// goes under the requested parent (the space's sentinel when no parent
// is given), appended at the end or before a named sibling.
func (s *Service) CreatePage(ctx context.Context, spaceID, title, slug, parentID, beforeNodeID, actorID string) (map[string]any, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, validationError("title is required")
	}

	if _, err := s.store.GetSpace(ctx, spaceID); err != nil {
		return nil, err
	}

	parent, err := s.resolveParent(ctx, spaceID, parentID)
	if err != nil {
		return nil, err
	}

	if slug == "" {
		slug = slugify(title)
	}
	slug, err = s.uniqueSlug(ctx, spaceID, slug, "")
	if err != nil {
		return nil, err
	}

	position, err := s.calculatePosition(ctx, parent.ID, beforeNodeID)
	if err != nil {
		return nil, err
	}

	pageID := util.NewID("pg")
	page := store.Page{
		ID:         pageID,
		SpaceID:    spaceID,
		Title:      title,
		Slug:       slug,
		CreatedBy:  actorID,
		DraftJSON:  emptyDraft,
		DraftToken: store.NewDraftToken(emptyDraft, 0),
	}
	node := store.TreeNode{
		ID:       util.NewID("nd"),
		SpaceID:  spaceID,
		PageID:   &pageID,
		ParentID: &parent.ID,
		Position: position,
	}
	if err := s.store.CreatePageWithNode(ctx, page, node); err != nil {
		return nil, err
	}

	s.invalidateTree(ctx, spaceID)
	s.indexPage(ctx, pageID)

	created, err := s.store.GetPage(ctx, pageID)
	if err != nil {
		return nil, err
	}
	return pagePayload(created), nil
}

// GetPage serves the direct read endpoint. Archived pages read as
// missing here; they stay reachable through tree listings and can be
// unarchived via UpdatePage.
func (s *Service) GetPage(ctx context.Context, pageID string) (map[string]any, error) {
	page, err := s.store.GetPage(ctx, pageID)
	if err != nil {
		return nil, err
	}
	if page.IsArchived {
		return nil, domainError(http.StatusNotFound, codeNotFound, "Not found", nil)
	}
	payload := pagePayload(page)
	payload["draft"] = draftPayload(page)
	return payload, nil
}

func (s *Service) GetPageBySlug(ctx context.Context, spaceID, slug string) (map[string]any, error) {
	page, err := s.store.GetPageBySlug(ctx, spaceID, slug)
	if err != nil {
		return nil, err
	}
	if page.IsArchived {
		return nil, domainError(http.StatusNotFound, codeNotFound, "Not found", nil)
	}
	payload := pagePayload(page)
	payload["draft"] = draftPayload(page)
	return payload, nil
}

func (s *Service) ListPages(ctx context.Context, spaceID string, includeArchived bool, limit, offset int) (map[string]any, error) {
	if _, err := s.store.GetSpace(ctx, spaceID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	pages, err := s.store.ListPagesBySpace(ctx, spaceID, includeArchived, limit, offset)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(pages))
	for _, page := range pages {
		items = append(items, pagePayload(page))
	}
	return map[string]any{"pages": items, "limit": limit, "offset": offset}, nil
}

type UpdatePageInput struct {
	Title      *string `json:"title"`
	Slug       *string `json:"slug"`
	IsArchived *bool   `json:"isArchived"`
}

// UpdatePage patches page metadata. A title change without an explicit
// slug regenerates the slug from the new title.
func (s *Service) UpdatePage(ctx context.Context, pageID string, input UpdatePageInput) (map[string]any, error) {
	page, err := s.store.GetPage(ctx, pageID)
	if err != nil {
		return nil, err
	}

	title := page.Title
	slug := page.Slug
	archived := page.IsArchived

	if input.Title != nil {
		title = strings.TrimSpace(*input.Title)
		if title == "" {
			return nil, validationError("title must not be empty")
		}
		if input.Slug == nil && title != page.Title {
			slug = slugify(title)
		}
	}
	if input.Slug != nil {
		slug = slugify(*input.Slug)
		if slug == "" {
			return nil, validationError("slug must not be empty")
		}
	}
	if input.IsArchived != nil {
		archived = *input.IsArchived
	}

	if slug != page.Slug {
		slug, err = s.uniqueSlug(ctx, page.SpaceID, slug, pageID)
		if err != nil {
			return nil, err
		}
	}

	if err := s.store.UpdatePageMetadata(ctx, pageID, title, slug, archived); err != nil {
		return nil, err
	}

	s.invalidateTree(ctx, page.SpaceID)
	if archived {
		s.search.DeletePage(pageID)
	} else {
		s.indexPage(ctx, pageID)
	}

	updated, err := s.store.GetPage(ctx, pageID)
	if err != nil {
		return nil, err
	}
	return pagePayload(updated), nil
}

// DeletePage archives a page, or removes it and its history entirely
// when hard is set. Tree node removal rides in the same transaction.
func (s *Service) DeletePage(ctx context.Context, pageID string, hard bool) error {
	page, err := s.store.GetPage(ctx, pageID)
	if err != nil {
		return err
	}

	if hard {
		if err := s.store.HardDeletePage(ctx, pageID); err != nil {
			return err
		}
	} else {
		if err := s.store.SoftDeletePage(ctx, pageID); err != nil {
			return err
		}
	}

	s.invalidateTree(ctx, page.SpaceID)
	s.search.DeletePage(pageID)
	return nil
}

func (s *Service) GetDraft(ctx context.Context, pageID string) (map[string]any, error) {
	page, err := s.store.GetPage(ctx, pageID)
	if err != nil {
		return nil, err
	}
	return draftPayload(page), nil
}

// UpdateDraft is the autosave path. The supplied token is the
// optimistic concurrency precondition; an empty token skips the check
// (first write, or a caller that chose to overwrite). The plain-text
// projection is always recomputed server-side.
func (s *Service) UpdateDraft(ctx context.Context, pageID string, content json.RawMessage, token string) (map[string]any, error) {
	root, err := doctree.Parse(content)
	if err != nil {
		return nil, validationError("content must be a document tree")
	}
	plainText, err := doctree.PlainText(root)
	if err != nil {
		if errors.Is(err, doctree.ErrTooDeep) {
			return nil, validationError("document tree exceeds maximum depth")
		}
		return nil, err
	}

	page, err := s.store.UpdateDraft(ctx, pageID, token, content, plainText)
	if err != nil {
		if errors.Is(err, store.ErrDraftConflict) {
			return nil, domainError(http.StatusConflict, codeConflict, "Draft was modified by another editor", map[string]any{
				"currentToken": page.DraftToken,
			})
		}
		return nil, err
	}

	s.indexPage(ctx, pageID)
	return draftPayload(page), nil
}

// Publish snapshots the draft into a new immutable version and
// reconciles the backlink index. The draft is left as-is.
func (s *Service) Publish(ctx context.Context, pageID, actorID, notes string) (map[string]any, error) {
	page, err := s.store.GetPage(ctx, pageID)
	if err != nil {
		return nil, err
	}
	root, err := doctree.Parse(page.DraftJSON)
	if err != nil {
		return nil, fmt.Errorf("parse draft: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, validationError("no draft content to publish")
	}

	version, err := s.store.PublishDraft(ctx, pageID, actorID, notes)
	if err != nil {
		return nil, err
	}

	s.indexPage(ctx, pageID)
	return versionPayload(version, true), nil
}

func (s *Service) ListVersions(ctx context.Context, pageID string, limit, offset int) (map[string]any, error) {
	if _, err := s.store.GetPage(ctx, pageID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	versions, err := s.store.ListVersions(ctx, pageID, limit, offset)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(versions))
	for _, version := range versions {
		items = append(items, versionPayload(version, false))
	}
	return map[string]any{"versions": items, "limit": limit, "offset": offset}, nil
}

func (s *Service) GetVersion(ctx context.Context, pageID, versionID string) (map[string]any, error) {
	version, err := s.store.GetVersion(ctx, pageID, versionID)
	if err != nil {
		return nil, err
	}
	return versionPayload(version, true), nil
}

// Restore copies a historical version's content and title back into
// the draft. It goes through the draft write path, so a fresh token is
// issued; no new version is created until the caller publishes again.
func (s *Service) Restore(ctx context.Context, pageID, versionID string) (map[string]any, error) {
	if strings.TrimSpace(versionID) == "" {
		return nil, validationError("versionId is required")
	}
	page, err := s.store.RestoreVersionToDraft(ctx, pageID, versionID)
	if err != nil {
		return nil, err
	}

	s.invalidateTree(ctx, page.SpaceID)
	s.indexPage(ctx, pageID)
	return draftPayload(page), nil
}

func (s *Service) Backlinks(ctx context.Context, pageID string) (map[string]any, error) {
	if _, err := s.store.GetPage(ctx, pageID); err != nil {
		return nil, err
	}
	links, err := s.store.ListBacklinksTo(ctx, pageID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(links))
	for _, link := range links {
		items = append(items, map[string]any{
			"id":        link.ID,
			"srcPageId": link.SrcPageID,
			"dstPageId": link.DstPageID,
			"spaceId":   link.SpaceID,
			"createdAt": link.CreatedAt,
			"srcTitle":  link.SrcTitle,
			"srcSlug":   link.SrcSlug,
		})
	}
	return map[string]any{"backlinks": items}, nil
}

func (s *Service) Search(ctx context.Context, q, spaceID string, limit, offset int) search.Response {
	return s.search.Search(search.Query{
		Text:          q,
		FilterSpaceID: spaceID,
		Limit:         limit,
		Offset:        offset,
	})
}

// indexPage pushes the page's current record to the search index,
// fire-and-forget. A read failure only costs index freshness.
func (s *Service) indexPage(ctx context.Context, pageID string) {
	record, err := s.store.PageSearchRecord(ctx, pageID)
	if err != nil {
		return
	}
	s.search.IndexPage(search.PageRecord{
		ID:      record.ID,
		SpaceID: record.SpaceID,
		Title:   record.Title,
		Slug:    record.Slug,
		Text:    record.Text,
	})
}

func (s *Service) invalidateTree(ctx context.Context, spaceID string) {
	if s.cache != nil {
		s.cache.InvalidateSpace(ctx, spaceID)
	}
}

// uniqueSlug appends a numeric suffix until the slug is free within
// the space.
func (s *Service) uniqueSlug(ctx context.Context, spaceID, base, excludePageID string) (string, error) {
	if base == "" {
		base = "page"
	}
	candidate := base
	for i := 2; ; i++ {
		exists, err := s.store.SlugExists(ctx, spaceID, candidate, excludePageID)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
		if i > 50 {
			return base + "-" + util.NewID("")[:8], nil
		}
		candidate = fmt.Sprintf("%s-%d", base, i)
	}
}

func slugify(value string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(strings.TrimSpace(value)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

func searchRecords(records []store.PageRecord) []search.PageRecord {
	out := make([]search.PageRecord, 0, len(records))
	for _, record := range records {
		out = append(out, search.PageRecord{
			ID:      record.ID,
			SpaceID: record.SpaceID,
			Title:   record.Title,
			Slug:    record.Slug,
			Text:    record.Text,
		})
	}
	return out
}

func spacePayload(space store.Space) map[string]any {
	return map[string]any{
		"id":          space.ID,
		"key":         space.Key,
		"name":        space.Name,
		"description": space.Description,
		"createdBy":   space.CreatedBy,
		"createdAt":   space.CreatedAt,
		"updatedAt":   space.UpdatedAt,
	}
}

func pagePayload(page store.Page) map[string]any {
	return map[string]any{
		"id":         page.ID,
		"spaceId":    page.SpaceID,
		"title":      page.Title,
		"slug":       page.Slug,
		"isArchived": page.IsArchived,
		"createdBy":  page.CreatedBy,
		"createdAt":  page.CreatedAt,
		"updatedAt":  page.UpdatedAt,
	}
}

func draftPayload(page store.Page) map[string]any {
	content := page.DraftJSON
	if len(content) == 0 {
		content = emptyDraft
	}
	return map[string]any{
		"content":   content,
		"plainText": page.DraftText,
		"token":     page.DraftToken,
		"updatedAt": page.UpdatedAt,
	}
}

func versionPayload(version store.PageVersion, withContent bool) map[string]any {
	payload := map[string]any{
		"id":            version.ID,
		"pageId":        version.PageID,
		"versionNumber": version.VersionNumber,
		"title":         version.Title,
		"authorId":      version.AuthorID,
		"notes":         version.Notes,
		"createdAt":     version.CreatedAt,
	}
	if withContent {
		content := version.ContentJSON
		if len(content) == 0 {
			content = emptyDraft
		}
		payload["content"] = content
		payload["plainText"] = version.ContentText
	}
	return payload
}

// resolveParent maps an optional parent node id to a concrete node.
// Empty means the space's sentinel. A missing parent or one from
// another space is an invalid parent, not a generic not-found.
func (s *Service) resolveParent(ctx context.Context, spaceID, parentID string) (store.TreeNode, error) {
	if parentID == "" {
		root, err := s.store.GetRootNode(ctx, spaceID)
		if err != nil {
			return store.TreeNode{}, fmt.Errorf("root node for %s: %w", spaceID, err)
		}
		return root, nil
	}
	parent, err := s.store.GetNode(ctx, parentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.TreeNode{}, domainError(http.StatusBadRequest, codeInvalidParent, "parent node not found", nil)
		}
		return store.TreeNode{}, err
	}
	if parent.SpaceID != spaceID {
		return store.TreeNode{}, domainError(http.StatusBadRequest, codeInvalidParent, "parent node belongs to another space", nil)
	}
	return parent, nil
}
