package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"leaflet/api/internal/config"
	"leaflet/api/internal/search"
	"leaflet/api/internal/store"
)

type fakeStore struct {
	insertSpaceWithRootFn      func(context.Context, store.Space, string) error
	getSpaceFn                 func(context.Context, string) (store.Space, error)
	listSpacesFn               func(context.Context) ([]store.Space, error)
	createPageWithNodeFn       func(context.Context, store.Page, store.TreeNode) error
	getPageFn                  func(context.Context, string) (store.Page, error)
	getPageBySlugFn            func(context.Context, string, string) (store.Page, error)
	listPagesBySpaceFn         func(context.Context, string, bool, int, int) ([]store.Page, error)
	slugExistsFn               func(context.Context, string, string, string) (bool, error)
	updatePageMetadataFn       func(context.Context, string, string, string, bool) error
	softDeletePageFn           func(context.Context, string) error
	hardDeletePageFn           func(context.Context, string) error
	updateDraftFn              func(context.Context, string, string, json.RawMessage, string) (store.Page, error)
	publishDraftFn             func(context.Context, string, string, string) (store.PageVersion, error)
	listVersionsFn             func(context.Context, string, int, int) ([]store.PageVersion, error)
	getLatestVersionFn         func(context.Context, string) (store.PageVersion, error)
	getVersionFn               func(context.Context, string, string) (store.PageVersion, error)
	restoreVersionToDraftFn    func(context.Context, string, string) (store.Page, error)
	listBacklinksToFn          func(context.Context, string) ([]store.BacklinkSource, error)
	getNodeFn                  func(context.Context, string) (store.TreeNode, error)
	getNodeByPageFn            func(context.Context, string) (store.TreeNode, error)
	getRootNodeFn              func(context.Context, string) (store.TreeNode, error)
	listChildrenFn             func(context.Context, string) ([]store.TreeNode, error)
	getNodeViewFn              func(context.Context, string) (store.TreeNodeView, error)
	listSpaceTreeFn            func(context.Context, string) ([]store.TreeNodeView, error)
	listChildViewsFn           func(context.Context, string) ([]store.TreeNodeView, error)
	maxChildPositionFn         func(context.Context, string) (int, error)
	updateNodeParentPositionFn func(context.Context, string, string, int) error
	rebalanceChildrenFn        func(context.Context, string) error
	reorderNodesFn             func(context.Context, string, []store.NodePosition) error
}

func (f *fakeStore) InsertSpaceWithRoot(ctx context.Context, space store.Space, rootNodeID string) error {
	if f.insertSpaceWithRootFn != nil {
		return f.insertSpaceWithRootFn(ctx, space, rootNodeID)
	}
	return nil
}
func (f *fakeStore) GetSpace(ctx context.Context, spaceID string) (store.Space, error) {
	if f.getSpaceFn != nil {
		return f.getSpaceFn(ctx, spaceID)
	}
	return store.Space{ID: spaceID, Key: "general", Name: "General"}, nil
}
func (f *fakeStore) ListSpaces(ctx context.Context) ([]store.Space, error) {
	if f.listSpacesFn != nil {
		return f.listSpacesFn(ctx)
	}
	return nil, nil
}
func (f *fakeStore) CreatePageWithNode(ctx context.Context, page store.Page, node store.TreeNode) error {
	if f.createPageWithNodeFn != nil {
		return f.createPageWithNodeFn(ctx, page, node)
	}
	return nil
}
func (f *fakeStore) GetPage(ctx context.Context, pageID string) (store.Page, error) {
	if f.getPageFn != nil {
		return f.getPageFn(ctx, pageID)
	}
	return store.Page{ID: pageID, SpaceID: "sp_1"}, nil
}
func (f *fakeStore) GetPageBySlug(ctx context.Context, spaceID, slug string) (store.Page, error) {
	if f.getPageBySlugFn != nil {
		return f.getPageBySlugFn(ctx, spaceID, slug)
	}
	return store.Page{}, sql.ErrNoRows
}
func (f *fakeStore) ListPagesBySpace(ctx context.Context, spaceID string, includeArchived bool, limit, offset int) ([]store.Page, error) {
	if f.listPagesBySpaceFn != nil {
		return f.listPagesBySpaceFn(ctx, spaceID, includeArchived, limit, offset)
	}
	return nil, nil
}
func (f *fakeStore) SlugExists(ctx context.Context, spaceID, slug, excludePageID string) (bool, error) {
	if f.slugExistsFn != nil {
		return f.slugExistsFn(ctx, spaceID, slug, excludePageID)
	}
	return false, nil
}
func (f *fakeStore) UpdatePageMetadata(ctx context.Context, pageID, title, slug string, archived bool) error {
	if f.updatePageMetadataFn != nil {
		return f.updatePageMetadataFn(ctx, pageID, title, slug, archived)
	}
	return nil
}
func (f *fakeStore) SoftDeletePage(ctx context.Context, pageID string) error {
	if f.softDeletePageFn != nil {
		return f.softDeletePageFn(ctx, pageID)
	}
	return nil
}
func (f *fakeStore) HardDeletePage(ctx context.Context, pageID string) error {
	if f.hardDeletePageFn != nil {
		return f.hardDeletePageFn(ctx, pageID)
	}
	return nil
}
func (f *fakeStore) UpdateDraft(ctx context.Context, pageID, token string, content json.RawMessage, plainText string) (store.Page, error) {
	if f.updateDraftFn != nil {
		return f.updateDraftFn(ctx, pageID, token, content, plainText)
	}
	return store.Page{ID: pageID, DraftJSON: content, DraftText: plainText}, nil
}
func (f *fakeStore) PublishDraft(ctx context.Context, pageID, authorID, notes string) (store.PageVersion, error) {
	if f.publishDraftFn != nil {
		return f.publishDraftFn(ctx, pageID, authorID, notes)
	}
	return store.PageVersion{PageID: pageID, VersionNumber: 1}, nil
}
func (f *fakeStore) ListVersions(ctx context.Context, pageID string, limit, offset int) ([]store.PageVersion, error) {
	if f.listVersionsFn != nil {
		return f.listVersionsFn(ctx, pageID, limit, offset)
	}
	return nil, nil
}
func (f *fakeStore) GetLatestVersion(ctx context.Context, pageID string) (store.PageVersion, error) {
	if f.getLatestVersionFn != nil {
		return f.getLatestVersionFn(ctx, pageID)
	}
	return store.PageVersion{}, sql.ErrNoRows
}
func (f *fakeStore) GetVersion(ctx context.Context, pageID, versionID string) (store.PageVersion, error) {
	if f.getVersionFn != nil {
		return f.getVersionFn(ctx, pageID, versionID)
	}
	return store.PageVersion{}, sql.ErrNoRows
}
func (f *fakeStore) RestoreVersionToDraft(ctx context.Context, pageID, versionID string) (store.Page, error) {
	if f.restoreVersionToDraftFn != nil {
		return f.restoreVersionToDraftFn(ctx, pageID, versionID)
	}
	return store.Page{ID: pageID}, nil
}
func (f *fakeStore) ListBacklinksTo(ctx context.Context, pageID string) ([]store.BacklinkSource, error) {
	if f.listBacklinksToFn != nil {
		return f.listBacklinksToFn(ctx, pageID)
	}
	return nil, nil
}
func (f *fakeStore) PageSearchRecord(ctx context.Context, pageID string) (store.PageRecord, error) {
	return store.PageRecord{ID: pageID}, nil
}
func (f *fakeStore) ListPageRecords(context.Context) ([]store.PageRecord, error) { return nil, nil }
func (f *fakeStore) GetNode(ctx context.Context, nodeID string) (store.TreeNode, error) {
	if f.getNodeFn != nil {
		return f.getNodeFn(ctx, nodeID)
	}
	return store.TreeNode{}, sql.ErrNoRows
}
func (f *fakeStore) GetNodeByPage(ctx context.Context, pageID string) (store.TreeNode, error) {
	if f.getNodeByPageFn != nil {
		return f.getNodeByPageFn(ctx, pageID)
	}
	return store.TreeNode{}, sql.ErrNoRows
}
func (f *fakeStore) GetRootNode(ctx context.Context, spaceID string) (store.TreeNode, error) {
	if f.getRootNodeFn != nil {
		return f.getRootNodeFn(ctx, spaceID)
	}
	return store.TreeNode{ID: "nd_root", SpaceID: spaceID}, nil
}
func (f *fakeStore) ListChildren(ctx context.Context, parentID string) ([]store.TreeNode, error) {
	if f.listChildrenFn != nil {
		return f.listChildrenFn(ctx, parentID)
	}
	return nil, nil
}
func (f *fakeStore) GetNodeView(ctx context.Context, nodeID string) (store.TreeNodeView, error) {
	if f.getNodeViewFn != nil {
		return f.getNodeViewFn(ctx, nodeID)
	}
	return store.TreeNodeView{}, sql.ErrNoRows
}
func (f *fakeStore) ListSpaceTree(ctx context.Context, spaceID string) ([]store.TreeNodeView, error) {
	if f.listSpaceTreeFn != nil {
		return f.listSpaceTreeFn(ctx, spaceID)
	}
	return nil, nil
}
func (f *fakeStore) ListChildViews(ctx context.Context, parentID string) ([]store.TreeNodeView, error) {
	if f.listChildViewsFn != nil {
		return f.listChildViewsFn(ctx, parentID)
	}
	return nil, nil
}
func (f *fakeStore) MaxChildPosition(ctx context.Context, parentID string) (int, error) {
	if f.maxChildPositionFn != nil {
		return f.maxChildPositionFn(ctx, parentID)
	}
	return 0, nil
}
func (f *fakeStore) UpdateNodeParentPosition(ctx context.Context, nodeID, parentID string, position int) error {
	if f.updateNodeParentPositionFn != nil {
		return f.updateNodeParentPositionFn(ctx, nodeID, parentID, position)
	}
	return nil
}
func (f *fakeStore) RebalanceChildren(ctx context.Context, parentID string) error {
	if f.rebalanceChildrenFn != nil {
		return f.rebalanceChildrenFn(ctx, parentID)
	}
	return nil
}
func (f *fakeStore) ReorderNodes(ctx context.Context, spaceID string, updates []store.NodePosition) error {
	if f.reorderNodesFn != nil {
		return f.reorderNodesFn(ctx, spaceID, updates)
	}
	return nil
}
func (f *fakeStore) Ping(context.Context) error { return nil }

type fakeSearch struct {
	mu      sync.Mutex
	indexed []string
	deleted []string
}

func (f *fakeSearch) Search(search.Query) search.Response {
	return search.Response{Results: []search.Result{}}
}
func (f *fakeSearch) IndexPage(record search.PageRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, record.ID)
}
func (f *fakeSearch) DeletePage(pageID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, pageID)
}
func (f *fakeSearch) ReindexAll([]search.PageRecord) {}
func (f *fakeSearch) deletedPages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func newTestService(fs *fakeStore) *Service {
	return &Service{
		cfg:    config.Config{},
		store:  fs,
		search: &fakeSearch{},
	}
}

func requireDomainError(t *testing.T, err error, status int, code string) *DomainError {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected a domain error, got %v", err)
	}
	if domainErr.Status != status || domainErr.Code != code {
		t.Fatalf("expected %d %s, got %d %s", status, code, domainErr.Status, domainErr.Code)
	}
	return domainErr
}

func strPtr(s string) *string { return &s }

func TestCreatePageAppendsIntoEmptyParent(t *testing.T) {
	var created store.TreeNode
	fs := &fakeStore{
		createPageWithNodeFn: func(_ context.Context, page store.Page, node store.TreeNode) error {
			created = node
			if page.DraftToken == "" {
				t.Fatal("expected a fresh draft token on the new page")
			}
			return nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.CreatePage(context.Background(), "sp_1", "Getting Started", "", "", "", "usr_1")
	if err != nil {
		t.Fatalf("CreatePage() error = %v", err)
	}
	if payload == nil {
		t.Fatal("expected a page payload")
	}
	if created.Position != 1024 {
		t.Errorf("expected first child at position 1024, got %d", created.Position)
	}
	if created.ParentID == nil || *created.ParentID != "nd_root" {
		t.Errorf("expected parent nd_root, got %v", created.ParentID)
	}
}

func TestCreatePageBeforeSiblingUsesMidpoint(t *testing.T) {
	pageA, pageB := "pg_a", "pg_b"
	var created store.TreeNode
	fs := &fakeStore{
		listChildrenFn: func(context.Context, string) ([]store.TreeNode, error) {
			return []store.TreeNode{
				{ID: "nd_a", PageID: &pageA, Position: 1024},
				{ID: "nd_b", PageID: &pageB, Position: 2048},
			}, nil
		},
		createPageWithNodeFn: func(_ context.Context, _ store.Page, node store.TreeNode) error {
			created = node
			return nil
		},
	}
	svc := newTestService(fs)

	if _, err := svc.CreatePage(context.Background(), "sp_1", "Middle", "", "", "nd_b", "usr_1"); err != nil {
		t.Fatalf("CreatePage() error = %v", err)
	}
	if created.Position != 1536 {
		t.Errorf("expected midpoint 1536, got %d", created.Position)
	}
}

func TestCreatePageRebalancesWhenGapCollapsed(t *testing.T) {
	pageA, pageB := "pg_a", "pg_b"
	rebalanced := false
	var created store.TreeNode
	fs := &fakeStore{
		listChildrenFn: func(context.Context, string) ([]store.TreeNode, error) {
			if rebalanced {
				return []store.TreeNode{
					{ID: "nd_a", PageID: &pageA, Position: 1024},
					{ID: "nd_b", PageID: &pageB, Position: 2048},
				}, nil
			}
			return []store.TreeNode{
				{ID: "nd_a", PageID: &pageA, Position: 1024},
				{ID: "nd_b", PageID: &pageB, Position: 1025},
			}, nil
		},
		rebalanceChildrenFn: func(context.Context, string) error {
			rebalanced = true
			return nil
		},
		createPageWithNodeFn: func(_ context.Context, _ store.Page, node store.TreeNode) error {
			created = node
			return nil
		},
	}
	svc := newTestService(fs)

	if _, err := svc.CreatePage(context.Background(), "sp_1", "Middle", "", "", "nd_b", "usr_1"); err != nil {
		t.Fatalf("CreatePage() error = %v", err)
	}
	if !rebalanced {
		t.Fatal("expected a rebalance before allocating into a collapsed gap")
	}
	if created.Position != 1536 {
		t.Errorf("expected midpoint 1536 after rebalance, got %d", created.Position)
	}
}

func TestCreatePageRejectsForeignParent(t *testing.T) {
	fs := &fakeStore{
		getNodeFn: func(_ context.Context, nodeID string) (store.TreeNode, error) {
			return store.TreeNode{ID: nodeID, SpaceID: "sp_other"}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.CreatePage(context.Background(), "sp_1", "Orphan", "", "nd_foreign", "", "usr_1")
	requireDomainError(t, err, http.StatusBadRequest, "INVALID_PARENT")
}

func TestCreatePageDeduplicatesSlug(t *testing.T) {
	taken := map[string]bool{"getting-started": true, "getting-started-2": true}
	var created store.Page
	fs := &fakeStore{
		slugExistsFn: func(_ context.Context, _, slug, _ string) (bool, error) {
			return taken[slug], nil
		},
		createPageWithNodeFn: func(_ context.Context, page store.Page, _ store.TreeNode) error {
			created = page
			return nil
		},
	}
	svc := newTestService(fs)

	if _, err := svc.CreatePage(context.Background(), "sp_1", "Getting Started", "", "", "", "usr_1"); err != nil {
		t.Fatalf("CreatePage() error = %v", err)
	}
	if created.Slug != "getting-started-3" {
		t.Errorf("expected slug getting-started-3, got %q", created.Slug)
	}
}

func TestUpdateDraftRejectsMalformedContent(t *testing.T) {
	storeCalled := false
	fs := &fakeStore{
		updateDraftFn: func(context.Context, string, string, json.RawMessage, string) (store.Page, error) {
			storeCalled = true
			return store.Page{}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.UpdateDraft(context.Background(), "pg_1", json.RawMessage(`"not a tree"`), "")
	requireDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
	if storeCalled {
		t.Fatal("malformed content must not reach the store")
	}
}

func TestUpdateDraftConflictReportsCurrentToken(t *testing.T) {
	fs := &fakeStore{
		updateDraftFn: func(context.Context, string, string, json.RawMessage, string) (store.Page, error) {
			return store.Page{ID: "pg_1", DraftToken: "tok-current"}, fmt.Errorf("draft precondition: %w", store.ErrDraftConflict)
		},
	}
	svc := newTestService(fs)

	_, err := svc.UpdateDraft(context.Background(), "pg_1", json.RawMessage(`{"type":"doc","content":[{"type":"paragraph"}]}`), "tok-stale")
	domainErr := requireDomainError(t, err, http.StatusConflict, "CONFLICT")

	details, ok := domainErr.Details.(map[string]any)
	if !ok {
		t.Fatalf("expected conflict details, got %v", domainErr.Details)
	}
	if details["currentToken"] != "tok-current" {
		t.Errorf("expected currentToken tok-current, got %v", details["currentToken"])
	}
}

func TestUpdateDraftComputesPlainText(t *testing.T) {
	var gotText string
	fs := &fakeStore{
		updateDraftFn: func(_ context.Context, pageID, _ string, content json.RawMessage, plainText string) (store.Page, error) {
			gotText = plainText
			return store.Page{ID: pageID, DraftJSON: content, DraftText: plainText, DraftToken: "tok-next"}, nil
		},
	}
	svc := newTestService(fs)

	content := json.RawMessage(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"Hello world"}]}]}`)
	payload, err := svc.UpdateDraft(context.Background(), "pg_1", content, "")
	if err != nil {
		t.Fatalf("UpdateDraft() error = %v", err)
	}
	if gotText != "Hello world" {
		t.Errorf("expected plain text projection, got %q", gotText)
	}
	if payload["token"] != "tok-next" {
		t.Errorf("expected new token in payload, got %v", payload["token"])
	}
}

func TestPublishRejectsEmptyDraft(t *testing.T) {
	publishCalled := false
	fs := &fakeStore{
		getPageFn: func(_ context.Context, pageID string) (store.Page, error) {
			return store.Page{ID: pageID, DraftJSON: json.RawMessage(`{"type":"doc","content":[]}`)}, nil
		},
		publishDraftFn: func(context.Context, string, string, string) (store.PageVersion, error) {
			publishCalled = true
			return store.PageVersion{}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.Publish(context.Background(), "pg_1", "usr_1", "")
	requireDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
	if publishCalled {
		t.Fatal("empty draft must not be published")
	}
}

func TestPublishReturnsNewVersion(t *testing.T) {
	fs := &fakeStore{
		getPageFn: func(_ context.Context, pageID string) (store.Page, error) {
			return store.Page{ID: pageID, DraftJSON: json.RawMessage(`{"type":"doc","content":[{"type":"paragraph"}]}`)}, nil
		},
		publishDraftFn: func(_ context.Context, pageID, authorID, notes string) (store.PageVersion, error) {
			if authorID != "usr_1" {
				t.Fatalf("expected author usr_1, got %q", authorID)
			}
			if notes != "first release" {
				t.Fatalf("expected notes to pass through, got %q", notes)
			}
			return store.PageVersion{ID: "ver_1", PageID: pageID, VersionNumber: 3, AuthorID: authorID, Notes: notes}, nil
		},
	}
	svc := newTestService(fs)

	payload, err := svc.Publish(context.Background(), "pg_1", "usr_1", "first release")
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if payload["versionNumber"] != 3 {
		t.Errorf("expected versionNumber 3, got %v", payload["versionNumber"])
	}
}

func TestRestoreRequiresVersionID(t *testing.T) {
	svc := newTestService(&fakeStore{})
	_, err := svc.Restore(context.Background(), "pg_1", " ")
	requireDomainError(t, err, http.StatusUnprocessableEntity, "VALIDATION_ERROR")
}

func TestUpdatePageRegeneratesSlugFromTitle(t *testing.T) {
	var gotSlug string
	fs := &fakeStore{
		getPageFn: func(_ context.Context, pageID string) (store.Page, error) {
			return store.Page{ID: pageID, SpaceID: "sp_1", Title: "Old Title", Slug: "old-title"}, nil
		},
		updatePageMetadataFn: func(_ context.Context, _, _, slug string, _ bool) error {
			gotSlug = slug
			return nil
		},
	}
	svc := newTestService(fs)

	if _, err := svc.UpdatePage(context.Background(), "pg_1", UpdatePageInput{Title: strPtr("New Title")}); err != nil {
		t.Fatalf("UpdatePage() error = %v", err)
	}
	if gotSlug != "new-title" {
		t.Errorf("expected regenerated slug new-title, got %q", gotSlug)
	}
}

func TestGetArchivedPageIsNotFound(t *testing.T) {
	fs := &fakeStore{
		getPageFn: func(_ context.Context, pageID string) (store.Page, error) {
			return store.Page{ID: pageID, SpaceID: "sp_1", Title: "Doc", Slug: "doc", IsArchived: true}, nil
		},
		getPageBySlugFn: func(_ context.Context, _, slug string) (store.Page, error) {
			return store.Page{ID: "pg_1", SpaceID: "sp_1", Title: "Doc", Slug: slug, IsArchived: true}, nil
		},
	}
	svc := newTestService(fs)

	_, err := svc.GetPage(context.Background(), "pg_1")
	requireDomainError(t, err, http.StatusNotFound, "NOT_FOUND")

	_, err = svc.GetPageBySlug(context.Background(), "sp_1", "doc")
	requireDomainError(t, err, http.StatusNotFound, "NOT_FOUND")
}

func TestArchivePageDropsItFromSearch(t *testing.T) {
	archived := false
	fs := &fakeStore{
		getPageFn: func(_ context.Context, pageID string) (store.Page, error) {
			return store.Page{ID: pageID, SpaceID: "sp_1", Title: "Doc", Slug: "doc"}, nil
		},
		updatePageMetadataFn: func(_ context.Context, _, _, _ string, isArchived bool) error {
			archived = isArchived
			return nil
		},
	}
	svc := newTestService(fs)
	fsrch := svc.search.(*fakeSearch)

	flag := true
	if _, err := svc.UpdatePage(context.Background(), "pg_1", UpdatePageInput{IsArchived: &flag}); err != nil {
		t.Fatalf("UpdatePage() error = %v", err)
	}
	if !archived {
		t.Fatal("expected the store to see the archive flag")
	}
	deleted := fsrch.deletedPages()
	if len(deleted) != 1 || deleted[0] != "pg_1" {
		t.Errorf("expected pg_1 removed from search, got %v", deleted)
	}
}
