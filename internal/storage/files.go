package storage

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"files-manager/internal/models"

	"golang.org/x/text/unicode/norm"
)

// PageSize is the fixed number of nodes returned per listing page.
const PageSize = 20

// CreateFileParams describes a node to be created. LocalPath must reference an
// already persisted blob for files and images and must be empty for folders.
type CreateFileParams struct {
	OwnerID   string
	Name      string
	Kind      models.Kind
	ParentID  string
	IsPublic  bool
	LocalPath string
}

// Files owns FileNode metadata: creation with hierarchy validation, scoped
// lookups, paging and the visibility toggle.
type Files struct {
	store FileStore
	now   func() time.Time
}

// NewFiles wraps the provided file store.
func NewFiles(store FileStore) *Files {
	return &Files{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func normalizeName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

// Validate checks the fields that do not require a store round trip. It
// runs again inside Create; callers use it to reject input before writing a
// blob.
func (f *Files) Validate(params CreateFileParams, hasData bool) error {
	if normalizeName(params.Name) == "" {
		return ErrMissingName
	}
	if !params.Kind.Valid() {
		return ErrMissingType
	}
	if params.Kind.HasContent() && !hasData {
		return ErrMissingData
	}
	return nil
}

// CheckParent reports ErrParentNotFound or ErrParentNotFolder when parentID
// is neither the root sentinel nor a folder owned by ownerID.
func (f *Files) CheckParent(ctx context.Context, ownerID, parentID string) error {
	parent := models.ParentID(parentID)
	if parent.IsRoot() {
		return nil
	}
	node, ok, err := f.store.FindOwnedFile(ctx, parent.String(), ownerID)
	if err != nil {
		return fmt.Errorf("lookup parent: %w", err)
	}
	if !ok {
		return ErrParentNotFound
	}
	if !node.IsFolder() {
		return ErrParentNotFolder
	}
	return nil
}

// Create validates params and persists the node in a single insert.
func (f *Files) Create(ctx context.Context, params CreateFileParams) (models.FileNode, error) {
	if strings.TrimSpace(params.OwnerID) == "" {
		return models.FileNode{}, fmt.Errorf("owner id required")
	}
	if err := f.Validate(params, params.LocalPath != ""); err != nil {
		return models.FileNode{}, err
	}
	if params.Kind == models.KindFolder && params.LocalPath != "" {
		return models.FileNode{}, fmt.Errorf("folders cannot reference a blob")
	}
	if err := f.CheckParent(ctx, params.OwnerID, params.ParentID); err != nil {
		return models.FileNode{}, err
	}

	node := models.FileNode{
		OwnerID:   params.OwnerID,
		Name:      normalizeName(params.Name),
		Kind:      params.Kind,
		IsPublic:  params.IsPublic,
		ParentID:  models.ParentID(models.ParentID(params.ParentID).String()),
		LocalPath: params.LocalPath,
		CreatedAt: f.now(),
	}
	created, err := f.store.InsertFile(ctx, node)
	if err != nil {
		return models.FileNode{}, fmt.Errorf("insert file: %w", err)
	}
	return created, nil
}

// Get fetches a node scoped to ownerID. Absence, malformed ids and nodes
// owned by someone else all report ok=false.
func (f *Files) Get(ctx context.Context, id, ownerID string) (models.FileNode, bool, error) {
	if strings.TrimSpace(id) == "" || strings.TrimSpace(ownerID) == "" {
		return models.FileNode{}, false, nil
	}
	return f.store.FindOwnedFile(ctx, strings.TrimSpace(id), ownerID)
}

// Lookup fetches a node regardless of owner. Only the access controller uses
// it, and it never exposes the result without a visibility decision.
func (f *Files) Lookup(ctx context.Context, id string) (models.FileNode, bool, error) {
	if strings.TrimSpace(id) == "" {
		return models.FileNode{}, false, nil
	}
	return f.store.FindFile(ctx, strings.TrimSpace(id))
}

// List returns one page of the owner's children of parentID. The root
// sentinel selects top-level nodes only.
func (f *Files) List(ctx context.Context, ownerID, parentID string, page int) ([]models.FileNode, error) {
	if page < 0 {
		page = 0
	}
	// Pages past the addressable range are empty rather than wrapping.
	if page > (math.MaxInt-PageSize)/PageSize {
		return []models.FileNode{}, nil
	}
	nodes, err := f.store.ListFiles(ctx, ownerID, models.ParentID(parentID).String(), page*PageSize, PageSize)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	if nodes == nil {
		nodes = []models.FileNode{}
	}
	return nodes, nil
}

// SetVisibility updates isPublic and returns the resulting node.
func (f *Files) SetVisibility(ctx context.Context, id, ownerID string, isPublic bool) (models.FileNode, bool, error) {
	if strings.TrimSpace(id) == "" || strings.TrimSpace(ownerID) == "" {
		return models.FileNode{}, false, nil
	}
	return f.store.UpdateVisibility(ctx, strings.TrimSpace(id), ownerID, isPublic)
}

// Count reports the total number of nodes across all owners.
func (f *Files) Count(ctx context.Context) (int64, error) {
	return f.store.CountFiles(ctx)
}
