package storage

import (
	"context"
	"log/slog"
	"sync"

	"files-manager/internal/models"
)

// MemoryRepository keeps users and files in process memory. It backs tests
// and single-process development runs.
type MemoryRepository struct {
	mu      sync.RWMutex
	users   map[string]models.User
	byEmail map[string]string
	files   map[string]models.FileNode
	order   []string
	newID   func() string
	logger  *slog.Logger
	closed  bool
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository(opts ...Option) *MemoryRepository {
	repo := &MemoryRepository{
		users:   make(map[string]models.User),
		byEmail: make(map[string]string),
		files:   make(map[string]models.FileNode),
		newID:   newUUID,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyMemory(repo)
		}
	}
	return repo
}

func (r *MemoryRepository) InsertUser(_ context.Context, user models.User) (models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return models.User{}, ErrRepositoryUnavailable
	}
	if _, exists := r.byEmail[user.Email]; exists {
		return models.User{}, ErrAlreadyExists
	}
	user.ID = r.newID()
	r.users[user.ID] = user
	r.byEmail[user.Email] = user.ID
	return user, nil
}

func (r *MemoryRepository) FindUserByEmail(_ context.Context, email string) (models.User, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byEmail[email]
	if !ok {
		return models.User{}, false, nil
	}
	user, ok := r.users[id]
	return user, ok, nil
}

func (r *MemoryRepository) FindUserByID(_ context.Context, id string) (models.User, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.users[id]
	return user, ok, nil
}

func (r *MemoryRepository) CountUsers(context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.users)), nil
}

func (r *MemoryRepository) InsertFile(_ context.Context, node models.FileNode) (models.FileNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return models.FileNode{}, ErrRepositoryUnavailable
	}
	node.ID = r.newID()
	r.files[node.ID] = node
	r.order = append(r.order, node.ID)
	return node, nil
}

func (r *MemoryRepository) FindFile(_ context.Context, id string) (models.FileNode, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.files[id]
	return node, ok, nil
}

func (r *MemoryRepository) FindOwnedFile(_ context.Context, id, ownerID string) (models.FileNode, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.files[id]
	if !ok || node.OwnerID != ownerID {
		return models.FileNode{}, false, nil
	}
	return node, true, nil
}

func (r *MemoryRepository) ListFiles(_ context.Context, ownerID, parentID string, offset, limit int) ([]models.FileNode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	nodes := make([]models.FileNode, 0, limit)
	skipped := 0
	for _, id := range r.order {
		node := r.files[id]
		if node.OwnerID != ownerID || node.ParentID.String() != parentID {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if len(nodes) == limit {
			break
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func (r *MemoryRepository) UpdateVisibility(_ context.Context, id, ownerID string, isPublic bool) (models.FileNode, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return models.FileNode{}, false, ErrRepositoryUnavailable
	}
	node, ok := r.files[id]
	if !ok || node.OwnerID != ownerID {
		return models.FileNode{}, false, nil
	}
	node.IsPublic = isPublic
	r.files[id] = node
	return node, true, nil
}

func (r *MemoryRepository) CountFiles(context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.files)), nil
}

func (r *MemoryRepository) Ping(context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrRepositoryUnavailable
	}
	return nil
}

func (r *MemoryRepository) Close(context.Context) error {
	r.mu.Lock()
	r.closed = true
	files := len(r.files)
	r.mu.Unlock()
	r.logger.Debug("memory repository closed", "files", files)
	return nil
}
