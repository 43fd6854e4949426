package storage

import (
	"context"

	"files-manager/internal/models"
)

// UserStore persists identity records. Implementations enforce email
// uniqueness atomically and return ErrAlreadyExists for the losing insert.
type UserStore interface {
	InsertUser(ctx context.Context, user models.User) (models.User, error)
	FindUserByEmail(ctx context.Context, email string) (models.User, bool, error)
	FindUserByID(ctx context.Context, id string) (models.User, bool, error)
	CountUsers(ctx context.Context) (int64, error)
}

// FileStore persists FileNode metadata. Every lookup reports malformed
// identifiers as absent rather than failing.
type FileStore interface {
	// InsertFile stores node in a single write and returns it with the
	// backend-assigned identifier.
	InsertFile(ctx context.Context, node models.FileNode) (models.FileNode, error)
	FindFile(ctx context.Context, id string) (models.FileNode, bool, error)
	FindOwnedFile(ctx context.Context, id, ownerID string) (models.FileNode, bool, error)
	// ListFiles returns the owner's children of parentID in insertion order.
	ListFiles(ctx context.Context, ownerID, parentID string, offset, limit int) ([]models.FileNode, error)
	UpdateVisibility(ctx context.Context, id, ownerID string, isPublic bool) (models.FileNode, bool, error)
	CountFiles(ctx context.Context) (int64, error)
}

// Repository is the metadata backend shared by the credential store and the
// file repository.
type Repository interface {
	UserStore
	FileStore
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
