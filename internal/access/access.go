// Package access decides whether a caller may read a file's content.
package access

import (
	"context"
	"errors"
	"fmt"

	"files-manager/internal/models"
)

// ErrNotAFile is returned when content is requested for a folder.
var ErrNotAFile = errors.New("a folder doesn't have content")

// Outcome tags the result of a read decision.
type Outcome int

const (
	// Absent means no node exists for the identifier.
	Absent Outcome = iota
	// NotVisible means the node exists but the requester may not read it.
	NotVisible
	// Found means the requester may read the node.
	Found
)

func (o Outcome) String() string {
	switch o {
	case Found:
		return "found"
	case NotVisible:
		return "not_visible"
	default:
		return "absent"
	}
}

// Decision is the tagged result of Resolve. Node is only populated when
// Outcome is Found.
type Decision struct {
	Outcome Outcome
	Node    models.FileNode
}

// Readable reports whether the decision grants access.
func (d Decision) Readable() bool {
	return d.Outcome == Found
}

// FileLookup fetches a node regardless of owner.
type FileLookup interface {
	Lookup(ctx context.Context, id string) (models.FileNode, bool, error)
}

// Controller applies the visibility rules to file lookups.
type Controller struct {
	files FileLookup
}

// NewController wraps the provided lookup.
func NewController(files FileLookup) *Controller {
	return &Controller{files: files}
}

// CanRead reports whether requesterID may read file. Public files are
// readable by anyone; private files only by their owner.
func CanRead(file models.FileNode, requesterID string) bool {
	if file.IsPublic {
		return true
	}
	return requesterID != "" && requesterID == file.OwnerID
}

// AssertReadableContent rejects folders, which have no byte content.
func AssertReadableContent(file models.FileNode) error {
	if file.IsFolder() || !file.Kind.HasContent() {
		return ErrNotAFile
	}
	return nil
}

// Resolve looks up fileID and evaluates CanRead for requesterID, which may be
// empty for anonymous callers.
func (c *Controller) Resolve(ctx context.Context, fileID, requesterID string) (Decision, error) {
	node, ok, err := c.files.Lookup(ctx, fileID)
	if err != nil {
		return Decision{}, fmt.Errorf("lookup file: %w", err)
	}
	if !ok {
		return Decision{Outcome: Absent}, nil
	}
	if !CanRead(node, requesterID) {
		return Decision{Outcome: NotVisible}, nil
	}
	return Decision{Outcome: Found, Node: node}, nil
}
