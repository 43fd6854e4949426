package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind distinguishes folders from content-bearing nodes.
type Kind string

const (
	KindFolder Kind = "folder"
	KindFile   Kind = "file"
	KindImage  Kind = "image"
)

// Valid reports whether k is one of the supported node kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindFolder, KindFile, KindImage:
		return true
	default:
		return false
	}
}

// HasContent reports whether nodes of this kind reference a blob.
func (k Kind) HasContent() bool {
	return k == KindFile || k == KindImage
}

// RootID is the parent value carried by top-level nodes.
const RootID = "0"

// User is the persisted identity record. The password digest never leaves the
// process in API responses.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"-"`
}

// FileNode is the metadata record for a folder, file or image.
type FileNode struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"userId"`
	Name      string    `json:"name"`
	Kind      Kind      `json:"type"`
	IsPublic  bool      `json:"isPublic"`
	ParentID  ParentID  `json:"parentId"`
	LocalPath string    `json:"localPath,omitempty"`
	CreatedAt time.Time `json:"-"`
}

// IsFolder reports whether the node is a folder.
func (n FileNode) IsFolder() bool {
	return n.Kind == KindFolder
}

// ParentID references the containing folder. The zero value and RootID both
// denote the top level; on the wire the root is encoded as the number 0.
type ParentID string

// IsRoot reports whether the reference points at the top level.
func (p ParentID) IsRoot() bool {
	trimmed := strings.TrimSpace(string(p))
	return trimmed == "" || trimmed == RootID
}

// String returns the canonical identifier, mapping the zero value to RootID.
func (p ParentID) String() string {
	if p.IsRoot() {
		return RootID
	}
	return strings.TrimSpace(string(p))
}

// MarshalJSON encodes the root as 0 and every other parent as a string.
func (p ParentID) MarshalJSON() ([]byte, error) {
	if p.IsRoot() {
		return []byte("0"), nil
	}
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts a string, a number or null.
func (p *ParentID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*p = RootID
		return nil
	}
	if trimmed[0] == '"' {
		var value string
		if err := json.Unmarshal(trimmed, &value); err != nil {
			return err
		}
		*p = ParentID(strings.TrimSpace(value))
		if p.IsRoot() {
			*p = RootID
		}
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(trimmed, &number); err != nil {
		return fmt.Errorf("parentId must be a string or a number: %w", err)
	}
	*p = ParentID(number.String())
	if p.IsRoot() {
		*p = RootID
	}
	return nil
}
