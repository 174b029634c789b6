// Package store is the client of the document metadata service: document
// records, their serialized CRDT state, and collaborator access checks.
// CRDT state bytes are carried as opaque blobs.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("document not found")

// ErrInvalidDocumentID is returned when a document ID fails lexical
// validation before any lookup is attempted.
var ErrInvalidDocumentID = errors.New("invalid document id")

// Role is a user's access level on a document.
type Role int

const (
	RoleNone Role = iota
	RoleViewer
	RoleEditor
	RoleOwner
)

// String returns the role name as stored in collaborator records.
func (r Role) String() string {
	switch r {
	case RoleViewer:
		return "viewer"
	case RoleEditor:
		return "editor"
	case RoleOwner:
		return "owner"
	default:
		return "none"
	}
}

// CanEdit reports whether the role carries write capability.
func (r Role) CanEdit() bool {
	return r == RoleEditor || r == RoleOwner
}

// Collaborator is one entry of a document's ACL.
type Collaborator struct {
	UserID string `bson:"user_id"`
	Role   string `bson:"role"`
}

// Document is a document record. State is the serialized CRDT state;
// Content is the derived plaintext kept alongside for search.
type Document struct {
	ID            string         `bson:"-"`
	Title         string         `bson:"title"`
	Content       string         `bson:"content"`
	State         []byte         `bson:"state"`
	OwnerID       string         `bson:"owner_id"`
	Collaborators []Collaborator `bson:"collaborators"`
	CreatedAt     time.Time      `bson:"created_at"`
	UpdatedAt     time.Time      `bson:"updated_at"`
}

// RoleOf resolves a user's role from the record. The owner is implied and
// never listed as a collaborator.
func (d *Document) RoleOf(userID string) Role {
	if d.OwnerID == userID {
		return RoleOwner
	}
	for _, c := range d.Collaborators {
		if c.UserID == userID {
			switch c.Role {
			case "editor":
				return RoleEditor
			case "viewer":
				return RoleViewer
			}
		}
	}
	return RoleNone
}

// MetadataStore is the metadata service contract consumed by the sync
// engine.
type MetadataStore interface {
	// LoadDocument fetches a document record, ErrNotFound if absent.
	LoadDocument(ctx context.Context, docID string) (*Document, error)
	// PersistState writes the new serialized state and derived plaintext as
	// one replacement write.
	PersistState(ctx context.Context, docID string, state []byte, plaintext string) error
	// CheckAccess resolves a user's role on a document. ErrNotFound if the
	// document is absent.
	CheckAccess(ctx context.Context, userID, docID string) (Role, error)
	// CreateDocument provisions a new document with the given seeded state.
	CreateDocument(ctx context.Context, title, ownerID string, state []byte, plaintext string) (*Document, error)
}
