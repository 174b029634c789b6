package store

import (
	"context"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MemoryStore is an in-memory MetadataStore used by tests and local runs.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]*Document
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*Document)}
}

func clone(d *Document) *Document {
	out := *d
	out.State = append([]byte(nil), d.State...)
	out.Collaborators = append([]Collaborator(nil), d.Collaborators...)
	return &out
}

// LoadDocument fetches a document record.
func (s *MemoryStore) LoadDocument(_ context.Context, docID string) (*Document, error) {
	if _, err := primitive.ObjectIDFromHex(docID); err != nil {
		return nil, ErrInvalidDocumentID
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[docID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(doc), nil
}

// PersistState replaces the stored state and plaintext.
func (s *MemoryStore) PersistState(_ context.Context, docID string, state []byte, plaintext string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[docID]
	if !ok {
		return ErrNotFound
	}
	doc.State = append([]byte(nil), state...)
	doc.Content = plaintext
	doc.UpdatedAt = time.Now().UTC()
	return nil
}

// CheckAccess resolves a user's role on a document.
func (s *MemoryStore) CheckAccess(ctx context.Context, userID, docID string) (Role, error) {
	doc, err := s.LoadDocument(ctx, docID)
	if err != nil {
		return RoleNone, err
	}
	return doc.RoleOf(userID), nil
}

// CreateDocument provisions a new document record.
func (s *MemoryStore) CreateDocument(_ context.Context, title, ownerID string, state []byte, plaintext string) (*Document, error) {
	now := time.Now().UTC()
	doc := &Document{
		ID:            primitive.NewObjectID().Hex(),
		Title:         title,
		Content:       plaintext,
		State:         append([]byte(nil), state...),
		OwnerID:       ownerID,
		Collaborators: []Collaborator{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[doc.ID] = doc
	return clone(doc), nil
}

// AddCollaborator grants a role on a document. Test and provisioning hook.
func (s *MemoryStore) AddCollaborator(docID, userID, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[docID]
	if !ok {
		return ErrNotFound
	}
	for i, c := range doc.Collaborators {
		if c.UserID == userID {
			doc.Collaborators[i].Role = role
			return nil
		}
	}
	doc.Collaborators = append(doc.Collaborators, Collaborator{UserID: userID, Role: role})
	return nil
}
