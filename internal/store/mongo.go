package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

// DocumentsCollection is the collection holding document records.
const DocumentsCollection = "documents"

// MongoStore implements MetadataStore on a MongoDB collection.
type MongoStore struct {
	collection *mongo.Collection
}

// NewMongoStore creates a MongoStore on the given database.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{collection: db.Collection(DocumentsCollection)}
}

// mongoDocument is the persisted shape of a Document.
type mongoDocument struct {
	ID            primitive.ObjectID `bson:"_id,omitempty"`
	Title         string             `bson:"title"`
	Content       string             `bson:"content"`
	State         primitive.Binary   `bson:"state"`
	OwnerID       string             `bson:"owner_id"`
	Collaborators []Collaborator     `bson:"collaborators"`
	CreatedAt     time.Time          `bson:"created_at"`
	UpdatedAt     time.Time          `bson:"updated_at"`
}

func (m *mongoDocument) toDocument() *Document {
	return &Document{
		ID:            m.ID.Hex(),
		Title:         m.Title,
		Content:       m.Content,
		State:         m.State.Data,
		OwnerID:       m.OwnerID,
		Collaborators: m.Collaborators,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

// parseDocID validates the lexical form of a document ID.
func parseDocID(docID string) (primitive.ObjectID, error) {
	oid, err := primitive.ObjectIDFromHex(docID)
	if err != nil {
		return primitive.NilObjectID, ErrInvalidDocumentID
	}
	return oid, nil
}

// LoadDocument fetches a document record.
func (s *MongoStore) LoadDocument(ctx context.Context, docID string) (*Document, error) {
	oid, err := parseDocID(docID)
	if err != nil {
		return nil, err
	}
	var m mongoDocument
	if err := s.collection.FindOne(ctx, bson.M{"_id": oid}).Decode(&m); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to load document")
	}
	return m.toDocument(), nil
}

// PersistState replaces the stored state and plaintext in a single write.
func (s *MongoStore) PersistState(ctx context.Context, docID string, state []byte, plaintext string) error {
	oid, err := parseDocID(docID)
	if err != nil {
		return err
	}
	update := bson.M{"$set": bson.M{
		"state":      primitive.Binary{Data: state},
		"content":    plaintext,
		"updated_at": time.Now().UTC(),
	}}
	res, err := s.collection.UpdateOne(ctx, bson.M{"_id": oid}, update)
	if err != nil {
		return errors.Wrap(err, "failed to persist document state")
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// CheckAccess resolves a user's role on a document.
func (s *MongoStore) CheckAccess(ctx context.Context, userID, docID string) (Role, error) {
	doc, err := s.LoadDocument(ctx, docID)
	if err != nil {
		return RoleNone, err
	}
	return doc.RoleOf(userID), nil
}

// CreateDocument provisions a new document record.
func (s *MongoStore) CreateDocument(ctx context.Context, title, ownerID string, state []byte, plaintext string) (*Document, error) {
	now := time.Now().UTC()
	m := mongoDocument{
		ID:            primitive.NewObjectID(),
		Title:         title,
		Content:       plaintext,
		State:         primitive.Binary{Data: state},
		OwnerID:       ownerID,
		Collaborators: []Collaborator{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if _, err := s.collection.InsertOne(ctx, m); err != nil {
		return nil, errors.Wrap(err, "failed to create document")
	}
	return m.toDocument(), nil
}
