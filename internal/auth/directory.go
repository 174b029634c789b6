package auth

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

// UsersCollection is the collection holding user records.
const UsersCollection = "users"

// MongoDirectory resolves user profiles from the users collection.
type MongoDirectory struct {
	collection *mongo.Collection
}

// NewMongoDirectory creates a MongoDirectory on the given database.
func NewMongoDirectory(db *mongo.Database) *MongoDirectory {
	return &MongoDirectory{collection: db.Collection(UsersCollection)}
}

type mongoUser struct {
	ID        primitive.ObjectID `bson:"_id"`
	Username  string             `bson:"username"`
	AvatarURL string             `bson:"avatar_url"`
	Color     string             `bson:"color"`
	IsActive  bool               `bson:"is_active"`
}

// LookupUser fetches the profile for a user ID.
func (d *MongoDirectory) LookupUser(ctx context.Context, userID string) (*UserProfile, error) {
	oid, err := primitive.ObjectIDFromHex(userID)
	if err != nil {
		return nil, ErrUserNotFound
	}
	var u mongoUser
	if err := d.collection.FindOne(ctx, bson.M{"_id": oid}).Decode(&u); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrUserNotFound
		}
		return nil, errors.Wrap(err, "failed to look up user")
	}
	return &UserProfile{
		UserID:    u.ID.Hex(),
		Username:  u.Username,
		AvatarRef: u.AvatarURL,
		ColorTag:  u.Color,
		Active:    u.IsActive,
	}, nil
}

// MemoryDirectory is an in-memory UserDirectory for tests and local runs.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]UserProfile
}

// NewMemoryDirectory creates an empty MemoryDirectory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{users: make(map[string]UserProfile)}
}

// AddUser registers a profile.
func (d *MemoryDirectory) AddUser(profile UserProfile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[profile.UserID] = profile
}

// LookupUser fetches the profile for a user ID.
func (d *MemoryDirectory) LookupUser(_ context.Context, userID string) (*UserProfile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}
