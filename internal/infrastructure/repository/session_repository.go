package repository

import (
	"context"
	"fmt"
	"time"

	"cmis-platform-sync/internal/domain"
	"cmis-platform-sync/internal/ports"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type sessionDoc struct {
	ID        string    `bson:"_id"`
	OrgID     string    `bson:"orgId"`
	Platform  string    `bson:"platform"`
	State     string    `bson:"state"`
	ReturnURL string    `bson:"returnUrl,omitempty"`
	ExpiresAt time.Time `bson:"expiresAt"`
	CreatedAt time.Time `bson:"createdAt"`
}

// MongoSessionRepository stores in-flight OAuth sessions. A TTL index on
// expiresAt lets Mongo reap abandoned sessions.
type MongoSessionRepository struct {
	collection *mongo.Collection
}

// NewMongoSessionRepository creates the repository.
func NewMongoSessionRepository(db *mongo.Database) ports.SessionRepository {
	collection := db.Collection("oauth_sessions")
	indexModel := mongo.IndexModel{
		Keys:    bson.D{{Key: "expiresAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	}
	_, _ = collection.Indexes().CreateOne(context.Background(), indexModel)

	return &MongoSessionRepository{collection: collection}
}

// Create stores a new session.
func (r *MongoSessionRepository) Create(ctx context.Context, session *domain.OAuthSession) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	doc := sessionDoc{
		ID:        session.ID,
		OrgID:     session.OrgID,
		Platform:  session.Platform,
		State:     session.State,
		ReturnURL: session.ReturnURL,
		ExpiresAt: session.ExpiresAt,
		CreatedAt: session.CreatedAt,
	}
	if _, err := r.collection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to create oauth session: %w", err)
	}
	return nil
}

// GetByState retrieves a non-expired session by its CSRF state.
func (r *MongoSessionRepository) GetByState(ctx context.Context, state string) (*domain.OAuthSession, error) {
	var doc sessionDoc
	filter := bson.M{"state": state, "expiresAt": bson.M{"$gt": time.Now()}}

	err := r.collection.FindOne(ctx, filter).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get oauth session: %w", err)
	}
	return &domain.OAuthSession{
		ID:        doc.ID,
		OrgID:     doc.OrgID,
		Platform:  doc.Platform,
		State:     doc.State,
		ReturnURL: doc.ReturnURL,
		ExpiresAt: doc.ExpiresAt,
		CreatedAt: doc.CreatedAt,
	}, nil
}

// Delete removes a session once its callback completed.
func (r *MongoSessionRepository) Delete(ctx context.Context, state string) error {
	if _, err := r.collection.DeleteOne(ctx, bson.M{"state": state}); err != nil {
		return fmt.Errorf("failed to delete oauth session: %w", err)
	}
	return nil
}
