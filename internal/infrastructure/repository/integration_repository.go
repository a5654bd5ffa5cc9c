package repository

import (
	"context"
	"fmt"
	"time"

	"cmis-platform-sync/internal/domain"
	"cmis-platform-sync/internal/infrastructure/repository/entity"
	"cmis-platform-sync/internal/ports"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoIntegrationRepository implements IntegrationRepository using MongoDB.
type MongoIntegrationRepository struct {
	collection *mongo.Collection
}

// NewMongoIntegrationRepository creates the repository and ensures the unique
// index enforcing one integration per (org, platform, external account).
func NewMongoIntegrationRepository(db *mongo.Database) ports.IntegrationRepository {
	collection := db.Collection("integrations")
	indexModel := mongo.IndexModel{
		Keys: bson.D{
			{Key: "orgId", Value: 1},
			{Key: "platform", Value: 1},
			{Key: "externalAccountId", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	_, _ = collection.Indexes().CreateOne(context.Background(), indexModel)

	return &MongoIntegrationRepository{collection: collection}
}

// Create inserts a new integration.
func (r *MongoIntegrationRepository) Create(ctx context.Context, integration *domain.Integration) error {
	doc := entity.IntegrationDocFromDomain(integration)
	now := time.Now()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now

	if _, err := r.collection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("failed to create integration: %w", err)
	}
	return nil
}

// Update replaces the stored integration state.
func (r *MongoIntegrationRepository) Update(ctx context.Context, integration *domain.Integration) error {
	doc := entity.IntegrationDocFromDomain(integration)
	doc.UpdatedAt = time.Now()

	filter := bson.M{"_id": integration.ID, "orgId": integration.OrgID}
	result, err := r.collection.ReplaceOne(ctx, filter, doc)
	if err != nil {
		return fmt.Errorf("failed to update integration: %w", err)
	}
	if result.MatchedCount == 0 {
		return domain.ErrIntegrationNotFound
	}
	return nil
}

// GetByID retrieves an integration within the given org.
func (r *MongoIntegrationRepository) GetByID(ctx context.Context, orgID, id string) (*domain.Integration, error) {
	return r.findOne(ctx, bson.M{"_id": id, "orgId": orgID})
}

// GetByAccount retrieves an integration by its (org, platform, account) key.
func (r *MongoIntegrationRepository) GetByAccount(ctx context.Context, orgID, platform, externalAccountID string) (*domain.Integration, error) {
	return r.findOne(ctx, bson.M{
		"orgId":             orgID,
		"platform":          platform,
		"externalAccountId": externalAccountID,
	})
}

// FindActiveByPlatformAccount resolves a webhook target account to its
// integration across orgs.
func (r *MongoIntegrationRepository) FindActiveByPlatformAccount(ctx context.Context, platform, externalAccountID string) (*domain.Integration, error) {
	return r.findOne(ctx, bson.M{
		"platform":          platform,
		"externalAccountId": externalAccountID,
		"isActive":          true,
	})
}

// ListByOrg lists an org's integrations.
func (r *MongoIntegrationRepository) ListByOrg(ctx context.Context, orgID string, activeOnly bool) ([]*domain.Integration, error) {
	filter := bson.M{"orgId": orgID}
	if activeOnly {
		filter["isActive"] = true
	}
	return r.findAll(ctx, filter)
}

// ListActive lists active integrations across all orgs for the scheduler.
func (r *MongoIntegrationRepository) ListActive(ctx context.Context) ([]*domain.Integration, error) {
	return r.findAll(ctx, bson.M{"isActive": true})
}

// BeginSync atomically transitions the integration to syncing. A second
// caller while a fresh sync is running gets domain.ErrSyncInFlight; a sync
// stuck since before staleBefore is treated as crashed and taken over.
func (r *MongoIntegrationRepository) BeginSync(ctx context.Context, id string, startedAt, staleBefore time.Time) (*domain.Integration, error) {
	filter := bson.M{
		"_id":      id,
		"isActive": true,
		"$or": bson.A{
			bson.M{"syncStatus": bson.M{"$ne": string(domain.SyncRunning)}},
			bson.M{"syncStartedAt": bson.M{"$lt": staleBefore}},
		},
	}
	update := bson.M{"$set": bson.M{
		"syncStatus":    string(domain.SyncRunning),
		"syncStartedAt": startedAt,
		"updatedAt":     startedAt,
	}}

	var doc entity.IntegrationDoc
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	err := r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		// Distinguish a missing integration from one mid-sync.
		existing, lookupErr := r.findOne(ctx, bson.M{"_id": id, "isActive": true})
		if lookupErr != nil {
			return nil, lookupErr
		}
		if existing == nil {
			return nil, domain.ErrIntegrationNotFound
		}
		return nil, domain.ErrSyncInFlight
	}
	if err != nil {
		return nil, fmt.Errorf("failed to begin sync: %w", err)
	}
	return doc.ToDomain(), nil
}

func (r *MongoIntegrationRepository) findOne(ctx context.Context, filter bson.M) (*domain.Integration, error) {
	var doc entity.IntegrationDoc
	err := r.collection.FindOne(ctx, filter).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get integration: %w", err)
	}
	return doc.ToDomain(), nil
}

func (r *MongoIntegrationRepository) findAll(ctx context.Context, filter bson.M) ([]*domain.Integration, error) {
	cursor, err := r.collection.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list integrations: %w", err)
	}
	defer cursor.Close(ctx)

	var integrations []*domain.Integration
	for cursor.Next(ctx) {
		var doc entity.IntegrationDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode integration: %w", err)
		}
		integrations = append(integrations, doc.ToDomain())
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}
	return integrations, nil
}
