package repository

import (
	"context"
	"fmt"
	"time"

	"cmis-platform-sync/internal/domain"
	"cmis-platform-sync/internal/infrastructure/repository/entity"
	"cmis-platform-sync/internal/ports"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoActivityRepository stores canonical activity records. Every query is
// filtered by the org scope taken from the context; an access without a
// scope fails with domain.ErrNoTenantScope instead of running unfiltered.
type MongoActivityRepository struct {
	collection *mongo.Collection
}

// NewMongoActivityRepository creates the repository and ensures the unique
// idempotency index on (orgId, platform, platformNativeId).
func NewMongoActivityRepository(db *mongo.Database) ports.ActivityRepository {
	collection := db.Collection("activity_records")
	indexModel := mongo.IndexModel{
		Keys: bson.D{
			{Key: "orgId", Value: 1},
			{Key: "platform", Value: 1},
			{Key: "platformNativeId", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	_, _ = collection.Indexes().CreateOne(context.Background(), indexModel)

	return &MongoActivityRepository{collection: collection}
}

// Upsert inserts or updates in place on the idempotency key. Concurrent
// writers from the sync and webhook paths race only on update-in-place,
// which is safe since both derive from the same platform truth.
func (r *MongoActivityRepository) Upsert(ctx context.Context, record *domain.ActivityRecord) (bool, error) {
	orgID, err := domain.OrgScopeFromContext(ctx)
	if err != nil {
		return false, err
	}
	if record.OrgID == "" {
		record.OrgID = orgID
	}
	if record.OrgID != orgID {
		return false, fmt.Errorf("record org %q does not match active scope %q: %w",
			record.OrgID, orgID, domain.ErrNoTenantScope)
	}

	now := time.Now()
	record.UpdatedAt = now

	filter := bson.M{
		"orgId":            record.OrgID,
		"platform":         record.Platform,
		"platformNativeId": record.PlatformNativeID,
	}
	update := bson.M{
		"$set": bson.M{
			"integrationId":  record.IntegrationID,
			"kind":           string(record.Kind),
			"parentNativeId": record.ParentNativeID,
			"content":        record.Content,
			"authorId":       record.AuthorID,
			"authorName":     record.AuthorName,
			"permalink":      record.Permalink,
			"status":         record.Status,
			"metrics":        record.Metrics,
			"publishedAt":    record.PublishedAt,
			"deleted":        record.Deleted,
			"updatedAt":      now,
		},
		"$setOnInsert": bson.M{
			"_id":       uuid.NewString(),
			"createdAt": now,
		},
	}

	opts := options.Update().SetUpsert(true)
	result, err := r.collection.UpdateOne(ctx, filter, update, opts)
	if err != nil {
		return false, fmt.Errorf("failed to upsert activity record: %w", err)
	}
	return result.UpsertedCount > 0, nil
}

// List returns records for the scoped org matching the filter.
func (r *MongoActivityRepository) List(ctx context.Context, filter ports.ActivityFilter) ([]*domain.ActivityRecord, error) {
	query, err := r.scopedFilter(ctx, filter)
	if err != nil {
		return nil, err
	}

	opts := options.Find().SetSort(bson.D{{Key: "publishedAt", Value: -1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cursor, err := r.collection.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list activity records: %w", err)
	}
	defer cursor.Close(ctx)

	var records []*domain.ActivityRecord
	for cursor.Next(ctx) {
		var doc entity.ActivityDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode activity record: %w", err)
		}
		records = append(records, doc.ToDomain())
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}
	return records, nil
}

// Count returns the number of scoped records matching the filter.
func (r *MongoActivityRepository) Count(ctx context.Context, filter ports.ActivityFilter) (int64, error) {
	query, err := r.scopedFilter(ctx, filter)
	if err != nil {
		return 0, err
	}
	n, err := r.collection.CountDocuments(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to count activity records: %w", err)
	}
	return n, nil
}

// RecentNativeIDs returns the platform-native ids of records synced since the
// cutoff, newest first.
func (r *MongoActivityRepository) RecentNativeIDs(ctx context.Context, integrationID string, kind domain.ActivityKind, since time.Time) ([]string, error) {
	orgID, err := domain.OrgScopeFromContext(ctx)
	if err != nil {
		return nil, err
	}

	query := bson.M{
		"orgId":         orgID,
		"integrationId": integrationID,
		"kind":          string(kind),
		"updatedAt":     bson.M{"$gte": since},
		"deleted":       false,
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "publishedAt", Value: -1}}).
		SetProjection(bson.M{"platformNativeId": 1})

	cursor, err := r.collection.Find(ctx, query, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent native ids: %w", err)
	}
	defer cursor.Close(ctx)

	var ids []string
	for cursor.Next(ctx) {
		var doc entity.ActivityDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode activity record: %w", err)
		}
		ids = append(ids, doc.PlatformNativeID)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}
	return ids, nil
}

func (r *MongoActivityRepository) scopedFilter(ctx context.Context, filter ports.ActivityFilter) (bson.M, error) {
	orgID, err := domain.OrgScopeFromContext(ctx)
	if err != nil {
		return nil, err
	}
	query := bson.M{"orgId": orgID}
	if filter.IntegrationID != "" {
		query["integrationId"] = filter.IntegrationID
	}
	if filter.Kind != "" {
		query["kind"] = string(filter.Kind)
	}
	if filter.Since != nil {
		query["updatedAt"] = bson.M{"$gte": *filter.Since}
	}
	return query, nil
}
