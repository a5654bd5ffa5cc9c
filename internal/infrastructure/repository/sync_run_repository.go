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

// MongoSyncRunRepository stores the per-attempt audit trail. Reads are
// org-scoped via context like activity records.
type MongoSyncRunRepository struct {
	collection *mongo.Collection
}

// NewMongoSyncRunRepository creates the repository.
func NewMongoSyncRunRepository(db *mongo.Database) ports.SyncRunRepository {
	return &MongoSyncRunRepository{collection: db.Collection("sync_runs")}
}

// Record appends one sync attempt.
func (r *MongoSyncRunRepository) Record(ctx context.Context, run *domain.SyncRun) error {
	orgID, err := domain.OrgScopeFromContext(ctx)
	if err != nil {
		return err
	}
	if run.OrgID == "" {
		run.OrgID = orgID
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}

	if _, err := r.collection.InsertOne(ctx, entity.SyncRunDocFromDomain(run)); err != nil {
		return fmt.Errorf("failed to record sync run: %w", err)
	}
	return nil
}

// ListSince returns the scoped org's runs finished after the cutoff, newest
// first.
func (r *MongoSyncRunRepository) ListSince(ctx context.Context, since time.Time) ([]*domain.SyncRun, error) {
	orgID, err := domain.OrgScopeFromContext(ctx)
	if err != nil {
		return nil, err
	}

	filter := bson.M{"orgId": orgID, "finishedAt": bson.M{"$gte": since}}
	opts := options.Find().SetSort(bson.D{{Key: "finishedAt", Value: -1}})

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync runs: %w", err)
	}
	defer cursor.Close(ctx)

	var runs []*domain.SyncRun
	for cursor.Next(ctx) {
		var doc entity.SyncRunDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode sync run: %w", err)
		}
		runs = append(runs, doc.ToDomain())
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}
	return runs, nil
}
