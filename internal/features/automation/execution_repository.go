package automation

import (
	"context"
	"time"

	"flowcrm/internal/database"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type ExecutionRecordRepository interface {
	// TryInsert claims the (rule, entity) pair. It returns false when a
	// record already exists, which under the unique index also covers the
	// race where two evaluators observe "no record yet".
	TryInsert(ctx context.Context, ruleID primitive.ObjectID, entityID string) (bool, error)
	Exists(ctx context.Context, ruleID primitive.ObjectID, entityID string) (bool, error)
	EnsureIndexes(ctx context.Context) error
}

type ExecutionRecordRepositoryImpl struct {
	collection *mongo.Collection
}

func NewExecutionRecordRepository(mongodb *database.MongodbDB) ExecutionRecordRepository {
	return &ExecutionRecordRepositoryImpl{
		collection: mongodb.DB.Collection("execution_records"),
	}
}

func (r *ExecutionRecordRepositoryImpl) TryInsert(ctx context.Context, ruleID primitive.ObjectID, entityID string) (bool, error) {
	record := &ExecutionRecord{
		ID:         primitive.NewObjectID(),
		RuleID:     ruleID,
		EntityID:   entityID,
		ExecutedAt: time.Now(),
	}
	_, err := r.collection.InsertOne(ctx, record)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (r *ExecutionRecordRepositoryImpl) Exists(ctx context.Context, ruleID primitive.ObjectID, entityID string) (bool, error) {
	count, err := r.collection.CountDocuments(ctx, bson.M{"rule_id": ruleID, "entity_id": entityID})
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *ExecutionRecordRepositoryImpl) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "rule_id", Value: 1},
			{Key: "entity_id", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	})
	return err
}
