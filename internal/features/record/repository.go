package record

import (
	"context"
	"time"

	"flowcrm/internal/database"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

// RecordRepository is the entity-store collaborator. Entities live one
// collection per type (priorities, initiatives, contacts, comments).
type RecordRepository interface {
	Create(ctx context.Context, entityType string, data map[string]interface{}) (string, error)
	Get(ctx context.Context, entityType, id string) (map[string]interface{}, error)
	Update(ctx context.Context, entityType, id string, data map[string]interface{}) error
}

type RecordRepositoryImpl struct {
	db *mongo.Database
}

func NewRecordRepository(mongodb *database.MongodbDB) RecordRepository {
	return &RecordRepositoryImpl{db: mongodb.DB}
}

func (r *RecordRepositoryImpl) Create(ctx context.Context, entityType string, data map[string]interface{}) (string, error) {
	id := primitive.NewObjectID()
	data["_id"] = id
	data["created_at"] = time.Now()

	_, err := r.db.Collection(entityType).InsertOne(ctx, data)
	if err != nil {
		return "", err
	}
	return id.Hex(), nil
}

func (r *RecordRepositoryImpl) Get(ctx context.Context, entityType, id string) (map[string]interface{}, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, err
	}

	var record map[string]interface{}
	err = r.db.Collection(entityType).FindOne(ctx, bson.M{"_id": oid}).Decode(&record)
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (r *RecordRepositoryImpl) Update(ctx context.Context, entityType, id string, data map[string]interface{}) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return err
	}

	data["updated_at"] = time.Now()
	_, err = r.db.Collection(entityType).UpdateOne(
		ctx,
		bson.M{"_id": oid},
		bson.M{"$set": data},
	)
	return err
}
