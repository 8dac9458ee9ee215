package webhook

import (
	"context"
	"time"

	"flowcrm/internal/database"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type WebhookLogRepository interface {
	Create(ctx context.Context, log *WebhookLog) error
	Get(ctx context.Context, id string) (*WebhookLog, error)
	Update(ctx context.Context, log *WebhookLog) error
	ListByWebhookID(ctx context.Context, webhookID string) ([]WebhookLog, error)
	ListRetryable(ctx context.Context, now time.Time, limit int64) ([]WebhookLog, error)
	EnsureIndexes(ctx context.Context) error
}

type WebhookLogRepositoryImpl struct {
	collection *mongo.Collection
}

func NewWebhookLogRepository(db *database.MongodbDB) WebhookLogRepository {
	return &WebhookLogRepositoryImpl{
		collection: db.DB.Collection("webhook_logs"),
	}
}

func (r *WebhookLogRepositoryImpl) Create(ctx context.Context, log *WebhookLog) error {
	if log.ID.IsZero() {
		log.ID = primitive.NewObjectID()
	}
	log.CreatedAt = time.Now()
	if log.Status == "" {
		log.Status = StatusPending
	}

	_, err := r.collection.InsertOne(ctx, log)
	return err
}

func (r *WebhookLogRepositoryImpl) Get(ctx context.Context, id string) (*WebhookLog, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, err
	}

	var log WebhookLog
	err = r.collection.FindOne(ctx, bson.M{"_id": oid}).Decode(&log)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, nil
		}
		return nil, err
	}
	return &log, nil
}

func (r *WebhookLogRepositoryImpl) Update(ctx context.Context, log *WebhookLog) error {
	update := bson.M{
		"status":           log.Status,
		"attempts":         log.Attempts,
		"response_status":  log.ResponseStatus,
		"response_body":    log.ResponseBody,
		"response_time_ms": log.ResponseTimeMs,
		"error":            log.Error,
		"next_retry_at":    log.NextRetryAt,
	}
	_, err := r.collection.UpdateOne(ctx, bson.M{"_id": log.ID}, bson.M{"$set": update})
	return err
}

func (r *WebhookLogRepositoryImpl) ListByWebhookID(ctx context.Context, webhookID string) ([]WebhookLog, error) {
	oid, err := primitive.ObjectIDFromHex(webhookID)
	if err != nil {
		return nil, err
	}

	filter := bson.M{"webhook_id": oid}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}).SetLimit(50) // Limit to last 50 logs

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var logs []WebhookLog
	if err = cursor.All(ctx, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

// ListRetryable returns failed or retrying logs due for another attempt,
// oldest due first, capped so one sweep stays bounded.
func (r *WebhookLogRepositoryImpl) ListRetryable(ctx context.Context, now time.Time, limit int64) ([]WebhookLog, error) {
	filter := bson.M{
		"status":        bson.M{"$in": []string{StatusFailed, StatusRetrying}},
		"next_retry_at": bson.M{"$ne": nil, "$lte": now},
	}
	opts := options.Find().SetSort(bson.D{{Key: "next_retry_at", Value: 1}}).SetLimit(limit)

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var logs []WebhookLog
	if err = cursor.All(ctx, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

func (r *WebhookLogRepositoryImpl) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "webhook_id", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_retry_at", Value: 1}}},
	})
	return err
}
