package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"Foreman/backend/go/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoEventStore 把事件与回执存放在两个集合里，用多文档事务保证
// 读方不会看到只有部分回执的事件。需要副本集部署。
type MongoEventStore struct {
	client   *mongo.Client
	events   *mongo.Collection
	receipts *mongo.Collection
}

// NewMongoEventStore 创建 MongoEventStore。
func NewMongoEventStore(client *mongo.Client, db *mongo.Database, eventsColl, receiptsColl string) *MongoEventStore {
	return &MongoEventStore{
		client:   client,
		events:   db.Collection(eventsColl),
		receipts: db.Collection(receiptsColl),
	}
}

// EnsureIndexes 创建扫描与聚合所需的索引。
func (s *MongoEventStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.receipts.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "started_at", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "subscriber", Value: 1}, {Key: "event_key", Value: 1}}},
		{Keys: bson.D{{Key: "event_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("创建回执索引失败: %w", err)
	}
	_, err = s.events.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "key", Value: 1}, {Key: "created_at", Value: 1}},
	})
	return err
}

// InsertEvent 在事务中写入事件和回执。
func (s *MongoEventStore) InsertEvent(ctx context.Context, event *models.Event, receipts []*models.EventReceipt) error {
	session, err := s.client.StartSession()
	if err != nil {
		return fmt.Errorf("无法开启 MongoDB 会话: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		if _, err := s.events.InsertOne(sc, event); err != nil {
			return nil, err
		}
		if len(receipts) == 0 {
			return nil, nil
		}
		docs := make([]interface{}, len(receipts))
		for i, r := range receipts {
			docs[i] = r
		}
		_, err := s.receipts.InsertMany(sc, docs)
		return nil, err
	})
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	return err
}

// GetEvent 按 id 读取事件。
func (s *MongoEventStore) GetEvent(ctx context.Context, id string) (*models.Event, error) {
	var e models.Event
	if err := s.events.FindOne(ctx, bson.M{"_id": id}).Decode(&e); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

// ListReceipts 返回某个事件的全部回执。
func (s *MongoEventStore) ListReceipts(ctx context.Context, eventID string) ([]*models.EventReceipt, error) {
	return s.find(ctx, bson.M{"event_id": eventID}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
}

// ClaimReceipt 用条件更新认领回执，只有 started_at 为空时才会成功。
func (s *MongoEventStore) ClaimReceipt(ctx context.Context, eventID, subscriber string, at time.Time) (bool, error) {
	id := models.ReceiptID(eventID, subscriber)
	res, err := s.receipts.UpdateOne(ctx,
		bson.M{"_id": id, "started_at": nil},
		bson.M{"$set": bson.M{"started_at": at}},
	)
	if err != nil {
		return false, err
	}
	if res.ModifiedCount == 1 {
		return true, nil
	}
	n, err := s.receipts.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, ErrNotFound
	}
	return false, nil
}

// ListUnclaimed 按创建顺序返回未认领的回执。
func (s *MongoEventStore) ListUnclaimed(ctx context.Context, limit int) ([]*models.EventReceipt, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return s.find(ctx, bson.M{"started_at": nil}, opts)
}

// PendingCounts 按 (subscriber, event_key) 聚合未认领回执数量。
func (s *MongoEventStore) PendingCounts(ctx context.Context) ([]models.PendingCount, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"started_at": nil}}},
		{{Key: "$group", Value: bson.M{
			"_id":   bson.M{"subscriber": "$subscriber", "event_key": "$event_key"},
			"count": bson.M{"$sum": 1},
		}}},
		{{Key: "$project", Value: bson.M{
			"_id":        0,
			"subscriber": "$_id.subscriber",
			"event_key":  "$_id.event_key",
			"count":      1,
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "subscriber", Value: 1}, {Key: "event_key", Value: 1}}}},
	}
	cursor, err := s.receipts.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var counts []models.PendingCount
	if err := cursor.All(ctx, &counts); err != nil {
		return nil, err
	}
	return counts, nil
}

func (s *MongoEventStore) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*models.EventReceipt, error) {
	cursor, err := s.receipts.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []*models.EventReceipt
	if err := cursor.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
