package store

import (
	"context"
	"errors"
	"time"

	"Foreman/backend/go/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoTaskStore is an implementation of TaskStore using MongoDB.
type MongoTaskStore struct {
	collection *mongo.Collection
}

// NewMongoTaskStore creates a new MongoTaskStore.
func NewMongoTaskStore(db *mongo.Database, collectionName string) *MongoTaskStore {
	return &MongoTaskStore{
		collection: db.Collection(collectionName),
	}
}

// EnsureIndexes creates the indexes the queries below rely on.
func (s *MongoTaskStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "retry_of", Value: 1}}, Options: options.Index().SetSparse(true)},
		{Keys: bson.D{{Key: "started_at", Value: 1}, {Key: "created_at", Value: 1}}},
	})
	return err
}

// CreateTask inserts a new task record.
func (s *MongoTaskStore) CreateTask(ctx context.Context, task *models.Task) error {
	_, err := s.collection.InsertOne(ctx, task)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	return err
}

// GetTask retrieves a task by its ID.
func (s *MongoTaskStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	var task models.Task
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&task)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &task, nil
}

// ListTasksByOwner returns the newest tasks of one owner.
func (s *MongoTaskStore) ListTasksByOwner(ctx context.Context, ownerID string, limit int) ([]*models.Task, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.collection.Find(ctx, bson.M{"owner_id": ownerID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var tasks []*models.Task
	if err = cursor.All(ctx, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// MarkStarted sets started_at only if the task has neither started nor finished.
func (s *MongoTaskStore) MarkStarted(ctx context.Context, id string, at time.Time) (bool, error) {
	filter := bson.M{
		"_id":          id,
		"started_at":   nil,
		"completed_at": nil,
		"errored_at":   nil,
	}
	res, err := s.collection.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"started_at": at}})
	if err != nil {
		return false, err
	}
	if res.ModifiedCount == 1 {
		return true, nil
	}
	return false, s.exists(ctx, id)
}

// MarkTerminal writes the terminal fields in a single conditional update, so
// concurrent completions resolve first-writer-wins inside MongoDB.
func (s *MongoTaskStore) MarkTerminal(ctx context.Context, id string, term Terminal, requireStarted bool) (bool, error) {
	filter := bson.M{
		"_id":          id,
		"completed_at": nil,
		"errored_at":   nil,
	}
	if requireStarted {
		filter["started_at"] = bson.M{"$ne": nil}
	}
	completedAt, erroredAt, code, message := terminalFields(term)
	set := bson.M{
		"completed_at":  completedAt,
		"errored_at":    erroredAt,
		"result":        term.Result,
		"error":         term.Error,
		"error_code":    code,
		"error_message": message,
	}
	res, err := s.collection.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return false, err
	}
	if res.ModifiedCount == 1 {
		return true, nil
	}
	return false, s.exists(ctx, id)
}

// ListStaleCreated finds tasks nobody has started whose due time has passed.
// Retry tasks are due at not_before, everything else at created_at.
func (s *MongoTaskStore) ListStaleCreated(ctx context.Context, dueBefore time.Time, limit int) ([]*models.Task, error) {
	filter := bson.M{
		"started_at":   nil,
		"completed_at": nil,
		"errored_at":   nil,
		"$or": bson.A{
			bson.M{"not_before": bson.M{"$exists": false}, "created_at": bson.M{"$lte": dueBefore}},
			bson.M{"not_before": bson.M{"$lte": dueBefore}},
		},
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var tasks []*models.Task
	if err = cursor.All(ctx, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (s *MongoTaskStore) exists(ctx context.Context, id string) error {
	n, err := s.collection.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
