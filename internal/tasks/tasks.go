// Package tasks tracks the lifecycle of in-flight upload jobs in their own
// Mongo collection, separate from the record store: a task is cheap,
// short-lived bookkeeping, not a document a search query should ever touch.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tlcfem/motion-base-go/internal/clock"
	"github.com/tlcfem/motion-base-go/internal/record"
)

const tasksCollection = "upload_tasks"

// ErrNotFound is returned when a task id has no matching entry.
var ErrNotFound = errors.New("task not found")

// Registry wraps the upload_tasks collection.
type Registry struct {
	collection *mongo.Collection
}

// New wraps an existing Mongo database handle.
func New(db *mongo.Database) *Registry {
	return &Registry{collection: db.Collection(tasksCollection)}
}

// Create inserts a fresh task, defaulting totalSize to the caller-known
// archive member count; CurrentSize starts at zero. If id is empty a
// random UUIDv4 is minted.
func (r *Registry) Create(ctx context.Context, id string, totalSize int, archivePath string) (record.UploadTask, error) {
	if id == "" {
		id = uuid.NewString()
	}
	task := record.UploadTask{
		ID:          id,
		CreateTime:  clock.Now().Now(),
		PID:         os.Getpid(),
		TotalSize:   totalSize,
		CurrentSize: 0,
		ArchivePath: archivePath,
	}
	if _, err := r.collection.InsertOne(ctx, task); err != nil {
		return record.UploadTask{}, fmt.Errorf("tasks: create: %w", err)
	}
	return task, nil
}

// Delete removes a task entry. Deleting an already-absent id is not an
// error: task cleanup races the client's final poll by design.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if _, err := r.collection.DeleteOne(ctx, bson.D{{Key: "_id", Value: id}}); err != nil {
		return fmt.Errorf("tasks: delete: %w", err)
	}
	return nil
}

// Find fetches a single task by id.
func (r *Registry) Find(ctx context.Context, id string) (record.UploadTask, error) {
	var task record.UploadTask
	err := r.collection.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&task)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return record.UploadTask{}, fmt.Errorf("tasks: %w", ErrNotFound)
	}
	if err != nil {
		return record.UploadTask{}, fmt.Errorf("tasks: find: %w", err)
	}
	return task, nil
}

// List fetches every task whose id is in ids, silently omitting any that
// are absent; callers resolve the omission themselves per the id list they
// passed in.
func (r *Registry) List(ctx context.Context, ids []string) ([]record.UploadTask, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cursor, err := r.collection.Find(ctx, bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: ids}}}})
	if err != nil {
		return nil, fmt.Errorf("tasks: list: %w", err)
	}
	defer cursor.Close(ctx)

	var out []record.UploadTask
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("tasks: decode list: %w", err)
	}
	return out, nil
}

// Advance increments current_size by delta with an atomic $inc, so
// concurrent advances do not lose updates. Completion is set separately by
// MarkComplete.
func (r *Registry) Advance(ctx context.Context, id string, delta int) error {
	_, err := r.collection.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "current_size", Value: delta}}}},
		options.Update(),
	)
	if err != nil {
		return fmt.Errorf("tasks: advance: %w", err)
	}
	return nil
}

// MarkComplete sets current_size equal to total_size, independent of any
// Advance bookkeeping, so the task reads as done even if some Advance calls
// failed or were never made.
func (r *Registry) MarkComplete(ctx context.Context, id string) error {
	task, err := r.Find(ctx, id)
	if err != nil {
		return err
	}
	_, err = r.collection.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "current_size", Value: task.TotalSize}}}},
	)
	if err != nil {
		return fmt.Errorf("tasks: mark complete: %w", err)
	}
	return nil
}
