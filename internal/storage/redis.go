package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/starford/formsync/internal/apperr"
	"github.com/starford/formsync/internal/models"
)

// redisRecord is the JSON shape stored under a document key.
type redisRecord struct {
	ID        string        `json:"id"`
	UserID    string        `json:"user_id"`
	FormID    string        `json:"form_id"`
	Fields    models.Fields `json:"fields"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Redis is a Backend storing one JSON value per document plus a
// (user, form) -> id pointer claimed with SETNX.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to the Redis server at redisURL.
func NewRedis(redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("storage: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("storage: connect to redis: %w", err)
	}
	return NewRedisWithClient(client), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client, prefix: "formsync:"}
}

func (r *Redis) docKey(id string) string {
	return r.prefix + "doc:" + id
}

func (r *Redis) formKey(userID, formID string) string {
	return r.prefix + "form:" + userID + ":" + formID
}

// Create implements Backend.
func (r *Redis) Create(ctx context.Context, doc *models.Document) error {
	data, err := json.Marshal(toRecord(doc))
	if err != nil {
		return fmt.Errorf("storage: encode document: %w", err)
	}
	claimed, err := r.client.SetNX(ctx, r.formKey(doc.UserID, doc.FormID), doc.ID, 0).Result()
	if err != nil {
		return fmt.Errorf("storage: claim form key: %w", err)
	}
	if !claimed {
		return fmt.Errorf("storage: create %s: %w", doc.FormID, apperr.ErrAlreadyExists)
	}
	if err := r.client.Set(ctx, r.docKey(doc.ID), data, 0).Err(); err != nil {
		_ = r.client.Del(ctx, r.formKey(doc.UserID, doc.FormID)).Err()
		return fmt.Errorf("storage: save document: %w", err)
	}
	return nil
}

// Replace implements Backend.
func (r *Redis) Replace(ctx context.Context, doc *models.Document) error {
	cur, err := r.Get(ctx, doc.UserID, doc.ID)
	if err != nil {
		return fmt.Errorf("storage: replace: %w", err)
	}
	cur.Fields = doc.Fields.Clone()
	cur.UpdatedAt = doc.UpdatedAt
	data, err := json.Marshal(toRecord(cur))
	if err != nil {
		return fmt.Errorf("storage: encode document: %w", err)
	}
	if err := r.client.Set(ctx, r.docKey(doc.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("storage: save document: %w", err)
	}
	return nil
}

// Get implements Backend.
func (r *Redis) Get(ctx context.Context, userID, id string) (*models.Document, error) {
	raw, err := r.client.Get(ctx, r.docKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("storage: get %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get %s: %w", id, err)
	}
	var rec redisRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("storage: decode document: %w", err)
	}
	if rec.UserID != userID {
		return nil, fmt.Errorf("storage: get %s: %w", id, apperr.ErrNotFound)
	}
	return rec.document(), nil
}

// FindByForm implements Backend.
func (r *Redis) FindByForm(ctx context.Context, userID, formID string) (*models.Document, error) {
	id, err := r.client.Get(ctx, r.formKey(userID, formID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("storage: find %s: %w", formID, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("storage: find %s: %w", formID, err)
	}
	return r.Get(ctx, userID, id)
}

// Close closes the Redis connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

func toRecord(doc *models.Document) redisRecord {
	return redisRecord{
		ID:        doc.ID,
		UserID:    doc.UserID,
		FormID:    doc.FormID,
		Fields:    doc.Fields,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
}

func (rec redisRecord) document() *models.Document {
	fields := rec.Fields
	if fields == nil {
		fields = models.Fields{}
	}
	return &models.Document{
		ID:        rec.ID,
		UserID:    rec.UserID,
		FormID:    rec.FormID,
		Fields:    fields,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}
