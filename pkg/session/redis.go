package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dukex/callflow/pkg/models"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix = "callflow:session:"
	scanBatch     = 100
)

// RedisStore keeps sessions as JSON documents under <prefix><call id>. Updates run in a
// WATCH transaction so two instances can never both commit the same revision. Terminal
// sessions are written with an expiry so Redis reclaims them without a sweep.
type RedisStore struct {
	client      *redis.Client
	prefix      string
	terminalTTL time.Duration
	logger      *slog.Logger
}

// NewRedisStore connects to the Redis server at url (redis://host:port/db).
func NewRedisStore(ctx context.Context, url string, terminalTTL time.Duration, logger *slog.Logger) (*RedisStore, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(options)

	err = client.Ping(ctx).Err()
	if err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, defaultPrefix, terminalTTL, logger), nil
}

// NewRedisStoreWithClient wraps an existing client. An empty prefix selects the default.
func NewRedisStoreWithClient(client *redis.Client, prefix string, terminalTTL time.Duration, logger *slog.Logger) *RedisStore {
	if prefix == "" {
		prefix = defaultPrefix
	}

	return &RedisStore{
		client:      client,
		prefix:      prefix,
		terminalTTL: terminalTTL,
		logger:      logger.With("module", "redis_session_store"),
	}
}

func (r *RedisStore) key(callID string) string {
	return r.prefix + callID
}

func (r *RedisStore) expiration(session *models.CallSession) time.Duration {
	if session.Terminal() {
		return r.terminalTTL
	}

	return 0
}

func (r *RedisStore) Create(ctx context.Context, session *models.CallSession) error {
	stored := session.Clone()
	stored.Revision = 1

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	created, err := r.client.SetNX(ctx, r.key(session.CallID), data, r.expiration(stored)).Result()
	if err != nil {
		return newError("Create", session.CallID, err)
	}

	if !created {
		return newError("Create", session.CallID, ErrSessionExists)
	}

	session.Revision = 1

	return nil
}

func (r *RedisStore) Get(ctx context.Context, callID string) (*models.CallSession, error) {
	data, err := r.client.Get(ctx, r.key(callID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, newError("Get", callID, ErrSessionNotFound)
	}

	if err != nil {
		return nil, newError("Get", callID, err)
	}

	return decodeSession(data)
}

func (r *RedisStore) Update(ctx context.Context, session *models.CallSession) error {
	key := r.key(session.CallID)
	next := session.Clone()
	next.Revision++

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrSessionNotFound
		}

		if err != nil {
			return err
		}

		stored, err := decodeSession(raw)
		if err != nil {
			return err
		}

		if stored.Revision != session.Revision {
			return ErrRevisionConflict
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, r.expiration(next))

			return nil
		})

		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return newError("Update", session.CallID, ErrRevisionConflict)
	}

	if err != nil {
		return newError("Update", session.CallID, err)
	}

	session.Revision = next.Revision

	return nil
}

func (r *RedisStore) List(ctx context.Context) ([]*models.CallSession, error) {
	var keys []string

	iter := r.client.Scan(ctx, 0, r.prefix+"*", scanBatch).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}

	err := iter.Err()
	if err != nil {
		return nil, fmt.Errorf("failed to scan sessions: %w", err)
	}

	sessions := make([]*models.CallSession, 0, len(keys))

	for start := 0; start < len(keys); start += scanBatch {
		end := min(start+scanBatch, len(keys))

		values, err := r.client.MGet(ctx, keys[start:end]...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read sessions: %w", err)
		}

		for i, value := range values {
			raw, ok := value.(string)
			if !ok {
				// Expired between SCAN and MGET.
				continue
			}

			session, err := decodeSession([]byte(raw))
			if err != nil {
				r.logger.WarnContext(ctx, "skipping unreadable session", "key", keys[start+i], "error", err)

				continue
			}

			sessions = append(sessions, session)
		}
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.Before(sessions[j].StartedAt)
	})

	return sessions, nil
}

func (r *RedisStore) Delete(ctx context.Context, callID string) error {
	deleted, err := r.client.Del(ctx, r.key(callID)).Result()
	if err != nil {
		return newError("Delete", callID, err)
	}

	if deleted == 0 {
		return newError("Delete", callID, ErrSessionNotFound)
	}

	return nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func decodeSession(data []byte) (*models.CallSession, error) {
	var session models.CallSession

	err := json.Unmarshal(data, &session)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}

	return &session, nil
}
