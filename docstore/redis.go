package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisOptions configures the connection to a remote document endpoint.
type RedisOptions struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// RedisDB is a Redis-backed implementation of the DB interface, used as
// the remote endpoint of a logical database. Documents for database "x"
// live under keys "x:doc:<id>".
//
// The remote path has no server-side substring matching; Find returns
// ErrUnsupportedQuery for selectors with substring conditions, which
// callers recover via the full-scan fallback.
type RedisDB struct {
	client *redis.Client
	prefix string
}

// NewRedisDB connects to the remote endpoint and scopes it to the named
// logical database. The connection check is bounded to 5 seconds.
func NewRedisDB(opts RedisOptions, database string) (*RedisDB, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Username:     opts.Username,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: connect to %s: %v", ErrNetwork, opts.Addr, err)
	}

	return &RedisDB{client: client, prefix: database + ":doc:"}, nil
}

// Get retrieves a document by ID.
func (r *RedisDB) Get(ctx context.Context, id string) (Document, error) {
	return withContext(ctx, func() (Document, error) {
		data, err := r.client.Get(ctx, r.prefix+id).Bytes()
		if errors.Is(err, redis.Nil) {
			return Document{}, fmt.Errorf("%w: id=%s", ErrNotFound, id)
		} else if err != nil {
			return Document{}, fmt.Errorf("%w: get %s: %v", ErrNetwork, id, err)
		}
		var doc Document
		if err := json.Unmarshal(data, &doc); err != nil {
			return Document{}, fmt.Errorf("decode %s: %w", id, err)
		}
		return doc, nil
	})
}

// Put writes a document after checking the stored revision. The check and
// write are not a single atomic step; last-writer-wins between two racing
// writers holding the same revision.
func (r *RedisDB) Put(ctx context.Context, doc Document) (string, error) {
	return withContext(ctx, func() (string, error) {
		if doc.ID == "" {
			return "", fmt.Errorf("document ID is required")
		}
		prevRev := ""
		existing, err := r.Get(ctx, doc.ID)
		switch {
		case err == nil:
			prevRev = existing.Rev
		case errors.Is(err, ErrNotFound):
			if doc.Rev != "" {
				return "", fmt.Errorf("%w: id=%s rev=%s refers to a missing document", ErrConflict, doc.ID, doc.Rev)
			}
		default:
			return "", err
		}
		if prevRev != doc.Rev {
			return "", fmt.Errorf("%w: id=%s have=%s want=%s", ErrConflict, doc.ID, doc.Rev, prevRev)
		}

		stored := doc
		stored.Rev = nextRev(prevRev)
		data, err := json.Marshal(stored)
		if err != nil {
			return "", fmt.Errorf("encode %s: %w", doc.ID, err)
		}
		if err := r.client.Set(ctx, r.prefix+doc.ID, data, 0).Err(); err != nil {
			return "", fmt.Errorf("%w: set %s: %v", ErrNetwork, doc.ID, err)
		}
		return stored.Rev, nil
	})
}

// Remove deletes a document, checking its revision.
func (r *RedisDB) Remove(ctx context.Context, doc Document) error {
	return withContextError(ctx, func() error {
		existing, err := r.Get(ctx, doc.ID)
		if err != nil {
			return err
		}
		if existing.Rev != doc.Rev {
			return fmt.Errorf("%w: id=%s have=%s want=%s", ErrConflict, doc.ID, doc.Rev, existing.Rev)
		}
		if err := r.client.Del(ctx, r.prefix+doc.ID).Err(); err != nil {
			return fmt.Errorf("%w: del %s: %v", ErrNetwork, doc.ID, err)
		}
		return nil
	})
}

// Find scans the database keyspace and filters with the shared matcher.
// Substring selectors are refused with ErrUnsupportedQuery.
func (r *RedisDB) Find(ctx context.Context, q Query) ([]Document, error) {
	return withContext(ctx, func() ([]Document, error) {
		if q.Selector.HasSubstring() {
			return nil, fmt.Errorf("%w: substring match is not available on the remote path", ErrUnsupportedQuery)
		}
		docs, err := r.scan(ctx, 0)
		if err != nil {
			return nil, err
		}
		return ApplyQuery(docs, q), nil
	})
}

// AllDocs returns up to limit documents (0 means no limit).
func (r *RedisDB) AllDocs(ctx context.Context, limit int) ([]Document, error) {
	return withContext(ctx, func() ([]Document, error) {
		return r.scan(ctx, limit)
	})
}

// Len reports the number of stored documents.
func (r *RedisDB) Len(ctx context.Context) (int, error) {
	return withContext(ctx, func() (int, error) {
		keys, err := r.client.Keys(ctx, r.prefix+"*").Result()
		if err != nil {
			return 0, fmt.Errorf("%w: scan keys: %v", ErrNetwork, err)
		}
		return len(keys), nil
	})
}

// Close closes the client connection.
func (r *RedisDB) Close() error {
	return r.client.Close()
}

func (r *RedisDB) scan(ctx context.Context, limit int) ([]Document, error) {
	keys, err := r.client.Keys(ctx, r.prefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("%w: scan keys: %v", ErrNetwork, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.Get(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: pipeline get: %v", ErrNetwork, err)
	}

	var docs []Document
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		} else if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
		}
		var doc Document
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
		docs = append(docs, doc)
		if limit > 0 && len(docs) >= limit {
			break
		}
	}
	return docs, nil
}
