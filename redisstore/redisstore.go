package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	oauth "github.com/haileyok/atproto-session-broker"
	"github.com/haileyok/atproto-session-broker/internal/helpers"
	"github.com/redis/go-redis/v9"
)

// prefix string for all the Redis keys this store uses
var defaultPrefix = "oauth/"

const (
	scanBatch         = 200
	maxUpdateAttempts = 10
)

// deletes the claim only while it still holds the caller's token
var releaseClaimScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore is a [oauth.SessionStore] shared by every process pointed at the same Redis. Records
// are JSON values with native key expiry. Refresh claims are SET NX keys holding a random token,
// so at most one process holds the claim for a session at a time and only that process can
// release it.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ oauth.SessionStore = (*RedisStore)(nil)

func New(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

// NewFromURL connects using a redis:// URL and checks the connection.
func NewFromURL(ctx context.Context, redisURL, prefix string) (*RedisStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("could not configure redis session store: %w", err)
	}

	rdb := redis.NewClient(opt)
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("could not connect to redis session store: %w", err)
	}

	return New(rdb, prefix), nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) pendingKey(state string) string {
	return s.prefix + "pending/" + state
}

func (s *RedisStore) sessionKey(id string) string {
	return s.prefix + "session/" + id
}

func (s *RedisStore) claimKey(id string) string {
	return s.prefix + "refresh/" + id
}

func (s *RedisStore) SavePending(ctx context.Context, p oauth.PendingAuthorization, ttl time.Duration) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}

	ok, err := s.client.SetNX(ctx, s.pendingKey(p.State), b, ttl).Result()
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("pending authorization already exists for state")
	}

	return nil
}

func (s *RedisStore) ConsumePending(ctx context.Context, state string) (*oauth.PendingAuthorization, error) {
	b, err := s.client.GetDel(ctx, s.pendingKey(state)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, oauth.ErrInvalidState
		}
		return nil, err
	}

	var p oauth.PendingAuthorization
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("could not decode pending authorization: %w", err)
	}

	return &p, nil
}

func (s *RedisStore) DeletePending(ctx context.Context, state string) error {
	return s.client.Del(ctx, s.pendingKey(state)).Err()
}

// SweepPending removes pending authorizations created before olderThan. Keys past their ttl are
// already gone.
func (s *RedisStore) SweepPending(ctx context.Context, olderThan time.Time) (int, error) {
	n := 0
	err := s.scan(ctx, s.pendingKey("*"), func(keys []string, vals []any) error {
		for i, v := range vals {
			str, ok := v.(string)
			if !ok {
				continue
			}

			var p oauth.PendingAuthorization
			if err := json.Unmarshal([]byte(str), &p); err != nil || p.CreatedAt.Before(olderThan) {
				deleted, err := s.client.Del(ctx, keys[i]).Result()
				if err != nil {
					return err
				}
				n += int(deleted)
			}
		}
		return nil
	})

	return n, err
}

func (s *RedisStore) GetSession(ctx context.Context, id string) (*oauth.Session, error) {
	b, err := s.client.Get(ctx, s.sessionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, oauth.ErrSessionNotFound
		}
		return nil, err
	}

	var sess oauth.Session
	if err := json.Unmarshal(b, &sess); err != nil {
		return nil, fmt.Errorf("could not decode session: %w", err)
	}

	return &sess, nil
}

func (s *RedisStore) SaveSession(ctx context.Context, sess oauth.Session, ttl time.Duration) error {
	b, err := json.Marshal(sess)
	if err != nil {
		return err
	}

	return s.client.Set(ctx, s.sessionKey(sess.ID), b, ttl).Err()
}

// UpdateSession is a WATCH/MULTI read-modify-write, retried when another writer gets in first.
func (s *RedisStore) UpdateSession(ctx context.Context, id string, ttl time.Duration, fn func(*oauth.Session) error) (*oauth.Session, error) {
	key := s.sessionKey(id)
	var out *oauth.Session

	txf := func(tx *redis.Tx) error {
		b, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return oauth.ErrSessionNotFound
			}
			return err
		}

		var sess oauth.Session
		if err := json.Unmarshal(b, &sess); err != nil {
			return fmt.Errorf("could not decode session: %w", err)
		}

		if err := fn(&sess); err != nil {
			return err
		}

		nb, err := json.Marshal(sess)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, nb, ttl)
			return nil
		})
		if err != nil {
			return err
		}

		out = &sess
		return nil
	}

	for i := 0; i < maxUpdateAttempts; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}

	return nil, fmt.Errorf("session update kept conflicting after %d attempts", maxUpdateAttempts)
}

func (s *RedisStore) DeleteSession(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.sessionKey(id), s.claimKey(id)).Err()
}

func (s *RedisStore) ListSessions(ctx context.Context) ([]oauth.Session, error) {
	var out []oauth.Session
	err := s.scan(ctx, s.sessionKey("*"), func(keys []string, vals []any) error {
		for _, v := range vals {
			str, ok := v.(string)
			if !ok {
				// expired between SCAN and MGET
				continue
			}

			var sess oauth.Session
			if err := json.Unmarshal([]byte(str), &sess); err != nil {
				return fmt.Errorf("could not decode session: %w", err)
			}
			out = append(out, sess)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

func (s *RedisStore) ClaimRefresh(ctx context.Context, id string, ttl time.Duration) (string, bool, error) {
	token, err := helpers.GenerateURLToken(16)
	if err != nil {
		return "", false, err
	}

	ok, err := s.client.SetNX(ctx, s.claimKey(id), token, ttl).Result()
	if err != nil || !ok {
		return "", false, err
	}

	return token, true, nil
}

func (s *RedisStore) RefreshClaimed(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, s.claimKey(id)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) ReleaseRefresh(ctx context.Context, id, token string) error {
	return releaseClaimScript.Run(ctx, s.client, []string{s.claimKey(id)}, token).Err()
}

// scan walks every key matching pattern and hands batches of keys and their values to fn.
func (s *RedisStore) scan(ctx context.Context, pattern string, fn func(keys []string, vals []any) error) error {
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return err
		}

		if len(keys) > 0 {
			vals, err := s.client.MGet(ctx, keys...).Result()
			if err != nil {
				return err
			}

			if err := fn(keys, vals); err != nil {
				return err
			}
		}

		if next == 0 {
			return nil
		}
		cursor = next
	}
}
