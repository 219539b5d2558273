// Package redis stores working memory as JSON blobs with a TTL renewed on
// every write. Read-modify-write cycles run under a per-session advisory
// lock so concurrent appends cannot lose messages.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/agentmem/memory-service/internal/config"
	"github.com/agentmem/memory-service/internal/keys"
	"github.com/agentmem/memory-service/internal/model"
	registrysession "github.com/agentmem/memory-service/internal/registry/session"
)

func init() {
	registrysession.Register(registrysession.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

func load(ctx context.Context) (registrysession.Store, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return nil, fmt.Errorf("redis session store: missing config")
	}
	opts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("redis session store: parse url: %w", err)
	}
	ttl := time.Duration(cfg.DefaultWMTTLSeconds) * time.Second
	return New(goredis.NewClient(opts), ttl), nil
}

const (
	lockTTL       = 5 * time.Second
	lockRetryWait = 20 * time.Millisecond
)

// advanceScript moves the watermark forward only if the new id sorts
// after the current one, which makes promotion retries idempotent.
var advanceScript = goredis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if (not cur) or (ARGV[1] > cur) then
	redis.call('SET', KEYS[1], ARGV[1])
	return 1
end
return 0
`)

// unlockScript releases the lock only if we still hold it.
var unlockScript = goredis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

type Store struct {
	client     *goredis.Client
	defaultTTL time.Duration
}

// New returns a session store over an existing client.
func New(client *goredis.Client, defaultTTL time.Duration) *Store {
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &Store{client: client, defaultTTL: defaultTTL}
}

func (s *Store) Name() string { return "redis" }

func (s *Store) Get(ctx context.Context, key model.SessionKey) (*model.WorkingMemory, error) {
	raw, err := s.client.Get(ctx, keys.WorkingMemory(key.Namespace, key.UserID, key.SessionID)).Result()
	if err == goredis.Nil {
		return nil, &registrysession.NotFoundError{SessionID: key.SessionID}
	}
	if err != nil {
		return nil, err
	}
	var wm model.WorkingMemory
	if err := json.Unmarshal([]byte(raw), &wm); err != nil {
		return nil, fmt.Errorf("redis session store: decode blob: %w", err)
	}
	return &wm, nil
}

func (s *Store) Set(ctx context.Context, wm *model.WorkingMemory) error {
	raw, err := json.Marshal(wm)
	if err != nil {
		return err
	}
	ttl := s.defaultTTL
	if wm.TTLSeconds > 0 {
		ttl = time.Duration(wm.TTLSeconds) * time.Second
	}
	return s.client.Set(ctx, keys.WorkingMemory(wm.Namespace, wm.UserID, wm.SessionID), raw, ttl).Err()
}

func (s *Store) AppendMessages(ctx context.Context, key model.SessionKey, msgs []model.MemoryMessage) (*model.WorkingMemory, error) {
	return s.Update(ctx, key, func(wm *model.WorkingMemory) error {
		wm.Messages = append(wm.Messages, msgs...)
		return nil
	})
}

func (s *Store) Update(ctx context.Context, key model.SessionKey, fn func(wm *model.WorkingMemory) error) (*model.WorkingMemory, error) {
	unlock, err := s.lock(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	wm, err := s.Get(ctx, key)
	if err != nil {
		var nf *registrysession.NotFoundError
		if !errors.As(err, &nf) {
			return nil, err
		}
		wm = &model.WorkingMemory{
			SessionID: key.SessionID,
			UserID:    key.UserID,
			Namespace: key.Namespace,
			Strategy:  model.MemoryStrategy{Kind: model.StrategyDiscrete},
		}
	}
	if err := fn(wm); err != nil {
		return nil, err
	}
	wm.LastAccessedAt = time.Now().UTC()
	if err := s.Set(ctx, wm); err != nil {
		return nil, err
	}
	return wm, nil
}

func (s *Store) Delete(ctx context.Context, key model.SessionKey) error {
	return s.client.Del(ctx, keys.WorkingMemory(key.Namespace, key.UserID, key.SessionID)).Err()
}

func (s *Store) ListSessions(ctx context.Context, namespace string, offset, limit int) (*registrysession.SessionPage, error) {
	pattern := keys.WorkingMemoryScanPattern(namespace)
	var found []string
	iter := s.client.Scan(ctx, 0, pattern, 1000).Iterator()
	for iter.Next(ctx) {
		found = append(found, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(found)

	page := &registrysession.SessionPage{Total: int64(len(found))}
	if offset >= len(found) {
		return page, nil
	}
	found = found[offset:]
	if limit > 0 && len(found) > limit {
		found = found[:limit]
	}
	for _, k := range found {
		page.SessionIDs = append(page.SessionIDs, keys.SessionIDFromKey(k))
	}
	return page, nil
}

func (s *Store) GetWatermark(ctx context.Context, key model.SessionKey) (string, error) {
	v, err := s.client.Get(ctx, keys.PromotionWatermark(key.Namespace, key.UserID, key.SessionID)).Result()
	if err == goredis.Nil {
		return "", nil
	}
	return v, err
}

func (s *Store) AdvanceWatermark(ctx context.Context, key model.SessionKey, id string) error {
	return advanceScript.Run(ctx, s.client,
		[]string{keys.PromotionWatermark(key.Namespace, key.UserID, key.SessionID)}, id).Err()
}

func (s *Store) lock(ctx context.Context, key model.SessionKey) (func(), error) {
	lockKey := keys.WorkingMemoryLock(key.Namespace, key.UserID, key.SessionID)
	token := uuid.NewString()
	for {
		ok, err := s.client.SetNX(ctx, lockKey, token, lockTTL).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockRetryWait):
		}
	}
	return func() {
		// release outlives a canceled request context
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = unlockScript.Run(releaseCtx, s.client, []string{lockKey}, token).Err()
	}, nil
}

var _ registrysession.Store = (*Store)(nil)
