package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matst80/devtunnel/internal/obs"
	"github.com/redis/go-redis/v9"
)

// sessionData is the JSON form stored in Redis (sans target connection).
type sessionData struct {
	ID        string    `json:"id"`
	Transport string    `json:"transport"`
	Remote    string    `json:"remote"`
	Instance  string    `json:"instance"`
	Created   time.Time `json:"created"`
	LastSeen  time.Time `json:"last_seen"`
}

// redisStateStore keeps live sessions in process and mirrors their metadata
// into Redis so every gateway instance can see which instance owns a session.
type redisStateStore struct {
	*memoryStore
	client     *redis.Client
	instanceID string

	heartbeatInterval time.Duration
	redisKeyTTL       time.Duration
	// opTimeout bounds each Redis call made on the request path.
	opTimeout time.Duration
}

func newRedisStateStore(addr, password string, db int) (*redisStateStore, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &redisStateStore{
		memoryStore:       newMemoryStore(),
		client:            rdb,
		instanceID:        fmt.Sprintf("devtunnel-%d", time.Now().UnixNano()),
		heartbeatInterval: 30 * time.Second,
		redisKeyTTL:       5 * time.Minute,
		opTimeout:         2 * time.Second,
	}, nil
}

var _ StateStore = (*redisStateStore)(nil)

func sessionKey(id string) string { return "devtunnel:session:" + id }

func (r *redisStateStore) put(s *session) error {
	if err := r.memoryStore.put(s); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()
	if err := r.write(ctx, s); err != nil {
		r.memoryStore.remove(s.id)
		return err
	}
	return nil
}

func (r *redisStateStore) write(ctx context.Context, s *session) error {
	data, err := json.Marshal(sessionData{
		ID:        s.id,
		Transport: s.transport,
		Remote:    s.remote,
		Instance:  r.instanceID,
		Created:   s.created,
		LastSeen:  s.idleSince(),
	})
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := r.client.Set(ctx, sessionKey(s.id), data, r.redisKeyTTL).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *redisStateStore) remove(id string) *session {
	s := r.memoryStore.remove(id)
	ctx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
	defer cancel()
	if err := r.client.Del(ctx, sessionKey(id)).Err(); err != nil {
		obs.Error("redis.remove_session", obs.Fields{"err": err.Error(), "session": id})
	}
	return s
}

// owner returns the instance that registered id, or "" when unknown.
func (r *redisStateStore) owner(ctx context.Context, id string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()
	val, err := r.client.Get(ctx, sessionKey(id)).Result()
	if err != nil {
		if err == redis.Nil {
			return "", nil
		}
		return "", err
	}
	var data sessionData
	if err := json.Unmarshal([]byte(val), &data); err != nil {
		return "", err
	}
	return data.Instance, nil
}

// startMaintenance refreshes the Redis entries of locally owned sessions.
func (r *redisStateStore) startMaintenance(ctx context.Context) {
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeat(ctx)
		}
	}
}

func (r *redisStateStore) heartbeat(ctx context.Context) {
	for _, s := range r.list() {
		wctx, cancel := context.WithTimeout(ctx, r.opTimeout)
		err := r.write(wctx, s)
		cancel()
		if err != nil {
			obs.Error("redis.heartbeat", obs.Fields{"err": err.Error(), "session": s.id})
		}
	}
}
