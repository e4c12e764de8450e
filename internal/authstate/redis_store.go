// Package authstate stores single-use OAuth authorization states in Redis.
package authstate

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"content-publisher/internal/models"
)

// DefaultTTL is how long an authorization state stays valid.
const DefaultTTL = 10 * time.Minute

// ErrNotFound covers missing, expired and already consumed states alike.
var ErrNotFound = errors.New("authorization state not found")

// RedisStore keeps states under a TTL and consumes them with GETDEL, so at most one caller ever
// sees a given state.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a store; ttl <= 0 selects DefaultTTL.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl, prefix: "oauth:state:", now: time.Now}
}

// NewToken returns a random state token.
func NewToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Save stores st, stamping CreatedAt when unset. A token collision is reported as an error rather
// than overwriting the existing state.
func (s *RedisStore) Save(ctx context.Context, st models.AuthorizationState) (models.AuthorizationState, error) {
	if st.Token == "" {
		return st, errors.New("authorization state token is empty")
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = s.now().UTC()
	}
	body, err := json.Marshal(st)
	if err != nil {
		return st, fmt.Errorf("marshal state: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.prefix+st.Token, body, s.ttl).Result()
	if err != nil {
		return st, fmt.Errorf("save state: %w", err)
	}
	if !ok {
		return st, errors.New("authorization state token already in use")
	}
	return st, nil
}

// Consume atomically removes and returns the state. The age is checked against the TTL here as
// well, so validity never depends on when Redis evicts the key.
func (s *RedisStore) Consume(ctx context.Context, token string) (models.AuthorizationState, error) {
	if token == "" {
		return models.AuthorizationState{}, ErrNotFound
	}
	raw, err := s.client.GetDel(ctx, s.prefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.AuthorizationState{}, ErrNotFound
	}
	if err != nil {
		return models.AuthorizationState{}, fmt.Errorf("consume state: %w", err)
	}
	var st models.AuthorizationState
	if err := json.Unmarshal(raw, &st); err != nil {
		return models.AuthorizationState{}, fmt.Errorf("decode state: %w", err)
	}
	if s.now().Sub(st.CreatedAt) >= s.ttl {
		return models.AuthorizationState{}, ErrNotFound
	}
	return st, nil
}
