package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/layer-3/votechain/core"
	"github.com/redis/go-redis/v9"
)

const (
	challengePrefix = "votechain:challenge:"
	sessionPrefix   = "votechain:session:"
)

// incrementScript bumps attempts only while the stored challenge id matches.
// HINCRBY keeps the key's TTL.
var incrementScript = redis.NewScript(`
local id = redis.call('HGET', KEYS[1], 'id')
if id ~= ARGV[1] then
	return -1
end
return redis.call('HINCRBY', KEYS[1], 'attempts', 1)
`)

var deleteChallengeScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'id') == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// transitionScript writes the field/value pairs in ARGV[3..] only while the
// stored state equals ARGV[1].
var transitionScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
	return -1
end
if state ~= ARGV[1] then
	return 0
end
for i = 3, #ARGV, 2 do
	redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

// RedisStore is a Redis implementation of the challenge and session stores
type RedisStore struct {
	client *redis.Client
	now    func() time.Time
}

// NewRedisStore creates a new Redis store
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		now:    time.Now,
	}
}

// SaveChallenge writes the challenge hash and its expiry in one transaction
func (s *RedisStore) SaveChallenge(ctx context.Context, c *core.Challenge) error {
	key := challengePrefix + c.Identity.String()
	ttl := c.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return fmt.Errorf("%w: challenge already expired", core.ErrValidation)
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, map[string]interface{}{
			"id":           c.ID,
			"identity":     c.Identity.String(),
			"code":         c.Code,
			"issued_at":    c.IssuedAt.UnixNano(),
			"expires_at":   c.ExpiresAt.UnixNano(),
			"attempts":     c.Attempts,
			"max_attempts": c.MaxAttempts,
		})
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: save challenge: %w", core.ErrStorage, err)
	}

	return nil
}

// GetChallenge reads the live challenge for identity
func (s *RedisStore) GetChallenge(ctx context.Context, identity core.Identity) (*core.Challenge, error) {
	fields, err := s.client.HGetAll(ctx, challengePrefix+identity.String()).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: get challenge: %w", core.ErrStorage, err)
	}
	if len(fields) == 0 {
		return nil, core.ErrChallengeNotFound
	}

	c, err := decodeChallenge(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: decode challenge: %w", core.ErrStorage, err)
	}
	if c.Expired(s.now()) {
		return nil, core.ErrChallengeNotFound
	}

	return c, nil
}

// IncrementAttempts bumps the attempt counter atomically
func (s *RedisStore) IncrementAttempts(ctx context.Context, identity core.Identity, challengeID string) (int, error) {
	n, err := incrementScript.Run(ctx, s.client, []string{challengePrefix + identity.String()}, challengeID).Int()
	if err != nil {
		return 0, fmt.Errorf("%w: increment attempts: %w", core.ErrStorage, err)
	}
	if n < 0 {
		return 0, core.ErrChallengeNotFound
	}
	return n, nil
}

// DeleteChallenge removes the challenge if its id still matches
func (s *RedisStore) DeleteChallenge(ctx context.Context, identity core.Identity, challengeID string) (bool, error) {
	n, err := deleteChallengeScript.Run(ctx, s.client, []string{challengePrefix + identity.String()}, challengeID).Int()
	if err != nil {
		return false, fmt.Errorf("%w: delete challenge: %w", core.ErrStorage, err)
	}
	return n > 0, nil
}

// CreateSession stores a new session hash
func (s *RedisStore) CreateSession(ctx context.Context, session *core.VoterSession, ttl time.Duration) error {
	key := sessionPrefix + session.ID

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, sessionFields(session)...)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: create session: %w", core.ErrStorage, err)
	}

	return nil
}

// GetSession reads a session hash
func (s *RedisStore) GetSession(ctx context.Context, id string) (*core.VoterSession, error) {
	fields, err := s.client.HGetAll(ctx, sessionPrefix+id).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: get session: %w", core.ErrStorage, err)
	}
	if len(fields) == 0 {
		return nil, core.ErrNotFound
	}

	session, err := decodeSession(fields)
	if err != nil {
		return nil, fmt.Errorf("%w: decode session: %w", core.ErrStorage, err)
	}
	return session, nil
}

// TransitionSession swaps the session hash if its state equals from
func (s *RedisStore) TransitionSession(ctx context.Context, from core.SessionState, next *core.VoterSession, ttl time.Duration) error {
	args := []interface{}{string(from), ttl.Milliseconds()}
	args = append(args, sessionFields(next)...)

	n, err := transitionScript.Run(ctx, s.client, []string{sessionPrefix + next.ID}, args...).Int()
	if err != nil {
		return fmt.Errorf("%w: transition session: %w", core.ErrStorage, err)
	}

	switch n {
	case -1:
		return core.ErrNotFound
	case 0:
		return core.ErrSessionConflict
	}
	return nil
}

// DeleteSession removes a session hash
func (s *RedisStore) DeleteSession(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, sessionPrefix+id).Err(); err != nil {
		return fmt.Errorf("%w: delete session: %w", core.ErrStorage, err)
	}
	return nil
}

// GetClient returns the Redis client
// This is used by the application to share the Redis client with the Watermill publisher
func (s *RedisStore) GetClient() *redis.Client {
	return s.client
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func sessionFields(s *core.VoterSession) []interface{} {
	return []interface{}{
		"id", s.ID,
		"state", string(s.State),
		"identity", s.Identity.String(),
		"voter_id", s.VoterID,
		"recipient", s.Recipient,
		"display_name", s.DisplayName,
		"reason", s.Reason,
		"created_at", strconv.FormatInt(s.CreatedAt.UnixNano(), 10),
		"updated_at", strconv.FormatInt(s.UpdatedAt.UnixNano(), 10),
	}
}

func decodeSession(fields map[string]string) (*core.VoterSession, error) {
	state := core.SessionState(fields["state"])
	if !state.Valid() {
		return nil, fmt.Errorf("unknown session state %q", fields["state"])
	}

	createdAt, err := parseNanos(fields["created_at"])
	if err != nil {
		return nil, err
	}
	updatedAt, err := parseNanos(fields["updated_at"])
	if err != nil {
		return nil, err
	}

	return &core.VoterSession{
		ID:          fields["id"],
		State:       state,
		Identity:    core.Identity(fields["identity"]),
		VoterID:     fields["voter_id"],
		Recipient:   fields["recipient"],
		DisplayName: fields["display_name"],
		Reason:      fields["reason"],
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
	}, nil
}

func decodeChallenge(fields map[string]string) (*core.Challenge, error) {
	issuedAt, err := parseNanos(fields["issued_at"])
	if err != nil {
		return nil, err
	}
	expiresAt, err := parseNanos(fields["expires_at"])
	if err != nil {
		return nil, err
	}
	attempts, err := strconv.Atoi(fields["attempts"])
	if err != nil {
		return nil, fmt.Errorf("attempts: %w", err)
	}
	maxAttempts, err := strconv.Atoi(fields["max_attempts"])
	if err != nil {
		return nil, fmt.Errorf("max_attempts: %w", err)
	}

	return &core.Challenge{
		ID:          fields["id"],
		Identity:    core.Identity(fields["identity"]),
		Code:        fields["code"],
		IssuedAt:    issuedAt,
		ExpiresAt:   expiresAt,
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
	}, nil
}

func parseNanos(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, errors.New("missing timestamp")
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp: %w", err)
	}
	return time.Unix(0, n), nil
}
