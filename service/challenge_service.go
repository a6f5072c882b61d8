package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/votechain/core"
	"github.com/layer-3/votechain/ports"
	"go.uber.org/zap"
)

// ChallengeConfig tunes code issuance
type ChallengeConfig struct {
	TTL         time.Duration
	MaxAttempts int
	CodeLength  int
}

func (c ChallengeConfig) withDefaults() ChallengeConfig {
	if c.TTL <= 0 {
		c.TTL = core.DefaultChallengeTTL
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = core.DefaultMaxAttempts
	}
	if c.CodeLength <= 0 {
		c.CodeLength = core.DefaultCodeLength
	}
	return c
}

// ChallengeService issues and verifies one-time codes
type ChallengeService struct {
	store    ports.ChallengeStore
	cfg      ChallengeConfig
	logger   *zap.Logger
	now      func() time.Time
	generate func(length int) (string, error)
}

// NewChallengeService creates a new challenge service
func NewChallengeService(store ports.ChallengeStore, cfg ChallengeConfig, logger *zap.Logger) *ChallengeService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChallengeService{
		store:    store,
		cfg:      cfg.withDefaults(),
		logger:   logger.Named("challenge"),
		now:      time.Now,
		generate: generateCode,
	}
}

// TTL returns how long issued codes stay valid
func (s *ChallengeService) TTL() time.Duration {
	return s.cfg.TTL
}

// Issue generates a fresh code for identity, replacing any live one
func (s *ChallengeService) Issue(ctx context.Context, identity core.Identity) (*core.Challenge, error) {
	code, err := s.generate(s.cfg.CodeLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate code: %w", err)
	}

	now := s.now()
	challenge := &core.Challenge{
		ID:          uuid.New().String(),
		Identity:    identity,
		Code:        code,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.cfg.TTL),
		MaxAttempts: s.cfg.MaxAttempts,
	}

	if err := s.store.SaveChallenge(ctx, challenge); err != nil {
		return nil, fmt.Errorf("failed to store challenge: %w", err)
	}

	s.logger.Info("challenge issued", zap.String("identity", identity.Short()), zap.Time("expires_at", challenge.ExpiresAt))
	return challenge, nil
}

// Verify checks code against the live challenge. Attempts are persisted
// before the comparison; a matching code is consumed by exactly one caller.
// The error is reserved for storage failures.
func (s *ChallengeService) Verify(ctx context.Context, identity core.Identity, code string) (core.VerifyOutcome, error) {
	log := s.logger.With(zap.String("identity", identity.Short()))

	challenge, err := s.store.GetChallenge(ctx, identity)
	if errors.Is(err, core.ErrChallengeNotFound) {
		return codeNotFound(), nil
	}
	if err != nil {
		return core.VerifyOutcome{}, fmt.Errorf("failed to load challenge: %w", err)
	}

	if challenge.Attempts >= challenge.MaxAttempts {
		return s.exhaust(ctx, challenge)
	}

	attempts, err := s.store.IncrementAttempts(ctx, identity, challenge.ID)
	if errors.Is(err, core.ErrChallengeNotFound) {
		return codeNotFound(), nil
	}
	if err != nil {
		return core.VerifyOutcome{}, fmt.Errorf("failed to record attempt: %w", err)
	}
	if attempts > challenge.MaxAttempts {
		return s.exhaust(ctx, challenge)
	}

	if subtle.ConstantTimeCompare([]byte(code), []byte(challenge.Code)) == 1 {
		deleted, err := s.store.DeleteChallenge(ctx, identity, challenge.ID)
		if err != nil {
			return core.VerifyOutcome{}, fmt.Errorf("failed to consume challenge: %w", err)
		}
		if !deleted {
			// Another request consumed or replaced the code first
			return codeNotFound(), nil
		}
		log.Info("challenge verified")
		return core.VerifyOutcome{
			Result:  core.VerifyVerified,
			Message: "code verified",
		}, nil
	}

	remaining := challenge.MaxAttempts - attempts
	if remaining <= 0 {
		return s.exhaust(ctx, challenge)
	}

	log.Info("challenge mismatch", zap.Int("remaining", remaining))
	return core.VerifyOutcome{
		Result:            core.VerifyMismatch,
		RemainingAttempts: remaining,
		Message:           fmt.Sprintf("incorrect code, %d attempts remaining", remaining),
	}, nil
}

// Status reports the live challenge without consuming an attempt
func (s *ChallengeService) Status(ctx context.Context, identity core.Identity) (core.ChallengeStatus, error) {
	challenge, err := s.store.GetChallenge(ctx, identity)
	if errors.Is(err, core.ErrChallengeNotFound) {
		return core.ChallengeStatus{}, nil
	}
	if err != nil {
		return core.ChallengeStatus{}, fmt.Errorf("failed to load challenge: %w", err)
	}

	ttl := challenge.ExpiresAt.Sub(s.now())
	if ttl < 0 {
		ttl = 0
	}

	return core.ChallengeStatus{
		Pending:             true,
		RemainingAttempts:   challenge.Remaining(),
		RemainingTTLSeconds: int64(ttl / time.Second),
	}, nil
}

// Clear discards the live challenge for identity, if any
func (s *ChallengeService) Clear(ctx context.Context, identity core.Identity) error {
	challenge, err := s.store.GetChallenge(ctx, identity)
	if errors.Is(err, core.ErrChallengeNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load challenge: %w", err)
	}

	if _, err := s.store.DeleteChallenge(ctx, identity, challenge.ID); err != nil {
		return fmt.Errorf("failed to delete challenge: %w", err)
	}
	return nil
}

func (s *ChallengeService) exhaust(ctx context.Context, challenge *core.Challenge) (core.VerifyOutcome, error) {
	if _, err := s.store.DeleteChallenge(ctx, challenge.Identity, challenge.ID); err != nil {
		return core.VerifyOutcome{}, fmt.Errorf("failed to purge challenge: %w", err)
	}

	s.logger.Info("challenge exhausted", zap.String("identity", challenge.Identity.Short()))
	return core.VerifyOutcome{
		Result:  core.VerifyMaxAttemptsExceeded,
		Message: "maximum attempts exceeded, request a new code",
	}, nil
}

func codeNotFound() core.VerifyOutcome {
	return core.VerifyOutcome{
		Result:  core.VerifyCodeNotFound,
		Message: "no active code, request a new one",
	}
}

// generateCode returns a uniformly random zero-padded decimal code
func generateCode(length int) (string, error) {
	limit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", length, n), nil
}
