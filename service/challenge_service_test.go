package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/layer-3/votechain/adapters/store"
	"github.com/layer-3/votechain/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var voterIdentity = core.Identity("0x00000000000000000000000000000000000000000000000000000000000000aa")

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newChallengeService(t *testing.T, code string) (*ChallengeService, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc := NewChallengeService(store.NewMemoryStore(store.WithClock(clock.Now)), ChallengeConfig{}, nil)
	svc.now = clock.Now
	if code != "" {
		svc.generate = func(int) (string, error) { return code, nil }
	}
	return svc, clock
}

func TestChallengeService_ThreeWrongGuesses(t *testing.T) {
	ctx := context.Background()
	svc, _ := newChallengeService(t, "482913")

	_, err := svc.Issue(ctx, voterIdentity)
	require.NoError(t, err)

	outcome, err := svc.Verify(ctx, voterIdentity, "482910")
	require.NoError(t, err)
	assert.Equal(t, core.VerifyMismatch, outcome.Result)
	assert.Equal(t, 2, outcome.RemainingAttempts)

	outcome, err = svc.Verify(ctx, voterIdentity, "482910")
	require.NoError(t, err)
	assert.Equal(t, core.VerifyMismatch, outcome.Result)
	assert.Equal(t, 1, outcome.RemainingAttempts)

	outcome, err = svc.Verify(ctx, voterIdentity, "482910")
	require.NoError(t, err)
	assert.Equal(t, core.VerifyMaxAttemptsExceeded, outcome.Result)

	// Even the correct code no longer works
	outcome, err = svc.Verify(ctx, voterIdentity, "482913")
	require.NoError(t, err)
	assert.Equal(t, core.VerifyCodeNotFound, outcome.Result)
}

func TestChallengeService_VerifiedCodeIsOneShot(t *testing.T) {
	ctx := context.Background()
	svc, _ := newChallengeService(t, "482913")

	_, err := svc.Issue(ctx, voterIdentity)
	require.NoError(t, err)

	outcome, err := svc.Verify(ctx, voterIdentity, "482913")
	require.NoError(t, err)
	assert.Equal(t, core.VerifyVerified, outcome.Result)

	outcome, err = svc.Verify(ctx, voterIdentity, "482913")
	require.NoError(t, err)
	assert.Equal(t, core.VerifyCodeNotFound, outcome.Result)
}

func TestChallengeService_Expiry(t *testing.T) {
	ctx := context.Background()
	svc, clock := newChallengeService(t, "482913")

	_, err := svc.Issue(ctx, voterIdentity)
	require.NoError(t, err)

	clock.Advance(16 * time.Minute)

	outcome, err := svc.Verify(ctx, voterIdentity, "482913")
	require.NoError(t, err)
	assert.Equal(t, core.VerifyCodeNotFound, outcome.Result)

	status, err := svc.Status(ctx, voterIdentity)
	require.NoError(t, err)
	assert.False(t, status.Pending)
}

func TestChallengeService_Status(t *testing.T) {
	ctx := context.Background()
	svc, clock := newChallengeService(t, "482913")

	status, err := svc.Status(ctx, voterIdentity)
	require.NoError(t, err)
	assert.Equal(t, core.ChallengeStatus{}, status)

	_, err = svc.Issue(ctx, voterIdentity)
	require.NoError(t, err)
	clock.Advance(5 * time.Minute)

	_, err = svc.Verify(ctx, voterIdentity, "000000")
	require.NoError(t, err)

	status, err = svc.Status(ctx, voterIdentity)
	require.NoError(t, err)
	assert.True(t, status.Pending)
	assert.Equal(t, 2, status.RemainingAttempts)
	assert.Equal(t, int64(600), status.RemainingTTLSeconds)

	// Polling does not consume attempts
	status, err = svc.Status(ctx, voterIdentity)
	require.NoError(t, err)
	assert.Equal(t, 2, status.RemainingAttempts)
}

func TestChallengeService_ReissueResetsAttempts(t *testing.T) {
	ctx := context.Background()
	svc, _ := newChallengeService(t, "")

	first, err := svc.Issue(ctx, voterIdentity)
	require.NoError(t, err)
	assert.Regexp(t, `^[0-9]{6}$`, first.Code)

	_, err = svc.Verify(ctx, voterIdentity, "not-a-code")
	require.NoError(t, err)
	_, err = svc.Verify(ctx, voterIdentity, "not-a-code")
	require.NoError(t, err)

	second, err := svc.Issue(ctx, voterIdentity)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	status, err := svc.Status(ctx, voterIdentity)
	require.NoError(t, err)
	assert.Equal(t, core.DefaultMaxAttempts, status.RemainingAttempts)

	outcome, err := svc.Verify(ctx, voterIdentity, second.Code)
	require.NoError(t, err)
	assert.Equal(t, core.VerifyVerified, outcome.Result)
}

func TestChallengeService_ConcurrentVerify(t *testing.T) {
	ctx := context.Background()
	svc, _ := newChallengeService(t, "482913")
	svc.cfg.MaxAttempts = 20

	_, err := svc.Issue(ctx, voterIdentity)
	require.NoError(t, err)

	const workers = 10
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		verified int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := svc.Verify(ctx, voterIdentity, "482913")
			assert.NoError(t, err)
			if outcome.Result == core.VerifyVerified {
				mu.Lock()
				verified++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, verified, "a code verifies exactly once")
}

func TestChallengeService_ConcurrentGuessesRespectBudget(t *testing.T) {
	ctx := context.Background()
	svc, _ := newChallengeService(t, "482913")

	_, err := svc.Issue(ctx, voterIdentity)
	require.NoError(t, err)

	const workers = 10
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		mismatches int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome, err := svc.Verify(ctx, voterIdentity, fmt.Sprintf("%06d", i))
			assert.NoError(t, err)
			assert.NotEqual(t, core.VerifyVerified, outcome.Result)
			if outcome.Result == core.VerifyMismatch {
				mu.Lock()
				mismatches++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, mismatches, core.DefaultMaxAttempts-1)

	outcome, err := svc.Verify(ctx, voterIdentity, "482913")
	require.NoError(t, err)
	assert.Equal(t, core.VerifyCodeNotFound, outcome.Result)
}

type failingChallengeStore struct {
	*store.MemoryStore
}

func (failingChallengeStore) GetChallenge(ctx context.Context, identity core.Identity) (*core.Challenge, error) {
	return nil, fmt.Errorf("%w: get challenge: %w", core.ErrStorage, errors.New("connection reset"))
}

func TestChallengeService_StorageFailure(t *testing.T) {
	svc := NewChallengeService(failingChallengeStore{store.NewMemoryStore()}, ChallengeConfig{}, nil)

	_, err := svc.Verify(context.Background(), voterIdentity, "482913")
	assert.ErrorIs(t, err, core.ErrStorage, "storage failures are not reported as a missing code")

	_, err = svc.Status(context.Background(), voterIdentity)
	assert.ErrorIs(t, err, core.ErrStorage)
}
