package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/layer-3/votechain/adapters/store"
	"github.com/layer-3/votechain/core"
	"github.com/stretchr/testify/require"
)

const testSalt = "test-salt"

type ledgerEvent struct {
	identity core.Identity
	party    string
}

// fakeLedger is an in-memory contract. Confirmed submissions are recorded
// as events that VerifyEvent can find.
type fakeLedger struct {
	mu sync.Mutex

	voted       map[core.Identity]bool
	events      map[string]ledgerEvent
	submissions int

	hasVotedErr error
	verifyErr   error
	reject      core.RejectReason
	simulate    bool
	ignoreVoted bool
	barrier     *sync.WaitGroup
	onSubmit    func()
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		voted:  make(map[core.Identity]bool),
		events: make(map[string]ledgerEvent),
	}
}

func (f *fakeLedger) HasVoted(ctx context.Context, identity core.Identity) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hasVotedErr != nil {
		return false, f.hasVotedErr
	}
	return f.voted[identity] && !f.ignoreVoted, nil
}

func (f *fakeLedger) SubmitVote(ctx context.Context, identity core.Identity, partyID string) core.SubmissionResult {
	if f.barrier != nil {
		f.barrier.Done()
		f.barrier.Wait()
	}
	if f.onSubmit != nil {
		f.onSubmit()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.submissions++

	if f.reject != "" {
		return core.SubmissionResult{Status: core.SubmissionRejected, Reason: f.reject, Message: "rejected: " + string(f.reject)}
	}
	if f.voted[identity] && !f.ignoreVoted {
		return core.SubmissionResult{Status: core.SubmissionRejected, Reason: core.RejectAlreadyVoted, Message: "already voted"}
	}

	hash := fmt.Sprintf("0x%064x", f.submissions)
	if f.simulate {
		return core.SubmissionResult{
			Status:      core.SubmissionSimulated,
			Transaction: &core.LedgerTransaction{TxHash: hash, Status: core.LedgerTxSimulated, Identity: identity, PartyID: partyID},
			Message:     "ledger unavailable, vote recorded locally",
		}
	}

	block := uint64(100 + f.submissions)
	f.voted[identity] = true
	f.events[hash] = ledgerEvent{identity: identity, party: partyID}
	return core.SubmissionResult{
		Status: core.SubmissionConfirmed,
		Transaction: &core.LedgerTransaction{
			TxHash:      hash,
			Status:      core.LedgerTxConfirmed,
			BlockNumber: &block,
			Identity:    identity,
			PartyID:     partyID,
		},
		Message: "vote recorded on the ledger",
	}
}

func (f *fakeLedger) VerifyEvent(ctx context.Context, identity core.Identity, partyID, txRef string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.verifyErr != nil {
		return false, f.verifyErr
	}
	e, ok := f.events[txRef]
	return ok && e.identity == identity && e.party == partyID, nil
}

func (f *fakeLedger) submitted() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submissions
}

type recordingPublisher struct {
	mu        sync.Mutex
	committed []*core.VoteRecord
	orphans   []*core.LedgerTransaction
	audits    []*core.AuditResult
}

func (p *recordingPublisher) PublishVoteCommitted(ctx context.Context, record *core.VoteRecord, simulated bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.committed = append(p.committed, record)
	return nil
}

func (p *recordingPublisher) PublishLedgerOrphan(ctx context.Context, tx *core.LedgerTransaction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.orphans = append(p.orphans, tx)
	return nil
}

func (p *recordingPublisher) PublishAuditCompleted(ctx context.Context, result *core.AuditResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.audits = append(p.audits, result)
	return nil
}

type testEnv struct {
	db          *store.SQLiteStore
	memory      *store.MemoryStore
	ledger      *fakeLedger
	events      *recordingPublisher
	challenges  *ChallengeService
	sessions    *SessionMachine
	coordinator *VoteCoordinator
	audit       *AuditEngine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "votechain.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.AddVoter(ctx, core.Voter{ID: "v1", FullName: "Ada Lovelace", Email: "ada@example.com", NationalID: "12345678", Active: true}))
	require.NoError(t, db.AddVoter(ctx, core.Voter{ID: "v2", FullName: "Bob Babbage", Email: "bob@example.com", NationalID: "87654321", Active: true}))
	require.NoError(t, db.AddParty(ctx, core.Party{ID: "PARTY1", Name: "First", Active: true}))
	require.NoError(t, db.AddParty(ctx, core.Party{ID: "PARTY2", Name: "Second", Active: true}))
	now := time.Now()
	require.NoError(t, db.AddVotingWindow(ctx, core.VotingWindow{ID: "w1", Name: "general", StartsAt: now.Add(-time.Hour), EndsAt: now.Add(time.Hour), Active: true}))

	memory := store.NewMemoryStore()
	ledger := newFakeLedger()
	events := &recordingPublisher{}

	challenges := NewChallengeService(memory, ChallengeConfig{}, nil)
	sessions := NewSessionMachine(memory, db, db, challenges, testSalt, 0, nil)

	return &testEnv{
		db:          db,
		memory:      memory,
		ledger:      ledger,
		events:      events,
		challenges:  challenges,
		sessions:    sessions,
		coordinator: NewVoteCoordinator(sessions, challenges, db, db, db, ledger, events, 0, nil),
		audit:       NewAuditEngine(db, ledger, events, 4, nil),
	}
}

// verifiedSession walks a new session up to ChallengeVerified
func (e *testEnv) verifiedSession(t *testing.T, key string) *core.VoterSession {
	t.Helper()
	ctx := context.Background()

	session, err := e.sessions.CreateSession(ctx)
	require.NoError(t, err)
	_, err = e.sessions.ConfirmIdentity(ctx, session.ID, key)
	require.NoError(t, err)
	notification, err := e.sessions.IssueChallenge(ctx, session.ID)
	require.NoError(t, err)
	outcome, err := e.sessions.VerifyChallenge(ctx, session.ID, notification.Code)
	require.NoError(t, err)
	require.Equal(t, core.VerifyVerified, outcome.Result)

	session, err = e.sessions.Get(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, core.StateChallengeVerified, session.State)
	return session
}

func identityFor(t *testing.T, email, nationalID, voterID string) core.Identity {
	t.Helper()
	id, err := core.NewIdentity(testSalt, email, nationalID, voterID)
	require.NoError(t, err)
	return id
}
