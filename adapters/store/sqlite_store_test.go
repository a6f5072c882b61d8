package store

import (
	"context"
	"fmt"
	"math/big"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/layer-3/votechain/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "votechain.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func identityN(n int) core.Identity {
	return core.Identity(fmt.Sprintf("0x%064x", n))
}

func ledgerTx(hash string, identity core.Identity, status core.LedgerTxStatus) *core.LedgerTransaction {
	block := uint64(42)
	return &core.LedgerTransaction{
		TxHash:      hash,
		Status:      status,
		From:        "0xfrom",
		To:          "0xto",
		GasUsed:     21000,
		GasPrice:    big.NewInt(1_000_000_000),
		BlockNumber: &block,
		Identity:    identity,
		PartyID:     "PARTY1",
	}
}

func TestOpenSQLite_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "votechain.db")

	s, err := OpenSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.AddParty(context.Background(), core.Party{ID: "PARTY1", Name: "One", Active: true}))
	require.NoError(t, s.Close())

	s, err = OpenSQLite(path)
	require.NoError(t, err)
	defer s.Close()

	p, err := s.GetParty(context.Background(), "PARTY1")
	require.NoError(t, err)
	assert.Equal(t, "One", p.Name)

	var version int
	require.NoError(t, s.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)
}

func TestSQLiteStore_CommitVote(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	require.NoError(t, s.AddVoter(ctx, core.Voter{ID: "v1", FullName: "Ada", Email: "ada@example.com", NationalID: "123", Active: true}))

	id := identityN(1)
	has, err := s.HasVote(ctx, id)
	require.NoError(t, err)
	assert.False(t, has)

	record, err := s.CommitVote(ctx, core.VoteCommit{
		Record:      core.VoteRecord{VoterIdentity: id, VoterID: "v1", PartyID: "PARTY1"},
		Transaction: ledgerTx("0xaaa", id, core.LedgerTxConfirmed),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, record.ID)
	require.NotNil(t, record.LedgerTxRef)
	assert.Equal(t, "0xaaa", *record.LedgerTxRef)
	require.NotNil(t, record.LedgerBlockRef)
	assert.Equal(t, uint64(42), *record.LedgerBlockRef)

	has, err = s.HasVote(ctx, id)
	require.NoError(t, err)
	assert.True(t, has)

	voter, err := s.LookupVoter(ctx, "ada@example.com")
	require.NoError(t, err)
	assert.True(t, voter.HasVoted)

	_, err = s.CommitVote(ctx, core.VoteCommit{
		Record:      core.VoteRecord{VoterIdentity: id, VoterID: "v1", PartyID: "PARTY2"},
		Transaction: ledgerTx("0xbbb", id, core.LedgerTxConfirmed),
	})
	require.ErrorIs(t, err, core.ErrAlreadyVoted)

	// The losing transaction was rolled back with the vote
	orphans, err := s.CountOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, orphans)

	votes, err := s.LedgerVotes(ctx)
	require.NoError(t, err)
	require.Len(t, votes, 1)
	assert.Equal(t, "PARTY1", votes[0].PartyID)
	assert.Equal(t, core.LedgerTxConfirmed, votes[0].LedgerStatus)
}

func TestSQLiteStore_ConcurrentCommit(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	id := identityN(7)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		committed int
		refused   int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.CommitVote(ctx, core.VoteCommit{
				Record: core.VoteRecord{VoterIdentity: id, PartyID: "PARTY1"},
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				committed++
				return
			}
			assert.ErrorIs(t, err, core.ErrAlreadyVoted)
			refused++
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, committed)
	assert.Equal(t, workers-1, refused)
}

func TestSQLiteStore_VotesAreAppendOnly(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	record, err := s.CommitVote(ctx, core.VoteCommit{
		Record: core.VoteRecord{VoterIdentity: identityN(2), PartyID: "PARTY1"},
	})
	require.NoError(t, err)

	_, err = s.db.ExecContext(ctx, `UPDATE votes SET party_id = 'PARTY2' WHERE id = ?`, record.ID)
	assert.Error(t, err)

	_, err = s.db.ExecContext(ctx, `DELETE FROM votes WHERE id = ?`, record.ID)
	assert.Error(t, err)
}

func TestSQLiteStore_OrphansAndFlags(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	id := identityN(3)
	record, err := s.CommitVote(ctx, core.VoteCommit{
		Record:      core.VoteRecord{VoterIdentity: id, PartyID: "PARTY1"},
		Transaction: ledgerTx("0xccc", id, core.LedgerTxSimulated),
	})
	require.NoError(t, err)

	require.NoError(t, s.RecordOrphan(ctx, ledgerTx("0xddd", id, core.LedgerTxConfirmed)))
	require.NoError(t, s.RecordOrphan(ctx, ledgerTx("0xddd", id, core.LedgerTxConfirmed)))

	orphans, err := s.CountOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, orphans)

	require.NoError(t, s.FlagForReverification(ctx, record.ID, "no event"))
	require.NoError(t, s.FlagForReverification(ctx, record.ID, "still no event"))

	flags, err := s.FlaggedVotes(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{record.ID: "still no event"}, flags)

	votes, err := s.LedgerVotes(ctx)
	require.NoError(t, err)
	require.Len(t, votes, 1)
	assert.Equal(t, core.LedgerTxSimulated, votes[0].LedgerStatus)
}

func TestSQLiteStore_LedgerVotesSkipsUnreferenced(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	_, err := s.CommitVote(ctx, core.VoteCommit{Record: core.VoteRecord{VoterIdentity: identityN(4), PartyID: "PARTY1"}})
	require.NoError(t, err)
	_, err = s.CommitVote(ctx, core.VoteCommit{
		Record:      core.VoteRecord{VoterIdentity: identityN(5), PartyID: "PARTY2"},
		Transaction: ledgerTx("0xeee", identityN(5), core.LedgerTxConfirmed),
	})
	require.NoError(t, err)

	votes, err := s.LedgerVotes(ctx)
	require.NoError(t, err)
	require.Len(t, votes, 1)
	assert.Equal(t, identityN(5), votes[0].VoterIdentity)

	tally, err := s.LocalTally(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]uint64{"PARTY1": 1, "PARTY2": 1}, tally)
}

func TestSQLiteStore_Directory(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	require.NoError(t, s.AddVoter(ctx, core.Voter{ID: "v1", FullName: "Ada", Email: "ada@example.com", NationalID: "123", Active: true}))
	require.NoError(t, s.AddVoter(ctx, core.Voter{ID: "v2", FullName: "Bob", Email: "bob@example.com", NationalID: "456", Active: false}))
	require.NoError(t, s.AddParty(ctx, core.Party{ID: "PARTY1", Name: "One", Active: true}))
	require.NoError(t, s.AddParty(ctx, core.Party{ID: "PARTY9", Name: "Gone", Active: false}))

	v, err := s.LookupVoter(ctx, "123")
	require.NoError(t, err)
	assert.Equal(t, "v1", v.ID)
	assert.False(t, v.HasVoted)

	_, err = s.LookupVoter(ctx, "bob@example.com")
	assert.ErrorIs(t, err, core.ErrNotFound, "inactive voters are hidden")

	_, err = s.GetParty(ctx, "PARTY9")
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = s.GetParty(ctx, "PARTY2")
	assert.ErrorIs(t, err, core.ErrNotFound)

	parties, err := s.ListParties(ctx)
	require.NoError(t, err)
	assert.Equal(t, []core.Party{{ID: "PARTY1", Name: "One", Active: true}}, parties)
}

func TestSQLiteStore_VotingWindows(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	start := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	open, err := s.IsVotingOpen(ctx, start)
	require.NoError(t, err)
	assert.False(t, open, "no windows configured")

	require.NoError(t, s.AddVotingWindow(ctx, core.VotingWindow{ID: "w1", Name: "general", StartsAt: start, EndsAt: start.Add(10 * time.Hour), Active: true}))
	require.NoError(t, s.AddVotingWindow(ctx, core.VotingWindow{ID: "w2", Name: "closed", StartsAt: start.Add(24 * time.Hour), EndsAt: start.Add(48 * time.Hour), Active: false}))

	open, err = s.IsVotingOpen(ctx, start.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, open)

	open, err = s.IsVotingOpen(ctx, start.Add(30*time.Hour))
	require.NoError(t, err)
	assert.False(t, open, "inactive window does not count")

	err = s.AddVotingWindow(ctx, core.VotingWindow{Name: "backwards", StartsAt: start, EndsAt: start.Add(-time.Hour)})
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestSQLiteStore_AuditRuns(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordAuditRun(ctx, &core.AuditResult{
		TotalChecked: 10, VerifiedCount: 10, IntegrityPercentage: 100, Classification: core.Healthy, GeneratedAt: at,
	}))
	require.NoError(t, s.RecordAuditRun(ctx, &core.AuditResult{
		TotalChecked: 10, VerifiedCount: 7, MismatchCount: 3, OrphanedCount: 1, IntegrityPercentage: 70, Classification: core.Critical, GeneratedAt: at.Add(time.Hour),
	}))

	runs, err := s.AuditRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, core.Critical, runs[0].Classification, "newest first")
	assert.Equal(t, 3, runs[0].MismatchCount)
	assert.Equal(t, 1, runs[0].OrphanedCount)
	assert.Equal(t, 70.0, runs[0].IntegrityPercentage)
	assert.True(t, at.Add(time.Hour).Equal(runs[0].GeneratedAt))

	runs, err = s.AuditRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
