package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/votechain/core"
	"github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - votes, ledger transactions, voter directory, voting windows, reverification flags
// 2 - audit_runs
const currentSchemaVersion = 2

// SQLiteStore is the transactional store for votes, ledger transactions and
// the voter directory.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite creates or opens a SQLite database at the given path and applies
// the schema. It is safe to call on an existing database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// HasVote reports whether a vote exists for identity
func (s *SQLiteStore) HasVote(ctx context.Context, identity core.Identity) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM votes WHERE voter_identity = ?`, identity.String()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("%w: has vote: %w", core.ErrStorage, err)
	}
	return n > 0, nil
}

// CommitVote inserts the ledger transaction and the vote and flags the voter,
// all in one transaction. The votes.voter_identity UNIQUE constraint turns a
// racing duplicate into core.ErrAlreadyVoted.
func (s *SQLiteStore) CommitVote(ctx context.Context, commit core.VoteCommit) (*core.VoteRecord, error) {
	record := commit.Record
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now()
	}
	if commit.Transaction != nil {
		ref := commit.Transaction.TxHash
		record.LedgerTxRef = &ref
		record.LedgerBlockRef = commit.Transaction.BlockNumber
		record.LedgerStatus = commit.Transaction.Status
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: commit vote: begin tx: %w", core.ErrStorage, err)
	}
	defer tx.Rollback() // No-op if committed

	if commit.Transaction != nil {
		if err := insertLedgerTx(ctx, tx, commit.Transaction, s.now()); err != nil {
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO votes
		(id, voter_identity, voter_id, party_id, ledger_tx_ref, ledger_block_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		record.ID,
		record.VoterIdentity.String(),
		record.VoterID,
		record.PartyID,
		nullString(record.LedgerTxRef),
		nullUint(record.LedgerBlockRef),
		record.CreatedAt.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, core.ErrAlreadyVoted
		}
		return nil, fmt.Errorf("%w: insert vote: %w", core.ErrStorage, err)
	}

	if record.VoterID != "" {
		_, err = tx.ExecContext(ctx, `
			UPDATE voters SET has_voted = 1, voted_at = ? WHERE id = ?
		`, record.CreatedAt.UnixNano(), record.VoterID)
		if err != nil {
			return nil, fmt.Errorf("%w: mark voter: %w", core.ErrStorage, err)
		}
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, core.ErrAlreadyVoted
		}
		return nil, fmt.Errorf("%w: commit vote: %w", core.ErrStorage, err)
	}

	return &record, nil
}

// RecordOrphan stores a ledger transaction that lost the local race
func (s *SQLiteStore) RecordOrphan(ctx context.Context, ltx *core.LedgerTransaction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: record orphan: begin tx: %w", core.ErrStorage, err)
	}
	defer tx.Rollback()

	if err := insertLedgerTx(ctx, tx, ltx, s.now()); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: record orphan: %w", core.ErrStorage, err)
	}
	return nil
}

func insertLedgerTx(ctx context.Context, tx *sql.Tx, ltx *core.LedgerTransaction, now time.Time) error {
	createdAt := ltx.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	gasPrice := "0"
	if ltx.GasPrice != nil {
		gasPrice = ltx.GasPrice.String()
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_transactions
		(tx_hash, status, from_address, to_address, gas_used, gas_price, block_number, block_hash, voter_identity, party_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tx_hash) DO NOTHING
	`,
		ltx.TxHash,
		string(ltx.Status),
		ltx.From,
		ltx.To,
		int64(ltx.GasUsed),
		gasPrice,
		nullUint(ltx.BlockNumber),
		ltx.BlockHash,
		ltx.Identity.String(),
		ltx.PartyID,
		createdAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("%w: insert ledger transaction: %w", core.ErrStorage, err)
	}
	return nil
}

// LedgerVotes lists votes that carry a ledger reference, oldest first
func (s *SQLiteStore) LedgerVotes(ctx context.Context) ([]core.VoteRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.id, v.voter_identity, v.voter_id, v.party_id, v.ledger_tx_ref,
		       v.ledger_block_ref, COALESCE(lt.status, ''), v.created_at
		FROM votes v
		LEFT JOIN ledger_transactions lt ON lt.tx_hash = v.ledger_tx_ref
		WHERE v.ledger_tx_ref IS NOT NULL
		ORDER BY v.created_at ASC, v.id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: list votes: %w", core.ErrStorage, err)
	}
	defer rows.Close()

	var records []core.VoteRecord
	for rows.Next() {
		var (
			r         core.VoteRecord
			identity  string
			txRef     sql.NullString
			blockRef  sql.NullInt64
			status    string
			createdAt int64
		)
		if err := rows.Scan(&r.ID, &identity, &r.VoterID, &r.PartyID, &txRef, &blockRef, &status, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: scan vote: %w", core.ErrStorage, err)
		}
		r.VoterIdentity = core.Identity(identity)
		if txRef.Valid {
			ref := txRef.String
			r.LedgerTxRef = &ref
		}
		if blockRef.Valid {
			block := uint64(blockRef.Int64)
			r.LedgerBlockRef = &block
		}
		r.LedgerStatus = core.LedgerTxStatus(status)
		r.CreatedAt = time.Unix(0, createdAt)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list votes: %w", core.ErrStorage, err)
	}

	return records, nil
}

// CountOrphans counts ledger transactions no vote refers to
func (s *SQLiteStore) CountOrphans(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ledger_transactions lt
		WHERE NOT EXISTS (SELECT 1 FROM votes v WHERE v.ledger_tx_ref = lt.tx_hash)
	`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: count orphans: %w", core.ErrStorage, err)
	}
	return n, nil
}

// FlagForReverification records an operator follow-up for a vote.
// The vote row itself is never touched; re-flagging refreshes the reason.
func (s *SQLiteStore) FlagForReverification(ctx context.Context, voteID, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reverification_flags (vote_id, reason, flagged_at)
		VALUES (?, ?, ?)
		ON CONFLICT(vote_id) DO UPDATE SET reason = excluded.reason, flagged_at = excluded.flagged_at
	`, voteID, reason, s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("%w: flag vote: %w", core.ErrStorage, err)
	}
	return nil
}

// FlaggedVotes returns the vote ids awaiting reverification
func (s *SQLiteStore) FlaggedVotes(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT vote_id, reason FROM reverification_flags ORDER BY vote_id`)
	if err != nil {
		return nil, fmt.Errorf("%w: list flags: %w", core.ErrStorage, err)
	}
	defer rows.Close()

	flags := make(map[string]string)
	for rows.Next() {
		var id, reason string
		if err := rows.Scan(&id, &reason); err != nil {
			return nil, fmt.Errorf("%w: scan flag: %w", core.ErrStorage, err)
		}
		flags[id] = reason
	}
	return flags, rows.Err()
}

// RecordAuditRun appends a summary of an audit run to the history
func (s *SQLiteStore) RecordAuditRun(ctx context.Context, r *core.AuditResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_runs (generated_at, total_checked, verified_count, mismatch_count, orphaned_count, integrity, classification)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.GeneratedAt.UnixNano(), r.TotalChecked, r.VerifiedCount, r.MismatchCount, r.OrphanedCount, r.IntegrityPercentage, string(r.Classification))
	if err != nil {
		return fmt.Errorf("%w: record audit run: %w", core.ErrStorage, err)
	}
	return nil
}

// AuditRuns returns the most recent audit summaries, newest first.
// Mismatch details are not kept; they live in the reverification flags.
func (s *SQLiteStore) AuditRuns(ctx context.Context, limit int) ([]core.AuditResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT generated_at, total_checked, verified_count, mismatch_count, orphaned_count, integrity, classification
		FROM audit_runs ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: list audit runs: %w", core.ErrStorage, err)
	}
	defer rows.Close()

	var runs []core.AuditResult
	for rows.Next() {
		var (
			r              core.AuditResult
			generatedAt    int64
			classification string
		)
		err := rows.Scan(&generatedAt, &r.TotalChecked, &r.VerifiedCount, &r.MismatchCount, &r.OrphanedCount, &r.IntegrityPercentage, &classification)
		if err != nil {
			return nil, fmt.Errorf("%w: scan audit run: %w", core.ErrStorage, err)
		}
		r.GeneratedAt = time.Unix(0, generatedAt).UTC()
		r.Classification = core.Classification(classification)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LocalTally counts committed votes per party
func (s *SQLiteStore) LocalTally(ctx context.Context) (map[string]uint64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT party_id, COUNT(*) FROM votes GROUP BY party_id ORDER BY party_id`)
	if err != nil {
		return nil, fmt.Errorf("%w: tally: %w", core.ErrStorage, err)
	}
	defer rows.Close()

	tally := make(map[string]uint64)
	for rows.Next() {
		var party string
		var n int64
		if err := rows.Scan(&party, &n); err != nil {
			return nil, fmt.Errorf("%w: scan tally: %w", core.ErrStorage, err)
		}
		tally[party] = uint64(n)
	}
	return tally, rows.Err()
}

// LookupVoter finds an active voter by national id or email
func (s *SQLiteStore) LookupVoter(ctx context.Context, key string) (*core.Voter, error) {
	var (
		v        core.Voter
		active   int
		hasVoted int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, full_name, email, national_id, is_active, has_voted
		FROM voters
		WHERE (national_id = ? OR email = ?) AND is_active = 1
	`, key, key).Scan(&v.ID, &v.FullName, &v.Email, &v.NationalID, &active, &hasVoted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: lookup voter: %w", core.ErrStorage, err)
	}
	v.Active = active == 1
	v.HasVoted = hasVoted == 1
	return &v, nil
}

// GetParty returns an active party
func (s *SQLiteStore) GetParty(ctx context.Context, partyID string) (*core.Party, error) {
	var (
		p      core.Party
		active int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT party_id, name, is_active FROM parties WHERE party_id = ? AND is_active = 1
	`, partyID).Scan(&p.ID, &p.Name, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get party: %w", core.ErrStorage, err)
	}
	p.Active = active == 1
	return &p, nil
}

// ListParties returns the active parties ordered by id
func (s *SQLiteStore) ListParties(ctx context.Context) ([]core.Party, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT party_id, name FROM parties WHERE is_active = 1 ORDER BY party_id`)
	if err != nil {
		return nil, fmt.Errorf("%w: list parties: %w", core.ErrStorage, err)
	}
	defer rows.Close()

	var parties []core.Party
	for rows.Next() {
		p := core.Party{Active: true}
		if err := rows.Scan(&p.ID, &p.Name); err != nil {
			return nil, fmt.Errorf("%w: scan party: %w", core.ErrStorage, err)
		}
		parties = append(parties, p)
	}
	return parties, rows.Err()
}

// IsVotingOpen reports whether an active window covers at
func (s *SQLiteStore) IsVotingOpen(ctx context.Context, at time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM voting_windows
		WHERE is_active = 1 AND starts_at <= ? AND ends_at >= ?
	`, at.UnixNano(), at.UnixNano()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("%w: voting window: %w", core.ErrStorage, err)
	}
	return n > 0, nil
}

// AddVoter registers or updates a voter
func (s *SQLiteStore) AddVoter(ctx context.Context, v core.Voter) error {
	if v.ID == "" {
		v.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO voters (id, full_name, email, national_id, is_active, has_voted)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			full_name = excluded.full_name,
			email = excluded.email,
			national_id = excluded.national_id,
			is_active = excluded.is_active
	`, v.ID, v.FullName, v.Email, v.NationalID, boolInt(v.Active), boolInt(v.HasVoted))
	if err != nil {
		return fmt.Errorf("%w: add voter: %w", core.ErrStorage, err)
	}
	return nil
}

// AddParty registers or updates a party
func (s *SQLiteStore) AddParty(ctx context.Context, p core.Party) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO parties (party_id, name, is_active) VALUES (?, ?, ?)
		ON CONFLICT(party_id) DO UPDATE SET name = excluded.name, is_active = excluded.is_active
	`, p.ID, p.Name, boolInt(p.Active))
	if err != nil {
		return fmt.Errorf("%w: add party: %w", core.ErrStorage, err)
	}
	return nil
}

// AddVotingWindow registers or updates a voting window
func (s *SQLiteStore) AddVotingWindow(ctx context.Context, w core.VotingWindow) error {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.EndsAt.Before(w.StartsAt) {
		return fmt.Errorf("%w: window %q ends before it starts", core.ErrValidation, w.Name)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO voting_windows (id, name, starts_at, ends_at, is_active) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			starts_at = excluded.starts_at,
			ends_at = excluded.ends_at,
			is_active = excluded.is_active
	`, w.ID, w.Name, w.StartsAt.UnixNano(), w.EndsAt.UnixNano(), boolInt(w.Active))
	if err != nil {
		return fmt.Errorf("%w: add voting window: %w", core.ErrStorage, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func nullString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullUint(n *uint64) interface{} {
	if n == nil {
		return nil
	}
	return int64(*n)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
