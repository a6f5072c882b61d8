package core

import (
	"math/big"
	"time"
)

// Voter is the local registry entry for an eligible voter
type Voter struct {
	ID         string
	FullName   string
	Email      string
	NationalID string
	Active     bool
	HasVoted   bool
}

// Party is a selectable ballot option
type Party struct {
	ID     string // Ledger-facing party code, e.g. "PARTY1"
	Name   string
	Active bool
}

// VotingWindow is an administrative period in which votes are accepted
type VotingWindow struct {
	ID       string
	Name     string
	StartsAt time.Time
	EndsAt   time.Time
	Active   bool
}

// Covers reports whether at falls inside an active window.
func (w VotingWindow) Covers(at time.Time) bool {
	return w.Active && !at.Before(w.StartsAt) && !at.After(w.EndsAt)
}

// VoteRecord is the append-only local record of a counted vote
type VoteRecord struct {
	ID             string
	VoterIdentity  Identity
	VoterID        string
	PartyID        string
	LedgerTxRef    *string
	LedgerBlockRef *uint64
	LedgerStatus   LedgerTxStatus // Joined from the ledger transaction, read-only
	CreatedAt      time.Time
}

// LedgerTxStatus is the lifecycle of a ledger transaction
type LedgerTxStatus string

const (
	LedgerTxPending   LedgerTxStatus = "pending"
	LedgerTxConfirmed LedgerTxStatus = "confirmed"
	LedgerTxFailed    LedgerTxStatus = "failed"
	LedgerTxSimulated LedgerTxStatus = "simulated"
)

// LedgerTransaction is the local record of a submission attempt
type LedgerTransaction struct {
	TxHash      string
	Status      LedgerTxStatus
	From        string
	To          string
	GasUsed     uint64
	GasPrice    *big.Int
	BlockNumber *uint64
	BlockHash   string
	Identity    Identity
	PartyID     string
	CreatedAt   time.Time
}

// SubmissionStatus discriminates ledger submission results
type SubmissionStatus string

const (
	SubmissionConfirmed SubmissionStatus = "confirmed"
	SubmissionSimulated SubmissionStatus = "simulated"
	SubmissionRejected  SubmissionStatus = "rejected"
)

// RejectReason classifies a ledger rejection
type RejectReason string

const (
	RejectAlreadyVoted      RejectReason = "already_voted"
	RejectVotingInactive    RejectReason = "voting_inactive"
	RejectReverted          RejectReason = "reverted"
	RejectLedgerUnavailable RejectReason = "ledger_unavailable"
)

// SubmissionResult is what the ledger client returns for a vote submission.
// Transaction is always set for Confirmed and Simulated results.
type SubmissionResult struct {
	Status      SubmissionStatus
	Transaction *LedgerTransaction
	Reason      RejectReason
	Message     string
}

// TxHash returns the transaction reference, if any.
func (r SubmissionResult) TxHash() string {
	if r.Transaction == nil {
		return ""
	}
	return r.Transaction.TxHash
}

// SubmitStatus discriminates coordinator outcomes
type SubmitStatus string

const (
	SubmitCommitted            SubmitStatus = "committed"
	SubmitAlreadyVoted         SubmitStatus = "already_voted"
	SubmitSessionInvalid       SubmitStatus = "session_invalid"
	SubmitLedgerRejected       SubmitStatus = "ledger_rejected"
	SubmitNoActiveVotingWindow SubmitStatus = "no_active_voting_window"
)

// SubmitOutcome is the caller-facing result of a vote submission
type SubmitOutcome struct {
	Status    SubmitStatus `json:"status"`
	VoteID    string       `json:"vote_id,omitempty"`
	TxRef     string       `json:"tx_ref,omitempty"`
	Simulated bool         `json:"simulated,omitempty"`
	Reason    RejectReason `json:"reason,omitempty"`
	Message   string       `json:"message"`
}

// VoteCommit carries everything written in the local commit transaction
type VoteCommit struct {
	Record      VoteRecord
	Transaction *LedgerTransaction
}

// NetworkInfo summarises the ledger endpoint
type NetworkInfo struct {
	ChainID      *big.Int
	LatestBlock  uint64
	GasPriceGwei string
	Connected    bool
	Contract     string
}
