package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/votechain/core"
	"github.com/layer-3/votechain/ports"
	"github.com/layer-3/votechain/service"
	"go.uber.org/zap"
)

// VoteHandlers contains HTTP handlers for the voting endpoints
type VoteHandlers struct {
	sessions    *service.SessionMachine
	coordinator *service.VoteCoordinator
	audit       *service.AuditEngine
	ledger      ports.LedgerReader
	tally       ports.Tally
	tokenizer   ports.Tokenizer
	notifier    ports.Notifier
	logger      *zap.Logger
}

// NewVoteHandlers creates new vote handlers
func NewVoteHandlers(
	sessions *service.SessionMachine,
	coordinator *service.VoteCoordinator,
	audit *service.AuditEngine,
	ledger ports.LedgerReader,
	tally ports.Tally,
	tokenizer ports.Tokenizer,
	notifier ports.Notifier,
	logger *zap.Logger,
) *VoteHandlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VoteHandlers{
		sessions:    sessions,
		coordinator: coordinator,
		audit:       audit,
		ledger:      ledger,
		tally:       tally,
		tokenizer:   tokenizer,
		notifier:    notifier,
		logger:      logger.Named("http"),
	}
}

// CreateSession opens a voter session and returns its bearer token
func (h *VoteHandlers) CreateSession(c *gin.Context) {
	session, err := h.sessions.CreateSession(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}

	expiresAt := session.CreatedAt.Add(h.sessions.TTL())
	token, err := h.tokenizer.SessionToToken(session.ID, expiresAt)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"token":      token,
		"state":      session.State,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
}

// ConfirmIdentity binds the voter identity to the session
func (h *VoteHandlers) ConfirmIdentity(c *gin.Context) {
	var req struct {
		NationalID string `json:"national_id"`
		Email      string `json:"email"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	key := req.NationalID
	if key == "" {
		key = req.Email
	}

	session, err := h.sessions.ConfirmIdentity(c.Request.Context(), c.GetString(sessionIDKey), key)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"state":        session.State,
		"display_name": session.DisplayName,
	})
}

// IssueChallenge issues a code and hands it to the notifier without waiting
func (h *VoteHandlers) IssueChallenge(c *gin.Context) {
	notification, err := h.sessions.IssueChallenge(c.Request.Context(), c.GetString(sessionIDKey))
	if err != nil {
		h.fail(c, err)
		return
	}

	go func(ctx context.Context, n core.ChallengeNotification) {
		if err := h.notifier.NotifyChallenge(ctx, n); err != nil {
			h.logger.Error("failed to queue challenge notification", zap.String("recipient", n.Recipient), zap.Error(err))
		}
	}(context.WithoutCancel(c.Request.Context()), *notification)

	c.JSON(http.StatusAccepted, gin.H{
		"state":       core.StateChallengeIssued,
		"ttl_seconds": int64(notification.TTL / time.Second),
	})
}

// VerifyChallenge checks a submitted code
func (h *VoteHandlers) VerifyChallenge(c *gin.Context) {
	var req struct {
		Code string `json:"code" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	outcome, err := h.sessions.VerifyChallenge(c.Request.Context(), c.GetString(sessionIDKey), req.Code)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, outcome)
}

// ChallengeStatus reports the pending code without consuming an attempt
func (h *VoteHandlers) ChallengeStatus(c *gin.Context) {
	status, err := h.sessions.ChallengeStatus(c.Request.Context(), c.GetString(sessionIDKey))
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

// Vote submits the session's vote
func (h *VoteHandlers) Vote(c *gin.Context) {
	var req struct {
		PartyID string `json:"party_id" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	outcome, err := h.coordinator.Submit(c.Request.Context(), c.GetString(sessionIDKey), req.PartyID)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(submitStatusCode(outcome.Status), outcome)
}

// Audit runs a reconciliation and returns the report
func (h *VoteHandlers) Audit(c *gin.Context) {
	result, err := h.audit.Run(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

type partyResult struct {
	PartyID     string  `json:"party_id"`
	Name        string  `json:"name"`
	LocalVotes  uint64  `json:"local_votes"`
	LedgerVotes *uint64 `json:"ledger_votes,omitempty"`
}

// Results reports per-party counts from the local store and, when reachable, the ledger
func (h *VoteHandlers) Results(c *gin.Context) {
	ctx := c.Request.Context()

	parties, err := h.tally.ListParties(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}
	local, err := h.tally.LocalTally(ctx)
	if err != nil {
		h.fail(c, err)
		return
	}

	results := make([]partyResult, 0, len(parties))
	for _, p := range parties {
		r := partyResult{PartyID: p.ID, Name: p.Name, LocalVotes: local[p.ID]}
		if n, err := h.ledger.VoteCount(ctx, p.ID); err == nil {
			r.LedgerVotes = &n
		}
		results = append(results, r)
	}

	body := gin.H{"parties": results}
	if total, err := h.ledger.TotalVotes(ctx); err == nil {
		body["ledger_total"] = total
	}
	if info, err := h.ledger.NetworkInfo(ctx); err == nil {
		body["network"] = gin.H{
			"connected":      info.Connected,
			"latest_block":   info.LatestBlock,
			"gas_price_gwei": info.GasPriceGwei,
			"contract":       info.Contract,
		}
	}

	c.JSON(http.StatusOK, body)
}

func (h *VoteHandlers) fail(c *gin.Context, err error) {
	status, message := errorStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": message})
}

// errorStatus maps domain errors to HTTP status codes
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrValidation):
		return http.StatusBadRequest, "Invalid request"
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound, "Not found"
	case errors.Is(err, core.ErrAlreadyVoted):
		return http.StatusConflict, "Already voted"
	case errors.Is(err, core.ErrSessionInvalid), errors.Is(err, core.ErrInvalidToken), errors.Is(err, core.ErrTokenExpired):
		return http.StatusUnauthorized, "Session invalid"
	case errors.Is(err, core.ErrInvalidTransition), errors.Is(err, core.ErrSessionConflict):
		return http.StatusConflict, "Session is not in the required state"
	case errors.Is(err, core.ErrLedgerUnavailable):
		return http.StatusServiceUnavailable, "Ledger unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "Request cancelled"
	default:
		return http.StatusInternalServerError, "Internal error"
	}
}

func submitStatusCode(status core.SubmitStatus) int {
	switch status {
	case core.SubmitCommitted:
		return http.StatusCreated
	case core.SubmitAlreadyVoted:
		return http.StatusConflict
	case core.SubmitSessionInvalid:
		return http.StatusUnauthorized
	case core.SubmitNoActiveVotingWindow:
		return http.StatusForbidden
	case core.SubmitLedgerRejected:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusOK
	}
}
