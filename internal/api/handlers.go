package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/finpulse/recurrence-engine/internal/db"
	"github.com/finpulse/recurrence-engine/internal/discovery"
	"github.com/finpulse/recurrence-engine/pkg/models"
)

// fail maps the core error taxonomy onto HTTP statuses. Unclassified errors
// are logged server-side and kept opaque to the caller.
func (h *APIHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, models.ErrRetryable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// handleHealth reports liveness plus the worker surfaces.
func (h *APIHandler) handleHealth(c *gin.Context) {
	dbOK := h.store.Ping(c.Request.Context()) == nil

	c.JSON(http.StatusOK, gin.H{
		"status":      "operational",
		"engine":      "recurrence-engine",
		"dbConnected": dbOK,
		"matcher":     h.dispatcher.GetStats(),
		"discovery":   h.runner.GetProgress(),
	})
}

// handleDiscover runs a synchronous discovery pass for the caller.
// POST /api/v1/patterns/discover { "payeeId": "...", "direction": "debit" }
func (h *APIHandler) handleDiscover(c *gin.Context) {
	var req struct {
		PayeeID   *uuid.UUID        `json:"payeeId"`
		Direction *models.Direction `json:"direction"`
	}
	// Empty body means a full portfolio run.
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	if req.Direction != nil && !req.Direction.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "direction must be debit or credit"})
		return
	}

	result, err := h.runner.Run(c.Request.Context(), discovery.Request{
		UserID:    currentUser(c),
		PayeeID:   req.PayeeID,
		Direction: req.Direction,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *APIHandler) handleDiscoverStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.runner.GetProgress())
}

// handleListPatterns returns the caller's patterns, optionally filtered.
// GET /api/v1/patterns?status=active
func (h *APIHandler) handleListPatterns(c *gin.Context) {
	var status *models.PatternStatus
	if raw := c.Query("status"); raw != "" {
		s := models.PatternStatus(raw)
		switch s {
		case models.StatusActive, models.StatusPaused, models.StatusBroken, models.StatusArchived:
			status = &s
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status filter"})
			return
		}
	}

	patterns, err := h.store.ListPatterns(c.Request.Context(), currentUser(c), status)
	if err != nil {
		h.fail(c, err)
		return
	}
	if patterns == nil {
		patterns = []models.Pattern{}
	}
	c.JSON(http.StatusOK, gin.H{"patterns": patterns, "count": len(patterns)})
}

// handleGetPattern returns one pattern with its streak, the pending
// expectation when present, and its most recent obligations.
// GET /api/v1/patterns/:id?history=12
func (h *APIHandler) handleGetPattern(c *gin.Context) {
	p, ok := h.ownedPattern(c)
	if !ok {
		return
	}

	history, err := strconv.Atoi(c.DefaultQuery("history", "12"))
	if err != nil || history < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "history must be a non-negative integer"})
		return
	}
	if history > 100 {
		history = 100
	}

	streak, err := h.store.GetStreak(c.Request.Context(), p.ID)
	if err != nil {
		h.fail(c, err)
		return
	}

	expected := models.ObligationExpected
	pending, err := h.store.ListObligations(c.Request.Context(), p.ID, db.ObligationQuery{Status: &expected, Limit: 1})
	if err != nil {
		h.fail(c, err)
		return
	}

	recent := []models.Obligation{}
	if history > 0 {
		recent, err = h.store.ListObligations(c.Request.Context(), p.ID, db.ObligationQuery{Limit: history})
		if err != nil {
			h.fail(c, err)
			return
		}
		if recent == nil {
			recent = []models.Obligation{}
		}
	}

	resp := gin.H{"pattern": p, "streak": streak, "obligations": recent}
	if len(pending) > 0 {
		resp["expectedObligation"] = pending[0]
	}
	c.JSON(http.StatusOK, resp)
}

// handleUpdatePattern applies a user lifecycle action.
// PATCH /api/v1/patterns/:id { "status": "paused" }
func (h *APIHandler) handleUpdatePattern(c *gin.Context) {
	p, ok := h.ownedPattern(c)
	if !ok {
		return
	}

	var req struct {
		Status models.PatternStatus `json:"status" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status is required"})
		return
	}
	switch req.Status {
	case models.StatusActive, models.StatusPaused, models.StatusArchived:
	default:
		// broken is set by the matcher, never by users
		c.JSON(http.StatusBadRequest, gin.H{"error": "status must be active, paused or archived"})
		return
	}

	updated, err := h.store.UpdatePatternStatus(c.Request.Context(), p.ID, currentUser(c), req.Status)
	if err != nil {
		h.fail(c, err)
		return
	}

	if updated.Status != p.Status {
		h.hub.BroadcastEvent(models.PatternEvent{
			Type:      models.EventPatternStatusChange,
			UserID:    updated.UserID,
			PatternID: updated.ID,
			PayeeID:   updated.PayeeID,
			Status:    updated.Status,
			Detail:    string(p.Status) + " -> " + string(updated.Status),
			Timestamp: time.Now().UTC(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"pattern": updated})
}

// handleDeletePattern archives by default; ?confirm=true removes the pattern
// and its history for good.
func (h *APIHandler) handleDeletePattern(c *gin.Context) {
	p, ok := h.ownedPattern(c)
	if !ok {
		return
	}
	userID := currentUser(c)

	if c.Query("confirm") == "true" {
		if err := h.store.DeletePattern(c.Request.Context(), p.ID, userID); err != nil {
			h.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "deleted", "id": p.ID})
		return
	}

	archived, err := h.store.UpdatePatternStatus(c.Request.Context(), p.ID, userID, models.StatusArchived)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "archived", "pattern": archived})
}

// handleListObligations returns a pattern's obligation history.
// GET /api/v1/patterns/:id/obligations?status=missed&from=2025-01-01&to=2025-12-31&limit=50
func (h *APIHandler) handleListObligations(c *gin.Context) {
	p, ok := h.ownedPattern(c)
	if !ok {
		return
	}

	var q db.ObligationQuery
	if raw := c.Query("status"); raw != "" {
		s := models.ObligationStatus(raw)
		switch s {
		case models.ObligationExpected, models.ObligationFulfilled, models.ObligationMissed, models.ObligationCancelled:
			q.Status = &s
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status filter"})
			return
		}
	}
	for name, dst := range map[string]**time.Time{"from": &q.From, "to": &q.To} {
		if raw := c.Query(name); raw != "" {
			t, err := time.Parse("2006-01-02", raw)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be YYYY-MM-DD"})
				return
			}
			*dst = &t
		}
	}
	q.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "100"))

	obligations, err := h.store.ListObligations(c.Request.Context(), p.ID, q)
	if err != nil {
		h.fail(c, err)
		return
	}
	if obligations == nil {
		obligations = []models.Obligation{}
	}
	c.JSON(http.StatusOK, gin.H{"obligations": obligations, "count": len(obligations)})
}

// handleUpcoming lists the caller's pending obligations due soon.
// GET /api/v1/obligations/upcoming?days=30
func (h *APIHandler) handleUpcoming(c *gin.Context) {
	days, err := strconv.Atoi(c.DefaultQuery("days", "30"))
	if err != nil || days < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "days must be a non-negative integer"})
		return
	}
	if days > 365 {
		days = 365
	}

	upcoming, err := h.store.ListUpcoming(c.Request.Context(), currentUser(c), days)
	if err != nil {
		h.fail(c, err)
		return
	}
	if upcoming == nil {
		upcoming = []models.Obligation{}
	}
	c.JSON(http.StatusOK, gin.H{"obligations": upcoming, "count": len(upcoming), "windowDays": days})
}

// handleIngestTransaction stores a settled transaction and hands it to the
// matcher. Queue backpressure does not fail the request; the poller will
// pick the transaction up from its checkpoint.
// POST /api/v1/transactions
func (h *APIHandler) handleIngestTransaction(c *gin.Context) {
	var req struct {
		ID              *uuid.UUID       `json:"id"`
		PayeeID         uuid.UUID        `json:"payeeId"`
		Direction       models.Direction `json:"direction"`
		CurrencyID      string           `json:"currencyId"`
		OccurredAt      time.Time        `json:"occurredAt"`
		Amount          decimal.Decimal  `json:"amount"`
		SourceMessageID string           `json:"sourceMessageId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	switch {
	case req.PayeeID == uuid.Nil:
		c.JSON(http.StatusBadRequest, gin.H{"error": "payeeId is required"})
		return
	case !req.Direction.Valid():
		c.JSON(http.StatusBadRequest, gin.H{"error": "direction must be debit or credit"})
		return
	case req.CurrencyID == "":
		c.JSON(http.StatusBadRequest, gin.H{"error": "currencyId is required"})
		return
	case req.OccurredAt.IsZero():
		c.JSON(http.StatusBadRequest, gin.H{"error": "occurredAt is required"})
		return
	case req.Amount.IsNegative():
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must not be negative"})
		return
	case req.SourceMessageID == "":
		c.JSON(http.StatusBadRequest, gin.H{"error": "sourceMessageId is required"})
		return
	}

	txn := models.Transaction{
		ID:              uuid.New(),
		UserID:          currentUser(c),
		PayeeID:         req.PayeeID,
		Direction:       req.Direction,
		CurrencyID:      req.CurrencyID,
		OccurredAt:      req.OccurredAt.UTC(),
		Amount:          req.Amount,
		SourceMessageID: req.SourceMessageID,
		CreatedAt:       time.Now().UTC(),
	}
	if req.ID != nil {
		txn.ID = *req.ID
	}

	if err := h.store.InsertTransaction(c.Request.Context(), txn); err != nil {
		h.fail(c, err)
		return
	}

	queued := true
	if err := h.dispatcher.Enqueue(txn); err != nil {
		queued = false
		h.logger.Warn("transaction not queued, poller will pick it up",
			zap.String("transaction_id", txn.ID.String()), zap.Error(err))
	}

	c.JSON(http.StatusAccepted, gin.H{"transaction": txn, "queued": queued})
}

// handleProcessTransaction re-drives matching for a stored transaction, the
// manual re-delivery path for dead letters.
// POST /api/v1/transactions/:id/process
func (h *APIHandler) handleProcessTransaction(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a UUID"})
		return
	}

	txn, err := h.store.GetTransaction(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	if txn.UserID != currentUser(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "transaction not found"})
		return
	}

	if err := h.dispatcher.Enqueue(txn); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": true, "transactionId": txn.ID})
}

// handleDeadLetters lists matcher jobs that exhausted their retries.
// GET /api/v1/deadletters?limit=100
func (h *APIHandler) handleDeadLetters(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	letters, err := h.store.ListDeadLetters(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	if letters == nil {
		letters = []models.DeadLetter{}
	}
	c.JSON(http.StatusOK, gin.H{"deadLetters": letters, "count": len(letters)})
}

// ownedPattern loads the :id pattern and enforces caller ownership. A
// pattern someone else owns is indistinguishable from a missing one.
func (h *APIHandler) ownedPattern(c *gin.Context) (models.Pattern, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a UUID"})
		return models.Pattern{}, false
	}
	p, err := h.store.GetPattern(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return models.Pattern{}, false
	}
	if p.UserID != currentUser(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "pattern not found"})
		return models.Pattern{}, false
	}
	return p, true
}
