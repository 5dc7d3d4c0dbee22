package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/taskrelay/backend/internal/models"
)

// CandidateStore is the candidate registry used by the handler.
type CandidateStore interface {
	Upsert(ctx context.Context, c *models.Candidate) error
	ListRecent(ctx context.Context, limit int) ([]*models.Candidate, error)
}

// PoolInvalidator drops cached candidate pools after a registry change.
type PoolInvalidator interface {
	Invalidate()
}

// CandidateHandler serves /v1/candidates.
type CandidateHandler struct {
	Store  CandidateStore
	Pool   PoolInvalidator
	Logger *slog.Logger
	now    func() time.Time
}

// --- PUT /v1/candidates/{user_id} ---

type saveCandidateRequest struct {
	Name           string     `json:"name"`
	SkillTags      []string   `json:"skill_tags"`
	HoursAvailable float64    `json:"hours_available"`
	Performance    float64    `json:"performance"`
	LastActiveAt   *time.Time `json:"last_active_at"`
}

func (h *CandidateHandler) SaveCandidate(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "user_id"))
	if userID == "" {
		http.Error(w, `{"error":"user_id is required"}`, http.StatusBadRequest)
		return
	}
	var req saveCandidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.HoursAvailable < 0 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "hours_available must be >= 0", "code": "validation_failed"})
		return
	}
	if req.Performance < 0 || req.Performance > 100 {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "performance must be between 0 and 100", "code": "validation_failed"})
		return
	}

	now := h.clock()
	c := &models.Candidate{
		UserID:         userID,
		Name:           strings.TrimSpace(req.Name),
		SkillTags:      models.NormalizeTags(req.SkillTags),
		HoursAvailable: req.HoursAvailable,
		Performance:    req.Performance,
		LastActiveAt:   now,
		UpdatedAt:      now,
	}
	if req.LastActiveAt != nil {
		c.LastActiveAt = *req.LastActiveAt
	}
	if err := h.Store.Upsert(r.Context(), c); err != nil {
		h.Logger.ErrorContext(r.Context(), "save candidate", "user_id", userID, "error", err)
		http.Error(w, `{"error":"failed to save candidate"}`, http.StatusInternalServerError)
		return
	}
	if h.Pool != nil {
		h.Pool.Invalidate()
	}
	writeJSON(w, http.StatusOK, c)
}

// --- GET /v1/candidates?limit=N ---

func (h *CandidateHandler) ListCandidates(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			http.Error(w, `{"error":"invalid limit"}`, http.StatusBadRequest)
			return
		}
		limit = n
	}
	list, err := h.Store.ListRecent(r.Context(), limit)
	if err != nil {
		h.Logger.ErrorContext(r.Context(), "list candidates", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []*models.Candidate{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *CandidateHandler) clock() time.Time {
	if h.now != nil {
		return h.now()
	}
	return time.Now().UTC()
}
