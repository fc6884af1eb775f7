package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dvloznov/msp-reconciler/internal/api/middleware"
	"github.com/dvloznov/msp-reconciler/internal/budget"
	"github.com/dvloznov/msp-reconciler/internal/domain"
	"github.com/dvloznov/msp-reconciler/internal/jobs"
	"github.com/dvloznov/msp-reconciler/internal/logger"
	"github.com/dvloznov/msp-reconciler/internal/pipeline"
	"github.com/dvloznov/msp-reconciler/internal/query"
	"github.com/dvloznov/msp-reconciler/internal/storage"
)

const defaultSessionLimit = 20

// ResultHandler serves the persisted reconciliation snapshot.
type ResultHandler struct {
	blobs storage.BlobStore
}

// NewResultHandler creates a new result handler.
func NewResultHandler(blobs storage.BlobStore) *ResultHandler {
	return &ResultHandler{blobs: blobs}
}

// ListTransactions handles GET /api/transactions
func (h *ResultHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	res, ok := h.load(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	txs := query.Transactions(res, query.Filter{
		Department: q.Get("department"),
		Region:     q.Get("region"),
		Status:     q.Get("status"),
		Category:   domain.Category(strings.ToUpper(q.Get("category"))),
	})
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": txs,
		"count":        len(txs),
	})
}

// Statistics handles GET /api/statistics
func (h *ResultHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	res, ok := h.load(w, r)
	if !ok {
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":   res.SessionID,
		"mode":         res.Mode,
		"generated_at": res.GeneratedAt,
		"statistics":   res.Statistics,
	})
}

var viewKeys = map[string]string{
	"departments":         storage.KeyDepartmentsView,
	"regions":             storage.KeyRegionsView,
	"awaiting-assignment": storage.KeyAwaitingView,
}

// View handles GET /api/views/{name}
func (h *ResultHandler) View(w http.ResponseWriter, r *http.Request) {
	key, ok := viewKeys[r.PathValue("name")]
	if !ok {
		middleware.WriteError(w, http.StatusNotFound, "Unknown view")
		return
	}
	data, err := h.blobs.Get(r.Context(), key)
	if errors.Is(err, storage.ErrNotFound) {
		middleware.WriteError(w, http.StatusNotFound, "No reconciliation has run yet")
		return
	}
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Str("view", key).Msg("Failed to read view")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to read view")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, json.RawMessage(data))
}

// AssignMeasure handles POST /api/measures/{order}/assign
func (h *ResultHandler) AssignMeasure(w http.ResponseWriter, r *http.Request) {
	order, err := strconv.Atoi(r.PathValue("order"))
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Order number must be an integer")
		return
	}
	var req struct {
		Region     string `json:"region"`
		District   string `json:"district"`
		AssignedBy string `json:"assigned_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	parked, err := pipeline.AssignMeasure(r.Context(), h.blobs, order, query.Assignment{
		Region:     req.Region,
		District:   req.District,
		AssignedBy: req.AssignedBy,
		At:         time.Now(),
	})
	switch {
	case errors.Is(err, query.ErrInvalidAssignment):
		middleware.WriteError(w, http.StatusBadRequest, "Region or district is required")
	case errors.Is(err, query.ErrMeasureNotFound):
		middleware.WriteError(w, http.StatusNotFound, "Measure is not awaiting assignment")
	case err != nil:
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Int("order_number", order).Msg("Failed to assign measure")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to assign measure")
	default:
		middleware.WriteJSON(w, http.StatusOK, parked)
	}
}

func (h *ResultHandler) load(w http.ResponseWriter, r *http.Request) (*domain.Result, bool) {
	res, err := storage.LoadResult(r.Context(), h.blobs)
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg("Failed to load reconciliation result")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to load reconciliation result")
		return nil, false
	}
	if res == nil {
		middleware.WriteError(w, http.StatusNotFound, "No reconciliation has run yet")
		return nil, false
	}
	return res, true
}

// BudgetHandler serves the manual budget allocation.
type BudgetHandler struct {
	manager *budget.Manager
}

// NewBudgetHandler creates a new budget handler.
func NewBudgetHandler(manager *budget.Manager) *BudgetHandler {
	return &BudgetHandler{manager: manager}
}

// GetBudget handles GET /api/budget
func (h *BudgetHandler) GetBudget(w http.ResponseWriter, r *http.Request) {
	b, err := h.manager.Load(r.Context())
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg("Failed to load budget")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to load budget")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, b)
}

// SetBudget handles PUT /api/budget
func (h *BudgetHandler) SetBudget(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Scope  budget.Scope    `json:"scope"`
		Key    string          `json:"key"`
		Amount decimal.Decimal `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Scope != budget.ScopeDepartment && req.Scope != budget.ScopeRegion {
		middleware.WriteError(w, http.StatusBadRequest, "Scope must be department or region")
		return
	}

	alloc, err := h.manager.Set(r.Context(), req.Scope, req.Key, req.Amount)
	switch {
	case errors.Is(err, budget.ErrNegativeBudget):
		middleware.WriteError(w, http.StatusBadRequest, "Budget must not be negative")
	case errors.Is(err, budget.ErrUnknownKey):
		middleware.WriteError(w, http.StatusNotFound, "Unknown budget key")
	case err != nil:
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Str("key", req.Key).Msg("Failed to set budget")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to set budget")
	default:
		middleware.WriteJSON(w, http.StatusOK, alloc)
	}
}

// RunsHandler triggers reconciliation runs and reports on them.
type RunsHandler struct {
	publisher jobs.Publisher
	store     jobs.JobStore
	sessions  storage.SessionStore
}

// NewRunsHandler creates a new runs handler.
func NewRunsHandler(publisher jobs.Publisher, store jobs.JobStore, sessions storage.SessionStore) *RunsHandler {
	return &RunsHandler{publisher: publisher, store: store, sessions: sessions}
}

// CreateRun handles POST /api/runs
func (h *RunsHandler) CreateRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}
	if req.Mode == "" {
		req.Mode = string(domain.ModeIncremental)
	}
	mode, ok := domain.ParseMode(strings.ToUpper(req.Mode))
	if !ok {
		middleware.WriteError(w, http.StatusBadRequest, "Mode must be FULL or INCREMENTAL")
		return
	}

	job := &jobs.RunJob{Mode: mode, Trigger: jobs.TriggerAPI}
	if err := h.publisher.PublishRun(r.Context(), job); err != nil {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg("Failed to enqueue run")
		middleware.WriteError(w, http.StatusServiceUnavailable, "Failed to enqueue run")
		return
	}
	middleware.WriteJSON(w, http.StatusAccepted, job)
}

// GetRun handles GET /api/runs/{job_id}
func (h *RunsHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.GetJob(r.Context(), r.PathValue("job_id"))
	if errors.Is(err, jobs.ErrJobNotFound) {
		middleware.WriteError(w, http.StatusNotFound, "Job not found")
		return
	}
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg("Failed to get job")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to get job")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, job)
}

// ListRuns handles GET /api/runs
func (h *RunsHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	filter := jobs.JobFilter{
		Status: jobs.JobStatus(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	list, err := h.store.ListJobs(r.Context(), filter)
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg("Failed to list jobs")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  list,
		"count": len(list),
	})
}

// ListSessions handles GET /api/sessions
func (h *RunsHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.sessions.ListSessions(r.Context(), queryInt(r, "limit", defaultSessionLimit))
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Msg("Failed to list sessions")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list sessions")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func queryInt(r *http.Request, name string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || v < 0 {
		return def
	}
	return v
}

// Health handles GET /health
func Health(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// Routes registers every endpoint on a new mux.
func Routes(results *ResultHandler, budgets *BudgetHandler, runs *RunsHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/transactions", results.ListTransactions)
	mux.HandleFunc("GET /api/statistics", results.Statistics)
	mux.HandleFunc("GET /api/views/{name}", results.View)
	mux.HandleFunc("POST /api/measures/{order}/assign", results.AssignMeasure)

	mux.HandleFunc("GET /api/budget", budgets.GetBudget)
	mux.HandleFunc("PUT /api/budget", budgets.SetBudget)

	mux.HandleFunc("POST /api/runs", runs.CreateRun)
	mux.HandleFunc("GET /api/runs", runs.ListRuns)
	mux.HandleFunc("GET /api/runs/{job_id}", runs.GetRun)
	mux.HandleFunc("GET /api/sessions", runs.ListSessions)

	mux.HandleFunc("GET /health", Health)
	return mux
}
