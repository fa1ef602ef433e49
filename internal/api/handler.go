package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/you/taskmill/internal/batch"
	"github.com/you/taskmill/internal/crawl"
	"github.com/you/taskmill/internal/credit"
	"github.com/you/taskmill/internal/domain"
	"github.com/you/taskmill/internal/jobs"
	"github.com/you/taskmill/internal/metrics"
	"github.com/you/taskmill/internal/runner"
)

// Handler wires the HTTP surface to the job, credit, crawl and batch cores.
type Handler struct {
	store   *jobs.Store
	ledger  *credit.Ledger
	pricing credit.Pricing
	sup     *runner.Supervisor
	engine  *crawl.Engine
	batches *batch.Controller

	workerBin string
	log       *zap.Logger
}

func NewHandler(store *jobs.Store, ledger *credit.Ledger, pricing credit.Pricing,
	sup *runner.Supervisor, engine *crawl.Engine, batches *batch.Controller,
	workerBin string, log *zap.Logger) *Handler {
	return &Handler{
		store:     store,
		ledger:    ledger,
		pricing:   pricing,
		sup:       sup,
		engine:    engine,
		batches:   batches,
		workerBin: workerBin,
		log:       log,
	}
}

// actor returns the caller identity. Real authentication lives upstream; the
// gateway injects the user id here.
func actor(r *http.Request) (string, error) {
	id := r.Header.Get("X-User-ID")
	if id == "" {
		return "", fmt.Errorf("%w: missing X-User-ID", domain.ErrPermission)
	}
	return id, nil
}

func isAdmin(r *http.Request) bool {
	return r.Header.Get("X-Admin") == "1"
}

func pagination(r *http.Request, defLimit int) (limit, offset int) {
	limit = defLimit
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}

type jobView struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	ResourceKey string   `json:"resourceKey,omitempty"`
	Status      string   `json:"status"`
	Progress    int      `json:"progress"`
	Step        string   `json:"step,omitempty"`
	Logs        []string `json:"logs"`
	Error       string   `json:"error,omitempty"`
	Result      string   `json:"result,omitempty"`
	CreatedAt   string   `json:"createdAt"`
	UpdatedAt   string   `json:"updatedAt"`
}

func viewOf(j domain.Job) jobView {
	logs := j.Logs
	if logs == nil {
		logs = []string{}
	}
	return jobView{
		ID:          j.ID,
		Type:        string(j.Type),
		ResourceKey: j.ResourceKey,
		Status:      string(j.Status),
		Progress:    j.Progress,
		Step:        j.Step,
		Logs:        logs,
		Error:       j.Error,
		Result:      j.Result,
		CreatedAt:   j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   j.UpdatedAt.Format(time.RFC3339),
	}
}

type historyView struct {
	ID                 string `json:"id"`
	SourceURL          string `json:"sourceUrl"`
	Hostname           string `json:"hostname,omitempty"`
	LastCrawledAt      string `json:"lastCrawledAt"`
	LastResultCount    int    `json:"lastResultCount"`
	LastDuplicateCount int    `json:"lastDuplicateCount"`
	LastErrorCount     int    `json:"lastErrorCount"`
	LastTotalLinks     int    `json:"lastTotalLinks"`
	LastStatus         string `json:"lastStatus"`
	LastMessage        string `json:"lastMessage,omitempty"`
}

func historyViewOf(e domain.LinkHistoryEntry) historyView {
	return historyView{
		ID:                 e.ID,
		SourceURL:          e.SourceURL,
		Hostname:           e.Hostname,
		LastCrawledAt:      e.LastCrawledAt.Format(time.RFC3339),
		LastResultCount:    e.LastResultCount,
		LastDuplicateCount: e.LastDuplicateCount,
		LastErrorCount:     e.LastErrorCount,
		LastTotalLinks:     e.LastTotalLinks,
		LastStatus:         string(e.LastStatus),
		LastMessage:        e.LastMessage,
	}
}

type txView struct {
	ID           string `json:"id"`
	JobID        string `json:"jobId,omitempty"`
	Type         string `json:"type"`
	Amount       int64  `json:"amount"`
	BalanceAfter int64  `json:"balanceAfter"`
	Description  string `json:"description,omitempty"`
	CreatedAt    string `json:"createdAt"`
}

func txViewOf(tx domain.CreditTransaction) txView {
	return txView{
		ID:           tx.ID,
		JobID:        tx.JobID,
		Type:         string(tx.Type),
		Amount:       tx.Amount,
		BalanceAfter: tx.BalanceAfter,
		Description:  tx.Description,
		CreatedAt:    tx.CreatedAt.Format(time.RFC3339),
	}
}

type submitJobRequest struct {
	Type        string          `json:"type"`
	ResourceKey string          `json:"resourceKey"`
	Params      json.RawMessage `json:"params"`
	// EstimatedCost is the client's display-time estimate. The server-side
	// pricing table is authoritative for the actual reservation.
	EstimatedCost int64 `json:"estimatedCost,omitempty"`
}

var workerTypes = map[domain.JobType]bool{
	domain.TypeScriptGeneration: true,
	domain.TypeVideoGeneration:  true,
}

// SubmitJob reserves credits, registers the job, and hands it to the
// supervisor. Rejections (conflict, insufficient credits) happen before
// anything is spawned; a spawn failure still returns the job id since the
// failed job carries the error.
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	user, err := actor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body", domain.ErrValidation))
		return
	}
	typ := domain.JobType(req.Type)
	if !workerTypes[typ] {
		writeError(w, fmt.Errorf("%w: unknown job type %q", domain.ErrValidation, req.Type))
		return
	}
	if req.ResourceKey == "" {
		writeError(w, fmt.Errorf("%w: resourceKey required", domain.ErrValidation))
		return
	}
	if held, ok := h.store.FindActive(typ, req.ResourceKey); ok {
		writeError(w, fmt.Errorf("%w: %s already running as job %s", domain.ErrConflict, typ, held.ID))
		return
	}

	jobID := uuid.NewString()
	cost := h.pricing.CostOf(typ)
	if req.EstimatedCost != 0 && req.EstimatedCost != cost {
		h.log.Info("client cost estimate differs from pricing table",
			zap.String("type", string(typ)),
			zap.Int64("estimated", req.EstimatedCost),
			zap.Int64("actual", cost))
	}
	if err := h.ledger.Reserve(r.Context(), user, cost, jobID, string(typ)); err != nil {
		writeError(w, err)
		return
	}
	if cost > 0 {
		metrics.CreditOpsTotal.WithLabelValues(string(domain.TxUse)).Inc()
	}

	job, err := h.store.Create(jobs.CreateParams{
		ID:          jobID,
		UserID:      user,
		Type:        typ,
		ResourceKey: req.ResourceKey,
	})
	if err != nil {
		// Lost a creation race after reserving; hand the credits back.
		if _, rerr := h.ledger.RefundForJob(r.Context(), user, jobID); rerr != nil {
			h.log.Error("refund after create conflict failed",
				zap.String("job_id", jobID), zap.Error(rerr))
		}
		writeError(w, err)
		return
	}

	args := []string{"--job", job.ID, "--type", string(typ), "--resource", req.ResourceKey}
	if len(req.Params) > 0 {
		args = append(args, "--params", string(req.Params))
	}
	if err := h.sup.Launch(job.ID, h.workerBin, args); err != nil {
		h.log.Error("worker launch failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": job.ID})
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	user, err := actor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	job, err := h.store.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if job.UserID != user && !isAdmin(r) {
		writeError(w, fmt.Errorf("%w: job %s", domain.ErrPermission, job.ID))
		return
	}
	writeJSON(w, http.StatusOK, viewOf(job))
}

// ListJobs serves two shapes. With type and status query params it is the
// reattach lookup and returns the single newest match. Otherwise it pages
// through the caller's jobs.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	user, err := actor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	typ := r.URL.Query().Get("type")
	status := r.URL.Query().Get("status")
	if typ != "" && status != "" {
		job, ok := h.store.FindByTypeStatus(domain.JobType(typ), domain.JobStatus(status))
		if !ok || (job.UserID != user && !isAdmin(r)) {
			writeError(w, fmt.Errorf("%w: no %s job with status %s", domain.ErrNotFound, typ, status))
			return
		}
		writeJSON(w, http.StatusOK, viewOf(job))
		return
	}

	limit, offset := pagination(r, 10)
	list, total := h.store.List(user, limit, offset)
	views := make([]jobView, 0, len(list))
	for _, j := range list {
		views = append(views, viewOf(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   views,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	user, err := actor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	job, err := h.store.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if job.UserID != user && !isAdmin(r) {
		writeError(w, fmt.Errorf("%w: job %s", domain.ErrPermission, id))
		return
	}
	if err := h.sup.Cancel(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type submitCrawlRequest struct {
	SourceURL string `json:"sourceUrl"`
}

func (h *Handler) SubmitCrawl(w http.ResponseWriter, r *http.Request) {
	user, err := actor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req submitCrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SourceURL == "" {
		writeError(w, fmt.Errorf("%w: sourceUrl required", domain.ErrValidation))
		return
	}
	res, err := h.engine.SubmitSource(r.Context(), user, req.SourceURL)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.CrawlLinksTotal.WithLabelValues("added").Add(float64(res.AddedCount))
	metrics.CrawlLinksTotal.WithLabelValues("duplicate").Add(float64(res.DuplicateCount))
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) CrawlHistory(w http.ResponseWriter, r *http.Request) {
	user, err := actor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, offset := pagination(r, 5)
	items, total, err := h.engine.History(r.Context(), user, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]historyView, 0, len(items))
	for _, e := range items {
		views = append(views, historyViewOf(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":  views,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (h *Handler) DeleteCrawlHistory(w http.ResponseWriter, r *http.Request) {
	user, err := actor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.engine.DeleteHistory(r.Context(), user, chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type deleteQueueRequest struct {
	IDs []string `json:"ids"`
}

// DeleteQueue removes queue items either by source url (query param) or by an
// explicit id list in the body.
func (h *Handler) DeleteQueue(w http.ResponseWriter, r *http.Request) {
	user, err := actor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if src := r.URL.Query().Get("sourceUrl"); src != "" {
		n, err := h.engine.DeleteBySource(r.Context(), user, src)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
		return
	}

	var req deleteQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.IDs) == 0 {
		writeError(w, fmt.Errorf("%w: provide sourceUrl or a non-empty ids list", domain.ErrValidation))
		return
	}
	n, err := h.engine.DeleteByIDs(r.Context(), user, req.IDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (h *Handler) RetryQueueItem(w http.ResponseWriter, r *http.Request) {
	user, err := actor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.engine.Retry(r.Context(), user, chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type submitBatchRequest struct {
	Action string   `json:"action"`
	IDs    []string `json:"ids"`
}

func (h *Handler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	user, err := actor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req submitBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body", domain.ErrValidation))
		return
	}
	job, err := h.batches.Submit(user, req.Action, req.IDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": job.ID})
}

func (h *Handler) Credits(w http.ResponseWriter, r *http.Request) {
	user, err := actor(r)
	if err != nil {
		writeError(w, err)
		return
	}
	bal, err := h.ledger.BalanceOf(r.Context(), user)
	if err != nil {
		writeError(w, err)
		return
	}
	limit, offset := pagination(r, 20)
	items, total, err := h.ledger.HistoryOf(r.Context(), user, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]txView, 0, len(items))
	for _, tx := range items {
		views = append(views, txViewOf(tx))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"balance": bal,
		"items":   views,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

type creditMutationRequest struct {
	UserID      string `json:"userId"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
}

func (h *Handler) GrantCredits(w http.ResponseWriter, r *http.Request) {
	h.adminCredit(w, r, domain.TxAdminGrant, h.ledger.AdminGrant)
}

func (h *Handler) ChargeCredits(w http.ResponseWriter, r *http.Request) {
	h.adminCredit(w, r, domain.TxCharge, h.ledger.Charge)
}

func (h *Handler) adminCredit(w http.ResponseWriter, r *http.Request, typ domain.TxType,
	fn func(ctx context.Context, userID string, amount int64, description string) error) {
	if !isAdmin(r) {
		writeError(w, fmt.Errorf("%w: admin only", domain.ErrPermission))
		return
	}
	var req creditMutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, fmt.Errorf("%w: userId and amount required", domain.ErrValidation))
		return
	}
	if err := fn(r.Context(), req.UserID, req.Amount, req.Description); err != nil {
		writeError(w, err)
		return
	}
	metrics.CreditOpsTotal.WithLabelValues(string(typ)).Inc()
	bal, err := h.ledger.BalanceOf(r.Context(), req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "balance": bal})
}
