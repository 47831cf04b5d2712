/*
handlers.go - HTTP handlers over the loyalty services

PURPOSE:
  Thin plumbing: decode, validate, call one service, encode. No business
  rule lives here; balances, idempotency and the redemption state machine
  are enforced below this layer.

ENDPOINTS:
  Accounts:
    GET    /api/accounts?user_id=                  List open accounts
    GET    /api/accounts/{user}/{card}             Balance + expiring buckets
    GET    /api/accounts/{user}/{card}/movements   History with running balance
    GET    /api/accounts/{user}/{card}/reconcile   Balance vs movement fold
    POST   /api/accounts/{user}/{card}/adjustments Manual correction
    POST   /api/accounts/{user}/{card}/close       Soft close

  Transactions:
    POST   /api/transactions?process=true  Ingest (and optionally process)
    POST   /api/transactions/quote         Dry run
    POST   /api/transactions/{id}/accrue|reverse|process

  Redemptions:
    POST   /api/redemptions                Reserve points for a reward
    POST   /api/redemptions/{id}/approve|complete|deny|cancel

ERROR HANDLING:
  Service errors map to statuses in writeServiceError:
  - 400: validation errors, invalid movements, malformed input
  - 404: unknown account, transaction, rule, reward or redemption
  - 409: invalid transition, reward unavailable, account closed, duplicates
  - 422: insufficient balance
  - 500: anything else (logged with the request ID)

SEE ALSO:
  - dto.go: request/response types
  - server.go: routes and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/warp/loyalty-engine/accrual"
	"github.com/warp/loyalty-engine/expiration"
	"github.com/warp/loyalty-engine/logging"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/redemption"
	"github.com/warp/loyalty-engine/rules"
	"github.com/warp/loyalty-engine/validation"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Deps lists the services the handlers delegate to.
type Deps struct {
	Store           loyalty.TxStore
	Ledger          *loyalty.Ledger
	Processor       *accrual.Processor
	Workflow        *redemption.Workflow
	Rewards         *redemption.Rewards
	Catalog         *rules.Admin
	Sweeper         *expiration.Sweeper
	RetentionMonths int

	// Scenarios enables the demo loaders under /api/scenarios.
	Scenarios bool
}

type Handler struct {
	Deps
	now func() time.Time
}

func NewHandler(d Deps) *Handler {
	if d.RetentionMonths <= 0 {
		d.RetentionMonths = expiration.DefaultRetentionMonths
	}
	return &Handler{Deps: d, now: func() time.Time { return time.Now().UTC() }}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

func accountKey(r *http.Request) loyalty.AccountKey {
	return loyalty.AccountKey{UserID: chi.URLParam(r, "user"), CardID: chi.URLParam(r, "card")}
}

func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	accounts, err := h.Store.Accounts(r.Context(), loyalty.AccountFilter{
		UserID:        q.Get("user_id"),
		IncludeClosed: q.Get("include_closed") == "true",
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	dtos := make([]AccountDTO, len(accounts))
	for i, a := range accounts {
		dtos[i] = toAccountDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.Ledger.Account(r.Context(), accountKey(r))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct))
}

func (h *Handler) GetMovements(w http.ResponseWriter, r *http.Request) {
	key := accountKey(r)
	if _, err := h.Ledger.Account(r.Context(), key); err != nil {
		writeServiceError(w, r, err)
		return
	}
	ms, err := h.Ledger.Movements(r.Context(), key)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMovementDTOs(ms))
}

func (h *Handler) ReconcileAccount(w http.ResponseWriter, r *http.Request) {
	key := accountKey(r)
	ok, err := h.Ledger.Reconcile(r.Context(), key)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReconcileDTO{UserID: key.UserID, CardID: key.CardID, Consistent: ok})
}

func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := h.Ledger.Adjust(r.Context(), accountKey(r), req.Points, req.Note, req.JobID)
	if loyalty.IsNoOp(err) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_applied", "job_id": req.JobID})
		return
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMovementDTOs([]loyalty.Movement{m})[0])
}

func (h *Handler) CloseAccount(w http.ResponseWriter, r *http.Request) {
	key := accountKey(r)
	if err := h.Ledger.CloseAccount(r.Context(), key); err != nil {
		writeServiceError(w, r, err)
		return
	}
	acct, err := h.Ledger.Account(r.Context(), key)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct))
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// IngestTransaction stores a card transaction. With ?process=true it is
// processed right away according to its status.
func (h *Handler) IngestTransaction(w http.ResponseWriter, r *http.Request) {
	var req TransactionRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	if err := h.Processor.Ingest(ctx, req.toTransaction()); err != nil {
		writeServiceError(w, r, err)
		return
	}
	if r.URL.Query().Get("process") != "true" {
		tx, err := h.Store.Transaction(ctx, req.ID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, tx)
		return
	}
	points, err := h.Processor.ProcessStatusChange(ctx, req.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, PointsDTO{TransactionID: req.ID, Points: points})
}

func (h *Handler) QuoteTransaction(w http.ResponseWriter, r *http.Request) {
	var req TransactionRequest
	if !decode(w, r, &req) {
		return
	}
	q, err := h.Processor.Quote(r.Context(), req.toTransaction())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Store.Transaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (h *Handler) AccrueTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	points, err := h.Processor.Accrue(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PointsDTO{TransactionID: id, Points: points})
}

func (h *Handler) ReverseTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	points, err := h.Processor.ReverseAccrual(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PointsDTO{TransactionID: id, Points: points})
}

func (h *Handler) ProcessTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	points, err := h.Processor.ProcessStatusChange(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PointsDTO{TransactionID: id, Points: points})
}

// =============================================================================
// CATALOG HANDLERS
// =============================================================================

func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rs, err := h.Catalog.Rules(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	id, ok := int64Param(w, r)
	if !ok {
		return
	}
	rule, err := h.Catalog.Rule(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var in rules.RuleInput
	if !decodeOnly(w, r, &in) {
		return
	}
	rule, err := h.Catalog.CreateRule(r.Context(), in)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (h *Handler) PatchRule(w http.ResponseWriter, r *http.Request) {
	id, ok := int64Param(w, r)
	if !ok {
		return
	}
	var p rules.RulePatch
	if !decodeOnly(w, r, &p) {
		return
	}
	rule, err := h.Catalog.PatchRule(r.Context(), id, p)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (h *Handler) ActivateRule(w http.ResponseWriter, r *http.Request) {
	h.setRuleActive(w, r, true)
}

func (h *Handler) DeactivateRule(w http.ResponseWriter, r *http.Request) {
	h.setRuleActive(w, r, false)
}

func (h *Handler) setRuleActive(w http.ResponseWriter, r *http.Request, active bool) {
	id, ok := int64Param(w, r)
	if !ok {
		return
	}
	rule, err := h.Catalog.SetRuleActive(r.Context(), id, active)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (h *Handler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	cs, err := h.Catalog.Campaigns(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cs)
}

func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := int64Param(w, r)
	if !ok {
		return
	}
	c, err := h.Catalog.Campaign(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var in rules.CampaignInput
	if !decodeOnly(w, r, &in) {
		return
	}
	c, err := h.Catalog.CreateCampaign(r.Context(), in)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) PatchCampaign(w http.ResponseWriter, r *http.Request) {
	id, ok := int64Param(w, r)
	if !ok {
		return
	}
	var p rules.CampaignPatch
	if !decodeOnly(w, r, &p) {
		return
	}
	c, err := h.Catalog.PatchCampaign(r.Context(), id, p)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) ActivateCampaign(w http.ResponseWriter, r *http.Request) {
	h.setCampaignActive(w, r, true)
}

func (h *Handler) DeactivateCampaign(w http.ResponseWriter, r *http.Request) {
	h.setCampaignActive(w, r, false)
}

func (h *Handler) setCampaignActive(w http.ResponseWriter, r *http.Request, active bool) {
	id, ok := int64Param(w, r)
	if !ok {
		return
	}
	c, err := h.Catalog.SetCampaignActive(r.Context(), id, active)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// =============================================================================
// REWARD HANDLERS
// =============================================================================

func (h *Handler) ListRewards(w http.ResponseWriter, r *http.Request) {
	rws, err := h.Rewards.List(r.Context(), r.URL.Query().Get("active") == "true")
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rws)
}

func (h *Handler) GetReward(w http.ResponseWriter, r *http.Request) {
	rw, err := h.Rewards.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rw)
}

func (h *Handler) SaveReward(w http.ResponseWriter, r *http.Request) {
	var in redemption.RewardInput
	if !decodeOnly(w, r, &in) {
		return
	}
	rw, err := h.Rewards.Save(r.Context(), in)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rw)
}

func (h *Handler) RestockReward(w http.ResponseWriter, r *http.Request) {
	var req RestockRequest
	if !decode(w, r, &req) {
		return
	}
	rw, err := h.Rewards.Restock(r.Context(), chi.URLParam(r, "id"), req.Quantity)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rw)
}

func (h *Handler) DeactivateReward(w http.ResponseWriter, r *http.Request) {
	rw, err := h.Rewards.Deactivate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rw)
}

// =============================================================================
// REDEMPTION HANDLERS
// =============================================================================

func (h *Handler) ListRedemptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := loyalty.RedemptionFilter{
		UserID: q.Get("user_id"),
		CardID: q.Get("card_id"),
		Status: loyalty.RedemptionStatus(q.Get("status")),
		Limit:  50,
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		f.Limit = n
	}
	list, err := h.Workflow.List(r.Context(), f)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) GetRedemption(w http.ResponseWriter, r *http.Request) {
	red, err := h.Workflow.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, red)
}

func (h *Handler) CreateRedemption(w http.ResponseWriter, r *http.Request) {
	var req CreateRedemptionRequest
	if !decode(w, r, &req) {
		return
	}
	red, err := h.Workflow.Create(r.Context(), redemption.Request{
		Account:  loyalty.AccountKey{UserID: req.UserID, CardID: req.CardID},
		RewardID: req.RewardID,
		Note:     req.Note,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, red)
}

func (h *Handler) ApproveRedemption(w http.ResponseWriter, r *http.Request) {
	var req PartnerRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	red, err := h.Workflow.Approve(r.Context(), chi.URLParam(r, "id"), req.Partner)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, red)
}

func (h *Handler) CompleteRedemption(w http.ResponseWriter, r *http.Request) {
	var req PartnerRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	red, err := h.Workflow.Complete(r.Context(), chi.URLParam(r, "id"), req.Partner)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, red)
}

func (h *Handler) DenyRedemption(w http.ResponseWriter, r *http.Request) {
	var req DenyRequest
	if !decode(w, r, &req) {
		return
	}
	red, err := h.Workflow.Deny(r.Context(), chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, red)
}

func (h *Handler) CancelRedemption(w http.ResponseWriter, r *http.Request) {
	red, err := h.Workflow.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, red)
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// TriggerSweep runs a flat expiration sweep and records it.
func (h *Handler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	var req SweepRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	started := h.now()
	asOf := orNow(req.AsOf, started)

	res, err := h.Sweeper.Sweep(ctx, asOf, req.BatchID, req.PerAccountCap)
	if loyalty.IsClientError(err) {
		writeServiceError(w, r, err)
		return
	}
	run := expiration.RecordRun(ctx, h.Store, loyalty.SweepFlat, asOf, started, res, err)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// TriggerAgedSweep expires accruals past the retention horizon.
func (h *Handler) TriggerAgedSweep(w http.ResponseWriter, r *http.Request) {
	var req AgedSweepRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	ctx := r.Context()
	started := h.now()
	asOf := orNow(req.AsOf, started)

	p := expiration.AgedParams{
		AsOf:            asOf,
		BatchID:         req.BatchID,
		RetentionMonths: req.RetentionMonths,
		UserID:          req.UserID,
	}
	if p.BatchID == "" {
		p.BatchID = expiration.BatchID(asOf)
	}
	if p.RetentionMonths == 0 {
		p.RetentionMonths = h.RetentionMonths
	}
	if req.UserID != "" && req.CardID != "" {
		p.Account = &loyalty.AccountKey{UserID: req.UserID, CardID: req.CardID}
	}

	res, err := h.Sweeper.SweepAged(ctx, p)
	if loyalty.IsClientError(err) {
		writeServiceError(w, r, err)
		return
	}
	run := expiration.RecordRun(ctx, h.Store, loyalty.SweepAged, asOf, started, res, err)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) RefreshBuckets(w http.ResponseWriter, r *http.Request) {
	var req BucketsRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	months := req.RetentionMonths
	if months == 0 {
		months = h.RetentionMonths
	}
	n, err := h.Sweeper.RefreshExpiringBuckets(r.Context(), orNow(req.AsOf, h.now()), months)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BucketsDTO{Updated: n})
}

func (h *Handler) ListSweepRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}
	runs, err := h.Store.SweepRuns(r.Context(), limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handler) ReconcileAll(w http.ResponseWriter, r *http.Request) {
	ds, err := h.Ledger.ReconcileAll(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if ds == nil {
		ds = []loyalty.Discrepancy{}
	}
	writeJSON(w, http.StatusOK, ds)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeServiceError maps the loyalty error taxonomy onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var ve *loyalty.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Code: "validation_error", Fields: ve.Fields})
	case errors.Is(err, loyalty.ErrInvalidMovement):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "invalid_movement"})
	case errors.Is(err, loyalty.ErrNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "not_found"})
	case errors.Is(err, loyalty.ErrInsufficientBalance):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Code: "insufficient_balance"})
	case errors.Is(err, loyalty.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "invalid_transition"})
	case errors.Is(err, loyalty.ErrRewardUnavailable):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "reward_unavailable"})
	case errors.Is(err, loyalty.ErrAccountClosed):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "account_closed"})
	case errors.Is(err, loyalty.ErrIdempotentNoOp), errors.Is(err, loyalty.ErrDuplicateMovement):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "duplicate"})
	default:
		logging.FromContext(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Internal server error", Code: "internal_error"})
	}
}

// decode reads a required JSON body into v and validates it.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return validate(w, r, v)
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return validate(w, r, v)
}

// decodeOnly reads a JSON body the service validates itself.
func decodeOnly(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func validate(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := validation.Struct(v); err != nil {
		writeServiceError(w, r, err)
		return false
	}
	return true
}

func int64Param(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid id", err)
		return 0, false
	}
	return id, true
}

func orNow(t *time.Time, now time.Time) time.Time {
	if t == nil {
		return now
	}
	return t.UTC()
}
