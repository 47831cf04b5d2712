/*
scenarios.go - Demo scenario loaders for development environments

PURPOSE:

	Populates the engine with a small, realistic story so the admin UI and
	the CLI have something to show. Each scenario runs through the public
	services (catalog, accrual, redemption), never the store directly, so it
	also works as a smoke test of the wiring.

AVAILABLE SCENARIOS:

	everyday-spend:  Base rule plus a grocery MCC rule, three purchases
	campaign-boost:  Gold segment campaign stacked on the base rule
	redeem-reward:   Earn, redeem, approve and complete a reward

HOW SCENARIOS WORK:
 1. Ensure the catalog entries exist (matched by name, created once)
 2. Pick a fresh demo account so runs never collide
 3. Ingest and process transactions
 4. Optionally walk a redemption through its states

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "campaign-boost"}

NOTE:

	Only mounted when scenarios are enabled (development by default).

SEE ALSO:
  - handlers.go: the services these loaders call
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/redemption"
	"github.com/warp/loyalty-engine/rules"
)

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

type ScenarioResultDTO struct {
	ScenarioID  string     `json:"scenario_id"`
	Account     AccountDTO `json:"account"`
	Redemptions []string   `json:"redemptions,omitempty"`
}

var scenarios = []ScenarioDTO{
	{"everyday-spend", "Everyday spend", "Base 1x rule, 2x on groceries, three card purchases"},
	{"campaign-boost", "Campaign boost", "Gold customers earn an extra 0.5x on every purchase"},
	{"redeem-reward", "Redeem a reward", "Earn points, redeem a voucher and complete it"},
}

func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decode(w, r, &req) {
		return
	}
	ctx := r.Context()
	key := loyalty.AccountKey{
		UserID: "demo-" + uuid.NewString()[:8],
		CardID: "card-1",
	}
	res := ScenarioResultDTO{ScenarioID: req.ScenarioID}

	var err error
	switch req.ScenarioID {
	case "everyday-spend":
		err = h.loadEverydaySpend(ctx, key)
	case "campaign-boost":
		err = h.loadCampaignBoost(ctx, key)
	case "redeem-reward":
		res.Redemptions, err = h.loadRedeemReward(ctx, key)
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	acct, err := h.Ledger.Account(ctx, key)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	res.Account = toAccountDTO(acct)
	writeJSON(w, http.StatusCreated, res)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadEverydaySpend(ctx context.Context, key loyalty.AccountKey) error {
	if err := h.ensureBaseRule(ctx); err != nil {
		return err
	}
	if err := h.ensureRule(ctx, rules.RuleInput{
		Name:       "Demo groceries 2x",
		Multiplier: decimal.NewFromInt(2),
		MCCPattern: `54\d\d`,
		Start:      h.yearStart(),
		Priority:   10,
	}); err != nil {
		return err
	}
	return h.purchase(ctx, key, "",
		purchase{"54.30", "5411"},
		purchase{"12.99", "5812"},
		purchase{"103.45", "5499"},
	)
}

func (h *Handler) loadCampaignBoost(ctx context.Context, key loyalty.AccountKey) error {
	if err := h.ensureBaseRule(ctx); err != nil {
		return err
	}
	if err := h.ensureCampaign(ctx, rules.CampaignInput{
		Name:            "Demo gold boost",
		ExtraMultiplier: decimal.RequireFromString("0.5"),
		Segment:         "gold",
		Start:           h.yearStart(),
	}); err != nil {
		return err
	}
	return h.purchase(ctx, key, "gold", purchase{"80.00", "5732"}, purchase{"45.50", "5411"})
}

func (h *Handler) loadRedeemReward(ctx context.Context, key loyalty.AccountKey) ([]string, error) {
	if err := h.ensureBaseRule(ctx); err != nil {
		return nil, err
	}
	if err := h.purchase(ctx, key, "", purchase{"750.00", "4511"}); err != nil {
		return nil, err
	}
	reward, err := h.Rewards.Save(ctx, redemption.RewardInput{
		ID:         "demo-coffee-voucher",
		Name:       "Coffee voucher",
		CostPoints: 500,
		Stock:      100,
		PartnerID:  "demo-cafe",
	})
	if err != nil {
		return nil, err
	}
	red, err := h.Workflow.Create(ctx, redemption.Request{Account: key, RewardID: reward.ID, Note: "demo"})
	if err != nil {
		return nil, err
	}
	if _, err := h.Workflow.Approve(ctx, red.ID, "demo-cafe"); err != nil {
		return nil, err
	}
	if _, err := h.Workflow.Complete(ctx, red.ID, "demo-cafe"); err != nil {
		return nil, err
	}
	return []string{red.ID}, nil
}

// =============================================================================
// HELPERS
// =============================================================================

type purchase struct {
	amount string
	mcc    string
}

func (h *Handler) purchase(ctx context.Context, key loyalty.AccountKey, segment string, ps ...purchase) error {
	now := h.now()
	for i, p := range ps {
		id := fmt.Sprintf("%s-tx-%d", key.UserID, i+1)
		err := h.Processor.Ingest(ctx, loyalty.CardTransaction{
			ID:       id,
			Account:  key,
			Amount:   decimal.RequireFromString(p.amount),
			Currency: "EUR",
			MCC:      p.mcc,
			Segment:  segment,
			Status:   loyalty.TxApproved,
			EventAt:  now.Add(time.Duration(i-len(ps)) * time.Minute),
		})
		if err != nil {
			return err
		}
		if _, err := h.Processor.Accrue(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) ensureBaseRule(ctx context.Context) error {
	return h.ensureRule(ctx, rules.RuleInput{
		Name:       "Demo base 1x",
		Multiplier: decimal.NewFromInt(1),
		Start:      h.yearStart(),
	})
}

func (h *Handler) ensureRule(ctx context.Context, in rules.RuleInput) error {
	existing, err := h.Catalog.Rules(ctx)
	if err != nil {
		return err
	}
	for _, r := range existing {
		if r.Name == in.Name {
			return nil
		}
	}
	_, err = h.Catalog.CreateRule(ctx, in)
	return err
}

func (h *Handler) ensureCampaign(ctx context.Context, in rules.CampaignInput) error {
	existing, err := h.Catalog.Campaigns(ctx)
	if err != nil {
		return err
	}
	for _, c := range existing {
		if c.Name == in.Name {
			return nil
		}
	}
	_, err = h.Catalog.CreateCampaign(ctx, in)
	return err
}

func (h *Handler) yearStart() time.Time {
	return time.Date(h.now().Year(), 1, 1, 0, 0, 0, 0, time.UTC)
}
