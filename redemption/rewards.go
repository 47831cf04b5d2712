package redemption

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/validation"
)

// RewardInput creates or replaces a catalog reward.
type RewardInput struct {
	ID         string     `json:"id" validate:"max=64"`
	Name       string     `json:"name" validate:"required,max=120"`
	CostPoints int64      `json:"cost_points" validate:"gt=0"`
	Stock      int64      `json:"stock" validate:"gte=0"`
	PartnerID  string     `json:"partner_id" validate:"max=60"`
	ValidUntil *time.Time `json:"valid_until"`
	Active     *bool      `json:"active"`
}

// Rewards manages the reward catalog.
type Rewards struct {
	store loyalty.RewardStore
	now   func() time.Time
}

func NewRewards(store loyalty.RewardStore) *Rewards {
	return &Rewards{store: store, now: func() time.Time { return time.Now().UTC() }}
}

func (r *Rewards) List(ctx context.Context, activeOnly bool) ([]loyalty.Reward, error) {
	return r.store.Rewards(ctx, activeOnly)
}

func (r *Rewards) Get(ctx context.Context, id string) (loyalty.Reward, error) {
	return r.store.Reward(ctx, id)
}

// Save creates the reward, or replaces it when in.ID already exists. A reward
// with zero stock is stored inactive.
func (r *Rewards) Save(ctx context.Context, in RewardInput) (loyalty.Reward, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := validation.Struct(in); err != nil {
		return loyalty.Reward{}, err
	}
	now := r.now()
	rw := loyalty.Reward{
		ID:         strings.TrimSpace(in.ID),
		Name:       in.Name,
		CostPoints: in.CostPoints,
		Stock:      in.Stock,
		Active:     in.Active == nil || *in.Active,
		PartnerID:  in.PartnerID,
		ValidUntil: in.ValidUntil,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if rw.ID == "" {
		rw.ID = uuid.NewString()
	} else if existing, err := r.store.Reward(ctx, rw.ID); err == nil {
		rw.CreatedAt = existing.CreatedAt
	} else if !loyalty.IsNotFound(err) {
		return loyalty.Reward{}, err
	}
	if rw.Stock == 0 {
		rw.Active = false
	}
	if err := r.store.SaveReward(ctx, rw); err != nil {
		return loyalty.Reward{}, err
	}
	return rw, nil
}

// Restock adds n units and reactivates the reward. Stock returned by a
// denied or cancelled redemption does not reactivate; an explicit restock does.
func (r *Rewards) Restock(ctx context.Context, id string, n int64) (loyalty.Reward, error) {
	if n <= 0 {
		return loyalty.Reward{}, loyalty.Invalid("quantity", "Value must be greater than 0")
	}
	rw, err := r.store.IncrementStock(ctx, id, n)
	if err != nil {
		return loyalty.Reward{}, err
	}
	if !rw.Active {
		rw.Active = true
		rw.UpdatedAt = r.now()
		if err := r.store.SaveReward(ctx, rw); err != nil {
			return loyalty.Reward{}, err
		}
	}
	return rw, nil
}

// Deactivate takes the reward out of the catalog without touching stock.
func (r *Rewards) Deactivate(ctx context.Context, id string) (loyalty.Reward, error) {
	rw, err := r.store.Reward(ctx, id)
	if err != nil {
		return loyalty.Reward{}, err
	}
	rw.Active = false
	rw.UpdatedAt = r.now()
	return rw, r.store.SaveReward(ctx, rw)
}
