package convo

import (
	"time"

	"bot-pedidos/internal/catalog"
	"bot-pedidos/internal/repo"
)

// Mode is the top-level position of a sender in the order flow.
type Mode string

const (
	ModeIdle                      Mode = "idle"
	ModeAwaitingProductChoice     Mode = "awaiting_product_choice"
	ModeAwaitingOrderConfirmation Mode = "awaiting_order_confirmation"
	ModeAwaitingPayment           Mode = "awaiting_payment"
)

// Stage is the step of the intake form while awaiting order confirmation.
type Stage string

const (
	StageCollectName         Stage = "collect_name"
	StageCollectID           Stage = "collect_id"
	StageConfirmBasics       Stage = "confirm_basics"
	StageCollectNeighborhood Stage = "collect_neighborhood"
	StageCollectAddress      Stage = "collect_address"
	StageCollectCity         Stage = "collect_city"
	StageFinalConfirm        Stage = "final_confirm"
)

// Form is the intake record built one stage at a time.
type Form struct {
	Stage        Stage  `json:"stage"`
	Name         string `json:"name,omitempty"`
	IDNumber     string `json:"id_number,omitempty"`
	Neighborhood string `json:"neighborhood,omitempty"`
	Address      string `json:"address,omitempty"`
	City         string `json:"city,omitempty"`
	DeliveryCost int64  `json:"delivery_cost,omitempty"`
	MapImagePath string `json:"map_image_path,omitempty"`
}

// PendingPayment freezes the confirmed order until the receipt arrives.
// Checkout is fixed at confirmation and keys the order in the ledger.
type PendingPayment struct {
	Checkout     string               `json:"checkout"`
	Customer     repo.Customer        `json:"customer"`
	Product      repo.ProductSnapshot `json:"product"`
	DeliveryCost int64                `json:"delivery_cost"`
}

// Total is the amount the customer has to pay.
func (p PendingPayment) Total() int64 {
	return p.Product.Price + p.DeliveryCost
}

// Conversation is the per-sender state. A nil *Conversation means Idle.
type Conversation struct {
	Sender      string           `json:"sender"`
	DisplayName string           `json:"display_name,omitempty"`
	Mode        Mode             `json:"mode"`
	Product     *catalog.Product `json:"product,omitempty"`
	Form        *Form            `json:"form,omitempty"`
	Pending     *PendingPayment  `json:"pending,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

func (c *Conversation) clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	if c.Product != nil {
		p := *c.Product
		out.Product = &p
	}
	if c.Form != nil {
		f := *c.Form
		out.Form = &f
	}
	if c.Pending != nil {
		p := *c.Pending
		out.Pending = &p
	}
	return &out
}

func modeOf(c *Conversation) Mode {
	if c == nil || c.Mode == "" {
		return ModeIdle
	}
	return c.Mode
}

func snapshotProduct(p catalog.Product) repo.ProductSnapshot {
	return repo.ProductSnapshot{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Price:       p.Price,
	}
}
