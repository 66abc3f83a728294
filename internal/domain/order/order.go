package order

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/keymint/keymint/internal/domain/money"
)

var (
	ErrNotFound          = errors.New("order: not found")
	ErrNoItems           = errors.New("order: at least one item is required")
	ErrInvalidQuantity   = errors.New("order: quantity must be greater than zero")
	ErrEmailRequired     = errors.New("order: customer email is required")
	ErrGatewayRequired   = errors.New("order: gateway is required")
	ErrSessionConflict   = errors.New("order: a different gateway session is already attached")
	ErrIllegalTransition = errors.New("order: illegal status transition")
)

// Customer is the identity captured at checkout time. UserID stays nil until
// fulfillment provisions or resolves an account.
type Customer struct {
	Email string
	Name  string
}

// Item is a purchase-time snapshot of a catalog product. Unit prices are never
// recomputed from the live catalog after the order exists.
type Item struct {
	ProductID      uuid.UUID
	Name           string
	UnitPrice      money.Money
	Quantity       int
	DownloadQuota  int
	UpdateTermDays int
}

func (i Item) LineTotal() money.Money {
	return i.UnitPrice.Mul(i.Quantity)
}

type Order struct {
	ID          uuid.UUID
	Number      string
	Customer    Customer
	UserID      *uuid.UUID
	Gateway     string
	SessionRef  string
	CartSession string
	Items       []Item
	Total       money.Money
	Status      Status

	Payment     PaymentInfo
	Fulfillment FulfillmentState

	CreatedAt time.Time
	UpdatedAt time.Time
}

// New builds a pending order, summing line totals once. The total is fixed here
// and protects the customer against mid-checkout catalog price changes.
func New(number string, customer Customer, gateway string, items []Item) (*Order, error) {
	if customer.Email == "" {
		return nil, ErrEmailRequired
	}
	if gateway == "" {
		return nil, ErrGatewayRequired
	}
	if len(items) == 0 {
		return nil, ErrNoItems
	}

	var total money.Money
	for i, item := range items {
		if item.Quantity <= 0 {
			return nil, ErrInvalidQuantity
		}
		if i == 0 {
			total = item.LineTotal()
			continue
		}
		sum, err := total.Add(item.LineTotal())
		if err != nil {
			return nil, err
		}
		total = sum
	}

	now := time.Now().UTC()
	return &Order{
		ID:        uuid.New(),
		Number:    number,
		Customer:  customer,
		Gateway:   gateway,
		Items:     append([]Item(nil), items...),
		Total:     total,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	clone := *o
	clone.Items = append([]Item(nil), o.Items...)
	clone.Payment = o.Payment.clone()
	if o.UserID != nil {
		id := *o.UserID
		clone.UserID = &id
	}
	return &clone
}

func (o *Order) Touch() {
	o.UpdatedAt = time.Now().UTC()
}
