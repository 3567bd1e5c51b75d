package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusConfirmed  OrderStatus = "CONFIRMED"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusShipping   OrderStatus = "SHIPPING"
	OrderStatusDelivered  OrderStatus = "DELIVERED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
)

// OrderStatuses lists every status in lifecycle order.
var OrderStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusConfirmed,
	OrderStatusProcessing,
	OrderStatusShipping,
	OrderStatusDelivered,
	OrderStatusCancelled,
}

var orderStateTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed:  {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusShipping, OrderStatusCancelled},
	OrderStatusShipping:   {OrderStatusDelivered},
}

// customerCancellable are the statuses from which an order owner may cancel.
var customerCancellable = []OrderStatus{OrderStatusPending, OrderStatusConfirmed}

// ParseOrderStatus accepts any casing and surrounding whitespace.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	status := OrderStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if !slices.Contains(OrderStatuses, status) {
		return "", fmt.Errorf("%w: unknown order status %q", ErrInvalidInput, raw)
	}
	return status, nil
}

func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	return slices.Contains(orderStateTransitions[s], next)
}

// RestocksOnTransition reports whether moving from s to next returns the
// reserved quantities to stock.
func (s OrderStatus) RestocksOnTransition(next OrderStatus) bool {
	return next == OrderStatusCancelled && s.CanTransitionTo(next)
}

type Role string

const (
	RoleCustomer Role = "CUSTOMER"
	RoleStaff    Role = "STAFF"
	RoleAdmin    Role = "ADMIN"
)

// Actor is whoever asks for an order operation.
type Actor struct {
	UserID string
	Role   Role
}

func (a Actor) IsStaff() bool {
	return a.Role == RoleStaff || a.Role == RoleAdmin
}

// CanView reports whether the actor may see the order at all.
func (a Actor) CanView(o Order) bool {
	return a.IsStaff() || (a.UserID != "" && a.UserID == o.UserID)
}

// AuthorizeTransition decides whether actor may move order to next.
// Staff drive every legal transition; owners may only cancel early orders.
func AuthorizeTransition(actor Actor, order Order, next OrderStatus) error {
	if !actor.CanView(order) {
		return fmt.Errorf("%w: order %s", ErrNotFound, order.ID)
	}
	if !actor.IsStaff() {
		if next != OrderStatusCancelled {
			return fmt.Errorf("%w: customers may only cancel orders", ErrForbidden)
		}
		if !slices.Contains(customerCancellable, order.Status) {
			return fmt.Errorf("%w: order in status %s can no longer be cancelled by the customer", ErrInvalidTransition, order.Status)
		}
	}
	if !order.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, next)
	}
	return nil
}

type ShippingAddress struct {
	FullName   string `json:"fullName"`
	Phone      string `json:"phone"`
	Address    string `json:"address"`
	City       string `json:"city"`
	District   string `json:"district,omitempty"`
	Ward       string `json:"ward,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
}

func (a ShippingAddress) normalized() ShippingAddress {
	return ShippingAddress{
		FullName:   strings.TrimSpace(a.FullName),
		Phone:      strings.TrimSpace(a.Phone),
		Address:    strings.TrimSpace(a.Address),
		City:       strings.TrimSpace(a.City),
		District:   strings.TrimSpace(a.District),
		Ward:       strings.TrimSpace(a.Ward),
		PostalCode: strings.TrimSpace(a.PostalCode),
	}
}

func (a ShippingAddress) validate() error {
	var missing []string
	if a.FullName == "" {
		missing = append(missing, "fullName")
	}
	if a.Phone == "" {
		missing = append(missing, "phone")
	}
	if a.Address == "" {
		missing = append(missing, "address")
	}
	if a.City == "" {
		missing = append(missing, "city")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: shipping address missing %s", ErrInvalidInput, strings.Join(missing, ", "))
	}
	return nil
}

// OrderItem is a frozen copy of a cart line at order time.
type OrderItem struct {
	ID          string `json:"id"`
	ProductID   string `json:"productId"`
	ProductName string `json:"productName"`
	UnitPrice   int64  `json:"price"`
	Quantity    int    `json:"quantity"`
	Subtotal    int64  `json:"subtotal"`
}

type Order struct {
	ID              string          `json:"id"`
	OrderNumber     string          `json:"orderNumber"`
	UserID          string          `json:"userId"`
	Status          OrderStatus     `json:"status"`
	Items           []OrderItem     `json:"items"`
	ShippingAddress ShippingAddress `json:"shippingAddress"`
	PaymentMethod   string          `json:"paymentMethod"`
	Note            string          `json:"note,omitempty"`
	DiscountCode    string          `json:"discountCode,omitempty"`
	OriginalAmount  int64           `json:"originalAmount"`
	DiscountAmount  int64           `json:"discountAmount"`
	TotalAmount     int64           `json:"totalAmount"`
	CreatedAt       time.Time       `json:"orderDate"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// OrderDraft is everything the customer supplies at checkout.
type OrderDraft struct {
	UserID          string
	Lines           []CartLine
	ShippingAddress ShippingAddress
	PaymentMethod   string
	Note            string
	DiscountCode    string
}

// Normalize trims free text and canonicalises the payment method and code.
func (d OrderDraft) Normalize() OrderDraft {
	d.ShippingAddress = d.ShippingAddress.normalized()
	d.PaymentMethod = strings.ToLower(strings.TrimSpace(d.PaymentMethod))
	d.Note = strings.TrimSpace(d.Note)
	d.DiscountCode = NormalizeDiscountCode(d.DiscountCode)
	return d
}

func (d OrderDraft) Validate() error {
	if strings.TrimSpace(d.UserID) == "" {
		return fmt.Errorf("%w: missing user", ErrInvalidInput)
	}
	if err := d.ShippingAddress.validate(); err != nil {
		return err
	}
	if d.PaymentMethod == "" {
		return fmt.Errorf("%w: payment method is required", ErrInvalidInput)
	}
	return nil
}

// NewOrderNumber returns a human-readable number such as ORD-3F9A12BC.
func NewOrderNumber() string {
	return "ORD-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// AssembleOrder prices the draft against the catalog and discount state read
// inside the checkout transaction. It has no side effects; the caller commits
// the stock and usage changes implied by the returned order.
func AssembleOrder(draft OrderDraft, products map[string]Product, discount *DiscountCode, now time.Time) (Order, error) {
	if len(draft.Lines) == 0 {
		return Order{}, ErrEmptyCart
	}

	requested := make(map[string]int, len(draft.Lines))
	for _, line := range draft.Lines {
		if line.Quantity < 1 {
			return Order{}, fmt.Errorf("%w: cart item %s has quantity %d", ErrInvalidQuantity, line.ID, line.Quantity)
		}
		requested[line.ProductID] += line.Quantity
	}

	var shortages []StockShortage
	for _, id := range (CartLines{Lines: draft.Lines}).ProductIDs() {
		product, ok := products[id]
		if !ok {
			shortages = append(shortages, StockShortage{ProductID: id, Requested: requested[id]})
			continue
		}
		if !product.InStock(requested[id]) {
			shortages = append(shortages, StockShortage{
				ProductID: id,
				Name:      product.Name,
				Requested: requested[id],
				Available: product.StockQuantity,
			})
		}
	}
	if len(shortages) > 0 {
		return Order{}, &StockChangedError{Shortages: shortages}
	}

	order := Order{
		ID:              uuid.NewString(),
		OrderNumber:     NewOrderNumber(),
		UserID:          draft.UserID,
		Status:          OrderStatusPending,
		Items:           make([]OrderItem, 0, len(draft.Lines)),
		ShippingAddress: draft.ShippingAddress,
		PaymentMethod:   draft.PaymentMethod,
		Note:            draft.Note,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for _, line := range draft.Lines {
		product := products[line.ProductID]
		subtotal := product.Price * int64(line.Quantity)
		order.Items = append(order.Items, OrderItem{
			ID:          uuid.NewString(),
			ProductID:   product.ID,
			ProductName: product.Name,
			UnitPrice:   product.Price,
			Quantity:    line.Quantity,
			Subtotal:    subtotal,
		})
		order.OriginalAmount += subtotal
	}

	if draft.DiscountCode != "" {
		if discount == nil {
			return Order{}, UnknownDiscount(draft.DiscountCode)
		}
		amount, err := discount.Evaluate(order.OriginalAmount, now)
		if err != nil {
			return Order{}, err
		}
		order.DiscountCode = discount.Code
		order.DiscountAmount = amount
	}

	order.TotalAmount = max(0, order.OriginalAmount-order.DiscountAmount)
	return order, nil
}

// Quantities returns the ordered quantity per product.
func (o Order) Quantities() map[string]int {
	out := make(map[string]int, len(o.Items))
	for _, item := range o.Items {
		out[item.ProductID] += item.Quantity
	}
	return out
}

const (
	OrderEventCreated       = "order.created"
	OrderEventStatusChanged = "order.status.changed"
)

// OrderEvent is published for downstream consumers after a commit.
type OrderEvent struct {
	ID             string      `json:"id"`
	Type           string      `json:"type"`
	OrderID        string      `json:"orderId"`
	OrderNumber    string      `json:"orderNumber"`
	UserID         string      `json:"userId"`
	ActorID        string      `json:"actorId,omitempty"`
	PreviousStatus OrderStatus `json:"previousStatus,omitempty"`
	Status         OrderStatus `json:"status"`
	TotalAmount    int64       `json:"totalAmount"`
	OccurredAt     time.Time   `json:"occurredAt"`
}
