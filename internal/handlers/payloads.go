package handlers

import (
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/tillpoint/pos/internal/domain"
	"github.com/tillpoint/pos/internal/money"
	"github.com/tillpoint/pos/internal/services"
)

type linePayload struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	SKU       string `json:"sku,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unitPrice"`
	LineTotal string `json:"lineTotal"`
}

type totalsPayload struct {
	Subtotal string `json:"subtotal"`
	Discount string `json:"discount"`
	Tax      string `json:"tax"`
	Total    string `json:"total"`
	Display  string `json:"display,omitempty"`
}

type cartPayload struct {
	ID              string        `json:"id"`
	Phase           string        `json:"phase"`
	CustomerID      string        `json:"customerId,omitempty"`
	DiscountPercent string        `json:"discountPercent"`
	TaxRate         string        `json:"taxRate"`
	Items           []linePayload `json:"items"`
	ItemCount       int           `json:"itemCount"`
	Totals          totalsPayload `json:"totals"`
	LastSaleID      string        `json:"lastSaleId,omitempty"`
}

type paymentPayload struct {
	Type      string  `json:"type"`
	Amount    string  `json:"amount"`
	Tendered  *string `json:"tendered,omitempty"`
	Reference string  `json:"reference,omitempty"`
}

type salePayload struct {
	ID              string         `json:"id"`
	CustomerID      string         `json:"customerId,omitempty"`
	CashierID       string         `json:"cashierId,omitempty"`
	Items           []linePayload  `json:"items"`
	Subtotal        string         `json:"subtotal"`
	Discount        string         `json:"discount"`
	DiscountPercent string         `json:"discountPercent"`
	Tax             string         `json:"tax"`
	TaxRate         string         `json:"taxRate"`
	Total           string         `json:"total"`
	Payment         paymentPayload `json:"payment"`
	Status          string         `json:"status"`
	StatusReason    string         `json:"statusReason,omitempty"`
	CreatedAt       string         `json:"createdAt"`
	CompletedAt     string         `json:"completedAt,omitempty"`
	RefundedAt      string         `json:"refundedAt,omitempty"`
	CancelledAt     string         `json:"cancelledAt,omitempty"`
}

type productPayload struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	SKU         string `json:"sku,omitempty"`
	Category    string `json:"category,omitempty"`
	UnitPrice   string `json:"unitPrice"`
	UnitCost    string `json:"unitCost"`
	Stock       int    `json:"stock"`
	MinStock    int    `json:"minStock"`
	StockStatus string `json:"stockStatus"`
	StockValue  string `json:"stockValue"`
	Active      bool   `json:"active"`
	UpdatedAt   string `json:"updatedAt,omitempty"`
}

type adjustmentPayload struct {
	ID            string `json:"id"`
	ProductID     string `json:"productId"`
	Direction     string `json:"direction"`
	Quantity      int    `json:"quantity"`
	Reason        string `json:"reason"`
	PreviousStock int    `json:"previousStock"`
	NewStock      int    `json:"newStock"`
	Notes         string `json:"notes,omitempty"`
	Reference     string `json:"reference,omitempty"`
	ActorID       string `json:"actorId,omitempty"`
	CreatedAt     string `json:"createdAt"`
}

type customerPayload struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Email         string `json:"email,omitempty"`
	LoyaltyPoints int    `json:"loyaltyPoints"`
	TotalSpent    string `json:"totalSpent"`
	LastVisit     string `json:"lastVisit,omitempty"`
}

func amount(value decimal.Decimal) string {
	return money.Round(value).StringFixed(money.Scale)
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func optionalTimestamp(t *time.Time) string {
	if t == nil {
		return ""
	}
	return timestamp(*t)
}

func newLinePayloads(lines []domain.CartLine) []linePayload {
	out := make([]linePayload, 0, len(lines))
	for _, line := range lines {
		out = append(out, linePayload{
			ProductID: line.ProductID,
			Name:      line.Name,
			SKU:       line.SKU,
			Quantity:  line.Quantity,
			UnitPrice: amount(line.UnitPrice),
			LineTotal: amount(line.LineTotal),
		})
	}
	return out
}

func newTotalsPayload(totals money.Breakdown, currency string) totalsPayload {
	payload := totalsPayload{
		Subtotal: amount(totals.Subtotal),
		Discount: amount(totals.Discount),
		Tax:      amount(totals.Tax),
		Total:    amount(totals.Total),
	}
	if currency != "" {
		payload.Display = money.Format(totals.Total, currency)
	}
	return payload
}

func newCartPayload(cart *services.Cart, currency string) cartPayload {
	lines := cart.Lines()
	count := 0
	for _, line := range lines {
		count += line.Quantity
	}
	return cartPayload{
		ID:              cart.ID(),
		Phase:           string(cart.Phase()),
		CustomerID:      cart.Customer(),
		DiscountPercent: cart.DiscountPercent().String(),
		TaxRate:         cart.TaxRate().String(),
		Items:           newLinePayloads(lines),
		ItemCount:       count,
		Totals:          newTotalsPayload(cart.Totals(), currency),
		LastSaleID:      cart.LastSaleID(),
	}
}

func newPaymentPayload(payment domain.PaymentMethod) paymentPayload {
	out := paymentPayload{
		Type:      string(payment.Type),
		Amount:    amount(payment.Amount),
		Reference: payment.Reference,
	}
	if payment.Tendered != nil {
		tendered := amount(*payment.Tendered)
		out.Tendered = &tendered
	}
	return out
}

func newSalePayload(sale domain.Sale) salePayload {
	return salePayload{
		ID:              sale.ID,
		CustomerID:      sale.CustomerID,
		CashierID:       sale.CashierID,
		Items:           newLinePayloads(sale.Items),
		Subtotal:        amount(sale.Subtotal),
		Discount:        amount(sale.Discount),
		DiscountPercent: sale.DiscountPercent.String(),
		Tax:             amount(sale.Tax),
		TaxRate:         sale.TaxRate.String(),
		Total:           amount(sale.Total),
		Payment:         newPaymentPayload(sale.Payment),
		Status:          string(sale.Status),
		StatusReason:    sale.StatusReason,
		CreatedAt:       timestamp(sale.CreatedAt),
		CompletedAt:     optionalTimestamp(sale.CompletedAt),
		RefundedAt:      optionalTimestamp(sale.RefundedAt),
		CancelledAt:     optionalTimestamp(sale.CancelledAt),
	}
}

func newProductPayload(product domain.Product) productPayload {
	return productPayload{
		ID:          product.ID,
		Name:        product.Name,
		SKU:         product.SKU,
		Category:    product.Category,
		UnitPrice:   amount(product.UnitPrice),
		UnitCost:    amount(product.UnitCost),
		Stock:       product.Stock,
		MinStock:    product.MinStock,
		StockStatus: string(product.StockStatus()),
		StockValue:  amount(product.StockValue()),
		Active:      product.Active,
		UpdatedAt:   timestamp(product.UpdatedAt),
	}
}

func newAdjustmentPayload(adj domain.StockAdjustment) adjustmentPayload {
	return adjustmentPayload{
		ID:            adj.ID,
		ProductID:     adj.ProductID,
		Direction:     string(adj.Direction),
		Quantity:      adj.Quantity,
		Reason:        string(adj.Reason),
		PreviousStock: adj.PreviousStock,
		NewStock:      adj.NewStock,
		Notes:         adj.Notes,
		Reference:     adj.Reference,
		ActorID:       adj.ActorID,
		CreatedAt:     timestamp(adj.CreatedAt),
	}
}

func newCustomerPayload(customer domain.Customer) customerPayload {
	return customerPayload{
		ID:            customer.ID,
		Name:          customer.Name,
		Email:         customer.Email,
		LoyaltyPoints: customer.LoyaltyPoints,
		TotalSpent:    amount(customer.TotalSpent),
		LastVisit:     optionalTimestamp(customer.LastVisit),
	}
}
