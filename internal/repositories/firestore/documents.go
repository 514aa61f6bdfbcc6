package firestore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/tillpoint/pos/internal/domain"
)

const (
	productsCollection    = "products"
	customersCollection   = "customers"
	salesCollection       = "sales"
	saleKeysCollection    = "saleKeys"
	adjustmentsCollection = "stockAdjustments"
)

// Amounts are stored as decimal strings so that no value passes through binary floating point.

type productDocument struct {
	Name      string    `firestore:"name"`
	SKU       string    `firestore:"sku"`
	Category  string    `firestore:"category,omitempty"`
	UnitPrice string    `firestore:"unitPrice"`
	UnitCost  string    `firestore:"unitCost,omitempty"`
	Stock     int       `firestore:"stock"`
	MinStock  int       `firestore:"minStock"`
	Active    bool      `firestore:"active"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func newProductDocument(p domain.Product) productDocument {
	return productDocument{
		Name:      p.Name,
		SKU:       p.SKU,
		Category:  p.Category,
		UnitPrice: p.UnitPrice.String(),
		UnitCost:  encodeOptionalDecimal(p.UnitCost),
		Stock:     p.Stock,
		MinStock:  p.MinStock,
		Active:    p.Active,
		UpdatedAt: p.UpdatedAt.UTC(),
	}
}

func (d productDocument) toDomain(id string) (domain.Product, error) {
	price, err := decodeDecimal("unitPrice", d.UnitPrice)
	if err != nil {
		return domain.Product{}, err
	}
	cost, err := decodeDecimal("unitCost", d.UnitCost)
	if err != nil {
		return domain.Product{}, err
	}
	return domain.Product{
		ID:        id,
		Name:      d.Name,
		SKU:       d.SKU,
		Category:  d.Category,
		UnitPrice: price,
		UnitCost:  cost,
		Stock:     d.Stock,
		MinStock:  d.MinStock,
		Active:    d.Active,
		UpdatedAt: d.UpdatedAt.UTC(),
	}, nil
}

type customerDocument struct {
	Name          string     `firestore:"name"`
	Email         string     `firestore:"email,omitempty"`
	LoyaltyPoints int        `firestore:"loyaltyPoints"`
	TotalSpent    string     `firestore:"totalSpent"`
	LastVisit     *time.Time `firestore:"lastVisit,omitempty"`
}

func newCustomerDocument(c domain.Customer) customerDocument {
	return customerDocument{
		Name:          c.Name,
		Email:         c.Email,
		LoyaltyPoints: c.LoyaltyPoints,
		TotalSpent:    c.TotalSpent.String(),
		LastVisit:     utcPtr(c.LastVisit),
	}
}

func (d customerDocument) toDomain(id string) (domain.Customer, error) {
	spent, err := decodeDecimal("totalSpent", d.TotalSpent)
	if err != nil {
		return domain.Customer{}, err
	}
	return domain.Customer{
		ID:            id,
		Name:          d.Name,
		Email:         d.Email,
		LoyaltyPoints: d.LoyaltyPoints,
		TotalSpent:    spent,
		LastVisit:     utcPtr(d.LastVisit),
	}, nil
}

type saleLineDocument struct {
	ProductID string `firestore:"productId"`
	Name      string `firestore:"name"`
	SKU       string `firestore:"sku"`
	Quantity  int    `firestore:"quantity"`
	UnitPrice string `firestore:"unitPrice"`
	LineTotal string `firestore:"lineTotal"`
}

type paymentDocument struct {
	Type      string  `firestore:"type"`
	Amount    string  `firestore:"amount"`
	Tendered  *string `firestore:"tendered,omitempty"`
	Reference string  `firestore:"reference,omitempty"`
}

type saleDocument struct {
	IdempotencyKey  string             `firestore:"idempotencyKey,omitempty"`
	CustomerID      string             `firestore:"customerId,omitempty"`
	CashierID       string             `firestore:"cashierId,omitempty"`
	Items           []saleLineDocument `firestore:"items"`
	Subtotal        string             `firestore:"subtotal"`
	Discount        string             `firestore:"discount"`
	DiscountPercent string             `firestore:"discountPercent"`
	Tax             string             `firestore:"tax"`
	TaxRate         string             `firestore:"taxRate"`
	Total           string             `firestore:"total"`
	Payment         paymentDocument    `firestore:"payment"`
	PaymentType     string             `firestore:"paymentType"`
	Status          string             `firestore:"status"`
	StatusReason    string             `firestore:"statusReason,omitempty"`
	CreatedAt       time.Time          `firestore:"createdAt"`
	CompletedAt     *time.Time         `firestore:"completedAt,omitempty"`
	RefundedAt      *time.Time         `firestore:"refundedAt,omitempty"`
	CancelledAt     *time.Time         `firestore:"cancelledAt,omitempty"`
}

func newSaleDocument(s domain.Sale) saleDocument {
	items := make([]saleLineDocument, 0, len(s.Items))
	for _, line := range s.Items {
		items = append(items, saleLineDocument{
			ProductID: line.ProductID,
			Name:      line.Name,
			SKU:       line.SKU,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice.String(),
			LineTotal: line.LineTotal.String(),
		})
	}
	payment := paymentDocument{
		Type:      string(s.Payment.Type),
		Amount:    s.Payment.Amount.String(),
		Reference: s.Payment.Reference,
	}
	if s.Payment.Tendered != nil {
		tendered := s.Payment.Tendered.String()
		payment.Tendered = &tendered
	}
	return saleDocument{
		IdempotencyKey:  s.IdempotencyKey,
		CustomerID:      s.CustomerID,
		CashierID:       s.CashierID,
		Items:           items,
		Subtotal:        s.Subtotal.String(),
		Discount:        s.Discount.String(),
		DiscountPercent: s.DiscountPercent.String(),
		Tax:             s.Tax.String(),
		TaxRate:         s.TaxRate.String(),
		Total:           s.Total.String(),
		Payment:         payment,
		PaymentType:     string(s.Payment.Type),
		Status:          string(s.Status),
		StatusReason:    s.StatusReason,
		CreatedAt:       s.CreatedAt.UTC(),
		CompletedAt:     utcPtr(s.CompletedAt),
		RefundedAt:      utcPtr(s.RefundedAt),
		CancelledAt:     utcPtr(s.CancelledAt),
	}
}

func (d saleDocument) toDomain(id string) (domain.Sale, error) {
	var (
		sale = domain.Sale{
			ID:             id,
			IdempotencyKey: d.IdempotencyKey,
			CustomerID:     d.CustomerID,
			CashierID:      d.CashierID,
			Status:         domain.SaleStatus(d.Status),
			StatusReason:   d.StatusReason,
			CreatedAt:      d.CreatedAt.UTC(),
			CompletedAt:    utcPtr(d.CompletedAt),
			RefundedAt:     utcPtr(d.RefundedAt),
			CancelledAt:    utcPtr(d.CancelledAt),
		}
		err error
	)
	amounts := []struct {
		field  string
		raw    string
		target *decimal.Decimal
	}{
		{"subtotal", d.Subtotal, &sale.Subtotal},
		{"discount", d.Discount, &sale.Discount},
		{"discountPercent", d.DiscountPercent, &sale.DiscountPercent},
		{"tax", d.Tax, &sale.Tax},
		{"taxRate", d.TaxRate, &sale.TaxRate},
		{"total", d.Total, &sale.Total},
		{"payment.amount", d.Payment.Amount, &sale.Payment.Amount},
	}
	for _, amount := range amounts {
		if *amount.target, err = decodeDecimal(amount.field, amount.raw); err != nil {
			return domain.Sale{}, err
		}
	}

	sale.Payment.Type = domain.PaymentType(d.Payment.Type)
	sale.Payment.Reference = d.Payment.Reference
	if d.Payment.Tendered != nil {
		tendered, err := decodeDecimal("payment.tendered", *d.Payment.Tendered)
		if err != nil {
			return domain.Sale{}, err
		}
		sale.Payment.Tendered = &tendered
	}

	sale.Items = make([]domain.CartLine, 0, len(d.Items))
	for i, item := range d.Items {
		price, err := decodeDecimal(fmt.Sprintf("items[%d].unitPrice", i), item.UnitPrice)
		if err != nil {
			return domain.Sale{}, err
		}
		total, err := decodeDecimal(fmt.Sprintf("items[%d].lineTotal", i), item.LineTotal)
		if err != nil {
			return domain.Sale{}, err
		}
		sale.Items = append(sale.Items, domain.CartLine{
			ProductID: item.ProductID,
			Name:      item.Name,
			SKU:       item.SKU,
			Quantity:  item.Quantity,
			UnitPrice: price,
			LineTotal: total,
		})
	}
	return sale, nil
}

type saleKeyDocument struct {
	Key       string    `firestore:"key"`
	SaleID    string    `firestore:"saleId"`
	CreatedAt time.Time `firestore:"createdAt"`
}

// saleKeyID hashes an idempotency key into a valid document id.
func saleKeyID(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}

type adjustmentDocument struct {
	ProductID     string    `firestore:"productId"`
	Direction     string    `firestore:"direction"`
	Quantity      int       `firestore:"quantity"`
	Reason        string    `firestore:"reason"`
	PreviousStock int       `firestore:"previousStock"`
	NewStock      int       `firestore:"newStock"`
	Notes         string    `firestore:"notes,omitempty"`
	Reference     string    `firestore:"reference,omitempty"`
	ActorID       string    `firestore:"actorId,omitempty"`
	CreatedAt     time.Time `firestore:"createdAt"`
}

func newAdjustmentDocument(a domain.StockAdjustment) adjustmentDocument {
	return adjustmentDocument{
		ProductID:     a.ProductID,
		Direction:     string(a.Direction),
		Quantity:      a.Quantity,
		Reason:        string(a.Reason),
		PreviousStock: a.PreviousStock,
		NewStock:      a.NewStock,
		Notes:         a.Notes,
		Reference:     a.Reference,
		ActorID:       a.ActorID,
		CreatedAt:     a.CreatedAt.UTC(),
	}
}

func (d adjustmentDocument) toDomain(id string) domain.StockAdjustment {
	return domain.StockAdjustment{
		ID:            id,
		ProductID:     d.ProductID,
		Direction:     domain.AdjustmentDirection(d.Direction),
		Quantity:      d.Quantity,
		Reason:        domain.AdjustmentReason(d.Reason),
		PreviousStock: d.PreviousStock,
		NewStock:      d.NewStock,
		Notes:         d.Notes,
		Reference:     d.Reference,
		ActorID:       d.ActorID,
		CreatedAt:     d.CreatedAt.UTC(),
	}
}

func decodeDecimal(field, raw string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, nil
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, fmt.Errorf("decode %s: %w", field, err)
	}
	return value, nil
}

func encodeOptionalDecimal(value decimal.Decimal) string {
	if value.IsZero() {
		return ""
	}
	return value.String()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
