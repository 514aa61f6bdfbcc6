// Package payments confirms and refunds card payments with the card processor.
package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	"github.com/tillpoint/pos/internal/money"
	"github.com/tillpoint/pos/internal/services"
)

const paymentIntentPrefix = "pi_"

// StripeLogger defines the logging contract for Stripe operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeClients struct {
	intents stripePaymentIntentAPI
	refunds stripeRefundAPI
}

// StripeGatewayConfig configures the StripeGateway.
type StripeGatewayConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    StripeLogger
	clients   *stripeClients
}

// StripeGateway checks card terminal payments against Stripe Payment Intents.
// References that are not Payment Intent ids are treated as offline card slips.
type StripeGateway struct {
	api     stripeClients
	account string
	logger  StripeLogger
}

var (
	_ services.CardVerifier = (*StripeGateway)(nil)
	_ services.CardRefunder = (*StripeGateway)(nil)
)

// NewStripeGateway constructs a gateway using the given configuration.
func NewStripeGateway(cfg StripeGatewayConfig) (*StripeGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.clients != nil {
		clients = *cfg.clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			intents: sc.PaymentIntents,
			refunds: sc.Refunds,
		}
	}
	if clients.intents == nil || clients.refunds == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &StripeGateway{
		api:     clients,
		account: strings.TrimSpace(cfg.AccountID),
		logger:  logger,
	}, nil
}

// VerifyCardPayment confirms that the referenced Payment Intent captured the
// sale total. Anything else is a decline.
func (g *StripeGateway) VerifyCardPayment(ctx context.Context, req services.CardVerification) error {
	if g == nil {
		return errors.New("stripe: gateway is nil")
	}
	ref := strings.TrimSpace(req.Reference)
	if !strings.HasPrefix(ref, paymentIntentPrefix) {
		return fmt.Errorf("%w: reference %q is not a payment intent", services.ErrPaymentDeclined, ref)
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	intent, err := g.api.intents.Get(ref, params)
	if err != nil {
		if isMissing(err) {
			return fmt.Errorf("%w: payment intent %s not found", services.ErrPaymentDeclined, ref)
		}
		return fmt.Errorf("stripe: lookup payment intent: %w", err)
	}

	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded, stripe.PaymentIntentStatusRequiresCapture:
	default:
		return fmt.Errorf("%w: payment intent %s is %s", services.ErrPaymentDeclined, ref, intent.Status)
	}
	if want := money.ToMinor(req.Amount); intent.Amount != want {
		return fmt.Errorf("%w: payment intent %s amount %d does not match %d", services.ErrPaymentDeclined, ref, intent.Amount, want)
	}
	if currency := strings.ToLower(strings.TrimSpace(req.Currency)); currency != "" && string(intent.Currency) != "" && string(intent.Currency) != currency {
		return fmt.Errorf("%w: payment intent %s currency %s does not match %s", services.ErrPaymentDeclined, ref, intent.Currency, currency)
	}

	g.logger(ctx, "payments.stripe.intent.verified", map[string]any{
		"paymentIntent": ref,
		"status":        string(intent.Status),
		"amount":        intent.Amount,
	})
	return nil
}

// RefundCardPayment refunds the sale total on its Payment Intent. The sale id
// keys the request, so a repeated refund for the same sale is a no-op.
func (g *StripeGateway) RefundCardPayment(ctx context.Context, req services.CardRefund) error {
	if g == nil {
		return errors.New("stripe: gateway is nil")
	}
	ref := strings.TrimSpace(req.Reference)
	if !strings.HasPrefix(ref, paymentIntentPrefix) {
		g.logger(ctx, "payments.stripe.refund.skipped", map[string]any{"saleId": req.SaleID, "reference": ref})
		return nil
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(ref),
		Amount:        stripe.Int64(money.ToMinor(req.Amount)),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	params.Context = ctx
	params.SetIdempotencyKey("refund-" + strings.TrimSpace(req.SaleID))
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	params.AddMetadata("saleId", req.SaleID)
	if reason := strings.TrimSpace(req.Reason); reason != "" {
		params.AddMetadata("reason", reason)
	}

	if _, err := g.api.refunds.New(params); err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodeChargeAlreadyRefunded {
			return nil
		}
		return fmt.Errorf("stripe: refund payment intent: %w", err)
	}
	g.logger(ctx, "payments.stripe.intent.refunded", map[string]any{
		"paymentIntent": ref,
		"saleId":        req.SaleID,
	})
	return nil
}

func isMissing(err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return false
	}
	return stripeErr.Code == stripe.ErrorCodeResourceMissing || stripeErr.HTTPStatusCode == http.StatusNotFound
}
