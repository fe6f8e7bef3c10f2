// Package payment provides Stripe integration for payment processing and Connect onboarding.
package payment

import (
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/account"
	"github.com/stripe/stripe-go/v81/accountlink"
	"github.com/stripe/stripe-go/v81/paymentintent"
	"github.com/stripe/stripe-go/v81/transfer"
)

// IntentParams represents parameters for creating a PaymentIntent.
type IntentParams struct {
	Amount   int64  // Minor currency units
	Currency string // ISO 4217 code, normalized to lower case before the call
	Metadata IntentMetadata
}

// TransferParams represents parameters for releasing held funds to a host's
// connected account.
type TransferParams struct {
	Amount      int64
	Currency    string
	Destination string // Connected account id (acct_...)
}

// Client is an interface for Stripe operations to enable testing with mocks.
type Client interface {
	CreatePaymentIntent(params *IntentParams) (*stripe.PaymentIntent, error)
	GetPaymentIntent(id string) (*stripe.PaymentIntent, error)
	GetAccount(id string) (*stripe.Account, error)
	CreateTransfer(params *TransferParams) (*stripe.Transfer, error)
	CreateConnectAccount() (*stripe.Account, error)
	CreateAccountLink(accountID, returnURL, refreshURL string) (*stripe.AccountLink, error)
}

// StripeClient implements the Client interface using the real Stripe SDK.
type StripeClient struct{}

// NewStripeClient creates a new Stripe client with the given API key.
func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{}
}

// CreatePaymentIntent creates a PaymentIntent carrying the fee split and
// reservation identity in its metadata. The webhook processor reads the
// metadata back when the intent reaches a terminal state.
func (c *StripeClient) CreatePaymentIntent(params *IntentParams) (*stripe.PaymentIntent, error) {
	piParams := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(params.Amount),
		Currency: stripe.String(strings.ToLower(params.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	for k, v := range params.Metadata.ToMap() {
		piParams.AddMetadata(k, v)
	}

	return paymentintent.New(piParams)
}

// GetPaymentIntent retrieves a PaymentIntent by id.
func (c *StripeClient) GetPaymentIntent(id string) (*stripe.PaymentIntent, error) {
	return paymentintent.Get(id, nil)
}

// GetAccount retrieves a connected account by id.
func (c *StripeClient) GetAccount(id string) (*stripe.Account, error) {
	return account.GetByID(id, nil)
}

// CreateTransfer moves held funds to a host's connected account.
func (c *StripeClient) CreateTransfer(params *TransferParams) (*stripe.Transfer, error) {
	tParams := &stripe.TransferParams{
		Amount:      stripe.Int64(params.Amount),
		Currency:    stripe.String(strings.ToLower(params.Currency)),
		Destination: stripe.String(params.Destination),
	}

	return transfer.New(tParams)
}

// CreateConnectAccount creates a new Stripe Connect Express account for a host.
func (c *StripeClient) CreateConnectAccount() (*stripe.Account, error) {
	params := &stripe.AccountParams{
		Type: stripe.String(string(stripe.AccountTypeExpress)),
	}

	return account.New(params)
}

// CreateAccountLink creates an account onboarding link for a Stripe Connect account.
func (c *StripeClient) CreateAccountLink(accountID, returnURL, refreshURL string) (*stripe.AccountLink, error) {
	params := &stripe.AccountLinkParams{
		Account:    stripe.String(accountID),
		ReturnURL:  stripe.String(returnURL),
		RefreshURL: stripe.String(refreshURL),
		Type:       stripe.String("account_onboarding"),
	}

	return accountlink.New(params)
}
