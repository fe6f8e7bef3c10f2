package api

import (
	"errors"

	"github.com/firesidehq/fireside-payments/internal/payment"
	"github.com/stripe/stripe-go/v81"
)

// fakeStripeClient implements payment.Client for handler tests. Unset
// functions return a sensible default instead of panicking.
type fakeStripeClient struct {
	createIntentFunc  func(params *payment.IntentParams) (*stripe.PaymentIntent, error)
	getIntentFunc     func(id string) (*stripe.PaymentIntent, error)
	getAccountFunc    func(id string) (*stripe.Account, error)
	createTransferFn  func(params *payment.TransferParams) (*stripe.Transfer, error)
	createAccountFunc func() (*stripe.Account, error)
	createLinkFunc    func(accountID, returnURL, refreshURL string) (*stripe.AccountLink, error)

	createIntentCalls   int
	createAccountCalls  int
	createTransferCalls int
}

func (f *fakeStripeClient) CreatePaymentIntent(params *payment.IntentParams) (*stripe.PaymentIntent, error) {
	f.createIntentCalls++
	if f.createIntentFunc != nil {
		return f.createIntentFunc(params)
	}
	return &stripe.PaymentIntent{
		ID:           "pi_fake",
		ClientSecret: "pi_fake_secret",
		Amount:       params.Amount,
	}, nil
}

func (f *fakeStripeClient) GetPaymentIntent(id string) (*stripe.PaymentIntent, error) {
	if f.getIntentFunc != nil {
		return f.getIntentFunc(id)
	}
	return &stripe.PaymentIntent{ID: id, Status: stripe.PaymentIntentStatusSucceeded}, nil
}

func (f *fakeStripeClient) GetAccount(id string) (*stripe.Account, error) {
	if f.getAccountFunc != nil {
		return f.getAccountFunc(id)
	}
	return &stripe.Account{ID: id}, nil
}

func (f *fakeStripeClient) CreateTransfer(params *payment.TransferParams) (*stripe.Transfer, error) {
	f.createTransferCalls++
	if f.createTransferFn != nil {
		return f.createTransferFn(params)
	}
	return &stripe.Transfer{ID: "tr_fake", Amount: params.Amount}, nil
}

func (f *fakeStripeClient) CreateConnectAccount() (*stripe.Account, error) {
	f.createAccountCalls++
	if f.createAccountFunc != nil {
		return f.createAccountFunc()
	}
	return &stripe.Account{ID: "acct_fake"}, nil
}

func (f *fakeStripeClient) CreateAccountLink(accountID, returnURL, refreshURL string) (*stripe.AccountLink, error) {
	if f.createLinkFunc != nil {
		return f.createLinkFunc(accountID, returnURL, refreshURL)
	}
	return &stripe.AccountLink{URL: "https://connect.stripe.com/setup/s/fake"}, nil
}

var errStripeDown = errors.New("stripe unavailable")
