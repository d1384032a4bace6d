package common

import (
	"context"

	"signal-core/pkg/crypto"
)

// Adapter is the uniform contract over a derivatives venue. Implementations
// own their wire format and request signing; callers never branch on venue.
type Adapter interface {
	Venue() string
	GetBalance(ctx context.Context) (Balance, error)
	GetPositions(ctx context.Context, symbol string) ([]Position, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	PlaceMarketOrder(ctx context.Context, o MarketOrder) (OrderResult, error)
	PlaceStopOrder(ctx context.Context, o StopOrder) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

// OrderQuerier looks an order up by client order id. Returns ErrOrderNotFound
// when the venue has no such order.
type OrderQuerier interface {
	QueryOrder(ctx context.Context, symbol, clientID string) (OrderResult, error)
}

// Pinger is implemented by adapters that support a cheap health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// CredentialProvider yields decrypted credentials for a single signed call.
// The caller wipes the result as soon as the request is signed.
type CredentialProvider interface {
	Credentials(ctx context.Context) (crypto.Credentials, error)
}

// StaticCredentials serves fixed credentials. Each call returns a fresh copy.
type StaticCredentials struct {
	APIKey     string
	APISecret  string
	Passphrase string
}

// Credentials implements CredentialProvider.
func (s StaticCredentials) Credentials(context.Context) (crypto.Credentials, error) {
	c := crypto.Credentials{
		APIKey:    s.APIKey,
		APISecret: []byte(s.APISecret),
	}
	if s.Passphrase != "" {
		c.Passphrase = []byte(s.Passphrase)
	}
	return c, nil
}
