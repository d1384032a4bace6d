package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"signal-core/pkg/crypto"
	"signal-core/pkg/db"
	futusdt "signal-core/pkg/exchanges/binance/futures_usdt"
	"signal-core/pkg/exchanges/common"
	"signal-core/pkg/exchanges/okx/swap"
	"signal-core/pkg/exchanges/paper"
	"signal-core/pkg/logging"
)

// VaultCredentials opens an account's sealed credential bundle on every
// call. Nothing decrypted is retained between calls.
type VaultCredentials struct {
	Vault      crypto.Vault
	Ciphertext string
}

// Credentials implements common.CredentialProvider.
func (v VaultCredentials) Credentials(context.Context) (crypto.Credentials, error) {
	c, err := crypto.OpenCredentials(v.Vault, v.Ciphertext)
	if err != nil {
		return crypto.Credentials{}, fmt.Errorf("open credentials: %w", err)
	}
	return c, nil
}

// Factory builds adapters for accounts. It is the only place that branches
// on the exchange kind.
type Factory struct {
	Vault   crypto.Vault
	Timeout time.Duration
	// DryRun routes every account to a paper venue.
	DryRun bool
	// Testnet forces sandbox endpoints regardless of the account flag.
	Testnet bool
	Paper   paper.Config
	Prices  paper.PriceSource
	Log     logrus.FieldLogger

	// Paper venues hold simulated balances, so one instance per account
	// outlives pool eviction.
	mu     sync.Mutex
	papers map[string]*paper.Exchange
	// Server clocks are per endpoint, shared by every account on it.
	ctx    context.Context
	clocks map[bool]*common.TimeSync
}

// Start lets server clocks created from now on keep themselves in sync until
// ctx is done.
func (f *Factory) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ctx = ctx
	for _, clock := range f.clocks {
		go clock.Start(ctx)
	}
}

// New returns an adapter for acct.
func (f *Factory) New(acct db.Account) (common.Adapter, error) {
	log := logging.OrStandard(f.Log).WithFields(logrus.Fields{
		"account_id": acct.ID,
		"exchange":   acct.ExchangeKind,
	})
	if f.DryRun || acct.ExchangeKind == db.ExchangePaper {
		if f.Prices == nil {
			return nil, fmt.Errorf("paper venue for %s: no price source", acct.ID)
		}
		return f.paperFor(acct.ID, log), nil
	}

	creds := VaultCredentials{Vault: f.Vault, Ciphertext: acct.CredentialsEncrypted}
	sandbox := acct.Sandbox || f.Testnet

	switch acct.ExchangeKind {
	case db.ExchangeBinanceUSDT:
		cfg := futusdt.Config{Testnet: sandbox, Timeout: f.Timeout}
		cfg.Clock = f.binanceClock(cfg)
		return futusdt.NewClient(cfg, creds, log), nil
	case db.ExchangeOKXSwap:
		return swap.NewClient(swap.Config{Sandbox: sandbox, Timeout: f.Timeout}, creds, log), nil
	default:
		return nil, fmt.Errorf("unsupported exchange kind: %s", acct.ExchangeKind)
	}
}

func (f *Factory) paperFor(accountID string, log logrus.FieldLogger) *paper.Exchange {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.papers == nil {
		f.papers = make(map[string]*paper.Exchange)
	}
	ex, ok := f.papers[accountID]
	if !ok {
		ex = paper.New(f.Paper, f.Prices, log)
		f.papers[accountID] = ex
	}
	return ex
}

func (f *Factory) binanceClock(cfg futusdt.Config) *common.TimeSync {
	f.mu.Lock()
	defer f.mu.Unlock()
	if clock, ok := f.clocks[cfg.Testnet]; ok {
		return clock
	}
	if f.clocks == nil {
		f.clocks = make(map[bool]*common.TimeSync)
	}
	clock := futusdt.NewServerClock(cfg, logging.OrStandard(f.Log))
	f.clocks[cfg.Testnet] = clock
	if f.ctx != nil {
		go clock.Start(f.ctx)
	}
	return clock
}

// OnMark feeds a mark price to the account's paper venue, if it has one,
// so resting stop and take-profit orders can trigger. Returns the number of
// orders triggered.
func (f *Factory) OnMark(accountID, symbol string, mark float64) int {
	f.mu.Lock()
	ex, ok := f.papers[accountID]
	f.mu.Unlock()
	if !ok {
		return 0
	}
	return ex.OnMark(symbol, mark)
}
