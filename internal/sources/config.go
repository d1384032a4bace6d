package sources

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Reserved addresses for sources that are not remote services.
const (
	// PayloadAddr reads the score embedded in the webhook payload.
	PayloadAddr = "payload"
	// TechnicalAddr computes the score from recent klines.
	TechnicalAddr = "technical"
)

// Options configures the providers FromConfig builds.
type Options struct {
	Timeout time.Duration
	// Klines backs technical sources; without it they are rejected.
	Klines   KlineSource
	Interval string
	Log      logrus.FieldLogger
}

// FromConfig builds providers for name -> address pairs. The returned close
// func releases every gRPC connection.
func FromConfig(addrs map[string]string, opts Options) (*Registry, func(), error) {
	var (
		providers []Provider
		conns     []*GRPCProvider
	)
	closeAll := func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}
	for name, addr := range addrs {
		switch addr {
		case PayloadAddr:
			providers = append(providers, NewStatic(name))
			continue
		case TechnicalAddr:
			if opts.Klines == nil {
				closeAll()
				return nil, nil, fmt.Errorf("source %s: technical scoring needs a kline source", name)
			}
			providers = append(providers, NewTechnical(name, opts.Klines, opts.Interval))
			continue
		}
		p, err := NewGRPCProvider(name, addr, opts.Timeout, opts.Log)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		conns = append(conns, p)
		providers = append(providers, p)
	}
	reg, err := NewRegistry(opts.Log, providers...)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	return reg, closeAll, nil
}
