package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"signal-core/pkg/exchanges/common"
	"signal-core/pkg/logging"
)

// MarkUpdate is one entry of the mark price stream.
type MarkUpdate struct {
	Symbol string // canonical pair
	Price  float64
	Time   int64 // event time (ms)
}

// MarkSink receives streamed marks.
type MarkSink interface {
	StoreMark(symbol string, price float64)
}

// MarkStream follows the all-market mark price stream and pushes every
// update into a sink, reconnecting until its context ends.
type MarkStream struct {
	StreamURL  string
	dialer     *websocket.Dialer
	sink       MarkSink
	log        logrus.FieldLogger
	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewMarkStream builds a stream; testnet toggles the host.
func NewMarkStream(testnet bool, sink MarkSink, log logrus.FieldLogger) *MarkStream {
	host := "fstream.binance.com"
	if testnet {
		host = "stream.binancefuture.com"
	}
	return &MarkStream{
		StreamURL:  (&url.URL{Scheme: "wss", Host: host, Path: "/ws/!markPrice@arr@1s"}).String(),
		dialer:     websocket.DefaultDialer,
		sink:       sink,
		log:        logging.OrStandard(log).WithField("component", "mark-stream"),
		minBackoff: time.Second,
		maxBackoff: time.Minute,
	}
}

// Start runs the stream in the background.
func (s *MarkStream) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *MarkStream) run(ctx context.Context) {
	backoff := s.minBackoff
	for {
		received, err := s.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		if received > 0 {
			backoff = s.minBackoff
		}
		s.log.WithError(err).WithField("retry_in", backoff).Warn("Mark stream disconnected")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, s.maxBackoff)
	}
}

// consume reads one connection until it fails and returns how many frames
// it delivered.
func (s *MarkStream) consume(ctx context.Context) (int, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.StreamURL, nil)
	if err != nil {
		return 0, fmt.Errorf("dial binance mark stream: %w", err)
	}
	defer conn.Close()

	// Unblocks ReadMessage on shutdown.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		case <-done:
		}
	}()

	frames := 0
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return frames, errors.New("closed by server")
			}
			return frames, err
		}
		updates, err := parseMarkPrices(msg)
		if err != nil {
			s.log.WithError(err).Debug("Mark stream frame skipped")
			continue
		}
		for _, u := range updates {
			s.sink.StoreMark(u.Symbol, u.Price)
		}
		frames++
	}
}

// parseMarkPrices decodes a markPriceUpdate array. Entries whose symbol has
// no canonical form or whose price is not positive are dropped.
func parseMarkPrices(msg []byte) ([]MarkUpdate, error) {
	var raw []struct {
		Symbol    string `json:"s"`
		Mark      any    `json:"p"`
		EventTime any    `json:"E"`
	}
	if err := json.Unmarshal(msg, &raw); err != nil {
		return nil, err
	}
	out := make([]MarkUpdate, 0, len(raw))
	for _, r := range raw {
		sym, err := common.NormalizeSymbol(r.Symbol)
		if err != nil {
			continue
		}
		price := toFloat(r.Mark)
		if price <= 0 {
			continue
		}
		out = append(out, MarkUpdate{Symbol: sym, Price: price, Time: toInt64(r.EventTime)})
	}
	return out, nil
}
