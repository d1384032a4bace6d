package sources

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"signal-core/internal/ensemble"
	"signal-core/internal/indicators"
	"signal-core/internal/signal"
	"signal-core/pkg/logging"
	market "signal-core/pkg/market/binance"
)

func startServer(t *testing.T, srv ScoreServer) grpc.DialOption {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	s := grpc.NewServer()
	RegisterScoreServer(s, srv)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
}

func testSignal() signal.Signal {
	return signal.Signal{
		AccountID: "acct-1",
		Symbol:    "BTC-USDT",
		Action:    signal.ActionLong,
		Price:     50000,
		Timestamp: time.UnixMilli(1_700_000_000_000),
		Hash:      "abc",
	}
}

func fixedScore(prob, conf float64) ScoreFunc {
	return func(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
		return structpb.NewStruct(map[string]any{"probability": prob, "confidence": conf})
	}
}

func TestGRPCProviderScore(t *testing.T) {
	var got *structpb.Struct
	dial := startServer(t, ScoreFunc(func(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
		got = req
		return structpb.NewStruct(map[string]any{"probability": 0.8, "confidence": 0.7})
	}))

	p, err := NewGRPCProvider("lstm", "passthrough:///bufnet", time.Second, logging.Discard(), dial)
	require.NoError(t, err)
	defer p.Close()

	score, err := p.Score(context.Background(), testSignal())
	require.NoError(t, err)
	assert.Equal(t, ensemble.Score{Name: "lstm", Probability: 0.8, Confidence: 0.7}, score)

	require.NotNil(t, got)
	fields := got.AsMap()
	assert.Equal(t, "BTC-USDT", fields["symbol"])
	assert.Equal(t, "LONG", fields["action"])
	assert.Equal(t, "lstm", fields["source"])
	assert.Equal(t, float64(1_700_000_000_000), fields["timestamp_ms"])
}

func TestGRPCProviderRejectsBadScores(t *testing.T) {
	tests := []struct {
		name string
		resp map[string]any
	}{
		{"missing probability", map[string]any{"confidence": 0.5}},
		{"missing confidence", map[string]any{"probability": 0.5}},
		{"not a number", map[string]any{"probability": "high", "confidence": 0.5}},
		{"out of range", map[string]any{"probability": 1.2, "confidence": 0.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dial := startServer(t, ScoreFunc(func(context.Context, *structpb.Struct) (*structpb.Struct, error) {
				return structpb.NewStruct(tt.resp)
			}))
			p, err := NewGRPCProvider("lstm", "passthrough:///bufnet", time.Second, logging.Discard(), dial)
			require.NoError(t, err)
			defer p.Close()

			_, err = p.Score(context.Background(), testSignal())
			assert.ErrorIs(t, err, ErrBadResponse)
		})
	}
}

func TestGRPCProviderTimeout(t *testing.T) {
	dial := startServer(t, ScoreFunc(func(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	p, err := NewGRPCProvider("lstm", "passthrough:///bufnet", 50*time.Millisecond, logging.Discard(), dial)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Score(context.Background(), testSignal())
	require.Error(t, err)
	assert.Equal(t, codes.DeadlineExceeded, status.Code(err))
}

func TestCollectUsesPayloadWithoutProviders(t *testing.T) {
	reg, err := NewRegistry(logging.Discard())
	require.NoError(t, err)

	sig := testSignal()
	sig.Sources = []signal.SourceScore{{Name: "llm", Probability: 0.6, Confidence: 0.9}}

	scores, err := reg.Collect(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, []ensemble.Score{{Name: "llm", Probability: 0.6, Confidence: 0.9}}, scores)
}

func TestCollectMergesProvidersAndPayload(t *testing.T) {
	dial := startServer(t, fixedScore(0.8, 0.7))
	remote, err := NewGRPCProvider("lstm", "passthrough:///bufnet", time.Second, logging.Discard(), dial)
	require.NoError(t, err)
	defer remote.Close()

	reg, err := NewRegistry(logging.Discard(), remote, NewStatic("llm"))
	require.NoError(t, err)
	assert.Equal(t, []string{"llm", "lstm"}, reg.Names())

	sig := testSignal()
	sig.Sources = []signal.SourceScore{
		{Name: "llm", Probability: 0.6, Confidence: 0.9},
		{Name: "lstm", Probability: 0.1, Confidence: 0.1},
		{Name: "ta", Probability: 0.7, Confidence: 0.5},
	}

	scores, err := reg.Collect(context.Background(), sig)
	require.NoError(t, err)
	assert.Equal(t, []ensemble.Score{
		{Name: "llm", Probability: 0.6, Confidence: 0.9},
		{Name: "lstm", Probability: 0.8, Confidence: 0.7},
		{Name: "ta", Probability: 0.7, Confidence: 0.5},
	}, scores)
}

type failing struct{ name string }

func (f failing) Name() string { return f.name }

func (f failing) Score(context.Context, signal.Signal) (ensemble.Score, error) {
	return ensemble.Score{}, errors.New("model offline")
}

func TestCollectFailsOnAnyProviderError(t *testing.T) {
	reg, err := NewRegistry(logging.Discard(), NewStatic("llm"), failing{name: "lstm"})
	require.NoError(t, err)

	sig := testSignal()
	sig.Sources = []signal.SourceScore{{Name: "llm", Probability: 0.6, Confidence: 0.9}}

	_, err = reg.Collect(context.Background(), sig)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source lstm")
}

func TestStaticMissingScore(t *testing.T) {
	_, err := NewStatic("llm").Score(context.Background(), testSignal())
	assert.ErrorIs(t, err, ErrMissingScore)
}

func TestRegistryRejectsDuplicateNames(t *testing.T) {
	_, err := NewRegistry(logging.Discard(), NewStatic("llm"), NewStatic("llm"))
	assert.Error(t, err)
}

func TestFromConfig(t *testing.T) {
	opts := Options{Timeout: time.Second, Klines: &fakeKlines{}, Interval: "1h", Log: logging.Discard()}
	reg, closeAll, err := FromConfig(map[string]string{"lstm": "localhost:50051", "llm": PayloadAddr, "ta": TechnicalAddr}, opts)
	require.NoError(t, err)
	defer closeAll()
	assert.Equal(t, []string{"llm", "lstm", "ta"}, reg.Names())

	_, _, err = FromConfig(map[string]string{"ta": TechnicalAddr}, Options{Log: logging.Discard()})
	assert.Error(t, err)
}

type fakeKlines struct {
	step  float64
	calls int
	limit int
}

// Klines returns hourly candles ending one hour before now, plus one still
// forming, drifting by step per candle.
func (f *fakeKlines) Klines(_ context.Context, symbol, _ string, limit int) ([]market.Kline, error) {
	f.calls++
	f.limit = limit
	hour := int64(time.Hour / time.Millisecond)
	start := time.Now().Add(-time.Duration(limit-1) * time.Hour).UnixMilli()
	out := make([]market.Kline, 0, limit)
	price := 1000.0
	for i := 0; i < limit; i++ {
		// Alternate a two-step move with a one-step pullback.
		if i%2 == 0 {
			price += 2 * f.step
		} else {
			price -= f.step
		}
		open := start + int64(i)*hour
		out = append(out, market.Kline{
			Symbol: symbol, OpenTime: open, CloseTime: open + hour - 1,
			Open: price, High: price + 1, Low: price - 1, Close: price, Volume: 1,
		})
	}
	return out, nil
}

func TestTechnicalScoresDirection(t *testing.T) {
	up := &fakeKlines{step: 10}
	ta := NewTechnical("ta", up, "1h")

	long, err := ta.Score(context.Background(), testSignal())
	require.NoError(t, err)
	assert.Greater(t, long.Probability, 0.7)
	assert.Equal(t, "ta", long.Name)
	assert.Equal(t, indicators.DefaultTrend().Lookback()+1, up.limit)

	sig := testSignal()
	sig.Action = signal.ActionShort
	short, err := ta.Score(context.Background(), sig)
	require.NoError(t, err)
	assert.InDelta(t, 1-long.Probability, short.Probability, 1e-9)
	assert.InDelta(t, long.Confidence, short.Confidence, 1e-9)
}

func TestTechnicalRejectsExits(t *testing.T) {
	klines := &fakeKlines{step: 1}
	sig := testSignal()
	sig.Action = signal.ActionCloseAll

	_, err := NewTechnical("ta", klines, "").Score(context.Background(), sig)
	require.Error(t, err)
	assert.Zero(t, klines.calls)
}
