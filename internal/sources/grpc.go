package sources

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"signal-core/internal/ensemble"
	"signal-core/internal/signal"
	"signal-core/pkg/logging"
)

const (
	// ServiceName is the remote probability service.
	ServiceName = "signal.ProbabilityService"
	// ScoreMethod is the full method path of the unary Score call.
	ScoreMethod = "/" + ServiceName + "/Score"
)

// ErrBadResponse is returned when a model answers with an unusable score.
var ErrBadResponse = errors.New("invalid score response")

// GRPCProvider asks a remote model for a score. Requests and responses are
// structpb.Struct messages so no generated stubs are needed on either side.
type GRPCProvider struct {
	name    string
	conn    *grpc.ClientConn
	timeout time.Duration
	log     logrus.FieldLogger
}

// NewGRPCProvider creates a lazily-connecting client for addr. Extra dial
// options are appended to the insecure transport default.
func NewGRPCProvider(name, addr string, timeout time.Duration, log logrus.FieldLogger, opts ...grpc.DialOption) (*GRPCProvider, error) {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s source at %s: %w", name, addr, err)
	}
	return &GRPCProvider{
		name:    name,
		conn:    conn,
		timeout: timeout,
		log:     logging.OrStandard(log).WithField("source", name),
	}, nil
}

func (g *GRPCProvider) Name() string { return g.name }

// Score sends the signal and reads probability and confidence back.
func (g *GRPCProvider) Score(ctx context.Context, sig signal.Signal) (ensemble.Score, error) {
	req, err := structpb.NewStruct(map[string]any{
		"source":       g.name,
		"symbol":       sig.Symbol,
		"action":       string(sig.Action),
		"price":        sig.Price,
		"timestamp_ms": float64(sig.Timestamp.UnixMilli()),
		"signal_hash":  sig.Hash,
	})
	if err != nil {
		return ensemble.Score{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, ScoreMethod, req, resp); err != nil {
		return ensemble.Score{}, err
	}
	g.log.WithField("latency", time.Since(start)).Debug("Score received")

	return decodeScore(g.name, resp)
}

// Close releases the connection.
func (g *GRPCProvider) Close() error {
	return g.conn.Close()
}

func decodeScore(name string, resp *structpb.Struct) (ensemble.Score, error) {
	fields := resp.GetFields()
	prob, ok := number(fields, "probability")
	if !ok {
		return ensemble.Score{}, fmt.Errorf("%w: probability missing", ErrBadResponse)
	}
	conf, ok := number(fields, "confidence")
	if !ok {
		return ensemble.Score{}, fmt.Errorf("%w: confidence missing", ErrBadResponse)
	}
	if prob < 0 || prob > 1 || conf < 0 || conf > 1 {
		return ensemble.Score{}, fmt.Errorf("%w: probability %.4f confidence %.4f out of range", ErrBadResponse, prob, conf)
	}
	return ensemble.Score{Name: name, Probability: prob, Confidence: conf}, nil
}

func number(fields map[string]*structpb.Value, key string) (float64, bool) {
	v, ok := fields[key]
	if !ok {
		return 0, false
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, false
	}
	return n.NumberValue, true
}
