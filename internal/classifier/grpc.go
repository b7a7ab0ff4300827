package classifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/af-corp/aegis-orchestrator/internal/config"
	"github.com/af-corp/aegis-orchestrator/internal/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

const classifyMethod = "/classifier.v1.Classifier/Classify"

// GRPCClassifier is a Learned classifier backed by a model sidecar. Requests
// and responses are google.protobuf.Struct messages:
//
//	request:  {"text": "...", "recent": ["...", ...]}
//	response: {"label": "code", "confidence": 0.93}
type GRPCClassifier struct {
	mu   sync.RWMutex
	conn *grpc.ClientConn
	cfg  func() config.ClassifierConfig
}

// NewGRPCClassifier creates a client. Call Connect to establish the gRPC connection.
func NewGRPCClassifier(cfg func() config.ClassifierConfig) *GRPCClassifier {
	return &GRPCClassifier{cfg: cfg}
}

// Connect establishes the gRPC connection to the classifier sidecar.
func (c *GRPCClassifier) Connect() error {
	cfg := c.cfg()
	if cfg.LearnedAddress == "" {
		return errors.New("classifier address not configured")
	}
	conn, err := grpc.NewClient(cfg.LearnedAddress,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return fmt.Errorf("classifier dial: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	slog.Info("learned classifier connected", "address", cfg.LearnedAddress)
	return nil
}

func (c *GRPCClassifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

func (c *GRPCClassifier) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

func (c *GRPCClassifier) Classify(ctx context.Context, input string, recent []string) (types.TaskType, float64, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return "", 0, errors.New("classifier not connected")
	}

	req, err := newClassifyRequest(input, recent)
	if err != nil {
		return "", 0, err
	}
	resp := &structpb.Struct{}
	if err := conn.Invoke(ctx, classifyMethod, req, resp); err != nil {
		return "", 0, fmt.Errorf("invoke classifier: %w", err)
	}
	return parseClassifyResponse(resp)
}

func newClassifyRequest(input string, recent []string) (*structpb.Struct, error) {
	items := make([]any, len(recent))
	for i, r := range recent {
		items[i] = r
	}
	req, err := structpb.NewStruct(map[string]any{
		"text":   input,
		"recent": items,
	})
	if err != nil {
		return nil, fmt.Errorf("build classify request: %w", err)
	}
	return req, nil
}

func parseClassifyResponse(resp *structpb.Struct) (types.TaskType, float64, error) {
	fields := resp.GetFields()
	label := fields["label"].GetStringValue()
	if label == "" {
		return "", 0, errors.New("classifier response missing label")
	}
	return types.TaskType(label), fields["confidence"].GetNumberValue(), nil
}
