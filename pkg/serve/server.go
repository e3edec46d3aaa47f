// Package serve exposes a transform step over NATS request/reply.
//
// A request carries JSON rows. With a port named, every row runs through that
// port; without one, row i belongs to step input i as in a pipeline batch.
// The reply carries the produced rows and the per-row errors.
package serve

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/wehubfusion/Conduit/pkg/schema"
	"github.com/wehubfusion/Conduit/pkg/transform"
)

// Transformer is the step a server fronts; *transform.Step implements it
type Transformer interface {
	InputNames() []string
	InputSchema(name string) (*schema.ColumnSchema, bool)
	Transform(ctx context.Context, records []schema.Record) ([]schema.Record, error)
	TransformPort(ctx context.Context, name string, record schema.Record) (schema.Record, error)
}

var _ Transformer = (*transform.Step)(nil)

// Conn is the subset of *nats.Conn the server uses
type Conn interface {
	QueueSubscribe(subject, queue string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Config configures a Server
type Config struct {
	Subject        string        `mapstructure:"subject"`
	Queue          string        `mapstructure:"queue"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// Validate checks the server configuration
func (c *Config) Validate() error {
	if c.Subject == "" {
		return fmt.Errorf("subject is required")
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request timeout must not be negative")
	}
	return nil
}

// Server answers transform requests on a NATS subject. Servers sharing a
// queue group split the requests between them.
type Server struct {
	handler *Handler
	conn    Conn
	config  Config
	logger  *zap.Logger

	mu       sync.Mutex
	sub      *nats.Subscription
	inflight sync.WaitGroup
}

// NewServer creates a server for step
func NewServer(step Transformer, conn Conn, config Config, logger *zap.Logger) (*Server, error) {
	if step == nil {
		return nil, fmt.Errorf("step is required")
	}
	if conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("serve")
	return &Server{
		handler: NewHandler(step, config.RequestTimeout, logger),
		conn:    conn,
		config:  config,
		logger:  logger,
	}, nil
}

// Start subscribes to the configured subject. Requests are handled with ctx
// as their parent context.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return fmt.Errorf("server already started")
	}

	sub, err := s.conn.QueueSubscribe(s.config.Subject, s.config.Queue, func(msg *nats.Msg) {
		s.inflight.Add(1)
		defer s.inflight.Done()
		s.handleMsg(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.config.Subject, err)
	}
	s.sub = sub

	s.logger.Info("Serving transform requests",
		zap.String("subject", s.config.Subject),
		zap.String("queue", s.config.Queue))
	return nil
}

// Stop drains the subscription and waits for in-flight requests
func (s *Server) Stop() error {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub == nil {
		return nil
	}
	err := sub.Drain()
	s.inflight.Wait()
	if err != nil {
		return fmt.Errorf("failed to drain subscription: %w", err)
	}
	return nil
}

func (s *Server) handleMsg(ctx context.Context, msg *nats.Msg) {
	reply := s.handler.Handle(ctx, msg.Data)
	if msg.Reply == "" {
		s.logger.Warn("Dropping reply to request without reply subject", zap.String("subject", msg.Subject))
		return
	}
	if err := msg.Respond(reply); err != nil {
		s.logger.Error("Failed to respond", zap.String("reply", msg.Reply), zap.Error(err))
	}
}

// Handle runs one encoded request outside any subscription
func (s *Server) Handle(ctx context.Context, data []byte) []byte {
	return s.handler.Handle(ctx, data)
}
