package discoverylog

import (
	"context"
	"log/slog"

	"github.com/c360/mbp/errors"
	"github.com/c360/mbp/metric"
)

// MaxPageSize bounds Page requests.
const MaxPageSize = 1000

// Log names
const (
	LogDiscovery         = "discovery"
	LogDynamicDeployment = "dynamic_deployment"
)

// Deployments tells whether a dynamic deployment exists.
type Deployments interface {
	Exists(ctx context.Context, id string) (bool, error)
}

// Service reads and writes one log kind. Writes and reads for unknown
// dynamic deployments are rejected.
type Service struct {
	name        string
	store       Store
	storeName   string
	deployments Deployments
	logger      *slog.Logger
	metrics     *metric.Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records appends per store.
func WithMetrics(m *metric.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates the service for the log called name.
func NewService(name string, store Store, deployments Deployments, opts ...Option) *Service {
	s := &Service{
		name:        name,
		store:       store,
		storeName:   storeName(store),
		deployments: deployments,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "discovery-log", "log", name)
	return s
}

// Name returns the log name.
func (s *Service) Name() string { return s.name }

// AddEntry adds e to the log of a dynamic deployment. Adding an entry twice
// keeps one copy.
func (s *Service) AddEntry(ctx context.Context, deploymentID string, e *Entry) error {
	if e == nil {
		return errors.WrapInvalid(errors.ErrNilArgument, "Service", "AddEntry", "entry check")
	}
	if err := e.Validate(); err != nil {
		return err
	}
	if err := s.checkDeployment(ctx, deploymentID, "AddEntry"); err != nil {
		return err
	}
	err := s.store.AddEntry(ctx, deploymentID, e)
	s.metrics.RecordLogAppend(s.storeName, err)
	if err != nil {
		s.logger.Error("Failed to add log entry", "dynamic_deployment", deploymentID, "task", e.TaskName, "error", err)
		return err
	}
	return nil
}

// Append adds a finished entry holding a single message.
func (s *Service) Append(ctx context.Context, deploymentID string, trigger Trigger, taskName string, typ MessageType, text string) error {
	return s.AddEntry(ctx, deploymentID, NewEntry(trigger, taskName).Add(typ, text).Finish())
}

// Entries returns the log of a dynamic deployment ordered by start time.
func (s *Service) Entries(ctx context.Context, deploymentID string) ([]*Entry, error) {
	if err := s.checkDeployment(ctx, deploymentID, "Entries"); err != nil {
		return nil, err
	}
	return s.store.Entries(ctx, deploymentID)
}

// Page returns a zero-based page of the log and the total entry count.
func (s *Service) Page(ctx context.Context, deploymentID string, number, size int) ([]*Entry, int, error) {
	_, inRange := pageStart(number, max(size, 1))
	if !inRange || size < 1 || size > MaxPageSize {
		v := errors.NewValidationError("invalid page request")
		switch {
		case number < 0:
			v.Add("page", "The page number must not be negative.")
		case !inRange:
			v.Add("page", "The page number is out of range.")
		}
		if size < 1 || size > MaxPageSize {
			v.Addf("size", "The page size must be between 1 and %d.", MaxPageSize)
		}
		return nil, 0, v
	}
	if err := s.checkDeployment(ctx, deploymentID, "Page"); err != nil {
		return nil, 0, err
	}
	return s.store.Page(ctx, deploymentID, number, size)
}

// DeleteAll removes the log of a dynamic deployment. The deployment itself
// may already be gone.
func (s *Service) DeleteAll(ctx context.Context, deploymentID string) error {
	if deploymentID == "" {
		return errors.WrapInvalid(errors.ErrEmptyArgument, "Service", "DeleteAll", "deployment id check")
	}
	return s.store.DeleteAll(ctx, deploymentID)
}

func (s *Service) checkDeployment(ctx context.Context, deploymentID, method string) error {
	if deploymentID == "" {
		return errors.WrapInvalid(errors.ErrEmptyArgument, "Service", method, "deployment id check")
	}
	ok, err := s.deployments.Exists(ctx, deploymentID)
	if err != nil {
		return errors.Wrap(err, "Service", method, "deployment lookup")
	}
	if !ok {
		return errors.WrapInvalid(errors.ErrNotFound, "Service", method, "dynamic deployment "+deploymentID)
	}
	return nil
}

func storeName(store Store) string {
	switch store.(type) {
	case *MemoryStore:
		return StoreMemory
	case *KVStore:
		return StoreNATSKV
	case *RedisStore:
		return StoreRedis
	default:
		return "custom"
	}
}
