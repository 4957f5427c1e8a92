package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/NawfalRAZOUK7/apm-observability/internal/domain"
	"github.com/NawfalRAZOUK7/apm-observability/internal/repository"
	"github.com/NawfalRAZOUK7/apm-observability/internal/ws"
)

const (
	DefaultMaxEvents = 50000
	DefaultMaxErrors = 25
	DefaultBatchSize = 1000

	// AllServices is the stream key that receives every service summary.
	AllServices = "*"

	errorStatusFrom = 500
)

// Limits are the server-side ceilings. Request options may lower them.
// MaxEvents and BatchSize fall back to their defaults when not positive.
// MaxErrors of 0 disables error details; only a negative value takes the
// default.
type Limits struct {
	MaxEvents int
	MaxErrors int
	BatchSize int
}

// DefaultLimits returns the stock ceilings.
func DefaultLimits() Limits {
	return Limits{MaxEvents: DefaultMaxEvents, MaxErrors: DefaultMaxErrors, BatchSize: DefaultBatchSize}
}

func (l Limits) withDefaults() Limits {
	if l.MaxEvents <= 0 {
		l.MaxEvents = DefaultMaxEvents
	}
	if l.MaxErrors < 0 {
		l.MaxErrors = DefaultMaxErrors
	}
	if l.BatchSize <= 0 {
		l.BatchSize = DefaultBatchSize
	}
	if l.BatchSize > l.MaxEvents {
		l.BatchSize = l.MaxEvents
	}
	return l
}

// Options are per-request overrides. Nil fields fall back to the ceilings.
type Options struct {
	MaxEvents *int
	MaxErrors *int
	BatchSize *int
	Strict    bool
}

// resolve bounds every override by its ceiling.
func (l Limits) resolve(opts Options) (Limits, error) {
	out := l
	if opts.MaxEvents != nil {
		if *opts.MaxEvents < 1 || *opts.MaxEvents > l.MaxEvents {
			return Limits{}, &OptionError{Name: "max_events", Min: 1, Max: l.MaxEvents}
		}
		out.MaxEvents = *opts.MaxEvents
	}
	if opts.MaxErrors != nil {
		if *opts.MaxErrors < 0 || *opts.MaxErrors > l.MaxErrors {
			return Limits{}, &OptionError{Name: "max_errors", Min: 0, Max: l.MaxErrors}
		}
		out.MaxErrors = *opts.MaxErrors
	}
	if opts.BatchSize != nil {
		if *opts.BatchSize < 1 || *opts.BatchSize > out.MaxEvents {
			return Limits{}, &OptionError{Name: "batch_size", Min: 1, Max: out.MaxEvents}
		}
		out.BatchSize = *opts.BatchSize
	} else if out.BatchSize > out.MaxEvents {
		out.BatchSize = out.MaxEvents
	}
	return out, nil
}

// Service validates and persists telemetry batches.
type Service struct {
	repo    repository.EventRepository
	hub     *ws.Hub
	limits  Limits
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// New constructs a Service. hub may be nil to disable the live feed.
func New(repo repository.EventRepository, hub *ws.Hub, logger *slog.Logger, limits Limits, timeout time.Duration) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:    repo,
		hub:     hub,
		limits:  limits.withDefaults(),
		timeout: timeout,
		logger:  logger.With("component", "ingest"),
		now:     time.Now,
	}
}

// Limits returns the configured ceilings.
func (s *Service) Limits() Limits {
	return s.limits
}

// Ingest runs one batch through parse, cap check, validation and persistence.
// The returned result always satisfies Inserted+Rejected == submitted count
// whenever the payload could be parsed.
func (s *Service) Ingest(ctx context.Context, body []byte, opts Options) (domain.IngestBatchResult, error) {
	limits, err := s.limits.resolve(opts)
	if err != nil {
		return domain.IngestBatchResult{}, err
	}

	items, err := ParsePayload(body)
	if err != nil {
		return domain.IngestBatchResult{}, err
	}
	if len(items) > limits.MaxEvents {
		return domain.IngestBatchResult{}, &CapacityError{Limit: limits.MaxEvents, Count: len(items)}
	}

	valid, rejected, itemErrors := validateAll(items, limits.MaxErrors)
	result := domain.IngestBatchResult{
		Rejected: rejected,
		Errors:   itemErrors,
	}

	if opts.Strict && rejected > 0 {
		result.Rejected = len(items)
		s.logger.Warn("strict batch rejected", "submitted", len(items), "invalid", rejected)
		return result, ErrStrictRejected
	}
	if len(valid) == 0 {
		return result, nil
	}

	if err := ctx.Err(); err != nil {
		result.Rejected = len(items)
		s.logger.Warn("batch abandoned before persist", "events", len(valid), "error", err)
		return result, &StorageError{Retryable: errors.Is(err, context.DeadlineExceeded), Err: err}
	}
	persistCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		persistCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	inserted, err := s.repo.InsertEvents(persistCtx, valid, limits.BatchSize)
	if err != nil {
		result.Rejected = len(items)
		s.logger.Error("persist batch failed", "events", len(valid), "error", err)
		return result, &StorageError{Retryable: errors.Is(err, context.DeadlineExceeded), Err: err}
	}
	result.Inserted = inserted
	result.Rejected = len(items) - inserted

	s.logger.Debug("batch ingested", "inserted", result.Inserted, "rejected", result.Rejected)
	s.publish(valid, result.Rejected)
	return result, nil
}

func validateAll(items []json.RawMessage, maxErrors int) ([]domain.TelemetryEvent, int, []domain.ItemError) {
	valid := make([]domain.TelemetryEvent, 0, len(items))
	itemErrors := []domain.ItemError{}
	rejected := 0
	for i, raw := range items {
		event, failure := Validate(raw)
		if failure != nil {
			rejected++
			if len(itemErrors) < maxErrors {
				itemErrors = append(itemErrors, domain.ItemError{Index: i, Detail: failure.Fields})
			}
			continue
		}
		valid = append(valid, event)
	}
	return valid, rejected, itemErrors
}

func (s *Service) publish(events []domain.TelemetryEvent, batchRejected int) {
	if s.hub == nil {
		return
	}
	committedAt := s.now().UTC().Format(time.RFC3339Nano)
	for _, summary := range summarize(events, batchRejected, committedAt) {
		payload, err := json.Marshal(summary)
		if err != nil {
			s.logger.Warn("marshal ingest summary", "service", summary.Service, "error", err)
			continue
		}
		s.hub.Broadcast(AllServices, payload)
		if summary.Service != AllServices {
			s.hub.Broadcast(summary.Service, payload)
		}
	}
}

// summarize groups committed events by service, ordered by service name.
func summarize(events []domain.TelemetryEvent, batchRejected int, committedAt string) []domain.ServiceIngestSummary {
	byService := make(map[string]*domain.ServiceIngestSummary)
	for _, e := range events {
		summary, ok := byService[e.Service]
		if !ok {
			summary = &domain.ServiceIngestSummary{
				Service:       e.Service,
				BatchRejected: batchRejected,
				CommittedAt:   committedAt,
			}
			byService[e.Service] = summary
		}
		summary.Inserted++
		if e.IsError(errorStatusFrom) {
			summary.Errors++
		}
		if e.LatencyMS > summary.MaxLatencyMS {
			summary.MaxLatencyMS = e.LatencyMS
		}
	}
	out := make([]domain.ServiceIngestSummary, 0, len(byService))
	for _, summary := range byService {
		out = append(out, *summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// Outcome labels an ingest result for metrics and logs.
type Outcome string

const (
	OutcomeAccepted       Outcome = "accepted"
	OutcomePartial        Outcome = "partial"
	OutcomeStrictRejected Outcome = "strict_rejected"
	OutcomeCapacity       Outcome = "capacity"
	OutcomeInvalid        Outcome = "invalid_payload"
	OutcomeStorageFailed  Outcome = "storage_failed"
)

// OutcomeOf classifies the pair returned by Ingest.
func OutcomeOf(result domain.IngestBatchResult, err error) Outcome {
	switch {
	case err == nil && result.Rejected == 0:
		return OutcomeAccepted
	case err == nil:
		return OutcomePartial
	case errors.Is(err, ErrStrictRejected):
		return OutcomeStrictRejected
	case errors.Is(err, ErrCapacity):
		return OutcomeCapacity
	case errors.Is(err, ErrStorage):
		return OutcomeStorageFailed
	default:
		return OutcomeInvalid
	}
}
