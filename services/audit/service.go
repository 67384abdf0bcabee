package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/upb/trading-auth/internal/observability"
	"github.com/upb/trading-auth/models"
	"github.com/upb/trading-auth/repositories"
	"go.uber.org/zap"
)

// Sink persists audit entries
type Sink interface {
	Insert(ctx context.Context, log *models.AuditLog) error
}

// BatchSink is a Sink that can persist several entries atomically.
// Workers use it to flush entries that queued up behind the first one.
type BatchSink interface {
	Sink
	InsertBatch(ctx context.Context, logs []*models.AuditLog) error
}

var _ BatchSink = (repositories.AuditRepository)(nil)

// Service handles asynchronous audit logging.
// Record never blocks the caller and never returns an error: entries that
// cannot be delivered to the sink are written to the operational log under
// the "audit_fallback" message instead.
type Service struct {
	sink    Sink
	logger  *zap.Logger
	metrics *observability.Metrics
	cfg     Config

	eventChan chan *models.AuditLog
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc

	// mu guards started/closed and serializes channel close against sends
	mu      sync.RWMutex
	started bool
	closed  bool
}

// Config holds configuration for the Service
type Config struct {
	BufferSize   int           // Size of the event buffer channel
	WorkerCount  int           // Number of concurrent workers
	MaxRetries   int           // Retries per entry after the first attempt
	RetryBackoff time.Duration // Base delay, doubled per retry
	WriteTimeout time.Duration // Deadline for a single sink write
	MaxBatch     int           // Upper bound of entries per batch write
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		BufferSize:   1000,
		WorkerCount:  4,
		MaxRetries:   3,
		RetryBackoff: 100 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
		MaxBatch:     50,
	}
}

// Option configures a Service
type Option func(*Service)

// WithMetrics counts fallback writes
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// NewService creates a new audit Service. Zero config values take defaults.
func NewService(sink Sink, logger *zap.Logger, cfg Config, opts ...Option) *Service {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = def.WorkerCount
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = def.MaxBatch
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		sink:      sink,
		logger:    logger,
		cfg:       cfg,
		eventChan: make(chan *models.AuditLog, cfg.BufferSize),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start starts the background workers
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("audit service already started")
	}
	if s.closed {
		return fmt.Errorf("audit service already stopped")
	}

	for i := 0; i < s.cfg.WorkerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	s.started = true
	s.logger.Info("started audit service",
		zap.Int("worker_count", s.cfg.WorkerCount),
		zap.Int("buffer_size", s.cfg.BufferSize))

	return nil
}

// Stop gracefully stops the audit service.
// Pending entries are drained; entries still queued when the timeout hits
// are abandoned to the fallback log by the workers as their retries abort.
func (s *Service) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return fmt.Errorf("audit service not started")
	}
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.eventChan)
	s.mu.Unlock()

	s.logger.Info("stopping audit service", zap.Int("pending_events", len(s.eventChan)))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("audit service stopped gracefully")
		s.cancel()
		return nil
	case <-time.After(timeout):
		s.cancel()
		<-done
		return fmt.Errorf("audit service stop timeout after %v", timeout)
	}
}

// Record enqueues an entry without blocking
func (s *Service) Record(ctx context.Context, log *models.AuditLog) {
	if log == nil {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.started || s.closed {
		s.fallback(log, "audit service not running", nil)
		return
	}

	select {
	case s.eventChan <- log:
	default:
		s.metrics.AuditBufferFull()
		s.fallback(log, "audit buffer full", nil)
	}
}

// worker processes events from the channel
func (s *Service) worker(id int) {
	defer s.wg.Done()

	s.logger.Debug("audit worker started", zap.Int("worker_id", id))

	batchSink, canBatch := s.sink.(BatchSink)
	for log := range s.eventChan {
		if !canBatch {
			s.deliver(log)
			continue
		}

		batch := s.collect(log)
		if len(batch) == 1 {
			s.deliver(log)
			continue
		}

		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.WriteTimeout)
		err := batchSink.InsertBatch(ctx, batch)
		cancel()
		if err == nil {
			continue
		}

		s.logger.Debug("audit batch insert failed, retrying per entry",
			zap.Int("size", len(batch)),
			zap.Error(err))
		for _, entry := range batch {
			s.deliver(entry)
		}
	}

	s.logger.Debug("audit worker stopped", zap.Int("worker_id", id))
}

// collect gathers entries already queued behind first, without waiting
func (s *Service) collect(first *models.AuditLog) []*models.AuditLog {
	batch := []*models.AuditLog{first}
	for len(batch) < s.cfg.MaxBatch {
		select {
		case log, ok := <-s.eventChan:
			if !ok {
				return batch
			}
			batch = append(batch, log)
		default:
			return batch
		}
	}
	return batch
}

func (s *Service) deliver(log *models.AuditLog) {
	if err := s.processEvent(log); err != nil {
		s.fallback(log, "audit sink write failed", err)
	}
}

// processEvent writes one entry, retrying with exponential backoff
func (s *Service) processEvent(log *models.AuditLog) error {
	var err error
	delay := s.cfg.RetryBackoff

	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(delay):
				delay *= 2
			case <-s.ctx.Done():
				return fmt.Errorf("aborted after %d attempts: %w", attempt, err)
			}
		}

		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.WriteTimeout)
		err = s.sink.Insert(ctx, log)
		cancel()
		if err == nil {
			return nil
		}

		s.logger.Debug("audit insert failed",
			zap.Int("attempt", attempt+1),
			zap.String("audit_id", log.ID.String()),
			zap.Error(err))
	}

	return fmt.Errorf("failed to insert audit log: %w", err)
}

// fallback writes the full entry to the operational log
func (s *Service) fallback(log *models.AuditLog, cause string, err error) {
	s.metrics.AuditFallback()

	fields := []zap.Field{
		zap.String("cause", cause),
		zap.String("audit_id", log.ID.String()),
		zap.String("action", string(log.Action)),
		zap.String("outcome", string(log.Outcome)),
		zap.String("username", log.Username),
		zap.String("reason", log.Reason),
		zap.String("ip_address", log.IPAddress),
		zap.String("user_agent", log.UserAgent),
		zap.String("request_id", log.RequestID),
		zap.String("path", log.Path),
		zap.Time("timestamp", log.Timestamp),
	}
	if log.PrincipalID != nil {
		fields = append(fields, zap.String("principal_id", *log.PrincipalID))
	}
	if log.TokenID != nil {
		fields = append(fields, zap.String("token_id", *log.TokenID))
	}
	if len(log.Details) > 0 {
		fields = append(fields, zap.ByteString("details", log.Details))
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}

	s.logger.Warn("audit_fallback", fields...)
}

// GetStats returns statistics about the audit service
func (s *Service) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		BufferSize:    s.cfg.BufferSize,
		PendingEvents: len(s.eventChan),
		WorkerCount:   s.cfg.WorkerCount,
		Started:       s.started && !s.closed,
	}
}

// Stats represents audit service statistics
type Stats struct {
	BufferSize    int
	PendingEvents int
	WorkerCount   int
	Started       bool
}
