package archive

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/paymetric/txn-ingester/internal/config"
	"github.com/paymetric/txn-ingester/internal/metrics"
	"github.com/paymetric/txn-ingester/internal/model"
)

var (
	// ErrStoreClosed is returned by mutating operations after Close.
	ErrStoreClosed = errors.New("archive: store closed")

	// ErrInvalidRange is returned by GetByRange when start > end.
	ErrInvalidRange = errors.New("archive: start after end")

	// ErrBlobExists marks a path collision; collisions are never retried.
	ErrBlobExists = errors.New("archive: blob already exists")
)

// Uploader is the object-store surface the archiver needs. Put fails with
// ErrBlobExists on a path collision instead of overwriting.
type Uploader interface {
	Put(ctx context.Context, path string, data []byte, meta map[string]string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Get(ctx context.Context, path string) ([]byte, error)
}

// FailureHandler receives every event of a flush that exhausted its upload
// retries.
type FailureHandler func(items []model.FailedItem)

var uploadBackoff = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// Store buffers parsed events and flushes them to the object store as
// compressed columnar blobs partitioned by date.
type Store struct {
	cfg      config.ArchiveConfig
	uploader Uploader
	onFail   FailureHandler
	logger   *zap.Logger

	mu     sync.Mutex
	buffer []model.RawEvent
	timer  *time.Timer
	closed bool

	stats struct {
		eventsStored   int64
		eventsFailed   int64
		batchesFlushed int64
		lastError      string
	}
}

// StoreStats is a point-in-time snapshot of archiver counters.
type StoreStats struct {
	EventsStored   int64
	EventsFailed   int64
	BatchesFlushed int64
	BufferSize     int
	LastError      string
}

func NewStore(cfg config.ArchiveConfig, uploader Uploader, onFail FailureHandler, logger *zap.Logger) *Store {
	return &Store{
		cfg:      cfg,
		uploader: uploader,
		onFail:   onFail,
		logger:   logger.Named("archive.store"),
	}
}

// Buffer appends one event. Reaching batch_size triggers a flush on the
// caller; reaching max_buffer_size forces one with a warning.
func (s *Store) Buffer(ctx context.Context, ev model.RawEvent) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	s.buffer = append(s.buffer, ev)
	n := len(s.buffer)
	metrics.ArchiveBufferSize.Set(float64(n))

	if n == 1 {
		s.scheduleTimerLocked()
	}

	var batch []model.RawEvent
	trigger := ""
	switch {
	case n >= s.cfg.MaxBufferSize:
		s.logger.Warn("buffer overflow, forcing flush", zap.Int("size", n))
		batch = s.takeLocked()
		trigger = "overflow"
	case n >= s.cfg.BatchSize:
		batch = s.takeLocked()
		trigger = "size"
	}
	s.mu.Unlock()

	if batch != nil {
		s.flush(ctx, batch, trigger)
	}
	return nil
}

// Flush drains the buffer synchronously.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	batch := s.takeLocked()
	s.mu.Unlock()

	if batch != nil {
		s.flush(ctx, batch, "manual")
	}
	return nil
}

// takeLocked copies and clears the buffer and cancels the timer. Callers
// hold s.mu and perform the upload after releasing it.
func (s *Store) takeLocked() []model.RawEvent {
	if len(s.buffer) == 0 {
		return nil
	}
	batch := make([]model.RawEvent, len(s.buffer))
	copy(batch, s.buffer)
	s.buffer = s.buffer[:0]
	metrics.ArchiveBufferSize.Set(0)
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	return batch
}

// scheduleTimerLocked arms the per-buffer flush timer. The timer starts
// with the first event and is rescheduled on the next first event after a
// flush.
func (s *Store) scheduleTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(time.Duration(s.cfg.FlushIntervalSeconds)*time.Second, func() {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		batch := s.takeLocked()
		s.mu.Unlock()
		if batch != nil {
			s.flush(context.Background(), batch, "timer")
		}
	})
}

func (s *Store) flush(ctx context.Context, batch []model.RawEvent, trigger string) {
	metrics.ArchiveFlushesTotal.WithLabelValues(trigger).Inc()
	metrics.ArchiveFlushSize.Observe(float64(len(batch)))

	data, err := Serialize(batch, s.cfg.Compression)
	if err != nil {
		s.logger.Error("serialization failed", zap.Int("events", len(batch)), zap.Error(err))
		s.fail(batch, err)
		return
	}

	now := time.Now().UTC()
	path := s.blobPath(now)
	meta := map[string]string{
		"event_count": fmt.Sprintf("%d", len(batch)),
		"uploaded_at": now.Format(time.RFC3339),
		"compression": s.cfg.Compression,
	}

	if err := s.upload(ctx, path, data, meta); err != nil {
		s.logger.Error("upload failed, dead-lettering flush",
			zap.String("path", path),
			zap.Int("events", len(batch)),
			zap.Error(err),
		)
		s.fail(batch, err)
		return
	}

	s.mu.Lock()
	s.stats.eventsStored += int64(len(batch))
	s.stats.batchesFlushed++
	s.mu.Unlock()

	s.logger.Info("flushed",
		zap.String("trigger", trigger),
		zap.String("path", path),
		zap.Int("events", len(batch)),
		zap.Int("bytes", len(data)),
	)
}

// upload attempts the conditional put with backoff on transient errors.
// Collisions and other permanent errors are not retried.
func (s *Store) upload(ctx context.Context, path string, data []byte, meta map[string]string) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, time.Duration(s.cfg.UploadTimeoutSeconds)*time.Second)
		start := time.Now()
		err := s.uploader.Put(attemptCtx, path, data, meta)
		cancel()
		metrics.ArchiveUploadDuration.Observe(time.Since(start).Seconds())

		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, ErrBlobExists) || !IsTransient(err) {
			metrics.ErrorsTotal.WithLabelValues("PermanentStorage").Inc()
			return err
		}
		metrics.ErrorsTotal.WithLabelValues("TransientStorage").Inc()
		if attempt >= len(uploadBackoff) {
			break
		}
		s.logger.Warn("transient upload error, retrying",
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", uploadBackoff[attempt]),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(uploadBackoff[attempt]):
		}
	}
	return fmt.Errorf("archive: upload retries exhausted: %w", lastErr)
}

// fail routes every event of the failed flush to the dead-letter handler.
// The events are not reinserted into the buffer.
func (s *Store) fail(batch []model.RawEvent, cause error) {
	s.mu.Lock()
	s.stats.eventsFailed += int64(len(batch))
	s.stats.lastError = cause.Error()
	s.mu.Unlock()

	if s.onFail == nil {
		return
	}
	now := time.Now().UTC()
	items := make([]model.FailedItem, 0, len(batch))
	for i := range batch {
		raw, _ := payloadJSON(batch[i].Payload)
		items = append(items, model.FailedItem{
			TransactionID: batch[i].TransactionID,
			CorrelationID: batch[i].CorrelationID.String(),
			Reason:        model.ReasonStorageError,
			ErrorMessage:  cause.Error(),
			RawPayload:    raw,
			FailedAt:      now,
		})
	}
	s.onFail(items)
}

func (s *Store) blobPath(now time.Time) string {
	return fmt.Sprintf("%s/yyyy=%04d/mm=%02d/dd=%02d/events_%s_%s.parquet",
		s.cfg.PathPrefix,
		now.Year(), int(now.Month()), now.Day(),
		now.Format("20060102_150405"),
		uuid.NewString()[:8],
	)
}

func (s *Store) datePrefix(d time.Time) string {
	return fmt.Sprintf("%s/yyyy=%04d/mm=%02d/dd=%02d/",
		s.cfg.PathPrefix, d.Year(), int(d.Month()), d.Day())
}

// GetByDate returns every archived event under one date partition.
func (s *Store) GetByDate(ctx context.Context, d time.Time) ([]model.RawEvent, error) {
	paths, err := s.uploader.List(ctx, s.datePrefix(d))
	if err != nil {
		return nil, fmt.Errorf("archive: listing %s: %w", s.datePrefix(d), err)
	}
	var events []model.RawEvent
	for _, path := range paths {
		data, err := s.uploader.Get(ctx, path)
		if err != nil {
			s.logger.Warn("skipping unreadable blob", zap.String("path", path), zap.Error(err))
			continue
		}
		decoded, err := Deserialize(data)
		if err != nil {
			s.logger.Warn("skipping undecodable blob", zap.String("path", path), zap.Error(err))
			continue
		}
		events = append(events, decoded...)
	}
	return events, nil
}

// GetByRange returns events with created_at in [start, end], ascending.
// Per-blob read failures are logged and skipped.
func (s *Store) GetByRange(ctx context.Context, start, end time.Time) ([]model.RawEvent, error) {
	if start.After(end) {
		return nil, fmt.Errorf("%w: %s > %s", ErrInvalidRange, start.Format(time.RFC3339), end.Format(time.RFC3339))
	}

	var events []model.RawEvent
	for d := start.UTC().Truncate(24 * time.Hour); !d.After(end.UTC()); d = d.AddDate(0, 0, 1) {
		dayEvents, err := s.GetByDate(ctx, d)
		if err != nil {
			return nil, err
		}
		for _, ev := range dayEvents {
			if !ev.CreatedAt.Before(start) && !ev.CreatedAt.After(end) {
				events = append(events, ev)
			}
		}
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].CreatedAt.Before(events[j].CreatedAt)
	})
	return events, nil
}

// Close cancels the timer, flushes synchronously, and rejects any further
// mutation.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	batch := s.takeLocked()
	s.mu.Unlock()

	if batch != nil {
		s.flush(ctx, batch, "close")
	}
	s.logger.Info("closed")
	return nil
}

// Open reports whether the store still accepts events.
func (s *Store) Open() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *Store) Metrics() StoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StoreStats{
		EventsStored:   s.stats.eventsStored,
		EventsFailed:   s.stats.eventsFailed,
		BatchesFlushed: s.stats.batchesFlushed,
		BufferSize:     len(s.buffer),
		LastError:      s.stats.lastError,
	}
}

// transientSubstrings classify upload errors that are worth retrying.
var transientSubstrings = []string{
	"timeout", "throttl", "connection", "temporary", "retry", "service unavailable",
}

var transientStatusCodes = map[int]bool{
	408: true, 429: true, 500: true, 502: true, 503: true, 504: true,
}

// StatusCoder is implemented by errors carrying an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// IsTransient reports whether an upload error should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var sc StatusCoder
	if errors.As(err, &sc) && transientStatusCodes[sc.StatusCode()] {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sub := range transientSubstrings {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}
