package derive

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/paymetric/txn-ingester/internal/model"
)

// ArchiveReader is the slice of the archiver the offline path needs.
type ArchiveReader interface {
	GetByDate(ctx context.Context, d time.Time) ([]model.RawEvent, error)
	GetByRange(ctx context.Context, start, end time.Time) ([]model.RawEvent, error)
}

// Extractor reads archived events back for offline derivation.
type Extractor struct {
	store  ArchiveReader
	logger *zap.Logger
}

func NewExtractor(store ArchiveReader, logger *zap.Logger) *Extractor {
	return &Extractor{store: store, logger: logger.Named("derive.extractor")}
}

// ExtractRange returns every archived event in [start, end].
func (e *Extractor) ExtractRange(ctx context.Context, start, end time.Time) ([]model.RawEvent, error) {
	events, err := e.store.GetByRange(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("derive: extracting range: %w", err)
	}
	e.logger.Info("extracted archive range",
		zap.Time("start", start),
		zap.Time("end", end),
		zap.Int("events", len(events)),
	)
	return events, nil
}

// ExtractDate returns every archived event under one date partition.
func (e *Extractor) ExtractDate(ctx context.Context, d time.Time) ([]model.RawEvent, error) {
	events, err := e.store.GetByDate(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("derive: extracting date %s: %w", d.Format("2006-01-02"), err)
	}
	e.logger.Info("extracted archive date",
		zap.String("date", d.Format("2006-01-02")),
		zap.Int("events", len(events)),
	)
	return events, nil
}
