package series

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"

	"tokenfeed/logger"
	"tokenfeed/models"
)

// HistorySource fetches historical points for an entity and range. It is
// implemented by the REST layer outside this module.
type HistorySource interface {
	History(ctx context.Context, entity string, r Range) ([]models.Point, error)
}

// HistoryFunc adapts a function to HistorySource.
type HistoryFunc func(ctx context.Context, entity string, r Range) ([]models.Point, error)

func (f HistoryFunc) History(ctx context.Context, entity string, r Range) ([]models.Point, error) {
	return f(ctx, entity, r)
}

// Loader seeds a Buffer from a HistorySource, throttling requests.
type Loader struct {
	source  HistorySource
	buffer  *Buffer
	limiter *rate.Limiter
	log     *logger.Log
}

// NewLoader builds a loader allowing rps requests per second with the given
// burst. Non-positive values fall back to 5 rps and a burst of 1.
func NewLoader(source HistorySource, buffer *Buffer, rps float64, burst int) *Loader {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 1
	}
	return &Loader{
		source:  source,
		buffer:  buffer,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     logger.GetLogger(),
	}
}

// Load fetches history for (entity, r), merges it and returns the resulting
// series length.
func (l *Loader) Load(ctx context.Context, entity string, r Range) (int, error) {
	log := l.log.WithComponent("series_loader").WithFields(logger.Fields{
		"entity": entity,
		"range":  string(r),
	})

	if err := l.limiter.Wait(ctx); err != nil {
		log.WithError(err).Warn("rate limiter wait failed")
		return 0, fmt.Errorf("wait for history slot: %w", err)
	}

	fetched, err := l.source.History(ctx, entity, r)
	if err != nil {
		log.WithError(err).Warn("failed to fetch history")
		return 0, fmt.Errorf("fetch history %s/%s: %w", entity, r, err)
	}
	// The source may hand out a slice it keeps; stamp a copy.
	points := make([]models.Point, len(fetched))
	for i, p := range fetched {
		p.Source = models.SourceHistory
		points[i] = p
	}

	l.buffer.MergeSnapshot(entity, r, points)
	n := len(l.buffer.Series(entity, r))
	logger.LogDataFlowEntry(log, "history", "series", len(points), string(r))
	return n, nil
}

// LoadAll loads every range for entity and joins the failures.
func (l *Loader) LoadAll(ctx context.Context, entity string, ranges ...Range) error {
	var errs []error
	for _, r := range ranges {
		if _, err := l.Load(ctx, entity, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
