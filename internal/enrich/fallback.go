package enrich

import (
	"context"
	"errors"
	"log/slog"
)

// Fallback tries the primary classifier and falls back to the heuristic
// when it is unavailable or fails.
type Fallback struct {
	primary   Classifier
	heuristic Heuristic
	logger    *slog.Logger
}

// NewFallback wraps primary. A nil primary means heuristics only.
func NewFallback(primary Classifier, logger *slog.Logger) *Fallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fallback{primary: primary, logger: logger}
}

func (f *Fallback) Classify(ctx context.Context, in Input) (Classification, error) {
	if f.primary != nil {
		c, err := f.primary.Classify(ctx, in)
		switch {
		case err == nil:
			if len(c.Tags) == 0 {
				c.Tags = heuristicTagList(in.Text)
			}
			return c, nil
		case errors.Is(err, ErrEmptyContent):
			return Classification{}, err
		case errors.Is(err, ErrUnavailable):
			f.logger.Debug("classifier unavailable, using heuristic")
		default:
			f.logger.Warn("classifier failed, using heuristic", "error", err)
		}
	}
	return f.heuristic.Classify(ctx, in)
}
