package coordinator

import (
	"context"

	"github.com/goodtune/mediabadge/internal/storage"
	"github.com/rs/zerolog"
)

// LogNotifier writes a notification line per completion. UI surfaces pick
// the completion up from the change stream.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier creates a notifier that logs.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notifier").Logger()}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(ctx context.Context, record storage.CompletionRecord) error {
	n.logger.Info().
		Str("completion_id", record.ID).
		Str("media_type", string(record.Snapshot.MediaType)).
		Str("title", record.Snapshot.Title).
		Msg("You finished something! A badge is ready to mint")
	return nil
}
