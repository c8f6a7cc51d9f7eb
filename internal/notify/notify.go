// Package notify delivers engine notifications. Delivery is fire-and-forget
// from the engine's side: errors are reported to the caller for logging only.
package notify

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"bountyline/internal/domain"
)

type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) error
}

// Log writes notifications to the structured log.
type Log struct {
	Logger zerolog.Logger
}

func (l Log) Notify(_ context.Context, n domain.Notification) error {
	l.Logger.Info().
		Str("user_id", n.UserID).
		Str("type", n.Type).
		Str("title", n.Title).
		Interface("data", n.Data).
		Msg(n.Message)
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n domain.Notification) error {
	var errs []error
	for _, notifier := range m {
		if notifier == nil {
			continue
		}
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
