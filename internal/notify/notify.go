// Package notify delivers the nightly morning brief to external sinks.
//
// Delivery is always best effort: callers log a returned error and move on.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Brief is the synthesized morning brief of one nightly run.
type Brief struct {
	Date        string            `json:"date"`
	Content     string            `json:"content"`
	ExecutionID uuid.UUID         `json:"execution_id"`
	ArtifactID  uuid.UUID         `json:"artifact_id"`
	Agents      map[string]string `json:"agents"`
	GeneratedAt time.Time         `json:"generated_at"`
}

// Notifier delivers a brief.
type Notifier interface {
	Notify(ctx context.Context, b Brief) error
}

// Noop discards every brief.
type Noop struct{}

func (Noop) Notify(context.Context, Brief) error { return nil }

// Multi fans a brief out to every notifier. All sinks are attempted; their
// errors are joined.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, b Brief) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, b); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Combine returns a single Notifier for ns, skipping nils. No notifiers
// yields Noop.
func Combine(ns ...Notifier) Notifier {
	var out Multi
	for _, n := range ns {
		if n != nil {
			out = append(out, n)
		}
	}
	switch len(out) {
	case 0:
		return Noop{}
	case 1:
		return out[0]
	}
	return out
}
