// Package source delivers definition bundles from files and Redis. The
// Postgres source lives in the repository package.
package source

import (
	"context"
	"errors"

	"github.com/matt-riley/bucketz/internal/payload"
)

// ErrNoPayload is returned when a source holds no bundle yet.
var ErrNoPayload = errors.New("no definitions payload")

// Source loads the current bundle together with a revision that changes
// whenever the content does.
type Source interface {
	Name() string
	Load(ctx context.Context) (payload.Bundle, string, error)
}

// Subscriber signals that the bundle may have changed. The channel is closed
// when ctx is done or the subscription breaks; callers resubscribe.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan struct{}, error)
}

func notify(out chan<- struct{}) {
	select {
	case out <- struct{}{}:
	default:
	}
}
