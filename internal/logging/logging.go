package logging

import (
	"context"

	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ContextKey defines the context key type.
type ContextKey string

// ContextIDKey holds the key of the context ID.
const ContextIDKey ContextKey = "ctx_id"

// NewContextWithID returns a context carrying a fresh transaction ID, so
// every log line of one exchange can be correlated.
func NewContextWithID(ctx context.Context) (context.Context, error) {
	ctxID, err := uuid.NewV4()
	if err != nil {
		return ctx, errors.Wrap(err, "new uuid error")
	}
	return context.WithValue(ctx, ContextIDKey, ctxID), nil
}

// FromContext returns a log entry with the context ID attached, when
// present.
func FromContext(ctx context.Context) *log.Entry {
	if id, ok := ctx.Value(ContextIDKey).(uuid.UUID); ok {
		return log.WithField("ctx_id", id)
	}
	return log.NewEntry(log.StandardLogger())
}
