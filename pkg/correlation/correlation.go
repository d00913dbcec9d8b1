// Package correlation tags HTTP requests with a request ID carried through the
// context into log entries.
package correlation

import (
	"context"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Header names checked for an incoming ID, in order
const (
	HTTPHeader          = "X-Correlation-ID"
	HTTPRequestIDHeader = "X-Request-ID"
)

// maxIDLength bounds IDs accepted from clients
const maxIDLength = 128

type contextKey struct{}

// ID is a request correlation identifier
type ID string

// String returns the ID as a string
func (id ID) String() string {
	return string(id)
}

// IsEmpty reports whether the ID is unset
func (id ID) IsEmpty() bool {
	return id == ""
}

// New generates a random ID
func New() ID {
	return ID(uuid.New().String())
}

// FromString accepts a client-supplied ID, rejecting oversized or non-printable values
func FromString(s string) ID {
	if len(s) == 0 || len(s) > maxIDLength {
		return ""
	}
	for _, r := range s {
		if r < 0x21 || r > 0x7e {
			return ""
		}
	}
	return ID(s)
}

// WithCorrelationID attaches id to ctx
func WithCorrelationID(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the ID attached to ctx, empty if none
func FromContext(ctx context.Context) ID {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(ID)
	return id
}

// LoggerFromContext returns an entry carrying the correlation ID of ctx
func LoggerFromContext(ctx context.Context, logger *logrus.Logger) *logrus.Entry {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if id := FromContext(ctx); !id.IsEmpty() {
		return logger.WithField("correlation_id", id.String())
	}
	return logrus.NewEntry(logger)
}
