package core

import (
	"log/slog"
	"time"
)

type storeOptions struct {
	maxMessageLength int
	now              func() time.Time
	logger           *slog.Logger
}

// StoreOption configures a ChatStore implementation.
type StoreOption func(*storeOptions)

// WithMaxMessageLength overrides DefaultMaxMessageLength.
func WithMaxMessageLength(n int) StoreOption {
	return func(o *storeOptions) {
		o.maxMessageLength = n
	}
}

// WithClock replaces time.Now, used for createdAt, updatedAt and default sentAt values.
func WithClock(now func() time.Time) StoreOption {
	return func(o *storeOptions) {
		o.now = now
	}
}

func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(o *storeOptions) {
		o.logger = logger
	}
}

func newStoreOptions(opts []StoreOption) storeOptions {
	o := storeOptions{
		maxMessageLength: DefaultMaxMessageLength,
		now:              time.Now,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
