package service

import "time"

// Option configures the services in this package.
type Option func(*options)

type options struct {
	now func() time.Time
}

func newOptions(opts ...Option) *options {
	o := &options{now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}
