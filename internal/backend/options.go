// Package backend contains the artifact store implementations: the
// content-addressed local filesystem, an in-process map, a discard-everything
// sink, SQLite and S3.
package backend

// Option configures a backend.
type Option func(*options)

type options struct {
	maxFileSize uint64
}

// WithMaxFileSize limits the declared size of a single put. Zero, the
// default, means unlimited.
func WithMaxFileSize(n uint64) Option {
	return func(o *options) {
		o.maxFileSize = n
	}
}

func newOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
