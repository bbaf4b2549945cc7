// Package deleter removes files once the last in-memory reference to them
// has dropped. Go has no Arc::try_unwrap, so ownership is tracked with an
// explicit reference count instead: a Handle starts with one reference held
// by whatever structure first owns the file (the run list, the append log's
// current state), concurrent readers Retain/Release around their I/O,
// and Schedule hands off the owning structure's own reference to a
// background worker that polls the count down to zero with exponential
// backoff before removing the path.
package deleter

import (
	"os"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("lsmkv/deleter")

// FirstDelay is the initial backoff delay, doubled on every retry.
const FirstDelay = 10 * time.Millisecond

// DefaultMaxRetries bounds how many times Schedule polls before giving up.
const DefaultMaxRetries = 10

// Handle wraps a file path with an explicit reference count. The value that
// creates a Handle holds the first (and, until Schedule is called, only)
// reference.
type Handle struct {
	path string
	refs atomic.Int64
}

// NewHandle returns a Handle for path with one reference already held by the
// caller.
func NewHandle(path string) *Handle {
	h := &Handle{path: path}
	h.refs.Store(1)
	return h
}

// Path returns the file path this handle guards.
func (h *Handle) Path() string {
	return h.path
}

// Retain records an additional concurrent user of the file. Must be paired
// with a later Release.
func (h *Handle) Retain() {
	h.refs.Add(1)
}

// Release drops a reference acquired via Retain or implicitly held since
// NewHandle.
func (h *Handle) Release() {
	h.refs.Add(-1)
}

func (h *Handle) refCount() int64 {
	return h.refs.Load()
}

// Options configures Schedule's retry behavior.
type Options struct {
	FirstDelay time.Duration
	MaxRetries int
}

func defaultOptions() Options {
	return Options{FirstDelay: FirstDelay, MaxRetries: DefaultMaxRetries}
}

// Option mutates Options.
type Option func(*Options)

// WithFirstDelay overrides the initial backoff delay.
func WithFirstDelay(d time.Duration) Option {
	return func(o *Options) { o.FirstDelay = d }
}

// WithMaxRetries overrides how many times Schedule polls before giving up.
func WithMaxRetries(n int) Option {
	return func(o *Options) { o.MaxRetries = n }
}

// Schedule hands off the caller's own reference to a background worker that
// retries deletion with exponential backoff until no other reference to h
// remains, then removes h's path. It never blocks the caller and never
// returns an error; failures are logged.
func Schedule(h *Handle, opts ...Option) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}

	// Hand off the reference the caller held since NewHandle.
	h.Release()

	go func() {
		delay := options.FirstDelay

		for retry := 0; retry < options.MaxRetries; retry++ {
			time.Sleep(delay)
			delay *= 2

			if h.refCount() <= 0 {
				removeLogged(h.path)
				log.Debugw("file cleaned up", "path", h.path, "retry", retry)
				return
			}
		}

		log.Errorw("failed to remove file: max retries reached", "path", h.path)
	}()
}

func removeLogged(path string) {
	if err := os.Remove(path); err != nil {
		log.Errorw("failed to remove file", "path", path, "err", err)
	}
}
