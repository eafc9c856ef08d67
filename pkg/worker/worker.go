// Package worker maps job class names to the handlers that perform them.
//
// Handlers are registered at startup under the class string carried by
// every job. Each execution resolves a fresh handler from its factory, so a
// handler may keep per-job state in its fields.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sidekiq/sidekiq-sub000/pkg/job"
)

// ErrUnknownHandler is returned by Resolve for a class nobody registered.
var ErrUnknownHandler = errors.New("unknown handler")

// Handler performs one job.
type Handler interface {
	Perform(ctx context.Context, args []any) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, args []any) error

// Perform implements Handler.
func (f HandlerFunc) Perform(ctx context.Context, args []any) error {
	return f(ctx, args)
}

// Factory builds a handler for one execution.
type Factory func() Handler

// RetryInFunc computes the delay before the next retry. count is the number
// of retries already made. Returning an error or panicking falls back to the
// default backoff.
type RetryInFunc func(count int, err error) (time.Duration, error)

// ExhaustedFunc is called once when a job runs out of retries.
type ExhaustedFunc func(rec *job.Record, err error)

// Options are the handler-level settings for one class.
type Options struct {
	Queue string

	// Retry is nil (default policy), a bool or an int maximum.
	Retry any

	RetryIn          RetryInFunc
	RetriesExhausted ExhaustedFunc

	// Dead controls whether exhausted jobs land in the dead set.
	Dead bool

	// BacktraceLines keeps that many stack lines in the job on failure.
	BacktraceLines int
}

// Option tunes the Options of a registered class.
type Option func(*Options)

// Queue sets the default queue of the class.
func Queue(name string) Option {
	return func(o *Options) { o.Queue = name }
}

// Retry enables or disables retries, or sets the maximum when given an int.
func Retry(v any) Option {
	return func(o *Options) { o.Retry = v }
}

// RetryIn overrides the backoff of the class.
func RetryIn(fn RetryInFunc) Option {
	return func(o *Options) { o.RetryIn = fn }
}

// RetriesExhausted registers a callback for jobs that ran out of retries.
func RetriesExhausted(fn ExhaustedFunc) Option {
	return func(o *Options) { o.RetriesExhausted = fn }
}

// Dead sets whether exhausted jobs are kept in the dead set.
func Dead(keep bool) Option {
	return func(o *Options) { o.Dead = keep }
}

// BacktraceLines keeps n lines of the failure stack in the job.
func BacktraceLines(n int) Option {
	return func(o *Options) { o.BacktraceLines = n }
}

type entry struct {
	factory Factory
	opts    Options
}

// Registry is the class name to handler map. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	classes map[string]entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{classes: make(map[string]entry)}
}

// Register adds a class. Registering the same class twice is an error.
func (r *Registry) Register(class string, factory Factory, opts ...Option) error {
	if strings.TrimSpace(class) == "" {
		return fmt.Errorf("worker: class must not be blank")
	}
	if factory == nil {
		return fmt.Errorf("worker: nil factory for %s", class)
	}
	o := Options{Dead: true}
	for _, opt := range opts {
		opt(&o)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.classes[class]; found {
		return fmt.Errorf("worker: class %s already registered", class)
	}
	r.classes[class] = entry{factory: factory, opts: o}
	return nil
}

// Handle registers a plain function under class.
func (r *Registry) Handle(class string, fn HandlerFunc, opts ...Option) error {
	return r.Register(class, func() Handler { return fn }, opts...)
}

// Resolve builds a handler for class.
func (r *Registry) Resolve(class string) (Handler, Options, error) {
	r.mu.RLock()
	e, found := r.classes[class]
	r.mu.RUnlock()
	if !found {
		return nil, Options{Dead: true}, fmt.Errorf("%w: %s", ErrUnknownHandler, class)
	}
	h := e.factory()
	if h == nil {
		return nil, e.opts, fmt.Errorf("worker: factory for %s returned nil", class)
	}
	return h, e.opts, nil
}

// Lookup returns the options of class without building a handler.
func (r *Registry) Lookup(class string) (Options, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, found := r.classes[class]
	if !found {
		return Options{Dead: true}, false
	}
	return e.opts, true
}

// Defaults returns the values merged into a job of class at push time.
// Unknown classes get none.
func (r *Registry) Defaults(class string) job.Defaults {
	o, found := r.Lookup(class)
	if !found {
		return job.Defaults{}
	}
	return job.Defaults{Queue: o.Queue, Retry: o.Retry}
}

// Classes returns the registered class names, sorted.
func (r *Registry) Classes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.classes))
	for c := range r.classes {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// PanicError is a handler panic turned into an error.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap exposes a panicked error value.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Perform runs h, converting a panic into a *PanicError.
func Perform(ctx context.Context, h Handler, args []any) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Value: v, Stack: debug.Stack()}
		}
	}()
	return h.Perform(ctx, args)
}
