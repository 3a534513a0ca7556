package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTimeout bounds a single handler execution.
const DefaultTimeout = 30 * time.Second

const tracerName = "github.com/orgbridge/orgbridge/internal/domain/tool"

// MaxNameLength is the longest tool name Register accepts.
const MaxNameLength = 128

var namePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// ValidateName reports whether name is usable as a tool name: a letter
// followed by letters, digits, underscores or hyphens.
func ValidateName(name string) error {
	if name == "" {
		return errors.New("tool name is required")
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("tool name exceeds %d characters", MaxNameLength)
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("tool name %q contains invalid characters", name)
	}
	return nil
}

type entry struct {
	def      Definition
	resolved *jsonschema.Resolved
	handler  Handler
}

// Registry maps tool names to handlers. It is built once at startup and
// shared by reference; registration after serving starts is allowed but
// intended for composition only.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*entry
	timeout time.Duration
	tracer  trace.Tracer
	logger  *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithTimeout sets the per-invocation timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithTracerProvider sets the tracer provider used for invocation spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Registry) {
		r.tracer = tp.Tracer(tracerName)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tools:   make(map[string]*entry),
		timeout: DefaultTimeout,
		tracer:  otel.Tracer(tracerName),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces a tool. A nil InputSchema accepts any object.
// The schema is resolved here so invalid schemas fail at startup.
func (r *Registry) Register(def Definition, handler Handler) error {
	if err := ValidateName(def.Name); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("tool %s: handler is required", def.Name)
	}
	if def.InputSchema == nil {
		def.InputSchema = &jsonschema.Schema{Type: "object"}
	}
	resolved, err := def.InputSchema.Resolve(nil)
	if err != nil {
		return fmt.Errorf("tool %s: resolve input schema: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		r.logger.Debug("tool re-registered", "tool", def.Name)
	}
	r.tools[def.Name] = &entry{def: def, resolved: resolved, handler: handler}
	return nil
}

// List returns all tool definitions sorted by name.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.tools))
	for _, e := range r.tools {
		defs = append(defs, e.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Invoke validates args and runs the named tool under scope. All failures
// are returned as *Error.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage, scope Scope) (*Result, error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &Error{Kind: KindNotFound, Tool: name}
	}

	ctx, span := r.tracer.Start(ctx, "tool.invoke", trace.WithAttributes(
		attribute.String("tool.name", name),
		attribute.String("orgbridge.organization_id", scope.OrganizationID),
		attribute.String("orgbridge.grant_id", scope.GrantID),
	))
	defer span.End()

	args, err := normalizeArgs(args)
	if err != nil {
		return nil, r.fail(span, &Error{Kind: KindInvalidArguments, Tool: name, Message: "arguments must be a JSON object"})
	}
	var instance any
	if err := json.Unmarshal(args, &instance); err != nil {
		return nil, r.fail(span, &Error{Kind: KindInvalidArguments, Tool: name, Message: "arguments must be a JSON object"})
	}
	if err := e.resolved.Validate(instance); err != nil {
		return nil, r.fail(span, &Error{Kind: KindInvalidArguments, Tool: name, Message: err.Error()})
	}

	result, terr := r.run(ctx, e, args, scope)
	if terr != nil {
		return nil, r.fail(span, terr)
	}
	span.SetStatus(codes.Ok, "")
	return result, nil
}

func (r *Registry) fail(span trace.Span, err *Error) *Error {
	span.SetAttributes(attribute.String("tool.error_kind", string(err.Kind)))
	span.SetStatus(codes.Error, string(err.Kind))
	if err.Cause != nil {
		span.RecordError(err.Cause)
	}
	return err
}

type outcome struct {
	result *Result
	err    error
}

// run executes the handler with a deadline and panic recovery. The handler
// goroutine always terminates on its own; the buffered channel lets it
// finish after Invoke has returned on timeout.
func (r *Registry) run(ctx context.Context, e *entry, args json.RawMessage, scope Scope) (*Result, *Error) {
	name := e.def.Name
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("tool handler panicked",
					"tool", name,
					"panic", p,
					"stack", string(debug.Stack()),
				)
				done <- outcome{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		res, err := e.handler(ctx, scope, args)
		done <- outcome{result: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			var te *Error
			if errors.As(out.err, &te) {
				c := *te
				c.Tool = name
				return nil, &c
			}
			if errors.Is(out.err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, &Error{Kind: KindTimeout, Tool: name, Cause: out.err}
			}
			return nil, &Error{Kind: KindExecutionFailed, Tool: name, Cause: out.err}
		}
		if out.result == nil {
			out.result = &Result{Content: []Content{}}
		}
		return out.result, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &Error{Kind: KindTimeout, Tool: name, Cause: ctx.Err()}
		}
		return nil, &Error{Kind: KindExecutionFailed, Tool: name, Cause: ctx.Err()}
	}
}

// normalizeArgs maps absent or null arguments to an empty object.
func normalizeArgs(args json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage("{}"), nil
	}
	if trimmed[0] != '{' {
		return nil, errors.New("not an object")
	}
	return trimmed, nil
}
