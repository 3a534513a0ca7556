package tool

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"
)

var testScope = Scope{
	UserID:         "user-1",
	OrganizationID: "org-a",
	GrantID:        "grant-1",
	ClientName:     "Desk",
}

func messageSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"message": {Type: "string"},
		},
		Required:             []string{"message"},
		AdditionalProperties: &jsonschema.Schema{Not: &jsonschema.Schema{}},
	}
}

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	opts = append([]Option{WithLogger(slog.New(slog.DiscardHandler))}, opts...)
	return NewRegistry(opts...)
}

func mustRegister(t *testing.T, r *Registry, def Definition, h Handler) {
	t.Helper()
	if err := r.Register(def, h); err != nil {
		t.Fatalf("Register(%s) error = %v", def.Name, err)
	}
}

func TestRegistry_RegisterValidation(t *testing.T) {
	r := newTestRegistry(t)
	noop := func(context.Context, Scope, json.RawMessage) (*Result, error) { return nil, nil }

	if err := r.Register(Definition{}, noop); err == nil {
		t.Error("Register() with empty name should fail")
	}
	if err := r.Register(Definition{Name: "x"}, nil); err == nil {
		t.Error("Register() with nil handler should fail")
	}
	bad := &jsonschema.Schema{Ref: "#/$defs/missing"}
	if err := r.Register(Definition{Name: "x", InputSchema: bad}, noop); err == nil {
		t.Error("Register() with unresolvable schema should fail")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"simple", "echo", false},
		{"underscore", "list_files", false},
		{"hyphen and digits", "fetch-v2", false},
		{"empty", "", true},
		{"leading digit", "1tool", true},
		{"leading underscore", "_hidden", true},
		{"dot", "files.read", true},
		{"space", "list files", true},
		{"too long", "a" + strings.Repeat("b", MaxNameLength), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateName(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestRegistry_ListSortedAndLastWriteWins(t *testing.T) {
	r := newTestRegistry(t)
	text := func(s string) Handler {
		return func(context.Context, Scope, json.RawMessage) (*Result, error) { return TextResult(s), nil }
	}

	mustRegister(t, r, Definition{Name: "zeta"}, text("z"))
	mustRegister(t, r, Definition{Name: "alpha", Description: "first"}, text("a1"))
	mustRegister(t, r, Definition{Name: "alpha", Description: "second"}, text("a2"))

	defs := r.List()
	if len(defs) != 2 {
		t.Fatalf("List() len = %d, want 2", len(defs))
	}
	if defs[0].Name != "alpha" || defs[1].Name != "zeta" {
		t.Errorf("List() order = [%s %s], want [alpha zeta]", defs[0].Name, defs[1].Name)
	}
	if defs[0].Description != "second" {
		t.Errorf("Description = %q, want second", defs[0].Description)
	}
	if defs[0].InputSchema == nil || defs[0].InputSchema.Type != "object" {
		t.Error("nil InputSchema should default to an object schema")
	}

	res, err := r.Invoke(t.Context(), "alpha", nil, testScope)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if res.Content[0].Text != "a2" {
		t.Errorf("Invoke() text = %q, want a2", res.Content[0].Text)
	}
}

func TestRegistry_InvokePassesScopeAndArgs(t *testing.T) {
	r := newTestRegistry(t)
	var gotScope Scope
	var gotArgs json.RawMessage
	mustRegister(t, r, Definition{Name: "echo", InputSchema: messageSchema()},
		func(_ context.Context, s Scope, args json.RawMessage) (*Result, error) {
			gotScope, gotArgs = s, args
			return TextResult("ok"), nil
		})

	if _, err := r.Invoke(t.Context(), "echo", json.RawMessage(` {"message":"hi"} `), testScope); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if gotScope != testScope {
		t.Errorf("scope = %+v, want %+v", gotScope, testScope)
	}
	if string(gotArgs) != `{"message":"hi"}` {
		t.Errorf("args = %s", gotArgs)
	}
}

func TestRegistry_InvokeSuccessHasNilError(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, Definition{Name: "ok"},
		func(context.Context, Scope, json.RawMessage) (*Result, error) { return TextResult("done"), nil })

	for i := range 3 {
		res, err := r.Invoke(t.Context(), "ok", nil, testScope)
		if err != nil {
			t.Fatalf("call %d: Invoke() error = %v (%T), want nil", i, err, err)
		}
		if KindOf(err) != "" {
			t.Errorf("call %d: KindOf() = %q, want empty", i, KindOf(err))
		}
		if res == nil || len(res.Content) != 1 || res.Content[0].Text != "done" {
			t.Errorf("call %d: result = %+v", i, res)
		}
	}
}

func TestRegistry_InvokeErrors(t *testing.T) {
	r := newTestRegistry(t, WithTimeout(50*time.Millisecond))
	mustRegister(t, r, Definition{Name: "echo", InputSchema: messageSchema()},
		func(context.Context, Scope, json.RawMessage) (*Result, error) { return TextResult("ok"), nil })
	mustRegister(t, r, Definition{Name: "broken"},
		func(context.Context, Scope, json.RawMessage) (*Result, error) {
			return nil, errors.New("db password is hunter2")
		})
	mustRegister(t, r, Definition{Name: "panics"},
		func(context.Context, Scope, json.RawMessage) (*Result, error) { panic("boom") })
	mustRegister(t, r, Definition{Name: "picky"},
		func(context.Context, Scope, json.RawMessage) (*Result, error) {
			return nil, InvalidArguments("date must be in the past")
		})
	mustRegister(t, r, Definition{Name: "slow"},
		func(ctx context.Context, _ Scope, _ json.RawMessage) (*Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})

	tests := []struct {
		name     string
		tool     string
		args     string
		wantKind ErrorKind
		wantMsg  string
	}{
		{"unknown tool", "missing", `{}`, KindNotFound, "Unknown tool: missing"},
		{"missing required", "echo", `{}`, KindInvalidArguments, "Invalid arguments"},
		{"wrong type", "echo", `{"message":5}`, KindInvalidArguments, "Invalid arguments"},
		{"extra property", "echo", `{"message":"a","x":1}`, KindInvalidArguments, "Invalid arguments"},
		{"non-object args", "echo", `[1,2]`, KindInvalidArguments, "Invalid arguments: arguments must be a JSON object"},
		{"malformed args", "echo", `{"message":`, KindInvalidArguments, "Invalid arguments: arguments must be a JSON object"},
		{"handler error", "broken", `{}`, KindExecutionFailed, "Tool execution failed"},
		{"handler panic", "panics", `{}`, KindExecutionFailed, "Tool execution failed"},
		{"handler rejects", "picky", `{}`, KindInvalidArguments, "Invalid arguments: date must be in the past"},
		{"timeout", "slow", `{}`, KindTimeout, "Tool execution timed out"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Invoke(t.Context(), tt.tool, json.RawMessage(tt.args), testScope)
			if err == nil {
				t.Fatalf("Invoke() = %+v, want error", res)
			}
			if got := KindOf(err); got != tt.wantKind {
				t.Errorf("KindOf() = %q, want %q (err: %v)", got, tt.wantKind, err)
			}
			msg := SafeMessage(err)
			if !strings.HasPrefix(msg, tt.wantMsg) {
				t.Errorf("SafeMessage() = %q, want prefix %q", msg, tt.wantMsg)
			}
			if strings.Contains(msg, "hunter2") || strings.Contains(msg, "boom") {
				t.Errorf("SafeMessage() leaks internal detail: %q", msg)
			}
		})
	}
}

func TestRegistry_CallerCancellationStopsHandler(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := newTestRegistry(t)
	started := make(chan struct{})
	stopped := make(chan struct{})
	mustRegister(t, r, Definition{Name: "wait"},
		func(ctx context.Context, _ Scope, _ json.RawMessage) (*Result, error) {
			close(started)
			<-ctx.Done()
			close(stopped)
			return nil, ctx.Err()
		})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := r.Invoke(ctx, "wait", nil, testScope)
		errCh <- err
	}()

	<-started
	cancel()

	err := <-errCh
	if KindOf(err) != KindExecutionFailed {
		t.Errorf("KindOf() = %q, want %q", KindOf(err), KindExecutionFailed)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error should wrap context.Canceled, got %v", err)
	}
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("handler context was not cancelled")
	}
}

func TestRegistry_NilResultBecomesEmpty(t *testing.T) {
	r := newTestRegistry(t)
	mustRegister(t, r, Definition{Name: "quiet"},
		func(context.Context, Scope, json.RawMessage) (*Result, error) { return nil, nil })

	res, err := r.Invoke(t.Context(), "quiet", json.RawMessage("null"), testScope)
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if res == nil || res.Content == nil || res.IsError {
		t.Errorf("Invoke() = %+v, want empty non-error result", res)
	}
}

func TestRegistry_ConcurrentInvokeAndRegister(t *testing.T) {
	r := newTestRegistry(t)
	h := func(context.Context, Scope, json.RawMessage) (*Result, error) { return TextResult("ok"), nil }
	mustRegister(t, r, Definition{Name: "a"}, h)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if _, err := r.Invoke(context.Background(), "a", nil, testScope); err != nil {
				t.Errorf("Invoke() error = %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			_ = r.Register(Definition{Name: "a"}, h)
			_ = r.List()
		}()
	}
	wg.Wait()
}

func TestRegistry_Spans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	r := newTestRegistry(t, WithTracerProvider(tp))
	mustRegister(t, r, Definition{Name: "ok"},
		func(context.Context, Scope, json.RawMessage) (*Result, error) { return TextResult("ok"), nil })
	mustRegister(t, r, Definition{Name: "fail"},
		func(context.Context, Scope, json.RawMessage) (*Result, error) { return nil, errors.New("x") })

	_, _ = r.Invoke(t.Context(), "ok", nil, testScope)
	_, _ = r.Invoke(t.Context(), "fail", nil, testScope)

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(spans))
	}
	for _, s := range spans {
		if s.Name() != "tool.invoke" {
			t.Errorf("span name = %q, want tool.invoke", s.Name())
		}
		var org string
		for _, kv := range s.Attributes() {
			if kv.Key == "orgbridge.organization_id" {
				org = kv.Value.AsString()
			}
		}
		if org != "org-a" {
			t.Errorf("span organization attribute = %q, want org-a", org)
		}
	}
	if spans[1].Status().Code.String() != "Error" {
		t.Errorf("failed invocation span status = %v, want Error", spans[1].Status().Code)
	}
}
