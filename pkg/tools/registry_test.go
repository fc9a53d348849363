package tools

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeTool struct {
	name   string
	schema Schema
	invoke func(ctx context.Context, params map[string]interface{}) Result
}

func (f *fakeTool) Name() string   { return f.name }
func (f *fakeTool) Schema() Schema { return f.schema }
func (f *fakeTool) Invoke(ctx context.Context, params map[string]interface{}) Result {
	return f.invoke(ctx, params)
}

func echoTool(name string) *fakeTool {
	return &fakeTool{
		name: name,
		schema: Schema{Params: []ParamSpec{
			{Name: "value", Kind: ParamString, Required: true},
		}},
		invoke: func(_ context.Context, params map[string]interface{}) Result {
			return Result{Success: true, Status: StatusSuccess, Output: params["value"]}
		},
	}
}

func TestRegistryLookupAndEnableDisable(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.Register(echoTool("echo"))

	if r.GetEnabled("echo") == nil {
		t.Fatal("registered tool should be enabled")
	}
	if r.GetEnabled("absent") != nil {
		t.Fatal("unregistered name should return nil")
	}

	if err := r.Disable("echo"); err != nil {
		t.Fatalf("Disable() error = %v", err)
	}
	if r.GetEnabled("echo") != nil {
		t.Error("disabled tool should be invisible")
	}
	if got := r.ListEnabled(); len(got) != 0 {
		t.Errorf("ListEnabled() = %v, want empty", got)
	}

	if err := r.Enable("echo"); err != nil {
		t.Fatalf("Enable() error = %v", err)
	}
	if got := r.ListEnabled(); len(got) != 1 || got[0] != "echo" {
		t.Errorf("ListEnabled() = %v, want [echo]", got)
	}

	if err := r.Enable("absent"); err == nil {
		t.Error("Enable(absent) should fail")
	}
}

func TestExecuteUnknownToolIsDenied(t *testing.T) {
	r := NewRegistry(zerolog.Nop())

	res := r.Execute(context.Background(), "ghost", nil)
	if res.Success || res.Status != StatusDenied || res.Kind != ErrorKindNotFound {
		t.Errorf("result = %+v, want denied tool_not_found", res)
	}
}

func TestExecuteValidatesSchemaBeforeSideEffects(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	invoked := false
	r.Register(&fakeTool{
		name: "strict",
		schema: Schema{Params: []ParamSpec{
			{Name: "count", Kind: ParamNumber, Required: true},
		}},
		invoke: func(_ context.Context, _ map[string]interface{}) Result {
			invoked = true
			return Result{Success: true, Status: StatusSuccess}
		},
	})

	tests := []struct {
		name   string
		params map[string]interface{}
	}{
		{"missing required", map[string]interface{}{}},
		{"wrong type", map[string]interface{}{"count": "three"}},
		{"unknown param", map[string]interface{}{"count": 3, "extra": true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := r.Execute(context.Background(), "strict", tt.params)
			if res.Success || res.Status != StatusDenied || res.Kind != ErrorKindInvalidParams {
				t.Errorf("result = %+v, want denied invalid_params", res)
			}
			if invoked {
				t.Fatal("tool ran despite invalid parameters")
			}
		})
	}

	res := r.Execute(context.Background(), "strict", map[string]interface{}{"count": 3})
	if !res.Success || !invoked {
		t.Errorf("valid params should invoke the tool, got %+v", res)
	}
}

func TestExecuteStampsDuration(t *testing.T) {
	r := NewRegistry(zerolog.Nop())
	r.Register(&fakeTool{
		name:   "slowish",
		schema: Schema{},
		invoke: func(_ context.Context, _ map[string]interface{}) Result {
			time.Sleep(5 * time.Millisecond)
			return Result{Success: true, Status: StatusSuccess}
		},
	})

	res := r.Execute(context.Background(), "slowish", nil)
	if res.Duration <= 0 {
		t.Errorf("duration = %v, want > 0", res.Duration)
	}
}

func TestErrorKindRetryability(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want bool
	}{
		{ErrorKindTimeout, true},
		{ErrorKindTransient, true},
		{ErrorKindExecution, false},
		{ErrorKindPermissionDenied, false},
		{ErrorKindNotFound, false},
		{ErrorKindInvalidParams, false},
		{ErrorKindNone, false},
	}
	for _, tt := range tests {
		if got := tt.kind.IsRetryable(); got != tt.want {
			t.Errorf("IsRetryable(%s) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}
