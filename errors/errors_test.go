package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name         string
		code         ErrorCode
		wantCategory ErrorCategory
		wantRetry    bool
	}{
		{"timeout", ErrCodeTimeout, CategoryTransient, true},
		{"shutting_down", ErrCodeShuttingDown, CategoryTransient, true},
		{"connection", ErrCodeConnectionError, CategoryTransient, true},
		{"duplicate", ErrCodeDuplicateAgent, CategoryPermanent, false},
		{"not_found", ErrCodeNotFound, CategoryPermanent, false},
		{"invalid_state", ErrCodeInvalidState, CategoryPermanent, false},
		{"unknown_command", ErrCodeUnknownCommand, CategoryPermanent, false},
		{"handler_fault", ErrCodeHandlerFault, CategoryInternal, false},
		{"panic", ErrCodePanic, CategoryInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, "boom")
			if err.Code() != tt.code {
				t.Errorf("Code() = %v, want %v", err.Code(), tt.code)
			}
			if err.Category() != tt.wantCategory {
				t.Errorf("Category() = %v, want %v", err.Category(), tt.wantCategory)
			}
			if err.Retryable() != tt.wantRetry {
				t.Errorf("Retryable() = %v, want %v", err.Retryable(), tt.wantRetry)
			}
			if err.Timestamp().IsZero() {
				t.Error("Timestamp() should not be zero")
			}
		})
	}
}

func TestFromCode(t *testing.T) {
	err := FromCode(ErrCodeShuttingDown)
	if err.Error() != "bus is shutting down" {
		t.Errorf("Error() = %q", err.Error())
	}
	if ErrorCode("NOPE").Description() != "unknown error" {
		t.Error("unknown code should have generic description")
	}
}

func TestTaxonomyConstructors(t *testing.T) {
	tests := []struct {
		name    string
		err     *Error
		code    ErrorCode
		agentID string
		op      string
		contain string
	}{
		{"duplicate", DuplicateAgent("agent_001"), ErrCodeDuplicateAgent, "agent_001", "register", "already registered"},
		{"not_found", NotFound("send_direct", "ghost"), ErrCodeNotFound, "ghost", "send_direct", `"ghost" not found`},
		{"invalid_state", InvalidState("start", "STOPPED"), ErrCodeInvalidState, "", "start", "STOPPED"},
		{"timeout", Timeout("send_direct", "slow", 2*time.Second), ErrCodeTimeout, "slow", "send_direct", "2s"},
		{"shutting_down", ShuttingDown("broadcast"), ErrCodeShuttingDown, "", "broadcast", "shutting down"},
		{"handler_fault", HandlerFault("a1", fmt.Errorf("kaput")), ErrCodeHandlerFault, "a1", "handle", "kaput"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code() != tt.code {
				t.Errorf("Code() = %v, want %v", tt.err.Code(), tt.code)
			}
			if tt.err.AgentID() != tt.agentID {
				t.Errorf("AgentID() = %q, want %q", tt.err.AgentID(), tt.agentID)
			}
			if tt.err.Operation() != tt.op {
				t.Errorf("Operation() = %q, want %q", tt.err.Operation(), tt.op)
			}
			if !strings.Contains(tt.err.Error(), tt.contain) {
				t.Errorf("Error() = %q, want it to contain %q", tt.err.Error(), tt.contain)
			}
		})
	}
}

func TestUnknownCommandAndConnectionMetadata(t *testing.T) {
	uc := UnknownCommand("dance")
	if uc.Metadata()[MetaCommand] != "dance" {
		t.Errorf("command metadata = %q", uc.Metadata()[MetaCommand])
	}

	cause := fmt.Errorf("dial tcp: refused")
	ce := ConnectionError("openai", cause)
	if ce.Metadata()[MetaBridge] != "openai" {
		t.Errorf("bridge metadata = %q", ce.Metadata()[MetaBridge])
	}
	if !errors.Is(ce, cause) {
		t.Error("ConnectionError should unwrap to its cause")
	}
	if !ce.Retryable() {
		t.Error("ConnectionError should be retryable")
	}
}

func TestMetadataIsCopied(t *testing.T) {
	err := New(ErrCodeInternal, "x", WithMetadata("k", "v"))
	m := err.Metadata()
	m["k"] = "changed"
	if err.Metadata()["k"] != "v" {
		t.Error("Metadata() should return a copy")
	}
}

func TestWithRetryableOverride(t *testing.T) {
	err := New(ErrCodeNotFound, "gone", WithRetryable(true))
	if !err.Retryable() {
		t.Error("explicit retryable should override category")
	}
	if !IsRetryable(err) {
		t.Error("IsRetryable should honour override")
	}
	if IsRetryable(fmt.Errorf("plain")) {
		t.Error("plain errors are not retryable")
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "nothing") != nil {
		t.Fatal("Wrap(nil) should be nil")
	}

	t.Run("preserves bus error", func(t *testing.T) {
		inner := NotFound("send_direct", "ghost", WithMessageID("m1"))
		w := Wrap(inner, "routing")
		if w.Code() != ErrCodeNotFound {
			t.Errorf("Code() = %v", w.Code())
		}
		if w.AgentID() != "ghost" || w.MessageID() != "m1" {
			t.Errorf("ids not preserved: %q %q", w.AgentID(), w.MessageID())
		}
		if !errors.Is(w, inner) {
			t.Error("wrapped error should match inner")
		}
	})

	t.Run("context deadline", func(t *testing.T) {
		w := Wrap(context.DeadlineExceeded, "waiting")
		if w.Code() != ErrCodeTimeout {
			t.Errorf("Code() = %v, want TIMEOUT", w.Code())
		}
	})

	t.Run("context canceled", func(t *testing.T) {
		w := Wrap(context.Canceled, "waiting")
		if w.Code() != ErrCodeCanceled {
			t.Errorf("Code() = %v, want CANCELED", w.Code())
		}
	})

	t.Run("plain error", func(t *testing.T) {
		w := Wrapf(fmt.Errorf("disk"), "saving %s", "x")
		if w.Code() != ErrCodeInternal {
			t.Errorf("Code() = %v, want INTERNAL", w.Code())
		}
		if w.Error() != "saving x: disk" {
			t.Errorf("Error() = %q", w.Error())
		}
	})
}

func TestIsAndCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", Timeout("send_direct", "a", time.Second))
	if !Is(err, ErrCodeTimeout) {
		t.Error("Is should find code through fmt wrapping")
	}
	if Is(err, ErrCodeNotFound) {
		t.Error("Is should not match other codes")
	}
	if Code(err) != ErrCodeTimeout {
		t.Errorf("Code() = %v", Code(err))
	}
	if Code(fmt.Errorf("plain")) != "" {
		t.Error("Code of plain error should be empty")
	}
	if As(fmt.Errorf("plain")) != nil {
		t.Error("As of plain error should be nil")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	orig := Timeout("send_direct", "agent_002", 30*time.Second,
		WithMessageID("msg-1"),
		WithCause(fmt.Errorf("deadline")))

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got Error
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Code() != orig.Code() || got.Category() != orig.Category() {
		t.Errorf("code/category mismatch: %v/%v", got.Code(), got.Category())
	}
	if got.AgentID() != "agent_002" || got.MessageID() != "msg-1" {
		t.Errorf("ids mismatch: %q %q", got.AgentID(), got.MessageID())
	}
	if got.Error() != orig.Error() {
		t.Errorf("Error() = %q, want %q", got.Error(), orig.Error())
	}
	if got.Metadata()[MetaTimeout] != "30s" {
		t.Errorf("timeout metadata = %q", got.Metadata()[MetaTimeout])
	}
	if !got.Timestamp().Equal(orig.Timestamp()) {
		t.Errorf("timestamp mismatch")
	}
}

func TestJoinAndCollect(t *testing.T) {
	if Join(nil, nil) != nil {
		t.Error("Join of nils should be nil")
	}
	a := ShuttingDown("stop")
	b := NotFound("unregister", "x")
	joined := Join(a, nil, b)
	if !errors.Is(joined, a) || !errors.Is(joined, b) {
		t.Error("joined error should contain both")
	}
	if got := Collect(nil, a, nil, b); len(got) != 2 {
		t.Errorf("Collect len = %d, want 2", len(got))
	}
}

func TestRecoverPanic(t *testing.T) {
	if RecoverPanic(nil) != nil {
		t.Fatal("RecoverPanic(nil) should be nil")
	}
	tests := []struct {
		name  string
		value interface{}
		want  string
	}{
		{"string", "oops", "oops"},
		{"error", fmt.Errorf("bad"), "bad"},
		{"int", 42, "42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := RecoverPanic(tt.value, WithAgentID("a1"))
			if err.Code() != ErrCodePanic {
				t.Errorf("Code() = %v", err.Code())
			}
			if err.Error() != tt.want {
				t.Errorf("Error() = %q, want %q", err.Error(), tt.want)
			}
			if err.AgentID() != "a1" {
				t.Errorf("AgentID() = %q", err.AgentID())
			}
		})
	}
}
