package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/selfsession/authcore/internal/capability"
	"github.com/selfsession/authcore/internal/policy"
	"github.com/selfsession/authcore/internal/proposal"
	"github.com/selfsession/authcore/internal/workorder"
)

func order(op policy.OperationKind, resource string, params map[string]float64) workorder.WorkOrder {
	p := proposal.New(capability.GainAdjustment, op, resource, "test action")
	p.Parameters = params
	return workorder.New("sess-1", p, capability.Scope{OwnerID: "alice"})
}

func TestLoopbackAdjust(t *testing.T) {
	loop := NewLoopback()
	wo := order(policy.OpAdjust, "track-1/gain", map[string]float64{"gain_db": -2})

	res := Invoke(context.Background(), loop, wo, time.Second)
	if res.Status != StatusSuccess {
		t.Fatalf("status = %s: %s", res.Status, res.Err)
	}
	if res.Domain != "loopback" {
		t.Errorf("domain = %q, want loopback", res.Domain)
	}
	if res.ResultHash == "" {
		t.Error("successful execution with output must carry a result hash")
	}

	v, ok := loop.Param("track-1/gain", "gain_db")
	if !ok || v != -2 {
		t.Errorf("stored gain_db = %v, %v; want -2, true", v, ok)
	}
	if loop.Calls() != 1 {
		t.Errorf("calls = %d, want 1", loop.Calls())
	}
}

func TestLoopbackDelete(t *testing.T) {
	loop := NewLoopback()
	Invoke(context.Background(), loop, order(policy.OpAdjust, "track-1/gain", map[string]float64{"gain_db": 1}), time.Second)

	res := Invoke(context.Background(), loop, order(policy.OpDelete, "track-1/gain", nil), time.Second)
	if res.Status != StatusSuccess {
		t.Fatalf("delete failed: %s", res.Err)
	}
	if _, ok := loop.Param("track-1/gain", "gain_db"); ok {
		t.Error("deleted resource should have no parameters")
	}
}

func TestLoopbackUnsupportedOperation(t *testing.T) {
	loop := NewLoopback()
	res := Invoke(context.Background(), loop, order("frobnicate", "x", nil), time.Second)
	if res.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", res.Status, StatusFailed)
	}
	if res.Err == "" {
		t.Error("failed result must carry an error")
	}
}

// slowBridge blocks until its context is cancelled.
type slowBridge struct{}

func (slowBridge) Domain() string { return "slow" }

func (slowBridge) Execute(ctx context.Context, wo workorder.WorkOrder) (Result, error) {
	<-ctx.Done()
	return Result{}, ctx.Err()
}

func TestInvokeTimeout(t *testing.T) {
	res := Invoke(context.Background(), slowBridge{}, order(policy.OpAdjust, "x", nil), 20*time.Millisecond)
	if res.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", res.Status, StatusFailed)
	}
	if res.Domain != "slow" {
		t.Errorf("domain = %q, want slow", res.Domain)
	}
}

// errBridge always fails.
type errBridge struct{}

func (errBridge) Domain() string { return "err" }

func (errBridge) Execute(ctx context.Context, wo workorder.WorkOrder) (Result, error) {
	return Result{}, errors.New("downstream unavailable")
}

func TestInvokeNormalizesErrors(t *testing.T) {
	res := Invoke(context.Background(), errBridge{}, order(policy.OpAdjust, "x", nil), time.Second)
	if res.Status != StatusFailed {
		t.Fatalf("status = %s, want %s", res.Status, StatusFailed)
	}
	if res.Err != "downstream unavailable" {
		t.Errorf("err = %q", res.Err)
	}
}

func TestHashOutputDeterministic(t *testing.T) {
	out := map[string]any{"resource": "track-1", "gain_db": -2.0}
	a := HashOutput(out)
	b := HashOutput(map[string]any{"resource": "track-1", "gain_db": -2.0})
	if a == "" || a != b {
		t.Fatalf("hashes differ: %s vs %s", a, b)
	}
	if HashOutput(nil) != "" {
		t.Error("empty output should hash to empty string")
	}
}
