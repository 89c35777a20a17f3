package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/selfsession/authcore/internal/policy"
	"github.com/selfsession/authcore/internal/workorder"
)

// Loopback is an in-process bridge backed by a parameter store. It exists
// for demos and tests: executions mutate real state that can be inspected
// afterwards, without touching any external system.
type Loopback struct {
	mu     sync.Mutex
	params map[string]map[string]float64 // resource -> param -> value
	calls  int
}

// NewLoopback creates an empty loopback bridge.
func NewLoopback() *Loopback {
	return &Loopback{params: make(map[string]map[string]float64)}
}

// Domain implements Bridge.
func (l *Loopback) Domain() string { return "loopback" }

// Calls returns how many times Execute ran, for verifying at-most-once
// dispatch.
func (l *Loopback) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

// Param returns the stored value of a resource parameter.
func (l *Loopback) Param(resource, name string) (float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.params[resource][name]
	return v, ok
}

// Execute implements Bridge. Adjustments merge the work order's parameters
// into the resource; reads return the resource's current parameters.
func (l *Loopback) Execute(ctx context.Context, wo workorder.WorkOrder) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++

	p := wo.Proposal
	output := map[string]any{"resource": p.Resource, "operation": string(p.Operation)}

	switch p.Operation {
	case policy.OpAdjust, policy.OpWrite:
		if l.params[p.Resource] == nil {
			l.params[p.Resource] = make(map[string]float64)
		}
		for name, v := range p.Parameters {
			l.params[p.Resource][name] = v
			output[name] = v
		}
	case policy.OpRead, policy.OpExport:
		for name, v := range l.params[p.Resource] {
			output[name] = v
		}
	case policy.OpDelete:
		delete(l.params, p.Resource)
	case policy.OpNavigate:
		output["navigated"] = true
	default:
		return Result{}, fmt.Errorf("loopback: unsupported operation %q", p.Operation)
	}

	return Result{Status: StatusSuccess, Output: output}, nil
}
