// Package bridge defines the execution boundary: the adapter that carries a
// fully authorized work order into the target domain. The bridge trusts its
// caller completely and performs no authorization of its own; everything
// before it is the dispatcher's job.
package bridge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/selfsession/authcore/internal/workorder"
)

// Status is the terminal outcome of one bridge invocation.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Result is what one execution attempt produced.
type Result struct {
	Status     Status         `json:"status"`
	Domain     string         `json:"domain"`
	Output     map[string]any `json:"output,omitempty"`
	ResultHash string         `json:"result_hash,omitempty"`
	Err        string         `json:"error,omitempty"`
}

// Bridge executes one work order in its domain. Implementations must honor
// ctx cancellation; a hung bridge must not wedge the dispatcher.
type Bridge interface {
	Domain() string
	Execute(ctx context.Context, wo workorder.WorkOrder) (Result, error)
}

// HashOutput produces the deterministic hash recorded against an execution.
func HashOutput(output map[string]any) string {
	if len(output) == 0 {
		return ""
	}
	b, err := json.Marshal(output)
	if err != nil {
		return ""
	}
	h := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(h[:])
}

// Invoke runs the bridge with a hard deadline and normalizes its failure
// modes into a FAILED result. The bridge is called at most once per work
// order; a timeout is a failure, never a silent retry.
func Invoke(ctx context.Context, b Bridge, wo workorder.WorkOrder, timeout time.Duration) Result {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		res Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := b.Execute(ctx, wo)
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return Result{Status: StatusFailed, Domain: b.Domain(), Err: o.err.Error()}
		}
		res := o.res
		res.Domain = b.Domain()
		if res.Status == "" {
			res.Status = StatusSuccess
		}
		if res.ResultHash == "" {
			res.ResultHash = HashOutput(res.Output)
		}
		return res
	case <-ctx.Done():
		return Result{
			Status: StatusFailed,
			Domain: b.Domain(),
			Err:    fmt.Sprintf("bridge timed out: %v", ctx.Err()),
		}
	}
}
