package policy

import (
	"fmt"
	"math"
)

// MagnitudeBound rejects any request whose named parameter exceeds a fixed
// absolute limit. The canonical instance is MAX_GAIN_LIMIT over gain_db.
type MagnitudeBound struct {
	PolicyName string
	Param      string
	Limit      float64
}

// Name implements Policy.
func (p MagnitudeBound) Name() string { return p.PolicyName }

// Evaluate implements Policy.
func (p MagnitudeBound) Evaluate(req Request) Result {
	v, ok := req.Param(p.Param)
	if !ok {
		return Result{Allowed: true, Level: LevelInfo}
	}
	if math.Abs(v) > p.Limit {
		return Result{
			Allowed: false,
			Level:   LevelBlock,
			Reason:  fmt.Sprintf("%s %.2f exceeds absolute limit %.2f", p.Param, v, p.Limit),
		}
	}
	return Result{Allowed: true, Level: LevelInfo}
}

// MaxGainLimit is the standard gain magnitude policy.
func MaxGainLimit(limitDB float64) MagnitudeBound {
	return MagnitudeBound{PolicyName: "MAX_GAIN_LIMIT", Param: "gain_db", Limit: limitDB}
}

// ProtectedResource rejects any destructive operation targeting a named
// protected resource.
type ProtectedResource struct {
	Protected []string
}

// Name implements Policy.
func (p ProtectedResource) Name() string { return "PROTECTED_RESOURCE" }

// Evaluate implements Policy.
func (p ProtectedResource) Evaluate(req Request) Result {
	if !req.Operation.Destructive() {
		return Result{Allowed: true, Level: LevelInfo}
	}
	for _, name := range p.Protected {
		if name == req.Resource {
			return Result{
				Allowed: false,
				Level:   LevelBlock,
				Reason:  fmt.Sprintf("destructive %s on protected resource %q", req.Operation, req.Resource),
			}
		}
	}
	return Result{Allowed: true, Level: LevelInfo}
}

// ParameterRange rejects a named parameter outside its declared range.
type ParameterRange struct {
	PolicyName string
	Param      string
	Min        float64
	Max        float64
}

// Name implements Policy.
func (p ParameterRange) Name() string {
	if p.PolicyName != "" {
		return p.PolicyName
	}
	return "PARAMETER_RANGE"
}

// Evaluate implements Policy.
func (p ParameterRange) Evaluate(req Request) Result {
	v, ok := req.Param(p.Param)
	if !ok {
		return Result{Allowed: true, Level: LevelInfo}
	}
	if v < p.Min || v > p.Max {
		return Result{
			Allowed: false,
			Level:   LevelBlock,
			Reason:  fmt.Sprintf("%s %.2f outside declared range [%.2f, %.2f]", p.Param, v, p.Min, p.Max),
		}
	}
	return Result{Allowed: true, Level: LevelInfo}
}
