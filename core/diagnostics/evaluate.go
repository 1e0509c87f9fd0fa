package diagnostics

import (
	"math"
	"strconv"
	"strings"

	"fieldops/core/models"
)

// ParseReading parses a technician's numeric entry. ok is false for blank or non-numeric input.
func ParseReading(input string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSpace(input), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Compare applies the reading's operator to v. between is inclusive on both ends.
// It returns nil when the reading's threshold definition is unusable.
func Compare(r models.Reading, v float64) *bool {
	var pass bool
	switch r.Operator {
	case models.OpLess:
		pass = v < r.Value
	case models.OpLessEqual:
		pass = v <= r.Value
	case models.OpGreater:
		pass = v > r.Value
	case models.OpGreaterEqual:
		pass = v >= r.Value
	case models.OpBetween:
		if r.Max == nil {
			return nil
		}
		pass = r.Value <= v && v <= *r.Max
	default:
		return nil
	}
	return &pass
}

// EvaluateReading parses input and compares it; nil means indeterminate.
func EvaluateReading(r models.Reading, input string) *bool {
	v, ok := ParseReading(input)
	if !ok {
		return nil
	}
	return Compare(r, v)
}

// CheckResult is the outcome of evaluating a check node's readings
type CheckResult struct {
	Results map[string]*bool
	Outcome *bool
}

// Good reports whether the check was determined good.
func (r CheckResult) Good() bool {
	return r.Outcome != nil && *r.Outcome
}

// EvaluateCheck evaluates every reading of data against inputs keyed by reading id and rolls them up.
func EvaluateCheck(data *models.CheckData, inputs map[string]string) CheckResult {
	res := CheckResult{Results: make(map[string]*bool, len(data.Readings))}
	ordered := make([]*bool, 0, len(data.Readings))
	for _, r := range data.Readings {
		v := EvaluateReading(r, inputs[r.ID])
		res.Results[r.ID] = v
		ordered = append(ordered, v)
	}
	if len(ordered) == 0 {
		return res
	}
	if data.RollupLogic == models.RollupCustom {
		res.Outcome = rollupCustom(data.RollupExpression, res.Results)
		return res
	}
	res.Outcome = Rollup(data.RollupLogic, ordered)
	return res
}

// Rollup combines per-reading results. Any indeterminate result makes the rollup indeterminate.
// An empty logic value defaults to all_good.
func Rollup(logic models.RollupLogic, results []*bool) *bool {
	if len(results) == 0 {
		return nil
	}
	anyTrue, anyFalse := false, false
	for _, r := range results {
		if r == nil {
			return nil
		}
		if *r {
			anyTrue = true
		} else {
			anyFalse = true
		}
	}

	var out bool
	switch logic {
	case models.RollupAllGood, "":
		out = !anyFalse
	case models.RollupAnyBad:
		out = !anyFalse
	case models.RollupAllBad:
		// fails only when every reading failed
		out = anyTrue
	case models.RollupAnyGood:
		out = anyTrue
	default:
		return nil
	}
	return &out
}

func rollupCustom(expression string, results map[string]*bool) *bool {
	expr, err := ParseExpr(expression)
	if err != nil {
		return nil
	}
	v, err := expr.Eval(results)
	if err != nil {
		return nil
	}
	return &v
}
