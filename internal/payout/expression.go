package payout

import (
	"errors"
	"fmt"
	"math"
	"reflect"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/shopspring/decimal"
)

const expressionCostLimit = 10000

// Expression evaluates a CEL formula over coverage, deductible and severity.
type Expression struct {
	source string
	prg    cel.Program
}

// NewExpression compiles src and rejects formulas that leave [0, coverage] or
// decrease with severity on a sample grid.
func NewExpression(src string) (*Expression, error) {
	if src == "" {
		return nil, errors.New("expression schedule needs an expression")
	}
	env, err := cel.NewEnv(
		cel.Variable("coverage", cel.DoubleType),
		cel.Variable("deductible", cel.DoubleType),
		cel.Variable("severity", cel.DoubleType),
	)
	if err != nil {
		return nil, err
	}
	ast, issues := env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile payout expression: %w", issues.Err())
	}
	if !reflect.DeepEqual(ast.OutputType(), cel.DoubleType) {
		return nil, fmt.Errorf("payout expression must yield a double, got %v", ast.OutputType())
	}
	prg, err := env.Program(ast, cel.CostLimit(expressionCostLimit))
	if err != nil {
		return nil, err
	}
	e := &Expression{source: src, prg: prg}
	if err := e.sample(); err != nil {
		return nil, err
	}
	return e, nil
}

func (*Expression) Kind() string { return KindExpression }

func (e *Expression) Source() string { return e.source }

func (e *Expression) eval(coverage, deductible, severity float64) (float64, error) {
	out, _, err := e.prg.Eval(map[string]any{
		"coverage":   coverage,
		"deductible": deductible,
		"severity":   severity,
	})
	if err != nil {
		return 0, fmt.Errorf("evaluate payout expression: %w", err)
	}
	d, ok := out.(types.Double)
	if !ok {
		return 0, fmt.Errorf("payout expression returned %s", out.Type())
	}
	if math.IsNaN(float64(d)) || math.IsInf(float64(d), 0) {
		return 0, errors.New("payout expression is not finite")
	}
	return float64(d), nil
}

func (e *Expression) sample() error {
	for _, coverage := range []float64{1, 1000, 10000, 250000} {
		for _, deductible := range []float64{0, 0.1, 0.5, 0.9} {
			prev := -1.0
			for i := 0; i <= 20; i++ {
				severity := float64(i) / 20
				v, err := e.eval(coverage, deductible, severity)
				if err != nil {
					return err
				}
				if v < 0 || v > coverage {
					return fmt.Errorf("payout expression yields %v for coverage %v (severity %v)", v, coverage, severity)
				}
				if v < prev {
					return fmt.Errorf("payout expression decreases at severity %v", severity)
				}
				prev = v
			}
		}
	}
	return nil
}

func (e *Expression) Amount(coverage, deductible decimal.Decimal, severity float64) (decimal.Decimal, error) {
	if err := checkInputs(coverage, deductible, severity); err != nil {
		return decimal.Zero, err
	}
	v, err := e.eval(coverage.InexactFloat64(), deductible.InexactFloat64(), severity)
	if err != nil {
		return decimal.Zero, err
	}
	return clamp(decimal.NewFromFloat(v), coverage), nil
}
