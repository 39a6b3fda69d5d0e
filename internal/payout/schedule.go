// Package payout turns a verified severity into a payout amount.
package payout

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	KindFlat       = "flat"
	KindLinear     = "linear"
	KindTiered     = "tiered"
	KindExpression = "expression"
)

// Schedule computes the payout for a policy. Implementations are monotonic
// in severity and never exceed coverage.
type Schedule interface {
	Kind() string
	Amount(coverage, deductible decimal.Decimal, severity float64) (decimal.Decimal, error)
}

type Tier struct {
	MinSeverity float64 `yaml:"min_severity" json:"min_severity"`
	Fraction    float64 `yaml:"fraction" json:"fraction"`
}

type Config struct {
	Kind       string `yaml:"kind" json:"kind"`
	Tiers      []Tier `yaml:"tiers,omitempty" json:"tiers,omitempty"`
	Expression string `yaml:"expression,omitempty" json:"expression,omitempty"`
}

// New builds the schedule named by conf. An empty kind selects linear.
func New(conf Config) (Schedule, error) {
	switch strings.ToLower(strings.TrimSpace(conf.Kind)) {
	case "", KindLinear:
		return Linear{}, nil
	case KindFlat:
		return Flat{}, nil
	case KindTiered:
		return NewTiered(conf.Tiers)
	case KindExpression:
		return NewExpression(conf.Expression)
	}
	return nil, fmt.Errorf("unknown payout schedule %q", conf.Kind)
}

// Premium is the deterministic price of coverage at rate, in cents.
func Premium(coverage, rate decimal.Decimal) decimal.Decimal {
	return coverage.Mul(rate).Round(2)
}

var one = decimal.NewFromInt(1)

func checkInputs(coverage, deductible decimal.Decimal, severity float64) error {
	if !coverage.IsPositive() {
		return errors.New("coverage must be positive")
	}
	if deductible.IsNegative() || deductible.GreaterThanOrEqual(one) {
		return errors.New("deductible must be within [0,1)")
	}
	if severity < 0 || severity > 1 {
		return errors.New("severity must be within [0,1]")
	}
	return nil
}

// clamp bounds an amount to [0, coverage], truncating to cents.
func clamp(amount, coverage decimal.Decimal) decimal.Decimal {
	amount = amount.Truncate(2)
	if amount.IsNegative() {
		return decimal.Zero
	}
	if amount.GreaterThan(coverage) {
		return coverage
	}
	return amount
}

// Flat pays the full coverage less the deductible whatever the severity.
type Flat struct{}

func (Flat) Kind() string { return KindFlat }

func (Flat) Amount(coverage, deductible decimal.Decimal, severity float64) (decimal.Decimal, error) {
	if err := checkInputs(coverage, deductible, severity); err != nil {
		return decimal.Zero, err
	}
	return clamp(coverage.Mul(one.Sub(deductible)), coverage), nil
}

// Linear scales the net coverage by severity.
type Linear struct{}

func (Linear) Kind() string { return KindLinear }

func (Linear) Amount(coverage, deductible decimal.Decimal, severity float64) (decimal.Decimal, error) {
	if err := checkInputs(coverage, deductible, severity); err != nil {
		return decimal.Zero, err
	}
	net := coverage.Mul(one.Sub(deductible))
	return clamp(net.Mul(decimal.NewFromFloat(severity)), coverage), nil
}

// Tiered pays a fixed fraction of the net coverage per severity band.
type Tiered struct {
	tiers []Tier
}

func NewTiered(tiers []Tier) (*Tiered, error) {
	if len(tiers) == 0 {
		return nil, errors.New("tiered schedule needs at least one tier")
	}
	sorted := append([]Tier(nil), tiers...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinSeverity < sorted[j].MinSeverity })
	for i, t := range sorted {
		if t.MinSeverity < 0 || t.MinSeverity > 1 {
			return nil, fmt.Errorf("tier %d: min_severity %v outside [0,1]", i, t.MinSeverity)
		}
		if t.Fraction < 0 || t.Fraction > 1 {
			return nil, fmt.Errorf("tier %d: fraction %v outside [0,1]", i, t.Fraction)
		}
		if i > 0 {
			if t.MinSeverity == sorted[i-1].MinSeverity {
				return nil, fmt.Errorf("duplicate tier at severity %v", t.MinSeverity)
			}
			if t.Fraction < sorted[i-1].Fraction {
				return nil, fmt.Errorf("tier fractions must not decrease (severity %v)", t.MinSeverity)
			}
		}
	}
	return &Tiered{tiers: sorted}, nil
}

func (*Tiered) Kind() string { return KindTiered }

func (s *Tiered) Amount(coverage, deductible decimal.Decimal, severity float64) (decimal.Decimal, error) {
	if err := checkInputs(coverage, deductible, severity); err != nil {
		return decimal.Zero, err
	}
	fraction := 0.0
	for _, t := range s.tiers {
		if severity < t.MinSeverity {
			break
		}
		fraction = t.Fraction
	}
	net := coverage.Mul(one.Sub(deductible))
	return clamp(net.Mul(decimal.NewFromFloat(fraction)), coverage), nil
}
