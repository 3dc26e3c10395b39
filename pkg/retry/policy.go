// SPDX-License-Identifier: Apache-2.0
// Package retry tracks per-message fallback attempts and computes backoff
// delays for the Backstop engine.
package retry

import (
	"fmt"
	"math"
	"time"
)

// Strategy names a backoff curve.
type Strategy string

const (
	StrategyImmediate   Strategy = "immediate"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
	StrategyPolynomial  Strategy = "polynomial"
	StrategyCustom      Strategy = "custom"
)

// CustomDelayFunc computes the delay before attempt n (0-based).
type CustomDelayFunc func(attempt int) (time.Duration, error)

// Policy defaults, applied field by field when a value is invalid.
const (
	DefaultMaxRetries         = 3
	DefaultBaseDelay          = 1 * time.Second
	DefaultMaxDelay           = 30 * time.Second
	DefaultJitterFactor       = 0.1
	DefaultPolynomialBase     = 1.5
	DefaultPolynomialExponent = 2
)

// Policy configures retry admission and backoff.
type Policy struct {
	MaxRetries         int
	Strategy           Strategy
	BaseDelay          time.Duration
	MaxDelay           time.Duration
	JitterEnabled      bool
	JitterFactor       float64
	Timeout            time.Duration // total wallclock bound per message, 0 = none
	PolynomialBase     float64
	PolynomialExponent float64
	CustomFn           CustomDelayFunc
}

// DefaultPolicy returns the exponential policy used when no configuration
// is supplied.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:         DefaultMaxRetries,
		Strategy:           StrategyExponential,
		BaseDelay:          DefaultBaseDelay,
		MaxDelay:           DefaultMaxDelay,
		JitterEnabled:      true,
		JitterFactor:       DefaultJitterFactor,
		PolynomialBase:     DefaultPolynomialBase,
		PolynomialExponent: DefaultPolynomialExponent,
	}
}

// Normalize validates the policy, replacing invalid fields with defaults.
// It returns the corrected policy and one message per correction, meant
// for warn-level logs. Base and max delays trade places when reversed.
func (p Policy) Normalize() (Policy, []string) {
	var fixes []string

	switch p.Strategy {
	case StrategyImmediate, StrategyLinear, StrategyExponential, StrategyPolynomial:
	case StrategyCustom:
		if p.CustomFn == nil {
			fixes = append(fixes, "custom strategy without function, using immediate")
			p.Strategy = StrategyImmediate
		}
	default:
		fixes = append(fixes, fmt.Sprintf("unknown strategy %q, using %s", p.Strategy, StrategyExponential))
		p.Strategy = StrategyExponential
	}

	if p.MaxRetries < 0 {
		fixes = append(fixes, fmt.Sprintf("negative maxRetries %d, using %d", p.MaxRetries, DefaultMaxRetries))
		p.MaxRetries = DefaultMaxRetries
	}
	if p.BaseDelay < 0 {
		fixes = append(fixes, fmt.Sprintf("negative baseDelay %v, using %v", p.BaseDelay, DefaultBaseDelay))
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay < 0 {
		fixes = append(fixes, fmt.Sprintf("negative maxDelay %v, using %v", p.MaxDelay, DefaultMaxDelay))
		p.MaxDelay = DefaultMaxDelay
	}
	if p.BaseDelay > p.MaxDelay {
		fixes = append(fixes, fmt.Sprintf("baseDelay %v above maxDelay %v, swapping", p.BaseDelay, p.MaxDelay))
		p.BaseDelay, p.MaxDelay = p.MaxDelay, p.BaseDelay
	}
	if p.JitterFactor < 0 || p.JitterFactor > 1 {
		fixes = append(fixes, fmt.Sprintf("jitterFactor %v outside [0,1], using %v", p.JitterFactor, DefaultJitterFactor))
		p.JitterFactor = DefaultJitterFactor
	}
	if p.Timeout < 0 {
		fixes = append(fixes, "negative timeout, disabling")
		p.Timeout = 0
	}
	if p.PolynomialBase <= 0 {
		p.PolynomialBase = DefaultPolynomialBase
	}
	if p.PolynomialExponent <= 0 {
		p.PolynomialExponent = DefaultPolynomialExponent
	}

	return p, fixes
}

// baseDelayFor computes the undithered delay before attempt n (0-based).
// The result is already clamped to [0, MaxDelay]. The boolean reports
// whether the custom function misbehaved in a way worth a warning.
func (p Policy) baseDelayFor(attempt int) (time.Duration, string) {
	if attempt < 0 {
		attempt = 0
	}

	switch p.Strategy {
	case StrategyImmediate:
		return 0, ""

	case StrategyLinear:
		d := float64(p.BaseDelay) * float64(attempt+1)
		return p.clamp(d), ""

	case StrategyExponential:
		d := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
		return p.clamp(d), ""

	case StrategyPolynomial:
		d := float64(p.BaseDelay) * math.Pow(p.PolynomialBase, float64(attempt)*p.PolynomialExponent)
		return p.clamp(d), ""

	case StrategyCustom:
		return p.customDelayFor(attempt)

	default:
		return 0, ""
	}
}

func (p Policy) customDelayFor(attempt int) (d time.Duration, warn string) {
	if p.CustomFn == nil {
		return 0, "custom delay function missing, using immediate"
	}
	defer func() {
		if r := recover(); r != nil {
			d = 0
			warn = fmt.Sprintf("custom delay function panicked: %v, using immediate", r)
		}
	}()

	v, err := p.CustomFn(attempt)
	if err != nil {
		return 0, fmt.Sprintf("custom delay function failed: %v, using immediate", err)
	}
	if v < 0 {
		return 0, fmt.Sprintf("custom delay %v negative, clamping to 0", v)
	}
	if v > p.MaxDelay {
		return p.MaxDelay, fmt.Sprintf("custom delay %v above maxDelay %v, clamping", v, p.MaxDelay)
	}
	return v, ""
}

func (p Policy) clamp(d float64) time.Duration {
	if d < 0 {
		return 0
	}
	if max := float64(p.MaxDelay); d > max {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// applyJitter spreads the delay by uniform(-d·f, +d·f), floored at zero.
// Zero delays stay zero so immediate retries remain immediate.
func (p Policy) applyJitter(d time.Duration, randFloat func() float64) time.Duration {
	if !p.JitterEnabled || p.JitterFactor == 0 || d <= 0 {
		return d
	}
	offset := (randFloat()*2 - 1) * p.JitterFactor * float64(d)
	jittered := time.Duration(float64(d) + offset)
	if jittered < 0 {
		return 0
	}
	return jittered
}
