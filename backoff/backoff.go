// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package backoff implements capped exponential backoff with jitter,
// shared by the connection supervisors and the retry ledger.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy describes an exponential backoff curve.
type Policy struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
	// Jitter is the fraction of the delay randomized in both
	// directions, e.g. 0.2 yields delays within ±20%.
	Jitter float64
}

// Default returns the policy used when configuration is silent.
func Default() Policy {
	return Policy{
		Initial:    500 * time.Millisecond,
		Multiplier: 2.0,
		Max:        30 * time.Second,
		Jitter:     0.2,
	}
}

// Delay computes the wait before the given attempt. Attempts are
// 1-based; values below 1 are treated as 1.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(p.Initial) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.Max) {
		d = float64(p.Max)
	}

	if p.Jitter > 0 {
		spread := d * p.Jitter
		d = d - spread + rand.Float64()*2*spread
	}

	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
