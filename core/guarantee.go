// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import "fmt"

// GuaranteeLevel is the per-message delivery contract carried across
// both transports.
type GuaranteeLevel byte

const (
	AtMostOnce GuaranteeLevel = iota
	AtLeastOnce
	ExactlyOnceIntent
)

func (g GuaranteeLevel) String() string {
	switch g {
	case AtMostOnce:
		return "at_most_once"
	case AtLeastOnce:
		return "at_least_once"
	case ExactlyOnceIntent:
		return "exactly_once_intent"
	default:
		return "unknown"
	}
}

// QoS maps the guarantee level to the pub/sub side QoS byte.
func (g GuaranteeLevel) QoS() byte {
	return byte(g)
}

// GuaranteeFromQoS maps a pub/sub QoS byte to a guarantee level.
// QoS values above 2 clamp to exactly-once-intent.
func GuaranteeFromQoS(qos byte) GuaranteeLevel {
	if qos > 2 {
		return ExactlyOnceIntent
	}
	return GuaranteeLevel(qos)
}

// ParseGuarantee parses the config spelling of a guarantee level.
func ParseGuarantee(s string) (GuaranteeLevel, error) {
	switch s {
	case "at_most_once":
		return AtMostOnce, nil
	case "at_least_once":
		return AtLeastOnce, nil
	case "exactly_once_intent":
		return ExactlyOnceIntent, nil
	default:
		return AtMostOnce, fmt.Errorf("unknown guarantee level: %q", s)
	}
}
