// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"fmt"
	"strings"
)

// MapRule rewrites topics under a filter into destination keys for the
// log transport. Segments are re-joined with Separator and prefixed
// with Prefix, e.g. {Filter: "vehicle/#", Prefix: "fleet",
// Separator: "."} maps "vehicle/42/location" to
// "fleet.vehicle.42.location".
type MapRule struct {
	Filter    string
	Prefix    string
	Separator string
}

// Mapper derives destination keys from source topics. The zero rule set
// is an identity passthrough. Safe for concurrent use; rules are
// read-only after construction.
type Mapper struct {
	rules []MapRule
}

// NewMapper validates the rule filters and builds a mapper. Rules are
// evaluated in order; the first matching rule wins.
func NewMapper(rules []MapRule) (*Mapper, error) {
	for i, r := range rules {
		if err := ValidateFilter(r.Filter); err != nil {
			return nil, fmt.Errorf("mapping rule %d: %w", i, err)
		}
	}
	return &Mapper{rules: rules}, nil
}

// Map returns the destination key for a topic. Topics matching no rule
// pass through unchanged.
func (m *Mapper) Map(topic string) string {
	for _, r := range m.rules {
		ok, err := Match(r.Filter, topic)
		if err != nil || !ok {
			continue
		}
		sep := r.Separator
		if sep == "" {
			sep = "/"
		}
		key := strings.Join(strings.Split(topic, "/"), sep)
		if r.Prefix != "" {
			key = r.Prefix + sep + key
		}
		return key
	}
	return topic
}
