// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import "strings"

// Match checks if the topic matches the given filter.
// Rules:
// - filter can contain '+' (single level wildcard) and '#' (multi-level wildcard at end).
// - '#' matches its own level and everything below it, including zero levels.
// - matching is case-sensitive and empty levels are significant ("a//b" != "a/b").
// Returns ErrInvalidFilter if the filter violates wildcard placement rules.
func Match(filter, topic string) (bool, error) {
	if err := ValidateFilter(filter); err != nil {
		return false, err
	}
	if topic == "" {
		return false, nil
	}
	if filter == topic {
		return true, nil
	}

	filterLevels := strings.Split(filter, "/")
	topicLevels := strings.Split(topic, "/")

	// '$' topics are reserved (federation intake, broker internals):
	// wildcards never match the first level unless the filter names it.
	if strings.HasPrefix(topic, "$") {
		if filter[0] != '$' {
			return false, nil
		}
		if filterLevels[0] == "+" || filterLevels[0] == "#" {
			return false, nil
		}
	}

	for i, fLevel := range filterLevels {
		if fLevel == "#" {
			// Matches the parent and all children.
			return true, nil
		}

		if i >= len(topicLevels) {
			// Filter is longer than topic: "a/+" does not match "a".
			return false, nil
		}

		if fLevel == "+" {
			continue
		}

		if fLevel != topicLevels[i] {
			return false, nil
		}
	}

	// All filter levels consumed without a '#': lengths must agree.
	return len(filterLevels) == len(topicLevels), nil
}
