// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package topics

import (
	"errors"
	"strings"
	"unicode/utf8"
)

// Common validation errors.
var (
	ErrInvalidFilter    = errors.New("invalid topic filter: misplaced wildcard")
	ErrInvalidTopicName = errors.New("invalid topic name: contains wildcards or illegal characters")
)

// ValidateFilter checks that a subscription filter uses wildcards
// legally: '+' must occupy a whole level, '#' must occupy the whole
// final level.
func ValidateFilter(filter string) error {
	if filter == "" {
		return ErrInvalidFilter
	}
	if !utf8.ValidString(filter) || strings.Contains(filter, "\x00") {
		return ErrInvalidFilter
	}

	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if level == "+" || (level == "#" && i == len(levels)-1) {
			continue
		}
		if strings.ContainsAny(level, "+#") {
			return ErrInvalidFilter
		}
	}
	return nil
}

// ValidateName checks if the topic name is valid for publishing
// (non-empty, no wildcards, valid UTF-8, no null characters).
func ValidateName(topic string) error {
	if topic == "" {
		return ErrInvalidTopicName
	}
	if strings.ContainsAny(topic, "+#") {
		return ErrInvalidTopicName
	}
	if !utf8.ValidString(topic) || strings.Contains(topic, "\x00") {
		return ErrInvalidTopicName
	}
	return nil
}
