// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import "errors"

// Permanent message errors. Messages failing with these are dropped and
// reported immediately, never retried.
var (
	ErrPayloadTooLarge = errors.New("payload exceeds transport limit")
	ErrInvalidTopic    = errors.New("invalid destination topic")
)

// TransientError marks a failure worth retrying: broker unreachable,
// quota rejection, leader election in progress.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Transient wraps err as retriable. Returns nil for nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is marked retriable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
