// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import "sync/atomic"

// ConnectionState represents the state of a supervised adapter
// connection.
type ConnectionState uint32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Suspended
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Suspended:
		return "suspended"
	default:
		return "unknown"
	}
}

// StateVar is an atomically updated connection state. Written only by
// the owning supervisor; read from any goroutine.
type StateVar struct {
	v uint32
}

// NewStateVar returns a state variable starting at Disconnected.
func NewStateVar() *StateVar {
	return &StateVar{v: uint32(Disconnected)}
}

// Get returns the current state.
func (s *StateVar) Get() ConnectionState {
	return ConnectionState(atomic.LoadUint32(&s.v))
}

// Set unconditionally sets the state.
func (s *StateVar) Set(state ConnectionState) {
	atomic.StoreUint32(&s.v, uint32(state))
}

// Transition attempts to move from the expected state to a new one.
// Returns true on success.
func (s *StateVar) Transition(from, to ConnectionState) bool {
	return atomic.CompareAndSwapUint32(&s.v, uint32(from), uint32(to))
}
