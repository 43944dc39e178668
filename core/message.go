// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package core

import (
	"time"

	"github.com/google/uuid"
)

// Message is the bridge's internal representation of a telemetry or
// command message. It is created once at ingress and never mutated;
// translation between transports produces new copies.
type Message struct {
	Topic     string
	Payload   []byte
	Guarantee GuaranteeLevel
	Retained  bool

	ReceivedAt    time.Time
	CorrelationID string

	// Destination, when set, overrides the configured topic mapping
	// for the outbound leg.
	Destination string

	// ClientID and Seq identify the inbound source of the message and
	// feed the idempotency key for exactly-once-intent produces.
	ClientID string
	Seq      uint64

	// Origin and Hops are stamped by federation forwarding and drive
	// loop prevention between bridged peers.
	Origin string
	Hops   int
}

// NewMessage builds a Message stamped with the receive time and a fresh
// correlation ID.
func NewMessage(topic string, payload []byte, g GuaranteeLevel, retained bool) Message {
	return Message{
		Topic:         topic,
		Payload:       payload,
		Guarantee:     g,
		Retained:      retained,
		ReceivedAt:    time.Now().UTC(),
		CorrelationID: uuid.NewString(),
	}
}

// WithOrigin returns a copy of the message with an incremented hop
// count, stamped with the given origin marker unless one is already
// set. The marker always names the first instance that forwarded the
// message, so a peer can recognize and discard its own traffic no
// matter how many hops it took.
func (m Message) WithOrigin(origin string) Message {
	out := m
	if out.Origin == "" {
		out.Origin = origin
	}
	out.Hops++
	return out
}

// Delivery pairs a Message with the acknowledgment callback of its
// inbound leg. Ack is nil for fire-and-forget messages.
type Delivery struct {
	Message Message
	Ack     func()
}
