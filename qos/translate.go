// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package qos translates per-message delivery guarantees between the
// pub/sub transport's discrete QoS levels and the log transport's
// offset-acknowledgment plus idempotent-producer semantics. Pure
// translation logic, no I/O.
package qos

import (
	"fmt"
	"hash/fnv"

	"telebridge/core"
)

// ProducePlan tells a pipeline how to treat the outbound operation for
// one message.
type ProducePlan struct {
	// AwaitAck: do not acknowledge the inbound leg until the
	// destination transport acknowledges receipt.
	AwaitAck bool

	// Retry: transient failures create a retry ledger entry instead of
	// dropping the message.
	Retry bool

	// Idempotent: attach a stable idempotency key so duplicate produce
	// attempts collapse into a single durable record.
	Idempotent bool
}

// Plan returns the produce policy for a guarantee level.
func Plan(g core.GuaranteeLevel) ProducePlan {
	switch g {
	case core.AtLeastOnce:
		return ProducePlan{AwaitAck: true, Retry: true}
	case core.ExactlyOnceIntent:
		return ProducePlan{AwaitAck: true, Retry: true, Idempotent: true}
	default:
		return ProducePlan{}
	}
}

// IdempotencyKey derives a stable key from the source client identity,
// the inbound sequence number and the topic. Identical inputs always
// produce identical keys.
func IdempotencyKey(clientID string, seq uint64, topic string) string {
	h := fnv.New64a()
	h.Write([]byte(clientID))
	h.Write([]byte{0})
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(seq >> (8 * i))
	}
	h.Write(buf[:])
	h.Write([]byte{0})
	h.Write([]byte(topic))
	return fmt.Sprintf("%016x", h.Sum64())
}

// PublishQoS maps a guarantee level back to the pub/sub QoS byte for
// the egress leg.
func PublishQoS(g core.GuaranteeLevel) byte {
	return g.QoS()
}
