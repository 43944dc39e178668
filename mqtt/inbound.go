// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"fmt"
	"sync/atomic"

	"telebridge/core"
	"telebridge/topics"
)

// Inbound turns broker deliveries into bridge Deliveries on a bounded
// channel. The paho callback does nothing but construct the Message and
// enqueue it; when the channel is full the callback blocks, the broker
// acknowledgment is withheld and the broker stops sending.
type Inbound struct {
	client *Client
	out    chan<- core.Delivery

	// forward, when set, offers every received message to the
	// federation layer. Must be non-blocking.
	forward func(core.Message)

	// seq provides a fallback sequence for messages without a broker
	// packet ID (QoS 0).
	seq atomic.Uint64

	stop chan struct{}
}

// NewInbound wraps a subscribing client. forward may be nil.
func NewInbound(client *Client, out chan<- core.Delivery, forward func(core.Message)) *Inbound {
	return &Inbound{
		client:  client,
		out:     out,
		forward: forward,
		stop:    make(chan struct{}),
	}
}

// Subscribe registers a pattern at the requested guarantee level.
func (i *Inbound) Subscribe(filter string, g core.GuaranteeLevel) error {
	if err := topics.ValidateFilter(filter); err != nil {
		return fmt.Errorf("subscribe %q: %w", filter, err)
	}
	return i.client.Subscribe(filter, g.QoS(), i.handle)
}

// Stop unblocks any enqueue stuck on a full channel during shutdown.
func (i *Inbound) Stop() {
	close(i.stop)
}

func (i *Inbound) handle(topic string, payload []byte, qos byte, retained bool, seq uint64, ack func()) {
	if seq == 0 {
		seq = i.seq.Add(1)
	}

	msg := core.NewMessage(topic, payload, core.GuaranteeFromQoS(qos), retained)
	msg.ClientID = i.client.cfg.ClientID
	msg.Seq = seq

	if i.forward != nil {
		i.forward(msg)
	}

	select {
	case i.out <- core.Delivery{Message: msg, Ack: ack}:
	case <-i.stop:
	}
}

// Inject feeds an externally constructed message into the ingestion
// channel, bypassing the broker. Used by the federation receiver.
func (i *Inbound) Inject(msg core.Message, ack func()) {
	if i.forward != nil {
		i.forward(msg)
	}
	select {
	case i.out <- core.Delivery{Message: msg, Ack: ack}:
	case <-i.stop:
	}
}
