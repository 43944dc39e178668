// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package federation forwards whole topic subtrees between bridge
// instances. Messages keep their wire shape and guarantee semantics
// end-to-end; an origin marker and hop count prevent forwarding cycles
// between bidirectionally bridged peers.
package federation

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/s2"

	"telebridge/core"
)

const (
	batchVersion = 1

	compressionNone byte = 0
	compressionS2   byte = 1
)

// Envelope is the wire form of a bridged message.
type Envelope struct {
	Topic         string `json:"topic"`
	Payload       []byte `json:"payload"`
	Guarantee     byte   `json:"guarantee"`
	Retained      bool   `json:"retained,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	ClientID      string `json:"client_id,omitempty"`
	Seq           uint64 `json:"seq,omitempty"`
	Origin        string `json:"origin"`
	Hops          int    `json:"hops"`
}

// FromMessage converts a bridge message into its wire form.
func FromMessage(msg core.Message) Envelope {
	return Envelope{
		Topic:         msg.Topic,
		Payload:       msg.Payload,
		Guarantee:     byte(msg.Guarantee),
		Retained:      msg.Retained,
		CorrelationID: msg.CorrelationID,
		ClientID:      msg.ClientID,
		Seq:           msg.Seq,
		Origin:        msg.Origin,
		Hops:          msg.Hops,
	}
}

// Message converts the envelope back into a bridge message. The
// receive timestamp is re-stamped locally.
func (e Envelope) Message() core.Message {
	msg := core.NewMessage(e.Topic, e.Payload, core.GuaranteeFromQoS(e.Guarantee), e.Retained)
	if e.CorrelationID != "" {
		msg.CorrelationID = e.CorrelationID
	}
	msg.ClientID = e.ClientID
	msg.Seq = e.Seq
	msg.Origin = e.Origin
	msg.Hops = e.Hops
	return msg
}

// EncodeBatch serializes envelopes with a two-byte header
// (version, compression). The body is s2-compressed only when that
// actually shrinks it.
func EncodeBatch(envelopes []Envelope) ([]byte, error) {
	body, err := json.Marshal(envelopes)
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}

	compression := compressionNone
	compressed := s2.Encode(nil, body)
	if len(compressed) < len(body) {
		compression = compressionS2
		body = compressed
	}

	out := make([]byte, 0, len(body)+2)
	out = append(out, batchVersion, compression)
	out = append(out, body...)
	return out, nil
}

// DecodeBatch reverses EncodeBatch.
func DecodeBatch(data []byte) ([]Envelope, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("decode batch: short input")
	}
	if data[0] != batchVersion {
		return nil, fmt.Errorf("decode batch: unsupported version %d", data[0])
	}

	body := data[2:]
	switch data[1] {
	case compressionNone:
	case compressionS2:
		decoded, err := s2.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("decode batch: decompression failed: %w", err)
		}
		body = decoded
	default:
		return nil, fmt.Errorf("decode batch: unknown compression %d", data[1])
	}

	var envelopes []Envelope
	if err := json.Unmarshal(body, &envelopes); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	return envelopes, nil
}
