// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"fmt"

	"telebridge/topics"
)

// Route maps a topic subtree to a peer bridge instance. Routes are
// static per configuration and read-only during normal operation.
type Route struct {
	// Pattern selects the forwarded subtree, e.g. "vehicle/#".
	Pattern string
	// Peer names the remote instance, for logs and breaker identity.
	Peer string
	// Address is the peer's broker URL.
	Address string
	// Topic is the peer's federation intake topic.
	Topic string
}

// Validate rejects malformed routes at startup.
func (r Route) Validate() error {
	if err := topics.ValidateFilter(r.Pattern); err != nil {
		return fmt.Errorf("federation route %q: %w", r.Peer, err)
	}
	if r.Peer == "" {
		return fmt.Errorf("federation route for %q: peer name required", r.Pattern)
	}
	if r.Address == "" {
		return fmt.Errorf("federation route %q: peer address required", r.Peer)
	}
	if err := topics.ValidateName(r.Topic); err != nil {
		return fmt.Errorf("federation route %q: intake topic: %w", r.Peer, err)
	}
	return nil
}

// Matches reports whether a topic falls inside the routed subtree.
func (r Route) Matches(topic string) bool {
	ok, err := topics.Match(r.Pattern, topic)
	return err == nil && ok
}
