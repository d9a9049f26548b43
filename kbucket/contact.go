// Package kbucket implements the Contact descriptor and the k-bucket, the
// fixed-capacity, least-recently-seen-ordered container that the routing
// table splits the identifier space into.
package kbucket

import (
	"net"
	"strconv"
	"time"

	"kadnode/identifier"
)

// Contact is a remote peer descriptor. It never owns a live connection -
// UDP is connectionless - so a Contact is a pure value: identity, last
// known address, and liveness bookkeeping. Equality between contacts is by
// ID alone; Host/Port/LastSeen may change across updates of the same peer.
type Contact struct {
	ID       identifier.ID
	Host     string
	Port     uint16
	LastSeen time.Time
}

// Equal reports whether two contacts describe the same peer identity.
func (c Contact) Equal(other Contact) bool {
	return c.ID.Equal(other.ID)
}

// Addr returns the "host:port" string the transport layer sends to.
func (c Contact) Addr() string {
	return net.JoinHostPort(c.Host, strconv.FormatUint(uint64(c.Port), 10))
}
