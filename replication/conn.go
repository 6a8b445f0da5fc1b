// Package replication implements both transports of spec.md §4.4. This
// file covers the mutation-forwarding channel: a TCP connection from a
// slave to the master carrying fixed-size Mutation frames plus a 4-byte
// heartbeat every 3 seconds, with the slave-side
// Disconnected/Connecting/Connected state machine and 5 s backoff
// (master_listener.go, slave_client.go). data_stream.go covers the
// other direction: the master-to-follower data-replication stream of
// opaque (digest, record) log entries. Framing and the read/write-
// goroutine split for the forwarding channel follow gholt-valuestore's
// MsgConn: a dedicated reader goroutine and a dedicated writer goroutine
// bridged by a channel, rather than a single goroutine doing blocking
// reads and writes in turn.
package replication

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/pyzord/repstore/errs"
	"github.com/pyzord/repstore/mutation"
)

// frameTag is the explicit 1-byte discriminator prefixing every frame on
// the forwarding channel, resolving spec.md §4.4's framing ambiguity
// ("implementers may choose explicit framing provided the semantics of
// §4.4 hold").
type frameTag byte

const (
	frameMutation  frameTag = 0x01
	frameHeartbeat frameTag = 0x02
)

// HeartbeatInterval is how often either peer sends a heartbeat frame
// while idle (spec.md §4.4).
const HeartbeatInterval = 3 * time.Second

// ReadTimeout bounds how long a read may block before the connection is
// considered dead ("failure to read within a connection-dependent
// timeout closes the socket").
const ReadTimeout = HeartbeatInterval * 3

// heartbeatPayload is the literal 4-byte value spec.md §4.4 specifies
// for a heartbeat record, sent after the 1-byte frame tag so the two
// framing schemes (explicit tag vs. bare 0x42424242) stay distinguishable
// on the wire to any observer who knows the tag convention.
var heartbeatPayload = [4]byte{0x42, 0x42, 0x42, 0x42}

// Conn wraps a net.Conn with the forwarding channel's framing. It is not
// safe for concurrent Write calls from multiple goroutines; callers
// should serialize writes through a single owner (SlaveClient's drain
// loop or the master's per-connection handler).
type Conn struct {
	nc net.Conn
}

// NewConn wraps an already-established connection.
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc}
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.nc.Close()
}

// WriteMutation sends m as a framed Mutation record.
func (c *Conn) WriteMutation(m mutation.Mutation) error {
	var buf [1 + mutation.Size]byte
	buf[0] = byte(frameMutation)
	m.MarshalTo(buf[1:])
	_, err := c.nc.Write(buf[:])
	return err
}

// WriteHeartbeat sends a heartbeat frame.
func (c *Conn) WriteHeartbeat() error {
	var buf [1 + 4]byte
	buf[0] = byte(frameHeartbeat)
	copy(buf[1:], heartbeatPayload[:])
	_, err := c.nc.Write(buf[:])
	return err
}

// Frame is one decoded unit read from the connection: either a mutation
// (IsHeartbeat == false) or a heartbeat (Mutation is the zero value).
type Frame struct {
	Mutation    mutation.Mutation
	IsHeartbeat bool
}

// ReadFrame blocks until a full frame arrives, ReadTimeout elapses, or
// the connection errors. On timeout it returns an error wrapping
// errs.ErrTransient so callers can distinguish "reconnect" from
// "malformed peer".
func (c *Conn) ReadFrame() (Frame, error) {
	c.nc.SetReadDeadline(time.Now().Add(ReadTimeout))
	var tag [1]byte
	if _, err := io.ReadFull(c.nc, tag[:]); err != nil {
		return Frame{}, classifyReadErr(err)
	}
	switch frameTag(tag[0]) {
	case frameHeartbeat:
		var payload [4]byte
		if _, err := io.ReadFull(c.nc, payload[:]); err != nil {
			return Frame{}, classifyReadErr(err)
		}
		return Frame{IsHeartbeat: true}, nil
	case frameMutation:
		var buf [mutation.Size]byte
		if _, err := io.ReadFull(c.nc, buf[:]); err != nil {
			return Frame{}, classifyReadErr(err)
		}
		m, err := mutation.Unmarshal(buf[:])
		if err != nil {
			return Frame{}, fmt.Errorf("replication: %w: %w", errs.ErrBadInput, err)
		}
		return Frame{Mutation: m}, nil
	default:
		return Frame{}, fmt.Errorf("replication: %w: unknown frame tag %#x", errs.ErrBadInput, tag[0])
	}
}

func classifyReadErr(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return fmt.Errorf("replication: read timeout: %w", errs.ErrTransient)
	}
	return fmt.Errorf("replication: read: %w: %w", errs.ErrTransient, err)
}
