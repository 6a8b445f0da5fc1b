package replication

import (
	"context"
	"net"
	"time"

	"github.com/pyzord/repstore/logging"
	"github.com/pyzord/repstore/metrics"
	"github.com/pyzord/repstore/pipeline"
)

// State is one of the three forwarding-channel states from spec.md §4.4.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// reconnectBackoff is the wait after a failed connect or a broken
// connection before trying again (spec.md §4.4).
const reconnectBackoff = 5 * time.Second

// UpDownFunc is called whenever the channel transitions to/from Connected,
// so the daemon can gate its UDP front-end on upstream availability
// (spec.md §4.3: "the slave signals up/down to its UDP front-end").
type UpDownFunc func(up bool)

// SlaveClient drives the forwarding-channel state machine from the slave
// side: it dials the master, drains a pipeline.Forwarder head-first,
// exchanges heartbeats, and reconnects with backoff on any failure.
type SlaveClient struct {
	addr      string
	forwarder *pipeline.Forwarder
	onUpDown  UpDownFunc
	dialer    net.Dialer

	state State
}

// NewSlaveClient creates a client dialing addr to drain forwarder.
// onUpDown may be nil.
func NewSlaveClient(addr string, forwarder *pipeline.Forwarder, onUpDown UpDownFunc) *SlaveClient {
	if onUpDown == nil {
		onUpDown = func(bool) {}
	}
	return &SlaveClient{addr: addr, forwarder: forwarder, onUpDown: onUpDown, state: Disconnected}
}

// Run drives the state machine until ctx is cancelled. It never returns
// except on ctx cancellation, matching the long-lived reconnect loop
// spec.md §4.4 describes.
func (c *SlaveClient) Run(ctx context.Context) {
	log := logging.WithComponent("replication.slave_client")
	for {
		if ctx.Err() != nil {
			return
		}
		c.state = Connecting
		conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
		if err != nil {
			log.Warn().Err(err).Str("addr", c.addr).Msg("connect failed, backing off")
			c.state = Disconnected
			if !sleepCtx(ctx, reconnectBackoff) {
				return
			}
			continue
		}

		c.state = Connected
		metrics.ReplicationUp.Set(1)
		c.onUpDown(true)
		log.Info().Str("addr", c.addr).Msg("connected to master")

		c.drain(ctx, NewConn(conn))

		conn.Close()
		c.state = Disconnected
		metrics.ReplicationUp.Set(0)
		metrics.ReplicationReconnectsTotal.Inc()
		c.onUpDown(false)
		log.Warn().Msg("disconnected from master")
		if !sleepCtx(ctx, reconnectBackoff) {
			return
		}
	}
}

// drain runs the heartbeat and queue-drain loop for one live connection,
// returning when the connection breaks or ctx is cancelled.
func (c *SlaveClient) drain(ctx context.Context, conn *Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

	readErrCh := make(chan error, 1)
	go func() {
		for {
			_, err := conn.ReadFrame()
			if err != nil {
				readErrCh <- err
				return
			}
			// Inbound frames on this channel are only ever heartbeats
			// from the master; nothing else to act on.
		}
	}()

	wakeCh := make(chan struct{})
	go func() {
		for {
			c.forwarder.Wait(connCtx)
			select {
			case wakeCh <- struct{}{}:
			case <-connCtx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-readErrCh:
			_ = err
			return
		case <-heartbeat.C:
			if err := conn.WriteHeartbeat(); err != nil {
				return
			}
		case <-wakeCh:
			mut, ok := c.forwarder.Next()
			if !ok {
				continue
			}
			if err := conn.WriteMutation(mut); err != nil {
				c.forwarder.Nack()
				return
			}
			c.forwarder.Ack()
		}
	}
}

// CurrentState reports the client's current state, for tests and status
// reporting.
func (c *SlaveClient) CurrentState() State {
	return c.state
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
