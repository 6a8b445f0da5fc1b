package replication

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/pyzord/repstore/errs"
	"github.com/pyzord/repstore/logging"
	"github.com/pyzord/repstore/mutation"
	"github.com/pyzord/repstore/pipeline"
)

// MutationApplier is the subset of pipeline.Master the listener drives
// for each forwarded mutation.
type MutationApplier interface {
	Apply(ctx context.Context, mut mutation.Mutation) error
}

var _ MutationApplier = (*pipeline.Master)(nil)

// MasterListener accepts forwarding connections from slaves and applies
// every forwarded Mutation through an Applier, per spec.md §4.4's
// "mutation forwarding" stream. One goroutine per connection; each
// connection exchanges heartbeats independently.
type MasterListener struct {
	applier MutationApplier
}

// NewMasterListener wraps applier for the accept loop to drive.
func NewMasterListener(applier MutationApplier) *MasterListener {
	return &MasterListener{applier: applier}
}

// Serve accepts connections on ln until ctx is cancelled or the listener
// errors. It blocks; callers should run it in its own goroutine.
func (l *MasterListener) Serve(ctx context.Context, ln net.Listener) error {
	log := logging.WithComponent("replication.master_listener")
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		log.Info().Str("remote", nc.RemoteAddr().String()).Msg("slave connected")
		go l.handle(ctx, nc)
	}
}

func (l *MasterListener) handle(ctx context.Context, nc net.Conn) {
	defer nc.Close()
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := logging.WithConn(nc.RemoteAddr().String())
	conn := NewConn(nc)

	frameCh := make(chan Frame, 1)
	errCh := make(chan error, 1)
	go func() {
		for {
			frame, err := conn.ReadFrame()
			if err != nil {
				errCh <- err
				return
			}
			select {
			case frameCh <- frame:
			case <-connCtx.Done():
				return
			}
		}
	}()

	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errCh:
			if kind, ok := errs.Classify(err); ok && kind == errs.KindTransient {
				log.Warn().Err(err).Msg("forwarding connection timed out")
			} else {
				log.Warn().Err(err).Msg("forwarding connection closed")
			}
			return
		case <-heartbeat.C:
			if err := conn.WriteHeartbeat(); err != nil {
				return
			}
		case frame := <-frameCh:
			if frame.IsHeartbeat {
				continue
			}
			if err := l.applier.Apply(ctx, frame.Mutation); err != nil {
				log.Error().Err(err).Str("digest", frame.Mutation.Digest.String()).Msg("failed to apply forwarded mutation")
				if !errors.Is(err, errs.ErrTransient) {
					return
				}
			}
		}
	}
}
