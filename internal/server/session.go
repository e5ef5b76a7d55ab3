package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Pablu23/remcat/internal/common"
)

type sessionState int

const (
	Received sessionState = iota
	Opening
	Sending
	AwaitingAck
	Completed
	Failed
)

func (s sessionState) String() string {
	switch s {
	case Received:
		return "Received"
	case Opening:
		return "Opening"
	case Sending:
		return "Sending"
	case AwaitingAck:
		return "AwaitingAck"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// session answers a single RRQ from its own transport, the server side TID.
// Only datagrams from peer take part in the transfer.
type session struct {
	peer      net.Addr
	request   *common.ReadRequest
	transport common.Transport
	source    Source
	timeout   time.Duration
	retries   int

	state    sessionState
	block    uint16
	terminal bool
	blocks   int
	bytes    int64
	log      *log.Entry
}

func (s *session) setState(state sessionState) {
	if s.state == state {
		return
	}
	s.log.WithFields(log.Fields{
		"from": s.state,
		"to":   state,
	}).Trace("State transition")
	s.state = state
}

// run serves the request and releases the transport. The returned error is
// the reason the session failed, if it did.
func (s *session) run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		s.transport.Close()
	})
	defer func() {
		stop()
		if err := s.transport.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.WithError(err).Error("Could not close transfer socket")
		}
	}()

	s.log.Info("Serving read request")

	digest := common.NewDigest()
	rt := common.NewRetransmitter(s.transport, s.timeout, s.retries)
	start := time.Now()

	err := s.serve(ctx, rt, digest)

	fields := log.Fields{
		"blocks":      s.blocks,
		"bytes":       s.bytes,
		"retransmits": rt.Retransmits,
		"duration":    time.Since(start),
	}
	if err != nil {
		s.setState(Failed)
		s.log.WithFields(fields).WithError(err).Warn("Transfer failed")
		return err
	}

	fields["blake2b"] = digest.String()
	s.log.WithFields(fields).Info("Transfer completed")
	return nil
}

func (s *session) serve(ctx context.Context, rt *common.Retransmitter, digest *common.Digest) error {
	s.setState(Opening)
	if !strings.EqualFold(s.request.Mode, common.ModeOctet) {
		message := fmt.Sprintf("unsupported transfer mode %q", s.request.Mode)
		s.sendError(s.peer, common.NewError(common.ErrCodeIllegalOperation, message))
		return errors.Wrap(common.ErrProtocol, message)
	}

	file, err := s.source.Open(s.request.Filename)
	if err != nil {
		s.sendError(s.peer, common.NewError(common.ErrorCodeFor(err), ""))
		return err
	}
	defer func(file io.ReadCloser) {
		if err := file.Close(); err != nil {
			s.log.WithError(err).Error("Could not close File")
		}
	}(file)

	reader := io.TeeReader(file, digest)
	buf := make([]byte, common.BlockSize)
	for !s.terminal {
		s.setState(Sending)
		n, err := io.ReadFull(reader, buf)
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			s.terminal = true
		case err != nil:
			s.sendError(s.peer, common.NewError(common.ErrCodeUndefined, "read failed"))
			return errors.Wrapf(err, "read block %d", s.block+1)
		}

		s.block++
		s.setState(AwaitingAck)
		if err := rt.Exchange(ctx, s.peer, common.NewData(s.block, buf[:n]).ToBytes(), s.handle); err != nil {
			return err
		}

		s.blocks++
		s.bytes += int64(n)
	}

	s.setState(Completed)
	return nil
}

// handle waits for the ACK of the current block. Everything else from the
// peer is dropped so that only the retransmission timer resends DATA.
func (s *session) handle(from net.Addr, b []byte) (bool, error) {
	if !common.SameEndpoint(from, s.peer) {
		s.log.WithField("from", from.String()).Debug("Rejecting datagram from unknown transfer ID")
		s.sendError(from, common.NewError(common.ErrCodeUnknownTID, ""))
		return false, nil
	}

	pck, err := common.PacketFromBytes(b)
	if err != nil {
		s.log.WithError(err).Debug("Discarding malformed packet")
		return false, nil
	}

	switch pck := pck.(type) {
	case *common.Ack:
		order := common.Classify(pck.Block, s.block)
		if order == common.InOrder {
			return true, nil
		}
		s.log.WithFields(log.Fields{
			"ack":      pck.Block,
			"expected": s.block,
			"order":    order,
		}).Debug("Ignoring ACK")
		return false, nil
	case *common.Error:
		return false, &common.PeerError{Code: pck.Code, Message: pck.Message}
	default:
		s.log.WithField("opcode", pck.Opcode()).Debug("Discarding unexpected packet")
		return false, nil
	}
}

// sendError is best effort: ERROR packets are never acknowledged or retried.
func (s *session) sendError(to net.Addr, pck *common.Error) {
	if err := s.transport.Send(to, pck.ToBytes()); err != nil {
		s.log.WithError(err).Warn("Could not send ERROR packet")
	}
}
