package client

import (
	"context"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Pablu23/remcat/internal/common"
)

// State is the position of a GET transfer in its lifecycle.
type State int

const (
	Idle State = iota
	RrqSent
	AwaitingData
	Delivering
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case RrqSent:
		return "RrqSent"
	case AwaitingData:
		return "AwaitingData"
	case Delivering:
		return "Delivering"
	case Done:
		return "Done"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

type Stats struct {
	Bytes       int64
	Blocks      int
	Duplicates  int
	Retransmits int
	Duration    time.Duration
	Digest      string
}

type Client struct {
	options *Options
}

func New(opts ...func(*Options)) *Client {
	options := NewDefaultOptions()

	for _, opt := range opts {
		opt(options)
	}

	return &Client{options: options}
}

// GetFile fetches filename from the TFTP server on host and streams it into
// sink. Failures to resolve the host or bind a socket wrap common.ErrConnect.
func (client *Client) GetFile(ctx context.Context, host, filename string, sink io.Writer) (Stats, error) {
	address := net.JoinHostPort(host, strconv.Itoa(client.options.Port))
	server, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return Stats{}, errors.Wrapf(common.ErrConnect, "resolve %v: %v", address, err)
	}

	transport, err := common.ListenUDP(":0", client.options.TOS)
	if err != nil {
		return Stats{}, err
	}
	// Closing the socket unblocks a pending Receive on cancellation.
	stop := context.AfterFunc(ctx, func() {
		transport.Close()
	})
	defer func() {
		stop()
		if err := transport.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			client.options.Logger.WithError(err).Error("Could not close UDP socket")
		}
	}()

	return client.Transfer(ctx, transport, server, filename, sink)
}

// Transfer runs one GET over transport. server is the endpoint the RRQ goes
// to; the endpoint of the first DATA block becomes the transfer's peer.
func (client *Client) Transfer(ctx context.Context, transport common.Transport, server net.Addr, filename string, sink io.Writer) (Stats, error) {
	rrq, err := common.NewRequest(filename)
	if err != nil {
		return Stats{}, err
	}

	digest := common.NewDigest()
	t := &transfer{
		transport: transport,
		seq:       common.NewSequencer(1),
		sink:      digest.TeeWriter(sink),
		log: client.options.Logger.WithFields(log.Fields{
			"session": uuid.NewString(),
			"server":  server.String(),
			"file":    filename,
		}),
	}
	rt := common.NewRetransmitter(transport, client.options.Timeout, client.options.Retries)

	start := time.Now()
	err = t.run(ctx, rt, server, rrq)

	t.stats.Retransmits = rt.Retransmits
	t.stats.Duration = time.Since(start)
	t.stats.Digest = digest.String()
	if err != nil {
		t.setState(Failed)
		t.log.WithError(err).Debug("Transfer failed")
		return t.stats, err
	}

	t.log.WithFields(log.Fields{
		"bytes":       t.stats.Bytes,
		"blocks":      t.stats.Blocks,
		"duplicates":  t.stats.Duplicates,
		"retransmits": t.stats.Retransmits,
		"duration":    t.stats.Duration,
		"blake2b":     t.stats.Digest,
	}).Debug("Transfer completed")
	return t.stats, nil
}

type transfer struct {
	transport common.Transport
	seq       *common.Sequencer
	sink      io.Writer
	lastAck   []byte
	terminal  bool
	state     State
	stats     Stats
	log       *log.Entry

	// peer is the server's transfer endpoint, fixed by the first DATA block.
	peer net.Addr
}

func (t *transfer) setState(state State) {
	if t.state == state {
		return
	}
	t.log.WithFields(log.Fields{
		"from": t.state,
		"to":   state,
	}).Trace("State transition")
	t.state = state
}

func (t *transfer) run(ctx context.Context, rt *common.Retransmitter, server net.Addr, rrq *common.ReadRequest) error {
	t.setState(RrqSent)
	out, dest := rrq.ToBytes(), server

	for {
		t.setState(AwaitingData)
		if err := rt.Exchange(ctx, dest, out, t.handle); err != nil {
			return err
		}

		if t.terminal {
			if err := t.transport.Send(t.peer, t.lastAck); err != nil {
				return err
			}
			t.setState(Done)
			return nil
		}
		out, dest = t.lastAck, t.peer
	}
}

// handle processes one datagram while waiting for the next DATA block. It
// returns true once an in-order block has been written to the sink.
func (t *transfer) handle(from net.Addr, b []byte) (bool, error) {
	if t.peer != nil && !common.SameEndpoint(from, t.peer) {
		t.log.WithField("from", from.String()).Debug("Rejecting datagram from unknown transfer ID")
		t.sendError(from, common.NewError(common.ErrCodeUnknownTID, ""))
		return false, nil
	}

	pck, err := common.PacketFromBytes(b)
	if err != nil {
		t.log.WithError(err).Debug("Discarding malformed packet")
		return false, nil
	}

	switch pck := pck.(type) {
	case *common.Data:
		return t.handleData(from, pck)
	case *common.Error:
		return false, &common.PeerError{Code: pck.Code, Message: pck.Message}
	default:
		t.sendError(from, common.NewError(common.ErrCodeIllegalOperation, ""))
		return false, errors.Wrapf(common.ErrProtocol, "unexpected %v packet while awaiting DATA", pck.Opcode())
	}
}

func (t *transfer) handleData(from net.Addr, pck *common.Data) (bool, error) {
	switch order := t.seq.Accept(pck.Block); order {
	case common.InOrder:
		if t.peer == nil {
			t.peer = from
			t.log = t.log.WithField("peer", from.String())
		}

		t.setState(Delivering)
		if _, err := t.sink.Write(pck.Payload); err != nil {
			t.sendError(from, common.NewError(common.ErrCodeUndefined, "write failed"))
			return false, errors.Wrapf(err, "write block %d", pck.Block)
		}

		t.stats.Blocks++
		t.stats.Bytes += int64(len(pck.Payload))
		t.terminal = len(pck.Payload) < common.BlockSize
		t.lastAck = common.NewAck(pck.Block).ToBytes()
		return true, nil
	case common.Duplicate:
		t.stats.Duplicates++
		if t.lastAck == nil {
			return false, nil
		}
		t.log.WithField("block", pck.Block).Debug("Duplicate block, repeating ACK")
		if err := t.transport.Send(from, t.lastAck); err != nil {
			return false, err
		}
		return false, nil
	default:
		t.log.WithFields(log.Fields{
			"block":    pck.Block,
			"expected": t.seq.Expected(),
		}).Debug("Discarding out of order block")
		return false, nil
	}
}

// sendError is best effort: ERROR packets are never acknowledged or retried.
func (t *transfer) sendError(to net.Addr, pck *common.Error) {
	if err := t.transport.Send(to, pck.ToBytes()); err != nil {
		t.log.WithError(err).Warn("Could not send ERROR packet")
	}
}
