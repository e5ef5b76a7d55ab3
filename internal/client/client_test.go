package client

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/Pablu23/remcat/internal/common"
)

var (
	wellKnown = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 69}
	serverTID = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50001}
	stranger  = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50002}
)

type datagram struct {
	from net.Addr
	b    []byte
}

type sent struct {
	to  net.Addr
	pck common.Packet
}

// fakeTransport hands every outgoing packet to respond and queues its replies.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []sent
	inbox   chan datagram
	respond func(to net.Addr, pck common.Packet) []datagram
}

func newFakeTransport(respond func(to net.Addr, pck common.Packet) []datagram) *fakeTransport {
	return &fakeTransport{
		inbox:   make(chan datagram, 64),
		respond: respond,
	}
}

func (f *fakeTransport) Send(to net.Addr, b []byte) error {
	pck, err := common.PacketFromBytes(b)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, sent{to: to, pck: pck})
	f.mu.Unlock()
	if f.respond != nil {
		for _, d := range f.respond(to, pck) {
			f.inbox <- d
		}
	}
	return nil
}

func (f *fakeTransport) Receive(timeout time.Duration) (net.Addr, []byte, error) {
	select {
	case d := <-f.inbox:
		return d.from, d.b, nil
	case <-time.After(timeout):
		return nil, nil, common.ErrTimeout
	}
}

func (f *fakeTransport) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) sentPackets() []common.Packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	pcks := make([]common.Packet, len(f.sent))
	for i, s := range f.sent {
		pcks[i] = s.pck
	}
	return pcks
}

func block(content []byte, n uint16) []byte {
	start := (int(n) - 1) * common.BlockSize
	end := min(start+common.BlockSize, len(content))
	return content[start:end]
}

func dataFrom(from net.Addr, n uint16, payload []byte) datagram {
	return datagram{from: from, b: common.NewData(n, payload).ToBytes()}
}

// serve answers like a well-behaved server: DATA 1 for the RRQ, DATA n+1 for
// ACK n until the short block has been acknowledged.
func serve(content []byte) func(to net.Addr, pck common.Packet) []datagram {
	blocks := uint16(len(content)/common.BlockSize + 1)
	return func(to net.Addr, pck common.Packet) []datagram {
		switch pck := pck.(type) {
		case *common.ReadRequest:
			return []datagram{dataFrom(serverTID, 1, block(content, 1))}
		case *common.Ack:
			if pck.Block < blocks {
				return []datagram{dataFrom(serverTID, pck.Block+1, block(content, pck.Block+1))}
			}
		}
		return nil
	}
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	logger, _ := test.NewNullLogger()
	return New(func(o *Options) {
		o.Timeout = 50 * time.Millisecond
		o.Retries = 2
		o.Logger = logger
	})
}

func rrq(filename string) *common.ReadRequest {
	return &common.ReadRequest{Filename: filename, Mode: common.ModeOctet}
}

func TestTransferEmptyFile(t *testing.T) {
	transport := newFakeTransport(serve(nil))
	var sink bytes.Buffer

	stats, err := newTestClient(t).Transfer(context.Background(), transport, wellKnown, "empty", &sink)
	if err != nil {
		t.Fatal(err)
	}

	if sink.Len() != 0 || stats.Blocks != 1 || stats.Bytes != 0 {
		t.Errorf("sink = %d bytes, stats = %+v; want one empty block", sink.Len(), stats)
	}
	want := []common.Packet{rrq("empty"), common.NewAck(1)}
	if diff := cmp.Diff(want, transport.sentPackets()); diff != "" {
		t.Errorf("sent packets mismatch (-want +got):\n%s", diff)
	}
}

func TestTransferTwoBlocks(t *testing.T) {
	content := bytes.Repeat([]byte("0123456789"), 100)
	transport := newFakeTransport(serve(content))
	var sink bytes.Buffer

	stats, err := newTestClient(t).Transfer(context.Background(), transport, wellKnown, "thousand", &sink)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(sink.Bytes(), content) {
		t.Errorf("sink holds %d bytes, want the 1000 byte file", sink.Len())
	}
	if stats.Blocks != 2 || stats.Digest != common.Sum256(content) {
		t.Errorf("stats = %+v", stats)
	}

	sentTo := transport.sent
	if !common.SameEndpoint(sentTo[0].to, wellKnown) {
		t.Errorf("RRQ sent to %v, want %v", sentTo[0].to, wellKnown)
	}
	for _, s := range sentTo[1:] {
		if !common.SameEndpoint(s.to, serverTID) {
			t.Errorf("%v sent to %v, want server TID %v", s.pck.Opcode(), s.to, serverTID)
		}
	}
	want := []common.Packet{rrq("thousand"), common.NewAck(1), common.NewAck(2)}
	if diff := cmp.Diff(want, transport.sentPackets()); diff != "" {
		t.Errorf("sent packets mismatch (-want +got):\n%s", diff)
	}
}

func TestTransferExactMultipleOfBlockSize(t *testing.T) {
	content := bytes.Repeat([]byte{7}, 2*common.BlockSize)
	transport := newFakeTransport(serve(content))
	var sink bytes.Buffer

	stats, err := newTestClient(t).Transfer(context.Background(), transport, wellKnown, "f", &sink)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(sink.Bytes(), content) || stats.Blocks != 3 {
		t.Errorf("sink = %d bytes in %d blocks; want %d bytes in 3 blocks", sink.Len(), stats.Blocks, len(content))
	}
}

func TestTransferFileNotFound(t *testing.T) {
	transport := newFakeTransport(func(to net.Addr, pck common.Packet) []datagram {
		return []datagram{{from: serverTID, b: common.NewError(common.ErrCodeFileNotFound, "").ToBytes()}}
	})
	var sink bytes.Buffer

	_, err := newTestClient(t).Transfer(context.Background(), transport, wellKnown, "missing", &sink)

	var peerErr *common.PeerError
	if !errors.As(err, &peerErr) || peerErr.Code != common.ErrCodeFileNotFound {
		t.Fatalf("Transfer() error = %v, want peer error code 1", err)
	}
	if !errors.Is(err, common.ErrFileNotFound) {
		t.Errorf("error %v does not match ErrFileNotFound", err)
	}
	if sink.Len() != 0 {
		t.Errorf("sink received %d bytes", sink.Len())
	}
	if n := len(transport.sentPackets()); n != 1 {
		t.Errorf("sent %d packets, want only the RRQ", n)
	}
}

func TestTransferDuplicateBlockIsAckedNotWritten(t *testing.T) {
	content := bytes.Repeat([]byte("x"), 1000)
	acks := 0
	transport := newFakeTransport(func(to net.Addr, pck common.Packet) []datagram {
		switch pck := pck.(type) {
		case *common.ReadRequest:
			return []datagram{dataFrom(serverTID, 1, block(content, 1))}
		case *common.Ack:
			acks++
			if acks == 1 {
				// The first ACK 1 is "lost": the server repeats DATA 1.
				return []datagram{dataFrom(serverTID, 1, block(content, 1))}
			}
			if pck.Block == 1 {
				return []datagram{dataFrom(serverTID, 2, block(content, 2))}
			}
		}
		return nil
	})
	var sink bytes.Buffer

	stats, err := newTestClient(t).Transfer(context.Background(), transport, wellKnown, "f", &sink)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(sink.Bytes(), content) {
		t.Errorf("sink holds %d bytes, want exactly %d", sink.Len(), len(content))
	}
	if stats.Duplicates != 1 {
		t.Errorf("Duplicates = %d, want 1", stats.Duplicates)
	}
	want := []common.Packet{rrq("f"), common.NewAck(1), common.NewAck(1), common.NewAck(2)}
	if diff := cmp.Diff(want, transport.sentPackets()); diff != "" {
		t.Errorf("sent packets mismatch (-want +got):\n%s", diff)
	}
}

func TestTransferDiscardsOutOfOrderBlocks(t *testing.T) {
	content := bytes.Repeat([]byte("y"), 700)
	transport := newFakeTransport(func(to net.Addr, pck common.Packet) []datagram {
		switch pck := pck.(type) {
		case *common.ReadRequest:
			return []datagram{
				dataFrom(serverTID, 9, []byte("stray")),
				dataFrom(serverTID, 1, block(content, 1)),
			}
		case *common.Ack:
			if pck.Block == 1 {
				return []datagram{
					{from: serverTID, b: []byte{0, 3, 0}},
					dataFrom(serverTID, 2, block(content, 2)),
				}
			}
		}
		return nil
	})
	var sink bytes.Buffer

	if _, err := newTestClient(t).Transfer(context.Background(), transport, wellKnown, "f", &sink); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(sink.Bytes(), content) {
		t.Errorf("sink holds %q", sink.Bytes())
	}
	want := []common.Packet{rrq("f"), common.NewAck(1), common.NewAck(2)}
	if diff := cmp.Diff(want, transport.sentPackets()); diff != "" {
		t.Errorf("sent packets mismatch (-want +got):\n%s", diff)
	}
}

func TestTransferUnexpectedOpcode(t *testing.T) {
	transport := newFakeTransport(func(to net.Addr, pck common.Packet) []datagram {
		if _, ok := pck.(*common.ReadRequest); ok {
			return []datagram{{from: serverTID, b: common.NewAck(1).ToBytes()}}
		}
		return nil
	})

	_, err := newTestClient(t).Transfer(context.Background(), transport, wellKnown, "f", &bytes.Buffer{})
	if !errors.Is(err, common.ErrProtocol) {
		t.Fatalf("Transfer() error = %v, want ErrProtocol", err)
	}

	pcks := transport.sentPackets()
	last, ok := pcks[len(pcks)-1].(*common.Error)
	if !ok || last.Code != common.ErrCodeIllegalOperation {
		t.Errorf("last packet sent = %#v, want ERROR 4", pcks[len(pcks)-1])
	}
}

func TestTransferRejectsUnknownTransferID(t *testing.T) {
	content := bytes.Repeat([]byte("z"), 600)
	transport := newFakeTransport(func(to net.Addr, pck common.Packet) []datagram {
		switch pck := pck.(type) {
		case *common.ReadRequest:
			return []datagram{dataFrom(serverTID, 1, block(content, 1))}
		case *common.Ack:
			if pck.Block == 1 {
				return []datagram{
					dataFrom(stranger, 2, []byte("impostor")),
					dataFrom(serverTID, 2, block(content, 2)),
				}
			}
		}
		return nil
	})
	var sink bytes.Buffer

	if _, err := newTestClient(t).Transfer(context.Background(), transport, wellKnown, "f", &sink); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(sink.Bytes(), content) {
		t.Errorf("sink holds %q", sink.Bytes())
	}

	rejected := false
	for _, s := range transport.sent {
		if e, ok := s.pck.(*common.Error); ok {
			rejected = e.Code == common.ErrCodeUnknownTID && common.SameEndpoint(s.to, stranger)
		}
	}
	if !rejected {
		t.Error("no ERROR 5 sent to the stranger")
	}
}

func TestTransferTimeout(t *testing.T) {
	transport := newFakeTransport(nil)

	start := time.Now()
	_, err := newTestClient(t).Transfer(context.Background(), transport, wellKnown, "f", &bytes.Buffer{})
	if !errors.Is(err, common.ErrTimeout) {
		t.Fatalf("Transfer() error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("gave up after %v", elapsed)
	}

	want := []common.Packet{rrq("f"), rrq("f"), rrq("f")}
	if diff := cmp.Diff(want, transport.sentPackets()); diff != "" {
		t.Errorf("sent packets mismatch (-want +got):\n%s", diff)
	}
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, errors.New("disk on fire")
}

func TestTransferSinkFailure(t *testing.T) {
	transport := newFakeTransport(serve([]byte("hello")))

	_, err := newTestClient(t).Transfer(context.Background(), transport, wellKnown, "f", failingWriter{})
	if err == nil {
		t.Fatal("Transfer() succeeded with a failing sink")
	}

	pcks := transport.sentPackets()
	if _, ok := pcks[len(pcks)-1].(*common.Error); !ok {
		t.Errorf("last packet sent = %#v, want ERROR", pcks[len(pcks)-1])
	}
}

func TestTransferInvalidFilename(t *testing.T) {
	transport := newFakeTransport(nil)

	if _, err := newTestClient(t).Transfer(context.Background(), transport, wellKnown, "", &bytes.Buffer{}); err == nil {
		t.Error("empty filename accepted")
	}
	if n := len(transport.sentPackets()); n != 0 {
		t.Errorf("sent %d packets for an invalid request", n)
	}
}

func TestGetFileUnknownHost(t *testing.T) {
	_, err := newTestClient(t).GetFile(context.Background(), "no-such-host.invalid", "f", &bytes.Buffer{})
	if !errors.Is(err, common.ErrConnect) {
		t.Errorf("GetFile() error = %v, want ErrConnect", err)
	}
}

func TestGetFileCancelledWhileWaiting(t *testing.T) {
	silent, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer silent.Close()

	logger, _ := test.NewNullLogger()
	client := New(func(o *Options) {
		o.Port = silent.LocalAddr().(*net.UDPAddr).Port
		o.Timeout = 10 * time.Second
		o.Logger = logger
	})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	start := time.Now()
	_, err = client.GetFile(ctx, "127.0.0.1", "f", &bytes.Buffer{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("GetFile() error = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("GetFile() returned after %v, want prompt return on cancellation", elapsed)
	}
}

func TestStateString(t *testing.T) {
	got := []string{}
	for s := Idle; s <= Failed; s++ {
		got = append(got, s.String())
	}
	want := []string{"Idle", "RrqSent", "AwaitingData", "Delivering", "Done", "Failed"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("State names mismatch (-want +got):\n%s", diff)
	}
}
