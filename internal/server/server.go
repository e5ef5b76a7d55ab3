package server

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/kelindar/bitmap"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/Pablu23/remcat/internal/common"
)

type Server struct {
	// sessions maps the client endpoint of every running session. Only the
	// dispatch loop and its session goroutines' cleanup touch it.
	sessions map[string]*session
	slots    bitmap.Bitmap
	mu       sync.Mutex
	wg       sync.WaitGroup
	options  *Options
	source   Source
	log      *log.Logger
}

func New(opts ...func(*Options)) (*Server, error) {
	options := NewDefaultOptions()

	for _, opt := range opts {
		opt(options)
	}

	source := options.Source
	if source == nil {
		dir, err := NewDirSource(options.Datapath)
		if err != nil {
			return nil, err
		}
		source = dir
	}

	if options.MaxSessions <= 0 {
		return nil, errors.Errorf("MaxSessions must be positive, got %d", options.MaxSessions)
	}

	return &Server{
		sessions: make(map[string]*session),
		options:  options,
		source:   source,
		log:      options.Logger,
	}, nil
}

// Serve binds the configured address and port and serves until ctx is done.
func (server *Server) Serve(ctx context.Context) error {
	address := net.JoinHostPort(server.options.Address, strconv.Itoa(server.options.Port))
	udpAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return errors.Wrapf(common.ErrConnect, "resolve %v: %v", address, err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return errors.Wrapf(common.ErrConnect, "listen on %v: %v", address, err)
	}

	if server.options.TOS != 0 {
		if err := common.SetTOS(conn, server.options.TOS); err != nil {
			server.log.WithError(err).Warn("Could not set TOS on listening socket")
		}
	}

	return server.ServeConn(ctx, conn)
}

// ServeConn runs the dispatch loop on an already bound socket. The socket is
// closed when ctx is done, after which ServeConn waits for running sessions.
func (server *Server) ServeConn(ctx context.Context, conn *net.UDPConn) error {
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()
	defer server.wg.Wait()

	server.log.Infof("Started listening on %v", conn.LocalAddr())

	buf := make([]byte, common.MaxPacketSize)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				server.log.Info("Server is shutting down")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			server.log.WithError(err).Error("Could not retrieve UDP Packet")
			continue
		}

		server.dispatch(ctx, conn, addr, buf[:n])
	}
}

// Sessions returns the number of running sessions.
func (server *Server) Sessions() int {
	server.mu.Lock()
	defer server.mu.Unlock()
	return len(server.sessions)
}

func (server *Server) dispatch(ctx context.Context, conn *net.UDPConn, addr *net.UDPAddr, b []byte) {
	pck, err := common.PacketFromBytes(b)
	if err != nil {
		if op, ok := common.PeekOpcode(b); ok && op == common.OpcodeWRQ {
			server.reply(conn, addr, common.NewError(common.ErrCodeIllegalOperation, "write requests are not supported"))
		}
		server.log.WithError(err).WithField("peer", addr.String()).Warn("Received invalid Packet")
		return
	}

	rrq, ok := pck.(*common.ReadRequest)
	if !ok {
		server.log.WithFields(log.Fields{
			"peer":   addr.String(),
			"opcode": pck.Opcode(),
		}).Warn("Unexpected Packet Type on listening port")
		return
	}

	key := addr.String()
	server.mu.Lock()
	if _, exists := server.sessions[key]; exists {
		server.mu.Unlock()
		server.log.WithField("peer", key).Debug("Ignoring repeated RRQ for running session")
		return
	}

	slot, ok := server.slots.MinZero()
	if !ok {
		slot = uint32(len(server.slots) * 64)
	}
	if int(slot) >= server.options.MaxSessions {
		server.mu.Unlock()
		server.log.WithField("peer", key).Warn("Refusing request, too many sessions")
		server.reply(conn, addr, common.NewError(common.ErrCodeUndefined, "server busy"))
		return
	}

	localIP := conn.LocalAddr().(*net.UDPAddr).IP
	transport, err := common.ListenUDP(net.JoinHostPort(localIP.String(), "0"), server.options.TOS)
	if err != nil {
		server.mu.Unlock()
		server.log.WithError(err).Error("Could not open transfer socket")
		server.reply(conn, addr, common.NewError(common.ErrCodeUndefined, "could not allocate transfer ID"))
		return
	}

	sess := &session{
		peer:      addr,
		request:   rrq,
		transport: transport,
		source:    server.source,
		timeout:   server.options.Timeout,
		retries:   server.options.Retries,
		log: server.log.WithFields(log.Fields{
			"session": uuid.NewString(),
			"slot":    slot,
			"peer":    fmt.Sprintf("%v.%v", addr.IP, addr.Port),
			"file":    rrq.Filename,
			"tid":     transport.LocalAddr().String(),
		}),
	}
	server.slots.Set(slot)
	server.sessions[key] = sess
	server.mu.Unlock()

	server.wg.Add(1)
	go func() {
		defer server.wg.Done()
		defer server.release(key, slot)
		// Failures are logged by the session; the server keeps serving.
		_ = sess.run(ctx)
	}()
}

func (server *Server) release(key string, slot uint32) {
	server.mu.Lock()
	delete(server.sessions, key)
	server.slots.Remove(slot)
	server.mu.Unlock()
}

func (server *Server) reply(conn *net.UDPConn, addr *net.UDPAddr, pck *common.Error) {
	if _, err := conn.WriteToUDP(pck.ToBytes(), addr); err != nil {
		server.log.WithError(err).Error("Could not write Packet to UDP")
	}
}
