package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/Pablu23/remcat/internal/common"
	"github.com/Pablu23/remcat/internal/server"
)

func main() {
	address := flag.String("a", "0.0.0.0", "address to listen on")
	port := flag.Int("p", common.DefaultPort, "port to listen on")
	folder := flag.String("f", ".", "folder to serve")
	timeout := flag.Duration("t", common.DefaultTimeout, "per attempt timeout")
	retries := flag.Int("r", common.DefaultRetries, "resends before a transfer is abandoned")
	maxSessions := flag.Int("m", 64, "maximum concurrent transfers")
	tos := flag.Int("tos", 0, "IPv4 type of service for outgoing datagrams")
	verbose := flag.Bool("v", false, "log retransmits and discarded packets")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{
		ForceColors: true,
	})
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	srv, err := server.New(func(o *server.Options) {
		o.Address = *address
		o.Port = *port
		o.Datapath = *folder
		o.Timeout = *timeout
		o.Retries = *retries
		o.MaxSessions = *maxSessions
		o.TOS = *tos
	})
	if err != nil {
		log.WithError(err).Fatal("Could not create server")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Serve(ctx); err != nil {
		log.WithError(err).Fatal("Server stopped")
	}
}
