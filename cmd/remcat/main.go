package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"

	"github.com/Pablu23/remcat/internal/client"
	"github.com/Pablu23/remcat/internal/common"
)

func main() {
	port := flag.Int("p", common.DefaultPort, "server port")
	timeout := flag.Duration("t", common.DefaultTimeout, "per attempt timeout")
	retries := flag.Int("r", common.DefaultRetries, "resends before giving up")
	tos := flag.Int("tos", 0, "IPv4 type of service for outgoing datagrams")
	verbose := flag.Bool("v", false, "log transfer details")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] hostname filename\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(2)
	}

	logger := log.New()
	logger.SetOutput(os.Stderr)
	if *verbose {
		logger.SetLevel(log.DebugLevel)
	}

	c := client.New(func(o *client.Options) {
		o.Port = *port
		o.Timeout = *timeout
		o.Retries = *retries
		o.TOS = *tos
		o.Logger = logger
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	host, filename := flag.Arg(0), flag.Arg(1)
	if _, err := c.GetFile(ctx, host, filename, os.Stdout); err != nil {
		logger.WithError(err).WithFields(log.Fields{
			"host": host,
			"file": filename,
		}).Error("Transfer failed")
		stop()
		os.Exit(1)
	}
}
