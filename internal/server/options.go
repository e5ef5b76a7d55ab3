package server

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Pablu23/remcat/internal/common"
)

type Options struct {
	Address     string
	Port        int
	Datapath    string
	Timeout     time.Duration
	Retries     int
	MaxSessions int
	TOS         int
	Logger      *log.Logger
	// Source overrides the directory source built from Datapath.
	Source Source
}

func NewDefaultOptions() *Options {
	return &Options{
		Address:     "0.0.0.0",
		Port:        common.DefaultPort,
		Datapath:    ".",
		Timeout:     common.DefaultTimeout,
		Retries:     common.DefaultRetries,
		MaxSessions: 64,
		Logger:      log.StandardLogger(),
	}
}
