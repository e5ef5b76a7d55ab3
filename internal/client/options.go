package client

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Pablu23/remcat/internal/common"
)

type Options struct {
	Port    int
	Timeout time.Duration
	Retries int
	TOS     int
	Logger  *log.Logger
}

func NewDefaultOptions() *Options {
	return &Options{
		Port:    common.DefaultPort,
		Timeout: common.DefaultTimeout,
		Retries: common.DefaultRetries,
		Logger:  log.StandardLogger(),
	}
}
