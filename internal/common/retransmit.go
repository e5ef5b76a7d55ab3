package common

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
)

// ReplyHandler inspects one datagram received during an exchange. It returns
// true once the reply completes the exchange; an error aborts it.
type ReplyHandler func(from net.Addr, b []byte) (bool, error)

// Retransmitter is the stop-and-wait primitive shared by both roles. It only
// deals with timing: validation of replies belongs to the ReplyHandler.
type Retransmitter struct {
	Transport Transport
	Timeout   time.Duration
	Retries   int

	// Retransmits counts resends across all exchanges.
	Retransmits int
}

func NewRetransmitter(transport Transport, timeout time.Duration, retries int) *Retransmitter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if retries < 0 {
		retries = 0
	}
	return &Retransmitter{
		Transport: transport,
		Timeout:   timeout,
		Retries:   retries,
	}
}

// Exchange sends b to to and waits for handle to accept a reply. Replies that
// are not accepted do not extend the current attempt. When an attempt expires
// the identical bytes are sent again until the retry budget is used up, after
// which ErrTimeout is returned.
func (r *Retransmitter) Exchange(ctx context.Context, to net.Addr, b []byte, handle ReplyHandler) error {
	if err := r.Transport.Send(to, b); err != nil {
		return err
	}

	retries := r.Retries
	deadline := time.Now().Add(r.Timeout)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		wait := time.Until(deadline)
		if wait > 0 {
			from, reply, err := r.Transport.Receive(wait)
			if err == nil {
				done, err := handle(from, reply)
				if err != nil || done {
					return err
				}
				continue
			}
			if !errors.Is(err, ErrTimeout) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.Wrap(err, "receive")
			}
		}

		if retries == 0 {
			return errors.Wrapf(ErrTimeout, "no reply from %v after %d retries", to, r.Retries)
		}
		retries--
		r.Retransmits++

		if err := r.Transport.Send(to, b); err != nil {
			return err
		}
		deadline = time.Now().Add(r.Timeout)
	}
}
