package cnl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const hello = "CANNELLONIv1"

// ErrBadHello is returned when the gateway answers with a different banner.
var ErrBadHello = errors.New("bad hello")

// Handshake runs the client side of the hello exchange: our banner goes out
// first, then the gateway's is read and checked. Cancelling ctx aborts it.
func Handshake(ctx context.Context, c net.Conn, timeout time.Duration) error {
	if err := c.SetDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	defer c.SetDeadline(time.Time{})
	stop := context.AfterFunc(ctx, func() { _ = c.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	if _, err := io.WriteString(c, hello); err != nil {
		return handshakeErr(ctx, "send", err)
	}
	var buf [len(hello)]byte
	if _, err := io.ReadFull(c, buf[:]); err != nil {
		return handshakeErr(ctx, "receive", err)
	}
	if string(buf[:]) != hello {
		return fmt.Errorf("handshake: %w: %q", ErrBadHello, buf[:])
	}
	return nil
}

func handshakeErr(ctx context.Context, step string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("handshake %s: %w", step, err)
}
