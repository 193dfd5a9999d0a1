package cnl

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/kstaniek/go-can-iap/internal/can"
)

// Conn is a client connection to a cannelloni gateway. ReadFrame and
// WriteFrame may be used from different goroutines.
type Conn struct {
	c     net.Conn
	r     *bufio.Reader
	codec Codec
	wmu   sync.Mutex
}

// Dial connects to a gateway and performs the hello exchange.
func Dial(ctx context.Context, addr string, timeout time.Duration) (*Conn, error) {
	d := net.Dialer{Timeout: timeout}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if tcp, ok := c.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	if err := Handshake(ctx, c, timeout); err != nil {
		_ = c.Close()
		return nil, err
	}
	return NewConn(c), nil
}

// NewConn wraps an already handshaken connection.
func NewConn(c net.Conn) *Conn {
	return &Conn{c: c, r: bufio.NewReader(c)}
}

// ReadFrame reads the next frame sent by the gateway.
func (c *Conn) ReadFrame(fr *can.Frame) error {
	f, err := c.codec.Decode(c.r)
	if err != nil {
		return err
	}
	*fr = f
	return nil
}

// WriteFrame writes one frame to the gateway.
func (c *Conn) WriteFrame(fr can.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.c.Write(c.codec.Encode([]can.Frame{fr}))
	return err
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.c.Close() }
