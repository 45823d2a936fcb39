package transport

import (
	"bufio"
	"context"
	"errors"
	"net"
	"os"
)

// DialTCP connects to a DBus bus listening on a TCP socket. TCP
// transports never carry SASL-negotiated unix-fd passing, so
// GetFiles/WriteWithFiles reject any attempt to use them.
func DialTCP(ctx context.Context, host, port string) (Transport, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, err
	}
	ret := &tcpTransport{
		conn: conn,
		buf:  bufio.NewReader(conn),
	}
	if err := ret.auth(); err != nil {
		ret.Close()
		return nil, err
	}
	return ret, nil
}

type tcpTransport struct {
	conn net.Conn
	buf  *bufio.Reader
}

func (t *tcpTransport) Read(bs []byte) (int, error)  { return t.buf.Read(bs) }
func (t *tcpTransport) Write(bs []byte) (int, error) { return t.conn.Write(bs) }
func (t *tcpTransport) Close() error                 { return t.conn.Close() }

func (t *tcpTransport) GetFiles(n int) ([]*os.File, error) {
	if n == 0 {
		return nil, nil
	}
	return nil, errors.New("file descriptor passing is not supported over tcp transports")
}

func (t *tcpTransport) WriteWithFiles(bs []byte, fds []*os.File) (int, error) {
	if len(fds) != 0 {
		return 0, errors.New("file descriptor passing is not supported over tcp transports")
	}
	return t.Write(bs)
}

func (t *tcpTransport) auth() error {
	return authenticateBuf(t.conn, t.buf, uint32(os.Getuid()), false)
}
