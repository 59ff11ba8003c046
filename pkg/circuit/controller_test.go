package circuit

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/textproto"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediagate/pkg/egress"
	errs "mediagate/pkg/errors"
	"mediagate/pkg/logger"
)

// fakeControl speaks just enough of the control protocol for tests
type fakeControl struct {
	ln       net.Listener
	password string

	mu    sync.Mutex
	lines []string
}

func newFakeControl(t *testing.T, password string) *fakeControl {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeControl{ln: ln, password: password}
	go f.serve()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeControl) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeControl) handle(conn net.Conn) {
	defer conn.Close()
	r := textproto.NewReader(bufio.NewReader(conn))
	authed := false
	for {
		line, err := r.ReadLine()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.lines = append(f.lines, line)
		f.mu.Unlock()

		switch {
		case line == "QUIT":
			conn.Write([]byte("250 closing connection\r\n"))
			return
		case line == "AUTHENTICATE" && f.password == "",
			line == `AUTHENTICATE "`+f.password+`"` && f.password != "":
			authed = true
			conn.Write([]byte("250 OK\r\n"))
		case len(line) >= 12 && line[:12] == "AUTHENTICATE":
			conn.Write([]byte("515 Authentication failed: Password did not match\r\n"))
			return
		case line == "SIGNAL NEWNYM" && authed:
			conn.Write([]byte("250 OK\r\n"))
		default:
			conn.Write([]byte("514 Authentication required.\r\n"))
		}
	}
}

func (f *fakeControl) Lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func identity(control string) *egress.Identity {
	u, _ := url.Parse("socks5://127.0.0.1:9050")
	return &egress.Identity{Name: "tor-a", Proxy: u, Control: control}
}

func TestRenewSuccess(t *testing.T) {
	ctrl := newFakeControl(t, "s3cret")
	tl := logger.NewTestLogger()
	c := NewController("s3cret", time.Second, tl)

	err := c.Renew(context.Background(), identity(ctrl.ln.Addr().String()))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(ctrl.Lines()) == 3 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{`AUTHENTICATE "s3cret"`, "SIGNAL NEWNYM", "QUIT"}, ctrl.Lines())
	assert.True(t, tl.HasMessage("circuit renewed"))
}

func TestRenewWithoutPassword(t *testing.T) {
	ctrl := newFakeControl(t, "")
	c := NewController("", time.Second, logger.NewNopLogger())

	require.NoError(t, c.Renew(context.Background(), identity(ctrl.ln.Addr().String())))
	assert.Equal(t, "AUTHENTICATE", ctrl.Lines()[0])
}

func TestRenewBadPassword(t *testing.T) {
	ctrl := newFakeControl(t, "right")
	tl := logger.NewTestLogger()
	c := NewController("wrong", time.Second, tl)

	err := c.Renew(context.Background(), identity(ctrl.ln.Addr().String()))
	require.Error(t, err)
	assert.Equal(t, errs.ErrorTypeRenewal, errs.TypeOf(err))

	var tpErr *textproto.Error
	require.True(t, errors.As(err, &tpErr))
	assert.Equal(t, 515, tpErr.Code)
	assert.Len(t, tl.GetMessagesByLevel("WARN"), 1)
}

func TestRenewUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	c := NewController("", 200*time.Millisecond, logger.NewNopLogger())
	err = c.Renew(context.Background(), identity(addr))
	assert.Equal(t, errs.ErrorTypeRenewal, errs.TypeOf(err))
}

func TestRenewNoControlEndpoint(t *testing.T) {
	c := NewController("", time.Second, logger.NewNopLogger())

	err := c.Renew(context.Background(), identity(""))
	assert.ErrorIs(t, err, ErrNoControlEndpoint)

	err = c.Renew(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoControlEndpoint)
}

func TestQuote(t *testing.T) {
	assert.Equal(t, `"pa\"ss\\word"`, quote(`pa"ss\word`))
}
