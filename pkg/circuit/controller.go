// Package circuit asks an anonymity network to replace the circuit behind an
// egress identity, using the line based control protocol exposed on the
// identity's control endpoint.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"time"

	"mediagate/pkg/egress"
	errs "mediagate/pkg/errors"
	"mediagate/pkg/logger"
)

// ErrNoControlEndpoint is returned for identities that cannot be renewed
var ErrNoControlEndpoint = errors.New("identity has no control endpoint")

// Controller renews circuits. The zero value is usable with an empty password.
type Controller struct {
	// Password for AUTHENTICATE; empty sends a bare AUTHENTICATE
	Password string
	// DialTimeout bounds connecting and the whole exchange when ctx has no deadline
	DialTimeout time.Duration
	Logger      logger.Logger
}

// NewController creates a controller
func NewController(password string, dialTimeout time.Duration, log logger.Logger) *Controller {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Controller{Password: password, DialTimeout: dialTimeout, Logger: log}
}

// Renew authenticates against id's control endpoint and signals NEWNYM.
// Every failure comes back as an errs.ErrorTypeRenewal error.
func (c *Controller) Renew(ctx context.Context, id *egress.Identity) error {
	if !id.Renewable() {
		return errs.Renewal(id.String(), ErrNoControlEndpoint)
	}

	err := c.renew(ctx, id.Control)
	if c.Logger != nil {
		logger.LogRenewal(c.Logger, id.String(), err)
	}
	if err != nil {
		return errs.Renewal(id.String(), err)
	}
	return nil
}

func (c *Controller) renew(ctx context.Context, addr string) error {
	timeout := c.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial control endpoint: %w", err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(timeout)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return err
	}

	tp := textproto.NewConn(conn)
	defer tp.Close()

	auth := "AUTHENTICATE"
	if c.Password != "" {
		auth = "AUTHENTICATE " + quote(c.Password)
	}
	if err := command(tp, auth); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	if err := command(tp, "SIGNAL NEWNYM"); err != nil {
		return fmt.Errorf("signal newnym: %w", err)
	}

	// Best effort; the signal has already been accepted
	_ = tp.PrintfLine("QUIT")
	return nil
}

// command sends one line and expects a 250 reply
func command(tp *textproto.Conn, line string) error {
	id, err := tp.Cmd("%s", line)
	if err != nil {
		return err
	}
	tp.StartResponse(id)
	defer tp.EndResponse(id)

	_, _, err = tp.ReadResponse(250)
	return err
}

func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(s) + `"`
}
