package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/nhle/agentmail/internal/model"
)

// messageSender hands a finished message to the transfer server.
type messageSender interface {
	Validate(ctx context.Context) error
	Send(ctx context.Context, from string, to []string, msg []byte) error
}

// SMTPTransport submits messages with go-smtp and PLAIN authentication.
type SMTPTransport struct {
	host     string
	port     int
	username string
	password string
	timeout  time.Duration
	security security
}

// NewSMTPTransport creates a transport for the given submission server.
func NewSMTPTransport(host string, port int, username, password string, timeout time.Duration) *SMTPTransport {
	return &SMTPTransport{
		host:     host,
		port:     port,
		username: username,
		password: password,
		timeout:  timeout,
		security: securityForPort(port),
	}
}

// connect dials, negotiates TLS as configured and authenticates.
func (t *SMTPTransport) connect(ctx context.Context) (*smtp.Client, error) {
	addr := net.JoinHostPort(t.host, strconv.Itoa(t.port))

	conn, err := dialContext(ctx, addr, t.timeout)
	if err != nil {
		return nil, transferError(fmt.Errorf("dialing %s: %w", addr, err))
	}

	tlsConfig := &tls.Config{ServerName: t.host}

	var client *smtp.Client
	switch t.security {
	case securityTLS:
		client = smtp.NewClient(tls.Client(conn, tlsConfig))
	case securityStartTLS:
		client, err = smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			conn.Close()
			return nil, transferError(fmt.Errorf("STARTTLS with %s: %w", addr, err))
		}
	default:
		client = smtp.NewClient(conn)
	}
	if t.timeout > 0 {
		client.CommandTimeout = t.timeout
	}

	if err := client.Auth(sasl.NewPlainClient("", t.username, t.password)); err != nil {
		client.Close()
		return nil, transferError(fmt.Errorf("authentication failed for %s: %w", t.username, err))
	}
	return client, nil
}

// Validate logs in to the submission server and quits.
func (t *SMTPTransport) Validate(ctx context.Context) error {
	client, err := t.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Quit(); err != nil {
		return transferError(fmt.Errorf("closing session: %w", err))
	}
	return nil
}

// Send submits msg for the envelope recipients in to.
func (t *SMTPTransport) Send(ctx context.Context, from string, to []string, msg []byte) error {
	client, err := t.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.SendMail(from, to, bytes.NewReader(msg)); err != nil {
		return transferError(fmt.Errorf("sending message: %w", err))
	}
	if err := client.Quit(); err != nil {
		return transferError(fmt.Errorf("closing session: %w", err))
	}
	return nil
}

func transferError(err error) error {
	return &model.ConnectionError{Stage: model.StageTransfer, Err: err}
}
