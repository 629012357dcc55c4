package email

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/agentmail/internal/model"
)

const testPassword = "s3cret"

func splitAddr(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

// startIMAPServer runs an in-memory IMAP server with one user whose INBOX
// holds messages, appended in order.
func startIMAPServer(t *testing.T, messages ...[]byte) string {
	t.Helper()

	memServer := imapmemserver.New()
	user := imapmemserver.NewUser(testAddress, testPassword)
	require.NoError(t, user.Create("INBOX", nil))
	memServer.AddUser(user)

	srv := imapserver.New(&imapserver.Options{
		NewSession: func(*imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return memServer.NewSession(), nil, nil
		},
		Caps: imap.CapSet{
			imap.CapIMAP4rev1: {},
			imap.CapIMAP4rev2: {},
		},
		InsecureAuth: true,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	if len(messages) > 0 {
		c, err := imapclient.DialInsecure(ln.Addr().String(), nil)
		require.NoError(t, err)
		defer c.Close()
		require.NoError(t, c.Login(testAddress, testPassword).Wait())

		for _, raw := range messages {
			cmd := c.Append("INBOX", int64(len(raw)), nil)
			_, err := cmd.Write(raw)
			require.NoError(t, err)
			require.NoError(t, cmd.Close())
			_, err = cmd.Wait()
			require.NoError(t, err)
		}
		require.NoError(t, c.Logout().Wait())
	}

	return ln.Addr().String()
}

func newPlainIMAPClient(t *testing.T, addr, password string) *IMAPClient {
	t.Helper()
	host, port := splitAddr(t, addr)
	c := NewIMAPClient(host, port, testAddress, password, 5*time.Second)
	c.security = securityNone
	return c
}

type receivedMessage struct {
	from string
	to   []string
	data []byte
}

type smtpBackend struct {
	mu       sync.Mutex
	received []receivedMessage
}

func (b *smtpBackend) NewSession(*gosmtp.Conn) (gosmtp.Session, error) {
	return &smtpSession{backend: b}, nil
}

func (b *smtpBackend) messages() []receivedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]receivedMessage(nil), b.received...)
}

type smtpSession struct {
	backend *smtpBackend
	authed  bool
	from    string
	to      []string
}

func (s *smtpSession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *smtpSession) Auth(string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(_, username, password string) error {
		if username != testAddress || password != testPassword {
			return errors.New("invalid credentials")
		}
		s.authed = true
		return nil
	}), nil
}

func (s *smtpSession) Mail(from string, _ *gosmtp.MailOptions) error {
	if !s.authed {
		return gosmtp.ErrAuthRequired
	}
	s.from = from
	return nil
}

func (s *smtpSession) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	s.to = append(s.to, to)
	return nil
}

func (s *smtpSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.received = append(s.backend.received, receivedMessage{from: s.from, to: s.to, data: data})
	return nil
}

func (s *smtpSession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *smtpSession) Logout() error { return nil }

func startSMTPServer(t *testing.T) (string, *smtpBackend) {
	t.Helper()

	be := &smtpBackend{}
	srv := gosmtp.NewServer(be)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true
	srv.ReadTimeout = 5 * time.Second
	srv.WriteTimeout = 5 * time.Second

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	return ln.Addr().String(), be
}

func newPlainSMTPTransport(t *testing.T, addr, password string) *SMTPTransport {
	t.Helper()
	host, port := splitAddr(t, addr)
	tr := NewSMTPTransport(host, port, testAddress, password, 5*time.Second)
	tr.security = securityNone
	return tr
}

func rawMessage(t *testing.T, p model.ComposePayload, at time.Time) *outgoing {
	t.Helper()
	out, err := buildMessage("bob@x.com", p, at)
	require.NoError(t, err)
	return out
}

func TestSecurityForPort(t *testing.T) {
	assert.Equal(t, securityTLS, securityForPort(993))
	assert.Equal(t, securityTLS, securityForPort(465))
	assert.Equal(t, securityStartTLS, securityForPort(143))
	assert.Equal(t, securityStartTLS, securityForPort(587))
	assert.Equal(t, securityStartTLS, securityForPort(25))
}

func TestIMAPClientValidate(t *testing.T) {
	addr := startIMAPServer(t)
	ctx := context.Background()

	require.NoError(t, newPlainIMAPClient(t, addr, testPassword).Validate(ctx))

	err := newPlainIMAPClient(t, addr, "wrong").Validate(ctx)
	require.Error(t, err)
	assert.True(t, model.IsConnectionError(err))
}

func TestIMAPClientUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	err = newPlainIMAPClient(t, addr, testPassword).Validate(context.Background())
	require.Error(t, err)
	assert.True(t, model.IsConnectionError(err))
}

func TestIMAPClientSearchAndFetch(t *testing.T) {
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	first := rawMessage(t, model.ComposePayload{
		To:       []string{testAddress},
		Subject:  "Budget review",
		TextBody: "Numbers are   in.",
	}, base)
	second := rawMessage(t, model.ComposePayload{
		To:       []string{testAddress},
		Subject:  "Lunch",
		TextBody: "Tacos?",
	}, base.Add(time.Hour))
	third := rawMessage(t, model.ComposePayload{
		To:       []string{testAddress},
		Subject:  "Re: Budget review",
		TextBody: "Attached.",
		HTMLBody: `<p>Attached.</p><script>x()</script>`,
		Attachments: []model.Attachment{
			{Filename: "q1.csv", Content: "YSxiLGMK", Encoding: "base64", ContentType: "text/csv"},
		},
		InReplyTo:  first.messageID,
		References: []string{first.messageID},
	}, base.Add(2*time.Hour))

	addr := startIMAPServer(t, first.raw, second.raw, third.raw)
	client := newPlainIMAPClient(t, addr, testPassword)
	ctx := context.Background()

	all, err := client.Search(ctx, Query{}, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []uint32{3, 2, 1}, []uint32{all[0].UID, all[1].UID, all[2].UID})
	assert.Equal(t, "Re: Budget review", all[0].Subject)
	assert.Equal(t, first.messageID, all[2].MessageID)
	assert.Equal(t, []string{first.messageID}, all[0].References)
	assert.True(t, all[0].HasAttachments)
	assert.False(t, all[1].HasAttachments)
	assert.Contains(t, all[2].TextBody, "Numbers are")

	limited, err := client.Search(ctx, Query{}, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, uint32(3), limited[0].UID)

	q, err := ParseQuery("subject:Budget")
	require.NoError(t, err)
	budget, err := client.Search(ctx, q, 0)
	require.NoError(t, err)
	require.Len(t, budget, 2)
	assert.Equal(t, uint32(3), budget[0].UID)
	assert.Equal(t, uint32(1), budget[1].UID)

	q, err = ParseQuery("has:attachment")
	require.NoError(t, err)
	withFiles, err := client.Search(ctx, q, 0)
	require.NoError(t, err)
	require.Len(t, withFiles, 1)
	assert.Equal(t, uint32(3), withFiles[0].UID)

	full, err := client.Fetch(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, third.messageID, full.MessageID)
	assert.Equal(t, []string{first.messageID}, full.InReplyTo)
	assert.Equal(t, "Attached.", strings.TrimRight(full.TextBody, "\r\n"))
	assert.Contains(t, full.HTMLBody, "<p>Attached.</p>")
	require.Len(t, full.Attachments, 1)
	assert.Equal(t, "q1.csv", full.Attachments[0].Filename)
	assert.Equal(t, int64(6), full.Attachments[0].Size)
	require.Len(t, full.From, 1)
	assert.Equal(t, "bob@x.com", full.From[0].Address)
	assert.NotEmpty(t, full.Headers["Subject"])

	_, err = client.Fetch(ctx, 42)
	require.Error(t, err)
	assert.True(t, model.IsProtocolError(err))

	found, err := client.FindByHeader(ctx, "Message-ID", first.messageID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, uint32(1), found.UID)

	inThread, err := client.FindByHeader(ctx, "References", first.messageID)
	require.NoError(t, err)
	require.NotNil(t, inThread)
	assert.Equal(t, uint32(3), inThread.UID)

	missing, err := client.FindByHeader(ctx, "Message-ID", "nobody@nowhere")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestIMAPClientFindByHeaderIsExact(t *testing.T) {
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	older := rawMessage(t, model.ComposePayload{
		To:         []string{testAddress},
		Subject:    "Re: Plan",
		TextBody:   "Agreed.",
		References: []string{"root@x.com"},
	}, base)
	newer := rawMessage(t, model.ComposePayload{
		To:         []string{testAddress},
		Subject:    "Re: Other plan",
		TextBody:   "Different thread.",
		References: []string{"xroot@x.com"},
	}, base.Add(time.Hour))

	addr := startIMAPServer(t, older.raw, newer.raw)
	client := newPlainIMAPClient(t, addr, testPassword)
	ctx := context.Background()

	inThread, err := client.FindByHeader(ctx, "References", "<root@x.com>")
	require.NoError(t, err)
	require.NotNil(t, inThread)
	assert.Equal(t, uint32(1), inThread.UID)

	partial, err := client.FindByHeader(ctx, "Message-ID", older.messageID[1:])
	require.NoError(t, err)
	assert.Nil(t, partial)

	exact, err := client.FindByHeader(ctx, "Message-ID", "<"+newer.messageID+">")
	require.NoError(t, err)
	require.NotNil(t, exact)
	assert.Equal(t, uint32(2), exact.UID)
}

func TestHeaderMatches(t *testing.T) {
	msg := &parsedMessage{
		MessageID:  "abc@x.com",
		InReplyTo:  []string{"parent@x.com"},
		References: []string{"root@x.com", "parent@x.com"},
	}

	tests := []struct {
		key, value string
		want       bool
	}{
		{"Message-ID", "abc@x.com", true},
		{"message-id", "<abc@x.com>", true},
		{"Message-ID", "bc@x.com", false},
		{"Message-ID", "abc@x.co", false},
		{"References", "root@x.com", true},
		{"References", "oot@x.com", false},
		{"In-Reply-To", "<parent@x.com>", true},
		{"In-Reply-To", "root@x.com", false},
		{"Subject", "anything", true},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			assert.Equal(t, tt.want, headerMatches(msg, tt.key, tt.value))
		})
	}
}

func TestSMTPTransportSend(t *testing.T) {
	addr, be := startSMTPServer(t)
	ctx := context.Background()
	tr := newPlainSMTPTransport(t, addr, testPassword)

	require.NoError(t, tr.Validate(ctx))

	msg := rawMessage(t, model.ComposePayload{
		To:       []string{"carol@x.com"},
		Subject:  "Hello",
		TextBody: "Hi Carol",
	}, time.Now())
	require.NoError(t, tr.Send(ctx, testAddress, []string{"carol@x.com", "dan@x.com"}, msg.raw))

	got := be.messages()
	require.Len(t, got, 1)
	assert.Equal(t, testAddress, got[0].from)
	assert.Equal(t, []string{"carol@x.com", "dan@x.com"}, got[0].to)
	parsed := parseMIME(got[0].data)
	assert.Equal(t, "Hello", parsed.Subject)
	assert.Equal(t, "Hi Carol", strings.TrimRight(parsed.TextBody, "\r\n"))
}

func TestSMTPTransportBadCredentials(t *testing.T) {
	addr, be := startSMTPServer(t)
	tr := newPlainSMTPTransport(t, addr, "wrong")

	err := tr.Validate(context.Background())
	require.Error(t, err)
	var connErr *model.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, model.StageTransfer, connErr.Stage)

	err = tr.Send(context.Background(), testAddress, []string{"carol@x.com"}, []byte("Subject: x\r\n\r\nbody"))
	require.Error(t, err)
	assert.Empty(t, be.messages())
}

func TestAdapterAgainstServers(t *testing.T) {
	imapAddr := startIMAPServer(t)
	smtpAddr, be := startSMTPServer(t)

	a, _, _, _ := newTestAdapter(t)
	a.imap = newPlainIMAPClient(t, imapAddr, testPassword)
	a.smtp = newPlainSMTPTransport(t, smtpAddr, testPassword)
	ctx := context.Background()

	require.NoError(t, a.ValidateConnection(ctx))

	composed, err := a.ComposeDraft(ctx, model.ComposePayload{
		To:       []string{"carol@corp.example"},
		Subject:  "Status",
		TextBody: "All green.",
	})
	require.NoError(t, err)

	res, err := a.Send(ctx, model.SendRequest{DraftID: composed.DraftID, ConfirmToken: composed.Preview.ConfirmToken})
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, res.Status)

	got := be.messages()
	require.Len(t, got, 1)
	assert.Equal(t, []string{"carol@corp.example"}, got[0].to)
	assert.Equal(t, res.MessageID, parseMIME(got[0].data).MessageID)

	a.smtp = newPlainSMTPTransport(t, smtpAddr, "wrong")
	err = a.ValidateConnection(ctx)
	require.Error(t, err)
	assert.True(t, model.IsConnectionError(err))
}
