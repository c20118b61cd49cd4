// Package mailer sends playlist exports over SMTP. It keeps one
// authenticated session alive across sends, rebuilds it on connection-level
// errors and classifies SMTP reply codes into the transient/permanent split
// the consumer acts on.
package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"net/textproto"
	"time"

	"github.com/google/uuid"

	"playlist-exporter/pkg/config"
	"playlist-exporter/pkg/export"
)

const (
	dialTimeout = 30 * time.Second
	// ioTimeout bounds one full MAIL/RCPT/DATA transaction so a peer that
	// stops responding mid-command cannot stall the worker.
	ioTimeout = 2 * time.Minute
)

// session is the slice of the SMTP client the mailer drives. Tests
// substitute a fake through the dial func.
type session interface {
	Mail(from string) error
	Rcpt(to string) error
	Data() (io.WriteCloser, error)
	Reset() error
	SetDeadline(t time.Time) error
	Quit() error
	Close() error
}

// Mailer owns one SMTP session, recreated on demand. It is not safe for
// concurrent use; the consumer's prefetch-1 discipline means it never is.
type Mailer struct {
	host        string
	sender      string
	maxAttempts int
	retryDelay  time.Duration

	dial func() (session, error)
	sess session
}

// New builds a mailer from the SMTP configuration. The session is dialed
// lazily on the first send.
func New(smtpCfg config.SMTP, maxAttempts int, retryDelay time.Duration) *Mailer {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Mailer{
		host:        smtpCfg.Host,
		sender:      smtpCfg.Sender,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		dial:        func() (session, error) { return dialSMTP(smtpCfg) },
	}
}

// Send mails payload as a playlist.json attachment to recipient and returns
// the generated Message-Id. Transient failures are retried with linear
// backoff up to the configured attempts; permanent failures (auth, rejected
// or invalid recipient) abort immediately.
func (m *Mailer) Send(ctx context.Context, recipient string, payload []byte) (string, error) {
	if err := export.ValidateAddress(recipient); err != nil {
		return "", export.Permanent(err)
	}

	msgID := fmt.Sprintf("<%s@%s>", uuid.NewString(), m.host)
	data := buildMessage(m.sender, recipient, msgID, time.Now(), payload)

	var lastErr error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return "", export.Transient(ctx.Err())
			case <-time.After(time.Duration(attempt-1) * m.retryDelay):
			}
		}

		err := m.submit(ctx, recipient, data)
		if err == nil {
			return msgID, nil
		}
		lastErr = err
		if export.ClassOf(err) == export.ClassPermanent {
			return "", err
		}
		if !isProtocolError(err) {
			// The connection state is unknown; start the next attempt on
			// a fresh session.
			m.reset()
		}
	}
	return "", lastErr
}

// submit runs one MAIL/RCPT/DATA transaction on the current session,
// dialing first if needed. Errors come back classified, and a failure that
// left the transaction half-open clears it so the session stays reusable.
func (m *Mailer) submit(ctx context.Context, recipient string, data []byte) error {
	if m.sess == nil {
		s, err := m.dial()
		if err != nil {
			// An AUTH rejection surfaces here as a protocol error and
			// classifies permanent; plain dial failures stay transient.
			return classify("smtp dial", err)
		}
		m.sess = s
	}

	deadline := time.Now().Add(ioTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := m.sess.SetDeadline(deadline); err != nil {
		return export.Transient(fmt.Errorf("set deadline: %w", err))
	}

	if err := m.sess.Mail(m.sender); err != nil {
		return classify("mail from", err)
	}
	if err := m.sess.Rcpt(recipient); err != nil {
		// A rejected recipient is a failure even though the session
		// itself is healthy.
		return m.abort(classify("rcpt to", err))
	}
	w, err := m.sess.Data()
	if err != nil {
		return m.abort(classify("data start", err))
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return m.abort(classify("data write", err))
	}
	if err := w.Close(); err != nil {
		return m.abort(classify("data close", err))
	}
	return nil
}

// abort clears a transaction that failed after MAIL was accepted. Without
// the RSET the server still considers the transaction open and answers the
// next MAIL with 503, wedging the session for every later attempt and job.
// If the session cannot even be reset it is torn down.
func (m *Mailer) abort(err error) error {
	if !isProtocolError(err) {
		m.reset()
		return err
	}
	if resetErr := m.sess.Reset(); resetErr != nil {
		m.reset()
	}
	return err
}

// Close quits the active session, if any.
func (m *Mailer) Close() error {
	if m.sess == nil {
		return nil
	}
	err := m.sess.Quit()
	m.sess = nil
	return err
}

func (m *Mailer) reset() {
	if m.sess != nil {
		m.sess.Close()
		m.sess = nil
	}
}

// classify maps an SMTP failure onto the error taxonomy. Permanent reply
// codes cover authentication and recipient/message rejection; everything
// else, including plain connection errors, is transient.
func classify(op string, err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		switch tpErr.Code {
		case 530, 534, 535, 538:
			return export.Permanent(fmt.Errorf("%s: authentication failed: %w", op, err))
		case 501, 550, 551, 553:
			return export.Permanent(fmt.Errorf("%s: recipient rejected: %w", op, err))
		case 552, 554:
			return export.Permanent(fmt.Errorf("%s: message rejected: %w", op, err))
		default:
			return export.Transient(fmt.Errorf("%s: %w", op, err))
		}
	}
	return export.Transient(fmt.Errorf("%s: %w", op, err))
}

func isProtocolError(err error) bool {
	var tpErr *textproto.Error
	if !errors.As(err, &tpErr) {
		return false
	}
	// 421 means the server is closing the connection; treat it like a
	// connection error so the session is rebuilt.
	return tpErr.Code != 421
}

// smtpSession pairs an smtp.Client with its underlying connection so the
// mailer can refresh read/write deadlines per transaction; the client alone
// does not expose them.
type smtpSession struct {
	conn   net.Conn
	client *smtp.Client
}

func (s *smtpSession) Mail(from string) error        { return s.client.Mail(from) }
func (s *smtpSession) Rcpt(to string) error          { return s.client.Rcpt(to) }
func (s *smtpSession) Data() (io.WriteCloser, error) { return s.client.Data() }
func (s *smtpSession) Reset() error                  { return s.client.Reset() }
func (s *smtpSession) SetDeadline(t time.Time) error { return s.conn.SetDeadline(t) }
func (s *smtpSession) Quit() error                   { return s.client.Quit() }
func (s *smtpSession) Close() error                  { return s.client.Close() }

// dialSMTP establishes a fresh authenticated session. Port 465 means
// implicit TLS by convention; otherwise the connection is upgraded with
// STARTTLS when the server offers it.
func dialSMTP(cfg config.SMTP) (session, error) {
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))

	var conn net.Conn
	var err error
	if cfg.Port == 465 {
		conn, err = tls.DialWithDialer(&net.Dialer{Timeout: dialTimeout}, "tcp", addr, &tls.Config{
			ServerName: cfg.Host,
			MinVersion: tls.VersionTLS12,
		})
		if err != nil {
			return nil, fmt.Errorf("tls dial: %w", err)
		}
	} else {
		conn, err = (&net.Dialer{Timeout: dialTimeout}).Dial("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial: %w", err)
		}
	}

	// Bound the greeting and handshake; submit refreshes the deadline per
	// transaction afterwards.
	if err := conn.SetDeadline(time.Now().Add(dialTimeout)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	client, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("new client: %w", err)
	}

	if cfg.Port != 465 {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(&tls.Config{
				ServerName: cfg.Host,
				MinVersion: tls.VersionTLS12,
			}); err != nil {
				client.Close()
				return nil, fmt.Errorf("starttls: %w", err)
			}
		}
	}

	if ok, _ := client.Extension("AUTH"); ok {
		auth := smtp.PlainAuth("", cfg.User, cfg.Password, cfg.Host)
		if err := client.Auth(auth); err != nil {
			client.Close()
			return nil, err
		}
	}

	return &smtpSession{conn: conn, client: client}, nil
}
