package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/textproto"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/busybox42/mxverify/internal/sender"
)

// Step is a state of the probe session
type Step int

const (
	StepConnecting Step = iota
	StepGreeted
	StepEhloSent
	StepMailFromSent
	StepRcptSent
	StepClosed
	StepFailed
)

func (s Step) String() string {
	switch s {
	case StepConnecting:
		return "connecting"
	case StepGreeted:
		return "greeted"
	case StepEhloSent:
		return "ehlo_sent"
	case StepMailFromSent:
		return "mail_from_sent"
	case StepRcptSent:
		return "rcpt_sent"
	case StepClosed:
		return "closed"
	case StepFailed:
		return "failed"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// Default timeouts
const (
	DefaultTimeout     = 15 * time.Second
	DefaultStepTimeout = 8 * time.Second
	DefaultRcptTimeout = 10 * time.Second
	DefaultPort        = 25

	// unparsedCode stands in for a RCPT reply without a numeric code
	unparsedCode = 500

	timeoutDiagnostic = "connection timed out"
)

// Result is the verdict of one probe. Code is 0 when no RCPT reply was read.
type Result struct {
	Valid    bool
	Code     int
	Response string

	// FailedAt is the last state reached before a failure
	FailedAt Step
	Final    Step
}

// Prober runs a recipient probe against one mail host
type Prober interface {
	Probe(ctx context.Context, email, host string, id sender.Identity) Result
}

// Failure builds the result of a probe that did not observe a RCPT reply
func Failure(at Step, diagnostic string) Result {
	return Result{Code: 0, Response: diagnostic, FailedAt: at, Final: StepFailed}
}

// Config holds the probe timeouts
type Config struct {
	Port        int
	Timeout     time.Duration // whole probe, including the TCP connect
	StepTimeout time.Duration // each read/write before RCPT
	RcptTimeout time.Duration // the RCPT reply read
}

// SMTPProber speaks plain SMTP over TCP
type SMTPProber struct {
	config Config
	dialer *net.Dialer
	logger *slog.Logger
}

// NewSMTPProber creates a prober, filling unset values with defaults
func NewSMTPProber(config Config, logger *slog.Logger) *SMTPProber {
	if config.Port == 0 {
		config.Port = DefaultPort
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.StepTimeout <= 0 {
		config.StepTimeout = DefaultStepTimeout
	}
	if config.RcptTimeout <= 0 {
		config.RcptTimeout = DefaultRcptTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &SMTPProber{
		config: config,
		dialer: &net.Dialer{},
		logger: logger.With("component", "smtp-probe"),
	}
}

// session carries the connection state between steps
type session struct {
	prober *SMTPProber
	email  string
	host   string
	id     sender.Identity

	conn net.Conn
	text *textproto.Conn

	code     int
	response string
}

// transition is what a step returns: the next state, or StepFailed with a
// diagnostic.
type transition struct {
	next       Step
	diagnostic string
}

func advance(next Step) transition {
	return transition{next: next}
}

func fail(diagnostic string) transition {
	return transition{next: StepFailed, diagnostic: diagnostic}
}

// Probe implements Prober. The connection is closed on every exit path.
func (p *SMTPProber) Probe(ctx context.Context, email, host string, id sender.Identity) Result {
	ctx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	s := &session{prober: p, email: email, host: host, id: id}
	defer s.close()

	steps := map[Step]func(context.Context) transition{
		StepConnecting:   s.connect,
		StepGreeted:      s.ehlo,
		StepEhloSent:     s.mailFrom,
		StepMailFromSent: s.rcptTo,
		StepRcptSent:     s.quit,
	}

	state := StepConnecting
	for state != StepClosed {
		t := steps[state](ctx)
		if t.next == StepFailed {
			p.logger.Debug("SMTP probe failed",
				"host", host,
				"state", state.String(),
				"diagnostic", t.diagnostic)
			return Failure(state, t.diagnostic)
		}
		state = t.next
	}

	p.logger.Debug("SMTP probe completed",
		"host", host,
		"code", s.code,
		"sender", id.Address)

	return Result{
		Valid:    s.code == 250 || s.code == 251,
		Code:     s.code,
		Response: s.response,
		Final:    StepClosed,
	}
}

func (s *session) connect(ctx context.Context) transition {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.prober.config.Port))
	conn, err := s.prober.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fail(diagnose("connect", err))
	}
	s.conn = conn
	s.text = textproto.NewConn(conn)

	lines, err := s.readReply(ctx, s.prober.config.StepTimeout)
	if err != nil {
		return fail(diagnose("greeting", err))
	}
	if !strings.HasPrefix(lines[0], "220") {
		return fail("connection rejected: " + strings.Join(lines, " "))
	}
	return advance(StepGreeted)
}

func (s *session) ehlo(ctx context.Context) transition {
	if _, err := s.command(ctx, s.prober.config.StepTimeout, "EHLO %s", s.id.Hostname); err != nil {
		return fail(diagnose("EHLO", err))
	}
	return advance(StepEhloSent)
}

func (s *session) mailFrom(ctx context.Context) transition {
	if _, err := s.command(ctx, s.prober.config.StepTimeout, "MAIL FROM:<%s>", s.id.Address); err != nil {
		return fail(diagnose("MAIL FROM", err))
	}
	return advance(StepMailFromSent)
}

func (s *session) rcptTo(ctx context.Context) transition {
	lines, err := s.command(ctx, s.prober.config.RcptTimeout, "RCPT TO:<%s>", s.email)
	if err != nil {
		return fail(diagnose("RCPT TO", err))
	}
	s.code = ParseCode(lines[0])
	s.response = strings.Join(lines, "\n")
	return advance(StepRcptSent)
}

// quit never fails: the verdict is already known.
func (s *session) quit(ctx context.Context) transition {
	_ = s.conn.SetWriteDeadline(deadline(ctx, s.prober.config.StepTimeout))
	_ = s.text.PrintfLine("QUIT")
	s.close()
	return advance(StepClosed)
}

func (s *session) close() {
	if s.text != nil {
		_ = s.text.Close()
		s.text = nil
		s.conn = nil
	}
}

// command writes one line and reads the full reply to it
func (s *session) command(ctx context.Context, timeout time.Duration, format string, args ...interface{}) ([]string, error) {
	if err := s.conn.SetWriteDeadline(deadline(ctx, timeout)); err != nil {
		return nil, err
	}
	if err := s.text.PrintfLine(format, args...); err != nil {
		return nil, err
	}
	return s.readReply(ctx, timeout)
}

// readReply reads a possibly multi-line reply ("250-..." continuations up to
// the final "250 ..." line). Lines are returned verbatim.
func (s *session) readReply(ctx context.Context, timeout time.Duration) ([]string, error) {
	if err := s.conn.SetReadDeadline(deadline(ctx, timeout)); err != nil {
		return nil, err
	}

	var lines []string
	for {
		line, err := s.text.ReadLine()
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
		if len(line) < 4 || line[3] != '-' {
			return lines, nil
		}
	}
}

// deadline is now+timeout, capped by the context deadline
func deadline(ctx context.Context, timeout time.Duration) time.Time {
	d := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}

// ParseCode reads the three-digit status code at the start of a reply line.
// Lines without one map to 500.
func ParseCode(line string) int {
	if len(line) < 3 {
		return unparsedCode
	}
	code, err := strconv.Atoi(line[:3])
	if err != nil || code < 100 || code > 999 {
		return unparsedCode
	}
	return code
}

// diagnose turns a transport error into the text stored on the outcome
func diagnose(action string, err error) string {
	if isTimeout(err) {
		return timeoutDiagnostic
	}
	return fmt.Sprintf("%s: %v", action, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
