package verify_test

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/busybox42/mxverify/internal/metrics"
	"github.com/busybox42/mxverify/internal/probe"
	"github.com/busybox42/mxverify/internal/sender"
	"github.com/busybox42/mxverify/internal/store"
	"github.com/busybox42/mxverify/internal/verify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticResolver maps every domain to the same host
type staticResolver struct {
	host    string
	lookups atomic.Int32
}

func (r *staticResolver) LookupMX(_ context.Context, domain string) []string {
	r.lookups.Add(1)
	if strings.HasPrefix(domain, "nomx.") {
		return []string{}
	}
	return []string{r.host}
}

// startMailServer accepts any number of sessions. Recipients starting with
// "ok" are accepted, the rest rejected.
func startMailServer(t *testing.T) (port int, sessions *atomic.Int32) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	sessions = &atomic.Int32{}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			sessions.Add(1)
			go func(conn net.Conn) {
				defer conn.Close()
				r := bufio.NewReader(conn)
				fmt.Fprintf(conn, "220 test ESMTP\r\n")
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					cmd := strings.ToUpper(strings.TrimSpace(line))
					switch {
					case strings.HasPrefix(cmd, "EHLO"):
						fmt.Fprintf(conn, "250-test\r\n250 PIPELINING\r\n")
					case strings.HasPrefix(cmd, "MAIL FROM"):
						fmt.Fprintf(conn, "250 2.1.0 OK\r\n")
					case strings.HasPrefix(cmd, "RCPT TO:<OK"):
						fmt.Fprintf(conn, "250 2.1.5 Recipient OK\r\n")
					case strings.HasPrefix(cmd, "RCPT TO"):
						fmt.Fprintf(conn, "550 5.1.1 Unknown user\r\n")
					case cmd == "QUIT":
						fmt.Fprintf(conn, "221 bye\r\n")
						return
					}
				}
			}(conn)
		}
	}()

	return l.Addr().(*net.TCPAddr).Port, sessions
}

func newVerifier(t *testing.T, ttl time.Duration) (*verify.Verifier, *staticResolver, *atomic.Int32) {
	t.Helper()
	port, sessions := startMailServer(t)

	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "verify.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	m := metrics.New()
	pool, err := sender.NewPool([]sender.Identity{
		{Address: "probe@checker.test", Hostname: "probe.checker.test"},
	})
	require.NoError(t, err)

	resolver := &staticResolver{host: "127.0.0.1"}
	prober := probe.NewLimiter(probe.NewSMTPProber(probe.Config{
		Port:        port,
		Timeout:     2 * time.Second,
		StepTimeout: time.Second,
		RcptTimeout: time.Second,
	}, nil), 2, m)

	v, err := verify.New(verify.Options{
		Cache:    store.NewCache(s, ttl, nil, m),
		Resolver: resolver,
		Prober:   prober,
		Senders:  pool,
		Metrics:  m,
	})
	require.NoError(t, err)
	return v, resolver, sessions
}

func TestEndToEnd(t *testing.T) {
	v, resolver, sessions := newVerifier(t, time.Hour)
	ctx := context.Background()

	accepted := v.Verify(ctx, "ok.user@example.com")
	assert.True(t, accepted.IsValid)
	assert.Equal(t, 250, accepted.StatusCode)
	assert.Equal(t, "250 2.1.5 Recipient OK", accepted.ServerResponse)
	assert.Equal(t, []string{"127.0.0.1"}, accepted.MXRecords)

	rejected := v.Verify(ctx, "ghost@example.com")
	assert.False(t, rejected.IsValid)
	assert.Equal(t, 550, rejected.StatusCode)

	noMX := v.Verify(ctx, "user@nomx.example.com")
	assert.Equal(t, verify.ErrMsgNoMX, noMX.ErrorMessage)

	malformed := v.Verify(ctx, "nope")
	assert.Equal(t, verify.ErrMsgInvalidFormat, malformed.ErrorMessage)

	assert.Equal(t, int32(2), sessions.Load())
	assert.Equal(t, int32(3), resolver.lookups.Load())

	// Second round is served entirely from the cache.
	for _, email := range []string{"ok.user@example.com", "ghost@example.com", "user@nomx.example.com", "nope"} {
		o := v.Verify(ctx, email)
		assert.True(t, o.FromCache, email)
	}
	again := v.Verify(ctx, "ok.user@example.com")
	assert.Equal(t, accepted.StatusCode, again.StatusCode)
	assert.Equal(t, accepted.ServerResponse, again.ServerResponse)
	assert.Equal(t, accepted.MXRecords, again.MXRecords)
	assert.Equal(t, int32(2), sessions.Load())
	assert.Equal(t, int32(3), resolver.lookups.Load())

	stats, err := v.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Total)
	assert.Equal(t, int64(1), stats.Valid)
	assert.Equal(t, int64(3), stats.Invalid)
	assert.Equal(t, int64(4), stats.Recent)
	assert.Equal(t, "25.0%", stats.SuccessRate)
}

func TestEndToEndTTLExpiry(t *testing.T) {
	v, resolver, sessions := newVerifier(t, 100*time.Millisecond)
	ctx := context.Background()

	first := v.Verify(ctx, "ok@example.com")
	require.True(t, first.IsValid)
	assert.True(t, v.Verify(ctx, "ok@example.com").FromCache)

	time.Sleep(150 * time.Millisecond)

	fresh := v.Verify(ctx, "ok@example.com")
	assert.False(t, fresh.FromCache)
	assert.True(t, fresh.Timestamp.After(first.Timestamp))
	assert.Equal(t, int32(2), sessions.Load())
	assert.Equal(t, int32(2), resolver.lookups.Load())
}

func TestEmptyStats(t *testing.T) {
	v, _, _ := newVerifier(t, time.Hour)
	stats, err := v.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, verify.Stats{SuccessRate: "0%"}, stats)
}
