package verify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/busybox42/mxverify/internal/probe"
	"github.com/busybox42/mxverify/internal/sender"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockResolver struct{ mock.Mock }

func (m *mockResolver) LookupMX(ctx context.Context, domain string) []string {
	args := m.Called(domain)
	return args.Get(0).([]string)
}

type mockProber struct{ mock.Mock }

func (m *mockProber) Probe(ctx context.Context, email, host string, id sender.Identity) probe.Result {
	args := m.Called(email, host, id)
	return args.Get(0).(probe.Result)
}

// memCache is a TTL-less Cache that copies values like a real store would
type memCache struct {
	mu       sync.Mutex
	entries  map[string]Outcome
	puts     int
	putErr   error
	countErr error
	counts   Counts
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]Outcome)}
}

func (c *memCache) Get(_ context.Context, email string) *Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.entries[email]
	if !ok {
		return nil
	}
	o.FromCache = true
	return &o
}

func (c *memCache) Put(_ context.Context, o *Outcome) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.puts++
	if c.putErr != nil {
		return c.putErr
	}
	if o.Timestamp.IsZero() {
		return errors.New("zero timestamp")
	}
	c.entries[o.Email] = *o
	return nil
}

func (c *memCache) Counts(context.Context, time.Time) (Counts, error) {
	return c.counts, c.countErr
}

var identities = []sender.Identity{
	{Address: "validator@checker.test", Hostname: "v1.checker.test"},
	{Address: "checker@checker.test", Hostname: "v2.checker.test"},
	{Address: "verify@checker.test", Hostname: "v3.checker.test"},
}

type fixture struct {
	verifier *Verifier
	cache    *memCache
	resolver *mockResolver
	prober   *mockProber
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	pool, err := sender.NewPool(identities)
	require.NoError(t, err)

	f := &fixture{cache: newMemCache(), resolver: &mockResolver{}, prober: &mockProber{}}
	f.verifier, err = New(Options{
		Cache:    f.cache,
		Resolver: f.resolver,
		Prober:   f.prober,
		Senders:  pool,
	})
	require.NoError(t, err)
	return f
}

func TestNewRequiresDependencies(t *testing.T) {
	pool, _ := sender.NewPool(identities)
	_, err := New(Options{Resolver: &mockResolver{}, Prober: &mockProber{}, Senders: pool})
	assert.Error(t, err)
	_, err = New(Options{Cache: newMemCache(), Prober: &mockProber{}, Senders: pool})
	assert.Error(t, err)
	_, err = New(Options{Cache: newMemCache(), Resolver: &mockResolver{}, Senders: pool})
	assert.Error(t, err)
	_, err = New(Options{Cache: newMemCache(), Resolver: &mockResolver{}, Prober: &mockProber{}})
	assert.Error(t, err)
}

func TestVerifyInvalidFormat(t *testing.T) {
	for _, email := range []string{"not-an-email", "user@localhost", "@example.com", ""} {
		t.Run(email, func(t *testing.T) {
			f := newFixture(t)
			o := f.verifier.Verify(context.Background(), email)

			assert.False(t, o.IsValid)
			assert.Equal(t, ErrMsgInvalidFormat, o.ErrorMessage)
			assert.Equal(t, 0, o.StatusCode)
			assert.Empty(t, o.MXRecords)
			assert.False(t, o.Timestamp.IsZero())
			assert.False(t, o.FromCache)
			f.resolver.AssertNotCalled(t, "LookupMX", mock.Anything)
			f.prober.AssertNotCalled(t, "Probe", mock.Anything, mock.Anything, mock.Anything)
			assert.Equal(t, 1, f.cache.puts)
		})
	}
}

func TestVerifyNoMX(t *testing.T) {
	f := newFixture(t)
	f.resolver.On("LookupMX", "nomx.example").Return([]string{}).Once()

	o := f.verifier.Verify(context.Background(), "someone@NoMX.example")

	assert.False(t, o.IsValid)
	assert.Equal(t, ErrMsgNoMX, o.ErrorMessage)
	assert.NotNil(t, o.MXRecords)
	assert.Empty(t, o.MXRecords)
	assert.Equal(t, "no MX records found", o.ServerResponse)
	f.prober.AssertNotCalled(t, "Probe", mock.Anything, mock.Anything, mock.Anything)
	f.resolver.AssertExpectations(t)

	// Cached: a second call resolves nothing.
	again := f.verifier.Verify(context.Background(), "someone@NoMX.example")
	assert.True(t, again.FromCache)
	assert.Equal(t, ErrMsgNoMX, again.ErrorMessage)
	f.resolver.AssertNumberOfCalls(t, "LookupMX", 1)
}

func TestVerifyProbeVerdicts(t *testing.T) {
	tests := []struct {
		name     string
		result   probe.Result
		valid    bool
		code     int
		response string
	}{
		{"accepted", probe.Result{Valid: true, Code: 250, Response: "250 2.1.5 Recipient OK"}, true, 250, "250 2.1.5 Recipient OK"},
		{"forward", probe.Result{Valid: true, Code: 251, Response: "251 will forward"}, true, 251, "251 will forward"},
		{"unknown user", probe.Result{Code: 550, Response: "550 5.1.1 Unknown user"}, false, 550, "550 5.1.1 Unknown user"},
		{"timeout", probe.Failure(probe.StepGreeted, "connection timed out"), false, 0, "connection timed out"},
		// Verdict follows the code even if a prober misreports Valid.
		{"inconsistent prober", probe.Result{Valid: true, Code: 450, Response: "450 busy"}, false, 450, "450 busy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.resolver.On("LookupMX", "example.com").Return([]string{"mx1.example.com", "mx2.example.com"})
			f.prober.On("Probe", "user@example.com", "mx1.example.com", identities[0]).Return(tt.result).Once()

			o := f.verifier.Verify(context.Background(), "user@example.com")

			assert.Equal(t, tt.valid, o.IsValid)
			assert.Equal(t, tt.code, o.StatusCode)
			assert.Equal(t, tt.response, o.ServerResponse)
			assert.Equal(t, []string{"mx1.example.com", "mx2.example.com"}, o.MXRecords)
			assert.Empty(t, o.ErrorMessage)
			assert.GreaterOrEqual(t, o.ElapsedSeconds, 0.0)
			f.prober.AssertExpectations(t)
			assert.Equal(t, 1, f.cache.puts)
		})
	}
}

func TestVerifyCacheHitIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.resolver.On("LookupMX", "example.com").Return([]string{"mx.example.com"})
	f.prober.On("Probe", "user@example.com", "mx.example.com", mock.Anything).
		Return(probe.Result{Valid: true, Code: 250, Response: "250 OK"}).Once()

	first := f.verifier.Verify(context.Background(), "user@example.com")
	second := f.verifier.Verify(context.Background(), "user@example.com")

	assert.False(t, first.FromCache)
	assert.True(t, second.FromCache)

	a, b := *first, *second
	a.FromCache, b.FromCache = false, false
	assert.Equal(t, a, b)

	f.resolver.AssertNumberOfCalls(t, "LookupMX", 1)
	f.prober.AssertNumberOfCalls(t, "Probe", 1)
	assert.Equal(t, 1, f.cache.puts)
}

func TestVerifySenderRotation(t *testing.T) {
	f := newFixture(t)
	f.resolver.On("LookupMX", "example.com").Return([]string{"mx.example.com"})

	var used []sender.Identity
	f.prober.On("Probe", mock.Anything, "mx.example.com", mock.Anything).
		Run(func(args mock.Arguments) {
			used = append(used, args.Get(2).(sender.Identity))
		}).
		Return(probe.Result{Code: 550, Response: "550 no"})

	for i := 0; i < 2*len(identities); i++ {
		f.verifier.Verify(context.Background(), fmt.Sprintf("user%d@example.com", i))
	}

	require.Len(t, used, 2*len(identities))
	for i, id := range used {
		assert.Equal(t, identities[i%len(identities)], id, "probe %d", i)
	}
}

type panickingProber struct{}

func (panickingProber) Probe(context.Context, string, string, sender.Identity) probe.Result {
	panic("nil connection")
}

func TestVerifyProbePanic(t *testing.T) {
	f := newFixture(t)
	f.verifier.prober = panickingProber{}
	f.resolver.On("LookupMX", "example.com").Return([]string{"mx.example.com"})

	o := f.verifier.Verify(context.Background(), "user@example.com")

	assert.False(t, o.IsValid)
	assert.Equal(t, 0, o.StatusCode)
	assert.Contains(t, o.ErrorMessage, "nil connection")
	assert.Equal(t, []string{"mx.example.com"}, o.MXRecords)
	assert.Equal(t, 1, f.cache.puts)
}

func TestVerifyCacheWriteFailure(t *testing.T) {
	f := newFixture(t)
	f.cache.putErr = errors.New("database is locked")

	o := f.verifier.Verify(context.Background(), "bad-format")
	require.NotNil(t, o)
	assert.Equal(t, ErrMsgInvalidFormat, o.ErrorMessage)
	assert.Equal(t, 1, f.cache.puts)
}

func TestVerifyBatch(t *testing.T) {
	f := newFixture(t)
	f.resolver.On("LookupMX", "example.com").Return([]string{"mx.example.com"})
	f.prober.On("Probe", "good@example.com", "mx.example.com", mock.Anything).
		Return(probe.Result{Valid: true, Code: 250, Response: "250 OK"})
	f.prober.On("Probe", "bad@example.com", "mx.example.com", mock.Anything).
		Return(probe.Result{Code: 550, Response: "550 no"})

	emails := []string{"good@example.com", "broken", "bad@example.com"}
	results := f.verifier.VerifyBatch(context.Background(), emails)

	require.Len(t, results, 3)
	for i, o := range results {
		assert.Equal(t, emails[i], o.Email)
	}
	assert.True(t, results[0].IsValid)
	assert.Equal(t, ErrMsgInvalidFormat, results[1].ErrorMessage)
	assert.Equal(t, 550, results[2].StatusCode)
}

func TestStats(t *testing.T) {
	t.Run("Empty store", func(t *testing.T) {
		f := newFixture(t)
		s, err := f.verifier.Stats(context.Background())
		require.NoError(t, err)
		assert.Equal(t, Stats{SuccessRate: "0%"}, s)
	})

	t.Run("Populated store", func(t *testing.T) {
		f := newFixture(t)
		f.cache.counts = Counts{Total: 3, Valid: 2, Recent: 1}
		s, err := f.verifier.Stats(context.Background())
		require.NoError(t, err)
		assert.Equal(t, Stats{Total: 3, Valid: 2, Invalid: 1, Recent: 1, SuccessRate: "66.7%"}, s)
	})

	t.Run("Store failure", func(t *testing.T) {
		f := newFixture(t)
		f.cache.countErr = errors.New("no such table")
		s, err := f.verifier.Stats(context.Background())
		assert.Error(t, err)
		assert.Equal(t, "0%", s.SuccessRate)
		assert.Zero(t, s.Total)
	})
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "100.0%", Summarize(Counts{Total: 4, Valid: 4}).SuccessRate)
	assert.Equal(t, "25.0%", Summarize(Counts{Total: 4, Valid: 1}).SuccessRate)
	assert.Equal(t, int64(3), Summarize(Counts{Total: 4, Valid: 1}).Invalid)
}
