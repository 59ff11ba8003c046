package fetch

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mediagate/pkg/cache"
	"mediagate/pkg/egress"
	errs "mediagate/pkg/errors"
	"mediagate/pkg/logger"
)

type fakeRouter struct {
	mu     sync.Mutex
	routes []egress.Route
	next   int
}

func (f *fakeRouter) Next() egress.Route {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.routes[f.next%len(f.routes)]
	f.next++
	return r
}

type fakeRenewer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeRenewer) Renew(ctx context.Context, id *egress.Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, id.Name)
	return f.err
}

func (f *fakeRenewer) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func renewable(name string) *egress.Identity {
	u, _ := url.Parse("socks5://127.0.0.1:9050")
	return &egress.Identity{Name: name, Proxy: u, Control: "127.0.0.1:9051"}
}

func routesFor(client *http.Client, names ...string) *fakeRouter {
	r := &fakeRouter{}
	for _, n := range names {
		r.routes = append(r.routes, egress.Route{Identity: renewable(n), Client: client})
	}
	return r
}

func newOrchestrator(c *cache.Cache, r Router, ren Renewer, opts Options) *Orchestrator {
	if opts.MainURL == "" {
		opts.MainURL = "https://main.test/"
	}
	return New(c, r, ren, opts, nil, logger.NewNopLogger())
}

func TestImageFetchCachesAndServesHits(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/webp")
		io.WriteString(w, "pixels")
	}))
	defer srv.Close()

	c := cache.New(1 << 20)
	o := newOrchestrator(c, routesFor(srv.Client(), "a"), nil, Options{})
	loc := srv.URL + "/posts/0/7/7.pic.jpg"

	res, err := o.Fetch(context.Background(), Request{Locator: loc, Class: Image, PostID: 7}, 0)
	require.NoError(t, err)
	assert.Equal(t, "pixels", string(res.Body))
	assert.Equal(t, "image/webp", res.ContentType)
	assert.False(t, res.Cached)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "a", res.Identity)

	res, err = o.Fetch(context.Background(), Request{Locator: loc, Class: Image}, 0)
	require.NoError(t, err)
	assert.True(t, res.Cached)
	assert.Equal(t, "pixels", string(res.Body))
	assert.Equal(t, int32(1), hits.Load(), "cache hit must not touch the network")
}

func TestImageContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.Path, "typed") {
			w.Header().Set("Content-Type", "image/png")
		} else {
			// Suppress sniffing so the header is really empty
			w.Header()["Content-Type"] = nil
		}
		io.WriteString(w, "x")
	}))
	defer srv.Close()

	o := newOrchestrator(cache.New(1<<20), routesFor(srv.Client(), "a"), nil, Options{})
	tests := []struct {
		path string
		want string
	}{
		{"/typed.pic256avif.avif", "image/avif"},
		{"/typed.pic.jpg", "image/png"},
		{"/bare.pic.jpg", "image/jpeg"},
	}
	for _, tt := range tests {
		res, err := o.Fetch(context.Background(), Request{Locator: srv.URL + tt.path, Class: Image}, 1)
		require.NoError(t, err)
		assert.Equal(t, tt.want, res.ContentType, tt.path)
	}
}

func TestRequestHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		io.WriteString(w, "x")
	}))
	defer srv.Close()

	o := newOrchestrator(cache.New(1<<20), routesFor(srv.Client(), "a"), nil, Options{
		UserAgents: []string{"ua-one"},
	})
	_, err := o.Fetch(context.Background(), Request{Locator: srv.URL + "/p.jpg", Class: Image, PostID: 4242}, 1)
	require.NoError(t, err)

	assert.Equal(t, "https://main.test/post/4242", got.Get("Referer"))
	assert.Equal(t, "ua-one", got.Get("User-Agent"))
	assert.Equal(t, "1", got.Get("DNT"))
	assert.Empty(t, got.Get("Range"), "range is only forwarded for video")
}

func TestNotFoundAbortsImmediately(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	ren := &fakeRenewer{}
	o := newOrchestrator(cache.New(1<<20), routesFor(srv.Client(), "a"), ren, Options{})
	_, err := o.Fetch(context.Background(), Request{Locator: srv.URL + "/missing.jpg", Class: Image}, 5)

	require.Error(t, err)
	assert.Equal(t, errs.ErrorTypeNotFound, errs.TypeOf(err))
	assert.Equal(t, int32(1), hits.Load())
	assert.Empty(t, ren.Calls())
}

func TestUpstreamErrorAborts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "hotlinking denied", http.StatusForbidden)
	}))
	defer srv.Close()

	o := newOrchestrator(cache.New(1<<20), routesFor(srv.Client(), "a"), &fakeRenewer{}, Options{})
	_, err := o.Fetch(context.Background(), Request{Locator: srv.URL + "/x.jpg", Class: Image}, 5)

	var e *errs.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, errs.ErrorTypeUpstream, e.Type)
	assert.Equal(t, http.StatusForbidden, e.Code)
	assert.Contains(t, e.Message, "hotlinking denied")
	assert.Equal(t, int32(1), hits.Load())
}

func TestPlain5xxIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "database is down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	o := newOrchestrator(cache.New(1<<20), routesFor(srv.Client(), "a"), &fakeRenewer{}, Options{})
	_, err := o.Fetch(context.Background(), Request{Locator: srv.URL + "/x.jpg", Class: Image}, 5)

	assert.Equal(t, errs.ErrorTypeUpstream, errs.TypeOf(err))
	assert.Equal(t, int32(1), hits.Load())
}

func TestNumericBodyIsNotAReset(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "internal error rendering posts/10/10054/10054.pic.jpg", http.StatusInternalServerError)
	}))
	defer srv.Close()

	ren := &fakeRenewer{}
	o := newOrchestrator(cache.New(1<<20), routesFor(srv.Client(), "a", "b"), ren, Options{SettleDelay: time.Second})
	_, err := o.Fetch(context.Background(), Request{Locator: srv.URL + "/posts/10/10054/10054.pic.jpg", Class: Image}, 4)

	require.Error(t, err)
	assert.Equal(t, errs.ErrorTypeUpstream, errs.TypeOf(err))
	assert.Contains(t, err.Error(), "10054.pic.jpg")
	assert.Equal(t, int32(1), hits.Load())
	assert.Empty(t, ren.Calls())
}

func TestRetryThenRenew(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "ConnectionResetError: [Errno 104] Connection reset by peer", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, "recovered")
	}))
	defer srv.Close()

	ren := &fakeRenewer{}
	settle := 60 * time.Millisecond
	o := newOrchestrator(cache.New(1<<20), routesFor(srv.Client(), "a", "b"), ren, Options{SettleDelay: settle})

	const maxRetries = 4
	start := time.Now()
	res, err := o.Fetch(context.Background(), Request{Locator: srv.URL + "/x.jpg", Class: Image}, maxRetries)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, "recovered", string(res.Body))
	assert.Equal(t, []string{"a"}, ren.Calls(), "renew exactly once, on the identity that failed")
	assert.GreaterOrEqual(t, elapsed, settle)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, "b", res.Identity)
	assert.LessOrEqual(t, int(hits.Load()), maxRetries)
}

func TestTransportResetRenews(t *testing.T) {
	var calls atomic.Int32
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if calls.Add(1) == 1 {
			return nil, &net.OpError{Op: "read", Net: "tcp", Err: syscall.ECONNRESET}
		}
		return &http.Response{
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": {"image/jpeg"}},
			Body:       io.NopCloser(strings.NewReader("ok")),
			Request:    r,
		}, nil
	})}

	ren := &fakeRenewer{}
	o := newOrchestrator(cache.New(1<<20), routesFor(client, "a"), ren, Options{})
	res, err := o.Fetch(context.Background(), Request{Locator: "http://cdn.test/x.jpg", Class: Image}, 3)

	require.NoError(t, err)
	assert.Equal(t, "ok", string(res.Body))
	assert.Equal(t, []string{"a"}, ren.Calls())
}

func TestNetworkErrorRetriesWithoutRenewal(t *testing.T) {
	var calls atomic.Int32
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if calls.Add(1) < 3 {
			return nil, &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
		}
		return &http.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: io.NopCloser(strings.NewReader("ok")), Request: r}, nil
	})}

	ren := &fakeRenewer{}
	o := newOrchestrator(cache.New(1<<20), routesFor(client, "a", "b"), ren, Options{})
	res, err := o.Fetch(context.Background(), Request{Locator: "http://cdn.test/x.jpg", Class: Image}, 5)

	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Empty(t, ren.Calls())
}

func TestExhaustedRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "ConnectionResetError", http.StatusBadGateway)
	}))
	defer srv.Close()

	ren := &fakeRenewer{}
	c := cache.New(1 << 20)
	o := newOrchestrator(c, routesFor(srv.Client(), "a", "b", "c"), ren, Options{})
	_, err := o.Fetch(context.Background(), Request{Locator: srv.URL + "/x.jpg", Class: Image}, 3)

	require.Error(t, err)
	assert.Equal(t, errs.ErrorTypeExhausted, errs.TypeOf(err))
	assert.True(t, errs.IsTransient(err), "exhausted error carries the last failure")
	assert.Equal(t, int32(3), hits.Load())
	// No renewal after the final attempt
	assert.Equal(t, []string{"a", "b"}, ren.Calls())
	assert.Equal(t, 0, c.Len())
}

func TestRenewalFailureDoesNotAbort(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "ConnectionResetError: [Errno 104]", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	ren := &fakeRenewer{err: errs.Renewal("a", errors.New("515 auth failed"))}
	o := newOrchestrator(cache.New(1<<20), routesFor(srv.Client(), "a"), ren, Options{SettleDelay: time.Hour})

	res, err := o.Fetch(context.Background(), Request{Locator: srv.URL + "/x.jpg", Class: Image}, 3)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(res.Body))
	assert.Len(t, ren.Calls(), 1)
}

func TestDirectRouteNeverRenews(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "ConnectionResetError", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	tr, err := egress.NewTransports(nil, egress.Options{})
	require.NoError(t, err)
	ren := &fakeRenewer{}
	o := newOrchestrator(cache.New(1<<20), tr, ren, Options{SettleDelay: time.Hour})

	res, err := o.Fetch(context.Background(), Request{Locator: srv.URL + "/x.jpg", Class: Image}, 2)
	require.NoError(t, err)
	assert.Equal(t, "direct", res.Identity)
	assert.Empty(t, ren.Calls())
}

func TestStreamingNeverCaches(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("X-Upstream-Secret", "drop-me")
		io.WriteString(w, "frames")
	}))
	defer srv.Close()

	c := cache.New(1 << 20)
	o := newOrchestrator(c, routesFor(srv.Client(), "a"), nil, Options{})
	loc := srv.URL + "/posts/0/9/9.mov.mp4"

	for i := 0; i < 2; i++ {
		res, err := o.Fetch(context.Background(), Request{Locator: loc, Class: Video}, 1)
		require.NoError(t, err)
		require.NotNil(t, res.Stream)
		assert.Nil(t, res.Body)
		b, err := io.ReadAll(res.Stream)
		require.NoError(t, err)
		require.NoError(t, res.Close())
		assert.Equal(t, "frames", string(b))
		assert.Equal(t, "bytes", res.Header.Get("Accept-Ranges"))
		assert.Empty(t, res.Header.Get("X-Upstream-Secret"))
	}

	assert.Equal(t, int32(2), hits.Load())
	assert.False(t, c.Contains(loc))
	assert.Equal(t, 0, c.Len())
}

func TestVideoRangeForwarded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "clip.mp4", time.Unix(0, 0), strings.NewReader("0123456789"))
	}))
	defer srv.Close()

	o := newOrchestrator(cache.New(1<<20), routesFor(srv.Client(), "a"), nil, Options{})
	res, err := o.Fetch(context.Background(), Request{Locator: srv.URL + "/clip.mp4", Class: Video, Range: "bytes=2-5"}, 1)
	require.NoError(t, err)
	defer res.Close()

	assert.Equal(t, http.StatusPartialContent, res.Status)
	assert.Equal(t, "bytes 2-5/10", res.Header.Get("Content-Range"))
	b, _ := io.ReadAll(res.Stream)
	assert.Equal(t, "2345", string(b))
}

func TestVideoDefaultContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header()["Content-Type"] = nil
		io.WriteString(w, "frames")
	}))
	defer srv.Close()

	o := newOrchestrator(cache.New(1<<20), routesFor(srv.Client(), "a"), nil, Options{})
	res, err := o.Fetch(context.Background(), Request{Locator: srv.URL + "/v.mp4", Class: Video}, 1)
	require.NoError(t, err)
	defer res.Close()
	assert.Equal(t, "video/mp4", res.ContentType)
	assert.Equal(t, "video/mp4", res.Header.Get("Content-Type"))
}

func TestVideoTimeoutCoversHeadersOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/slow-headers.mp4" {
			time.Sleep(300 * time.Millisecond)
		}
		w.Header().Set("Content-Type", "video/mp4")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		if r.URL.Path == "/slow-body.mp4" {
			time.Sleep(200 * time.Millisecond)
		}
		io.WriteString(w, "tail")
	}))
	defer srv.Close()

	o := newOrchestrator(cache.New(1<<20), routesFor(srv.Client(), "a"), nil, Options{VideoTimeout: 100 * time.Millisecond})

	_, err := o.Fetch(context.Background(), Request{Locator: srv.URL + "/slow-headers.mp4", Class: Video}, 1)
	require.Error(t, err)
	assert.True(t, errs.HasType(err, errs.ErrorTypeNetwork))

	res, err := o.Fetch(context.Background(), Request{Locator: srv.URL + "/slow-body.mp4", Class: Video}, 1)
	require.NoError(t, err)
	defer res.Close()
	b, err := io.ReadAll(res.Stream)
	require.NoError(t, err, "an established stream must outlive the header timeout")
	assert.Equal(t, "tail", string(b))
}

func TestStreamCancelledWithCaller(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	o := newOrchestrator(cache.New(1<<20), routesFor(srv.Client(), "a"), nil, Options{})
	res, err := o.Fetch(ctx, Request{Locator: srv.URL + "/v.mp4", Class: Video}, 1)
	require.NoError(t, err)
	defer res.Close()

	done := make(chan error, 1)
	go func() {
		_, err := io.ReadAll(res.Stream)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream read did not stop after cancellation")
	}
}

func TestSingleFlight(t *testing.T) {
	var hits atomic.Int32
	gate := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-gate
		io.WriteString(w, "shared")
	}))
	defer srv.Close()

	o := newOrchestrator(cache.New(1<<20), routesFor(srv.Client(), "a"), nil, Options{SingleFlight: true})
	loc := srv.URL + "/x.jpg"

	const n = 8
	var wg sync.WaitGroup
	results := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := o.Fetch(context.Background(), Request{Locator: loc, Class: Image}, 1)
			if err == nil {
				results[i] = string(res.Body)
			}
		}(i)
	}

	require.Eventually(t, func() bool { return hits.Load() == 1 }, time.Second, 5*time.Millisecond)
	// Let stragglers join the in-flight call before releasing it
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
	for i, r := range results {
		assert.Equal(t, "shared", r, "caller %d", i)
	}
}

func TestWithoutSingleFlightEachMissFetches(t *testing.T) {
	var hits atomic.Int32
	var arrived sync.WaitGroup
	arrived.Add(2)
	gate := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		arrived.Done()
		<-gate
		io.WriteString(w, "dup")
	}))
	defer srv.Close()

	c := cache.New(1 << 20)
	o := newOrchestrator(c, routesFor(srv.Client(), "a"), nil, Options{})
	loc := srv.URL + "/x.jpg"

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = o.Fetch(context.Background(), Request{Locator: loc, Class: Image}, 1)
		}()
	}
	arrived.Wait()
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, 1, c.Len(), "first writer wins, second put is ignored")
}

func TestHasResetSignature(t *testing.T) {
	assert.True(t, hasResetSignature("ConnectionResetError(104)"))
	assert.True(t, hasResetSignature("read tcp: connection reset by peer"))
	assert.False(t, hasResetSignature("upstream database is down"))
	assert.False(t, hasResetSignature("failed on post 110054"))
	assert.False(t, hasResetSignature("broken pipe writing template"))

	// Winsock and numeric forms only count in transport errors
	assert.True(t, isReset(errors.New("wsarecv: An existing connection was forcibly closed by the remote host")))
	assert.True(t, isReset(errors.New("read: errno 10054")))
	assert.False(t, isReset(errors.New("dial tcp: i/o timeout")))
}
