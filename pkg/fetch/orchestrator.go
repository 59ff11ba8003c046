// Package fetch drives a single upstream locator from cache lookup to a
// buffered body or a live stream, rotating egress identities between
// attempts and renewing circuits after connection resets.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"mediagate/pkg/cache"
	"mediagate/pkg/egress"
	errs "mediagate/pkg/errors"
	"mediagate/pkg/logger"
	"mediagate/pkg/metrics"
	"mediagate/pkg/retry"
)

// maxErrorBody bounds how much of a failed response is read for the error detail
const maxErrorBody = 4 << 10

// Router picks the egress route for each attempt
type Router interface {
	Next() egress.Route
}

// Renewer asks for a fresh circuit on an identity
type Renewer interface {
	Renew(ctx context.Context, id *egress.Identity) error
}

// Options holds the fixed per-process fetch settings
type Options struct {
	// MainURL is the site root used to build Referer headers
	MainURL      string
	UserAgents   []string
	MaxRetries   int
	ImageTimeout time.Duration
	// VideoTimeout bounds the wait for response headers only
	VideoTimeout time.Duration
	SettleDelay  time.Duration
	SingleFlight bool
}

// Orchestrator fetches locators through the egress pool
type Orchestrator struct {
	cache   *cache.Cache
	routes  Router
	renewer Renewer
	opts    Options
	metrics metrics.Metrics
	log     logger.Logger

	group singleflight.Group
}

// New creates an orchestrator. renewer may be nil when no identity is renewable.
func New(c *cache.Cache, routes Router, renewer Renewer, opts Options, m metrics.Metrics, log logger.Logger) *Orchestrator {
	if m == nil {
		m = metrics.Noop{}
	}
	if log == nil {
		log = logger.GetLogger()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 6
	}
	if opts.ImageTimeout <= 0 {
		opts.ImageTimeout = 10 * time.Second
	}
	if opts.VideoTimeout <= 0 {
		opts.VideoTimeout = 60 * time.Second
	}
	return &Orchestrator{
		cache:   c,
		routes:  routes,
		renewer: renewer,
		opts:    opts,
		metrics: m,
		log:     log.WithField("component", "fetch"),
	}
}

// Fetch resolves one locator. maxRetries <= 0 uses the configured default.
// Image results are served from and written to the cache; video results
// carry a live Stream the caller must Close.
func (o *Orchestrator) Fetch(ctx context.Context, req Request, maxRetries int) (*Result, error) {
	if maxRetries <= 0 {
		maxRetries = o.opts.MaxRetries
	}

	if req.Class == Image {
		if e, ok := o.cache.Get(req.Locator); ok {
			return &Result{
				Class:       Image,
				Status:      http.StatusOK,
				ContentType: e.ContentType,
				Body:        e.Body,
				Cached:      true,
			}, nil
		}
		if o.opts.SingleFlight {
			return o.fetchShared(ctx, req, maxRetries)
		}
	}

	return o.fetch(ctx, req, maxRetries)
}

// fetchShared collapses concurrent misses for one locator into one fetch.
// The shared fetch is detached from any single caller's cancellation; each
// caller still stops waiting when its own context ends.
func (o *Orchestrator) fetchShared(ctx context.Context, req Request, maxRetries int) (*Result, error) {
	ch := o.group.DoChan(req.Locator, func() (interface{}, error) {
		return o.fetch(context.WithoutCancel(ctx), req, maxRetries)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		res := *r.Val.(*Result)
		return &res, nil
	}
}

func (o *Orchestrator) fetch(ctx context.Context, req Request, maxRetries int) (*Result, error) {
	start := time.Now()
	var (
		res     *Result
		current egress.Route
	)

	err := retry.Do(ctx, func(ctx context.Context, attempt int) error {
		current = o.routes.Next()
		r, err := o.attempt(ctx, current, req)
		o.metrics.IncFetchAttempt(req.Class.String(), current.Name(), outcome(err))
		if err != nil {
			if ctx.Err() == nil {
				logger.LogFetchAttempt(o.log, req.Locator, current.Name(), attempt, err)
			}
			return err
		}
		r.Identity = current.Name()
		r.Attempts = attempt
		res = r
		return nil
	}, &retry.Config{
		MaxAttempts: maxRetries,
		RetryIf: func(err error) bool {
			return ctx.Err() == nil && errs.IsRetryable(errs.TypeOf(err))
		},
		OnRetry: func(ctx context.Context, attempt int, err error) time.Duration {
			return o.renewAfter(ctx, current, err)
		},
		Logger: o.log,
	})

	o.metrics.ObserveFetch(req.Class.String(), outcome(err), time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return res, nil
}

// renewAfter renews the failed route's circuit after a reset and returns
// the settle delay to wait before the next attempt. Renewal failures are
// logged by the renewer and otherwise ignored.
func (o *Orchestrator) renewAfter(ctx context.Context, route egress.Route, err error) time.Duration {
	if o.renewer == nil || !errs.IsTransient(err) || !route.Identity.Renewable() {
		return 0
	}
	if rerr := o.renewer.Renew(ctx, route.Identity); rerr != nil {
		o.metrics.IncRenewal(route.Name(), "failed")
		return 0
	}
	o.metrics.IncRenewal(route.Name(), "ok")
	return o.opts.SettleDelay
}

func (o *Orchestrator) attempt(ctx context.Context, route egress.Route, req Request) (*Result, error) {
	var (
		actx   context.Context
		cancel context.CancelFunc
		timer  *time.Timer
	)
	if req.Class == Video {
		// Only the wait for headers is bounded; the stream may run as long as the client reads
		actx, cancel = context.WithCancel(ctx)
		timer = time.AfterFunc(o.opts.VideoTimeout, cancel)
	} else {
		actx, cancel = context.WithTimeout(ctx, o.opts.ImageTimeout)
	}

	httpReq, err := http.NewRequestWithContext(actx, http.MethodGet, req.Locator, nil)
	if err != nil {
		cancel()
		return nil, errs.New(errs.ErrorTypeInvalid, 0, err.Error())
	}
	o.setHeaders(httpReq, req)

	resp, err := route.Client.Do(httpReq)
	if timer != nil && !timer.Stop() {
		// The timer fired first; any response body is already cancelled
		if err == nil {
			resp.Body.Close()
		}
		err = fmt.Errorf("no response headers within %s: %w", o.opts.VideoTimeout, context.DeadlineExceeded)
	}
	if err != nil {
		cancel()
		return nil, classifyTransport(ctx, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK,
		req.Class == Video && resp.StatusCode == http.StatusPartialContent:
		if req.Class == Video {
			return o.streamResult(resp, cancel), nil
		}
		defer cancel()
		return o.imageResult(ctx, req, resp)

	case resp.StatusCode == http.StatusNotFound:
		drain(resp.Body)
		cancel()
		return nil, errs.NotFound(req.Locator)

	default:
		detail := readDetail(resp.Body)
		cancel()
		if resp.StatusCode >= 500 && hasResetSignature(detail) {
			return nil, errs.Transient(resp.StatusCode, errors.New(detail))
		}
		return nil, errs.Upstream(resp.StatusCode, fmt.Sprintf("[%s] %s", route.Name(), detail))
	}
}

func (o *Orchestrator) imageResult(ctx context.Context, req Request, resp *http.Response) (*Result, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport(ctx, err)
	}

	contentType := resp.Header.Get("Content-Type")
	switch {
	case strings.HasSuffix(req.Locator, ".avif"):
		contentType = "image/avif"
	case contentType == "":
		contentType = "image/jpeg"
	}

	o.cache.Put(req.Locator, body, contentType)
	return &Result{
		Class:       Image,
		Status:      http.StatusOK,
		ContentType: contentType,
		Body:        body,
	}, nil
}

func (o *Orchestrator) streamResult(resp *http.Response, cancel context.CancelFunc) *Result {
	header := filterHeaders(resp.Header)
	contentType := header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/mp4"
		header.Set("Content-Type", contentType)
	}
	return &Result{
		Class:       Video,
		Status:      resp.StatusCode,
		ContentType: contentType,
		Header:      header,
		Stream:      &cancelOnClose{ReadCloser: resp.Body, cancel: cancel},
	}
}

func (o *Orchestrator) setHeaders(r *http.Request, req Request) {
	referer := o.opts.MainURL
	if req.PostID > 0 {
		referer = fmt.Sprintf("%spost/%d", o.opts.MainURL, req.PostID)
	}
	if referer != "" {
		r.Header.Set("Referer", referer)
	}
	if n := len(o.opts.UserAgents); n > 0 {
		r.Header.Set("User-Agent", o.opts.UserAgents[rand.Intn(n)])
	}
	r.Header.Set("DNT", "1")
	if req.Class == Video && req.Range != "" {
		r.Header.Set("Range", req.Range)
	}
}

func readDetail(body io.ReadCloser) string {
	defer body.Close()
	b, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
	return strings.TrimSpace(string(b))
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxErrorBody))
	body.Close()
}
