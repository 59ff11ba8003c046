package fetch

import (
	"context"
	"io"
	"net/http"
)

// Class selects how a locator is fetched
type Class int

const (
	// Image resources are buffered whole and cached
	Image Class = iota
	// Video resources are streamed live and never cached
	Video
)

func (c Class) String() string {
	if c == Video {
		return "video"
	}
	return "image"
}

// Request describes one locator to fetch
type Request struct {
	Locator string
	Class   Class
	// PostID feeds the Referer header; 0 means unknown
	PostID int64
	// Range is forwarded upstream for video requests
	Range string
}

// Result is a successful fetch. Exactly one of Body or Stream is set.
type Result struct {
	Class       Class
	Status      int
	ContentType string
	Body        []byte
	Stream      io.ReadCloser
	// Header holds the pass-through subset of upstream headers (video only)
	Header   http.Header
	Cached   bool
	Identity string
	Attempts int
}

// Close releases the upstream stream, if any
func (r *Result) Close() error {
	if r == nil || r.Stream == nil {
		return nil
	}
	return r.Stream.Close()
}

// passthroughHeaders are the only upstream headers relayed for streams
var passthroughHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Content-Range",
	"Accept-Ranges",
	"Cache-Control",
	"Last-Modified",
}

func filterHeaders(src http.Header) http.Header {
	out := make(http.Header, len(passthroughHeaders))
	for _, k := range passthroughHeaders {
		if v := src.Get(k); v != "" {
			out.Set(k, v)
		}
	}
	return out
}

// cancelOnClose ties the lifetime of an attempt context to its response body
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
