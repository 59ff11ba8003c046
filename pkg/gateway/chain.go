package gateway

import (
	"context"
	"fmt"

	errs "mediagate/pkg/errors"
	"mediagate/pkg/fetch"
	"mediagate/pkg/logger"
)

// Fetcher resolves a single locator
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request, maxRetries int) (*fetch.Result, error)
}

// ChainError reports a fallback chain in which every candidate failed.
// Its message is the final candidate's error.
type ChainError struct {
	Variant     Variant
	ID          int64
	Tried       int
	AllNotFound bool
	Last        error
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("%s %d: %v", e.Variant, e.ID, e.Last)
}

func (e *ChainError) Unwrap() error {
	return e.Last
}

// Chain walks a variant's candidates through a Fetcher
type Chain struct {
	Resolver   Resolver
	Fetcher    Fetcher
	MaxRetries int
	Logger     logger.Logger
}

// Resolve tries each candidate in order and returns the first success.
// rangeHeader is forwarded for video variants.
func (c *Chain) Resolve(ctx context.Context, v Variant, id int64, rangeHeader string) (*fetch.Result, error) {
	candidates := c.Resolver.Candidates(v, id)
	chainErr := &ChainError{Variant: v, ID: id, AllNotFound: true}

	for i, locator := range candidates {
		res, err := c.Fetcher.Fetch(ctx, fetch.Request{
			Locator: locator,
			Class:   v.Class(),
			PostID:  id,
			Range:   rangeHeader,
		}, c.MaxRetries)
		if err == nil {
			return res, nil
		}

		chainErr.Tried++
		chainErr.Last = err
		if !errs.IsNotFound(err) {
			chainErr.AllNotFound = false
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if c.Logger != nil && i < len(candidates)-1 {
			c.Logger.WithError(err).DebugWithFields("candidate failed, trying fallback", map[string]interface{}{
				"variant": v.String(),
				"id":      id,
				"locator": locator,
			})
		}
	}

	if chainErr.Last == nil {
		chainErr.Last = errs.New(errs.ErrorTypeInvalid, 0, "no candidates")
		chainErr.AllNotFound = false
	}
	return nil, chainErr
}
