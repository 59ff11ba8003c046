// Package upstream is a client for the JSON API of the site the gateway fronts.
//
// Requests carry a bearer token drawn round-robin from a fixed pool, the
// browser-like headers the site expects and a Referer pointing at the post
// being viewed. Failures are classified into mediagate/pkg/errors types:
//
//	states, err := client.States(ctx, []int64{101, 102})
//	if errs.TypeOf(err) == errs.ErrorTypeAuth {
//	    // every bearer in the pool was refused
//	}
package upstream
