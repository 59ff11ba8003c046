package upstream

import (
	"fmt"
	"strconv"
)

const (
	// StatesEndpoint returns per-post action states for a batch of ids
	StatesEndpoint = "api/v2/post/action/states"

	// StateEndpoint records a single post view
	StateEndpoint = "api/v2/post/action/state"

	// SuggestionEndpoint lists posts related to a post
	SuggestionEndpoint = "api/v2/post/suggestion/"
)

// PostURL is the public page of a post, used as the Referer for API and media requests
func PostURL(mainURL string, id int64) string {
	return fmt.Sprintf("%spost/%d", mainURL, id)
}

// SuggestionPath returns the suggestion endpoint for a post
func SuggestionPath(id int64) string {
	return SuggestionEndpoint + strconv.FormatInt(id, 10)
}
