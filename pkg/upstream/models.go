package upstream

// Suggestion is one related post returned by the suggestion endpoint.
// Only the id is consumed; the rest of the payload is ignored.
type Suggestion struct {
	ID int64 `json:"id"`
}

// viewState is the body of a single post view
type viewState struct {
	PostID int64 `json:"postId"`
}
