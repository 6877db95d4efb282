package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Slug    string `json:"slug"`
	Snippet string `json:"snippet"`
	SpaceID string `json:"spaceId"`
}

// Query describes a search request.
type Query struct {
	Text          string
	FilterSpaceID string
	Limit         int
	Offset        int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// PageRecord is the data we index for a page: its metadata plus the
// draft's plain-text projection.
type PageRecord struct {
	ID      string `json:"id"`
	SpaceID string `json:"spaceId"`
	Title   string `json:"title"`
	Slug    string `json:"slug"`
	Text    string `json:"text"`
}

// Searcher can execute a full-text search over pages.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}
