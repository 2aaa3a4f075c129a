package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID              string `json:"id"`
	Subject         string `json:"subject"`
	Snippet         string `json:"snippet"`
	LetterNumber    string `json:"letterNumber,omitempty"`
	UnitID          string `json:"unitId"`
	CategoryID      string `json:"categoryId"`
	Status          string `json:"status"`
	Confidentiality string `json:"confidentiality,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text                string
	FilterUnitID        string
	FilterStatus        string
	Limit               int
	Offset              int
	IncludeConfidential bool
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over letters.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push letters into a search index.
type Indexer interface {
	IndexLetter(rec LetterRecord) error
	DeleteLetter(id string) error
}

// LetterRecord is the data we index for a letter.
type LetterRecord struct {
	ID              string `json:"id"`
	Subject         string `json:"subject"`
	Body            string `json:"body"`
	LetterNumber    string `json:"letterNumber"`
	UnitID          string `json:"unitId"`
	CategoryID      string `json:"categoryId"`
	Status          string `json:"status"`
	Urgency         string `json:"urgency"`
	Confidentiality string `json:"confidentiality"`
}
