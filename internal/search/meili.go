package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxLetters = "surat_letters"

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the letters index.
// The caller should proceed without search if the instance stays down;
// the health loop reconfigures on recovery.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxLetters,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxLetters, err)
	}

	index := m.client.Index(idxLetters)
	filterable := []interface{}{"unitId", "categoryId", "status", "urgency", "confidentiality"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("search: update filterable attrs for %s: %v", idxLetters, err)
	}
	searchable := []string{"subject", "body", "letterNumber"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs for %s: %v", idxLetters, err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the letters index.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	sr := &meili.SearchRequest{
		Limit:                 limit,
		Offset:                int64(q.Offset),
		AttributesToHighlight: []string{"*"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}

	var filters []string
	if q.FilterUnitID != "" {
		filters = append(filters, fmt.Sprintf("unitId = %q", q.FilterUnitID))
	}
	if q.FilterStatus != "" {
		filters = append(filters, fmt.Sprintf("status = %q", q.FilterStatus))
	}
	if !q.IncludeConfidential {
		filters = append(filters, "confidentiality != \"rahasia\"")
	}
	if len(filters) > 0 {
		sr.Filter = filters
	}

	resp, err := m.client.Index(idxLetters).Search(q.Text, sr)
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	results := make([]Result, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, hitToResult(hit))
	}
	return results, int(resp.EstimatedTotalHits), nil
}

func hitToResult(hit meili.Hit) Result {
	r := Result{}
	r.ID = decodeString(hit, "id")
	r.LetterNumber = decodeString(hit, "letterNumber")
	r.UnitID = decodeString(hit, "unitId")
	r.CategoryID = decodeString(hit, "categoryId")
	r.Status = decodeString(hit, "status")
	r.Confidentiality = decodeString(hit, "confidentiality")
	r.Subject = firstNonBlank(decodeFormattedString(hit, "subject"), decodeString(hit, "subject"))
	r.Snippet = firstNonBlank(decodeFormattedString(hit, "body"), decodeString(hit, "body"))
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexLetter adds or updates a letter in the search index.
func (m *Meili) IndexLetter(rec LetterRecord) error {
	_, err := m.client.Index(idxLetters).AddDocuments([]LetterRecord{rec}, nil)
	return err
}

// DeleteLetter removes a letter from the search index.
func (m *Meili) DeleteLetter(id string) error {
	_, err := m.client.Index(idxLetters).DeleteDocument(id, nil)
	return err
}

// IndexLetters bulk-indexes letters.
func (m *Meili) IndexLetters(records []LetterRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxLetters).AddDocuments(records, nil)
	return err
}
