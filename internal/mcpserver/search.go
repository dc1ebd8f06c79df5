package mcpserver

import (
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/alexjbarnes/forum-sync/forum"
	"golang.org/x/text/unicode/norm"
)

const (
	defaultMaxResults = 20

	// snippetRadius is the number of runes kept on each side of a match.
	snippetRadius = 40
)

// SearchMatch is one post matching a query.
type SearchMatch struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Status    string `json:"status"`
	MatchType string `json:"match_type"`
	Snippet   string `json:"snippet"`
}

// SearchResult is the response for forum_search_posts.
type SearchResult struct {
	Query        string        `json:"query"`
	TotalMatches int           `json:"total_matches"`
	Results      []SearchMatch `json:"results"`
}

// Search performs a case-insensitive substring search over posts in the
// order given. Text and query are NFC-normalised first so composed and
// decomposed accents match. Each post appears once, under the first
// field that matched: title, then content, then responses.
func Search(posts []forum.Post, query string, maxResults int) (*SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("query must not be empty")
	}

	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}

	lowerQuery := strings.ToLower(norm.NFC.String(query))

	result := &SearchResult{Query: query, Results: []SearchMatch{}}

	for _, p := range posts {
		if len(result.Results) >= maxResults {
			break
		}

		matchType, snippet, ok := matchPost(p, lowerQuery)
		if !ok {
			continue
		}

		result.Results = append(result.Results, SearchMatch{
			ID:        p.ID,
			Title:     p.Title,
			Status:    string(p.Status),
			MatchType: matchType,
			Snippet:   snippet,
		})
	}

	result.TotalMatches = len(result.Results)

	return result, nil
}

func matchPost(p forum.Post, lowerQuery string) (string, string, bool) {
	if s, ok := snippetFor(p.Title, lowerQuery); ok {
		return "title", s, true
	}

	if s, ok := snippetFor(p.Content, lowerQuery); ok {
		return "content", s, true
	}

	for _, r := range p.Responses {
		if s, ok := snippetFor(r.Content, lowerQuery); ok {
			return "response", s, true
		}
	}

	return "", "", false
}

// snippetFor returns text around the first match of lowerQuery.
// strings.ToLower maps rune for rune, so rune offsets in the lowered
// text are valid in text itself.
func snippetFor(text, lowerQuery string) (string, bool) {
	text = norm.NFC.String(text)
	lower := strings.ToLower(text)

	idx := strings.Index(lower, lowerQuery)
	if idx < 0 {
		return "", false
	}

	runes := []rune(text)
	start := utf8.RuneCountInString(lower[:idx])
	end := start + utf8.RuneCountInString(lowerQuery)

	from := max(start-snippetRadius, 0)
	to := min(end+snippetRadius, len(runes))

	snippet := strings.Join(strings.Fields(string(runes[from:to])), " ")

	if from > 0 {
		snippet = "..." + snippet
	}

	if to < len(runes) {
		snippet += "..."
	}

	return snippet, true
}
