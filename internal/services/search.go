package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const serperAPIEndpoint = "https://google.serper.dev/search"

// Searcher queries the Serper web search API to gather background context for a requirement.
// A Searcher without an API key is disabled: every lookup returns empty results without making
// requests.
type Searcher struct {
	apiKey  string
	baseURL string

	client *http.Client

	logger *slog.Logger
}

// SearchResult is one normalized entry parsed from a Serper response.
type SearchResult struct {
	Title         string
	Link          string
	Snippet       string
	DisplayedLink string
	Type          string
}

// Result types distinguished when formatting.
const (
	resultTypeOrganic          = "organic"
	resultTypeKnowledgeGraph   = "knowledge_graph"
	resultTypeRelatedQuestions = "related_questions"
)

type serperRequest struct {
	Query      string `json:"q"`
	NumResults int    `json:"num"`
}

type serperResponse struct {
	Organic []struct {
		Title         string `json:"title"`
		Link          string `json:"link"`
		Snippet       string `json:"snippet"`
		DisplayedLink string `json:"displayedLink"`
	} `json:"organic"`
	KnowledgeGraph struct {
		Title       string `json:"title"`
		Website     string `json:"website"`
		Description string `json:"description"`
	} `json:"knowledgeGraph"`
	PeopleAlsoAsk []struct {
		Question string `json:"question"`
	} `json:"peopleAlsoAsk"`
}

// NewSearcher creates a Searcher. baseURL may be empty for the default Serper endpoint; an empty
// apiKey disables searching.
func NewSearcher(apiKey, baseURL string, logger *slog.Logger) Searcher {
	if baseURL == "" {
		baseURL = serperAPIEndpoint
	}
	s := Searcher{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger.With(slog.String("module", "search")),
	}
	if !s.Enabled() {
		s.logger.Warn("Search API key is not configured, web search is disabled")
	}
	return s
}

// Enabled reports whether the searcher is configured to make requests.
func (s Searcher) Enabled() bool {
	return s.apiKey != ""
}

// Search runs one web search and returns normalized results: the knowledge graph entry first if
// present, then organic results, then a digest of related questions.
func (s Searcher) Search(ctx context.Context, query string, numResults int) ([]SearchResult, error) {
	if !s.Enabled() {
		return nil, nil
	}

	body, err := json.Marshal(serperRequest{Query: query, NumResults: numResults})
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("X-API-KEY", s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var data serperResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("error decoding response: %w", err)
	}

	return parseResults(data), nil
}

func parseResults(data serperResponse) []SearchResult {
	var results []SearchResult

	if data.KnowledgeGraph.Title != "" {
		results = append(results, SearchResult{
			Title:         data.KnowledgeGraph.Title,
			Link:          data.KnowledgeGraph.Website,
			Snippet:       data.KnowledgeGraph.Description,
			DisplayedLink: "Knowledge graph",
			Type:          resultTypeKnowledgeGraph,
		})
	}

	for _, item := range data.Organic {
		results = append(results, SearchResult{
			Title:         item.Title,
			Link:          item.Link,
			Snippet:       item.Snippet,
			DisplayedLink: item.DisplayedLink,
			Type:          resultTypeOrganic,
		})
	}

	if len(data.PeopleAlsoAsk) > 0 {
		questions := make([]string, 0, 3)
		for _, item := range data.PeopleAlsoAsk[:min(3, len(data.PeopleAlsoAsk))] {
			questions = append(questions, "• "+item.Question)
		}
		results = append(results, SearchResult{
			Title:         "Related questions",
			Snippet:       strings.Join(questions, "\n"),
			DisplayedLink: "Suggested",
			Type:          resultTypeRelatedQuestions,
		})
	}

	return results
}

// FormatSearchResults renders results as the markdown block attached to a turn's search info.
func FormatSearchResults(results []SearchResult) string {
	if len(results) == 0 {
		return "No relevant search results found"
	}

	var sb strings.Builder
	sb.WriteString("**Web search results:**\n\n")

	for i, result := range results {
		switch result.Type {
		case resultTypeKnowledgeGraph:
			sb.WriteString(fmt.Sprintf("### %s\n%s\n\n", result.Title, result.Snippet))
			if result.Link != "" {
				sb.WriteString(fmt.Sprintf("[Learn more](%s)\n\n", result.Link))
			}
		case resultTypeRelatedQuestions:
			sb.WriteString(fmt.Sprintf("### Related questions\n%s\n\n", result.Snippet))
		default:
			sb.WriteString(fmt.Sprintf("**%d. %s**\n%s\n%s\n\n",
				i+1, result.Title, result.Snippet, result.DisplayedLink))
		}
	}

	return sb.String()
}

// RequirementContext searches for background information on a requirement description and
// returns it formatted as markdown. It returns an empty string when searching is disabled or
// nothing useful was found.
func (s Searcher) RequirementContext(ctx context.Context, requirement string) (string, error) {
	if !s.Enabled() {
		return "", nil
	}

	var all []SearchResult
	for _, keyword := range extractSearchKeywords(requirement) {
		results, err := s.Search(ctx, keyword, 3)
		if err != nil {
			return "", fmt.Errorf("error searching %q: %w", keyword, err)
		}
		all = append(all, results...)
	}

	unique := deduplicateResults(all)
	if len(unique) > 5 {
		unique = unique[:5]
	}
	if len(unique) == 0 {
		return "", nil
	}

	return FormatSearchResults(unique), nil
}

var searchStopWords = map[string]struct{}{
	"i": {}, "want": {}, "to": {}, "a": {}, "an": {}, "the": {},
	"build": {}, "make": {}, "develop": {}, "create": {},
	"project": {}, "website": {}, "application": {}, "app": {}, "system": {}, "platform": {},
}

// extractSearchKeywords distills a requirement description into at most three search queries:
// leading and trailing word pairs plus a best-practices lookup on the first meaningful word.
func extractSearchKeywords(requirement string) []string {
	var meaningful []string
	for _, word := range strings.Fields(requirement) {
		lower := strings.ToLower(strings.Trim(word, ".,;:!?"))
		if _, stop := searchStopWords[lower]; stop || len(lower) < 2 {
			continue
		}
		meaningful = append(meaningful, lower)
	}
	if len(meaningful) == 0 {
		return nil
	}

	var keywords []string
	if len(meaningful) >= 2 {
		keywords = append(keywords,
			strings.Join(meaningful[:2], " "),
			strings.Join(meaningful[len(meaningful)-2:], " "))
	} else {
		keywords = append(keywords, meaningful[0])
	}
	keywords = append(keywords, meaningful[0]+" best practices")

	if len(keywords) > 3 {
		keywords = keywords[:3]
	}
	return keywords
}

func deduplicateResults(results []SearchResult) []SearchResult {
	seen := make(map[string]struct{}, len(results))
	unique := make([]SearchResult, 0, len(results))
	for _, result := range results {
		if _, ok := seen[result.Link]; ok {
			continue
		}
		seen[result.Link] = struct{}{}
		unique = append(unique, result)
	}
	return unique
}
