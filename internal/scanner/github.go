package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/linnemanlabs/tripwire/internal/signal"
)

const (
	defaultGitHubURL = "https://api.github.com"
	githubPerPage    = 50
)

// GitHubConfig configures the code-search feed.
type GitHubConfig struct {
	Token    string
	Subjects []string

	// Exclude lists violator URL prefixes that belong to the owner (their
	// own repositories) and must never be reported.
	Exclude []string

	// BaseURL overrides the API endpoint (tests, GitHub Enterprise).
	BaseURL string
}

// GitHub searches GitHub code for each protected subject.
type GitHub struct {
	cfg    GitHubConfig
	client *http.Client
	now    func() time.Time
}

// NewGitHub creates the feed. A missing token is reported by Fetch, not here,
// so the poller can log the feed as unavailable.
func NewGitHub(cfg GitHubConfig) *GitHub {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultGitHubURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &GitHub{cfg: cfg, client: &http.Client{Timeout: 30 * time.Second}, now: time.Now}
}

// Name implements Feed.
func (g *GitHub) Name() string { return "github" }

type codeSearchResponse struct {
	TotalCount        int  `json:"total_count"`
	IncompleteResults bool `json:"incomplete_results"`
	Items             []struct {
		Name       string `json:"name"`
		Path       string `json:"path"`
		SHA        string `json:"sha"`
		HTMLURL    string `json:"html_url"`
		Repository struct {
			FullName string `json:"full_name"`
			HTMLURL  string `json:"html_url"`
		} `json:"repository"`
	} `json:"items"`
}

type codeEvidence struct {
	Query      string `json:"query"`
	Repository string `json:"repository"`
	Path       string `json:"path"`
	SHA        string `json:"sha"`
	URL        string `json:"url"`
}

// Fetch runs one code search per subject. GitHub code search has no
// time filter, so since is unused; repeated hits are caught by the
// ingestor's duplicate window.
func (g *GitHub) Fetch(ctx context.Context, _ time.Time) (*Batch, error) {
	if g.cfg.Token == "" {
		return nil, fmt.Errorf("github: no token configured: %w", ErrFeedUnavailable)
	}

	batch := &Batch{Feed: g.Name()}
	for _, subject := range g.cfg.Subjects {
		res, err := g.search(ctx, subject)
		if err != nil {
			return nil, err
		}
		authoritative := !res.IncompleteResults
		if res.IncompleteResults {
			batch.Sample = true
		}
		observed := g.now().UTC()
		for _, item := range res.Items {
			violator := item.Repository.HTMLURL
			if violator == "" || g.excluded(violator) {
				continue
			}
			raw, err := json.Marshal(codeEvidence{
				Query:      subject,
				Repository: item.Repository.FullName,
				Path:       item.Path,
				SHA:        item.SHA,
				URL:        item.HTMLURL,
			})
			if err != nil {
				return nil, fmt.Errorf("github: encode evidence: %w", err)
			}
			batch.Inputs = append(batch.Inputs, &signal.Input{
				SourceType:    string(signal.SourceScan),
				Subject:       subject,
				Violator:      violator,
				Kind:          string(signal.KindCodeCopy),
				ObservedAt:    observed,
				Evidence:      raw,
				Authoritative: &authoritative,
			})
		}
	}
	return batch, nil
}

func (g *GitHub) search(ctx context.Context, subject string) (*codeSearchResponse, error) {
	q := url.Values{}
	q.Set("q", fmt.Sprintf("%q", subject))
	q.Set("per_page", fmt.Sprint(githubPerPage))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.BaseURL+"/search/code?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("github: create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+g.cfg.Token)
	req.Header.Set("User-Agent", "tripwire-scanner")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := g.client.Do(req) //nolint:gosec // G704: base URL is from trusted config
	if err != nil {
		return nil, fmt.Errorf("github: search %q: %w", subject, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("github: token rejected: %w", ErrFeedUnavailable)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("github: search %q returned %d: %s", subject, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out codeSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("github: decode search response: %w", err)
	}
	return &out, nil
}

func (g *GitHub) excluded(violator string) bool {
	for _, prefix := range g.cfg.Exclude {
		if prefix != "" && strings.HasPrefix(violator, prefix) {
			return true
		}
	}
	return false
}
