// Package github lists a user's starred repositories and fetches their
// READMEs through the GitHub REST API.
package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/seanblong/starsearch/pkg/models"
)

const (
	DefaultBaseURL       = "https://api.github.com"
	DefaultPageSize      = 100
	DefaultListTimeout   = 30 * time.Second
	DefaultReadmeTimeout = 15 * time.Second

	apiVersion = "2022-11-28"
	// GitHub rejects per_page above 100.
	maxPageSize = 100
)

// Starred is one item of the starred listing. Total is the number of starred
// repositories discovered before the listing started; it does not change
// during a run.
type Starred struct {
	Repository models.Repository
	Readme     string
	HasReadme  bool
	Total      int
}

// ListingError reports a failure to enumerate the starred list. Page 0 is
// the initial count request.
type ListingError struct {
	User string
	Page int
	Err  error
}

func (e *ListingError) Error() string {
	if e.Page == 0 {
		return fmt.Sprintf("count starred repositories of %s: %v", e.User, e.Err)
	}
	return fmt.Sprintf("list starred repositories of %s (page %d): %v", e.User, e.Page, e.Err)
}

func (e *ListingError) Unwrap() error { return e.Err }

type Options struct {
	BaseURL       string
	Token         string
	PageSize      int
	ListTimeout   time.Duration
	ReadmeTimeout time.Duration
	HTTPClient    *http.Client
}

type Client struct {
	http          *http.Client
	baseURL       string
	token         string
	pageSize      int
	listTimeout   time.Duration
	readmeTimeout time.Duration
}

func New(opts Options) *Client {
	c := &Client{
		http:          opts.HTTPClient,
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		token:         opts.Token,
		pageSize:      opts.PageSize,
		listTimeout:   opts.ListTimeout,
		readmeTimeout: opts.ReadmeTimeout,
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.pageSize <= 0 || c.pageSize > maxPageSize {
		c.pageSize = DefaultPageSize
	}
	if c.listTimeout <= 0 {
		c.listTimeout = DefaultListTimeout
	}
	if c.readmeTimeout <= 0 {
		c.readmeTimeout = DefaultReadmeTimeout
	}
	return c
}

type apiRepository struct {
	Name        string `json:"name"`
	FullName    string `json:"full_name"`
	Description string `json:"description"`
	HTMLURL     string `json:"html_url"`
	Language    string `json:"language"`
	Stars       int    `json:"stargazers_count"`
}

func (r apiRepository) model() models.Repository {
	return models.Repository{
		Name:        r.Name,
		FullName:    r.FullName,
		Description: r.Description,
		URL:         r.HTMLURL,
		Language:    r.Language,
		Stars:       r.Stars,
	}
}

// Starred lazily walks the user's starred repositories in API order,
// fetching each README as it goes. A listing failure is yielded once as a
// *ListingError and ends the sequence. README failures never end it.
func (c *Client) Starred(ctx context.Context, user string) iter.Seq2[Starred, error] {
	return func(yield func(Starred, error) bool) {
		total, err := c.CountStarred(ctx, user)
		if err != nil {
			yield(Starred{}, err)
			return
		}
		log.Debug().Str("user", user).Int("total", total).Msg("starred repositories counted")

		for page := 1; ; page++ {
			repos, links, err := c.starredPage(ctx, user, page, c.pageSize)
			if err != nil {
				yield(Starred{}, &ListingError{User: user, Page: page, Err: err})
				return
			}
			if len(repos) == 0 {
				return
			}
			log.Debug().Str("user", user).Int("page", page).Int("count", len(repos)).Msg("fetched starred page")

			for _, r := range repos {
				readme, ok := c.Readme(ctx, r.FullName)
				item := Starred{Repository: r.model(), Readme: readme, HasReadme: ok, Total: total}
				if !yield(item, nil) {
					return
				}
			}
			if _, ok := links["next"]; !ok {
				return
			}
		}
	}
}

// CountStarred asks for one repository per page, so the last page number
// equals the total.
func (c *Client) CountStarred(ctx context.Context, user string) (int, error) {
	repos, links, err := c.starredPage(ctx, user, 1, 1)
	if err != nil {
		return 0, &ListingError{User: user, Err: err}
	}
	last, ok := links["last"]
	if !ok {
		// A single page; no Link header.
		return len(repos), nil
	}
	n, err := pageNumber(last)
	if err != nil {
		return 0, &ListingError{User: user, Err: err}
	}
	return n, nil
}

func (c *Client) starredPage(ctx context.Context, user string, page, perPage int) ([]apiRepository, map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.listTimeout)
	defer cancel()

	u := fmt.Sprintf("%s/users/%s/starred?per_page=%d&page=%d", c.baseURL, url.PathEscape(user), perPage, page)
	resp, err := c.get(ctx, u)
	if err != nil {
		return nil, nil, err
	}
	defer closeBody(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, nil, statusError(resp)
	}

	var repos []apiRepository
	if err := json.NewDecoder(resp.Body).Decode(&repos); err != nil {
		return nil, nil, fmt.Errorf("decode starred page: %w", err)
	}
	return repos, parseLinks(resp.Header.Get("Link")), nil
}

// Readme returns the decoded README of fullName ("owner/name"). Any failure
// is logged and reported as absent.
func (c *Client) Readme(ctx context.Context, fullName string) (string, bool) {
	content, err := c.fetchReadme(ctx, fullName)
	switch {
	case errors.Is(err, errNoReadme):
		log.Debug().Str("repo", fullName).Msg("no README")
		return "", false
	case err != nil:
		log.Warn().Err(err).Str("repo", fullName).Msg("README fetch failed, continuing without it")
		return "", false
	}
	return content, true
}

var errNoReadme = errors.New("README not found")

func (c *Client) fetchReadme(ctx context.Context, fullName string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.readmeTimeout)
	defer cancel()

	resp, err := c.get(ctx, c.baseURL+"/repos/"+fullName+"/readme")
	if err != nil {
		return "", err
	}
	defer closeBody(resp)

	if resp.StatusCode == http.StatusNotFound {
		return "", errNoReadme
	}
	if resp.StatusCode != http.StatusOK {
		return "", statusError(resp)
	}

	var body struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode README: %w", err)
	}
	if body.Encoding != "" && body.Encoding != "base64" {
		return "", fmt.Errorf("unsupported README encoding %q", body.Encoding)
	}
	// The API wraps base64 content at 60 columns.
	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(body.Content, "\n", ""))
	if err != nil {
		return "", fmt.Errorf("decode README content: %w", err)
	}
	return strings.ToValidUTF8(string(raw), "�"), nil
}

func (c *Client) get(ctx context.Context, u string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.http.Do(req)
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close response body")
	}
}

func statusError(resp *http.Response) error {
	var e struct {
		Message string `json:"message"`
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(b, &e) == nil && e.Message != "" {
		return fmt.Errorf("github: %s: %s", resp.Status, e.Message)
	}
	return fmt.Errorf("github: %s", resp.Status)
}

// parseLinks maps rel to URL for an RFC 8288 Link header.
func parseLinks(header string) map[string]string {
	links := make(map[string]string)
	for _, part := range strings.Split(header, ",") {
		segs := strings.Split(strings.TrimSpace(part), ";")
		if len(segs) < 2 {
			continue
		}
		target := strings.TrimSpace(segs[0])
		if !strings.HasPrefix(target, "<") || !strings.HasSuffix(target, ">") {
			continue
		}
		target = target[1 : len(target)-1]
		for _, p := range segs[1:] {
			p = strings.TrimSpace(p)
			if rel, ok := strings.CutPrefix(p, "rel="); ok {
				for _, r := range strings.Fields(strings.Trim(rel, `"`)) {
					links[r] = target
				}
			}
		}
	}
	return links
}

func pageNumber(link string) (int, error) {
	u, err := url.Parse(link)
	if err != nil {
		return 0, fmt.Errorf("parse link %q: %w", link, err)
	}
	n, err := strconv.Atoi(u.Query().Get("page"))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("link %q has no page number", link)
	}
	return n, nil
}
