// Package source acquires documents from the literature index, falling back
// across providers: full-text index, abstract index, then open-access PDF
// with structured-text conversion. Every provider is independently
// rate-limited and retried; a terminal failure is scoped to one document.
package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/bull/litmine/internal/doccache"
	"github.com/bull/litmine/internal/document"
)

var (
	// ErrNotFound means a provider answered but has no document; callers
	// fall through to the next provider.
	ErrNotFound = errors.New("document not found")
	// ErrUnavailable means a provider stayed unreachable through the retry
	// cap; the caller skips the document rather than aborting the batch.
	ErrUnavailable = errors.New("document source unavailable")
)

// Config carries provider endpoints and limits. Endpoints are configurable
// so tests can point the source at local fakes.
type Config struct {
	EntrezBaseURL    string `koanf:"entrez_base_url"`
	IDConvURL        string `koanf:"idconv_url"`
	OAIBaseURL       string `koanf:"oai_base_url"`
	UnpaywallBaseURL string `koanf:"unpaywall_base_url"`
	GrobidURL        string `koanf:"grobid_url"`

	APIKey string `koanf:"api_key"`
	Email  string `koanf:"email"`

	TopPerSearch  int    `koanf:"top_per_search"`
	ExtraKeywords string `koanf:"extra_keywords"`
	MinPDFSize    int64  `koanf:"min_pdf_size"`

	SearchConcurrency  int `koanf:"search_concurrency"`
	IndexConcurrency   int `koanf:"index_concurrency"`
	PDFConcurrency     int `koanf:"pdf_concurrency"`
	ConvertConcurrency int `koanf:"convert_concurrency"`

	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// Defaults fills unset fields with production values. The index limiter
// runs at 3 req/s anonymously and 10 req/s with an API key, the documented
// Entrez limits.
func (c Config) Defaults() Config {
	if c.EntrezBaseURL == "" {
		c.EntrezBaseURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"
	}
	if c.IDConvURL == "" {
		c.IDConvURL = "https://www.ncbi.nlm.nih.gov/pmc/utils/idconv/v1.0/"
	}
	if c.OAIBaseURL == "" {
		c.OAIBaseURL = "https://www.ncbi.nlm.nih.gov/pmc/oai/oai.cgi"
	}
	if c.UnpaywallBaseURL == "" {
		c.UnpaywallBaseURL = "https://api.unpaywall.org/v2"
	}
	if c.TopPerSearch <= 0 {
		c.TopPerSearch = 10
	}
	if c.MinPDFSize <= 0 {
		c.MinPDFSize = 10000
	}
	if c.SearchConcurrency <= 0 {
		c.SearchConcurrency = 3
	}
	if c.IndexConcurrency <= 0 {
		c.IndexConcurrency = 10
	}
	if c.PDFConcurrency <= 0 {
		c.PDFConcurrency = 100
	}
	if c.ConvertConcurrency <= 0 {
		c.ConvertConcurrency = 1
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	return c
}

// Source is the multi-provider document source.
type Source struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger

	limiter *rate.Limiter

	searchSem  *semaphore.Weighted
	indexSem   *semaphore.Weighted
	pdfSem     *semaphore.Weighted
	convertSem *semaphore.Weighted

	cache    *doccache.Cache
	teiCache *convCache
	idconv   sync.Map // document id -> secondary (full-text index) id
}

// New builds a source. The HTTP client's connect timeout is shorter than
// and distinct from the overall request timeout, so a hung dial cannot hold
// a semaphore slot for the full request deadline.
func New(cfg Config, cache *doccache.Cache, teiDir string, logger *slog.Logger) (*Source, error) {
	cfg = cfg.Defaults()
	if logger == nil {
		logger = slog.Default()
	}
	teiCache, err := newConvCache(teiDir)
	if err != nil {
		return nil, err
	}

	perSecond := rate.Limit(3)
	if cfg.APIKey != "" {
		perSecond = 10
	}

	return &Source{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
				TLSHandshakeTimeout:   cfg.ConnectTimeout,
				ResponseHeaderTimeout: cfg.RequestTimeout,
				MaxIdleConnsPerHost:   cfg.IndexConcurrency,
			},
		},
		logger:     logger,
		limiter:    rate.NewLimiter(perSecond, 1),
		searchSem:  semaphore.NewWeighted(int64(cfg.SearchConcurrency)),
		indexSem:   semaphore.NewWeighted(int64(cfg.IndexConcurrency)),
		pdfSem:     semaphore.NewWeighted(int64(cfg.PDFConcurrency)),
		convertSem: semaphore.NewWeighted(int64(cfg.ConvertConcurrency)),
		cache:      cache,
		teiCache:   teiCache,
	}, nil
}

// Search runs one index query and returns the matching document
// identifiers. Search holds its own semaphore, separate from the
// per-document fetch semaphores.
func (s *Source) Search(ctx context.Context, query string) ([]string, error) {
	if err := s.searchSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.searchSem.Release(1)

	if s.cfg.ExtraKeywords != "" {
		query = query + " " + s.cfg.ExtraKeywords
	}

	params := url.Values{
		"db":         {"pubmed"},
		"term":       {query},
		"retmode":    {"json"},
		"retmax":     {fmt.Sprint(s.cfg.TopPerSearch)},
		"usehistory": {"y"},
	}
	if s.cfg.APIKey != "" {
		params.Set("api_key", s.cfg.APIKey)
	}

	var ids []string
	err := withRetry(ctx, func() error {
		body, err := s.get(ctx, s.cfg.EntrezBaseURL+"/esearch.fcgi", params)
		if err != nil {
			return err
		}
		var result struct {
			ESearchResult struct {
				IDList []string `json:"idlist"`
			} `json:"esearchresult"`
		}
		if err := json.Unmarshal(body, &result); err != nil {
			return &malformedError{err}
		}
		ids = result.ESearchResult.IDList
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: search %q: %v", ErrUnavailable, query, err)
	}
	s.logger.Info("search complete", "query", query, "hits", len(ids))
	return ids, nil
}

// Fetch resolves one document identifier, trying the full-text index first,
// then the abstract index, then upgrading an abstract-only document through
// the open-access PDF path when a reference identifier is available.
func (s *Source) Fetch(ctx context.Context, id string) (*document.Document, error) {
	doc, err := s.fetchFullText(ctx, id)
	switch {
	case err == nil:
		return doc, nil
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	doc, err = s.fetchAbstract(ctx, id)
	if err != nil {
		return nil, err
	}

	if doc.DOI != "" {
		pdfDoc, pdfErr := s.fetchPDF(ctx, id, doc.DOI)
		if pdfErr == nil && len(pdfDoc.Sections) > 0 {
			upgraded := doc.WithSections(pdfDoc.Sections, document.SourcePDF)
			if cacheErr := s.cache.Put(upgraded); cacheErr != nil {
				s.logger.Warn("caching pdf-upgraded document failed", "id", id, "error", cacheErr)
			}
			return upgraded, nil
		}
		if pdfErr != nil && !errors.Is(pdfErr, ErrNotFound) {
			s.logger.Warn("pdf fallback failed, keeping abstract", "id", id, "error", pdfErr)
		}
	}
	return doc, nil
}

// fetchFullText looks the document up in the full-text index: the primary
// identifier is first translated to the index's secondary identifier, then
// the article is fetched and parsed. A full text with fewer than two
// distinct sections is unusable and reported as not found.
func (s *Source) fetchFullText(ctx context.Context, id string) (*document.Document, error) {
	if doc, ok := s.cache.Get(id, document.SourceFullText); ok {
		return doc, nil
	}
	if doc, ok := s.cache.Get(id, document.SourcePDF); ok {
		return doc, nil
	}

	secondary, err := s.convertID(ctx, id)
	if err != nil {
		return nil, err
	}
	if secondary == "" {
		return nil, fmt.Errorf("%w: %s has no full-text entry", ErrNotFound, id)
	}

	if err := s.indexSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.indexSem.Release(1)

	params := url.Values{
		"verb":           {"GetRecord"},
		"identifier":     {"oai:pubmedcentral.nih.gov:" + strings.TrimPrefix(secondary, "PMC")},
		"metadataPrefix": {"pmc"},
	}

	var doc *document.Document
	err = withRetry(ctx, func() error {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		body, err := s.get(ctx, s.cfg.OAIBaseURL, params)
		if err != nil {
			return err
		}
		parsed, err := document.ParseJATS(body, id)
		if err != nil {
			return &malformedError{err}
		}
		doc = parsed
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: full-text fetch %s: %v", ErrUnavailable, id, err)
	}

	if len(doc.Abstract) == 0 || len(doc.Sections) < 2 {
		return nil, fmt.Errorf("%w: full text for %s unusable", ErrNotFound, id)
	}
	if err := s.cache.Put(doc); err != nil {
		s.logger.Warn("caching full-text document failed", "id", id, "error", err)
	}
	s.logger.Debug("resolved full text", "id", id, "sections", len(doc.Sections))
	return doc, nil
}

// convertID translates the primary identifier to the full-text index's
// secondary identifier. Results, including negative ones, are cached for
// the process lifetime. "No mapping" is a normal empty result.
func (s *Source) convertID(ctx context.Context, id string) (string, error) {
	if cached, ok := s.idconv.Load(id); ok {
		return cached.(string), nil
	}

	params := url.Values{
		"tool":   {"litmine"},
		"email":  {s.cfg.Email},
		"ids":    {id},
		"format": {"json"},
	}

	var secondary string
	err := withRetry(ctx, func() error {
		body, err := s.get(ctx, s.cfg.IDConvURL, params)
		if err != nil {
			return err
		}
		var result struct {
			Records []struct {
				PMCID string `json:"pmcid"`
			} `json:"records"`
		}
		if err := json.Unmarshal(body, &result); err != nil {
			return &malformedError{err}
		}
		if len(result.Records) > 0 {
			secondary = result.Records[0].PMCID
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: id conversion %s: %v", ErrUnavailable, id, err)
	}
	s.idconv.Store(id, secondary)
	return secondary, nil
}

// fetchAbstract fetches the abstract-index record for the identifier.
func (s *Source) fetchAbstract(ctx context.Context, id string) (*document.Document, error) {
	if doc, ok := s.cache.Get(id, document.SourceAbstract); ok {
		return doc, nil
	}

	if err := s.indexSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.indexSem.Release(1)

	params := url.Values{
		"db":      {"pubmed"},
		"id":      {id},
		"retmode": {"xml"},
	}
	if s.cfg.APIKey != "" {
		params.Set("api_key", s.cfg.APIKey)
	}

	var doc *document.Document
	err := withRetry(ctx, func() error {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		body, err := s.get(ctx, s.cfg.EntrezBaseURL+"/efetch.fcgi", params)
		if err != nil {
			return err
		}
		parsed, err := document.ParsePubMedArticle(body, id)
		if err != nil {
			return &malformedError{err}
		}
		doc = parsed
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: abstract fetch %s: %v", ErrUnavailable, id, err)
	}

	if len(doc.Abstract) == 0 {
		return nil, fmt.Errorf("%w: %s has no abstract", ErrNotFound, id)
	}
	if err := s.cache.Put(doc); err != nil {
		s.logger.Warn("caching abstract failed", "id", id, "error", err)
	}
	s.logger.Debug("resolved abstract", "id", id)
	return doc, nil
}

// get performs one GET and returns the body, mapping status codes to
// classified errors.
func (s *Source) get(ctx context.Context, rawURL string, params url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return s.do(req)
}

func (s *Source) do(req *http.Request) ([]byte, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{code: resp.StatusCode, url: req.URL.String()}
	}
	body, err := readAll(resp)
	if err != nil {
		return nil, err
	}
	return body, nil
}
