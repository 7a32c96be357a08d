package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/bull/litmine/internal/document"
)

// maxResponseSize caps upstream bodies; anything larger is treated like a
// malformed response.
const maxResponseSize = 50 << 20

// fetchPDF resolves candidate open-access PDF URLs for the reference
// identifier, downloads the first acceptable one, and converts it to
// structured text. Conversions are cached on disk by document identifier.
func (s *Source) fetchPDF(ctx context.Context, id, doi string) (*document.Document, error) {
	if data, ok := s.teiCache.Get(id); ok {
		doc, err := document.ParseTEI(data, id)
		if err == nil {
			return doc, nil
		}
		s.logger.Warn("cached conversion unreadable, refetching", "id", id, "error", err)
	}

	urls, err := s.resolvePDFURLs(ctx, doi)
	if err != nil {
		return nil, err
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: no open-access pdf for %s", ErrNotFound, doi)
	}

	if err := s.pdfSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	raw, downloadErr := s.downloadFirst(ctx, id, urls)
	s.pdfSem.Release(1)
	if downloadErr != nil {
		return nil, downloadErr
	}

	return s.convertPDF(ctx, id, raw)
}

// resolvePDFURLs asks the open-access resolver for candidate download URLs.
func (s *Source) resolvePDFURLs(ctx context.Context, doi string) ([]string, error) {
	params := url.Values{"email": {s.cfg.Email}}

	var urls []string
	err := withRetry(ctx, func() error {
		body, err := s.get(ctx, s.cfg.UnpaywallBaseURL+"/"+doi, params)
		if err != nil {
			return err
		}
		var payload map[string]json.RawMessage
		if err := json.Unmarshal(body, &payload); err != nil {
			return &malformedError{err}
		}
		urls = urls[:0]
		for key, value := range payload {
			if !strings.HasSuffix(key, "oa_location") {
				continue
			}
			var loc struct {
				URLForPDF string `json:"url_for_pdf"`
			}
			if err := json.Unmarshal(value, &loc); err == nil && loc.URLForPDF != "" {
				urls = append(urls, loc.URLForPDF)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: pdf resolution %s: %v", ErrUnavailable, doi, err)
	}
	return urls, nil
}

// downloadFirst tries candidate URLs in order and returns the first
// download at least MinPDFSize bytes long. Undersized bodies are error
// pages masquerading as PDFs; they are discarded and the next candidate
// tried.
func (s *Source) downloadFirst(ctx context.Context, id string, urls []string) ([]byte, error) {
	for _, candidate := range urls {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, candidate, nil)
		if err != nil {
			continue
		}
		raw, err := s.do(req)
		if err != nil {
			s.logger.Debug("pdf candidate failed", "id", id, "url", candidate, "error", err)
			continue
		}
		if int64(len(raw)) < s.cfg.MinPDFSize {
			s.logger.Debug("pdf candidate too small, discarding", "id", id, "url", candidate, "bytes", len(raw))
			continue
		}
		return raw, nil
	}
	return nil, fmt.Errorf("%w: no usable pdf download for %s", ErrNotFound, id)
}

// convertPDF sends the raw PDF to the conversion service and parses the
// returned structured text. The service is strictly rate limited, so the
// call sits behind its own semaphore.
func (s *Source) convertPDF(ctx context.Context, id string, raw []byte) (*document.Document, error) {
	if s.cfg.GrobidURL == "" {
		return nil, fmt.Errorf("%w: no conversion service configured", ErrNotFound)
	}

	if err := s.convertSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.convertSem.Release(1)

	var tei []byte
	err := withRetry(ctx, func() error {
		var buf bytes.Buffer
		writer := multipart.NewWriter(&buf)
		part, err := writer.CreateFormFile("input", id+".pdf")
		if err != nil {
			return err
		}
		if _, err := part.Write(raw); err != nil {
			return err
		}
		if err := writer.Close(); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			s.cfg.GrobidURL+"/api/processFulltextDocument", &buf)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", writer.FormDataContentType())
		req.Header.Set("Accept", "application/xml")

		body, err := s.do(req)
		if err != nil {
			return err
		}
		tei = body
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: pdf conversion %s: %v", ErrUnavailable, id, err)
	}

	if err := s.teiCache.Put(id, tei); err != nil {
		s.logger.Warn("caching conversion failed", "id", id, "error", err)
	}
	doc, err := document.ParseTEI(tei, id)
	if err != nil {
		return nil, fmt.Errorf("%w: conversion output for %s unusable", ErrNotFound, id)
	}
	s.logger.Debug("converted pdf", "id", id, "sections", len(doc.Sections))
	return doc, nil
}

// convCache stores raw conversion output, one file per document identifier.
type convCache struct {
	dir string
}

func newConvCache(dir string) (*convCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating conversion cache directory: %w", err)
	}
	return &convCache{dir: dir}, nil
}

func (c *convCache) Get(id string) ([]byte, bool) {
	data, err := os.ReadFile(filepath.Join(c.dir, id+".tei.xml"))
	if err != nil {
		return nil, false
	}
	return data, true
}

func (c *convCache) Put(id string, data []byte) error {
	return os.WriteFile(filepath.Join(c.dir, id+".tei.xml"), data, 0o644)
}

// readAll drains a response body up to maxResponseSize.
func readAll(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxResponseSize {
		return nil, &malformedError{errors.New("response exceeds size cap")}
	}
	return body, nil
}
