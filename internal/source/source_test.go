package source

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/litmine/internal/doccache"
	"github.com/bull/litmine/internal/document"
)

const testJATS = `<article>
  <front><article-meta>
    <article-id pub-id-type="doi">10.1/full</article-id>
    <abstract><p>Full-text abstract.</p></abstract>
  </article-meta></front>
  <body>
    <sec><title>Intro</title><p>Background material.</p></sec>
    <sec><title>Results</title><p>Findings described here.</p></sec>
  </body>
</article>`

const testPubMed = `<PubmedArticleSet><PubmedArticle>
  <MedlineCitation><Article>
    <Abstract><AbstractText>Abstract paragraph.</AbstractText></Abstract>
    <ELocationID EIdType="doi">10.1/abs</ELocationID>
  </Article></MedlineCitation>
</PubmedArticle></PubmedArticleSet>`

const testTEI = `<TEI>
  <teiHeader><profileDesc><abstract><p>Converted abstract.</p></abstract></profileDesc></teiHeader>
  <text><body>
    <div><head>Methods</head><p>From the pdf.</p></div>
    <div><head>Results</head><p>Also from the pdf.</p></div>
  </body></text>
</TEI>`

// fakeProviders wires a single httptest server that plays all upstream
// roles. Handlers can be swapped per test.
type fakeProviders struct {
	srv     *httptest.Server
	mux     *http.ServeMux
	esearch http.HandlerFunc
	efetch  http.HandlerFunc
	idconv  http.HandlerFunc
	oai     http.HandlerFunc
}

func newFakeProviders(t *testing.T) *fakeProviders {
	t.Helper()
	f := &fakeProviders{mux: http.NewServeMux()}

	f.esearch = func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"esearchresult":{"idlist":["111","222","333"]}}`)
	}
	f.efetch = func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, testPubMed)
	}
	f.idconv = func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"records":[{"pmcid":"PMC9000"}]}`)
	}
	f.oai = func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, testJATS)
	}

	f.mux.HandleFunc("/esearch.fcgi", func(w http.ResponseWriter, r *http.Request) { f.esearch(w, r) })
	f.mux.HandleFunc("/efetch.fcgi", func(w http.ResponseWriter, r *http.Request) { f.efetch(w, r) })
	f.mux.HandleFunc("/idconv", func(w http.ResponseWriter, r *http.Request) { f.idconv(w, r) })
	f.mux.HandleFunc("/oai", func(w http.ResponseWriter, r *http.Request) { f.oai(w, r) })

	f.srv = httptest.NewServer(f.mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeProviders) config() Config {
	return Config{
		EntrezBaseURL:    f.srv.URL,
		IDConvURL:        f.srv.URL + "/idconv",
		OAIBaseURL:       f.srv.URL + "/oai",
		UnpaywallBaseURL: f.srv.URL + "/unpaywall",
		APIKey:           "test-key",
		Email:            "dev@example.org",
		MinPDFSize:       64,
		ConnectTimeout:   time.Second,
		RequestTimeout:   5 * time.Second,
	}
}

func newTestSource(t *testing.T, cfg Config) *Source {
	t.Helper()
	cache, err := doccache.New(t.TempDir())
	require.NoError(t, err)
	src, err := New(cfg, cache, t.TempDir(), slog.Default())
	require.NoError(t, err)
	return src
}

func TestSearch(t *testing.T) {
	f := newFakeProviders(t)
	var gotTerm string
	f.esearch = func(w http.ResponseWriter, r *http.Request) {
		gotTerm = r.URL.Query().Get("term")
		fmt.Fprint(w, `{"esearchresult":{"idlist":["111","222"]}}`)
	}
	cfg := f.config()
	cfg.ExtraKeywords = "sodium channel"
	src := newTestSource(t, cfg)

	ids, err := src.Search(context.Background(), "(nav1.1) AND (phenytoin)")
	require.NoError(t, err)
	assert.Equal(t, []string{"111", "222"}, ids)
	assert.Equal(t, "(nav1.1) AND (phenytoin) sodium channel", gotTerm)
}

func TestFetch_FullText(t *testing.T) {
	f := newFakeProviders(t)
	src := newTestSource(t, f.config())

	doc, err := src.Fetch(context.Background(), "111")
	require.NoError(t, err)
	assert.Equal(t, document.SourceFullText, doc.Source)
	assert.Len(t, doc.Sections, 2)
	assert.Equal(t, []string{"Full-text abstract."}, doc.Abstract)
}

func TestFetch_FallsBackToAbstractWhenNoSecondaryID(t *testing.T) {
	f := newFakeProviders(t)
	f.idconv = func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"records":[{}]}`)
	}
	src := newTestSource(t, f.config())

	doc, err := src.Fetch(context.Background(), "111")
	require.NoError(t, err)
	assert.Equal(t, document.SourceAbstract, doc.Source)
	assert.Equal(t, []string{"Abstract paragraph."}, doc.Abstract)
}

func TestFetch_FullTextWithOneSectionIsUnusable(t *testing.T) {
	f := newFakeProviders(t)
	f.oai = func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<article>
  <front><article-meta><abstract><p>a</p></abstract></article-meta></front>
  <body><sec><title>Only</title><p>one section</p></sec></body>
</article>`)
	}
	src := newTestSource(t, f.config())

	doc, err := src.Fetch(context.Background(), "111")
	require.NoError(t, err)
	assert.Equal(t, document.SourceAbstract, doc.Source)
}

func TestFetch_RetrySucceedsOnFifthAttempt(t *testing.T) {
	f := newFakeProviders(t)
	f.idconv = func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"records":[{}]}`)
	}
	var calls atomic.Int32
	f.efetch = func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 5 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, testPubMed)
	}
	src := newTestSource(t, f.config())

	doc, err := src.Fetch(context.Background(), "111")
	require.NoError(t, err)
	assert.Equal(t, document.SourceAbstract, doc.Source)
	assert.Equal(t, int32(5), calls.Load())
}

func TestFetch_RetryExhaustionIsUnavailable(t *testing.T) {
	f := newFakeProviders(t)
	f.idconv = func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"records":[{}]}`)
	}
	var calls atomic.Int32
	f.efetch = func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}
	src := newTestSource(t, f.config())

	_, err := src.Fetch(context.Background(), "111")
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(5), calls.Load())
}

func TestFetch_NonTransientStatusIsNotRetried(t *testing.T) {
	f := newFakeProviders(t)
	f.idconv = func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"records":[{}]}`)
	}
	var calls atomic.Int32
	f.efetch = func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}
	src := newTestSource(t, f.config())

	_, err := src.Fetch(context.Background(), "111")
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetch_PDFFallbackUpgradesAbstract(t *testing.T) {
	f := newFakeProviders(t)
	f.idconv = func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"records":[{}]}`)
	}

	var smallHits, bigHits atomic.Int32
	f.mux.HandleFunc("/pdf/small", func(w http.ResponseWriter, r *http.Request) {
		smallHits.Add(1)
		fmt.Fprint(w, "tiny") // below MinPDFSize: an error page, not a PDF
	})
	f.mux.HandleFunc("/pdf/big", func(w http.ResponseWriter, r *http.Request) {
		bigHits.Add(1)
		fmt.Fprint(w, strings.Repeat("%PDF", 64))
	})
	f.mux.HandleFunc("/unpaywall/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{
			"best_oa_location": {"url_for_pdf": %q},
			"first_oa_location": {"url_for_pdf": %q}
		}`, f.srv.URL+"/pdf/small", f.srv.URL+"/pdf/big")
	})
	f.mux.HandleFunc("/grobid/api/processFulltextDocument", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, testTEI)
	})

	cfg := f.config()
	cfg.GrobidURL = f.srv.URL + "/grobid"
	src := newTestSource(t, cfg)

	doc, err := src.Fetch(context.Background(), "111")
	require.NoError(t, err)
	assert.Equal(t, document.SourcePDF, doc.Source)
	// Abstract stays from the abstract index; sections come from the pdf.
	assert.Equal(t, []string{"Abstract paragraph."}, doc.Abstract)
	require.Len(t, doc.Sections, 2)
	assert.Equal(t, "Methods", doc.Sections[0].Label)
	assert.GreaterOrEqual(t, bigHits.Load(), int32(1))
}

func TestFetch_PDFConversionFailureKeepsAbstract(t *testing.T) {
	f := newFakeProviders(t)
	f.idconv = func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"records":[{}]}`)
	}
	f.mux.HandleFunc("/pdf/ok", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, strings.Repeat("%PDF", 64))
	})
	f.mux.HandleFunc("/unpaywall/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"best_oa_location": {"url_for_pdf": %q}}`, f.srv.URL+"/pdf/ok")
	})
	f.mux.HandleFunc("/grobid/api/processFulltextDocument", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	cfg := f.config()
	cfg.GrobidURL = f.srv.URL + "/grobid"
	src := newTestSource(t, cfg)

	doc, err := src.Fetch(context.Background(), "111")
	require.NoError(t, err)
	assert.Equal(t, document.SourceAbstract, doc.Source)
}

func TestFetch_CacheHitSkipsNetwork(t *testing.T) {
	f := newFakeProviders(t)
	var hits atomic.Int32
	f.idconv = func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"records":[{"pmcid":"PMC9000"}]}`)
	}

	cache, err := doccache.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, cache.Put(&document.Document{
		ID:       "111",
		Source:   document.SourceFullText,
		Abstract: []string{"cached"},
		Sections: []document.Section{{Label: "a", Text: "x"}, {Label: "b", Text: "y"}},
	}))
	src, err := New(f.config(), cache, t.TempDir(), slog.Default())
	require.NoError(t, err)

	doc, err := src.Fetch(context.Background(), "111")
	require.NoError(t, err)
	assert.Equal(t, []string{"cached"}, doc.Abstract)
	assert.Equal(t, int32(0), hits.Load())
}

func TestConvertID_Memoized(t *testing.T) {
	f := newFakeProviders(t)
	var hits atomic.Int32
	f.idconv = func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, `{"records":[{"pmcid":"PMC9000"}]}`)
	}
	src := newTestSource(t, f.config())

	for i := 0; i < 3; i++ {
		secondary, err := src.convertID(context.Background(), "111")
		require.NoError(t, err)
		assert.Equal(t, "PMC9000", secondary)
	}
	assert.Equal(t, int32(1), hits.Load())
}
