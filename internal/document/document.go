// Package document defines the immutable document model produced by the
// literature source and the parsers for its three upstream wire formats.
package document

// SourceKind records which provider ultimately supplied a document's text.
type SourceKind string

const (
	// SourceFullText means the full-text index supplied body sections.
	SourceFullText SourceKind = "fulltext"
	// SourceAbstract means only the abstract index resolved.
	SourceAbstract SourceKind = "abstract"
	// SourcePDF means an open-access PDF supplied the body sections on top
	// of an abstract-index document.
	SourcePDF SourceKind = "abstract+pdf"
)

// Section is one labeled passage of a document body.
type Section struct {
	Label string `json:"label"`
	Text  string `json:"text"`
}

// Document is a retrieved piece of literature. It is immutable once
// constructed; the source builds a new value when the PDF fallback upgrades
// an abstract-only document.
type Document struct {
	ID       string     `json:"id"`
	Source   SourceKind `json:"source"`
	Abstract []string   `json:"abstract,omitempty"`
	Sections []Section  `json:"sections,omitempty"`
	DOI      string     `json:"doi,omitempty"`
}

// Usable reports whether the document carries any text worth processing.
func (d *Document) Usable() bool {
	return d != nil && (len(d.Abstract) > 0 || len(d.Sections) > 0)
}

// Texts returns the abstract paragraphs followed by the body section texts,
// in document order. This is the corpus the section ranker scores.
func (d *Document) Texts() []string {
	texts := make([]string, 0, len(d.Abstract)+len(d.Sections))
	texts = append(texts, d.Abstract...)
	for _, s := range d.Sections {
		texts = append(texts, s.Text)
	}
	return texts
}

// WithSections returns a copy of the document carrying the given body
// sections and source kind.
func (d *Document) WithSections(sections []Section, kind SourceKind) *Document {
	clone := *d
	clone.Sections = sections
	clone.Source = kind
	return &clone
}
