package document

import (
	"encoding/xml"
	"fmt"
)

type jatsSection struct {
	Title      innerText     `xml:"title"`
	Paragraphs []innerText   `xml:"p"`
	Children   []jatsSection `xml:"sec"`
}

type jatsArticle struct {
	Front struct {
		Meta struct {
			IDs []struct {
				Type  string `xml:"pub-id-type,attr"`
				Value string `xml:",chardata"`
			} `xml:"article-id"`
			Abstract struct {
				Paragraphs []innerText   `xml:"p"`
				Sections   []jatsSection `xml:"sec"`
			} `xml:"abstract"`
		} `xml:"article-meta"`
	} `xml:"front"`
	Body struct {
		Sections []jatsSection `xml:"sec"`
	} `xml:"body"`
}

// ParseJATS decodes a full-text index article (JATS XML, as returned by the
// OAI endpoint) into a document with labeled body sections.
func ParseJATS(data []byte, id string) (*Document, error) {
	var article jatsArticle
	if err := xml.Unmarshal(data, &article); err != nil {
		return nil, fmt.Errorf("parse jats xml: %w", err)
	}

	doc := &Document{ID: id, Source: SourceFullText}
	for _, aid := range article.Front.Meta.IDs {
		if aid.Type == "doi" && aid.Value != "" {
			doc.DOI = collapseSpace(aid.Value)
		}
	}
	for _, p := range article.Front.Meta.Abstract.Paragraphs {
		if p != "" {
			doc.Abstract = append(doc.Abstract, string(p))
		}
	}
	for _, sec := range article.Front.Meta.Abstract.Sections {
		if text := joinParagraphs(sec.Paragraphs); text != "" {
			doc.Abstract = append(doc.Abstract, text)
		}
	}
	doc.Sections = flattenSections(article.Body.Sections, nil)
	return doc, nil
}

// flattenSections walks the section tree depth-first, emitting one labeled
// section per node that carries paragraph text.
func flattenSections(secs []jatsSection, out []Section) []Section {
	for _, sec := range secs {
		if text := joinParagraphs(sec.Paragraphs); text != "" {
			out = append(out, Section{Label: string(sec.Title), Text: text})
		}
		out = flattenSections(sec.Children, out)
	}
	return out
}

func joinParagraphs(paragraphs []innerText) string {
	var text string
	for _, p := range paragraphs {
		if p == "" {
			continue
		}
		if text != "" {
			text += " "
		}
		text += string(p)
	}
	return text
}
