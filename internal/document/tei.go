package document

import (
	"encoding/xml"
	"fmt"
)

type teiDocument struct {
	Header struct {
		Profile struct {
			Abstract struct {
				Divs []struct {
					Paragraphs []innerText `xml:"p"`
				} `xml:"div"`
				Paragraphs []innerText `xml:"p"`
			} `xml:"abstract"`
		} `xml:"profileDesc"`
		IDNos []struct {
			Type  string `xml:"type,attr"`
			Value string `xml:",chardata"`
		} `xml:"fileDesc>sourceDesc>biblStruct>idno"`
	} `xml:"teiHeader"`
	Text struct {
		Body struct {
			Divs []struct {
				Head       innerText   `xml:"head"`
				Paragraphs []innerText `xml:"p"`
			} `xml:"div"`
		} `xml:"body"`
	} `xml:"text"`
}

// ParseTEI decodes the structured text produced by the PDF conversion
// service into a document with labeled body sections.
func ParseTEI(data []byte, id string) (*Document, error) {
	var tei teiDocument
	if err := xml.Unmarshal(data, &tei); err != nil {
		return nil, fmt.Errorf("parse tei xml: %w", err)
	}

	doc := &Document{ID: id, Source: SourcePDF}
	for _, idno := range tei.Header.IDNos {
		if idno.Type == "DOI" && idno.Value != "" {
			doc.DOI = collapseSpace(idno.Value)
		}
	}
	abstract := tei.Header.Profile.Abstract
	for _, p := range abstract.Paragraphs {
		if p != "" {
			doc.Abstract = append(doc.Abstract, string(p))
		}
	}
	for _, div := range abstract.Divs {
		if text := joinParagraphs(div.Paragraphs); text != "" {
			doc.Abstract = append(doc.Abstract, text)
		}
	}
	for _, div := range tei.Text.Body.Divs {
		if text := joinParagraphs(div.Paragraphs); text != "" {
			doc.Sections = append(doc.Sections, Section{Label: string(div.Head), Text: text})
		}
	}
	return doc, nil
}
