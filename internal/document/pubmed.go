package document

import (
	"encoding/xml"
	"fmt"
)

// pubmedArticleSet mirrors the efetch XML envelope. Only the abstract and
// the article identifiers are read; everything else is skipped.
type pubmedArticleSet struct {
	Articles []struct {
		Citation struct {
			Article struct {
				Abstract struct {
					Paragraphs []innerText `xml:"AbstractText"`
				} `xml:"Abstract"`
				ELocationIDs []struct {
					Type  string `xml:"EIdType,attr"`
					Value string `xml:",chardata"`
				} `xml:"ELocationID"`
			} `xml:"Article"`
		} `xml:"MedlineCitation"`
		PubmedData struct {
			IDs []struct {
				Type  string `xml:"IdType,attr"`
				Value string `xml:",chardata"`
			} `xml:"ArticleIdList>ArticleId"`
		} `xml:"PubmedData"`
	} `xml:"PubmedArticle"`
}

// ParsePubMedArticle decodes an abstract-index efetch payload into an
// abstract-only document. The payload must contain at least one article.
func ParsePubMedArticle(data []byte, id string) (*Document, error) {
	var set pubmedArticleSet
	if err := xml.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parse pubmed xml: %w", err)
	}
	if len(set.Articles) == 0 {
		return nil, fmt.Errorf("parse pubmed xml: no article element for %s", id)
	}
	article := set.Articles[0]

	doc := &Document{ID: id, Source: SourceAbstract}
	for _, p := range article.Citation.Article.Abstract.Paragraphs {
		if p != "" {
			doc.Abstract = append(doc.Abstract, string(p))
		}
	}
	for _, eid := range article.Citation.Article.ELocationIDs {
		if eid.Type == "doi" && eid.Value != "" {
			doc.DOI = collapseSpace(eid.Value)
		}
	}
	if doc.DOI == "" {
		for _, aid := range article.PubmedData.IDs {
			if aid.Type == "doi" && aid.Value != "" {
				doc.DOI = collapseSpace(aid.Value)
			}
		}
	}
	return doc, nil
}
