package document

import (
	"encoding/xml"
	"strings"
)

// innerText collects the character data of an element and all of its
// descendants. The upstream XML formats nest inline markup (cross
// references, italics, formulas) inside paragraphs, and decoding into a
// plain string would drop everything below the first child element.
type innerText string

func (t *innerText) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var sb strings.Builder
	depth := 1
	for depth > 0 {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch v := tok.(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		case xml.CharData:
			sb.Write(v)
		}
	}
	*t = innerText(collapseSpace(sb.String()))
	return nil
}

// collapseSpace trims and folds runs of whitespace into single spaces.
// Pretty-printed XML otherwise leaks its indentation into section text.
func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
