package extraction

import (
	"encoding/json"
	"strings"

	"github.com/bull/litmine/internal/ranking"
	"github.com/bull/litmine/internal/schema"
)

// Example is one worked question/answer pair shown to the model before the
// real question. Answers are maps in the output schema's shape.
type Example struct {
	Question string            `koanf:"question"`
	Sections map[string]string `koanf:"sections"`
	Outputs  map[string]any    `koanf:"outputs"`
}

// PromptBuilder assembles the extraction prompt: task framing, output format
// instructions, optional few-shot examples, then the ranked sections and the
// question under study.
type PromptBuilder struct {
	goal         string
	exclude      string
	examples     []Example
	instructions string
}

func NewPromptBuilder(goal, exclude string, examples []Example, registry *schema.Registry) *PromptBuilder {
	return &PromptBuilder{
		goal:         goal,
		exclude:      exclude,
		examples:     examples,
		instructions: registry.FormatInstructions(),
	}
}

// Build renders the full prompt for one document.
func (p *PromptBuilder) Build(question string, sections []ranking.Section) string {
	var b strings.Builder

	b.WriteString("Given the following extracted parts of a scientific paper, generate a detailed answer in JSON format aiming ")
	b.WriteString(p.goal)
	b.WriteString(".\n")
	b.WriteString("Only answer when there is strong evidence in the provided sections; use null for anything the paper does not report.\n")
	if p.exclude != "" {
		b.WriteString("Do not report: ")
		b.WriteString(p.exclude)
		b.WriteString(".\n")
	}
	b.WriteString("Sections may contain conversion artifacts (broken symbols, equations, abbreviations, stray punctuation); reason past them.\n\n")
	b.WriteString(p.instructions)
	b.WriteString("\n")

	for _, ex := range p.examples {
		b.WriteString("\nQUESTION: ")
		b.WriteString(ex.Question)
		b.WriteString("\n")
		b.WriteString(mustJSON(ex.Sections))
		b.WriteString("\n")
		b.WriteString(mustJSON(ex.Outputs))
		b.WriteString("\n")
	}

	b.WriteString("\nQUESTION: ")
	b.WriteString(question)
	b.WriteString("\n")
	b.WriteString(sectionsJSON(sections))
	b.WriteString("\n")

	return b.String()
}

// sectionsJSON renders sections as a JSON object preserving rank order.
// encoding/json sorts map keys, which would shuffle section_10 before
// section_2, so the object is built by hand.
func sectionsJSON(sections []ranking.Section) string {
	var b strings.Builder
	b.WriteString("{")
	for i, sec := range sections {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(mustJSON(sec.Label))
		b.WriteString(": ")
		b.WriteString(mustJSON(sec.Text))
	}
	b.WriteString("}")
	return b.String()
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(data)
}
