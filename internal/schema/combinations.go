package schema

import "strings"

// Combinations expands the configured input parameters into the cartesian
// product of their value lists. Each element holds one Item per parameter,
// in parameter order.
func Combinations(params []InputParameter) [][]Item {
	if len(params) == 0 {
		return nil
	}
	combos := [][]Item{{}}
	for _, p := range params {
		next := make([][]Item, 0, len(combos)*len(p.Values))
		for _, combo := range combos {
			for _, item := range p.Values {
				extended := make([]Item, len(combo), len(combo)+1)
				copy(extended, combo)
				next = append(next, append(extended, item))
			}
		}
		combos = next
	}
	return combos
}

// BuildQuery renders one combination as a search expression: each item
// becomes an OR-group of its canonical name and search aliases, the groups
// joined with AND. Extra keywords, if any, are appended verbatim.
func BuildQuery(combo []Item, extraKeywords string) string {
	groups := make([]string, len(combo))
	for i, item := range combo {
		terms := append([]string{item.Name}, item.SearchAliases...)
		groups[i] = "(" + strings.Join(terms, " OR ") + ")"
	}
	query := strings.Join(groups, " AND ")
	if extraKeywords != "" {
		query += " " + extraKeywords
	}
	return query
}

// FormatQuestion substitutes each {parameter} placeholder in the template
// with the combination's canonical item name, annotated with its question
// aliases when configured.
func FormatQuestion(template string, params []InputParameter, combo []Item) string {
	question := template
	for i, p := range params {
		if i >= len(combo) {
			break
		}
		item := combo[i]
		display := item.Name
		if len(item.QuestionAliases) > 0 {
			display += " (a.k.a " + strings.Join(item.QuestionAliases, ", ") + ")"
		}
		question = strings.ReplaceAll(question, "{"+p.Name+"}", display)
	}
	return question
}
