package extract

import (
	"strings"

	"github.com/tsawler/prose/v3"
)

// nerExtractor wraps the prose NLP library's named-entity recognizer.
type nerExtractor struct{}

func newNERExtractor() *nerExtractor { return &nerExtractor{} }

// proseToType maps prose's OntoNotes labels to extractor type tags.
func proseToType(label string) string {
	switch strings.ToUpper(label) {
	case "PERSON":
		return TypePerson
	case "ORG", "NORP":
		return TypeOrganization
	case "GPE", "LOC", "FAC":
		return TypePlace
	case "PRODUCT", "WORK_OF_ART":
		return TypeProduct
	case "EVENT":
		return TypeEvent
	case "DATE":
		return TypeDate
	case "TIME":
		return TypeTime
	default:
		return TypeConcept
	}
}

func (e *nerExtractor) extract(body string) []Candidate {
	doc, err := prose.NewDocument(body)
	if err != nil {
		return nil
	}
	var cands []Candidate
	for _, ent := range doc.Entities() {
		name := strings.TrimSpace(ent.Text)
		if name == "" {
			continue
		}
		cands = append(cands, Candidate{
			Name:       name,
			Type:       proseToType(ent.Label),
			Confidence: 0.8,
		})
	}
	return cands
}
