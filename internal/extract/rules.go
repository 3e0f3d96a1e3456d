package extract

import (
	"regexp"
	"strings"
	"unicode"
)

// relation is a raw extracted relation; endpoints are entity names.
type relation struct {
	source  string
	target  string
	relType string
	summary string
	weight  float64
}

// relationRule binds a pattern to the types and relation it implies.
// Group 1 is the source entity, group 2 the target.
type relationRule struct {
	re         *regexp.Regexp
	relType    string
	sourceType string
	targetType string
}

// namePat matches one- or two-word capitalized names.
const namePat = `([A-Z][\w&-]+(?: [A-Z][\w&-]+)?)`

// ruleExtractor runs the fixed relation-pattern set.
type ruleExtractor struct {
	rules []relationRule
}

func newRuleExtractor() *ruleExtractor {
	compile := func(p, relType, st, tt string) relationRule {
		return relationRule{re: regexp.MustCompile(p), relType: relType, sourceType: st, targetType: tt}
	}
	return &ruleExtractor{rules: []relationRule{
		compile(namePat+` works? (?:at|for) `+namePat, "WORKS_AT", TypePerson, TypeOrganization),
		compile(namePat+` works? on `+namePat, "WORKS_ON", TypePerson, TypeConcept),
		compile(namePat+` lives? in `+namePat, "LIVES_IN", TypePerson, TypePlace),
		compile(namePat+` (?:is )?located in `+namePat, "LOCATED_IN", TypeOrganization, TypePlace),
		compile(namePat+` (?:is married to|married) `+namePat, "MARRIED_TO", TypePerson, TypePerson),
		compile(namePat+` (?:is friends with|is a friend of) `+namePat, "FRIEND_OF", TypePerson, TypePerson),
		compile(namePat+` (?:founded|co-?founded) `+namePat, "FOUNDED", TypePerson, TypeOrganization),
		compile(namePat+` is part of `+namePat, "PART_OF", TypeConcept, TypeConcept),
		compile(namePat+` (?:manages|leads) `+namePat, "MANAGES", TypePerson, TypeConcept),
		compile(namePat+` met `+namePat, "MET", TypePerson, TypePerson),
	}}
}

// extract runs every rule over the body. Each match proposes both
// endpoints and the relation; a trailing "with <Name>" after a match adds
// the named person to the same relation's source side.
func (r *ruleExtractor) extract(body string) ([]Candidate, []relation) {
	var cands []Candidate
	var rels []relation

	for _, rule := range r.rules {
		for _, m := range rule.re.FindAllStringSubmatchIndex(body, -1) {
			source := body[m[2]:m[3]]
			target := body[m[4]:m[5]]
			cands = append(cands,
				Candidate{Name: source, Type: rule.sourceType, Confidence: 0.9},
				Candidate{Name: target, Type: rule.targetType, Confidence: 0.9},
			)
			rels = append(rels, relation{
				source:  source,
				target:  target,
				relType: rule.relType,
				summary: strings.TrimSpace(body[m[0]:m[1]]),
				weight:  0.9,
			})

			// "Alice works at TechCorp with Bob" also relates Bob.
			rest := body[m[1]:]
			if with := withPattern.FindStringSubmatch(rest); with != nil {
				companion := with[1]
				cands = append(cands, Candidate{Name: companion, Type: TypePerson, Confidence: 0.9})
				rels = append(rels,
					relation{source: companion, target: target, relType: rule.relType, summary: companion + " " + rule.relType + " " + target, weight: 0.7},
					relation{source: source, target: companion, relType: "KNOWS", summary: source + " knows " + companion, weight: 0.7},
				)
			}
		}
	}
	return cands, rels
}

var withPattern = regexp.MustCompile(`^ (?:with|alongside) ` + namePat)

// Common sentence-leading words that are not names.
var skipWords = map[string]bool{
	"I": true, "The": true, "A": true, "An": true, "This": true, "That": true,
	"It": true, "Is": true, "Are": true, "Was": true, "Were": true,
	"He": true, "She": true, "They": true, "We": true, "You": true,
	"My": true, "Your": true, "His": true, "Her": true, "Its": true,
	"What": true, "When": true, "Where": true, "Who": true, "Why": true, "How": true,
	"But": true, "And": true, "Or": true, "So": true, "If": true, "Then": true,
	"Yes": true, "No": true, "Ok": true, "Sure": true, "Thanks": true,
	"Hello": true, "Hi": true, "Hey": true, "Bye": true, "Today": true,
	"Tomorrow": true, "Yesterday": true,
}

// extractCapitalized proposes capitalized words as low-confidence concepts.
func extractCapitalized(body string) []Candidate {
	var cands []Candidate
	for _, word := range strings.Fields(body) {
		clean := strings.Trim(word, ".,!?;:'\"()[]{}@#")
		if len(clean) < 3 || skipWords[clean] {
			continue
		}
		r := []rune(clean)
		if !unicode.IsUpper(r[0]) {
			continue
		}
		rest := string(r[1:])
		if strings.ToUpper(rest) == rest && len(rest) > 1 {
			continue // shouting or acronym-heavy tokens are too noisy
		}
		cands = append(cands, Candidate{Name: clean, Type: TypeConcept, Confidence: 0.6})
	}
	return cands
}
