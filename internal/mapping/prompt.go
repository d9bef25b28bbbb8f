package mapping

import (
	"fmt"
	"strings"

	"github.com/yungbote/omop-automapper/internal/domain/mapping"
)

const rerankSchemaName = "omop_concept_rerank_v1"

const drugRerankSystem = `You map a local drug term to one standard drug concept from a candidate list.
Judge each candidate on these criteria:
1. Active ingredients must match exactly. Recognized synonyms count (paracetamol = acetaminophen).
2. Strength must be identical after unit conversion (500mcg/5mL = 0.1mg/1mL).
3. Dose form must match (tablet, capsule, oral solution, extended-release).
4. Route of administration must match.
If the input is not a branded name, the selected candidate must not be branded either.
When several candidates satisfy every criterion, prefer the more general one.
Ignore formatting differences that do not change meaning.
Return ONLY JSON matching the schema. selected_concept_id must be one of the listed concept_id values, or null if none fits.
confidence is in [0,1]. target_domains lists the OMOP domains the mapping is valid for.`

const conceptRerankSystem = `You map a local clinical term to one standard OMOP concept from a candidate list.
Judge each candidate on these criteria:
1. Core meaning: both must describe the same condition, procedure, observation or measurement.
2. Context: the candidate must fit the domain the term is used in.
3. Wording: consider synonyms, abbreviations and translation nuances.
The selected concept must not be more specific than the input term. If unsure, prefer a less specific but correct concept.
Ignore formatting differences that do not change meaning.
Return ONLY JSON matching the schema. selected_concept_id must be one of the listed concept_id values, or null if none fits.
confidence is in [0,1]. target_domains lists the OMOP domains the mapping is valid for.`

func promptRerank(src *mapping.SourceConcept, cands []Candidate, drug bool) (system string, user string) {
	system = conceptRerankSystem
	if drug {
		system = drugRerankSystem
	}
	var b strings.Builder
	b.WriteString("Input term: " + src.Text() + "\n")
	if src.SourceConceptName != "" && src.SourceValue != src.SourceConceptName {
		b.WriteString("Source code: " + src.SourceValue + "\n")
	}
	b.WriteString("Source vocabulary: " + src.SourceVocabularyID + "\n\n")
	b.WriteString("Candidates:\n")
	for _, c := range cands {
		fmt.Fprintf(&b, "- concept_id=%d | %s | domain=%s | vocabulary=%s | code=%s",
			c.Concept.ConceptID, c.Concept.ConceptName, c.Concept.DomainID, c.Concept.VocabularyID, c.Concept.ConceptCode)
		if len(c.Atc7) > 0 {
			b.WriteString(" | ATC=" + strings.Join(c.Atc7, ","))
		}
		b.WriteString("\n")
	}
	return system, b.String()
}

// correctiveNote is appended to the user prompt after an answer that did not
// name a listed candidate.
func correctiveNote(problem string) string {
	return "\nYour previous answer was rejected: " + problem +
		". Answer again using only a concept_id from the list above, or null."
}

func schemaRerankSelection() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"selected_concept_id": map[string]any{"type": []any{"integer", "null"}},
			"confidence":          map[string]any{"type": "number", "minimum": 0, "maximum": 1},
			"target_domains": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
			"reason": map[string]any{"type": "string"},
		},
		"required":             []any{"selected_concept_id", "confidence", "target_domains", "reason"},
		"additionalProperties": false,
	}
}
