// Package mapping is the concept-mapping pipeline: it embeds concepts into
// versioned vector collections, retrieves standard-concept candidates for a
// source concept, reranks them with an LLM and hands the selection to the
// mapping aggregate for commit.
package mapping

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/yungbote/omop-automapper/internal/domain/mapping"
)

const DefaultCollectionPrefix = "omop_vocab"

// CollectionName derives the vector collection for one embedding
// configuration and concept type. A different model or dimension always
// yields a different name, so existing collections are never rewritten.
func CollectionName(prefix, model string, dims int, conceptType mapping.ConceptType) string {
	prefix = sanitizeName(prefix)
	if prefix == "" {
		prefix = DefaultCollectionPrefix
	}
	return fmt.Sprintf("%s_%s_%d_%s", prefix, ModelShortName(model), dims, conceptType)
}

const openAIEmbeddingPrefix = "text-embedding-"

// ModelShortName maps an embedding model id to a collection-safe token that
// is distinct per model id. Canonical OpenAI ids map reversibly:
// text-embedding-3-large becomes 3_large. Any other id keeps a readable
// part plus an fnv32a hash of the raw id, since sanitizing it may fold case
// or punctuation: bge-m3 becomes bge_m3_<hash>.
func ModelShortName(model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		return "default"
	}
	if rest, ok := strings.CutPrefix(model, openAIEmbeddingPrefix); ok && isCanonicalModelTail(rest) {
		return strings.ReplaceAll(rest, "-", "_")
	}
	readable := sanitizeName(strings.TrimPrefix(strings.ToLower(model), openAIEmbeddingPrefix))
	if readable == "" {
		readable = "model"
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(model))
	return fmt.Sprintf("%s_%08x", readable, h.Sum32())
}

// isCanonicalModelTail accepts dash-separated runs of [a-z0-9], the shape
// for which replacing dashes with underscores loses nothing.
func isCanonicalModelTail(s string) bool {
	if s == "" || strings.HasPrefix(s, "-") || strings.HasSuffix(s, "-") || strings.Contains(s, "--") {
		return false
	}
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' {
			return false
		}
	}
	return true
}

func sanitizeName(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimRight(b.String(), "_")
}
