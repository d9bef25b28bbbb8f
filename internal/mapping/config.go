package mapping

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	maprepo "github.com/yungbote/omop-automapper/internal/data/repos/mapping"
	domainagg "github.com/yungbote/omop-automapper/internal/domain/aggregates"
	"github.com/yungbote/omop-automapper/internal/domain/mapping"
	"github.com/yungbote/omop-automapper/internal/pkg/dbctx"
	"github.com/yungbote/omop-automapper/internal/platform/logger"
)

const (
	KeyEmbeddingModel      = "embedding.model"
	KeyEmbeddingDims       = "embedding.dims"
	KeyCollectionPrefix    = "collection.prefix"
	KeyRerankerModel       = "reranker.model"
	KeyTopK                = "mapping.top_k"
	KeyDrugTopK            = "mapping.drug_top_k"
	KeyDrugVocabularies    = "mapping.drug_vocabularies"
	KeyAtc7Strict          = "mapping.atc7_strict"
	KeyAutoCommitThreshold = "mapping.auto_commit_threshold"
	KeyVectorStoreName     = "vector_store.name"
)

const (
	settingsCacheKey = "settings"
	settingsCacheTTL = 30 * time.Second
)

// Settings is the pipeline configuration read from app_config.
type Settings struct {
	EmbeddingModel      string   `json:"embedding_model"`
	EmbeddingDims       int      `json:"embedding_dims"`
	CollectionPrefix    string   `json:"collection_prefix"`
	RerankerModel       string   `json:"reranker_model"`
	TopK                int      `json:"top_k"`
	DrugTopK            int      `json:"drug_top_k"`
	DrugVocabularies    []string `json:"drug_vocabularies"`
	Atc7Strict          bool     `json:"atc7_strict"`
	AutoCommitThreshold float64  `json:"auto_commit_threshold"`
}

func (s Settings) Collection(ct mapping.ConceptType) string {
	return CollectionName(s.CollectionPrefix, s.EmbeddingModel, s.EmbeddingDims, ct)
}

func DefaultValues() map[string]string {
	return map[string]string{
		KeyEmbeddingModel:      "text-embedding-3-large",
		KeyEmbeddingDims:       "1024",
		KeyCollectionPrefix:    DefaultCollectionPrefix,
		KeyRerankerModel:       "gpt-4.1",
		KeyTopK:                "10",
		KeyDrugTopK:            "25",
		KeyDrugVocabularies:    "",
		KeyAtc7Strict:          "false",
		KeyAutoCommitThreshold: "0.8",
		KeyVectorStoreName:     CollectionName(DefaultCollectionPrefix, "text-embedding-3-large", 1024, mapping.ConceptTypeStandard),
	}
}

// ParseSettings reads values over the defaults and validates the result.
func ParseSettings(values map[string]string) (Settings, error) {
	merged := DefaultValues()
	for k, v := range values {
		merged[k] = v
	}
	var s Settings
	var err error
	s.EmbeddingModel = strings.TrimSpace(merged[KeyEmbeddingModel])
	s.CollectionPrefix = strings.TrimSpace(merged[KeyCollectionPrefix])
	s.RerankerModel = strings.TrimSpace(merged[KeyRerankerModel])
	if s.EmbeddingDims, err = parsePositiveInt(KeyEmbeddingDims, merged[KeyEmbeddingDims]); err != nil {
		return Settings{}, err
	}
	if s.TopK, err = parsePositiveInt(KeyTopK, merged[KeyTopK]); err != nil {
		return Settings{}, err
	}
	if s.DrugTopK, err = parsePositiveInt(KeyDrugTopK, merged[KeyDrugTopK]); err != nil {
		return Settings{}, err
	}
	if s.Atc7Strict, err = strconv.ParseBool(strings.TrimSpace(merged[KeyAtc7Strict])); err != nil {
		return Settings{}, fmt.Errorf("%s: %w", KeyAtc7Strict, err)
	}
	if s.AutoCommitThreshold, err = strconv.ParseFloat(strings.TrimSpace(merged[KeyAutoCommitThreshold]), 64); err != nil {
		return Settings{}, fmt.Errorf("%s: %w", KeyAutoCommitThreshold, err)
	}
	if s.AutoCommitThreshold < 0 || s.AutoCommitThreshold > 1 {
		return Settings{}, fmt.Errorf("%s: %v outside [0,1]", KeyAutoCommitThreshold, s.AutoCommitThreshold)
	}
	s.DrugVocabularies = splitList(merged[KeyDrugVocabularies])
	if s.EmbeddingModel == "" {
		return Settings{}, fmt.Errorf("%s is required", KeyEmbeddingModel)
	}
	if s.RerankerModel == "" {
		return Settings{}, fmt.Errorf("%s is required", KeyRerankerModel)
	}
	return s, nil
}

// ConfigStore reads and writes pipeline settings in app_config. Reads are
// cached in-process for 30s; writes through the store invalidate the cache.
type ConfigStore struct {
	log   *logger.Logger
	repo  maprepo.AppConfigRepo
	cache *gocache.Cache
}

func NewConfigStore(log *logger.Logger, repo maprepo.AppConfigRepo) *ConfigStore {
	return &ConfigStore{
		log:   log.With("service", "ConfigStore"),
		repo:  repo,
		cache: gocache.New(settingsCacheTTL, 2*settingsCacheTTL),
	}
}

// Seed writes missing defaults and leaves configured keys alone.
func (s *ConfigStore) Seed(ctx context.Context) error {
	if err := s.repo.SeedDefaults(dbctx.Context{Ctx: ctx}, DefaultValues()); err != nil {
		return fmt.Errorf("seed app_config: %w", err)
	}
	s.cache.Delete(settingsCacheKey)
	return nil
}

func (s *ConfigStore) Settings(ctx context.Context) (Settings, error) {
	if v, ok := s.cache.Get(settingsCacheKey); ok {
		return v.(Settings), nil
	}
	values, err := s.repo.All(dbctx.Context{Ctx: ctx})
	if err != nil {
		return Settings{}, fmt.Errorf("load app_config: %w", err)
	}
	settings, err := ParseSettings(values)
	if err != nil {
		return Settings{}, domainagg.NewError(domainagg.CodeValidation, "config.settings", err.Error(), err)
	}
	s.cache.Set(settingsCacheKey, settings, gocache.DefaultExpiration)
	return settings, nil
}

func (s *ConfigStore) Values(ctx context.Context) (map[string]string, error) {
	values, err := s.repo.All(dbctx.Context{Ctx: ctx})
	if err != nil {
		return nil, err
	}
	merged := DefaultValues()
	for k, v := range values {
		merged[k] = v
	}
	return merged, nil
}

// Set validates the resulting settings before writing any key.
func (s *ConfigStore) Set(ctx context.Context, values map[string]string) error {
	const op = "config.set"
	if len(values) == 0 {
		return nil
	}
	known := DefaultValues()
	for k := range values {
		if _, ok := known[k]; !ok {
			return domainagg.NewError(domainagg.CodeValidation, op, fmt.Sprintf("unknown key %q", k), nil)
		}
	}
	current, err := s.repo.All(dbctx.Context{Ctx: ctx})
	if err != nil {
		return err
	}
	for k, v := range values {
		current[k] = v
	}
	next, err := ParseSettings(current)
	if err != nil {
		return domainagg.NewError(domainagg.CodeValidation, op, err.Error(), err)
	}
	write := make(map[string]string, len(values)+1)
	for k, v := range values {
		write[k] = v
	}
	write[KeyVectorStoreName] = next.Collection(mapping.ConceptTypeStandard)
	if err := s.repo.Set(dbctx.Context{Ctx: ctx}, write); err != nil {
		return err
	}
	s.cache.Delete(settingsCacheKey)
	s.log.Info("app_config updated", "keys", sortedKeys(write))
	return nil
}

// SetEmbeddingModel switches the active embedding model and returns the
// standard collection subsequent embeddings will go to. Existing
// collections and their embedded_concepts rows are left as they are.
func (s *ConfigStore) SetEmbeddingModel(ctx context.Context, model string, dims int) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" || dims <= 0 {
		return "", domainagg.NewError(domainagg.CodeValidation, "config.set_embedding_model", "model and positive dims are required", nil)
	}
	if err := s.Set(ctx, map[string]string{
		KeyEmbeddingModel: model,
		KeyEmbeddingDims:  strconv.Itoa(dims),
	}); err != nil {
		return "", err
	}
	settings, err := s.Settings(ctx)
	if err != nil {
		return "", err
	}
	return settings.Collection(mapping.ConceptTypeStandard), nil
}

func parsePositiveInt(key, raw string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %d", key, n)
	}
	return n, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
