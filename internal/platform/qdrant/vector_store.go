package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/yungbote/omop-automapper/internal/pkg/ctxutil"
	"github.com/yungbote/omop-automapper/internal/platform/logger"
)

const maxErrorBodyBytes = 1024

// Point is one vector keyed by an unsigned integer id.
type Point struct {
	ID      uint64         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

type ScoredPoint struct {
	ID      uint64
	Score   float64
	Payload map[string]any
}

type SearchRequest struct {
	Vector []float32
	Limit  int
	Filter *Filter
}

// CollectionInfo is the part of the collection description the mapper checks.
type CollectionInfo struct {
	Name        string
	VectorSize  int
	Distance    string
	PointsCount int
}

// Store is a thin REST client over a Qdrant instance. Collections are
// addressed per call.
type Store struct {
	log      *logger.Logger
	cfg      Config
	baseURL  string
	distance string
	http     *http.Client
}

type qdrantEnvelope struct {
	Result json.RawMessage `json:"result"`
	Status json.RawMessage `json:"status"`
	Time   float64         `json:"time"`
}

type qdrantSearchResultItem struct {
	ID      json.RawMessage `json:"id"`
	Score   float64         `json:"score"`
	Payload map[string]any  `json:"payload"`
}

func NewStore(log *logger.Logger, cfg Config) (*Store, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return newStore(log, cfg, &http.Client{Timeout: cfg.Timeout}), nil
}

func newStore(log *logger.Logger, cfg Config, client *http.Client) *Store {
	return &Store{
		log:      log.With("service", "QdrantStore"),
		cfg:      cfg,
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		distance: canonicalDistance(cfg.Distance),
		http:     client,
	}
}

// Ready checks /readyz.
func (s *Store) Ready(ctx context.Context) error {
	const op = "ready"
	req, err := http.NewRequestWithContext(ctxutil.Default(ctx), http.MethodGet, s.baseURL+"/readyz", nil)
	if err != nil {
		return opErr(op, "", OperationErrorTransportFailed, "build ready request failed", err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return classifyHTTPCallError(op, "", "qdrant ready check failed", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &OperationError{
			Code:       OperationErrorQueryFailed,
			Operation:  op,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("qdrant ready check returned status=%d", resp.StatusCode),
		}
	}
	return nil
}

// Collection describes an existing collection. A missing collection yields an
// error for which IsNotFound is true.
func (s *Store) Collection(ctx context.Context, name string) (CollectionInfo, error) {
	const op = "get_collection"
	var result struct {
		PointsCount int `json:"points_count"`
		Config      struct {
			Params struct {
				Vectors struct {
					Size     int    `json:"size"`
					Distance string `json:"distance"`
				} `json:"vectors"`
			} `json:"params"`
		} `json:"config"`
	}
	if err := s.doJSON(ctx, op, name, http.MethodGet, collectionPath(name, ""), nil, &result); err != nil {
		return CollectionInfo{}, err
	}
	return CollectionInfo{
		Name:        name,
		VectorSize:  result.Config.Params.Vectors.Size,
		Distance:    result.Config.Params.Vectors.Distance,
		PointsCount: result.PointsCount,
	}, nil
}

// EnsureCollection creates name with the given vector size when it does not
// exist, plus keyword indexes on indexedFields. An existing collection is
// never modified; a size mismatch is reported as a validation error.
func (s *Store) EnsureCollection(ctx context.Context, name string, size int, indexedFields ...string) error {
	const op = "ensure_collection"
	if strings.TrimSpace(name) == "" {
		return opErr(op, name, OperationErrorValidation, "collection name is required", nil)
	}
	if size <= 0 {
		return opErr(op, name, OperationErrorValidation, fmt.Sprintf("vector size must be positive, got %d", size), nil)
	}

	info, err := s.Collection(ctx, name)
	switch {
	case err == nil:
		if info.VectorSize != 0 && info.VectorSize != size {
			return opErr(op, name, OperationErrorValidation,
				fmt.Sprintf("vector size mismatch: expected=%d actual=%d", size, info.VectorSize), nil)
		}
		return nil
	case !IsNotFound(err):
		return err
	}

	create := map[string]any{
		"vectors": map[string]any{
			"size":     size,
			"distance": s.distance,
		},
	}
	if err := s.doJSON(ctx, op, name, http.MethodPut, collectionPath(name, ""), create, nil); err != nil {
		return err
	}
	for _, field := range indexedFields {
		index := map[string]any{"field_name": field, "field_schema": "keyword"}
		if err := s.doJSON(ctx, op, name, http.MethodPut, collectionPath(name, "/index?wait=true"), index, nil); err != nil {
			return err
		}
	}
	s.log.Info("qdrant collection created", "collection", name, "size", size, "distance", s.distance)
	return nil
}

func (s *Store) Upsert(ctx context.Context, collection string, points []Point) error {
	const op = "upsert"
	if len(points) == 0 {
		return nil
	}
	for _, p := range points {
		if p.ID == 0 {
			return opErr(op, collection, OperationErrorValidation, "point id must be positive", nil)
		}
		if len(p.Vector) == 0 {
			return opErr(op, collection, OperationErrorValidation, fmt.Sprintf("point %d has empty vector", p.ID), nil)
		}
	}
	req := map[string]any{"points": points}
	return s.doJSON(ctx, op, collection, http.MethodPut, collectionPath(collection, "/points?wait=true"), req, nil)
}

// Search returns the nearest points ordered by score desc then id asc.
func (s *Store) Search(ctx context.Context, collection string, in SearchRequest) ([]ScoredPoint, error) {
	const op = "search"
	if len(in.Vector) == 0 {
		return nil, opErr(op, collection, OperationErrorValidation, "query vector required", nil)
	}
	if err := in.Filter.validate(); err != nil {
		return nil, opErr(op, collection, OperationErrorValidation, "invalid filter", err)
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 10
	}
	req := map[string]any{
		"vector":       in.Vector,
		"limit":        limit,
		"with_payload": true,
		"with_vector":  false,
	}
	if !in.Filter.empty() {
		req["filter"] = in.Filter
	}

	var raw []qdrantSearchResultItem
	if err := s.doJSON(ctx, op, collection, http.MethodPost, collectionPath(collection, "/points/search"), req, &raw); err != nil {
		return nil, err
	}

	out := make([]ScoredPoint, 0, len(raw))
	for _, item := range raw {
		id, ok := decodePointID(item.ID)
		if !ok {
			s.log.Warn("qdrant search returned non-integer point id", "collection", collection, "id", string(item.ID))
			continue
		}
		out = append(out, ScoredPoint{ID: id, Score: s.normalizeScore(item.Score), Payload: item.Payload})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score == out[j].Score {
			return out[i].ID < out[j].ID
		}
		return out[i].Score > out[j].Score
	})
	return out, nil
}

type qdrantRecord struct {
	ID      json.RawMessage `json:"id"`
	Vector  []float32       `json:"vector"`
	Payload map[string]any  `json:"payload"`
}

// Retrieve fetches points by id with their vectors. Missing ids are absent
// from the result.
func (s *Store) Retrieve(ctx context.Context, collection string, ids []uint64) ([]Point, error) {
	const op = "retrieve"
	if len(ids) == 0 {
		return nil, nil
	}
	req := map[string]any{
		"ids":          ids,
		"with_payload": true,
		"with_vector":  true,
	}
	var raw []qdrantRecord
	if err := s.doJSON(ctx, op, collection, http.MethodPost, collectionPath(collection, "/points"), req, &raw); err != nil {
		return nil, err
	}
	out := make([]Point, 0, len(raw))
	for _, rec := range raw {
		id, ok := decodePointID(rec.ID)
		if !ok {
			continue
		}
		out = append(out, Point{ID: id, Vector: rec.Vector, Payload: rec.Payload})
	}
	return out, nil
}

// Count returns the exact number of points matching filter.
func (s *Store) Count(ctx context.Context, collection string, filter *Filter) (int, error) {
	const op = "count"
	if err := filter.validate(); err != nil {
		return 0, opErr(op, collection, OperationErrorValidation, "invalid filter", err)
	}
	req := map[string]any{"exact": true}
	if !filter.empty() {
		req["filter"] = filter
	}
	var result struct {
		Count int `json:"count"`
	}
	if err := s.doJSON(ctx, op, collection, http.MethodPost, collectionPath(collection, "/points/count"), req, &result); err != nil {
		return 0, err
	}
	return result.Count, nil
}

func (s *Store) Delete(ctx context.Context, collection string, ids []uint64) error {
	const op = "delete"
	seen := make(map[uint64]struct{}, len(ids))
	points := make([]uint64, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		points = append(points, id)
	}
	if len(points) == 0 {
		return nil
	}
	req := map[string]any{"points": points}
	return s.doJSON(ctx, op, collection, http.MethodPost, collectionPath(collection, "/points/delete?wait=true"), req, nil)
}

func (s *Store) doJSON(ctx context.Context, op, collection, method, path string, in any, out any) error {
	var body io.Reader
	if in != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(in); err != nil {
			return opErr(op, collection, OperationErrorEncodeFailed, "encode request failed", err)
		}
		body = &buf
	}

	req, err := http.NewRequestWithContext(ctxutil.Default(ctx), method, s.baseURL+path, body)
	if err != nil {
		return opErr(op, collection, OperationErrorTransportFailed, "build request failed", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return classifyHTTPCallError(op, collection, "qdrant request failed", err)
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 64*maxErrorBodyBytes))
	if readErr != nil {
		return opErr(op, collection, OperationErrorDecodeFailed, "read response failed", readErr)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &OperationError{
			Code:       OperationErrorQueryFailed,
			Operation:  op,
			Collection: collection,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("qdrant http status=%d body=%q", resp.StatusCode, truncateBody(raw)),
		}
	}

	var envelope qdrantEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return opErr(op, collection, OperationErrorDecodeFailed, "decode qdrant envelope failed", err)
	}
	if statusErr := parseEnvelopeStatus(envelope.Status); statusErr != "" {
		return &OperationError{
			Code:       OperationErrorQueryFailed,
			Operation:  op,
			Collection: collection,
			StatusCode: resp.StatusCode,
			Message:    statusErr,
		}
	}
	if out == nil || len(envelope.Result) == 0 || string(envelope.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return opErr(op, collection, OperationErrorDecodeFailed, "decode qdrant result failed", err)
	}
	return nil
}

func classifyHTTPCallError(op, collection, message string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return opErr(op, collection, OperationErrorTimeout, message, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return opErr(op, collection, OperationErrorTimeout, message, err)
	}
	return opErr(op, collection, OperationErrorTransportFailed, message, err)
}

func parseEnvelopeStatus(raw json.RawMessage) string {
	status := strings.TrimSpace(string(raw))
	if status == "" || status == "null" {
		return ""
	}
	var statusString string
	if err := json.Unmarshal(raw, &statusString); err == nil {
		if strings.EqualFold(statusString, "ok") {
			return ""
		}
		return fmt.Sprintf("qdrant status=%q", statusString)
	}
	var statusObject struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &statusObject); err == nil && strings.TrimSpace(statusObject.Error) != "" {
		return strings.TrimSpace(statusObject.Error)
	}
	return fmt.Sprintf("qdrant status=%s", status)
}

func truncateBody(raw []byte) string {
	if len(raw) <= maxErrorBodyBytes {
		return string(raw)
	}
	return string(raw[:maxErrorBodyBytes]) + "..."
}

func collectionPath(name, suffix string) string {
	return "/collections/" + url.PathEscape(name) + suffix
}

func decodePointID(raw json.RawMessage) (uint64, bool) {
	var id uint64
	if err := json.Unmarshal(raw, &id); err != nil {
		return 0, false
	}
	return id, true
}

// normalizeScore maps distance-style scores onto "higher is closer".
func (s *Store) normalizeScore(score float64) float64 {
	switch s.distance {
	case "Euclid", "Manhattan":
		if score < 0 {
			score = -score
		}
		return 1.0 / (1.0 + score)
	default:
		return score
	}
}
