package qdrant

import "fmt"

// Filter is the subset of the Qdrant payload filter the mapper needs.
type Filter struct {
	Must    []Condition `json:"must,omitempty"`
	Should  []Condition `json:"should,omitempty"`
	MustNot []Condition `json:"must_not,omitempty"`
}

type Condition struct {
	Key   string `json:"key"`
	Match Match  `json:"match"`
}

// Match holds either Value (exact) or Any (keyword/integer membership).
type Match struct {
	Value any   `json:"value,omitempty"`
	Any   []any `json:"any,omitempty"`
}

func MatchValue(key string, value any) Condition {
	return Condition{Key: key, Match: Match{Value: value}}
}

func MatchAny[T string | int | int64](key string, values ...T) Condition {
	anyVals := make([]any, 0, len(values))
	for _, v := range values {
		anyVals = append(anyVals, v)
	}
	return Condition{Key: key, Match: Match{Any: anyVals}}
}

func (f *Filter) empty() bool {
	return f == nil || (len(f.Must) == 0 && len(f.Should) == 0 && len(f.MustNot) == 0)
}

func (f *Filter) validate() error {
	if f == nil {
		return nil
	}
	for _, group := range [][]Condition{f.Must, f.Should, f.MustNot} {
		for _, c := range group {
			if c.Key == "" {
				return fmt.Errorf("filter condition key is required")
			}
			if c.Match.Value == nil && len(c.Match.Any) == 0 {
				return fmt.Errorf("filter condition %q needs a value or a non-empty any list", c.Key)
			}
			if c.Match.Value != nil && len(c.Match.Any) > 0 {
				return fmt.Errorf("filter condition %q sets both value and any", c.Key)
			}
		}
	}
	return nil
}
