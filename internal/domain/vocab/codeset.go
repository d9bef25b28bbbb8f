package vocab

import (
	"database/sql/driver"
	"regexp"
	"sort"
	"strings"

	"github.com/lib/pq"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// CodeSet is a set of short codes stored as text[] on Postgres and as the
// array literal text elsewhere.
type CodeSet []string

func (s CodeSet) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	return pq.StringArray(s).Value()
}

func (s *CodeSet) Scan(src any) error {
	var arr pq.StringArray
	if err := arr.Scan(src); err != nil {
		return err
	}
	*s = CodeSet(arr)
	return nil
}

func (CodeSet) GormDataType() string { return "codeset" }

func (CodeSet) GormDBDataType(db *gorm.DB, _ *schema.Field) string {
	if db.Dialector.Name() == "postgres" {
		return "text[]"
	}
	return "text"
}

// Overlaps reports whether s and other share at least one code.
func (s CodeSet) Overlaps(other CodeSet) bool {
	if len(s) == 0 || len(other) == 0 {
		return false
	}
	seen := make(map[string]struct{}, len(s))
	for _, c := range s {
		seen[c] = struct{}{}
	}
	for _, c := range other {
		if _, ok := seen[c]; ok {
			return true
		}
	}
	return false
}

var atc7Pattern = regexp.MustCompile(`^[A-Z][0-9]{2}[A-Z]{2}[0-9]{2}$`)

// NormalizeAtc7 uppercases, trims, keeps only well-formed level-5 ATC codes,
// and returns them deduplicated in sorted order.
func NormalizeAtc7(codes []string) CodeSet {
	seen := map[string]struct{}{}
	out := CodeSet{}
	for _, raw := range codes {
		c := strings.ToUpper(strings.TrimSpace(raw))
		if !atc7Pattern.MatchString(c) {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

var atc7Prefix = regexp.MustCompile(`^([A-Z][0-9]{2}[A-Z]{2}[0-9]{2})`)

// ExtractAtc7Prefix returns the ATC7 code a source value starts with, if any.
func ExtractAtc7Prefix(sourceValue string) (string, bool) {
	m := atc7Prefix.FindStringSubmatch(strings.ToUpper(strings.TrimSpace(sourceValue)))
	if m == nil {
		return "", false
	}
	return m[1], true
}
