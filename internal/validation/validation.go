// Package validation provides centralized input validation for statline.
package validation

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode"

	"github.com/xtxerr/statline/internal/errors"
	"github.com/xtxerr/statline/internal/storage/types"
)

// =============================================================================
// Name Validation
// =============================================================================

// NameRules defines the validation rules for metric names and bucket types.
type NameRules struct {
	MinLength    int
	MaxLength    int
	AllowDots    bool
	AllowHyphens bool
	AllowUnders  bool
	AllowColons  bool
}

// MetricNameRules returns the rules for metric names such as "lib.net.rx".
func MetricNameRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    255,
		AllowDots:    true,
		AllowHyphens: true,
		AllowUnders:  true,
		AllowColons:  true,
	}
}

// BucketTypeRules returns the rules for bucket type identifiers.
func BucketTypeRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    64,
		AllowHyphens: true,
		AllowUnders:  true,
	}
}

// ValidateName validates a name according to the given rules.
func ValidateName(name string, rules NameRules) error {
	if len(name) < rules.MinLength {
		return fmt.Errorf("name too short: minimum %d characters required", rules.MinLength)
	}
	if len(name) > rules.MaxLength {
		return fmt.Errorf("name too long: maximum %d characters allowed", rules.MaxLength)
	}

	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return fmt.Errorf("name cannot start or end with '.'")
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("name cannot contain empty segments")
	}

	for i, r := range name {
		if r < 32 || r == 127 {
			return fmt.Errorf("name cannot contain control characters at position %d", i)
		}
		if !isAllowedNameChar(r, rules) {
			return fmt.Errorf("invalid character '%c' at position %d", r, i)
		}
	}

	return nil
}

func isAllowedNameChar(r rune, rules NameRules) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '.':
		return rules.AllowDots
	case '-':
		return rules.AllowHyphens
	case '_':
		return rules.AllowUnders
	case ':':
		return rules.AllowColons
	}
	return false
}

// ValidateMetricName validates a metric name. Retention wildcards ('#', '+')
// and whitespace are rejected.
func ValidateMetricName(name string) error {
	if err := ValidateName(name, MetricNameRules()); err != nil {
		return fmt.Errorf("metric %q: %w: %s", name, errors.ErrInvalidName, err)
	}
	return nil
}

// ValidateBucketType validates a bucket type identifier.
func ValidateBucketType(bucketType string) error {
	if bucketType == "" {
		return errors.NewMissingField("bucket_type")
	}
	if err := ValidateName(bucketType, BucketTypeRules()); err != nil {
		return errors.NewInvalidValue("bucket_type", bucketType, err.Error())
	}
	return nil
}

// =============================================================================
// Row Validation
// =============================================================================

// ValidateRow checks a single statistics row. Datapoints need no size; every
// other bucket type needs a positive one. Time and value must be finite.
func ValidateRow(r *types.Row) error {
	verrs := errors.NewValidationErrors()

	if err := ValidateMetricName(r.Name); err != nil {
		verrs.Add(err)
	}
	if err := ValidateBucketType(r.Type); err != nil {
		verrs.Add(err)
	}
	if !r.IsPoint() && (!(r.Size > 0) || math.IsInf(r.Size, 0)) {
		verrs.Add(errors.NewInvalidValue("bucket_size", r.Size, "must be positive and finite"))
	}
	if math.IsNaN(r.Time) || math.IsInf(r.Time, 0) {
		verrs.Add(errors.NewInvalidValue("bucket_time", r.Time, "must be finite"))
	}
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		verrs.Add(errors.NewInvalidValue("bucket_value", r.Value, "must be finite"))
	}
	if r.Lifetime < 0 {
		verrs.Add(errors.NewInvalidValue("bucket_lifetime", r.Lifetime, "must not be negative"))
	}

	return verrs.Err()
}

// ValidateRows checks every row and reports all problems at once, each
// prefixed with its row index.
func ValidateRows(rows []types.Row) error {
	verrs := errors.NewValidationErrors()
	for i := range rows {
		if err := ValidateRow(&rows[i]); err != nil {
			verrs.Add(fmt.Errorf("row %d: %w", i, err))
		}
	}
	return verrs.Err()
}

// =============================================================================
// SQL LIKE Escaping
// =============================================================================

var sqlLikeMetaChars = regexp.MustCompile(`[%_\\]`)

// EscapeLikePattern escapes special characters in a LIKE pattern for use
// with ESCAPE '\'.
func EscapeLikePattern(pattern string) string {
	return sqlLikeMetaChars.ReplaceAllStringFunc(pattern, func(s string) string {
		return "\\" + s
	})
}

// SafeLikePrefix creates a safe LIKE prefix pattern.
func SafeLikePrefix(prefix string) string {
	return EscapeLikePattern(prefix) + "%"
}

// SafeLikeSuffix creates a safe LIKE suffix pattern.
func SafeLikeSuffix(suffix string) string {
	return "%" + EscapeLikePattern(suffix)
}

// SafeLikeContains creates a safe LIKE contains pattern.
func SafeLikeContains(pattern string) string {
	return "%" + EscapeLikePattern(pattern) + "%"
}
