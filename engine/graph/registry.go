package graph

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"
)

const (
	// maxMintAttempts bounds the numeric suffixes tried for one stem.
	maxMintAttempts = 50
	fallbackSlug    = "unknown_diagram"
	idTimeLayout    = "20060102_150405"
)

// Slugify lower-cases s and collapses every run of non-alphanumerics into a
// single '_'. Leading and trailing separators are dropped.
func Slugify(s string) string {
	var b strings.Builder
	pending := false
	for _, r := range strings.ToLower(s) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			if pending && b.Len() > 0 {
				b.WriteByte('_')
			}
			pending = false
			b.WriteRune(r)
			continue
		}
		pending = true
	}
	if b.Len() == 0 {
		return fallbackSlug
	}
	return b.String()
}

// MintID renders the candidate id for one attempt: slug_YYYYMMDD_HHMMSS for
// the first, with _<attempt> appended from the second on.
func MintID(base string, now time.Time, attempt int) string {
	id := Slugify(base) + "_" + now.UTC().Format(idTimeLayout)
	if attempt >= 2 {
		id = fmt.Sprintf("%s_%d", id, attempt)
	}
	return id
}

// ScopeFilter returns the predicate that restricts alias to one diagram.
func ScopeFilter(alias, param string) string {
	return fmt.Sprintf("%s.diagram_id = $%s", alias, param)
}

// ErrIDSpaceExhausted is returned when every suffix for a stem is taken.
var ErrIDSpaceExhausted = fmt.Errorf("graph: no free diagram id after %d attempts", maxMintAttempts)

// Registry mints diagram ids against the ids already present in the store,
// including ids of deleted diagrams.
type Registry struct{}

// Mint returns the first free id for base at now. It must run inside the
// write transaction that creates the Metadata element so the lookup and the
// create see the same snapshot; the uniqueness constraint catches the rest.
func (Registry) Mint(ctx context.Context, tx CypherRunner, base string, now time.Time) (string, error) {
	stem := MintID(base, now, 1)
	cypher := fmt.Sprintf(`MATCH (m)
		WHERE (m:%s OR m:%s) AND m.diagram_id STARTS WITH $stem
		RETURN m.diagram_id AS id`, labelMetadata, labelTombstone)
	result, err := tx.Run(ctx, cypher, map[string]any{"stem": stem})
	if err != nil {
		return "", err
	}
	taken := make(map[string]bool)
	for result.Next(ctx) {
		if id, ok := result.Record().Get("id"); ok {
			if s, ok := id.(string); ok {
				taken[s] = true
			}
		}
	}
	if err := result.Err(); err != nil {
		return "", err
	}
	for attempt := 1; attempt <= maxMintAttempts; attempt++ {
		id := MintID(base, now, attempt)
		if !taken[id] {
			return id, nil
		}
	}
	return "", ErrIDSpaceExhausted
}

// mintBase picks the registry input for a document: title, then source
// image, then the fallback slug.
func mintBase(title, source string) string {
	if strings.TrimSpace(title) != "" {
		return title
	}
	if strings.TrimSpace(source) != "" {
		return source
	}
	return fallbackSlug
}
