// Package listfilter applies optional predicate filters and a deterministic sort to
// in-memory record collections (leads, basket items, emails, drafts).
package listfilter

import (
	"math"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
)

// Field names understood by Record.Field.
const (
	FieldBucket   = "bucket"
	FieldStatus   = "status"
	FieldPlatform = "platform"
	FieldItemType = "item_type"
	FieldCategory = "category"
	FieldTone     = "tone"
)

// All is the sentinel value meaning "no constraint".
const All = "all"

// SortOrder selects how Apply orders its output.
type SortOrder string

const (
	SortNone      SortOrder = "none"
	SortScoreDesc SortOrder = "score_desc"
)

// ParseSortOrder maps query/flag values to a SortOrder. Unknown values mean SortNone.
func ParseSortOrder(s string) SortOrder {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "score_desc", "score", "-score":
		return SortScoreDesc
	default:
		return SortNone
	}
}

// Record is anything the utility can filter.
type Record interface {
	// Score returns the record's numeric score and whether it has one.
	Score() (float64, bool)
	// Field returns the value of a categorical field, or "" when the record has none.
	Field(name string) string
	// Title is the text matched by Spec.Search.
	Title() string
}

// Spec is a filter specification. Every field is optional; an empty string or "all"
// leaves that dimension unconstrained.
type Spec struct {
	ScoreMin *float64
	ScoreMax *float64
	Bucket   string
	Status   string
	Platform string
	ItemType string
	Category string
	Tone     string
	Search   string
	Sort     SortOrder
}

var folder = cases.Fold()

func fold(s string) string { return folder.String(s) }

func present(v string) bool {
	v = strings.TrimSpace(v)
	return v != "" && !strings.EqualFold(v, All)
}

// categorical returns the set constraints in a fixed order.
func (s Spec) categorical() [][2]string {
	var out [][2]string
	for _, c := range [][2]string{
		{FieldBucket, s.Bucket},
		{FieldStatus, s.Status},
		{FieldPlatform, s.Platform},
		{FieldItemType, s.ItemType},
		{FieldCategory, s.Category},
		{FieldTone, s.Tone},
	} {
		if present(c[1]) {
			out = append(out, [2]string{c[0], strings.TrimSpace(c[1])})
		}
	}
	return out
}

// Match reports whether r satisfies every present constraint of s.
func (s Spec) Match(r Record) bool {
	if s.ScoreMin != nil || s.ScoreMax != nil {
		score, ok := r.Score()
		if !ok {
			return false
		}
		if s.ScoreMin != nil && score < *s.ScoreMin {
			return false
		}
		if s.ScoreMax != nil && score > *s.ScoreMax {
			return false
		}
	}
	for _, c := range s.categorical() {
		if !strings.EqualFold(strings.TrimSpace(r.Field(c[0])), c[1]) {
			return false
		}
	}
	if present(s.Search) && !strings.Contains(fold(r.Title()), fold(strings.TrimSpace(s.Search))) {
		return false
	}
	return true
}

// Apply returns a new slice holding the records of items that match spec, ordered by
// spec.Sort. The input slice is never modified.
func Apply[T Record](items []T, spec Spec) []T {
	out := make([]T, 0, len(items))
	for _, it := range items {
		if spec.Match(it) {
			out = append(out, it)
		}
	}
	if spec.Sort == SortScoreDesc {
		slices.SortStableFunc(out, compareScoreDesc[T])
	}
	return out
}

// compareScoreDesc orders higher scores first and unscored records last.
func compareScoreDesc[T Record](a, b T) int {
	sa, oka := a.Score()
	sb, okb := b.Score()
	switch {
	case oka && !okb:
		return -1
	case !oka && okb:
		return 1
	case !oka && !okb:
		return 0
	case sa > sb:
		return -1
	case sa < sb:
		return 1
	}
	return 0
}

// Query parameter names used by FromQuery and QueryParams.
const (
	ParamScoreMin = "score_min"
	ParamScoreMax = "score_max"
	ParamSearch   = "search"
	ParamSort     = "sort"
)

// FromQuery builds a Spec from URL query parameters. Unparseable score bounds are ignored.
func FromQuery(q url.Values) Spec {
	return Spec{
		ScoreMin: parseFloat(q.Get(ParamScoreMin)),
		ScoreMax: parseFloat(q.Get(ParamScoreMax)),
		Bucket:   q.Get(FieldBucket),
		Status:   q.Get(FieldStatus),
		Platform: q.Get(FieldPlatform),
		ItemType: q.Get(FieldItemType),
		Category: q.Get(FieldCategory),
		Tone:     q.Get(FieldTone),
		Search:   q.Get(ParamSearch),
		Sort:     ParseSortOrder(q.Get(ParamSort)),
	}
}

// QueryParams renders the constraints a backend list endpoint can evaluate itself
// (status, platform, item type, category, search). Score bounds, bucket and tone stay
// client-side.
func (s Spec) QueryParams() url.Values {
	v := url.Values{}
	for _, c := range s.categorical() {
		switch c[0] {
		case FieldStatus, FieldPlatform, FieldItemType, FieldCategory:
			v.Set(c[0], c[1])
		}
	}
	if present(s.Search) {
		v.Set(ParamSearch, strings.TrimSpace(s.Search))
	}
	return v
}

func parseFloat(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) {
		return nil
	}
	return &f
}

// Float is a convenience for building score bounds in literals.
func Float(f float64) *float64 { return &f }
