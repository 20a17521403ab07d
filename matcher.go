package beancounter

import (
	"fmt"
	"math"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// CountKey is the reserved predicate key holding a count constraint.
const CountKey = "count"

// Attrs maps attribute names to expected values. Values are converted with MatcherFor.
type Attrs map[string]any

// String renders the predicate with keys sorted, e.g. {body: "X", count: 2}.
func (a Attrs) String() string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+MatcherFor(a[k]).String())
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Matcher decides whether a live attribute value is acceptable.
type Matcher interface {
	Accepts(live any) bool
	String() string
}

// Exact accepts values equal to Value. Numbers compare by value across integer
// and float types, byte slices compare as strings.
type Exact struct {
	Value any
}

// Range accepts numbers within [Min, Max].
type Range struct {
	Min, Max float64
}

// Pattern accepts values whose string form contains a match of Re.
type Pattern struct {
	Re *regexp.Regexp
}

// Predicate accepts values for which the function returns true.
type Predicate func(live any) bool

// Equal returns an Exact matcher.
func Equal(v any) Exact { return Exact{Value: v} }

// Between returns an inclusive Range matcher.
func Between(min, max float64) Range { return Range{Min: min, Max: max} }

// AtLeast returns a Range matcher without an upper bound.
func AtLeast(min float64) Range { return Range{Min: min, Max: math.Inf(1)} }

// Matching compiles expr into a Pattern matcher. It panics if expr is invalid.
func Matching(expr string) Pattern { return Pattern{Re: regexp.MustCompile(expr)} }

// MatcherFor converts an expected value into a Matcher: Matchers are returned as is,
// *regexp.Regexp becomes a Pattern, func(any) bool a Predicate and anything else Exact.
func MatcherFor(v any) Matcher {
	switch m := v.(type) {
	case Matcher:
		return m
	case *regexp.Regexp:
		return Pattern{Re: m}
	case func(any) bool:
		return Predicate(m)
	default:
		return Exact{Value: v}
	}
}

// Accepts implements Matcher.
func (m Exact) Accepts(live any) bool {
	want, got := normalizeValue(m.Value), normalizeValue(live)
	if wn, ok := toFloat(want); ok {
		if gn, ok := toFloat(got); ok {
			return compareNumbers(want, got, wn, gn) == 0
		}
		return false
	}
	return reflect.DeepEqual(want, got)
}

func (m Exact) String() string {
	switch v := normalizeValue(m.Value).(type) {
	case string:
		return strconv.Quote(v)
	case nil:
		return "nil"
	default:
		return fmt.Sprint(v)
	}
}

// Accepts implements Matcher.
func (m Range) Accepts(live any) bool {
	n, ok := toFloat(normalizeValue(live))
	if !ok {
		return false
	}
	return n >= m.Min && n <= m.Max
}

func (m Range) String() string {
	if math.IsInf(m.Max, 1) {
		return formatFloat(m.Min) + ".."
	}
	return formatFloat(m.Min) + ".." + formatFloat(m.Max)
}

// Accepts implements Matcher.
func (m Pattern) Accepts(live any) bool {
	if m.Re == nil {
		return false
	}
	switch v := normalizeValue(live).(type) {
	case string:
		return m.Re.MatchString(v)
	default:
		return m.Re.MatchString(fmt.Sprint(v))
	}
}

func (m Pattern) String() string {
	if m.Re == nil {
		return "//"
	}
	return "/" + m.Re.String() + "/"
}

// Accepts implements Matcher.
func (p Predicate) Accepts(live any) bool {
	return p != nil && p(live)
}

func (p Predicate) String() string {
	return "func"
}

// matchAttributes reports whether every catalogued key of attrs accepts the live
// value of candidate. Keys outside the catalog are ignored.
func matchAttributes[T any](c catalog[T], candidate T, attrs Attrs) bool {
	for key, expected := range attrs {
		get, ok := c.lookup(key)
		if !ok {
			continue
		}
		if !MatcherFor(expected).Accepts(get(candidate)) {
			return false
		}
	}
	return true
}

// normalizeValue folds named and sized kinds onto string, []byte->string,
// int64, uint64, float64 and bool.
func normalizeValue(v any) any {
	if v == nil {
		return nil
	}
	switch t := v.(type) {
	case string, int64, uint64, float64, bool:
		return t
	case []byte:
		return string(t)
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return rv.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return rv.Uint()
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.Bool:
		return rv.Bool()
	case reflect.Slice:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return string(rv.Bytes())
		}
	}
	return v
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// compareNumbers compares normalised numbers exactly when both are integers.
func compareNumbers(a, b any, af, bf float64) int {
	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return cmpOrdered(x, y)
		case uint64:
			if x < 0 {
				return -1
			}
			return cmpOrdered(uint64(x), y)
		}
	case uint64:
		switch y := b.(type) {
		case uint64:
			return cmpOrdered(x, y)
		case int64:
			if y < 0 {
				return 1
			}
			return cmpOrdered(x, uint64(y))
		}
	}
	return cmpOrdered(af, bf)
}

func cmpOrdered[T int64 | uint64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
