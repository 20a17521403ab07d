package main

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/VsevolodSauta/beancounter"
)

// parseAttrs turns key=value arguments into a predicate.
// Values of the form lo..hi are inclusive ranges (either bound may be omitted),
// /expr/ are regular expressions, integers are numbers and anything else is a string.
// Text attributes such as body and tube only take strings and regular expressions.
func parseAttrs(args []string) (beancounter.Attrs, error) {
	attrs := beancounter.Attrs{}
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid attribute %q, expected key=value", arg)
		}
		v, err := parseValue(value, textAttributes[beancounter.NormalizeAttribute(key)])
		if err != nil {
			return nil, fmt.Errorf("invalid attribute %q: %w", arg, err)
		}
		attrs[key] = v
	}
	return attrs, nil
}

// textAttributes are the job and tube attributes whose live value is a string.
var textAttributes = map[string]bool{
	"body":       true,
	"connection": true,
	"name":       true,
	"state":      true,
	"tube":       true,
}

func parseValue(value string, text bool) (any, error) {
	if len(value) >= 2 && strings.HasPrefix(value, "/") && strings.HasSuffix(value, "/") {
		re, err := regexp.Compile(value[1 : len(value)-1])
		if err != nil {
			return nil, err
		}
		return re, nil
	}
	if text {
		return value, nil
	}
	if lo, hi, ok := strings.Cut(value, ".."); ok {
		min, max := math.Inf(-1), math.Inf(1)
		if lo != "" {
			n, err := strconv.ParseFloat(lo, 64)
			if err != nil {
				return nil, fmt.Errorf("bad range bound %q", lo)
			}
			min = n
		}
		if hi != "" {
			n, err := strconv.ParseFloat(hi, 64)
			if err != nil {
				return nil, fmt.Errorf("bad range bound %q", hi)
			}
			max = n
		}
		return beancounter.Between(min, max), nil
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return n, nil
	}
	return value, nil
}
