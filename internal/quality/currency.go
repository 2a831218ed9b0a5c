package quality

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// symbolCodes maps currency symbols to their dominant ISO 4217 code
var symbolCodes = map[string]string{
	"$": "USD",
	"€": "EUR",
	"£": "GBP",
	"¥": "JPY",
	"₹": "INR",
	"₩": "KRW",
}

// isoCodes is the set of ISO 4217 codes the detector recognizes as a prefix
// or suffix token ("IQD 1,200.00", "1.200,00 EUR")
var isoCodes = map[string]bool{
	"USD": true, "EUR": true, "GBP": true, "JPY": true, "IQD": true,
	"AED": true, "SAR": true, "KWD": true, "INR": true, "CNY": true,
	"CAD": true, "AUD": true, "CHF": true, "TRY": true, "KRW": true,
}

// currencyValue matches one monetary amount with optional symbol/code marker
// and optional parenthesized or signed negatives.
var currencyValue = regexp.MustCompile(
	`^\(?\s*[-+]?\s*(?:(?P<presym>[$€£¥₹₩])|(?P<precode>[A-Z]{3})\s+)?[-+]?\d{1,3}(?:[,.\s]\d{3})*(?:[.,]\d+)?\s*(?:(?P<postsym>[$€£¥₹₩])|(?P<postcode>[A-Z]{3}))?\s*\)?$`)

// CurrencyDetector classifies columns holding monetary amounts. The column
// must carry an explicit currency marker on a meaningful share of values;
// bare numbers are left to the numeric detector.
type CurrencyDetector struct {
	// MinMarkerRatio is the share of matched values that must carry a
	// currency symbol or ISO code for the column to count as currency
	MinMarkerRatio float64
}

// NewCurrencyDetector returns a currency detector with default thresholds
func NewCurrencyDetector() *CurrencyDetector {
	return &CurrencyDetector{MinMarkerRatio: 0.3}
}

// Check implements Detector
func (d *CurrencyDetector) Check() CheckType { return CheckCurrency }

// Detect implements Detector
func (d *CurrencyDetector) Detect(ctx context.Context, col Column) Finding {
	values := nonBlank(col.Values)
	if len(values) == 0 {
		return notApplicable(CheckCurrency, col.Name)
	}

	var (
		matched       int
		markerCounts  = map[string]int{}
		parenNeg      int
		signNeg       int
		decimalComma  int
		decimalPoint  int
	)

	for _, raw := range values {
		v := strings.TrimSpace(raw)
		m := currencyValue.FindStringSubmatch(v)
		if m == nil {
			continue
		}
		code := extractCode(m)
		if code == "unknown" {
			// A three-letter token that is not a known ISO code; treat the
			// value as unmatched rather than inventing a currency.
			continue
		}
		matched++
		if code != "" {
			markerCounts[code]++
		}
		if strings.HasPrefix(v, "(") && strings.HasSuffix(v, ")") {
			parenNeg++
		}
		if strings.ContainsAny(v, "-") {
			signNeg++
		}
		switch decimalSeparator(v) {
		case ',':
			decimalComma++
		case '.':
			decimalPoint++
		}
	}

	matchRatio := ratio(matched, len(values))
	markerTotal := 0
	for _, n := range markerCounts {
		markerTotal += n
	}
	markerRatio := ratio(markerTotal, matched)

	if matchRatio < 0.5 || markerRatio < d.MinMarkerRatio {
		return notApplicable(CheckCurrency, col.Name)
	}

	dominant, mixed := dominantMarker(markerCounts, markerTotal)

	confidence := matchRatio * (0.6 + 0.4*markerRatio)
	var issues []Issue
	if mixed {
		confidence -= 0.2
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Code:     "mixed_currency",
			Message:  fmt.Sprintf("column mixes %d currencies, dominant is %s", len(markerCounts), dominant),
		})
	}
	if parenNeg > 0 && signNeg > 0 {
		confidence -= 0.05
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Code:     "inconsistent_negative_format",
			Message:  "column mixes parenthesized and signed negative amounts",
		})
	}
	if decimalComma > 0 && decimalPoint > 0 {
		confidence -= 0.05
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Code:     "inconsistent_decimal_separator",
			Message:  "column mixes comma and point decimal separators",
		})
	}
	if matchRatio < 0.95 {
		issues = append(issues, Issue{
			Severity: SeverityInfo,
			Code:     "unparsed_amounts",
			Message:  fmt.Sprintf("%.1f%% of values do not parse as amounts", (1-matchRatio)*100),
		})
	}
	if confidence < 0 {
		confidence = 0
	}

	return Finding{
		Check:      CheckCurrency,
		Column:     col.Name,
		Applicable: true,
		Detected:   dominant,
		Confidence: confidence,
		Issues:     issues,
		Suggestion: fmt.Sprintf("normalize amounts to ISO code %s with a point decimal separator", dominant),
		Details: map[string]any{
			"match_ratio":  matchRatio,
			"marker_ratio": markerRatio,
			"currencies":   sortedMarkers(markerCounts),
		},
	}
}

// extractCode returns the ISO code for the matched marker, "" when the value
// has no marker, or "unknown" for unrecognized three-letter tokens.
func extractCode(match []string) string {
	names := []string{"presym", "precode", "postsym", "postcode"}
	for i, name := range names {
		v := match[i+1]
		if v == "" {
			continue
		}
		if name == "presym" || name == "postsym" {
			return symbolCodes[v]
		}
		if isoCodes[v] {
			return v
		}
		return "unknown"
	}
	return ""
}

// decimalSeparator infers the decimal separator of one amount, or 0
func decimalSeparator(v string) byte {
	lastPoint := strings.LastIndexByte(v, '.')
	lastComma := strings.LastIndexByte(v, ',')
	if lastPoint < 0 && lastComma < 0 {
		return 0
	}
	// The later of the two separators is decimal if it is followed by a
	// short digit run (1-2 digits); three digits means grouping.
	pos, sep := lastPoint, byte('.')
	if lastComma > lastPoint {
		pos, sep = lastComma, ','
	}
	digits := 0
	for i := pos + 1; i < len(v) && v[i] >= '0' && v[i] <= '9'; i++ {
		digits++
	}
	if digits > 0 && digits != 3 {
		return sep
	}
	return 0
}

// dominantMarker returns the most frequent currency and whether the column
// mixes currencies (a second currency above 10% of marked values)
func dominantMarker(counts map[string]int, total int) (string, bool) {
	dominant, best := "", 0
	for code, n := range counts {
		if n > best {
			dominant, best = code, n
		}
	}
	mixed := false
	for code, n := range counts {
		if code != dominant && ratio(n, total) >= 0.1 {
			mixed = true
			break
		}
	}
	return dominant, mixed
}

func sortedMarkers(counts map[string]int) []string {
	out := make([]string, 0, len(counts))
	for code := range counts {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}
