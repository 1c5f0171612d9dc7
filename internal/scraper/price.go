package scraper

import (
	"regexp"
	"strconv"
	"strings"
)

// currencyMarkers is ordered so multi-character codes win over bare symbols.
var currencyMarkers = []struct {
	marker string
	code   string
}{
	{"chf", "CHF"},
	{"fr.", "CHF"},
	{"eur", "EUR"},
	{"€", "EUR"},
	{"usd", "USD"},
	{"$", "USD"},
	{"gbp", "GBP"},
	{"£", "GBP"},
}

var (
	pricePrefix = regexp.MustCompile(`^(ab|from|uvp|statt)\s+`)
	priceNumber = regexp.MustCompile(`\d[\d\s\x{00a0}.,']*`)
)

// ParsePrice extracts an amount and ISO currency from shop price text such
// as "1.299,00 €", "ab 139,60 €", "CHF 19.95" or "$1,299.00". Either return
// may be empty when the text does not contain it.
func ParsePrice(text string) (*float64, string) {
	s := strings.ToLower(strings.TrimSpace(text))
	if s == "" {
		return nil, ""
	}
	currency := ""
	for _, m := range currencyMarkers {
		if strings.Contains(s, m.marker) {
			currency = m.code
			s = strings.ReplaceAll(s, m.marker, "")
			break
		}
	}
	s = pricePrefix.ReplaceAllString(strings.TrimSpace(s), "")

	num := priceNumber.FindString(s)
	if num == "" {
		return nil, currency
	}
	num = strings.NewReplacer(" ", "", "\u00a0", "", "'", "").Replace(num)
	num = strings.TrimRight(num, ".,")
	num = normalizeSeparators(num)

	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return nil, currency
	}
	return &v, currency
}

// normalizeSeparators treats the last separator as the decimal point when
// both appear, and a lone separator as decimal only when followed by one or
// two digits.
func normalizeSeparators(num string) string {
	lastComma := strings.LastIndex(num, ",")
	lastDot := strings.LastIndex(num, ".")
	switch {
	case lastComma >= 0 && lastDot >= 0:
		if lastComma > lastDot {
			return strings.ReplaceAll(strings.ReplaceAll(num, ".", ""), ",", ".")
		}
		return strings.ReplaceAll(num, ",", "")
	case lastComma >= 0:
		if d := len(num) - lastComma - 1; d >= 1 && d <= 2 {
			return strings.ReplaceAll(strings.ReplaceAll(num, ".", ""), ",", ".")
		}
		return strings.ReplaceAll(num, ",", "")
	case lastDot >= 0:
		if d := len(num) - lastDot - 1; d >= 1 && d <= 2 {
			return num
		}
		return strings.ReplaceAll(num, ".", "")
	}
	return num
}
