package canonical

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrInexactNumber reports a JSON number that RFC 8785 number formatting
// would change: it has more precision than an IEEE-754 double holds, or is
// out of range.
var ErrInexactNumber = errors.New("number is not exactly representable as an IEEE-754 double")

// CheckNumbers returns ErrInexactNumber for the first number in data whose
// value CanonicalizeJSON would alter. data must already be valid JSON.
func CheckNumbers(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("scan numbers: %w", err)
		}
		n, ok := tok.(json.Number)
		if !ok {
			continue
		}
		if !exactNumber(string(n)) {
			return fmt.Errorf("%s: %w", n, ErrInexactNumber)
		}
	}
}

// exactNumber reports whether lit denotes the same decimal value as the
// shortest round-trip formatting of the double it parses to.
func exactNumber(lit string) bool {
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return false
	}
	want, ok := decimalOf(lit)
	if !ok {
		return false
	}
	got, _ := decimalOf(strconv.FormatFloat(f, 'e', -1, 64))
	return want == got
}

// decimalOf normalizes a number literal to sign, significant digits and a
// power of ten, so 100, 1e2 and 1.00E+2 compare equal.
func decimalOf(lit string) (string, bool) {
	neg := strings.HasPrefix(lit, "-")
	lit = strings.TrimPrefix(lit, "-")

	exp := 0
	if i := strings.IndexAny(lit, "eE"); i >= 0 {
		e, err := strconv.Atoi(lit[i+1:])
		if err != nil {
			return "", false
		}
		exp, lit = e, lit[:i]
	}
	intPart, fracPart, _ := strings.Cut(lit, ".")
	digits := intPart + fracPart
	exp += len(intPart)

	trimmed := strings.TrimLeft(digits, "0")
	exp -= len(digits) - len(trimmed)
	digits = strings.TrimRight(trimmed, "0")
	if digits == "" {
		return "0", true
	}
	sign := ""
	if neg {
		sign = "-"
	}
	return fmt.Sprintf("%s0.%se%d", sign, digits, exp), true
}
