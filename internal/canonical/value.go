package canonical

import (
	"slices"
	"unicode/utf16"
)

// Value is a sealed interface over the values the canonical encoder accepts.
// Only Null, String, Int, Bool, Array, Object and Raw implement it.
// There is no float type; numbers with fractions only appear inside Raw.
type Value interface {
	canonicalValue()
}

// Null is the JSON null literal.
type Null struct{}

func (Null) canonicalValue() {}

// String is a JSON string. It is NFC normalized on output.
type String string

func (String) canonicalValue() {}

// Int is a JSON integer.
type Int int64

func (Int) canonicalValue() {}

// Bool is a JSON boolean.
type Bool bool

func (Bool) canonicalValue() {}

// Array is an ordered list of values.
type Array []Value

func (Array) canonicalValue() {}

// Object is a set of members. Iterate with SortedKeys for canonical order.
type Object map[string]Value

func (Object) canonicalValue() {}

// Raw is JSON text that is already in canonical form. Obtain one through
// CanonicalizeJSON; constructing Raw from arbitrary bytes skips validation.
type Raw []byte

func (Raw) canonicalValue() {}

// OptionalString returns Null for the empty string and String otherwise.
func OptionalString(s string) Value {
	if s == "" {
		return Null{}
	}
	return String(s)
}

// StringMap converts a string map to an Object.
func StringMap(m map[string]string) Object {
	obj := make(Object, len(m))
	for k, v := range m {
		obj[k] = String(v)
	}
	return obj
}

// SortedKeys returns keys in RFC 8785 order (UTF-16 code units).
// Go's native string ordering compares UTF-8 bytes, which differs for
// characters outside the BMP.
func (obj Object) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, CompareKeys)
	return keys
}

// CompareKeys orders two member names by their UTF-16 code units.
func CompareKeys(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	n := min(len(a16), len(b16))
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}
