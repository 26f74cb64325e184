package core

import (
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

// NormalizeName cleans a freeform region name for display and storage.
func NormalizeName(name string) string {
	return CleanCell(norm.NFC.String(name))
}

// NameKey returns the matching key for a region name: NFKC-normalized,
// whitespace-collapsed and case-folded. Two names match exactly when their
// keys are equal; "Abeokuta South" and "ABEOKUTA  south" share a key,
// "Abeokuta South East" does not.
func NameKey(name string) string {
	return cases.Fold().String(CleanCell(norm.NFKC.String(name)))
}

// NormalizeCode uppercases and trims a jurisdiction or region code.
func NormalizeCode(code string) string {
	return cases.Upper(language.Und).String(CleanCell(code))
}
