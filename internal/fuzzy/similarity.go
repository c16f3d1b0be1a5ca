// Package fuzzy implements the character-trigram similarity the Skill
// Library uses for operation matching: symmetric, normalized to [0,1],
// and case-insensitive.
package fuzzy

import "strings"

// Similarity returns the Dice coefficient over case-insensitive
// character trigrams of a and b, normalized to [0,1]. It is symmetric
// by construction (the formula is symmetric in a and b) and returns 1.0
// for identical strings, 0.0 when either string has no trigrams and the
// other is non-empty.
func Similarity(a, b string) float64 {
	a = normalize(a)
	b = normalize(b)
	if a == b {
		return 1.0
	}

	trigramsA := trigramSet(a)
	trigramsB := trigramSet(b)
	if len(trigramsA) == 0 && len(trigramsB) == 0 {
		return 1.0
	}
	if len(trigramsA) == 0 || len(trigramsB) == 0 {
		return 0.0
	}

	shared := 0
	for tri, countA := range trigramsA {
		if countB, ok := trigramsB[tri]; ok {
			shared += min(countA, countB)
		}
	}

	total := 0
	for _, c := range trigramsA {
		total += c
	}
	for _, c := range trigramsB {
		total += c
	}

	return 2 * float64(shared) / float64(total)
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// trigramSet counts overlapping 3-grams of the padded string, so short
// strings and prefix/suffix differences still contribute signal.
func trigramSet(s string) map[string]int {
	padded := "  " + s + "  "
	runes := []rune(padded)
	set := make(map[string]int)
	for i := 0; i+3 <= len(runes); i++ {
		set[string(runes[i:i+3])]++
	}
	return set
}
