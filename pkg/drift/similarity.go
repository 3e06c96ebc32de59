package drift

import "strings"

// Similarity computes a normalized similarity ratio between two
// strings in [0, 1], equivalent to difflib's SequenceMatcher.ratio():
// twice the total length of matching blocks divided by the combined
// length. Matching blocks are found by recursive longest-common-
// substring splitting.
func Similarity(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	matched := matchingLength(a, b)
	return 2.0 * float64(matched) / float64(len(a)+len(b))
}

// FoldedSimilarity is Similarity over lower-cased inputs; field-name
// comparisons are case-insensitive.
func FoldedSimilarity(a, b string) float64 {
	return Similarity(strings.ToLower(a), strings.ToLower(b))
}

// matchingLength totals the lengths of all matching blocks between a
// and b: the longest common substring, then recursively the pieces to
// its left and right.
func matchingLength(a, b string) int {
	ai, bi, size := longestMatch(a, b)
	if size == 0 {
		return 0
	}
	total := size
	total += matchingLength(a[:ai], b[:bi])
	total += matchingLength(a[ai+size:], b[bi+size:])
	return total
}

// longestMatch finds the longest common substring of a and b,
// returning its start in each plus its length. Ties resolve to the
// earliest positions, matching difflib.
func longestMatch(a, b string) (int, int, int) {
	bestA, bestB, bestSize := 0, 0, 0
	// prev[j] is the match length ending at a[i-1], b[j-1]
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)

	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
				if cur[j] > bestSize {
					bestSize = cur[j]
					bestA = i - bestSize
					bestB = j - bestSize
				}
			} else {
				cur[j] = 0
			}
		}
		prev, cur = cur, prev
	}

	return bestA, bestB, bestSize
}
