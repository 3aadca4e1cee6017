package matcher

// EditDistance returns the Levenshtein distance between a and b, counting
// single-rune insertions, deletions and substitutions at cost 1.
//
//	EditDistance("T:ssdsgbmmm", "T:ssdsgbmmmm") // 1
//	EditDistance("", "abc")                   // 3
func EditDistance(a, b string) int {
	return distance([]rune(a), []rune(b))
}

func distance(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	// keep the row as short as the shorter input
	if len(a) > len(b) {
		a, b = b, a
	}

	prev := make([]int, len(a)+1)
	curr := make([]int, len(a)+1)
	for i := range prev {
		prev[i] = i
	}

	for j := 1; j <= len(b); j++ {
		curr[0] = j
		for i := 1; i <= len(a); i++ {
			if a[i-1] == b[j-1] {
				curr[i] = prev[i-1]
			} else {
				curr[i] = 1 + min(prev[i-1], prev[i], curr[i-1])
			}
		}
		prev, curr = curr, prev
	}

	return prev[len(a)]
}

// Similarity returns 1 - EditDistance(a, b) / max(len(a), len(b)), in runes.
// Two empty strings are identical; one empty string shares nothing.
func Similarity(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	longest := max(len(ra), len(rb))
	if longest == 0 {
		return 1
	}
	if len(ra) == 0 || len(rb) == 0 {
		return 0
	}
	return 1 - float64(distance(ra, rb))/float64(longest)
}
