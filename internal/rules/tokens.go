package rules

import (
	"regexp"
	"sort"
)

var wordRe = regexp.MustCompile(`[\p{L}\p{N}_]+`)

// tokenIndex holds the [start,end) byte ranges of word tokens, in order.
type tokenIndex [][]int

func tokenize(text string) tokenIndex {
	return wordRe.FindAllStringIndex(text, -1)
}

// countBetween returns how many tokens lie entirely inside [from, to).
func (t tokenIndex) countBetween(from, to int) int {
	if to <= from {
		return 0
	}
	first := sort.Search(len(t), func(i int) bool { return t[i][0] >= from })
	n := 0
	for i := first; i < len(t) && t[i][1] <= to; i++ {
		n++
	}
	return n
}
