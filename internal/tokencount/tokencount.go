// Package tokencount estimates token counts for streamed text deltas. The
// upstream reports authoritative usage totals; these estimates only fill the
// per-chunk token_count column.
package tokencount

import (
	"sync"
	"unicode"

	"github.com/pkoukk/tiktoken-go"
	"github.com/rs/zerolog/log"
)

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

func encoder() *tiktoken.Tiktoken {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			log.Warn().Err(err).Msg("tokenizer init failed, falling back to heuristic counts")
			return
		}
		enc = e
	})
	return enc
}

// Estimate returns an approximate token count for s.
func Estimate(s string) int {
	if s == "" {
		return 0
	}
	if e := encoder(); e != nil {
		return len(e.Encode(s, nil, nil))
	}
	return heuristic(s)
}

// heuristic approximates a token count as words plus standalone
// punctuation marks. Used when the encoder cannot load (offline builds
// without the BPE data).
func heuristic(s string) int {
	count := 0
	word := false
	endWord := func() {
		if word {
			count++
			word = false
		}
	}
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			endWord()
		case unicode.IsPunct(r):
			endWord()
			count++
		default:
			word = true
		}
	}
	endWord()
	return count
}
