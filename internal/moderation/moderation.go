// Package moderation matches user text against a static deny-list.
package moderation

import (
	"bufio"
	_ "embed"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"unicode"
)

//go:embed denylist.txt
var defaultList string

// Filter holds a compiled deny-list. The zero value prohibits nothing.
type Filter struct {
	words   []*regexp.Regexp
	phrases []string
}

// Default returns the filter built from the embedded list.
func Default() *Filter {
	f, _ := Parse(strings.NewReader(defaultList))
	return f
}

// Load reads a deny-list from path. An empty path selects the embedded list.
func Load(path string) (*Filter, error) {
	if path == "" {
		return Default(), nil
	}
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("moderation: open %s: %w", path, err)
	}
	defer fh.Close()

	f, err := Parse(fh)
	if err != nil {
		return nil, fmt.Errorf("moderation: parse %s: %w", path, err)
	}
	return f, nil
}

// Parse builds a filter from a line-delimited list. Blank lines and lines
// starting with '#' are skipped.
func Parse(r io.Reader) (*Filter, error) {
	f := &Filter{}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		entry := strings.TrimSpace(sc.Text())
		if entry == "" || strings.HasPrefix(entry, "#") {
			continue
		}
		if isWord(entry) {
			re, err := regexp.Compile(`(?i)(?:^|` + nonWord + `)` + regexp.QuoteMeta(entry) + `(?:$|` + nonWord + `)`)
			if err != nil {
				return nil, err
			}
			f.words = append(f.words, re)
			continue
		}
		f.phrases = append(f.phrases, strings.ToLower(entry))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return f, nil
}

// IsProhibited reports whether text contains a deny-listed word or phrase.
func (f *Filter) IsProhibited(text string) bool {
	if f == nil || text == "" {
		return false
	}
	for _, re := range f.words {
		if re.MatchString(text) {
			return true
		}
	}
	lower := strings.ToLower(text)
	for _, p := range f.phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// Len returns the number of entries in the filter.
func (f *Filter) Len() int {
	if f == nil {
		return 0
	}
	return len(f.words) + len(f.phrases)
}

// Word characters are letters, combining marks, numbers and '_'. isWord and
// nonWord must agree so a decomposed accent never counts as a boundary.
const nonWord = `[^\p{L}\p{M}\p{N}_]`

func isWord(s string) bool {
	for _, r := range s {
		if r != '_' && !unicode.In(r, unicode.L, unicode.M, unicode.N) {
			return false
		}
	}
	return true
}
