package tokenizer

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// ---------------------------------------------------------------------------
// Text cleaning
// ---------------------------------------------------------------------------

func (t *WordPiece) cleanText(text string) string {
	text = norm.NFC.String(text)

	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if r == 0 || r == utf8.RuneError {
			continue
		}
		if unicode.IsControl(r) && !unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(r)
	}
	text = b.String()

	if t.doLowerCase {
		text = strings.ToLower(text)
	}
	if t.stripAccents {
		text = stripAccents(text)
	}
	return text
}

func stripAccents(text string) string {
	decomposed := norm.NFD.String(text)
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if !unicode.Is(unicode.Mn, r) {
			b.WriteRune(r)
		}
	}
	return norm.NFC.String(b.String())
}

// ---------------------------------------------------------------------------
// Pre-tokenization
// ---------------------------------------------------------------------------

type span struct{ start, end int }

// smilesPatterns match SMILES fragments that must survive punctuation
// splitting as one word. They are case sensitive so upper-case protein
// chains never match.
var smilesPatterns = []*regexp.Regexp{
	// bracket atoms: [nH], [C@@H], [O-], [NH3+], [2H]
	regexp.MustCompile(`\[[^\[\]\s]{1,16}\]`),
	// two-digit ring closures: %10
	regexp.MustCompile(`%\d{2}`),
	// two-letter organic subset halogens
	regexp.MustCompile(`Cl|Br`),
}

func findSMILESSpans(text string) []span {
	var all []span
	for _, re := range smilesPatterns {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			all = append(all, span{loc[0], loc[1]})
		}
	}
	if len(all) == 0 {
		return nil
	}
	// Earliest start wins; on ties the longer match wins.
	sort.Slice(all, func(i, j int) bool {
		if all[i].start != all[j].start {
			return all[i].start < all[j].start
		}
		return all[i].end-all[i].start > all[j].end-all[j].start
	})
	selected := all[:0]
	lastEnd := 0
	for _, m := range all {
		if m.start >= lastEnd {
			selected = append(selected, m)
			lastEnd = m.end
		}
	}
	return selected
}

// pretokenize splits cleaned text into word spans: SMILES fragments first,
// then whitespace separated words with each punctuation rune on its own.
func pretokenize(text string) []span {
	chem := findSMILESSpans(text)
	var spans []span
	ci := 0
	pos := 0
	for pos < len(text) {
		if ci < len(chem) && pos == chem[ci].start {
			spans = append(spans, chem[ci])
			pos = chem[ci].end
			ci++
			continue
		}
		r, size := utf8.DecodeRuneInString(text[pos:])
		if unicode.IsSpace(r) {
			pos += size
			continue
		}
		if isPunctuation(r) {
			spans = append(spans, span{pos, pos + size})
			pos += size
			continue
		}
		start := pos
		for pos < len(text) {
			if ci < len(chem) && pos == chem[ci].start {
				break
			}
			r, size = utf8.DecodeRuneInString(text[pos:])
			if unicode.IsSpace(r) || isPunctuation(r) {
				break
			}
			pos += size
		}
		spans = append(spans, span{start, pos})
	}
	return spans
}

func isPunctuation(r rune) bool {
	if (r >= 33 && r <= 47) || (r >= 58 && r <= 64) ||
		(r >= 91 && r <= 96) || (r >= 123 && r <= 126) {
		return true
	}
	return unicode.IsPunct(r)
}
