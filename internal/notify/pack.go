package notify

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxMessageLen is the size ceiling of one outbound message, in characters.
const MaxMessageLen = 3500

// Pack groups alerts by category and packs each group into messages of at
// most limit characters. A group that does not fit continues in the next
// message under a "(cont.)" header; a single oversize line is split. Nothing
// is truncated.
func Pack(alerts []Alert, limit int) []string {
	if limit <= 0 {
		limit = MaxMessageLen
	}
	byCat := make(map[Category][]string)
	for _, a := range alerts {
		byCat[a.Category] = append(byCat[a.Category], a.Text)
	}

	var out []string
	for _, cat := range Categories {
		lines := byCat[cat]
		if len(lines) == 0 {
			continue
		}
		out = append(out, packGroup(cat, lines, limit)...)
	}
	return out
}

func packGroup(cat Category, lines []string, limit int) []string {
	header := fmt.Sprintf("%s (%d)", cat.title(), len(lines))
	cont := cat.title() + " (cont.)"

	var (
		out   []string
		buf   strings.Builder
		n     int
		items int
	)
	start := func(h string) {
		buf.Reset()
		buf.WriteString(h)
		n = utf8.RuneCountInString(h)
		items = 0
	}
	flush := func() {
		out = append(out, buf.String())
	}

	start(header)
	for _, line := range lines {
		for _, chunk := range splitRunes("• "+line, limit-utf8.RuneCountInString(cont)-1) {
			size := utf8.RuneCountInString(chunk)
			if items > 0 && n+1+size > limit {
				flush()
				start(cont)
			}
			buf.WriteByte('\n')
			buf.WriteString(chunk)
			n += 1 + size
			items++
		}
	}
	flush()
	return out
}

// splitRunes cuts s into pieces of at most size runes.
func splitRunes(s string, size int) []string {
	if size < 1 {
		size = 1
	}
	if utf8.RuneCountInString(s) <= size {
		return []string{s}
	}
	var out []string
	runes := []rune(s)
	for len(runes) > size {
		out = append(out, string(runes[:size]))
		runes = runes[size:]
	}
	if len(runes) > 0 {
		out = append(out, string(runes))
	}
	return out
}
