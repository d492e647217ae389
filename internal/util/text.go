package util

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// FormattingMarker prefixes legacy in-game colour and style codes.
const FormattingMarker = '§'

// MaxGameChatRunes is the longest line the game accepts from a client.
const MaxGameChatRunes = 256

// StripFormatting removes §x formatting codes.
func StripFormatting(s string) string {
	if !strings.ContainsRune(s, FormattingMarker) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	skip := false
	for _, r := range s {
		if skip {
			skip = false
			continue
		}
		if r == FormattingMarker {
			skip = true
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// TruncateRunes cuts s to at most n runes, ending with an ellipsis when cut.
func TruncateRunes(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	rs := []rune(s)
	if n == 1 {
		return string(rs[:1])
	}
	return string(rs[:n-1]) + "…"
}

// HTMLToPlain projects formatted message HTML to plain text. Reply
// fallbacks (<mx-reply>) are dropped, line breaks and block ends become
// newlines and list items get a "- " bullet.
func HTMLToPlain(src string) string {
	z := html.NewTokenizer(strings.NewReader(src))
	var b strings.Builder
	depthReply := 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return collapseBlankLines(b.String())
		case html.TextToken:
			if depthReply == 0 {
				b.Write(z.Text())
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "mx-reply":
				if tt == html.StartTagToken {
					depthReply++
				}
				continue
			}
			if depthReply > 0 {
				continue
			}
			switch atom.Lookup(name) {
			case atom.Br:
				b.WriteByte('\n')
			case atom.Li:
				ensureNewline(&b)
				b.WriteString("- ")
			case atom.Img:
				if alt := attr(z, "alt"); alt != "" {
					b.WriteString(alt)
				}
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			if string(name) == "mx-reply" {
				if depthReply > 0 {
					depthReply--
				}
				continue
			}
			if depthReply > 0 {
				continue
			}
			switch atom.Lookup(name) {
			case atom.P, atom.Div, atom.Blockquote, atom.Pre, atom.Ul, atom.Ol,
				atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
				ensureNewline(&b)
			}
		}
	}
}

func attr(z *html.Tokenizer, key string) string {
	for {
		k, v, more := z.TagAttr()
		if string(k) == key {
			return string(v)
		}
		if !more {
			return ""
		}
	}
}

func ensureNewline(b *strings.Builder) {
	s := b.String()
	if s != "" && !strings.HasSuffix(s, "\n") {
		b.WriteByte('\n')
	}
}

func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		l = strings.TrimRight(l, " \t")
		if l == "" && (len(out) == 0 || out[len(out)-1] == "") {
			continue
		}
		out = append(out, l)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
