package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripFormatting(t *testing.T) {
	assert.Equal(t, "A Minecraft Server", StripFormatting("§aA §lMinecraft§r Server"))
	assert.Equal(t, "plain", StripFormatting("plain"))
	assert.Equal(t, "end", StripFormatting("end§"))
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "hello", TruncateRunes("hello", 5))
	assert.Equal(t, "hel…", TruncateRunes("hello", 4))
	assert.Equal(t, "가나…", TruncateRunes("가나다라", 3))
}

func TestHTMLToPlain(t *testing.T) {
	cases := map[string]string{
		"<b>hi</b> there":                            "hi there",
		"line one<br>line two":                       "line one\nline two",
		"<p>para</p><p>next</p>":                     "para\nnext",
		"<ul><li>a</li><li>b</li></ul>":              "- a\n- b",
		"<mx-reply><blockquote>old</blockquote></mx-reply>new": "new",
		"a &amp; b":                                  "a & b",
		`<img alt=":smile:" src="mxc://x/y">`:        ":smile:",
	}
	for in, want := range cases {
		assert.Equal(t, want, HTMLToPlain(in), in)
	}
}
