package process

import (
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
)

// Codec converts between UTF-8 and the locale's charset.
type Codec struct {
	charset string
	enc     encoding.Encoding
}

// LocaleCodec returns the codec for the current process environment.
func LocaleCodec() *Codec {
	return NewCodec(localeCharset(os.Getenv))
}

// NewCodec returns a codec for a charset name such as "ISO-8859-1".
// Unknown names, and "C"/"POSIX" locales, fall back to UTF-8.
func NewCodec(charset string) *Codec {
	c := &Codec{charset: "utf-8"}
	if charset == "" {
		return c
	}
	enc, err := htmlindex.Get(charset)
	if err != nil || enc == unicode.UTF8 {
		return c
	}
	name, err := htmlindex.Name(enc)
	if err != nil || name == "utf-8" {
		return c
	}
	c.charset, c.enc = name, enc
	return c
}

// Charset is the canonical name of the codec's charset.
func (c *Codec) Charset() string {
	return c.charset
}

// Decode returns b as UTF-8. Valid UTF-8 passes through; anything else is
// decoded with the locale charset, replacing what cannot be mapped.
func (c *Codec) Decode(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	if c.enc != nil {
		if out, err := c.enc.NewDecoder().Bytes(b); err == nil {
			return strings.ToValidUTF8(string(out), "�")
		}
	}
	return strings.ToValidUTF8(string(b), "�")
}

// Encode converts s to the locale charset, substituting unsupported runes.
func (c *Codec) Encode(s string) string {
	if c.enc == nil {
		return s
	}
	out, err := encoding.ReplaceUnsupported(c.enc.NewEncoder()).String(s)
	if err != nil {
		return s
	}
	return out
}

// localeCharset extracts the codeset of the effective LC_CTYPE, e.g.
// "ISO-8859-15" from "de_DE.ISO-8859-15@euro".
func localeCharset(getenv func(string) string) string {
	var locale string
	for _, key := range []string{"LC_ALL", "LC_CTYPE", "LANG"} {
		if locale = getenv(key); locale != "" {
			break
		}
	}
	if locale == "" || locale == "C" || locale == "POSIX" {
		return ""
	}
	if i := strings.IndexByte(locale, '@'); i >= 0 {
		locale = locale[:i]
	}
	i := strings.IndexByte(locale, '.')
	if i < 0 {
		return ""
	}
	return locale[i+1:]
}
