package httpds

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

// ExcerptLimit bounds FetchError.Excerpt in bytes.
const ExcerptLimit = 512

// looksLikeHTML reports whether body is an HTML page rather than data. The
// Census gateway answers bad keys and outages with HTML under status 200.
func looksLikeHTML(contentType string, body []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "text/html") {
		return true
	}
	return bytes.HasPrefix(bytes.TrimSpace(body), []byte("<"))
}

// excerpt returns a short, single-line diagnostic for body. HTML is reduced
// to its <title> and visible text; anything else is used as-is.
func excerpt(contentType string, body []byte) string {
	var s string
	if looksLikeHTML(contentType, body) {
		s = htmlText(body)
	}
	if s == "" {
		s = string(body)
	}
	return truncate(collapseSpace(s), ExcerptLimit)
}

func htmlText(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	doc.Find("script, style, noscript").Remove()

	title := strings.TrimSpace(doc.Find("title").First().Text())
	doc.Find("head").Remove()
	text := strings.TrimSpace(doc.Find("body").Text())
	if text == "" {
		text = strings.TrimSpace(doc.Text())
	}

	switch {
	case title != "" && text != "" && !strings.HasPrefix(collapseSpace(text), collapseSpace(title)):
		return title + " | " + text
	case title != "" && text == "":
		return title
	default:
		return text
	}
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
