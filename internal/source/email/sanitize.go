package email

import (
	"strings"
	"unicode/utf8"

	"github.com/k3a/html2text"
	"github.com/microcosm-cc/bluemonday"
)

// summarySnippetRunes caps the snippet on search results.
const summarySnippetRunes = 160

// htmlPolicy keeps the structure of an email body and drops anything
// that can execute or restyle the host page.
var htmlPolicy = newHTMLPolicy()

func newHTMLPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowElements("p", "br", "div", "span", "h1", "h2", "h3", "h4", "h5", "h6")
	p.AllowElements("strong", "em", "b", "i", "u", "s", "code", "pre", "blockquote", "hr")
	p.AllowElements("ul", "ol", "li")
	p.AllowElements("a", "img")
	p.AllowElements("table", "thead", "tbody", "tfoot", "tr", "th", "td", "caption")

	p.AllowAttrs("href", "title").OnElements("a")
	p.AllowAttrs("src", "alt", "title", "width", "height").OnElements("img")
	p.AllowAttrs("colspan", "rowspan", "align", "valign").OnElements("td", "th")

	p.RequireParseableURLs(true)
	p.AllowURLSchemes("http", "https", "mailto", "cid")
	p.RequireNoFollowOnLinks(true)
	return p
}

// SanitizeHTML removes scripts, styles, frames and event handlers from
// body while keeping paragraphs, tables, links and images.
func SanitizeHTML(body string) string {
	if body == "" {
		return ""
	}
	return htmlPolicy.Sanitize(body)
}

// snippet returns up to limit runes of readable text from a message,
// preferring the plain text body.
func snippet(textBody, htmlBody string, limit int) string {
	text := textBody
	if strings.TrimSpace(text) == "" && htmlBody != "" {
		text = html2text.HTML2Text(htmlBody)
	}
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	return strings.TrimSpace(string([]rune(text)[:limit]))
}
