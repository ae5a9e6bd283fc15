package fingerprint

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/zeebo/xxh3"
	"golang.org/x/net/html"

	vhttp "github.com/bl4ck0w1/patchlynx/internal/validation/http"
)

// Page is the parsed view of one HTTP response that the signature rules run
// against. Meta keys are lower-cased name or property attributes.
type Page struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Cookies    []string
	Metas      map[string][]string
	Scripts    []string
	Links      []string
	Body       string
	Hash       string
}

// NewPage tokenizes body and collects the signals rules look at.
func NewPage(url string, status int, headers http.Header, cookies []string, body string) *Page {
	if headers == nil {
		headers = http.Header{}
	}
	p := &Page{
		URL:        url,
		StatusCode: status,
		Headers:    headers,
		Metas:      make(map[string][]string),
		Body:       body,
		Hash:       fmt.Sprintf("%016x", xxh3.HashString(body)),
	}
	p.Cookies = append(p.Cookies, cookies...)
	// Set-Cookie is not parsed into Cookies for pages built by hand.
	for _, raw := range headers.Values("Set-Cookie") {
		if name, _, ok := strings.Cut(raw, "="); ok {
			p.Cookies = append(p.Cookies, strings.TrimSpace(name))
		}
	}
	p.tokenize()
	return p
}

func pageFromResponse(resp *vhttp.Response) *Page {
	names := make([]string, 0, len(resp.Cookies))
	for _, c := range resp.Cookies {
		names = append(names, c.Name)
	}
	headers := resp.Headers.Clone()
	headers.Del("Set-Cookie")
	return NewPage(resp.URL, resp.StatusCode, headers, names, resp.Body)
}

func (p *Page) tokenize() {
	z := html.NewTokenizer(strings.NewReader(p.Body))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if !hasAttr {
				continue
			}
			attrs := readAttrs(z)
			switch string(name) {
			case "meta":
				key := attrs["name"]
				if key == "" {
					key = attrs["property"]
				}
				if key == "" {
					key = attrs["http-equiv"]
				}
				if key != "" {
					key = strings.ToLower(key)
					p.Metas[key] = append(p.Metas[key], strings.TrimSpace(attrs["content"]))
				}
			case "script":
				if src := attrs["src"]; src != "" {
					p.Scripts = append(p.Scripts, src)
				}
			case "link":
				if href := attrs["href"]; href != "" {
					p.Links = append(p.Links, href)
				}
			}
		}
	}
}

func readAttrs(z *html.Tokenizer) map[string]string {
	attrs := make(map[string]string)
	for {
		key, val, more := z.TagAttr()
		attrs[strings.ToLower(string(key))] = string(val)
		if !more {
			return attrs
		}
	}
}

func (p *Page) HasCookie(name string) bool {
	for _, c := range p.Cookies {
		if strings.EqualFold(c, name) {
			return true
		}
	}
	return false
}
