package extractor

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`(?:\+?1[\s.\-]?)?\(?\d{3}\)?[\s.\-]?\d{3}[\s.\-]?\d{4}(?:\s*(?:x|ext\.?)\s*\d+)?`)
)

// emailsIn collects addresses from mailto links, microdata and visible text.
func emailsIn(s *goquery.Selection) []string {
	var out []string
	s.Find(`a[href^="mailto:"]`).Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		addr := strings.TrimPrefix(href, "mailto:")
		if i := strings.IndexByte(addr, '?'); i >= 0 {
			addr = addr[:i]
		}
		if decoded, err := url.PathUnescape(addr); err == nil {
			addr = decoded
		}
		out = append(out, addr)
	})
	s.Find(`[itemprop="email"]`).Each(func(_ int, e *goquery.Selection) {
		out = append(out, emailPattern.FindAllString(e.Text(), -1)...)
	})
	out = append(out, emailPattern.FindAllString(s.Text(), -1)...)
	return out
}

// primaryEmail picks the address a person is identified by from the output
// of emailsIn, so mailto links win over microdata and visible text.
func primaryEmail(emails []string) string {
	for _, e := range emails {
		if e = strings.TrimSpace(e); e != "" {
			return e
		}
	}
	return ""
}

// phonesIn collects numbers from tel links, microdata and visible text.
func phonesIn(s *goquery.Selection) []string {
	var out []string
	s.Find(`a[href^="tel:"]`).Each(func(_ int, a *goquery.Selection) {
		if text := strings.TrimSpace(a.Text()); phonePattern.MatchString(text) {
			out = append(out, text)
			return
		}
		href, _ := a.Attr("href")
		out = append(out, strings.TrimPrefix(href, "tel:"))
	})
	s.Find(`[itemprop="telephone"]`).Each(func(_ int, e *goquery.Selection) {
		out = append(out, strings.TrimSpace(e.Text()))
	})
	if len(out) == 0 {
		out = append(out, phonePattern.FindAllString(s.Text(), -1)...)
	}
	return out
}

// profileLink returns the first link under s that is not a contact link,
// resolved against base.
func profileLink(s *goquery.Selection, base string) string {
	var link string
	s.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") ||
			strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "tel:") ||
			strings.HasPrefix(href, "javascript:") {
			return true
		}
		link = resolve(base, href)
		return false
	})
	return link
}

func resolve(base, href string) string {
	b, err := url.Parse(base)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return b.ResolveReference(ref).String()
}

// firstText returns the trimmed text of the first non-empty match among
// selectors, tried in order.
func firstText(s *goquery.Selection, selectors ...string) string {
	for _, sel := range selectors {
		var text string
		s.Find(sel).EachWithBreak(func(_ int, m *goquery.Selection) bool {
			text = collapse(m.Text())
			return text == ""
		})
		if text != "" {
			return text
		}
	}
	return ""
}

// headingBefore returns the text of the closest heading preceding s at its
// own level or at any ancestor level.
func headingBefore(s *goquery.Selection) string {
	const headings = "h1, h2, h3, h4, h5"
	for cur := s; cur.Length() > 0 && !cur.Is("body"); cur = cur.Parent() {
		if h := cur.PrevAllFiltered(headings).First(); h.Length() > 0 {
			return collapse(h.Text())
		}
	}
	return ""
}
