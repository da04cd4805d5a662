package capture

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"github.com/rs/zerolog/log"
)

// Extracted is the readable article pulled from a page.
type Extracted struct {
	Title    string
	Byline   string
	Excerpt  string
	SiteName string
	Image    string
	Markdown string
	HTML     string
}

// Extract runs readability over the page, falling back to goquery-based
// extraction when readability finds nothing, then converts the article
// HTML to markdown.
func Extract(page *Page) (*Extracted, error) {
	pageURL, err := url.Parse(page.URL)
	if err != nil {
		return nil, fmt.Errorf("parse page URL: %w", err)
	}

	out := &Extracted{}
	article, err := readability.FromReader(strings.NewReader(page.Body), pageURL)
	if err == nil && strings.TrimSpace(article.TextContent) != "" {
		out.Title = strings.TrimSpace(article.Title)
		out.Byline = strings.TrimSpace(article.Byline)
		out.Excerpt = strings.TrimSpace(article.Excerpt)
		out.SiteName = article.SiteName
		out.Image = article.Image
		out.HTML = article.Content
	} else {
		if err != nil {
			log.Debug().Err(err).Str("url", page.URL).Msg("readability failed, using fallback extraction")
		}
		title, html, ferr := fallbackExtract(page.Body)
		if ferr != nil {
			return nil, ferr
		}
		out.Title = title
		out.HTML = html
	}

	if out.Title == "" {
		out.Title = page.URL
	}

	out.Markdown = ToMarkdown(out.HTML, baseURL(pageURL))
	if strings.TrimSpace(out.Markdown) == "" {
		return nil, fmt.Errorf("no readable content at %s", page.URL)
	}
	return out, nil
}

// fallbackExtract pulls a title and body HTML with goquery when
// readability can't parse the page.
func fallbackExtract(html string) (title, body string, err error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", "", fmt.Errorf("parse HTML: %w", err)
	}

	title = strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		if og, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok {
			title = strings.TrimSpace(og)
		}
	}
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}

	doc.Find("script, style, nav, header, footer, aside, noscript").Remove()

	sel := doc.Find("article").First()
	if sel.Length() == 0 {
		sel = doc.Find("main").First()
	}
	if sel.Length() == 0 {
		sel = doc.Find("body").First()
	}
	body, err = sel.Html()
	if err != nil {
		return "", "", fmt.Errorf("serialize content: %w", err)
	}
	return title, body, nil
}

var tagPattern = regexp.MustCompile(`<[^>]*>`)

// ToMarkdown converts article HTML to markdown. On converter failure the
// tags are stripped so capture still yields usable text.
func ToMarkdown(html, base string) string {
	converter := md.NewConverter(base, true, nil)
	out, err := converter.ConvertString(html)
	if err != nil || strings.TrimSpace(out) == "" {
		if err != nil {
			log.Warn().Err(err).Msg("markdown conversion failed, stripping tags")
		}
		return strings.TrimSpace(tagPattern.ReplaceAllString(html, " "))
	}
	return strings.TrimSpace(out)
}

func baseURL(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}
