package extract

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
)

var skipTags = map[string]bool{
	"script": true, "style": true, "nav": true, "header": true, "footer": true,
	"aside": true, "noscript": true, "iframe": true, "svg": true, "form": true,
}

// blockPrefix maps block elements to their markdown line prefix.
var blockPrefix = map[string]string{
	"h1": "# ", "h2": "## ", "h3": "### ", "h4": "#### ", "h5": "##### ", "h6": "###### ",
	"li": "- ", "blockquote": "> ",
	"p": "", "div": "", "section": "", "article": "", "main": "", "pre": "",
	"tr": "", "dt": "", "dd": "", "figcaption": "", "table": "",
}

type htmlRenderer struct {
	title string
	cur   strings.Builder
	text  strings.Builder
	md    strings.Builder
}

func fromHTML(r io.Reader) (Result, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return Result{}, fmt.Errorf("parsing html: %w", err)
	}

	var hr htmlRenderer
	hr.walk(doc)
	hr.flush("")

	return Result{
		Title:    hr.title,
		Text:     clip(strings.TrimSpace(hr.text.String())),
		Markdown: clip(strings.TrimSpace(hr.md.String())),
	}, nil
}

func (r *htmlRenderer) walk(n *html.Node) {
	switch n.Type {
	case html.TextNode:
		r.cur.WriteString(n.Data)
		return
	case html.ElementNode:
		if skipTags[n.Data] {
			return
		}
		switch n.Data {
		case "title":
			if r.title == "" {
				r.title = strings.Join(strings.Fields(nodeText(n)), " ")
			}
			return
		case "br":
			r.cur.WriteString(" ")
			return
		}
	}

	prefix, block := "", false
	if n.Type == html.ElementNode {
		prefix, block = blockPrefix[n.Data]
	}
	if block {
		r.flush("")
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		r.walk(c)
	}
	if block {
		r.flush(prefix)
	}
}

// flush ends the current block, writing it as one text line and one
// markdown paragraph.
func (r *htmlRenderer) flush(prefix string) {
	line := strings.Join(strings.Fields(r.cur.String()), " ")
	r.cur.Reset()
	if line == "" {
		return
	}
	r.text.WriteString(line)
	r.text.WriteString("\n")
	r.md.WriteString(prefix)
	r.md.WriteString(line)
	r.md.WriteString("\n\n")
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}
