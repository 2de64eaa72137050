package render

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"golang.org/x/net/html"

	"github.com/mmcdole/shelvd/internal/domain"
)

const containerPath = "META-INF/container.xml"

type epubContainer struct {
	Rootfiles []struct {
		FullPath string `xml:"full-path,attr"`
	} `xml:"rootfiles>rootfile"`
}

type epubPackage struct {
	Title    string `xml:"metadata>title"`
	Manifest []struct {
		ID        string `xml:"id,attr"`
		Href      string `xml:"href,attr"`
		MediaType string `xml:"media-type,attr"`
	} `xml:"manifest>item"`
	Spine []struct {
		IDRef string `xml:"idref,attr"`
	} `xml:"spine>itemref"`
}

// ParseEPUB extracts the spine text of an EPUB, one chapter per spine item
func ParseEPUB(data []byte) (*Document, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open epub: %w", err)
	}
	files := make(map[string]*zip.File, len(zr.File))
	for _, f := range zr.File {
		files[f.Name] = f
	}

	var container epubContainer
	if err := decodeXML(files, containerPath, &container); err != nil {
		return nil, err
	}
	if len(container.Rootfiles) == 0 {
		return nil, fmt.Errorf("epub: no rootfile in %s", containerPath)
	}
	opfPath := container.Rootfiles[0].FullPath

	var pkg epubPackage
	if err := decodeXML(files, opfPath, &pkg); err != nil {
		return nil, err
	}

	hrefs := make(map[string]string, len(pkg.Manifest))
	for _, item := range pkg.Manifest {
		hrefs[item.ID] = item.Href
	}

	doc := &Document{Format: domain.FormatEPUB, Title: strings.TrimSpace(pkg.Title)}
	var b strings.Builder
	base := path.Dir(opfPath)
	for i, ref := range pkg.Spine {
		href, ok := hrefs[ref.IDRef]
		if !ok {
			continue
		}
		if unescaped, err := url.PathUnescape(href); err == nil {
			href = unescaped
		}
		name := path.Join(base, href)
		f, ok := files[name]
		if !ok {
			continue
		}

		title, text, err := extractChapter(f)
		if err != nil {
			return nil, fmt.Errorf("epub %s: %w", name, err)
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		if title == "" {
			title = fmt.Sprintf("Chapter %d", i+1)
		}
		doc.Chapters = append(doc.Chapters, Chapter{Title: title, Offset: b.Len()})
		b.WriteString(text)
		b.WriteString("\n\n")
	}

	if len(doc.Chapters) == 0 {
		return nil, fmt.Errorf("epub: spine has no readable content")
	}
	doc.Text = b.String()
	return doc, nil
}

func decodeXML(files map[string]*zip.File, name string, v any) error {
	f, ok := files[name]
	if !ok {
		return fmt.Errorf("epub: missing %s", name)
	}
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("epub: open %s: %w", name, err)
	}
	defer rc.Close()
	if err := xml.NewDecoder(rc).Decode(v); err != nil {
		return fmt.Errorf("epub: parse %s: %w", name, err)
	}
	return nil
}

var blockElements = map[string]bool{
	"p": true, "div": true, "br": true, "li": true, "tr": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"section": true, "article": true, "blockquote": true, "pre": true, "hr": true,
}

var skipElements = map[string]bool{"head": true, "script": true, "style": true}

// extractChapter returns the first heading (or <title>) and the visible text
// of an XHTML spine item
func extractChapter(f *zip.File) (title, text string, err error) {
	rc, err := f.Open()
	if err != nil {
		return "", "", err
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return "", "", err
	}
	root, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return "", "", err
	}

	var w textWriter
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if skipElements[n.Data] {
				return
			}
			if title == "" && (n.Data == "h1" || n.Data == "h2" || n.Data == "h3") {
				title = strings.Join(strings.Fields(nodeText(n)), " ")
			}
		}
		if n.Type == html.TextNode {
			w.text(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && blockElements[n.Data] {
			w.paragraph()
		}
	}
	walk(root)
	// <title> lives in <head>, which walk skips
	if title == "" {
		title = findTitle(root)
	}
	return title, strings.TrimSpace(w.String()), nil
}

func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.Data == "title" {
		return strings.TrimSpace(nodeText(n))
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}

func nodeText(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		b.WriteString(nodeText(c))
	}
	return b.String()
}

// textWriter collapses whitespace and keeps at most one blank line between
// paragraphs
type textWriter struct {
	b        strings.Builder
	newlines int
	space    bool
}

func (w *textWriter) text(s string) {
	words := strings.Fields(s)
	if len(words) == 0 {
		if s != "" && w.b.Len() > 0 && w.newlines == 0 {
			w.space = true
		}
		return
	}
	if first := s[0]; first == ' ' || first == '\n' || first == '\t' {
		w.space = true
	}
	if w.space && w.newlines == 0 && w.b.Len() > 0 {
		w.b.WriteByte(' ')
	}
	w.b.WriteString(strings.Join(words, " "))
	w.newlines = 0
	last := s[len(s)-1]
	w.space = last == ' ' || last == '\n' || last == '\t'
}

func (w *textWriter) paragraph() {
	if w.b.Len() == 0 {
		return
	}
	for w.newlines < 2 {
		w.b.WriteByte('\n')
		w.newlines++
	}
	w.space = false
}

func (w *textWriter) String() string { return w.b.String() }
