// Package epub turns an EPUB archive into an ordered list of chapters.
package epub

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/abadojack/whatlanggo"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/text/language"

	"github.com/MimeLyc/storyreel/internal/apperr"
	"github.com/MimeLyc/storyreel/internal/textsplit"
	"github.com/MimeLyc/storyreel/pkg/log"
)

// languageSample bounds how much text language detection looks at.
const languageSample = 4096

// ExtractFile validates the extension of path and extracts its chapters.
func ExtractFile(filePath string) ([]Chapter, error) {
	if !IsEPUBName(filePath) {
		return nil, apperr.New(apperr.ErrValidation, "please upload a valid EPUB file").
			WithContext("path", filePath)
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrValidation, "cannot read EPUB file").
			WithContext("path", filePath)
	}
	return Extract(data)
}

// IsEPUBName reports whether name carries the .epub extension.
func IsEPUBName(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".epub")
}

// Extract parses an EPUB archive. Spine entries that cannot be read are
// skipped; extraction fails only when the container or package descriptor is
// unusable or no chapter has text.
func Extract(data []byte) ([]Chapter, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrParse, ReasonInvalidArchive)
	}

	files := make(map[string]*zip.File, len(zr.File))
	var descriptor *zip.File
	for _, f := range zr.File {
		files[f.Name] = f
		if descriptor == nil && strings.HasSuffix(strings.ToLower(f.Name), ".opf") {
			descriptor = f
		}
	}
	if descriptor == nil {
		return nil, apperr.New(apperr.ErrParse, ReasonNoDescriptor)
	}

	pkg, err := readPackage(descriptor)
	if err != nil {
		return nil, err
	}

	hrefs := make(map[string]string, len(pkg.Manifest.Items))
	for _, item := range pkg.Manifest.Items {
		hrefs[item.ID] = item.Href
	}

	baseDir := path.Dir(descriptor.Name)
	chapters := make([]Chapter, 0, len(pkg.Spine.ItemRefs))
	for i, ref := range pkg.Spine.ItemRefs {
		href, ok := hrefs[ref.IDRef]
		if !ok || href == "" {
			log.Warn("Skipping spine entry %d: idref %q not in manifest", i, ref.IDRef)
			continue
		}
		name := resolveHref(baseDir, href)
		f, ok := files[name]
		if !ok {
			log.Warn("Skipping spine entry %d: %s missing from archive", i, name)
			continue
		}

		title, text, err := readContentDocument(f)
		if err != nil {
			log.Warn("Skipping spine entry %d (%s): %v", i, name, err)
			continue
		}
		if text == "" {
			continue
		}
		if title == "" {
			title = fmt.Sprintf("Chapter %d", len(chapters)+1)
		}

		chapters = append(chapters, Chapter{
			ID:             len(chapters),
			Title:          title,
			Text:           text,
			CharacterCount: utf8.RuneCountInString(text),
			Language:       detectLanguage(text),
		})
	}

	if len(chapters) == 0 {
		return nil, apperr.New(apperr.ErrParse, ReasonNoChapters)
	}
	return chapters, nil
}

func readPackage(f *zip.File) (*packageDocument, error) {
	raw, err := readZipFile(f)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.ErrParse, ReasonNoDescriptor).
			WithContext("descriptor", f.Name)
	}

	var pkg packageDocument
	if err := xml.Unmarshal(raw, &pkg); err != nil {
		return nil, apperr.Wrap(err, apperr.ErrParse, ReasonMalformedPackage).
			WithContext("descriptor", f.Name)
	}
	if pkg.Manifest == nil || pkg.Spine == nil {
		return nil, apperr.New(apperr.ErrParse, ReasonMalformedPackage).
			WithContext("descriptor", f.Name)
	}
	return &pkg, nil
}

// resolveHref maps a manifest href to an archive entry name.
func resolveHref(baseDir, href string) string {
	if i := strings.IndexByte(href, '#'); i >= 0 {
		href = href[:i]
	}
	if unescaped, err := url.PathUnescape(href); err == nil {
		href = unescaped
	}
	if baseDir == "." || baseDir == "" {
		return path.Clean(href)
	}
	return path.Join(baseDir, href)
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func readContentDocument(f *zip.File) (title string, text string, err error) {
	raw, err := readZipFile(f)
	if err != nil {
		return "", "", fmt.Errorf("read content document: %w", err)
	}
	doc, err := html.Parse(bytes.NewReader(raw))
	if err != nil {
		return "", "", fmt.Errorf("parse content document: %w", err)
	}

	title = textsplit.Normalize(textOf(findFirst(doc, atom.Title)))
	if title == "" {
		title = textsplit.Normalize(textOf(findFirst(doc, atom.H1, atom.H2)))
	}
	text = textsplit.Normalize(textOf(findFirst(doc, atom.Body)))
	return title, text, nil
}

// findFirst returns the first element in document order matching any of atoms.
func findFirst(n *html.Node, atoms ...atom.Atom) *html.Node {
	if n == nil {
		return nil
	}
	if n.Type == html.ElementNode {
		for _, a := range atoms {
			if n.DataAtom == a {
				return n
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, atoms...); found != nil {
			return found
		}
	}
	return nil
}

func textOf(n *html.Node) string {
	if n == nil {
		return ""
	}
	var sb strings.Builder
	collectText(n, &sb)
	return sb.String()
}

func collectText(n *html.Node, sb *strings.Builder) {
	switch n.Type {
	case html.TextNode:
		sb.WriteString(n.Data)
		return
	case html.ElementNode:
		switch n.DataAtom {
		case atom.Script, atom.Style:
			return
		}
	}
	block := n.Type == html.ElementNode && isBlock(n.DataAtom)
	if block {
		sb.WriteByte(' ')
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, sb)
	}
	if block {
		sb.WriteByte(' ')
	}
}

// isBlock reports elements whose boundaries separate words.
func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Br, atom.Li, atom.Tr, atom.Td, atom.Th,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Blockquote, atom.Section, atom.Article, atom.Pre, atom.Hr:
		return true
	}
	return false
}

func detectLanguage(text string) language.Tag {
	sample := text
	if len(sample) > languageSample {
		sample = sample[:languageSample]
		for !utf8.ValidString(sample) && len(sample) > 0 {
			sample = sample[:len(sample)-1]
		}
	}
	code := whatlanggo.DetectLang(sample).Iso6391()
	if code == "" {
		return language.Und
	}
	tag, err := language.Parse(code)
	if err != nil {
		return language.Und
	}
	return tag
}
