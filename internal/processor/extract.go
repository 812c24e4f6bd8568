package processor

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
)

// MaxUploadSize caps uploaded file bytes.
const MaxUploadSize = 10 << 20

var (
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrFileTooLarge    = errors.New("file exceeds maximum size")
	ErrNoExtractor     = errors.New("no extractor configured for file type")
)

// textExtensions decode directly as UTF-8.
var textExtensions = map[string]bool{
	".txt": true,
	".md":  true,
	".csv": true,
}

// binaryExtensions require a registered FileExtractor.
var binaryExtensions = map[string]bool{
	".pdf":  true,
	".docx": true,
}

// FileExtractor converts raw file bytes into plain text.
type FileExtractor func(content []byte) (string, error)

// UploadExtractor extracts text from uploaded files by extension. Plain
// text formats decode directly; binary formats go through registered
// extractors so deployments can plug in their converters.
type UploadExtractor struct {
	byExt map[string]FileExtractor
}

// NewUploadExtractor creates an extractor with no binary converters
// registered.
func NewUploadExtractor() *UploadExtractor {
	return &UploadExtractor{byExt: make(map[string]FileExtractor)}
}

// Register installs a converter for a binary extension such as ".pdf".
func (e *UploadExtractor) Register(ext string, fn FileExtractor) {
	e.byExt[strings.ToLower(ext)] = fn
}

// Allowed reports whether the filename's extension is accepted for upload.
func (e *UploadExtractor) Allowed(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	return textExtensions[ext] || binaryExtensions[ext]
}

// Extract returns the plain text of an uploaded file.
func (e *UploadExtractor) Extract(filename string, content []byte) (string, error) {
	if len(content) > MaxUploadSize {
		return "", ErrFileTooLarge
	}
	ext := strings.ToLower(filepath.Ext(filename))
	switch {
	case textExtensions[ext]:
		return string(content), nil
	case binaryExtensions[ext]:
		fn, ok := e.byExt[ext]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrNoExtractor, ext)
		}
		return fn(content)
	}
	return "", fmt.Errorf("%w: %s", ErrUnsupportedType, ext)
}

var skipTags = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"svg":      true,
	"head":     true,
}

var blockTags = map[string]bool{
	"p": true, "div": true, "section": true, "article": true,
	"header": true, "footer": true, "nav": true, "main": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"li": true, "tr": true, "br": true, "hr": true,
	"blockquote": true, "pre": true, "table": true,
	"ul": true, "ol": true, "dl": true, "dt": true, "dd": true,
	"figure": true, "figcaption": true, "aside": true,
}

// HTMLToText strips tags from HTML, dropping script/style/head subtrees
// and inserting newlines at block boundaries, then normalizes whitespace.
func HTMLToText(raw string) string {
	z := html.NewTokenizer(strings.NewReader(raw))
	var b strings.Builder
	skipDepth := 0

	for {
		switch z.Next() {
		case html.ErrorToken:
			// io.EOF or malformed input; keep whatever was collected.
			return Normalize(b.String())
		case html.StartTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if skipTags[tag] {
				skipDepth++
			} else if blockTags[tag] && skipDepth == 0 {
				b.WriteByte('\n')
			}
		case html.SelfClosingTagToken:
			name, _ := z.TagName()
			if blockTags[string(name)] && skipDepth == 0 {
				b.WriteByte('\n')
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if skipTags[tag] {
				if skipDepth > 0 {
					skipDepth--
				}
			} else if blockTags[tag] && skipDepth == 0 {
				b.WriteByte('\n')
			}
		case html.TextToken:
			if skipDepth == 0 {
				b.Write(z.Text())
			}
		}
	}
}

// ExtractArticle returns the readable title and text of a fetched page.
// Readability extraction is tried first; pages it cannot parse fall back
// to a plain tag strip with an empty title.
func ExtractArticle(rawHTML, pageURL string) (title, text string) {
	if parsed, err := url.Parse(pageURL); err == nil {
		article, rerr := readability.FromReader(strings.NewReader(rawHTML), parsed)
		if rerr == nil && strings.TrimSpace(article.TextContent) != "" {
			return article.Title, Normalize(article.TextContent)
		}
	}
	return "", HTMLToText(rawHTML)
}
