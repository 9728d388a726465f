package tui

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// snippetExt maps fence languages to file extensions.
var snippetExt = map[string]string{
	"go":         "go",
	"golang":     "go",
	"python":     "py",
	"py":         "py",
	"rust":       "rs",
	"javascript": "js",
	"js":         "js",
	"typescript": "ts",
	"ts":         "ts",
	"bash":       "sh",
	"sh":         "sh",
	"shell":      "sh",
	"json":       "json",
	"yaml":       "yaml",
	"yml":        "yaml",
	"sql":        "sql",
	"html":       "html",
	"css":        "css",
	"c":          "c",
	"cpp":        "cpp",
	"java":       "java",
	"ruby":       "rb",
	"toml":       "toml",
}

// ExtractCodeBlock returns the body and language of the first fenced
// code block in markdown.
func ExtractCodeBlock(markdown string) (code, lang string, found bool) {
	source := []byte(markdown)
	doc := goldmark.New().Parser().Parse(text.NewReader(source))

	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		block, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		var b strings.Builder
		segs := block.Lines()
		for i := 0; i < segs.Len(); i++ {
			seg := segs.At(i)
			b.Write(seg.Value(source))
		}
		code = b.String()
		lang = strings.ToLower(string(block.Language(source)))
		found = true
		return ast.WalkStop, nil
	})
	if err != nil {
		return "", "", false
	}
	return code, lang, found
}

// SaveSnippet writes code under dir with a timestamped name and returns
// the path.
func SaveSnippet(dir, code, lang string, now time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create snippet dir: %w", err)
	}
	ext, ok := snippetExt[lang]
	if !ok {
		ext = "txt"
	}
	name := fmt.Sprintf("snippet-%s.%s", now.Format("20060102-150405"), ext)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(code), 0o644); err != nil {
		return "", fmt.Errorf("write snippet: %w", err)
	}
	return path, nil
}
