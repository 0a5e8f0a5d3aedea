// ABOUTME: Converts agent markdown output to Slack mrkdwn.
// ABOUTME: Walks the goldmark AST and re-emits Slack's formatting dialect.

package format

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Mrkdwn converts common markdown constructs to Slack's mrkdwn dialect:
// headings and strong emphasis become *bold*, emphasis becomes _italic_,
// links become <url|label>, and code blocks keep their fences. Unknown
// constructs fall back to their plain text content.
func Mrkdwn(src string) string {
	source := []byte(src)
	doc := goldmark.New().Parser().Parse(text.NewReader(source))

	var sb strings.Builder
	err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch node := n.(type) {
		case *ast.Heading:
			if entering {
				sb.WriteString("*")
			} else {
				sb.WriteString("*\n\n")
			}

		case *ast.Paragraph:
			if !entering {
				sb.WriteString("\n\n")
			}

		case *ast.Emphasis:
			marker := "_"
			if node.Level == 2 {
				marker = "*"
			}
			sb.WriteString(marker)

		case *ast.CodeSpan:
			sb.WriteString("`")

		case *ast.FencedCodeBlock:
			if entering {
				sb.WriteString("```\n")
				writeLines(&sb, source, node.Lines())
				sb.WriteString("```\n\n")
			}
			return ast.WalkSkipChildren, nil

		case *ast.CodeBlock:
			if entering {
				sb.WriteString("```\n")
				writeLines(&sb, source, node.Lines())
				sb.WriteString("```\n\n")
			}
			return ast.WalkSkipChildren, nil

		case *ast.Link:
			if entering {
				fmt.Fprintf(&sb, "<%s|", node.Destination)
			} else {
				sb.WriteString(">")
			}

		case *ast.AutoLink:
			if entering {
				fmt.Fprintf(&sb, "<%s>", node.URL(source))
			}
			return ast.WalkSkipChildren, nil

		case *ast.ListItem:
			if entering {
				if parent, ok := node.Parent().(*ast.List); ok && parent.IsOrdered() {
					sb.WriteString(fmt.Sprintf("%d. ", itemIndex(node)+parent.Start))
				} else {
					sb.WriteString("• ")
				}
			} else {
				sb.WriteString("\n")
			}

		case *ast.List:
			if !entering {
				sb.WriteString("\n")
			}

		case *ast.Blockquote:
			if entering {
				sb.WriteString("> ")
			}

		case *ast.ThematicBreak:
			if entering {
				sb.WriteString("---\n\n")
			}

		case *ast.Text:
			if entering {
				sb.WriteString(escape(string(node.Segment.Value(source))))
				if node.HardLineBreak() {
					sb.WriteString("\n")
				} else if node.SoftLineBreak() {
					sb.WriteString("\n")
				}
			}
		}
		return ast.WalkContinue, nil
	})
	if err != nil {
		// The walker never returns an error; fall back to raw text anyway.
		return src
	}

	return strings.TrimRight(sb.String(), "\n")
}

// writeLines emits raw source lines for code blocks, unescaped inside fences
// except for Slack's control characters.
func writeLines(sb *strings.Builder, source []byte, lines *text.Segments) {
	for i := range lines.Len() {
		seg := lines.At(i)
		sb.WriteString(escape(string(seg.Value(source))))
	}
}

// itemIndex returns the zero-based position of a list item among its siblings.
func itemIndex(item *ast.ListItem) int {
	idx := 0
	for sib := item.PreviousSibling(); sib != nil; sib = sib.PreviousSibling() {
		idx++
	}
	return idx
}

// escape applies Slack's required entity escaping.
func escape(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}
