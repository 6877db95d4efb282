package export

import (
	"fmt"
	"html"
	"strings"

	"leaflet/api/internal/doctree"
)

// RenderContentHTML converts a document tree to an HTML fragment.
func RenderContentHTML(root doctree.Node) string {
	return renderNode(root)
}

func renderNode(node doctree.Node) string {
	switch node.Type {
	case "doc":
		return renderContent(node.Content)
	case "paragraph":
		return fmt.Sprintf("<p>%s</p>\n", renderContent(node.Content))
	case "heading":
		level := 1
		if lvl, ok := node.Attrs["level"].(float64); ok && lvl >= 1 && lvl <= 6 {
			level = int(lvl)
		}
		return fmt.Sprintf("<h%d>%s</h%d>\n", level, renderContent(node.Content), level)
	case "bulletList":
		return fmt.Sprintf("<ul>\n%s</ul>\n", renderContent(node.Content))
	case "orderedList":
		return fmt.Sprintf("<ol>\n%s</ol>\n", renderContent(node.Content))
	case "listItem":
		return fmt.Sprintf("<li>%s</li>\n", renderContent(node.Content))
	case "blockquote":
		return fmt.Sprintf("<blockquote>\n%s</blockquote>\n", renderContent(node.Content))
	case "codeBlock":
		return fmt.Sprintf("<pre><code>%s</code></pre>\n", html.EscapeString(plainContent(node.Content)))
	case "text":
		return renderTextWithMarks(node.Text, node.Marks)
	case "hardBreak":
		return "<br>"
	case "link":
		href, _ := node.Attrs["href"].(string)
		return fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(href), renderContent(node.Content))
	case "table":
		return fmt.Sprintf("<table>\n%s</table>\n", renderContent(node.Content))
	case "tableRow":
		return fmt.Sprintf("<tr>\n%s</tr>\n", renderContent(node.Content))
	case "tableCell":
		return fmt.Sprintf("<td>%s</td>\n", renderContent(node.Content))
	case "tableHeader":
		return fmt.Sprintf("<th>%s</th>\n", renderContent(node.Content))
	case "horizontalRule":
		return "<hr>\n"
	default:
		return renderContent(node.Content)
	}
}

func renderContent(content []doctree.Node) string {
	var b strings.Builder
	for _, child := range content {
		b.WriteString(renderNode(child))
	}
	return b.String()
}

// plainContent flattens leaf text without markup, for code blocks.
func plainContent(content []doctree.Node) string {
	var b strings.Builder
	for _, child := range content {
		if child.Type == "text" {
			b.WriteString(child.Text)
			continue
		}
		b.WriteString(plainContent(child.Content))
	}
	return b.String()
}

func renderTextWithMarks(text string, marks []doctree.Mark) string {
	if text == "" {
		return ""
	}

	htmlText := html.EscapeString(text)

	// Apply marks from outside in
	for i := len(marks) - 1; i >= 0; i-- {
		switch marks[i].Type {
		case "bold":
			htmlText = fmt.Sprintf("<strong>%s</strong>", htmlText)
		case "italic":
			htmlText = fmt.Sprintf("<em>%s</em>", htmlText)
		case "code":
			htmlText = fmt.Sprintf("<code>%s</code>", htmlText)
		case "link":
			href, _ := marks[i].Attrs["href"].(string)
			htmlText = fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(href), htmlText)
		case "strike":
			htmlText = fmt.Sprintf("<s>%s</s>", htmlText)
		case "underline":
			htmlText = fmt.Sprintf("<u>%s</u>", htmlText)
		}
	}

	return htmlText
}
