// Package doctree models the rich-text document tree stored for page
// drafts and versions. The shape follows ProseMirror/Tiptap JSON: a
// typed node with optional attrs, child content, leaf text, and marks.
// Traversal is iterative with an explicit stack and a depth bound so
// adversarially nested content cannot exhaust the call stack.
package doctree

import (
	"encoding/json"
	"errors"
	"strings"
)

// MaxDepth bounds document-tree traversal.
const MaxDepth = 200

// ErrTooDeep indicates the document tree exceeds MaxDepth.
var ErrTooDeep = errors.New("document tree too deep")

type Node struct {
	Type    string         `json:"type,omitempty"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []Node         `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
}

type Mark struct {
	Type  string         `json:"type,omitempty"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// Parse decodes a raw document tree. A nil or empty payload yields an
// empty doc node.
func Parse(raw json.RawMessage) (Node, error) {
	if len(raw) == 0 {
		return Node{Type: "doc"}, nil
	}
	var root Node
	if err := json.Unmarshal(raw, &root); err != nil {
		return Node{}, err
	}
	return root, nil
}

// blockTypes are node types that end a line in the plain-text
// projection (paragraph/heading boundaries and friends).
var blockTypes = map[string]struct{}{
	"paragraph":  {},
	"heading":    {},
	"blockquote": {},
	"codeBlock":  {},
	"listItem":   {},
	"tableRow":   {},
}

type textFrame struct {
	node  *Node
	depth int
	close bool
}

// PlainText projects a document tree to plain text: leaf text nodes
// concatenated in order, with a newline after every block-level node.
func PlainText(root Node) (string, error) {
	var b strings.Builder
	stack := []textFrame{{node: &root, depth: 0}}
	for len(stack) > 0 {
		frame := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if frame.close {
			b.WriteString("\n")
			continue
		}
		if frame.depth > MaxDepth {
			return "", ErrTooDeep
		}

		node := frame.node
		switch node.Type {
		case "text":
			b.WriteString(node.Text)
		case "hardBreak":
			b.WriteString("\n")
		}
		if _, block := blockTypes[node.Type]; block {
			stack = append(stack, textFrame{close: true})
		}
		for i := len(node.Content) - 1; i >= 0; i-- {
			stack = append(stack, textFrame{node: &node.Content[i], depth: frame.depth + 1})
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// LinkTargets extracts the set of internal page ids a document links
// to, deduplicated, in first-seen order. Links may appear as Tiptap
// "link" nodes or as ProseMirror "link" marks on text nodes.
func LinkTargets(root Node) ([]string, error) {
	seen := make(map[string]struct{})
	var targets []string
	record := func(href string) {
		pageID := pageIDFromHref(href)
		if pageID == "" {
			return
		}
		if _, dup := seen[pageID]; dup {
			return
		}
		seen[pageID] = struct{}{}
		targets = append(targets, pageID)
	}

	type frame struct {
		node  *Node
		depth int
	}
	stack := []frame{{node: &root, depth: 0}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if f.depth > MaxDepth {
			return nil, ErrTooDeep
		}

		node := f.node
		if node.Type == "link" {
			record(attrString(node.Attrs, "href"))
		}
		for _, mark := range node.Marks {
			if mark.Type == "link" {
				record(attrString(mark.Attrs, "href"))
			}
		}
		for i := len(node.Content) - 1; i >= 0; i-- {
			stack = append(stack, frame{node: &node.Content[i], depth: f.depth + 1})
		}
	}
	return targets, nil
}

func attrString(attrs map[string]any, key string) string {
	if attrs == nil {
		return ""
	}
	value, _ := attrs[key].(string)
	return value
}

// pageIDFromHref resolves an href to an internal page id. Recognized
// forms: "/p/{page-id}" or "/p/{page-id}-{slug}", and a bare page id.
func pageIDFromHref(href string) string {
	if rest, ok := strings.CutPrefix(href, "/p/"); ok {
		if i := strings.IndexByte(rest, '-'); i >= 0 {
			rest = rest[:i]
		}
		if isPageID(rest) {
			return rest
		}
		return ""
	}
	if isPageID(href) {
		return href
	}
	return ""
}

func isPageID(s string) bool {
	rest, ok := strings.CutPrefix(s, "pg_")
	if !ok || len(rest) != 32 {
		return false
	}
	for _, r := range rest {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}
