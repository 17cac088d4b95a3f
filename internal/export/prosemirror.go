package export

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"
)

// Node is one node of a Tiptap (ProseMirror) document tree.
type Node struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []Node         `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
}

type Mark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// ParseDocument decodes stored editor JSON. Empty input is an empty doc.
func ParseDocument(raw []byte) (*Node, error) {
	doc := &Node{Type: "doc"}
	if len(strings.TrimSpace(string(raw))) == 0 || string(raw) == "null" {
		return doc, nil
	}
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	return doc, nil
}

func (n Node) attrString(key string) string {
	v, _ := n.Attrs[key].(string)
	return v
}

func (n Node) attrInt(key string, fallback int) int {
	switch v := n.Attrs[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}

func (n Node) attrBool(key string) bool {
	v, _ := n.Attrs[key].(bool)
	return v
}

// plainText concatenates every text leaf below n.
func (n Node) plainText() string {
	if n.Type == "text" {
		return n.Text
	}
	var b strings.Builder
	for _, child := range n.Content {
		b.WriteString(child.plainText())
	}
	return b.String()
}

// ToHTML converts a Tiptap document to an HTML fragment.
func ToHTML(doc *Node) string {
	if doc == nil {
		return ""
	}
	return renderNode(*doc)
}

func renderNode(node Node) string {
	switch node.Type {
	case "doc":
		return renderContent(node.Content)
	case "paragraph":
		return fmt.Sprintf("<p>%s</p>\n", renderContent(node.Content))
	case "heading":
		level := clampHeading(node.attrInt("level", 1))
		return fmt.Sprintf("<h%d>%s</h%d>\n", level, renderContent(node.Content), level)
	case "bulletList":
		return fmt.Sprintf("<ul>\n%s</ul>\n", renderContent(node.Content))
	case "orderedList":
		return fmt.Sprintf("<ol>\n%s</ol>\n", renderContent(node.Content))
	case "taskList":
		return fmt.Sprintf("<ul class=\"task-list\">\n%s</ul>\n", renderContent(node.Content))
	case "listItem":
		return fmt.Sprintf("<li>%s</li>\n", renderContent(node.Content))
	case "taskItem":
		checked := ""
		if node.attrBool("checked") {
			checked = " checked"
		}
		return fmt.Sprintf("<li><input type=\"checkbox\" disabled%s> %s</li>\n", checked, renderContent(node.Content))
	case "blockquote":
		return fmt.Sprintf("<blockquote>\n%s</blockquote>\n", renderContent(node.Content))
	case "codeBlock":
		return fmt.Sprintf("<pre><code>%s</code></pre>\n", html.EscapeString(node.plainText()))
	case "text":
		return renderTextWithMarks(node.Text, node.Marks)
	case "hardBreak":
		return "<br>"
	case "image":
		return fmt.Sprintf("<img src=\"%s\" alt=\"%s\">\n",
			html.EscapeString(node.attrString("src")), html.EscapeString(node.attrString("alt")))
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

func renderContent(content []Node) string {
	var result strings.Builder
	for _, child := range content {
		result.WriteString(renderNode(child))
	}
	return result.String()
}

// renderTextWithMarks applies marks from the innermost (last) outwards.
func renderTextWithMarks(text string, marks []Mark) string {
	if text == "" {
		return ""
	}
	out := html.EscapeString(text)
	for i := len(marks) - 1; i >= 0; i-- {
		mark := marks[i]
		switch mark.Type {
		case "bold":
			out = "<strong>" + out + "</strong>"
		case "italic":
			out = "<em>" + out + "</em>"
		case "code":
			out = "<code>" + out + "</code>"
		case "link":
			href, _ := mark.Attrs["href"].(string)
			out = fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(href), out)
		case "strike":
			out = "<s>" + out + "</s>"
		case "underline":
			out = "<u>" + out + "</u>"
		}
	}
	return out
}

func clampHeading(level int) int {
	if level < 1 {
		return 1
	}
	if level > 6 {
		return 6
	}
	return level
}
