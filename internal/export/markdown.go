package export

import (
	"fmt"
	"strings"
)

// ToMarkdown renders a document under a top level "# title" heading.
// Blocks are separated by blank lines.
func ToMarkdown(title string, doc *Node) string {
	blocks := []string{"# " + title}
	if doc != nil {
		blocks = append(blocks, markdownBlocks(doc.Content)...)
	}
	return strings.Join(blocks, "\n\n") + "\n"
}

func markdownBlocks(nodes []Node) []string {
	out := make([]string, 0, len(nodes))
	for _, node := range nodes {
		if block, ok := markdownBlock(node); ok {
			out = append(out, block)
		}
	}
	return out
}

func markdownBlock(node Node) (string, bool) {
	switch node.Type {
	case "heading":
		level := clampHeading(node.attrInt("level", 1))
		return strings.Repeat("#", level) + " " + markdownInline(node.Content), true
	case "paragraph":
		return markdownInline(node.Content), true
	case "bulletList":
		return markdownList(node.Content, func(int, Node) string { return "- " }), true
	case "orderedList":
		start := node.attrInt("start", 1)
		return markdownList(node.Content, func(i int, _ Node) string {
			return fmt.Sprintf("%d. ", start+i)
		}), true
	case "taskList":
		return markdownList(node.Content, func(_ int, item Node) string {
			if item.attrBool("checked") {
				return "- [x] "
			}
			return "- [ ] "
		}), true
	case "blockquote":
		inner := strings.Join(markdownBlocks(node.Content), "\n\n")
		return prefixLines(inner, "> "), true
	case "codeBlock":
		return "```" + node.attrString("language") + "\n" + node.plainText() + "\n```", true
	case "horizontalRule":
		return "---", true
	case "image":
		return fmt.Sprintf("![%s](%s)", node.attrString("alt"), node.attrString("src")), true
	case "text", "hardBreak":
		return markdownInline([]Node{node}), true
	}
	if len(node.Content) == 0 {
		return "", false
	}
	return strings.Join(markdownBlocks(node.Content), "\n\n"), true
}

// markdownList renders one line per item; nested blocks are indented under
// the item marker.
func markdownList(items []Node, marker func(int, Node) string) string {
	lines := make([]string, 0, len(items))
	for i, item := range items {
		m := marker(i, item)
		body := strings.Join(markdownBlocks(item.Content), "\n")
		indent := strings.Repeat(" ", len(m))
		first, rest, _ := strings.Cut(body, "\n")
		line := m + first
		if rest != "" {
			line += "\n" + prefixLines(rest, indent)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func markdownInline(nodes []Node) string {
	var b strings.Builder
	for _, node := range nodes {
		switch node.Type {
		case "text":
			b.WriteString(markdownMarks(node.Text, node.Marks))
		case "hardBreak":
			b.WriteString("\n")
		case "image":
			fmt.Fprintf(&b, "![%s](%s)", node.attrString("alt"), node.attrString("src"))
		default:
			b.WriteString(markdownInline(node.Content))
		}
	}
	return b.String()
}

func markdownMarks(text string, marks []Mark) string {
	if text == "" {
		return ""
	}
	for _, mark := range marks {
		switch mark.Type {
		case "bold":
			text = "**" + text + "**"
		case "italic":
			text = "*" + text + "*"
		case "code":
			text = "`" + text + "`"
		case "strike":
			text = "~~" + text + "~~"
		case "link":
			href, _ := mark.Attrs["href"].(string)
			text = "[" + text + "](" + href + ")"
		}
	}
	return text
}

func prefixLines(text, prefix string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if line == "" {
			lines[i] = strings.TrimRight(prefix, " ")
			continue
		}
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
