package reconciler

import (
	"fmt"
	"strings"
)

// SerializeXML emits the canonical XML-like string for a Rendered
// tree: node-kind, name, status and key props as attributes, children
// nested. Byte-identical output across consecutive renders is the
// stability fingerprint RalphLoop uses for stall detection (spec.md
// §4.3 "Tree serialisation").
func SerializeXML(root *RenderedNode) string {
	var b strings.Builder
	writeNode(&b, root, 0)
	return b.String()
}

func writeNode(b *strings.Builder, n *RenderedNode, depth int) {
	if n == nil {
		return
	}
	indent := strings.Repeat("  ", depth)
	b.WriteString(indent)
	b.WriteByte('<')
	b.WriteString(string(n.Kind))
	fmt.Fprintf(b, " id=%q status=%q", n.ID.String(), n.Status)
	if n.Name != "" {
		fmt.Fprintf(b, " name=%q", n.Name)
	}
	if n.DurableID != "" {
		fmt.Fprintf(b, " durable_id=%q", n.DurableID)
	}
	if n.Cause != nil {
		fmt.Fprintf(b, " error=%q", n.Cause.Error())
	}

	if len(n.Children) == 0 {
		b.WriteString("/>\n")
		return
	}

	b.WriteString(">\n")
	for _, c := range n.Children {
		writeNode(b, c, depth+1)
	}
	b.WriteString(indent)
	b.WriteString("</")
	b.WriteString(string(n.Kind))
	b.WriteString(">\n")
}
