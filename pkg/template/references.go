package template

import (
	"sort"
	"strings"
	"text/template/parse"
)

var variableRoots = map[string]bool{"vars": true, "variables": true}

// IsVariableRoot reports whether root is one of the names variables are exposed under.
func IsVariableRoot(root string) bool {
	return variableRoots[root]
}

// Paths returns the sorted, de-duplicated field paths a template reads from its root
// object, each split into segments: .vars.name is ["vars", "name"], index .call "from"
// is ["call", "from"]. Fields read relative to a range or with body are not reported.
func Paths(templateStr string) ([][]string, error) {
	tmpl, err := Parse(templateStr)
	if err != nil {
		return nil, err
	}

	found := map[string][]string{}

	for _, t := range tmpl.Templates() {
		if t.Tree != nil {
			walk(t.Tree.Root, true, found)
		}
	}

	keys := make([]string, 0, len(found))
	for key := range found {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	paths := make([][]string, 0, len(keys))
	for _, key := range keys {
		paths = append(paths, found[key])
	}

	return paths, nil
}

// References returns the sorted, de-duplicated variable names a template reads through
// .vars.<name>, $.vars.<name> or index .vars "<name>".
func References(templateStr string) ([]string, error) {
	paths, err := Paths(templateStr)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	names := []string{}

	for _, path := range paths {
		if len(path) < 2 || !variableRoots[path[0]] || seen[path[1]] {
			continue
		}

		seen[path[1]] = true
		names = append(names, path[1])
	}

	sort.Strings(names)

	return names, nil
}

// walk collects root paths. atRoot is false inside range and with bodies, where dot is
// no longer the template data.
func walk(node parse.Node, atRoot bool, found map[string][]string) {
	switch n := node.(type) {
	case nil:
	case *parse.ListNode:
		if n == nil {
			return
		}

		for _, child := range n.Nodes {
			walk(child, atRoot, found)
		}
	case *parse.ActionNode:
		walk(n.Pipe, atRoot, found)
	case *parse.IfNode:
		walk(n.Pipe, atRoot, found)
		walk(n.List, atRoot, found)
		walk(n.ElseList, atRoot, found)
	case *parse.RangeNode:
		walkScoped(&n.BranchNode, atRoot, found)
	case *parse.WithNode:
		walkScoped(&n.BranchNode, atRoot, found)
	case *parse.TemplateNode:
		walk(n.Pipe, atRoot, found)
	case *parse.PipeNode:
		if n == nil {
			return
		}

		for _, cmd := range n.Cmds {
			walk(cmd, atRoot, found)
		}
	case *parse.CommandNode:
		collectIndex(n, atRoot, found)

		for _, arg := range n.Args {
			walk(arg, atRoot, found)
		}
	case *parse.FieldNode:
		if atRoot {
			collect(n.Ident, found)
		}
	case *parse.VariableNode:
		if len(n.Ident) > 1 && n.Ident[0] == "$" {
			collect(n.Ident[1:], found)
		}
	case *parse.ChainNode:
		walk(n.Node, atRoot, found)
	}
}

func walkScoped(n *parse.BranchNode, atRoot bool, found map[string][]string) {
	walk(n.Pipe, atRoot, found)
	walk(n.List, false, found)
	walk(n.ElseList, atRoot, found)
}

func collect(path []string, found map[string][]string) {
	if len(path) == 0 {
		return
	}

	found[strings.Join(path, ".")] = append([]string(nil), path...)
}

// collectIndex handles `index .vars "name"` and `index .call "from"`.
func collectIndex(cmd *parse.CommandNode, atRoot bool, found map[string][]string) {
	if len(cmd.Args) < 3 {
		return
	}

	ident, ok := cmd.Args[0].(*parse.IdentifierNode)
	if !ok || ident.Ident != "index" {
		return
	}

	var root []string

	switch target := cmd.Args[1].(type) {
	case *parse.FieldNode:
		if atRoot {
			root = target.Ident
		}
	case *parse.VariableNode:
		if len(target.Ident) > 0 && target.Ident[0] == "$" {
			root = target.Ident[1:]
		}
	}

	if len(root) != 1 {
		return
	}

	if key, ok := cmd.Args[2].(*parse.StringNode); ok {
		collect([]string{root[0], key.Text}, found)
	}
}
