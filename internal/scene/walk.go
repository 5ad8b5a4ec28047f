package scene

import "strings"

// Walk visits n and all of its descendants depth-first, parents first.
func Walk(n Node, fn func(Node)) {
	if n == nil {
		return
	}
	fn(n)
	for _, c := range n.Children() {
		Walk(c, fn)
	}
}

// Descendants returns every node under n, n itself excluded.
func Descendants(n Node) []Node {
	var out []Node
	for _, c := range n.Children() {
		Walk(c, func(d Node) { out = append(out, d) })
	}
	return out
}

// FindRecursive returns the first descendant of n named name.
func FindRecursive(n Node, name string) Node {
	var found Node
	for _, c := range n.Children() {
		Walk(c, func(d Node) {
			if found == nil && d.Name() == name {
				found = d
			}
		})
		if found != nil {
			return found
		}
	}
	return nil
}

// ContainsAny reports whether s contains any of subs.
func ContainsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if sub != "" && strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Alive is false for nil handles and destroyed objects.
func Alive(n Node) bool {
	return n != nil && !n.Destroyed()
}

// BehaviorByName returns the first behavior on n with the given name.
func BehaviorByName(n Node, name string) Behavior {
	if n == nil {
		return nil
	}
	for _, b := range n.Behaviors() {
		if b.Name() == name {
			return b
		}
	}
	return nil
}
