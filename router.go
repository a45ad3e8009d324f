package cursorproxy

import (
	"strings"
)

type route int

const (
	routePassthrough route = iota
	routeIntercept
)

func (r route) String() string {
	if r == routeIntercept {
		return "intercept"
	}
	return "passthrough"
}

// router decides, from nothing but the SNI server name, whether a connection
// gets its TLS terminated or is tunneled untouched. The decision must come
// before any handshake is answered: a host that routes to passthrough never
// sees our certificate.
//
// Patterns are matched label by label from the right, with "*" matching
// exactly one label. The node set is built once at startup and read-only
// afterwards, so matching needs no locking.
type router struct {
	root *patternNode
}

type patternNode struct {
	children map[string]*patternNode
	terminal bool
}

func newRouter(patterns []string) *router {
	r := &router{root: &patternNode{children: make(map[string]*patternNode)}}
	for _, p := range patterns {
		r.root.insert(p)
	}
	return r
}

func (r *router) classify(serverName string) route {
	if r.root.match(serverName) {
		return routeIntercept
	}
	return routePassthrough
}

func (node *patternNode) insert(pattern string) {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if pattern == "" {
		return
	}
	labels := strings.Split(pattern, ".")
	for i := len(labels) - 1; i >= 0; i-- {
		label := labels[i]
		child := node.children[label]
		if child == nil {
			child = &patternNode{children: make(map[string]*patternNode)}
			node.children[label] = child
		}
		node = child
	}
	node.terminal = true
}

func (node *patternNode) match(host string) bool {
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return false
	}
	return node.walk(strings.Split(host, "."), 0)
}

func (node *patternNode) walk(labels []string, depth int) bool {
	if depth == len(labels) {
		return node.terminal
	}
	label := labels[len(labels)-1-depth]
	if child, ok := node.children[label]; ok && child.walk(labels, depth+1) {
		return true
	}
	if child, ok := node.children["*"]; ok && child.walk(labels, depth+1) {
		return true
	}
	return false
}
