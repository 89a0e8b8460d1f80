package live

import (
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// keyed same-level tree reconciliation.
// Transforms the children of `fromNode` (live) to match the children of `toNode` (scratch).
// Nodes from `toNode` are moved into the live tree when added, so `toNode` must not be reused.
// Elements are keyed by `id`. Keyed elements are matched anywhere in the live subtree
// and moved into place; unkeyed elements are matched by position and tag.

type morphCallbacks struct {
	// called once for the root of each added subtree
	beforeNodeAdded func(n *html.Node)
	// called for every added node, parents before children
	nodeAdded func(n *html.Node)
	// return false to leave `from` (and its children) untouched
	beforeElUpdated func(from *html.Node, to *html.Node) bool
	elUpdated       func(el *html.Node)
	// return false to keep the node
	beforeNodeDiscarded func(n *html.Node) bool
	// called for every discarded node, parents before children
	nodeDiscarded func(n *html.Node)
}

type morpher struct {
	callbacks        *morphCallbacks
	fromNodesLookup  map[string]*html.Node
	keyedRemovalList []string
}

func morphChildrenOnly(fromNode *html.Node, toNode *html.Node, callbacks *morphCallbacks) {
	m := &morpher{
		callbacks:       callbacks,
		fromNodesLookup: map[string]*html.Node{},
	}
	m.indexTree(fromNode)
	m.morphEl(fromNode, toNode, true)

	for _, key := range m.keyedRemovalList {
		if el, ok := m.fromNodesLookup[key]; ok {
			m.removeNode(el, el.Parent, false)
		}
	}
}

func nodeKey(n *html.Node) string {
	if n.Type == html.ElementNode {
		return getAttr(n, "id")
	}
	return ""
}

func compareNodeNames(a *html.Node, b *html.Node) bool {
	return a.Data == b.Data && a.Namespace == b.Namespace
}

func (self *morpher) indexTree(n *html.Node) {
	if n.Type != html.ElementNode && n.Type != html.DocumentNode {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if key := nodeKey(c); key != "" {
			self.fromNodesLookup[key] = c
		}
		self.indexTree(c)
	}
}

func (self *morpher) addKeyedRemoval(key string) {
	self.keyedRemovalList = append(self.keyedRemovalList, key)
}

func (self *morpher) removeNode(n *html.Node, parent *html.Node, skipKeyedNodes bool) {
	if !self.callbacks.beforeNodeDiscarded(n) {
		return
	}
	if parent != nil {
		parent.RemoveChild(n)
	}
	self.callbacks.nodeDiscarded(n)
	self.walkDiscardedChildNodes(n, skipKeyedNodes)
}

func (self *morpher) walkDiscardedChildNodes(n *html.Node, skipKeyedNodes bool) {
	if n.Type != html.ElementNode {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if key := nodeKey(c); skipKeyedNodes && key != "" {
			// a keyed node may still be matched up later
			self.addKeyedRemoval(key)
		} else {
			self.callbacks.nodeDiscarded(c)
			self.walkDiscardedChildNodes(c, skipKeyedNodes)
		}
	}
}

func (self *morpher) handleNodeAdded(n *html.Node) {
	self.callbacks.nodeAdded(n)
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if key := nodeKey(c); key != "" {
			if unmatchedFromEl, ok := self.fromNodesLookup[key]; ok && compareNodeNames(c, unmatchedFromEl) {
				replaceWith(c, unmatchedFromEl)
				self.morphEl(unmatchedFromEl, c, false)
			} else {
				self.handleNodeAdded(c)
			}
		} else {
			self.handleNodeAdded(c)
		}
		c = next
	}
}

func (self *morpher) morphEl(fromEl *html.Node, toEl *html.Node, childrenOnly bool) {
	if key := nodeKey(toEl); key != "" {
		delete(self.fromNodesLookup, key)
	}
	if !childrenOnly {
		if !self.callbacks.beforeElUpdated(fromEl, toEl) {
			return
		}
		morphAttrs(fromEl, toEl)
		self.callbacks.elUpdated(fromEl)
	}
	if fromEl.DataAtom == atom.Textarea {
		if textContent(fromEl) != textContent(toEl) {
			setTextContent(fromEl, textContent(toEl))
		}
		return
	}
	self.morphChildren(fromEl, toEl)
}

func (self *morpher) morphChildren(fromEl *html.Node, toEl *html.Node) {
	curToNodeChild := toEl.FirstChild
	curFromNodeChild := fromEl.FirstChild

outer:
	for curToNodeChild != nil {
		toNextSibling := curToNodeChild.NextSibling
		curToNodeKey := nodeKey(curToNodeChild)

		for curFromNodeChild != nil {
			fromNextSibling := curFromNodeChild.NextSibling
			curFromNodeKey := nodeKey(curFromNodeChild)

			compatible := false
			if curFromNodeChild.Type == curToNodeChild.Type {
				switch curFromNodeChild.Type {
				case html.ElementNode:
					incompatible := false
					if curToNodeKey != "" {
						if curToNodeKey != curFromNodeKey {
							if matchingFromEl, ok := self.fromNodesLookup[curToNodeKey]; ok {
								if fromNextSibling == matchingFromEl {
									// single element removal. Discard the current node and
									// match the keyed element on the next iteration.
									incompatible = true
								} else {
									// move the keyed element into place and discard the current node
									insertBefore(fromEl, matchingFromEl, curFromNodeChild)
									if curFromNodeKey != "" {
										self.addKeyedRemoval(curFromNodeKey)
									} else {
										self.removeNode(curFromNodeChild, fromEl, true)
									}
									curFromNodeChild = matchingFromEl
								}
							} else {
								// no matching keyed node in the live tree
								incompatible = true
							}
						}
					} else if curFromNodeKey != "" {
						incompatible = true
					}

					compatible = !incompatible && compareNodeNames(curFromNodeChild, curToNodeChild)
					if compatible {
						self.morphEl(curFromNodeChild, curToNodeChild, false)
					}
				case html.TextNode, html.CommentNode:
					compatible = true
					if curFromNodeChild.Data != curToNodeChild.Data {
						curFromNodeChild.Data = curToNodeChild.Data
					}
				}
			}

			if compatible {
				curToNodeChild = toNextSibling
				curFromNodeChild = fromNextSibling
				continue outer
			}

			// keyed nodes may be matched later; their removal is deferred
			if curFromNodeKey != "" {
				self.addKeyedRemoval(curFromNodeKey)
			} else {
				self.removeNode(curFromNodeChild, fromEl, true)
			}
			curFromNodeChild = fromNextSibling
		}

		// no match among the remaining live children. Append.
		if matchingFromEl, ok := self.fromNodesLookup[curToNodeKey]; curToNodeKey != "" && ok && compareNodeNames(matchingFromEl, curToNodeChild) {
			insertBefore(fromEl, matchingFromEl, nil)
			self.morphEl(matchingFromEl, curToNodeChild, false)
		} else {
			self.callbacks.beforeNodeAdded(curToNodeChild)
			insertBefore(fromEl, curToNodeChild, nil)
			self.handleNodeAdded(curToNodeChild)
		}

		curToNodeChild = toNextSibling
	}

	// remove the remaining live children
	for curFromNodeChild != nil {
		fromNextSibling := curFromNodeChild.NextSibling
		if key := nodeKey(curFromNodeChild); key != "" {
			self.addKeyedRemoval(key)
		} else {
			self.removeNode(curFromNodeChild, fromEl, true)
		}
		curFromNodeChild = fromNextSibling
	}
}
