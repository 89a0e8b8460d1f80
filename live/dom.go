package live

import (
	"bytes"
	"slices"
	"strconv"
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// the live document. Element state that a browser keeps outside of attributes
// (focus, selection, per element private values) is kept here keyed by node.
// All access happens on the socket loop.
type Document struct {
	root *html.Node

	active         *html.Node
	selectionStart int
	selectionEnd   int

	privates map[*html.Node]map[string]any

	updateCallbacks *CallbackList[func()]
}

func NewDocument(root *html.Node) *Document {
	return &Document{
		root:            root,
		privates:        map[*html.Node]map[string]any{},
		updateCallbacks: NewCallbackList[func()](),
	}
}

func ParseDocument(markup string) (*Document, error) {
	root, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return nil, err
	}
	return NewDocument(root), nil
}

func (self *Document) Root() *html.Node {
	return self.root
}

// replaces the whole document, e.g. on a hard navigation or reload
func (self *Document) Replace(root *html.Node) {
	self.root = root
	self.active = nil
	self.privates = map[*html.Node]map[string]any{}
}

func (self *Document) Body() *html.Node {
	return findFirst(self.root, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.DataAtom == atom.Body
	})
}

func (self *Document) Title() string {
	title := findFirst(self.root, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.DataAtom == atom.Title
	})
	if title == nil {
		return ""
	}
	return textContent(title)
}

func (self *Document) SetTitle(value string) {
	title := findFirst(self.root, func(n *html.Node) bool {
		return n.Type == html.ElementNode && n.DataAtom == atom.Title
	})
	if title == nil {
		head := findFirst(self.root, func(n *html.Node) bool {
			return n.Type == html.ElementNode && n.DataAtom == atom.Head
		})
		if head == nil {
			return
		}
		title = newElement("title")
		head.AppendChild(title)
	}
	setTextContent(title, value)
}

func (self *Document) Contains(n *html.Node) bool {
	for ; n != nil; n = n.Parent {
		if n == self.root {
			return true
		}
	}
	return false
}

func (self *Document) GetElementById(id string) *html.Node {
	return findFirst(self.root, func(n *html.Node) bool {
		return n.Type == html.ElementNode && getAttr(n, "id") == id
	})
}

func (self *Document) QueryAll(selector string) ([]*html.Node, error) {
	return queryAll(self.root, selector)
}

// the focused element, or nil when the body has focus
func (self *Document) ActiveElement() *html.Node {
	if self.active != nil && !self.Contains(self.active) {
		self.active = nil
	}
	return self.active
}

func (self *Document) Focus(el *html.Node) {
	self.active = el
	value := inputValue(el)
	self.selectionStart = len(value)
	self.selectionEnd = len(value)
}

func (self *Document) Blur() {
	self.active = nil
	self.selectionStart = 0
	self.selectionEnd = 0
}

func (self *Document) SetSelectionRange(start int, end int) {
	self.selectionStart = start
	self.selectionEnd = end
}

func (self *Document) SelectionRange() (int, int) {
	return self.selectionStart, self.selectionEnd
}

func (self *Document) Private(el *html.Node, key string) any {
	if privates, ok := self.privates[el]; ok {
		return privates[key]
	}
	return nil
}

func (self *Document) PutPrivate(el *html.Node, key string, value any) {
	privates, ok := self.privates[el]
	if !ok {
		privates = map[string]any{}
		self.privates[el] = privates
	}
	privates[key] = value
}

func (self *Document) DeletePrivate(el *html.Node, key string) {
	if privates, ok := self.privates[el]; ok {
		delete(privates, key)
		if len(privates) == 0 {
			delete(self.privates, el)
		}
	}
}

// drops all private state of a discarded element.
// descendants are discarded one by one, after their parent.
func (self *Document) dropPrivates(el *html.Node) {
	delete(self.privates, el)
}

func (self *Document) OnUpdate(callback func()) func() {
	return self.updateCallbacks.Add(callback)
}

// a listener failure does not stop the remaining listeners
func (self *Document) dispatchUpdate() []error {
	errs := []error{}
	for _, callback := range self.updateCallbacks.Get() {
		if err := HandleError(callback); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// all ids that appear more than once, in document order
func (self *Document) DuplicateIds() []string {
	seen := map[string]bool{}
	dups := []string{}
	walk(self.root, func(n *html.Node) bool {
		if n.Type == html.ElementNode {
			if id := getAttr(n, "id"); id != "" {
				if seen[id] && !slices.Contains(dups, id) {
					dups = append(dups, id)
				}
				seen[id] = true
			}
		}
		return true
	})
	return dups
}

func (self *Document) String() string {
	var buf bytes.Buffer
	html.Render(&buf, self.root)
	return buf.String()
}

// node helpers

func newElement(tag string) *html.Node {
	return &html.Node{
		Type:     html.ElementNode,
		Data:     tag,
		DataAtom: atom.Lookup([]byte(tag)),
	}
}

func isElement(n *html.Node) bool {
	return n != nil && n.Type == html.ElementNode
}

func getAttr(n *html.Node, key string) string {
	value, _ := lookupAttr(n, key)
	return value
}

func lookupAttr(n *html.Node, key string) (string, bool) {
	if n == nil {
		return "", false
	}
	for _, attr := range n.Attr {
		if attr.Namespace == "" && attr.Key == key {
			return attr.Val, true
		}
	}
	return "", false
}

func hasAttr(n *html.Node, key string) bool {
	_, ok := lookupAttr(n, key)
	return ok
}

func setAttr(n *html.Node, key string, value string) {
	for i, attr := range n.Attr {
		if attr.Namespace == "" && attr.Key == key {
			n.Attr[i].Val = value
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: value})
}

func removeAttr(n *html.Node, key string) {
	n.Attr = slices.DeleteFunc(n.Attr, func(attr html.Attribute) bool {
		return attr.Namespace == "" && attr.Key == key
	})
}

func componentId(n *html.Node) (int, bool) {
	if !isElement(n) {
		return 0, false
	}
	value, ok := lookupAttr(n, PhxComponent)
	if !ok {
		return 0, false
	}
	cid, err := strconv.Atoi(value)
	if err != nil {
		return 0, false
	}
	return cid, true
}

func hasClass(n *html.Node, class string) bool {
	return slices.Contains(strings.Fields(getAttr(n, "class")), class)
}

func addClass(n *html.Node, classes ...string) {
	current := strings.Fields(getAttr(n, "class"))
	for _, class := range classes {
		if !slices.Contains(current, class) {
			current = append(current, class)
		}
	}
	setAttr(n, "class", strings.Join(current, " "))
}

func removeClass(n *html.Node, classes ...string) {
	current := strings.Fields(getAttr(n, "class"))
	current = slices.DeleteFunc(current, func(class string) bool {
		return slices.Contains(classes, class)
	})
	if len(current) == 0 {
		removeAttr(n, "class")
	} else {
		setAttr(n, "class", strings.Join(current, " "))
	}
}

// copies attributes from source onto target, except `exclude`
func mergeAttrs(target *html.Node, source *html.Node, exclude ...string) {
	for _, attr := range source.Attr {
		if !slices.Contains(exclude, attr.Key) {
			setAttr(target, attr.Key, attr.Val)
		}
	}
}

// makes target's attributes exactly source's attributes
func morphAttrs(target *html.Node, source *html.Node) {
	for _, attr := range source.Attr {
		setAttr(target, attr.Key, attr.Val)
	}
	target.Attr = slices.DeleteFunc(target.Attr, func(attr html.Attribute) bool {
		return !hasAttr(source, attr.Key)
	})
}

// visits n and its descendants in document order. `visit` returns false to skip children.
func walk(n *html.Node, visit func(*html.Node) bool) {
	if !visit(n) {
		return
	}
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		walk(c, visit)
		c = next
	}
}

func findFirst(n *html.Node, match func(*html.Node) bool) (found *html.Node) {
	walk(n, func(c *html.Node) bool {
		if found != nil {
			return false
		}
		if match(c) {
			found = c
			return false
		}
		return true
	})
	return
}

// descendants of n (not n itself) matching, in document order
func all(n *html.Node, match func(*html.Node) bool) []*html.Node {
	found := []*html.Node{}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, func(d *html.Node) bool {
			if match(d) {
				found = append(found, d)
			}
			return true
		})
	}
	return found
}

// css selector query over the descendants of n
func queryAll(n *html.Node, selector string) ([]*html.Node, error) {
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return nil, err
	}
	return all(n, func(d *html.Node) bool {
		return d.Type == html.ElementNode && sel.Match(d)
	}), nil
}

func allWithAttr(n *html.Node, key string) []*html.Node {
	return all(n, func(d *html.Node) bool {
		return d.Type == html.ElementNode && hasAttr(d, key)
	})
}

func allWithAttrValue(n *html.Node, key string, value string) []*html.Node {
	return all(n, func(d *html.Node) bool {
		if d.Type != html.ElementNode {
			return false
		}
		v, ok := lookupAttr(d, key)
		return ok && v == value
	})
}

func findComponentNodeList(n *html.Node, cid int) []*html.Node {
	return allWithAttrValue(n, PhxComponent, strconv.Itoa(cid))
}

// the lowest node that strictly contains every one of nodes
func commonAncestor(nodes []*html.Node) *html.Node {
	ancestors := map[*html.Node]bool{}
	for a := nodes[0].Parent; a != nil; a = a.Parent {
		ancestors[a] = true
	}
	common := nodes[0].Parent
	for _, n := range nodes[1:] {
		a := n.Parent
		for a != nil && !ancestors[a] {
			a = a.Parent
		}
		if a == nil {
			return nil
		}
		// keep the higher of the two
		for c := common; c != a; c = c.Parent {
			delete(ancestors, c)
		}
		common = a
	}
	return common
}

func findById(n *html.Node, id string) *html.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findFirst(c, func(d *html.Node) bool {
			return d.Type == html.ElementNode && getAttr(d, "id") == id
		}); found != nil {
			return found
		}
	}
	return nil
}

// nearest inclusive ancestor matching
func closest(n *html.Node, match func(*html.Node) bool) *html.Node {
	for ; n != nil; n = n.Parent {
		if n.Type == html.ElementNode && match(n) {
			return n
		}
	}
	return nil
}

func closestWithAttr(n *html.Node, key string) *html.Node {
	return closest(n, func(c *html.Node) bool {
		return hasAttr(c, key)
	})
}

func cloneNode(n *html.Node, deep bool) *html.Node {
	clone := &html.Node{
		Type:      n.Type,
		DataAtom:  n.DataAtom,
		Data:      n.Data,
		Namespace: n.Namespace,
		Attr:      slices.Clone(n.Attr),
	}
	if deep {
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			clone.AppendChild(cloneNode(c, true))
		}
	}
	return clone
}

func detach(n *html.Node) {
	if n.Parent != nil {
		n.Parent.RemoveChild(n)
	}
}

func replaceWith(old *html.Node, replacement *html.Node) {
	detach(replacement)
	old.Parent.InsertBefore(replacement, old)
	old.Parent.RemoveChild(old)
}

// inserts before ref, or appends when ref is nil
func insertBefore(parent *html.Node, n *html.Node, ref *html.Node) {
	detach(n)
	if ref == nil {
		parent.AppendChild(n)
	} else {
		parent.InsertBefore(n, ref)
	}
}

func removeChildren(n *html.Node) {
	for n.FirstChild != nil {
		n.RemoveChild(n.FirstChild)
	}
}

// parses markup the way `innerHTML` would for an element like context
func parseFragment(context *html.Node, markup string) ([]*html.Node, error) {
	contextClone := newElement(context.Data)
	contextClone.Namespace = context.Namespace
	nodes, err := html.ParseFragment(strings.NewReader(markup), contextClone)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		detach(n)
	}
	return nodes, nil
}

func setInnerHTML(n *html.Node, markup string) error {
	nodes, err := parseFragment(n, markup)
	if err != nil {
		return err
	}
	removeChildren(n)
	for _, c := range nodes {
		n.AppendChild(c)
	}
	return nil
}

func innerHTML(n *html.Node) string {
	var buf bytes.Buffer
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		html.Render(&buf, c)
	}
	return buf.String()
}

// shallow clone of n with children parsed from markup
func cloneWithInnerHTML(n *html.Node, markup string) (*html.Node, error) {
	clone := cloneNode(n, false)
	if err := setInnerHTML(clone, markup); err != nil {
		return nil, err
	}
	return clone, nil
}

func textContent(n *html.Node) string {
	var buf strings.Builder
	walk(n, func(c *html.Node) bool {
		if c.Type == html.TextNode {
			buf.WriteString(c.Data)
		}
		return true
	})
	return buf.String()
}

func setTextContent(n *html.Node, value string) {
	removeChildren(n)
	if value != "" {
		n.AppendChild(&html.Node{Type: html.TextNode, Data: value})
	}
}

// structural equality, attribute order insensitive
func isEqualNode(a *html.Node, b *html.Node) bool {
	if a.Type != b.Type || a.Data != b.Data || a.Namespace != b.Namespace {
		return false
	}
	if len(a.Attr) != len(b.Attr) {
		return false
	}
	for _, attr := range a.Attr {
		if value, ok := lookupAttr(b, attr.Key); !ok || value != attr.Val {
			return false
		}
	}
	ac := a.FirstChild
	bc := b.FirstChild
	for ac != nil && bc != nil {
		if !isEqualNode(ac, bc) {
			return false
		}
		ac = ac.NextSibling
		bc = bc.NextSibling
	}
	return ac == nil && bc == nil
}

// the `type` a browser would report for the element
func inputType(el *html.Node) string {
	if !isElement(el) {
		return ""
	}
	switch el.DataAtom {
	case atom.Textarea:
		return "textarea"
	case atom.Input:
		if t, ok := lookupAttr(el, "type"); ok && t != "" {
			return strings.ToLower(t)
		}
		return "text"
	case atom.Select:
		if hasAttr(el, "multiple") {
			return "select-multiple"
		}
		return "select-one"
	case atom.Button:
		if t, ok := lookupAttr(el, "type"); ok && t != "" {
			return strings.ToLower(t)
		}
		return "submit"
	}
	return ""
}

func isTextualInput(el *html.Node) bool {
	return slices.Contains(FocusableInputs, inputType(el))
}

// the value a browser would report for the element, empty for elements without one
func inputValue(el *html.Node) string {
	if !isElement(el) {
		return ""
	}
	switch el.DataAtom {
	case atom.Textarea:
		return textContent(el)
	case atom.Select:
		selected := findFirst(el, func(n *html.Node) bool {
			return n.Type == html.ElementNode && n.DataAtom == atom.Option && hasAttr(n, "selected")
		})
		if selected == nil {
			selected = findFirst(el, func(n *html.Node) bool {
				return n.Type == html.ElementNode && n.DataAtom == atom.Option
			})
		}
		if selected == nil {
			return ""
		}
		if value, ok := lookupAttr(selected, "value"); ok {
			return value
		}
		return textContent(selected)
	}
	return getAttr(el, "value")
}

func hasValue(el *html.Node) bool {
	if !isElement(el) {
		return false
	}
	switch el.DataAtom {
	case atom.Input, atom.Textarea, atom.Select, atom.Button, atom.Option:
		return true
	}
	return false
}

// sets the live value of an input, as a user typing would
func SetInputValue(el *html.Node, value string) {
	if el.DataAtom == atom.Textarea {
		setTextContent(el, value)
	} else {
		setAttr(el, "value", value)
	}
}

// the form an input belongs to
func inputForm(el *html.Node) *html.Node {
	if formId := getAttr(el, "form"); formId != "" {
		for root := el; root != nil; root = root.Parent {
			if root.Parent == nil {
				return findById(root, formId)
			}
		}
	}
	return closest(el.Parent, func(n *html.Node) bool {
		return n.DataAtom == atom.Form
	})
}
