package live

import (
	"fmt"
	"slices"
	"strings"

	"golang.org/x/net/html"
)

type PatchEventKind int

const (
	BeforeAdded PatchEventKind = iota
	AfterAdded
	BeforeUpdated
	AfterUpdated
	BeforeDiscarded
	AfterDiscarded
	BeforePhxChildAdded
)

func (self PatchEventKind) String() string {
	switch self {
	case BeforeAdded:
		return "beforeAdded"
	case AfterAdded:
		return "afterAdded"
	case BeforeUpdated:
		return "beforeUpdated"
	case AfterUpdated:
		return "afterUpdated"
	case BeforeDiscarded:
		return "beforeDiscarded"
	case AfterDiscarded:
		return "afterDiscarded"
	case BeforePhxChildAdded:
		return "beforePhxChildAdded"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

// one structural decision made while reconciling
type PatchEvent struct {
	Kind PatchEventKind
	El   *html.Node
	// the incoming node for `BeforeUpdated`
	To *html.Node
}

type PatchResult struct {
	// ordered lifecycle events, dispatched by the view after the patch completes
	Events []PatchEvent
	// failures of `OnUpdate` listeners
	UpdateErrors []error
}

func (self *PatchResult) Count(kind PatchEventKind) int {
	count := 0
	for _, event := range self.Events {
		if event.Kind == kind {
			count += 1
		}
	}
	return count
}

// the component ids of all discarded elements, in discard order without duplicates
func (self *PatchResult) DiscardedCids() []int {
	cids := []int{}
	for _, event := range self.Events {
		if event.Kind != AfterDiscarded {
			continue
		}
		if cid, ok := componentId(event.El); ok && !slices.Contains(cids, cid) {
			cids = append(cids, cid)
		}
	}
	return cids
}

// applies newly flattened markup to a view container, or to the elements of one component
type Patch struct {
	doc       *Document
	settings  *Settings
	container *html.Node
	markup    string

	targetCid    int
	hasTargetCid bool

	events []PatchEvent
}

func NewPatch(doc *Document, settings *Settings, container *html.Node, markup string) *Patch {
	return &Patch{
		doc:       doc,
		settings:  settings,
		container: container,
		markup:    markup,
	}
}

func NewComponentPatch(doc *Document, settings *Settings, container *html.Node, markup string, cid int) *Patch {
	patch := NewPatch(doc, settings, container, markup)
	patch.targetCid = cid
	patch.hasTargetCid = true
	return patch
}

func (self *Patch) track(kind PatchEventKind, el *html.Node, to *html.Node) {
	self.events = append(self.events, PatchEvent{Kind: kind, El: el, To: to})
}

// Content errors leave the document unchanged.
func (self *Patch) Perform() (*PatchResult, error) {
	focused := self.doc.ActiveElement()
	focusedId := getAttr(focused, "id")
	selectionStart, selectionEnd := self.doc.SelectionRange()
	phxUpdate := self.settings.Binding(BindingUpdate)

	diffContainer, targetContainer, err := self.buildDiffContainer(phxUpdate)
	if err != nil {
		return nil, err
	}

	updates := []*html.Node{}
	morphChildrenOnly(targetContainer, diffContainer, &morphCallbacks{
		beforeNodeAdded: func(n *html.Node) {
			if n.Type != html.ElementNode {
				return
			}
			self.discardError(targetContainer, n)
			self.track(BeforeAdded, n, nil)
		},
		nodeAdded: func(n *html.Node) {
			if n.Type != html.ElementNode {
				return
			}
			if isPhxChild(n) {
				self.track(BeforePhxChildAdded, n, nil)
			}
			self.track(AfterAdded, n, nil)
		},
		beforeElUpdated: func(from *html.Node, to *html.Node) bool {
			if isEqualNode(from, to) {
				return false
			}
			if getAttr(from, phxUpdate) == "ignore" {
				self.track(BeforeUpdated, from, to)
				mergeAttrs(from, to)
				return false
			}
			if isPhxChild(to) {
				// the nested view owns its content
				prevStatic := getAttr(from, PhxStatic)
				mergeAttrs(from, to)
				setAttr(from, PhxStatic, prevStatic)
				return false
			}
			self.discardError(targetContainer, to)
			if isTextualInput(from) && from == focused {
				self.track(BeforeUpdated, from, from)
				mergeInputs(from, to)
				return false
			}
			self.track(BeforeUpdated, from, to)
			return true
		},
		elUpdated: func(el *html.Node) {
			updates = append(updates, el)
		},
		beforeNodeDiscarded: func(n *html.Node) bool {
			if n.Type == html.ElementNode {
				self.track(BeforeDiscarded, n, nil)
			}
			return true
		},
		nodeDiscarded: func(n *html.Node) {
			if n.Type == html.ElementNode {
				self.track(AfterDiscarded, n, nil)
			}
		},
	})

	if self.settings.DetectDuplicateIds {
		for _, id := range self.doc.DuplicateIds() {
			logError(contentErrorf(ErrDuplicateId, "%s. Ensure unique element ids.", id))
		}
	}

	for _, el := range updates {
		self.track(AfterUpdated, el, nil)
	}

	self.restoreFocus(focused, focusedId, selectionStart, selectionEnd)
	updateErrors := self.doc.dispatchUpdate()

	return &PatchResult{
		Events:       self.events,
		UpdateErrors: updateErrors,
	}, nil
}

func (self *Patch) restoreFocus(focused *html.Node, focusedId string, selectionStart int, selectionEnd int) {
	if focused == nil || !isTextualInput(focused) {
		return
	}
	if !self.doc.Contains(focused) {
		// the focused identity may now be held by another element
		if focusedId == "" {
			return
		}
		focused = self.doc.GetElementById(focusedId)
		if focused == nil || !isTextualInput(focused) {
			return
		}
	}
	self.doc.Focus(focused)
	switch inputType(focused) {
	case "text", "textarea":
		self.doc.SetSelectionRange(selectionStart, selectionEnd)
	}
}

// hides error feedback for inputs the user has not interacted with yet
func (self *Patch) discardError(container *html.Node, el *html.Node) {
	field := getAttr(el, PhxErrorFor)
	if field == "" {
		return
	}
	input := findById(container, field)
	if input == nil {
		return
	}
	focused := self.doc.Private(input, PhxHasFocused) != nil
	submitted := false
	if form := inputForm(input); form != nil {
		submitted = self.doc.Private(form, PhxHasSubmitted) != nil
	}
	if !focused && !submitted {
		setAttr(el, "style", "display: none;")
	}
}

// builds the scratch container to reconcile against.
// - for component patches, the closest ancestor of every component root with each
//   run of roots swapped for the new markup
// - append/prepend regions are pre-merged with their live children so that
//   existing ids are updated in place rather than reordered
// Nothing in the live document is modified.
func (self *Patch) buildDiffContainer(phxUpdate string) (diffContainer *html.Node, targetContainer *html.Node, err error) {
	targetContainer = self.container
	if self.hasTargetCid {
		liveNodes := findComponentNodeList(self.container, self.targetCid)
		if len(liveNodes) == 0 {
			err = contentErrorf(ErrComponentNotFound, "cid %d", self.targetCid)
			return
		}
		targetContainer = commonAncestor(liveNodes)
		diffContainer = cloneNode(targetContainer, true)

		// each run of adjacent component roots is replaced where it stands
		for _, run := range componentRuns(findComponentNodeList(diffContainer, self.targetCid)) {
			first := run[0]
			last := run[len(run)-1]
			insertParent := first.Parent

			var nodes []*html.Node
			nodes, err = parseFragment(insertParent, self.markup)
			if err != nil {
				return
			}
			for _, n := range nodes {
				insertBefore(insertParent, n, first)
			}
			for c := first; c != nil; {
				next := c.NextSibling
				detach(c)
				if c == last {
					break
				}
				c = next
			}
		}
	} else {
		diffContainer, err = cloneWithInnerHTML(self.container, self.markup)
		if err != nil {
			return
		}
	}

	regions := all(diffContainer, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return false
		}
		mode := getAttr(n, phxUpdate)
		return mode == "append" || mode == "prepend"
	})
	for _, el := range regions {
		if err = self.mergeUpdateRegion(el, phxUpdate); err != nil {
			return
		}
	}
	return
}

// groups component roots into runs of siblings separated only by whitespace or comments.
// roots are in document order.
func componentRuns(roots []*html.Node) [][]*html.Node {
	runs := [][]*html.Node{}
	var run []*html.Node
	for _, root := range roots {
		if 0 < len(run) && adjacentSiblings(run[len(run)-1], root) {
			run = append(run, root)
			continue
		}
		if 0 < len(run) {
			runs = append(runs, run)
		}
		run = []*html.Node{root}
	}
	if 0 < len(run) {
		runs = append(runs, run)
	}
	return runs
}

func adjacentSiblings(a *html.Node, b *html.Node) bool {
	if a.Parent != b.Parent {
		return false
	}
	for c := a.NextSibling; c != nil; c = c.NextSibling {
		switch {
		case c == b:
			return true
		case c.Type == html.CommentNode:
		case c.Type == html.TextNode && strings.TrimSpace(c.Data) == "":
		default:
			return false
		}
	}
	return false
}

func (self *Patch) mergeUpdateRegion(el *html.Node, phxUpdate string) error {
	id := getAttr(el, "id")
	if id == "" {
		return contentErrorf(ErrMissingStableId, "%s region <%s> has no id", getAttr(el, phxUpdate), el.Data)
	}
	existingInContainer := findById(self.container, id)
	if existingInContainer == nil {
		return nil
	}
	existing := cloneNode(existingInContainer, true)
	newIds, err := childIds(el)
	if err != nil {
		return err
	}
	existingIds, err := childIds(existing)
	if err != nil {
		return err
	}
	if slices.Equal(newIds, existingIds) {
		return nil
	}

	for _, dupId := range newIds {
		if !slices.Contains(existingIds, dupId) {
			continue
		}
		updatedEl := findById(el, dupId)
		existingEl := findById(existing, dupId)
		if updatedEl != nil && existingEl != nil {
			replaceWith(existingEl, updatedEl)
		}
	}

	existingChildren := []*html.Node{}
	for c := existing.FirstChild; c != nil; c = c.NextSibling {
		existingChildren = append(existingChildren, c)
	}
	if getAttr(el, phxUpdate) == "append" {
		first := el.FirstChild
		for _, c := range existingChildren {
			insertBefore(el, c, first)
		}
	} else {
		for _, c := range existingChildren {
			insertBefore(el, c, nil)
		}
	}
	return nil
}

func childIds(n *html.Node) ([]string, error) {
	ids := []string{}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode {
			continue
		}
		id := getAttr(c, "id")
		if id == "" {
			return nil, contentErrorf(ErrMissingStableId, "child <%s> of #%s", c.Data, getAttr(n, "id"))
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func isPhxChild(n *html.Node) bool {
	return isElement(n) && getAttr(n, PhxParentId) != ""
}

// merges attributes into a focused input without touching what the user typed
func mergeInputs(target *html.Node, source *html.Node) {
	mergeAttrs(target, source, "value")
	if hasAttr(source, "readonly") {
		setAttr(target, "readonly", "true")
	} else {
		removeAttr(target, "readonly")
	}
}
