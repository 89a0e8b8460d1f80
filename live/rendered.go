package live

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/net/html"
)

// wire keys
const (
	renderedStatics       = "s"
	renderedComprehension = "d"
	renderedComponents    = "c"
	renderedTitle         = "title"
)

type DynamicKind int

const (
	DynamicText DynamicKind = iota
	DynamicTree
	DynamicComponent
)

// one dynamic slot: a literal, a nested tree or a component reference
type Dynamic struct {
	Kind DynamicKind
	Text string
	Tree *Rendered
	Cid  int
}

func TextDynamic(text string) Dynamic {
	return Dynamic{Kind: DynamicText, Text: text}
}

func TreeDynamic(tree *Rendered) Dynamic {
	return Dynamic{Kind: DynamicTree, Tree: tree}
}

func ComponentDynamic(cid int) Dynamic {
	return Dynamic{Kind: DynamicComponent, Cid: cid}
}

func (self Dynamic) Clone() Dynamic {
	if self.Kind == DynamicTree && self.Tree != nil {
		return TreeDynamic(self.Tree.Clone())
	}
	return self
}

func (self Dynamic) MarshalJSON() ([]byte, error) {
	switch self.Kind {
	case DynamicTree:
		return json.Marshal(self.Tree)
	case DynamicComponent:
		return json.Marshal(self.Cid)
	default:
		return json.Marshal(self.Text)
	}
}

// strings are literals, numbers are component references, objects are trees
func (self *Dynamic) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return contentErrorf(ErrMalformedTree, "empty dynamic")
	}
	switch data[0] {
	case '"':
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		*self = TextDynamic(text)
	case '{':
		tree := &Rendered{}
		if err := json.Unmarshal(data, tree); err != nil {
			return err
		}
		*self = TreeDynamic(tree)
	case 'n':
		*self = TextDynamic("")
	case 't', 'f':
		*self = TextDynamic(string(data))
	default:
		var cid int
		if err := json.Unmarshal(data, &cid); err != nil {
			return contentErrorf(ErrMalformedTree, "bad component reference %s", data)
		}
		*self = ComponentDynamic(cid)
	}
	return nil
}

// the render tree for one view.
// `Statics` is nil when absent from a diff. `Comprehension` is nil when absent,
// and an empty non-nil slice for an empty comprehension.
type Rendered struct {
	Statics       []string
	Dynamics      map[int]Dynamic
	Comprehension [][]Dynamic
	Components    map[int]*Rendered
	// empty means unchanged. a diff cannot clear the document title.
	Title         string
}

func ParseRendered(data []byte) (*Rendered, error) {
	rendered := &Rendered{}
	if err := json.Unmarshal(data, rendered); err != nil {
		return nil, err
	}
	return rendered, nil
}

func (self *Rendered) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return contentErrorf(ErrMalformedTree, "%s", err)
	}
	*self = Rendered{}
	for key, value := range fields {
		switch key {
		case renderedStatics:
			if err := json.Unmarshal(value, &self.Statics); err != nil {
				return contentErrorf(ErrMalformedTree, "statics: %s", err)
			}
			if self.Statics == nil {
				self.Statics = []string{}
			}
		case renderedComprehension:
			var tuples [][]Dynamic
			if err := json.Unmarshal(value, &tuples); err != nil {
				return err
			}
			if tuples == nil {
				tuples = [][]Dynamic{}
			}
			self.Comprehension = tuples
		case renderedComponents:
			var components map[string]*Rendered
			if err := json.Unmarshal(value, &components); err != nil {
				return err
			}
			self.Components = map[int]*Rendered{}
			for cidStr, component := range components {
				cid, err := strconv.Atoi(cidStr)
				if err != nil {
					return contentErrorf(ErrMalformedTree, "bad cid %q", cidStr)
				}
				if component == nil {
					component = &Rendered{}
				}
				self.Components[cid] = component
			}
		case renderedTitle:
			if err := json.Unmarshal(value, &self.Title); err != nil {
				return contentErrorf(ErrMalformedTree, "title: %s", err)
			}
		default:
			index, err := strconv.Atoi(key)
			if err != nil {
				// unknown keys are ignored
				continue
			}
			var dynamic Dynamic
			if err := json.Unmarshal(value, &dynamic); err != nil {
				return err
			}
			if self.Dynamics == nil {
				self.Dynamics = map[int]Dynamic{}
			}
			self.Dynamics[index] = dynamic
		}
	}
	return nil
}

func (self *Rendered) MarshalJSON() ([]byte, error) {
	fields := map[string]any{}
	if self.Statics != nil {
		fields[renderedStatics] = self.Statics
	}
	for index, dynamic := range self.Dynamics {
		fields[strconv.Itoa(index)] = dynamic
	}
	if self.Comprehension != nil {
		fields[renderedComprehension] = self.Comprehension
	}
	if self.Components != nil {
		components := map[string]*Rendered{}
		for cid, component := range self.Components {
			components[strconv.Itoa(cid)] = component
		}
		fields[renderedComponents] = components
	}
	if self.Title != "" {
		fields[renderedTitle] = self.Title
	}
	return json.Marshal(fields)
}

func (self *Rendered) Clone() *Rendered {
	if self == nil {
		return nil
	}
	clone := &Rendered{
		Statics: slices.Clone(self.Statics),
		Title:   self.Title,
	}
	if self.Dynamics != nil {
		clone.Dynamics = map[int]Dynamic{}
		for index, dynamic := range self.Dynamics {
			clone.Dynamics[index] = dynamic.Clone()
		}
	}
	if self.Comprehension != nil {
		clone.Comprehension = make([][]Dynamic, len(self.Comprehension))
		for i, tuple := range self.Comprehension {
			clone.Comprehension[i] = cloneTuple(tuple)
		}
	}
	if self.Components != nil {
		clone.Components = map[int]*Rendered{}
		for cid, component := range self.Components {
			clone.Components[cid] = component.Clone()
		}
	}
	return clone
}

func cloneTuple(tuple []Dynamic) []Dynamic {
	clone := make([]Dynamic, len(tuple))
	for i, dynamic := range tuple {
		clone[i] = dynamic.Clone()
	}
	return clone
}

// a diff carrying statics at the root replaces the rendered tree
func (self *Rendered) IsNewFingerprint() bool {
	return self != nil && self.Statics != nil
}

func (self *Rendered) IsComprehension() bool {
	return self.Comprehension != nil
}

func (self *Rendered) IsEmpty() bool {
	return self == nil || (self.Statics == nil &&
		len(self.Dynamics) == 0 &&
		self.Comprehension == nil &&
		len(self.Components) == 0 &&
		self.Title == "")
}

// sorted component ids
func (self *Rendered) ComponentIds() []int {
	cids := maps.Keys(self.Components)
	slices.Sort(cids)
	return cids
}

// merges `diff` into `source` and returns the result.
// `source` is modified in place unless the diff replaces it.
// The diff is never retained, so the same diff may be merged again.
func MergeDiff(source *Rendered, diff *Rendered) *Rendered {
	if source == nil || (diff.Components == nil && diff.IsNewFingerprint()) {
		return diff.Clone()
	}
	mergeRendered(source, diff)
	return source
}

func mergeRendered(target *Rendered, diff *Rendered) {
	if diff.Statics != nil {
		// fingerprint change. Dynamics rendered against the old statics are stale.
		target.Statics = slices.Clone(diff.Statics)
		target.Dynamics = nil
		target.Comprehension = nil
	}
	if diff.Comprehension != nil {
		target.Comprehension = make([][]Dynamic, len(diff.Comprehension))
		for i, tuple := range diff.Comprehension {
			target.Comprehension[i] = cloneTuple(tuple)
		}
	}
	for index, dynamic := range diff.Dynamics {
		if target.Dynamics == nil {
			target.Dynamics = map[int]Dynamic{}
		}
		current, ok := target.Dynamics[index]
		if ok && current.Kind == DynamicTree && dynamic.Kind == DynamicTree && current.Tree != nil && dynamic.Tree != nil {
			if current.Tree.Comprehension != nil && dynamic.Tree.Comprehension == nil {
				current.Tree.Comprehension = nil
			}
			mergeRendered(current.Tree, dynamic.Tree)
		} else {
			target.Dynamics[index] = dynamic.Clone()
		}
	}
	for cid, component := range diff.Components {
		if target.Components == nil {
			target.Components = map[int]*Rendered{}
		}
		if current, ok := target.Components[cid]; ok && current != nil {
			mergeRendered(current, component)
		} else {
			target.Components[cid] = component.Clone()
		}
	}
	// an empty title keeps the current one
	if diff.Title != "" {
		target.Title = diff.Title
	}
}

// removes components from the table. Callers must have confirmed that no markup
// references the components.
func PruneComponents(rendered *Rendered, cids []int) *Rendered {
	for _, cid := range cids {
		delete(rendered.Components, cid)
	}
	return rendered
}

// flattens the whole tree to markup. The markup is always produced;
// the error joins every content error found while flattening.
func Flatten(rendered *Rendered) (string, error) {
	flattener := newFlattener(rendered.Components)
	flattener.toBuffer(rendered)
	return flattener.buffer.String(), errors.Join(flattener.errs...)
}

// flattens a single component with its component id marker applied
func FlattenComponent(rendered *Rendered, cid int) (string, error) {
	flattener := newFlattener(rendered.Components)
	flattener.componentToBuffer(cid)
	return flattener.buffer.String(), errors.Join(flattener.errs...)
}

type flattener struct {
	components map[int]*Rendered
	buffer     strings.Builder
	errs       []error
	// guards against components that reference themselves
	visiting map[int]bool
}

func newFlattener(components map[int]*Rendered) *flattener {
	return &flattener{
		components: components,
		visiting:   map[int]bool{},
	}
}

func (self *flattener) toBuffer(rendered *Rendered) {
	if rendered.Comprehension != nil {
		self.comprehensionToBuffer(rendered)
		return
	}
	if len(rendered.Statics) == 0 {
		self.errs = append(self.errs, contentErrorf(ErrMalformedTree, "missing statics"))
		return
	}
	self.buffer.WriteString(rendered.Statics[0])
	for i := 1; i < len(rendered.Statics); i += 1 {
		if dynamic, ok := rendered.Dynamics[i-1]; ok {
			self.dynamicToBuffer(dynamic)
		} else {
			self.errs = append(self.errs, contentErrorf(ErrMalformedTree, "missing dynamic %d", i-1))
		}
		self.buffer.WriteString(rendered.Statics[i])
	}
}

func (self *flattener) comprehensionToBuffer(rendered *Rendered) {
	if len(rendered.Statics) == 0 {
		if 0 < len(rendered.Comprehension) {
			self.errs = append(self.errs, contentErrorf(ErrMalformedTree, "comprehension missing statics"))
		}
		return
	}
	for _, tuple := range rendered.Comprehension {
		self.buffer.WriteString(rendered.Statics[0])
		for i := 1; i < len(rendered.Statics); i += 1 {
			if i-1 < len(tuple) {
				self.dynamicToBuffer(tuple[i-1])
			} else {
				self.errs = append(self.errs, contentErrorf(ErrMalformedTree, "comprehension tuple missing %d", i-1))
			}
			self.buffer.WriteString(rendered.Statics[i])
		}
	}
}

func (self *flattener) dynamicToBuffer(dynamic Dynamic) {
	switch dynamic.Kind {
	case DynamicComponent:
		self.componentToBuffer(dynamic.Cid)
	case DynamicTree:
		if dynamic.Tree != nil {
			self.toBuffer(dynamic.Tree)
		}
	default:
		self.buffer.WriteString(dynamic.Text)
	}
}

func (self *flattener) componentToBuffer(cid int) {
	component, ok := self.components[cid]
	if !ok || component == nil {
		self.errs = append(self.errs, contentErrorf(ErrMissingComponent, "cid %d", cid))
		return
	}
	if self.visiting[cid] {
		self.errs = append(self.errs, contentErrorf(ErrMalformedTree, "component %d references itself", cid))
		return
	}
	self.visiting[cid] = true
	defer delete(self.visiting, cid)

	inner := newFlattener(self.components)
	inner.visiting = self.visiting
	inner.toBuffer(component)
	self.errs = append(self.errs, inner.errs...)

	markup, err := tagComponentRoot(inner.buffer.String(), cid)
	if err != nil {
		self.errs = append(self.errs, err)
	}
	self.buffer.WriteString(markup)
}

var templateContext = newElement("template")

// marks every root element of a component with its cid.
// Root text is dropped; non whitespace root text is a content error.
func tagComponentRoot(markup string, cid int) (string, error) {
	nodes, err := parseFragment(templateContext, markup)
	if err != nil {
		return "", contentErrorf(ErrComponentRoot, "cid %d: %s", cid, err)
	}
	errs := []error{}
	elementCount := 0
	var buf bytes.Buffer
	for _, n := range nodes {
		switch n.Type {
		case html.ElementNode:
			elementCount += 1
			setAttr(n, PhxComponent, strconv.Itoa(cid))
			html.Render(&buf, n)
		case html.TextNode:
			if text := strings.TrimSpace(n.Data); text != "" {
				errs = append(errs, contentErrorf(ErrComponentRoot, "cid %d: got %q", cid, text))
			}
		}
	}
	if 1 < elementCount {
		errs = append(errs, contentErrorf(ErrComponentRoot, "cid %d: expected one root element, got %d", cid, elementCount))
	}
	return buf.String(), errors.Join(errs...)
}

func (self *Rendered) String() string {
	markup, _ := Flatten(self)
	return markup
}

func (self Dynamic) String() string {
	switch self.Kind {
	case DynamicComponent:
		return fmt.Sprintf("cid(%d)", self.Cid)
	case DynamicTree:
		if self.Tree == nil {
			return "tree()"
		}
		return fmt.Sprintf("tree(%d statics)", len(self.Tree.Statics))
	default:
		return self.Text
	}
}
