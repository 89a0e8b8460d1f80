package live

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/net/html"
)

func newTestDocument(t *testing.T, body string) *Document {
	doc, err := ParseDocument("<html><head><title>test</title></head><body>" + body + "</body></html>")
	if err != nil {
		t.Fatalf("parse document: %s", err)
	}
	return doc
}

func requirePatch(t *testing.T, patch *Patch) *PatchResult {
	result, err := patch.Perform()
	if err != nil {
		t.Fatalf("patch: %s", err)
	}
	return result
}

func childIdList(n *html.Node) []string {
	ids := []string{}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			ids = append(ids, getAttr(c, "id"))
		}
	}
	return ids
}

func TestPatchIdenticalMarkup(t *testing.T) {
	doc := newTestDocument(t, `<div id="root"><h1 class="title">hello</h1><ul id="items"><li id="a">a</li><li id="b">b</li></ul><p>text <b>bold</b></p></div>`)
	container := doc.GetElementById("root")
	before := doc.String()

	result := requirePatch(t, NewPatch(doc, DefaultSettings(), container, innerHTML(container)))
	assert.Equal(t, len(result.Events), 0)
	if diff := cmp.Diff(before, doc.String()); diff != "" {
		t.Fatalf("document changed (-before +after):\n%s", diff)
	}
}

func TestPatchUpdatesInPlace(t *testing.T) {
	doc := newTestDocument(t, `<div id="root"><p id="p">old</p><span>drop</span></div>`)
	container := doc.GetElementById("root")
	p := doc.GetElementById("p")

	result := requirePatch(t, NewPatch(doc, DefaultSettings(), container, `<p id="p" class="x">new</p><em>added</em>`))
	assert.Equal(t, doc.GetElementById("p") == p, true)
	assert.Equal(t, textContent(p), "new")
	assert.Equal(t, getAttr(p, "class"), "x")
	assert.Equal(t, innerHTML(container), `<p id="p" class="x">new</p><em>added</em>`)

	assert.Equal(t, result.Count(BeforeUpdated), 1)
	assert.Equal(t, result.Count(AfterUpdated), 1)
	assert.Equal(t, result.Count(AfterAdded), 1)
	assert.Equal(t, result.Count(AfterDiscarded), 1)
}

func TestPatchPreservesFocus(t *testing.T) {
	doc := newTestDocument(t, `<div id="root"><form id="f"><input id="name" name="name" type="text" value="hello world"></form><p>0</p></div>`)
	container := doc.GetElementById("root")
	input := doc.GetElementById("name")
	doc.Focus(input)
	doc.SetSelectionRange(3, 5)

	requirePatch(t, NewPatch(doc, DefaultSettings(), container, `<form id="f"><input id="name" name="name" type="text" value="hello world"></form><p>1</p>`))
	assert.Equal(t, doc.ActiveElement() == input, true)
	start, end := doc.SelectionRange()
	assert.Equal(t, start, 3)
	assert.Equal(t, end, 5)

	// the server value does not overwrite what the user is typing
	requirePatch(t, NewPatch(doc, DefaultSettings(), container, `<form id="f"><input id="name" name="name" type="text" value="server" readonly></form><p>2</p>`))
	assert.Equal(t, doc.ActiveElement() == input, true)
	assert.Equal(t, getAttr(input, "value"), "hello world")
	assert.Equal(t, getAttr(input, "readonly"), "true")
	start, end = doc.SelectionRange()
	assert.Equal(t, start, 3)
	assert.Equal(t, end, 5)
	assert.Equal(t, textContent(container), "2")
}

func TestPatchAppendRegion(t *testing.T) {
	doc := newTestDocument(t, `<div id="root"><ul id="list" phx-update="append"><li id="id1">one</li><li id="id2">two</li></ul></div>`)
	container := doc.GetElementById("root")
	id2 := doc.GetElementById("id2")

	result := requirePatch(t, NewPatch(doc, DefaultSettings(), container, `<ul id="list" phx-update="append"><li id="id2">TWO</li><li id="id3">three</li></ul>`))
	list := doc.GetElementById("list")
	assert.Equal(t, childIdList(list), []string{"id1", "id2", "id3"})
	assert.Equal(t, doc.GetElementById("id2") == id2, true)
	assert.Equal(t, textContent(id2), "TWO")
	assert.Equal(t, result.Count(AfterAdded), 1)
	assert.Equal(t, result.Count(AfterDiscarded), 0)
}

func TestPatchPrependRegion(t *testing.T) {
	doc := newTestDocument(t, `<div id="root"><ul id="list" phx-update="prepend"><li id="id1">one</li></ul></div>`)
	container := doc.GetElementById("root")

	requirePatch(t, NewPatch(doc, DefaultSettings(), container, `<ul id="list" phx-update="prepend"><li id="id0">zero</li></ul>`))
	assert.Equal(t, childIdList(doc.GetElementById("list")), []string{"id0", "id1"})
}

func TestPatchUpdateRegionRequiresIds(t *testing.T) {
	doc := newTestDocument(t, `<div id="root"><ul id="list" phx-update="append"><li id="id1">one</li></ul></div>`)
	container := doc.GetElementById("root")
	before := doc.String()

	_, err := NewPatch(doc, DefaultSettings(), container, `<ul id="list" phx-update="append"><li>two</li></ul>`).Perform()
	assert.Equal(t, errors.Is(err, ErrMissingStableId), true)
	assert.Equal(t, doc.String(), before)

	_, err = NewPatch(doc, DefaultSettings(), container, `<ul phx-update="append"><li id="id2">two</li></ul>`).Perform()
	assert.Equal(t, errors.Is(err, ErrMissingStableId), true)
	assert.Equal(t, doc.String(), before)
}

func TestPatchIgnoreRegion(t *testing.T) {
	doc := newTestDocument(t, `<div id="root"><div id="ig" phx-update="ignore" class="a">kept</div></div>`)
	container := doc.GetElementById("root")

	result := requirePatch(t, NewPatch(doc, DefaultSettings(), container, `<div id="ig" phx-update="ignore" class="b">replaced</div>`))
	ig := doc.GetElementById("ig")
	assert.Equal(t, getAttr(ig, "class"), "b")
	assert.Equal(t, textContent(ig), "kept")
	assert.Equal(t, result.Count(BeforeUpdated), 1)
	assert.Equal(t, result.Count(AfterUpdated), 0)
}

func TestPatchNestedView(t *testing.T) {
	doc := newTestDocument(t, `<div id="root"><div id="child" data-phx-view="Child" data-phx-parent-id="root" data-phx-static="st">child content</div></div>`)
	container := doc.GetElementById("root")

	requirePatch(t, NewPatch(doc, DefaultSettings(), container, `<div id="child" data-phx-view="Child" data-phx-parent-id="root" data-phx-session="next"></div>`))
	child := doc.GetElementById("child")
	assert.Equal(t, textContent(child), "child content")
	assert.Equal(t, getAttr(child, PhxStatic), "st")
	assert.Equal(t, getAttr(child, PhxSession), "next")

	result := requirePatch(t, NewPatch(doc, DefaultSettings(), container, `<div id="other" data-phx-view="Other" data-phx-parent-id="root"></div>`))
	assert.Equal(t, result.Count(BeforePhxChildAdded), 1)
	assert.Equal(t, result.Count(AfterDiscarded), 1)
}

func TestPatchComponent(t *testing.T) {
	doc := newTestDocument(t, `<div id="root"><p>before</p><span data-phx-component="3">old</span><p>after</p></div>`)
	container := doc.GetElementById("root")

	requirePatch(t, NewComponentPatch(doc, DefaultSettings(), container, `<span data-phx-component="3" class="c">new</span>`, 3))
	assert.Equal(t, innerHTML(container), `<p>before</p><span data-phx-component="3" class="c">new</span><p>after</p>`)

	_, err := NewComponentPatch(doc, DefaultSettings(), container, `<b data-phx-component="9"></b>`, 9).Perform()
	assert.Equal(t, errors.Is(err, ErrComponentNotFound), true)
}

func TestPatchComponentRenderedTwice(t *testing.T) {
	doc := newTestDocument(t, `<div id="root"><section id="a"><span data-phx-component="3">old</span></section><section id="b"><span data-phx-component="3">old</span></section></div>`)
	container := doc.GetElementById("root")
	a := doc.GetElementById("a")

	requirePatch(t, NewComponentPatch(doc, DefaultSettings(), container, `<span data-phx-component="3">new</span>`, 3))
	assert.Equal(t, innerHTML(container), `<section id="a"><span data-phx-component="3">new</span></section><section id="b"><span data-phx-component="3">new</span></section>`)
	assert.Equal(t, doc.GetElementById("a") == a, true)

	// two runs of a multi-root component under one parent stay two
	doc = newTestDocument(t, `<div id="root"><i data-phx-component="4">x</i> <b data-phx-component="4">y</b><hr><i data-phx-component="4">x</i> <b data-phx-component="4">y</b></div>`)
	container = doc.GetElementById("root")

	requirePatch(t, NewComponentPatch(doc, DefaultSettings(), container, `<i data-phx-component="4">x2</i> <b data-phx-component="4">y2</b>`, 4))
	assert.Equal(t, innerHTML(container), `<i data-phx-component="4">x2</i> <b data-phx-component="4">y2</b><hr/><i data-phx-component="4">x2</i> <b data-phx-component="4">y2</b>`)
}

func TestCommonAncestor(t *testing.T) {
	doc := newTestDocument(t, `<div id="root"><section id="a"><p id="p"></p><p id="q"></p></section><section id="b"><p id="r"></p></section></div>`)
	p := doc.GetElementById("p")
	q := doc.GetElementById("q")
	r := doc.GetElementById("r")

	assert.Equal(t, commonAncestor([]*html.Node{p}) == doc.GetElementById("a"), true)
	assert.Equal(t, commonAncestor([]*html.Node{p, q}) == doc.GetElementById("a"), true)
	assert.Equal(t, commonAncestor([]*html.Node{p, r, q}) == doc.GetElementById("root"), true)
	assert.Equal(t, len(componentRuns([]*html.Node{p, q, r})), 2)
}

func TestPatchDiscardedCids(t *testing.T) {
	doc := newTestDocument(t, `<div id="root"><span data-phx-component="7">seven</span><div data-phx-component="8"><i data-phx-component="9">nine</i></div></div>`)
	container := doc.GetElementById("root")

	result := requirePatch(t, NewPatch(doc, DefaultSettings(), container, `<p>gone</p>`))
	assert.Equal(t, result.DiscardedCids(), []int{7, 8, 9})
}

func TestPatchErrorFeedback(t *testing.T) {
	doc := newTestDocument(t, `<div id="root"><form id="f"><input id="email" name="email" type="text"></form></div>`)
	container := doc.GetElementById("root")
	markup := `<form id="f"><input id="email" name="email" type="text"><span id="e" data-phx-error-for="email">bad</span></form>`

	requirePatch(t, NewPatch(doc, DefaultSettings(), container, markup))
	assert.Equal(t, getAttr(doc.GetElementById("e"), "style"), "display: none;")

	doc.PutPrivate(doc.GetElementById("email"), PhxHasFocused, true)
	requirePatch(t, NewPatch(doc, DefaultSettings(), container, markup))
	assert.Equal(t, hasAttr(doc.GetElementById("e"), "style"), false)
}
