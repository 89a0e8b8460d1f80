package live

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const testLinkRendered = `{"s":["<a id=\"l\" data-phx-live-link=\"push\" href=\"/next\">next</a><p>","</p>"],"0":"a"}`

func TestLiveLinkQueuesDiffs(t *testing.T) {
	h := newTestHarness(t, testViewBody, nil)
	view := h.join(t, "phx-1", testLinkRendered)
	channel := h.socket.channel(t, "phx-1")

	assert.Equal(t, h.liveSocket.LiveLink(h.doc.GetElementById("l"), false), true)
	assert.Equal(t, h.liveSocket.HasPendingLink(), true)
	link := channel.lastPush(t, "link")
	assert.Equal(t, link.payload.(*LinkPayload).Url, "http://localhost/next")

	// diffs wait for the navigation
	channel.serverPush("diff", `{"0":"b"}`)
	assert.Equal(t, view.PendingDiffCount(), 1)
	assert.Equal(t, textContent(findFirst(view.El(), byAtom(atom.P))), "a")

	link.reply(StatusOk, `{}`)
	assert.Equal(t, h.liveSocket.HasPendingLink(), false)
	assert.Equal(t, view.PendingDiffCount(), 0)
	assert.Equal(t, textContent(findFirst(view.El(), byAtom(atom.P))), "b")
	assert.Equal(t, view.Href(), "http://localhost/next")
	assert.Equal(t, h.liveSocket.Href(), "http://localhost/next")
	assert.Equal(t, h.browser.pushStates, []string{"push http://localhost/next"})
}

func TestLiveLinkTimeoutRedirects(t *testing.T) {
	h := newTestHarness(t, testViewBody, nil)
	view := h.join(t, "phx-1", testLinkRendered)
	channel := h.socket.channel(t, "phx-1")

	h.liveSocket.LiveLink(h.doc.GetElementById("l"), false)
	channel.serverPush("diff", `{"0":"b"}`)
	channel.lastPush(t, "link").reply(StatusTimeout, "")

	assert.Equal(t, h.browser.redirects, []string{"http://localhost/next"})
	assert.Equal(t, h.liveSocket.HasPendingLink(), false)
	assert.Equal(t, view.PendingDiffCount(), 0)
	assert.Equal(t, textContent(findFirst(view.El(), byAtom(atom.P))), "b")
}

func TestLiveLinkIgnored(t *testing.T) {
	h := newTestHarness(t, testViewBody, nil)
	h.join(t, "phx-1", testLinkRendered)
	channel := h.socket.channel(t, "phx-1")
	link := h.doc.GetElementById("l")

	assert.Equal(t, h.liveSocket.LiveLink(link, true), false)
	h.liveSocket.Click(link, map[string]any{"ctrlKey": true})
	assert.Equal(t, len(channel.pushesOf("link")), 0)

	h.socket.Disconnect()
	assert.Equal(t, h.liveSocket.LiveLink(link, false), false)
	assert.Equal(t, len(channel.pushesOf("link")), 0)
}

func TestLinkRedirectReplacesMain(t *testing.T) {
	h := newTestHarness(t, testViewBody, nil)
	oldMain := h.join(t, "phx-1", testLinkRendered)

	h.liveSocket.Click(h.doc.GetElementById("l"), map[string]any{})
	h.socket.channel(t, "phx-1").lastPush(t, "link").reply(StatusOk, `{"link_redirect":true}`)
	assert.Equal(t, oldMain.State(), ViewStateDestroyed)
	assert.Equal(t, len(h.browser.fetches), 1)
	assert.Equal(t, h.browser.fetches[0].href, "http://localhost/next")

	h.browser.fetches[0].callback(http.StatusOK, `<div id="phx-2" data-phx-view="Next" data-phx-session="s2" data-phx-main="true"></div>`)
	h.socket.channel(t, "phx-2").replyJoin(StatusOk, `{"rendered":{"s":["<h1>next</h1>"]}}`)

	newMain := h.liveSocket.Main()
	assert.Equal(t, newMain.Id(), "phx-2")
	assert.Equal(t, h.doc.GetElementById("phx-1") == nil, true)
	assert.Equal(t, h.doc.GetElementById("phx-2") == newMain.El(), true)
	assert.Equal(t, innerHTML(newMain.El()), "<h1>next</h1>")
	assert.Equal(t, h.browser.pushStates, []string{"push http://localhost/next"})
	assert.Equal(t, h.liveSocket.HasPendingLink(), false)
}

func TestReplaceMainDiscardsStaleNavigation(t *testing.T) {
	h := newTestHarness(t, testViewBody, nil)
	h.join(t, "phx-1", `{"s":["main"]}`)

	h.liveSocket.ReplaceMain("http://localhost/a", nil)
	h.liveSocket.ReplaceMain("http://localhost/b", nil)
	assert.Equal(t, len(h.browser.fetches), 2)

	h.browser.fetches[0].callback(http.StatusOK, `<div id="phx-a" data-phx-view="A" data-phx-session="sa"></div>`)
	h.browser.fetches[1].callback(http.StatusOK, `<div id="phx-b" data-phx-view="B" data-phx-session="sb"></div>`)

	// the newer navigation joins first and wins
	h.socket.channel(t, "phx-b").replyJoin(StatusOk, `{"rendered":{"s":["b"]}}`)
	assert.Equal(t, h.liveSocket.Main().Id(), "phx-b")
	assert.Equal(t, h.liveSocket.Href(), "http://localhost/b")

	h.socket.channel(t, "phx-a").replyJoin(StatusOk, `{"rendered":{"s":["a"]}}`)
	assert.Equal(t, h.liveSocket.Main().Id(), "phx-b")
	assert.Equal(t, h.liveSocket.GetViewById("phx-a") == nil, true)
	assert.Equal(t, h.socket.channel(t, "phx-a").left, true)
	assert.Equal(t, h.doc.GetElementById("phx-a") == nil, true)
	assert.Equal(t, textContent(h.doc.GetElementById("phx-b")), "b")
}

func TestReplaceMainFetchFailureRedirects(t *testing.T) {
	h := newTestHarness(t, testViewBody, nil)
	h.join(t, "phx-1", `{"s":["main"]}`)

	h.liveSocket.ReplaceMain("http://localhost/a", nil)
	h.browser.fetches[0].callback(http.StatusGatewayTimeout, "")
	assert.Equal(t, h.browser.redirects, []string{"http://localhost/a"})
}

func TestPopState(t *testing.T) {
	h := newTestHarness(t, testViewBody, nil)
	h.join(t, "phx-1", `{"s":["main"]}`)
	channel := h.socket.channel(t, "phx-1")

	// same location
	h.liveSocket.PopState()
	assert.Equal(t, len(channel.pushesOf("link")), 0)

	h.browser.PushState("push", "/other")
	h.liveSocket.PopState()
	assert.Equal(t, channel.lastPush(t, "link").payload.(*LinkPayload).Url, "http://localhost/other")
}

func TestClickEvent(t *testing.T) {
	h := newTestHarness(t, testViewBody, nil)
	h.join(t, "phx-1", `{"s":["<button id=\"b\" phx-click=\"inc\" phx-value-amount=\"5\"><span id=\"label\">+</span></button>"]}`)
	channel := h.socket.channel(t, "phx-1")

	// clicks bubble to the binding
	h.liveSocket.Click(h.doc.GetElementById("label"), map[string]any{"button": 0})
	payload := channel.lastPush(t, "event").payload.(*EventPayload)
	assert.Equal(t, payload.Type, BindingClick)
	assert.Equal(t, payload.Event, "inc")
	assert.Equal(t, payload.Cid == nil, true)
	value := payload.Value.(map[string]any)
	assert.Equal(t, value["amount"], "5")
	assert.Equal(t, value["button"], 0)
}

func TestClickTargetsOtherView(t *testing.T) {
	body := `<div id="phx-1" data-phx-view="One" data-phx-session="s1"></div><div id="phx-2" data-phx-view="Two" data-phx-session="s2"></div>`
	h := newTestHarness(t, body, nil)
	assert.Equal(t, h.liveSocket.Connect(), nil)
	h.socket.channel(t, "phx-1").replyJoin(StatusOk, `{"rendered":{"s":["<button id=\"b\" phx-click=\"go\" phx-target=\"#phx-2 .target\">go</button>"]}}`)
	h.socket.channel(t, "phx-2").replyJoin(StatusOk, `{"rendered":{"s":["<p class=\"target\">t</p>"]}}`)

	h.liveSocket.Click(h.doc.GetElementById("b"), map[string]any{})
	assert.Equal(t, len(h.socket.channel(t, "phx-1").pushesOf("event")), 0)
	assert.Equal(t, h.socket.channel(t, "phx-2").lastPush(t, "event").payload.(*EventPayload).Event, "go")

	err := h.liveSocket.WithinTargets("#missing", func(view *View, targetEl *html.Node) {})
	assert.Equal(t, errors.Is(err, ErrNoTargets), true)
	err = h.liveSocket.WithinTargets("[[", func(view *View, targetEl *html.Node) {})
	assert.Equal(t, errors.Is(err, ErrNoTargets), true)
}

func TestKeyBindings(t *testing.T) {
	h := newTestHarness(t, testViewBody, nil)
	h.join(t, "phx-1", `{"s":["<input id=\"i\" name=\"q\" phx-keyup=\"search\" value=\"go\"><div id=\"w\" phx-window-keydown=\"shortcut\"></div>"]}`)
	channel := h.socket.channel(t, "phx-1")

	h.liveSocket.Key(BindingKeyup, h.doc.GetElementById("i"), &KeyEvent{Key: "o", Which: 79})
	payload := channel.lastPush(t, "event").payload.(*EventPayload)
	assert.Equal(t, payload.Type, BindingKeyup)
	assert.Equal(t, payload.Event, "search")
	assert.Equal(t, payload.Value.(map[string]any)["value"], "go")
	assert.Equal(t, payload.Value.(map[string]any)["key"], "o")

	// no element binding, the window binding receives it
	h.liveSocket.Key(BindingKeydown, h.doc.GetElementById("i"), &KeyEvent{Key: "k", MetaKey: true})
	payload = channel.lastPush(t, "event").payload.(*EventPayload)
	assert.Equal(t, payload.Type, BindingKeydown)
	assert.Equal(t, payload.Event, "shortcut")
	assert.Equal(t, payload.Value.(map[string]any)["metaKey"], true)
}

func TestFocusBlurBindings(t *testing.T) {
	h := newTestHarness(t, testViewBody, nil)
	h.join(t, "phx-1", `{"s":["<input id=\"i\" name=\"q\" phx-focus=\"focused\" phx-blur=\"blurred\"><div id=\"w\" phx-window-focus=\"page-focused\" phx-window-blur=\"page-blurred\"></div>"]}`)
	channel := h.socket.channel(t, "phx-1")
	input := h.doc.GetElementById("i")

	events := func() []string {
		names := []string{}
		for _, push := range channel.pushesOf("event") {
			names = append(names, push.payload.(*EventPayload).Event)
		}
		return names
	}

	h.liveSocket.Focus(input)
	assert.Equal(t, h.doc.ActiveElement() == input, true)
	assert.Equal(t, events(), []string{"focused"})

	h.liveSocket.Blur(input)
	assert.Equal(t, h.doc.ActiveElement() == nil, true)
	assert.Equal(t, events(), []string{"focused", "blurred"})

	h.liveSocket.WindowBlur()
	h.liveSocket.WindowFocus()
	assert.Equal(t, events(), []string{"focused", "blurred", "page-blurred", "page-focused"})
}

const testFormRendered = `{"s":["<form id=\"f\" phx-change=\"validate\" phx-submit=\"save\"><input id=\"name\" name=\"user[name]\" type=\"text\" value=\"jo\"><input id=\"agree\" name=\"agree\" type=\"checkbox\"><button id=\"save\" type=\"submit\" phx-disable-with=\"Saving...\">Save</button></form>"]}`

func TestFormChange(t *testing.T) {
	h := newTestHarness(t, testViewBody, nil)
	h.join(t, "phx-1", testFormRendered)
	channel := h.socket.channel(t, "phx-1")
	input := h.doc.GetElementById("name")

	SetInputValue(input, "joe")
	h.liveSocket.Input(input)
	payload := channel.lastPush(t, "event").payload.(*EventPayload)
	assert.Equal(t, payload.Type, "form")
	assert.Equal(t, payload.Event, "validate")
	assert.Equal(t, payload.Value, "_target=user%5Bname%5D&user%5Bname%5D=joe")
	assert.Equal(t, h.doc.Private(input, PhxHasFocused), true)

	// the change event for the same edit is not pushed again
	h.liveSocket.Change(input)
	assert.Equal(t, len(channel.pushesOf("event")), 1)

	checkbox := h.doc.GetElementById("agree")
	setAttr(checkbox, "checked", "")
	h.liveSocket.Change(checkbox)
	assert.Equal(t, len(channel.pushesOf("event")), 2)
	assert.Equal(t, channel.lastPush(t, "event").payload.(*EventPayload).Value, "_target=agree&agree=on&user%5Bname%5D=joe")
}

func TestFormSubmit(t *testing.T) {
	h := newTestHarness(t, testViewBody, nil)
	h.join(t, "phx-1", testFormRendered)
	channel := h.socket.channel(t, "phx-1")
	form := h.doc.GetElementById("f")
	input := h.doc.GetElementById("name")
	button := h.doc.GetElementById("save")
	h.doc.Focus(input)

	h.liveSocket.Submit(form)
	push := channel.lastPush(t, "event")
	assert.Equal(t, push.payload.(*EventPayload).Event, "save")
	assert.Equal(t, push.payload.(*EventPayload).Value, "user%5Bname%5D=jo")
	assert.Equal(t, hasClass(form, PhxLoading), true)
	assert.Equal(t, textContent(button), "Saving...")
	assert.Equal(t, hasAttr(button, "disabled"), true)
	assert.Equal(t, hasAttr(input, "readonly"), true)
	assert.Equal(t, h.doc.ActiveElement() == nil, true)

	push.reply(StatusOk, `{}`)
	assert.Equal(t, hasClass(form, PhxLoading), false)
	assert.Equal(t, textContent(button), "Save")
	assert.Equal(t, hasAttr(button, "disabled"), false)
	assert.Equal(t, hasAttr(input, "readonly"), false)
	assert.Equal(t, h.doc.ActiveElement() == input, true)
}

func TestDebounce(t *testing.T) {
	h := newTestHarness(t, testViewBody, nil)
	h.join(t, "phx-1", `{"s":["<button id=\"d\" phx-click=\"d\" phx-debounce=\"100\">d</button><button id=\"t\" phx-click=\"t\" phx-throttle=\"100\">t</button><button id=\"bad\" phx-click=\"bad\" phx-debounce=\"soon\">b</button>"]}`)
	channel := h.socket.channel(t, "phx-1")
	count := func(event string) int {
		n := 0
		for _, push := range channel.pushesOf("event") {
			if push.payload.(*EventPayload).Event == event {
				n += 1
			}
		}
		return n
	}

	debounced := h.doc.GetElementById("d")
	h.liveSocket.Click(debounced, map[string]any{})
	h.liveSocket.Click(debounced, map[string]any{})
	assert.Equal(t, count("d"), 0)
	h.scheduler.Advance(100 * time.Millisecond)
	assert.Equal(t, count("d"), 1)

	throttled := h.doc.GetElementById("t")
	h.liveSocket.Click(throttled, map[string]any{})
	h.liveSocket.Click(throttled, map[string]any{})
	assert.Equal(t, count("t"), 1)
	h.scheduler.Advance(100 * time.Millisecond)
	assert.Equal(t, count("t"), 1)
	h.liveSocket.Click(throttled, map[string]any{})
	assert.Equal(t, count("t"), 2)

	h.liveSocket.Click(h.doc.GetElementById("bad"), map[string]any{})
	assert.Equal(t, count("bad"), 0)
}

func TestDebounceBlur(t *testing.T) {
	h := newTestHarness(t, testViewBody, nil)
	h.join(t, "phx-1", `{"s":["<form id=\"f\" phx-change=\"validate\"><input id=\"q\" name=\"q\" type=\"text\" phx-debounce=\"blur\"></form>"]}`)
	channel := h.socket.channel(t, "phx-1")
	input := h.doc.GetElementById("q")

	h.liveSocket.Focus(input)
	SetInputValue(input, "a")
	h.liveSocket.Input(input)
	SetInputValue(input, "ab")
	h.liveSocket.Input(input)
	assert.Equal(t, len(channel.pushesOf("event")), 0)

	// only the latest value is pushed, once
	h.liveSocket.Blur(input)
	assert.Equal(t, len(channel.pushesOf("event")), 1)
	assert.Equal(t, channel.lastPush(t, "event").payload.(*EventPayload).Value, "_target=q&q=ab")
	h.liveSocket.Blur(input)
	assert.Equal(t, len(channel.pushesOf("event")), 1)
}

func TestHookPushEvent(t *testing.T) {
	var mountedHook *ViewHook
	options := DefaultLiveSocketOptions()
	options.Hooks = map[string]HookFactory{
		"Chart": func() any {
			return &captureHook{hook: &mountedHook}
		},
	}
	h := newTestHarness(t, testViewBody, options)
	view := h.join(t, "phx-1", `{"s":["<canvas id=\"chart\" phx-hook=\"Chart\"></canvas>"]}`)
	channel := h.socket.channel(t, "phx-1")
	assert.Equal(t, mountedHook != nil, true)
	assert.Equal(t, mountedHook.El() == h.doc.GetElementById("chart"), true)
	assert.Equal(t, mountedHook.ViewName(), view.Name())

	mountedHook.PushEvent("point", map[string]any{"x": 1}).Resolve(StatusOk, nil)
	payload := channel.lastPush(t, "event").payload.(*EventPayload)
	assert.Equal(t, payload.Type, BindingHook)
	assert.Equal(t, payload.Event, "point")

	assert.Equal(t, mountedHook.PushEventTo("#chart", "point", nil), nil)
	assert.Equal(t, len(channel.pushesOf("event")), 2)
	assert.Equal(t, errors.Is(mountedHook.PushEventTo("#nothing", "point", nil), ErrNoTargets), true)
}

type captureHook struct {
	hook **ViewHook
}

func (self *captureHook) Mounted(hook *ViewHook) {
	*self.hook = hook
}

func TestSocketReopenAfterUnloadRejoins(t *testing.T) {
	h := newTestHarness(t, testViewBody, nil)
	oldView := h.join(t, "phx-1", `{"s":["main"]}`)

	h.liveSocket.Unload()
	h.socket.Disconnect()
	assert.Equal(t, h.socket.Connect(), nil)

	newView := h.liveSocket.GetViewById("phx-1")
	assert.Equal(t, newView != oldView, true)
	assert.Equal(t, oldView.State(), ViewStateDestroyed)
	assert.Equal(t, newView.State(), ViewStateJoining)
	assert.Equal(t, h.liveSocket.IsUnloaded(), false)
}
