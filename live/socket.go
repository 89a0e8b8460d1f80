package live

import (
	"context"
	"encoding/json"
	"fmt"
	mathrand "math/rand"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"golang.org/x/net/html"
)

type LiveSocketOptions struct {
	// join params for a view name
	Params     func(viewName string) any
	Hooks      map[string]HookFactory
	ViewLogger ViewLogger
	Metrics    *Metrics
}

func DefaultLiveSocketOptions() *LiveSocketOptions {
	return &LiveSocketOptions{
		Params: func(viewName string) any {
			return map[string]any{}
		},
		Hooks:      map[string]HookFactory{},
		ViewLogger: GlogViewLogger,
	}
}

// The view registry. It joins the views found in the document, routes document
// events to the owning views and mediates navigation of the main view.
// Every method must be called on the scheduler.
type LiveSocket struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings  *Settings
	doc       *Document
	socket    Socket
	browser   Browser
	store     LocalStore
	scheduler Scheduler
	metrics   *Metrics

	params     func(viewName string) any
	hooks      map[string]HookFactory
	viewLogger ViewLogger

	views map[string]*View
	root  *View
	main  *View

	// navigation sequence token. A pending navigation commits only if no newer one was issued.
	linkRef        int
	href           string
	pendingLink    string
	hasPendingLink bool

	currentLocation *url.URL
	unloaded        bool
	hookIdSeq       int
	reloadTimer     Timer

	// a non textual input that last changed, standing in for focus
	activeElement *html.Node
	prevActive    *html.Node
	prevInput     *html.Node
	prevValue     string

	failureCallbacks *CallbackList[func(error)]
}

func NewLiveSocketWithDefaults(
	ctx context.Context,
	doc *Document,
	socket Socket,
	browser Browser,
	store LocalStore,
	scheduler Scheduler,
) *LiveSocket {
	return NewLiveSocket(ctx, doc, socket, browser, store, scheduler, DefaultSettings(), DefaultLiveSocketOptions())
}

func NewLiveSocket(
	ctx context.Context,
	doc *Document,
	socket Socket,
	browser Browser,
	store LocalStore,
	scheduler Scheduler,
	settings *Settings,
	options *LiveSocketOptions,
) *LiveSocket {
	cancelCtx, cancel := context.WithCancel(ctx)

	params := options.Params
	if params == nil {
		params = DefaultLiveSocketOptions().Params
	}
	hooks := options.Hooks
	if hooks == nil {
		hooks = map[string]HookFactory{}
	}

	location := browser.Location()
	liveSocket := &LiveSocket{
		ctx:              cancelCtx,
		cancel:           cancel,
		settings:         settings,
		doc:              doc,
		socket:           socket,
		browser:          browser,
		store:            store,
		scheduler:        scheduler,
		metrics:          options.Metrics,
		params:           params,
		hooks:            hooks,
		viewLogger:       options.ViewLogger,
		views:            map[string]*View{},
		href:             location.String(),
		currentLocation:  location,
		failureCallbacks: NewCallbackList[func(error)](),
	}

	socket.OnOpen(func() {
		if liveSocket.unloaded {
			liveSocket.DestroyAllViews()
			liveSocket.JoinRootViews()
			liveSocket.DetectMainView()
		}
		liveSocket.unloaded = false
	})
	if failures, ok := scheduler.(interface {
		OnFailure(callback func(error)) func()
	}); ok {
		failures.OnFailure(liveSocket.fail)
	}

	return liveSocket
}

func (self *LiveSocket) Document() *Document {
	return self.doc
}

func (self *LiveSocket) Settings() *Settings {
	return self.settings
}

func (self *LiveSocket) log(view *View, kind string, msg string, obj any) {
	if self.viewLogger != nil {
		self.viewLogger(view, kind, msg, obj)
	}
}

// unexpected failures of any reaction are delivered here
func (self *LiveSocket) OnFailure(callback func(error)) func() {
	return self.failureCallbacks.Add(callback)
}

func (self *LiveSocket) fail(err error) {
	glog.Errorf("[ls]unexpected failure = %s\n", err)
	for _, callback := range self.failureCallbacks.Get() {
		callback(err)
	}
}

func (self *LiveSocket) Connect() error {
	self.JoinRootViews()
	self.DetectMainView()
	return self.socket.Connect()
}

func (self *LiveSocket) Disconnect() {
	self.socket.Disconnect()
}

func (self *LiveSocket) Close() {
	self.cancel()
	if self.reloadTimer != nil {
		self.reloadTimer.Stop()
	}
	self.DestroyAllViews()
	self.Disconnect()
}

func (self *LiveSocket) IsConnected() bool {
	return self.socket.IsConnected()
}

// the page is going away, e.g. before a reload. Errors in this window show only the loader.
func (self *LiveSocket) Unload() {
	self.unloaded = true
}

func (self *LiveSocket) IsUnloaded() bool {
	return self.unloaded
}

// replaces the document after a full navigation and joins the views of the new page
func (self *LiveSocket) Load(location *url.URL, markup string) error {
	root, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return err
	}
	self.DestroyAllViews()
	self.main = nil
	self.doc.Replace(root)
	self.href = location.String()
	self.currentLocation = location
	self.pendingLink = ""
	self.hasPendingLink = false
	self.activeElement = nil
	self.prevActive = nil
	self.prevInput = nil
	// the new page joins its own views
	self.unloaded = false
	if self.socket.IsConnected() {
		self.JoinRootViews()
		self.DetectMainView()
		return nil
	}
	return self.Connect()
}

// schedules a full reload after a crashed join. Returns the reload delay.
func (self *LiveSocket) ReloadWithJitter(view *View) time.Duration {
	self.dropView(view)
	view.crash()
	self.Disconnect()

	minMillis := self.settings.ReloadJitterMin.Milliseconds()
	maxMillis := self.settings.ReloadJitterMax.Milliseconds()
	after := time.Duration(minMillis+mathrand.Int63n(maxMillis-minMillis+1)) * time.Millisecond
	tries := self.store.Update(view.Name(), ConsecutiveReload, 1, func(count int) int {
		return count + 1
	})
	self.log(view, "join", fmt.Sprintf("encountered %d consecutive reloads", tries), nil)
	failsafe := self.settings.MaxReloads < tries
	if failsafe {
		glog.Infof("[ls]%s exceeded %d consecutive reloads. Entering failsafe mode\n", view.Name(), self.settings.MaxReloads)
		self.log(view, "join", fmt.Sprintf("exceeded %d consecutive reloads. Entering failsafe mode", self.settings.MaxReloads), nil)
		after = self.settings.FailsafeJitter
	}
	self.metrics.reloadScheduled(view.Name(), failsafe)

	if self.reloadTimer != nil {
		self.reloadTimer.Stop()
	}
	self.reloadTimer = self.scheduler.AfterFunc(after, func() {
		self.reloadTimer = nil
		self.Unload()
		self.browser.Reload()
	})
	return after
}

func (self *LiveSocket) nextHookId() int {
	self.hookIdSeq += 1
	return self.hookIdSeq
}

func (self *LiveSocket) Views() []*View {
	ids := maps.Keys(self.views)
	slices.Sort(ids)
	views := make([]*View, 0, len(ids))
	for _, id := range ids {
		views = append(views, self.views[id])
	}
	return views
}

func (self *LiveSocket) Root() *View {
	return self.root
}

func (self *LiveSocket) Main() *View {
	return self.main
}

func (self *LiveSocket) JoinRootViews() {
	for _, rootEl := range allWithAttr(self.doc.Root(), PhxView) {
		if hasAttr(rootEl, PhxParentId) {
			continue
		}
		view := self.JoinView(rootEl, nil, self.Href(), nil)
		if self.root == nil && view != nil {
			self.root = view
		}
	}
}

func (self *LiveSocket) DetectMainView() {
	for _, el := range allWithAttrValue(self.doc.Root(), PhxMain, "true") {
		if main := self.getViewByEl(el); main != nil {
			self.main = main
		}
	}
}

// navigates the main view to `href` by fetching the page and joining a fresh view.
// The new view is swapped in only if no newer navigation was issued meanwhile.
func (self *LiveSocket) ReplaceMain(href string, callback func()) {
	self.replaceMain(href, callback, self.SetPendingLink(href))
}

func (self *LiveSocket) replaceMain(href string, callback func(), linkRef int) {
	if self.main == nil {
		self.browser.Redirect(href, "")
		return
	}
	self.main.showLoader(self.settings.LoaderTimeout)
	wasLoading := self.main.IsLoading()
	self.DestroyAllViews()

	self.browser.FetchPage(href, func(status int, markup string) {
		if status != http.StatusOK {
			self.browser.Redirect(href, "")
			return
		}
		nodes, err := parseFragment(templateContext, markup)
		if err != nil {
			self.browser.Redirect(href, "")
			return
		}
		var newMainEl *html.Node
		for _, n := range nodes {
			if isElement(n) {
				newMainEl = n
				break
			}
		}
		if newMainEl == nil {
			self.browser.Redirect(href, "")
			return
		}

		// a view of an earlier navigation to the same page
		if existing := self.getViewByEl(newMainEl); existing != nil {
			self.DestroyViewById(existing.id)
		}
		self.JoinView(newMainEl, nil, href, func(newMain *View) {
			if !self.CommitPendingLink(linkRef) {
				// a newer navigation won
				if self.GetViewById(newMain.id) == newMain {
					self.DestroyViewById(newMain.id)
				}
				return
			}
			if callback != nil {
				callback()
			}
			oldMain := self.main
			if self.GetViewById(oldMain.id) == oldMain {
				self.DestroyViewById(oldMain.id)
			}
			if oldMain.el.Parent != nil {
				replaceWith(oldMain.el, newMain.el)
			}
			self.main = newMain
			if self.root == nil {
				self.root = newMain
			}
			if wasLoading {
				newMain.showLoader(0)
			}
		})
	})
}

func (self *LiveSocket) JoinView(el *html.Node, parentView *View, href string, callback func(*View)) *View {
	if self.getViewByEl(el) != nil {
		return nil
	}
	view := newView(self, el, parentView, href)
	self.views[view.id] = view
	view.join(callback)
	return view
}

// the view whose container most closely encloses `childEl`
func (self *LiveSocket) Owner(childEl *html.Node) *View {
	if container := closestWithAttr(childEl, PhxView); container != nil {
		return self.getViewByEl(container)
	}
	return nil
}

// calls `callback` for every element matching the selector, with the view owning it
func (self *LiveSocket) WithinTargets(phxTarget string, callback func(view *View, targetEl *html.Node)) error {
	targets, err := self.doc.QueryAll(phxTarget)
	if err != nil {
		return contentErrorf(ErrNoTargets, "%q: %s", phxTarget, err)
	}
	if len(targets) == 0 {
		return contentErrorf(ErrNoTargets, "%q", phxTarget)
	}
	for _, targetEl := range targets {
		if view := self.Owner(targetEl); view != nil {
			callback(view, targetEl)
		}
	}
	return nil
}

// routes to the owner of `childEl`, or to the owners of its `phx-target` elements
func (self *LiveSocket) WithinOwners(childEl *html.Node, callback func(view *View, targetCtx *html.Node)) error {
	phxTarget, ok := lookupAttr(childEl, self.settings.Binding(BindingTarget))
	if !ok {
		if view := self.Owner(childEl); view != nil {
			callback(view, childEl)
		}
		return nil
	}
	return self.WithinTargets(phxTarget, callback)
}

func (self *LiveSocket) getViewByEl(el *html.Node) *View {
	return self.GetViewById(getAttr(el, "id"))
}

func (self *LiveSocket) GetViewById(id string) *View {
	return self.views[id]
}

func (self *LiveSocket) onViewError(view *View) {
	self.dropActiveElement(view)
}

func (self *LiveSocket) DestroyAllViews() {
	for _, id := range maps.Keys(self.views) {
		self.DestroyViewById(id)
	}
}

func (self *LiveSocket) destroyViewByEl(el *html.Node) {
	self.DestroyViewById(getAttr(el, "id"))
}

func (self *LiveSocket) DestroyViewById(id string) {
	view, ok := self.views[id]
	if !ok {
		return
	}
	self.dropView(view)
	view.destroy(nil)
}

func (self *LiveSocket) dropView(view *View) {
	if self.views[view.id] == view {
		delete(self.views, view.id)
	}
	if self.root == view {
		self.root = nil
	}
}

func (self *LiveSocket) setActiveElement(target *html.Node) {
	self.activeElement = target
}

func (self *LiveSocket) getActiveElement() *html.Node {
	if active := self.doc.ActiveElement(); active != nil {
		return active
	}
	return self.activeElement
}

func (self *LiveSocket) dropActiveElement(view *View) {
	if self.prevActive != nil && view.ownsElement(self.prevActive) {
		self.prevActive = nil
	}
}

func (self *LiveSocket) restorePreviouslyActiveFocus() {
	if self.prevActive != nil && self.doc.Contains(self.prevActive) {
		self.doc.Focus(self.prevActive)
	}
}

func (self *LiveSocket) blurActiveElement() {
	self.prevActive = self.getActiveElement()
	self.doc.Blur()
}

// starts a navigation and returns its token
func (self *LiveSocket) SetPendingLink(href string) int {
	self.linkRef += 1
	self.pendingLink = href
	self.hasPendingLink = true
	return self.linkRef
}

// commits the pending navigation if `linkRef` is still the latest
func (self *LiveSocket) CommitPendingLink(linkRef int) bool {
	if self.linkRef != linkRef {
		return false
	}
	self.href = self.pendingLink
	self.pendingLink = ""
	self.hasPendingLink = false
	return true
}

// drops the pending navigation if `linkRef` is still the latest
func (self *LiveSocket) abandonPendingLink(linkRef int) bool {
	if self.linkRef != linkRef || !self.hasPendingLink {
		return false
	}
	self.pendingLink = ""
	self.hasPendingLink = false
	return true
}

func (self *LiveSocket) HasPendingLink() bool {
	return self.hasPendingLink
}

func (self *LiveSocket) Href() string {
	return self.href
}

func (self *LiveSocket) registerNewLocation(location *url.URL) bool {
	if self.currentLocation.Path == location.Path && self.currentLocation.RawQuery == location.RawQuery {
		return false
	}
	self.currentLocation = location
	return true
}

// the browser moved through history to its current location
func (self *LiveSocket) PopState() {
	location := self.browser.Location()
	if !self.registerNewLocation(location) {
		return
	}
	href := location.String()
	if self.main != nil && self.main.IsConnected() {
		self.main.pushInternalLink(href, nil)
	} else {
		self.ReplaceMain(href, nil)
	}
}

// follows a `data-phx-live-link` click on `el`. Returns false when the click
// should be handled as a regular link.
func (self *LiveSocket) LiveLink(el *html.Node, wantsNewTab bool) bool {
	target := closestWithAttr(el, PhxLiveLink)
	if target == nil || wantsNewTab || !self.IsConnected() || self.main == nil {
		return false
	}
	kind := getAttr(target, PhxLiveLink)
	if kind == "" {
		return false
	}
	ref, err := url.Parse(getAttr(target, "href"))
	if err != nil {
		glog.Infof("[ls]live link href error = %s\n", err)
		return false
	}
	href := self.browser.Location().ResolveReference(ref).String()
	self.main.pushInternalLink(href, func() {
		self.browser.PushState(kind, href)
		self.registerNewLocation(self.browser.Location())
	})
	return true
}

func (self *LiveSocket) withinOwners(childEl *html.Node, callback func(view *View, targetCtx *html.Node)) {
	if err := self.WithinOwners(childEl, callback); err != nil {
		logError(err)
	}
}

func copyMeta(meta map[string]any) map[string]any {
	copied := map[string]any{}
	for k, v := range meta {
		copied[k] = v
	}
	return copied
}

func (self *LiveSocket) Click(el *html.Node, meta map[string]any) {
	click := self.settings.Binding(BindingClick)
	if target := closestWithAttr(el, click); target != nil {
		if phxEvent := getAttr(target, click); phxEvent != "" {
			self.debounce(target, BindingClick, 0, func() {
				self.withinOwners(target, func(view *View, targetCtx *html.Node) {
					view.pushEvent(BindingClick, target, targetCtx, phxEvent, copyMeta(meta))
				})
			})
		}
	}
	wantsNewTab := meta["metaKey"] == true || meta["ctrlKey"] == true || meta["button"] == 1
	self.LiveLink(el, wantsNewTab)
}

type KeyEvent struct {
	Key      string
	Code     string
	Which    int
	AltKey   bool
	CtrlKey  bool
	MetaKey  bool
	ShiftKey bool
	Repeat   bool
}

func (self *KeyEvent) meta() map[string]any {
	return map[string]any{
		"key":      self.Key,
		"code":     self.Code,
		"which":    self.Which,
		"keyCode":  self.Which,
		"altKey":   self.AltKey,
		"ctrlKey":  self.CtrlKey,
		"metaKey":  self.MetaKey,
		"shiftKey": self.ShiftKey,
		"repeat":   self.Repeat,
	}
}

// a keyup or keydown on `el`. Without an element binding the event goes to
// every `phx-window-<kind>` binding.
func (self *LiveSocket) Key(kind string, el *html.Node, event *KeyEvent) {
	self.bind(kind, el, event.Which, func(view *View, target *html.Node, targetCtx *html.Node, phxEvent string) {
		view.pushKey(target, targetCtx, kind, phxEvent, event.meta())
	})
}

func (self *LiveSocket) bind(kind string, el *html.Node, which int, callback func(view *View, target *html.Node, targetCtx *html.Node, phxEvent string)) {
	binding := self.settings.Binding(kind)
	if phxEvent := getAttr(el, binding); phxEvent != "" {
		self.debounce(el, kind, which, func() {
			self.withinOwners(el, func(view *View, targetCtx *html.Node) {
				callback(view, el, targetCtx, phxEvent)
			})
		})
		return
	}
	self.bindWindow(kind, which, callback)
}

func (self *LiveSocket) bindWindow(kind string, which int, callback func(view *View, target *html.Node, targetCtx *html.Node, phxEvent string)) {
	windowBinding := self.settings.Binding("window-" + kind)
	for _, windowEl := range allWithAttr(self.doc.Root(), windowBinding) {
		phxEvent := getAttr(windowEl, windowBinding)
		self.debounce(windowEl, kind, which, func() {
			self.withinOwners(windowEl, func(view *View, targetCtx *html.Node) {
				callback(view, windowEl, targetCtx, phxEvent)
			})
		})
	}
}

// `el` gained focus. Only the element's own `phx-focus` binding is pushed,
// window bindings come from `WindowFocus`.
func (self *LiveSocket) Focus(el *html.Node) {
	self.doc.Focus(el)
	self.focusEvent(BindingFocus, el)
}

// `el` lost focus
func (self *LiveSocket) Blur(el *html.Node) {
	if self.doc.ActiveElement() == el {
		self.doc.Blur()
	}
	self.triggerDebounceBlur(el)
	self.focusEvent(BindingBlur, el)
}

func (self *LiveSocket) focusEvent(kind string, el *html.Node) {
	binding := self.settings.Binding(kind)
	phxEvent := getAttr(el, binding)
	if phxEvent == "" {
		return
	}
	self.debounce(el, kind, 0, func() {
		self.withinOwners(el, func(view *View, targetCtx *html.Node) {
			view.pushEvent(kind, el, targetCtx, phxEvent, map[string]any{"type": kind})
		})
	})
}

func (self *LiveSocket) WindowFocus() {
	self.windowFocusEvent(BindingFocus)
}

func (self *LiveSocket) WindowBlur() {
	self.windowFocusEvent(BindingBlur)
}

func (self *LiveSocket) windowFocusEvent(kind string) {
	self.bindWindow(kind, 0, func(view *View, target *html.Node, targetCtx *html.Node, phxEvent string) {
		view.pushEvent(kind, target, targetCtx, phxEvent, map[string]any{"type": kind})
	})
}

func (self *LiveSocket) Submit(form *html.Node) {
	phxEvent := getAttr(form, self.settings.Binding(BindingSubmit))
	if phxEvent == "" {
		return
	}
	self.dispatchFormEvent(form, formEvent{Type: BindingSubmit})
	self.withinOwners(form, func(view *View, targetCtx *html.Node) {
		view.submitForm(form, targetCtx, phxEvent)
	})
}

func (self *LiveSocket) Change(input *html.Node) {
	self.formInput("change", input)
}

func (self *LiveSocket) Input(input *html.Node) {
	self.formInput("input", input)
}

func (self *LiveSocket) formInput(eventType string, input *html.Node) {
	form := inputForm(input)
	if form == nil {
		return
	}
	phxEvent := getAttr(form, self.settings.Binding(BindingChange))
	if phxEvent == "" {
		return
	}

	valueBytes, _ := json.Marshal(formValuesOf(form, getAttr(input, "name")))
	value := string(valueBytes)
	// a change and an input event for the same edit push once
	if self.prevInput == input && self.prevValue == value {
		return
	}
	self.prevInput = input
	self.prevValue = value

	self.debounce(input, eventType, 0, func() {
		self.withinOwners(input, func(view *View, targetCtx *html.Node) {
			if isTextualInput(input) {
				self.doc.PutPrivate(input, PhxHasFocused, true)
			} else {
				self.setActiveElement(input)
			}
			view.pushInput(input, targetCtx, phxEvent)
		})
	})
}
