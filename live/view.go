package live

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

type ViewState int

const (
	ViewStateJoining ViewState = iota
	ViewStateJoined
	// the channel errored or the join was rejected. The channel rejoins on its own.
	ViewStateDisconnected
	// terminal, a reload is scheduled
	ViewStateCrashed
	// terminal
	ViewStateDestroyed
)

func (self ViewState) String() string {
	switch self {
	case ViewStateJoining:
		return "joining"
	case ViewStateJoined:
		return "joined"
	case ViewStateDisconnected:
		return "disconnected"
	case ViewStateCrashed:
		return "crashed"
	case ViewStateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

type pendingDiff struct {
	diff *Rendered
	cid  *int
}

// one channel bound view over one container element.
// All methods run on the socket loop.
type View struct {
	liveSocket *LiveSocket
	parent     *View
	el         *html.Node
	id         string
	name       string
	href       string

	rendered *Rendered
	channel  Channel
	state    ViewState

	gracefullyClosed bool
	joinedOnce       bool
	loaderTimer      Timer
	pendingDiffs     []pendingDiff

	hooks map[int]*ViewHook
}

func newView(liveSocket *LiveSocket, el *html.Node, parent *View, href string) *View {
	view := &View{
		liveSocket: liveSocket,
		parent:     parent,
		el:         el,
		id:         getAttr(el, "id"),
		name:       getAttr(el, PhxView),
		href:       href,
		state:      ViewStateJoining,
		hooks:      map[int]*ViewHook{},
	}
	view.channel = liveSocket.socket.Channel(DefaultTopicBase+view.id, view.joinParams)
	view.showLoader(liveSocket.settings.LoaderTimeout)
	view.bindChannel()
	return view
}

func (self *View) Id() string {
	return self.id
}

func (self *View) Name() string {
	return self.name
}

func (self *View) El() *html.Node {
	return self.el
}

func (self *View) Parent() *View {
	return self.parent
}

func (self *View) Href() string {
	return self.href
}

func (self *View) State() ViewState {
	return self.state
}

func (self *View) Rendered() *Rendered {
	return self.rendered
}

func (self *View) PendingDiffCount() int {
	return len(self.pendingDiffs)
}

func (self *View) Hooks() []*ViewHook {
	ids := maps.Keys(self.hooks)
	slices.Sort(ids)
	hooks := make([]*ViewHook, 0, len(ids))
	for _, id := range ids {
		hooks = append(hooks, self.hooks[id])
	}
	return hooks
}

func (self *View) IsConnected() bool {
	return self.channel.CanPush()
}

func (self *View) IsLoading() bool {
	return hasClass(self.el, PhxDisconnected)
}

func (self *View) session() string {
	return getAttr(self.el, PhxSession)
}

func (self *View) static() *string {
	value := getAttr(self.el, PhxStatic)
	if value == "" {
		return nil
	}
	return &value
}

// evaluated by the channel on every (re)join
func (self *View) joinParams() any {
	href := self.href
	if href == "" {
		href = self.liveSocket.Href()
	}
	return &JoinParams{
		Url:     href,
		Params:  self.liveSocket.params(self.name),
		Session: self.session(),
		Static:  self.static(),
	}
}

func (self *View) log(kind string, msg string, obj any) {
	self.liveSocket.log(self, kind, msg, obj)
}

func (self *View) binding(kind string) string {
	return self.liveSocket.settings.Binding(kind)
}

func (self *View) destroy(callback func()) {
	if self.state == ViewStateDestroyed {
		return
	}
	self.state = ViewStateDestroyed
	self.stopLoaderTimer()
	self.pendingDiffs = nil

	finished := false
	onFinished := func(response json.RawMessage) {
		if finished {
			return
		}
		finished = true
		if callback != nil {
			callback()
		}
		self.destroyAllHooks()
	}
	if self.gracefullyClosed {
		self.log("destroyed", "the server view has gracefully closed", nil)
		onFinished(nil)
	} else {
		self.log("destroyed", "the child has been removed from the parent", nil)
		self.channel.Leave(self.liveSocket.settings.LeaveTimeout).
			Receive(StatusOk, onFinished).
			Receive(StatusError, onFinished).
			Receive(StatusTimeout, onFinished)
	}
}

// tears down local state, used when the page is about to reload.
// The channel is left so that it does not rejoin on the next connect.
func (self *View) crash() {
	self.state = ViewStateCrashed
	self.stopLoaderTimer()
	self.pendingDiffs = nil
	self.destroyAllHooks()
	self.channel.Leave(self.liveSocket.settings.LeaveTimeout)
}

func (self *View) destroyAllHooks() {
	for _, hook := range maps.Values(self.hooks) {
		self.destroyHook(hook)
	}
}

func (self *View) setContainerClasses(classes ...string) {
	removeClass(self.el, PhxConnected, PhxDisconnected, PhxError)
	addClass(self.el, classes...)
}

func (self *View) stopLoaderTimer() {
	if self.loaderTimer != nil {
		self.loaderTimer.Stop()
		self.loaderTimer = nil
	}
}

func (self *View) showLoader(timeout time.Duration) {
	self.scheduleLoader(timeout, PhxDisconnected)
}

func (self *View) displayError() {
	self.scheduleLoader(0, PhxDisconnected, PhxError)
}

// applies the loading classes after `timeout`, or now when `timeout` is 0
func (self *View) scheduleLoader(timeout time.Duration, classes ...string) {
	self.stopLoaderTimer()
	if 0 < timeout {
		self.loaderTimer = self.liveSocket.scheduler.AfterFunc(timeout, func() {
			self.loaderTimer = nil
			self.scheduleLoader(0, classes...)
		})
		return
	}
	for _, hook := range self.hooks {
		hook.trigger(hookDisconnected)
	}
	self.setContainerClasses(classes...)
}

func (self *View) hideLoader() {
	self.stopLoaderTimer()
	for _, hook := range self.hooks {
		hook.trigger(hookReconnected)
	}
	self.setContainerClasses(PhxConnected)
}

func (self *View) bindChannel() {
	self.channel.On("diff", func(payload json.RawMessage) {
		diff, err := ParseRendered(payload)
		if err != nil {
			logError(contentErrorf(ErrMalformedTree, "diff: %s", err))
			return
		}
		self.update(diff, nil)
	})
	self.channel.On("redirect", func(payload json.RawMessage) {
		var redirect Redirect
		if self.decode("redirect", payload, &redirect) {
			self.onRedirect(&redirect)
		}
	})
	self.channel.On("live_redirect", func(payload json.RawMessage) {
		var redirect LiveRedirect
		if self.decode("live_redirect", payload, &redirect) {
			self.onLiveRedirect(&redirect)
		}
	})
	self.channel.On("external_live_redirect", func(payload json.RawMessage) {
		var redirect LiveRedirect
		if self.decode("external_live_redirect", payload, &redirect) {
			self.onExternalLiveRedirect(&redirect)
		}
	})
	self.channel.On("session", func(payload json.RawMessage) {
		var session SessionPayload
		if self.decode("session", payload, &session) {
			setAttr(self.el, PhxSession, session.Token)
		}
	})
	self.channel.OnError(func(reason any) {
		self.onError(reason)
	})
	self.channel.OnClose(func() {
		self.onGracefulClose()
	})
}

func (self *View) decode(event string, payload json.RawMessage, v any) bool {
	if self.state == ViewStateDestroyed || self.state == ViewStateCrashed {
		return false
	}
	if err := json.Unmarshal(payload, v); err != nil {
		glog.Infof("[v]%s %s payload error = %s\n", self.id, event, err)
		return false
	}
	return true
}

func (self *View) join(callback func(*View)) {
	if self.parent != nil {
		self.parent.channel.OnClose(func() {
			self.onGracefulClose()
		})
		self.parent.channel.OnError(func(reason any) {
			self.liveSocket.DestroyViewById(self.id)
		})
	}
	self.channel.Join(self.liveSocket.settings.PushTimeout).
		Receive(StatusOk, func(response json.RawMessage) {
			if self.state == ViewStateDestroyed || self.state == ViewStateCrashed {
				return
			}
			var reply JoinReply
			if err := json.Unmarshal(response, &reply); err != nil {
				logError(contentErrorf(ErrMalformedTree, "join reply: %s", err))
				self.state = ViewStateDisconnected
				self.displayError()
				return
			}
			if !self.joinedOnce && callback != nil {
				callback(self)
			}
			self.joinedOnce = true
			Trace(fmt.Sprintf("[v]%s join", self.id), func() {
				self.onJoin(&reply)
			})
		}).
		Receive(StatusError, func(response json.RawMessage) {
			var joinError JoinError
			if err := json.Unmarshal(response, &joinError); err != nil {
				joinError.Reason = string(response)
			}
			self.onJoinError(&joinError)
		}).
		Receive(StatusTimeout, func(response json.RawMessage) {
			self.onJoinError(&JoinError{Reason: StatusTimeout})
		})
}

func (self *View) onJoin(reply *JoinReply) {
	if self.state == ViewStateDestroyed || self.state == ViewStateCrashed {
		return
	}
	if reply.Rendered == nil {
		logError(contentErrorf(ErrMalformedTree, "join reply without rendered"))
		self.state = ViewStateDisconnected
		self.displayError()
		return
	}
	self.log("join", "", reply.Rendered)
	self.liveSocket.metrics.join(self.name, "ok")
	if reply.Rendered.Title != "" {
		self.liveSocket.doc.SetTitle(reply.Rendered.Title)
	}
	self.liveSocket.store.Drop(self.name, ConsecutiveReload)
	self.rendered = reply.Rendered
	self.state = ViewStateJoined
	self.hideLoader()

	markup, err := Flatten(self.rendered)
	if err != nil {
		logError(err)
	}
	self.performPatch(NewPatch(self.liveSocket.doc, self.liveSocket.settings, self.el, markup))
	self.joinNewChildren()
	for _, hookEl := range allWithAttr(self.el, self.binding(BindingHook)) {
		if hook := self.addHook(hookEl); hook != nil {
			hook.trigger(hookMounted)
		}
	}
	if reply.LiveRedirect != nil {
		self.liveSocket.browser.PushState(reply.LiveRedirect.Kind, reply.LiveRedirect.To)
	}
}

func (self *View) onJoinError(joinError *JoinError) {
	if self.state == ViewStateDestroyed || self.state == ViewStateCrashed {
		return
	}
	switch joinError.Reason {
	case ClientOutdated, JoinCrashed:
		glog.Infof("[v]%s join %s\n", self.id, joinError.Reason)
		self.log("error", "join crashed, reloading", joinError.Err())
		self.liveSocket.metrics.join(self.name, "crashed")
		self.liveSocket.ReloadWithJitter(self)
		return
	}
	if joinError.Redirect != nil || joinError.ExternalLiveRedirect != nil {
		self.channel.Leave(self.liveSocket.settings.LeaveTimeout)
	}
	if joinError.Redirect != nil {
		self.liveSocket.metrics.join(self.name, "redirect")
		self.onRedirect(joinError.Redirect)
		return
	}
	if joinError.ExternalLiveRedirect != nil {
		self.liveSocket.metrics.join(self.name, "redirect")
		self.onExternalLiveRedirect(joinError.ExternalLiveRedirect)
		return
	}
	self.liveSocket.metrics.join(self.name, "error")
	self.state = ViewStateDisconnected
	self.displayError()
	self.log("error", "unable to join", joinError.Err())
}

func (self *View) onError(reason any) {
	if self.state == ViewStateDestroyed || self.state == ViewStateCrashed {
		return
	}
	glog.Infof("[v]%s channel error = %v\n", self.id, reason)
	self.log("error", "view crashed", reason)
	self.state = ViewStateDisconnected
	self.liveSocket.onViewError(self)
	self.liveSocket.doc.Blur()
	if self.liveSocket.IsUnloaded() {
		self.showLoader(self.liveSocket.settings.BeforeUnloadLoaderTimeout)
	} else {
		// a grace period so that an instant reconnect does not flicker
		self.scheduleLoader(self.liveSocket.settings.LoaderTimeout, PhxDisconnected, PhxError)
	}
}

func (self *View) onGracefulClose() {
	self.gracefullyClosed = true
	if self.liveSocket.GetViewById(self.id) == self {
		self.liveSocket.DestroyViewById(self.id)
	}
}

func (self *View) onRedirect(redirect *Redirect) {
	self.liveSocket.browser.Redirect(redirect.To, redirect.Flash)
}

func (self *View) onLiveRedirect(redirect *LiveRedirect) {
	self.href = redirect.To
	self.liveSocket.browser.PushState(redirect.Kind, redirect.To)
	self.liveSocket.registerNewLocation(self.liveSocket.browser.Location())
}

func (self *View) onExternalLiveRedirect(redirect *LiveRedirect) {
	location := self.liveSocket.browser.Location()
	href := fmt.Sprintf("%s://%s%s", location.Scheme, location.Host, redirect.To)
	self.liveSocket.ReplaceMain(href, func() {
		self.liveSocket.browser.PushState(redirect.Kind, redirect.To)
		self.liveSocket.registerNewLocation(self.liveSocket.browser.Location())
	})
}

// merges a diff and patches the container, or only the component `cid` when set
func (self *View) update(diff *Rendered, cid *int) {
	if self.state == ViewStateDestroyed || self.state == ViewStateCrashed || diff.IsEmpty() {
		return
	}
	if diff.Title != "" {
		self.liveSocket.doc.SetTitle(diff.Title)
	}
	if self.liveSocket.HasPendingLink() {
		self.pendingDiffs = append(self.pendingDiffs, pendingDiff{diff: diff, cid: cid})
		self.liveSocket.metrics.diffQueued(self.name)
		return
	}

	self.log("update", "", diff)
	self.rendered = MergeDiff(self.rendered, diff)
	var patch *Patch
	if cid != nil {
		markup, err := FlattenComponent(self.rendered, *cid)
		if err != nil {
			logError(err)
		}
		patch = NewComponentPatch(self.liveSocket.doc, self.liveSocket.settings, self.el, markup, *cid)
	} else {
		markup, err := Flatten(self.rendered)
		if err != nil {
			logError(err)
		}
		patch = NewPatch(self.liveSocket.doc, self.liveSocket.settings, self.el, markup)
	}
	self.performPatch(patch)
}

func (self *View) applyPendingUpdates() {
	pendingDiffs := self.pendingDiffs
	self.pendingDiffs = nil
	for _, pending := range pendingDiffs {
		self.update(pending.diff, pending.cid)
	}
}

// applies a patch and dispatches its lifecycle events to hooks, nested views and
// the component table
func (self *View) performPatch(patch *Patch) bool {
	startTime := time.Now()
	result, err := TraceWithReturnError(fmt.Sprintf("[v]%s patch", self.id), patch.Perform)
	self.liveSocket.metrics.patch(self.name, time.Since(startTime), err)
	if err != nil {
		logError(err)
		return false
	}

	phxChildrenAdded := false
	for _, event := range result.Events {
		switch event.Kind {
		case AfterAdded:
			if hook := self.addHook(event.El); hook != nil {
				hook.trigger(hookMounted)
			}
		case BeforePhxChildAdded:
			if self.ownsElement(event.El) {
				phxChildrenAdded = true
			}
		case BeforeUpdated:
			if hook := self.getHook(event.El); hook != nil {
				hook.trigger(hookBeforeUpdate)
			}
		case AfterUpdated:
			if hook := self.getHook(event.El); hook != nil {
				hook.trigger(hookUpdated)
			}
		case BeforeDiscarded:
			if hook := self.getHook(event.El); hook != nil {
				hook.trigger(hookBeforeDestroy)
			}
		case AfterDiscarded:
			if hook := self.getHook(event.El); hook != nil {
				self.destroyHook(hook)
			}
			// nested views leave their channel when their container goes away
			if hasAttr(event.El, PhxView) {
				self.liveSocket.destroyViewByEl(event.El)
			}
			self.liveSocket.doc.dropPrivates(event.El)
		}
	}
	for _, err := range result.UpdateErrors {
		self.liveSocket.fail(err)
	}

	if phxChildrenAdded {
		self.joinNewChildren()
	}
	self.maybePushComponentsDestroyed(result.DiscardedCids())
	return true
}

func (self *View) joinNewChildren() {
	for _, el := range allWithAttrValue(self.el, PhxParentId, self.id) {
		if !hasAttr(el, PhxView) {
			continue
		}
		if self.liveSocket.getViewByEl(el) == nil {
			self.liveSocket.JoinView(el, self, "", nil)
		}
	}
}

func (self *View) getHook(el *html.Node) *ViewHook {
	if id := hookElementId(self.liveSocket.doc, el); id != 0 {
		return self.hooks[id]
	}
	return nil
}

func (self *View) addHook(el *html.Node) *ViewHook {
	if !isElement(el) || hookElementId(self.liveSocket.doc, el) != 0 {
		return nil
	}
	hookName, ok := lookupAttr(el, self.binding(BindingHook))
	if !ok || !self.ownsElement(el) {
		return nil
	}
	factory, ok := self.liveSocket.hooks[hookName]
	if !ok {
		logError(contentErrorf(ErrUnknownHook, "%q", hookName))
		return nil
	}
	hook := newViewHook(self, el, factory())
	self.hooks[hook.id] = hook
	return hook
}

func (self *View) destroyHook(hook *ViewHook) {
	hook.trigger(hookDestroyed)
	delete(self.hooks, hook.id)
	self.liveSocket.doc.DeletePrivate(hook.el, hookIdKey)
}

func (self *View) pushWithReply(event string, payload any, cid *int, onReply func(*PushReply)) *Push {
	push := self.channel.Push(event, payload, self.liveSocket.settings.PushTimeout)
	push.Receive(StatusOk, func(response json.RawMessage) {
		if self.state == ViewStateDestroyed || self.state == ViewStateCrashed {
			return
		}
		reply := &PushReply{}
		if 0 < len(response) {
			if err := json.Unmarshal(response, reply); err != nil {
				logError(contentErrorf(ErrMalformedTree, "%s reply: %s", event, err))
			}
		}
		if reply.Diff != nil {
			self.update(reply.Diff, cid)
		}
		if reply.Redirect != nil {
			self.onRedirect(reply.Redirect)
		}
		if reply.LiveRedirect != nil {
			self.onLiveRedirect(reply.LiveRedirect)
		}
		if reply.ExternalLiveRedirect != nil {
			self.onExternalLiveRedirect(reply.ExternalLiveRedirect)
		}
		if onReply != nil {
			onReply(reply)
		}
	})
	push.Receive(StatusTimeout, func(response json.RawMessage) {
		glog.Infof("[v]%s push %s timeout\n", self.id, event)
		self.log("error", "push "+event, ErrTimeout)
	})
	return push
}

// the component to target when `target` declares `phx-target`
func (self *View) targetComponentId(target *html.Node, targetCtx *html.Node) *int {
	if hasAttr(target, self.binding(BindingTarget)) {
		return self.closestComponentId(targetCtx)
	}
	return nil
}

func (self *View) closestComponentId(targetCtx *html.Node) *int {
	if targetCtx == nil {
		return nil
	}
	el := closestWithAttr(targetCtx, PhxComponent)
	if el == nil || !self.ownsElement(el) {
		return nil
	}
	if cid, ok := componentId(el); ok {
		return &cid
	}
	return nil
}

func (self *View) pushHookEvent(targetCtx *html.Node, event string, payload any) *Push {
	cid := self.closestComponentId(targetCtx)
	return self.pushWithReply("event", &EventPayload{
		Type:  BindingHook,
		Event: event,
		Value: payload,
		Cid:   cid,
	}, cid, nil)
}

func (self *View) pushEvent(eventType string, el *html.Node, targetCtx *html.Node, phxEvent string, meta map[string]any) *Push {
	prefix := self.binding(BindingValue)
	for _, attr := range el.Attr {
		if name, ok := strings.CutPrefix(attr.Key, prefix); ok {
			meta[name] = attr.Val
		}
	}
	if hasValue(el) {
		meta["value"] = inputValue(el)
		if el.DataAtom == atom.Input && inputType(el) == "checkbox" && !hasAttr(el, "checked") {
			delete(meta, "value")
		}
	}
	cid := self.targetComponentId(el, targetCtx)
	return self.pushWithReply("event", &EventPayload{
		Type:  eventType,
		Event: phxEvent,
		Value: meta,
		Cid:   cid,
	}, cid, nil)
}

func (self *View) pushKey(keyElement *html.Node, targetCtx *html.Node, kind string, phxEvent string, meta map[string]any) *Push {
	if hasValue(keyElement) {
		meta["value"] = inputValue(keyElement)
	}
	cid := self.targetComponentId(keyElement, targetCtx)
	return self.pushWithReply("event", &EventPayload{
		Type:  kind,
		Event: phxEvent,
		Value: meta,
		Cid:   cid,
	}, cid, nil)
}

func (self *View) pushInput(inputEl *html.Node, targetCtx *html.Node, phxEvent string) *Push {
	form := inputForm(inputEl)
	self.liveSocket.dispatchFormEvent(form, formEvent{
		Type:        PhxChangeEvent,
		TriggeredBy: inputEl,
	})
	cid := self.targetComponentId(form, targetCtx)
	return self.pushWithReply("event", &EventPayload{
		Type:  "form",
		Event: phxEvent,
		Value: serializeForm(form, map[string]string{"_target": getAttr(inputEl, "name")}),
		Cid:   cid,
	}, cid, nil)
}

func (self *View) pushFormSubmit(form *html.Node, targetCtx *html.Node, phxEvent string, onReply func(*PushReply)) *Push {
	cid := self.targetComponentId(form, targetCtx)
	return self.pushWithReply("event", &EventPayload{
		Type:  "form",
		Event: phxEvent,
		Value: serializeForm(form, nil),
		Cid:   cid,
	}, cid, onReply)
}

// same-app navigation within this view. Diffs that arrive before the reply are queued.
func (self *View) pushInternalLink(href string, callback func()) *Push {
	if !self.IsLoading() {
		self.showLoader(self.liveSocket.settings.LoaderTimeout)
	}
	linkRef := self.liveSocket.SetPendingLink(href)
	abandon := func(response json.RawMessage) {
		if self.liveSocket.abandonPendingLink(linkRef) {
			self.applyPendingUpdates()
		}
	}
	return self.pushWithReply("link", &LinkPayload{Url: href}, nil, func(reply *PushReply) {
		if reply.LinkRedirect {
			self.liveSocket.replaceMain(href, callback, linkRef)
		} else if self.liveSocket.CommitPendingLink(linkRef) {
			self.href = href
			self.applyPendingUpdates()
			self.hideLoader()
			if callback != nil {
				callback()
			}
		}
	}).
		Receive(StatusError, abandon).
		Receive(StatusTimeout, func(response json.RawMessage) {
			abandon(response)
			self.liveSocket.browser.Redirect(href, "")
		})
}

// reports components whose markup is gone from the whole view. Components are pruned
// only after the server acknowledges.
func (self *View) maybePushComponentsDestroyed(destroyedCids []int) {
	completelyDestroyedCids := []int{}
	for _, cid := range destroyedCids {
		if len(findComponentNodeList(self.el, cid)) == 0 {
			completelyDestroyedCids = append(completelyDestroyedCids, cid)
		}
	}
	if len(completelyDestroyedCids) == 0 {
		return
	}
	self.pushWithReply("cids_destroyed", &CidsDestroyedPayload{Cids: completelyDestroyedCids}, nil, func(reply *PushReply) {
		self.rendered = PruneComponents(self.rendered, completelyDestroyedCids)
		self.liveSocket.metrics.componentsDestroyed(self.name, len(completelyDestroyedCids))
	})
}

func (self *View) ownsElement(el *html.Node) bool {
	if getAttr(el, PhxParentId) == self.id {
		return true
	}
	container := closestWithAttr(el, PhxView)
	return container != nil && getAttr(container, "id") == self.id
}

func (self *View) submitForm(form *html.Node, targetCtx *html.Node, phxEvent string) *Push {
	for _, textarea := range all(form, byAtom(atom.Textarea)) {
		setAttr(textarea, PhxTouch, "true")
	}
	self.liveSocket.doc.PutPrivate(form, PhxHasSubmitted, true)
	disableForm(form, self.liveSocket.settings)
	self.liveSocket.blurActiveElement()
	return self.pushFormSubmit(form, targetCtx, phxEvent, func(reply *PushReply) {
		restoreDisabledForm(form, self.liveSocket.settings)
		self.liveSocket.restorePreviouslyActiveFocus()
	})
}
