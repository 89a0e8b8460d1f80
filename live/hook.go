package live

import (
	"golang.org/x/net/html"
)

// A hook is any value returned by a `HookFactory`. Each lifecycle callback is
// optional and is invoked only when the hook implements the matching interface.

type MountedHook interface {
	Mounted(hook *ViewHook)
}

type BeforeUpdateHook interface {
	BeforeUpdate(hook *ViewHook)
}

type UpdatedHook interface {
	Updated(hook *ViewHook)
}

type BeforeDestroyHook interface {
	BeforeDestroy(hook *ViewHook)
}

type DestroyedHook interface {
	Destroyed(hook *ViewHook)
}

type DisconnectedHook interface {
	Disconnected(hook *ViewHook)
}

type ReconnectedHook interface {
	Reconnected(hook *ViewHook)
}

// creates the callbacks for one element carrying `phx-hook="<name>"`
type HookFactory func() any

// element private key holding the hook id
const hookIdKey = "phxHookId"

type hookEvent int

const (
	hookMounted hookEvent = iota
	hookBeforeUpdate
	hookUpdated
	hookBeforeDestroy
	hookDestroyed
	hookDisconnected
	hookReconnected
)

// the binding of hook callbacks to one live element
type ViewHook struct {
	id        int
	view      *View
	el        *html.Node
	callbacks any
}

func newViewHook(view *View, el *html.Node, callbacks any) *ViewHook {
	id := view.liveSocket.nextHookId()
	view.liveSocket.doc.PutPrivate(el, hookIdKey, id)
	return &ViewHook{
		id:        id,
		view:      view,
		el:        el,
		callbacks: callbacks,
	}
}

// the hook id stamped on `el`, or 0
func hookElementId(doc *Document, el *html.Node) int {
	if id, ok := doc.Private(el, hookIdKey).(int); ok {
		return id
	}
	return 0
}

func (self *ViewHook) Id() int {
	return self.id
}

func (self *ViewHook) El() *html.Node {
	return self.el
}

func (self *ViewHook) ViewName() string {
	return self.view.Name()
}

func (self *ViewHook) Callbacks() any {
	return self.callbacks
}

func (self *ViewHook) PushEvent(event string, payload any) *Push {
	return self.view.pushHookEvent(nil, event, payload)
}

// pushes to every view owning an element matched by `phxTarget`
func (self *ViewHook) PushEventTo(phxTarget string, event string, payload any) error {
	return self.view.liveSocket.WithinTargets(phxTarget, func(view *View, targetCtx *html.Node) {
		view.pushHookEvent(targetCtx, event, payload)
	})
}

func (self *ViewHook) trigger(event hookEvent) {
	switch event {
	case hookMounted:
		if callback, ok := self.callbacks.(MountedHook); ok {
			callback.Mounted(self)
		}
	case hookBeforeUpdate:
		if callback, ok := self.callbacks.(BeforeUpdateHook); ok {
			callback.BeforeUpdate(self)
		}
	case hookUpdated:
		if callback, ok := self.callbacks.(UpdatedHook); ok {
			callback.Updated(self)
		}
	case hookBeforeDestroy:
		if callback, ok := self.callbacks.(BeforeDestroyHook); ok {
			callback.BeforeDestroy(self)
		}
	case hookDestroyed:
		if callback, ok := self.callbacks.(DestroyedHook); ok {
			callback.Destroyed(self)
		}
	case hookDisconnected:
		if callback, ok := self.callbacks.(DisconnectedHook); ok {
			callback.Disconnected(self)
		}
	case hookReconnected:
		if callback, ok := self.callbacks.(ReconnectedHook); ok {
			callback.Reconnected(self)
		}
	}
}
