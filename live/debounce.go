package live

import (
	"strconv"
	"time"

	"golang.org/x/net/html"
)

// element private keys
const (
	debounceBlur    = "debounce-blur"
	debounceTimer   = "debounce-timer"
	debouncePrevKey = "debounce-prev-key"
	formListeners   = "form-listeners"
)

// form level event, sent to the listeners of a form
type formEvent struct {
	// `PhxChangeEvent` or "submit"
	Type        string
	TriggeredBy *html.Node
}

// rate limits `callback` for events on `el` following `phx-debounce` and `phx-throttle`.
// - no attribute: the callback runs now
// - "blur": the callback runs when `el` loses focus
// - an integer: milliseconds. Debounce runs the callback once the timer fires,
//   throttle runs it now and drops events until the timer fires.
//   A throttled keydown with a different key than the last one always runs.
func (self *LiveSocket) debounce(el *html.Node, eventType string, which int, callback func()) {
	debounceValue, hasDebounce := lookupAttr(el, self.settings.Binding(BindingDebounce))
	throttleValue, hasThrottle := lookupAttr(el, self.settings.Binding(BindingThrottle))
	if !hasDebounce && !hasThrottle {
		callback()
		return
	}
	value := debounceValue
	throttle := false
	if !hasDebounce {
		value = throttleValue
		throttle = true
	}

	if value == "blur" {
		// the latest callback runs on blur
		self.doc.PutPrivate(el, debounceBlur, callback)
		return
	}

	timeoutMillis, err := strconv.Atoi(value)
	if err != nil {
		logError(contentErrorf(ErrInvalidDebounce, "%q", value))
		return
	}
	if throttle && eventType == BindingKeydown {
		prevKey := self.doc.Private(el, debouncePrevKey)
		self.doc.PutPrivate(el, debouncePrevKey, which)
		if prevKey != which {
			callback()
			return
		}
	}
	if self.doc.Private(el, debounceTimer) != nil {
		return
	}

	form := inputForm(el)
	var removeListener func()
	clearTimer := func(event formEvent) {
		if throttle && event.Type == PhxChangeEvent && event.TriggeredBy != nil && getAttr(event.TriggeredBy, "name") == getAttr(el, "name") {
			return
		}
		if timer, ok := self.doc.Private(el, debounceTimer).(Timer); ok {
			timer.Stop()
		}
		self.doc.DeletePrivate(el, debounceTimer)
		if removeListener != nil {
			removeListener()
		}
	}
	timer := self.scheduler.AfterFunc(time.Duration(timeoutMillis)*time.Millisecond, func() {
		if removeListener != nil {
			removeListener()
		}
		self.doc.DeletePrivate(el, debounceTimer)
		if !throttle {
			callback()
		}
	})
	self.doc.PutPrivate(el, debounceTimer, timer)
	if form != nil {
		removeListener = self.addFormListener(form, clearTimer)
	}
	if throttle {
		callback()
	}
}

// runs the blur debounced callback of `el`, if any
func (self *LiveSocket) triggerDebounceBlur(el *html.Node) {
	if callback, ok := self.doc.Private(el, debounceBlur).(func()); ok {
		self.doc.DeletePrivate(el, debounceBlur)
		callback()
	}
}

func (self *LiveSocket) addFormListener(form *html.Node, listener func(formEvent)) func() {
	listeners, ok := self.doc.Private(form, formListeners).(*CallbackList[func(formEvent)])
	if !ok {
		listeners = NewCallbackList[func(formEvent)]()
		self.doc.PutPrivate(form, formListeners, listeners)
	}
	return listeners.Add(listener)
}

func (self *LiveSocket) dispatchFormEvent(form *html.Node, event formEvent) {
	if form == nil {
		return
	}
	if listeners, ok := self.doc.Private(form, formListeners).(*CallbackList[func(formEvent)]); ok {
		for _, listener := range listeners.Get() {
			listener(event)
		}
	}
}
