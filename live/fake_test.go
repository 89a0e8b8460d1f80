package live

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"testing"
	"time"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

// a scheduler driven by the test. Time only moves on `Advance`.
type manualScheduler struct {
	now    time.Duration
	posted []func()
	timers []*manualTimer
}

type manualTimer struct {
	at       time.Duration
	delay    time.Duration
	callback func()
	stopped  bool
	fired    bool
}

func (self *manualTimer) Stop() bool {
	if self.stopped || self.fired {
		return false
	}
	self.stopped = true
	return true
}

func newManualScheduler() *manualScheduler {
	return &manualScheduler{}
}

func (self *manualScheduler) Post(callback func()) {
	self.posted = append(self.posted, callback)
}

func (self *manualScheduler) AfterFunc(timeout time.Duration, callback func()) Timer {
	timer := &manualTimer{
		at:       self.now + timeout,
		delay:    timeout,
		callback: callback,
	}
	self.timers = append(self.timers, timer)
	return timer
}

func (self *manualScheduler) Drain() {
	for 0 < len(self.posted) {
		callback := self.posted[0]
		self.posted = self.posted[1:]
		callback()
	}
}

// runs due timers in deadline order, then moves the clock to `now + timeout`
func (self *manualScheduler) Advance(timeout time.Duration) {
	end := self.now + timeout
	for {
		self.Drain()
		var next *manualTimer
		for _, timer := range self.timers {
			if timer.stopped || timer.fired || end < timer.at {
				continue
			}
			if next == nil || timer.at < next.at {
				next = timer
			}
		}
		if next == nil {
			break
		}
		self.now = next.at
		next.fired = true
		next.callback()
	}
	self.now = end
}

func (self *manualScheduler) activeTimers() []*manualTimer {
	active := []*manualTimer{}
	for _, timer := range self.timers {
		if !timer.stopped && !timer.fired {
			active = append(active, timer)
		}
	}
	return active
}

type fakePush struct {
	event   string
	payload any
	push    *Push
}

func (self *fakePush) reply(status string, response string) {
	var raw json.RawMessage
	if response != "" {
		raw = json.RawMessage(response)
	}
	self.push.Resolve(status, raw)
}

type fakeChannel struct {
	socket *fakeSocket
	topic  string
	params func() any

	joinPush  *Push
	joinCount int
	joined    bool
	left      bool
	pushes    []*fakePush

	bindings       map[string][]func(json.RawMessage)
	errorCallbacks []func(any)
	closeCallbacks []func()
}

func (self *fakeChannel) Join(timeout time.Duration) *Push {
	if self.joinPush == nil {
		self.joinPush = NewPush()
	}
	self.joinCount += 1
	return self.joinPush
}

func (self *fakeChannel) Push(event string, payload any, timeout time.Duration) *Push {
	push := NewPush()
	self.pushes = append(self.pushes, &fakePush{
		event:   event,
		payload: payload,
		push:    push,
	})
	return push
}

func (self *fakeChannel) Leave(timeout time.Duration) *Push {
	self.left = true
	self.joined = false
	return NewPush()
}

func (self *fakeChannel) On(event string, callback func(payload json.RawMessage)) {
	self.bindings[event] = append(self.bindings[event], callback)
}

func (self *fakeChannel) OnError(callback func(reason any)) {
	self.errorCallbacks = append(self.errorCallbacks, callback)
}

func (self *fakeChannel) OnClose(callback func()) {
	self.closeCallbacks = append(self.closeCallbacks, callback)
}

func (self *fakeChannel) CanPush() bool {
	return self.socket.connected && self.joined
}

func (self *fakeChannel) replyJoin(status string, response string) {
	if status == StatusOk {
		self.joined = true
	}
	self.joinPush.Resolve(status, json.RawMessage(response))
}

// the channel rejoined on its own after an error
func (self *fakeChannel) rejoin(status string, response string) {
	self.joinPush.Reset()
	self.replyJoin(status, response)
}

func (self *fakeChannel) serverPush(event string, payload string) {
	for _, callback := range self.bindings[event] {
		callback(json.RawMessage(payload))
	}
}

func (self *fakeChannel) fail(reason any) {
	self.joined = false
	for _, callback := range self.errorCallbacks {
		callback(reason)
	}
}

func (self *fakeChannel) close() {
	self.joined = false
	for _, callback := range self.closeCallbacks {
		callback()
	}
}

func (self *fakeChannel) pushesOf(event string) []*fakePush {
	pushes := []*fakePush{}
	for _, push := range self.pushes {
		if push.event == event {
			pushes = append(pushes, push)
		}
	}
	return pushes
}

func (self *fakeChannel) lastPush(t *testing.T, event string) *fakePush {
	pushes := self.pushesOf(event)
	if len(pushes) == 0 {
		t.Fatalf("no %s push on %s", event, self.topic)
	}
	return pushes[len(pushes)-1]
}

type fakeSocket struct {
	connected       bool
	connectCount    int
	disconnectCount int
	// the latest channel per topic
	channels      map[string]*fakeChannel
	allChannels   []*fakeChannel
	openCallbacks []func()
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		channels: map[string]*fakeChannel{},
	}
}

func (self *fakeSocket) Channel(topic string, params func() any) Channel {
	channel := &fakeChannel{
		socket:   self,
		topic:    topic,
		params:   params,
		bindings: map[string][]func(json.RawMessage){},
	}
	self.channels[topic] = channel
	self.allChannels = append(self.allChannels, channel)
	return channel
}

func (self *fakeSocket) Connect() error {
	self.connectCount += 1
	if !self.connected {
		self.connected = true
		for _, callback := range self.openCallbacks {
			callback()
		}
	}
	return nil
}

func (self *fakeSocket) Disconnect() {
	self.disconnectCount += 1
	self.connected = false
}

func (self *fakeSocket) IsConnected() bool {
	return self.connected
}

func (self *fakeSocket) OnOpen(callback func()) {
	self.openCallbacks = append(self.openCallbacks, callback)
}

func (self *fakeSocket) channel(t *testing.T, viewId string) *fakeChannel {
	channel, ok := self.channels[DefaultTopicBase+viewId]
	if !ok {
		t.Fatalf("no channel for view %s", viewId)
	}
	return channel
}

type fakeFetch struct {
	href     string
	callback func(status int, markup string)
}

type fakeBrowser struct {
	location   *url.URL
	redirects  []string
	pushStates []string
	reloads    int
	fetches    []*fakeFetch
}

func newFakeBrowser(location string) *fakeBrowser {
	u, err := url.Parse(location)
	if err != nil {
		panic(err)
	}
	return &fakeBrowser{
		location: u,
	}
}

func (self *fakeBrowser) Location() *url.URL {
	return self.location
}

func (self *fakeBrowser) Redirect(to string, flash string) {
	self.redirects = append(self.redirects, to)
}

func (self *fakeBrowser) PushState(kind string, to string) {
	ref, err := url.Parse(to)
	if err != nil {
		panic(err)
	}
	self.location = self.location.ResolveReference(ref)
	self.pushStates = append(self.pushStates, fmt.Sprintf("%s %s", kind, to))
}

func (self *fakeBrowser) Reload() {
	self.reloads += 1
}

func (self *fakeBrowser) FetchPage(href string, callback func(status int, markup string)) {
	self.fetches = append(self.fetches, &fakeFetch{
		href:     href,
		callback: callback,
	})
}

type testHarness struct {
	doc        *Document
	socket     *fakeSocket
	browser    *fakeBrowser
	store      *MemoryStore
	scheduler  *manualScheduler
	liveSocket *LiveSocket
}

func newTestHarness(t *testing.T, body string, options *LiveSocketOptions) *testHarness {
	if options == nil {
		options = DefaultLiveSocketOptions()
	}
	doc := newTestDocument(t, body)
	socket := newFakeSocket()
	browser := newFakeBrowser("http://localhost/page")
	store := NewMemoryStore()
	scheduler := newManualScheduler()
	liveSocket := NewLiveSocket(
		context.Background(),
		doc,
		socket,
		browser,
		store,
		scheduler,
		DefaultSettings(),
		options,
	)
	t.Cleanup(liveSocket.Close)
	return &testHarness{
		doc:        doc,
		socket:     socket,
		browser:    browser,
		store:      store,
		scheduler:  scheduler,
		liveSocket: liveSocket,
	}
}

// connects and joins the root view `viewId` with `rendered`
func (self *testHarness) join(t *testing.T, viewId string, rendered string) *View {
	if err := self.liveSocket.Connect(); err != nil {
		t.Fatalf("connect: %s", err)
	}
	self.socket.channel(t, viewId).replyJoin(StatusOk, fmt.Sprintf(`{"rendered":%s}`, rendered))
	view := self.liveSocket.GetViewById(viewId)
	if view == nil {
		t.Fatalf("no view %s", viewId)
	}
	return view
}
