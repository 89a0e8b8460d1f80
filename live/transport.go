package live

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
)

// phoenix channel protocol events
const (
	channelJoin  = "phx_join"
	channelLeave = "phx_leave"
	channelReply = "phx_reply"
	channelError = "phx_error"
	channelClose = "phx_close"

	heartbeatTopic = "phoenix"
	heartbeatEvent = "heartbeat"

	protocolVersion = "2.0.0"
)

const WsSendBufferSize = 1024

type WsSocketSettings struct {
	HandshakeTimeout  time.Duration
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	RejoinMin         time.Duration
	RejoinMax         time.Duration
	// extra connect params, evaluated on every connect
	Params func() map[string]string
	Header http.Header
	// cookies for the websocket handshake, e.g. from the page session
	Jar http.CookieJar
}

func DefaultWsSocketSettings() *WsSocketSettings {
	return &WsSocketSettings{
		HandshakeTimeout:  10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReconnectMin:      10 * time.Millisecond,
		ReconnectMax:      5 * time.Second,
		RejoinMin:         1 * time.Second,
		RejoinMax:         10 * time.Second,
	}
}

// one frame of the v2 serializer, `[join_ref, ref, topic, event, payload]`
type wsMessage struct {
	JoinRef *string
	Ref     *string
	Topic   string
	Event   string
	Payload json.RawMessage
}

func (self *wsMessage) MarshalJSON() ([]byte, error) {
	payload := self.Payload
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	return json.Marshal([]any{self.JoinRef, self.Ref, self.Topic, self.Event, payload})
}

func (self *wsMessage) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	if len(parts) != 5 {
		return fmt.Errorf("expected 5 message parts, got %d", len(parts))
	}
	if err := json.Unmarshal(parts[0], &self.JoinRef); err != nil {
		return err
	}
	if err := json.Unmarshal(parts[1], &self.Ref); err != nil {
		return err
	}
	if err := json.Unmarshal(parts[2], &self.Topic); err != nil {
		return err
	}
	if err := json.Unmarshal(parts[3], &self.Event); err != nil {
		return err
	}
	self.Payload = parts[4]
	return nil
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// A `Socket` over a websocket using the phoenix channel v2 json serializer.
// Network goroutines post into the scheduler; all socket and channel state is
// owned by the scheduler.
type WsSocket struct {
	ctx context.Context

	endpoint   string
	instanceId ulid.ULID
	settings   *WsSocketSettings
	scheduler  Scheduler

	refSeq atomic.Uint64

	runCancel context.CancelFunc
	conn      *websocket.Conn
	sendCh    chan []byte
	connected bool

	channels            []*WsChannel
	replies             map[string]func(status string, response json.RawMessage)
	heartbeatTimer      Timer
	pendingHeartbeatRef string

	openCallbacks *CallbackList[func()]
}

func NewWsSocketWithDefaults(ctx context.Context, endpoint string, scheduler Scheduler) *WsSocket {
	return NewWsSocket(ctx, endpoint, scheduler, DefaultWsSocketSettings())
}

func NewWsSocket(ctx context.Context, endpoint string, scheduler Scheduler, settings *WsSocketSettings) *WsSocket {
	return &WsSocket{
		ctx:           ctx,
		endpoint:      endpoint,
		instanceId:    ulid.Make(),
		settings:      settings,
		scheduler:     scheduler,
		replies:       map[string]func(string, json.RawMessage){},
		openCallbacks: NewCallbackList[func()](),
	}
}

func (self *WsSocket) InstanceId() ulid.ULID {
	return self.instanceId
}

func (self *WsSocket) makeRef() string {
	return strconv.FormatUint(self.refSeq.Add(1), 10)
}

func (self *WsSocket) endpointUrl() (string, error) {
	u, err := url.Parse(self.endpoint)
	if err != nil {
		return "", err
	}
	u.Path = u.Path + "/websocket"
	query := u.Query()
	query.Set("vsn", protocolVersion)
	query.Set("_instance", self.instanceId.String())
	if self.settings.Params != nil {
		for key, value := range self.settings.Params() {
			query.Set(key, value)
		}
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

func (self *WsSocket) Channel(topic string, params func() any) Channel {
	channel := &WsChannel{
		socket:         self,
		topic:          topic,
		params:         params,
		state:          wsChannelClosed,
		bindings:       map[string][]func(json.RawMessage){},
		errorCallbacks: NewCallbackList[func(any)](),
		closeCallbacks: NewCallbackList[func()](),
		rejoinBackoff: &backoff.Backoff{
			Min:    self.settings.RejoinMin,
			Max:    self.settings.RejoinMax,
			Factor: 2,
			Jitter: true,
		},
	}
	self.channels = append(self.channels, channel)
	return channel
}

func (self *WsSocket) removeChannel(channel *WsChannel) {
	for i, c := range self.channels {
		if c == channel {
			self.channels = append(self.channels[:i], self.channels[i+1:]...)
			return
		}
	}
}

func (self *WsSocket) OnOpen(callback func()) {
	self.openCallbacks.Add(callback)
}

func (self *WsSocket) IsConnected() bool {
	return self.connected
}

func (self *WsSocket) Connect() error {
	if self.runCancel != nil {
		return nil
	}
	endpointUrl, err := self.endpointUrl()
	if err != nil {
		return errors.Wrapf(err, "endpoint %s", self.endpoint)
	}
	runCtx, runCancel := context.WithCancel(self.ctx)
	self.runCancel = runCancel
	go self.run(runCtx, endpointUrl)
	return nil
}

func (self *WsSocket) Disconnect() {
	if self.runCancel != nil {
		self.runCancel()
		self.runCancel = nil
	}
}

func (self *WsSocket) run(ctx context.Context, endpointUrl string) {
	reconnect := &backoff.Backoff{
		Min:    self.settings.ReconnectMin,
		Max:    self.settings.ReconnectMax,
		Factor: 2,
		Jitter: true,
	}
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.HandshakeTimeout,
		Jar:              self.settings.Jar,
	}
	for {
		connect := func() (*websocket.Conn, error) {
			ws, _, err := dialer.DialContext(ctx, endpointUrl, self.settings.Header)
			return ws, err
		}
		var ws *websocket.Conn
		var err error
		if glog.V(2) {
			ws, err = TraceWithReturnError(fmt.Sprintf("[t]connect %s", self.instanceId), connect)
		} else {
			ws, err = connect()
		}
		if err != nil {
			glog.Infof("[t]connect %s error = %s\n", self.instanceId, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnect.Duration()):
				continue
			}
		}
		reconnect.Reset()

		if glog.V(2) {
			Trace(fmt.Sprintf("[t]connect run %s", self.instanceId), func() {
				self.handle(ctx, ws)
			})
		} else {
			self.handle(ctx, ws)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnect.Duration()):
		}
	}
}

func (self *WsSocket) handle(ctx context.Context, ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(ctx)
	defer handleCancel()

	send := make(chan []byte, WsSendBufferSize)
	self.scheduler.Post(func() {
		self.onConnOpen(ws, send)
	})
	defer self.scheduler.Post(func() {
		self.onConnClose(send)
	})

	go func() {
		defer handleCancel()
		for {
			select {
			case <-handleCtx.Done():
				return
			case message := <-send:
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					// note that for websocket a dealine timeout cannot be recovered
					glog.Infof("[ts]%s-> error = %s\n", self.instanceId, err)
					return
				}
				glog.V(2).Infof("[ts]%s-> %s\n", self.instanceId, message)
			}
		}
	}()

	go func() {
		defer handleCancel()
		for {
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				glog.Infof("[tr]%s<- error = %s\n", self.instanceId, err)
				return
			}
			switch messageType {
			case websocket.TextMessage:
				var msg wsMessage
				if err := json.Unmarshal(message, &msg); err != nil {
					glog.Infof("[tr]%s<- bad message = %s\n", self.instanceId, err)
					continue
				}
				glog.V(2).Infof("[tr]%s<- %s\n", self.instanceId, message)
				self.scheduler.Post(func() {
					self.dispatch(&msg)
				})
			default:
				glog.V(2).Infof("[tr]other=%d %s<-\n", messageType, self.instanceId)
			}
		}
	}()

	select {
	case <-handleCtx.Done():
	}
}

func (self *WsSocket) onConnOpen(ws *websocket.Conn, send chan []byte) {
	self.conn = ws
	self.sendCh = send
	self.connected = true
	self.pendingHeartbeatRef = ""
	self.scheduleHeartbeat()
	for _, callback := range self.openCallbacks.Get() {
		callback()
	}
	for _, channel := range append([]*WsChannel{}, self.channels...) {
		if channel.state == wsChannelJoining || channel.state == wsChannelErrored {
			channel.rejoin()
		}
	}
}

func (self *WsSocket) onConnClose(send chan []byte) {
	if self.sendCh != send {
		return
	}
	self.conn = nil
	self.sendCh = nil
	self.connected = false
	if self.heartbeatTimer != nil {
		self.heartbeatTimer.Stop()
		self.heartbeatTimer = nil
	}
	for _, channel := range append([]*WsChannel{}, self.channels...) {
		switch channel.state {
		case wsChannelJoined, wsChannelJoining:
			channel.onError(ErrChannelClosed)
		}
	}
}

func (self *WsSocket) scheduleHeartbeat() {
	self.heartbeatTimer = self.scheduler.AfterFunc(self.settings.HeartbeatInterval, func() {
		self.heartbeatTimer = nil
		if !self.connected {
			return
		}
		if self.pendingHeartbeatRef != "" {
			glog.Infof("[t]%s heartbeat timeout\n", self.instanceId)
			self.pendingHeartbeatRef = ""
			// the reader returns and the connection is redialed
			self.conn.Close()
			return
		}
		ref := self.makeRef()
		self.pendingHeartbeatRef = ref
		if err := self.write(&wsMessage{
			Ref:   &ref,
			Topic: heartbeatTopic,
			Event: heartbeatEvent,
		}); err != nil {
			glog.Infof("[t]%s heartbeat error = %s\n", self.instanceId, err)
		}
		self.scheduleHeartbeat()
	})
}

// an unsent request still resolves through its timeout
func (self *WsSocket) write(msg *wsMessage) error {
	if self.sendCh == nil {
		return ErrNotConnected
	}
	message, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrapf(err, "encode %s %s", msg.Topic, msg.Event)
	}
	select {
	case self.sendCh <- message:
		return nil
	default:
		return errors.Errorf("send buffer full, drop %s %s", msg.Topic, msg.Event)
	}
}

func (self *WsSocket) dispatch(msg *wsMessage) {
	if msg.Topic == heartbeatTopic {
		if msg.Ref != nil && *msg.Ref == self.pendingHeartbeatRef {
			self.pendingHeartbeatRef = ""
		}
		return
	}
	if msg.Event == channelReply && msg.Ref != nil {
		if reply, ok := self.replies[*msg.Ref]; ok {
			delete(self.replies, *msg.Ref)
			var payload replyPayload
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				glog.Infof("[tr]%s reply error = %s\n", self.instanceId, err)
				return
			}
			reply(payload.Status, payload.Response)
		}
		return
	}
	for _, channel := range append([]*WsChannel{}, self.channels...) {
		if channel.topic != msg.Topic {
			continue
		}
		if msg.JoinRef != nil && *msg.JoinRef != channel.joinRef {
			// a message for an earlier join
			continue
		}
		channel.trigger(msg.Event, msg.Payload)
	}
}

// sends a request and resolves `push` with the reply, or with a timeout
func (self *WsSocket) request(channel *WsChannel, event string, payload any, timeout time.Duration, push *Push) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		push.Resolve(StatusError, json.RawMessage(strconv.Quote(err.Error())))
		return
	}
	ref := self.makeRef()
	if event == channelJoin {
		// a join starts a new join ref
		channel.joinRef = ref
	}
	joinRef := channel.joinRef
	var timer Timer
	self.replies[ref] = func(status string, response json.RawMessage) {
		if timer != nil {
			timer.Stop()
		}
		push.Resolve(status, response)
	}
	timer = self.scheduler.AfterFunc(timeout, func() {
		delete(self.replies, ref)
		push.Resolve(StatusTimeout, nil)
	})
	if err := self.write(&wsMessage{
		JoinRef: &joinRef,
		Ref:     &ref,
		Topic:   channel.topic,
		Event:   event,
		Payload: payloadBytes,
	}); err != nil {
		glog.Infof("[ts]%s %s %s error = %s\n", self.instanceId, channel.topic, event, err)
	}
}

type wsChannelState int

const (
	wsChannelClosed wsChannelState = iota
	wsChannelErrored
	wsChannelJoining
	wsChannelJoined
	wsChannelLeaving
)

type bufferedPush struct {
	event   string
	payload any
	timeout time.Duration
	push    *Push
}

type WsChannel struct {
	socket *WsSocket
	topic  string
	params func() any

	state       wsChannelState
	joinRef     string
	joinPush    *Push
	joinTimeout time.Duration
	pushBuffer  []*bufferedPush

	bindings       map[string][]func(json.RawMessage)
	errorCallbacks *CallbackList[func(any)]
	closeCallbacks *CallbackList[func()]

	rejoinBackoff *backoff.Backoff
	rejoinTimer   Timer
}

func (self *WsChannel) Join(timeout time.Duration) *Push {
	if self.joinPush == nil {
		self.joinPush = NewPush()
		self.joinTimeout = timeout
		self.rejoin()
	}
	return self.joinPush
}

func (self *WsChannel) rejoin() {
	if self.state == wsChannelLeaving || self.joinPush == nil {
		return
	}
	if self.rejoinTimer != nil {
		self.rejoinTimer.Stop()
		self.rejoinTimer = nil
	}
	self.state = wsChannelJoining
	if !self.socket.connected {
		// joins when the socket opens
		return
	}
	self.joinPush.Reset()

	result := NewPush()
	result.Receive(StatusOk, func(response json.RawMessage) {
		self.state = wsChannelJoined
		self.rejoinBackoff.Reset()
		self.joinPush.Resolve(StatusOk, response)
		pushBuffer := self.pushBuffer
		self.pushBuffer = nil
		for _, buffered := range pushBuffer {
			self.socket.request(self, buffered.event, buffered.payload, buffered.timeout, buffered.push)
		}
	})
	result.Receive(StatusError, func(response json.RawMessage) {
		self.state = wsChannelErrored
		self.joinPush.Resolve(StatusError, response)
		self.scheduleRejoin()
	})
	result.Receive(StatusTimeout, func(response json.RawMessage) {
		glog.Infof("[t]%s join timeout\n", self.topic)
		self.state = wsChannelErrored
		self.joinPush.Resolve(StatusTimeout, nil)
		self.scheduleRejoin()
	})
	var params any = map[string]any{}
	if self.params != nil {
		params = self.params()
	}
	self.socket.request(self, channelJoin, params, self.joinTimeout, result)
}

func (self *WsChannel) scheduleRejoin() {
	if self.rejoinTimer != nil {
		self.rejoinTimer.Stop()
	}
	self.rejoinTimer = self.socket.scheduler.AfterFunc(self.rejoinBackoff.Duration(), func() {
		self.rejoinTimer = nil
		if self.state == wsChannelErrored {
			self.rejoin()
		}
	})
}

func (self *WsChannel) Push(event string, payload any, timeout time.Duration) *Push {
	push := NewPush()
	if self.CanPush() {
		self.socket.request(self, event, payload, timeout, push)
		return push
	}
	buffered := &bufferedPush{
		event:   event,
		payload: payload,
		timeout: timeout,
		push:    push,
	}
	self.pushBuffer = append(self.pushBuffer, buffered)
	self.socket.scheduler.AfterFunc(timeout, func() {
		for i, b := range self.pushBuffer {
			if b == buffered {
				self.pushBuffer = append(self.pushBuffer[:i], self.pushBuffer[i+1:]...)
				push.Resolve(StatusTimeout, nil)
				return
			}
		}
	})
	return push
}

func (self *WsChannel) Leave(timeout time.Duration) *Push {
	if self.rejoinTimer != nil {
		self.rejoinTimer.Stop()
		self.rejoinTimer = nil
	}
	canPush := self.CanPush()
	self.state = wsChannelLeaving
	onClose := func(response json.RawMessage) {
		self.close()
	}
	push := NewPush()
	push.Receive(StatusOk, onClose)
	push.Receive(StatusTimeout, onClose)
	if canPush {
		self.socket.request(self, channelLeave, map[string]any{}, timeout, push)
	} else {
		push.Resolve(StatusOk, nil)
	}
	return push
}

func (self *WsChannel) close() {
	if self.state == wsChannelClosed {
		return
	}
	self.state = wsChannelClosed
	self.socket.removeChannel(self)
	for _, callback := range self.closeCallbacks.Get() {
		callback()
	}
}

func (self *WsChannel) onError(reason any) {
	if self.state == wsChannelLeaving || self.state == wsChannelClosed {
		return
	}
	self.state = wsChannelErrored
	for _, callback := range self.errorCallbacks.Get() {
		callback(reason)
	}
	if self.socket.connected {
		self.scheduleRejoin()
	}
}

func (self *WsChannel) trigger(event string, payload json.RawMessage) {
	switch event {
	case channelError:
		self.onError(payload)
	case channelClose:
		self.close()
	default:
		for _, callback := range self.bindings[event] {
			callback(payload)
		}
	}
}

func (self *WsChannel) On(event string, callback func(payload json.RawMessage)) {
	self.bindings[event] = append(self.bindings[event], callback)
}

func (self *WsChannel) OnError(callback func(reason any)) {
	self.errorCallbacks.Add(callback)
}

func (self *WsChannel) OnClose(callback func()) {
	self.closeCallbacks.Add(callback)
}

func (self *WsChannel) CanPush() bool {
	return self.socket.connected && self.state == wsChannelJoined
}
