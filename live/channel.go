package live

import (
	"encoding/json"
	"fmt"
	"time"
)

// reply statuses
const (
	StatusOk      = "ok"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// A pub/sub rpc channel, reliable and ordered per topic.
// All callbacks are invoked on the socket loop.
type Channel interface {
	// the returned push resolves again on every automatic rejoin
	Join(timeout time.Duration) *Push
	Push(event string, payload any, timeout time.Duration) *Push
	Leave(timeout time.Duration) *Push
	// registers a handler for server pushes of `event`
	On(event string, callback func(payload json.RawMessage))
	// abnormal channel termination
	OnError(callback func(reason any))
	// graceful channel termination, including a completed leave
	OnClose(callback func())
	CanPush() bool
}

// the connection that channels multiplex over
type Socket interface {
	// `params` is evaluated on every (re)join
	Channel(topic string, params func() any) Channel
	Connect() error
	Disconnect()
	IsConnected() bool
	OnOpen(callback func())
}

type ReceiveFunction func(response json.RawMessage)

// the future for one channel request
type Push struct {
	receivers map[string][]ReceiveFunction
	status    string
	response  json.RawMessage
}

func NewPush() *Push {
	return &Push{
		receivers: map[string][]ReceiveFunction{},
	}
}

// registers a callback for a reply status. If the reply already arrived with that status
// the callback runs immediately.
func (self *Push) Receive(status string, callback ReceiveFunction) *Push {
	if self.status != "" {
		if self.status == status {
			callback(self.response)
		}
		return self
	}
	self.receivers[status] = append(self.receivers[status], callback)
	return self
}

// resolves the push. Only the first resolution counts until `Reset`.
func (self *Push) Resolve(status string, response json.RawMessage) {
	if self.status != "" {
		return
	}
	self.status = status
	self.response = response
	for _, receiver := range self.receivers[status] {
		receiver(response)
	}
}

// makes the push resolvable again with the same receivers.
// Channels reset their join push on every rejoin.
func (self *Push) Reset() {
	self.status = ""
	self.response = nil
}

func (self *Push) Status() string {
	return self.status
}

// join/push reply payloads

type JoinReply struct {
	Rendered     *Rendered     `json:"rendered"`
	LiveRedirect *LiveRedirect `json:"live_redirect,omitempty"`
}

type JoinError struct {
	Reason               string        `json:"reason,omitempty"`
	Redirect             *Redirect     `json:"redirect,omitempty"`
	ExternalLiveRedirect *LiveRedirect `json:"external_live_redirect,omitempty"`
}

// the taxonomy error for the join failure reason, if any
func (self *JoinError) Err() error {
	switch self.Reason {
	case "":
		return nil
	case ClientOutdated:
		return ErrClientOutdated
	case JoinCrashed:
		return ErrJoinCrashed
	case StatusTimeout:
		return ErrTimeout
	default:
		return fmt.Errorf("join error: %s", self.Reason)
	}
}

type Redirect struct {
	To    string `json:"to"`
	Flash string `json:"flash,omitempty"`
}

type LiveRedirect struct {
	To   string `json:"to"`
	Kind string `json:"kind,omitempty"`
}

type PushReply struct {
	Diff                 *Rendered     `json:"diff,omitempty"`
	Redirect             *Redirect     `json:"redirect,omitempty"`
	LiveRedirect         *LiveRedirect `json:"live_redirect,omitempty"`
	ExternalLiveRedirect *LiveRedirect `json:"external_live_redirect,omitempty"`
	LinkRedirect         bool          `json:"link_redirect,omitempty"`
}

type JoinParams struct {
	Url     string  `json:"url"`
	Params  any     `json:"params"`
	Session string  `json:"session"`
	Static  *string `json:"static"`
}

type EventPayload struct {
	Type  string `json:"type"`
	Event string `json:"event"`
	Value any    `json:"value"`
	Cid   *int   `json:"cid,omitempty"`
}

type LinkPayload struct {
	Url string `json:"url"`
}

type CidsDestroyedPayload struct {
	Cids []int `json:"cids"`
}

type SessionPayload struct {
	Token string `json:"token"`
}
