package live

import (
	"context"
	"sync/atomic"
	"time"
)

// Buffer size of the input channel.
const LoopInputSize = 128

type Timer interface {
	// returns false if the timer already fired or was stopped
	Stop() bool
}

// Serializes every reaction of the runtime: channel messages, browser events and timers
// all run as callbacks on one goroutine, never two at once.
type Scheduler interface {
	Post(callback func())
	AfterFunc(timeout time.Duration, callback func()) Timer
}

// A generic main loop. It is fully serial, so callbacks may manipulate the document,
// the render trees and the view registry without synchronization.
type Loop struct {
	ctx    context.Context
	cancel context.CancelFunc

	inputCh chan func()

	failureCallbacks *CallbackList[func(error)]
}

func NewLoop(ctx context.Context) *Loop {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Loop{
		ctx:              cancelCtx,
		cancel:           cancel,
		inputCh:          make(chan func(), LoopInputSize),
		failureCallbacks: NewCallbackList[func(error)](),
	}
}

// Post queues a callback. It may block if the input buffer is full.
// Posting after the loop is closed drops the callback.
func (self *Loop) Post(callback func()) {
	select {
	case <-self.ctx.Done():
	case self.inputCh <- callback:
	}
}

func (self *Loop) AfterFunc(timeout time.Duration, callback func()) Timer {
	timer := &loopTimer{}
	timer.timer = time.AfterFunc(timeout, func() {
		self.Post(func() {
			// a stop on the loop after the timer fired still wins
			if timer.fired.CompareAndSwap(false, true) {
				callback()
			}
		})
	})
	return timer
}

// every unexpected failure of a callback is delivered here
func (self *Loop) OnFailure(callback func(error)) func() {
	return self.failureCallbacks.Add(callback)
}

// Run runs callbacks until the context is done or `Close` is called.
func (self *Loop) Run() error {
	for {
		select {
		case <-self.ctx.Done():
			return self.ctx.Err()
		case callback := <-self.inputCh:
			if err := HandleError(callback); err != nil {
				for _, failureCallback := range self.failureCallbacks.Get() {
					HandleError(func() {
						failureCallback(err)
					})
				}
			}
		}
	}
}

func (self *Loop) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *Loop) Close() {
	self.cancel()
}

type loopTimer struct {
	timer *time.Timer
	fired atomic.Bool
}

func (self *loopTimer) Stop() bool {
	self.timer.Stop()
	return self.fired.CompareAndSwap(false, true)
}
