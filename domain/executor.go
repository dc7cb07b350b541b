// Package domain serializes all pickle/checkpoint access through a single
// goroutine, the execution-domain guarantee spec §5 requires: a foreign
// class's Initialize closure may mutate shared registry state, and two
// Loads racing on that state would be a data race.
//
// Grounded on chazu-maggie/server/vm_worker.go's VMWorker, which pins all
// access to Maggie's single-threaded interpreter to one goroutine behind
// a request channel.
package domain

import (
	"fmt"

	"github.com/cortado-ml/tpickle/pickle"
)

// request is one unit of work submitted to a Domain's goroutine.
type request struct {
	fn   func() (pickle.Value, error)
	done chan result
}

type result struct {
	value pickle.Value
	err   error
}

// Domain serializes every submitted closure onto one dedicated goroutine.
// The zero value is not usable; construct with New.
type Domain struct {
	requests chan request
	quit     chan struct{}
}

// New creates a Domain and starts its processing goroutine.
func New() *Domain {
	d := &Domain{
		requests: make(chan request),
		quit:     make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *Domain) loop() {
	for {
		select {
		case req := <-d.requests:
			req.done <- d.execute(req.fn)
		case <-d.quit:
			return
		}
	}
}

// execute runs fn, recovering from a panic so a single bad Load cannot
// kill the domain's goroutine and strand every future Run call.
func (d *Domain) execute(fn func() (pickle.Value, error)) result {
	var r result
	func() {
		defer func() {
			if p := recover(); p != nil {
				r.err = fmt.Errorf("domain: panic: %v", p)
			}
		}()
		r.value, r.err = fn()
	}()
	return r
}

// Run submits fn for execution on the domain's goroutine and blocks until
// it completes, returning its result (or an error if fn panicked).
func (d *Domain) Run(fn func() (pickle.Value, error)) (pickle.Value, error) {
	req := request{fn: fn, done: make(chan result, 1)}
	d.requests <- req
	r := <-req.done
	return r.value, r.err
}

// Stop shuts down the domain's goroutine. Any Run call still in flight
// when Stop is called may block forever; callers must not call Run
// concurrently with Stop.
func (d *Domain) Stop() { close(d.quit) }
