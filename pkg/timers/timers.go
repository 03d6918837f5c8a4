// Package timers defines the external timer/alarm capability (§6): "fire X
// after N ms" and "repeat every N ms", both cancellable. Service is the
// interface GatewaySync depends on; Real wraps the standard library's
// time.AfterFunc/time.Ticker.
package timers

import (
	"sync"
	"time"
)

// Cancel stops a previously-armed timer or alarm. Calling Cancel more than
// once, or after the timer has already fired, is a no-op.
type Cancel func()

// Service captures the two scheduling primitives the reverse-sync pipeline
// needs: a one-shot delay and a repeating interval.
type Service interface {
	After(d time.Duration, fn func()) Cancel
	Every(d time.Duration, fn func()) Cancel
}

// Real is the production Service, backed by the standard library.
type Real struct{}

// NewReal returns a Service backed by time.AfterFunc/time.Ticker.
func NewReal() Real { return Real{} }

func (Real) After(d time.Duration, fn func()) Cancel {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

func (Real) Every(d time.Duration, fn func()) Cancel {
	ticker := time.NewTicker(d)
	done := make(chan struct{})
	var once sync.Once
	go func() {
		for {
			select {
			case <-ticker.C:
				fn()
			case <-done:
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		once.Do(func() { close(done) })
	}
}
