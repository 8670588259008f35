//go:build windows

package main

import "time"

// watchWindowSize polls on Windows, which has no SIGWINCH.
func watchWindowSize(fn func()) func() {
	t := time.NewTicker(500 * time.Millisecond)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-t.C:
				fn()
			case <-done:
				return
			}
		}
	}()
	return func() {
		t.Stop()
		close(done)
	}
}
