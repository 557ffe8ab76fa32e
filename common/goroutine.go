package common

import "github.com/inconshreveable/log15"

var glog = log15.New("module", "error")

// Go runs fn in a new goroutine, a panic is logged before it crashes the process
func Go(fn func()) {
	go func() {
		defer func() {
			if err := recover(); err != nil {
				glog.Error("panic", "err", err)
				panic(err)
			}
		}()
		fn()
	}()
}
