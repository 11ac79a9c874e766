package main

import "time"

const (
	mirrorQueueSize = 1024 // capacity of the SocketCAN write queue
	rxBackoffMin    = 20 * time.Millisecond
	rxBackoffMax    = 500 * time.Millisecond
)

// sleepFn is a hook for tests.
var sleepFn = time.Sleep
