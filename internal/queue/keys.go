package queue

import "fmt"

// HeartbeatKey is a hash of queue number to live worker process count,
// maintained by the worker fleet.
const HeartbeatKey = "heartbeat:processCountOnQueue"

func WorkerQueueKey(app string, n int) string { return fmt.Sprintf("worker-queue:%s:%d", app, n) }

func DelayQueueKey(app string, n int) string { return fmt.Sprintf("delay-queue:%s:%d", app, n) }
