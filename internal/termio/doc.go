// Package termio multiplexes live terminal and log-tail byte streams onto
// agents without consuming worker threads.
//
// # I/O model
//
// Each session runs one forwarding goroutine blocked in Read on the agent
// stream. The Go runtime parks blocked network reads on its poller (epoll,
// kqueue), so fifty sessions cost fifty goroutines and descriptors but zero
// dedicated OS threads and zero timers. There is deliberately no shared
// worker pool and no fixed-interval polling on this path: a bounded pool
// running poll loops is how the predecessor design starved unrelated work.
//
// # Relationship to admission
//
// Sessions bypass the execution lanes entirely. An open terminal coexists
// with a running exclusive-lane turn on the same agent; they are different
// channels onto the same runtime. Sessions on one agent are mutually
// independent unordered byte streams.
package termio
