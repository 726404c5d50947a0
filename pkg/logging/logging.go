package logging

import (
	"fmt"
	"log"
	"os"
	"sync"
)

// instanceID is resolved exactly once, on first use, from
// TUNNELD_INSTANCE_ID, then HOSTNAME, then the OS hostname.
var instanceID = sync.OnceValue(func() string {
	if v := os.Getenv("TUNNELD_INSTANCE_ID"); v != "" {
		return v
	}
	if v := os.Getenv("HOSTNAME"); v != "" {
		return v
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		return "unknown"
	}
	if len(hostname) > 8 {
		return hostname[len(hostname)-8:]
	}
	return hostname
})

// InstanceID returns a process-unique identifier used to prefix log lines.
func InstanceID() string {
	return instanceID()
}

type entry struct {
	text string
}

// worker owns the background drain goroutine that writes queued log lines
// to the underlying *log.Logger, so concurrent Logf/Log callers never
// interleave partial writes. The goroutine itself starts lazily, on first
// submit, and can be restarted after a Flush stops it.
type worker struct {
	out *log.Logger

	mu      sync.Mutex
	entries chan entry
	wg      sync.WaitGroup
	running bool
	dropped int
}

func newWorker() *worker {
	return &worker{out: log.New(os.Stderr, "", log.LstdFlags)}
}

func (wk *worker) start() {
	wk.mu.Lock()
	defer wk.mu.Unlock()
	if wk.running {
		return
	}
	wk.entries = make(chan entry, 1000)
	wk.running = true
	wk.dropped = 0
	wk.wg.Add(1)
	go wk.drain(wk.entries)
}

func (wk *worker) drain(entries chan entry) {
	defer wk.wg.Done()
	for e := range entries {
		wk.out.Print(e.text)
	}
}

// submit queues text for asynchronous writing. If the buffer is full the
// line is written synchronously instead of being dropped or blocking the
// caller; every 100th overflow also logs a running drop count.
func (wk *worker) submit(text string) {
	wk.mu.Lock()
	if !wk.running {
		wk.mu.Unlock()
		wk.start()
		wk.mu.Lock()
	}
	ch := wk.entries
	wk.mu.Unlock()

	select {
	case ch <- entry{text: text}:
		return
	default:
	}

	wk.mu.Lock()
	wk.dropped++
	n := wk.dropped
	wk.mu.Unlock()
	wk.out.Print(text)
	if n%100 == 0 {
		wk.out.Printf("logging: %d messages written synchronously since buffer first filled", n)
	}
}

// stop drains and shuts the worker down, waiting for every already-queued
// line to be written. A later submit call restarts it.
func (wk *worker) stop() {
	wk.mu.Lock()
	if !wk.running {
		wk.mu.Unlock()
		return
	}
	wk.running = false
	ch := wk.entries
	wk.entries = nil
	wk.mu.Unlock()

	close(ch)
	wk.wg.Wait()
}

var defaultWorker = newWorker()

func prefixed(msg string) string {
	return fmt.Sprintf("[tunneld=%s] %s", InstanceID(), msg)
}

// Logf queues a formatted message for asynchronous logging.
func Logf(format string, v ...interface{}) {
	defaultWorker.submit(prefixed(fmt.Sprintf(format, v...)))
}

// Log queues a message for asynchronous logging.
func Log(v ...interface{}) {
	defaultWorker.submit(prefixed(fmt.Sprint(v...)))
}

// Fatalf logs synchronously and exits the process.
func Fatalf(format string, v ...interface{}) {
	defaultWorker.out.Fatal(prefixed(fmt.Sprintf(format, v...)))
}

// Flush stops the background worker, blocking until every queued line has
// been written. Safe to call more than once; a subsequent Logf/Log call
// restarts the worker.
func Flush() {
	defaultWorker.stop()
}
