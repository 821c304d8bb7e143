package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"
)

// idleTimeoutReader wraps an io.ReadCloser and cancels the request context
// when no data arrives within the idle window. This prevents zombie SSE
// connections where the upstream stops sending but never closes.
type idleTimeoutReader struct {
	rc      io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	done    chan struct{}
	cancel  func()
	closed  bool
}

func newIdleTimeoutReader(rc io.ReadCloser, timeout time.Duration, cancel func()) *idleTimeoutReader {
	r := &idleTimeoutReader{
		rc:      rc,
		timeout: timeout,
		timer:   time.NewTimer(timeout),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	go r.watchdog()
	return r
}

func (r *idleTimeoutReader) watchdog() {
	select {
	case <-r.timer.C:
		r.cancel()
	case <-r.done:
		r.timer.Stop()
	}
}

func (r *idleTimeoutReader) Read(p []byte) (int, error) {
	n, err := r.rc.Read(p)
	if n > 0 {
		r.timer.Reset(r.timeout)
	}
	if err != nil {
		if err.Error() == "context canceled" || err.Error() == "context deadline exceeded" {
			select {
			case <-r.timer.C:
				return n, fmt.Errorf("stream idle for %v, closing", r.timeout)
			default:
			}
		}
	}
	return n, err
}

func (r *idleTimeoutReader) Close() error {
	if !r.closed {
		r.closed = true
		close(r.done)
		r.timer.Stop()
	}
	return r.rc.Close()
}

// flushWriter flushes after writes, rate-limited to flushInterval so large
// bursts of small SSE events do not flush per event.
type flushWriter struct {
	w             http.ResponseWriter
	f             http.Flusher
	flushInterval time.Duration
	lastFlush     time.Time
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	now := time.Now()
	if fw.flushInterval <= 0 || fw.lastFlush.IsZero() || now.Sub(fw.lastFlush) >= fw.flushInterval {
		fw.f.Flush()
		fw.lastFlush = now
	}
	return n, err
}

// sseInterceptWriter passes an SSE byte stream through to the underlying
// writer while reassembling complete events (\n\n or \r\n\r\n delimited)
// and handing each event's data payload to the callback.
type sseInterceptWriter struct {
	w        io.Writer
	buf      []byte
	callback func(eventData []byte)
}

func (sw *sseInterceptWriter) Write(p []byte) (int, error) {
	n, err := sw.w.Write(p)
	sw.buf = append(sw.buf, p[:n]...)
	sw.scanForEvents()
	return n, err
}

func (sw *sseInterceptWriter) scanForEvents() {
	for {
		idx := bytes.Index(sw.buf, []byte("\n\n"))
		skip := 2
		if idx < 0 {
			idx = bytes.Index(sw.buf, []byte("\r\n\r\n"))
			skip = 4
			if idx < 0 {
				// Keep the buffer bounded if the upstream never closes an
				// event; advance past partial UTF-8 at the cut point.
				if len(sw.buf) > 32*1024 {
					cutPoint := len(sw.buf) - 16*1024
					for cutPoint < len(sw.buf) && cutPoint > 0 && sw.buf[cutPoint]&0xC0 == 0x80 {
						cutPoint++
					}
					sw.buf = sw.buf[cutPoint:]
				}
				return
			}
		}
		event := sw.buf[:idx]
		sw.buf = sw.buf[idx+skip:]
		sw.processEvent(event)
	}
}

func (sw *sseInterceptWriter) processEvent(event []byte) {
	dataIdx := bytes.Index(event, []byte("data:"))
	var data []byte
	if dataIdx >= 0 {
		data = event[dataIdx+len("data:"):]
	} else {
		// Gemini without alt=sse sends bare JSON chunks.
		trimmed := bytes.TrimSpace(event)
		if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
			return
		}
		data = trimmed
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("[DONE]")) {
		return
	}
	if sw.callback != nil {
		sw.callback(data)
	}
}
