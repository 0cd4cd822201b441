package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"
)

// Writer is the minimal sink interface.
type Writer interface {
	Write(event *Event) error
}

// BatchWriter is implemented by sinks that can take a whole batch.
type BatchWriter interface {
	WriteBatch(events []*Event) error
}

// BatchSink buffers events and flushes them by size or interval.
type BatchSink struct {
	wrapped       Writer
	buffer        []*Event
	bufferSize    int
	flushInterval time.Duration
	mu            sync.Mutex
	closeChan     chan struct{}
	wg            sync.WaitGroup
	retryCount    int
	retryBackoff  time.Duration
}

// NewBatchSink creates a batched sink around another writer.
func NewBatchSink(wrapped Writer, size int, interval time.Duration, retryCount int, retryBackoff time.Duration) *BatchSink {
	if size <= 0 {
		size = 100
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}

	s := &BatchSink{
		wrapped:       wrapped,
		buffer:        make([]*Event, 0, size),
		bufferSize:    size,
		flushInterval: interval,
		closeChan:     make(chan struct{}),
		retryCount:    retryCount,
		retryBackoff:  retryBackoff,
	}

	s.wg.Add(1)
	go s.run()

	return s
}

// Write adds an event to the batch. A full buffer flushes
// asynchronously so the caller never blocks on the downstream sink.
func (s *BatchSink) Write(event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buffer = append(s.buffer, event)
	if len(s.buffer) >= s.bufferSize {
		events := s.drainLocked()
		go s.flushWithRetry(events)
	}

	return nil
}

// Close stops the flush loop and flushes remaining events.
func (s *BatchSink) Close() error {
	close(s.closeChan)
	s.wg.Wait()
	if closer, ok := s.wrapped.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (s *BatchSink) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			events := s.drainLocked()
			s.mu.Unlock()
			if len(events) > 0 {
				s.flushWithRetry(events)
			}
		case <-s.closeChan:
			s.mu.Lock()
			events := s.drainLocked()
			s.mu.Unlock()
			if len(events) > 0 {
				s.flushWithRetry(events)
			}
			return
		}
	}
}

// drainLocked returns the buffer contents and clears it.
// Caller must hold the lock.
func (s *BatchSink) drainLocked() []*Event {
	if len(s.buffer) == 0 {
		return nil
	}
	events := make([]*Event, len(s.buffer))
	copy(events, s.buffer)
	s.buffer = s.buffer[:0]
	return events
}

func (s *BatchSink) flushWithRetry(events []*Event) {
	var err error
	for i := 0; i <= s.retryCount; i++ {
		if bw, ok := s.wrapped.(BatchWriter); ok {
			err = bw.WriteBatch(events)
		} else {
			err = nil
			for _, event := range events {
				if e := s.wrapped.Write(event); e != nil {
					err = e
				}
			}
		}

		if err == nil {
			return
		}
		if i < s.retryCount {
			time.Sleep(s.retryBackoff * time.Duration(1<<uint(i)))
		}
	}

	fmt.Fprintf(os.Stderr, "Failed to flush audit events after %d retries: %v\n", s.retryCount, err)
}

// HTTPSink posts events to an HTTP collector.
type HTTPSink struct {
	endpoint string
	client   *http.Client
	headers  map[string]string
}

// NewHTTPSink creates a new HTTP sink.
func NewHTTPSink(endpoint string, headers map[string]string) *HTTPSink {
	return &HTTPSink{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		headers:  headers,
	}
}

// Write writes a single event.
func (s *HTTPSink) Write(event *Event) error {
	return s.WriteBatch([]*Event{event})
}

// WriteBatch posts a JSON array of events.
func (s *HTTPSink) WriteBatch(events []*Event) error {
	data, err := json.Marshal(events)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, s.endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("http sink returned status: %s", resp.Status)
	}

	return nil
}

// FileSink appends JSON lines to a file.
type FileSink struct {
	path string
	mu   sync.Mutex
}

// NewFileSink creates a new file sink.
func NewFileSink(path string) *FileSink {
	return &FileSink{path: path}
}

// Write appends a single event as one JSON line.
func (s *FileSink) Write(event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

// StdoutSink writes events to stdout as JSON lines.
type StdoutSink struct{}

// Write writes a single event.
func (s *StdoutSink) Write(event *Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
