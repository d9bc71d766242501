package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileSink subscribes to a broker and appends events as JSON lines to
// one file per day under the events directory. Secrets are redacted at
// emission.
type FileSink struct {
	dir    string
	broker *Broker
	sub    Subscriber

	mu      sync.Mutex
	curDay  string
	curFile *os.File

	doneCh chan struct{}
}

// NewFileSink creates a sink writing under dir.
func NewFileSink(dir string, broker *Broker) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create events directory: %w", err)
	}
	return &FileSink{
		dir:    dir,
		broker: broker,
		doneCh: make(chan struct{}),
	}, nil
}

// Start subscribes and begins draining events.
func (s *FileSink) Start() {
	s.sub = s.broker.Subscribe()
	go s.run()
}

// Stop unsubscribes and closes the current file.
func (s *FileSink) Stop() {
	s.broker.Unsubscribe(s.sub)
	<-s.doneCh

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.curFile != nil {
		s.curFile.Close()
		s.curFile = nil
	}
}

func (s *FileSink) run() {
	defer close(s.doneCh)
	for event := range s.sub {
		if err := s.write(event); err != nil {
			fmt.Fprintf(os.Stderr, "telemetry sink error: %v\n", err)
		}
	}
}

func (s *FileSink) write(event *Event) error {
	clean := *event
	clean.Repo = Redact(event.Repo)
	if event.Data != nil {
		clean.Data = redactValue(event.Data).(map[string]any)
	}

	line, err := json.Marshal(&clean)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	day := event.TS.UTC().Format("2006-01-02")
	if s.curFile == nil || day != s.curDay {
		if s.curFile != nil {
			s.curFile.Close()
		}
		f, err := os.OpenFile(
			filepath.Join(s.dir, "events-"+day+".jsonl"),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return err
		}
		s.curFile = f
		s.curDay = day
	}

	_, err = s.curFile.Write(append(line, '\n'))
	return err
}

// WriteDirect writes one event synchronously, bypassing the broker.
// Used by tests and by shutdown paths that must not lose the record.
func (s *FileSink) WriteDirect(event *Event) error {
	if event.TS.IsZero() {
		event.TS = time.Now()
	}
	if event.Level == "" {
		event.Level = LevelInfo
	}
	return s.write(event)
}
