package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	v1 "github.com/BrokkAi/brokkd/pkg/api/v1"
)

// eventLog is one job's append-only JSONL file. Appends hold the per-log
// mutex and fsync before the new sequence number is returned, so an
// acknowledged event survives a crash.
type eventLog struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	nextSeq int64
}

// openEventLog opens (or creates) the log file for a job. If the previous
// process died mid-write, the partial trailing line is truncated away so the
// log ends on a complete event.
func openEventLog(path string) (*eventLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	validEnd, count, err := scanLog(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Truncate(validEnd); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}
	return &eventLog{path: path, file: f, nextSeq: count}, nil
}

// scanLog returns the byte offset just past the last newline-terminated line
// and the number of complete lines.
func scanLog(f *os.File) (int64, int64, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, 0, err
	}
	var (
		offset int64
		count  int64
	)
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			// Anything left without a trailing newline is a torn write.
			return offset, count, nil
		}
		if err != nil {
			return 0, 0, err
		}
		offset += int64(len(line))
		count++
	}
}

func (l *eventLog) append(evType v1.EventType, payload map[string]any) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	event := v1.JobEvent{
		Seq:     l.nextSeq,
		Ts:      time.Now().UnixMilli(),
		Type:    evType,
		Payload: payload,
	}
	line, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}
	line = append(line, '\n')
	if _, err := l.file.Write(line); err != nil {
		return 0, fmt.Errorf("failed to append event: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync event log: %w", err)
	}
	seq := l.nextSeq
	l.nextSeq++
	return seq, nil
}

func (l *eventLog) lastSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nextSeq - 1
}

// read returns up to max events with seq > after, in order. max <= 0 means
// no limit. Readers never take the appender's lock: appends are whole-line
// writes, so the only artifact a concurrent read can observe is a torn
// trailing line, dropped here the same way open-time recovery truncates it.
func (l *eventLog) read(after int64, max int) ([]v1.JobEvent, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, err
	}
	if i := bytes.LastIndexByte(data, '\n'); i >= 0 {
		data = data[:i+1]
	} else {
		data = nil
	}

	var events []v1.JobEvent
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev v1.JobEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return nil, fmt.Errorf("corrupt event log line: %w", err)
		}
		if ev.Seq <= after {
			continue
		}
		events = append(events, ev)
		if max > 0 && len(events) == max {
			break
		}
	}
	return events, nil
}

func (l *eventLog) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

func (s *Store) log(jobID string) (*eventLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.logs[jobID]; ok {
		return l, nil
	}
	l, err := openEventLog(filepath.Join(s.eventsDir(), jobID+".log"))
	if err != nil {
		return nil, err
	}
	s.logs[jobID] = l
	return l, nil
}

// AppendEvent durably appends one event to a job's log and returns its
// sequence number.
func (s *Store) AppendEvent(jobID string, evType v1.EventType, payload map[string]any) (int64, error) {
	l, err := s.log(jobID)
	if err != nil {
		return 0, err
	}
	seq, err := l.append(evType, payload)
	if err != nil {
		return 0, err
	}
	s.watch.notify(jobID, seq)
	return seq, nil
}

// ReadEvents returns up to max events with seq > after. Pass after=-1 to
// read from the start and max<=0 for no limit.
func (s *Store) ReadEvents(jobID string, after int64, max int) ([]v1.JobEvent, error) {
	l, err := s.log(jobID)
	if err != nil {
		return nil, err
	}
	return l.read(after, max)
}

// LastSeq returns the sequence number of the newest event, or -1 when the
// log is empty.
func (s *Store) LastSeq(jobID string) (int64, error) {
	l, err := s.log(jobID)
	if err != nil {
		return 0, err
	}
	return l.lastSeq(), nil
}
