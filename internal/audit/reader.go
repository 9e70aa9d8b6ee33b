package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
)

// ErrNoLogs is returned by the readers when the audit file does not exist yet.
var ErrNoLogs = errors.New("no API log file found yet")

const maxLineBytes = 1 << 20

// Decode reads JSON-lines audit records from r. Lines that are not audit records are skipped.
func Decode(r io.Reader) ([]Event, error) {
	var out []Event
	err := scanLines(r, func(line []byte) {
		if e, ok := decodeLine(line); ok {
			out = append(out, e)
		}
	})
	return out, err
}

// ReadFile loads every record in the file, oldest first.
func ReadFile(path string) ([]Event, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Tail returns the last n records of the file. n <= 0 returns everything.
func Tail(path string, n int) ([]Event, error) {
	events, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(events) > n {
		events = events[len(events)-n:]
	}
	return events, nil
}

// Grep returns the records whose raw line contains pattern, ignoring case.
func Grep(path, pattern string) ([]Event, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	needle := strings.ToLower(pattern)
	var out []Event
	err = scanLines(f, func(line []byte) {
		if !strings.Contains(strings.ToLower(string(line)), needle) {
			return
		}
		if e, ok := decodeLine(line); ok {
			out = append(out, e)
		}
	})
	return out, err
}

// Format renders a record as "timestamp - logger - LEVEL - message".
func Format(e Event) string {
	msg := e.Message
	if msg == "" {
		msg = e.Render()
	}
	return fmt.Sprintf("%s - %s - %s - %s", e.Timestamp.Format("2006-01-02 15:04:05"), e.Logger, strings.ToUpper(e.Level), msg)
}

func open(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoLogs
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return f, nil
}

func scanLines(r io.Reader, fn func([]byte)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		fn(line)
	}
	return sc.Err()
}

func decodeLine(line []byte) (Event, bool) {
	var e Event
	if err := json.Unmarshal(line, &e); err != nil {
		return Event{}, false
	}
	if e.Category == "" {
		return Event{}, false
	}
	return e, true
}
