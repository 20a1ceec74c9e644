package logging

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Entry is one parsed line of a debug log.
type Entry struct {
	Time    time.Time
	Level   string
	Message string
	Sprint  string
	Phase   string
	Step    string
	// Attrs holds every other field of the line.
	Attrs map[string]any
}

// Filter selects entries. Zero fields match everything; set fields combine
// with AND.
type Filter struct {
	// Level is the minimum level (DEBUG < INFO < WARN < ERROR).
	Level string
	Since time.Time
	Phase string
	Step  string
	// Pattern is matched against the message and attribute values.
	Pattern *regexp.Regexp
}

var levelOrder = map[string]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

var reservedFields = map[string]bool{
	"time":      true,
	"level":     true,
	"msg":       true,
	"sprint_id": true,
	"phase_id":  true,
	"step_id":   true,
}

// ReadEntries parses the debug log in sprintDir together with its rotated
// backups, oldest first. Lines that are not JSON are skipped.
func ReadEntries(sprintDir string) ([]Entry, error) {
	live := filepath.Join(sprintDir, LogFileName)
	paths := []string{live}
	for n := 1; ; n++ {
		p := BackupPath(live, n)
		if _, err := os.Stat(p); err != nil {
			break
		}
		paths = append(paths, p)
	}

	var entries []Entry
	found := false
	for _, p := range paths {
		got, err := readFile(p)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		found = true
		entries = append(entries, got...)
	}
	if !found {
		return nil, fmt.Errorf("no log file in %s: %w", sprintDir, os.ErrNotExist)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Time.Before(entries[j].Time)
	})
	return entries, nil
}

func readFile(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	const maxLine = 1024 * 1024
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if e, err := ParseEntry(line); err == nil {
			entries = append(entries, e)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading log file: %w", err)
	}
	return entries, nil
}

// ParseEntry parses a single JSON log line.
func ParseEntry(line string) (Entry, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return Entry{}, fmt.Errorf("invalid JSON: %w", err)
	}

	e := Entry{}
	if s, ok := raw["time"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			e.Time = t
		}
	}
	e.Level, _ = raw["level"].(string)
	e.Message, _ = raw["msg"].(string)
	e.Sprint, _ = raw["sprint_id"].(string)
	e.Phase, _ = raw["phase_id"].(string)
	e.Step, _ = raw["step_id"].(string)

	for k, v := range raw {
		if reservedFields[k] {
			continue
		}
		if e.Attrs == nil {
			e.Attrs = make(map[string]any)
		}
		e.Attrs[k] = v
	}
	return e, nil
}

// Match reports whether e passes f.
func (f Filter) Match(e Entry) bool {
	if f.Level != "" {
		want, ok := levelOrder[ParseLevel(f.Level)]
		got, known := levelOrder[strings.ToUpper(e.Level)]
		if ok && known && got < want {
			return false
		}
	}
	if !f.Since.IsZero() && e.Time.Before(f.Since) {
		return false
	}
	if f.Phase != "" && e.Phase != f.Phase {
		return false
	}
	if f.Step != "" && e.Step != f.Step {
		return false
	}
	if f.Pattern != nil && !f.Pattern.MatchString(e.searchText()) {
		return false
	}
	return true
}

// FilterEntries returns the entries that pass f.
func FilterEntries(entries []Entry, f Filter) []Entry {
	var out []Entry
	for _, e := range entries {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	return out
}

func (e Entry) searchText() string {
	var b strings.Builder
	b.WriteString(e.Message)
	for _, k := range e.attrKeys() {
		fmt.Fprintf(&b, " %v", e.Attrs[k])
	}
	return b.String()
}

func (e Entry) attrKeys() []string {
	keys := make([]string, 0, len(e.Attrs))
	for k := range e.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String renders e as one plain text line with attributes in key order.
func (e Entry) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] [%s] %s", e.Time.Local().Format("15:04:05.000"), strings.ToUpper(e.Level), e.Message)
	if e.Phase != "" {
		fmt.Fprintf(&b, " phase_id=%s", e.Phase)
	}
	if e.Step != "" {
		fmt.Fprintf(&b, " step_id=%s", e.Step)
	}
	for _, k := range e.attrKeys() {
		fmt.Fprintf(&b, " %s=%v", k, e.Attrs[k])
	}
	return b.String()
}
