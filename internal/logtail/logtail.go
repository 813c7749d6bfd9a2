package logtail

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"github.com/fatih/color"
	json "github.com/goccy/go-json"

	"github.com/five82/tether/internal/logging"
)

// Read returns at most maxLines from the end of the file at path. A missing
// file yields no lines and no error.
func Read(path string, maxLines int) ([]string, error) {
	if maxLines <= 0 {
		return nil, nil
	}
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open log: %w", err)
	}
	defer file.Close()

	ring := make([]string, maxLines)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	count := 0
	idx := 0
	for scanner.Scan() {
		ring[idx] = scanner.Text()
		idx = (idx + 1) % maxLines
		if count < maxLines {
			count++
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}

	lines := make([]string, count)
	if count == maxLines {
		for i := 0; i < count; i++ {
			lines[i] = ring[(idx+i)%maxLines]
		}
	} else {
		copy(lines, ring[:count])
	}
	return lines, nil
}

// Record is the part of a log line Filter and Colorize care about.
type Record struct {
	Level   slog.Level
	Context string
	// HasLevel is false for lines that are not slog records.
	HasLevel bool
}

var (
	textLevel   = regexp.MustCompile(`(?:^|\s)level=(\S+)`)
	textContext = regexp.MustCompile(`(?:^|\s)context=("(?:[^"\\]|\\.)*"|\S+)`)
)

// Parse extracts level and context from a text or JSON slog line.
func Parse(line string) Record {
	trimmed := strings.TrimSpace(line)
	if strings.HasPrefix(trimmed, "{") {
		var rec struct {
			Level   string `json:"level"`
			Context string `json:"context"`
		}
		if err := json.Unmarshal([]byte(trimmed), &rec); err == nil {
			out := Record{Context: rec.Context}
			out.Level, out.HasLevel = level(rec.Level)
			return out
		}
	}

	var out Record
	if m := textLevel.FindStringSubmatch(line); m != nil {
		out.Level, out.HasLevel = level(m[1])
	}
	if m := textContext.FindStringSubmatch(line); m != nil {
		out.Context = strings.Trim(m[1], `"`)
	}
	return out
}

func level(token string) (slog.Level, bool) {
	if token == "" {
		return slog.LevelInfo, false
	}
	lvl, err := logging.ParseLevel(token)
	if err != nil {
		return slog.LevelInfo, false
	}
	return lvl, true
}

// Filter selects which lines Apply keeps.
type Filter struct {
	MinLevel slog.Level
	// Context keeps only records from this execution context when set.
	Context string
}

// Apply returns the lines passing f. Lines without a level are kept only
// when no context filter is set.
func (f Filter) Apply(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		rec := Parse(line)
		if f.Context != "" && rec.Context != f.Context {
			continue
		}
		if rec.HasLevel && rec.Level < f.MinLevel {
			continue
		}
		out = append(out, line)
	}
	return out
}

var levelColors = map[slog.Level]*color.Color{
	slog.LevelDebug: color.New(color.FgCyan),
	slog.LevelInfo:  color.New(color.FgGreen),
	slog.LevelWarn:  color.New(color.FgYellow, color.Bold),
	slog.LevelError: color.New(color.FgRed, color.Bold),
}

// Colorize paints the whole line in its level color. Lines without a
// recognised level are returned unchanged. Honors color.NoColor.
func Colorize(line string) string {
	rec := Parse(line)
	if !rec.HasLevel {
		return line
	}
	c, ok := levelColors[rec.Level]
	if !ok {
		return line
	}
	return c.Sprint(line)
}
