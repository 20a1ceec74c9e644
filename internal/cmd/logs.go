package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/sprintloop/internal/errors"
	"github.com/Iron-Ham/sprintloop/internal/logging"
)

var logsCmd = &cobra.Command{
	Use:   "logs <sprint>",
	Short: "View a sprint's debug log",
	Long: `View and filter the debug log of a sprint, including rotated files.

Examples:
  # Last 50 entries
  sprintloop logs s1

  # Everything about one step at warn or above
  sprintloop logs s1 -n 0 --step api --level warn

  # Entries from the last hour matching a pattern
  sprintloop logs s1 --since 1h --grep "rate-limit|timeout"

  # Follow new entries
  sprintloop logs s1 -f`,
	Args: cobra.ExactArgs(1),
	RunE: runLogs,
}

var (
	logsTail   int
	logsFollow bool
	logsLevel  string
	logsSince  string
	logsGrep   string
	logsPhase  string
	logsStep   string
)

// followPoll is how often follow mode checks the log for new lines.
const followPoll = 200 * time.Millisecond

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "Number of entries to show (0 for all)")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output (like tail -f)")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "Filter by minimum level (debug/info/warn/error)")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "Show entries since duration ago (e.g., 1h, 30m)")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "Filter entries matching pattern (regex)")
	logsCmd.Flags().StringVar(&logsPhase, "phase", "", "Only entries for this phase id")
	logsCmd.Flags().StringVar(&logsStep, "step", "", "Only entries for this step id")
}

var levelStyles = map[string]lipgloss.Style{
	logging.LevelDebug: lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280")),
	logging.LevelInfo:  lipgloss.NewStyle().Foreground(lipgloss.Color("#60A5FA")),
	logging.LevelWarn:  lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B")),
	logging.LevelError: lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")),
}

// logsFilter builds the entry filter from the command flags.
func logsFilter(now time.Time) (logging.Filter, error) {
	f := logging.Filter{Phase: logsPhase, Step: logsStep}
	if logsLevel != "" {
		f.Level = logging.ParseLevel(logsLevel)
	}
	if logsSince != "" {
		d, err := time.ParseDuration(logsSince)
		if err != nil {
			return f, fmt.Errorf("invalid duration format: %w", err)
		}
		f.Since = now.Add(-d)
	}
	if logsGrep != "" {
		re, err := regexp.Compile(logsGrep)
		if err != nil {
			return f, fmt.Errorf("invalid grep pattern: %w", err)
		}
		f.Pattern = re
	}
	return f, nil
}

func formatEntry(e logging.Entry) string {
	line := e.String()
	level := "[" + strings.ToUpper(e.Level) + "]"
	if style, ok := levelStyles[strings.ToUpper(e.Level)]; ok {
		line = strings.Replace(line, level, style.Render(level), 1)
	}
	return line
}

func runLogs(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path, err := resolveProgressPath(args[0], cfg)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)

	filter, err := logsFilter(time.Now())
	if err != nil {
		return err
	}

	entries, err := logging.ReadEntries(dir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	entries = logging.FilterEntries(entries, filter)
	if logsTail > 0 && len(entries) > logsTail {
		entries = entries[len(entries)-logsTail:]
	}
	for _, e := range entries {
		fmt.Fprintln(out, formatEntry(e))
	}

	if !logsFollow {
		if len(entries) == 0 {
			fmt.Fprintln(out, "No matching log entries found.")
		}
		return nil
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	fmt.Fprintf(out, "Following %s... (Ctrl+C to stop)\n", filepath.Join(dir, logging.LogFileName))
	return followLog(ctx, out, filepath.Join(dir, logging.LogFileName), filter)
}

// followLog prints entries appended to path after the call until ctx is
// done. A file that shrinks has been rotated and is read from the start.
func followLog(ctx context.Context, w io.Writer, path string, filter logging.Filter) error {
	var offset int64
	if info, err := os.Stat(path); err == nil {
		offset = info.Size()
	}

	ticker := time.NewTicker(followPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.Size() < offset {
			offset = 0
		}
		if info.Size() == offset {
			continue
		}
		n, err := printFrom(w, path, offset, filter)
		if err != nil {
			return err
		}
		offset += n
	}
}

// printFrom prints the complete lines of path past offset and returns how
// many bytes it consumed.
func printFrom(w io.Writer, path string, offset int64, filter logging.Filter) (int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, nil
	}
	defer func() { _ = file.Close() }()
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		return 0, fmt.Errorf("failed to seek log file: %w", err)
	}

	var consumed int64
	reader := bufio.NewReader(file)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			// A partial line is left for the next poll.
			return consumed, nil
		}
		consumed += int64(len(line))
		e, perr := logging.ParseEntry(strings.TrimSpace(line))
		if perr != nil {
			continue
		}
		if filter.Match(e) {
			fmt.Fprintln(w, formatEntry(e))
		}
	}
}
