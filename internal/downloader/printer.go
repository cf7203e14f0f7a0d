package downloader

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
)

type LogLevel int

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)

// ParseLogLevel accepts debug, info, warn(ing) and error. Empty means info.
func ParseLogLevel(raw string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return LogInfo, nil
	case "debug":
		return LogDebug, nil
	case "warn", "warning":
		return LogWarn, nil
	case "error":
		return LogError, nil
	default:
		return LogInfo, fmt.Errorf("invalid log level %q", raw)
	}
}

func (l LogLevel) charm() log.Level {
	switch l {
	case LogDebug:
		return log.DebugLevel
	case LogWarn:
		return log.WarnLevel
	case LogError:
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// Printer is the single sink for user-facing output of a run.
type Printer struct {
	out     io.Writer
	quiet   bool
	level   LogLevel
	columns int
	logger  *log.Logger

	okStyle   lipgloss.Style
	failStyle lipgloss.Style
	skipStyle lipgloss.Style

	// manager is non-nil only while the interactive progress view owns the terminal.
	manager *ProgressManager
}

func newPrinter(opts Options, out io.Writer) *Printer {
	if out == nil {
		out = os.Stderr
	}
	level, err := ParseLogLevel(opts.LogLevel)
	if err != nil {
		level = LogInfo
	}
	if opts.Quiet && level < LogError {
		level = LogError
	}

	logger := log.NewWithOptions(out, log.Options{
		Level:           level.charm(),
		ReportTimestamp: opts.Debug,
		TimeFormat:      "15:04:05.000",
	})

	renderer := lipgloss.NewRenderer(out)
	columns := terminalColumns()
	if columns <= 0 {
		columns = 100
	}
	return &Printer{
		out:       out,
		quiet:     opts.Quiet,
		level:     level,
		columns:   columns,
		logger:    logger,
		okStyle:   renderer.NewStyle().Foreground(lipgloss.Color("#00D27A")).Bold(true),
		failStyle: renderer.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true),
		skipStyle: renderer.NewStyle().Foreground(lipgloss.Color("#FFD166")).Bold(true),
	}
}

// Log writes a leveled, structured message. It is safe on a nil Printer.
func (p *Printer) Log(level LogLevel, msg string, keyvals ...interface{}) {
	if p == nil || level < p.level {
		return
	}
	if p.manager != nil {
		p.manager.Log(level, formatLogLine(msg, keyvals...))
		return
	}
	p.logger.Log(level.charm(), msg, keyvals...)
}

// startProgressView hands the terminal to a ProgressManager until the
// returned stop func runs. Debug, quiet and non-terminal output keep plain logs.
func (p *Printer) startProgressView(ctx context.Context, opts Options) func() {
	if p == nil || opts.Debug || opts.Quiet || !isTerminal(p.out) {
		return func() {}
	}
	manager := NewProgressManager(p.out)
	manager.Start(ctx)
	p.manager = manager
	return func() {
		if p.manager == nil {
			return
		}
		p.manager = nil
		manager.Stop()
	}
}

func formatLogLine(msg string, keyvals ...interface{}) string {
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(keyvals); i += 2 {
		fmt.Fprintf(&b, " %v=%v", keyvals[i], keyvals[i+1])
	}
	return b.String()
}

// ItemResult prints the final OK/FAIL line of a run.
func (p *Printer) ItemResult(result Result, err error) {
	if p == nil || (err == nil && p.quiet) {
		return
	}
	if err != nil {
		fmt.Fprintf(p.out, "%s %s\n", p.failStyle.Render("FAIL"), err.Error())
		return
	}
	detail := fmt.Sprintf("%s %s", humanize.Bytes(uint64(result.Bytes)), result.OutputPath)
	fmt.Fprintf(p.out, "%s %s\n", p.okStyle.Render("OK"), truncateText(detail, p.columns-3))
}

func (p *Printer) ItemSkipped(path, reason string) {
	if p == nil || p.quiet {
		return
	}
	fmt.Fprintf(p.out, "%s %s (%s)\n", p.skipStyle.Render("SKIP"), path, reason)
}

func (p *Printer) Summary(result Result) {
	if p == nil || p.quiet || result.Skipped {
		return
	}
	fmt.Fprintf(p.out, "Summary: %d segments | %s | %s of video\n",
		result.Segments,
		humanize.Bytes(uint64(result.Bytes)),
		formatDurationShort(result.Duration))
}

func truncateText(text string, max int) string {
	if max <= 0 || len(text) <= max {
		return text
	}
	if max <= 3 {
		return text[:max]
	}
	return text[:max-3] + "..."
}

func terminalColumns() int {
	if columns := os.Getenv("COLUMNS"); columns != "" {
		if val, err := strconv.Atoi(columns); err == nil && val > 0 {
			return val
		}
	}
	return 0
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := file.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
