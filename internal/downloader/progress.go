package downloader

import (
	"context"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"time"

	progressbar "github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

// ProgressManager renders segment progress with Bubble Tea.
type ProgressManager struct {
	mu      sync.Mutex
	out     io.Writer
	program *tea.Program
	started bool
	done    chan struct{}
}

func NewProgressManager(out io.Writer) *ProgressManager {
	return &ProgressManager{out: out}
}

// Start begins rendering in a separate goroutine. Rendering stops when ctx
// is done or Stop is called.
func (pm *ProgressManager) Start(ctx context.Context) {
	if pm == nil {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.started {
		return
	}

	program := tea.NewProgram(newProgressModel(),
		tea.WithOutput(pm.out),
		tea.WithInput(nil),
		tea.WithoutSignalHandler(),
	)
	pm.program = program
	pm.started = true
	pm.done = make(chan struct{})

	go func() {
		defer close(pm.done)
		_, _ = program.Run()
	}()
	go func() {
		select {
		case <-ctx.Done():
			program.Send(stopMsg{})
		case <-pm.done:
		}
	}()
}

// Stop asks the program to exit and waits briefly for the final frame.
func (pm *ProgressManager) Stop() {
	if pm == nil {
		return
	}
	pm.mu.Lock()
	program := pm.program
	done := pm.done
	pm.mu.Unlock()

	if program != nil {
		program.Send(stopMsg{})
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}
}

// Log shows a message above the progress bar.
func (pm *ProgressManager) Log(level LogLevel, msg string) {
	if pm == nil || msg == "" {
		return
	}
	pm.send(logMsg{level: level, text: msg})
}

func (pm *ProgressManager) send(msg tea.Msg) {
	if pm == nil {
		return
	}
	pm.mu.Lock()
	program := pm.program
	pm.mu.Unlock()
	if program != nil {
		program.Send(msg)
	}
}

type registerMsg struct {
	id       string
	label    string
	segments int
	start    time.Time
}

type updateMsg struct {
	id           string
	segmentsDone int
	bytes        int64
}

type finishMsg struct {
	id string
}

type logMsg struct {
	level LogLevel
	text  string
}

type stopMsg struct{}

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#0B0B0B")).
			Background(lipgloss.Color("#FFE66D")).
			Bold(true).
			Padding(0, 1)

	percentStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00F5D4")).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F8F8F2")).
			Bold(true)

	etaStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#A6ADC8")).
			Faint(true)

	logInfoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7FDBFF")).
			Bold(true)

	logWarnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFD166")).
			Bold(true)

	logErrorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B")).
			Bold(true)

	spinnerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#7FDBFF"))
)

type progressModel struct {
	tasks map[string]*progressTask
	order []string
	width int
	quit  bool
	log   string
}

type progressTask struct {
	id           string
	label        string
	segments     int
	segmentsDone int
	bytes        int64
	started      time.Time
	finished     time.Time
	percent      float64
	bar          progressbar.Model
	spin         spinner.Model
	done         bool
}

func newProgressModel() *progressModel {
	return &progressModel{
		tasks: make(map[string]*progressTask),
		width: 80,
	}
}

func barWidth(total int) int {
	width := total - 10
	if width < 10 {
		return 10
	}
	if width > 60 {
		return 60
	}
	return width
}

func truncateLine(text string, width int) string {
	return truncateText(text, width)
}

func (m *progressModel) Init() tea.Cmd {
	return nil
}

func (m *progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		for _, task := range m.tasks {
			task.bar.Width = barWidth(m.width)
		}
	case registerMsg:
		if _, exists := m.tasks[msg.id]; exists {
			return m, nil
		}
		m.order = append(m.order, msg.id)
		spin := spinner.New()
		spin.Spinner = spinner.MiniDot
		spin.Style = spinnerStyle
		bar := progressbar.New(
			progressbar.WithGradient("#FF006E", "#00F5FF"),
			progressbar.WithWidth(barWidth(m.width)),
			progressbar.WithoutPercentage(),
		)
		task := &progressTask{
			id:       msg.id,
			label:    msg.label,
			segments: msg.segments,
			started:  msg.start,
			bar:      bar,
			spin:     spin,
		}
		m.tasks[msg.id] = task
		return m, task.spin.Tick
	case updateMsg:
		if task, ok := m.tasks[msg.id]; ok {
			task.segmentsDone = msg.segmentsDone
			task.bytes = msg.bytes
			if task.segments > 0 {
				task.percent = math.Min(1, math.Max(0, float64(task.segmentsDone)/float64(task.segments)))
			}
		}
	case finishMsg:
		if task, ok := m.tasks[msg.id]; ok {
			task.percent = 1
			task.done = true
			task.finished = time.Now()
		}
	case logMsg:
		var style lipgloss.Style
		switch msg.level {
		case LogError:
			style = logErrorStyle
		case LogWarn:
			style = logWarnStyle
		default:
			style = logInfoStyle
		}
		m.log = style.Render(truncateLine(msg.text, m.width))
	case spinner.TickMsg:
		cmds := make([]tea.Cmd, 0, len(m.tasks))
		for _, task := range m.tasks {
			if task.done {
				continue
			}
			updated, cmd := task.spin.Update(msg)
			task.spin = updated
			if cmd != nil {
				cmds = append(cmds, cmd)
			}
		}
		return m, tea.Batch(cmds...)
	case stopMsg:
		m.quit = true
		return m, tea.Quit
	}
	return m, nil
}

func (m *progressModel) View() string {
	var b strings.Builder
	if m.log != "" {
		b.WriteString(m.log)
		b.WriteString("\n")
	}
	if len(m.order) == 0 {
		return b.String()
	}

	b.WriteString(titleStyle.Render(" Segments"))
	b.WriteString("\n")
	for _, id := range m.order {
		task := m.tasks[id]
		var elapsed, eta time.Duration
		if task.done {
			elapsed = task.finished.Sub(task.started)
		} else {
			elapsed = time.Since(task.started)
			eta = estimateETA(task.segmentsDone, task.segments, elapsed)
		}

		spinText := " "
		if !task.done {
			spinText = task.spin.View()
		}
		fmt.Fprintf(&b, "%s %s %s\n",
			spinText,
			percentStyle.Render(fmt.Sprintf("%5.1f%%", task.percent*100)),
			labelStyle.Render(task.label))
		b.WriteString(task.bar.ViewAs(task.percent))
		b.WriteString("\n")

		detail := fmt.Sprintf("%d/%d segments · %s · %s",
			task.segmentsDone, task.segments,
			humanize.Bytes(uint64(task.bytes)),
			formatRate(task.bytes, elapsed))
		fmt.Fprintf(&b, "        %s\n", etaStyle.Render(detail))
		if task.done {
			fmt.Fprintf(&b, "        %s\n", etaStyle.Render("completed in "+formatDurationShort(elapsed)))
		} else {
			fmt.Fprintf(&b, "        %s\n", etaStyle.Render(fmt.Sprintf("elapsed %s · eta %s",
				formatDurationShort(elapsed), formatDurationShort(eta))))
		}
	}
	return b.String()
}

func formatRate(current int64, elapsed time.Duration) string {
	if elapsed <= 0 {
		return "--/s"
	}
	rate := int64(float64(current) / elapsed.Seconds())
	if rate <= 0 {
		return "--/s"
	}
	return humanize.Bytes(uint64(rate)) + "/s"
}

func estimateETA(done, total int, elapsed time.Duration) time.Duration {
	if total <= 0 || done <= 0 {
		return 0
	}
	remaining := total - done
	if remaining <= 0 {
		return 0
	}
	perSegment := elapsed / time.Duration(done)
	return perSegment * time.Duration(remaining)
}

func formatDurationShort(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	} else if d < time.Hour {
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(math.Mod(d.Seconds(), 60)))
	}
	return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(math.Mod(d.Minutes(), 60)))
}

// segmentProgress tracks one run's segments. With a ProgressManager it feeds
// the interactive view; otherwise it logs at most every tenth of the run.
type segmentProgress struct {
	printer  *Printer
	total    int
	done     int
	bytes    int64
	start    time.Time
	taskID   string
	nextTick int
}

func (p *Printer) startProgress(label string, segments int) *segmentProgress {
	sp := &segmentProgress{printer: p, total: segments, start: time.Now()}
	if p != nil && p.manager != nil {
		sp.taskID = fmt.Sprintf("%s@%d", label, sp.start.UnixNano())
		p.manager.send(registerMsg{id: sp.taskID, label: label, segments: segments, start: sp.start})
	}
	sp.nextTick = sp.step()
	return sp
}

func (sp *segmentProgress) step() int {
	step := sp.total / 10
	if step < 1 {
		step = 1
	}
	return step
}

// SegmentDone records one finished segment of n bytes.
func (sp *segmentProgress) SegmentDone(n int64) {
	if sp == nil {
		return
	}
	sp.done++
	sp.bytes += n
	if sp.taskID != "" {
		sp.printer.manager.send(updateMsg{id: sp.taskID, segmentsDone: sp.done, bytes: sp.bytes})
		return
	}
	sp.printer.Log(LogDebug, "segment downloaded", "segment", fmt.Sprintf("%d/%d", sp.done, sp.total), "size", humanize.Bytes(uint64(n)))
	if sp.done >= sp.nextTick || sp.done == sp.total {
		sp.nextTick = sp.done + sp.step()
		sp.printer.Log(LogInfo, "downloading",
			"segments", fmt.Sprintf("%d/%d", sp.done, sp.total),
			"size", humanize.Bytes(uint64(sp.bytes)),
			"rate", formatRate(sp.bytes, time.Since(sp.start)))
	}
}

func (sp *segmentProgress) Finish() {
	if sp == nil || sp.taskID == "" {
		return
	}
	sp.printer.manager.send(finishMsg{id: sp.taskID})
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *contextReader) Read(p []byte) (int, error) {
	select {
	case <-r.ctx.Done():
		return 0, r.ctx.Err()
	default:
		return r.r.Read(p)
	}
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	return io.Copy(dst, &contextReader{ctx: ctx, r: src})
}
