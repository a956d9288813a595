package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/san-kum/mdloop/internal/mdrun"
	"github.com/san-kum/mdloop/internal/reduce"
)

var (
	cyan    = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	white   = lipgloss.NewStyle().Foreground(lipgloss.Color("255"))
	dim     = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	dimmer  = lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
	green   = lipgloss.NewStyle().Foreground(lipgloss.Color("82"))
	yellow  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	magenta = lipgloss.NewStyle().Foreground(lipgloss.Color("213"))
)

const historyLen = 60

// RunInfo describes the run being monitored.
type RunInfo struct {
	Model      string
	Integrator string
	InitStep   int64
	NSteps     int64
	Replicas   int
}

type monitor struct {
	info      RunInfo
	updates   <-chan mdrun.StepReport
	interrupt func()

	started time.Time
	now     time.Time
	step    int64
	latest  []reduce.EnergyAccumulator
	seen    []bool
	etot    []float64
	temp    []float64

	repartitions int
	exchanges    int
	checkpoints  int
	stopping     int
	done         bool

	width int
}

func newMonitor(info RunInfo, updates <-chan mdrun.StepReport, interrupt func()) monitor {
	if info.Replicas < 1 {
		info.Replicas = 1
	}
	if interrupt == nil {
		interrupt = func() {}
	}
	now := time.Now()
	return monitor{
		info:      info,
		updates:   updates,
		interrupt: interrupt,
		started:   now,
		now:       now,
		step:      info.InitStep,
		latest:    make([]reduce.EnergyAccumulator, info.Replicas),
		seen:      make([]bool, info.Replicas),
		etot:      make([]float64, 0, historyLen),
		temp:      make([]float64, 0, historyLen),
		width:     80,
	}
}

type reportMsg mdrun.StepReport

type doneMsg struct{}

type tickMsg time.Time

func waitFor(ch <-chan mdrun.StepReport) tea.Cmd {
	return func() tea.Msg {
		r, ok := <-ch
		if !ok {
			return doneMsg{}
		}
		return reportMsg(r)
	}
}

func tick() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m monitor) Init() tea.Cmd {
	return tea.Batch(waitFor(m.updates), tick())
}

func (m monitor) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.done {
				return m, tea.Quit
			}
			m.stopping++
			m.interrupt()
		}
		return m, nil
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case tickMsg:
		m.now = time.Time(msg)
		if m.done {
			return m, nil
		}
		return m, tick()
	case reportMsg:
		m.observe(mdrun.StepReport(msg))
		return m, waitFor(m.updates)
	case doneMsg:
		m.done = true
		return m, tea.Quit
	}
	return m, nil
}

func (m *monitor) observe(r mdrun.StepReport) {
	if r.Step > m.step {
		m.step = r.Step
	}
	if r.Repartitioned != "" {
		m.repartitions++
	}
	if r.Exchanged {
		m.exchanges++
	}
	if r.Checkpointed {
		m.checkpoints++
	}
	if !r.HaveEnergies || r.Replica < 0 || r.Replica >= len(m.latest) {
		return
	}
	m.latest[r.Replica] = r.Energies
	m.seen[r.Replica] = true
	if r.Replica == 0 {
		m.etot = pushHistory(m.etot, r.Energies.Etot)
		m.temp = pushHistory(m.temp, r.Energies.Temperature)
	}
}

func pushHistory(h []float64, v float64) []float64 {
	if len(h) == historyLen {
		copy(h, h[1:])
		h = h[:historyLen-1]
	}
	return append(h, v)
}

func (m monitor) progress() float64 {
	if m.info.NSteps <= 0 {
		return 1
	}
	p := float64(m.step-m.info.InitStep) / float64(m.info.NSteps)
	if p > 1 {
		p = 1
	}
	if p < 0 {
		p = 0
	}
	return p
}

func (m monitor) View() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(dimmer.Render("    ╺━━━━━━━━━━━━━━━━━━━━━━━━╸") + "\n")
	b.WriteString("           " + cyan.Render("m d l o o p") + "\n")
	b.WriteString(dimmer.Render("    ╺━━━━━━━━━━━━━━━━━━━━━━━━╸") + "\n\n")

	statusIcon, statusText := green.Render("●"), green.Render("running")
	switch {
	case m.done:
		statusIcon, statusText = dim.Render("○"), dim.Render("finished")
	case m.stopping > 0:
		statusIcon, statusText = yellow.Render("○"), yellow.Render("stopping")
	}
	b.WriteString(fmt.Sprintf("   %s %s  %s  %s\n\n",
		statusIcon, cyan.Render(m.info.Model), dim.Render(m.info.Integrator), statusText))

	barWidth := m.width - 40
	if barWidth < 20 {
		barWidth = 20
	}
	if barWidth > 60 {
		barWidth = 60
	}
	p := m.progress()
	filled := int(p * float64(barWidth))
	bar := cyan.Render(strings.Repeat("━", filled)) + dimmer.Render(strings.Repeat("─", barWidth-filled))
	elapsed := m.now.Sub(m.started).Truncate(time.Second)
	b.WriteString(fmt.Sprintf("   %s %s  %s\n\n", bar,
		dim.Render(fmt.Sprintf("step %d/%d %5.1f%%", m.step, m.info.InitStep+m.info.NSteps, 100*p)),
		dim.Render(elapsed.String())))

	if m.seen[0] {
		e := m.latest[0]
		b.WriteString(fmt.Sprintf("   %s %s   %s %s   %s %s\n",
			dim.Render("Epot"), white.Render(fmt.Sprintf("%12.3f", e.Epot)),
			dim.Render("Ekin"), white.Render(fmt.Sprintf("%12.3f", e.Ekin)),
			dim.Render("Etot"), white.Render(fmt.Sprintf("%12.3f", e.Etot))))
		b.WriteString(fmt.Sprintf("   %s %s   %s %s   %s %s\n\n",
			dim.Render("Cons"), white.Render(fmt.Sprintf("%12.3f", e.Conserved)),
			dim.Render("T   "), magenta.Render(fmt.Sprintf("%10.2f K", e.Temperature)),
			dim.Render("P   "), white.Render(fmt.Sprintf("%10.2f bar", e.PresScalar))))
		b.WriteString(fmt.Sprintf("   %s %s\n", dim.Render("Etot"), cyan.Render(sparkline(m.etot, 40))))
		b.WriteString(fmt.Sprintf("   %s %s\n\n", dim.Render("T   "), magenta.Render(sparkline(m.temp, 40))))
	} else {
		b.WriteString(dim.Render("   waiting for energies") + "\n\n")
	}

	if len(m.latest) > 1 {
		for i, e := range m.latest {
			t := "-"
			if m.seen[i] {
				t = fmt.Sprintf("%.2f K", e.Temperature)
			}
			b.WriteString(fmt.Sprintf("   %s %s\n", dim.Render(fmt.Sprintf("replica %-3d", i)), white.Render(t)))
		}
		b.WriteString("\n")
	}

	b.WriteString(fmt.Sprintf("   %s %d   %s %d   %s %d\n\n",
		dim.Render("repartitions"), m.repartitions,
		dim.Render("exchanges"), m.exchanges,
		dim.Render("checkpoints"), m.checkpoints))

	switch {
	case m.done:
		b.WriteString(dim.Render("   q quit") + "\n")
	case m.stopping > 0:
		b.WriteString(dim.Render("   q stop at the next step") + "\n")
	default:
		b.WriteString(dim.Render("   q stop at the next search step") + "\n")
	}
	return b.String()
}

func sparkline(data []float64, width int) string {
	if len(data) == 0 {
		return ""
	}
	chars := []rune{'▁', '▂', '▃', '▄', '▅', '▆', '▇', '█'}
	minVal, maxVal := data[0], data[0]
	for _, v := range data {
		if v < minVal {
			minVal = v
		}
		if v > maxVal {
			maxVal = v
		}
	}
	rang := maxVal - minVal
	if rang == 0 {
		rang = 1
	}
	step := len(data) / width
	if step < 1 {
		step = 1
	}
	var sb strings.Builder
	for i := 0; i < width && i*step < len(data); i++ {
		v := data[i*step]
		idx := int((v - minVal) / rang * 7)
		if idx > 7 {
			idx = 7
		}
		if idx < 0 {
			idx = 0
		}
		sb.WriteRune(chars[idx])
	}
	return sb.String()
}

// RunMonitor shows the progress of a run until the feed is closed. Each
// stop key press calls interrupt.
func RunMonitor(ctx context.Context, info RunInfo, feed *Feed, interrupt func()) error {
	p := tea.NewProgram(newMonitor(info, feed.Updates(), interrupt), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}
