// Package ui renders live tuning progress with Bubble Tea.
package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"strata/internal/search"
)

type tuneModel struct {
	title      string
	events     <-chan search.Event
	spinner    spinner.Model
	prog       progress.Model
	rounds     []roundItem
	trials     int
	total      int
	bestGFlops float64
	width      int
	done       bool
}

type roundItem struct {
	round  int
	phase  search.Phase
	status string
}

type eventMsg search.Event
type doneMsg struct{}

// NewTuneModel returns a Bubble Tea model that renders search progress from
// the policy's event stream.
func NewTuneModel(title string, total int, events <-chan search.Event) tea.Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))

	prog := progress.New(progress.WithDefaultGradient())
	prog.Width = 76

	return &tuneModel{
		title:   title,
		events:  events,
		spinner: sp,
		prog:    prog,
		total:   total,
		width:   80,
	}
}

func (m *tuneModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.listenForEvent())
}

func (m *tuneModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case eventMsg:
		cmd := m.applyEvent(search.Event(msg))
		return m, tea.Batch(cmd, m.listenForEvent())
	case doneMsg:
		m.done = true
		return m, tea.Quit
	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.WindowSizeMsg:
		if msg.Width > 0 {
			m.width = msg.Width
			m.prog.Width = msg.Width - 4
		}
		return m, nil
	case progress.FrameMsg:
		progModel, cmd := m.prog.Update(msg)
		m.prog = progModel.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func (m *tuneModel) View() string {
	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("7"))
	header := m.title
	if m.bestGFlops > 0 {
		header = fmt.Sprintf("%s (best %.2f GFLOPS)", header, m.bestGFlops)
	}
	if m.done {
		header = fmt.Sprintf("done: %s", header)
	} else {
		header = fmt.Sprintf("%s %s", m.spinner.View(), header)
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(header))
	b.WriteString("\n\n")

	statusWidth := 12
	nameWidth := m.width - statusWidth - 4
	if nameWidth < 20 {
		nameWidth = 20
	}

	for _, item := range m.rounds {
		name := truncate(fmt.Sprintf("round %d", item.round), nameWidth)
		statusStyled := styleStatus(item.status).Render(fmt.Sprintf("%12s", item.status))
		fmt.Fprintf(&b, "  %s %s\n", statusStyled, name)
	}

	b.WriteString("\n")
	if m.done {
		b.WriteString(m.prog.ViewAs(1.0))
	} else if m.total > 0 {
		b.WriteString(m.prog.ViewAs(float64(m.trials) / float64(m.total)))
	} else {
		b.WriteString(m.prog.View())
	}
	b.WriteString("\n")

	return b.String()
}

func (m *tuneModel) listenForEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return doneMsg{}
		}
		return eventMsg(ev)
	}
}

func (m *tuneModel) applyEvent(ev search.Event) tea.Cmd {
	if ev.Trials > m.trials {
		m.trials = ev.Trials
	}
	if ev.Total > 0 {
		m.total = ev.Total
	}
	if ev.BestGFlops > m.bestGFlops {
		m.bestGFlops = ev.BestGFlops
	}

	if ev.Round >= 0 {
		for len(m.rounds) <= ev.Round {
			m.rounds = append(m.rounds, roundItem{round: len(m.rounds), status: "queued"})
		}
		item := &m.rounds[ev.Round]
		item.phase = ev.Phase
		if ev.Status == search.StatusDone && ev.Phase == search.PhaseMeasure {
			item.status = "done"
		} else {
			item.status = phaseLabel(ev.Phase)
		}
	}

	if m.total > 0 {
		return m.prog.SetPercent(float64(m.trials) / float64(m.total))
	}
	return nil
}

func phaseLabel(phase search.Phase) string {
	switch phase {
	case search.PhaseSketch:
		return "sketching"
	case search.PhaseSample:
		return "sampling"
	case search.PhaseEvolve:
		return "evolving"
	case search.PhaseTrain:
		return "training"
	case search.PhaseMeasure:
		return "measuring"
	default:
		return string(phase)
	}
}

func styleStatus(status string) lipgloss.Style {
	switch status {
	case "done":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	case "error":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	case "sketching", "sampling", "evolving", "training", "measuring":
		return lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("7"))
	}
}

func truncate(value string, width int) string {
	if width <= 0 {
		return value
	}
	if runewidth.StringWidth(value) <= width {
		return value
	}
	if width <= 3 {
		return runewidth.Truncate(value, width, "")
	}
	return runewidth.Truncate(value, width-3, "...")
}
