package display

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"gtpsim/internal/scenario"
	"gtpsim/internal/stats"
)

// Controls is the keyboard-facing surface of the load generator.
type Controls interface {
	Pause()
	Resume()
	Paused() bool
	RateUp()
	RateDown()
	Rate() float64
}

// Info is the static header content of the dashboard.
type Info struct {
	NodeType string
	Local    string
	Remote   string
}

type tickMsg time.Time

// Model is the bubbletea model rendering the live statistics dashboard and
// feeding keyboard control back to the simulator.
type Model struct {
	info     Info
	stats    *stats.Collector
	scn      *scenario.Scenario
	controls Controls
	refresh  time.Duration
	onQuit   func()
}

// New builds the dashboard model. controls may be nil for responder-only
// nodes; refresh is the redraw interval.
func New(info Info, st *stats.Collector, scn *scenario.Scenario, controls Controls, refresh time.Duration, onQuit func()) Model {
	if refresh <= 0 {
		refresh = time.Second
	}
	return Model{
		info:     info,
		stats:    st,
		scn:      scn,
		controls: controls,
		refresh:  refresh,
		onQuit:   onQuit,
	}
}

// Run starts the dashboard and blocks until quit.
func Run(m Model) error {
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return m.tick()
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		return m, m.tick()

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.onQuit != nil {
				m.onQuit()
			}
			return m, tea.Quit
		case "p":
			if m.controls != nil {
				m.controls.Pause()
			}
		case "c":
			if m.controls != nil {
				m.controls.Resume()
			}
		case "+", "*":
			if m.controls != nil {
				m.controls.RateUp()
			}
		case "-", "/":
			if m.controls != nil {
				m.controls.RateDown()
			}
		}
	}
	return m, nil
}

func (m Model) View() string {
	snap := m.stats.Snapshot()

	var b strings.Builder
	b.WriteString(styleTitle.Render("gtpsim"))
	b.WriteString(styleLabel.Render(fmt.Sprintf("  %s  run-time %s", m.info.NodeType,
		snap.Elapsed.Round(time.Second))))
	b.WriteString("\n")
	b.WriteString(styleLabel.Render("local ") + styleValue.Render(m.info.Local))
	b.WriteString(styleLabel.Render("   remote ") + styleValue.Render(m.info.Remote))
	b.WriteString("\n\n")

	b.WriteString(m.sessionPanel(snap))
	b.WriteString("\n")
	b.WriteString(m.jobPanel())
	b.WriteString("\n")
	b.WriteString(m.helpLine())
	return b.String()
}

func (m Model) sessionPanel(snap stats.Snapshot) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("%s %d\n", styleLabel.Render("Total-Sessions:    "), snap.SessionsCreated))
	b.WriteString(fmt.Sprintf("%s %d\n", styleLabel.Render("Session-Completed: "), snap.SessionsSucc))
	aborted := fmt.Sprintf("%d", snap.SessionsFail)
	if snap.SessionsFail > 0 {
		aborted = styleFail.Render(aborted)
	}
	b.WriteString(fmt.Sprintf("%s %s\n", styleLabel.Render("Session-Aborted:   "), aborted))
	b.WriteString(fmt.Sprintf("%s %d", styleLabel.Render("Dead-Calls:        "), snap.DeadCalls))
	return stylePanel.Render(b.String())
}

func (m Model) jobPanel() string {
	var b strings.Builder
	b.WriteString(styleLabel.Render(fmt.Sprintf("%-28s      %9s %9s %9s %12s",
		"", "Messages", "Retrans", "Timeout", "Unexpected")))
	b.WriteString("\n")

	for _, proc := range m.scn.Procs {
		switch proc.Type {
		case scenario.ProcWait:
			writeJobRow(&b, proc.Wait)
		case scenario.ProcReqRsp:
			writeJobRow(&b, proc.Initial)
			writeJobRow(&b, proc.Trig)
		case scenario.ProcReqTrigRep:
			writeJobRow(&b, proc.Initial)
			writeJobRow(&b, proc.Trig)
			writeJobRow(&b, proc.TrigReply)
		}
	}
	return stylePanel.Render(strings.TrimRight(b.String(), "\n"))
}

func writeJobRow(b *strings.Builder, job *scenario.Job) {
	if job == nil {
		return
	}
	switch job.Type {
	case scenario.JobSend:
		b.WriteString(fmt.Sprintf("%-28s ---> %9d %9d %9d\n",
			job.Name, job.Sent.Load(), job.SentRetrans.Load(), job.Timeouts.Load()))
	case scenario.JobRecv:
		b.WriteString(fmt.Sprintf("%-28s <--- %9d %9d %9s %12d\n",
			job.Name, job.Recv.Load(), job.RecvRetrans.Load(), "", job.Unexpected.Load()))
	case scenario.JobWait:
		b.WriteString(fmt.Sprintf("[Wait %d ms]\n", job.WaitMs))
	}
}

func (m Model) helpLine() string {
	if m.controls == nil {
		return styleHelp.Render("Quit [q]")
	}
	if m.controls.Paused() {
		return styleHelp.Render(fmt.Sprintf("Adjust-Rate [+/-] (%.1f/s)   Resume-Traffic [c]   Quit [q]", m.controls.Rate()))
	}
	return styleHelp.Render(fmt.Sprintf("Adjust-Rate [+/-] (%.1f/s)   Pause-Traffic [p]   Quit [q]", m.controls.Rate()))
}
