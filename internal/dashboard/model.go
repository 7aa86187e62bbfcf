// Package dashboard is the terminal front end for the zone state machine:
// one card per zone, a single expanded card with editable measurement
// fields, per-zone asynchronous submits, and history reconciliation at start.
package dashboard

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"rockfall/internal/types"
	"rockfall/internal/zones"
	"rockfall/internal/zonestate"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#f8fafc")).Background(lipgloss.Color("#334155")).Padding(0, 1)
	cursorStyle = lipgloss.NewStyle().Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#64748b"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#ef4444"))
	cardStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1).MarginLeft(2)

	riskColors = map[types.RiskLevel]lipgloss.Color{
		types.RiskLow:    lipgloss.Color("#22c55e"),
		types.RiskMedium: lipgloss.Color("#eab308"),
		types.RiskHigh:   lipgloss.Color("#ef4444"),
	}
)

type updateMsg zonestate.Update

type reconciledMsg struct {
	claims int
	err    error
}

// Model is the bubbletea model.
type Model struct {
	ctx     context.Context
	machine *zonestate.Machine
	updates <-chan zonestate.Update
	source  zonestate.HistorySource
	window  int

	cursor  int // zone index
	field   int // field index within the expanded zone
	editing bool
	input   textinput.Model
	status  string
}

// Options configures New.
type Options struct {
	// Window is the number of history records read during reconciliation.
	Window int
	// StaleGuard discards responses superseded by a newer submit.
	StaleGuard bool
}

// New builds a dashboard over registry. Submits go through submitter and
// reconciliation reads from source.
func New(ctx context.Context, registry *zones.Registry, submitter zonestate.Submitter, source zonestate.HistorySource, opts Options) Model {
	updates := make(chan zonestate.Update, 64)
	machineOpts := []zonestate.Option{
		zonestate.WithObserver(func(u zonestate.Update) {
			select {
			case updates <- u:
			default:
			}
		}),
	}
	if opts.StaleGuard {
		machineOpts = append(machineOpts, zonestate.WithStaleGuard())
	}
	if opts.Window <= 0 {
		opts.Window = zonestate.DefaultWindow
	}

	ti := textinput.New()
	ti.CharLimit = 32

	return Model{
		ctx:     ctx,
		machine: zonestate.NewMachine(registry, submitter, machineOpts...),
		updates: updates,
		source:  source,
		window:  opts.Window,
		input:   ti,
		status:  "loading history...",
	}
}

// Machine exposes the underlying state machine.
func (m Model) Machine() *zonestate.Machine {
	return m.machine
}

func (m Model) waitForUpdate() tea.Cmd {
	return func() tea.Msg {
		return updateMsg(<-m.updates)
	}
}

func (m Model) reconcile() tea.Cmd {
	return func() tea.Msg {
		claims, err := zonestate.Reconcile(m.ctx, m.machine, m.source, m.window)
		return reconciledMsg{claims: len(claims), err: err}
	}
}

// Init starts reconciliation and the update listener.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.reconcile(), m.waitForUpdate())
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case updateMsg:
		return m, m.waitForUpdate()

	case reconciledMsg:
		if msg.err != nil {
			m.status = "history unavailable: " + zonestate.ErrorMessage(msg.err)
		} else {
			m.status = fmt.Sprintf("restored %d zone(s) from history", msg.claims)
		}
		return m, nil

	case tea.KeyMsg:
		if m.editing {
			return m.updateEditing(msg)
		}
		return m.updateBrowsing(msg)
	}
	return m, nil
}

func (m Model) updateEditing(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		return m, tea.Quit
	case tea.KeyEsc:
		m.editing = false
		m.input.Blur()
		return m, nil
	case tea.KeyEnter:
		zoneID := m.zoneIDAt(m.cursor)
		field := types.MeasurementFields[m.field].Name
		_ = m.machine.EditField(zoneID, field, m.input.Value())
		m.editing = false
		m.input.Blur()
		m.field = (m.field + 1) % len(types.MeasurementFields)
		return m, nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) updateBrowsing(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	snap := m.machine.Snapshot()
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(snap)-1 {
			m.cursor++
		}
	case "enter", " ":
		_ = m.machine.ToggleExpand(m.zoneIDAt(m.cursor))
		m.field = 0
	case "tab":
		m.field = (m.field + 1) % len(types.MeasurementFields)
	case "shift+tab":
		m.field = (m.field + len(types.MeasurementFields) - 1) % len(types.MeasurementFields)
	case "e":
		if !snap[m.cursor].Expanded {
			return m, nil
		}
		field := types.MeasurementFields[m.field].Name
		m.input.SetValue(snap[m.cursor].Draft[field])
		m.input.CursorEnd()
		m.editing = true
		return m, m.input.Focus()
	case "s":
		if _, err := m.machine.Submit(m.ctx, m.zoneIDAt(m.cursor)); err != nil {
			m.status = err.Error()
		}
	case "r":
		m.status = "reloading history..."
		return m, m.reconcile()
	}
	return m, nil
}

func (m Model) zoneIDAt(i int) string {
	snap := m.machine.Snapshot()
	if i < 0 || i >= len(snap) {
		return ""
	}
	return snap[i].Zone.ID
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Rockfall Risk Zones"))
	b.WriteString("\n\n")

	for i, z := range m.machine.Snapshot() {
		pointer := "  "
		name := z.Zone.DisplayName
		if i == m.cursor {
			pointer = "> "
			name = cursorStyle.Render(name)
		}
		fmt.Fprintf(&b, "%s%s  %s\n", pointer, name, badge(z))
		if z.Expanded {
			b.WriteString(cardStyle.Render(m.card(z, i == m.cursor)))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(mutedStyle.Render(m.status))
	b.WriteString("\n")
	b.WriteString(mutedStyle.Render("↑/↓ zone • enter expand • tab field • e edit • s submit • r reload • q quit"))
	b.WriteString("\n")
	return b.String()
}

func (m Model) card(z zonestate.ZoneState, focused bool) string {
	var b strings.Builder
	for i, f := range types.MeasurementFields {
		marker := "  "
		if focused && i == m.field {
			marker = "▸ "
		}
		value := z.Draft[f.Name]
		if focused && i == m.field && m.editing {
			value = m.input.View()
		} else if value == "" {
			value = mutedStyle.Render("-")
		}
		hint := mutedStyle.Render(fmt.Sprintf("(%s, %g..%g)", f.Unit, f.Range[0], f.Range[1]))
		fmt.Fprintf(&b, "%s%-26s %s %s\n", marker, f.Label, value, hint)
	}
	if z.LastResult != nil {
		fmt.Fprintf(&b, "\nLast result: %s (code %d, score %.2f)", z.LastResult.RiskLevel, z.LastResult.RiskCode, z.LastResult.Score())
		if z.LastResult.Message != "" {
			fmt.Fprintf(&b, "\n%s", z.LastResult.Message)
		}
	}
	if z.LastError != "" {
		b.WriteString("\n" + errorStyle.Render("Error: "+z.LastError))
	}
	return b.String()
}

func badge(z zonestate.ZoneState) string {
	switch z.Status() {
	case zonestate.StatusPending:
		return mutedStyle.Render("[predicting...]")
	case zonestate.StatusErrored:
		return errorStyle.Render("[error]")
	case zonestate.StatusResolved:
		level := z.LastResult.RiskLevel
		style := lipgloss.NewStyle().Bold(true).Foreground(riskColors[level])
		return style.Render("[" + string(level) + "]")
	default:
		return mutedStyle.Render("[no data]")
	}
}

// Run starts the program and blocks until the user quits.
func Run(m Model) error {
	_, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(m.ctx)).Run()
	m.machine.Wait()
	return err
}
