package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/camforge/camforge/internal/progress"
	"github.com/camforge/camforge/internal/state"
	"github.com/camforge/camforge/internal/ui/benchmarks"
)

// StepView is one plan step as displayed on the dashboard.
type StepView struct {
	Key     string
	Label   string
	Status  progress.Status
	Percent int
	Attempt int
	Message string

	// Active sub-step line, cleared when the sub-step finishes.
	Sub        string
	SubMessage string

	// Device tallies, maintained for the fleet rollout step.
	DevicesDone   int
	DevicesFailed int

	StartedAt  *time.Time
	FinishedAt *time.Time
}

// Model is the Bubble Tea model for the run dashboard.
type Model struct {
	RunID   string
	Project string

	Steps []StepView

	RunStatus  progress.Status
	RunMessage string
	Warnings   []string

	// ETA
	EstimatedRemaining time.Duration
	PerformanceScale   float64
	StartTime          time.Time

	// Animation
	SpinnerFrame int

	// UI state
	Width  int
	Height int
	Err    error
	Done   bool
}

// NewRunModel builds the dashboard from a run document. A resumed run
// starts with its completed steps already ticked off.
func NewRunModel(run *state.Run) Model {
	m := Model{
		RunID:            run.ID,
		Project:          run.Project,
		RunStatus:        progress.Status(run.Status),
		StartTime:        time.Now(),
		PerformanceScale: 1.0,
		Warnings:         append([]string(nil), run.Warnings...),
	}
	for _, ps := range run.Plan {
		sv := StepView{Key: ps.Key, Label: ps.Label, Status: progress.StatusPending}
		if st := run.Step(ps.Key); st != nil {
			sv.Status = progress.Status(st.Status)
			sv.Percent = st.Percent
			sv.Attempt = st.Attempts
			sv.StartedAt = st.StartedAt
			sv.FinishedAt = st.FinishedAt
			sv.Message = st.LastError
		}
		m.Steps = append(m.Steps, sv)
	}
	return m
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height

	case EventMsg:
		m.applyEvent(msg.Event)
		// A run-level terminal event ends the dashboard.
		if msg.Event.Step == "" && msg.Event.Terminal() {
			m.Done = true
			return m, tea.Quit
		}

	case StreamClosedMsg:
		return m, tea.Quit

	case TickMsg:
		m.SpinnerFrame++
		m.updateETA()
		return m, tickCmd()

	case ErrMsg:
		m.Err = msg.Err
		return m, tea.Quit
	}

	return m, nil
}

func (m *Model) applyEvent(ev progress.Event) {
	if ev.Warn && ev.Message != "" {
		m.Warnings = append(m.Warnings, ev.Message)
	}

	if ev.Step == "" {
		m.RunStatus = ev.Status
		m.RunMessage = ev.Message
		return
	}

	idx := -1
	for i := range m.Steps {
		if m.Steps[i].Key == ev.Step {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	step := &m.Steps[idx]

	if ev.Sub != "" {
		switch ev.Status {
		case progress.StatusCompleted:
			step.DevicesDone++
			if step.Sub == ev.Sub {
				step.Sub, step.SubMessage = "", ""
			}
		case progress.StatusFailed:
			step.DevicesFailed++
			if step.Sub == ev.Sub {
				step.Sub, step.SubMessage = "", ""
			}
		default:
			step.Sub = ev.Sub
			step.SubMessage = ev.Message
		}
		return
	}

	switch ev.Status {
	case progress.StatusRunning:
		if step.Status != progress.StatusRunning {
			step.Status = progress.StatusRunning
			now := time.Now()
			step.StartedAt = &now
			step.FinishedAt = nil
		}
		if ev.Percent >= 0 {
			step.Percent = ev.Percent
		}
		if ev.Attempt > step.Attempt {
			step.Attempt = ev.Attempt
		}
		if ev.Message != "" && !ev.Warn {
			step.Message = ev.Message
		}
	case progress.StatusCompleted, progress.StatusFailed:
		step.Status = ev.Status
		if ev.Status == progress.StatusCompleted {
			step.Percent = 100
		}
		now := time.Now()
		step.FinishedAt = &now
		step.Message = ev.Message
		step.Sub, step.SubMessage = "", ""
	}
}

// activeStep returns the first running step, or nil.
func (m *Model) activeStep() *StepView {
	for i := range m.Steps {
		if m.Steps[i].Status == progress.StatusRunning {
			return &m.Steps[i]
		}
	}
	return nil
}

func (m *Model) updateETA() {
	states := make([]state.StepState, len(m.Steps))
	for i, sv := range m.Steps {
		states[i] = state.StepState{
			Key:        sv.Key,
			Status:     stepStateStatus(sv.Status),
			StartedAt:  sv.StartedAt,
			FinishedAt: sv.FinishedAt,
		}
	}
	now := time.Now()
	m.PerformanceScale = benchmarks.PerformanceScale(states, now)
	m.EstimatedRemaining = benchmarks.EstimateRemainingWithScale(states, now, m.PerformanceScale)
}

func stepStateStatus(s progress.Status) state.StepStatus {
	switch s {
	case progress.StatusRunning:
		return state.StepRunning
	case progress.StatusCompleted:
		return state.StepCompleted
	case progress.StatusFailed:
		return state.StepFailed
	default:
		return state.StepPending
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(_ time.Time) tea.Msg {
		return TickMsg{}
	})
}

// View implements tea.Model.
func (m Model) View() string {
	return renderView(m)
}
