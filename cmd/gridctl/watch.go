package main

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	errorStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	labelStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	footnoteStyle = lipgloss.NewStyle().Faint(true)
)

// dashboardSnapshot is a point-in-time read of gridd's Prometheus exposition,
// parsed just enough to drive the watch dashboard.
type dashboardSnapshot struct {
	reachable   bool
	lastError   string
	queueDepths map[string]int64
	allocBytes  int64
	droppedBus  int64
	wsClients   int64
	polledAt    time.Time
}

var metricLineRE = regexp.MustCompile(`^(\w+)(?:\{([^}]*)\})?\s+(-?\d+(?:\.\d+)?)`)

func parsePrometheusMetrics(body []byte) dashboardSnapshot {
	snap := dashboardSnapshot{queueDepths: map[string]int64{}, polledAt: time.Now()}
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		m := metricLineRE.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		name, labels, valStr := m[1], m[2], m[3]
		val, err := strconv.ParseFloat(valStr, 64)
		if err != nil {
			continue
		}
		switch name {
		case "gridcore_queue_depth":
			priority := labelValue(labels, "priority")
			snap.queueDepths[priority] = int64(val)
		case "gridcore_alloc_bytes":
			snap.allocBytes = int64(val)
		case "gridcore_bus_dropped_events_total":
			snap.droppedBus = int64(val)
		case "gridcore_ws_clients":
			snap.wsClients = int64(val)
		}
	}
	return snap
}

func labelValue(labels, key string) string {
	for _, kv := range strings.Split(labels, ",") {
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			continue
		}
		if strings.TrimSpace(parts[0]) == key {
			return strings.Trim(strings.TrimSpace(parts[1]), `"`)
		}
	}
	return ""
}

type watchModel struct {
	c    *client
	snap dashboardSnapshot
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m watchModel) poll() dashboardSnapshot {
	body, status, err := m.c.prometheusMetrics()
	if err != nil {
		return dashboardSnapshot{reachable: false, lastError: err.Error(), polledAt: time.Now()}
	}
	if status != 200 {
		return dashboardSnapshot{reachable: false, lastError: fmt.Sprintf("server returned %d", status), polledAt: time.Now()}
	}
	snap := parsePrometheusMetrics(body)
	snap.reachable = true
	return snap
}

func (m watchModel) Init() tea.Cmd {
	return tickCmd()
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		m.snap = m.poll()
		return m, tickCmd()
	}
	return m, nil
}

func (m watchModel) View() string {
	header := headerStyle.Render("gridcore watch") + " — " + m.c.baseURL
	if !m.snap.reachable {
		return fmt.Sprintf("%s\n\n%s\n\n%s\n", header,
			errorStyle.Render("gridd unreachable: "+m.snap.lastError),
			footnoteStyle.Render("Press q to quit."))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", header)
	if len(m.snap.queueDepths) == 0 {
		fmt.Fprintf(&b, "%s (none)\n", labelStyle.Render("Queue Depth:"))
	} else {
		fmt.Fprintf(&b, "%s\n", labelStyle.Render("Queue Depth:"))
		for priority, depth := range m.snap.queueDepths {
			fmt.Fprintf(&b, "  priority %s: %d\n", priority, depth)
		}
	}
	fmt.Fprintf(&b, "\n%s %d\n%s %d\n%s %d bytes\n%s %s\n\n%s\n",
		labelStyle.Render("WS Clients:"), m.snap.wsClients,
		labelStyle.Render("Bus Dropped Events:"), m.snap.droppedBus,
		labelStyle.Render("Alloc:"), m.snap.allocBytes,
		labelStyle.Render("Polled:"), m.snap.polledAt.Format(time.TimeOnly),
		footnoteStyle.Render("Press q to quit."))
	return b.String()
}

// runWatch drives a live terminal dashboard until the user quits or ctx is
// cancelled.
func runWatch(ctx context.Context, c *client) int {
	m := watchModel{c: c}
	m.snap = m.poll()
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	select {
	case <-ctx.Done():
		p.Quit()
		return 0
	case err := <-done:
		if err != nil {
			fmt.Println(err)
			return 1
		}
		return 0
	}
}
