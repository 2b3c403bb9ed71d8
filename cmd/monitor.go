package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/LoveWonYoung/isotpbridge/control"
	"github.com/LoveWonYoung/isotpbridge/tp"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Interactive view of everything the bridge reports",
	Long: `Show reassembled messages, unmatched CAN frames and bridge errors as
they arrive, with an input line for sending:

  7E0 22F190          send an ISO-TP message to 7E0
  raw 7DF 0210030000  send a single CAN frame
  fc 08 14            set block size and STmin
  clear               clear the log

Press Esc or Ctrl+C to quit.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}

const maxMonitorLines = 1000

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type envelopeMsg struct {
	env control.Envelope
	at  time.Time
}

type connClosedMsg struct {
	err error
}

//////////////////////////////////////////////////////////////
// Model
//////////////////////////////////////////////////////////////

type monitorModel struct {
	client *control.Client
	url    string

	log   viewport.Model
	input textinput.Model
	lines []string

	messages  int
	unmatched int
	errors    int
	status    string
	closed    bool

	width  int
	height int
}

var (
	monitorTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("12")).
				Background(lipgloss.Color("235")).
				Padding(0, 1)
	monitorHeaderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	monitorLabelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	monitorValueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	monitorErrorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	monitorCANStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	monitorBoxStyle    = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("240")).
				Padding(0, 1)
)

func newMonitorModel(client *control.Client, url string) monitorModel {
	ti := textinput.New()
	ti.Placeholder = "7E0 22F190"
	ti.Prompt = "> "
	ti.CharLimit = 2 * (tp.MaxMessageSize + 16)
	ti.Focus()

	return monitorModel{
		client: client,
		url:    url,
		log:    viewport.New(80, 16),
		input:  ti,
		width:  80,
		height: 24,
	}
}

func (m monitorModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "esc", "ctrl+c":
			return m, tea.Quit
		case "enter":
			line := strings.TrimSpace(m.input.Value())
			m.input.SetValue("")
			if line != "" {
				m.status = m.execute(line)
			}
			return m, nil
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.log, cmd = m.log.Update(msg)
			return m, cmd
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.log.Width = msg.Width - 4
		// 标题、统计、边框和输入行占用 8 行
		m.log.Height = max(msg.Height-8, 3)
		m.log.SetContent(strings.Join(m.lines, "\n"))
		m.log.GotoBottom()

	case envelopeMsg:
		m.record(msg)

	case connClosedMsg:
		m.closed = true
		m.status = fmt.Sprintf("connection closed: %v", msg.err)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *monitorModel) record(msg envelopeMsg) {
	line := msg.at.Format("15:04:05.000") + " " + formatEnvelope(msg.env)
	switch msg.env.Kind {
	case control.KindMessage:
		m.messages++
		line = monitorValueStyle.Render(line)
	case control.KindUnmatched:
		m.unmatched++
		line = monitorCANStyle.Render(line)
	case control.KindError, control.KindEngineError:
		m.errors++
		line = monitorErrorStyle.Render(line)
	}
	m.appendLine(line)
}

func (m *monitorModel) appendLine(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxMonitorLines {
		m.lines = m.lines[len(m.lines)-maxMonitorLines:]
	}
	atBottom := m.log.AtBottom()
	m.log.SetContent(strings.Join(m.lines, "\n"))
	if atBottom {
		m.log.GotoBottom()
	}
}

// execute 解析输入行并发送，返回状态栏文本
func (m *monitorModel) execute(line string) string {
	if m.closed {
		return "not connected"
	}
	fields := strings.Fields(line)
	var err error
	switch strings.ToLower(fields[0]) {
	case "clear":
		m.lines = nil
		m.log.SetContent("")
		return "log cleared"
	case "raw":
		if len(fields) < 2 {
			return "usage: raw ID [HEX]"
		}
		var id uint32
		var data []byte
		if id, err = parseWireID(fields[1]); err == nil {
			if data, err = tp.ParseHexBytes(strings.Join(fields[2:], "")); err == nil {
				if len(data) > 8 {
					return "raw frame payload is at most 8 bytes"
				}
				err = m.client.WriteRaw(id, data)
			}
		}
	case "fc":
		if len(fields) != 3 {
			return "usage: fc BS STMIN"
		}
		var b []byte
		if b, err = tp.ParseHexBytes(fields[1] + fields[2]); err == nil {
			if len(b) != 2 {
				return "usage: fc BS STMIN"
			}
			err = m.client.SetFlowControl(b[0], b[1])
		}
	default:
		var ep tp.Endpoint
		var payload []byte
		if ep, err = parseEndpoint(fields[0]); err == nil {
			if payload, err = tp.ParseHexBytes(strings.Join(fields[1:], "")); err == nil {
				if len(payload) == 0 {
					return "nothing to send"
				}
				err = m.client.Write(append(messageHeader(ep), payload...))
			}
		}
	}
	if err != nil {
		return err.Error()
	}
	m.appendLine(monitorHeaderStyle.Render(time.Now().Format("15:04:05.000") + " SENT  " + line))
	return "sent"
}

func (m monitorModel) View() string {
	var s strings.Builder
	s.WriteString(monitorTitleStyle.Render("ISOTP BRIDGE - MONITOR"))
	s.WriteString("\n")
	s.WriteString(monitorHeaderStyle.Render(fmt.Sprintf("URL: %s | Esc to quit | PgUp/PgDn to scroll", m.url)))
	s.WriteString("\n")
	s.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s",
		monitorLabelStyle.Render("Messages:"), monitorValueStyle.Render(fmt.Sprintf("%d", m.messages)),
		monitorLabelStyle.Render("Unmatched:"), monitorCANStyle.Render(fmt.Sprintf("%d", m.unmatched)),
		monitorLabelStyle.Render("Errors:"), monitorErrorStyle.Render(fmt.Sprintf("%d", m.errors)),
	))
	s.WriteString("\n")
	s.WriteString(monitorBoxStyle.Width(max(m.width-2, 10)).Render(m.log.View()))
	s.WriteString("\n")
	s.WriteString(m.input.View())
	if m.status != "" {
		s.WriteString("  ")
		s.WriteString(monitorHeaderStyle.Render(m.status))
	}
	return s.String()
}

func runMonitor(cmd *cobra.Command, args []string) error {
	c, err := openControl(cmd.Context())
	if err != nil {
		return err
	}
	defer c.Close()

	p := tea.NewProgram(newMonitorModel(c, wsURL), tea.WithAltScreen())

	go func() {
		for {
			env, err := c.Recv()
			if err != nil {
				p.Send(connClosedMsg{err: err})
				return
			}
			p.Send(envelopeMsg{env: env, at: time.Now()})
		}
	}()

	if err := c.Hello(); err != nil {
		return err
	}
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %v", err)
	}
	return nil
}
