package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aeolun/minichat/pkg/protocol"
)

// maxScrollback caps the lines kept per pane
const maxScrollback = 1000

// chrome is the number of rows around the pane: header, tab bar with its
// border, status line and input
const chrome = 5

// conn is the part of *client.Client the console drives
type conn interface {
	Send(req protocol.Request) error
	Recv() (protocol.Response, error)
}

// responseMsg carries one server response into Update
type responseMsg struct {
	resp protocol.Response
}

// connLostMsg ends the program when Recv fails
type connLostMsg struct {
	err error
}

// pane is the scrollback of one room. Output that arrives while no room
// is current goes to the pane keyed by the empty name.
type pane struct {
	lines []string
	view  viewport.Model
}

// model is the bubbletea model of the chat console
type model struct {
	conn  conn
	title string
	con   *console
	input textinput.Model
	panes map[string]*pane

	width  int
	height int

	// exit is printed once the program stops; err is returned instead when
	// the session ended abnormally
	exit string
	err  error
}

func newModel(c conn, title string) model {
	input := textinput.New()
	input.Placeholder = "message or /help"
	input.Prompt = InputPromptStyle.Render("> ")
	input.CharLimit = 4096
	input.Focus()

	return model{
		conn:  c,
		title: title,
		con:   &console{},
		input: input,
		panes: make(map[string]*pane),
	}
}

// waitForResponse blocks on the next server response. Update re-arms it
// after every response.
func waitForResponse(c conn) tea.Cmd {
	return func() tea.Msg {
		resp, err := c.Recv()
		if err != nil {
			return connLostMsg{err: err}
		}
		return responseMsg{resp: resp}
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForResponse(m.conn))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.input.Width = max(msg.Width-4, 1)
		for _, p := range m.panes {
			p.view.Width = m.width
			p.view.Height = m.paneHeight()
			m.refresh(p)
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case responseMsg:
		m.handleResponse(msg.resp)
		return m, waitForResponse(m.conn)

	case connLostMsg:
		if errors.Is(msg.err, io.EOF) {
			m.exit = "server closed the connection"
		} else {
			m.err = msg.err
		}
		return m, tea.Quit
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC, tea.KeyEsc:
		return m, tea.Quit

	case tea.KeyEnter:
		return m.submit()

	case tea.KeyTab:
		m.cycle(1)
		return m, nil

	case tea.KeyShiftTab:
		m.cycle(-1)
		return m, nil

	case tea.KeyPgUp, tea.KeyPgDown:
		p := m.pane(m.con.current)
		var cmd tea.Cmd
		p.view, cmd = p.view.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submit parses the input line and sends what it asks for. Sends happen
// here rather than in a Cmd so requests leave in the order they were typed.
func (m model) submit() (tea.Model, tea.Cmd) {
	line := m.input.Value()
	m.input.Reset()

	act, err := m.con.parse(line)
	if err != nil {
		m.appendTo(m.con.current, ErrorStyle.Render("! "+err.Error()))
		return m, nil
	}
	if act.quit {
		return m, tea.Quit
	}
	if act.local != "" {
		for _, l := range strings.Split(act.local, "\n") {
			m.appendTo(m.con.current, SystemStyle.Render(l))
		}
	}
	if act.req == nil {
		return m, nil
	}

	if err := m.conn.Send(act.req); err != nil {
		m.err = fmt.Errorf("send: %w", err)
		return m, tea.Quit
	}
	switch req := act.req.(type) {
	case *protocol.LeaveRoomRequest:
		m.appendTo(req.Room, SystemStyle.Render("you left #"+req.Room))
		m.con.left(req.Room)
	case *protocol.SendRequest:
		if req.To.IsUser() {
			m.appendTo(m.con.current, DirectStyle.Render(fmt.Sprintf("[to @%s] %s", req.To.Name, req.Content)))
		}
	}
	return m, nil
}

// handleResponse renders resp into the pane it belongs to
func (m model) handleResponse(resp protocol.Response) {
	target := m.con.current
	style := MessageStyle
	switch resp := resp.(type) {
	case *protocol.RoomEvent:
		target = resp.Room
		if resp.Op.Kind != protocol.OpMessage {
			style = SystemStyle
		}
	case *protocol.JoinAckResponse:
		target = resp.Room
		style = SystemStyle
	case *protocol.LeaveAckResponse:
		return
	case *protocol.DirectMessageResponse:
		style = DirectStyle
	case *protocol.ErrorResponse:
		style = ErrorStyle
	}

	if text := m.con.render(resp); text != "" {
		m.appendTo(target, style.Render(text))
	}
}

// cycle moves the current room through the joined list
func (m model) cycle(step int) {
	n := len(m.con.joined)
	if n == 0 {
		return
	}
	idx := -1
	for i, r := range m.con.joined {
		if r == m.con.current {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.con.current = m.con.joined[0]
		return
	}
	m.con.current = m.con.joined[(idx+step+n)%n]
}

func (m model) paneHeight() int {
	return max(m.height-chrome, 1)
}

// pane returns the scrollback for room, creating it on first use
func (m model) pane(room string) *pane {
	p, ok := m.panes[room]
	if !ok {
		p = &pane{view: viewport.New(m.width, m.paneHeight())}
		m.panes[room] = p
	}
	return p
}

// appendTo adds a line to room's pane and follows the tail unless the
// user has scrolled up
func (m model) appendTo(room, line string) {
	p := m.pane(room)
	follow := p.view.AtBottom()
	p.lines = append(p.lines, line)
	if over := len(p.lines) - maxScrollback; over > 0 {
		p.lines = p.lines[over:]
	}
	m.refresh(p)
	if follow {
		p.view.GotoBottom()
	}
}

func (m model) refresh(p *pane) {
	content := strings.Join(p.lines, "\n")
	if m.width > 0 {
		content = lipgloss.NewStyle().Width(m.width).Render(content)
	}
	p.view.SetContent(content)
}

func (m model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	header := HeaderStyle.Render("minichat") + StatusStyle.Render(m.title)

	var tabs []string
	if len(m.con.joined) == 0 {
		tabs = append(tabs, ActiveTabStyle.Render("(no rooms)"))
	}
	for _, r := range m.con.joined {
		if r == m.con.current {
			tabs = append(tabs, ActiveTabStyle.Render("#"+r))
		} else {
			tabs = append(tabs, TabStyle.Render("#"+r))
		}
	}
	tabBar := TabBarStyle.Width(m.width).Render(lipgloss.JoinHorizontal(lipgloss.Top, tabs...))

	status := StatusStyle.Render("/help for commands · tab switch room · pgup/pgdn scroll · esc quit")

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		tabBar,
		m.pane(m.con.current).view.View(),
		status,
		m.input.View(),
	)
}
