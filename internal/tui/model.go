package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/vitaminmoo/improv-tool/internal/commands"
	"github.com/vitaminmoo/improv-tool/internal/improv"
	"github.com/vitaminmoo/improv-tool/internal/protocol"
	"github.com/vitaminmoo/improv-tool/internal/store"
)

// View represents different screens in the TUI.
type View int

const (
	ViewDevices View = iota
	ViewDevice
	ViewWifi
	ViewHistory
)

// resultGrace is how long to wait for the redirect URL after PROVISIONED
// before the attempt is written to history without it.
const resultGrace = 3 * time.Second

const (
	fieldSSID = iota
	fieldPassphrase
)

// Model is the main Bubbletea model for the TUI.
type Model struct {
	// State
	view   View
	cursor int
	width  int
	height int

	session *improv.Session
	history *store.Store

	// Data
	devices        []improv.PeerDevice
	scanning       bool
	connecting     bool
	peer           *improv.PeerDevice
	deviceState    protocol.DeviceState
	errorState     protocol.ErrorState
	results        []string
	sending        bool // credentials sent, waiting for the device
	awaitingResult bool // provisioned, waiting for the redirect URL
	errorMsg       string
	statusMsg      string

	setup  ProgressState
	inputs []textinput.Model
	focus  int

	entries    []store.Entry
	historyErr string

	// Components
	keys    KeyMap
	help    help.Model
	spinner spinner.Model
	styles  Styles
}

// --- Custom messages for async operations ---

// opErrMsg reports a session command that was rejected.
type opErrMsg struct {
	op  string
	err error
}

// resultGraceMsg fires when the wait for an RPC result is over.
type resultGraceMsg struct{}

// historyMsg delivers the provisioning history.
type historyMsg struct {
	entries []store.Entry
	err     error
}

// historyRecordedMsg signals an attempt was written to history.
type historyRecordedMsg struct {
	id  string
	err error
}

// NewModel creates the model. history may be nil, in which case nothing is
// recorded.
func NewModel(session *improv.Session, history *store.Store) Model {
	h := help.New()
	h.ShowAll = false

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4"))

	ssid := textinput.New()
	ssid.Placeholder = "Network name"
	ssid.CharLimit = protocol.MaxPayload
	ssid.Width = 32

	pass := textinput.New()
	pass.Placeholder = "Passphrase"
	pass.CharLimit = protocol.MaxPayload
	pass.Width = 32
	pass.EchoMode = textinput.EchoPassword
	pass.EchoCharacter = '•'

	return Model{
		view:     ViewDevices,
		session:  session,
		history:  history,
		scanning: true,
		setup:    NewProgressState(),
		inputs:   []textinput.Model{ssid, pass},
		keys:     DefaultKeyMap(),
		help:     h,
		spinner:  s,
		styles:   DefaultStyles(),
	}
}

// Init initializes the model.
func (m Model) Init() tea.Cmd {
	// Auto-start scanning and the spinner
	return tea.Batch(findDevicesCmd(m.session), m.spinner.Tick)
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case scanningMsg:
		m.scanning = msg.scanning
		return m, nil

	case peerMsg:
		for i := range m.devices {
			if m.devices[i].Equal(msg.peer) {
				m.devices[i] = msg.peer
				return m, nil
			}
		}
		m.devices = append(m.devices, msg.peer)
		return m, nil

	case connectionMsg:
		if msg.peer != nil {
			m.peer = msg.peer
			m.connecting = false
			m.errorMsg = ""
			m.statusMsg = "Connected"
			m.setup.Update(stepLinkUp, "Discovering services...")
			return m, nil
		}
		return m.handleDisconnect()

	case deviceStateMsg:
		return m.handleDeviceState(msg.state)

	case errorStateMsg:
		m.errorState = msg.state
		if msg.state == protocol.NoError {
			return m, nil
		}
		m.errorMsg = describeError(msg.state)
		if m.sending {
			m.sending = false
			m.statusMsg = ""
			return m, m.recordCmd()
		}
		return m, nil

	case resultMsg:
		m.results = msg.result
		if m.awaitingResult {
			m.awaitingResult = false
			return m, m.recordCmd()
		}
		return m, nil

	case resultGraceMsg:
		if m.awaitingResult {
			m.awaitingResult = false
			return m, m.recordCmd()
		}
		return m, nil

	case opErrMsg:
		m.errorMsg = fmt.Sprintf("%s failed: %v", msg.op, msg.err)
		switch msg.op {
		case "Connect":
			m.connecting = false
			m.setup.Cancel()
			m.view = ViewDevices
		case "Send Wi-Fi":
			m.sending = false
			m.statusMsg = ""
		}
		return m, nil

	case historyMsg:
		m.entries = msg.entries
		m.historyErr = ""
		if msg.err != nil {
			m.historyErr = msg.err.Error()
		}
		return m, nil

	case historyRecordedMsg:
		if msg.err != nil {
			m.errorMsg = fmt.Sprintf("History not saved: %v", msg.err)
		}
		return m, nil
	}

	return m, nil
}

func (m Model) handleDeviceState(st protocol.DeviceState) (tea.Model, tea.Cmd) {
	m.deviceState = st
	if m.setup.IsActive() {
		m.setup.Complete()
	}

	switch st {
	case protocol.AuthorizationRequired:
		m.statusMsg = "Press the button on the device to authorize"
	case protocol.Authorized:
		if !m.sending {
			m.statusMsg = "Ready for Wi-Fi credentials"
		}
	case protocol.Provisioning:
		m.statusMsg = "Device is joining the network..."
	case protocol.Provisioned:
		if m.sending {
			m.sending = false
			m.awaitingResult = true
			m.errorMsg = ""
			m.statusMsg = "Provisioned"
			return m, tea.Tick(resultGrace, func(time.Time) tea.Msg { return resultGraceMsg{} })
		}
		m.statusMsg = "Device is provisioned"
	}
	return m, nil
}

// handleDisconnect handles the link going away, whether asked for or not.
func (m Model) handleDisconnect() (tea.Model, tea.Cmd) {
	switch {
	case m.connecting:
		m.errorMsg = "Connection failed"
	case m.sending:
		m.errorMsg = "Device disconnected while provisioning"
	case m.peer != nil:
		m.statusMsg = "Disconnected"
	}
	m.connecting = false
	m.peer = nil
	m.sending = false
	m.awaitingResult = false
	m.deviceState = 0
	m.errorState = protocol.NoError
	m.setup.Cancel()
	if m.view == ViewDevice || m.view == ViewWifi {
		m.view = ViewDevices
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		return m, tea.Quit
	}
	if m.view == ViewWifi {
		return m.handleFormKey(msg)
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		return m, nil

	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
		return m, nil

	case key.Matches(msg, m.keys.Down):
		if m.cursor < m.maxCursor() {
			m.cursor++
		}
		return m, nil
	}

	switch m.view {
	case ViewDevices:
		switch {
		case key.Matches(msg, m.keys.Select):
			if m.cursor >= len(m.devices) || m.linked() {
				return m, nil
			}
			peer := m.devices[m.cursor]
			m.connecting = true
			m.errorMsg = ""
			m.statusMsg = ""
			m.results = nil
			m.view = ViewDevice
			m.setup.Start(fmt.Sprintf("Connecting to %s...", peer.DisplayName()))
			return m, connectCmd(m.session, peer.Address)

		case key.Matches(msg, m.keys.Rescan):
			if m.linked() {
				return m, nil
			}
			m.devices = nil
			m.cursor = 0
			m.errorMsg = ""
			return m, findDevicesCmd(m.session)

		case key.Matches(msg, m.keys.History):
			m.view = ViewHistory
			m.cursor = 0
			return m, loadHistoryCmd(m.history)
		}

	case ViewDevice:
		switch {
		case key.Matches(msg, m.keys.Wifi):
			if !m.canProvision() {
				return m, nil
			}
			m.view = ViewWifi
			m.focus = fieldSSID
			m.errorMsg = ""
			return m, m.focusInputs()

		case key.Matches(msg, m.keys.Identify):
			if m.peer == nil || m.connecting {
				return m, nil
			}
			m.statusMsg = "Identify sent"
			return m, identifyCmd(m.session)

		case key.Matches(msg, m.keys.Disconnect), key.Matches(msg, m.keys.Back):
			if !m.linked() {
				m.view = ViewDevices
				return m, nil
			}
			return m, disconnectCmd(m.session)
		}

	case ViewHistory:
		if key.Matches(msg, m.keys.Back) || key.Matches(msg, m.keys.History) {
			m.view = ViewDevices
			m.cursor = 0
		}
	}
	return m, nil
}

func (m Model) handleFormKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Back):
		m.inputs[fieldPassphrase].SetValue("")
		m.view = ViewDevice
		return m, nil

	case key.Matches(msg, m.keys.NextField):
		m.focus = (m.focus + 1) % len(m.inputs)
		return m, m.focusInputs()

	case key.Matches(msg, m.keys.PrevField):
		m.focus = (m.focus + len(m.inputs) - 1) % len(m.inputs)
		return m, m.focusInputs()

	case key.Matches(msg, m.keys.Select):
		if m.focus == fieldSSID {
			m.focus = fieldPassphrase
			return m, m.focusInputs()
		}
		return m.submitWifi()
	}

	var cmd tea.Cmd
	m.inputs[m.focus], cmd = m.inputs[m.focus].Update(msg)
	return m, cmd
}

// submitWifi sends the form's credentials. The passphrase is cleared from
// the form as soon as it is handed to the session.
func (m Model) submitWifi() (tea.Model, tea.Cmd) {
	ssid := m.inputs[fieldSSID].Value()
	pass := m.inputs[fieldPassphrase].Value()
	if ssid == "" {
		m.errorMsg = "SSID is required"
		return m, nil
	}
	if _, err := protocol.SendWifiFrame(ssid, pass); err != nil {
		m.errorMsg = err.Error()
		return m, nil
	}

	m.inputs[fieldPassphrase].SetValue("")
	m.view = ViewDevice
	m.sending = true
	m.results = nil
	m.errorMsg = ""
	m.statusMsg = fmt.Sprintf("Sending credentials for %q...", ssid)
	return m, sendWifiCmd(m.session, ssid, pass)
}

func (m *Model) focusInputs() tea.Cmd {
	var cmd tea.Cmd
	for i := range m.inputs {
		if i == m.focus {
			cmd = m.inputs[i].Focus()
		} else {
			m.inputs[i].Blur()
		}
	}
	return cmd
}

func (m Model) linked() bool {
	return m.connecting || m.peer != nil
}

// canProvision reports whether credentials may be sent now.
func (m Model) canProvision() bool {
	if m.peer == nil || m.sending || m.setup.IsActive() {
		return false
	}
	return m.deviceState == protocol.Authorized || m.deviceState == protocol.Provisioned
}

func (m Model) maxCursor() int {
	switch m.view {
	case ViewDevices:
		return max(len(m.devices)-1, 0)
	case ViewHistory:
		return max(len(m.entries)-1, 0)
	}
	return 0
}

// outcome is what gets written to history for the current attempt.
func (m Model) outcome() *commands.Outcome {
	o := &commands.Outcome{
		DeviceState: m.deviceState,
		ErrorState:  m.errorState,
		Results:     m.results,
	}
	if m.peer != nil {
		o.Peer = *m.peer
	}
	return o
}

func (m Model) recordCmd() tea.Cmd {
	if m.history == nil || m.peer == nil {
		return nil
	}
	entry := m.outcome().Entry("tui")
	history := m.history
	return func() tea.Msg {
		id, err := history.Record(entry)
		return historyRecordedMsg{id: id, err: err}
	}
}

// describeError turns an error state into a sentence for the status line.
func describeError(e protocol.ErrorState) string {
	switch e {
	case protocol.InvalidRPCPacket:
		return "Device rejected the request as malformed"
	case protocol.UnknownCommand:
		return "Device does not support this command"
	case protocol.UnableToConnect:
		return "Device could not join the network, check the credentials"
	case protocol.NotAuthorized:
		return "Device is not authorized, press its button and retry"
	}
	return fmt.Sprintf("Device reported %s", e)
}

// --- Views ---

// View renders the model.
func (m Model) View() string {
	var content string

	switch m.view {
	case ViewDevices:
		content = m.viewDevices()
	case ViewDevice:
		content = m.viewDevice()
	case ViewWifi:
		content = m.viewWifi()
	case ViewHistory:
		content = m.viewHistory()
	default:
		content = "Unknown view"
	}

	helpView := m.styles.Help.Render(m.help.View(m.keys))

	return m.styles.App.Render(
		content + "\n" + helpView,
	)
}

// renderTitleBar renders a consistent title bar with connection status.
func (m Model) renderTitleBar(title string) string {
	var parts []string
	parts = append(parts, m.styles.Title.Render(title))

	switch {
	case m.connecting:
		parts = append(parts, m.spinner.View()+" "+m.styles.Warning.Render("Connecting..."))
	case m.peer != nil:
		parts = append(parts, m.styles.StatusOnline.Render("●"))
		parts = append(parts, m.styles.Muted.Render(m.peer.DisplayName()+" "+m.peer.Address))
	case m.scanning:
		parts = append(parts, m.spinner.View()+" "+m.styles.Warning.Render("Scanning..."))
	default:
		parts = append(parts, m.styles.StatusOffline.Render("○ Not connected"))
	}
	return strings.Join(parts, "  ")
}

func (m Model) renderMessages(b *strings.Builder) {
	if m.errorMsg != "" {
		b.WriteString(m.styles.Error.Render(m.errorMsg))
		b.WriteString("\n")
	}
	if m.statusMsg != "" {
		b.WriteString(m.styles.Muted.Render(m.statusMsg))
		b.WriteString("\n")
	}
}

func (m Model) viewDevices() string {
	var b strings.Builder
	b.WriteString(m.renderTitleBar("Improv Wi-Fi"))
	b.WriteString("\n\n")
	m.renderMessages(&b)

	if len(m.devices) == 0 {
		if m.scanning {
			b.WriteString(m.styles.Muted.Render("Looking for Improv devices..."))
		} else {
			rescan := m.keys.Rescan.Help().Key
			b.WriteString(m.styles.Muted.Render(fmt.Sprintf("No devices found ['%s' to rescan]", rescan)))
		}
		b.WriteString("\n")
		return b.String()
	}

	b.WriteString("\n")
	for i, d := range m.devices {
		if i == m.cursor {
			b.WriteString(m.styles.ItemSelected.Render("> " + d.DisplayName()))
		} else {
			b.WriteString(m.styles.Item.Render("  " + d.DisplayName()))
		}
		b.WriteString("\n")
		b.WriteString(m.styles.ItemDim.Render(d.Address))
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) viewDevice() string {
	var b strings.Builder
	b.WriteString(m.renderTitleBar("Improv Wi-Fi"))
	b.WriteString("\n\n")

	if m.setup.IsActive() {
		b.WriteString(m.setup.View())
		b.WriteString("\n\n")
	}
	m.renderMessages(&b)
	b.WriteString("\n")

	if m.peer != nil {
		b.WriteString(m.renderField("Device", m.peer.DisplayName()))
		b.WriteString(m.renderField("Address", m.peer.Address))
	}
	if m.deviceState != 0 {
		state := m.deviceState.String()
		if m.deviceState == protocol.Provisioned {
			state = m.styles.Success.Render(state)
		}
		b.WriteString(m.renderField("State", state))
	}
	if m.errorState != protocol.NoError {
		b.WriteString(m.renderField("Error", m.styles.Error.Render(m.errorState.String())))
	}
	for _, r := range m.results {
		b.WriteString(m.renderField("Result", m.styles.Highlight.Render(r)))
	}
	if m.sending {
		b.WriteString("\n" + m.spinner.View() + " " + m.styles.Warning.Render("Waiting for the device..."))
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) viewWifi() string {
	var b strings.Builder
	b.WriteString(m.renderTitleBar("Send Wi-Fi credentials"))
	b.WriteString("\n\n")
	m.renderMessages(&b)

	var form strings.Builder
	labels := []string{"SSID", "Passphrase"}
	for i, in := range m.inputs {
		label := m.styles.InputLabel.Render(labels[i])
		if i == m.focus {
			label = m.styles.InputFocused.Render(labels[i])
		}
		form.WriteString(label + " " + in.View())
		if i < len(m.inputs)-1 {
			form.WriteString("\n\n")
		}
	}
	b.WriteString(m.styles.Form.Render(form.String()))
	b.WriteString("\n")
	b.WriteString(m.styles.Muted.Render("tab next field • enter send • esc cancel"))
	return b.String()
}

func (m Model) viewHistory() string {
	var b strings.Builder
	b.WriteString(m.renderTitleBar("History"))
	b.WriteString("\n\n")

	if m.history == nil {
		b.WriteString(m.styles.Muted.Render("History is not available"))
		return b.String()
	}
	if m.historyErr != "" {
		b.WriteString(m.styles.Error.Render(m.historyErr))
		return b.String()
	}
	if len(m.entries) == 0 {
		b.WriteString(m.styles.Muted.Render("No provisioning attempts yet"))
		return b.String()
	}

	for i, e := range m.entries {
		line := fmt.Sprintf("%s  %-17s  %s", e.CreatedAt.Local().Format("2006-01-02 15:04"), e.Address, e.DeviceState)
		if i == m.cursor {
			b.WriteString(m.styles.ItemSelected.Render("> " + line))
		} else {
			b.WriteString(m.styles.Item.Render("  " + line))
		}
		b.WriteString("\n")
		detail := e.Name
		if e.ErrorState != "" {
			detail = strings.TrimSpace(detail + " " + e.ErrorState)
		}
		if len(e.Results) > 0 {
			detail = strings.TrimSpace(detail + " " + strings.Join(e.Results, ", "))
		}
		if detail != "" {
			b.WriteString(m.styles.ItemDim.Render(detail))
			b.WriteString("\n")
		}
	}
	return b.String()
}

func (m Model) renderField(label, value string) string {
	return m.styles.Label.Render(label) + m.styles.Value.Render(value) + "\n"
}

// --- Commands ---

// Session calls run inside commands so that observer callbacks, which send
// to the program, never happen on the Update goroutine.

func findDevicesCmd(s *improv.Session) tea.Cmd {
	return func() tea.Msg {
		if err := s.FindDevices(); err != nil {
			return opErrMsg{op: "Scan", err: err}
		}
		return nil
	}
}

func connectCmd(s *improv.Session, address string) tea.Cmd {
	return func() tea.Msg {
		if err := s.Connect(address); err != nil {
			return opErrMsg{op: "Connect", err: err}
		}
		return nil
	}
}

func disconnectCmd(s *improv.Session) tea.Cmd {
	return func() tea.Msg {
		if err := s.Disconnect(); err != nil {
			return opErrMsg{op: "Disconnect", err: err}
		}
		return nil
	}
}

func identifyCmd(s *improv.Session) tea.Cmd {
	return func() tea.Msg {
		if err := s.Identify(); err != nil {
			return opErrMsg{op: "Identify", err: err}
		}
		return nil
	}
}

func sendWifiCmd(s *improv.Session, ssid, passphrase string) tea.Cmd {
	return func() tea.Msg {
		if err := s.SendWifi(ssid, passphrase); err != nil {
			return opErrMsg{op: "Send Wi-Fi", err: err}
		}
		return nil
	}
}

func loadHistoryCmd(h *store.Store) tea.Cmd {
	if h == nil {
		return nil
	}
	return func() tea.Msg {
		entries, err := h.List()
		return historyMsg{entries: entries, err: err}
	}
}
