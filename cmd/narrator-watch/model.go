package main

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/koscakluka/ema-narrator/core/blocks"
	"github.com/koscakluka/ema-narrator/core/distribution"
	"github.com/muesli/reflow/wordwrap"
)

// frame mirrors the observer stream frame with the payload left raw until
// the type is known.
type frame struct {
	Type string          `json:"type"`
	Seq  uint64          `json:"seq"`
	Data json.RawMessage `json:"data"`
}

type blockUpdate struct {
	Action distribution.Action `json:"action"`
	Block  *blocks.Block       `json:"block"`
	Fields map[string]any      `json:"fields"`
}

type systemUpdate struct {
	Kind   string         `json:"kind"`
	Fields map[string]any `json:"fields"`
}

type frameMsg frame

type connectedMsg struct{ url string }

type disconnectedMsg struct{ err error }

const maxNotices = 5

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7aa2f7"))
	mutedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#565f89"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#f7768e"))
	noticeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#e0af68"))
	blockingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff9e64")).Bold(true)
	statusStyles  = map[blocks.Status]lipgloss.Style{
		blocks.StatusPlaying:    lipgloss.NewStyle().Foreground(lipgloss.Color("#9ece6a")).Bold(true),
		blocks.StatusReady:      lipgloss.NewStyle().Foreground(lipgloss.Color("#7dcfff")),
		blocks.StatusQueued:     lipgloss.NewStyle().Foreground(lipgloss.Color("#7dcfff")),
		blocks.StatusGenerating: lipgloss.NewStyle().Foreground(lipgloss.Color("#bb9af7")),
		blocks.StatusFailed:     lipgloss.NewStyle().Foreground(lipgloss.Color("#f7768e")),
		blocks.StatusSkipped:    mutedStyle,
		blocks.StatusCompleted:  mutedStyle,
	}
)

type model struct {
	url       string
	connected bool
	err       error

	blocks   map[int64]blocks.Block
	playback distribution.PlaybackState
	lastSeq  uint64
	notices  []string

	viewport viewport.Model
	ready    bool
	width    int
}

func newModel(url string) model {
	return model{
		url:    url,
		blocks: map[int64]blocks.Block{},
	}
}

func (m model) Init() tea.Cmd {
	return nil
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		height := max(msg.Height-lipgloss.Height(m.header())-lipgloss.Height(m.footer()), 1)
		if !m.ready {
			m.viewport = viewport.New(msg.Width, height)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = height
		}
		m.viewport.SetContent(m.renderBlocks())
	case connectedMsg:
		m.connected = true
		m.err = nil
	case disconnectedMsg:
		m.connected = false
		m.err = msg.err
	case frameMsg:
		m.apply(frame(msg))
		if m.ready {
			m.viewport.SetContent(m.renderBlocks())
		}
	}

	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// apply folds one frame into the local mirror. State updates at or below
// the last applied sequence number are already reflected and are ignored.
func (m *model) apply(f frame) {
	switch f.Type {
	case "block_snapshot":
		var list []blocks.Block
		if err := json.Unmarshal(f.Data, &list); err != nil {
			m.notice("bad block snapshot: " + err.Error())
			return
		}
		m.blocks = make(map[int64]blocks.Block, len(list))
		for _, block := range list {
			m.blocks[block.ID] = block
		}
		m.lastSeq = f.Seq
	case "playback_state":
		_ = json.Unmarshal(f.Data, &m.playback)
	case "block_update":
		if f.Seq != 0 && f.Seq <= m.lastSeq {
			return
		}
		m.lastSeq = f.Seq
		var update blockUpdate
		if err := json.Unmarshal(f.Data, &update); err != nil || update.Block == nil {
			return
		}
		m.blocks[update.Block.ID] = *update.Block
	case "system":
		if f.Seq > m.lastSeq {
			m.lastSeq = f.Seq
		}
		var update systemUpdate
		if err := json.Unmarshal(f.Data, &update); err == nil {
			m.notice(describeSystem(update))
		}
	}
}

func (m *model) notice(text string) {
	m.notices = append(m.notices, time.Now().Format("15:04:05")+" "+text)
	if len(m.notices) > maxNotices {
		m.notices = m.notices[len(m.notices)-maxNotices:]
	}
}

func describeSystem(update systemUpdate) string {
	if len(update.Fields) == 0 {
		return update.Kind
	}
	keys := make([]string, 0, len(update.Fields))
	for k := range update.Fields {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, update.Fields[k]))
	}
	return update.Kind + " " + strings.Join(parts, " ")
}

// ordered lists blocks newest first.
func (m model) ordered() []blocks.Block {
	list := make([]blocks.Block, 0, len(m.blocks))
	for _, block := range m.blocks {
		list = append(list, block)
	}
	slices.SortFunc(list, func(a, b blocks.Block) int {
		switch {
		case a.ID > b.ID:
			return -1
		case a.ID < b.ID:
			return 1
		}
		return 0
	})
	return list
}

func (m model) renderBlocks() string {
	list := m.ordered()
	if len(list) == 0 {
		return mutedStyle.Render("no blocks yet")
	}

	width := max(m.width-4, 20)
	var b strings.Builder
	for _, block := range list {
		style, ok := statusStyles[block.Status]
		if !ok {
			style = lipgloss.NewStyle()
		}
		line := fmt.Sprintf("#%d %s %s", block.ID, style.Render(string(block.Status)), mutedStyle.Render(block.SourceID+"/"+block.Type))
		if block.Priority == blocks.PriorityBlocking {
			line += " " + blockingStyle.Render("blocking")
		}
		if block.Tier != "" {
			line += " " + mutedStyle.Render("["+string(block.Tier)+"]")
		}
		b.WriteString(line + "\n")

		text := block.Content
		if block.Tier == blocks.TierSummary && block.Summary != "" {
			text = block.Summary
		}
		if text != "" {
			b.WriteString(indent(wordwrap.String(text, width), "  ") + "\n")
		}
		if len(block.QuestionOptions) > 0 {
			b.WriteString(mutedStyle.Render("  options: "+strings.Join(block.QuestionOptions, " / ")) + "\n")
		}
		if block.Response != "" {
			b.WriteString("  answered: " + block.Response + "\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m model) header() string {
	state := errorStyle.Render("disconnected")
	if m.connected {
		state = statusStyles[blocks.StatusPlaying].Render("live")
	}
	music := "music stopped"
	if m.playback.MusicActive {
		music = fmt.Sprintf("%s  %s left", m.playback.Track, (time.Duration(m.playback.Remaining * float64(time.Second))).Round(time.Second))
	}
	if m.playback.Speaking {
		music += "  " + noticeStyle.Render("on air")
	}
	return titleStyle.Render("narrator") + "  " + state + "  " + mutedStyle.Render(m.url) + "\n" + music + "\n"
}

func (m model) footer() string {
	var lines []string
	if m.err != nil {
		lines = append(lines, errorStyle.Render(m.err.Error()))
	}
	for _, n := range m.notices {
		lines = append(lines, noticeStyle.Render(n))
	}
	lines = append(lines, mutedStyle.Render("q quit  arrows scroll"))
	return "\n" + strings.Join(lines, "\n")
}

func (m model) View() string {
	if !m.ready {
		return "connecting..."
	}
	return m.header() + m.viewport.View() + m.footer()
}

func indent(text, prefix string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
