package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/koncoweb/zeger-app-sub003/internal/cloudsync"
	"github.com/koncoweb/zeger-app-sub003/internal/queue"
	"github.com/koncoweb/zeger-app-sub003/internal/status"
)

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Run the sync daemon with a live terminal dashboard",
		Long: `Run the sync daemon with a live terminal dashboard.

Keys:
  s  sync now
  r  retry failed operations
  c  clear the error list
  q  quit`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(rootOpts, cmd)
		},
	}
}

func runWatch(opts *RootOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig(opts.newLogger(cmd.ErrOrStderr(), "info"), false)
	if err != nil {
		return err
	}

	// Set up logging to file (stdout is owned by the dashboard)
	logPath := filepath.Join(cfg.Server.DataDir, "zeger-sync-watch.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return WrapExitError(ExitCommandError, "open log file", err)
	}
	defer logFile.Close() //nolint:errcheck
	logger := opts.newLogger(logFile, cfg.Server.LogLevel)

	m, err := cloudsync.NewManager(cmd.Context(), cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "open sync core", err)
	}
	defer m.Close() //nolint:errcheck

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	updates := make(chan status.Snapshot, 1)
	unsub := m.Subscribe(func(s status.Snapshot) { offerLatest(updates, s) })
	defer unsub()

	if err := m.Start(ctx); err != nil {
		return fmt.Errorf("start sync core: %w", err)
	}

	p := tea.NewProgram(newWatchModel(ctx, managerSource{m}, updates), tea.WithAltScreen(),
		tea.WithInput(cmd.InOrStdin()), tea.WithOutput(cmd.OutOrStdout()))
	_, runErr := p.Run()
	cancel()
	if err := m.Stop(); err != nil {
		logger.Error("stop sync core", "error", err)
	}
	return runErr
}

// offerLatest puts s on ch, replacing an unread older snapshot.
func offerLatest(ch chan status.Snapshot, s status.Snapshot) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// watchSource is what the dashboard reads and controls.
type watchSource interface {
	Status() status.Snapshot
	Operations() []queue.Operation
	Foreground(ctx context.Context)
	RetryFailedSync(ctx context.Context) (int, error)
	ClearErrors()
}

type managerSource struct{ *cloudsync.Manager }

func (s managerSource) Operations() []queue.Operation { return s.Store().List(nil) }

// Bubble Tea messages

type snapshotMsg status.Snapshot

type noticeMsg string

type tickMsg time.Time

type watchModel struct {
	ctx     context.Context
	source  watchSource
	updates <-chan status.Snapshot
	snap    status.Snapshot
	ops     viewport.Model
	notice  string
	width   int
	height  int
	ready   bool
	now     func() time.Time
}

func newWatchModel(ctx context.Context, source watchSource, updates <-chan status.Snapshot) watchModel {
	return watchModel{
		ctx:     ctx,
		source:  source,
		updates: updates,
		snap:    source.Status(),
		now:     time.Now,
	}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(tickCmd(), m.waitForSnapshot())
}

// waitForSnapshot delivers the next status change to Update.
func (m watchModel) waitForSnapshot() tea.Cmd {
	return func() tea.Msg {
		select {
		case s := <-m.updates:
			return snapshotMsg(s)
		case <-m.ctx.Done():
			return nil
		}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m watchModel) retryCmd() tea.Cmd {
	return func() tea.Msg {
		n, err := m.source.RetryFailedSync(m.ctx)
		if err != nil {
			return noticeMsg("retry failed: " + err.Error())
		}
		return noticeMsg(plural(n, "operation") + " requeued")
	}
}

func (m watchModel) syncCmd() tea.Cmd {
	return func() tea.Msg {
		m.source.Foreground(m.ctx)
		return noticeMsg("sync requested")
	}
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "s":
			return m, m.syncCmd()
		case "r":
			return m, m.retryCmd()
		case "c":
			m.source.ClearErrors()
			m.notice = "errors cleared"
			m.snap = m.source.Status()
			return m, nil
		}

	case snapshotMsg:
		m.snap = status.Snapshot(msg)
		m.refreshOps()
		return m, m.waitForSnapshot()

	case noticeMsg:
		m.notice = string(msg)
		return m, nil

	case tickMsg:
		// Relative times in the panel go stale without a redraw.
		m.refreshOps()
		cmds = append(cmds, tickCmd())

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		opsH := m.height - lipgloss.Height(m.renderPanel()) - 3 // header + footer + gap
		if opsH < 3 {
			opsH = 3
		}
		if !m.ready {
			m.ops = viewport.New(m.width, opsH)
			m.ready = true
		} else {
			m.ops.Width = m.width
			m.ops.Height = opsH
		}
		m.refreshOps()
	}

	var cmd tea.Cmd
	m.ops, cmd = m.ops.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *watchModel) refreshOps() {
	if !m.ready {
		return
	}
	var buf bytes.Buffer
	writeOperations(&buf, m.source.Operations())
	m.ops.SetContent(buf.String())
}

func (m watchModel) renderPanel() string {
	return renderStatus(m.snap, m.now())
}

func (m watchModel) View() string {
	if !m.ready {
		return "Starting zeger-sync…"
	}

	header := headerStyle.Width(m.width).Render("Zeger sync")
	footer := footerStyle.Render("s: sync now │ r: retry failed │ c: clear errors │ ↑↓: scroll │ q: quit")
	if m.notice != "" {
		footer = valueStyle.Render(m.notice) + "  " + footer
	}
	return lipgloss.JoinVertical(lipgloss.Left, header, m.renderPanel(), m.ops.View(), footer)
}
