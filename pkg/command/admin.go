// Package command implements the runtime's administrative command group:
// reload, status and save, behind the xzcore.admin permission.
package command

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/xzcore/pkg/database"
	"github.com/ajitpratap0/xzcore/pkg/logger"
	"github.com/ajitpratap0/xzcore/pkg/player"
)

// Permission gates every verb and tab completion.
const Permission = "xzcore.admin"

// Sender is whoever issued the command.
type Sender interface {
	Name() string
	HasPermission(permission string) bool
	SendMessage(message string)
}

// Runtime is the part of the facade the verbs act on.
type Runtime interface {
	Version() string
	ActiveServices() []string
	Reload(ctx context.Context) error
	Database() *database.Executor
	Players() *player.Manager
}

// Admin is the command group.
type Admin struct {
	runtime  Runtime
	monitor  *ResourceMonitor
	logger   *zap.Logger
	label    string
	verbs    []string
	describe map[string]string
}

// NewAdmin returns the command group registered under label.
func NewAdmin(label string, rt Runtime, log *zap.Logger) *Admin {
	a := &Admin{
		runtime: rt,
		monitor: NewResourceMonitor(),
		logger:  logger.Named(log, "command"),
		label:   label,
	}

	a.describe = make(map[string]string)
	for _, c := range a.root(nil).Commands() {
		a.verbs = append(a.verbs, c.Name())
		a.describe[c.Name()] = c.Short
	}
	sort.Strings(a.verbs)
	return a
}

// Verbs returns the verb names in sorted order
func (a *Admin) Verbs() []string { return append([]string(nil), a.verbs...) }

// Execute runs one invocation for sender. Output goes to the sender.
func (a *Admin) Execute(ctx context.Context, sender Sender, args []string) {
	if !sender.HasPermission(Permission) {
		sender.SendMessage("You do not have permission to use this command.")
		return
	}
	if len(args) == 0 {
		a.usage(sender)
		return
	}

	verb := strings.ToLower(args[0])
	if _, ok := a.describe[verb]; !ok {
		a.usage(sender)
		return
	}

	out := &senderWriter{sender: sender}
	root := a.root(out)
	root.SetArgs([]string{verb})
	if err := root.ExecuteContext(ctx); err != nil {
		a.logger.Warn("admin command failed",
			zap.String("sender", sender.Name()),
			zap.String("verb", verb),
			zap.Error(err))
	}
	out.Flush()
}

// Complete returns the verbs starting with the first argument. Only the
// first argument completes, and only for senders holding the permission.
func (a *Admin) Complete(sender Sender, args []string) []string {
	if !sender.HasPermission(Permission) || len(args) != 1 {
		return nil
	}
	prefix := strings.ToLower(args[0])
	var out []string
	for _, v := range a.verbs {
		if strings.HasPrefix(v, prefix) {
			out = append(out, v)
		}
	}
	return out
}

func (a *Admin) usage(sender Sender) {
	sender.SendMessage(fmt.Sprintf("Usage: /%s <%s>", a.label, strings.Join(a.verbs, "|")))
	for _, v := range a.verbs {
		sender.SendMessage(fmt.Sprintf("  %s - %s", v, a.describe[v]))
	}
}

func (a *Admin) root(out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           a.label,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	if out != nil {
		root.SetOut(out)
		root.SetErr(out)
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "reload",
			Short: "Reload the configuration file",
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := a.runtime.Reload(cmd.Context()); err != nil {
					cmd.Println("Configuration reload failed; see the log for details.")
					return err
				}
				cmd.Println("Configuration reloaded.")
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show version, services and store status",
			Run: func(cmd *cobra.Command, args []string) {
				a.status(cmd)
			},
		},
		&cobra.Command{
			Use:   "save",
			Short: "Save every cached player record",
			RunE: func(cmd *cobra.Command, args []string) error {
				players := a.runtime.Players()
				if players == nil {
					cmd.Println("Save failed: the player cache is not running.")
					return nil
				}
				n := players.Size()
				if err := players.SaveAll(cmd.Context()); err != nil {
					cmd.Println("Save failed; see the log for details.")
					return err
				}
				cmd.Printf("Saved %d player records.\n", n)
				return nil
			},
		},
	)
	return root
}

func (a *Admin) status(cmd *cobra.Command) {
	cmd.Printf("xzcore v%s\n", a.runtime.Version())

	services := a.runtime.ActiveServices()
	if len(services) == 0 {
		cmd.Println("Active services: none")
	} else {
		cmd.Printf("Active services: %s\n", strings.Join(services, ", "))
	}

	if db := a.runtime.Database(); db != nil {
		cmd.Printf("Store: %s\n", db.Stats())
		h := db.Health()
		cmd.Printf("Store health: %s (latency %s)\n", h.Status, h.Latency)
	}
	if players := a.runtime.Players(); players != nil {
		cmd.Printf("Cached players: %d\n", players.Size())
	}

	u := a.monitor.Usage()
	cmd.Printf("Memory: %s RSS, %s heap, %d goroutines\n",
		formatBytes(u.MemoryRSS), formatBytes(u.HeapAlloc), u.GoroutineCount)
}

func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// senderWriter forwards complete lines to a sender.
type senderWriter struct {
	sender Sender
	buf    bytes.Buffer
}

func (w *senderWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// partial line; keep it for the next write
			w.buf.Reset()
			w.buf.WriteString(line)
			return len(p), nil
		}
		w.sender.SendMessage(strings.TrimRight(line, "\n"))
	}
}

// Flush sends any trailing partial line.
func (w *senderWriter) Flush() {
	if w.buf.Len() > 0 {
		w.sender.SendMessage(w.buf.String())
		w.buf.Reset()
	}
}
