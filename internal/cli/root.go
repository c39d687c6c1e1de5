// Package cli implements the parley command line: resolving threads,
// sending and reading messages, watching a thread live, and inspecting the
// event log. Commands run against the configured store directly.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tOgg1/parley/internal/config"
	"github.com/tOgg1/parley/internal/logging"
	"github.com/tOgg1/parley/internal/models"
	"github.com/tOgg1/parley/internal/parleyd"
)

// Execute runs the root command with ctx.
func Execute(ctx context.Context, version string) error {
	return newRootCmd(version).ExecuteContext(ctx)
}

type app struct {
	configFile  string
	dbPath      string
	as          string
	contextFile string
	logLevel    string
	jsonOutput  bool
}

// runtime is the per-invocation state a command works against.
type runtime struct {
	cfg      *config.Config
	daemon   *parleyd.Daemon
	contexts *config.ContextStore
	current  *config.Context
	identity string
	out      io.Writer
	palette  palette
}

func (r *runtime) Close() {
	if r.daemon != nil {
		_ = r.daemon.Close()
	}
}

func newRootCmd(version string) *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:           "parley",
		Short:         "Two-party conversations from the terminal",
		Long:          "parley resolves conversation threads, sends and reads messages, and follows threads live.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.configFile, "config", "", "config file (default is $HOME/.config/parley/config.yaml)")
	flags.StringVar(&a.dbPath, "db", "", "SQLite database path (overrides database.path)")
	flags.StringVar(&a.as, "as", "", "participant identity to act as (overrides the selected identity)")
	flags.StringVar(&a.contextFile, "context-file", "", "CLI context file (default is $HOME/.config/parley/context.yaml)")
	flags.StringVar(&a.logLevel, "log-level", "", "override logging level (debug, info, warn, error)")
	flags.BoolVar(&a.jsonOutput, "json", false, "print JSON instead of text")

	cmd.AddCommand(
		a.newMigrateCmd(),
		a.newUseCmd(),
		a.newResolveCmd(),
		a.newThreadsCmd(),
		a.newSendCmd(),
		a.newLogCmd(),
		a.newReadCmd(),
		a.newWatchCmd(),
		a.newTransitionCmd(),
		a.newEventsCmd(),
		a.newTokenCmd(),
	)
	return cmd
}

func (a *app) loadConfig() (*config.Config, error) {
	loader := config.NewLoader()
	if a.configFile != "" {
		loader.SetConfigFile(a.configFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, err
	}
	if a.dbPath != "" {
		cfg.Database.Driver = "sqlite"
		cfg.Database.Path = a.dbPath
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	} else {
		// The CLI prints its own output; only surface problems.
		cfg.Logging.Level = "warn"
	}
	return cfg, nil
}

func (a *app) contextStore(cfg *config.Config) *config.ContextStore {
	if a.contextFile != "" {
		return config.NewContextStore(a.contextFile)
	}
	return config.NewContextStore(filepath.Join(cfg.Global.ConfigDir, "context.yaml"))
}

// open loads config, the CLI context, and the store. Callers must Close it.
func (a *app) open(cmd *cobra.Command, needStore bool) (*runtime, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, Exitf(ExitCodeUsage, "load config: %v", err)
	}
	logging.Init(logging.Config{
		Level:        cfg.Logging.Level,
		Format:       cfg.Logging.Format,
		Output:       cmd.ErrOrStderr(),
		EnableCaller: cfg.Logging.EnableCaller,
	})

	rt := &runtime{
		cfg:      cfg,
		contexts: a.contextStore(cfg),
		out:      cmd.OutOrStdout(),
		palette:  newPalette(isTerminal(cmd.OutOrStdout())),
	}
	rt.current, err = rt.contexts.Load()
	if err != nil {
		return nil, Exitf(ExitCodeFailure, "%v", err)
	}
	rt.identity = rt.current.Identity
	if a.as != "" {
		rt.identity = a.as
	}
	if rt.identity != "" {
		id, err := models.NormalizeParticipantID(rt.identity)
		if err != nil {
			return nil, Exitf(ExitCodeUsage, "invalid identity %q: %v", rt.identity, err)
		}
		rt.identity = id
	}

	if needStore {
		if err := cfg.EnsureDirectories(); err != nil {
			return nil, Exitf(ExitCodeFailure, "%v", err)
		}
		rt.daemon, err = parleyd.New(cfg, logging.Component("cli"), parleyd.Options{})
		if err != nil {
			return nil, exitFor(err)
		}
	}
	return rt, nil
}

func (r *runtime) requireIdentity() (string, error) {
	if r.identity == "" {
		return "", Exitf(ExitCodeUsage, "no identity selected (pass --as or run `parley use --as <id>`)")
	}
	return r.identity, nil
}

// threadArg returns the thread named in args, or the selected thread.
func (r *runtime) threadArg(args []string) (string, error) {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		return strings.TrimSpace(args[0]), nil
	}
	if r.current.ThreadID != "" {
		return r.current.ThreadID, nil
	}
	return "", Exitf(ExitCodeUsage, "no thread given and none selected (run `parley use <thread>`)")
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return termIsTerminal(int(f.Fd()))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func threadLabel(t *models.Thread, viewer string) string {
	if t.CaseNumber != "" {
		return t.CaseNumber
	}
	other := t.ParticipantB
	if viewer == t.ParticipantB {
		other = t.ParticipantA
	}
	if t.ContextKey != "" {
		return fmt.Sprintf("%s@%s", other, t.ContextKey)
	}
	return other
}
