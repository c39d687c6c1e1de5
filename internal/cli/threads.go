package cli

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tOgg1/parley/internal/models"
	"github.com/tOgg1/parley/internal/threads"
)

func (a *app) newUseCmd() *cobra.Command {
	var clearAll bool
	cmd := &cobra.Command{
		Use:   "use [thread-id]",
		Short: "Select the identity (--as) and thread later commands default to",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.open(cmd, len(args) > 0)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx := rt.current
			switch {
			case clearAll:
				ctx.Clear()
			case a.as != "":
				// --as is already normalized into rt.identity.
				ctx.SetIdentity(rt.identity)
			}

			if len(args) > 0 {
				viewer, err := rt.requireIdentity()
				if err != nil {
					return err
				}
				thread, err := rt.daemon.Store().Thread(cmd.Context(), args[0])
				if err != nil {
					return exitFor(err)
				}
				if _, ok := thread.Seat(viewer); !ok {
					return exitFor(fmt.Errorf("%w: %s", models.ErrNotParticipant, viewer))
				}
				ctx.SetThread(thread.ID, threadLabel(thread, viewer))
			}

			if clearAll && len(args) == 0 {
				if err := rt.contexts.Clear(); err != nil {
					return exitFor(err)
				}
			} else if err := rt.contexts.Save(ctx); err != nil {
				return exitFor(err)
			}
			if a.jsonOutput {
				return writeJSON(rt.out, ctx)
			}
			_, err = fmt.Fprintln(rt.out, ctx.String())
			return err
		},
	}
	cmd.Flags().BoolVar(&clearAll, "clear", false, "clear the selection")
	return cmd
}

func (a *app) newResolveCmd() *cobra.Command {
	var (
		surface     string
		counterpart string
		contextKey  string
		asRequester bool
		noSelect    bool
		explicitA   string
		explicitB   string
	)
	cmd := &cobra.Command{
		Use:   "resolve [thread-id]",
		Short: "Find or create the thread between you and a counterpart",
		Long: `Resolve returns the single thread for a participant pair within a context,
creating it on first contact. With a thread id it verifies and selects that
thread instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.open(cmd, true)
			if err != nil {
				return err
			}
			defer rt.Close()
			viewer, err := rt.requireIdentity()
			if err != nil {
				return err
			}

			req := threads.ResolveRequest{
				Surface:      models.Surface(surface),
				ParticipantA: explicitA,
				ParticipantB: explicitB,
				ContextKey:   contextKey,
			}
			if len(args) > 0 {
				req.ThreadID = args[0]
			}
			if req.ThreadID == "" && req.ParticipantA == "" && req.ParticipantB == "" {
				if counterpart == "" {
					return Exitf(ExitCodeUsage, "pass --with <participant> or a thread id")
				}
				// The viewer is the buyer or visitor unless told otherwise.
				req.ParticipantA, req.ParticipantB = viewer, counterpart
				if !asRequester {
					req.ParticipantA, req.ParticipantB = counterpart, viewer
				}
			}

			thread, err := rt.daemon.Resolver().ResolveOrCreate(cmd.Context(), req)
			if err != nil {
				return exitFor(err)
			}
			if _, ok := thread.Seat(viewer); !ok {
				return exitFor(fmt.Errorf("%w: %w", models.ErrResolutionFailed, models.ErrNotParticipant))
			}

			if !noSelect {
				rt.current.SetThread(thread.ID, threadLabel(thread, viewer))
				if err := rt.contexts.Save(rt.current); err != nil {
					return exitFor(err)
				}
			}
			if a.jsonOutput {
				return writeJSON(rt.out, thread)
			}
			return writeThread(rt.out, rt.palette, thread, viewer)
		},
	}
	cmd.Flags().StringVar(&surface, "surface", string(models.SurfaceMarket), "thread surface (market or support)")
	cmd.Flags().StringVar(&counterpart, "with", "", "the other participant")
	cmd.Flags().StringVar(&contextKey, "context", "", "listing or topic the thread is about (empty for the general thread)")
	cmd.Flags().BoolVar(&asRequester, "requester", true, "act as participant A (buyer or visitor)")
	cmd.Flags().BoolVar(&noSelect, "no-select", false, "do not select the resolved thread")
	cmd.Flags().StringVar(&explicitA, "a", "", "participant A, overriding --with")
	cmd.Flags().StringVar(&explicitB, "b", "", "participant B, overriding --with")
	return cmd
}

func (a *app) newThreadsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:     "threads",
		Aliases: []string{"ls"},
		Short:   "List your threads with unread counts",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.open(cmd, true)
			if err != nil {
				return err
			}
			defer rt.Close()
			viewer, err := rt.requireIdentity()
			if err != nil {
				return err
			}

			list, err := rt.daemon.Store().Threads(cmd.Context(), viewer, limit)
			if err != nil {
				return exitFor(err)
			}
			counts, err := rt.daemon.Tracker().UnreadCounts(cmd.Context(), viewer)
			if err != nil {
				return exitFor(err)
			}

			if a.jsonOutput {
				type entry struct {
					*models.Thread
					Unread int `json:"unread"`
				}
				out := make([]entry, 0, len(list))
				for _, t := range list {
					out = append(out, entry{Thread: t, Unread: counts[t.ID]})
				}
				return writeJSON(rt.out, out)
			}

			rows := make([][]string, 0, len(list))
			for _, t := range list {
				selected := " "
				if t.ID == rt.current.ThreadID {
					selected = "*"
				}
				unread := ""
				if n := counts[t.ID]; n > 0 {
					unread = rt.palette.unread.Render(strconv.Itoa(n))
				}
				last := "-"
				if t.LastMessageAt != nil {
					last = humanize.Time(*t.LastMessageAt)
				}
				rows = append(rows, []string{
					selected,
					shortID(t.ID),
					string(t.Surface),
					threadLabel(t, viewer),
					rt.palette.statusText(t.Status),
					unread,
					last,
				})
			}
			return writeTable(rt.out, []string{"", "ID", "SURFACE", "WITH", "STATUS", "UNREAD", "LAST"}, rows)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum threads to list")
	return cmd
}

func (a *app) newTransitionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transition <status> [thread-id]",
		Short: "Move a support thread to active, resolved, or transferred",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.open(cmd, true)
			if err != nil {
				return err
			}
			defer rt.Close()
			actor, err := rt.requireIdentity()
			if err != nil {
				return err
			}
			threadID, err := rt.threadArg(args[1:])
			if err != nil {
				return err
			}

			thread, err := rt.daemon.Machine().Transition(cmd.Context(), threadID, models.ThreadStatus(args[0]), actor)
			if err != nil {
				return exitFor(err)
			}
			if a.jsonOutput {
				return writeJSON(rt.out, thread)
			}
			_, err = fmt.Fprintf(rt.out, "%s is now %s\n", threadLabel(thread, actor), rt.palette.statusText(thread.Status))
			return err
		},
	}
	return cmd
}
