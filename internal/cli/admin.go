package cli

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/tOgg1/parley/internal/auth"
	"github.com/tOgg1/parley/internal/models"
)

func (a *app) newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Opening the store migrates it.
			rt, err := a.open(cmd, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			version, err := rt.daemon.Database().SchemaVersion(cmd.Context())
			if err != nil {
				return exitFor(err)
			}
			if a.jsonOutput {
				return writeJSON(rt.out, map[string]int{"schema_version": version})
			}
			_, err = fmt.Fprintf(rt.out, "schema version %d\n", version)
			return err
		},
	}
}

func (a *app) newEventsCmd() *cobra.Command {
	var (
		follow    bool
		types     []string
		threadID  string
		since     time.Duration
		batchSize int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print the event log as JSON lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.open(cmd, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			cfg := DefaultStreamConfig()
			cfg.Follow = follow
			cfg.EntityID = threadID
			cfg.BatchSize = batchSize
			for _, t := range types {
				cfg.EventTypes = append(cfg.EventTypes, models.EventType(t))
			}
			if since > 0 {
				start := time.Now().Add(-since).UTC()
				cfg.Since = &start
			}
			return NewEventStreamer(rt.daemon.EventRepository(), rt.out, cfg).Stream(cmd.Context())
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep streaming new events")
	cmd.Flags().StringSliceVar(&types, "type", nil, "only these event types (repeatable)")
	cmd.Flags().StringVar(&threadID, "entity", "", "only events for this thread or participant id")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this (e.g. 24h)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 100, "events per query")

	cmd.AddCommand(a.newEventsPruneCmd())
	return cmd
}

func (a *app) newEventsPruneCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete old events from the event log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return Exitf(ExitCodeUsage, "--older-than must be positive")
			}
			rt, err := a.open(cmd, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			cutoff := time.Now().Add(-olderThan)
			var total int64
			for {
				n, err := rt.daemon.EventRepository().DeleteOlderThan(cmd.Context(), cutoff, 1000)
				if err != nil {
					return exitFor(err)
				}
				total += n
				if n < 1000 {
					break
				}
			}
			if a.jsonOutput {
				return writeJSON(rt.out, map[string]int64{"deleted": total})
			}
			_, err = fmt.Fprintf(rt.out, "deleted %s event(s) older than %s\n", humanize.Comma(total), humanize.Time(cutoff))
			return err
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "delete events older than this")
	return cmd
}

func (a *app) newTokenCmd() *cobra.Command {
	var agent bool
	cmd := &cobra.Command{
		Use:   "token [participant]",
		Short: "Issue an API bearer token",
		Long:  "Token signs a bearer token for the API using auth.jwt_secret. It defaults to the selected identity.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.open(cmd, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			participant := rt.identity
			if len(args) > 0 {
				participant = args[0]
			}
			if participant == "" {
				return Exitf(ExitCodeUsage, "no participant given and no identity selected")
			}
			if rt.cfg.Auth.JWTSecret == "" {
				return Exitf(ExitCodeUsage, "%v: set auth.jwt_secret or PARLEY_AUTH_JWT_SECRET", auth.ErrNoSecret)
			}

			authn := auth.NewAuthenticator(rt.cfg.Auth.JWTSecret, rt.cfg.Auth.Issuer, rt.cfg.Auth.TokenTTL)
			var roles []string
			if agent {
				roles = append(roles, auth.RoleAgent)
			}
			token, err := authn.GenerateToken(participant, roles...)
			if err != nil {
				return exitFor(err)
			}
			if a.jsonOutput {
				return writeJSON(rt.out, map[string]string{"participant": participant, "token": token})
			}
			_, err = fmt.Fprintln(rt.out, token)
			return err
		},
	}
	cmd.Flags().BoolVar(&agent, "agent", false, "grant the support agent role")
	return cmd
}
