package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/tOgg1/parley/internal/conversation"
	"github.com/tOgg1/parley/internal/messaging"
	"github.com/tOgg1/parley/internal/models"
	"github.com/tOgg1/parley/internal/threads"
)

func (a *app) newSendCmd() *cobra.Command {
	var (
		clientID string
		filePath string
	)
	cmd := &cobra.Command{
		Use:   "send [thread-id] <message>",
		Short: "Send a message to a thread",
		Long: `Send stores a message in the given or selected thread. Use "-" as the
message (or --file) to read the body from stdin or a file. Transient store
failures are retried with the same client id, so retrying with --client-id
after an unknown outcome never stores the message twice.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := a.open(cmd, true)
			if err != nil {
				return err
			}
			defer rt.Close()
			sender, err := rt.requireIdentity()
			if err != nil {
				return err
			}

			threadID, err := rt.threadArg(args[:len(args)-1])
			if err != nil {
				return err
			}
			body, err := readBody(cmd.InOrStdin(), args[len(args)-1], filePath)
			if err != nil {
				return err
			}

			msg, err := rt.daemon.Sender().Send(cmd.Context(), messaging.AppendRequest{
				ThreadID:    threadID,
				SenderID:    sender,
				Body:        body,
				ClientMsgID: clientID,
			})
			if err != nil {
				var sendErr *messaging.SendError
				if errors.As(err, &sendErr) && errors.Is(err, models.ErrStoreUnavailable) {
					fmt.Fprintf(cmd.ErrOrStderr(), "Error: %v\nDraft kept. Retry with: parley send %s --client-id %s %q\n",
						sendErr.Err, threadID, sendErr.ClientMsgID, sendErr.Draft)
					return &ExitError{Code: ExitCodeUnavailable, Err: err, Printed: true}
				}
				return exitFor(err)
			}

			if a.jsonOutput {
				return writeJSON(rt.out, msg)
			}
			_, err = fmt.Fprintf(rt.out, "sent %s to %s\n", shortID(msg.ID), msg.RecipientID)
			return err
		},
	}
	cmd.Flags().StringVar(&clientID, "client-id", "", "idempotency key (generated when empty)")
	cmd.Flags().StringVarP(&filePath, "file", "f", "", "read the message body from a file")
	return cmd
}

func readBody(stdin io.Reader, arg, filePath string) (string, error) {
	switch {
	case filePath != "":
		data, err := os.ReadFile(filePath)
		if err != nil {
			return "", Exitf(ExitCodeUsage, "read message file: %v", err)
		}
		return string(data), nil
	case arg == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", Exitf(ExitCodeFailure, "read stdin: %v", err)
		}
		return string(data), nil
	default:
		return arg, nil
	}
}

func (a *app) newLogCmd() *cobra.Command {
	var since time.Duration
	cmd := &cobra.Command{
		Use:     "log [thread-id]",
		Aliases: []string{"logs"},
		Short:   "Print a thread's transcript",
		Args:    cobra.MaximumNArgs(1),
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
			threadID, err := rt.threadArg(args)
			if err != nil {
				return err
			}

			thread, err := rt.daemon.Store().Thread(cmd.Context(), threadID)
			if err != nil {
				return exitFor(err)
			}
			seat, ok := thread.Seat(viewer)
			if !ok {
				return exitFor(fmt.Errorf("%w: %s", models.ErrNotParticipant, viewer))
			}

			var msgs []models.Message
			if since > 0 {
				msgs, err = rt.daemon.Store().FetchSince(cmd.Context(), thread.ID, time.Now().Add(-since))
			} else {
				msgs, err = rt.daemon.Store().FetchAll(cmd.Context(), thread.ID)
			}
			if err != nil {
				return exitFor(err)
			}

			if a.jsonOutput {
				return writeJSON(rt.out, msgs)
			}
			if len(msgs) == 0 {
				_, err = fmt.Fprintln(rt.out, "(no messages)")
				return err
			}
			now := time.Now()
			for _, msg := range msgs {
				if err := writeMessage(rt.out, rt.palette, msg, seat, now); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&since, "since", 0, "only show messages newer than this (e.g. 1h)")
	return cmd
}

func (a *app) newReadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read [thread-id]",
		Short: "Mark messages addressed to you in a thread as read",
		Args:  cobra.MaximumNArgs(1),
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
			threadID, err := rt.threadArg(args)
			if err != nil {
				return err
			}

			marked, err := rt.daemon.Tracker().OnThreadOpened(cmd.Context(), threadID, viewer)
			if err != nil {
				return exitFor(err)
			}
			if a.jsonOutput {
				return writeJSON(rt.out, map[string]int64{"marked": marked})
			}
			_, err = fmt.Fprintf(rt.out, "marked %d message(s) read\n", marked)
			return err
		},
	}
	return cmd
}

func (a *app) newWatchCmd() *cobra.Command {
	var input bool
	cmd := &cobra.Command{
		Use:   "watch [thread-id]",
		Short: "Follow a thread live",
		Long: `Watch opens a thread, prints its transcript, and prints new messages as
they arrive until interrupted. Messages shown are marked read. With --input,
each line typed on stdin is sent to the thread.`,
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
			threadID, err := rt.threadArg(args)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if err := rt.daemon.StartBridge(ctx); err != nil {
				// Polling still delivers; the bridge only makes it immediate.
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}

			d := rt.daemon
			service := conversation.NewService(d.Resolver(), d.Sender(), d.Poller(), d.Tracker())
			session := service.NewSession(viewer)
			defer session.Close()

			printer := &transcriptPrinter{out: rt.out, palette: rt.palette, json: a.jsonOutput}
			view, err := session.Open(ctx, threads.ResolveRequest{ThreadID: threadID, ParticipantA: viewer}, printer.print)
			if err != nil {
				return exitFor(err)
			}
			seat, _ := view.Thread().Seat(viewer)
			printer.setSeat(seat)

			if input {
				go func() {
					scanner := bufio.NewScanner(cmd.InOrStdin())
					for scanner.Scan() {
						line := strings.TrimSpace(scanner.Text())
						if line == "" {
							continue
						}
						msg, err := view.Send(ctx, line)
						if err != nil {
							fmt.Fprintf(cmd.ErrOrStderr(), "send failed: %v\n", err)
							continue
						}
						printer.print([]models.Message{*msg})
					}
				}()
			}

			select {
			case <-ctx.Done():
			case <-view.Subscription().Done():
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&input, "input", "i", false, "send each stdin line as a message")
	return cmd
}

// transcriptPrinter serializes output from the subscription goroutine and
// the input loop.
type transcriptPrinter struct {
	mu      sync.Mutex
	out     io.Writer
	palette palette
	json    bool
	seat    string
}

func (p *transcriptPrinter) setSeat(seat string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seat = seat
}

func (p *transcriptPrinter) print(msgs []models.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for _, msg := range msgs {
		if p.json {
			_ = writeJSONLine(p.out, msg)
			continue
		}
		_ = writeMessage(p.out, p.palette, msg, p.seat, now)
	}
}
