package cli

import (
	"bufio"
	"cmp"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/victornm/livequiz/internal/client"
	"github.com/victornm/livequiz/internal/errors"
	"github.com/victornm/livequiz/internal/reconcile"
)

const defaultServer = "http://localhost:8080"

type watchFlags struct {
	server string
	code   string
	name   string
	prefs  string
}

func newWatchCmd() *cobra.Command {
	var f watchFlags

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Join a session and follow it in the terminal",
		Long: "Join a session as a player and follow it live. Every line typed is submitted as the answer " +
			"to the question on display; /resync refetches the whole session. Without a name the session " +
			"is only observed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runWatch(ctx, f, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&f.server, "server", "", "server URL, defaults to the last one used or "+defaultServer)
	cmd.Flags().StringVar(&f.code, "code", "", "session code, defaults to the last one used")
	cmd.Flags().StringVar(&f.name, "name", "", "player name, defaults to the last one used")
	cmd.Flags().StringVar(&f.prefs, "prefs", client.DefaultPrefsFile(), "file remembering the last server, code and name")
	return cmd
}

func runWatch(ctx context.Context, f watchFlags, in io.Reader, out io.Writer) error {
	prefs, err := client.LoadPrefs(f.prefs)
	if err != nil {
		slog.WarnContext(ctx, "cli: load prefs failed", "error", err)
	}

	server := cmp.Or(f.server, prefs.Server, defaultServer)
	code := cmp.Or(f.code, prefs.Code)
	name := cmp.Or(f.name, prefs.Name)
	if code == "" {
		return fmt.Errorf("a session code is required")
	}

	c := client.New(client.Config{BaseURL: server})

	var playerID string
	if name != "" {
		res, err := c.Join(ctx, code, name)
		if err != nil {
			return fmt.Errorf("join %s: %w", code, err)
		}
		playerID, code = res.Player.PlayerID, res.Session.Code
		if res.Rejoined {
			fmt.Fprintf(out, "Welcome back, %s.\n", res.Player.Name)
		}
	}

	if err := client.SavePrefs(f.prefs, client.Prefs{Server: server, Code: code, Name: name}); err != nil {
		slog.WarnContext(ctx, "cli: save prefs failed", "error", err)
	}

	engine := reconcile.NewEngine(reconcile.Config{Fetcher: c, Submitter: c, Relay: c.Relay(playerID)})
	sub, err := engine.Subscribe(ctx, reconcile.SubscribeRequest{Code: code, PlayerID: playerID})
	if err != nil {
		return err
	}
	defer sub.Close()

	var sc screen
	sc.render(out, sub.Snapshot())

	lines := readLines(in)
	for {
		select {
		case <-ctx.Done():
			return nil

		case snap, ok := <-sub.Updates():
			if !ok {
				return fmt.Errorf("session %s: connection lost", code)
			}
			sc.render(out, snap)

		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			handleLine(ctx, out, sub, line)
		}
	}
}

func handleLine(ctx context.Context, out io.Writer, sub *reconcile.Subscription, line string) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return
	case line == "/resync":
		if err := sub.Resync(ctx); err != nil {
			fmt.Fprintf(out, "Resync failed: %v\n", err)
		}
		return
	}

	_, err := sub.Submit(ctx, line)
	switch {
	case err == nil:
		fmt.Fprintln(out, "Answer submitted.")
	case errors.Is(err, errors.CodeAlreadyExists):
		fmt.Fprintln(out, "You already answered this question.")
	default:
		fmt.Fprintf(out, "Answer not accepted: %s\n", errors.Convert(err).Message)
	}
}

func readLines(r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		s := bufio.NewScanner(r)
		for s.Scan() {
			lines <- s.Text()
		}
	}()
	return lines
}

// screen prints a snapshot only when what it shows has changed.
type screen struct {
	last string
}

func (sc *screen) render(w io.Writer, snap reconcile.Snapshot) {
	var b strings.Builder

	switch snap.View {
	case reconcile.ViewNotJoined:
		fmt.Fprintf(&b, "Observing session %s", snap.Code)
		if snap.Session != nil {
			fmt.Fprintf(&b, " (%s)", snap.Session.Status)
		}
		b.WriteString("\n")
	case reconcile.ViewWaitingRoom:
		fmt.Fprintf(&b, "Waiting for the host to start session %s. %d player(s) joined.\n", snap.Code, len(snap.Players))
	case reconcile.ViewAnswering, reconcile.ViewAlreadyAnswered:
		q := snap.Question
		fmt.Fprintf(&b, "Question for %d points: %s\n", q.Points, q.ImageURL)
		if q.Description != "" {
			fmt.Fprintf(&b, "  %s\n", q.Description)
		}
		if snap.View == reconcile.ViewAnswering {
			b.WriteString("Type your answer:\n")
		} else {
			b.WriteString("Answer submitted. Waiting for the next question.\n")
		}
	case reconcile.ViewScoreboard, reconcile.ViewFinalResults:
		if snap.View == reconcile.ViewFinalResults {
			b.WriteString("Final results:\n")
		} else {
			b.WriteString("Scoreboard:\n")
		}
		for _, p := range snap.Players {
			fmt.Fprintf(&b, "%3d. %-20s %5d\n", p.Rank, p.Name, p.TotalScore)
		}
	}

	if s := b.String(); s != sc.last {
		sc.last = s
		fmt.Fprint(w, s)
	}
}
