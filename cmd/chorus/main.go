package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"chorus/internal/bootstrap"
	nodedto "chorus/internal/modules/node/dto"
	"chorus/internal/platform/config"
	"chorus/internal/platform/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var dataDir string

	root := &cobra.Command{
		Use:           "chorus",
		Short:         "Share music collections with nearby and remote peers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dataDir, "data", defaultDataDir(), "node data directory")

	root.AddCommand(newInitCmd(&dataDir))
	root.AddCommand(newConsoleCmd(&dataDir))
	root.AddCommand(newDaemonCmd(&dataDir))
	root.AddCommand(newStatusCmd(&dataDir))
	root.AddCommand(newPeerCmd(&dataDir))
	root.AddCommand(newAuthCmd(&dataDir))
	root.AddCommand(newACLCmd(&dataDir))
	root.AddCommand(newCollectionCmd(&dataDir))
	root.AddCommand(newTrackCmd(&dataDir))
	root.AddCommand(newPlaylistCmd(&dataDir))
	root.AddCommand(newPlayCmd(&dataDir))
	root.AddCommand(newResolveCmd(&dataDir))
	root.AddCommand(newCompactCmd(&dataDir))
	root.AddCommand(newActivityCmd(&dataDir))
	root.AddCommand(newWatchCmd(&dataDir))
	return root
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "chorus")
	}
	return ".chorus"
}

func loadApp(dataDir string) (*bootstrap.App, error) {
	cfg, err := config.New(dataDir)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, err
	}
	return bootstrap.New(cfg, logger.With(zap.String("node", cfg.Node.Name)))
}

func printJSON(cmd *cobra.Command, v any) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(payload))
	return nil
}

func printChange(cmd *cobra.Command, out nodedto.ChangeOutput) {
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s #%d %s %s\n", out.Origin, out.Seq, out.Kind, out.Entity)
	if out.Created != "" {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", out.Created)
	}
}

func newInitCmd(dataDir *string) *cobra.Command {
	var name string
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			abs, err := filepath.Abs(*dataDir)
			if err != nil {
				return err
			}
			cfg := config.Default(abs)
			if _, err := os.Stat(cfg.ConfigPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfg.ConfigPath)
			}
			if strings.TrimSpace(name) != "" {
				cfg.Node.Name = strings.TrimSpace(name)
			}
			if err := cfg.Save(); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", cfg.ConfigPath)
			return nil
		},
	}
	initCmd.Flags().StringVar(&name, "name", "", "node name shown to peers")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing configuration")
	return initCmd
}

func newConsoleCmd(dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Open the interactive console of a running daemon",
		RunE: func(_ *cobra.Command, _ []string) error {
			app, err := loadApp(*dataDir)
			if err != nil {
				return err
			}
			if _, err := app.NodeCLI.Status(context.Background()); err != nil {
				return err
			}
			return bootstrap.RunConsole(app)
		},
	}
}

func newDaemonCmd(dataDir *string) *cobra.Command {
	daemon := &cobra.Command{Use: "daemon", Short: "Manage the node daemon lifecycle"}
	daemon.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the daemon in the foreground",
		RunE: func(_ *cobra.Command, _ []string) error {
			app, err := loadApp(*dataDir)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return app.NodeCLI.RunDaemon(ctx)
		},
	})
	daemon.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the background",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := loadApp(*dataDir)
			if err != nil {
				return err
			}
			if err := app.NodeCLI.StartDaemon(context.Background()); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "daemon started")
			return nil
		},
	})
	daemon.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := loadApp(*dataDir)
			if err != nil {
				return err
			}
			if err := app.NodeCLI.StopDaemon(context.Background()); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "daemon stopped")
			return nil
		},
	})
	daemon.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show daemon process status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := loadApp(*dataDir)
			if err != nil {
				return err
			}
			status, err := app.NodeCLI.DaemonStatus(context.Background())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "running=%t pid=%d socket=%s\n", status.Running, status.PID, status.SocketPath)
			if status.Running {
				printStatus(cmd, status.Status)
			}
			return nil
		},
	})
	var daemonLogTail int
	daemonLogs := &cobra.Command{
		Use:   "logs",
		Short: "Show daemon logs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := loadApp(*dataDir)
			if err != nil {
				return err
			}
			payload, err := app.NodeCLI.DaemonLogs(context.Background(), daemonLogTail)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), payload)
			return nil
		},
	}
	daemonLogs.Flags().IntVar(&daemonLogTail, "tail", 200, "log lines to show from the end")
	daemon.AddCommand(daemonLogs)
	return daemon
}

func newStatusCmd(dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show node status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := loadApp(*dataDir)
			if err != nil {
				return err
			}
			status, err := app.NodeCLI.Status(context.Background())
			if err != nil {
				return err
			}
			printStatus(cmd, status)
			return nil
		},
	}
}

func printStatus(cmd *cobra.Command, status nodedto.StatusOutput) {
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "node=%s origin=%s started=%s\n", status.Node, status.Origin, status.StartedAt.Format(time.RFC3339))
	_, _ = fmt.Fprintf(out, "peers=%d online=%d active=%d pending_auth=%d\n", status.Peers, status.OnlinePeers, status.ActivePeers, status.PendingAuth)
	for _, t := range status.Transports {
		_, _ = fmt.Fprintf(out, "transport %s id=%s\n", t.Name, t.LocalID)
		for _, addr := range t.ListenAddrs {
			_, _ = fmt.Fprintf(out, "  %s\n", addr)
		}
	}
	for _, o := range status.Origins {
		partial := ""
		if o.Partial {
			partial = " partial"
		}
		_, _ = fmt.Fprintf(out, "origin %s tip=%d tracks=%d playlists=%d%s\n", o.Origin, status.Tips[o.Origin], o.Tracks, o.Playlists, partial)
	}
	if status.MetricsAddress != "" {
		_, _ = fmt.Fprintf(out, "metrics=http://%s/metrics\n", status.MetricsAddress)
	}
}

func newPeerCmd(dataDir *string) *cobra.Command {
	peer := &cobra.Command{Use: "peer", Short: "Inspect and dial peers"}
	peer.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List known peers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := loadApp(*dataDir)
			if err != nil {
				return err
			}
			peers, err := app.NodeCLI.PeerList(context.Background())
			if err != nil {
				return err
			}
			if len(peers) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no peers discovered")
				return nil
			}
			for _, p := range peers {
				online := "offline"
				if p.Online {
					online = "online"
				}
				line := fmt.Sprintf("%s\t%s\t%s\t%s", p.ID, p.Name, p.State, online)
				if p.Incompatible {
					line += "\tincompatible"
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	})
	peer.AddCommand(&cobra.Command{
		Use:   "connect <peer>",
		Short: "Open a session to a discovered peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(*dataDir)
			if err != nil {
				return err
			}
			if err := app.NodeCLI.PeerConnect(context.Background(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "connecting %s\n", args[0])
			return nil
		},
	})
	peer.AddCommand(&cobra.Command{
		Use:   "disconnect <peer>",
		Short: "Close the session to a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(*dataDir)
			if err != nil {
				return err
			}
			if err := app.NodeCLI.PeerDisconnect(context.Background(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "disconnected %s\n", args[0])
			return nil
		},
	})
	return peer
}

func newAuthCmd(dataDir *string) *cobra.Command {
	auth := &cobra.Command{Use: "auth", Short: "Answer authorization requests"}
	auth.AddCommand(&cobra.Command{
		Use:   "pending",
		Short: "List requests waiting for a decision",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := loadApp(*dataDir)
			if err != nil {
				return err
			}
			requests, err := app.NodeCLI.AuthPending(context.Background())
			if err != nil {
				return err
			}
			if len(requests) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no pending requests")
				return nil
			}
			for _, r := range requests {
				deadline := "none"
				if !r.Deadline.IsZero() {
					deadline = r.Deadline.Format(time.RFC3339)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\tdeadline=%s\n", r.ID, r.PeerID, r.PeerName, r.Fingerprint, deadline)
			}
			return nil
		},
	})
	auth.AddCommand(&cobra.Command{
		Use:   "decide <request> <allow|deny|always_allow|always_deny>",
		Short: "Answer an authorization request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(*dataDir)
			if err != nil {
				return err
			}
			entry, err := app.NodeCLI.AuthDecide(context.Background(), args[0], args[1])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", entry.Decision, entry.PeerID, entry.Scope)
			return nil
		},
	})
	return auth
}

func newACLCmd(dataDir *string) *cobra.Command {
	acl := &cobra.Command{Use: "acl", Short: "Manage the access list"}
	acl.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List access entries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := loadApp(*dataDir)
			if err != nil {
				return err
			}
			entries, err := app.NodeCLI.ACLList(context.Background())
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no entries")
				return nil
			}
			for _, e := range entries {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", e.PeerID, e.Decision, e.Scope, e.UpdatedAt.Format(time.RFC3339))
			}
			return nil
		},
	})
	var scope string
	set := &cobra.Command{
		Use:   "set <peer> <allow|deny>",
		Short: "Allow or deny a peer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(*dataDir)
			if err != nil {
				return err
			}
			entry, err := app.NodeCLI.ACLSet(context.Background(), nodedto.ACLSetInput{PeerID: args[0], Decision: args[1], Scope: scope})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", entry.Decision, entry.PeerID, entry.Scope)
			return nil
		},
	}
	set.Flags().StringVar(&scope, "scope", "persistent", "session|persistent")
	acl.AddCommand(set)
	acl.AddCommand(&cobra.Command{
		Use:   "remove <peer>",
		Short: "Forget a peer's access entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(*dataDir)
			if err != nil {
				return err
			}
			if err := app.NodeCLI.ACLRemove(context.Background(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	})
	return acl
}

func newCollectionCmd(dataDir *string) *cobra.Command {
	collection := &cobra.Command{Use: "collection", Short: "Browse local and replicated collections"}
	var asJSON bool
	show := &cobra.Command{
		Use:   "show [origin]",
		Short: "List origins, or show one origin's collection",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(*dataDir)
			if err != nil {
				return err
			}
			origin := ""
			if len(args) == 1 {
				origin = args[0]
			}
			out, err := app.NodeCLI.Collection(context.Background(), origin)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, out)
			}
			w := cmd.OutOrStdout()
			if origin == "" {
				for _, o := range out.Origins {
					_, _ = fmt.Fprintf(w, "%s\ttracks=%d\tplaylists=%d\tpartial=%t\n", o.Origin, o.Tracks, o.Playlists, o.Partial)
				}
				return nil
			}
			_, _ = fmt.Fprintf(w, "origin=%s partial=%t digest=%s\n", out.Origin, out.Partial, out.Digest)
			for _, t := range out.Tracks {
				_, _ = fmt.Fprintf(w, "track %s\t%s - %s\t%s\tplays=%d\n", t.ID, t.Artist, t.Title, t.Album, t.Plays)
			}
			for _, p := range out.Playlists {
				_, _ = fmt.Fprintf(w, "playlist %s\t%s\n", p.ID, p.Name)
				for _, e := range p.Entries {
					_, _ = fmt.Fprintf(w, "  entry %s\ttrack=%s\n", e.ID, e.Track)
				}
			}
			return nil
		},
	}
	show.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	collection.AddCommand(show)
	return collection
}

func newTrackCmd(dataDir *string) *cobra.Command {
	track := &cobra.Command{Use: "track", Short: "Edit tracks of the local collection"}
	var in nodedto.TrackInput
	var duration time.Duration
	add := &cobra.Command{
		Use:   "add --artist <artist> --title <title>",
		Short: "Add a track",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(in.Title) == "" || strings.TrimSpace(in.Artist) == "" {
				return fmt.Errorf("--artist and --title are required")
			}
			app, err := loadApp(*dataDir)
			if err != nil {
				return err
			}
			in.DurationMS = duration.Milliseconds()
			out, err := app.NodeCLI.TrackAdd(context.Background(), in)
			if err != nil {
				return err
			}
			printChange(cmd, out)
			return nil
		},
	}
	add.Flags().StringVar(&in.ID, "id", "", "track id (generated when empty)")
	add.Flags().StringVar(&in.Artist, "artist", "", "artist")
	add.Flags().StringVar(&in.Title, "title", "", "title")
	add.Flags().StringVar(&in.Album, "album", "", "album")
	add.Flags().DurationVar(&duration, "duration", 0, "track length")
	add.Flags().StringVar(&in.Location, "location", "", "file path or URL of the audio")
	track.AddCommand(add)
	track.AddCommand(&cobra.Command{
		Use:   "remove <track>",
		Short: "Remove a track",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(*dataDir)
			if err != nil {
				return err
			}
			out, err := app.NodeCLI.TrackRemove(context.Background(), args[0])
			if err != nil {
				return err
			}
			printChange(cmd, out)
			return nil
		},
	})
	return track
}

func newPlaylistCmd(dataDir *string) *cobra.Command {
	playlist := &cobra.Command{Use: "playlist", Short: "Edit playlists of the local collection"}
	change := func(run func(ctx context.Context, app *bootstrap.App, args []string) (nodedto.ChangeOutput, error)) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			app, err := loadApp(*dataDir)
			if err != nil {
				return err
			}
			out, err := run(context.Background(), app, args)
			if err != nil {
				return err
			}
			printChange(cmd, out)
			return nil
		}
	}
	playlist.AddCommand(&cobra.Command{
		Use:   "create <name>",
		Short: "Create a playlist",
		Args:  cobra.MinimumNArgs(1),
		RunE: change(func(ctx context.Context, app *bootstrap.App, args []string) (nodedto.ChangeOutput, error) {
			return app.NodeCLI.PlaylistCreate(ctx, strings.Join(args, " "))
		}),
	})
	playlist.AddCommand(&cobra.Command{
		Use:   "rename <playlist> <name>",
		Short: "Rename a playlist",
		Args:  cobra.MinimumNArgs(2),
		RunE: change(func(ctx context.Context, app *bootstrap.App, args []string) (nodedto.ChangeOutput, error) {
			return app.NodeCLI.PlaylistRename(ctx, args[0], strings.Join(args[1:], " "))
		}),
	})
	playlist.AddCommand(&cobra.Command{
		Use:   "delete <playlist>",
		Short: "Delete a playlist",
		Args:  cobra.ExactArgs(1),
		RunE: change(func(ctx context.Context, app *bootstrap.App, args []string) (nodedto.ChangeOutput, error) {
			return app.NodeCLI.PlaylistDelete(ctx, args[0])
		}),
	})
	var after string
	add := &cobra.Command{
		Use:   "add <playlist> <track>",
		Short: "Append a track to a playlist, or insert it after an entry",
		Args:  cobra.ExactArgs(2),
		RunE: change(func(ctx context.Context, app *bootstrap.App, args []string) (nodedto.ChangeOutput, error) {
			return app.NodeCLI.PlaylistAdd(ctx, args[0], args[1], after)
		}),
	}
	add.Flags().StringVar(&after, "after", "", "entry id to insert after")
	playlist.AddCommand(add)
	playlist.AddCommand(&cobra.Command{
		Use:   "remove <playlist> <entry>",
		Short: "Remove an entry from a playlist",
		Args:  cobra.ExactArgs(2),
		RunE: change(func(ctx context.Context, app *bootstrap.App, args []string) (nodedto.ChangeOutput, error) {
			return app.NodeCLI.PlaylistRemove(ctx, args[0], args[1])
		}),
	})
	return playlist
}

func newPlayCmd(dataDir *string) *cobra.Command {
	play := &cobra.Command{Use: "play", Short: "Record playback"}
	var at string
	logCmd := &cobra.Command{
		Use:   "log <track>",
		Short: "Record that a track was played",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var when time.Time
			if at != "" {
				parsed, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				when = parsed
			}
			app, err := loadApp(*dataDir)
			if err != nil {
				return err
			}
			out, err := app.NodeCLI.PlayLog(context.Background(), args[0], when)
			if err != nil {
				return err
			}
			printChange(cmd, out)
			return nil
		},
	}
	logCmd.Flags().StringVar(&at, "at", "", "RFC3339 time of the playback (default now)")
	play.AddCommand(logCmd)
	return play
}

func newResolveCmd(dataDir *string) *cobra.Command {
	var in nodedto.ResolveInput
	var timeout time.Duration
	resolve := &cobra.Command{
		Use:   "resolve",
		Short: "Find sources for a track across every known collection",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := loadApp(*dataDir)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			results, err := app.NodeCLI.Resolve(ctx, in)
			if err != nil {
				return err
			}
			found := 0
			for r := range results {
				found++
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%.2f\t%s\t%s\t%s - %s\n", r.Score, r.Origin, r.Track.ID, r.Track.Artist, r.Track.Title)
			}
			if found == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "no sources found")
			}
			return nil
		},
	}
	resolve.Flags().StringVar(&in.Artist, "artist", "", "artist")
	resolve.Flags().StringVar(&in.Title, "title", "", "title")
	resolve.Flags().StringVar(&in.Album, "album", "", "album")
	resolve.Flags().StringVar(&in.Origin, "origin", "", "only search this origin")
	resolve.Flags().IntVar(&in.Limit, "limit", 10, "maximum results")
	resolve.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "give up after")
	return resolve
}

func newCompactCmd(dataDir *string) *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Drop log entries every peer has acknowledged",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := loadApp(*dataDir)
			if err != nil {
				return err
			}
			n, err := app.NodeCLI.Compact(context.Background())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "compacted entries=%d\n", n)
			return nil
		},
	}
}

func newActivityCmd(dataDir *string) *cobra.Command {
	var since time.Duration
	var limit int
	activity := &cobra.Command{
		Use:   "activity",
		Short: "Show recent daemon activity",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := loadApp(*dataDir)
			if err != nil {
				return err
			}
			var from time.Time
			if since > 0 {
				from = time.Now().Add(-since)
			}
			events, err := app.NodeCLI.ActivityTail(context.Background(), from, limit)
			if err != nil {
				return err
			}
			for _, ev := range events {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", ev.OccurredAt.Local().Format(time.RFC3339), ev.Type, ev.Message)
			}
			return nil
		},
	}
	activity.Flags().DurationVar(&since, "since", 0, "only events newer than this")
	activity.Flags().IntVar(&limit, "limit", 50, "maximum events")
	return activity
}

func newWatchCmd(dataDir *string) *cobra.Command {
	var asJSON bool
	watch := &cobra.Command{
		Use:   "watch",
		Short: "Stream authorization, peer and collection events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := loadApp(*dataDir)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			events, err := app.NodeCLI.Watch(ctx)
			if err != nil {
				return err
			}
			for ev := range events {
				if asJSON {
					if err := printJSON(cmd, ev); err != nil {
						return err
					}
					continue
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", ev.Kind, ev.Summary)
			}
			return nil
		},
	}
	watch.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return watch
}
