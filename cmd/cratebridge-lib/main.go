// Command cratebridge-lib is the offline counterpart to the origin server:
// it indexes a music directory and maintains crate files without a running
// HTTP API, for scripting and one-off library maintenance.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/halvard-ems/cratebridge/pkg/config"
	"github.com/halvard-ems/cratebridge/pkg/cratewriter"
	"github.com/halvard-ems/cratebridge/pkg/libraryindex"
)

var (
	flagMusicPaths []string
	flagDBPaths    []string
	flagCratesDir  string
	flagWatch      bool
)

func main() {
	root := &cobra.Command{
		Use:   "cratebridge-lib",
		Short: "Index a music library and maintain crate files offline",
	}
	root.PersistentFlags().StringSliceVar(&flagMusicPaths, "music-path", config.EnvList("MUSIC_PATHS", []string{"/music"}), "Music directory to scan (repeatable)")
	root.PersistentFlags().StringSliceVar(&flagDBPaths, "db-path", config.EnvList("LIBRARY_DB_PATHS", nil), "Proprietary library database file to read (repeatable)")
	root.PersistentFlags().StringVar(&flagCratesDir, "crates-dir", config.Env("CRATES_DIR", "./data/Subcrates"), "Subcrates directory")

	root.AddCommand(newIndexCmd())
	root.AddCommand(newCrateCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func newIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Scan the configured music directories and print a summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndex(cmd.Context(), flagWatch)
		},
	}
	cmd.Flags().BoolVar(&flagWatch, "watch", false, "Keep watching for new or changed files after the initial scan")
	return cmd
}

func runIndex(ctx context.Context, watch bool) error {
	idx := newIndex()

	slog.Info("indexing", "music_paths", flagMusicPaths, "db_paths", flagDBPaths)
	if err := idx.Refresh(ctx); err != nil {
		return fmt.Errorf("index: %w", err)
	}
	printSummary(idx)

	if !watch {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	for _, root := range flagMusicPaths {
		if err := addRecursive(watcher, root); err != nil {
			slog.Warn("watch: failed to register directory", "dir", root, "err", err)
		}
	}

	slog.Info("watching for changes", "paths", flagMusicPaths)
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			slog.Info("change detected, reindexing", "event", ev.Name)
			if err := idx.Refresh(ctx); err != nil {
				slog.Error("reindex failed", "err", err)
				continue
			}
			printSummary(idx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("watcher error", "err", err)
		case <-ctx.Done():
			return nil
		}
	}
}

func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}

func newIndex() *libraryindex.Index {
	return libraryindex.New(flagMusicPaths, flagDBPaths, libraryindex.WithProgress(func(p libraryindex.Progress) {
		slog.Info("progress", "state", p.State.String(), "processed", p.Processed, "total", p.Total)
	}))
}

func printSummary(idx *libraryindex.Index) {
	tracks := idx.All()
	var totalSize int64
	var unresolved int
	for _, t := range tracks {
		totalSize += t.FileSize
		if t.Unresolved {
			unresolved++
		}
	}
	fmt.Printf("%d tracks indexed (%s), %d unresolved\n", len(tracks), humanize.Bytes(uint64(totalSize)), unresolved)
}

func newCrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crate",
		Short: "Create and maintain .crate files",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "create <name>",
			Short: "Create a new, empty crate",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				w, err := openCrateWriter()
				if err != nil {
					return err
				}
				if err := w.Create(args[0]); err != nil {
					return err
				}
				fmt.Printf("created crate %q\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "add <name> <file>...",
			Short: "Add one or more tracks to a crate",
			Args:  cobra.MinimumNArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				w, err := openCrateWriter()
				if err != nil {
					return err
				}
				if err := w.AddTracks(args[0], args[1:]); err != nil {
					return err
				}
				fmt.Printf("added %d track(s) to %q\n", len(args[1:]), args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "remove <name> <file>",
			Short: "Remove a track from a crate",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				w, err := openCrateWriter()
				if err != nil {
					return err
				}
				if err := w.RemoveTrack(args[0], args[1]); err != nil {
					return err
				}
				fmt.Printf("removed %q from %q\n", args[1], args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "delete <name>",
			Short: "Delete a crate",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				w, err := openCrateWriter()
				if err != nil {
					return err
				}
				if err := w.Delete(args[0]); err != nil {
					return err
				}
				fmt.Printf("deleted crate %q\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List existing crates",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				w, err := openCrateWriter()
				if err != nil {
					return err
				}
				names, err := w.List()
				if err != nil {
					return err
				}
				for _, n := range names {
					fmt.Println(n)
				}
				return nil
			},
		},
	)
	return cmd
}

func openCrateWriter() (*cratewriter.Writer, error) {
	return cratewriter.New(flagCratesDir, false)
}
