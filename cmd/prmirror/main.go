// Package main provides the CLI entrypoint for prmirror.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/JohanCodinha/prmirror/internal/cache"
	"github.com/JohanCodinha/prmirror/internal/config"
	"github.com/JohanCodinha/prmirror/internal/logger"
	"github.com/JohanCodinha/prmirror/internal/remote"
	"github.com/JohanCodinha/prmirror/internal/scheduler"
	"github.com/JohanCodinha/prmirror/internal/storage"
	"github.com/JohanCodinha/prmirror/internal/store"
	"github.com/JohanCodinha/prmirror/internal/sync"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "prmirror",
	Short: "Mirror pull requests for offline-first access",
	Long: `prmirror keeps a local, durable mirror of your repositories' pull
requests and review threads, reconciling with GitHub in the background
and queueing your changes while offline.`,
}

var mirrorCmd = &cobra.Command{
	Use:   "mirror",
	Short: "Run the background mirror until interrupted",
	Long: `Start the mirror: an initial full sync followed by periodic background
reconciliation. Press Ctrl+C to stop; pending offline operations stay
queued for the next run.`,
	RunE: runMirror,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one full sync cycle and exit",
	RunE:  runSyncOnce,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show mirror contents and sync statistics",
	RunE:  runStats,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.config/prmirror/config.yml)")
	rootCmd.AddCommand(mirrorCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statsCmd)
}

// validateRepositories checks that every configured repository is a
// non-empty "owner/name" full name.
func validateRepositories(repos []string) error {
	if len(repos) == 0 {
		return fmt.Errorf("no repositories configured")
	}
	for _, repo := range repos {
		parts := strings.SplitN(repo, "/", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return fmt.Errorf("invalid repository %q: must be in the format owner/repo", repo)
		}
	}
	return nil
}

// app bundles the wired components for a command run.
type app struct {
	cfg     config.Config
	storage *storage.SQLiteStore
	cache   *cache.Cache
	store   *store.Store
	engine  *sync.Engine
}

func (a *app) close() {
	if a.engine != nil {
		a.engine.Dispose()
	}
	if a.cache != nil {
		a.cache.Close()
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to close storage: %v\n", err)
		}
	}
	logger.Close()
}

func buildApp(needRemote bool) (*app, error) {
	path := configPath
	if path == "" {
		var err error
		path, err = config.DefaultPath()
		if err != nil {
			return nil, err
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(level)
	if cfg.LogFile != "" {
		if err := logger.SetLogFile(cfg.LogFile); err != nil {
			return nil, err
		}
	}

	dbPath, err := cfg.ResolveStoragePath()
	if err != nil {
		return nil, err
	}
	db, err := storage.OpenSQLite(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	a := &app{cfg: cfg, storage: db}

	sched := scheduler.New()
	a.cache = cache.New(db, sched, cache.Options{
		DefaultTTL:         cfg.Cache.DefaultTTL,
		MaxMemoryEntries:   cfg.Cache.MaxMemoryEntries,
		MaxSessionEntries:  cfg.Cache.MaxSessionEntries,
		DisableCompression: !cfg.Cache.EnableCompression,
		DisableEviction:    !cfg.Cache.EnableEviction,
		CleanupInterval:    cfg.Cache.CleanupInterval,
	})

	a.store = store.New(db, store.Options{})
	a.store.LoadPersisted()

	if !needRemote {
		return a, nil
	}

	if err := validateRepositories(cfg.Repositories); err != nil {
		a.close()
		return nil, fmt.Errorf("%w: check %s", err, path)
	}

	token, err := remote.GetToken()
	if err != nil {
		a.close()
		return nil, fmt.Errorf("failed to get GitHub token: %w\nRun 'gh auth login' to authenticate", err)
	}
	client := remote.NewGitHub(token, cfg.Repositories)

	engine, err := sync.New(sync.Deps{
		Store:     a.store,
		Remote:    client,
		Storage:   db,
		Cache:     a.cache,
		Scheduler: sched,
	}, sync.Config{
		SyncInterval:     cfg.Sync.Interval,
		OfflineMode:      cfg.Sync.OfflineMode,
		ConflictStrategy: cfg.Sync.ConflictStrategy,
		BatchSize:        cfg.Sync.BatchSize,
		MaxRetries:       cfg.Sync.MaxRetries,
		RetryDelay:       cfg.Sync.RetryDelay,
		InspectedFields:  cfg.Sync.InspectedFields,
		KeepMissing:      cfg.Sync.KeepMissing,
	})
	if err != nil {
		a.close()
		return nil, err
	}
	a.engine = engine

	return a, nil
}

func runMirror(cmd *cobra.Command, args []string) error {
	a, err := buildApp(true)
	if err != nil {
		return err
	}
	defer a.close()

	a.engine.AddSyncStatusListener(func(ev sync.Event) {
		switch ev.Kind {
		case sync.EventSyncCompleted:
			fmt.Printf("sync completed in %s\n", ev.Duration)
		case sync.EventSyncFailed:
			fmt.Printf("sync finished with %d error(s)\n", ev.Errors)
		case sync.EventConflictDetected:
			fmt.Printf("conflict detected for %s\n", ev.Key)
		}
	})

	fmt.Printf("mirroring %d repositories...\n", len(a.cfg.Repositories))
	if err := a.engine.ForceFullSync(cmd.Context()); err != nil {
		fmt.Fprintf(os.Stderr, "warning: initial sync failed: %v\n", err)
		fmt.Fprintln(os.Stderr, "continuing with mirrored data")
	}

	a.engine.StartSync()
	fmt.Printf("background sync every %s, press Ctrl+C to stop\n", a.cfg.Sync.Interval)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	fmt.Println("stopping...")
	a.engine.StopSync()

	if n := a.engine.QueueLength(); n > 0 {
		fmt.Printf("%d offline operation(s) remain queued for the next run\n", n)
	}
	return nil
}

func runSyncOnce(cmd *cobra.Command, args []string) error {
	a, err := buildApp(true)
	if err != nil {
		return err
	}
	defer a.close()

	fmt.Printf("syncing %d repositories...\n", len(a.cfg.Repositories))
	if err := a.engine.ForceFullSync(context.Background()); err != nil {
		return err
	}

	stats := a.engine.GetSyncStatistics()
	fmt.Printf("done: %d repositories, %d pull requests mirrored\n",
		a.store.Statistics().Repositories, a.store.Statistics().PullRequests)
	if stats.ErrorCount > 0 {
		fmt.Printf("%d error(s) during sync, see log\n", stats.ErrorCount)
	}
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	a, err := buildApp(false)
	if err != nil {
		return err
	}
	defer a.close()

	st := a.store.Statistics()
	fmt.Println("mirror:")
	fmt.Printf("  repositories:    %d\n", st.Repositories)
	fmt.Printf("  pull requests:   %d\n", st.PullRequests)
	fmt.Printf("  comment threads: %d\n", st.CommentThreads)
	fmt.Printf("  state size:      %s\n", humanize.Bytes(uint64(st.MemoryBytes)))

	cs := a.cache.Statistics()
	fmt.Println("cache:")
	fmt.Printf("  fast tier: %d entries (%s)\n", cs.FastEntries, humanize.Bytes(uint64(cs.MemoryBytes)))
	fmt.Printf("  slow tier: %d entries\n", cs.SlowEntries)
	fmt.Printf("  hit rate:  %d hits / %d misses\n", cs.Hits, cs.Misses)

	return nil
}
