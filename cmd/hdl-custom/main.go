// Command hdl-custom provides custom administration for Handle.Net
// a.k.a. EPIC persistent identifiers: resolve single handles, resolve
// batches from a CSV file, count handles under a prefix, and download
// the full handle list with resumable checkpoints.
package main

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/noord-hollandsarchief/hdl-custom/internal/cliconfig"
	"github.com/noord-hollandsarchief/hdl-custom/pkg/cache"
	"github.com/noord-hollandsarchief/hdl-custom/pkg/crawl"
	"github.com/noord-hollandsarchief/hdl-custom/pkg/handle"
	"github.com/noord-hollandsarchief/hdl-custom/pkg/logging"
	"github.com/noord-hollandsarchief/hdl-custom/pkg/registry"
	"github.com/noord-hollandsarchief/hdl-custom/pkg/session"
	"github.com/noord-hollandsarchief/hdl-custom/pkg/throttle"
)

func main() {
	cfg := cliconfig.DefaultConfig()
	var cfgPath string
	var pages int

	root := &cobra.Command{
		Use:           "hdl-custom",
		Short:         "Utility commands for handle.net EPIC persistent identifiers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfgPath, "config", "", "TOML config file (default ~/.hdl-custom/config.toml)")
	flags.StringVarP(&cfg.Prefix, "prefix", "p", cfg.Prefix, "prefix, like 21.12102, required")
	flags.StringVarP(&cfg.Index, "index", "i", cfg.Index, "user index, like 312, required")
	flags.StringVar(&cfg.Server, "server", cfg.Server, "base PID server URL")
	flags.StringVar(&cfg.CertFile, "certfile", "", "certificate file, default <prefix>_USER01_<index>_certificate_only.pem")
	flags.StringVar(&cfg.KeyFile, "keyfile", "", "private key file, default <prefix>_USER01_<index>_privkey.pem")
	flags.StringVar(&cfg.CAFile, "cafile", "", "CA bundle to trust instead of the system pool")
	flags.StringVarP(&cfg.File, "file", "f", "", "semicolon-separated input file, default <command>.csv")
	flags.StringVarP(&cfg.Output, "output", "o", "", "semicolon-separated output file, default <command>-<yyyymmdd>.csv")
	flags.IntVar(&cfg.Start, "start", cfg.Start, "zero-based start row from the input file")
	flags.IntVar(&cfg.Count, "count", cfg.Count, "number of input rows to process")
	flags.IntVar(&cfg.PageSize, "size", cfg.PageSize, "page size when downloading paginated data")
	flags.DurationVar(&cfg.Throttle, "throttle", cfg.Throttle, "pause between requests")
	flags.DurationVar(&cfg.HTTPTimeout, "timeout", cfg.HTTPTimeout, "per-request HTTP timeout")
	flags.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "directory for crawl checkpoints")
	flags.StringVar(&cfg.RedisAddr, "redis", "", "Redis address for checkpoints and record cache (optional)")
	flags.BoolVarP(&cfg.Quiet, "quiet", "q", false, "reduce terminal output")

	root.AddCommand(
		handleCmd(&cfg, &cfgPath),
		handlesCmd(&cfg, &cfgPath),
		countCmd(&cfg, &cfgPath),
		downloadCmd(&cfg, &cfgPath, &pages),
	)

	if err := root.Execute(); err != nil {
		logger := logging.NewLogger("main")
		logger.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

// resolve applies file and env config under the explicit flags, then
// validates, then configures logging.
func resolve(cmd *cobra.Command, cfg *cliconfig.Config, cfgPath string) error {
	changed := map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

	path := cfgPath
	if path == "" {
		path = cliconfig.DefaultConfigPath()
	}
	if path != "" && cliconfig.FileExists(path) {
		fc, err := cliconfig.LoadFileConfig(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if err := cliconfig.ApplyFileConfig(cfg, fc, changed); err != nil {
			return err
		}
	}
	cliconfig.ApplyEnvConfig(cfg, changed)

	if err := cfg.Validate(cmd.Name()); err != nil {
		return err
	}

	level := logging.LevelDebug
	if cfg.Quiet {
		level = logging.LevelInfo
	}
	logging.Setup(logging.Config{Level: level, Pretty: true, Output: os.Stderr})
	return nil
}

// signalContext returns a context cancelled by SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		logger := logging.NewLogger("main")
		logger.Info().Msg("Interrupted by user")
		cancel()
	}()
	return ctx, cancel
}

// clients bundles the per-invocation unit of work: one session, one
// registry client, optional Redis.
type clients struct {
	sessions *session.Manager
	registry *registry.Client
	redis    *redis.Client
	logger   zerolog.Logger
}

func newClients(cfg *cliconfig.Config) (*clients, error) {
	sessions, err := session.NewManager(session.Config{
		Server:   cfg.Server,
		CertFile: cfg.CertFile,
		KeyFile:  cfg.KeyFile,
		CAFile:   cfg.CAFile,
		Timeout:  cfg.HTTPTimeout,
	})
	if err != nil {
		return nil, err
	}

	regCfg := registry.Config{
		Server:   cfg.Server,
		Sessions: sessions,
		Timeout:  cfg.HTTPTimeout,
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		recordCache, err := cache.NewManager(cache.DefaultConfig(redisClient))
		if err != nil {
			return nil, err
		}
		regCfg.Cache = recordCache
	}

	reg, err := registry.New(regCfg)
	if err != nil {
		return nil, err
	}

	return &clients{
		sessions: sessions,
		registry: reg,
		redis:    redisClient,
		logger:   logging.NewLogger("main"),
	}, nil
}

// close deletes the registry session and releases Redis. Best-effort,
// on a short deadline independent of the (possibly cancelled) run
// context.
func (c *clients) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.sessions.Close(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to delete session")
	}
	if c.redis != nil {
		c.redis.Close()
	}
}

func handleCmd(cfg *cliconfig.Config, cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "handle SUFFIX",
		Short: "Retrieve details for a single handle <prefix>/<suffix>",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := resolve(cmd, cfg, *cfgPath); err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			c, err := newClients(cfg)
			if err != nil {
				return err
			}
			defer c.close()

			rec, err := c.registry.FetchRecord(ctx, handle.Join(cfg.Prefix, args[0]))
			if err != nil {
				return err
			}
			out, err := rec.CanonicalJSON()
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func handlesCmd(cfg *cliconfig.Config, cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "handles",
		Short: "Retrieve details for handles listed in a CSV input file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := resolve(cmd, cfg, *cfgPath); err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			c, err := newClients(cfg)
			if err != nil {
				return err
			}
			defer c.close()

			return fetchRecords(ctx, c, cfg)
		},
	}
}

// fetchRecords reads suffixes from the first column of the input file
// and appends `line;canonical-json` rows to the output file.
func fetchRecords(ctx context.Context, c *clients, cfg *cliconfig.Config) error {
	in, err := os.Open(cfg.File)
	if err != nil {
		return fmt.Errorf("open input %s: %w", cfg.File, err)
	}
	defer in.Close()

	out, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open output %s: %w", cfg.Output, err)
	}
	defer out.Close()

	c.logger.Debug().Str("file", cfg.File).Str("output", cfg.Output).Msg("Loading postfixes")

	reader := csv.NewReader(in)
	reader.Comma = ';'
	reader.FieldsPerRecord = -1

	pacer := throttle.New(cfg.Throttle)
	stop := cfg.Start + cfg.Count

	for line := 0; line < stop; line++ {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read input line %d: %w", line, err)
		}
		if line < cfg.Start || len(row) == 0 {
			continue
		}

		if err := pacer.Wait(ctx); err != nil {
			return err
		}

		suffix := row[0]
		rec, err := c.registry.FetchRecord(ctx, handle.Join(cfg.Prefix, suffix))
		if err != nil {
			return fmt.Errorf("line %d (%s): %w", line, suffix, err)
		}
		data, err := rec.CanonicalJSON()
		if err != nil {
			return fmt.Errorf("line %d (%s): %w", line, suffix, err)
		}
		if _, err := fmt.Fprintf(out, "%d;%s\n", line, data); err != nil {
			return err
		}
		c.logger.Info().Int("line", line).Str("handle", rec.Handle).Msg("Got handle")
	}

	return nil
}

func countCmd(cfg *cliconfig.Config, cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Count existing handles on the server for the prefix",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := resolve(cmd, cfg, *cfgPath); err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			c, err := newClients(cfg)
			if err != nil {
				return err
			}
			defer c.close()

			total, err := c.registry.Count(ctx, cfg.Prefix)
			if err != nil {
				return err
			}
			c.logger.Info().Str("prefix", cfg.Prefix).Int64("count", total).Msg("Counted handles")
			fmt.Printf("%s;%d\n", cfg.Prefix, total)
			return nil
		},
	}
}

func downloadCmd(cfg *cliconfig.Config, cfgPath *string, pages *int) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download all handles under the prefix with resumable checkpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := resolve(cmd, cfg, *cfgPath); err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			c, err := newClients(cfg)
			if err != nil {
				return err
			}
			defer c.close()

			sink, err := crawl.NewCSVSink(cfg.Output)
			if err != nil {
				return err
			}
			defer sink.Close()

			var store crawl.Store = crawl.NewFileStore(cfg.StateDir)
			if c.redis != nil {
				store = crawl.NewRedisStore(c.redis)
			}

			engineCfg := crawl.DefaultConfig(cfg.Prefix)
			engineCfg.PageSize = cfg.PageSize
			engineCfg.Throttle = cfg.Throttle
			engineCfg.MaxPagesPerRun = *pages

			engine, err := crawl.New(engineCfg, c.registry, sink, store)
			if err != nil {
				return err
			}

			cp, err := engine.Run(ctx)
			switch {
			case err == nil:
				c.logger.Info().Int64("count", cp.Count).Str("output", cfg.Output).Msg("Download complete")
				return nil
			case errors.Is(err, crawl.ErrPageBudget) || errors.Is(err, context.Canceled):
				c.logger.Info().
					Int("next_page", cp.NextPage).
					Int64("count", cp.Count).
					Msg("Download stopped, rerun to resume from checkpoint")
				return nil
			default:
				c.logger.Error().
					Err(err).
					Int("next_page", cp.NextPage).
					Int64("count", cp.Count).
					Msg("Download aborted, checkpoint kept")
				return err
			}
		},
	}
	cmd.Flags().IntVar(pages, "pages", 0, "max pages to fetch this run (0 = run to completion)")
	return cmd
}
