package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/SirClappington/enq/internal/app"
	"github.com/SirClappington/enq/internal/broker"
	"github.com/SirClappington/enq/internal/config"
	"github.com/SirClappington/enq/internal/domain"
	"github.com/SirClappington/enq/internal/lock"
	"github.com/SirClappington/enq/internal/logging"
	"github.com/SirClappington/enq/internal/policy"
	"github.com/SirClappington/enq/internal/queue"
	"github.com/SirClappington/enq/internal/storage"
)

func setup() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, log, nil
}

func redisClient(cfg config.Config) *r.Client {
	return r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()
			rdb := redisClient(cfg)
			defer rdb.Close()
			return storage.Migrate(cmd.Context(), lock.New(rdb, cfg.AppName, log), cfg.PostgresDSN, cfg.MigrationsDir, log)
		},
	}
}

func statsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show per-queue depth and worker load",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()
			rdb := redisClient(cfg)
			defer rdb.Close()

			stats, err := queue.New(rdb, cfg.AppName).Stats(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(stats)
			}
			return printStats(cmd.OutOrStdout(), stats)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func printStats(w io.Writer, stats []queue.Stats) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "QUEUE\tPENDING\tDELAYED\tPROCESSES")
	for _, s := range stats {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\n", s.Queue, s.Pending, s.Delayed, s.ProcessCount)
	}
	return tw.Flush()
}

func dispatchCmd() *cobra.Command {
	var (
		kwargs string
		origin string
		wait   bool
		opts   policy.CallOptions
		delay  time.Duration
		qn     int
		tmo    int
	)
	cmd := &cobra.Command{
		Use:   "dispatch FUNC_ID",
		Short: "Dispatch a function call, optionally waiting for its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var kw map[string]any
			if kwargs != "" {
				if err := json.Unmarshal([]byte(kwargs), &kw); err != nil {
					return errors.Wrap(err, "--kwargs")
				}
			}
			o := domain.Origin(origin)
			if !o.Valid() {
				return errors.Errorf("unknown origin %q", origin)
			}
			if cmd.Flags().Changed("delay") {
				d := int(delay / time.Second)
				opts.Delay = &d
			}
			if cmd.Flags().Changed("queue") {
				opts.Queue = &qn
			}
			if cmd.Flags().Changed("timeout") {
				opts.Timeout = &tmo
			}

			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()
			ctx := cmd.Context()
			a, err := app.Open(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			call := broker.CallOptions{CallOptions: opts}
			if !wait {
				id, err := a.Broker.Dispatch(ctx, args[0], kw, o, call)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			}

			if err := a.Correlator.Start(ctx); err != nil {
				return err
			}
			resp, err := a.Broker.DispatchAndWait(ctx, args[0], kw, o, call)
			if err != nil && !errors.Is(err, broker.ErrNoResponse) {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(resp); encErr != nil {
				return encErr
			}
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&kwargs, "kwargs", "", "keyword arguments as a JSON object")
	f.StringVar(&origin, "origin", string(domain.OriginDirect), "call origin")
	f.BoolVar(&wait, "wait", false, "wait for the worker's response")
	f.StringVar(&opts.OriginID, "origin-id", "", "identifier of the calling entity")
	f.IntVar(&qn, "queue", 0, "worker lane 1-9, defaults to the origin's lane")
	f.IntVar(&tmo, "timeout", 0, "execution timeout in seconds")
	f.DurationVar(&delay, "delay", 0, "delay before the task becomes eligible")
	cmd.MarkFlagsMutuallyExclusive("wait", "delay")
	return cmd
}

func publishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish FILE",
		Short: "Publish a function configuration from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var fn domain.FunctionConfig
			if err := json.Unmarshal(b, &fn); err != nil {
				return errors.Wrap(err, args[0])
			}
			if fn.ID == "" {
				return errors.New("function id is required")
			}

			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()
			db, err := pgxpool.New(cmd.Context(), cfg.PostgresDSN)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := storage.New(db).UpsertFunction(cmd.Context(), fn); err != nil {
				return err
			}
			log.Info("function published", zap.String("func_id", fn.ID), zap.Int64("version", fn.PublishedVersion))
			return nil
		},
	}
}
