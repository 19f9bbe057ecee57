package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/hrygo/keyroute/ai/complexity"
	"github.com/hrygo/keyroute/ai/keyword"
	"github.com/hrygo/keyroute/internal/profile"
	"github.com/hrygo/keyroute/internal/version"
	"github.com/hrygo/keyroute/server"
	"github.com/hrygo/keyroute/store"
	"github.com/hrygo/keyroute/store/db"
)

var rootCmd = &cobra.Command{
	Use:           "keyroute",
	Short:         "Adaptive query complexity routing and cross-tenant keyword learning.",
	Long: `Adaptive query complexity routing and cross-tenant keyword learning.

Settings are read from KEYROUTE_* environment variables (and .env). A flag
given on the command line overrides the matching environment variable.`,
	Version:       version.String(),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		// Only load .env for direct binary execution (not when running as systemd service)
		if !isRunningAsSystemdService() {
			_ = godotenv.Load()
		}
		if viper.GetBool("verbose") {
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
		}
		return nil
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	registerFlags(flags)
	for _, key := range profileFlags {
		if err := viper.BindPFlag(key, flags.Lookup(key)); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(
		newRouteCmd(),
		newFeedbackCmd(),
		newRegisterCmd(),
		newPromoteCmd(),
		newAdoptionCmd(),
		newCleanupCmd(),
		newSpecificityCmd(),
		newJobsCmd(),
	)
}

var profileFlags = []string{"mode", "data", "driver", "dsn", "model-path", "classifier", "topic-tools", "llm-fallback", "metrics-addr", "verbose"}

func registerFlags(flags *pflag.FlagSet) {
	flags.String("mode", "dev", `mode of the engine, can be "prod" or "dev"`)
	flags.String("data", "", "data directory for the sqlite database")
	flags.String("driver", "sqlite", "database driver (postgres, sqlite)")
	flags.String("dsn", "", "database source name(aka. DSN)")
	flags.String("model-path", "", "path to the complexity classifier model file")
	flags.String("classifier", "linear", "classifier backend (linear, default)")
	flags.String("topic-tools", "", "YAML file mapping topics to required tools")
	flags.Bool("llm-fallback", false, "consult the LLM detector for ambiguous queries")
	flags.String("metrics-addr", "", "listen address of the metrics endpoint")
	flags.Bool("verbose", false, "enable debug logging")
}

// loadProfile reads the environment, then applies the flags set on the command line.
func loadProfile(flags *pflag.FlagSet) (*profile.Profile, error) {
	p := &profile.Profile{}
	p.FromEnv()

	strFlags := map[string]*string{
		"mode":         &p.Mode,
		"data":         &p.Data,
		"driver":       &p.Driver,
		"dsn":          &p.DSN,
		"model-path":   &p.ModelPath,
		"classifier":   &p.ClassifierBackend,
		"topic-tools":  &p.TopicToolsPath,
		"metrics-addr": &p.MetricsAddr,
	}
	for key, field := range strFlags {
		if !flags.Changed(key) {
			continue
		}
		v, err := flags.GetString(key)
		if err != nil {
			return nil, err
		}
		*field = v
	}
	if flags.Changed("llm-fallback") {
		v, err := flags.GetBool("llm-fallback")
		if err != nil {
			return nil, err
		}
		p.LLMFallback = v
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// openServer opens the store, migrates it and wires the engine.
func openServer(ctx context.Context, flags *pflag.FlagSet) (*server.Server, error) {
	p, err := loadProfile(flags)
	if err != nil {
		return nil, err
	}
	driver, err := db.NewDBDriver(p)
	if err != nil {
		return nil, err
	}
	s := store.New(driver, p)
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	srv, err := server.NewServer(ctx, p, s)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return srv, nil
}

// withServer runs fn against a freshly opened engine and releases it afterwards.
func withServer(cmd *cobra.Command, fn func(ctx context.Context, srv *server.Server) error) error {
	ctx := cmd.Context()
	srv, err := openServer(ctx, cmd.Flags())
	if err != nil {
		return err
	}
	defer srv.Shutdown(context.Background())
	return fn(ctx, srv)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRouteCmd() *cobra.Command {
	var qc complexity.QueryContext
	cmd := &cobra.Command{
		Use:   "route <text>",
		Short: "Pick the processing mode for a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServer(cmd, func(ctx context.Context, srv *server.Server) error {
				d := srv.Router.Decide(ctx, strings.Join(args, " "), qc)
				return printJSON(cmd, map[string]any{
					"mode":       d.Mode,
					"rule_score": d.RuleScore,
					"path":       d.Path,
					"ambiguous":  d.Ambiguous,
				})
			})
		},
	}
	cmd.Flags().StringVar(&qc.Topic, "topic", "", "topic resolved by the caller")
	cmd.Flags().StringSliceVar(&qc.RequiredTools, "tools", nil, "tools the query requires")
	cmd.Flags().IntVar(&qc.ConversationTurns, "turns", 0, "prior conversation turns")
	cmd.Flags().StringVar(&qc.PriorContext, "prior", "", "summary of prior context")
	return cmd
}

func newFeedbackCmd() *cobra.Command {
	var positive, negative bool
	cmd := &cobra.Command{
		Use:   "feedback <tenant> <intent> <keyword>",
		Short: "Record a confirmed or rejected keyword match",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if positive == negative {
				return fmt.Errorf("exactly one of --positive or --negative is required")
			}
			return withServer(cmd, func(ctx context.Context, srv *server.Server) error {
				rec, err := srv.Tracker.RecordFeedback(ctx, args[0], args[1], args[2], positive)
				if err != nil {
					return err
				}
				return printJSON(cmd, rec)
			})
		},
	}
	cmd.Flags().BoolVar(&positive, "positive", false, "the match was confirmed")
	cmd.Flags().BoolVar(&negative, "negative", false, "the match was rejected")
	return cmd
}

func newRegisterCmd() *cobra.Command {
	var weight float64
	var source string
	cmd := &cobra.Command{
		Use:   "register <tenant> <intent> <keyword>",
		Short: "Register a keyword for a tenant",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServer(cmd, func(ctx context.Context, srv *server.Server) error {
				created, err := srv.Tracker.RegisterKeyword(ctx, args[0], args[1], args[2], weight, keyword.Source(strings.ToUpper(source)))
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]bool{"created": created})
			})
		},
	}
	cmd.Flags().Float64Var(&weight, "weight", 1.0, "matching weight")
	cmd.Flags().StringVar(&source, "source", "MANUAL", "MANUAL or AUTO_LEARNED")
	return cmd
}

func newPromoteCmd() *cobra.Command {
	var minFactories int
	var minEffectiveness float64
	cmd := &cobra.Command{
		Use:   "promote",
		Short: "Promote keywords adopted effectively by enough tenants to the global scope",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withServer(cmd, func(ctx context.Context, srv *server.Server) error {
				if !cmd.Flags().Changed("min-factories") {
					minFactories = srv.Profile.PromotionMinFactories
				}
				if !cmd.Flags().Changed("min-effectiveness") {
					minEffectiveness = srv.Profile.PromotionMinEffectiveness
				}
				promoted, err := srv.Promotion.RunPromotionCheck(ctx, minFactories, minEffectiveness)
				if perr := printJSON(cmd, map[string]int{"promoted": promoted}); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	cmd.Flags().IntVar(&minFactories, "min-factories", 0, "minimum adopting tenants (default from profile)")
	cmd.Flags().Float64Var(&minEffectiveness, "min-effectiveness", 0, "minimum mean effectiveness (default from profile)")
	return cmd
}

func newAdoptionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "adoption",
		Short: "Inspect or toggle a tenant's adoption of a keyword",
	}

	var reason string
	disable := &cobra.Command{
		Use:   "disable <tenant> <intent> <keyword>",
		Short: "Exclude a tenant's adoption from promotion",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServer(cmd, func(ctx context.Context, srv *server.Server) error {
				return srv.Promotion.Disable(ctx, args[0], args[1], args[2], reason)
			})
		},
	}
	disable.Flags().StringVar(&reason, "reason", "", "why the adoption is disabled")

	enable := &cobra.Command{
		Use:   "enable <tenant> <intent> <keyword>",
		Short: "Re-enable a disabled adoption",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServer(cmd, func(ctx context.Context, srv *server.Server) error {
				found, err := srv.Promotion.Enable(ctx, args[0], args[1], args[2])
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]bool{"found": found})
			})
		},
	}

	list := &cobra.Command{
		Use:   "list <intent> <keyword>",
		Short: "List tenant adoptions of a keyword",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServer(cmd, func(ctx context.Context, srv *server.Server) error {
				adoptions, err := srv.Promotion.Adoptions(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printJSON(cmd, adoptions)
			})
		},
	}

	cmd.AddCommand(disable, enable, list)
	return cmd
}

func newCleanupCmd() *cobra.Command {
	var threshold float64
	var minNegative int
	cmd := &cobra.Command{
		Use:   "cleanup <tenant>",
		Short: "Delete a tenant's keywords that proved ineffective",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServer(cmd, func(ctx context.Context, srv *server.Server) error {
				if !cmd.Flags().Changed("threshold") {
					threshold = srv.Profile.CleanupScoreThreshold
				}
				if !cmd.Flags().Changed("min-negative") {
					minNegative = srv.Profile.CleanupMinNegative
				}
				removed, err := srv.Tracker.Cleanup(ctx, args[0], threshold, int64(minNegative))
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]int64{"removed": removed})
			})
		},
	}
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "score below which a keyword is removed (default from profile)")
	cmd.Flags().IntVar(&minNegative, "min-negative", 0, "minimum negative feedback before removal (default from profile)")
	return cmd
}

func newSpecificityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "specificity",
		Short: "Recalculate keyword specificity across intents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withServer(cmd, func(ctx context.Context, srv *server.Server) error {
				updated, err := srv.Tracker.RecalculateSpecificity(ctx)
				if perr := printJSON(cmd, map[string]int64{"updated": updated}); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

func newJobsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "Run the periodic keyword jobs and serve /metrics until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			srv, err := openServer(ctx, cmd.Flags())
			if err != nil {
				return err
			}
			if err := srv.Start(ctx); err != nil {
				srv.Shutdown(context.Background())
				return err
			}
			fmt.Printf("keyroute %s jobs running, metrics on http://%s/metrics\n", version.String(), srv.Addr())

			c := make(chan os.Signal, 1)
			// Trigger graceful shutdown on SIGINT or SIGTERM.
			signal.Notify(c, terminationSignals...)
			select {
			case <-c:
			case <-ctx.Done():
			}

			shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
			defer stop()
			srv.Shutdown(shutdownCtx)
			return nil
		},
	}
}

// isRunningAsSystemdService detects if the process is running under systemd
func isRunningAsSystemdService() bool {
	return os.Getenv("INVOCATION_ID") != "" || os.Getenv("WATCHDOG_USEC") != ""
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
