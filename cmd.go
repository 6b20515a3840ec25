package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"cardscan/models"
	"cardscan/pkg/catalog"
	"cardscan/pkg/ocr"
	"cardscan/pkg/ocr/tesseract"
	"cardscan/pkg/scan"
	"cardscan/process/report"
	"cardscan/process/retryfailed"
	"cardscan/process/watch"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

// cli carries the configuration resolved before any subcommand runs.
type cli struct {
	configFile string
	cfg        Config
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "cardscan",
		Short:         "Trading card scanning service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.configFile, "config", "", "config file (default ./cardscan.yaml)")
	root.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().String("db-driver", "", "database driver: postgres or sqlite")

	root.PersistentPreRunE = func(*cobra.Command, []string) error {
		v, err := newViper(c.configFile)
		if err != nil {
			return err
		}
		for key, flag := range map[string]string{"log.level": "log-level", "db.driver": "db-driver"} {
			if f := root.PersistentFlags().Lookup(flag); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return fmt.Errorf("bind flag %s: %w", flag, err)
				}
			}
		}
		cfg, err := configFrom(v)
		if err != nil {
			return err
		}
		c.cfg, c.logger = cfg, newLogger(cfg)
		if cfg.JWTSecret == devJWTSecret {
			c.logger.Warn("JWT_SECRET is not set, using the development secret")
		}
		return nil
	}

	root.AddCommand(
		c.serveCmd(),
		c.migrateCmd(),
		c.createUserCmd(),
		c.resetPasswordCmd(),
		c.watchCmd(),
		c.retryFailedCmd(),
		c.reportCmd(),
		c.ocrCmd(),
	)
	return root
}

func (c *cli) serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				c.cfg.Addr = addr
			}
			a, err := newApp(cmd.Context(), c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer a.Close()
			return serve(cmd.Context(), a)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config, :8081)")
	return cmd
}

// serve runs the API until ctx is cancelled, then drains requests.
func serve(ctx context.Context, a *app) error {
	r := gin.Default()
	newServer(a).setupRoutes(r)
	srv := &http.Server{
		Addr:              a.cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("listening", "addr", a.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openDB(c.cfg)
			if err != nil {
				return err
			}
			migrate(db, c.logger)
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migration completed")
			return nil
		},
	}
}

func (c *cli) createUserCmd() *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "create-user",
		Short: "Register a user from the command line",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openDB(c.cfg)
			if err != nil {
				return err
			}
			if c.cfg.DBAutoMigrate {
				migrate(db, c.logger)
			}
			u := users{db: db}
			user, err := u.Register(username, password)
			if errors.Is(err, ErrUserExists) {
				existing, lookupErr := u.ByUsername(username)
				if lookupErr != nil {
					return lookupErr
				}
				fmt.Fprintf(cmd.OutOrStdout(), "user %s already exists (id=%d)\n", existing.Username, existing.ID)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created user %s (id=%d)\n", user.Username, user.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "username")
	cmd.Flags().StringVar(&password, "password", "", "password (min 6 characters)")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func (c *cli) resetPasswordCmd() *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "reset-password",
		Short: "Set a new password for an existing user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := openDB(c.cfg)
			if err != nil {
				return err
			}
			if err := (users{db: db}).SetPassword(username, password); err != nil {
				return fmt.Errorf("reset password for %q: %w", username, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "password updated for %s\n", username)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "username to reset")
	cmd.Flags().StringVar(&password, "password", "", "new password (min 6 characters)")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

// withOwner opens the app and resolves username to its user.
func (c *cli) withOwner(ctx context.Context, username string, fn func(*app, *models.User) error) error {
	a, err := newApp(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	defer a.Close()
	user, err := a.users.ByUsername(username)
	if err != nil {
		return fmt.Errorf("user %q not found: %w", username, err)
	}
	return fn(a, user)
}

func (c *cli) watchCmd() *cobra.Command {
	var (
		wc       watch.Config
		username string
		follow   bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Submit every card photo in a directory as a scan",
		Long:  "Submit every supported image in --dir as a scan for --username. With --follow, keep watching the directory for new files until interrupted.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withOwner(cmd.Context(), username, func(a *app, user *models.User) error {
				wc.OwnerID = user.ID
				w := watch.New(wc, a.manager, c.logger)
				if _, err := w.RunOnce(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				if follow {
					if err := w.Watch(cmd.Context()); err != nil {
						return err
					}
				}
				fmt.Fprintln(cmd.OutOrStdout(), w.Summary())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&wc.Dir, "dir", "", "directory with card photos")
	cmd.Flags().StringVar(&wc.ProcessedDir, "processed", "", "where submitted files are moved (default <dir>/processed)")
	cmd.Flags().StringVar(&username, "username", "", "owner of the created scans")
	cmd.Flags().IntVar(&wc.Workers, "workers", 0, "concurrent submissions (default number of CPUs)")
	cmd.Flags().BoolVar(&follow, "follow", false, "keep watching for new files")
	cmd.Flags().BoolVar(&wc.DryRun, "dry-run", false, "list files without submitting them")
	_ = cmd.MarkFlagRequired("dir")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func (c *cli) retryFailedCmd() *cobra.Command {
	var (
		username    string
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "retry-failed",
		Short: "Reprocess every failed scan of a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withOwner(cmd.Context(), username, func(a *app, user *models.User) error {
				sum, err := retryfailed.Run(cmd.Context(), a.manager, user.ID, concurrency, c.logger)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), sum)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "owner of the scans")
	cmd.Flags().IntVar(&concurrency, "concurrency", 2, "retries in flight")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func (c *cli) reportCmd() *cobra.Command {
	var (
		username, status string
		list             bool
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print scan totals for a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st := models.ScanStatus(status)
			switch st {
			case "", models.ScanPending, models.ScanIdentified, models.ScanFailed:
			default:
				return fmt.Errorf("invalid status %q", status)
			}
			return c.withOwner(cmd.Context(), username, func(a *app, user *models.User) error {
				return report.Write(cmd.Context(), cmd.OutOrStdout(), a.manager, *user, st, list)
			})
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "owner of the scans")
	cmd.Flags().StringVar(&status, "status", "", "only list scans with this status")
	cmd.Flags().BoolVar(&list, "list", false, "list each scan after the totals")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func (c *cli) ocrCmd() *cobra.Command {
	var (
		aggressive bool
		offline    bool
		saveTo     string
	)
	cmd := &cobra.Command{
		Use:   "ocr <image>",
		Short: "Recognize and classify a single image without storing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			img, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			rec := ocr.NewPool(tesseract.New(c.cfg.TessdataPrefix, c.logger), 1, c.cfg.OCRTimeout, c.logger)
			resolver := catalog.NewResolver(catalog.NewClient(c.cfg.Catalog, c.logger), c.logger)
			p := scan.NewPipeline(rec, resolver, scan.DefaultPipelineConfig(), nil, c.logger)

			strategy := scan.StrategyStandard
			if aggressive {
				strategy = scan.StrategyAggressive
			}
			if saveTo != "" {
				if err := os.WriteFile(saveTo, p.Preprocess(img, strategy), 0o644); err != nil {
					return fmt.Errorf("save preprocessed image: %w", err)
				}
			}
			id, err := identify(cmd.Context(), p, img, strategy, offline)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"ocr": id.Diagnostics(), "candidate": id.Candidate})
		},
	}
	cmd.Flags().BoolVar(&aggressive, "aggressive", false, "use the aggressive preprocessing and page modes")
	cmd.Flags().BoolVar(&offline, "offline", false, "skip the catalog lookup")
	cmd.Flags().StringVar(&saveTo, "save-preprocessed", "", "write the preprocessed PNG to this path")
	return cmd
}

func identify(ctx context.Context, p *scan.Pipeline, img []byte, s scan.Strategy, offline bool) (scan.Identification, error) {
	if !offline {
		return p.Identify(ctx, img, s)
	}
	res, err := p.Recognize(ctx, img, s)
	if err != nil {
		return scan.Identification{}, err
	}
	cand, regions := p.Classify(res)
	return scan.Identification{OCR: res, Candidate: cand, Regions: regions}, nil
}
