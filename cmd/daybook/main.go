package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/daybook-io/daybook/internal/config"
	"github.com/daybook-io/daybook/internal/server"
	"github.com/daybook-io/daybook/internal/store"
	"github.com/daybook-io/daybook/internal/tokens"
	"github.com/daybook-io/daybook/internal/version"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "daybook",
		Short:   "Append-only event log with date partitioning",
		Version: version.Version,
	}
	rootCmd.PersistentFlags().String("config", "", "Path to config file (default: search for daybook.yaml)")

	rootCmd.AddCommand(
		serverCmd(),
		appendCmd(),
		scanCmd(),
		statsCmd(),
		tokenCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLogger builds the process logger: human-readable on a terminal,
// JSON when output is piped or collected.
func newLogger() *slog.Logger {
	var handler slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, nil)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, nil)
	}
	return slog.New(handler)
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (store.Store, error) {
	return store.Open(ctx, store.Options{
		Backend:           cfg.Storage.Backend,
		BaseDir:           cfg.Storage.BaseDir,
		MaxShardSizeBytes: cfg.Storage.MaxShardSizeBytes,
		Bucket:            cfg.Storage.Bucket,
		Prefix:            cfg.Storage.Prefix,
		Region:            cfg.Storage.Region,
		Endpoint:          cfg.Storage.Endpoint,
		AccessKeyID:       cfg.Storage.AccessKeyID,
		SecretAccessKey:   cfg.Storage.SecretAccessKey,
		Extension:         cfg.Storage.Extension,
	}, log)
}

func openTokens(cfg *config.Config) (*tokens.Store, error) {
	dbPath := "daybook.db"
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		dbPath = filepath.Join(cfg.DataDir, "daybook.db")
	}
	return tokens.Open(dbPath)
}

func serverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the ingest server",
		RunE:  runServer,
	}
	cmd.Flags().String("addr", "", "Address to listen on (overrides config)")
	return cmd
}

func runServer(cmd *cobra.Command, args []string) error {
	log := newLogger()
	slog.SetDefault(log)

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Addr = addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("initializing storage", "backend", cfg.Storage.Backend)
	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	defer st.Close()

	tokenStore, err := openTokens(cfg)
	if err != nil {
		return fmt.Errorf("initialize token store: %w", err)
	}
	defer tokenStore.Close()

	auth := server.NewAuth(tokenStore, cfg.Auth.JWTSecret, cfg.Auth.Enabled, log)
	if cfg.Auth.Enabled {
		log.Info("bearer auth enabled for mutations")
	} else {
		log.Warn("auth disabled - all endpoints are public")
	}

	tail := server.NewTailHub(log)
	apiHandler := server.NewAPIHandler(st, cfg.Storage.Backend, cfg.Storage.LookbackDays, log)
	apiHandler.SetTailHub(tail)

	mux := http.NewServeMux()
	mux.Handle("/api/", noCache(withCORS(auth.Middleware(apiHandler), cfg.CORSOrigin)))
	mux.Handle("/ws/tail", tail)

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info("starting server", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		log.Info("shutting down server")
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Warn("shutdown error", "error", err)
		}
	}

	return nil
}

// noCache wraps a handler to add no-store cache headers.
func noCache(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		h.ServeHTTP(w, r)
	})
}

// withCORS answers preflight requests and marks the allowed origin.
func withCORS(h http.Handler, origin string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.ServeHTTP(w, r)
	})
}

func appendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "append [file]",
		Short: "Append NDJSON records from a file or stdin directly to the store",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			var in io.Reader = os.Stdin
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			var recs []store.Record
			scanner := bufio.NewScanner(in)
			scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
			for scanner.Scan() {
				line := scanner.Bytes()
				if len(line) == 0 {
					continue
				}
				var rec store.Record
				if err := json.Unmarshal(line, &rec); err != nil {
					return fmt.Errorf("parse record: %w", err)
				}
				recs = append(recs, rec)
			}
			if err := scanner.Err(); err != nil {
				return err
			}
			if len(recs) == 0 {
				return fmt.Errorf("no records to append")
			}

			ctx := context.Background()
			st, err := openStore(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer st.Close()

			res := st.AppendBatch(ctx, recs)
			fmt.Printf("total=%d succeeded=%d failed=%d\n", res.Total, res.Succeeded, res.Failed)
			for _, e := range res.Errors {
				fmt.Fprintf(os.Stderr, "error: %s\n", e)
			}
			if res.Failed > 0 {
				return fmt.Errorf("%d of %d records failed", res.Failed, res.Total)
			}
			return nil
		},
	}
}

func scanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Print records in a date range as NDJSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			since, until, err := rangeFlags(cmd)
			if err != nil {
				return err
			}

			ctx := context.Background()
			st, err := openStore(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer st.Close()

			enc := json.NewEncoder(os.Stdout)
			sc := st.ScanRange(ctx, since, until)
			for sc.Next() {
				if err := enc.Encode(sc.Record()); err != nil {
					return err
				}
			}
			if err := sc.Err(); err != nil {
				return err
			}
			if sc.Dropped() > 0 {
				log.Warn("skipped malformed lines", "count", sc.Dropped())
			}
			return nil
		},
	}
	cmd.Flags().String("since", "", "Start of range (YYYY-MM-DD or RFC3339, default today)")
	cmd.Flags().String("until", "", "End of range (YYYY-MM-DD or RFC3339, default today)")
	return cmd
}

func rangeFlags(cmd *cobra.Command) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	parse := func(name string) (time.Time, error) {
		v, _ := cmd.Flags().GetString(name)
		if v == "" {
			return now, nil
		}
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t, nil
		}
		return time.Parse("2006-01-02", v)
	}
	since, err := parse("since")
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --since: %w", err)
	}
	until, err := parse("until")
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --until: %w", err)
	}
	return since, until, nil
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <YYYY-MM-DD>",
		Short: "Show shard inventory and sizes for a date",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			date, err := time.Parse("2006-01-02", args[0])
			if err != nil {
				return fmt.Errorf("invalid date, want YYYY-MM-DD: %w", err)
			}

			ctx := context.Background()
			st, err := openStore(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer st.Close()

			stats, err := st.DateStats(ctx, date)
			if err != nil {
				return err
			}
			for _, sh := range stats.Shards {
				fmt.Printf("%s\t%d\n", sh.Location, sh.SizeBytes)
			}
			fmt.Printf("total\t%d\n", stats.TotalSizeBytes)
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage API credentials",
	}
	cmd.AddCommand(tokenCreateCmd(), tokenListCmd(), tokenRevokeCmd(), tokenIssueCmd())
	return cmd
}

func tokenCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <name>",
		Short: "Create a new API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ts, err := openTokens(cfg)
			if err != nil {
				return err
			}
			defer ts.Close()

			plain, tok, err := ts.Create(context.Background(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("id: %s\n", tok.ID)
			fmt.Printf("token: %s\n", plain)
			fmt.Println("Store this token now - it cannot be shown again.")
			return nil
		},
	}
}

func tokenListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ts, err := openTokens(cfg)
			if err != nil {
				return err
			}
			defer ts.Close()

			toks, err := ts.List(context.Background())
			if err != nil {
				return err
			}
			for _, t := range toks {
				status := "active"
				if t.RevokedAt != nil {
					status = "revoked"
				}
				fmt.Printf("%s\t%s\t%s\t%s\n", t.ID, t.Name, status, t.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func tokenRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <token-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ts, err := openTokens(cfg)
			if err != nil {
				return err
			}
			defer ts.Close()
			return ts.Revoke(context.Background(), args[0])
		},
	}
}

func tokenIssueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issue <subject>",
		Short: "Issue a short-lived JWT signed with the configured secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ttl, _ := cmd.Flags().GetDuration("ttl")
			auth := server.NewAuth(nil, cfg.Auth.JWTSecret, true, nil)
			tok, err := auth.IssueJWT(args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
