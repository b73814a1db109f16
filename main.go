package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fabfab/policybot/api"
	"github.com/fabfab/policybot/chat"
	"github.com/fabfab/policybot/config"
	"github.com/fabfab/policybot/llm"
)

var (
	cfg    config.Config
	logger *zap.Logger

	dataDir  string
	httpAddr string
	question string
	confirm  bool
	showText bool
)

var rootCmd = &cobra.Command{
	Use:   "policybot",
	Short: "Answer questions about company policy documents",
	Long: `policybot reads the policy documents in a data directory (PDF, DOCX,
Markdown, text, CSV, XLSX) and an optional Google Sheets export, and answers
employee questions with a language model grounded only on that material.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}

		logger, err = newLogger(cfg.Logging)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat web server",
	RunE:  runServe,
}

var askCmd = &cobra.Command{
	Use:   "ask",
	Short: "Ask a single question from the command line",
	RunE:  runAsk,
}

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Extract the knowledge sources and report what was read",
	RunE:  runExtract,
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove stored snapshots and the document catalog",
	RunE:  runClear,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "dir", "", "data directory (overrides DATA_DIR)")

	serveCmd.Flags().StringVar(&httpAddr, "addr", "", "listen address (overrides HTTP_ADDR)")
	askCmd.Flags().StringVarP(&question, "question", "q", "", "question to ask")
	extractCmd.Flags().BoolVar(&showText, "context", false, "print the budgeted knowledge context")
	clearCmd.Flags().BoolVar(&confirm, "confirm", false, "confirm removal of stored data")

	rootCmd.AddCommand(serveCmd, askCmd, extractCmd, clearCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	svc, err := a.chatService(ctx)
	if err != nil {
		return err
	}

	if _, err := a.base.Snapshot(ctx); err != nil {
		logger.Warn("initial knowledge load failed", zap.Error(err))
	}

	if watcher, err := a.base.Watch(ctx); err != nil {
		logger.Warn("file watching disabled", zap.String("dir", cfg.DataDir), zap.Error(err))
	} else {
		defer watcher.Stop()
	}

	sessions := chat.NewSessionManager()

	addr := cfg.HTTPAddr
	if httpAddr != "" {
		addr = httpAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.New(svc, sessions, a.base, logger.Named("api")).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sessions.SweepEvery(gctx, cfg.SessionIdleTimeout, time.Minute, logger.Named("sessions"))
		return nil
	})
	g.Go(func() error {
		logger.Info("http server listening",
			zap.String("addr", addr),
			zap.String("provider", cfg.LLM.Provider),
			zap.String("model", cfg.LLM.Model),
			zap.String("data_dir", cfg.DataDir))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		logger.Info("shutting down http server")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func runAsk(cmd *cobra.Command, args []string) error {
	q := strings.TrimSpace(question)
	if q == "" {
		fmt.Fprint(cmd.ErrOrStderr(), "질문을 입력하세요: ")
		scanner := bufio.NewScanner(cmd.InOrStdin())
		if scanner.Scan() {
			q = scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("read question: %w", err)
		}
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	svc, err := a.chatService(ctx)
	if err != nil {
		return err
	}

	reply, err := svc.Ask(ctx, chat.NewSession(), q)
	if err != nil {
		var genErr *llm.GenerationError
		if errors.As(err, &genErr) {
			fmt.Fprintln(cmd.ErrOrStderr(), genErr.UserMessage())
		}
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, reply.Answer)
	if len(reply.Sources) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintf(out, "Knowledge sources: %s\n", strings.Join(reply.Sources, ", "))
	}
	for _, notice := range reply.Notices {
		fmt.Fprintf(out, "warning: %s\n", notice)
	}
	return nil
}

func runExtract(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger, false)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	snap, err := a.base.Refresh(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Documents (%d):\n", len(snap.Extraction.Documents))
	for _, doc := range snap.Extraction.Documents {
		fmt.Fprintf(out, "  %-40s %-6s %8d chars\n", doc.Name, doc.Format, len([]rune(doc.Body)))
	}
	if len(snap.Extraction.Failures) > 0 {
		fmt.Fprintf(out, "Failures (%d):\n", len(snap.Extraction.Failures))
		for _, failure := range snap.Extraction.Failures {
			fmt.Fprintf(out, "  %s\n", failure.Error())
		}
	}

	if a.catalog != nil {
		entries, err := a.catalog.Documents(ctx)
		if err != nil {
			logger.Warn("list document catalog", zap.Error(err))
		} else {
			fmt.Fprintf(out, "Catalog (%d):\n", len(entries))
			for _, entry := range entries {
				fmt.Fprintf(out, "  %-40s %-12s %s\n", entry.Name, entry.Source, entry.UpdatedAt.Format(time.RFC3339))
			}
		}
	}

	budgeted := chat.TruncateContext(snap.Context, cfg.Chat.ContextBudget)
	fmt.Fprintf(out, "Context: %d of %d characters used\n", len([]rune(budgeted)), len([]rune(snap.Context)))
	if showText {
		fmt.Fprintln(out)
		fmt.Fprintln(out, budgeted)
	}
	return nil
}

func runClear(cmd *cobra.Command, args []string) error {
	if !confirm {
		return fmt.Errorf("refusing to clear stored data without --confirm")
	}
	if cfg.PostgresDSN == "" && cfg.SnapshotDB == "" && cfg.Neo4jURI == "" {
		return fmt.Errorf("no snapshot store or catalog is configured")
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	if a.store != nil {
		removed, err := a.store.Purge(ctx)
		if err != nil {
			return err
		}
		logger.Info("cleared stored snapshots", zap.Int64("rows", removed))
	}
	if a.catalog != nil {
		if err := a.catalog.Purge(ctx); err != nil {
			return err
		}
		logger.Info("cleared neo4j document catalog")
	}
	return nil
}
