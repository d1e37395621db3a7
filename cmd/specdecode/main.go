// Command specdecode is the CLI entrypoint: it loads configuration (spec
// §6.3), wires the draft/target models, sampler, metrics tracker and an
// event sink, and either runs one generation to stdout or serves the
// HTTP+WebSocket transport (internal/httpapi). Grounded on the teacher's
// cobra command wiring in cmd/echo.go.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/specdecode/orchestrator/internal/config"
	"github.com/specdecode/orchestrator/internal/draftmodel"
	"github.com/specdecode/orchestrator/internal/httpapi"
	"github.com/specdecode/orchestrator/internal/sink"
	"github.com/specdecode/orchestrator/internal/speculator"
	"github.com/specdecode/orchestrator/internal/targetmodel"
)

func main() {
	root := &cobra.Command{
		Use:   "specdecode",
		Short: "Speculative-decoding orchestrator",
		Long:  "Drives a local draft model and a remote target model through modified rejection sampling, streaming per-token events as it goes.",
	}

	root.AddCommand(newRunCmd(), newServeCmd(), newConfigCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	var prompt string
	var k int
	var temperature float64
	var maxTokens int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one generation against the configured target model, streaming events to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, spec, err := bootstrap()
			if err != nil {
				return err
			}
			defer log.Sync()

			if k == 0 {
				k = cfg.SpeculationK
			}
			if maxTokens == 0 {
				maxTokens = cfg.MaxTokens
			}
			if !cmd.Flags().Changed("temperature") {
				temperature = cfg.Temperature
			}

			ctx, cancel := signalContext()
			defer cancel()

			out := sink.NewStdoutSink(os.Stdout)
			req := speculator.Request{Prompt: prompt, K: k, Temperature: temperature, MaxTokens: maxTokens}
			return spec.Run(ctx, req, out)
		},
	}

	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "prompt to generate from")
	cmd.Flags().IntVar(&k, "k", 0, "speculation depth (overrides SPECULATION_K)")
	cmd.Flags().Float64Var(&temperature, "temperature", 0, "sampling temperature (overrides TEMPERATURE)")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "max tokens to generate (overrides MAX_TOKENS)")
	cmd.MarkFlagRequired("prompt")

	return cmd
}

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP+WebSocket transport for the orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, spec, err := bootstrap()
			if err != nil {
				return err
			}
			defer log.Sync()

			srv := httpapi.NewServer(spec, httpapi.Options{CORSOrigins: cfg.CORSOrigins}, log)

			ctx, cancel := signalContext()
			defer cancel()

			httpSrv := &http.Server{Addr: addr, Handler: srv}
			errCh := make(chan error, 1)
			go func() {
				log.Info("serving", zap.String("addr", addr))
				if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
					return
				}
				errCh <- nil
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				log.Info("shutting down")
				return httpSrv.Shutdown(context.Background())
			}
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8088", "address to listen on")
	return cmd
}

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (with the API key redacted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.TargetAPIKey != "" {
				cfg.TargetAPIKey = "<redacted>"
			}
			fmt.Printf("target_model: %s\n", cfg.TargetModel)
			fmt.Printf("target_base_url: %s\n", cfg.TargetBaseURL)
			fmt.Printf("draft_model: %s\n", cfg.DraftModel)
			fmt.Printf("speculation_k: %d\n", cfg.SpeculationK)
			fmt.Printf("temperature: %v\n", cfg.Temperature)
			fmt.Printf("max_tokens: %d\n", cfg.MaxTokens)
			fmt.Printf("eos_token_ids: %v\n", cfg.EOSTokenIDs)
			fmt.Printf("metrics_window: %d\n", cfg.MetricsWindow)
			fmt.Printf("cors_origins: %v\n", cfg.CORSOrigins)
			fmt.Printf("verify_timeout: %v\n", cfg.VerifyTimeout)
			return nil
		},
	}
	configCmd.AddCommand(show)
	return configCmd
}

// bootstrap loads configuration, builds the logger, and wires the
// target-model HTTP client plus the speculator around it. The local draft
// model runtime is the one external collaborator spec §1 places out of
// this component's boundary; demoRuntime stands in for it so `run`/`serve`
// are directly exercisable without a real llama.cpp-style backend attached.
func bootstrap() (config.Config, *zap.Logger, *speculator.Speculator, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	log, err := config.NewLogger(cfg)
	if err != nil {
		return config.Config{}, nil, nil, err
	}

	formatter := selectFormatter(cfg.TargetModel)
	target := targetmodel.NewHTTPClient(cfg.TargetBaseURL, cfg.TargetAPIKey, formatter, log)

	draft := draftmodel.NewLocalAdapter(newDemoRuntime())

	spec := speculator.New(draft, target, cfg.EOSSet(), 20, cfg.MetricsWindow, log)
	return cfg, log, spec, nil
}

// selectFormatter implements the data-driven PromptFormatter selection
// spec §9 calls for: target model family decides wire format, not
// inheritance. "gpt-oss"-style families speak Harmony role tags; everything
// else gets the plain completions-style formatter.
func selectFormatter(model string) targetmodel.PromptFormatter {
	lower := strings.ToLower(model)
	if strings.Contains(lower, "gpt-oss") || strings.Contains(lower, "harmony") {
		return targetmodel.HarmonyFormatter{Model: model}
	}
	return targetmodel.GenericFormatter{}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}
