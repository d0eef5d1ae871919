// Command mmrelay runs the Mattermost conversational relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mmrelay/mmrelay/internal/atlassian"
	"github.com/mmrelay/mmrelay/internal/config"
	"github.com/mmrelay/mmrelay/internal/dialog"
	"github.com/mmrelay/mmrelay/internal/event"
	"github.com/mmrelay/mmrelay/internal/llm"
	"github.com/mmrelay/mmrelay/internal/logging"
	"github.com/mmrelay/mmrelay/internal/mattermost"
	"github.com/mmrelay/mmrelay/internal/mcp"
	"github.com/mmrelay/mmrelay/internal/orchestrator"
	"github.com/mmrelay/mmrelay/internal/vault"
)

var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

var rootCmd = &cobra.Command{
	Use:     "mmrelay",
	Short:   "Mattermost relay for Jira/Confluence questions",
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(fmt.Sprintf("mmrelay %s (%s)\n", Version, BuildTime))
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logging.Error().Err(err).Msg("relay exited with error")
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// A missing .env is fine; real deployments use the environment.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		var missing *config.MissingError
		if errors.As(err, &missing) {
			return fmt.Errorf("configuration incomplete: %w", err)
		}
		return err
	}

	logging.Init(logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	logging.Info().Str("version", Version).Msg("starting relay")

	store, err := vault.New(cfg.DatabasePath, cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}
	defer store.Close()

	manager := mcp.NewManager(mcp.Config{
		Command: cfg.MCPCommandArgs(),
		URL:     cfg.MCPURL,
		Env: map[string]string{
			"JIRA_URL":       cfg.JiraURL,
			"CONFLUENCE_URL": cfg.ConfluenceURL,
		},
	})
	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("tool endpoint unavailable: %w", err)
	}

	var model llm.Client
	switch cfg.LLMTransport {
	case "openai":
		model = llm.NewOpenAIClient(cfg.LLMAPIURL, cfg.LLMAPIKey, cfg.LLMModel)
	default:
		model = llm.NewOllamaClient(cfg.LLMAPIURL, cfg.LLMAPIKey, cfg.LLMModel)
	}

	bus := event.NewBus()
	defer bus.Close()

	history := orchestrator.NewHistory()
	engine := orchestrator.NewEngine(store, manager, model, history)
	validator := atlassian.NewValidator(cfg.JiraURL, cfg.ConfluenceURL)
	machine := dialog.NewMachine(store, validator, history, bus)

	handler := func(ctx context.Context, userID, channelID, text string) (string, error) {
		outcome, err := machine.Handle(ctx, userID, text)
		if err != nil {
			return "", err
		}
		if !outcome.Forward {
			return outcome.Reply, nil
		}

		answer, err := engine.Answer(ctx, userID, text)
		if err != nil {
			if orchestrator.IsSessionError(err) {
				logging.Warn().Err(err).Str("user_id", userID).Msg("session handshake failed")
				return "I could not open a tool session with your credentials. " +
					"Use /clear and try again, or check the credentials.", nil
			}
			return "", err
		}
		return answer, nil
	}

	client := mattermost.NewClient(cfg.MattermostURL, cfg.MattermostToken)
	listener := mattermost.NewListener(client, cfg.MattermostToken, bus, handler)
	poster := mattermost.NewPoster(client, bus)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		listener.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		poster.Run(ctx)
	}()

	<-ctx.Done()
	logging.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	manager.Shutdown(shutdownCtx)

	wg.Wait()
	logging.Info().Msg("relay stopped")
	return nil
}
