package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"

	"conductor/internal/adapter/llm"
	"conductor/internal/domain"
	"conductor/internal/infra/config"
	"conductor/internal/infra/logger"
	"conductor/internal/infra/tracer"
	"conductor/internal/storage"
	"conductor/internal/usecase"
	"conductor/internal/usecase/eventbus"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(logger.Options{
		Level:  cfg.Logger.Level,
		Format: cfg.Logger.Format,
		Output: cfg.Logger.Output,
	})
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Init(ctx, tracer.Options{
		Enabled:  cfg.Tracer.Enabled,
		Exporter: cfg.Tracer.Exporter,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(shutdownCtx)
	}()

	store, closeStore, err := openStorage(cfg.Storage)
	if err != nil {
		return err
	}
	defer closeStore()

	var provider domain.LLMProvider = llm.NewOpenAIProvider(cfg.Provider, log)
	if cfg.Provider.CircuitBreaker {
		provider = llm.NewCircuitBreakerProvider(provider, llm.CircuitBreakerConfig{}, log)
	}

	bus := eventbus.New(log)
	defer bus.Close()

	classifier, err := usecase.NewLLMClassifier(usecase.LLMClassifierOptions{
		Provider: provider,
		Model:    cfg.Classifier.Model,
		Logger:   log,
	})
	if err != nil {
		return err
	}

	orch, err := usecase.NewOrchestrator(usecase.OrchestratorOptions{
		Classifier:                 classifier,
		Storage:                    store,
		UseDefaultAgentOnNone:      cfg.Orchestrator.UseDefaultAgentOnNone,
		MaxMessagePairs:            cfg.Orchestrator.MaxMessagePairs,
		ClassificationErrorMessage: cfg.Orchestrator.ClassificationErrorMessage,
		NoAgentMessage:             cfg.Orchestrator.NoAgentMessage,
		DispatchErrorMessage:       cfg.Orchestrator.DispatchErrorMessage,
		Logger:                     log,
		Bus:                        bus,
	})
	if err != nil {
		return err
	}

	if err := registerAgents(orch, cfg, provider, log, bus); err != nil {
		return err
	}

	log.Info("conductor ready", "agents", len(cfg.Agents), "storage", cfg.Storage.Backend)
	return repl(ctx, orch, log)
}

func openStorage(cfg config.StorageConfig) (domain.ChatStorage, func(), error) {
	switch cfg.Backend {
	case "sqlite":
		store, err := storage.NewSQLite(cfg.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return storage.NewInMemory(), func() {}, nil
	}
}

func registerAgents(orch *usecase.Orchestrator, cfg *config.Config, provider domain.LLMProvider, log *slog.Logger, bus domain.EventBus) error {
	for _, ac := range cfg.Agents {
		agent, err := usecase.NewLLMAgent(usecase.LLMAgentOptions{
			Name:            ac.Name,
			Description:     ac.Description,
			SystemPrompt:    ac.SystemPrompt,
			Provider:        provider,
			Model:           ac.Model,
			MaxRecursions:   ac.MaxRecursions,
			DisableChatSave: ac.SaveChat != nil && !*ac.SaveChat,
			Streaming:       ac.Streaming,
			Logger:          log,
			Bus:             bus,
		})
		if err != nil {
			return err
		}
		if err := orch.AddAgent(agent); err != nil {
			return err
		}
		if ac.Name == cfg.Orchestrator.DefaultAgent || agent.ID() == cfg.Orchestrator.DefaultAgent {
			orch.SetDefaultAgent(agent)
		}
	}
	return nil
}

// repl reads one line per request from stdin and prints the routed
// response. One user and one session for the whole process lifetime.
func repl(ctx context.Context, orch *usecase.Orchestrator, log *slog.Logger) error {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	userID := "user-" + ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
	sessionID := "session-" + ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("conductor ready. Type a message, or 'exit' to quit.")
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			return nil
		}

		resp := orch.RouteRequest(ctx, input, userID, sessionID, nil)
		if resp.Streaming {
			for chunk := range resp.Stream {
				if chunk.Err != nil {
					fmt.Printf("\nstream error: %v\n", chunk.Err)
					break
				}
				fmt.Print(chunk.Text)
			}
			fmt.Println()
		} else {
			fmt.Printf("[%s] %s\n", resp.Metadata.AgentID, resp.OutputText())
		}
		if resp.SaveError != nil {
			log.Warn("exchange was not persisted", "error", resp.SaveError)
		}

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}
