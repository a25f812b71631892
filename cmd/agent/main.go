package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/polzovatel/browser-autopilot/internal/agent"
	"github.com/polzovatel/browser-autopilot/internal/browser"
	"github.com/polzovatel/browser-autopilot/internal/config"
	"github.com/polzovatel/browser-autopilot/internal/llm"
	"github.com/polzovatel/browser-autopilot/internal/session"
	"github.com/polzovatel/browser-autopilot/internal/surface"
	"github.com/polzovatel/browser-autopilot/internal/tools"
)

const mainHandle = "main"

type cliOptions struct {
	task          string
	storage       string
	saveState     string
	thresholds    string
	maxIterations int
	temperature   float64
}

func main() {
	os.Exit(run())
}

func run() int {
	_ = godotenv.Load()
	opts := parseFlags()

	cfg, err := config.Load(opts.thresholds)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 2
	}
	if opts.maxIterations > 0 {
		cfg.Thresholds.Loop.MaxIterations = opts.maxIterations
	}
	logger := cfg.Logger()

	shutdownTracing, err := setupTracing(os.Getenv(traceEnv), os.Stderr)
	if err != nil {
		logger.Error().Err(err).Msg("tracing disabled")
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("flush traces")
		}
	}()

	if opts.task == "" {
		task, cancelled, err := promptTask()
		if err != nil {
			logger.Fatal().Err(err).Msg("prompt task failed")
		}
		if cancelled {
			fmt.Println("Отменено.")
			return 0
		}
		opts.task = task
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := llm.NewClientWithLogger(logger.With().Str("comp", "llm").Logger())
	if err != nil {
		logger.Fatal().Err(err).Msg("llm init")
	}
	client = llm.RateLimited(client, cfg.PlannerRPS, 1)

	launcher, err := browser.NewLauncher(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("browser init")
	}
	defer launcher.Close()

	ctrl, err := launcher.NewController(ctx, opts.storage)
	if err != nil {
		logger.Fatal().Err(err).Msg("browser controller")
	}
	defer ctrl.Close(context.Background())

	toolbox := tools.New(ctrl, terminalPrompt())
	pages := surface.NewPlaywright(logger)
	pages.Attach(mainHandle, ctrl, toolbox)

	planner := agent.NewLLMPlanner(client, toolbox.Describe(), float32(opts.temperature), logger.With().Str("comp", "planner").Logger())
	controller := agent.NewController(planner, pages, nil, cfg.Thresholds, logger.With().Str("comp", "controller").Logger())

	fmt.Println("Начинаю задачу...")
	out, err := controller.Run(ctx, agent.Request{Task: opts.task, Handle: mainHandle})
	if err != nil {
		logger.Fatal().Err(err).Msg("start session")
	}
	printOutcome(out)
	pages.LogHealth()

	if opts.saveState != "" && out.Status != session.StatusErrored {
		if err := ctrl.SaveState(context.Background(), opts.saveState); err != nil {
			logger.Error().Err(err).Msg("save state")
		} else {
			logger.Info().Str("path", opts.saveState).Msg("storage saved")
		}
	}
	if out.Status == session.StatusErrored {
		return 1
	}
	return 0
}

func printOutcome(out agent.Outcome) {
	switch out.Status {
	case session.StatusCompleted:
		fmt.Printf("\nГотово (%d итераций):\n%s\n", out.Iterations, out.Result)
	case session.StatusStuck:
		fmt.Printf("\nЗадача выполнена частично:\n%s\n", out.Result)
	case session.StatusStopped:
		fmt.Println("\nОстановлено.")
	default:
		fmt.Printf("\nОшибка: %s\n", out.Error)
	}
}

func parseFlags() cliOptions {
	task := flag.String("task", "", "Task description")
	storage := flag.String("storage", "", "Path to Playwright storage state")
	save := flag.String("save-state", "", "Path to save updated storage state")
	thresholds := flag.String("thresholds", "", "Path to a YAML thresholds file (overrides AGENT_THRESHOLDS)")
	maxIterations := flag.Int("max-iterations", 0, "Max loop iterations (0 keeps the configured value)")
	temp := flag.Float64("temperature", 0.1, "LLM temperature")
	flag.Parse()
	return cliOptions{
		task:          strings.TrimSpace(*task),
		storage:       strings.TrimSpace(*storage),
		saveState:     strings.TrimSpace(*save),
		thresholds:    strings.TrimSpace(*thresholds),
		maxIterations: *maxIterations,
		temperature:   *temp,
	}
}

func promptTask() (string, bool, error) {
	reader := bufio.NewReader(os.Stdin)
	fmt.Print("Введите задачу (оставьте пустым, чтобы отменить): ")
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", false, err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", true, nil
	}

	// Validate and sanitize input
	const maxTaskLength = 2000
	if len(line) > maxTaskLength {
		fmt.Printf("Задача слишком длинная (макс. %d символов), обрезана\n", maxTaskLength)
		line = line[:maxTaskLength]
	}

	// Basic sanitization: remove control characters except newlines/tabs
	var sanitized strings.Builder
	for _, r := range line {
		if r >= 32 || r == '\n' || r == '\r' || r == '\t' {
			sanitized.WriteRune(r)
		}
	}

	return sanitized.String(), false, nil
}

func terminalPrompt() tools.PromptFunc {
	reader := bufio.NewReader(os.Stdin)
	return func(ctx context.Context, message string) (string, error) {
		fmt.Printf("\n=== Требуется ввод ===\n%s\n> ", message)
		text, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}
		return strings.TrimSpace(text), nil
	}
}
