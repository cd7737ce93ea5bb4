package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bgtask/internal/adapter/tool"
	"bgtask/internal/domain"
	"bgtask/internal/infra/config"
	"bgtask/internal/infra/logger"
	"bgtask/internal/infra/tracer"
	"bgtask/internal/usecase/task"
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
		return fmt.Errorf("load config: %w", err)
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closeLog()

	ctx := context.Background()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdownTracer(ctx)

	manager := task.NewManager(task.Config{
		MaxRunning:      cfg.Tasks.MaxRunning,
		TaskTTL:         cfg.Tasks.TaskTTL,
		MaxBufferLines:  cfg.Tasks.MaxBufferLines,
		CleanupInterval: cfg.Tasks.CleanupInterval,
	}, task.NewRegistry(), task.NewController(log), nil, log)

	registry := tool.NewRegistry(log)
	for _, t := range []domain.Tool{
		tool.NewTasksTool(manager, log),
		tool.NewBashOutputTool(manager, log),
		tool.NewKillShellTool(manager, log),
	} {
		if err := registry.Register(t); err != nil {
			return fmt.Errorf("register tool: %w", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		serve(ctx, registry, log)
	}()

	select {
	case sig := <-sigCh:
		log.Info("shutting down", "signal", sig.String())
	case <-done:
		log.Info("stdin closed, shutting down")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	manager.Stop(stopCtx)
	return nil
}

// request is one JSON line on stdin.
type request struct {
	ID     string          `json:"id"`
	Tool   string          `json:"tool"`
	Params json.RawMessage `json:"params"`
}

// response is one JSON line on stdout.
type response struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Display string `json:"display,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

// serve reads tool-call requests line by line and writes one response per line.
func serve(ctx context.Context, registry *tool.Registry, log *slog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	encoder := json.NewEncoder(os.Stdout)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			encoder.Encode(response{Content: fmt.Sprintf("malformed request: %v", err), IsError: true})
			continue
		}

		encoder.Encode(dispatch(ctx, registry, req, log))
	}

	if err := scanner.Err(); err != nil {
		log.Error("stdin read failed", "error", err)
	}
}

func dispatch(ctx context.Context, registry *tool.Registry, req request, log *slog.Logger) response {
	t, err := registry.Get(req.Tool)
	if err != nil {
		return response{ID: req.ID, Content: err.Error(), IsError: true}
	}

	params := req.Params
	if params == nil {
		params = json.RawMessage(`{}`)
	}

	result, err := t.Execute(ctx, params)
	if err != nil {
		log.Error("tool execution failed", "tool", req.Tool, "error", err)
		return response{ID: req.ID, Content: err.Error(), IsError: true}
	}

	return response{
		ID:      req.ID,
		Content: result.Content,
		Display: result.Display,
		IsError: result.IsError,
	}
}
