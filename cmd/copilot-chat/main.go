// copilot-chat - interactive terminal chat over local and hosted models.
//
// Copyright (c) 2025 TheoThePerson
// SPDX-License-Identifier: GPL-3.0-or-later
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
	"time"

	"github.com/fatih/color"

	"github.com/TheoThePerson/copilot-core/internal/config"
	"github.com/TheoThePerson/copilot-core/internal/extract"
	"github.com/TheoThePerson/copilot-core/internal/logx"
	"github.com/TheoThePerson/copilot-core/internal/provider"
	"github.com/TheoThePerson/copilot-core/internal/session"
	"github.com/TheoThePerson/copilot-core/internal/storage"
	"github.com/TheoThePerson/copilot-core/internal/stream"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
)

var (
	verbose    = flag.Bool("verbose", false, "Enable debug logging")
	configPath = flag.String("config", "", "Config file path (default ~/.copilot-core/config.toml)")
	modelFlag  = flag.String("model", "", "Model to use, overriding the configured default")
)

func main() {
	flag.Parse()
	logx.Init(*verbose)

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, cfgPath, err := loadConfig()
	if err != nil {
		return err
	}
	if *modelFlag != "" {
		cfg.DefaultModel = *modelFlag
	}

	app, err := newApp(cfg, cfgPath)
	if err != nil {
		return err
	}
	defer app.Close()

	return app.repl()
}

func loadConfig() (*config.Config, string, error) {
	if *configPath != "" {
		cfg, err := config.LoadFromPath(*configPath)
		return cfg, *configPath, err
	}
	path, err := config.ConfigPath()
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load()
	return cfg, path, err
}

// =============================================================================
// APPLICATION WIRING
// =============================================================================

type app struct {
	cfg     *config.Config
	manager *session.Manager
	extract *extract.Extractor
	closers []func() error

	// styles
	prompt    func(a ...interface{}) string
	assistant func(a ...interface{}) string
	notice    func(a ...interface{}) string
	errText   func(a ...interface{}) string
}

func newApp(cfg *config.Config, cfgPath string) (*app, error) {
	local := provider.NewOllama(provider.OllamaConfig{
		BaseURL:     cfg.Ollama.URL,
		NumCtx:      cfg.Ollama.NumCtx,
		Temperature: cfg.Ollama.Temperature,
		Timeout:     time.Duration(cfg.Ollama.TimeoutSecs) * time.Second,
		IdleTimeout: time.Duration(cfg.Ollama.IdleTimeoutSecs) * time.Second,
	})
	hosted := provider.NewOpenAI(provider.OpenAIConfig{
		BaseURL:           cfg.OpenAI.URL,
		APIKey:            cfg.OpenAI.APIKey,
		Temperature:       cfg.OpenAI.Temperature,
		Timeout:           time.Duration(cfg.OpenAI.TimeoutSecs) * time.Second,
		IdleTimeout:       time.Duration(cfg.OpenAI.IdleTimeoutSecs) * time.Second,
		RequestsPerMinute: cfg.OpenAI.RequestsPerMinute,
	})

	sessionCfg := session.Config{
		Local:        local,
		Hosted:       hosted,
		Model:        descriptorFor(cfg.DefaultModel),
		SystemPrompt: cfg.SystemPrompt,
		PersistModel: func(name string) error {
			cfg.DefaultModel = name
			return config.Save(cfg)
		},
	}

	a := &app{
		cfg:       cfg,
		extract:   extract.New(),
		prompt:    color.New(color.FgGreen, color.Bold).SprintFunc(),
		assistant: color.New(color.FgCyan, color.Bold).SprintFunc(),
		notice:    color.New(color.FgYellow).SprintFunc(),
		errText:   color.New(color.FgRed).SprintFunc(),
	}

	if cfg.Archive.Enabled {
		if archive, err := openArchive(cfg); err != nil {
			logx.Warn().Err(err).Msg("archive unavailable, continuing without it")
		} else {
			sessionCfg.Archive = archive
			a.closers = append(a.closers, archive.Close)
		}
	}

	a.manager = session.NewManager(sessionCfg)
	a.closers = append(a.closers, a.manager.Close)

	a.watchConfig(cfgPath)
	return a, nil
}

// watchConfig hot-reloads the config file. Adapter settings (URLs, key,
// timeouts) bind at startup; the system prompt and default model apply live.
func (a *app) watchConfig(cfgPath string) {
	watcher, err := config.NewWatcher(cfgPath, func(cfg *config.Config) {
		a.manager.SetSystemPrompt(cfg.SystemPrompt)
		if cfg.DefaultModel != a.manager.Model().Name {
			a.manager.SetModel(descriptorFor(cfg.DefaultModel))
		}
		logx.Info().Str("model", cfg.DefaultModel).Msg("configuration reloaded")
	})
	if err == nil {
		err = watcher.Watch()
		if err != nil {
			watcher.Close() //nolint:errcheck
		}
	}
	if err != nil {
		logx.Warn().Err(err).Msg("config watcher unavailable, edits need a restart")
		return
	}
	a.closers = append(a.closers, watcher.Close)
}

func (a *app) Close() {
	// Close in reverse wiring order: the manager archives on close, so the
	// archive must still be open when it runs.
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]() //nolint:errcheck
	}
}

// descriptorFor routes a configured model name: the hosted catalog is all
// gpt-prefixed, everything else lives on Ollama.
func descriptorFor(name string) provider.ModelDescriptor {
	if strings.HasPrefix(name, "gpt-") {
		return provider.ModelDescriptor{Name: name, Kind: provider.KindHosted}
	}
	return provider.ModelDescriptor{Name: name, Kind: provider.KindLocal}
}

// =============================================================================
// REPL
// =============================================================================

func (a *app) repl() error {
	fmt.Printf("copilot-chat %s (%s)\n", Version, GitCommit)
	fmt.Printf("Model: %s\n", a.assistant(a.manager.Model().Name))
	fmt.Println("Type a message, or /help for commands. Ctrl+C stops a streaming reply.")
	fmt.Println()

	// SIGINT stops the in-flight stream; a second one (while idle) exits.
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range interrupts {
			if _, ok := a.manager.StopMessage(); ok {
				fmt.Println(a.notice("\n[stopped]"))
				continue
			}
			fmt.Println()
			a.Close()
			os.Exit(0)
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(a.prompt("You: "))
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if quit := a.command(line); quit {
				return nil
			}
			continue
		}
		a.send(line)
	}
}

func (a *app) send(text string) {
	fmt.Print(a.assistant("Assistant: "))

	// Word-boundary buffering keeps partial words off the screen.
	printed := false
	buffered := stream.NewWordBuffer(func(c stream.Chunk) {
		if c.Content != "" {
			printed = true
			fmt.Print(c.Content)
		}
	})

	reply, err := a.manager.SendMessage(context.Background(), text, buffered.Callback())
	if err != nil {
		fmt.Println(a.errText(err.Error()))
		return
	}
	// Failures before the stream opened never reach the callback; show the
	// display string the transcript recorded.
	if !printed && reply != "" {
		fmt.Print(a.errText(reply))
	}
	fmt.Println()
	fmt.Println()
}

// =============================================================================
// COMMANDS
// =============================================================================

func (a *app) command(line string) (quit bool) {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/help":
		fmt.Println("  /models            list available models")
		fmt.Println("  /model <name>      switch the active model")
		fmt.Println("  /history           print the conversation so far")
		fmt.Println("  /clear             archive and reset the conversation")
		fmt.Println("  /extract <file>    extract text from a .docx or .doc file")
		fmt.Println("  /quit              exit")

	case "/models":
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		models, err := a.manager.FetchModelNames(ctx)
		if err != nil {
			fmt.Println(a.errText(err.Error()))
			return false
		}
		for _, m := range models {
			marker := " "
			if m.Name == a.manager.Model().Name {
				marker = "*"
			}
			fmt.Printf("%s %s (%s)\n", marker, m.Name, m.Kind)
		}

	case "/model":
		if len(args) != 1 {
			fmt.Println(a.errText("usage: /model <name>"))
			return false
		}
		desc := descriptorFor(args[0])
		a.manager.SetModel(desc)
		fmt.Printf("Model set to %s\n", a.assistant(desc.Name))

	case "/history":
		for _, msg := range a.manager.History() {
			fmt.Printf("%s: %s\n", msg.Role, msg.Content)
		}

	case "/clear":
		a.manager.ClearHistory()
		fmt.Println(a.notice("Conversation cleared."))

	case "/extract":
		if len(args) != 1 {
			fmt.Println(a.errText("usage: /extract <file>"))
			return false
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		text, err := a.extract.ExtractFile(ctx, args[0])
		if err != nil {
			fmt.Println(a.errText(err.Error()))
			return false
		}
		fmt.Println(text)

	case "/quit", "/exit":
		return true

	default:
		fmt.Println(a.errText("unknown command, try /help"))
	}
	return false
}

func openArchive(cfg *config.Config) (*storage.Archive, error) {
	path, err := cfg.ArchivePath()
	if err != nil {
		return nil, err
	}
	archive, err := storage.Open(path)
	if err != nil {
		return nil, err
	}
	archive.MaxConversations = cfg.Archive.MaxConversations
	return archive, nil
}
