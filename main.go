package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/urfave/cli/v2"

	"github.com/williamcory/agentsync/sdk/agent"

	"github.com/williamcory/agentsync/internal/chat"
	"github.com/williamcory/agentsync/internal/config"
	"github.com/williamcory/agentsync/internal/store"
	"github.com/williamcory/agentsync/internal/turns"
)

var (
	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12"))

	assistantStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	toolStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))
)

func main() {
	app := &cli.App{
		Name:  "agentsync",
		Usage: "Synchronize and project chat sessions from an agent server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Usage:   "Agent server base URL",
			},
			&cli.StringFlag{
				Name:    "directory",
				Aliases: []string{"d"},
				Usage:   "Workspace directory for the session",
			},
			&cli.StringFlag{
				Name:  "model",
				Usage: "Model as provider/model (e.g. anthropic/claude-sonnet-4-5)",
			},
			&cli.StringFlag{
				Name:  "session",
				Usage: "Existing session id to attach to",
			},
			&cli.StringFlag{
				Name:    "prompt",
				Aliases: []string{"p"},
				Usage:   "Message to send",
			},
			&cli.BoolFlag{
				Name:    "follow",
				Aliases: []string{"f"},
				Usage:   "Keep following server events after the response completes",
			},
			&cli.BoolFlag{
				Name:  "list",
				Usage: "List sessions on the server and exit",
			},
			&cli.StringFlag{
				Name:  "delete",
				Usage: "Delete the given session id and exit",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	prefs, err := config.Load()
	if err != nil {
		return err
	}

	serverURL := c.String("server")
	if serverURL == "" {
		serverURL = prefs.ServerURL
	}
	directory := c.String("directory")
	if directory == "" {
		directory = prefs.Directory
	}
	if directory == "" {
		if directory, err = os.Getwd(); err != nil {
			return fmt.Errorf("resolve working directory: %w", err)
		}
	}

	logger := agent.NewLoggerFromEnv()
	if prefs.LogLevel != "" && os.Getenv("LOG_LEVEL") == "" {
		logger = agent.NewLogger(agent.ParseLogLevel(prefs.LogLevel), os.Stderr)
	}
	agent.SetLogger(logger)

	client := agent.NewClient(serverURL,
		agent.WithDirectory(directory),
		agent.WithLogger(logger),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if _, err := client.Health(ctx); err != nil {
		return fmt.Errorf("server unreachable at %s: %w", serverURL, err)
	}

	if c.Bool("list") {
		return listSessions(ctx, client)
	}
	if id := c.String("delete"); id != "" {
		if err := client.DeleteSession(ctx, id); err != nil {
			return fmt.Errorf("delete session %s: %w", id, err)
		}
		fmt.Println(statusStyle.Render("deleted " + id))
		return nil
	}

	stores := store.NewStores(logger)
	defer stores.Shutdown()

	controller := chat.New(client, stores, chat.Options{
		Directory:        directory,
		Model:            resolveModel(c.String("model"), prefs),
		CoalesceInterval: time.Duration(prefs.CoalesceIntervalMs) * time.Millisecond,
		OrphanMaxAge:     time.Duration(prefs.OrphanMaxAgeMs) * time.Millisecond,
		Logger:           logger,
	})
	defer controller.Close()

	if sessionID := c.String("session"); sessionID != "" {
		controller.UseSession(sessionID)
		if err := controller.CatchUp(ctx, sessionID); err != nil {
			return fmt.Errorf("catch up session %s: %w", sessionID, err)
		}
	}

	if prompt := c.String("prompt"); prompt != "" {
		created := false
		if controller.SessionID() == "" {
			sess, err := client.CreateSession(ctx, nil)
			if err != nil {
				return fmt.Errorf("create session: %w", err)
			}
			controller.UseSession(sess.ID)
			created = true
		}
		if _, err := controller.Send(ctx, prompt); err != nil {
			return err
		}
		// Title a fresh session after its first exchange.
		if created {
			_, err := client.UpdateSession(ctx, controller.SessionID(),
				&agent.UpdateSessionRequest{Title: agent.String(truncate(prompt, 60))})
			if err != nil {
				logger.Warn("session rename failed", "error", err)
			}
		}
	}

	if sid := controller.SessionID(); sid != "" {
		printTurns(stores, controller.Turns(sid))
	}

	if c.Bool("follow") {
		fmt.Println(statusStyle.Render("following events, ctrl+c to stop"))
		go reprintOnChange(ctx, stores, controller)
		return controller.Follow(ctx)
	}
	return nil
}

func listSessions(ctx context.Context, client *agent.Client) error {
	sessions, err := client.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	for _, sess := range sessions {
		title := sess.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("%s  %s  %s\n", sess.ID, statusStyle.Render(sess.Directory), title)
	}
	return nil
}

// reprintOnChange re-renders the projected turns whenever a message or part
// mutates, debounced to one redraw per change burst.
func reprintOnChange(ctx context.Context, stores *store.Stores, controller *chat.Controller) {
	messages := stores.Messages.Subscribe(ctx)
	parts := stores.Parts.Subscribe(ctx)
	debounce := time.NewTicker(250 * time.Millisecond)
	defer debounce.Stop()

	dirty := false
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-messages:
			if !ok {
				return
			}
			dirty = true
		case _, ok := <-parts:
			if !ok {
				return
			}
			dirty = true
		case <-debounce.C:
			if !dirty {
				continue
			}
			dirty = false
			if sid := controller.SessionID(); sid != "" {
				printTurns(stores, controller.Turns(sid))
			}
		}
	}
}

// resolveModel parses a provider/model flag, falling back to preferences.
func resolveModel(flag string, prefs config.Preferences) *agent.ModelInfo {
	if flag != "" {
		if provider, model, ok := strings.Cut(flag, "/"); ok {
			return &agent.ModelInfo{ProviderID: provider, ModelID: model}
		}
		return &agent.ModelInfo{ModelID: flag}
	}
	if prefs.Model.ModelID != "" {
		return &agent.ModelInfo{
			ProviderID: prefs.Model.ProviderID,
			ModelID:    prefs.Model.ModelID,
		}
	}
	return nil
}

func printTurns(stores *store.Stores, projected []turns.Turn) {
	for _, turn := range projected {
		printTurn(stores, turn)
	}
}

func printTurn(stores *store.Stores, turn turns.Turn) {
	fmt.Println(userStyle.Render("> ") + userText(stores, turn.UserMessage.ID))

	for _, p := range turn.Parts {
		switch {
		case p.IsTool():
			label := p.Tool
			if p.State != nil && p.State.Status != "" {
				label += " (" + p.State.Status + ")"
			}
			fmt.Println(toolStyle.Render("  * " + label))
		case p.IsReasoning():
			fmt.Println(statusStyle.Render("  ~ " + truncate(p.Text, 120)))
		case p.IsPrompt():
			fmt.Println(toolStyle.Render("  ? waiting: " + p.PromptID()))
		}
	}

	if turn.FinalTextPart != nil {
		fmt.Println(assistantStyle.Render(turn.FinalTextPart.Text))
	}

	switch {
	case turn.Error != "":
		fmt.Println(errorStyle.Render("error: " + turn.Error))
	case turn.Working:
		fmt.Println(statusStyle.Render(turn.StatusLabel + "..."))
	default:
		fmt.Println(statusStyle.Render(fmt.Sprintf("done in %dms", turn.DurationMs)))
	}
	fmt.Println()
}

// userText reads the user message's own text from the part store; the turn's
// part pool only carries assistant activity.
func userText(stores *store.Stores, messageID string) string {
	for _, p := range stores.Parts.ByMessage(messageID) {
		if p.IsText() {
			return p.Text
		}
	}
	return "(no text)"
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
