package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/megbot-dev/megbot/internal/logger"
	"github.com/megbot-dev/megbot/pkg/chat"
	"github.com/megbot-dev/megbot/pkg/config"
	"github.com/megbot-dev/megbot/pkg/conversation"
	"github.com/megbot-dev/megbot/pkg/gateway"
)

const replHelp = `Commands:
  /model <id>     switch model
  /models         list models
  /key [provider] save an API key for this session
  /clear          clear this conversation
  /new            start a new conversation
  /history        print this conversation
  /help           show this help
  /quit           exit`

func newChatCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	var model string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat from the terminal with an in-memory session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			logCfg := cfg.Logging
			if logCfg.Level == "" || logCfg.Level == "info" {
				logCfg.Level = "warn"
			}
			log, closer := logger.Init(logCfg)
			defer func() {
				_ = closer.Close()
			}()

			a, err := newApp(cfg, log)
			if err != nil {
				return err
			}

			r := newREPL(a.chat, cfg.Chat, cmd.OutOrStdout())
			if model != "" {
				r.model = model
			}
			return r.run(cmd.Context(), cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "", "model to start with")
	return cmd
}

// repl drives one terminal conversation against the chat service.
type repl struct {
	svc    *chat.Service
	state  *conversation.State
	chatID string
	model  string
	out    io.Writer

	// readSecret prompts for a value without echoing it.
	readSecret func(prompt string) (string, error)
}

func newREPL(svc *chat.Service, cfg chat.Config, out io.Writer) *repl {
	return &repl{
		svc:    svc,
		state:  conversation.NewState(cfg.ConversationOptions()),
		chatID: uuid.NewString(),
		model:  cfg.DefaultModel,
		out:    out,
	}
}

// run reads lines until EOF or /quit. Interactive terminals get line editing
// and hidden key entry; anything else is read line by line.
func (r *repl) run(ctx context.Context, in io.Reader) error {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return r.runInteractive(ctx)
	}

	if r.readSecret == nil {
		r.readSecret = func(prompt string) (string, error) {
			return "", errors.New("API keys can only be entered from a terminal")
		}
	}
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		if r.handle(ctx, scanner.Text()) {
			return nil
		}
	}
	return scanner.Err()
}

func (r *repl) runInteractive(ctx context.Context) error {
	line := liner.NewLiner()
	defer func() {
		_ = line.Close()
	}()
	line.SetCtrlCAborts(true)
	line.SetCompleter(r.complete)

	if r.readSecret == nil {
		r.readSecret = line.PasswordPrompt
	}

	fmt.Fprintf(r.out, "megbot %s, model %s. Type /help for commands.\n", Version, r.model)
	if !r.state.HasCredential() {
		fmt.Fprintln(r.out, "Use /key to add your API key.")
	}

	for {
		input, err := line.Prompt("> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(r.out)
				return nil
			}
			return err
		}
		if strings.TrimSpace(input) != "" {
			line.AppendHistory(input)
		}
		if r.handle(ctx, input) || ctx.Err() != nil {
			return nil
		}
	}
}

func (r *repl) complete(prefix string) []string {
	var out []string
	for _, c := range []string{"/model ", "/models", "/key ", "/clear", "/new", "/history", "/help", "/quit"} {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	if strings.HasPrefix(prefix, "/model ") {
		for _, id := range r.svc.Catalog().IDs() {
			if c := "/model " + id; strings.HasPrefix(c, prefix) {
				out = append(out, c)
			}
		}
	}
	return out
}

// handle processes one input line and reports whether to exit.
func (r *repl) handle(ctx context.Context, input string) bool {
	input = strings.TrimSpace(input)
	if input == "" {
		return false
	}
	if !strings.HasPrefix(input, "/") {
		r.send(ctx, input)
		return false
	}

	cmd, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(r.out, replHelp)
	case "/models":
		for _, m := range r.svc.Catalog().Models() {
			marker := " "
			if m.ID == r.model {
				marker = "*"
			}
			fmt.Fprintf(r.out, "%s %-20s %s\n", marker, m.ID, m.Provider)
		}
	case "/model":
		if _, err := r.svc.Catalog().Lookup(arg); err != nil {
			fmt.Fprintf(r.out, "unknown model %q\n", arg)
			return false
		}
		r.model = arg
		fmt.Fprintf(r.out, "model set to %s\n", arg)
	case "/key":
		r.saveKey(arg)
	case "/clear":
		fmt.Fprintln(r.out, r.svc.ClearHistory(r.state, r.chatID))
	case "/new":
		r.chatID = uuid.NewString()
		fmt.Fprintln(r.out, "started a new conversation")
	case "/history":
		for _, m := range r.svc.History(r.state, r.chatID) {
			if m.Role == conversation.RoleSystem {
				continue
			}
			fmt.Fprintf(r.out, "[%s] %s\n", m.Role, m.Content)
		}
	default:
		fmt.Fprintf(r.out, "unknown command %s, try /help\n", cmd)
	}
	return false
}

func (r *repl) send(ctx context.Context, message string) {
	reply, err := r.svc.SendMessage(ctx, r.state, chat.SendRequest{
		Message: message,
		Model:   r.model,
		ChatID:  r.chatID,
	})
	if err != nil {
		var vErr *chat.ValidationError
		var gwErr *gateway.GatewayError
		switch {
		case errors.As(err, &vErr):
			fmt.Fprintln(r.out, vErr.Message)
		case errors.As(err, &gwErr):
			fmt.Fprintf(r.out, "Sorry, an error occurred: %s\n", gwErr.Message)
		default:
			fmt.Fprintf(r.out, "Sorry, an error occurred: %v\n", err)
		}
		return
	}
	fmt.Fprintln(r.out, reply)
}

func (r *repl) saveKey(providerName string) {
	if r.readSecret == nil {
		fmt.Fprintln(r.out, "API keys can only be entered from a terminal")
		return
	}
	key, err := r.readSecret("API key: ")
	if err != nil {
		fmt.Fprintln(r.out, err)
		return
	}

	if err := r.svc.SaveCredential(r.state, key, providerName); err != nil {
		var vErr *chat.ValidationError
		if errors.As(err, &vErr) {
			fmt.Fprintln(r.out, vErr.Message)
			return
		}
		slog.Error("failed to save API key", "error", err)
		fmt.Fprintln(r.out, "Failed to save API key")
		return
	}
	fmt.Fprintln(r.out, chat.MsgAPIKeySaved)
}
