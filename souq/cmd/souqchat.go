// Command-line chat client for the storefront assistant
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"souq/souq/config"
	"souq/souq/services/llm"
	"souq/souq/utils/logging"
	"souq/souq/utils/types"

	"go.uber.org/zap"
)

// printer writes the assistant reply to the terminal as it streams in.
type printer struct {
	out io.Writer
}

func (p *printer) OnMessage(index int, msg types.ChatMessage) {
	if msg.Role == types.RoleAssistant {
		fmt.Fprint(p.out, msg.Content)
	}
}

func (p *printer) OnDelta(index int, fragment string) {
	fmt.Fprint(p.out, fragment)
}

func (p *printer) OnSettled(err error) {
	fmt.Fprintln(p.out)
	if err != nil {
		fmt.Fprintf(p.out, "⚠️  %s (%s)\n", llm.UserMessage(err), llm.ErrorCode(err))
	}
}

func main() {
	cfg := config.LoadConfig()
	logging.InitLogger(cfg.LogDir)
	defer logging.Sync()

	args := os.Args[1:]
	if len(args) < 1 || args[0] != "chat" {
		fmt.Println("souqchat usage:")
		fmt.Println("  souqchat chat [mode]   # chat with the store assistant")
		fmt.Println("modes:", joinModes())
		os.Exit(1)
	}
	mode := types.ModeGeneral
	if len(args) > 1 {
		mode = types.Mode(args[1])
		if !mode.Valid() {
			fmt.Printf("unknown mode %q, expected one of: %s\n", args[1], joinModes())
			os.Exit(1)
		}
	}

	client := llm.NewProxyClient(cfg.ChatEndpoint, cfg.ChatToken)
	session := llm.NewSession(client, llm.WithObserver(&printer{out: os.Stdout}))
	logging.AppLogger.Info("souqchat session started",
		zap.String("session_id", session.ID),
		zap.String("endpoint", cfg.ChatEndpoint),
	)

	fmt.Printf("\n🛍️  متصل بمساعد المتجر (%s)\n", mode)
	fmt.Println("Commands: /mode <name>, /history, exit")
	fmt.Println()

	if err := repl(os.Stdin, os.Stdout, session, mode); err != nil {
		logging.ErrorLogger.Error("souqchat input error", zap.Error(err))
		os.Exit(1)
	}
}

func repl(in io.Reader, out io.Writer, session *llm.Session, mode types.Mode) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "souq> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "exit" || line == "quit":
			fmt.Fprintln(out, "👋 مع السلامة")
			return nil
		case line == "/history":
			for _, m := range session.History() {
				fmt.Fprintf(out, "[%s] %s\n", m.Role, m.Content)
			}
			continue
		case strings.HasPrefix(line, "/mode"):
			next := types.Mode(strings.TrimSpace(strings.TrimPrefix(line, "/mode")))
			if !next.Valid() {
				fmt.Fprintln(out, "modes:", joinModes())
				continue
			}
			mode = next
			fmt.Fprintln(out, "mode:", mode)
			continue
		}

		// Ctrl-C aborts the reply in flight, not the client
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		err := session.SendMessage(ctx, line, mode)
		stop()
		if err != nil {
			logging.AppLogger.Info("exchange failed", zap.String("code", llm.ErrorCode(err)), zap.Error(err))
		}
	}
}

func joinModes() string {
	names := make([]string, len(types.Modes))
	for i, m := range types.Modes {
		names[i] = string(m)
	}
	return strings.Join(names, ", ")
}
