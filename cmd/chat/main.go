// Command chat is a terminal front end for the threadchat server.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"golang.org/x/term"

	"github.com/threadchat/server/internal/agent/model"
	"github.com/threadchat/server/internal/client"
	"github.com/threadchat/server/internal/core"
	logx "github.com/threadchat/server/pkg/logger"
)

func main() {
	server := flag.String("server", envOr("THREADCHAT_SERVER", "http://localhost:8000"), "server base URL")
	threadID := flag.String("thread", "", "thread to continue (a new one is created when empty)")
	list := flag.Bool("list", false, "list threads, newest first, and exit")
	history := flag.Bool("history", false, "print the thread's transcript and exit")
	message := flag.String("message", "", "send one message and exit")
	verbose := flag.Bool("v", false, "show tool calls and results")
	flag.Parse()

	logx.Init(logx.LoggerOpts{Environment: core.ParseEnvironment(os.Getenv("ENVIRONMENT")), Level: "warn"})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c := client.New(*server, nil)
	if err := run(ctx, c, os.Stdout, *threadID, *list, *history, *message, *verbose); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *client.Client, out io.Writer, threadID string, list, history bool, message string, verbose bool) error {
	if list {
		threads, err := c.Threads(ctx)
		if err != nil {
			return err
		}
		for _, id := range threads {
			fmt.Fprintln(out, id)
		}
		return nil
	}

	if history {
		if threadID == "" {
			return errors.New("-history needs -thread")
		}
		msgs, err := c.History(ctx, threadID, true)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			fmt.Fprintf(out, "%s: %s\n", m.Role, m.Content)
		}
		return nil
	}

	if threadID == "" {
		id, err := c.NewThread(ctx)
		if err != nil {
			return err
		}
		threadID = id
		fmt.Fprintf(out, "thread %s\n", threadID)
	}

	if message != "" {
		return send(ctx, c, out, threadID, message, verbose)
	}
	return repl(ctx, c, threadID, verbose)
}

func send(ctx context.Context, c *client.Client, out io.Writer, threadID, message string, verbose bool) error {
	_, err := c.Chat(ctx, threadID, message, func(ev model.TurnEvent) {
		switch ev.Type {
		case model.EventToken:
			fmt.Fprint(out, ev.Content)
		case model.EventToolCall:
			if verbose {
				fmt.Fprintf(out, "\n[tool] %s(%s)\n", ev.ToolName, ev.Arguments)
			}
		case model.EventToolResult:
			if verbose {
				fmt.Fprintf(out, "[result] %s\n", ev.Content)
			}
		case model.EventDone:
			fmt.Fprintln(out)
		}
	})
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return fmt.Errorf("%w (retry in %s)", err, apiErr.RetryAfter)
	}
	return err
}

// repl reads lines with x/term when stdin is a terminal and falls back to plain
// line reads otherwise.
func repl(ctx context.Context, c *client.Client, threadID string, verbose bool) error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if err := send(ctx, c, os.Stdout, threadID, line, verbose); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
		}
		return scanner.Err()
	}

	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}, "> ")
	for {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return err
		}
		if width, height, err := term.GetSize(fd); err == nil {
			_ = t.SetSize(width, height)
		}
		line, err := t.ReadLine()
		restoreErr := term.Restore(fd, oldState)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if restoreErr != nil {
			return restoreErr
		}

		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		}
		if err := send(ctx, c, os.Stdout, threadID, line, verbose); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
