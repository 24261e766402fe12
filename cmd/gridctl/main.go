// Command gridctl is the operator CLI for a running gridd: submit
// sessions, poll or watch their results, cancel them, and check health.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s [flags] <command> [args]

COMMANDS:
  submit <session-id> <task-json> [task-json ...]   Submit a session of one or more tasks
  result <session-id>                                Print the current result for a session
  cancel <session-id> [session-id ...]                Cancel one or more sessions
  status                                              Print gridd's /healthz response
  watch                                                Live terminal dashboard of queue depth

FLAGS:
`, os.Args[0])
	flag.PrintDefaults()
}

func main() {
	addr := flag.String("addr", envOr("GRIDCTL_ADDR", "http://127.0.0.1:8080"), "gridd base URL")
	token := flag.String("token", os.Getenv("GRIDCTL_TOKEN"), "bearer auth token")
	priority := flag.Int("priority", 0, "priority tier for submit")
	resolve := flag.Bool("resolve", false, "resolve blob-store output references for result")
	flag.Usage = printUsage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	c := newClient(*addr, *token)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var code int
	switch strings.ToLower(args[0]) {
	case "submit":
		code = runSubmit(c, args[1:], *priority)
	case "result":
		code = runResult(c, args[1:], *resolve)
	case "cancel":
		code = runCancel(c, args[1:])
	case "status":
		code = runStatus(c)
	case "watch":
		code = runWatch(ctx, c)
	case "help", "-h", "--help":
		printUsage()
		code = 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		printUsage()
		code = 2
	}
	os.Exit(code)
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func runSubmit(c *client, args []string, priority int) int {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: gridctl submit <session-id> <task-json> [task-json ...]")
		return 2
	}
	sessionID := args[0]
	tasks := make([]json.RawMessage, 0, len(args)-1)
	for _, raw := range args[1:] {
		if !json.Valid([]byte(raw)) {
			fmt.Fprintf(os.Stderr, "invalid task json: %s\n", raw)
			return 2
		}
		tasks = append(tasks, json.RawMessage(raw))
	}
	resp, err := c.submit(submitRequest{SessionID: sessionID, Priority: priority, Tasks: tasks})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return printJSON(resp)
}

func runResult(c *client, args []string, resolve bool) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: gridctl result <session-id>")
		return 2
	}
	res, err := c.result(args[0], resolve)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	code := printJSON(res)
	if !res.Done {
		return 3
	}
	return code
}

func runCancel(c *client, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: gridctl cancel <session-id> [session-id ...]")
		return 2
	}
	cancelled, alreadyTerminal, err := c.cancel(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return printJSON(map[string]any{"cancelled": cancelled, "already_terminal": alreadyTerminal})
}

func runStatus(c *client) int {
	body, status, err := c.healthz()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	os.Stdout.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		fmt.Println()
	}
	if status != 200 {
		return 1
	}
	return 0
}

func printJSON(v any) int {
	enc := json.NewEncoder(os.Stdout)
	if isatty.IsTerminal(os.Stdout.Fd()) {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(v); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}
