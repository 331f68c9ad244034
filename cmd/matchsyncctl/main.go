package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/matheus3301/matchsync/internal/api"
	"github.com/matheus3301/matchsync/internal/conversation"
	"github.com/matheus3301/matchsync/internal/session"
	appErrors "github.com/matheus3301/matchsync/pkg/errors"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fatal(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	socketPath := session.SocketPath(sessionName)
	c, err := api.Dial(socketPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon for session %q: %v\n", sessionName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	// Streaming commands run until interrupted; everything else gets a deadline.
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(sigCtx, 10*time.Second)
	defer cancel()

	out := printer{json: *jsonFlag}
	switch cmd := args[0]; cmd {
	case "status":
		cmdStatus(ctx, c, out)
	case "login":
		need(args, 2, "login <token>")
		userID, err := c.Login(ctx, args[1])
		check(err)
		fmt.Printf("Signed in as %s\n", userID)
	case "logout":
		check(c.Logout(ctx))
		fmt.Println("Signed out.")
	case "rooms":
		rooms, err := c.ListRooms(ctx)
		check(err)
		if out.json {
			out.emit(rooms)
			return
		}
		for _, r := range rooms {
			fmt.Println(r)
		}
	case "unread":
		cmdUnread(ctx, c, out)
	case "open":
		need(args, 2, "open <conversation>")
		conv, err := c.OpenConversation(ctx, args[1])
		check(err)
		out.conversation(conv)
	case "watch":
		need(args, 2, "watch <conversation>")
		err := c.WatchConversation(sigCtx, args[1], func(conv *api.Conversation) error {
			out.conversation(conv)
			return nil
		})
		check(err)
	case "read":
		need(args, 2, "read <conversation>")
		n, err := c.MarkRead(ctx, args[1])
		check(err)
		fmt.Printf("Marked %d message(s) read.\n", n)
	case "send":
		need(args, 4, "send <conversation> <receiver> <text>")
		msg, err := c.SendMessage(ctx, args[1], args[2], strings.Join(args[3:], " "))
		check(err)
		if out.json {
			out.emit(msg)
			return
		}
		fmt.Printf("Queued %s\n", msg.ID)
	case "retry":
		need(args, 2, "retry <client-msg-id>")
		msg, err := c.RetrySend(ctx, args[1])
		check(err)
		fmt.Printf("Requeued %s\n", msg.ID)
	case "failed":
		cmdFailed(ctx, c, out)
	case "events":
		prefix := ""
		if len(args) > 1 {
			prefix = args[1]
		}
		err := c.WatchEvents(sigCtx, prefix, func(evt api.Event) error {
			if out.json {
				out.emit(evt)
				return nil
			}
			fmt.Printf("%s %-28s %v\n", evt.At.Local().Format(time.TimeOnly), evt.Kind, evt.Fields)
			return nil
		})
		check(err)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: matchsyncctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                        Show connection status")
	fmt.Fprintln(os.Stderr, "  login <token>                 Store a token and connect")
	fmt.Fprintln(os.Stderr, "  logout                        Disconnect and clear the token")
	fmt.Fprintln(os.Stderr, "  rooms                         List joined rooms")
	fmt.Fprintln(os.Stderr, "  unread                        Show unread counts")
	fmt.Fprintln(os.Stderr, "  open <conv>                   Print a conversation")
	fmt.Fprintln(os.Stderr, "  watch <conv>                  Follow a conversation")
	fmt.Fprintln(os.Stderr, "  read <conv>                   Mark a conversation read")
	fmt.Fprintln(os.Stderr, "  send <conv> <receiver> <text> Send a message")
	fmt.Fprintln(os.Stderr, "  retry <client-msg-id>         Retry a failed send")
	fmt.Fprintln(os.Stderr, "  failed                        List failed sends")
	fmt.Fprintln(os.Stderr, "  events [prefix]               Stream daemon events")
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "usage: matchsyncctl %s\n", usage)
		os.Exit(1)
	}
}

func check(err error) {
	if err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	if appErrors.HasCode(err, appErrors.CodeUnauthenticated) {
		fmt.Fprintln(os.Stderr, "error: not signed in. Run: matchsyncctl login <token>")
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func cmdStatus(ctx context.Context, c *api.Client, out printer) {
	st, err := c.GetStatus(ctx)
	check(err)
	if out.json {
		out.emit(st)
		return
	}
	fmt.Printf("Session: %s\n", st.Session)
	fmt.Printf("Status:  %s\n", st.State)
	if st.UserID != "" {
		fmt.Printf("User:    %s\n", st.UserID)
	}
	if st.LastError != "" {
		fmt.Printf("Error:   %s\n", st.LastError)
	}
	fmt.Printf("Rooms:   %d\n", st.Rooms)
	fmt.Printf("Uptime:  %s\n", st.Uptime.Round(time.Second))
}

func cmdUnread(ctx context.Context, c *api.Client, out printer) {
	unread, err := c.ListUnread(ctx)
	check(err)
	if out.json {
		out.emit(unread)
		return
	}
	if len(unread) == 0 {
		fmt.Println("No unread messages.")
		return
	}
	ids := make([]string, 0, len(unread))
	for id := range unread {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Printf("%-36s %d\n", id, unread[id])
	}
}

func cmdFailed(ctx context.Context, c *api.Client, out printer) {
	failures, err := c.ListFailed(ctx)
	check(err)
	if out.json {
		out.emit(failures)
		return
	}
	if len(failures) == 0 {
		fmt.Println("No failed sends.")
		return
	}
	for _, f := range failures {
		fmt.Printf("%s  %s -> %s  \"%s\"  (%s)\n", f.ClientMsgID, f.ConversationID, f.ReceiverID, printable(f.Content), f.Error)
	}
}

type printer struct {
	json bool
}

func (p printer) conversation(conv *api.Conversation) {
	if p.json {
		p.emit(conv)
		return
	}
	fmt.Printf("== %s (%d unread) ==\n", conv.ID, conv.Unread)
	for _, m := range conv.Messages {
		mark := ""
		switch m.State {
		case conversation.Pending:
			mark = " [sending]"
		case conversation.Failed:
			mark = " [failed]"
		}
		fmt.Printf("%s  %s: %s%s\n", m.CreatedAt.Local().Format("Jan 02 15:04"), m.SenderID, printable(m.Content), mark)
	}
}

func (p printer) emit(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
