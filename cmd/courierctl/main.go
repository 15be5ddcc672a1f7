package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/matheus3301/courier/internal/client"
	"github.com/matheus3301/courier/internal/config"
	"github.com/matheus3301/courier/internal/instance"
	"github.com/matheus3301/courier/internal/lock"
	"github.com/matheus3301/courier/internal/rpc"
)

func main() {
	instanceFlag := flag.String("instance", "", "instance name (overrides config default)")
	userFlag := flag.String("user", os.Getenv("COURIER_USER"), "acting user id (default $COURIER_USER)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Usage = printUsage
	flag.Parse()

	_ = config.LoadDotEnv(".env", instance.EnvPath())
	cfg, err := config.LoadOrDefault(instance.ConfigPath())
	if err != nil {
		fatal(err)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		fatal(err)
	}
	name := instance.Resolve(*instanceFlag, cfg)
	if err := instance.ValidateName(name); err != nil {
		fatal(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}
	if args[0] == "status" {
		cmdStatus(name, *jsonFlag)
		return
	}
	if *userFlag == "" {
		fatal(errors.New("no acting user: pass --user or set COURIER_USER"))
	}

	socketPath := cfg.RPC.Socket
	if socketPath == "" {
		socketPath = instance.SocketPath(name)
	}
	c, err := client.New(socketPath, *userFlag)
	if err != nil {
		fatal(fmt.Errorf("cannot connect to daemon for instance %q: %w", name, err))
	}
	defer func() { _ = c.Close() }()

	r := &runner{c: c, json: *jsonFlag}
	switch args[0] {
	case "conv":
		err = r.conv(args[1:])
	case "msg":
		err = r.msg(args[1:])
	case "ack":
		err = r.ack(args[1:])
	case "watch":
		err = r.watch(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fatal(err)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: courierctl [--instance <name>] [--user <id>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                              Show daemon status")
	fmt.Fprintln(os.Stderr, "  conv dm <peer>                      Open the conversation with a peer")
	fmt.Fprintln(os.Stderr, "  conv group <name> <member>...       Create a group")
	fmt.Fprintln(os.Stderr, "  conv add|remove <conv> <user>       Change group membership")
	fmt.Fprintln(os.Stderr, "  conv rename <conv> <name>           Rename a group")
	fmt.Fprintln(os.Stderr, "  conv archive <conv>                 Archive a group")
	fmt.Fprintln(os.Stderr, "  conv get <conv> | conv list         Show conversations")
	fmt.Fprintln(os.Stderr, "  msg send <conv> <payload-ref>       Send a message")
	fmt.Fprintln(os.Stderr, "  msg list <conv> [after] [limit]     List messages")
	fmt.Fprintln(os.Stderr, "  msg status <msg>                    Show delivery status")
	fmt.Fprintln(os.Stderr, "  ack <msg> delivered|seen [src-id]   Acknowledge a message")
	fmt.Fprintln(os.Stderr, "  watch inbox|rollups                 Stream incoming messages or status updates")
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func cmdStatus(name string, jsonOut bool) {
	info, running := lock.Running(instance.Dir(name))
	if jsonOut {
		outputJSON(map[string]any{"instance": name, "running": running, "pid": info.PID, "version": info.Version, "since": info.Since})
		return
	}
	fmt.Printf("Instance: %s\n", name)
	if !running {
		fmt.Println("Status:   stopped")
		return
	}
	fmt.Printf("Status:   running (pid %d, %s)\n", info.PID, info.Version)
	fmt.Printf("Uptime:   %s\n", time.Since(info.Since).Round(time.Second))
}

type runner struct {
	c    *client.Client
	json bool
}

func callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func need(args []string, n int, usage string) error {
	if len(args) < n {
		return fmt.Errorf("usage: courierctl %s", usage)
	}
	return nil
}

func (r *runner) conv(args []string) error {
	if err := need(args, 1, "conv <dm|group|add|remove|rename|archive|get|list> ..."); err != nil {
		return err
	}
	ctx, cancel := callCtx()
	defer cancel()
	cs := r.c.Conversations

	var (
		conv *rpc.Conversation
		err  error
	)
	switch args[0] {
	case "dm":
		if err := need(args, 2, "conv dm <peer>"); err != nil {
			return err
		}
		resp, err := cs.CreateIndividual(ctx, &rpc.CreateIndividualRequest{PeerID: args[1]})
		if err != nil {
			return err
		}
		conv = &resp.Conversation
	case "group":
		if err := need(args, 3, "conv group <name> <member>..."); err != nil {
			return err
		}
		conv, err = cs.CreateGroup(ctx, &rpc.CreateGroupRequest{Name: args[1], Members: args[2:]})
	case "add", "remove":
		if err := need(args, 3, "conv "+args[0]+" <conv> <user>"); err != nil {
			return err
		}
		req := &rpc.MemberRequest{ConversationID: args[1], UserID: args[2]}
		if args[0] == "add" {
			conv, err = cs.AddMember(ctx, req)
		} else {
			conv, err = cs.RemoveMember(ctx, req)
		}
	case "rename":
		if err := need(args, 3, "conv rename <conv> <name>"); err != nil {
			return err
		}
		conv, err = cs.Rename(ctx, &rpc.RenameRequest{ConversationID: args[1], Name: strings.Join(args[2:], " ")})
	case "archive":
		if err := need(args, 2, "conv archive <conv>"); err != nil {
			return err
		}
		conv, err = cs.Archive(ctx, &rpc.ConversationRequest{ConversationID: args[1]})
	case "get":
		if err := need(args, 2, "conv get <conv>"); err != nil {
			return err
		}
		conv, err = cs.GetConversation(ctx, &rpc.ConversationRequest{ConversationID: args[1]})
	case "list":
		resp, err := cs.ListConversations(ctx, &rpc.ListConversationsRequest{})
		if err != nil {
			return err
		}
		if r.json {
			outputJSON(resp)
			return nil
		}
		if len(resp.Conversations) == 0 {
			fmt.Println("No conversations.")
		}
		for _, c := range resp.Conversations {
			printConversation(&c)
		}
		return nil
	default:
		return fmt.Errorf("unknown conv subcommand: %s", args[0])
	}
	if err != nil {
		return err
	}
	if r.json {
		outputJSON(conv)
		return nil
	}
	printConversation(conv)
	return nil
}

func printConversation(c *rpc.Conversation) {
	members := make([]string, 0, len(c.Members))
	for _, m := range c.Members {
		if m.IsAdmin {
			members = append(members, m.UserID+"*")
		} else {
			members = append(members, m.UserID)
		}
	}
	state := ""
	if c.ArchivedAt != nil {
		state = " (archived)"
	}
	fmt.Printf("%s  %-10s v%-3d %-20s %s%s\n", c.ID, c.Kind, c.Version, c.Name, strings.Join(members, ","), state)
}

func (r *runner) msg(args []string) error {
	if err := need(args, 2, "msg <send|list|status> ..."); err != nil {
		return err
	}
	ctx, cancel := callCtx()
	defer cancel()

	switch args[0] {
	case "send":
		if err := need(args, 3, "msg send <conv> <payload-ref>"); err != nil {
			return err
		}
		m, err := r.c.Messages.Send(ctx, &rpc.SendMessageRequest{ConversationID: args[1], PayloadRef: args[2]})
		if err != nil {
			return err
		}
		if r.json {
			outputJSON(m)
			return nil
		}
		fmt.Printf("Sent %s (seq %d)\n", m.ID, m.Sequence)
	case "list":
		req := &rpc.ListMessagesRequest{ConversationID: args[1]}
		if len(args) > 2 {
			after, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("after: %w", err)
			}
			req.After = after
		}
		if len(args) > 3 {
			limit, err := strconv.Atoi(args[3])
			if err != nil {
				return fmt.Errorf("limit: %w", err)
			}
			req.Limit = limit
		}
		resp, err := r.c.Messages.ListMessages(ctx, req)
		if err != nil {
			return err
		}
		if r.json {
			outputJSON(resp)
			return nil
		}
		for _, m := range resp.Messages {
			fmt.Printf("%6d  %s  %-12s %s\n", m.Sequence, m.CreatedAt.Local().Format(time.DateTime), m.SenderID, m.PayloadRef)
		}
		if resp.NextAfter != 0 {
			fmt.Printf("more after %d\n", resp.NextAfter)
		}
	case "status":
		st, err := r.c.Delivery.GetMessageStatus(ctx, &rpc.GetMessageRequest{MessageID: args[1]})
		if err != nil {
			return err
		}
		if r.json {
			outputJSON(st)
			return nil
		}
		fmt.Printf("Message: %s\n", st.MessageID)
		fmt.Printf("Status:  %s\n", st.Status)
		for _, rec := range st.Records {
			fmt.Printf("  %-20s %-10s attempts=%d updated=%s\n", rec.RecipientID, rec.State, rec.Attempts, rec.UpdatedAt.Local().Format(time.DateTime))
		}
	default:
		return fmt.Errorf("unknown msg subcommand: %s", args[0])
	}
	return nil
}

func (r *runner) ack(args []string) error {
	if err := need(args, 2, "ack <msg> delivered|seen [source-event-id]"); err != nil {
		return err
	}
	src := "ctl:" + uuid.NewString()
	if len(args) > 2 {
		src = args[2]
	}
	ctx, cancel := callCtx()
	defer cancel()
	resp, err := r.c.Delivery.Acknowledge(ctx, &rpc.AcknowledgeRequest{MessageID: args[0], Event: args[1], SourceEventID: src})
	if err != nil {
		return err
	}
	if r.json {
		outputJSON(resp)
		return nil
	}
	fmt.Printf("%s: %s -> %s\n", resp.Outcome, resp.Previous, resp.Current)
	return nil
}

func (r *runner) watch(args []string) error {
	if err := need(args, 1, "watch inbox|rollups"); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var recv func() (any, error)
	switch args[0] {
	case "inbox":
		s, err := r.c.Delivery.WatchInbox(ctx, &rpc.WatchInboxRequest{})
		if err != nil {
			return err
		}
		recv = func() (any, error) { return s.Recv() }
	case "rollups":
		s, err := r.c.Delivery.WatchRollups(ctx, &rpc.WatchRollupsRequest{})
		if err != nil {
			return err
		}
		recv = func() (any, error) { return s.Recv() }
	default:
		return fmt.Errorf("unknown watch target: %s", args[0])
	}

	for {
		v, err := recv()
		if errors.Is(err, io.EOF) || ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		if r.json {
			outputJSON(v)
			continue
		}
		switch x := v.(type) {
		case *rpc.Message:
			fmt.Printf("[%s] %s #%d from %s: %s\n", x.ConversationID, x.ID, x.Sequence, x.SenderID, x.PayloadRef)
		case *rpc.RollupUpdate:
			fmt.Printf("%s %s -> %s\n", x.At.Local().Format(time.TimeOnly), x.MessageID, x.Status)
		}
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
