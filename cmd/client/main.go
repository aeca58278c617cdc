package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/Tyrowin/chatrelay/internal/client"
	"github.com/Tyrowin/chatrelay/internal/protocol"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
)

const usage = `commands:
  @<address> <text>      direct message
  #<groupId> <text>      group message
  /typing <target> on|off   target is an address or #<groupId>
  /read <messageId> <author>
  /quit`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := client.LoadConfig()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	url := flag.String("url", cfg.URL, "relay websocket url")
	origin := flag.String("origin", cfg.Origin, "Origin header sent to the relay")
	address := flag.String("address", "", "address to claim")
	name := flag.String("name", "", "display name")
	group := flag.String("group", "", "only show traffic of this group")
	level := flag.String("level", "WARN", "log level")
	flag.Parse()

	if strings.TrimSpace(*address) == "" {
		return errors.New("-address is required")
	}
	cfg.URL = *url
	cfg.Origin = *origin

	log := logs.GetLoggerFromString(*level)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := &console{w: os.Stdout}
	manager := client.NewManager(cfg, client.NewWebsocketDialer(cfg.Origin), log)
	defer manager.Disconnect()

	subscribe(manager, out, *group)

	manager.Initialize()
	manager.ConnectUser(*address, *name)
	out.printf("%s\n", usage)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(manager, out, protocol.NormalizeAddress(*address), line); quit {
				return nil
			}
		}
	}
}

func subscribe(manager *client.Manager, out *console, group string) {
	manager.Subscribe(protocol.EventUsersStatus, func(payload json.RawMessage) {
		if client.IsConnectionNotice(payload) {
			out.printf("* connected\n")
			return
		}
		var statuses []protocol.UserStatus
		if json.Unmarshal(payload, &statuses) != nil {
			return
		}
		var online []string
		for _, s := range statuses {
			if s.IsOnline {
				online = append(online, fmt.Sprintf("%s (%s)", s.UserName, s.Address))
			}
		}
		out.printf("* online: %s\n", strings.Join(online, ", "))
	})

	manager.Subscribe(protocol.EventNewMessage, func(payload json.RawMessage) {
		var msg protocol.ChatMessage
		if client.IsConnectionNotice(payload) || json.Unmarshal(payload, &msg) != nil {
			return
		}
		if msg.Delivered {
			out.printf("-> %s: %s\n", msg.To, msg.Msg)
			return
		}
		out.printf("%s: %s\n", displayName(msg.Author(), msg.AuthorName()), msg.Msg)
	})

	manager.Subscribe(protocol.EventReadReceipt, func(payload json.RawMessage) {
		var receipt protocol.ReadReceipt
		if client.IsConnectionNotice(payload) || json.Unmarshal(payload, &receipt) != nil {
			return
		}
		out.printf("* %s read message %s\n", receipt.Reader, receipt.MessageID)
	})

	printGroup := func(msg protocol.GroupMessage) {
		if msg.GroupID == "" {
			return
		}
		out.printf("[#%s] %s: %s\n", msg.GroupID, displayName(msg.Sender, msg.SenderName), msg.Msg)
	}
	if group == "" {
		manager.Subscribe(protocol.EventNewGroupMessage, func(payload json.RawMessage) {
			var msg protocol.GroupMessage
			if json.Unmarshal(payload, &msg) == nil {
				printGroup(msg)
			}
		})
		return
	}

	tracker := client.NewTypingTracker(client.TypingTimeout)
	client.GroupView{GroupID: protocol.ID(group)}.Attach(manager, printGroup, func(typing protocol.UserTyping) {
		tracker.Observe(typing, time.Now())
		if who := tracker.Typing(time.Now()); len(who) > 0 {
			out.printf("* typing in #%s: %s\n", group, strings.Join(who, ", "))
		}
	})
}

func handleLine(manager *client.Manager, out *console, self, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	target, text, _ := strings.Cut(line, " ")
	var sent bool
	switch {
	case target == "/quit":
		return true
	case target == "/typing":
		to, state, _ := strings.Cut(text, " ")
		if id, ok := strings.CutPrefix(to, "#"); ok {
			to = protocol.GroupTarget(protocol.ID(id))
		}
		sent = manager.SendTypingIndicator(self, to, state != "off")
	case target == "/read":
		messageID, author, _ := strings.Cut(text, " ")
		sent = manager.SendReadReceipt(protocol.ID(messageID), self, author)
	case strings.HasPrefix(target, "@"):
		sent = manager.SendDirectMessage(self, strings.TrimPrefix(target, "@"), text)
	case strings.HasPrefix(target, "#"):
		sent = manager.SendGroupMessage(self, protocol.ID(strings.TrimPrefix(target, "#")), text)
	default:
		out.printf("%s\n", usage)
		return false
	}

	if !sent {
		out.printf("* not connected (%s)\n", manager.Status())
	}
	return false
}

func displayName(address, name string) string {
	if name == "" {
		return address
	}
	return name
}

// console serializes output from the connection loop and the input loop.
type console struct {
	mu sync.Mutex
	w  io.Writer
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.w, format, args...)
}
