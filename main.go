package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"parley/internal/chat"
	"parley/internal/config"
	"parley/internal/gateway"
	"parley/internal/models"
	"parley/internal/storage"

	"golang.org/x/sync/errgroup"
)

// socket adapts the gateway session to the orchestrator's Socket interface.
type socket struct {
	s *gateway.Session
}

func (s socket) Connected() bool { return s.s.Connected() }

func (s socket) Publish(destination string, v any) error {
	return s.s.Publish(destination, v)
}

func (s socket) Subscribe(topic string, h func(models.PushEvent)) (chat.Subscription, error) {
	return s.s.Subscribe(topic, gateway.Handler(h))
}

func run(ctx context.Context) error {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	cache, err := storage.NewCache(cfg.CacheFile)
	if err != nil {
		return err
	}
	defer func() { _ = cache.Close() }()

	client := gateway.NewClient(ctx, gateway.ClientOptions{
		BaseURL: cfg.GatewayURL,
		Token:   cfg.AccessToken,
		UserID:  cfg.UserID,
		Logger:  log,
	})
	if !client.TokenValid() {
		return fmt.Errorf("access token is missing or expired, set PARLEY_TOKEN")
	}

	store := chat.NewStore(client, cfg.PageSize, log)
	dir := chat.NewDirectory(client, cfg.UserID, log)

	// OnReconnect fires before the orchestrator exists; bind late.
	var orch *chat.Orchestrator
	session := gateway.NewSession(gateway.SessionOptions{
		Dial:       gateway.NewDialer(cfg.WSURL, cfg.AccessToken),
		Token:      cfg.AccessToken,
		Logger:     log,
		BackoffMin: cfg.ReconnectMin,
		BackoffMax: cfg.ReconnectMax,
		CleanEvent: client.CleanEvent,
		OnReconnect: func() {
			if orch != nil {
				orch.Resync(context.Background())
			}
		},
	})
	sock := socket{s: session}

	typing := chat.NewTypingTracker(ctx, cfg.TypingTTL, cfg.TypingInterval, func(convID string) {
		if err := sock.Publish(gateway.TypingDestination(convID), map[string]string{"userId": cfg.UserID}); err != nil {
			log.Debug("typing publish dropped", "error", err)
		}
	})

	orch = chat.NewOrchestrator(chat.OrchestratorOptions{
		API:         client,
		Socket:      sock,
		Store:       store,
		Directory:   dir,
		Typing:      typing,
		Outbox:      cache,
		SelfID:      cfg.UserID,
		JumpContext: cfg.JumpContext,
		Logger:      log,
	})

	// Cached state makes the directory usable before the first refresh.
	if convs, err := cache.LoadDirectory(); err == nil {
		dir.Hydrate(convs)
	}
	if err := dir.RefreshAll(ctx); err != nil {
		log.Warn("initial directory refresh failed, serving cached snapshot", "error", err)
	}

	if _, err := session.Subscribe(gateway.UserUpdatesTopic(cfg.UserID), orch.HandlePush); err != nil {
		return fmt.Errorf("user updates subscription: %w", err)
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return session.Run(gCtx)
	})

	g.Go(func() error {
		err := console(gCtx, orch, dir, store, cfg.UserID)
		if err == nil || errors.Is(err, context.Canceled) {
			return context.Canceled // stops the session goroutine
		}
		return err
	})

	g.Go(func() error {
		<-gCtx.Done()
		persist(dir, store, cache, orch.Active(), log)
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func persist(dir *chat.Directory, store *chat.Store, cache *storage.Cache, active string, log *slog.Logger) {
	if err := cache.SaveDirectory(dir.Snapshot()); err != nil {
		log.Warn("directory persist failed", "error", err)
	}
	if active != "" {
		if err := cache.SaveTail(active, store.Messages(active)); err != nil {
			log.Warn("tail persist failed", "conversation_id", active, "error", err)
		}
	}
}

// console is a line-oriented front end over the orchestrator, mainly for
// poking at a gateway during development.
func console(ctx context.Context, orch *chat.Orchestrator, dir *chat.Directory, store *chat.Store, selfID string) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Println("parley console, type 'help' for commands")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := dispatch(ctx, orch, dir, store, selfID, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				fmt.Printf("error: %v\n", err)
			}
		}
	}
}

var errQuit = errors.New("quit")

func dispatch(ctx context.Context, orch *chat.Orchestrator, dir *chat.Directory, store *chat.Store, selfID, line string) error {
	cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch cmd {
	case "", "#":
		return nil

	case "help":
		fmt.Print(`ls                      list conversations
open <convID>           open a conversation
send <text>             send a message
reply <msgID> <text>    reply to a message
older                   load older history
jump <msgID>            jump to a message
up / down               extend a jumped window
back                    return to the live tail
react <msgID> <emoji>   toggle a reaction
recall <msgID>          recall an own message
del <msgID>             hide a message for me
pin <msgID>             pin or unpin a message
pins                    list pinned messages
search <keyword>        search the conversation
show                    print the current window
typing                  who is typing
quit                    exit
`)
		return nil

	case "ls":
		for _, c := range dir.List() {
			marker := " "
			if c.IsPinned {
				marker = "*"
			}
			fmt.Printf("%s %-24s %-20s unread=%d\n", marker, c.ID, c.DisplayName(selfID), c.UnreadCount)
		}
		return nil

	case "open":
		return orch.Open(ctx, rest)

	case "send":
		_, err := orch.Send(ctx, rest)
		return err

	case "reply":
		msgID, text, _ := strings.Cut(rest, " ")
		_, err := orch.Reply(ctx, text, msgID)
		return err

	case "older":
		return orch.LoadOlder(ctx)

	case "jump":
		return orch.JumpToMessage(ctx, rest)

	case "up":
		return orch.ExtendBefore(ctx)

	case "down":
		return orch.ExtendAfter(ctx)

	case "back":
		return orch.ReturnToLatest(ctx)

	case "react":
		msgID, emoji, _ := strings.Cut(rest, " ")
		return orch.ToggleReaction(ctx, msgID, emoji)

	case "recall":
		return orch.Recall(ctx, rest)

	case "del":
		return orch.DeleteForMe(ctx, rest)

	case "pin":
		return orch.TogglePinMessage(ctx, rest)

	case "pins":
		for _, m := range orch.PinnedList(orch.Active()) {
			fmt.Printf("%s  %s: %s\n", m.ID, m.SenderID, m.Content)
		}
		return nil

	case "search":
		res, err := orch.Search(ctx, rest, 0, 20)
		if err != nil {
			return err
		}
		for _, m := range res.Messages {
			fmt.Printf("%s  %s: %s\n", m.ID, m.SenderID, m.Content)
		}
		fmt.Printf("%d results, more=%v\n", res.Total, res.HasMore)
		return nil

	case "show":
		return printWindow(orch, store, selfID)

	case "typing":
		fmt.Println(strings.Join(orch.TypingUsers(), ", "))
		return nil

	case "quit", "exit":
		return errQuit

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func printWindow(orch *chat.Orchestrator, store *chat.Store, selfID string) error {
	convID := orch.Active()
	if convID == "" {
		return models.ErrNotFound
	}
	st := store.State(convID)
	if st.JumpMode {
		fmt.Println("-- historical window --")
	}
	for _, m := range store.Visible(convID, selfID) {
		status := ""
		switch m.Status {
		case models.StatusPending:
			status = " (sending)"
		case models.StatusFailed:
			status = " (failed)"
		}
		fmt.Printf("%s  %s: %s%s\n", m.Key(), m.SenderID, m.Content, status)
	}
	return nil
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}
