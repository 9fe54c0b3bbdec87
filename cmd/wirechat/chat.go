package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vovakirdan/wirechat-sync/internal/app"
	"github.com/vovakirdan/wirechat-sync/internal/chatsync"
	"github.com/vovakirdan/wirechat-sync/internal/config"
	"github.com/vovakirdan/wirechat-sync/internal/core"
)

const chatHelp = `commands:
  /older            load the previous page of history
  /read <id>        mark a message as read
  /retry <tmp-id>   resend a failed message
  /discard <tmp-id> drop a pending or failed message
  /state            reprint the conversation
  /quit             leave
anything else is sent as a message`

func newChatCommand(flags *globalFlags) *cobra.Command {
	var (
		overrides config.Config
		peer      string
		community string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Open one conversation in the terminal",
		Example: `  wirechat chat --user alice --dm bob
  wirechat chat --user alice --community general`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (peer == "") == (community == "") {
				return errors.New("exactly one of --dm or --community is required")
			}
			cfg, logger, err := loadConfig(flags, overrides)
			if err != nil {
				return err
			}

			ch := core.ResolveCommunity(community)
			if peer != "" {
				ch = core.ResolveDirect(cfg.Client.UserID, peer)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			view := newChatView(cmd.OutOrStdout(), ch.Key)
			client, err := app.NewClient(cfg, view.changed, logger)
			if err != nil {
				return err
			}
			defer client.Close()
			view.engine = client.Engine

			go view.run(ctx)
			if err := client.Engine.OpenChannel(ctx, ch.Key); err != nil {
				return fmt.Errorf("open %s: %w", ch.Key, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "joined %s as %s (/help for commands)\n", ch.Key, cfg.Client.UserID)

			return chatLoop(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), client.Engine, ch.Key, view)
		},
	}

	cmd.Flags().StringVarP(&overrides.Client.UserID, "user", "u", "", "local user id")
	cmd.Flags().StringVarP(&overrides.Client.ServerURL, "server", "s", "", "server base URL")
	cmd.Flags().StringVar(&overrides.Client.Token, "token", "", "bearer token for servers that require one")
	cmd.Flags().IntVar(&overrides.Client.PageSize, "page-size", 0, "history page size")
	cmd.Flags().StringVar(&peer, "dm", "", "open the direct channel with this user")
	cmd.Flags().StringVar(&community, "community", "", "open this community channel")
	return cmd
}

// chatLoop reads commands until EOF, /quit or cancellation.
func chatLoop(ctx context.Context, in io.Reader, out io.Writer, engine *chatsync.Engine, key core.ChannelKey, view *chatView) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}

		cmd, arg, _ := strings.Cut(line, " ")
		var err error
		switch cmd {
		case "/quit", "/exit":
			return nil
		case "/help":
			fmt.Fprintln(out, chatHelp)
		case "/state":
			view.reprint()
		case "/older":
			var added int
			added, err = engine.LoadOlder(ctx, key)
			if err == nil {
				fmt.Fprintf(out, "loaded %d older messages\n", added)
				view.reprint()
			}
		case "/read":
			var id int64
			id, err = strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
			if err == nil {
				err = engine.MarkRead(ctx, key, id)
			}
		case "/retry":
			_, err = engine.RetryMessage(ctx, key, strings.TrimSpace(arg))
		case "/discard":
			if !engine.DiscardMessage(key, strings.TrimSpace(arg)) {
				err = fmt.Errorf("no pending or failed message %q", arg)
			}
		default:
			_, err = engine.SendMessage(ctx, key, core.Draft{Content: line, Kind: core.KindText})
		}
		if err != nil {
			fmt.Fprintf(out, "! %v\n", err)
		}
	}
}

// chatView prints a channel's log incrementally as it changes.
type chatView struct {
	out    io.Writer
	key    core.ChannelKey
	engine *chatsync.Engine
	notify chan struct{}

	mu      sync.Mutex
	printed map[string]string
	state   chatsync.State
	live    bool
}

func newChatView(out io.Writer, key core.ChannelKey) *chatView {
	return &chatView{
		out:     out,
		key:     key,
		notify:  make(chan struct{}, 1),
		printed: make(map[string]string),
		live:    true,
	}
}

// changed is the engine's change hook; it never blocks.
func (v *chatView) changed(key core.ChannelKey) {
	if key != v.key {
		return
	}
	select {
	case v.notify <- struct{}{}:
	default:
	}
}

func (v *chatView) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-v.notify:
			v.render(false)
		}
	}
}

func (v *chatView) reprint() {
	v.render(true)
}

func (v *chatView) render(all bool) {
	if v.engine == nil {
		return
	}
	snap, ok := v.engine.ChannelState(v.key)
	if !ok {
		return
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if snap.State != v.state {
		v.state = snap.State
		if snap.State == chatsync.StateError {
			fmt.Fprintf(v.out, "! channel failed: %v\n", snap.Err)
		}
	}
	if snap.State == chatsync.StateReady && snap.Live != v.live {
		v.live = snap.Live
		if snap.Live {
			fmt.Fprintln(v.out, "feed restored")
		} else {
			fmt.Fprintln(v.out, "! feed lost, reconnecting")
		}
	}
	for _, m := range snap.Messages {
		line := formatMessage(m)
		id := m.ClientID
		if m.ID != 0 {
			id = strconv.FormatInt(m.ID, 10)
		}
		if !all && v.printed[id] == line {
			continue
		}
		v.printed[id] = line
		if m.ID != 0 && m.ClientID != "" {
			v.printed[m.ClientID] = line
		}
		fmt.Fprintln(v.out, line)
	}
}

func formatMessage(m core.Message) string {
	id := m.ClientID
	if m.ID != 0 {
		id = "#" + strconv.FormatInt(m.ID, 10)
	}
	var flags []string
	if m.Status != core.StatusConfirmed {
		flags = append(flags, string(m.Status))
	}
	if m.Read {
		flags = append(flags, "read")
	}
	suffix := ""
	if len(flags) > 0 {
		suffix = " (" + strings.Join(flags, ", ") + ")"
	}
	return fmt.Sprintf("[%s] %s %s: %s%s", m.SentAt.Local().Format("15:04:05"), id, m.SenderID, m.Content, suffix)
}
