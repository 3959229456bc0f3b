package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prismer-io/chatsync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/raulk/clock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// tail
	tailMembers     []string
	tailMetricsAddr string

	// history
	historyPages int

	// send
	sendMembers []string
	sendReplyTo string
)

func init() {
	tailCmd.Flags().StringSliceVar(&tailMembers, "members", nil, "conversation members (default: fetched from the server)")
	tailCmd.Flags().StringVar(&tailMetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")

	historyCmd.Flags().IntVar(&historyPages, "pages", 1, "number of pages to load, newest first")

	sendCmd.Flags().StringSliceVar(&sendMembers, "members", nil, "conversation members (default: fetched from the server)")
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "id of the message being replied to")

	rootCmd.AddCommand(tailCmd, historyCmd, sendCmd)
}

// ============================================================================
// Session wiring
// ============================================================================

type session struct {
	cfg    *chatsync.Config
	log    *zap.Logger
	client *chatsync.Client
	conn   *chatsync.ConnectionManager
	engine *chatsync.Engine
	done   chan error
}

// startSession connects and starts an engine. The engine stops when ctx is
// cancelled; close tears down the connection.
func startSession(ctx context.Context, metrics *chatsync.Metrics) (*session, error) {
	cfg, err := engineConfig()
	if err != nil {
		return nil, err
	}
	log, err := newLogger()
	if err != nil {
		return nil, err
	}

	s := &session{
		cfg:    cfg,
		log:    log,
		client: chatsync.NewClient(cfg.Token, chatsync.WithBaseURL(cfg.BaseURL)),
		conn:   chatsync.NewConnectionManager(cfg.BaseURL, *cfg, chatsync.WithConnLogger(log), chatsync.WithConnMetrics(metrics)),
		done:   make(chan error, 1),
	}
	s.engine = chatsync.New(s.conn, s.client, *cfg, chatsync.WithLogger(log), chatsync.WithMetrics(metrics))

	if err := s.conn.Connect(ctx); err != nil {
		// The engine queues sends until the connection comes up.
		log.Warn("initial_connect_failed", zap.Error(err))
	}
	go func() { s.done <- s.engine.Run(ctx) }()
	return s, nil
}

func (s *session) close() {
	s.conn.Close()
	s.log.Sync()
}

// conversation resolves the members of id, preferring explicit flags.
func (s *session) conversation(ctx context.Context, id string, members []string) chatsync.Conversation {
	if len(members) > 0 {
		return chatsync.Conversation{ID: id, Members: members}
	}
	conv, err := s.client.Conversation(ctx, id)
	if err != nil {
		s.log.Warn("conversation_lookup_failed", zap.String("conversation_id", id), zap.Error(err))
		return chatsync.Conversation{ID: id, Members: []string{s.cfg.LocalUserID}}
	}
	conv.ID = id
	return *conv
}

// ============================================================================
// Output
// ============================================================================

func printMessage(m chatsync.Message) {
	if flagJSON {
		data, _ := json.Marshal(m)
		fmt.Println(string(data))
		return
	}
	var tags []string
	switch {
	case m.Deleted():
		tags = append(tags, "deleted")
	case m.Status == chatsync.StatusFailed:
		tags = append(tags, "failed")
	case m.Optimistic:
		tags = append(tags, "sending")
	}
	if m.EditedAt != nil && !m.Deleted() {
		tags = append(tags, "edited")
	}
	content := m.Content
	if m.Deleted() {
		content = ""
	}
	line := fmt.Sprintf("%-14s %-12s %s", humanize.Time(m.CreatedAt), m.SenderID+":", content)
	if m.ReplyTo != "" {
		line += fmt.Sprintf(" (reply to %s)", m.ReplyTo)
	}
	if len(m.Reactions) > 0 {
		counts := map[string]int{}
		var order []string
		for _, r := range m.Reactions {
			if counts[r.Emoji] == 0 {
				order = append(order, r.Emoji)
			}
			counts[r.Emoji]++
		}
		for _, e := range order {
			line += fmt.Sprintf(" %s%d", e, counts[e])
		}
	}
	if len(tags) > 0 {
		line += " [" + strings.Join(tags, ", ") + "]"
	}
	fmt.Println(line)
}

// ============================================================================
// tail
// ============================================================================

var tailCmd = &cobra.Command{
	Use:   "tail <conversation-id>",
	Short: "Follow a conversation live",
	Long:  "Open a conversation, print its most recent page, then print new and changed messages until interrupted.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		var metrics *chatsync.Metrics
		if tailMetricsAddr != "" {
			reg := prometheus.NewRegistry()
			metrics = chatsync.NewMetrics(reg)
			srv := &http.Server{Addr: tailMetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
				}
			}()
			defer srv.Close()
		}

		s, err := startSession(ctx, metrics)
		if err != nil {
			return err
		}
		defer s.close()

		// Notifications arrive on the engine goroutine; queries must not run
		// there, so changes are handed to this goroutine.
		changed := make(chan struct{}, 1)
		s.engine.Subscribe(func(n chatsync.Notification) {
			switch n := n.(type) {
			case chatsync.TimelineChanged:
				select {
				case changed <- struct{}{}:
				default:
				}
			case chatsync.TypingChanged:
				if len(n.Users) > 0 {
					fmt.Fprintf(os.Stderr, "… %s typing\n", strings.Join(n.Users, ", "))
				}
			case chatsync.ConnectionChanged:
				if n.Failed {
					fmt.Fprintf(os.Stderr, "connection failed after %d attempts\n", n.Attempt)
				}
			case chatsync.AlertReceived:
				fmt.Fprintf(os.Stderr, "[%s] %s\n", valueOrDefault(n.Level, "alert"), n.Message)
			case chatsync.UnreadChanged:
				fmt.Fprintf(os.Stderr, "%s: %s unread\n", n.ConversationID, humanize.Comma(int64(n.Count)))
			case chatsync.SendFailed:
				fmt.Fprintf(os.Stderr, "send %s failed: %s\n", n.TempID, n.Reason)
			}
		})

		conv := s.conversation(ctx, args[0], tailMembers)
		if _, err := s.engine.Open(ctx, conv); err != nil {
			return fmt.Errorf("open %s: %w", conv.ID, err)
		}

		seen := map[string]string{}
		show := func() error {
			msgs, err := s.engine.Timeline(ctx)
			if err != nil {
				return err
			}
			for _, m := range msgs {
				fp := fingerprint(m)
				if seen[m.Key()] == fp {
					continue
				}
				seen[m.Key()] = fp
				printMessage(m)
			}
			return nil
		}
		if err := show(); err != nil {
			return err
		}

		for {
			select {
			case <-ctx.Done():
				return nil
			case err := <-s.done:
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			case <-changed:
				if err := show(); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
			}
		}
	},
}

// fingerprint changes whenever a line for m would print differently.
func fingerprint(m chatsync.Message) string {
	return fmt.Sprintf("%s|%s|%t|%v|%v|%d", m.Status, m.Content, m.Optimistic, m.EditedAt, m.DeletedAt, len(m.Reactions))
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print message history",
	Long:  "Load one or more history pages, newest first, and print them merged in chronological order.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := engineConfig()
		if err != nil {
			return err
		}
		log, err := newLogger()
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		client := chatsync.NewClient(cfg.Token, chatsync.WithBaseURL(cfg.BaseURL))
		store := chatsync.NewMessageStore(*cfg, clock.New(), nil)
		cursor := chatsync.NewPaginationCursor(client, store, log, nil)
		cursor.Reset(args[0])

		for i := 0; i < historyPages; i++ {
			_, err := cursor.LoadNextPage(ctx, args[0])
			if errors.Is(err, chatsync.ErrNoMorePages) {
				break
			}
			if err != nil {
				return fmt.Errorf("load page %d: %w", cursor.State().Page, err)
			}
		}

		for _, m := range store.Snapshot() {
			printMessage(m)
		}
		st := cursor.State()
		if !flagJSON {
			more := "no older messages"
			if st.HasMore {
				more = fmt.Sprintf("older pages available (%d of %d loaded)", st.Page-1, st.TotalPages)
			}
			fmt.Fprintf(os.Stderr, "%s messages, %s\n", humanize.Comma(int64(store.Len())), more)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <content>",
	Short: "Send a message and wait for confirmation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		s, err := startSession(ctx, nil)
		if err != nil {
			return err
		}
		defer s.close()

		changed := make(chan struct{}, 1)
		failed := make(chan chatsync.SendFailed, 1)
		s.engine.Subscribe(func(n chatsync.Notification) {
			switch n := n.(type) {
			case chatsync.TimelineChanged:
				select {
				case changed <- struct{}{}:
				default:
				}
			case chatsync.SendFailed:
				select {
				case failed <- n:
				default:
				}
			}
		})

		conv := s.conversation(ctx, args[0], sendMembers)
		if _, err := s.engine.Open(ctx, conv); err != nil {
			return fmt.Errorf("open %s: %w", conv.ID, err)
		}
		tempID, err := s.engine.Send(ctx, args[1], chatsync.SendOptions{ReplyTo: sendReplyTo})
		if err != nil {
			return err
		}

		timeout := time.NewTimer(s.cfg.PendingTimeout + time.Second)
		defer timeout.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timeout.C:
				return fmt.Errorf("message %s not confirmed", tempID)
			case f := <-failed:
				if f.TempID == tempID {
					return fmt.Errorf("message %s failed: %s", tempID, f.Reason)
				}
			case <-changed:
				msgs, err := s.engine.Timeline(ctx)
				if err != nil {
					return err
				}
				for _, m := range msgs {
					if m.TempID == tempID && !m.Optimistic {
						printMessage(m)
						return nil
					}
				}
			}
		}
	},
}
