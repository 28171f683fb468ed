// cmd/kiekkysync/root.go

package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/imadgeboyega/kiekky-sync/internal/config"
	"github.com/imadgeboyega/kiekky-sync/internal/messaging"
	"github.com/imadgeboyega/kiekky-sync/internal/notifications"
	"github.com/imadgeboyega/kiekky-sync/internal/realtime"
)

var (
	apiURL   string
	userID   string
	token    string
	logLevel string
	devToken bool
)

var rootCmd = &cobra.Command{
	Use:          "kiekkysync",
	Short:        "Runs a chat and notification sync session",
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&apiURL, "api", "", "Backend base URL (overrides API_BASE_URL)")
	flags.StringVarP(&userID, "user", "u", "", "User id of the session (overrides USER_ID)")
	flags.StringVarP(&token, "token", "t", "", "Access token (overrides AUTH_TOKEN)")
	flags.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	flags.BoolVar(&devToken, "dev-token", false, "Ask a development backend to issue a token")

	rootCmd.AddCommand(conversationsCmd, notificationsCmd, sendCmd, watchCmd)
}

// loadConfig applies command line overrides on top of the environment
func loadConfig() *config.Config {
	cfg := config.Load()
	if apiURL != "" {
		if cfg.SocketURL == cfg.APIBaseURL {
			cfg.SocketURL = apiURL
		}
		cfg.APIBaseURL = apiURL
	}
	if userID != "" {
		cfg.UserID = userID
	}
	if token != "" {
		cfg.AuthToken = token
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg
}

// runSession starts a session, runs fn and tears everything down
func runSession(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(loadConfig())
	if err != nil {
		return err
	}
	defer a.close()

	ctx, err = a.start(ctx, devToken)
	if err != nil {
		return err
	}
	if err := fn(ctx, a); err != nil {
		return err
	}
	return a.authErr()
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations, most recent first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSession(cmd, func(ctx context.Context, a *app) error {
			printConversations(cmd.OutOrStdout(), a.session.Chat().Index().List(), a.session.UserID())
			return nil
		})
	},
}

var (
	category    string
	markAllRead bool
	markRead    string
)

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "Show the notification feed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := notifications.ParseCategory(category)
		if err != nil {
			return err
		}
		return runSession(cmd, func(ctx context.Context, a *app) error {
			feed := a.session.Feed()
			switch {
			case markAllRead:
				n := feed.MarkAllRead()
				fmt.Fprintf(cmd.OutOrStdout(), "marked %d read\n", n)
			case markRead != "":
				if !feed.MarkOneRead(markRead) {
					return pkgerrors.Errorf("notification %s not found", markRead)
				}
			}
			printNotifications(cmd.OutOrStdout(), feed.View(c), feed.UnreadCount())
			return nil
		})
	},
}

func init() {
	flags := notificationsCmd.Flags()
	flags.StringVarP(&category, "category", "c", "all", "all, likes, comments or follows")
	flags.BoolVar(&markAllRead, "mark-all-read", false, "Mark every notification read")
	flags.StringVar(&markRead, "read", "", "Mark one notification read by id")
}

var sendTimeout time.Duration

var sendCmd = &cobra.Command{
	Use:   "send <receiver-id> <text>",
	Short: "Send a direct message and wait for the server echo",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		receiver, content := args[0], args[1]
		return runSession(cmd, func(ctx context.Context, a *app) error {
			echoed := make(chan *messaging.Message, 1)
			sub := a.channel.Subscribe(realtime.Listener{
				OnMessage: func(msg *messaging.Message) {
					if msg.AuthorID() == a.session.UserID() && msg.Counterpart(a.session.UserID()) == receiver {
						select {
						case echoed <- msg:
						default:
						}
					}
				},
			})
			defer sub.Unsubscribe()

			if err := a.session.OpenWithUser(ctx, receiver); err != nil {
				return err
			}
			if err := a.session.Chat().Send(ctx, receiver, content, nil); err != nil {
				return err
			}

			timer := time.NewTimer(sendTimeout)
			defer timer.Stop()
			select {
			case msg := <-echoed:
				fmt.Fprintf(cmd.OutOrStdout(), "sent %s in %s\n", msg.ID, msg.ConversationID)
				return nil
			case <-ctx.Done():
				return nil
			case <-timer.C:
				return pkgerrors.New("no echo from the server; the message may not have been delivered")
			}
		})
	},
}

func init() {
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 10*time.Second, "How long to wait for the echo")
}

var (
	watchOpen string
	watchWith string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live messages and notifications until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		return runSession(cmd, func(ctx context.Context, a *app) error {
			self := a.session.UserID()
			sub := a.channel.Subscribe(realtime.Listener{
				OnConnect:    func() { fmt.Fprintln(out, "* connected") },
				OnDisconnect: func(reason string) { fmt.Fprintf(out, "* disconnected: %s\n", reason) },
				OnMessage: func(msg *messaging.Message) {
					fmt.Fprintf(out, "[%s] %s: %s\n", msg.ConversationID, senderName(msg), msg.Content)
				},
				OnMessageSeen: func(id string) { fmt.Fprintf(out, "* seen %s\n", id) },
				OnNotification: func(n *notifications.Notification) {
					fmt.Fprintf(out, "! %s\n", describe(n))
				},
				OnChatCreated: func(conv *messaging.Conversation) {
					fmt.Fprintf(out, "* new conversation %s (%s)\n", conv.ID, conv.DisplayName(self))
				},
			})
			defer sub.Unsubscribe()

			switch {
			case watchOpen != "":
				if err := a.session.Open(ctx, watchOpen); err != nil {
					return err
				}
			case watchWith != "":
				if err := a.session.OpenWithUser(ctx, watchWith); err != nil {
					return err
				}
			}
			if store := a.session.Chat().Store(); store.Len() > 0 {
				for _, msg := range store.Messages() {
					fmt.Fprintf(out, "  %s: %s\n", senderName(msg), msg.Content)
				}
			}

			<-ctx.Done()
			return nil
		})
	},
}

func init() {
	flags := watchCmd.Flags()
	flags.StringVar(&watchOpen, "open", "", "Conversation id to open")
	flags.StringVar(&watchWith, "with", "", "User id whose direct conversation to open")
}

func printConversations(w io.Writer, list []*messaging.Conversation, self string) {
	if len(list) == 0 {
		fmt.Fprintln(w, "no conversations")
		return
	}
	for _, c := range list {
		marker := " "
		if c.Unread {
			marker = "*"
		}
		preview := ""
		if c.LastMessage != nil {
			preview = c.LastMessage.Content
		}
		fmt.Fprintf(w, "%s %-24s %-20s %s\n", marker, c.ID, c.DisplayName(self), preview)
	}
}

func printNotifications(w io.Writer, list []*notifications.Notification, unread int) {
	fmt.Fprintf(w, "%d unread\n", unread)
	for _, n := range list {
		marker := " "
		if !n.IsRead {
			marker = "*"
		}
		fmt.Fprintf(w, "%s %s %s\n", marker, n.CreatedAt.Local().Format(time.Stamp), describe(n))
	}
}

func describe(n *notifications.Notification) string {
	who := "someone"
	if n.HasSender() {
		who = n.Sender.Username
		if n.Sender.DisplayName != "" {
			who = n.Sender.DisplayName
		}
	}
	if n.Message != "" {
		return fmt.Sprintf("%s: %s", who, n.Message)
	}
	return fmt.Sprintf("%s (%s)", who, n.Type)
}

func senderName(msg *messaging.Message) string {
	if msg.Sender != nil {
		return msg.Sender.Name()
	}
	return msg.AuthorID()
}
