package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"marketchat/internal/attachment"
	"marketchat/internal/client"
	"marketchat/internal/config"
	"marketchat/internal/logging"
	"marketchat/internal/models"
	"marketchat/internal/ws"

	"github.com/spf13/cobra"
)

const uploadTimeout = time.Minute

var errQuit = errors.New("quit")

var (
	connectPeer   string
	connectAttach string
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Open a session and chat with a peer",
	Long: `Open a session, connect to the server and chat with one peer.

Every line read from stdin is sent as a message. Lines starting with a slash
are commands:
  /read           mark the conversation as read
  /typing [off]   tell the peer you are typing, or that you stopped
  /attach <path>  upload a file and send it
  /status         show the connection status and the outbound queue
  /reconnect      connect again after the client gave up
  /quit           leave

Messages typed while offline are queued and sent once connected.

Examples:
  chat connect --to provider_7
  chat connect --to provider_7 --attach ./photo.jpg`,
	RunE: runConnect,
}

func init() {
	connectCmd.Flags().StringVar(&connectPeer, "to", "", "id of the user to chat with")
	connectCmd.Flags().StringVar(&connectAttach, "attach", "", "file to send once connected")
	_ = connectCmd.MarkFlagRequired("to")
	rootCmd.AddCommand(connectCmd)
}

type terminal struct {
	session *client.Session
	cfg     *config.Config
	convID  string
	http    *http.Client
	out     io.Writer
}

func runConnect(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(true)
	if err != nil {
		return err
	}
	logging.New(cfg.LogFormat, cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	session, err := client.New(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = session.Close() }()

	conv := session.Open(models.Participant{ID: connectPeer})
	if err := session.SetActiveConversation(conv.ID); err != nil {
		return err
	}

	t := &terminal{
		session: session,
		cfg:     cfg,
		convID:  conv.ID,
		http:    &http.Client{Timeout: uploadTimeout},
		out:     cmd.OutOrStdout(),
	}

	events, unsubscribe := session.Subscribe(0)
	defer unsubscribe()
	go t.printEvents(events)

	if err := session.Connect(ctx); err != nil {
		if errors.Is(err, ws.ErrUnauthorized) {
			return err
		}
		// The session keeps retrying in the background.
		fmt.Fprintf(t.out, "! %v\n", err)
	}

	if connectAttach != "" {
		if err := t.sendAttachment(ctx, connectAttach); err != nil {
			fmt.Fprintf(t.out, "! %v\n", err)
		}
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
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
			if err := t.handleLine(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				fmt.Fprintf(t.out, "! %v\n", err)
			}
		}
	}
}

func (t *terminal) handleLine(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		_, err := t.session.SendMessage(t.convID, line, models.MessageTypeText)
		return err
	}

	command, arg, _ := strings.Cut(line, " ")
	switch command {
	case "/quit":
		return errQuit
	case "/read":
		return t.session.MarkConversationAsRead(t.convID)
	case "/typing":
		switch strings.TrimSpace(arg) {
		case "", "on":
			t.session.SendTypingIndicator(t.convID, true)
		case "off":
			t.session.SendTypingIndicator(t.convID, false)
		default:
			return errors.New("usage: /typing [on|off]")
		}
		return nil
	case "/attach":
		if arg == "" {
			return errors.New("usage: /attach <path>")
		}
		return t.sendAttachment(ctx, strings.TrimSpace(arg))
	case "/status":
		fmt.Fprintf(t.out, "* %s, %d queued\n", t.session.ConnectionStatus(), t.session.QueueLength())
		if err := t.session.Error(); err != nil {
			fmt.Fprintf(t.out, "* last error: %v\n", err)
		}
		return nil
	case "/reconnect":
		return t.session.Reconnect(ctx)
	default:
		return fmt.Errorf("unknown command %s", command)
	}
}

func (t *terminal) sendAttachment(ctx context.Context, path string) error {
	endpoint, err := attachment.UploadURL(t.cfg.ServerURL, t.cfg.Token)
	if err != nil {
		return err
	}
	att, err := attachment.Upload(ctx, t.http, endpoint, path)
	if err != nil {
		return err
	}
	_, err = t.session.SendMessage(t.convID, "", "", att)
	return err
}

func (t *terminal) printEvents(events <-chan models.Event) {
	for ev := range events {
		if line := t.describe(ev); line != "" {
			fmt.Fprintln(t.out, line)
		}
	}
}

// describe renders an event as a terminal line. Events not worth showing
// give an empty string.
func (t *terminal) describe(ev models.Event) string {
	switch ev.Kind {
	case models.EventMessage:
		msg, err := t.session.Message(ev.MessageID)
		if err != nil {
			return ""
		}
		return formatMessage(msg, t.session.UserID())
	case models.EventTyping:
		if users := t.session.TypingUsers(ev.ConversationID); len(users) > 0 {
			return fmt.Sprintf("… %s typing", strings.Join(users, ", "))
		}
	case models.EventPresence:
		if p, ok := t.session.Presence(ev.UserID); ok {
			return formatPresence(p)
		}
	case models.EventStatus:
		return fmt.Sprintf("* %s", ev.Status)
	case models.EventError:
		if ev.Err != nil {
			return fmt.Sprintf("! %v", ev.Err)
		}
	}
	return ""
}

func formatMessage(msg models.Message, me string) string {
	body := msg.Content
	for _, att := range msg.Attachments {
		if body != "" {
			body += " "
		}
		body += fmt.Sprintf("[%s %s]", att.Type, att.URL)
	}

	stamp := msg.CreatedAt.Local().Format("15:04")
	if msg.SenderID != me {
		return fmt.Sprintf("[%s] %s: %s", stamp, msg.SenderID, body)
	}

	state := "sent"
	switch {
	case msg.Pending():
		state = "queued"
	case msg.ReadAt != nil:
		state = "read"
	}
	return fmt.Sprintf("[%s] me: %s (%s)", stamp, body, state)
}

func formatPresence(p models.Presence) string {
	if p.Online {
		return fmt.Sprintf("* %s is online", p.UserID)
	}
	if p.LastSeen != nil {
		return fmt.Sprintf("* %s went offline, last seen %s", p.UserID, p.LastSeen.Local().Format("15:04"))
	}
	return fmt.Sprintf("* %s is offline", p.UserID)
}
