package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/pairchat/pkg/chat"
	"github.com/go-go-golems/pairchat/pkg/config"
	"github.com/go-go-golems/pairchat/pkg/conversation"
	"github.com/go-go-golems/pairchat/pkg/history"
	"github.com/go-go-golems/pairchat/pkg/logging"
	"github.com/go-go-golems/pairchat/pkg/transport"
	"github.com/go-go-golems/pairchat/pkg/viewmodel"
)

func main() {
	cobra.CheckErr(newRootCmd().Execute())
}

func newRootCmd() *cobra.Command {
	settings := config.DefaultClientSettings()
	var configFile string

	cmd := &cobra.Command{
		Use:   "pairchat [counterpart-id]",
		Short: "Chat with one other user from the terminal",
		Long: `Enters the conversation with the counterpart, prints its messages as
they arrive and sends every line read from stdin.

Commands: /switch <user-id> changes the conversation, /quit leaves.`,
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if configFile != "" {
				fromFile := config.DefaultClientSettings()
				if err := config.LoadYAML(configFile, &fromFile); err != nil {
					return err
				}
				applyChangedClientFlags(cmd, &fromFile, settings)
				settings = fromFile
			}
			return logging.Init(settings.Log)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				settings.Counterpart = args[0]
			}
			if err := settings.Validate(); err != nil {
				return err
			}
			if strings.TrimSpace(settings.Counterpart) == "" {
				return errors.New("counterpart id is required")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, settings, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&configFile, "config", "", "YAML settings file; flags given explicitly win")
	f.StringVar(&settings.ServerURL, "server", settings.ServerURL, "chat server base url")
	f.StringVar(&settings.UserID, "user", settings.UserID, "local user id")
	f.StringVar(&settings.FirstName, "first-name", settings.FirstName, "local first name")
	f.StringVar(&settings.LastName, "last-name", settings.LastName, "local last name")
	f.StringVar(&settings.SessionToken, "token", settings.SessionToken, "session token sent as the token cookie")
	f.IntVar(&settings.SendQueueSize, "send-queue", settings.SendQueueSize, "sends kept while reconnecting")
	f.DurationVar(&settings.TypingTimeout, "typing-timeout", settings.TypingTimeout, "how long a typing indicator lasts without renewal")
	f.DurationVar(&settings.ReconnectMinInterval, "reconnect-min", settings.ReconnectMinInterval, "first reconnect delay")
	f.DurationVar(&settings.ReconnectMaxInterval, "reconnect-max", settings.ReconnectMaxInterval, "longest reconnect delay")
	f.IntVar(&settings.HistoryRetryMax, "history-retries", settings.HistoryRetryMax, "retries of the history fetch")
	f.DurationVar(&settings.HistoryTimeout, "history-timeout", settings.HistoryTimeout, "deadline of one history fetch, retries included")
	f.StringVar(&settings.Log.Level, "log-level", settings.Log.Level, "log level")
	f.StringVar(&settings.Log.Format, "log-format", settings.Log.Format, "log format: auto, console or json")
	return cmd
}

func applyChangedClientFlags(cmd *cobra.Command, dst *config.ClientSettings, flagged config.ClientSettings) {
	changed := cmd.Flags().Changed
	set := map[string]func(){
		"server":          func() { dst.ServerURL = flagged.ServerURL },
		"user":            func() { dst.UserID = flagged.UserID },
		"first-name":      func() { dst.FirstName = flagged.FirstName },
		"last-name":       func() { dst.LastName = flagged.LastName },
		"token":           func() { dst.SessionToken = flagged.SessionToken },
		"send-queue":      func() { dst.SendQueueSize = flagged.SendQueueSize },
		"typing-timeout":  func() { dst.TypingTimeout = flagged.TypingTimeout },
		"reconnect-min":   func() { dst.ReconnectMinInterval = flagged.ReconnectMinInterval },
		"reconnect-max":   func() { dst.ReconnectMaxInterval = flagged.ReconnectMaxInterval },
		"history-retries": func() { dst.HistoryRetryMax = flagged.HistoryRetryMax },
		"history-timeout": func() { dst.HistoryTimeout = flagged.HistoryTimeout },
		"log-level":       func() { dst.Log.Level = flagged.Log.Level },
		"log-format":      func() { dst.Log.Format = flagged.Log.Format },
	}
	for name, apply := range set {
		if changed(name) {
			apply()
		}
	}
}

func newSession(s config.ClientSettings) (*conversation.Session, *transport.Manager, error) {
	wsURL, err := s.WebSocketURL()
	if err != nil {
		return nil, nil, err
	}
	header := http.Header{}
	header.Set("X-User-Id", s.UserID)
	mgr, err := transport.NewManager(
		&transport.WebSocketDialer{URL: wsURL, SessionToken: s.SessionToken, Header: header},
		transport.WithQueueSize(s.SendQueueSize),
		transport.WithReconnectInterval(s.ReconnectMinInterval, s.ReconnectMaxInterval),
	)
	if err != nil {
		return nil, nil, err
	}
	opts := []history.Option{
		history.WithUserID(s.UserID),
		history.WithRetries(s.HistoryRetryMax, 0, 0),
		history.WithTimeout(s.HistoryTimeout),
	}
	if s.SessionToken != "" {
		opts = append(opts, history.WithSessionToken(s.SessionToken))
	}
	fetcher, err := history.NewHTTPFetcher(s.ServerURL, opts...)
	if err != nil {
		mgr.CloseAll()
		return nil, nil, err
	}
	sess, err := conversation.NewSession(conversation.Context{
		Identity:       chat.Identity{UserID: s.UserID, FirstName: s.FirstName, LastName: s.LastName},
		Transport:      mgr,
		History:        fetcher,
		TypingTimeout:  s.TypingTimeout,
		HistoryTimeout: s.HistoryTimeout,
	})
	if err != nil {
		mgr.CloseAll()
		return nil, nil, err
	}
	return sess, mgr, nil
}

func run(ctx context.Context, s config.ClientSettings, in io.Reader, out io.Writer) error {
	sess, mgr, err := newSession(s)
	if err != nil {
		return err
	}
	defer mgr.CloseAll()
	defer sess.Leave()

	p := &printer{out: out}
	if f, ok := out.(*os.File); ok {
		p.prompt = isatty.IsTerminal(f.Fd())
	}
	if err := p.enter(ctx, sess, s.Counterpart); err != nil {
		return err
	}
	defer p.detach()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
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
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == "/quit":
				return nil
			case strings.HasPrefix(line, "/switch "):
				p.detach()
				if err := p.enter(ctx, sess, strings.TrimSpace(strings.TrimPrefix(line, "/switch "))); err != nil {
					p.printf("could not switch: %v\n", err)
				}
			default:
				if err := sess.Send(ctx, line); err != nil {
					log.Warn().Err(err).Str("component", "cli").Msg("send failed")
					p.printf("! not sent: %v\n", err)
				}
			}
		}
	}
}

// printer renders view snapshots as a running transcript.
type printer struct {
	out    io.Writer
	prompt bool

	mu          sync.Mutex
	seen        map[string]bool
	status      string
	unsubscribe func()
}

func (p *printer) enter(ctx context.Context, sess *conversation.Session, counterpart string) error {
	view, err := sess.Enter(ctx, counterpart)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.seen = map[string]bool{}
	p.status = ""
	p.mu.Unlock()
	p.printf("-- conversation with %s --\n", counterpart)
	unsubscribe := view.Subscribe(p.render)
	p.mu.Lock()
	p.unsubscribe = unsubscribe
	p.mu.Unlock()
	p.render(view.Snapshot())
	return nil
}

func (p *printer) detach() {
	p.mu.Lock()
	unsubscribe := p.unsubscribe
	p.unsubscribe = nil
	p.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (p *printer) render(s viewmodel.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if status := s.StatusLine(); status != p.status {
		p.status = status
		_, _ = fmt.Fprintf(p.out, "[%s]\n", status)
	}
	if s.Notice != nil {
		key := "notice:" + s.Notice.Error()
		if !p.seen[key] {
			p.seen[key] = true
			_, _ = fmt.Fprintf(p.out, "! %v\n", s.Notice)
		}
	}
	if s.EmptyState && len(s.Messages) == 0 && !p.seen["empty"] {
		p.seen["empty"] = true
		_, _ = fmt.Fprintln(p.out, "(no messages yet)")
	}
	for _, m := range s.Messages {
		key := m.DedupKey()
		if p.seen[key] {
			continue
		}
		p.seen[key] = true
		who := m.SenderName()
		if who == "" {
			who = m.SenderID
		}
		if s.IsOwn(m) {
			who = "you"
		}
		_, _ = fmt.Fprintf(p.out, "%s %s: %s\n", chat.FormatTime(m.CreatedAt), who, m.Text)
	}
	if p.prompt {
		_, _ = fmt.Fprint(p.out, "> ")
	}
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintf(p.out, format, args...)
}
