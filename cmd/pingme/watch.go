package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	pingme "github.com/pingme-chat/pingme-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var watchMetricsAddr string

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Follow a conversation live",
	Long: `Open a conversation, print new messages as they arrive and send each line
typed on stdin. Commands:
  /open <id>     switch conversation
  /delete <id>   delete a message
  /reload        refetch recent history
  /chats         list direct conversations
  /new <user-id> start a conversation with a user
  /quit          exit`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg, err := getClient()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		metrics := pingme.NewMetrics(reg)
		if watchMetricsAddr != "" {
			srv := &http.Server{Addr: watchMetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Warn().Err(err).Msg("Metrics server stopped")
				}
			}()
			defer srv.Close()
		}

		session := pingme.NewSession(cfg.Auth.Token, cfg.Auth.UserID)
		summaries := pingme.NewSummaryCache(client, &pingme.SummariesOptions{
			Logger:         &logger,
			OnAuthRequired: session.Logout,
		})
		conv := pingme.NewConversationSync(session, client, newRealtime(cfg, true),
			pingme.WithSummaries(summaries),
			pingme.WithSyncLogger(logger),
			pingme.WithMetrics(metrics),
		)
		defer conv.Close()

		w := &watcher{conv: conv, summaries: summaries, self: cfg.Auth.UserID, shown: make(map[string]bool)}
		w.bind(stop)

		if err := conv.Open(ctx, args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "history unavailable: %v\n", err)
		}
		w.printAll()

		lines := make(chan string)
		go func() {
			sc := bufio.NewScanner(os.Stdin)
			for sc.Scan() {
				lines <- sc.Text()
			}
			close(lines)
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if quit := w.handleLine(ctx, line); quit {
					return nil
				}
			}
		}
	},
}

type watcher struct {
	conv      *pingme.ConversationSync
	summaries *pingme.SummaryCache
	self      string

	mu    sync.Mutex
	shown map[string]bool
}

// show prints m unless it was printed before.
func (w *watcher) show(m pingme.Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.shown[m.ID] {
		w.shown[m.ID] = true
		printMessage(m, w.self)
	}
}

func (w *watcher) forget(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if id == "" {
		w.shown = make(map[string]bool)
		return
	}
	delete(w.shown, id)
}

func (w *watcher) bind(stop context.CancelFunc) {
	w.conv.On(pingme.EventMessagesChanged, func(_ string, p any) {
		for _, m := range p.(*pingme.MessagesChangedPayload).Messages {
			w.show(m)
		}
	})
	w.conv.On(pingme.EventStateChanged, func(_ string, p any) {
		sc := p.(*pingme.StateChangedPayload)
		logger.Debug().Str("conversation_id", sc.ConversationID).
			Stringer("from", sc.From).Stringer("to", sc.To).Msg("State changed")
	})
	for _, ev := range []string{pingme.EventSendFailed, pingme.EventDeleteFailed, pingme.EventLoadFailed} {
		w.conv.On(ev, func(event string, p any) {
			fmt.Fprintf(os.Stderr, "%s: %v\n", event, p.(*pingme.FailurePayload).Err)
		})
	}
	w.conv.On(pingme.EventAuthRequired, func(string, any) {
		fmt.Fprintln(os.Stderr, "Session expired. Run 'pingme login' again.")
		stop()
	})
	w.summaries.OnRefresh(func(items []pingme.ConversationSummary) {
		logger.Debug().Int("conversations", len(items)).Msg("Conversation list refreshed")
	})
}

func (w *watcher) printAll() {
	for _, m := range w.conv.Messages() {
		w.show(m)
	}
}

func (w *watcher) handleLine(ctx context.Context, line string) (quit bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit":
		return true
	case "/open":
		w.forget("")
		if err := w.conv.Open(reqCtx, strings.TrimSpace(arg)); err != nil && !errors.Is(err, pingme.ErrSuperseded) {
			fmt.Fprintf(os.Stderr, "history unavailable: %v\n", err)
		}
		w.printAll()
	case "/delete":
		id := strings.TrimSpace(arg)
		if err := w.conv.DeleteMessage(reqCtx, id); err != nil {
			fmt.Fprintf(os.Stderr, "delete: %v\n", err)
		} else {
			w.forget(id)
		}
	case "/reload":
		if err := w.conv.Reload(reqCtx); err != nil {
			fmt.Fprintf(os.Stderr, "reload: %v\n", err)
		}
	case "/new":
		conv, err := w.summaries.CreateConversation(reqCtx, strings.TrimSpace(arg))
		if err != nil {
			fmt.Fprintf(os.Stderr, "new: %v\n", err)
			return false
		}
		printSummary(*conv, w.self)
	case "/chats":
		items, err := w.summaries.Direct(reqCtx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "chats: %v\n", err)
			return false
		}
		for _, s := range items {
			printSummary(s, w.self)
		}
	default:
		if err := w.conv.SendMessage(reqCtx, line); err != nil {
			fmt.Fprintf(os.Stderr, "send: %v\n", err)
		}
	}
	return false
}
