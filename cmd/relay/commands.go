package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	relay "github.com/glimte/mmate-relay"
	"github.com/glimte/mmate-relay/contracts"
	"github.com/glimte/mmate-relay/health"
	"github.com/glimte/mmate-relay/metrics"
	"github.com/glimte/mmate-relay/monitor"
	"github.com/glimte/mmate-relay/serialization"
)

func newPublishCmd(a *app) *cobra.Command {
	var (
		to      []string
		content string
		chatID  string
		sender  string
	)

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a chat message to one or more recipients",
		Example: `  relay publish --to 123,456 --content "hi"
  relay publish --to 123 --chat c1 --sender 999 --content "see you at nine"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(to) == 0 {
				return errors.New("at least one recipient is required (--to)")
			}

			evt, err := contracts.NewMessageEvent(contracts.Message{
				MessageID: uuid.New().String(),
				ChatID:    chatID,
				SenderID:  sender,
				UserIDs:   to,
				CreatedAt: time.Now().UnixMilli(),
				Content:   content,
			})
			if err != nil {
				return err
			}

			return a.withClient(cmd.Context(), func(client *relay.Client) error {
				if err := client.Publish(cmd.Context(), evt); err != nil {
					return fmt.Errorf("failed to publish: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Published %s to %s\n", evt.ID, strings.Join(to, ", "))
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVar(&to, "to", nil, "recipient ids, comma separated")
	cmd.Flags().StringVarP(&content, "content", "c", "", "message text")
	cmd.Flags().StringVar(&chatID, "chat", "", "chat id")
	cmd.Flags().StringVar(&sender, "sender", "", "sender id")
	return cmd
}

func newPublishScheduleCmd(a *app) *cobra.Command {
	var (
		provider string
		kind     string
		payload  string
	)

	cmd := &cobra.Command{
		Use:     "publish-schedule",
		Short:   "Publish a schedule event to every subscriber bound to a provider",
		Example: `  relay publish-schedule --provider P --type slot.opened --payload '{"start":"09:00"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if provider == "" {
				return errors.New("a provider id is required (--provider)")
			}

			var body any
			if payload != "" {
				body = []byte(payload)
			}
			evt, err := contracts.NewScheduleEvent(kind, provider, body)
			if err != nil {
				return err
			}

			return a.withClient(cmd.Context(), func(client *relay.Client) error {
				if err := client.PublishSchedule(cmd.Context(), evt); err != nil {
					return fmt.Errorf("failed to publish schedule event: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Published %s for provider %s\n", evt.ID, provider)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&provider, "provider", "p", "", "provider id used as routing key")
	cmd.Flags().StringVarP(&kind, "type", "t", "schedule", "event type")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload")
	return cmd
}

func newListenCmd(a *app) *cobra.Command {
	var (
		metricsAddr string
		maxWait     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "listen <recipient-id>...",
		Short: "Subscribe to recipient queues and print every event",
		Long: `Subscribe to the queues of the given recipients and print each event as
JSON. Events are acknowledged once printed. If the broker connection is
lost, listen reconnects with exponential backoff and subscribes again.
Press Ctrl+C to stop.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}

			var extra []relay.ClientOption
			var reg *prometheus.Registry
			if metricsAddr != "" {
				reg = prometheus.NewRegistry()
				collector, err := metrics.NewCollector(reg)
				if err != nil {
					return err
				}
				extra = append(extra, relay.WithMetrics(collector))
			}
			client := a.newClient(cfg, extra...)

			if metricsAddr != "" {
				checks := health.NewRegistry()
				checks.Register(health.NewClientChecker(client, args...))

				srv := &http.Server{Addr: metricsAddr, Handler: serveMux(reg, checks), ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						a.logger.Error("http server failed", "addr", metricsAddr, "error", err)
					}
				}()
				defer srv.Close()
				a.logger.Info("serving metrics and health", "addr", metricsAddr)
			}

			l := &listener{
				client:     client,
				url:        cfg.URL,
				recipients: args,
				registry:   serialization.NewDefaultRegistry(),
				printer:    newEventPrinter(cmd.OutOrStdout()),
				logger:     a.logger,
				maxWait:    maxWait,
			}
			return l.run(ctx)
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics, /healthz and /livez on this address, e.g. :9090")
	cmd.Flags().DurationVar(&maxWait, "max-reconnect-wait", 5*time.Minute, "give up reconnecting after this long, 0 retries forever")
	return cmd
}

// serveMux exposes /metrics, /healthz and /livez
func serveMux(reg *prometheus.Registry, checks *health.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	mux.Handle("/healthz", health.Handler(checks, 5*time.Second))
	mux.Handle("/livez", health.LivenessHandler())
	return mux
}

func newBindCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "bind <provider-id> <subscriber-id>",
		Short: "Route a provider's schedule events to a subscriber",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd.Context(), func(client *relay.Client) error {
				if err := client.BindSchedule(cmd.Context(), args[0], args[1]); err != nil {
					return fmt.Errorf("failed to bind: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Bound %s -> %s\n", args[0], args[1])
				return nil
			})
		},
	}
}

func newUnbindCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "unbind <provider-id> <subscriber-id>",
		Short: "Stop routing a provider's schedule events to a subscriber",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd.Context(), func(client *relay.Client) error {
				if err := client.UnbindSchedule(cmd.Context(), args[0], args[1]); err != nil {
					return fmt.Errorf("failed to unbind: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Unbound %s -> %s\n", args[0], args[1])
				return nil
			})
		},
	}
}

func newRemoveQueueCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove-queue <queue-name>",
		Short: "Delete a queue with its messages and bindings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd.Context(), func(client *relay.Client) error {
				if err := client.RemoveQueue(cmd.Context(), args[0]); err != nil {
					return fmt.Errorf("failed to remove queue: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed queue %s\n", args[0])
				return nil
			})
		},
	}
}

func newRemoveExchangeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove-exchange <exchange-name>",
		Short: "Delete an exchange",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withClient(cmd.Context(), func(client *relay.Client) error {
				if err := client.RemoveExchange(cmd.Context(), args[0]); err != nil {
					return fmt.Errorf("failed to remove exchange: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed exchange %s\n", args[0])
				return nil
			})
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	var managementURL string

	cmd := &cobra.Command{
		Use:   "status [recipient-id...]",
		Short: "Show recipient queues from the management API",
		Long: `List the recipient queues with their message and consumer counts and
schedule bindings. Without arguments every queue carrying the queue prefix
is shown.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}

			var opts []monitor.ManagementOption
			if managementURL != "" {
				opts = append(opts, monitor.WithManagementURL(managementURL))
			}
			mc, err := monitor.NewManagementClient(cfg.URL, opts...)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			var queues []monitor.QueueInfo
			if len(args) == 0 {
				all, err := mc.ListQueues(ctx)
				if err != nil {
					return fmt.Errorf("failed to list queues: %w", err)
				}
				for _, q := range all {
					if strings.HasPrefix(q.Name, cfg.QueuePrefix) {
						queues = append(queues, q)
					}
				}
			} else {
				for _, id := range args {
					q, err := mc.GetQueue(ctx, cfg.QueuePrefix+id)
					if monitor.IsNotFound(err) {
						fmt.Fprintf(cmd.ErrOrStderr(), "No queue for recipient %s\n", id)
						continue
					}
					if err != nil {
						return fmt.Errorf("failed to get queue: %w", err)
					}
					queues = append(queues, *q)
				}
			}

			rows := make([]statusRow, 0, len(queues))
			for _, q := range queues {
				bindings, err := mc.ListBindings(ctx, q.Name)
				if err != nil {
					return fmt.Errorf("failed to list bindings of %s: %w", q.Name, err)
				}
				rows = append(rows, statusRow{queue: q, providers: scheduleProviders(bindings, cfg.Exchange, q.Name)})
			}

			printStatus(cmd.OutOrStdout(), rows)
			return nil
		},
	}

	cmd.Flags().StringVar(&managementURL, "management-url", "", "management API base URL (default derived from --url)")
	return cmd
}

// scheduleProviders returns the routing keys binding the queue to the
// exchange other than its own direct binding
func scheduleProviders(bindings []monitor.BindingInfo, exchange, queue string) []string {
	var providers []string
	for _, b := range bindings {
		if b.Source == exchange && b.RoutingKey != queue {
			providers = append(providers, b.RoutingKey)
		}
	}
	return providers
}

// listener keeps recipients subscribed until its context ends
type listener struct {
	client     *relay.Client
	url        string
	recipients []string
	registry   serialization.PayloadRegistry
	printer    *eventPrinter
	logger     *slog.Logger
	maxWait    time.Duration
	// checkEvery is how often the connection is checked
	checkEvery time.Duration
}

func (l *listener) run(ctx context.Context) error {
	defer l.client.Shutdown(context.WithoutCancel(ctx))

	if err := l.connect(ctx); err != nil {
		return err
	}

	interval := l.checkEvery
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("stopping listener")
			return nil
		case <-ticker.C:
			if l.client.IsInitialized() {
				continue
			}
			l.logger.Warn("connection lost, reconnecting")
			if err := l.connect(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

// connect initializes the client with exponential backoff and subscribes
// every recipient
func (l *listener) connect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = l.maxWait

	operation := func() error {
		err := l.client.Initialize(ctx, l.url)
		if errors.Is(err, relay.ErrAlreadyInitialized) {
			return nil
		}
		if err != nil && !relay.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		l.logger.Warn("initialize failed, retrying", "error", err, "wait", wait)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	for _, id := range l.recipients {
		if err := l.client.Subscribe(ctx, id, l.handle); err != nil {
			return fmt.Errorf("failed to subscribe %s: %w", id, err)
		}
		l.logger.Info("listening", "recipientId", id)
	}
	return nil
}

func (l *listener) handle(ctx context.Context, evt *contracts.Event, d *relay.Delivery) {
	var decoded any
	if l.registry.IsRegistered(evt.Type) {
		v, err := l.registry.Decode(evt)
		if err != nil {
			l.logger.Error("undecodable payload", "eventId", evt.ID, "type", evt.Type, "error", err)
			if err := d.Nack(false); err != nil {
				l.logger.Warn("nack failed", "eventId", evt.ID, "error", err)
			}
			return
		}
		decoded = v
	}

	if err := l.printer.print(d.RecipientID, evt, decoded); err != nil {
		l.logger.Error("failed to print event", "eventId", evt.ID, "error", err)
		if err := d.Nack(true); err != nil {
			l.logger.Warn("nack failed", "eventId", evt.ID, "error", err)
		}
		return
	}
	if err := d.Ack(); err != nil {
		l.logger.Warn("ack failed", "eventId", evt.ID, "error", err)
	}
}

// printedEvent is the line listen writes for every event
type printedEvent struct {
	Recipient string           `json:"recipient"`
	Event     *contracts.Event `json:"event"`
	Decoded   any              `json:"decoded,omitempty"`
}

func encodeLine(evt printedEvent) ([]byte, error) {
	line, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}
