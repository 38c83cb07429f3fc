package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jirevwe/peeklock"
	"github.com/jirevwe/peeklock/broker"
	"github.com/jirevwe/peeklock/broker/sqlite"
	"github.com/jirevwe/peeklock/broker/sqs"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
)

type brokerOptions struct {
	kind             string
	dbPath           string
	queue            string
	lockDuration     time.Duration
	maxDeliveryCount int

	sqsDevMode  bool
	sqsEndpoint string
	sqsDLQ      string

	retries          int
	retrySleep       time.Duration
	retrySettlements bool
}

func (o *brokerOptions) AddFlags(f *pflag.FlagSet) {
	dir, _ := os.Getwd()

	f.StringVar(&o.kind, "broker", "sqlite", "Broker to consume from, sqlite or sqs")
	f.StringVar(&o.dbPath, "db-path", filepath.Join(dir, "peeklock.db"), "Path of the sqlite database")
	f.StringVar(&o.queue, "queue", "local_queue", "Queue name")
	f.DurationVar(&o.lockDuration, "lock-duration", sqlite.DefaultLockDuration, "Lock duration, the visibility timeout on sqs")
	f.IntVar(&o.maxDeliveryCount, "max-delivery-count", sqlite.DefaultMaxDeliveryCount, "Deliveries before a sqlite message is dead-lettered")
	f.BoolVar(&o.sqsDevMode, "sqs-dev", false, "Use a local sqs endpoint with dummy credentials")
	f.StringVar(&o.sqsEndpoint, "sqs-endpoint", "http://localhost:4566", "Local sqs endpoint used with --sqs-dev")
	f.StringVar(&o.sqsDLQ, "sqs-dead-letter-queue", "", "Dead-letter queue name on sqs")
	f.IntVar(&o.retries, "broker-retries", 3, "Attempts for each broker call that fails with a transient error")
	f.DurationVar(&o.retrySleep, "broker-retry-sleep", 100*time.Millisecond, "Delay between broker call attempts")
	f.BoolVar(&o.retrySettlements, "broker-retry-settlements", false, "Retry complete, abandon and dead-letter calls, a settled message can then report a lost lock")
}

func main() {
	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	if err := run(slogger); err != nil {
		slogger.Error(err.Error())
		os.Exit(1)
	}
}

func run(slogger *slog.Logger) error {
	var (
		receiveOptions peeklock.Options
		brokerOpts     brokerOptions
		telemetry      telemetryOptions
		sendCount      int
		sendInterval   time.Duration
	)

	receiveOptions.AddFlags(pflag.CommandLine)
	brokerOpts.AddFlags(pflag.CommandLine)
	telemetry.AddFlags(pflag.CommandLine)
	pflag.IntVar(&sendCount, "send", 0, "Number of demo messages to send while consuming")
	pflag.DurationVar(&sendInterval, "send-interval", 5*time.Second, "Delay between demo messages")
	pflag.Parse()

	opts, err := peeklock.LoadOptions(pflag.CommandLine)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := telemetry.setup(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			slogger.Error(err.Error())
		}
	}()

	b, closeBroker, err := newBroker(ctx, &brokerOpts, slogger)
	if err != nil {
		return err
	}
	defer closeBroker()

	var retryOpts []broker.RetryOption
	if brokerOpts.retrySettlements {
		retryOpts = append(retryOpts, broker.WithSettlementRetries())
	}

	b = broker.NewRetryingBroker(b, brokerOpts.retries, brokerOpts.retrySleep, retryOpts...)
	b = broker.NewTracingBroker(b, otel.GetTracerProvider())

	session, err := peeklock.NewSession(&peeklock.Config{
		Broker:           b,
		Logger:           slogger,
		OperationTimeout: opts.OperationTimeout,
	})
	if err != nil {
		return err
	}

	receive, err := opts.ReceiveOptions()
	if err != nil {
		return err
	}

	mux := peeklock.NewMux()
	mux.HandleFunc("greeting", greet(slogger))

	sub, err := peeklock.NewPump(session).Receive(ctx, mux, nil, receive)
	if err != nil {
		return err
	}

	go produce(ctx, session, sendCount, sendInterval, slogger)

	<-ctx.Done()
	sub.Stop()

	waitCtx, cancel := context.WithTimeout(context.Background(), opts.OperationTimeout)
	defer cancel()

	if err := sub.Wait(waitCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	slogger.Info("peeklock stopped")
	return nil
}

func newBroker(ctx context.Context, o *brokerOptions, slogger *slog.Logger) (broker.Broker, func(), error) {
	switch o.kind {
	case "sqlite":
		s, err := sqlite.NewSqlite(&sqlite.Config{
			DBPath:           o.dbPath,
			Queue:            o.queue,
			LockDuration:     o.lockDuration,
			MaxDeliveryCount: o.maxDeliveryCount,
			Logger:           slogger,
		})
		if err != nil {
			return nil, nil, err
		}

		return s, func() {
			if err := s.Close(); err != nil {
				slogger.Error(err.Error())
			}
		}, nil

	case "sqs":
		client, err := sqs.NewClient(ctx, o.sqsDevMode, o.sqsEndpoint)
		if err != nil {
			return nil, nil, err
		}

		queueURL, err := sqs.QueueURL(ctx, client, o.queue)
		if err != nil {
			return nil, nil, err
		}

		cfg := sqs.Config{
			QueueURL:          queueURL,
			VisibilityTimeout: o.lockDuration,
			WaitTime:          10 * time.Second,
		}

		if o.sqsDLQ != "" {
			if cfg.DeadLetterQueueURL, err = sqs.QueueURL(ctx, client, o.sqsDLQ); err != nil {
				return nil, nil, err
			}
		}

		s, err := sqs.NewSQSBroker(client, cfg)
		if err != nil {
			return nil, nil, err
		}

		return s, func() {}, nil
	}

	return nil, nil, fmt.Errorf("unknown broker %q", o.kind)
}

func produce(ctx context.Context, session *peeklock.Session, count int, interval time.Duration, slogger *slog.Logger) {
	for i := 0; i < count; i++ {
		err := session.Send(ctx, &broker.OutgoingMessage{
			Body:       []byte("hello world!"),
			Subject:    "greeting",
			Properties: map[string]any{"sequence": i},
		})
		if err != nil {
			slogger.Error(err.Error())
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func greet(logger *slog.Logger) func(context.Context, *peeklock.Message) error {
	return func(ctx context.Context, m *peeklock.Message) error {
		logger.Info("[inside handler]:",
			"message_id", m.ID,
			"payload", string(m.Body),
			"delivery_count", m.DeliveryCount,
			"locked_until", m.LockedUntil(),
		)
		return nil
	}
}
