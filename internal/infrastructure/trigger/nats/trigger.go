// Package nats exposes the pipeline as a message-triggered service so a host
// automation can start runs without shelling out to the CLI.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/paperless-kiplus/sorter/internal/core/ports"
	"github.com/paperless-kiplus/sorter/internal/infrastructure/resilience"
)

const workerGroup = "sorter-workers"

type Trigger struct {
	conn     *nats.Conn
	subject  string
	executor *resilience.Executor
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
}

func New(url, subject string) (*Trigger, error) {
	return NewWithOptions(url, subject, Options{})
}

func NewWithOptions(url, subject string, options Options) (*Trigger, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}

	conn, err := nats.Connect(
		url,
		nats.Name("paperless-sorter"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Trigger{
		conn:     conn,
		subject:  subject,
		executor: options.ResilienceExecutor,
	}, nil
}

func (t *Trigger) Close() {
	if t.conn != nil {
		t.conn.Close()
	}
}

// Publish sends a run request. With Wait set it blocks for the worker's
// reply and returns the run result; otherwise the request is fire-and-forget.
func (t *Trigger) Publish(ctx context.Context, request ports.TriggerRequest) (ports.TriggerResult, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return ports.TriggerResult{}, fmt.Errorf("marshal trigger request: %w", err)
	}

	var result ports.TriggerResult
	call := func(callCtx context.Context) error {
		if !request.Wait {
			if err := t.conn.Publish(t.subject, payload); err != nil {
				return fmt.Errorf("nats publish: %w", err)
			}
			result = ports.TriggerResult{Status: "queued"}
			return nil
		}
		msg, err := t.conn.RequestWithContext(callCtx, t.subject, payload)
		if err != nil {
			return fmt.Errorf("nats request: %w", err)
		}
		if err := json.Unmarshal(msg.Data, &result); err != nil {
			return fmt.Errorf("decode trigger reply: %w", err)
		}
		return nil
	}

	if t.executor != nil {
		err = t.executor.Execute(ctx, "nats.trigger", call, classifyTriggerError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return ports.TriggerResult{}, err
	}
	return result, nil
}

// Subscribe consumes run requests until the context ends. Requests are
// processed one at a time inside the queue group; the pipeline is not
// reentrant across a shared quarantine file.
func (t *Trigger) Subscribe(ctx context.Context, handle func(context.Context, ports.TriggerRequest) ports.TriggerResult) error {
	sub, err := t.conn.QueueSubscribe(t.subject, workerGroup, func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}

		var request ports.TriggerRequest
		if err := json.Unmarshal(msg.Data, &request); err != nil {
			slog.Warn("invalid trigger payload dropped", "error", err)
			t.reply(msg, ports.TriggerResult{Status: "rejected", Message: "invalid payload: " + err.Error()})
			return
		}

		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		result := handle(handlerCtx, request)
		t.reply(msg, result)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := t.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := t.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

func (t *Trigger) reply(msg *nats.Msg, result ports.TriggerResult) {
	if msg.Reply == "" {
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		slog.Warn("trigger reply could not be encoded", "error", err)
		return
	}
	if err := msg.Respond(payload); err != nil {
		slog.Warn("trigger reply could not be sent", "error", err)
	}
}
