package sqsqueue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"outreach/internal/observability"
)

type CommandConsumer struct {
	SQS      API
	QueueURL string

	WaitTimeSeconds   int32
	MaxMessages       int32
	VisibilityTimeout int32
}

type Handler func(ctx context.Context, cmd Command) error

func (c *CommandConsumer) receive(ctx context.Context) ([]types.Message, error) {
	out, err := c.SQS.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            &c.QueueURL,
		MaxNumberOfMessages: c.MaxMessages,
		WaitTimeSeconds:     c.WaitTimeSeconds,
		VisibilityTimeout:   c.VisibilityTimeout,
	})
	if err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *CommandConsumer) delete(ctx context.Context, m types.Message) {
	_, _ = c.SQS.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      &c.QueueURL,
		ReceiptHandle: m.ReceiptHandle,
	})
}

// handle deletes the message unless the handler failed.
func (c *CommandConsumer) handle(ctx context.Context, m types.Message, handler Handler) {
	if m.Body == nil {
		c.delete(ctx, m)
		return
	}
	var cmd Command
	if err := json.Unmarshal([]byte(*m.Body), &cmd); err != nil {
		// bad payload => delete to avoid endless redrive
		observability.QueueMessages.WithLabelValues("commands", "bad_payload").Inc()
		c.delete(ctx, m)
		return
	}
	if err := handler(ctx, cmd); err != nil {
		// do NOT delete => SQS redrive/DLQ handles it
		observability.QueueMessages.WithLabelValues("commands", "handler_error").Inc()
		slog.Error("sqs command handler error", "err", err, "action", cmd.Action, "campaign_id", cmd.CampaignID)
		return
	}
	observability.QueueMessages.WithLabelValues("commands", "consumed").Inc()
	c.delete(ctx, m)
}

func (c *CommandConsumer) Poll(ctx context.Context, handler Handler) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msgs, err := c.receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("sqs receive command failed", "err", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}
		for _, m := range msgs {
			c.handle(ctx, m, handler)
		}
	}
}

// PollConcurrent processes commands with a worker pool. Messages are deleted
// only after the handler completes.
func (c *CommandConsumer) PollConcurrent(ctx context.Context, workers int, handler Handler) error {
	if workers <= 1 {
		return c.Poll(ctx, handler)
	}

	jobs := make(chan types.Message, workers*2)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range jobs {
				c.handle(ctx, m, handler)
			}
		}()
	}

	err := func() error {
		defer close(jobs)
		for {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			msgs, err := c.receive(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.Error("sqs receive command failed", "err", err)
				time.Sleep(500 * time.Millisecond)
				continue
			}
			for _, m := range msgs {
				select {
				case jobs <- m:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}()

	// Let workers finish whatever is already in `jobs`
	wg.Wait()
	return err
}
