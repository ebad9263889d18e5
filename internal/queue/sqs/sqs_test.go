package sqsqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"outreach/internal/domain"
	"outreach/internal/engine"
	"outreach/internal/report"
)

type fakeSQS struct {
	mu      sync.Mutex
	sent    []*sqs.SendMessageInput
	inbox   []types.Message
	deleted []string
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	msgs := f.inbox
	f.inbox = nil
	f.mu.Unlock()
	if len(msgs) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, *in.ReceiptHandle)
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) deletedHandles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func msg(handle string, body *string) types.Message {
	return types.Message{ReceiptHandle: str(handle), Body: body}
}

func TestEventProducerPublish(t *testing.T) {
	f := &fakeSQS{}
	p := &EventProducer{SQS: f, QueueURL: "https://sqs/123/events.fifo"}
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	err := p.Publish(context.Background(), engine.Event{
		Type: engine.EventCompleted, CampaignID: "cmp_1", Status: domain.StatusCompleted, At: at,
		Report: &report.Report{CampaignID: "cmp_1"},
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(f.sent) != 1 {
		t.Fatalf("expected one message, got %d", len(f.sent))
	}
	in := f.sent[0]
	if in.MessageGroupId == nil || *in.MessageGroupId != "cmp_1" {
		t.Fatalf("fifo queue needs a group id per campaign")
	}
	var got engine.Event
	if err := json.Unmarshal([]byte(*in.MessageBody), &got); err != nil {
		t.Fatalf("body: %v", err)
	}
	if got.Type != engine.EventCompleted || got.Report == nil || !got.At.Equal(at) {
		t.Fatalf("unexpected event %+v", got)
	}
	if *in.MessageAttributes["eventType"].StringValue != engine.EventCompleted {
		t.Fatalf("missing eventType attribute")
	}

	p = &EventProducer{SQS: f, QueueURL: "https://sqs/123/events"}
	_ = p.Publish(context.Background(), engine.Event{Type: engine.EventStarted, CampaignID: "cmp_1"})
	if f.sent[1].MessageGroupId != nil {
		t.Fatalf("standard queue must not carry a group id")
	}
}

type fakeCommander struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeCommander) record(s string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
	return f.err
}

func (f *fakeCommander) Start(_ context.Context, id string) error  { return f.record("start " + id) }
func (f *fakeCommander) Pause(_ context.Context, id string) error  { return f.record("pause " + id) }
func (f *fakeCommander) Resume(_ context.Context, id string) error { return f.record("resume " + id) }
func (f *fakeCommander) Stop(_ context.Context, id string) error   { return f.record("stop " + id) }
func (f *fakeCommander) RetryFailed(_ context.Context, id string, units []string) (int, error) {
	return len(units), f.record("retry " + id)
}

func TestApply(t *testing.T) {
	c := &fakeCommander{}
	ctx := context.Background()
	for _, a := range []string{ActionStart, ActionPause, ActionResume, ActionStop, ActionRetry} {
		if err := Apply(ctx, c, Command{CampaignID: "c1", Action: a}); err != nil {
			t.Fatalf("%s: %v", a, err)
		}
	}
	if len(c.calls) != 5 || c.calls[4] != "retry c1" {
		t.Fatalf("unexpected calls %v", c.calls)
	}
	if err := Apply(ctx, c, Command{CampaignID: "c1", Action: "explode"}); err != nil {
		t.Fatalf("unknown actions are dropped, got %v", err)
	}

	c.err = &domain.StateError{Op: "resume", Status: domain.StatusRunning}
	if err := Apply(ctx, c, Command{CampaignID: "c1", Action: ActionResume}); err != nil {
		t.Fatalf("state refusals are permanent, got %v", err)
	}
	c.err = errors.New("daily counter: redis down")
	if err := Apply(ctx, c, Command{CampaignID: "c1", Action: ActionStart}); err == nil {
		t.Fatalf("dependency failures must be redelivered")
	}
}

func TestCommandConsumerDeletesOnlyHandled(t *testing.T) {
	good, _ := json.Marshal(Command{CampaignID: "c1", Action: ActionStart})
	bad, _ := json.Marshal(Command{CampaignID: "c2", Action: ActionStop})
	f := &fakeSQS{inbox: []types.Message{
		msg("h-good", str(string(good))),
		msg("h-junk", str("{not json")),
		msg("h-nil", nil),
		msg("h-fail", str(string(bad))),
	}}
	c := &CommandConsumer{SQS: f, QueueURL: "q"}

	ctx, cancel := context.WithCancel(context.Background())
	var seen []Command
	var mu sync.Mutex
	done := make(chan error, 1)
	go func() {
		done <- c.PollConcurrent(ctx, 2, func(_ context.Context, cmd Command) error {
			mu.Lock()
			seen = append(seen, cmd)
			mu.Unlock()
			if cmd.CampaignID == "c2" {
				return errors.New("transient")
			}
			return nil
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(f.deletedHandles()) < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	deleted := map[string]bool{}
	for _, h := range f.deletedHandles() {
		deleted[h] = true
	}
	if !deleted["h-good"] || !deleted["h-junk"] || !deleted["h-nil"] || deleted["h-fail"] {
		t.Fatalf("unexpected deletes %v", f.deletedHandles())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("expected 2 decoded commands, got %d", len(seen))
	}
}
