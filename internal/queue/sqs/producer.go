package sqsqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"outreach/internal/engine"
	"outreach/internal/observability"
)

// EventProducer publishes campaign lifecycle events. Completed events carry
// the final report.
type EventProducer struct {
	SQS      API
	QueueURL string
}

func (p *EventProducer) Publish(ctx context.Context, ev engine.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	in := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: str(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"eventType":  {DataType: str("String"), StringValue: str(ev.Type)},
			"campaignId": {DataType: str("String"), StringValue: str(ev.CampaignID)},
		},
	}
	if strings.HasSuffix(p.QueueURL, ".fifo") {
		// FIFO ordering per campaign
		in.MessageGroupId = str(ev.CampaignID)
		in.MessageDeduplicationId = str(fmt.Sprintf("%s:%s:%d", ev.CampaignID, ev.Type, ev.At.UnixNano()))
	}
	_, err = p.SQS.SendMessage(ctx, in)
	if err != nil {
		observability.QueueMessages.WithLabelValues("events", "publish_error").Inc()
		return err
	}
	observability.QueueMessages.WithLabelValues("events", "published").Inc()
	return nil
}
