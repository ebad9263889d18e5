package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "outreach_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	Sends = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "outreach_sends_total", Help: "Send attempts by campaign type and outcome"},
		[]string{"type", "result"},
	)
	SendLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "outreach_send_latency_seconds", Help: "Channel send latency"},
	)
	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "outreach_campaign_transitions_total", Help: "Campaign status transitions"},
		[]string{"to", "reason"},
	)
	ActiveCampaigns = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "outreach_active_campaigns", Help: "Campaigns with a live continuation chain"},
	)
	Retries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "outreach_retries_total", Help: "Automatic and manual retries"},
		[]string{"kind"},
	)
	ProviderCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "twilio_send_total", Help: "Twilio send outcomes"},
		[]string{"result", "http_status"},
	)
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "twilio_webhook_events_total", Help: "Webhook events"},
		[]string{"status"},
	)
	QueueMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "outreach_queue_messages_total", Help: "SQS publish and consume results"},
		[]string{"queue", "result"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, Sends, SendLatency, Transitions, ActiveCampaigns, Retries, ProviderCalls, WebhookEvents, QueueMessages)
}
