package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"

	"outreach/internal/observability"
	"outreach/internal/providers/twilio"
	"outreach/internal/store"
)

type ReceiptRecorder interface {
	RecordReceipt(ctx context.Context, providerMsgID, status string) bool
}

// DeliveryEventStore keeps the raw callback. Optional.
type DeliveryEventStore interface {
	InsertDeliveryEvent(ctx context.Context, in store.DeliveryEvent) error
}

type Webhook struct {
	Receipts        ReceiptRecorder
	Store           DeliveryEventStore
	VerifySignature func(authToken, fullURL, provided string, form url.Values) bool
	AuthToken       string
	PublicURL       string
}

func (w *Webhook) Register(mux *mux.Router) {
	mux.HandleFunc("/v1/webhooks/twilio/status", w.handleTwilioStatus).Methods(http.MethodPost)
}

func (w *Webhook) handleTwilioStatus(rw http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(rw, ErrBadForm, http.StatusBadRequest)
		return
	}
	if w.VerifySignature == nil || !w.VerifySignature(w.AuthToken, w.PublicURL, r.Header.Get("X-Twilio-Signature"), r.PostForm) {
		http.Error(rw, ErrInvalidSignature, http.StatusUnauthorized)
		return
	}

	cb := twilio.ParseStatusCallback(r.PostForm)
	observability.WebhookEvents.WithLabelValues(cb.MessageStatus).Inc()

	if w.Store != nil {
		if err := w.Store.InsertDeliveryEvent(r.Context(), store.DeliveryEvent{
			Provider:      "twilio",
			ProviderMsgID: cb.MessageSid,
			VendorStatus:  cb.MessageStatus,
			ErrorCode:     cb.ErrorCode,
			Payload:       r.PostForm,
		}); err != nil {
			// non 2xx makes Twilio retry the callback
			slog.Error("webhook insert delivery event failed", "err", err, "message_sid", cb.MessageSid, "status", cb.MessageStatus)
			http.Error(rw, ErrDependency, http.StatusInternalServerError)
			return
		}
	}

	if !w.Receipts.RecordReceipt(r.Context(), cb.MessageSid, cb.MessageStatus) {
		slog.Debug("webhook status not applied", "message_sid", cb.MessageSid, "status", cb.MessageStatus)
	}
	rw.WriteHeader(http.StatusOK)
}
