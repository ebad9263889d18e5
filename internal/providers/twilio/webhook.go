package twilio

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
	"strings"
)

// VerifySignature checks X-Twilio-Signature: base64(HMAC-SHA1(url + sorted k/v)).
func VerifySignature(authToken, fullURL, provided string, form url.Values) bool {
	return hmac.Equal([]byte(Sign(authToken, fullURL, form)), []byte(provided))
}

func Sign(authToken, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}

	mac := hmac.New(sha1.New, []byte(authToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// StatusCallback is the subset of the status webhook form we act on.
type StatusCallback struct {
	MessageSid    string
	MessageStatus string
	ErrorCode     string
}

func ParseStatusCallback(form url.Values) StatusCallback {
	return StatusCallback{
		MessageSid:    form.Get("MessageSid"),
		MessageStatus: form.Get("MessageStatus"),
		ErrorCode:     form.Get("ErrorCode"),
	}
}
