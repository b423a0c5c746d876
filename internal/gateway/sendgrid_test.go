package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGateway(handler http.HandlerFunc) (*SendGridGateway, *httptest.Server) {
	srv := httptest.NewServer(handler)
	g := NewSendGrid("test-key")
	g.baseURL = srv.URL
	return g, srv
}

func sampleEnvelope() *Envelope {
	return &Envelope{
		To: "ada@example.com", ToName: "Ada Lovelace",
		FromEmail: "mailer@example.com", FromName: "Enrollment Team",
		Subject: "Happy birthday", HTMLBody: "<p>hi</p>", TextBody: "hi",
		ContactID: "101", BatchID: "batch_x", Kind: "birthday",
	}
}

func TestSendGridSendAccepted(t *testing.T) {
	var captured map[string]interface{}
	g, srv := newTestGateway(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/mail/send", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Header().Set("X-Message-Id", "sg-abc123")
		w.WriteHeader(http.StatusAccepted)
	})
	defer srv.Close()

	res, err := g.Send(context.Background(), sampleEnvelope())
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "sg-abc123", res.MessageID)
	assert.Empty(t, res.Error)

	assert.Equal(t, "Happy birthday", captured["subject"])
	pers := captured["personalizations"].([]interface{})
	require.Len(t, pers, 1)
	args := pers[0].(map[string]interface{})["custom_args"].(map[string]interface{})
	assert.Equal(t, "101", args["contact_id"])
	assert.Equal(t, "birthday", args["email_type"])
}

func TestSendGridSendRejections(t *testing.T) {
	tests := []struct {
		name      string
		code      int
		transient bool
	}{
		{"permanent 400", http.StatusBadRequest, false},
		{"permanent 401", http.StatusUnauthorized, false},
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusInternalServerError, true},
		{"bad gateway", http.StatusBadGateway, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, srv := newTestGateway(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.code)
			})
			defer srv.Close()

			res, err := g.Send(context.Background(), sampleEnvelope())
			require.NoError(t, err)
			assert.False(t, res.Accepted)
			assert.Equal(t, tt.transient, res.Transient)
			assert.NotEmpty(t, res.Error)
		})
	}
}

func TestSendGridSendNoKey(t *testing.T) {
	g := NewSendGrid("")
	_, err := g.Send(context.Background(), sampleEnvelope())
	assert.Error(t, err)
}

func TestSendGridQueryStatus(t *testing.T) {
	tests := []struct {
		provider string
		want     string
	}{
		{"delivered", DeliveryDelivered},
		{"processed", DeliveryDeferred},
		{"deferred", DeliveryDeferred},
		{"bounce", DeliveryBounced},
		{"not_delivered", DeliveryBounced},
		{"dropped", DeliveryDropped},
		{"something_new", DeliveryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.provider, func(t *testing.T) {
			g, srv := newTestGateway(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/messages", r.URL.Path)
				json.NewEncoder(w).Encode(map[string]interface{}{
					"messages": []map[string]string{{"status": tt.provider}},
				})
			})
			defer srv.Close()

			res, err := g.QueryStatus(context.Background(), "sg-abc123")
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Status)
			assert.Equal(t, tt.provider, res.Details)
		})
	}
}

func TestSendGridQueryStatusNoActivity(t *testing.T) {
	g, srv := newTestGateway(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"messages": []interface{}{}})
	})
	defer srv.Close()

	res, err := g.QueryStatus(context.Background(), "sg-missing")
	require.NoError(t, err)
	assert.Equal(t, DeliveryUnknown, res.Status)
}
