package queue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"refeed/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPTransportSend(t *testing.T) {
	var got httpEnqueueRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/worker/enqueue", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	transport := NewHTTPTransport(server.URL, "secret")
	msg := models.QueueMessage{BatchID: "batch_1", TotalChunks: 1, Priority: models.PriorityNormal}

	require.NoError(t, transport.Send(context.Background(), msg, 2*time.Second))
	assert.Equal(t, "batch_1", got.Message.BatchID)
	assert.Equal(t, 2, got.DelaySeconds)
}

func TestHTTPTransportSendRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	transport := NewHTTPTransport(server.URL, "")
	err := transport.Send(context.Background(), models.QueueMessage{BatchID: "batch_1"}, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "enqueue request rejected: 500")
}
