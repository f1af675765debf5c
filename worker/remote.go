package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"refeed/models"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

const (
	wsReadBufferSize   = 1024 * 1024 // 1MB
	wsWriteBufferSize  = 1024        // 1KB
	wsHandshakeTimeout = 45 * time.Second
)

// RemoteConfig holds configuration for a worker attached to a remote
// pipeline server.
type RemoteConfig struct {
	// Hosts is a list of pipeline server websocket endpoints to try in order
	// e.g. ["ws://refeed-1:3000", "ws://refeed-2:3000"]
	Hosts     []string
	Token     string
	UserAgent string
}

// Subscribe maintains a websocket connection to the pipeline server and
// forwards delivered queue messages to the worker pool. Reconnects with
// exponential backoff and fails over between hosts.
func Subscribe(ctx context.Context, config RemoteConfig, messages chan<- models.QueueMessage) error {
	if len(config.Hosts) == 0 {
		return fmt.Errorf("no hosts provided in config")
	}

	dialer := websocket.Dialer{
		ReadBufferSize:   wsReadBufferSize,
		WriteBufferSize:  wsWriteBufferSize,
		HandshakeTimeout: wsHandshakeTimeout,
		NetDialContext: (&net.Dialer{
			Timeout:   wsHandshakeTimeout,
			KeepAlive: wsHandshakeTimeout,
		}).DialContext,
	}

	// Set up exponential backoff for reconnection attempts
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 30 * time.Second
	policy.Multiplier = 1.5
	policy.MaxElapsedTime = 0 // Never stop retrying

	currentHostIdx := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		currentHost := config.Hosts[currentHostIdx]

		headers := http.Header{}
		if config.UserAgent != "" {
			headers.Set("User-Agent", config.UserAgent)
		}
		if config.Token != "" {
			headers.Set("Authorization", "Bearer "+config.Token)
		}

		wsConnectionAttempts.Inc()

		conn, _, err := dialer.DialContext(ctx, currentHost+"/worker/ws", headers)
		if err != nil {
			wsConnectionErrors.Inc()
			log.Errorf("Error connecting to pipeline server %s: %s", currentHost, err)

			// Try next host before backing off
			nextHostIdx := (currentHostIdx + 1) % len(config.Hosts)
			if nextHostIdx != currentHostIdx {
				log.Infof("Switching from host %s to %s", currentHost, config.Hosts[nextHostIdx])
				currentHostIdx = nextHostIdx
				policy.Reset()
				continue
			}

			time.Sleep(policy.NextBackOff())
			continue
		}

		policy.Reset()
		log.WithFields(log.Fields{
			"host": currentHost,
		}).Info("Connected to pipeline server")

		if err := readMessages(ctx, conn, messages); err != nil {
			log.Errorf("Websocket read loop ended: %v", err)
		}
		conn.Close()
	}
}

func readMessages(ctx context.Context, conn *websocket.Conn, messages chan<- models.QueueMessage) error {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg models.QueueMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Errorf("Failed to unmarshal queue message: %v", err)
			continue
		}

		select {
		case messages <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// HTTPReporter reports chunk outcomes to the pipeline server's worker
// callback routes. Used by remote workers; in-process workers talk to
// the batch registry directly.
type HTTPReporter struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPReporter(baseURL, token string) *HTTPReporter {
	return &HTTPReporter{
		baseURL: baseURL,
		token:   token,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (r *HTTPReporter) ChunkStarted(ctx context.Context, batchID, chunkID string, totalChunks int) {
	r.post(ctx, "started", models.ChunkReport{
		BatchID:     batchID,
		ChunkID:     chunkID,
		TotalChunks: totalChunks,
	})
}

func (r *HTTPReporter) ChunkCompleted(ctx context.Context, report models.ChunkReport) error {
	return r.post(ctx, "completed", report)
}

func (r *HTTPReporter) ChunkFailed(ctx context.Context, batchID, chunkID, errMsg string) {
	r.post(ctx, "failed", models.ChunkReport{
		BatchID: batchID,
		ChunkID: chunkID,
		Error:   errMsg,
	})
}

func (r *HTTPReporter) post(ctx context.Context, event string, report models.ChunkReport) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal chunk report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/worker/chunks/"+event, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build chunk report request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		log.WithFields(log.Fields{
			"batchId": report.BatchID,
			"event":   event,
			"error":   err,
		}).Error("Failed to report chunk event")
		return err
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.WithFields(log.Fields{
			"batchId": report.BatchID,
			"event":   event,
			"status":  resp.StatusCode,
		}).Error("Chunk report rejected")
		return fmt.Errorf("chunk report rejected: %d", resp.StatusCode)
	}

	return nil
}
