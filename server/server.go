package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"refeed/batch"
	"refeed/coordinator"
	"refeed/models"
	"refeed/queue"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/gofiber/websocket/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
)

// EntryReader serves the read side of the merged timeline.
type EntryReader interface {
	RecentEntries(ctx context.Context, feedURLs []string, limit int) ([]models.Entry, error)
}

// ChunkReporter handles worker callback events: persisting completed
// chunk results and forwarding lifecycle events to the batch actors.
type ChunkReporter interface {
	ChunkStarted(ctx context.Context, batchID, chunkID string, totalChunks int)
	ChunkCompleted(ctx context.Context, report models.ChunkReport) error
	ChunkFailed(ctx context.Context, batchID, chunkID, errMsg string)
}

type ServerConfig struct {

	// Coordinator decides staleness and claims locks
	Coordinator *coordinator.Coordinator

	// Enqueuer chunks and dispatches refresh work
	Enqueuer *queue.Enqueuer

	// Registry hosts the batch status actors
	Registry *batch.Registry

	// Reporter persists and forwards chunk events from remote workers
	Reporter ChunkReporter

	// Transport feeds connected websocket workers and the HTTP enqueue
	// fallback route; nil when serve runs with in-process workers only
	Transport *queue.ChannelTransport

	// Reader for the entries endpoint
	Reader EntryReader

	// Token guards the API when non-empty
	Token string
}

// Returns a fiber.App instance to be used as the HTTP server for the
// refresh pipeline.
func Server(config *ServerConfig) *fiber.App {

	app := fiber.New()

	// Middleware to track the latency of each request
	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		stop := time.Now()

		log.WithFields(log.Fields{
			"method":  c.Method(),
			"route":   c.Route().Path,
			"latency": stop.Sub(start),
		}).Info("Request")
		return err
	})

	app.Use(requestid.New(requestid.ConfigDefault))
	app.Use(compress.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	if config.Token != "" {
		app.Use(func(c *fiber.Ctx) error {
			header := c.Get("Authorization")
			if header != "Bearer "+config.Token {
				return c.Status(fiber.StatusUnauthorized).JSON(models.RefreshResponse{
					Success: false,
					Error:   "unauthorized",
				})
			}
			return c.Next()
		})
	}

	app.Post("/api/refresh", func(c *fiber.Ctx) error {
		var req models.RefreshRequest
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "invalid request body")
		}

		if len(req.PostTitles) == 0 || len(req.FeedURLs) == 0 {
			return badRequest(c, "postTitles and feedUrls are required")
		}
		if len(req.PostTitles) != len(req.FeedURLs) {
			return badRequest(c, "postTitles and feedUrls must be the same length")
		}
		if len(req.MediaTypes) > 0 && len(req.MediaTypes) != len(req.FeedURLs) {
			return badRequest(c, "mediaTypes must match feedUrls in length")
		}

		feeds := make([]models.FeedRef, len(req.FeedURLs))
		for i := range req.FeedURLs {
			feeds[i] = models.FeedRef{
				PostTitle: req.PostTitles[i],
				FeedURL:   req.FeedURLs[i],
			}
			if len(req.MediaTypes) > 0 {
				feeds[i].MediaType = req.MediaTypes[i]
			}
		}

		candidates, err := config.Coordinator.SelectRefreshCandidates(c.Context(), feeds)
		if err != nil {
			return internalError(c, "refresh check failed, please try again", err)
		}
		if len(candidates) == 0 {
			log.WithFields(log.Fields{
				"feeds": len(feeds),
			}).Info("All feeds fresh, skipping refresh")
			return c.JSON(models.RefreshResponse{Success: true, Status: "skipped"})
		}

		claimed, err := config.Coordinator.ClaimUnlocked(c.Context(), candidates)
		if err != nil {
			return internalError(c, "refresh check failed, please try again", err)
		}
		if len(claimed) == 0 {
			// Another in-flight request already covers these feeds
			log.WithFields(log.Fields{
				"candidates": len(candidates),
			}).Info("All candidates locked elsewhere, skipping refresh")
			return c.JSON(models.RefreshResponse{Success: true, Status: "skipped"})
		}

		acquired, err := config.Coordinator.AcquireLocks(c.Context(), claimed)
		if err != nil {
			return internalError(c, "could not claim feeds, please try again", err)
		}

		resp, err := config.Enqueuer.Enqueue(c.Context(), acquired, req.ExistingGuids, req.NewestEntryDate, req.Priority)
		if err != nil {
			return internalError(c, "could not queue refresh, please try again", err)
		}

		// The status actor must exist before the response reaches the
		// client, who connects to the stream right after
		config.Registry.Register(resp.BatchID)

		return c.JSON(resp)
	})

	app.Get("/api/refresh/:batchId/stream", func(c *fiber.Ctx) error {
		c.Set("Content-Type", "text/event-stream")
		c.Set("Cache-Control", "no-cache")
		c.Set("Connection", "keep-alive")
		c.Set("Transfer-Encoding", "chunked")

		batchID := c.Params("batchId")
		events, cancel := config.Registry.Subscribe(batchID)
		aliveChan := time.NewTicker(5 * time.Second)

		c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
			defer cancel()
			defer aliveChan.Stop()

			// Send initial event with the batch id
			fmt.Fprintf(w, "event: connected\ndata: {\"batchId\":%q}\n\n", batchID)
			if err := w.Flush(); err != nil {
				log.Errorf("Failed to send connected event: %v", err)
				return
			}

			for {
				select {
				case <-aliveChan.C:
					// Send keep-alive pings
					if _, err := fmt.Fprintf(w, "event: ping\ndata: \n\n"); err != nil {
						return
					}
					if err := w.Flush(); err != nil {
						return
					}

				case event, ok := <-events:
					if !ok {
						// Batch is already terminal; single-shot streams
						// replay nothing
						return
					}
					payload, err := json.Marshal(event)
					if err != nil {
						log.Errorf("Error marshalling batch event for %s: %v", batchID, err)
						continue
					}
					if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Status, payload); err != nil {
						log.Warnf("Failed to send %s event for batch %s: %v", event.Status, batchID, err)
						return
					}
					if err := w.Flush(); err != nil {
						return
					}
					// Terminal events close the stream so connections
					// never accumulate
					if event.Status.Terminal() {
						return
					}
				}
			}
		}))

		return nil
	})

	app.Get("/api/entries", func(c *fiber.Ctx) error {
		limit := c.QueryInt("limit", 50)
		if limit < 1 || limit > 500 {
			limit = 50
		}
		var feedURLs []string
		if feeds := c.Query("feeds", ""); feeds != "" {
			feedURLs = strings.Split(feeds, ",")
		}

		entries, err := config.Reader.RecentEntries(c.Context(), feedURLs, limit)
		if err != nil {
			log.WithFields(log.Fields{
				"error": err,
			}).Error("Error getting entries")
			return c.Status(fiber.StatusInternalServerError).SendString("Error getting entries")
		}
		if entries == nil {
			entries = []models.Entry{}
		}

		return c.JSON(entries)
	})

	// Worker callback routes: remote workers report chunk lifecycle
	// events here; the registry serializes them per batch.
	app.Post("/worker/chunks/:event", func(c *fiber.Ctx) error {
		var report models.ChunkReport
		if err := c.BodyParser(&report); err != nil {
			return badRequest(c, "invalid chunk report")
		}
		if report.BatchID == "" || report.ChunkID == "" {
			return badRequest(c, "batchId and chunkId are required")
		}

		switch c.Params("event") {
		case "started":
			config.Reporter.ChunkStarted(c.Context(), report.BatchID, report.ChunkID, report.TotalChunks)
		case "completed":
			if err := config.Reporter.ChunkCompleted(c.Context(), report); err != nil {
				return internalError(c, "failed to record chunk result", err)
			}
		case "failed":
			config.Reporter.ChunkFailed(c.Context(), report.BatchID, report.ChunkID, report.Error)
		default:
			return badRequest(c, "unknown chunk event")
		}

		return c.JSON(fiber.Map{"success": true})
	})

	if config.Transport != nil {
		// HTTP enqueue fallback used by producers without a transport binding
		app.Post("/worker/enqueue", func(c *fiber.Ctx) error {
			var req struct {
				Message      models.QueueMessage `json:"message"`
				DelaySeconds int                 `json:"delaySeconds,omitempty"`
			}
			if err := c.BodyParser(&req); err != nil {
				return badRequest(c, "invalid queue message")
			}

			delay := time.Duration(req.DelaySeconds) * time.Second
			if err := config.Transport.Send(c.Context(), req.Message, delay); err != nil {
				return internalError(c, "queue is full, please try again", err)
			}

			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"success": true})
		})

		// Websocket delivery of queue messages to remote workers
		app.Get("/worker/ws", websocket.New(func(conn *websocket.Conn) {
			log.Info("Remote worker connected")
			defer log.Info("Remote worker disconnected")

			closed := make(chan struct{})
			go func() {
				defer close(closed)
				for {
					if _, _, err := conn.ReadMessage(); err != nil {
						return
					}
				}
			}()

			relayQueueMessages(conn, config.Transport, closed)
		}))
	}

	return app
}

type wsWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// relayQueueMessages forwards queue messages to one connected worker
// until the connection closes. A message claimed from the queue but not
// delivered is put back so another worker can pick it up instead of the
// batch stalling into a timeout.
func relayQueueMessages(conn wsWriter, transport *queue.ChannelTransport, closed <-chan struct{}) {
	for {
		select {
		case <-closed:
			return
		case msg, ok := <-transport.Receive():
			if !ok {
				return
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				log.Errorf("Error marshalling queue message: %v", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Warnf("Failed to deliver chunk %s to worker: %v", msg.BatchID, err)
				if err := transport.Send(context.Background(), msg, 0); err != nil {
					log.Errorf("Failed to requeue chunk %s: %v", msg.BatchID, err)
				}
				return
			}
		}
	}
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(models.RefreshResponse{
		Success: false,
		Error:   msg,
	})
}

func internalError(c *fiber.Ctx, msg string, err error) error {
	log.WithFields(log.Fields{
		"error": err,
	}).Error(msg)
	return c.Status(fiber.StatusInternalServerError).JSON(models.RefreshResponse{
		Success: false,
		Error:   msg,
	})
}
