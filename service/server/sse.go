package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	natspkg "github.com/brojonat/stagehop/service/nats"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// SSEPublisher manages Server-Sent Events connections for transfer and
// sweep streaming.
type SSEPublisher struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	logger *slog.Logger
}

// NewSSEPublisher creates a new SSE publisher that subscribes to NATS internally.
func NewSSEPublisher(natsURL string, logger *slog.Logger) (*SSEPublisher, error) {
	nc, err := natspkg.Connect(natsURL, "stagehop-sse-publisher")
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	logger.Info("SSE publisher initialized", "nats_url", natsURL)

	return &SSEPublisher{
		nc:     nc,
		js:     js,
		logger: logger,
	}, nil
}

// Close closes the NATS connection.
func (p *SSEPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("SSE publisher closed")
	}
	return nil
}

// handleStreamTransfers streams transfer events. With no payer path
// parameter, events for every payer are streamed.
func handleStreamTransfers(publisher *SSEPublisher, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payer := r.PathValue("payer")

		subject := natspkg.TransferSubjectPrefix + "*"
		desc := "all payers"
		if payer != "" {
			if err := validateAddress(payer); err != nil {
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
			subject = natspkg.TransferSubject(payer)
			desc = payer
		}

		stream(w, r, publisher, subject, desc, "transfer", func(data []byte) (string, error) {
			var event natspkg.TransferEvent
			if err := json.Unmarshal(data, &event); err != nil {
				return "", err
			}
			return event.Signature, nil
		}, logger)
	})
}

// handleStreamSweeps streams sweep summaries.
func handleStreamSweeps(publisher *SSEPublisher, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stream(w, r, publisher, natspkg.SweepSubject, "sweeps", "sweep", func(data []byte) (string, error) {
			var event natspkg.SweepEvent
			if err := json.Unmarshal(data, &event); err != nil {
				return "", err
			}
			return event.Status, nil
		}, logger)
	})
}

// stream relays new messages on subject to the client as SSE events named
// eventName until the client disconnects. check rejects malformed payloads
// and returns a short label for logging.
func stream(w http.ResponseWriter, r *http.Request, publisher *SSEPublisher, subject, desc, eventName string, check func([]byte) (string, error), logger *slog.Logger) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flush := func() {
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}
	}
	flush()

	logger.DebugContext(r.Context(), "SSE client connected",
		"stream", desc,
		"remote_addr", r.RemoteAddr,
	)

	// Ephemeral consumer, removed once the connection closes.
	cons, err := publisher.js.CreateOrUpdateConsumer(r.Context(), natspkg.StreamName, jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		logger.ErrorContext(r.Context(), "failed to create consumer",
			"stream", desc,
			"error", err,
		)
		fmt.Fprintf(w, "event: error\ndata: {\"error\": \"failed to subscribe\"}\n\n")
		return
	}

	msgChan := make(chan jetstream.Msg, 10)
	doneChan := make(chan struct{})

	go func() {
		defer close(doneChan)
		cc, err := cons.Consume(func(msg jetstream.Msg) {
			select {
			case msgChan <- msg:
			case <-r.Context().Done():
				return
			}
		})
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to start consuming messages",
				"error", err,
			)
			return
		}
		<-r.Context().Done()
		cc.Stop()
	}()

	connected, _ := json.Marshal(map[string]string{"stream": desc})
	fmt.Fprintf(w, "event: connected\ndata: %s\n\n", connected)
	flush()

	keepalive := time.NewTicker(10 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-keepalive.C:
			fmt.Fprintf(w, ": keepalive\n\n")
			flush()

		case msg := <-msgChan:
			label, err := check(msg.Data())
			if err != nil {
				logger.WarnContext(r.Context(), "failed to unmarshal event",
					"subject", msg.Subject(),
					"error", err,
				)
				msg.Ack()
				continue
			}

			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventName, msg.Data())
			flush()
			msg.Ack()

			logger.DebugContext(r.Context(), "sent event",
				"event", eventName,
				"stream", desc,
				"label", label,
			)

		case <-r.Context().Done():
			logger.DebugContext(r.Context(), "SSE client disconnected",
				"stream", desc,
				"remote_addr", r.RemoteAddr,
			)
			return

		case <-doneChan:
			return
		}
	}
}
