package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/swarmguard/bitsearch/libs/go/core/natsctx"
	"github.com/swarmguard/bitsearch/libs/go/core/resilience"
	"github.com/swarmguard/bitsearch/services/search-engine/config"
)

type natsReply struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  *SearchResponse `json:"data,omitempty"`
}

func connectNATS(ctx context.Context, cfg config.NATSConfig) (*nats.Conn, error) {
	return resilience.Retry(ctx, "nats_connect", cfg.ConnectAttempts, cfg.ConnectDelay, func() (*nats.Conn, error) {
		return nats.Connect(cfg.URL,
			nats.Name("search-engine"),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				if err != nil {
					slog.Warn("nats disconnected", "error", err)
				}
			}),
			nats.ReconnectHandler(func(c *nats.Conn) {
				slog.Info("nats reconnected", "url", c.ConnectedUrl())
			}),
		)
	})
}

// serveNATS answers SearchRequest messages on the configured subject.
func (s *service) serveNATS(nc *nats.Conn, cfg config.NATSConfig) (*nats.Subscription, error) {
	sub, err := natsctx.QueueSubscribe(nc, cfg.Subject, cfg.Queue, func(ctx context.Context, m *nats.Msg) {
		if err := natsctx.Respond(ctx, m, s.handleRequest(ctx, m.Data)); err != nil {
			s.logger.Warn("nats reply failed", "subject", m.Subject, "error", err)
		}
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("nats subscribed", "subject", cfg.Subject, "queue", cfg.Queue)
	return sub, nil
}

// handleRequest turns one encoded SearchRequest into an encoded natsReply.
func (s *service) handleRequest(ctx context.Context, data []byte) []byte {
	var reply natsReply
	var req SearchRequest
	if err := json.Unmarshal(data, &req); err != nil {
		reply.Error = "decode request: " + err.Error()
	} else if resp, err := s.search(ctx, req); err != nil {
		reply.Error = err.Error()
		if !isClientError(err) {
			s.logger.Error("nats search failed", "error", err)
		}
	} else {
		reply.OK = true
		reply.Data = &resp
	}
	out, _ := json.Marshal(reply)
	return out
}

type publishFunc func(ctx context.Context, subject string, data []byte) error

// RunEvent is published on the results subject after every completed search.
type RunEvent struct {
	RunID     string    `json:"run_id,omitempty"`
	MessageID string    `json:"message_id"`
	Kind      string    `json:"kind"`
	Value     string    `json:"value"`
	Labels    []string  `json:"labels"`
	Ranges    int       `json:"ranges"`
	At        time.Time `json:"at"`
}

func newRunEvent(resp SearchResponse) RunEvent {
	ev := RunEvent{
		RunID:     resp.RunID,
		MessageID: resp.MessageID,
		Kind:      resp.Kind,
		Value:     resp.Value,
		Labels:    make([]string, 0, len(resp.Results)),
		At:        time.Now().UTC(),
	}
	for _, r := range resp.Results {
		ev.Labels = append(ev.Labels, r.Label)
		ev.Ranges += len(r.Ranges)
	}
	return ev
}

func natsPublisher(nc *nats.Conn) publishFunc {
	return func(ctx context.Context, subject string, data []byte) error {
		return natsctx.Publish(ctx, nc, subject, data)
	}
}

// announce publishes a RunEvent; failures are logged and never reach the caller.
func (s *service) announce(ctx context.Context, subject string, resp SearchResponse) {
	if s.publish == nil || subject == "" {
		return
	}
	data, err := json.Marshal(newRunEvent(resp))
	if err == nil {
		err = s.publish(ctx, subject, data)
	}
	if err != nil {
		s.logger.Warn("run event not published", "subject", subject, "error", err)
	}
}

// requestSearch sends req to a running service over NATS and waits for the reply.
func requestSearch(ctx context.Context, nc *nats.Conn, subject string, req SearchRequest) (SearchResponse, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return SearchResponse{}, err
	}
	msg, err := natsctx.Request(ctx, nc, subject, data)
	if err != nil {
		return SearchResponse{}, err
	}
	return decodeReply(msg.Data)
}

func decodeReply(data []byte) (SearchResponse, error) {
	var reply natsReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return SearchResponse{}, err
	}
	if !reply.OK || reply.Data == nil {
		if reply.Error == "" {
			reply.Error = "empty reply"
		}
		return SearchResponse{}, errors.New(reply.Error)
	}
	return *reply.Data, nil
}
