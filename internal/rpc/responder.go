package rpc

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/busrpc/internal/bus"
	"github.com/sawpanic/busrpc/internal/wire"
)

// RespondFunc is the business logic a Responder applies to each request
// payload. A returned error travels back as a business failure
// (success=false plus the error text), not as a transport fault.
type RespondFunc func(payload []byte) ([]byte, error)

// Responder is a minimal server-side counterpart: it consumes the shared
// request topic, groups streaming messages by session, and replies on each
// sender's private topic honoring the wire contract. Tests and the demo CLI
// use it; a production responder is a separate service.
type Responder struct {
	broker bus.Broker
	topic  string
	prefix string
	group  string
	fn     RespondFunc

	// EchoIncremental makes the responder answer every mid-stream message
	// with an incremental response, which is what bidirectional sessions
	// expect. Set before Start.
	EchoIncremental bool

	mu       sync.Mutex
	sessions map[string]*respSession
}

type respSession struct {
	senderID string
	parts    [][]byte
}

// NewResponder creates a responder for the given request topic and response
// topic prefix.
func NewResponder(broker bus.Broker, requestTopic, responsePrefix string, fn RespondFunc) *Responder {
	return &Responder{
		broker:   broker,
		topic:    requestTopic,
		prefix:   responsePrefix,
		group:    "responders",
		fn:       fn,
		sessions: make(map[string]*respSession),
	}
}

// EchoResponder returns a responder that echoes request payloads and
// aggregates streaming sessions by concatenation.
func EchoResponder(broker bus.Broker, requestTopic, responsePrefix string) *Responder {
	return NewResponder(broker, requestTopic, responsePrefix, func(payload []byte) ([]byte, error) {
		return payload, nil
	})
}

func (r *Responder) Start(ctx context.Context) error {
	return r.broker.Subscribe(ctx, r.topic, r.group, r.onMessage)
}

func (r *Responder) Stop(ctx context.Context) error {
	return r.broker.Unsubscribe(ctx, r.topic, r.group)
}

func (r *Responder) onMessage(ctx context.Context, msg *bus.Message) error {
	md, err := wire.Decode(msg.Props)
	if err != nil {
		log.Warn().Err(err).Msg("responder: undecodable request dropped")
		return nil
	}
	if md.Type != wire.MessageTypeRequest {
		return nil
	}
	if md.SessionID != "" {
		return r.onStreamMessage(ctx, md, msg.Payload)
	}
	return r.onRequest(ctx, md, msg.Payload)
}

func (r *Responder) onRequest(ctx context.Context, md wire.Metadata, payload []byte) error {
	out, err := r.fn(payload)
	resp := wire.NewResponse(md.CorrelationID, err == nil, errText(err))
	return r.reply(ctx, md.SenderID, "", resp, out)
}

func (r *Responder) onStreamMessage(ctx context.Context, md wire.Metadata, payload []byte) error {
	r.mu.Lock()
	sess := r.sessions[md.SessionID]
	if sess == nil {
		sess = &respSession{}
		r.sessions[md.SessionID] = sess
	}
	if md.SenderID != "" {
		sess.senderID = md.SenderID
	}
	if !md.StreamEnd {
		sess.parts = append(sess.parts, payload)
	}
	var parts [][]byte
	if md.StreamEnd {
		parts = sess.parts
		delete(r.sessions, md.SessionID)
	}
	senderID := sess.senderID
	r.mu.Unlock()

	if md.StreamEnd {
		// aggregate and resolve the session's waiter
		out, err := r.fn(concat(parts))
		resp := wire.NewResponse(md.SessionID, err == nil, errText(err))
		resp.SessionID = md.SessionID
		resp.StreamFinal = true
		return r.reply(ctx, senderID, md.SessionID, resp, out)
	}
	if r.EchoIncremental {
		out, err := r.fn(payload)
		resp := wire.NewResponse(md.SessionID, err == nil, errText(err))
		resp.SessionID = md.SessionID
		return r.reply(ctx, senderID, md.SessionID, resp, out)
	}
	return nil
}

func (r *Responder) reply(ctx context.Context, senderID, routingKey string, md wire.Metadata, payload []byte) error {
	if senderID == "" {
		log.Warn().Str("correlation_id", md.CorrelationID).Msg("responder: request without sender id, no reply possible")
		return nil
	}
	err := r.broker.Publish(ctx, r.prefix+senderID, routingKey, md.Encode(), payload)
	if err != nil {
		log.Warn().Err(err).Str("sender_id", senderID).Msg("responder: reply failed")
	}
	return nil
}

func concat(parts [][]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
