package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/cosim-go/cosim/graph"
	"github.com/cosim-go/cosim/wire"
)

// pending is one in-flight outbound request awaiting its reply.
type pending struct {
	ch chan wire.Message
}

// TCPProxy talks to a simulator over a net.Conn using the length-prefixed
// JSON framing in package wire. One TCPProxy owns a single connection and
// multiplexes outbound requests (orchestrator -> simulator) against
// inbound requests (simulator -> orchestrator, serviced through
// Callbacks) on the same stream, the way the teacher's cluster event loop
// multiplexes arrivals and completions on one heap rather than two
// separate queues.
type TCPProxy struct {
	self      graph.SimID
	conn      net.Conn
	codec     *wire.Codec
	callbacks Callbacks

	// limiter bounds how fast inbound requests from this simulator are
	// serviced, protecting the orchestrator from a runaway or malicious
	// peer flooding callback requests.
	limiter *rate.Limiter

	mu      sync.Mutex
	waiting map[string]pending
	closed  bool
	readErr error

	stop chan struct{}
	done chan struct{}

	// wlog is a narrow, high-volume trace logger for individual wire
	// frames, kept separate from logrus's state-transition/warning
	// logging so frame-level tracing can be toggled without touching
	// the orchestrator's normal log level.
	wlog zerolog.Logger
}

// NewTCPProxy wraps an already-established connection to sid and starts
// the inbound request loop. callbacks may be nil for a simulator that
// never calls back into the orchestrator.
func NewTCPProxy(sid graph.SimID, conn net.Conn, callbacks Callbacks) *TCPProxy {
	p := &TCPProxy{
		self:      sid,
		conn:      conn,
		codec:     wire.NewCodec(conn),
		callbacks: callbacks,
		limiter:   rate.NewLimiter(rate.Limit(200), 400),
		waiting:   make(map[string]pending),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		wlog:      zerolog.New(os.Stderr).Level(zerolog.WarnLevel).With().Str("sid", string(sid)).Logger(),
	}
	go p.readLoop()
	return p
}

// readLoop is the single reader of conn: it demultiplexes inbound frames,
// routing replies to the outbound call that is waiting on them and
// requests to the inbound callback handler.
func (p *TCPProxy) readLoop() {
	defer close(p.done)
	for {
		msg, err := p.codec.ReadMessage()
		if err != nil {
			p.mu.Lock()
			p.closed = true
			p.readErr = err
			waiters := p.waiting
			p.waiting = nil
			p.mu.Unlock()
			for _, w := range waiters {
				close(w.ch)
			}
			if !errors.Is(err, io.EOF) {
				logrus.WithField("sid", p.self).WithError(err).Warn("proxy: tcp connection read failed")
			}
			return
		}

		p.wlog.Trace().Int("kind", int(msg.Kind)).Str("id", msg.ID).Msg("wire: frame received")

		switch msg.Kind {
		case wire.Success, wire.Failure:
			p.mu.Lock()
			w, ok := p.waiting[msg.ID]
			if ok {
				delete(p.waiting, msg.ID)
			}
			p.mu.Unlock()
			if !ok {
				logrus.WithFields(logrus.Fields{"sid": p.self, "id": msg.ID}).Warn("proxy: reply with no matching outbound request")
				continue
			}
			w.ch <- msg
			close(w.ch)
		case wire.Request:
			go p.serviceInbound(msg)
		default:
			logrus.WithFields(logrus.Fields{"sid": p.self, "kind": msg.Kind}).Warn("proxy: unknown message kind")
		}
	}
}

// serviceInbound handles one simulator -> orchestrator request, replying
// on the same connection.
func (p *TCPProxy) serviceInbound(msg wire.Message) {
	if err := p.limiter.Wait(context.Background()); err != nil {
		return
	}
	req, err := wire.DecodeRequestPayload(msg.Payload)
	if err != nil {
		p.replyFailure(msg.ID, err.Error())
		return
	}
	result, err := p.dispatchInbound(context.Background(), req)
	if err != nil {
		p.replyFailure(msg.ID, err.Error())
		return
	}
	if werr := p.codec.WriteMessage(wire.Success, msg.ID, result); werr != nil {
		logrus.WithField("sid", p.self).WithError(werr).Warn("proxy: failed writing inbound reply")
	}
}

func (p *TCPProxy) replyFailure(id, cause string) {
	if err := p.codec.WriteMessage(wire.Failure, id, cause); err != nil {
		logrus.WithField("sid", p.self).WithError(err).Warn("proxy: failed writing failure reply")
	}
}

func (p *TCPProxy) dispatchInbound(ctx context.Context, req wire.RequestPayload) (any, error) {
	if p.callbacks == nil {
		return nil, fmt.Errorf("proxy: simulator %s called %q but no callback handler is configured", p.self, req.Method)
	}
	switch req.Method {
	case "get_progress":
		sid, _ := req.PositionalArgs[0].(string)
		return p.callbacks.GetProgress(ctx, graph.SimID(sid))
	case "get_related_entities":
		sid, _ := req.PositionalArgs[0].(string)
		entities := decodeFullIDs(req.PositionalArgs[1])
		return p.callbacks.GetRelatedEntities(ctx, graph.SimID(sid), entities)
	case "get_data":
		req2 := decodeDataRequest(req.PositionalArgs[0])
		return p.callbacks.GetData(ctx, p.self, req2)
	case "set_data":
		data := decodeNestedData(req.PositionalArgs[0])
		return nil, p.callbacks.SetData(ctx, p.self, data)
	case "set_event":
		t, _ := req.PositionalArgs[0].(float64)
		payload := decodeTimedPayload(req.PositionalArgs[1])
		return nil, p.callbacks.SetEvent(ctx, p.self, int64(t), payload)
	default:
		return nil, fmt.Errorf("proxy: unknown inbound method %q from simulator %s", req.Method, p.self)
	}
}

// call sends an outbound request and blocks for its reply, or until ctx
// is canceled or the connection closes.
func (p *TCPProxy) call(ctx context.Context, method string, args []any, kwargs map[string]any) (json.RawMessage, error) {
	id := uuid.NewString()
	ch := make(chan wire.Message, 1)

	p.mu.Lock()
	if p.closed {
		err := p.readErr
		p.mu.Unlock()
		if err == nil {
			err = errors.New("proxy: connection closed")
		}
		return nil, fmt.Errorf("proxy: simulator %s: %w", p.self, err)
	}
	p.waiting[id] = pending{ch: ch}
	p.mu.Unlock()

	payload := wire.RequestPayload{Method: method, PositionalArgs: args, NamedArgs: kwargs}
	if err := p.codec.WriteMessage(wire.Request, id, [3]any{payload.Method, payload.PositionalArgs, payload.NamedArgs}); err != nil {
		p.mu.Lock()
		delete(p.waiting, id)
		p.mu.Unlock()
		return nil, fmt.Errorf("proxy: write %s to simulator %s: %w", method, p.self, err)
	}
	p.wlog.Trace().Str("id", id).Str("method", method).Msg("wire: frame sent")

	select {
	case <-ctx.Done():
		p.mu.Lock()
		delete(p.waiting, id)
		p.mu.Unlock()
		return nil, ctx.Err()
	case msg, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("proxy: simulator %s connection closed awaiting reply to %s", p.self, method)
		}
		if msg.Kind == wire.Failure {
			cause, _ := wire.FailurePayload(msg.Payload)
			return nil, fmt.Errorf("proxy: simulator %s rejected %s: %s", p.self, method, cause)
		}
		return msg.Payload, nil
	}
}

func (p *TCPProxy) Init(ctx context.Context, sid graph.SimID, timeResolution float64, extraParams map[string]any) (*Metadata, error) {
	raw, err := p.call(ctx, "init", []any{string(sid)}, map[string]any{"time_resolution": timeResolution, "extra": extraParams})
	if err != nil {
		return nil, err
	}
	return decodeMetadata(raw)
}

func (p *TCPProxy) Create(ctx context.Context, num int, model string, params map[string]any) ([]EntityDescriptor, error) {
	raw, err := p.call(ctx, "create", []any{num, model}, params)
	if err != nil {
		return nil, err
	}
	var descs []EntityDescriptor
	if err := json.Unmarshal(raw, &descs); err != nil {
		return nil, fmt.Errorf("proxy: decode create result from %s: %w", p.self, err)
	}
	return descs, nil
}

func (p *TCPProxy) SetupDone(ctx context.Context) error {
	_, err := p.call(ctx, "setup_done", nil, nil)
	return err
}

func (p *TCPProxy) Step(ctx context.Context, time int64, inputs map[string]map[string]map[string]any, maxAdvance int64) (*int64, error) {
	raw, err := p.call(ctx, "step", []any{time, inputs, maxAdvance}, nil)
	if err != nil {
		return nil, err
	}
	var next *int64
	if err := json.Unmarshal(raw, &next); err != nil {
		return nil, fmt.Errorf("proxy: decode step result from %s: %w", p.self, err)
	}
	return next, nil
}

func (p *TCPProxy) GetData(ctx context.Context, request map[string][]string) (map[string]map[string]any, error) {
	raw, err := p.call(ctx, "get_data", []any{request}, nil)
	if err != nil {
		return nil, err
	}
	var data map[string]map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("proxy: decode get_data result from %s: %w", p.self, err)
	}
	return data, nil
}

func (p *TCPProxy) Stop(ctx context.Context) error {
	defer close(p.stop)
	_, err := p.call(ctx, "stop", nil, nil)
	closeErr := p.conn.Close()
	<-p.done
	if err != nil {
		return err
	}
	return closeErr
}

func (p *TCPProxy) CallExtra(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error) {
	raw, err := p.call(ctx, method, args, kwargs)
	if err != nil {
		return nil, err
	}
	var result any
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("proxy: decode %s result from %s: %w", method, p.self, err)
	}
	return result, nil
}

func decodeMetadata(raw json.RawMessage) (*Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("proxy: decode init metadata: %w", err)
	}
	return &m, nil
}

func decodeFullIDs(v any) []graph.FullID {
	items, _ := v.([]any)
	out := make([]graph.FullID, 0, len(items))
	for _, it := range items {
		s, _ := it.(string)
		out = append(out, parseFullID(s))
	}
	return out
}

func parseFullID(s string) graph.FullID {
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return graph.FullID{Sid: graph.SimID(s[:i]), Eid: graph.EntityID(s[i+1:])}
		}
	}
	return graph.FullID{Sid: graph.SimID(s)}
}

func decodeDataRequest(v any) map[string][]string {
	m, _ := v.(map[string]any)
	out := make(map[string][]string, len(m))
	for k, vv := range m {
		items, _ := vv.([]any)
		attrs := make([]string, 0, len(items))
		for _, it := range items {
			s, _ := it.(string)
			attrs = append(attrs, s)
		}
		out[k] = attrs
	}
	return out
}

func decodeNestedData(v any) map[string]map[string]map[string]any {
	raw, _ := v.(map[string]any)
	out := make(map[string]map[string]map[string]any, len(raw))
	for eid, v1 := range raw {
		attrs, _ := v1.(map[string]any)
		am := make(map[string]map[string]any, len(attrs))
		for attr, v2 := range attrs {
			srcs, _ := v2.(map[string]any)
			am[attr] = srcs
		}
		out[eid] = am
	}
	return out
}

func decodeTimedPayload(v any) map[string]map[string]any {
	raw, _ := v.(map[string]any)
	out := make(map[string]map[string]any, len(raw))
	for eid, v1 := range raw {
		attrs, _ := v1.(map[string]any)
		out[eid] = attrs
	}
	return out
}
