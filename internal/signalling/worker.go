package signalling

import (
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/brokerwave/sfu/internal/session"
	"github.com/brokerwave/sfu/internal/wire"
)

// RawMessage is one signalling turn queued for processing: the raw
// message and/or JSEP payload a connection received, tagged with the
// transaction ID the response must echo. Payloads stay undecoded until
// the worker picks them up, so decode failures are reported through the
// same response envelope as every other error.
type RawMessage struct {
	From *session.Session
	Txn  string
	Body json.RawMessage
	Jsep json.RawMessage
}

// Worker is the single goroutine that drains the signalling queue.
// Messages are handed off through a zero-capacity channel: a gateway
// thread submitting a message blocks until the worker is ready to take
// it, which keeps all control-plane mutation serialized and
// backpressures the gateway instead of building an unbounded backlog.
// Per-connection FIFO ordering follows from every message passing
// through the one channel.
type Worker struct {
	proc  *Processor
	inbox chan RawMessage
	done  chan struct{}
	log   *zap.Logger
}

// NewWorker starts a Worker backed by proc and returns it. Callers
// send RawMessages with Submit and must call Stop on shutdown.
func NewWorker(proc *Processor, log *zap.Logger) *Worker {
	w := &Worker{
		proc:  proc,
		inbox: make(chan RawMessage),
		done:  make(chan struct{}),
		log:   log,
	}
	go w.run()
	return w
}

// Submit hands a RawMessage to the worker, blocking until it is
// accepted. It returns false if the worker has already stopped.
func (w *Worker) Submit(m RawMessage) bool {
	select {
	case w.inbox <- m:
		return true
	case <-w.done:
		return false
	}
}

// Stop shuts the worker down. Any message already accepted finishes
// processing; Submit calls made after Stop return false.
func (w *Worker) Stop() {
	close(w.done)
}

func (w *Worker) run() {
	for {
		select {
		case m := <-w.inbox:
			w.handle(m)
		case <-w.done:
			return
		}
	}
}

// handle processes one RawMessage under the originating Session's
// destruction mutex, so teardown cannot interleave with message
// processing. A message whose Session was destroyed between enqueue
// and pickup is logged and dropped without a response.
func (w *Worker) handle(m RawMessage) {
	if !m.From.WithDestructionLock(func() { w.process(m) }) {
		w.log.Warn("dropping message for destroyed session", zap.String("txn", m.Txn))
	}
}

// process decodes and dispatches the message stage, then the JSEP
// stage, and pushes exactly one response. The message runs first
// because processing an offer may need to reach publishers the message
// just subscribed the Session to; an error in either stage produces
// the error envelope and skips whatever follows.
func (w *Worker) process(m RawMessage) {
	var msgResult *Result

	msg, err := wire.ParseMessage(m.Body)
	if err != nil {
		w.pushError(m.From, m.Txn, &ParseError{Err: err})
		return
	}
	if msg != nil {
		r, err := w.dispatchMessage(m.From, msg)
		if err != nil {
			w.pushError(m.From, m.Txn, err)
			return
		}
		msgResult = &r
	}

	var jsepOut wire.Jsep
	jsep, err := wire.ParseJsep(m.Jsep)
	if err != nil {
		w.pushError(m.From, m.Txn, &ParseError{Err: err})
		return
	}
	if jsep != nil {
		jsepOut, err = w.dispatchJsep(m.From, jsep)
		if err != nil {
			w.pushError(m.From, m.Txn, err)
			return
		}
	}

	body := map[string]any{"success": true}
	var outJsep wire.Jsep
	if msgResult != nil {
		if msgResult.Body != nil {
			body["response"] = msgResult.Body
		}
		outJsep = msgResult.Jsep
	}
	if jsepOut != nil {
		outJsep = jsepOut
	}
	w.pushSuccess(m.From, m.Txn, body, outJsep)
}

func (w *Worker) dispatchMessage(from *session.Session, msg wire.Message) (Result, error) {
	switch v := msg.(type) {
	case wire.Join:
		return w.proc.ProcessJoin(from, v)
	case wire.Subscribe:
		return w.proc.ProcessSubscribe(from, v)
	case wire.Block:
		return w.proc.ProcessBlock(from, v)
	case wire.Unblock:
		return w.proc.ProcessUnblock(from, v)
	default:
		return Result{}, &ParseError{Err: fmt.Errorf("unhandled message type %T", msg)}
	}
}

func (w *Worker) dispatchJsep(from *session.Session, j wire.Jsep) (wire.Jsep, error) {
	switch v := j.(type) {
	case wire.Offer:
		return w.proc.ProcessOffer(from, v)
	case wire.Answer:
		return w.proc.ProcessAnswer(from, v)
	default:
		return nil, &NegotiationError{Err: fmt.Errorf("unhandled jsep type %T", j)}
	}
}

func (w *Worker) pushError(from *session.Session, txn string, err error) {
	body, marshalErr := json.Marshal(map[string]any{
		"success": false,
		"error":   map[string]string{"msg": err.Error()},
	})
	if marshalErr != nil {
		w.log.Error("marshal error response failed", zap.Error(marshalErr))
		return
	}
	w.proc.push(from, txn, body, nil)
}

func (w *Worker) pushSuccess(from *session.Session, txn string, body map[string]any, jsep wire.Jsep) {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		w.log.Error("marshal success response failed", zap.Error(err))
		return
	}
	var jsepBytes []byte
	if jsep != nil {
		jsepBytes, err = wire.MarshalJsep(jsep)
		if err != nil {
			w.log.Error("marshal response jsep failed", zap.Error(err))
			return
		}
	}
	w.proc.push(from, txn, bodyBytes, jsepBytes)
}
