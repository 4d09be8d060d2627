package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cleared-dev/passbook/internal/extractor"
	"github.com/cleared-dev/passbook/internal/ingest"
)

// eventStream writes session events to a response as NDJSON. Headers are
// sent with the first event, so a call that fails before emitting anything
// can still answer with an ordinary error status.
type eventStream struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	enc     *json.Encoder
	started bool
	closed  bool
	log     zerolog.Logger
}

func newEventStream(w http.ResponseWriter, log zerolog.Logger) *eventStream {
	return &eventStream{w: w, enc: json.NewEncoder(w), log: log}
}

// streamDone is the last line of every stream.
type streamDone struct {
	Kind      string              `json:"kind"`
	State     ingest.State        `json:"state"`
	Total     int                 `json:"total"`
	Error     string              `json:"error,omitempty"`
	ErrorKind extractor.ErrorKind `json:"errorKind,omitempty"`
}

func (s *eventStream) send(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if !s.started {
		s.w.Header().Set("Content-Type", "application/x-ndjson")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("X-Content-Type-Options", "nosniff")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	if err := s.enc.Encode(v); err != nil {
		s.log.Debug().Err(err).Msg("event stream write failed")
		s.closed = true
		return
	}
	if f, ok := s.w.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *eventStream) isStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// streamCall subscribes to sess, runs call and writes every event it
// produces followed by a done line. Errors raised before the first event are
// answered with writeError.
func (srv *Server) streamCall(w http.ResponseWriter, sess *ingest.Session, call func() (ingest.State, error)) {
	es := newEventStream(w, srv.log)
	unsubscribe := sess.Subscribe(func(ev ingest.Event) { es.send(ev) })
	state, err := call()
	unsubscribe()

	if err != nil && !es.isStarted() {
		writeError(w, err)
		return
	}

	done := streamDone{Kind: "done", State: state, Total: sess.Table().Len()}
	if err != nil {
		done.Error = err.Error()
		done.ErrorKind = extractor.KindOf(err)
		var apiErr *extractor.APIError
		if errors.As(err, &apiErr) && apiErr.Message != "" {
			done.Error = apiErr.Message
		}
	}
	es.send(done)
}
