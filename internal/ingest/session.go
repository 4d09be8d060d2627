// Package ingest drives one statement upload from the extraction request to
// a populated, editable table.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/cleared-dev/passbook/internal/extractor"
	"github.com/cleared-dev/passbook/internal/importer"
	"github.com/cleared-dev/passbook/internal/metrics"
	"github.com/cleared-dev/passbook/internal/model"
	"github.com/cleared-dev/passbook/internal/ndjson"
	"github.com/cleared-dev/passbook/internal/reconcile"
	"github.com/cleared-dev/passbook/internal/table"
)

//go:generate mockgen -destination=mocks/mock_uploader.go -package=mocks github.com/cleared-dev/passbook/internal/ingest Uploader

// State is where a session is in its upload lifecycle.
type State string

const (
	StateIdle             State = "idle"
	StateUploading        State = "uploading"
	StatePasswordRequired State = "password_required"
	StateStreaming        State = "streaming"
	StateComplete         State = "complete"
	StateFailed           State = "failed"
)

// Active reports whether an upload is in flight.
func (s State) Active() bool {
	return s == StateUploading || s == StateStreaming
}

var (
	ErrNoPendingUpload = errors.New("no upload is waiting for a password")
	ErrEmptyPassword   = errors.New("please enter a password")
	ErrBusy            = errors.New("an upload is already in progress")
	ErrSuperseded      = errors.New("upload superseded by a newer attempt")
	ErrNoAccuracy      = errors.New("no accuracy summary to reconcile against")
)

// StreamError is a failure reported by an error record inside the stream.
type StreamError struct {
	Code    string
	Message string
}

func (e *StreamError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("extraction stream error (%s): %s", e.Code, e.Message)
	}
	return "extraction stream error: " + e.Message
}

// Uploader sends one upload attempt to the extraction service.
type Uploader interface {
	Process(ctx context.Context, req extractor.Request) (*extractor.Response, error)
}

// EventKind says what an Event reports.
type EventKind string

const (
	EventState    EventKind = "state"
	EventMetadata EventKind = "metadata"
	EventPage     EventKind = "page_data"
	EventAccuracy EventKind = "accuracy"
	EventEdit     EventKind = "edit"
)

// Event is emitted after every applied record, every state change and every
// committed table edit, so a caller can render progressively.
type Event struct {
	Kind         EventKind               `json:"kind"`
	State        State                   `json:"state"`
	Attempt      uint64                  `json:"attempt"`
	Metadata     *model.DocumentMetadata `json:"metadata,omitempty"`
	Bank         string                  `json:"bank,omitempty"`
	Page         int                     `json:"page,omitempty"`
	Transactions []model.Transaction     `json:"transactions,omitempty"`
	Total        int                     `json:"total"`
	Accuracy     *model.AccuracySummary  `json:"accuracy,omitempty"`
	Stale        bool                    `json:"accuracyStale,omitempty"`
	Message      string                  `json:"message,omitempty"`
	ErrorKind    extractor.ErrorKind     `json:"errorKind,omitempty"`
	Notice       string                  `json:"notice,omitempty"`
}

// Observer receives events. It is called outside the session's lock and
// may read the session.
type Observer func(Event)

// Snapshot is a consistent copy of a session's state.
type Snapshot struct {
	State       State                  `json:"state"`
	Attempt     uint64                 `json:"attempt"`
	Result      *model.IngestionResult `json:"result,omitempty"`
	Version     uint64                 `json:"version"`
	PendingFile string                 `json:"pendingFile,omitempty"`
	Error       string                 `json:"error,omitempty"`
	ErrorKind   extractor.ErrorKind    `json:"errorKind,omitempty"`
}

// Options configures a Session.
type Options struct {
	Banks           *importer.Registry
	MaxBytes        int64
	RecomputeOnEdit bool
	Epsilon         *decimal.Decimal // nil uses reconcile.Epsilon; zero demands an exact match
	Metrics         *metrics.Metrics
	Log             zerolog.Logger
	Clock           func() time.Time
}

// Session owns one user's ingestion result and its editable table.
type Session struct {
	uploader Uploader
	opts     Options
	log      zerolog.Logger
	table    *table.Table
	epsilon  decimal.Decimal

	mu        sync.Mutex
	state     State
	attempt   uint64
	cancel    context.CancelFunc
	pending   *model.PendingUpload
	hasResult bool
	meta      *model.DocumentMetadata
	bank      string
	accuracy  *model.AccuracySummary
	stale     bool
	lastErr   error

	subMu   sync.Mutex
	subs    map[uint64]Observer
	nextSub uint64
}

// NewSession creates an idle session uploading through up.
func NewSession(up Uploader, opts Options) *Session {
	if opts.Banks == nil {
		opts.Banks = importer.DefaultRegistry()
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = importer.DefaultMaxBytes
	}
	s := &Session{
		uploader: up,
		opts:     opts,
		log:      opts.Log,
		epsilon:  reconcile.Epsilon,
		state:    StateIdle,
		subs:     make(map[uint64]Observer),
	}
	if opts.Epsilon != nil {
		s.epsilon = *opts.Epsilon
	}
	tableOpts := []table.Option{table.WithCommitHook(s.onCommit)}
	if opts.Clock != nil {
		tableOpts = append(tableOpts, table.WithClock(opts.Clock))
	}
	s.table = table.New(tableOpts...)
	return s
}

// Table returns the session's editable table.
func (s *Session) Table() *table.Table {
	return s.table
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers fn for every future event and returns a function
// that removes it.
func (s *Session) Subscribe(fn Observer) (unsubscribe func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	key := s.nextSub
	s.nextSub++
	s.subs[key] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, key)
	}
}

func (s *Session) emit(events ...Event) {
	s.subMu.Lock()
	subs := make([]Observer, 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()

	for _, ev := range events {
		for _, fn := range subs {
			fn(ev)
		}
	}
}

// Snapshot returns a copy of the session's state and result.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		State:   s.state,
		Attempt: s.attempt,
		Version: s.table.Version(),
	}
	if s.pending != nil {
		snap.PendingFile = s.pending.Filename
	}
	if s.lastErr != nil {
		snap.Error = s.lastErr.Error()
		snap.ErrorKind = extractor.KindOf(s.lastErr)
	}
	if s.hasResult {
		snap.Result = s.resultLocked()
	}
	return snap
}

// Result returns a copy of the current result, or nil before the first
// upload produced anything.
func (s *Session) Result() *model.IngestionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasResult {
		return nil
	}
	return s.resultLocked()
}

func (s *Session) resultLocked() *model.IngestionResult {
	r := &model.IngestionResult{
		Bank:          s.bank,
		Transactions:  s.table.Rows(),
		AccuracyStale: s.stale,
	}
	if s.meta != nil {
		m := *s.meta
		r.Metadata = &m
	}
	if s.accuracy != nil {
		a := *s.accuracy
		r.Accuracy = &a
	}
	return r
}

// Upload validates p and runs one upload to a terminal state: Complete,
// Failed or PasswordRequired. Validation failures change nothing. A newer
// Upload, SubmitPassword, Cancel or Reset makes this call return
// ErrSuperseded and its remaining records are ignored.
func (s *Session) Upload(ctx context.Context, p model.PendingUpload) (State, error) {
	return s.UploadWithPassword(ctx, p, "")
}

// UploadWithPassword is Upload for a file whose password is already known.
// An empty password sends none.
func (s *Session) UploadWithPassword(ctx context.Context, p model.PendingUpload, password string) (State, error) {
	if err := importer.Validate(&p, s.opts.Banks, s.opts.MaxBytes); err != nil {
		return s.State(), err
	}
	return s.start(ctx, p, password)
}

func (s *Session) start(ctx context.Context, p model.PendingUpload, password string) (State, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.attempt++
	attempt := s.attempt
	s.cancel = cancel
	s.pending = &p
	s.lastErr = nil
	s.setStateLocked(StateUploading)
	ev := s.eventLocked(EventState)
	s.mu.Unlock()
	s.emit(ev)

	s.log.Info().
		Uint64("attempt", attempt).
		Str("file", p.Filename).
		Str("bank", p.Bank).
		Bool("password", password != "").
		Msg("upload started")

	started := time.Now()
	state, err := s.run(ctx, attempt, extractor.RequestFor(p, password))
	if !errors.Is(err, ErrSuperseded) {
		s.opts.Metrics.UploadFinished(string(state), time.Since(started).Seconds())
	}

	s.mu.Lock()
	if s.attempt == attempt {
		s.cancel = nil
	}
	s.mu.Unlock()
	return state, err
}

func (s *Session) run(ctx context.Context, attempt uint64, req extractor.Request) (State, error) {
	resp, err := s.uploader.Process(ctx, req)
	if err != nil {
		return s.fail(attempt, err)
	}
	defer resp.Close()

	switch {
	case resp.Result != nil:
		return s.applyResult(attempt, resp.Result)
	case resp.Stream != nil:
		return s.consume(ctx, attempt, resp.Stream)
	default:
		return s.fail(attempt, errors.New("extraction service returned an empty response"))
	}
}

// consume applies stream records in arrival order until the stream ends.
func (s *Session) consume(ctx context.Context, attempt uint64, stream io.Reader) (State, error) {
	if !s.transition(attempt, StateStreaming) {
		return s.superseded()
	}

	dec := ndjson.NewDecoder(stream, s.log.With().Uint64("attempt", attempt).Logger())
	defer func() { s.opts.Metrics.LinesSkipped(dec.Skipped()) }()

	fresh := false
	for {
		raw, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil && !s.current(attempt) {
				return s.superseded()
			}
			return s.fail(attempt, fmt.Errorf("reading extraction stream: %w", err))
		}

		rec, err := DecodeRecord(raw)
		if err != nil {
			s.log.Warn().Err(err).Uint64("attempt", attempt).Msg("skipping stream record")
			continue
		}
		if rec.Type == RecordError {
			return s.fail(attempt, &StreamError{Code: rec.Code, Message: rec.ErrorMessage()})
		}

		ev, ok := s.apply(attempt, &fresh, rec)
		if !ok {
			return s.superseded()
		}
		s.emit(ev)
	}
	return s.complete(attempt, fresh)
}

// apply folds one record into the result. The first record of an attempt
// replaces whatever an earlier upload left on screen.
func (s *Session) apply(attempt uint64, fresh *bool, rec Record) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.attempt != attempt {
		return Event{}, false
	}
	if !*fresh {
		s.beginLocked()
		*fresh = true
	}

	var ev Event
	switch rec.Type {
	case RecordMetadata:
		m := *rec.Metadata
		s.meta = &m
		if rec.Bank != "" {
			s.bank = rec.Bank
		}
		ev = s.eventLocked(EventMetadata)
		ev.Metadata = &m
		ev.Bank = s.bank
		s.opts.Metrics.RecordApplied(string(rec.Type), 0)
	case RecordPageData:
		added := s.table.Append(rec.Transactions)
		ev = s.eventLocked(EventPage)
		ev.Page = rec.Page
		ev.Transactions = added
		s.log.Debug().
			Uint64("attempt", attempt).
			Int("page", rec.Page).
			Int("rows", len(added)).
			Msg("page applied")
		s.opts.Metrics.RecordApplied(string(rec.Type), len(added))
	case RecordAccuracy:
		a := *rec.Accuracy
		s.accuracy = &a
		s.stale = false
		ev = s.eventLocked(EventAccuracy)
		ev.Accuracy = &a
		s.opts.Metrics.RecordApplied(string(rec.Type), 0)
	}
	ev.Total = s.table.Len()
	return ev, true
}

// applyResult installs a synchronous answer in one step.
func (s *Session) applyResult(attempt uint64, r *model.IngestionResult) (State, error) {
	s.mu.Lock()
	if s.attempt != attempt {
		s.mu.Unlock()
		return s.superseded()
	}
	s.beginLocked()

	var events []Event
	if r.Metadata != nil {
		m := *r.Metadata
		s.meta = &m
		ev := s.eventLocked(EventMetadata)
		ev.Metadata = &m
		events = append(events, ev)
	}
	if r.Bank != "" {
		s.bank = r.Bank
	}
	added := s.table.Append(r.Transactions)
	page := s.eventLocked(EventPage)
	page.Transactions = added
	page.Total = len(added)
	events = append(events, page)
	s.opts.Metrics.RecordApplied(string(RecordPageData), len(added))
	if r.Accuracy != nil {
		a := *r.Accuracy
		s.accuracy = &a
		ev := s.eventLocked(EventAccuracy)
		ev.Accuracy = &a
		events = append(events, ev)
	}

	s.pending = nil
	s.setStateLocked(StateComplete)
	done := s.eventLocked(EventState)
	done.Total = len(added)
	events = append(events, done)
	s.mu.Unlock()

	s.emit(events...)
	s.log.Info().Uint64("attempt", attempt).Int("rows", len(added)).Msg("upload complete")
	return StateComplete, nil
}

// beginLocked clears the previous result for a new attempt's first data.
func (s *Session) beginLocked() {
	s.hasResult = true
	s.meta = nil
	s.accuracy = nil
	s.stale = false
	s.bank = ""
	if s.pending != nil {
		s.bank = s.pending.Bank
	}
	s.table.Replace(nil)
}

func (s *Session) complete(attempt uint64, fresh bool) (State, error) {
	s.mu.Lock()
	if s.attempt != attempt {
		s.mu.Unlock()
		return s.superseded()
	}
	if !fresh {
		// A stream without records still replaces the previous result.
		s.beginLocked()
	}
	s.pending = nil
	s.setStateLocked(StateComplete)
	ev := s.eventLocked(EventState)
	ev.Total = s.table.Len()
	s.mu.Unlock()

	s.emit(ev)
	s.log.Info().Uint64("attempt", attempt).Int("rows", ev.Total).Msg("upload complete")
	return StateComplete, nil
}

// fail moves the attempt to PasswordRequired or Failed. Rows already
// appended stay in the table.
func (s *Session) fail(attempt uint64, err error) (State, error) {
	s.mu.Lock()
	if s.attempt != attempt {
		s.mu.Unlock()
		return s.superseded()
	}

	next := StateFailed
	switch extractor.KindOf(err) {
	case extractor.KindPasswordRequired, extractor.KindInvalidPassword:
		next = StatePasswordRequired
	default:
		s.pending = nil
	}
	s.lastErr = err
	s.setStateLocked(next)
	ev := s.eventLocked(EventState)
	s.mu.Unlock()

	s.emit(ev)
	if next == StateFailed {
		s.log.Warn().Err(err).Uint64("attempt", attempt).Int("rows", ev.Total).Msg("upload failed")
	} else {
		s.log.Info().Uint64("attempt", attempt).Str("kind", string(ev.ErrorKind)).Msg("password required")
	}
	return next, err
}

func (s *Session) superseded() (State, error) {
	return s.State(), ErrSuperseded
}

func (s *Session) current(attempt uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt == attempt
}

func (s *Session) transition(attempt uint64, to State) bool {
	s.mu.Lock()
	if s.attempt != attempt {
		s.mu.Unlock()
		return false
	}
	s.setStateLocked(to)
	ev := s.eventLocked(EventState)
	s.mu.Unlock()
	s.emit(ev)
	return true
}

func (s *Session) setStateLocked(to State) {
	if s.state == to {
		return
	}
	s.log.Debug().
		Str("from", string(s.state)).
		Str("to", string(to)).
		Uint64("attempt", s.attempt).
		Msg("session state changed")
	s.state = to
}

func (s *Session) eventLocked(kind EventKind) Event {
	ev := Event{
		Kind:    kind,
		State:   s.state,
		Attempt: s.attempt,
		Total:   s.table.Len(),
		Stale:   s.stale,
	}
	if kind == EventState && s.lastErr != nil {
		ev.Message = s.lastErr.Error()
		ev.ErrorKind = extractor.KindOf(s.lastErr)
		var apiErr *extractor.APIError
		if errors.As(s.lastErr, &apiErr) && apiErr.Message != "" {
			ev.Message = apiErr.Message
		}
	}
	return ev
}

// Cancel abandons the in-flight upload or a pending password prompt. The
// result on screen is kept. It reports whether there was anything to cancel.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	if !s.state.Active() && s.state != StatePasswordRequired {
		s.mu.Unlock()
		return false
	}
	s.attempt++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.pending = nil
	s.lastErr = nil
	s.setStateLocked(StateIdle)
	ev := s.eventLocked(EventState)
	s.mu.Unlock()

	s.emit(ev)
	return true
}

// Reset abandons any upload and discards the result.
func (s *Session) Reset() {
	s.mu.Lock()
	s.attempt++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.pending = nil
	s.lastErr = nil
	s.hasResult = false
	s.meta = nil
	s.accuracy = nil
	s.stale = false
	s.bank = ""
	s.table.Replace(nil)
	s.setStateLocked(StateIdle)
	ev := s.eventLocked(EventState)
	s.mu.Unlock()

	s.emit(ev)
}

// Reconcile recomputes the accuracy summary from the current rows and the
// summary's opening and declared closing balances.
func (s *Session) Reconcile() (model.AccuracySummary, error) {
	s.mu.Lock()
	if s.accuracy == nil {
		s.mu.Unlock()
		return model.AccuracySummary{}, ErrNoAccuracy
	}
	sum := reconcile.ReconcileWithEpsilon(s.table.Rows(), s.accuracy.OpeningBalance, s.accuracy.ClosingBalance, s.epsilon)
	s.accuracy = &sum
	s.stale = false
	ev := s.eventLocked(EventAccuracy)
	ev.Accuracy = &sum
	s.mu.Unlock()

	s.emit(ev)
	return sum, nil
}

// onCommit runs after every committed table change.
func (s *Session) onCommit(op table.Op, rows []model.Transaction) {
	s.mu.Lock()
	if s.accuracy != nil {
		if s.opts.RecomputeOnEdit {
			sum := reconcile.ReconcileWithEpsilon(rows, s.accuracy.OpeningBalance, s.accuracy.ClosingBalance, s.epsilon)
			s.accuracy = &sum
			s.stale = false
		} else {
			s.stale = true
		}
	}
	ev := s.eventLocked(EventEdit)
	ev.Total = len(rows)
	ev.Notice = table.NoticeFor(op)
	if s.accuracy != nil {
		a := *s.accuracy
		ev.Accuracy = &a
	}
	s.mu.Unlock()

	s.opts.Metrics.TableEdit(string(op))
	s.log.Debug().Str("op", string(op)).Int("rows", len(rows)).Msg("table edited")
	s.emit(ev)
}
