package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/cleared-dev/passbook/internal/export"
	"github.com/cleared-dev/passbook/internal/ingest"
	"github.com/cleared-dev/passbook/internal/model"
	"github.com/cleared-dev/passbook/internal/table"
)

var errBadRequest = errors.New("bad request")

// multipartOverhead is allowed on top of the file size limit for the other
// form fields and part headers.
const multipartOverhead = 1 << 20

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.store.Len(),
	})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Stats == nil {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: http.StatusText(http.StatusNotFound), Message: "no statistics source configured"})
		return
	}
	raw, err := s.cfg.Stats.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (s *Server) banks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"banks": s.cfg.Banks.Banks()})
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	sid, _ := s.store.Create()
	s.log.Debug().Str("session", sid).Msg("session created")
	writeJSON(w, http.StatusCreated, map[string]string{"id": sid})
}

// session resolves the {id} URL parameter, answering 404 itself when the
// session does not exist.
func (s *Server) session(w http.ResponseWriter, r *http.Request) (*ingest.Session, bool) {
	sess, ok := s.store.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, errSessionNotFound)
		return nil, false
	}
	return sess, true
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if !s.store.Delete(chi.URLParam(r, "id")) {
		writeError(w, errSessionNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBytes+multipartOverhead)
	if err := r.ParseMultipartForm(multipartOverhead); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, err)
			return
		}
		writeError(w, fmt.Errorf("%w: parsing upload form: %v", errBadRequest, err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, hdr, err := r.FormFile("statement")
	if err != nil {
		writeError(w, fmt.Errorf("%w: missing statement file", errBadRequest))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, fmt.Errorf("reading statement: %w", err))
		return
	}

	p := model.PendingUpload{
		Filename:    hdr.Filename,
		ContentType: hdr.Header.Get("Content-Type"),
		Data:        data,
		Bank:        r.FormValue("bankName"),
	}
	password := r.FormValue("password")

	s.streamCall(w, sess, func() (ingest.State, error) {
		return sess.UploadWithPassword(r.Context(), p, password)
	})
}

type passwordRequest struct {
	Password string `json:"password"`
}

func (s *Server) submitPassword(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	var req passwordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid JSON body", errBadRequest))
		return
	}

	s.streamCall(w, sess, func() (ingest.State, error) {
		return sess.SubmitPassword(r.Context(), req.Password)
	})
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	cancelled := sess.Cancel()
	writeJSON(w, http.StatusOK, map[string]any{
		"cancelled": cancelled,
		"state":     sess.State(),
	})
}

func (s *Server) rows(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	tbl := sess.Table()
	writeJSON(w, http.StatusOK, map[string]any{
		"version": tbl.Version(),
		"rows":    tbl.Rows(),
	})
}

type proposalRequest struct {
	Op       table.Op           `json:"op"`
	Index    int                `json:"index"`
	Field    string             `json:"field,omitempty"`
	Value    string             `json:"value,omitempty"`
	Template *model.Transaction `json:"template,omitempty"`
}

func (s *Server) propose(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	var req proposalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid JSON body", errBadRequest))
		return
	}

	tbl := sess.Table()
	var (
		p   table.Proposal
		err error
	)
	switch req.Op {
	case table.OpEdit:
		var f table.Field
		if f, err = table.ParseField(req.Field); err == nil {
			p, err = tbl.ProposeEdit(req.Index, f, req.Value)
		}
	case table.OpInsert:
		p, err = tbl.ProposeInsert(req.Index, req.Template)
	case table.OpDelete:
		p, err = tbl.ProposeDelete(req.Index)
	default:
		err = fmt.Errorf("%w: unknown op %q", errBadRequest, req.Op)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) getProposal(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	p, found := sess.Table().Proposal(chi.URLParam(r, "pid"))
	if !found {
		writeError(w, table.ErrUnknownProposal)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) commitProposal(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	notice, err := sess.Table().Commit(chi.URLParam(r, "pid"))
	if err != nil {
		writeError(w, err)
		return
	}
	snap := sess.Snapshot()
	resp := map[string]any{
		"notice":  notice,
		"version": snap.Version,
	}
	if snap.Result != nil {
		resp["total"] = len(snap.Result.Transactions)
		resp["accuracy"] = snap.Result.Accuracy
		resp["accuracyStale"] = snap.Result.AccuracyStale
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) discardProposal(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := sess.Table().Discard(chi.URLParam(r, "pid")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) reconcile(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sum, err := sess.Reconcile()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// result returns the session's current result, answering 409 itself when
// there is none.
func (s *Server) result(w http.ResponseWriter, r *http.Request) (*model.IngestionResult, bool) {
	sess, ok := s.session(w, r)
	if !ok {
		return nil, false
	}
	res := sess.Result()
	if res == nil {
		writeError(w, errNoResult)
		return nil, false
	}
	return res, true
}

func attachment(w http.ResponseWriter, contentType, name string) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
}

func (s *Server) exportCSV(w http.ResponseWriter, r *http.Request) {
	res, ok := s.result(w, r)
	if !ok {
		return
	}
	attachment(w, "text/csv; charset=utf-8", export.CSVFileName(s.now()))
	err := export.WriteCSV(w, res.Transactions)
	s.cfg.Metrics.Export("csv", err)
	if err != nil {
		s.log.Warn().Err(err).Msg("CSV export failed")
	}
}

func (s *Server) exportTally(w http.ResponseWriter, r *http.Request) {
	res, ok := s.result(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	if q.Has("ledger") && strings.TrimSpace(q.Get("ledger")) == "" {
		s.cfg.Metrics.Export("tally", export.ErrNoLedgerName)
		writeError(w, export.ErrNoLedgerName)
		return
	}
	ledger := export.LedgerName(res.Metadata, q.Get("ledger"), s.cfg.DefaultLedger)

	xml, err := export.TallyXML(res.Transactions, ledger)
	s.cfg.Metrics.Export("tally", err)
	if err != nil {
		writeError(w, err)
		return
	}
	attachment(w, "text/xml; charset=utf-8", export.TallyFileName(ledger))
	_, _ = io.WriteString(w, xml)
}

func (s *Server) exportXLSX(w http.ResponseWriter, r *http.Request) {
	res, ok := s.result(w, r)
	if !ok {
		return
	}
	attachment(w, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", export.XLSXFileName(s.now()))
	err := export.WriteXLSX(w, res.Transactions, res.Metadata, res.Accuracy)
	s.cfg.Metrics.Export("xlsx", err)
	if err != nil {
		s.log.Warn().Err(err).Msg("XLSX export failed")
	}
}
