package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/cleared-dev/passbook/internal/extractor"
	"github.com/cleared-dev/passbook/internal/ingest"
	"github.com/cleared-dev/passbook/internal/ingest/mocks"
	"github.com/cleared-dev/passbook/internal/metrics"
)

var statementPDF = []byte("%PDF-1.4\n1 0 obj\n<<>>\nendobj\n%%EOF\n")

const (
	metadataLine = `{"type":"metadata","metadata":{"filename":"march.pdf","page_count":1,"bank_name":"HDFC BANK"}}`
	pageLine     = `{"type":"page_data","page":1,"transactions":[` +
		`{"date":"01-04-2024","txnId":"T1","remarks":"Salary","amount":100,"balance":1100,"type":"CREDIT"},` +
		`{"date":"02-04-2024","txnId":"T2","remarks":"Rent","amount":40,"balance":1060,"type":"DEBIT"}]}`
	accuracyLine = `{"type":"accuracy","accuracy":{"openingBalance":1000,"calculatedClosingBalance":1060,"closingBalance":1060,"isAccurate":true}}`
)

type fakeStats struct {
	raw json.RawMessage
	err error
}

func (f fakeStats) Stats(context.Context) (json.RawMessage, error) { return f.raw, f.err }

type testServer struct {
	*httptest.Server
	up  *mocks.MockUploader
	srv *Server
	reg *prometheus.Registry
}

func newTestServer(t *testing.T, mutate ...func(*Config)) *testServer {
	t.Helper()
	ctrl := gomock.NewController(t)
	up := mocks.NewMockUploader(ctrl)
	reg := prometheus.NewRegistry()

	cfg := Config{
		Uploader:      up,
		Stats:         fakeStats{raw: json.RawMessage(`{"processed":3}`)},
		DefaultLedger: "Bank Account",
		SessionTTL:    time.Hour,
		Metrics:       metrics.New(reg),
		Gatherer:      reg,
		Log:           zerolog.Nop(),
		Clock:         func() time.Time { return time.UnixMilli(1712000000000) },
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	srv := New(cfg)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, up: up, srv: srv, reg: reg}
}

func ndjsonStream(lines ...string) *extractor.Response {
	return &extractor.Response{Stream: io.NopCloser(strings.NewReader(strings.Join(lines, "\n") + "\n"))}
}

func (ts *testServer) createSession(t *testing.T) string {
	t.Helper()
	resp, err := http.Post(ts.URL+"/api/v1/sessions", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var body struct{ ID string }
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body.ID)
	return body.ID
}

func uploadBody(t *testing.T, filename, contentType string, data []byte, fields map[string]string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if filename != "" {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", `form-data; name="statement"; filename="`+filename+`"`)
		h.Set("Content-Type", contentType)
		fw, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func (ts *testServer) upload(t *testing.T, sid string, fields map[string]string) *http.Response {
	t.Helper()
	body, ct := uploadBody(t, "march.pdf", "application/pdf", statementPDF, fields)
	resp, err := http.Post(ts.URL+"/api/v1/sessions/"+sid+"/upload", ct, body)
	require.NoError(t, err)
	return resp
}

// readEvents decodes an NDJSON response into generic objects.
func readEvents(t *testing.T, resp *http.Response) []map[string]any {
	t.Helper()
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	var events []map[string]any
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	for sc.Scan() {
		var ev map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		events = append(events, ev)
	}
	require.NoError(t, sc.Err())
	require.NotEmpty(t, events)
	return events
}

func eventKinds(events []map[string]any) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev["kind"].(string)
		if out[i] == "state" {
			out[i] += ":" + ev["state"].(string)
		}
	}
	return out
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.URL+path, r)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

// loaded returns a session that already holds the two sample rows.
func (ts *testServer) loaded(t *testing.T) string {
	t.Helper()
	ts.up.EXPECT().Process(gomock.Any(), gomock.Any()).Return(ndjsonStream(metadataLine, pageLine, accuracyLine), nil)
	sid := ts.createSession(t)
	events := readEvents(t, ts.upload(t, sid, map[string]string{"bankName": "HDFC BANK"}))
	require.Equal(t, "complete", events[len(events)-1]["state"])
	return sid
}

func TestSessionLifecycle(t *testing.T) {
	ts := newTestServer(t)
	sid := ts.createSession(t)

	resp, body := ts.do(t, http.MethodGet, "/api/v1/sessions/"+sid, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"state":"idle","attempt":0,"version":0}`, string(body))

	resp, _ = ts.do(t, http.MethodDelete, "/api/v1/sessions/"+sid, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodGet, "/api/v1/sessions/"+sid, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodGet, "/api/v1/sessions/not-a-session", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodDelete, "/api/v1/sessions/"+sid, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpload_StreamsEvents(t *testing.T) {
	ts := newTestServer(t)
	ts.up.EXPECT().Process(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req extractor.Request) (*extractor.Response, error) {
			assert.Equal(t, "HDFC BANK", req.Bank)
			assert.Equal(t, "march.pdf", req.Filename)
			assert.Empty(t, req.Password)
			return ndjsonStream(metadataLine, pageLine, accuracyLine), nil
		})

	sid := ts.createSession(t)
	events := readEvents(t, ts.upload(t, sid, map[string]string{"bankName": "hdfc bank"}))

	assert.Equal(t, []string{
		"state:uploading", "state:streaming", "metadata", "page_data", "accuracy", "state:complete", "done",
	}, eventKinds(events))
	done := events[len(events)-1]
	assert.Equal(t, "complete", done["state"])
	assert.Equal(t, float64(2), done["total"])

	_, body := ts.do(t, http.MethodGet, "/api/v1/sessions/"+sid+"/rows", nil)
	var rows struct {
		Rows []map[string]any `json:"rows"`
	}
	require.NoError(t, json.Unmarshal(body, &rows))
	require.Len(t, rows.Rows, 2)
	assert.Equal(t, "T1", rows.Rows[0]["txnId"])
}

func TestUpload_ValidationErrors(t *testing.T) {
	tests := []struct {
		name       string
		filename   string
		ct         string
		data       []byte
		fields     map[string]string
		wantStatus int
	}{
		{"no bank", "a.pdf", "application/pdf", statementPDF, nil, http.StatusBadRequest},
		{"unknown bank", "a.pdf", "application/pdf", statementPDF, map[string]string{"bankName": "Bank of Nowhere"}, http.StatusBadRequest},
		{"not a pdf", "a.png", "image/png", []byte("\x89PNG\r\n"), map[string]string{"bankName": "HDFC BANK"}, http.StatusUnsupportedMediaType},
		{"no file", "", "", nil, map[string]string{"bankName": "HDFC BANK"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			sid := ts.createSession(t)

			body, ct := uploadBody(t, tt.filename, tt.ct, tt.data, tt.fields)
			resp, err := http.Post(ts.URL+"/api/v1/sessions/"+sid+"/upload", ct, body)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

			_, snap := ts.do(t, http.MethodGet, "/api/v1/sessions/"+sid, nil)
			assert.Contains(t, string(snap), `"state":"idle"`)
		})
	}
}

func TestUpload_TooLarge(t *testing.T) {
	ts := newTestServer(t, func(c *Config) { c.MaxBytes = 16 })
	sid := ts.createSession(t)

	resp := ts.upload(t, sid, map[string]string{"bankName": "HDFC BANK"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestPasswordFlow(t *testing.T) {
	ts := newTestServer(t)
	gomock.InOrder(
		ts.up.EXPECT().Process(gomock.Any(), gomock.Any()).Return(nil, &extractor.APIError{
			Status: 422, Kind: extractor.KindPasswordRequired, Code: extractor.CodePasswordRequired, Message: "Statement is password protected",
		}),
		ts.up.EXPECT().Process(gomock.Any(), gomock.Any()).DoAndReturn(
			func(_ context.Context, req extractor.Request) (*extractor.Response, error) {
				assert.Equal(t, "s3cret", req.Password)
				assert.Equal(t, statementPDF, req.Data)
				return ndjsonStream(pageLine), nil
			}),
	)

	sid := ts.createSession(t)
	events := readEvents(t, ts.upload(t, sid, map[string]string{"bankName": "HDFC BANK"}))
	done := events[len(events)-1]
	assert.Equal(t, "password_required", done["state"])
	assert.Equal(t, "password_required", done["errorKind"])
	assert.Equal(t, "Statement is password protected", done["error"])

	resp, body := ts.do(t, http.MethodPost, "/api/v1/sessions/"+sid+"/password", map[string]string{"password": ""})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), "please enter a password")

	body2, _ := json.Marshal(map[string]string{"password": "s3cret"})
	resp2, err := http.Post(ts.URL+"/api/v1/sessions/"+sid+"/password", "application/json", bytes.NewReader(body2))
	require.NoError(t, err)
	events = readEvents(t, resp2)
	assert.Equal(t, "complete", events[len(events)-1]["state"])
}

func TestPassword_NothingPending(t *testing.T) {
	ts := newTestServer(t)
	sid := ts.createSession(t)

	resp, _ := ts.do(t, http.MethodPost, "/api/v1/sessions/"+sid+"/password", map[string]string{"password": "x"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodPost, "/api/v1/sessions/"+sid+"/password", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUpload_GenericFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.up.EXPECT().Process(gomock.Any(), gomock.Any()).Return(nil, &extractor.APIError{Status: 500, Kind: extractor.KindGeneric, Message: "Unsupported layout"})

	sid := ts.createSession(t)
	events := readEvents(t, ts.upload(t, sid, map[string]string{"bankName": "HDFC BANK"}))
	done := events[len(events)-1]
	assert.Equal(t, "failed", done["state"])
	assert.Equal(t, "Unsupported layout", done["error"])
}

func TestCancel(t *testing.T) {
	ts := newTestServer(t)
	sid := ts.createSession(t)

	resp, body := ts.do(t, http.MethodPost, "/api/v1/sessions/"+sid+"/cancel", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"cancelled":false,"state":"idle"}`, string(body))
}

func TestProposals(t *testing.T) {
	ts := newTestServer(t)
	sid := ts.loaded(t)
	base := "/api/v1/sessions/" + sid

	resp, body := ts.do(t, http.MethodPost, base+"/proposals", map[string]any{"op": "edit", "index": 0, "field": "amount", "value": "150"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var p struct {
		ID       string
		Prompt   string
		OldValue string
		NewValue string
	}
	require.NoError(t, json.Unmarshal(body, &p))
	assert.Equal(t, "Are you sure you want to update this value? Old: 100 New: 150", p.Prompt)

	resp, _ = ts.do(t, http.MethodGet, base+"/proposals/"+p.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// A second proposal against the same version goes stale once p commits.
	resp, body = ts.do(t, http.MethodPost, base+"/proposals", map[string]any{"op": "delete", "index": 1})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var stale struct{ ID string }
	require.NoError(t, json.Unmarshal(body, &stale))

	resp, body = ts.do(t, http.MethodPost, base+"/proposals/"+p.ID+"/commit", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var commit map[string]any
	require.NoError(t, json.Unmarshal(body, &commit))
	assert.Equal(t, "Value updated (Local Session Only)", commit["notice"])
	assert.Equal(t, true, commit["accuracyStale"])

	resp, _ = ts.do(t, http.MethodPost, base+"/proposals/"+p.ID+"/commit", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodPost, base+"/proposals/"+stale.ID+"/commit", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = ts.do(t, http.MethodPost, base+"/reconcile", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sum map[string]any
	require.NoError(t, json.Unmarshal(body, &sum))
	assert.Equal(t, "1110", sum["calculatedClosingBalance"])
	assert.Equal(t, false, sum["isAccurate"])
}

func TestProposals_Errors(t *testing.T) {
	ts := newTestServer(t)
	sid := ts.loaded(t)
	base := "/api/v1/sessions/" + sid

	tests := []struct {
		name       string
		body       map[string]any
		wantStatus int
	}{
		{"unknown op", map[string]any{"op": "move", "index": 0}, http.StatusBadRequest},
		{"unknown field", map[string]any{"op": "edit", "index": 0, "field": "colour", "value": "x"}, http.StatusBadRequest},
		{"out of range", map[string]any{"op": "delete", "index": 9}, http.StatusBadRequest},
		{"invalid amount", map[string]any{"op": "edit", "index": 0, "field": "amount", "value": "lots"}, http.StatusBadRequest},
		{"unchanged", map[string]any{"op": "edit", "index": 0, "field": "txnId", "value": "T1"}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := ts.do(t, http.MethodPost, base+"/proposals", tt.body)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}

	resp, body := ts.do(t, http.MethodPost, base+"/proposals", map[string]any{"op": "insert", "index": 2})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var p struct{ ID string }
	require.NoError(t, json.Unmarshal(body, &p))
	resp, _ = ts.do(t, http.MethodDelete, base+"/proposals/"+p.ID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodDelete, base+"/proposals/"+p.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReconcile_NoAccuracy(t *testing.T) {
	ts := newTestServer(t)
	sid := ts.createSession(t)
	resp, _ := ts.do(t, http.MethodPost, "/api/v1/sessions/"+sid+"/reconcile", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestExports(t *testing.T) {
	ts := newTestServer(t)
	sid := ts.loaded(t)
	base := "/api/v1/sessions/" + sid

	resp, body := ts.do(t, http.MethodGet, base+"/export/csv", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `attachment; filename="all_tables_1712000000000.csv"`, resp.Header.Get("Content-Disposition"))
	assert.True(t, strings.HasPrefix(string(body), `"Page","Table","Date"`))
	assert.Equal(t, 3, len(strings.Split(string(body), "\n")))

	resp, body = ts.do(t, http.MethodGet, base+"/export/tally", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `attachment; filename="Tally_Import_HDFC_BANK.xml"`, resp.Header.Get("Content-Disposition"))
	assert.Equal(t, 2, strings.Count(string(body), "<VOUCHER "))

	resp, _ = ts.do(t, http.MethodGet, base+"/export/tally?ledger=HDFC+Bank+A%2Fc", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `attachment; filename="Tally_Import_HDFC_Bank_A_c.xml"`, resp.Header.Get("Content-Disposition"))

	resp, _ = ts.do(t, http.MethodGet, base+"/export/tally?ledger=+", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = ts.do(t, http.MethodGet, base+"/export/xlsx", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, bytes.HasPrefix(body, []byte("PK")))
}

func TestExports_NoResult(t *testing.T) {
	ts := newTestServer(t)
	sid := ts.createSession(t)
	for _, format := range []string{"csv", "tally", "xlsx"} {
		resp, _ := ts.do(t, http.MethodGet, "/api/v1/sessions/"+sid+"/export/"+format, nil)
		assert.Equal(t, http.StatusConflict, resp.StatusCode, format)
	}
}

func TestStats(t *testing.T) {
	ts := newTestServer(t)
	resp, body := ts.do(t, http.MethodGet, "/api/v1/stats", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"processed":3}`, string(body))

	failing := newTestServer(t, func(c *Config) {
		c.Stats = fakeStats{err: &extractor.APIError{Status: 503, Kind: extractor.KindGeneric}}
	})
	resp, _ = failing.do(t, http.MethodGet, "/api/v1/stats", nil)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	none := newTestServer(t, func(c *Config) { c.Stats = nil })
	resp, _ = none.do(t, http.MethodGet, "/api/v1/stats", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthMetricsAndBanks(t *testing.T) {
	ts := newTestServer(t)
	ts.createSession(t)

	resp, body := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","sessions":1}`, string(body))

	resp, body = ts.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "passbook_active_sessions 1")
	assert.Contains(t, string(body), `passbook_http_requests_total{method="POST",path="/api/v1/sessions",status="201"} 1`)

	_, body = ts.do(t, http.MethodGet, "/api/v1/banks", nil)
	assert.Contains(t, string(body), "KOTAK MAHINDRA BANK")
}

func TestUpload_RateLimited(t *testing.T) {
	ts := newTestServer(t, func(c *Config) {
		c.UploadRate = 0.001
		c.UploadBurst = 1
	})
	ts.up.EXPECT().Process(gomock.Any(), gomock.Any()).Return(ndjsonStream(pageLine), nil)
	sid := ts.createSession(t)

	readEvents(t, ts.upload(t, sid, map[string]string{"bankName": "HDFC BANK"}))

	resp := ts.upload(t, sid, map[string]string{"bankName": "HDFC BANK"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestStore_Expiry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	ctrl := gomock.NewController(t)
	up := mocks.NewMockUploader(ctrl)

	st := NewStore(time.Millisecond, func() *ingest.Session {
		return ingest.NewSession(up, ingest.Options{Log: zerolog.Nop()})
	}, m)
	sid, _ := st.Create()
	assert.Equal(t, 1, st.Len())

	time.Sleep(5 * time.Millisecond)
	st.Sweep()

	_, ok := st.Get(sid)
	assert.False(t, ok)
	assert.Equal(t, 0, st.Len())
}

func TestMapError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errSessionNotFound, http.StatusNotFound},
		{ingest.ErrEmptyPassword, http.StatusBadRequest},
		{ingest.ErrBusy, http.StatusConflict},
		{&extractor.APIError{Kind: extractor.KindInvalidPassword}, http.StatusUnprocessableEntity},
		{&extractor.APIError{Kind: extractor.KindGeneric}, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, mapError(tt.err), "%v", tt.err)
	}
}
