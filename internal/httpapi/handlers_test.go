package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/allezon/tagengine/internal/engine/memengine"
)

func testServer() *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(memengine.New(), nil, logger)
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshaling body: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestHandleRegisterUserTagAcceptsValidTag(t *testing.T) {
	s := testServer()
	tag := map[string]any{
		"time": "2022-03-22T12:15:00.000Z", "cookie": "c1", "country": "PL",
		"device": "PC", "action": "VIEW", "origin": "store",
		"product_info": map[string]any{"product_id": "p", "brand_id": "b", "category_id": "c", "price": 10},
	}
	rec := doRequest(t, s, http.MethodPost, "/user_tags", tag)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestHandleRegisterUserTagRejectsInvalidDevice(t *testing.T) {
	s := testServer()
	tag := map[string]any{
		"time": "2022-03-22T12:15:00.000Z", "cookie": "c1", "country": "PL",
		"device": "LAPTOP", "action": "VIEW", "origin": "store",
		"product_info": map[string]any{"product_id": "p", "brand_id": "b", "category_id": "c", "price": 10},
	}
	rec := doRequest(t, s, http.MethodPost, "/user_tags", tag)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleUserProfileRoundTrip(t *testing.T) {
	s := testServer()
	tag := map[string]any{
		"time": "2022-03-22T12:15:00.000Z", "cookie": "c1", "country": "PL",
		"device": "PC", "action": "BUY", "origin": "store",
		"product_info": map[string]any{"product_id": "p", "brand_id": "b", "category_id": "c", "price": 10},
	}
	if rec := doRequest(t, s, http.MethodPost, "/user_tags", tag); rec.Code != http.StatusNoContent {
		t.Fatalf("ingest status = %d", rec.Code)
	}

	rec := doRequest(t, s, http.MethodPost, "/user_profiles/c1?time_range=2022-03-22T12:00:00_2022-03-22T12:30:00&limit=10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var profile struct {
		Cookie string           `json:"cookie"`
		Buys   []map[string]any `json:"buys"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &profile); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if profile.Cookie != "c1" || len(profile.Buys) != 1 {
		t.Fatalf("unexpected profile: %+v", profile)
	}
}

func TestHandleUserProfileRejectsOversizedLimit(t *testing.T) {
	s := testServer()
	rec := doRequest(t, s, http.MethodPost, "/user_profiles/c1?time_range=2022-03-22T12:00:00_2022-03-22T12:30:00&limit=500", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleAggregatesReturnsRequestedColumns(t *testing.T) {
	s := testServer()
	tag := map[string]any{
		"time": "2022-03-22T12:15:00.000Z", "cookie": "c1", "country": "PL",
		"device": "PC", "action": "BUY", "origin": "store",
		"product_info": map[string]any{"product_id": "p", "brand_id": "nike", "category_id": "shoes", "price": 20},
	}
	doRequest(t, s, http.MethodPost, "/user_tags", tag)

	req := aggregateRequest{
		TimeRange:  "2022-03-22T12:10:00_2022-03-22T12:20:00",
		Action:     "BUY",
		Aggregates: []string{"COUNT", "SUM_PRICE"},
		BrandID:    strPtr("nike"),
	}
	rec := doRequest(t, s, http.MethodPost, "/aggregates", req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp aggregateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	wantColumns := []string{"1m_bucket", "action", "brand_id", "count", "sum_price"}
	if len(resp.Columns) != len(wantColumns) {
		t.Fatalf("columns = %v, want %v", resp.Columns, wantColumns)
	}
	for i, c := range wantColumns {
		if resp.Columns[i] != c {
			t.Errorf("column[%d] = %q, want %q", i, resp.Columns[i], c)
		}
	}

	var matched bool
	for _, row := range resp.Rows {
		if row[1] == "BUY" && row[2] == "nike" && row[3] == "1" && row[4] == "20" {
			matched = true
		}
	}
	if !matched {
		t.Errorf("expected a row with count=1 sum_price=20, got %v", resp.Rows)
	}
}

func TestHandleAggregatesRejectsDuplicateAggregate(t *testing.T) {
	s := testServer()
	req := aggregateRequest{
		TimeRange:  "2022-03-22T12:10:00_2022-03-22T12:20:00",
		Action:     "BUY",
		Aggregates: []string{"COUNT", "COUNT"},
	}
	rec := doRequest(t, s, http.MethodPost, "/aggregates", req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleClearEmptiesEngine(t *testing.T) {
	s := testServer()
	tag := map[string]any{
		"time": "2022-03-22T12:15:00.000Z", "cookie": "c1", "country": "PL",
		"device": "PC", "action": "VIEW", "origin": "store",
		"product_info": map[string]any{"product_id": "p", "brand_id": "b", "category_id": "c", "price": 10},
	}
	doRequest(t, s, http.MethodPost, "/user_tags", tag)

	if rec := doRequest(t, s, http.MethodPost, "/clear", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("clear status = %d", rec.Code)
	}

	rec := doRequest(t, s, http.MethodPost, "/user_profiles/c1?time_range=2022-03-22T12:00:00_2022-03-22T12:30:00", nil)
	var profile struct {
		Views []map[string]any `json:"views"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &profile); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(profile.Views) != 0 {
		t.Errorf("expected empty profile after clear, got %+v", profile.Views)
	}
}

func strPtr(s string) *string { return &s }
