package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/allezon/tagengine/internal/engine"
	"github.com/allezon/tagengine/pkg/tagtypes"
)

func (s *Server) handleRegisterUserTag(w http.ResponseWriter, r *http.Request) {
	var tag tagtypes.UserTag
	if err := json.NewDecoder(r.Body).Decode(&tag); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("decoding user tag: %v", err))
		return
	}
	if err := tag.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.eng.RegisterUserTag(r.Context(), tag); err != nil {
		s.logger.Error("register user tag failed", "error", err, "cookie", tag.Cookie)
		s.writeError(w, http.StatusInternalServerError, "registering user tag failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUserProfile(w http.ResponseWriter, r *http.Request) {
	cookie := r.PathValue("cookie")

	window, err := tagtypes.ParseTimeRange(r.URL.Query().Get("time_range"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("parsing time_range: %v", err))
		return
	}

	limit := tagtypes.MaxTagsPerCookie
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("parsing limit: %v", err))
			return
		}
	}

	profile, err := s.eng.LastTagsByCookie(r.Context(), cookie, window, limit)
	if err != nil {
		s.writeEngineError(w, "user profile query", err)
		return
	}
	s.writeJSON(w, http.StatusOK, profile)
}

// aggregateRequest mirrors original_source's UseCase3Params: one
// TimeRange, one Action, up to two distinct aggregate names, and the
// three optional filter dimensions.
type aggregateRequest struct {
	TimeRange  string   `json:"time_range"`
	Action     string   `json:"action"`
	Aggregates []string `json:"aggregates"`
	Origin     *string  `json:"origin,omitempty"`
	BrandID    *string  `json:"brand_id,omitempty"`
	CategoryID *string  `json:"category_id,omitempty"`
}

const (
	aggregateCount    = "COUNT"
	aggregateSumPrice = "SUM_PRICE"
)

func (s *Server) handleAggregates(w http.ResponseWriter, r *http.Request) {
	var req aggregateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("decoding aggregate request: %v", err))
		return
	}

	window, err := tagtypes.ParseTimeRange(req.TimeRange)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("parsing time_range: %v", err))
		return
	}

	action := tagtypes.Action(req.Action)
	if !action.Valid() {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid action %q", req.Action))
		return
	}

	aggregates, err := dedupAggregates(req.Aggregates)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	filter := tagtypes.BucketFilter{}
	if req.Origin != nil {
		filter = filter.WithOrigin(*req.Origin)
	}
	if req.BrandID != nil {
		filter = filter.WithBrandID(*req.BrandID)
	}
	if req.CategoryID != nil {
		filter = filter.WithCategoryID(*req.CategoryID)
	}

	buckets, err := s.eng.SelectBucketStats(r.Context(), window, action, filter)
	if err != nil {
		s.writeEngineError(w, "aggregate query", err)
		return
	}

	s.writeJSON(w, http.StatusOK, buildAggregateResponse(req, aggregates, buckets))
}

// dedupAggregates validates the "aggregates" list per spec.md §6.2: 0-2
// entries, drawn from {COUNT, SUM_PRICE}, no duplicates.
func dedupAggregates(raw []string) ([]string, error) {
	if len(raw) > 2 {
		return nil, fmt.Errorf("aggregates may appear at most twice, got %d", len(raw))
	}
	seen := make(map[string]bool, len(raw))
	for _, a := range raw {
		if a != aggregateCount && a != aggregateSumPrice {
			return nil, fmt.Errorf("unknown aggregate %q, want %q or %q", a, aggregateCount, aggregateSumPrice)
		}
		if seen[a] {
			return nil, fmt.Errorf("duplicate aggregate %q", a)
		}
		seen[a] = true
	}
	return raw, nil
}

// aggregateResponse is the exact wire shape spec.md §6.2 requires:
// string-only cells, "1m_bucket" and "action" columns always first,
// then present filter columns in fixed order, then requested aggregates
// in request order.
type aggregateResponse struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

func buildAggregateResponse(req aggregateRequest, aggregates []string, buckets []tagtypes.Bucket) aggregateResponse {
	columns := []string{"1m_bucket", "action"}
	if req.Origin != nil {
		columns = append(columns, "origin")
	}
	if req.BrandID != nil {
		columns = append(columns, "brand_id")
	}
	if req.CategoryID != nil {
		columns = append(columns, "category_id")
	}
	for _, a := range aggregates {
		if a == aggregateCount {
			columns = append(columns, "count")
		} else {
			columns = append(columns, "sum_price")
		}
	}

	rows := make([][]string, 0, len(buckets))
	for _, b := range buckets {
		row := []string{b.Minute.Format(), req.Action}
		if req.Origin != nil {
			row = append(row, *req.Origin)
		}
		if req.BrandID != nil {
			row = append(row, *req.BrandID)
		}
		if req.CategoryID != nil {
			row = append(row, *req.CategoryID)
		}
		for _, a := range aggregates {
			if a == aggregateCount {
				row = append(row, strconv.FormatUint(uint64(b.Count), 10))
			} else {
				row = append(row, strconv.FormatInt(b.SumPrice, 10))
			}
		}
		rows = append(rows, row)
	}

	return aggregateResponse{Columns: columns, Rows: rows}
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.Clear(r.Context()); err != nil {
		s.logger.Error("clear failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "clear failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeEngineError maps an *engine.InvalidInputError to 400 and
// anything else to 500, logging the operation name per spec.md §7's
// "observable failure behavior" requirement.
func (s *Server) writeEngineError(w http.ResponseWriter, op string, err error) {
	var invalid *engine.InvalidInputError
	if ok := asInvalidInput(err, &invalid); ok {
		s.writeError(w, http.StatusBadRequest, invalid.Error())
		return
	}
	s.logger.Error(op+" failed", "error", err)
	s.writeError(w, http.StatusInternalServerError, op+" failed")
}

func asInvalidInput(err error, target **engine.InvalidInputError) bool {
	if e, ok := err.(*engine.InvalidInputError); ok {
		*target = e
		return true
	}
	return false
}
