package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"quickcover/insurance"
)

type quoteResponse struct {
	ID           string                  `json:"id"`
	Status       insurance.Status        `json:"status"`
	PolicyNumber string                  `json:"policyNumber,omitempty"`
	PaidAt       string                  `json:"paidAt,omitempty"`
	CreatedAt    string                  `json:"createdAt"`
	Data         insurance.InsuranceData `json:"data"`
}

func newQuoteResponse(rec insurance.Record) quoteResponse {
	resp := quoteResponse{
		ID:        rec.ID,
		Status:    rec.Status,
		CreatedAt: rec.CreatedAt.UTC().Format(time.RFC3339),
		Data:      rec.Data,
	}
	if rec.PolicyNumber != nil {
		resp.PolicyNumber = *rec.PolicyNumber
	}
	if rec.PaidAt != nil {
		resp.PaidAt = rec.PaidAt.UTC().Format(time.RFC3339)
	}
	return resp
}

func (s *Server) handleListQuotes(w http.ResponseWriter, r *http.Request) {
	records, err := s.quotes.ListQuotes(r.Context(), userIDFromContext(r.Context()))
	if err != nil {
		s.logger.Error("list quotes", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	items := make([]quoteResponse, 0, len(records))
	for _, rec := range records {
		items = append(items, newQuoteResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

// handleGetQuote serves a single quote. Quotes saved under an account are
// only visible to that account holder.
func (s *Server) handleGetQuote(w http.ResponseWriter, r *http.Request) {
	rec, err := s.quotes.GetQuote(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, insurance.ErrQuoteNotFound) {
			writeError(w, http.StatusNotFound, "quote not found")
			return
		}
		s.logger.Error("get quote", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if rec.UserID != insurance.AnonymousOwner && rec.UserID != userIDFromContext(r.Context()) {
		writeError(w, http.StatusNotFound, "quote not found")
		return
	}
	writeJSON(w, http.StatusOK, newQuoteResponse(rec))
}
