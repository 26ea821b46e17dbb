package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"quickcover/auth"
	"quickcover/insurance"
	"quickcover/payment"
	"quickcover/wizard"
)

type wizardResponse struct {
	ID       string            `json:"id"`
	Snapshot wizard.Snapshot   `json:"snapshot"`
	Error    string            `json:"error,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
	Session  *sessionResponse  `json:"session,omitempty"`
}

type vehicleLookupRequest struct {
	RegistrationNumber string `json:"registrationNumber"`
	CoverStart         string `json:"coverStart"`
	CoverEnd           string `json:"coverEnd"`
}

type driverDetailsRequest struct {
	FullName    string            `json:"fullName"`
	DateOfBirth string            `json:"dateOfBirth"`
	Address     insurance.Address `json:"address"`
	PhoneNumber string            `json:"phoneNumber"`
}

func (s *Server) handleStartWizard(w http.ResponseWriter, r *http.Request) {
	id, ctrl := s.wizards.Start(sessionFromContext(r.Context()))
	writeJSON(w, http.StatusCreated, wizardResponse{ID: id, Snapshot: ctrl.View()})
}

func (s *Server) handleWizard(w http.ResponseWriter, r *http.Request) {
	s.withWizard(w, r, func(ctx context.Context, ctrl *wizard.Controller) (wizard.Snapshot, error) {
		return ctrl.View(), nil
	})
}

func (s *Server) handleVehicleLookup(w http.ResponseWriter, r *http.Request) {
	var req vehicleLookupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	fields := map[string]string{}
	in := wizard.VehicleLookupInput{
		RegistrationNumber: req.RegistrationNumber,
		CoverStart:         parseTimestamp(req.CoverStart, "coverStart", fields),
		CoverEnd:           parseTimestamp(req.CoverEnd, "coverEnd", fields),
	}
	if len(fields) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, wizardResponse{ID: mux.Vars(r)["id"], Error: "invalid input", Fields: fields})
		return
	}

	s.withWizard(w, r, func(ctx context.Context, ctrl *wizard.Controller) (wizard.Snapshot, error) {
		return ctrl.SubmitVehicleLookup(ctx, in)
	})
}

func (s *Server) handleContinueFromQuote(w http.ResponseWriter, r *http.Request) {
	s.withWizard(w, r, func(_ context.Context, ctrl *wizard.Controller) (wizard.Snapshot, error) {
		return ctrl.ContinueFromQuote()
	})
}

func (s *Server) handleDriverDetails(w http.ResponseWriter, r *http.Request) {
	var req driverDetailsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	fields := map[string]string{}
	in := wizard.DriverDetailsInput{
		FullName:    req.FullName,
		DateOfBirth: parseDate(req.DateOfBirth, "dateOfBirth", fields),
		Address:     req.Address,
		PhoneNumber: req.PhoneNumber,
	}
	if len(fields) > 0 {
		writeJSON(w, http.StatusUnprocessableEntity, wizardResponse{ID: mux.Vars(r)["id"], Error: "invalid input", Fields: fields})
		return
	}

	s.withWizard(w, r, func(_ context.Context, ctrl *wizard.Controller) (wizard.Snapshot, error) {
		return ctrl.SubmitDriverDetails(in)
	})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	var in wizard.AccountInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	id, ctrl, ok := s.lookupWizard(w, r)
	if !ok {
		return
	}
	snap, issued, err := ctrl.Register(r.Context(), in)
	s.writeWizard(w, id, snap, err, issued)
}

func (s *Server) handleSkipAccount(w http.ResponseWriter, r *http.Request) {
	s.withWizard(w, r, func(ctx context.Context, ctrl *wizard.Controller) (wizard.Snapshot, error) {
		return ctrl.SkipAccount(ctx)
	})
}

func (s *Server) handlePayment(w http.ResponseWriter, r *http.Request) {
	var in wizard.PaymentInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	s.withWizard(w, r, func(ctx context.Context, ctrl *wizard.Controller) (wizard.Snapshot, error) {
		return ctrl.SubmitPayment(ctx, in)
	})
}

// withWizard resolves the wizard named in the path, runs op and writes the
// resulting snapshot with a status derived from the error.
func (s *Server) withWizard(w http.ResponseWriter, r *http.Request, op func(context.Context, *wizard.Controller) (wizard.Snapshot, error)) {
	id, ctrl, ok := s.lookupWizard(w, r)
	if !ok {
		return
	}
	snap, err := op(r.Context(), ctrl)
	s.writeWizard(w, id, snap, err, nil)
}

func (s *Server) lookupWizard(w http.ResponseWriter, r *http.Request) (string, *wizard.Controller, bool) {
	id := mux.Vars(r)["id"]
	ctrl, err := s.wizards.Get(id, sessionFromContext(r.Context()))
	if err != nil {
		writeError(w, http.StatusNotFound, "wizard not found")
		return "", nil, false
	}
	return id, ctrl, true
}

// writeWizard writes a wizard response. issued is only set on the response
// to the sign-up that created the session.
func (s *Server) writeWizard(w http.ResponseWriter, id string, snap wizard.Snapshot, err error, issued *auth.Session) {
	resp := wizardResponse{ID: id, Snapshot: snap}
	if issued != nil {
		sr := newSessionResponse(*issued)
		resp.Session = &sr
	}

	status := wizardStatus(err)
	if err != nil {
		var verr *wizard.ValidationError
		switch {
		case errors.As(err, &verr):
			resp.Error = "invalid input"
			resp.Fields = verr.Fields
		case status == http.StatusConflict:
			resp.Error = conflictMessage(err)
		default:
			resp.Error = snap.Error
			s.logger.Warn("wizard step failed",
				zap.String("wizard_id", id),
				zap.String("step", string(snap.Step)),
				zap.Error(err),
			)
		}
	}
	writeJSON(w, status, resp)
}

func wizardStatus(err error) int {
	var verr *wizard.ValidationError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, wizard.ErrBusy), errors.Is(err, wizard.ErrWrongStep), errors.Is(err, auth.ErrDuplicateEmail):
		return http.StatusConflict
	case errors.Is(err, payment.ErrDeclined):
		return http.StatusPaymentRequired
	default:
		return http.StatusBadGateway
	}
}

func conflictMessage(err error) string {
	switch {
	case errors.Is(err, wizard.ErrBusy):
		return "a request for this quote is already in progress"
	case errors.Is(err, auth.ErrDuplicateEmail):
		return "email already registered"
	default:
		return "this step is not available right now"
	}
}

func parseTimestamp(v, field string, fields map[string]string) time.Time {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		fields[field] = "Please enter a valid date and time"
		return time.Time{}
	}
	return t
}

func parseDate(v, field string, fields map[string]string) time.Time {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.DateOnly, v); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t
	}
	fields[field] = "Please enter a valid date"
	return time.Time{}
}
