package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/models"
)

func actorOf(r *http.Request) models.Actor {
	a, _ := auth.ActorFrom(r.Context())
	return a
}

func rideIDOf(r *http.Request) string { return mux.Vars(r)["id"] }

// decode reads an optional JSON body into v. An empty body leaves v alone.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && err != io.EOF {
		return fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	return nil
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req models.RideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", models.ErrInvalidInput, err))
		return
	}
	ride, err := s.engine.CreateRide(r.Context(), actorOf(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleMyRides(w http.ResponseWriter, r *http.Request) {
	rides, err := s.engine.ListRequesterRides(r.Context(), actorOf(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": rides})
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.ListCandidateRides(r.Context(), actorOf(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": list})
}

func (s *Server) handleCandidate(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.CandidateRide(r.Context(), actorOf(r), rideIDOf(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.engine.GetRide(r.Context(), actorOf(r), rideIDOf(r))
	s.respondRide(w, r, ride, err)
}

func (s *Server) handleTracking(w http.ResponseWriter, r *http.Request) {
	view, err := s.engine.Tracking(r.Context(), actorOf(r), rideIDOf(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	offered, err := s.engine.Offer(r.Context(), rideIDOf(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride_id": rideIDOf(r), "offered_to": offered})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	ride, err := s.engine.ClaimRide(r.Context(), actorOf(r), rideIDOf(r))
	s.respondRide(w, r, ride, err)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RejectRide(r.Context(), actorOf(r), rideIDOf(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	ride, err := s.engine.StartRide(r.Context(), actorOf(r), rideIDOf(r))
	s.respondRide(w, r, ride, err)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Rating *int `json:"rating"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.engine.CompleteRide(r.Context(), actorOf(r), rideIDOf(r), body.Rating)
	s.respondRide(w, r, ride, err)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ride, err := s.engine.CancelRide(r.Context(), actorOf(r), rideIDOf(r))
	s.respondRide(w, r, ride, err)
}

func (s *Server) handleNoResponse(w http.ResponseWriter, r *http.Request) {
	ride, err := s.engine.MarkNoResponse(r.Context(), actorOf(r), rideIDOf(r))
	s.respondRide(w, r, ride, err)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	ride, err := s.engine.RetryRide(r.Context(), actorOf(r), rideIDOf(r))
	s.respondRide(w, r, ride, err)
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Available *bool `json:"available"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Available == nil {
		s.writeError(w, r, fmt.Errorf("%w: available is required", models.ErrInvalidInput))
		return
	}
	if err := s.engine.SetAvailability(actorOf(r), *body.Available); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"available": *body.Available})
}

type locationBody struct {
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
	RideID string  `json:"ride_id,omitempty"`
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var body locationBody
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	loc := models.Coord{Lat: body.Lat, Lon: body.Lon}
	if err := s.engine.PushLocation(r.Context(), actorOf(r), body.RideID, loc); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.QuotaStatus(r.Context(), actorOf(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"plan":         snap.Plan,
		"ceiling":      snap.Ceiling,
		"used":         snap.Used,
		"remaining":    snap.Remaining(),
		"period_start": snap.PeriodStart,
		"period_end":   snap.PeriodEnd,
	})
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Token string `json:"token"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Token == "" {
		s.writeError(w, r, fmt.Errorf("%w: token is required", models.ErrInvalidInput))
		return
	}
	if err := s.devices.Register(r.Context(), actorOf(r).UserID, body.Token); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnregisterDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.devices.Unregister(r.Context(), actorOf(r).UserID, mux.Vars(r)["token"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) respondRide(w http.ResponseWriter, r *http.Request, ride *models.Ride, err error) {
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}
