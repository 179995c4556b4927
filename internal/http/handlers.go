package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/storage"
)

const defaultNearbyRadiusKm = 5.0

type createRideBody struct {
	Pickup        models.Location `json:"pickup"`
	Drop          models.Location `json:"drop"`
	VehicleType   string          `json:"vehicle_type"`
	PaymentMethod string          `json:"payment_method"`
	ScheduledAt   *time.Time      `json:"scheduled_at,omitempty"`
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var body createRideBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	ride, err := s.dispatch.CreateRide(r.Context(), dispatch.CreateRideRequest{
		PassengerID:   callerFrom(r.Context()).UserID,
		Pickup:        body.Pickup,
		Drop:          body.Drop,
		VehicleType:   body.VehicleType,
		PaymentMethod: body.PaymentMethod,
		ScheduledAt:   body.ScheduledAt,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ride)
}

func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"), "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := queryInt(q.Get("offset"), "offset")
	if err != nil {
		writeError(w, err)
		return
	}
	role := storage.Role(q.Get("role"))
	if role == "any" {
		role = storage.RoleAny
	}
	page, err := s.dispatch.ListUserRides(r.Context(), callerFrom(r.Context()).UserID, role, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.dispatch.GetRide(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DriverID string `json:"driver_id"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, err)
			return
		}
	}
	caller := callerFrom(r.Context())
	if body.DriverID == "" {
		body.DriverID = caller.UserID
	}
	if body.DriverID != caller.UserID && !caller.staff() {
		writeError(w, errForbidden)
		return
	}
	ride, err := s.dispatch.AssignDriver(r.Context(), mux.Vars(r)["id"], body.DriverID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	status, err := models.ParseRideStatus(body.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.authorizeRideAction(r, id, status); err != nil {
		writeError(w, err)
		return
	}
	ride, err := s.dispatch.UpdateRideStatus(r.Context(), id, status, callerFrom(r.Context()).UserID, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &body); err != nil {
			writeError(w, err)
			return
		}
	}
	id := mux.Vars(r)["id"]
	if err := s.authorizeRideAction(r, id, models.StatusCancelled); err != nil {
		writeError(w, err)
		return
	}
	ride, err := s.dispatch.CancelRide(r.Context(), id, callerFrom(r.Context()).UserID, body.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

// authorizeRideAction lets the passenger or the assigned driver cancel, and
// only the assigned driver advance the trip. Self-assignment goes through the
// ride-taken race instead.
func (s *Server) authorizeRideAction(r *http.Request, rideID string, status models.RideStatus) error {
	caller := callerFrom(r.Context())
	if caller.staff() || status == models.StatusDriverAssigned || status == models.StatusPending {
		return nil
	}
	ride, err := s.dispatch.GetRide(r.Context(), rideID)
	if err != nil {
		return err
	}
	if status == models.StatusCancelled {
		if caller.UserID == ride.PassengerID || caller.UserID == ride.DriverID {
			return nil
		}
		return errForbidden
	}
	// Without a driver the machine rejects every advance as invalid.
	if ride.DriverID == "" || ride.DriverID == caller.UserID {
		return nil
	}
	return errForbidden
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var sample models.LocationSample
	if err := decodeJSON(r, &sample); err != nil {
		writeError(w, err)
		return
	}
	sample.DriverID = callerFrom(r.Context()).UserID
	d, err := s.dispatch.UpdateDriverLocation(r.Context(), sample)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDriverOnline(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Online *bool `json:"online"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Online == nil {
		writeError(w, &models.ValidationError{Field: "online", Reason: "required"})
		return
	}
	d, err := s.dispatch.SetDriverOnline(r.Context(), callerFrom(r.Context()).UserID, *body.Online)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err := queryFloat(q.Get("lat"), "lat", true)
	if err != nil {
		writeError(w, err)
		return
	}
	lng, err := queryFloat(q.Get("lng"), "lng", true)
	if err != nil {
		writeError(w, err)
		return
	}
	radius, err := queryFloat(q.Get("radius_km"), "radius_km", false)
	if err != nil {
		writeError(w, err)
		return
	}
	if radius == 0 {
		radius = defaultNearbyRadiusKm
	}
	drivers, err := s.dispatch.NearbyDrivers(r.Context(), models.Coord{Lat: lat, Lng: lng}, radius)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"drivers": drivers, "count": len(drivers)})
}

func (s *Server) handleEarnings(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if id != callerFrom(r.Context()).UserID {
		writeError(w, errForbidden)
		return
	}
	e, err := s.dispatch.DriverEarnings(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

type quoteBody struct {
	Pickup      models.Coord `json:"pickup"`
	Drop        models.Coord `json:"drop"`
	VehicleType string       `json:"vehicle_type"`
	ScheduledAt *time.Time   `json:"scheduled_at,omitempty"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var body quoteBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	vt, err := models.ParseVehicleType(body.VehicleType)
	if err != nil {
		writeError(w, err)
		return
	}
	fare, err := s.dispatch.QuoteFare(r.Context(), pricing.QuoteRequest{
		Pickup:      body.Pickup,
		Drop:        body.Drop,
		VehicleType: vt,
		ScheduledAt: body.ScheduledAt,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fare)
}

func (s *Server) handleSurgeAreas(w http.ResponseWriter, r *http.Request) {
	areas, err := s.dispatch.SurgeAreas(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"surge_areas": areas})
}

func (s *Server) handleCurrentRule(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dispatch.CurrentPricingRule(r.Context()))
}

func (s *Server) handleRegisterDriver(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if err := decodeJSON(r, &d); err != nil {
		writeError(w, err)
		return
	}
	out, err := s.dispatch.RegisterDriver(r.Context(), d)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

type batchResult struct {
	Accepted int      `json:"accepted"`
	Rejected int      `json:"rejected"`
	Queued   bool     `json:"queued"`
	Errors   []string `json:"errors,omitempty"`
}

// handleLocationBatch accepts a batch of samples from the gateway. With a
// Kafka producer configured the samples are queued; otherwise applied inline.
func (s *Server) handleLocationBatch(w http.ResponseWriter, r *http.Request) {
	var samples []models.LocationSample
	if err := decodeJSON(r, &samples); err != nil {
		writeError(w, err)
		return
	}
	var (
		res   batchResult
		valid = make([]models.LocationSample, 0, len(samples))
	)
	for _, sm := range samples {
		if err := sm.Validate(); err != nil {
			res.Rejected++
			res.Errors = append(res.Errors, err.Error())
			continue
		}
		valid = append(valid, sm)
	}
	if s.locations != nil {
		if err := s.locations.PublishLocation(r.Context(), valid...); err != nil {
			s.logger.Error("location_publish_failed", zap.Int("samples", len(valid)), zap.Error(err))
			writeError(w, &unavailableError{err})
			return
		}
		res.Accepted = len(valid)
		res.Queued = true
		writeJSON(w, http.StatusAccepted, res)
		return
	}
	for _, sm := range valid {
		if _, err := s.dispatch.UpdateDriverLocation(r.Context(), sm); err != nil {
			res.Rejected++
			res.Errors = append(res.Errors, sm.DriverID+": "+err.Error())
			continue
		}
		res.Accepted++
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleSaveRule(w http.ResponseWriter, r *http.Request) {
	var rule models.PricingRule
	if err := decodeJSON(r, &rule); err != nil {
		writeError(w, err)
		return
	}
	out, err := s.dispatch.SavePricingRule(r.Context(), rule)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleSaveSurgeArea(w http.ResponseWriter, r *http.Request) {
	var a models.SurgeArea
	if err := decodeJSON(r, &a); err != nil {
		writeError(w, err)
		return
	}
	out, err := s.dispatch.SaveSurgeArea(r.Context(), a)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func queryInt(v, field string) (int, error) {
	if v == "" {
		return 0, nil
	}
	i, err := cast.ToIntE(v)
	if err != nil {
		return 0, &models.ValidationError{Field: field, Reason: "must be an integer"}
	}
	return i, nil
}

func queryFloat(v, field string, required bool) (float64, error) {
	if v == "" {
		if required {
			return 0, &models.ValidationError{Field: field, Reason: "required"}
		}
		return 0, nil
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, &models.ValidationError{Field: field, Reason: "must be a number"}
	}
	return f, nil
}
