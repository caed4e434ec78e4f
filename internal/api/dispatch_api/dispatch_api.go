package dispatch_api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BearBump/HandOff/internal/models"
	"github.com/BearBump/HandOff/internal/services/compensation"
	"github.com/BearBump/HandOff/internal/services/dispatch"
	"github.com/BearBump/HandOff/internal/services/reroute"
	"github.com/BearBump/HandOff/internal/storage/pgdelivery"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
)

type Service interface {
	CreateDelivery(ctx context.Context, d *models.Delivery) (*models.Delivery, error)
	GetDelivery(ctx context.Context, id string) (*models.Delivery, error)
	ClaimDelivery(ctx context.Context, deliveryID, driverID string) (bool, error)
	AssignIfAvailable(ctx context.Context, deliveryID, driverID string, at time.Time) (int64, error)
	UpdateDeliveryStatus(ctx context.Context, deliveryID, driverID string, status models.DeliveryStatus) (*models.Delivery, error)
	ListDriverDeliveries(ctx context.Context, driverID string, statuses []models.DeliveryStatus) ([]*models.Delivery, error)
	ListAvailableDeliveries(ctx context.Context, limit int) ([]*models.Delivery, error)
	SetDriverAvailability(ctx context.Context, driverID string, available bool) error
	RecordDriverLocation(ctx context.Context, loc models.DriverLocation) error
	LatestDriverLocation(ctx context.Context, driverID string) (*models.DriverLocation, error)
	UpsertOrder(ctx context.Context, o models.Order) (*models.Order, error)
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	EstimateOrder(ctx context.Context, orderID string, in dispatch.EstimateInput) (*models.Order, error)
	OrderETA(ctx context.Context, orderID string) (*dispatch.OrderETA, error)
	AppendEvent(ctx context.Context, ev models.DeliveryEvent) error
	ListOrderEvents(ctx context.Context, orderID string) ([]*models.DeliveryEvent, error)
	GrantCredit(ctx context.Context, g models.CreditGrant) (bool, error)
	GetBackupCandidates(ctx context.Context, restaurantID string) ([]models.BackupCandidate, error)
}

type DispatchAPI struct {
	svc     Service
	credits *compensation.Issuer
	reroute *reroute.Workflow
}

func New(svc Service, credits *compensation.Issuer, rr *reroute.Workflow) *DispatchAPI {
	return &DispatchAPI{svc: svc, credits: credits, reroute: rr}
}

// Register mounts the backend routes on r.
func (a *DispatchAPI) Register(r chi.Router) {
	r.Post("/rpc/claim_delivery", a.claimDelivery)

	r.Post("/deliveries", a.createDelivery)
	r.Get("/deliveries/available", a.listAvailable)
	r.Get("/deliveries/{id}", a.getDelivery)
	r.Post("/deliveries/{id}/assign-if-available", a.assignIfAvailable)
	r.Patch("/deliveries/{id}/status", a.updateStatus)

	r.Get("/drivers/{id}/deliveries", a.listDriverDeliveries)
	r.Put("/drivers/{id}/availability", a.setAvailability)
	r.Post("/drivers/{id}/location", a.recordLocation)
	r.Get("/drivers/{id}/location", a.latestLocation)

	r.Put("/orders/{id}", a.upsertOrder)
	r.Get("/orders/{id}", a.getOrder)
	r.Post("/orders/{id}/eta", a.estimateOrder)
	r.Get("/orders/{id}/eta", a.orderETA)
	r.Get("/orders/{id}/events", a.listOrderEvents)
	r.Post("/orders/{id}/delay-credit", a.grantDelayCredit)
	r.Get("/orders/{id}/reroute/candidate", a.rerouteCandidate)
	r.Post("/orders/{id}/reroute/decision", a.rerouteDecision)

	r.Post("/events", a.appendEvent)
	r.Post("/ledger/credits", a.grantCredit)
	r.Get("/restaurants/{id}/backups", a.listBackups)
}

type claimRequest struct {
	DeliveryID string `json:"delivery_id"`
	DriverID   string `json:"driver_id"`
}

type claimResponse struct {
	Claimed bool `json:"claimed"`
}

func (a *DispatchAPI) claimDelivery(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if !decode(w, r, &req) {
		return
	}
	ok, err := a.svc.ClaimDelivery(r.Context(), req.DeliveryID, req.DriverID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, claimResponse{Claimed: ok})
}

func (a *DispatchAPI) createDelivery(w http.ResponseWriter, r *http.Request) {
	var d models.Delivery
	if !decode(w, r, &d) {
		return
	}
	out, err := a.svc.CreateDelivery(r.Context(), &d)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (a *DispatchAPI) getDelivery(w http.ResponseWriter, r *http.Request) {
	d, err := a.svc.GetDelivery(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *DispatchAPI) listAvailable(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := a.svc.ListAvailableDeliveries(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type assignRequest struct {
	DriverID string    `json:"driver_id"`
	At       time.Time `json:"at"`
}

type assignResponse struct {
	RowsAffected int64 `json:"rows_affected"`
}

func (a *DispatchAPI) assignIfAvailable(w http.ResponseWriter, r *http.Request) {
	var req assignRequest
	if !decode(w, r, &req) {
		return
	}
	n, err := a.svc.AssignIfAvailable(r.Context(), chi.URLParam(r, "id"), req.DriverID, req.At)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, assignResponse{RowsAffected: n})
}

type statusRequest struct {
	DriverID string                `json:"driver_id"`
	Status   models.DeliveryStatus `json:"status"`
}

func (a *DispatchAPI) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !decode(w, r, &req) {
		return
	}
	d, err := a.svc.UpdateDeliveryStatus(r.Context(), chi.URLParam(r, "id"), req.DriverID, req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *DispatchAPI) listDriverDeliveries(w http.ResponseWriter, r *http.Request) {
	var statuses []models.DeliveryStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			statuses = append(statuses, models.DeliveryStatus(strings.TrimSpace(st)))
		}
	}
	list, err := a.svc.ListDriverDeliveries(r.Context(), chi.URLParam(r, "id"), statuses)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type availabilityRequest struct {
	Available bool `json:"available"`
}

func (a *DispatchAPI) setAvailability(w http.ResponseWriter, r *http.Request) {
	var req availabilityRequest
	if !decode(w, r, &req) {
		return
	}
	if err := a.svc.SetDriverAvailability(r.Context(), chi.URLParam(r, "id"), req.Available); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *DispatchAPI) recordLocation(w http.ResponseWriter, r *http.Request) {
	var loc models.DriverLocation
	if !decode(w, r, &loc) {
		return
	}
	loc.DriverID = chi.URLParam(r, "id")
	if err := a.svc.RecordDriverLocation(r.Context(), loc); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *DispatchAPI) latestLocation(w http.ResponseWriter, r *http.Request) {
	loc, err := a.svc.LatestDriverLocation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if loc == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

func (a *DispatchAPI) upsertOrder(w http.ResponseWriter, r *http.Request) {
	var o models.Order
	if !decode(w, r, &o) {
		return
	}
	o.ID = chi.URLParam(r, "id")
	out, err := a.svc.UpsertOrder(r.Context(), o)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *DispatchAPI) getOrder(w http.ResponseWriter, r *http.Request) {
	o, err := a.svc.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (a *DispatchAPI) estimateOrder(w http.ResponseWriter, r *http.Request) {
	var in dispatch.EstimateInput
	if !decode(w, r, &in) {
		return
	}
	o, err := a.svc.EstimateOrder(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (a *DispatchAPI) orderETA(w http.ResponseWriter, r *http.Request) {
	out, err := a.svc.OrderETA(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *DispatchAPI) listOrderEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := a.svc.ListOrderEvents(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, evs)
}

type delayCreditRequest struct {
	Amount float64 `json:"amount"`
	Reason string  `json:"reason"`
}

type grantResponse struct {
	Granted bool `json:"granted"`
}

// grantDelayCredit credits the order's customer once; retries return the
// same answer.
func (a *DispatchAPI) grantDelayCredit(w http.ResponseWriter, r *http.Request) {
	var req delayCreditRequest
	if !decode(w, r, &req) {
		return
	}
	o, err := a.svc.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "delivery delay"
	}
	ok := a.credits.GrantDelayCredit(r.Context(), o.UserID, req.Amount, reason, compensation.DelayCreditKey(o.ID), o.ID)
	writeJSON(w, http.StatusOK, grantResponse{Granted: ok})
}

func (a *DispatchAPI) rerouteCandidate(w http.ResponseWriter, r *http.Request) {
	o, err := a.svc.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	c, err := a.reroute.SelectBackupCandidate(r.Context(), o.RestaurantID)
	if err != nil {
		writeError(w, err)
		return
	}
	if c == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type rerouteDecisionRequest struct {
	BackupRestaurantID string           `json:"backup_restaurant_id"`
	Decision           reroute.Decision `json:"decision"`
	Source             string           `json:"source"`
}

func (a *DispatchAPI) rerouteDecision(w http.ResponseWriter, r *http.Request) {
	var req rerouteDecisionRequest
	if !decode(w, r, &req) {
		return
	}
	err := a.reroute.RecordRerouteDecision(r.Context(), chi.URLParam(r, "id"), req.BackupRestaurantID, req.Decision, req.Source)
	if errors.Is(err, reroute.ErrInvalidDecision) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *DispatchAPI) appendEvent(w http.ResponseWriter, r *http.Request) {
	var ev models.DeliveryEvent
	if !decode(w, r, &ev) {
		return
	}
	if err := a.svc.AppendEvent(r.Context(), ev); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *DispatchAPI) grantCredit(w http.ResponseWriter, r *http.Request) {
	var g models.CreditGrant
	if !decode(w, r, &g) {
		return
	}
	ok, err := a.svc.GrantCredit(r.Context(), g)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grantResponse{Granted: ok})
}

func (a *DispatchAPI) listBackups(w http.ResponseWriter, r *http.Request) {
	list, err := a.svc.GetBackupCandidates(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type errorResponse struct {
	Error string `json:"error"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, pgdelivery.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pgdelivery.ErrNotHolder):
		return http.StatusForbidden
	case errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		slog.Error("dispatch api", "error", err.Error())
		writeJSON(w, status, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
