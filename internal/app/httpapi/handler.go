// Package httpapi exposes the marketplace services as a REST API.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	app "github.com/freshloop/marketplace/internal/app"
	"github.com/freshloop/marketplace/internal/app/domain/listing"
	"github.com/freshloop/marketplace/internal/app/domain/participant"
	"github.com/freshloop/marketplace/internal/app/geo"
	"github.com/freshloop/marketplace/internal/app/metrics"
	"github.com/freshloop/marketplace/internal/app/services/listings"
	"github.com/freshloop/marketplace/internal/app/services/participants"
	"github.com/freshloop/marketplace/internal/app/services/trades"
)

// handler bundles HTTP endpoints for the application services.
type handler struct {
	app   *app.Application
	audit *auditLog
}

// Config tunes the HTTP layer.
type Config struct {
	// AuditMax bounds the in-memory audit tail. Zero selects the default.
	AuditMax int
	// AuditFile optionally persists audit entries as JSONL.
	AuditFile string
	// RateLimit is requests per second per client; zero disables limiting.
	RateLimit float64
	// RateBurst is the per-client burst allowance when limiting is on.
	RateBurst int
}

// NewHandler returns the router exposing the core REST API.
func NewHandler(application *app.Application, cfg Config) (http.Handler, error) {
	sink, err := newFileAuditSink(cfg.AuditFile)
	if err != nil {
		return nil, err
	}
	h := &handler{
		app:   application,
		audit: newAuditLog(cfg.AuditMax, sink),
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/participants", h.createParticipant).Methods(http.MethodPost)
	r.HandleFunc("/participants", h.listParticipants).Methods(http.MethodGet)
	r.HandleFunc("/participants/{id:[0-9]+}", h.getParticipant).Methods(http.MethodGet)

	r.HandleFunc("/ingredients", h.createIngredient).Methods(http.MethodPost)
	r.HandleFunc("/ingredients/{id:[0-9]+}", h.getIngredient).Methods(http.MethodGet)

	r.HandleFunc("/sales", h.createSale).Methods(http.MethodPost)
	r.HandleFunc("/sales", h.listSales).Methods(http.MethodGet)
	r.HandleFunc("/sales/{id:[0-9]+}", h.getSale).Methods(http.MethodGet)
	r.HandleFunc("/sales/{id:[0-9]+}", h.deleteSale).Methods(http.MethodDelete)

	r.HandleFunc("/sales/{id:[0-9]+}/trade", h.openTrade).Methods(http.MethodPost)
	r.HandleFunc("/sales/{id:[0-9]+}/arrival", h.recordArrival).Methods(http.MethodPost)
	r.HandleFunc("/sales/{id:[0-9]+}/finalize", h.finalizeTrade).Methods(http.MethodPost)
	r.HandleFunc("/sales/{id:[0-9]+}/cancel", h.cancelTrade).Methods(http.MethodPost)
	r.HandleFunc("/sales/{id:[0-9]+}/transaction", h.activeTransaction).Methods(http.MethodGet)

	r.HandleFunc("/admin/audit", h.auditTail).Methods(http.MethodGet)

	var wrapped http.Handler = r
	wrapped = h.auditMiddleware(wrapped)
	if cfg.RateLimit > 0 {
		wrapped = rateLimitMiddleware(cfg.RateLimit, cfg.RateBurst)(wrapped)
	}
	wrapped = requestIDMiddleware(wrapped)
	wrapped = metrics.InstrumentHandler(wrapped)
	return wrapped, nil
}

func (h *handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Participants ----------------------------------------------------------------

func (h *handler) createParticipant(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	created, err := h.app.Participants.Register(r.Context(), participant.Participant{
		Name:  payload.Name,
		Email: payload.Email,
	})
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, participants.ErrEmailTaken) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *handler) listParticipants(w http.ResponseWriter, r *http.Request) {
	all, err := h.app.Participants.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, all)
}

func (h *handler) getParticipant(w http.ResponseWriter, r *http.Request) {
	id := pathID(r)
	p, err := h.app.Participants.Get(r.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, participants.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Ingredients ------------------------------------------------------------------

func (h *handler) createIngredient(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name      string             `json:"name"`
		Category  string             `json:"category"`
		ExpiryAt  time.Time          `json:"expiry_at"`
		Value     float64            `json:"value"`
		Quantity  int                `json:"quantity"`
		Nutrition map[string]float64 `json:"nutrition"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	created, err := h.app.Listings.CreateIngredient(r.Context(), listing.Ingredient{
		Name:      payload.Name,
		Category:  payload.Category,
		ExpiryAt:  payload.ExpiryAt,
		Value:     payload.Value,
		Quantity:  payload.Quantity,
		Nutrition: payload.Nutrition,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *handler) getIngredient(w http.ResponseWriter, r *http.Request) {
	ing, err := h.app.Listings.GetIngredient(r.Context(), pathID(r))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, listings.ErrIngredientNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, ing)
}

// Sales ------------------------------------------------------------------------

func (h *handler) createSale(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SellerID       int64   `json:"seller_id"`
		IngredientID   int64   `json:"ingredient_id"`
		IngredientName string  `json:"ingredient_name"`
		Quantity       int     `json:"quantity"`
		Value          float64 `json:"value"`
		MeetingLat     float64 `json:"meeting_lat"`
		MeetingLon     float64 `json:"meeting_lon"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	created, err := h.app.Listings.RegisterSale(r.Context(), listing.Sale{
		SellerID:       payload.SellerID,
		IngredientID:   payload.IngredientID,
		IngredientName: payload.IngredientName,
		Quantity:       payload.Quantity,
		Value:          payload.Value,
		MeetingLat:     payload.MeetingLat,
		MeetingLon:     payload.MeetingLon,
	})
	if err != nil {
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, listings.ErrSellerNotFound), errors.Is(err, listings.ErrIngredientNotFound):
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *handler) listSales(w http.ResponseWriter, r *http.Request) {
	status := listing.Status(r.URL.Query().Get("status"))
	sales, err := h.app.Listings.ListSales(r.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, sales)
}

func (h *handler) getSale(w http.ResponseWriter, r *http.Request) {
	sale, err := h.app.Listings.GetSale(r.Context(), pathID(r))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, listings.ErrSaleNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

func (h *handler) deleteSale(w http.ResponseWriter, r *http.Request) {
	if err := h.app.Listings.Withdraw(r.Context(), pathID(r)); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, listings.ErrSaleNotFound):
			status = http.StatusNotFound
		case errors.Is(err, listings.ErrSaleHeld):
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Trades -----------------------------------------------------------------------

func (h *handler) openTrade(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		BuyerID       int64     `json:"buyer_id"`
		AppointmentAt time.Time `json:"appointment_at"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	t, err := h.app.Trades.Open(r.Context(), payload.BuyerID, pathID(r), payload.AppointmentAt)
	if err != nil {
		writeError(w, tradeStatus(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (h *handler) recordArrival(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		ParticipantID int64   `json:"participant_id"`
		Lat           float64 `json:"lat"`
		Lon           float64 `json:"lon"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	arrived, err := h.app.Trades.RecordArrival(r.Context(), pathID(r), payload.ParticipantID, geo.Point{
		Lat: payload.Lat,
		Lon: payload.Lon,
	})
	if err != nil {
		writeError(w, tradeStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"arrived": arrived})
}

func (h *handler) finalizeTrade(w http.ResponseWriter, r *http.Request) {
	result, err := h.app.Trades.FinalizeSuccess(r.Context(), pathID(r))
	if err != nil {
		writeError(w, tradeStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) cancelTrade(w http.ResponseWriter, r *http.Request) {
	result, err := h.app.Trades.Cancel(r.Context(), pathID(r))
	if err != nil {
		writeError(w, tradeStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) activeTransaction(w http.ResponseWriter, r *http.Request) {
	t, ok, err := h.app.Trades.ActiveTransaction(r.Context(), pathID(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, trades.ErrNoActiveTrade)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// Admin ------------------------------------------------------------------------

func (h *handler) auditTail(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, h.audit.listLimit(limit))
}

// tradeStatus maps coordinator sentinels to HTTP status codes.
func tradeStatus(err error) int {
	switch {
	case errors.Is(err, trades.ErrSaleNotFound), errors.Is(err, trades.ErrNoActiveTrade):
		return http.StatusNotFound
	case errors.Is(err, trades.ErrActiveTradeExists), errors.Is(err, trades.ErrFinalizeNotReady):
		return http.StatusConflict
	case errors.Is(err, trades.ErrPartyMismatch):
		return http.StatusForbidden
	case errors.Is(err, geo.ErrInvalidCoordinate):
		return http.StatusBadRequest
	}
	return http.StatusBadRequest
}

func pathID(r *http.Request) int64 {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
