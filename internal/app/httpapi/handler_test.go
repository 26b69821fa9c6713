package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	app "github.com/freshloop/marketplace/internal/app"
	"github.com/freshloop/marketplace/internal/app/domain/listing"
	"github.com/freshloop/marketplace/internal/app/domain/trade"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	application, err := app.New(app.Stores{}, app.Options{}, nil)
	require.NoError(t, err)
	h, err := NewHandler(application, Config{})
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func seedSale(t *testing.T, base string) (sellerID, buyerID, saleID int64) {
	t.Helper()
	var seller, buyer struct {
		ID int64 `json:"id"`
	}
	status := doJSON(t, http.MethodPost, base+"/participants", map[string]string{"name": "seller", "email": "seller@example.com"}, &seller)
	require.Equal(t, http.StatusCreated, status)
	status = doJSON(t, http.MethodPost, base+"/participants", map[string]string{"name": "buyer", "email": "buyer@example.com"}, &buyer)
	require.Equal(t, http.StatusCreated, status)

	var ing struct {
		ID int64 `json:"id"`
	}
	status = doJSON(t, http.MethodPost, base+"/ingredients", map[string]any{
		"name":      "onion",
		"category":  "vegetable",
		"quantity":  2,
		"expiry_at": time.Now().Add(48 * time.Hour).Format(time.RFC3339),
	}, &ing)
	require.Equal(t, http.StatusCreated, status)

	var sale struct {
		ID int64 `json:"id"`
	}
	status = doJSON(t, http.MethodPost, base+"/sales", map[string]any{
		"seller_id":     seller.ID,
		"ingredient_id": ing.ID,
		"quantity":      2,
		"value":         3.5,
		"meeting_lat":   37.5663,
		"meeting_lon":   126.9779,
	}, &sale)
	require.Equal(t, http.StatusCreated, status)

	return seller.ID, buyer.ID, sale.ID
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestParticipantEndpoints(t *testing.T) {
	srv := newTestServer(t)

	var created struct {
		ID         int64   `json:"id"`
		TrustScore float64 `json:"trust_score"`
	}
	status := doJSON(t, http.MethodPost, srv.URL+"/participants", map[string]string{"name": "Ana", "email": "ana@example.com"}, &created)
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, 0.0, created.TrustScore)

	status = doJSON(t, http.MethodPost, srv.URL+"/participants", map[string]string{"name": "Dup", "email": "ana@example.com"}, nil)
	require.Equal(t, http.StatusConflict, status)

	status = doJSON(t, http.MethodGet, fmt.Sprintf("%s/participants/%d", srv.URL, created.ID), nil, nil)
	require.Equal(t, http.StatusOK, status)

	status = doJSON(t, http.MethodGet, srv.URL+"/participants/404", nil, nil)
	require.Equal(t, http.StatusNotFound, status)
}

func TestSaleEndpoints(t *testing.T) {
	srv := newTestServer(t)
	_, _, saleID := seedSale(t, srv.URL)

	var sales []listing.Sale
	status := doJSON(t, http.MethodGet, srv.URL+"/sales?status=Available", nil, &sales)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, sales, 1)

	status = doJSON(t, http.MethodGet, fmt.Sprintf("%s/sales/%d", srv.URL, saleID), nil, nil)
	require.Equal(t, http.StatusOK, status)

	status = doJSON(t, http.MethodDelete, fmt.Sprintf("%s/sales/%d", srv.URL, saleID), nil, nil)
	require.Equal(t, http.StatusNoContent, status)

	status = doJSON(t, http.MethodGet, fmt.Sprintf("%s/sales/%d", srv.URL, saleID), nil, nil)
	require.Equal(t, http.StatusNotFound, status)
}

func TestTradeFlowOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	sellerID, buyerID, saleID := seedSale(t, srv.URL)
	appointment := time.Now().Add(time.Hour)

	var tx trade.Transaction
	status := doJSON(t, http.MethodPost, fmt.Sprintf("%s/sales/%d/trade", srv.URL, saleID), map[string]any{
		"buyer_id":       buyerID,
		"appointment_at": appointment.Format(time.RFC3339),
	}, &tx)
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, trade.StatusTrading, tx.Status)

	// Second opener is rejected.
	status = doJSON(t, http.MethodPost, fmt.Sprintf("%s/sales/%d/trade", srv.URL, saleID), map[string]any{
		"buyer_id":       buyerID,
		"appointment_at": appointment.Format(time.RFC3339),
	}, nil)
	require.Equal(t, http.StatusConflict, status)

	// A sale mid-trade cannot be withdrawn.
	status = doJSON(t, http.MethodDelete, fmt.Sprintf("%s/sales/%d", srv.URL, saleID), nil, nil)
	require.Equal(t, http.StatusConflict, status)

	// Finalize before anyone arrived is rejected.
	status = doJSON(t, http.MethodPost, fmt.Sprintf("%s/sales/%d/finalize", srv.URL, saleID), nil, nil)
	require.Equal(t, http.StatusConflict, status)

	// A stranger cannot report an arrival.
	status = doJSON(t, http.MethodPost, fmt.Sprintf("%s/sales/%d/arrival", srv.URL, saleID), map[string]any{
		"participant_id": int64(9999),
		"lat":            37.5663,
		"lon":            126.9779,
	}, nil)
	require.Equal(t, http.StatusForbidden, status)

	// An out-of-tolerance report is accepted but records nothing.
	var arrival struct {
		Arrived bool `json:"arrived"`
	}
	status = doJSON(t, http.MethodPost, fmt.Sprintf("%s/sales/%d/arrival", srv.URL, saleID), map[string]any{
		"participant_id": buyerID,
		"lat":            37.5880,
		"lon":            126.9779,
	}, &arrival)
	require.Equal(t, http.StatusOK, status)
	require.False(t, arrival.Arrived)

	for _, id := range []int64{buyerID, sellerID} {
		status = doJSON(t, http.MethodPost, fmt.Sprintf("%s/sales/%d/arrival", srv.URL, saleID), map[string]any{
			"participant_id": id,
			"lat":            37.5663,
			"lon":            126.9779,
		}, &arrival)
		require.Equal(t, http.StatusOK, status)
		require.True(t, arrival.Arrived)
	}

	var result struct {
		Transaction    trade.Transaction `json:"transaction"`
		BuyerPunctual  bool              `json:"buyer_punctual"`
		SellerPunctual bool              `json:"seller_punctual"`
	}
	status = doJSON(t, http.MethodPost, fmt.Sprintf("%s/sales/%d/finalize", srv.URL, saleID), nil, &result)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, trade.StatusComplete, result.Transaction.Status)
	require.True(t, result.BuyerPunctual)
	require.True(t, result.SellerPunctual)

	// No active transaction remains to poll.
	status = doJSON(t, http.MethodGet, fmt.Sprintf("%s/sales/%d/transaction", srv.URL, saleID), nil, nil)
	require.Equal(t, http.StatusNotFound, status)

	var sale listing.Sale
	status = doJSON(t, http.MethodGet, fmt.Sprintf("%s/sales/%d", srv.URL, saleID), nil, &sale)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, listing.StatusSoldOut, sale.Status)

	var punctual struct {
		TrustScore float64 `json:"trust_score"`
	}
	status = doJSON(t, http.MethodGet, fmt.Sprintf("%s/participants/%d", srv.URL, buyerID), nil, &punctual)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 0.5, punctual.TrustScore)
}

func TestCancelTooEarlyOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	_, buyerID, saleID := seedSale(t, srv.URL)

	status := doJSON(t, http.MethodPost, fmt.Sprintf("%s/sales/%d/trade", srv.URL, saleID), map[string]any{
		"buyer_id":       buyerID,
		"appointment_at": time.Now().Add(time.Hour).Format(time.RFC3339),
	}, nil)
	require.Equal(t, http.StatusCreated, status)

	var result struct {
		TooEarly bool `json:"too_early"`
	}
	status = doJSON(t, http.MethodPost, fmt.Sprintf("%s/sales/%d/cancel", srv.URL, saleID), nil, &result)
	require.Equal(t, http.StatusOK, status)
	require.True(t, result.TooEarly)

	// The trade is still live.
	status = doJSON(t, http.MethodGet, fmt.Sprintf("%s/sales/%d/transaction", srv.URL, saleID), nil, nil)
	require.Equal(t, http.StatusOK, status)
}

func TestAuditTail(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()

	var entries []auditEntry
	status := doJSON(t, http.MethodGet, srv.URL+"/admin/audit?limit=10", nil, &entries)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, entries)
	require.Equal(t, "/healthz", entries[0].Path)
	require.NotEmpty(t, entries[0].RequestID)
}

func TestRateLimit(t *testing.T) {
	application, err := app.New(app.Stores{}, app.Options{}, nil)
	require.NoError(t, err)
	h, err := NewHandler(application, Config{RateLimit: 1, RateBurst: 2})
	require.NoError(t, err)
	srv := httptest.NewServer(h)
	defer srv.Close()

	var last int
	for i := 0; i < 5; i++ {
		resp, err := http.Get(srv.URL + "/healthz")
		require.NoError(t, err)
		resp.Body.Close()
		last = resp.StatusCode
	}
	require.Equal(t, http.StatusTooManyRequests, last)
}
