package assembly

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

// A release against missing components answers 409 with the shortage
// detail as a problem-details extension member.
func TestReleaseHandlerReportsShortages(t *testing.T) {
	svc, _, ledger := fixture(t)
	ledger.Seed(componentA, floorLoc, dec("25"))
	ledger.Seed(componentB, floorLoc, dec("8"))
	order := createOrder(t, svc, "10")

	h := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), svc)
	router := chi.NewRouter()
	h.MountRoutes(router)

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/%d/release", order.ID), strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
	var problem struct {
		Title string `json:"title"`
		Data  struct {
			Shortages []struct {
				ProductID int64  `json:"product_id"`
				Missing   string `json:"missing"`
			} `json:"shortages"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	require.Equal(t, "Insufficient Stock", problem.Title)
	require.Len(t, problem.Data.Shortages, 1)
	require.Equal(t, componentB, problem.Data.Shortages[0].ProductID)
	require.Equal(t, "2", problem.Data.Shortages[0].Missing)
}
