package claim

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BearBump/HandOff/internal/integrations/backend/httpbackend"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

// backendServer answers the claim RPC with rpcStatus and accepts every
// conditional assignment.
func backendServer(t *testing.T, rpcStatus int) (*httpbackend.Client, *atomic.Int32) {
	t.Helper()
	var assigns atomic.Int32

	r := chi.NewRouter()
	r.Post("/rpc/claim_delivery", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(rpcStatus)
		_, _ = w.Write([]byte(`{"error":"rpc"}`))
	})
	r.Post("/deliveries/{id}/assign-if-available", func(w http.ResponseWriter, r *http.Request) {
		assigns.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"rows_affected":1}`))
	})
	r.Put("/drivers/{id}/availability", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return httpbackend.New(srv.URL), &assigns
}

func TestCoordinator_HTTPBackend_UndeployedRPCFallsBack(t *testing.T) {
	for _, code := range []int{http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusNotImplemented, http.StatusBadGateway} {
		t.Run(http.StatusText(code), func(t *testing.T) {
			client, assigns := backendServer(t, code)
			c := New(client, nil).
				WithRejection(httpbackend.IsRejected).
				WithClock(func() time.Time { return time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC) })

			res := c.Claim(context.Background(), "D1", "A")
			require.True(t, res.OK)
			require.Equal(t, PathFallback, res.Path)
			require.Equal(t, int32(1), assigns.Load())
		})
	}
}

func TestCoordinator_HTTPBackend_RejectedRPCDoesNotFallBack(t *testing.T) {
	client, assigns := backendServer(t, http.StatusBadRequest)
	c := New(client, nil).WithRejection(httpbackend.IsRejected)

	res := c.Claim(context.Background(), "D1", "A")
	require.False(t, res.OK)
	require.Equal(t, ReasonInvalid, res.Reason)
	require.Zero(t, assigns.Load())
}
