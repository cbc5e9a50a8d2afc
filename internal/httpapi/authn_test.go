package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"spikeshield.io/internal/auth"
)

func authProbe(t *testing.T) (http.Handler, *common.Address) {
	t.Helper()
	t.Setenv("SPIKESHIELD_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	var seen common.Address
	a := &API{}
	h := a.withAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = auth.AddressFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	return h, &seen
}

func TestWithAuthAllowsPublicPath(t *testing.T) {
	h, _ := authProbe(t)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/spikes", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestWithAuthRejectsMissingToken(t *testing.T) {
	h, _ := authProbe(t)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/pool/purchase", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if got := rr.Header().Get("WWW-Authenticate"); got == "" {
		t.Fatalf("expected WWW-Authenticate header set")
	}
}

func TestWithAuthRejectsBadToken(t *testing.T) {
	h, _ := authProbe(t)
	for _, header := range []string{"Bearer nope", "Basic abc"} {
		req := httptest.NewRequest(http.MethodGet, "/api/spikes", nil)
		req.Header.Set("Authorization", header)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("%q: expected 401, got %d", header, rr.Code)
		}
	}
}

func TestWithAuthAttachesAddress(t *testing.T) {
	h, seen := authProbe(t)
	addr := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	token, _, err := auth.GenerateToken(addr, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/pool/purchase", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if *seen != addr {
		t.Fatalf("unexpected caller %s", seen.Hex())
	}
}
