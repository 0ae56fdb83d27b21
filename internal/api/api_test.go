package api

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/priofree/bundler/internal/obslog"
	"github.com/priofree/bundler/pkg/bundler/dispatch"
	"github.com/priofree/bundler/pkg/bundler/ledger"
	"github.com/priofree/bundler/pkg/bundler/oracle"
	"github.com/priofree/bundler/pkg/bundler/payment"
	"github.com/priofree/bundler/pkg/bundler/pipeline"
	"github.com/priofree/bundler/pkg/bundler/relay"
	"github.com/priofree/bundler/pkg/bundler/simulator"
)

const apiTestCallerKeyHex = "7c1e26cfb0e6e1a6bb3a0dfcd645d18b2a3e74b61ef5e6a8f0a58d2f6e1d4c9b"
const apiTestOperatorKeyHex = "e4e87a60a4cf6f53e49c1f3b6d8e22f3ac1a1e04ff61f6c3b4b41f8c1a9d2e3f"

func signedTx1(t *testing.T) []byte {
	t.Helper()
	key, err := crypto.HexToECDSA(apiTestCallerKeyHex)
	require.NoError(t, err)

	to := common.HexToAddress("0xdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef")
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(1),
		Nonce:     0,
		GasTipCap: big.NewInt(0),
		GasFeeCap: big.NewInt(30_000_000_000),
		Gas:       21_000,
		To:        &to,
		Value:     big.NewInt(1),
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(big.NewInt(1)), key)
	require.NoError(t, err)
	raw, err := signed.MarshalBinary()
	require.NoError(t, err)
	return raw
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	led, err := ledger.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })

	oc := oracle.NewMock(big.NewInt(1), 100, big.NewInt(20_000_000_000))
	sim := simulator.NewStub()
	signer, err := payment.NewSignerFromHex(apiTestOperatorKeyHex, big.NewInt(1), 0)
	require.NoError(t, err)

	builders := []dispatch.Builder{
		{Client: relay.NewMock("flashbots", relay.Result{Outcome: relay.OutcomeAccepted}), PaymentAddress: common.HexToAddress("0xaa")},
	}
	params := pipeline.Params{
		SnapshotID:     "snap-1",
		ChainID:        big.NewInt(1),
		MinGas:         21_000,
		MaxGas:         1_000_000,
		Formula:        payment.FormulaFlat,
		K1:             big.NewInt(0),
		K2:             big.NewInt(1_000_000_000_000),
		Tip:            big.NewInt(1_000_000_000),
		OperatorMaxWei: big.NewInt(10_000_000_000_000),
		PerBundleCap:   big.NewInt(10_000_000_000_000),
		DailyCapWei:    big.NewInt(1_000_000_000_000_000),
		BlocksAhead:    2,
		BlockTime:      12 * time.Second,
		Builders:       builders,
	}
	controller := pipeline.New(led, oc, sim, signer, 0, 0, func() pipeline.Params { return params })

	return New(controller, led, obslog.NewNop())
}

func TestHandleSubmit_HappyPathReturns200WithBundleID(t *testing.T) {
	s := newTestServer(t)
	raw := signedTx1(t)

	body, err := json.Marshal(submitRequestBody{Tx1: "0x" + hex.EncodeToString(raw)})
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/bundles", bytes.NewReader(body))
	s.Mux().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp submitResponseBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.BundleID)
}

func TestHandleSubmit_MalformedHexReturns400(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(submitRequestBody{Tx1: "not-hex"})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/bundles", bytes.NewReader(body))
	s.Mux().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandleGet_RoundTripsSubmittedBundle(t *testing.T) {
	s := newTestServer(t)
	raw := signedTx1(t)
	body, _ := json.Marshal(submitRequestBody{Tx1: "0x" + hex.EncodeToString(raw)})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/bundles", bytes.NewReader(body))
	s.Mux().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp submitResponseBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))

	rr2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/bundles/"+resp.BundleID, nil)
	s.Mux().ServeHTTP(rr2, req2)
	require.Equal(t, http.StatusOK, rr2.Code)

	var view struct {
		State string `json:"State"`
	}
	require.NoError(t, json.Unmarshal(rr2.Body.Bytes(), &view))
	assert.Equal(t, "sent", view.State)
}

func TestHandleHealthz_ReportsOkWithKillswitchOff(t *testing.T) {
	s := newTestServer(t)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.Mux().ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var body healthzBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, "off", body.Components.Killswitch)
}

func TestHandleKillswitch_TogglesAndBlocksSubmit(t *testing.T) {
	s := newTestServer(t)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/killswitch", bytes.NewReader([]byte(`{"enabled":true}`)))
	s.Mux().ServeHTTP(rr, req)
	require.Equal(t, http.StatusNoContent, rr.Code)

	raw := signedTx1(t)
	body, _ := json.Marshal(submitRequestBody{Tx1: "0x" + hex.EncodeToString(raw)})
	rr2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodPost, "/bundles", bytes.NewReader(body))
	s.Mux().ServeHTTP(rr2, req2)

	assert.Equal(t, http.StatusServiceUnavailable, rr2.Code)
}

func TestHandleSubmit_ExceedingRateLimitReturns429(t *testing.T) {
	s := newTestServer(t)
	s.limiter = newRateLimiter(1, time.Minute)

	raw := signedTx1(t)
	body, _ := json.Marshal(submitRequestBody{Tx1: "0x" + hex.EncodeToString(raw)})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/bundles", bytes.NewReader(body))
	req.RemoteAddr = "10.0.0.1:1234"
	s.Mux().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	rr2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodPost, "/bundles", bytes.NewReader(body))
	req2.RemoteAddr = "10.0.0.1:1234"
	s.Mux().ServeHTTP(rr2, req2)
	assert.Equal(t, http.StatusTooManyRequests, rr2.Code)
}

func TestHandleConfigReload_RunsRegisteredHook(t *testing.T) {
	s := newTestServer(t)
	called := false
	s.SetReloadHook(func() error {
		called = true
		return nil
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/config/reload", nil)
	s.Mux().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.True(t, called)
}
