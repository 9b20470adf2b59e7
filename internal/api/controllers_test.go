package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"trading-core/internal/monitor"
	"trading-core/pkg/crypto"
	"trading-core/pkg/db"
)

func newTestAPIServer(t *testing.T) (*httptest.Server, func()) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	t.Setenv("MASTER_ENCRYPTION_KEY", key)

	keyMgr, err := crypto.NewKeyManager()
	if err != nil {
		t.Fatalf("NewKeyManager: %v", err)
	}

	metrics := monitor.NewSystemMetrics()

	server := NewServer(
		database,
		nil,
		keyMgr,
		metrics,
		SystemMeta{
			Venue:   "binance_spot",
			Testnet: true,
			Version: "test",
		},
		"test-secret",
	)

	httpServer := httptest.NewServer(server.Router)

	cleanup := func() {
		httpServer.Close()
		_ = database.Close()
	}
	return httpServer, cleanup
}

func doJSONRequest(t *testing.T, client *http.Client, method, url, token string, payload any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}

	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func registerAndLogin(t *testing.T, client *http.Client, baseURL string) string {
	t.Helper()
	var regResp struct {
		UserID string `json:"user_id"`
	}
	status := doJSONRequest(t, client, http.MethodPost, baseURL+"/api/v1/auth/register", "", map[string]string{
		"username": "tester",
		"email":    "tester@example.com",
		"password": "StrongPass123!",
	}, &regResp)
	if status != http.StatusCreated {
		t.Fatalf("register status=%d resp=%+v", status, regResp)
	}

	var loginResp struct {
		Token string `json:"token"`
	}
	status = doJSONRequest(t, client, http.MethodPost, baseURL+"/api/v1/auth/login", "", map[string]string{
		"email":    "tester@example.com",
		"password": "StrongPass123!",
	}, &loginResp)
	if status != http.StatusOK || loginResp.Token == "" {
		t.Fatalf("login failed status=%d resp=%+v", status, loginResp)
	}
	return loginResp.Token
}

func TestRegisterAndLogin(t *testing.T) {
	ts, cleanup := newTestAPIServer(t)
	defer cleanup()

	client := ts.Client()
	token := registerAndLogin(t, client, ts.URL)
	if token == "" {
		t.Fatalf("expected non-empty token")
	}
}

func TestCreateExchangeAccountValidation(t *testing.T) {
	ts, cleanup := newTestAPIServer(t)
	defer cleanup()

	client := ts.Client()
	token := registerAndLogin(t, client, ts.URL)

	var resp struct {
		Code string `json:"code"`
	}
	status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/v1/exchange-accounts", token, map[string]any{
		"label": "",
	}, &resp)
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", status)
	}
	if resp.Code != "INVALID_REQUEST" {
		t.Fatalf("expected code INVALID_REQUEST, got %s", resp.Code)
	}
}

func TestCreateListAndDeactivateExchangeAccount(t *testing.T) {
	ts, cleanup := newTestAPIServer(t)
	defer cleanup()

	client := ts.Client()
	token := registerAndLogin(t, client, ts.URL)

	var createResp struct {
		ID         string `json:"id"`
		KeyVersion int    `json:"key_version"`
	}
	status := doJSONRequest(t, client, http.MethodPost, ts.URL+"/api/v1/exchange-accounts", token, map[string]any{
		"label":      "main",
		"api_key":    "key-123",
		"api_secret": "secret-456",
		"testnet":    true,
	}, &createResp)
	if status != http.StatusCreated || createResp.ID == "" {
		t.Fatalf("create exchange account failed status=%d resp=%+v", status, createResp)
	}

	var listResp []struct {
		ID    string `json:"id"`
		Label string `json:"label"`
	}
	status = doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/v1/exchange-accounts", token, nil, &listResp)
	if status != http.StatusOK {
		t.Fatalf("list exchange accounts status=%d", status)
	}
	if len(listResp) != 1 || listResp[0].ID != createResp.ID {
		t.Fatalf("expected one listed account matching created id, got %+v", listResp)
	}

	var deactivateResp struct {
		Status string `json:"status"`
	}
	status = doJSONRequest(t, client, http.MethodDelete, ts.URL+"/api/v1/exchange-accounts/"+createResp.ID, token, nil, &deactivateResp)
	if status != http.StatusOK || deactivateResp.Status != "deactivated" {
		t.Fatalf("deactivate exchange account failed status=%d resp=%+v", status, deactivateResp)
	}

	status = doJSONRequest(t, client, http.MethodGet, ts.URL+"/api/v1/exchange-accounts", token, nil, &listResp)
	if status != http.StatusOK {
		t.Fatalf("list exchange accounts status=%d", status)
	}
	if len(listResp) != 0 {
		t.Fatalf("expected deactivated account to no longer be listed, got %+v", listResp)
	}
}

func TestGetMetrics(t *testing.T) {
	ts, cleanup := newTestAPIServer(t)
	defer cleanup()

	client := ts.Client()
	resp, err := client.Get(ts.URL + "/api/v1/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
