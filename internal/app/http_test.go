package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServer(t *testing.T) (*httptest.Server, *Service, *fakeStore) {
	t.Helper()
	fake := newFakeStore()
	seedDirectory(t, fake)
	svc := newTestService(fake)
	ts := httptest.NewServer(NewHTTPServer(svc, "*").Handler())
	t.Cleanup(ts.Close)
	return ts, svc, fake
}

func issueToken(t *testing.T, svc *Service, userID string) string {
	t.Helper()
	user, err := svc.store.GetUserByID(context.Background(), userID)
	if err != nil {
		t.Fatalf("lookup user %s: %v", userID, err)
	}
	session, err := svc.issueSession(context.Background(), user)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return session.Token
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &payload)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	decoded := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestHealthAndRequestID(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/health", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health returned %d", resp.StatusCode)
	}
	if body["ok"] != true {
		t.Fatalf("unexpected health body: %v", body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("missing request id header")
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS header")
	}
}

func TestAuthRequiredForLetters(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/letters", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if body["code"] != "UNAUTHORIZED" {
		t.Fatalf("unexpected error body: %v", body)
	}

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/letters", "not-a-token", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", resp.StatusCode)
	}
}

func TestLetterFlowOverHTTP(t *testing.T) {
	ts, svc, _ := newTestServer(t)
	authorToken := issueToken(t, svc, "user-author")
	ketuaToken := issueToken(t, svc, "user-ketua")

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/letters", authorToken, map[string]any{
		"categoryId": "cat-sk",
		"toType":     "unit",
		"toRef":      "unit-dpc-sby",
		"subject":    "Permohonan Data Anggota",
		"body":       "Mohon data anggota triwulan pertama.",
		"signerType": "ketua",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create returned %d: %v", resp.StatusCode, body)
	}
	letter := body["letter"].(map[string]any)
	letterID := letter["id"].(string)
	if letter["status"] != "draft" {
		t.Fatalf("expected draft, got %v", letter["status"])
	}

	resp, body = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/letters/%s/submit", ts.URL, letterID), authorToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit returned %d: %v", resp.StatusCode, body)
	}

	// The author holds no signing authority.
	resp, body = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/letters/%s/approve", ts.URL, letterID), authorToken, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for author approve, got %d: %v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/letters/%s/approve", ts.URL, letterID), ketuaToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve returned %d: %v", resp.StatusCode, body)
	}
	approved := body["letter"].(map[string]any)
	if approved["letterNumber"] != "001/SK/DPC-BDG/SP-PIPS/2026" {
		t.Fatalf("unexpected letter number: %v", approved["letterNumber"])
	}

	resp, body = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/letters/%s/approve", ts.URL, letterID), ketuaToken, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on double approve, got %d: %v", resp.StatusCode, body)
	}

	// The printed token verifies publicly, without a session.
	token := approved["verificationToken"].(string)
	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/verify/"+token, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify returned %d", resp.StatusCode)
	}
	if body["valid"] != true || body["letterNumber"] != "001/SK/DPC-BDG/SP-PIPS/2026" {
		t.Fatalf("unexpected verification payload: %v", body)
	}
}

func TestRejectRequiresNoteOverHTTP(t *testing.T) {
	ts, svc, _ := newTestServer(t)
	authorToken := issueToken(t, svc, "user-author")
	ketuaToken := issueToken(t, svc, "user-ketua")

	_, body := doJSON(t, http.MethodPost, ts.URL+"/api/letters", authorToken, map[string]any{
		"categoryId": "cat-sk",
		"toType":     "unit",
		"toRef":      "unit-dpc-sby",
		"subject":    "Usulan Kegiatan",
		"body":       "Rincian usulan terlampir.",
		"signerType": "ketua",
	})
	letterID := body["letter"].(map[string]any)["id"].(string)
	doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/letters/%s/submit", ts.URL, letterID), authorToken, nil)

	resp, body := doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/letters/%s/reject", ts.URL, letterID), ketuaToken, map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty note, got %d: %v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodPost, fmt.Sprintf("%s/api/letters/%s/reject", ts.URL, letterID), ketuaToken, map[string]any{
		"note": "Anggaran belum disetujui",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reject returned %d: %v", resp.StatusCode, body)
	}
	if body["letter"].(map[string]any)["status"] != "rejected" {
		t.Fatalf("unexpected status: %v", body)
	}
}

func TestApproverManagementOverHTTP(t *testing.T) {
	ts, svc, fake := newTestServer(t)
	// The ketua also administers the unit here.
	fake.mu.Lock()
	admin := fake.users["user-ketua"]
	unitID := "unit-dpc-bdg"
	admin.UnitID = &unitID
	admin.UnitAdmin = true
	fake.users["user-ketua"] = admin
	fake.mu.Unlock()
	ketuaToken := issueToken(t, svc, "user-ketua")
	staffToken := issueToken(t, svc, "user-staff")

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/units/unit-dpc-bdg/approvers", staffToken, map[string]any{
		"signerType": "ketua",
		"userId":     "user-staff",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin delegation, got %d: %v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/units/unit-dpc-bdg/approvers", ketuaToken, map[string]any{
		"signerType": "ketua",
		"userId":     "user-staff",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("delegation returned %d: %v", resp.StatusCode, body)
	}
	approverID := body["approver"].(map[string]any)["id"].(string)

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/units/unit-dpc-bdg/approvers", ketuaToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list approvers returned %d", resp.StatusCode)
	}
	approvers := body["approvers"].([]any)
	if len(approvers) != 1 {
		t.Fatalf("expected one delegation, got %d", len(approvers))
	}

	resp, _ = doJSON(t, http.MethodPut, ts.URL+"/api/approvers/"+approverID, ketuaToken, map[string]any{
		"unitId": "unit-dpc-bdg",
		"active": false,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deactivate returned %d", resp.StatusCode)
	}
}
