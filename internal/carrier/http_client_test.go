package carrier

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestInitiate_ParsesResponse(t *testing.T) {
	var gotPath, gotCustomField, gotUser string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		r.ParseForm()
		gotCustomField = r.FormValue("CustomField")
		gotUser, _, _ = r.BasicAuth()
		w.Write([]byte(`{"Call": {"Sid": "CA123", "Status": "In-Progress", "Direction": "outbound-api", "DateCreated": "2026-03-02 14:30:00"}}`))
	}))
	defer srv.Close()

	c := NewHTTPCarrier(srv.URL, "app-1", 5*time.Second, Credentials{})
	call, err := c.Initiate(context.Background(), InitiateParams{
		From:        "+15550001111",
		To:          "+15550002222",
		CallerID:    "+15550003333",
		CustomField: "log-id",
		Credentials: Credentials{SID: "acct", Token: "tok", Subdomain: "sub"},
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if call.SID != "CA123" {
		t.Errorf("sid = %q, want CA123", call.SID)
	}
	if call.Status != StatusInProgress {
		t.Errorf("status = %q, want %q", call.Status, StatusInProgress)
	}
	if gotPath != "/v1/Accounts/acct/Calls/connect.json" {
		t.Errorf("path = %q", gotPath)
	}
	if gotCustomField != "log-id" {
		t.Errorf("custom field = %q", gotCustomField)
	}
	if gotUser != "acct" {
		t.Errorf("basic auth user = %q", gotUser)
	}
}

func TestInitiate_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "over quota", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewHTTPCarrier(srv.URL, "app-1", 5*time.Second, Credentials{})
	_, err := c.Initiate(context.Background(), InitiateParams{Credentials: Credentials{SID: "acct"}})
	if err == nil {
		t.Fatal("expected error")
	}
	var ce *Error
	if !errors.As(err, &ce) {
		t.Fatalf("err = %T, want *Error", err)
	}
	if ce.StatusCode != 429 {
		t.Errorf("status = %d, want 429", ce.StatusCode)
	}
	if !IsRateLimited(err) {
		t.Error("429 should classify as rate limited")
	}
	if IsAuthError(err) || IsServerError(err) {
		t.Error("429 should not classify as auth or server error")
	}
}

func TestGetDetails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		w.Write([]byte(`{"Call": {"Sid": "CA9", "Status": "completed"}}`))
	}))
	defer srv.Close()

	c := NewHTTPCarrier(srv.URL, "app-1", 5*time.Second, Credentials{SID: "acct", Token: "tok"})
	call, err := c.GetDetails(context.Background(), "CA9")
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	if call.Status != StatusCompleted {
		t.Errorf("status = %q, want completed", call.Status)
	}
}
