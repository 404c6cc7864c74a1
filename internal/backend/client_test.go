package backend

import (
	"strings"
	"testing"
	"time"

	"github.com/jcastel/civisync/internal/store"
)

func floatPtr(v float64) *float64 {
	return &v
}

func TestSubmitReportSendsAllFields(t *testing.T) {
	server := NewMockServer()
	defer server.Close()

	client := New(server.URL)
	report := store.Report{
		ID:           1,
		SubmissionID: "sub-123",
		Category:     "road",
		Description:  "Pothole on 5th Ave",
		Latitude:     floatPtr(12.9),
		Longitude:    floatPtr(77.6),
		Image:        []byte{0xff, 0xd8, 0xff, 0xe0},
	}

	if err := client.SubmitReport(report); err != nil {
		t.Fatalf("SubmitReport failed: %v", err)
	}

	received := server.Received()
	if len(received) != 1 {
		t.Fatalf("expected 1 received report, got %d", len(received))
	}

	got := received[0]
	if got.Category != "road" {
		t.Errorf("category = %q, want %q", got.Category, "road")
	}
	if got.Description != "Pothole on 5th Ave" {
		t.Errorf("description = %q, want %q", got.Description, "Pothole on 5th Ave")
	}
	if got.Latitude != "12.9" {
		t.Errorf("latitude = %q, want %q", got.Latitude, "12.9")
	}
	if got.Longitude != "77.6" {
		t.Errorf("longitude = %q, want %q", got.Longitude, "77.6")
	}
	if got.SubmissionID != "sub-123" {
		t.Errorf("submission id = %q, want %q", got.SubmissionID, "sub-123")
	}
	if got.ImageName != "offline-report.jpg" {
		t.Errorf("image filename = %q, want %q", got.ImageName, "offline-report.jpg")
	}
	if string(got.Image) != string(report.Image) {
		t.Errorf("image bytes = %v, want %v", got.Image, report.Image)
	}
}

func TestSubmitReportOmitsOptionalFields(t *testing.T) {
	server := NewMockServer()
	defer server.Close()

	client := New(server.URL)
	report := store.Report{
		ID:          2,
		Category:    "garbage",
		Description: "overflowing bin",
	}

	if err := client.SubmitReport(report); err != nil {
		t.Fatalf("SubmitReport failed: %v", err)
	}

	received := server.Received()
	if len(received) != 1 {
		t.Fatalf("expected 1 received report, got %d", len(received))
	}

	got := received[0]
	if got.Latitude != "" || got.Longitude != "" {
		t.Errorf("expected empty coordinates, got %q/%q", got.Latitude, got.Longitude)
	}
	if len(got.Image) != 0 {
		t.Errorf("expected no image part, got %d bytes", len(got.Image))
	}
}

func TestSubmitReportNon2xxIsError(t *testing.T) {
	server := NewMockServer()
	defer server.Close()
	server.FailAll(true)

	client := New(server.URL)
	err := client.SubmitReport(store.Report{Category: "road", Description: "r"})
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error should mention status, got %q", err.Error())
	}
}

func TestSubmitReportTransportErrorIsError(t *testing.T) {
	server := NewMockServer()
	url := server.URL
	server.Close()

	client := NewWithTimeout(url, 2*time.Second)
	if err := client.SubmitReport(store.Report{Category: "road", Description: "r"}); err == nil {
		t.Fatal("expected error for unreachable server")
	}
}

func TestPing(t *testing.T) {
	server := NewMockServer()
	defer server.Close()

	client := New(server.URL)
	if err := client.Ping(); err != nil {
		t.Errorf("Ping against healthy server failed: %v", err)
	}

	server.SetHealthy(false)
	if err := client.Ping(); err == nil {
		t.Error("Ping against unhealthy server should fail")
	}
}
