package metrics

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gurre/s3mpu/integration/mock"
)

func TestMetricsHappyPath(t *testing.T) {
	m := NewMetrics()

	m.PartsSkipped(2, 10)
	m.PartStarted()
	m.PartStarted()
	if m.InFlight() != 2 {
		t.Errorf("expected 2 in flight, got %d", m.InFlight())
	}
	m.PartUploaded(100, 20*time.Millisecond)
	m.PartFailed()
	if m.InFlight() != 0 {
		t.Errorf("expected 0 in flight, got %d", m.InFlight())
	}

	time.Sleep(50 * time.Millisecond)
	report := m.GenerateReport()

	if report.PartsUploaded != 1 {
		t.Errorf("expected 1 part uploaded, got %d", report.PartsUploaded)
	}
	if report.PartsSkipped != 2 || report.BytesSkipped != 10 {
		t.Errorf("expected 2 skipped parts of 10 bytes, got %d/%d", report.PartsSkipped, report.BytesSkipped)
	}
	if report.BytesUploaded != 100 {
		t.Errorf("expected 100 bytes, got %d", report.BytesUploaded)
	}
	if report.Errors != 1 {
		t.Errorf("expected 1 error, got %d", report.Errors)
	}
	if report.Duration < 50*time.Millisecond {
		t.Errorf("expected duration >= 50ms, got %v", report.Duration)
	}
	if report.UploadTime != 20*time.Millisecond {
		t.Errorf("expected upload time 20ms, got %v", report.UploadTime)
	}
	if report.Throughput <= 0 {
		t.Errorf("expected positive throughput, got %f", report.Throughput)
	}
	if !strings.Contains(report.String(), "Parts uploaded: 1") {
		t.Errorf("unexpected string representation: %s", report.String())
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.PartStarted()
	m.PartUploaded(1, time.Second)
	m.PartFailed()
	m.PartsSkipped(1, 1)
	m.UploadCompleted()
	if m.InFlight() != 0 || m.BytesUploaded() != 0 || m.PartsUploaded() != 0 {
		t.Error("expected nil metrics to report zero")
	}
}

func TestPrometheusCollectors(t *testing.T) {
	m := NewMetrics()
	m.PartStarted()
	m.PartUploaded(1024, time.Millisecond)
	m.PartsSkipped(3, 3072)

	path := filepath.Join(t.TempDir(), "s3mpu.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("failed to write textfile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read textfile: %v", err)
	}
	for _, want := range []string{
		"s3mpu_uploaded_bytes_total 1024",
		`s3mpu_parts_total{outcome="skipped"} 3`,
		"s3mpu_parts_in_flight 0",
	} {
		if !strings.Contains(string(data), want) {
			t.Errorf("textfile missing %q:\n%s", want, data)
		}
	}
}

func TestReportJSON(t *testing.T) {
	r := Report{PartsUploaded: 3, Duration: 1500 * time.Millisecond}

	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("failed to marshal report: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal report: %v", err)
	}
	if decoded["duration"] != "1.5s" {
		t.Errorf("expected duration 1.5s, got %v", decoded["duration"])
	}
	if decoded["partsUploaded"] != float64(3) {
		t.Errorf("expected 3 parts, got %v", decoded["partsUploaded"])
	}
}

func TestS3ReportUploader(t *testing.T) {
	client := mock.NewS3Client()
	uploader := NewS3ReportUploader(client)

	if err := uploader.UploadReport(context.Background(), "s3://reports/runs/1.json", Report{PartsUploaded: 2}); err != nil {
		t.Fatalf("failed to upload report: %v", err)
	}
	data, ok := client.Object("reports", "runs/1.json")
	if !ok {
		t.Fatal("expected report object")
	}
	if !strings.Contains(string(data), `"partsUploaded":2`) {
		t.Errorf("unexpected report body: %s", data)
	}

	for _, uri := range []string{"file:///tmp/r.json", "s3://bucket-only"} {
		if err := uploader.UploadReport(context.Background(), uri, Report{}); err == nil {
			t.Errorf("expected error for %s", uri)
		}
	}
}
