package cmd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"batchrunner/pkg/api"

	"github.com/spf13/viper"
)

func TestStatusCommand_Success(t *testing.T) {
	resetViper()

	started := time.Now().Add(-2 * time.Minute)
	completed := started.Add(65 * time.Second)
	exitCode := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tasks/task-1" || r.Method != http.MethodGet {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(api.TaskResponse{
			ID:           "task-1",
			Name:         "report",
			Image:        "alpine",
			Status:       api.StatusSucceeded,
			Attempt:      1,
			BatchJobID:   "job-abc",
			BatchJobName: "report-1234",
			ExitCode:     &exitCode,
			StdOutCount:  3,
			StdErrCount:  1,
			StartedAt:    &started,
			CompletedAt:  &completed,
		})
	}))
	defer server.Close()
	viper.Set("url", server.URL)

	stdout, _, err := execute(t, "status", "task-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, want := range []string{"task-1", "report", "SUCCEEDED", "report-1234 (job-abc)", "3 stdout, 1 stderr", "1m 5s"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("expected %q in output, got: %s", want, stdout)
		}
	}
}

func TestStatusCommand_FailedTask(t *testing.T) {
	resetViper()

	exitCode := 2
	msg := "job exited with code 2"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(api.TaskResponse{ID: "task-2", Status: api.StatusFailed, ExitCode: &exitCode, Error: &msg})
	}))
	defer server.Close()
	viper.Set("url", server.URL)

	stdout, _, _ := execute(t, "status", "task-2")

	if !strings.Contains(stdout, "FAILED") || !strings.Contains(stdout, msg) {
		t.Errorf("expected failed status with error, got: %s", stdout)
	}
}

func TestStatusCommand_NotFound(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(api.ErrorResponse{Error: "Task not found"})
	}))
	defer server.Close()
	viper.Set("url", server.URL)

	stdout, _, _ := execute(t, "status", "missing")

	if !strings.Contains(stdout, "Status failed (404): Task not found") {
		t.Errorf("expected not found message, got: %s", stdout)
	}
}

func TestStatusCommand_RequiresTaskIDArgument(t *testing.T) {
	resetViper()

	if _, _, err := execute(t, "status"); err == nil {
		t.Error("expected error when task ID is missing")
	}
}

func TestColorizeStatus(t *testing.T) {
	tests := []struct {
		status   string
		contains string
	}{
		{api.StatusSucceeded, "SUCCEEDED"},
		{api.StatusFailed, "FAILED"},
		{api.StatusKilled, "KILLED"},
		{api.StatusRunning, "RUNNING"},
		{api.StatusPending, "PENDING"},
		{"unknown", "unknown"},
	}

	for _, tt := range tests {
		result := colorizeStatus(tt.status)
		if !strings.Contains(result, tt.contains) {
			t.Errorf("colorizeStatus(%s) should contain %s, got: %s", tt.status, tt.contains, result)
		}
	}
}

func TestStatusIcon(t *testing.T) {
	tests := []struct {
		status   string
		contains string
	}{
		{api.StatusSucceeded, "✓"},
		{api.StatusFailed, "✗"},
		{api.StatusKilled, "☠"},
		{api.StatusRunning, "⏳"},
		{api.StatusPending, "◯"},
		{"unknown", "•"},
	}

	for _, tt := range tests {
		result := statusIcon(tt.status)
		if !strings.Contains(result, tt.contains) {
			t.Errorf("statusIcon(%s) should contain %s, got: %s", tt.status, tt.contains, result)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{500 * time.Millisecond, "500ms"},
		{1500 * time.Millisecond, "1.5s"},
		{65 * time.Second, "1m 5s"},
		{125 * time.Minute, "2h 5m"},
	}

	for _, tt := range tests {
		result := formatDuration(tt.duration)
		if result != tt.expected {
			t.Errorf("formatDuration(%v) = %s, want %s", tt.duration, result, tt.expected)
		}
	}
}

func TestRelativeTime(t *testing.T) {
	tests := []struct {
		offset   time.Duration
		contains string
	}{
		{5 * time.Minute, "5m"},
		{3 * time.Hour, "3h"},
		{30 * time.Hour, "1 day"},
		{48 * time.Hour, "2 days"},
	}

	for _, tt := range tests {
		result := relativeTime(time.Now().Add(-tt.offset))
		if !strings.Contains(result, tt.contains) {
			t.Errorf("relativeTime(%v ago) should contain %s, got: %s", tt.offset, tt.contains, result)
		}
	}
}
