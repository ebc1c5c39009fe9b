package cmd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"batchrunner/pkg/api"

	"github.com/spf13/viper"
)

func TestSubmitCommand_Success(t *testing.T) {
	resetViper()
	resetFlags(t, submitCmd, taskFlagNames...)

	input := filepath.Join(t.TempDir(), "script.py")
	if err := os.WriteFile(input, []byte("print('hi')"), 0o644); err != nil {
		t.Fatal(err)
	}

	var got api.SubmitTaskRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tasks" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(api.SubmitTaskResponse{TaskID: "task-123"})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("token", "test-token")

	stdout, _, err := execute(t, "submit",
		"--name", "report", "--image", "python:3.12", "--command", "python,script.py",
		"--env", "MODE=fast", "--label", "team=data",
		"--input", input, "--output", "result.csv", "--output-dir",
		"--memory", "1024", "--vcpu", "0.5", "--timeout", "300",
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !strings.Contains(stdout, "Task submitted") || !strings.Contains(stdout, "task-123") {
		t.Errorf("expected success message with task ID, got: %s", stdout)
	}
	if got.Name != "report" || got.Image != "python:3.12" {
		t.Errorf("unexpected name/image: %+v", got)
	}
	if len(got.Command) != 2 || got.Command[1] != "script.py" {
		t.Errorf("unexpected command: %v", got.Command)
	}
	if got.Env["MODE"] != "fast" || got.Labels["team"] != "data" {
		t.Errorf("unexpected env/labels: %v %v", got.Env, got.Labels)
	}
	if got.InputFiles["script.py"] != "print('hi')" {
		t.Errorf("expected input file keyed by base name, got %v", got.InputFiles)
	}
	if len(got.OutputFiles) != 1 || !got.OutputDirectory {
		t.Errorf("unexpected outputs: %v %v", got.OutputFiles, got.OutputDirectory)
	}
	if got.MemoryMiB != 1024 || got.VCPU != 0.5 || got.TimeoutSeconds != 300 {
		t.Errorf("unexpected resources: %+v", got)
	}
}

func TestSubmitCommand_InvalidFlags(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected string
	}{
		{"missing name", []string{"--image", "alpine"}, "--name is required"},
		{"missing image", []string{"--name", "x"}, "--image is required"},
		{"bad env", []string{"--name", "x", "--image", "alpine", "--env", "NOVALUE"}, "expected KEY=VALUE"},
		{"missing input", []string{"--name", "x", "--image", "alpine", "--input", "/does/not/exist"}, "failed to read input file"},
		{"escaping output", []string{"--name", "x", "--image", "alpine", "--output", "../secret"}, "must stay inside"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetViper()
			resetFlags(t, submitCmd, taskFlagNames...)

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Error("server should not be called")
			}))
			defer server.Close()
			viper.Set("url", server.URL)

			stdout, _, err := execute(t, append([]string{"submit"}, tt.args...)...)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !strings.Contains(stdout, tt.expected) {
				t.Errorf("expected %q, got: %s", tt.expected, stdout)
			}
		})
	}
}

func TestSubmitCommand_UnauthorizedError(t *testing.T) {
	resetViper()
	resetFlags(t, submitCmd, taskFlagNames...)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(api.ErrorResponse{Error: "Unauthorized"})
	}))
	defer server.Close()
	viper.Set("url", server.URL)
	viper.Set("token", "bad")

	stdout, _, err := execute(t, "submit", "--name", "x", "--image", "alpine")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout, "Submit failed (401): Unauthorized") {
		t.Errorf("expected unauthorized message, got: %s", stdout)
	}
}

func TestInputKey(t *testing.T) {
	tests := []struct {
		path     string
		expected string
	}{
		{"script.py", "script.py"},
		{"./data/in.csv", "data/in.csv"},
		{"/tmp/abs.txt", "abs.txt"},
		{"../up.txt", "up.txt"},
	}

	for _, tt := range tests {
		if got := inputKey(tt.path); got != tt.expected {
			t.Errorf("inputKey(%q) = %q, want %q", tt.path, got, tt.expected)
		}
	}
}
