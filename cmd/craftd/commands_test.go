package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/craftd/craftd/internal/config"
	"github.com/craftd/craftd/pkg/client"
)

// fakeDaemon serves the control API surface a test needs. The health
// endpoint is always present so apiClient's reachability probe passes.
func fakeDaemon(t *testing.T, register func(mux *http.ServeMux)) ConnFlags {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
	})
	if register != nil {
		register(mux)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return ConnFlags{URL: srv.URL, Token: "secret", Timeout: 5 * time.Second}
}

func captureStdout(t *testing.T, fn func() error) (string, error) {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	os.Stdout = w
	callErr := fn()
	_ = w.Close()
	os.Stdout = old
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(r)
	_ = r.Close()
	return buf.String(), callErr
}

func TestListRendersTableAndJSON(t *testing.T) {
	conn := fakeDaemon(t, func(mux *http.ServeMux) {
		mux.HandleFunc("/control/list", func(w http.ResponseWriter, r *http.Request) {
			if got := r.Header.Get("Authorization"); got != "Bearer secret" {
				t.Errorf("authorization header = %q", got)
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success": true,
				"projects": []client.ProjectSummary{
					{ID: 1, Name: "survival", ServerType: "paper", State: "running", Running: true, PID: 4242},
					{ID: 2, Name: "creative", State: "stopped"},
				},
			})
		})
	})

	c := command{}
	out, err := captureStdout(t, func() error { return c.List(ListFlags{ConnFlags: conn}) })
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, want := range []string{"survival", "creative", "running", "4242"} {
		if !strings.Contains(out, want) {
			t.Errorf("table output missing %q:\n%s", want, out)
		}
	}

	out, err = captureStdout(t, func() error { return c.List(ListFlags{ConnFlags: conn, JSON: true}) })
	if err != nil {
		t.Fatalf("list --json: %v", err)
	}
	if !strings.Contains(out, `"name": "survival"`) {
		t.Errorf("json output missing project: %s", out)
	}
}

func TestStatusOverviewAndDetail(t *testing.T) {
	conn := fakeDaemon(t, func(mux *http.ServeMux) {
		mux.HandleFunc("/control/status", func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success": true, "projects": 2, "running": 1,
			})
		})
		mux.HandleFunc("/project/7", func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success": true,
				"project": client.ProjectDetail{
					Record: client.Project{ID: 7, Name: "survival"},
					Status: client.ProcessStatus{ProjectID: 7, State: "running", PID: 99},
				},
			})
		})
	})

	c := command{}
	out, err := captureStdout(t, func() error { return c.Status(StatusFlags{ConnFlags: conn}) })
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, `"projects": 2`) {
		t.Errorf("overview output: %s", out)
	}

	out, err = captureStdout(t, func() error { return c.Status(StatusFlags{ConnFlags: conn, ID: 7}) })
	if err != nil {
		t.Fatalf("status --id: %v", err)
	}
	if !strings.Contains(out, `"name": "survival"`) {
		t.Errorf("detail output: %s", out)
	}
}

func TestCreateSendsTypedRequest(t *testing.T) {
	conn := fakeDaemon(t, func(mux *http.ServeMux) {
		mux.HandleFunc("/control/create", func(w http.ResponseWriter, r *http.Request) {
			var req client.CreateRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("decode create body: %v", err)
			}
			if req.Project.Name != "smp" || req.Project.ServerType != "paper" {
				t.Errorf("unexpected project meta %+v", req.Project)
			}
			if req.Java == nil || req.Java.XmxMB != 4096 {
				t.Errorf("expected java section with xmx, got %+v", req.Java)
			}
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success": true,
				"project": client.Project{ID: 3, Name: "smp", Path: "/work/projects/smp"},
			})
		})
	})

	c := command{}
	out, err := captureStdout(t, func() error {
		return c.Create(CreateFlags{ConnFlags: conn, Name: "smp", ServerType: "paper", XmxMB: 4096})
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.Contains(out, "id 3") {
		t.Errorf("create output: %s", out)
	}
}

func TestLifecycleCommandsHitTheirEndpoints(t *testing.T) {
	var gotPaths []string
	conn := fakeDaemon(t, func(mux *http.ServeMux) {
		ok := func(w http.ResponseWriter, r *http.Request) {
			gotPaths = append(gotPaths, r.Method+" "+r.URL.Path)
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true})
		}
		mux.HandleFunc("/project/5/start", ok)
		mux.HandleFunc("/project/5/stop", ok)
		mux.HandleFunc("/control/remove/5", ok)
		mux.HandleFunc("/project/5/backup", func(w http.ResponseWriter, r *http.Request) {
			gotPaths = append(gotPaths, r.Method+" "+r.URL.Path)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success": true,
				"result":  client.BackupResult{ProjectID: 5, Outcome: "success", Archive: "a.tar.gz"},
			})
		})
	})

	c := command{}
	flags := ProjectFlags{ConnFlags: conn, ID: 5}
	steps := []func() error{
		func() error { return c.Start(flags) },
		func() error { return c.Stop(flags) },
		func() error { return c.Backup(flags) },
		func() error { return c.Remove(flags) },
	}
	for i, step := range steps {
		if _, err := captureStdout(t, step); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	want := []string{
		"POST /project/5/start",
		"POST /project/5/stop",
		"POST /project/5/backup",
		"DELETE /control/remove/5",
	}
	for i, w := range want {
		if i >= len(gotPaths) || gotPaths[i] != w {
			t.Fatalf("request %d = %v, want %s (all: %v)", i, gotPaths, w, want)
		}
	}
}

func TestDaemonErrorSurfacesToCaller(t *testing.T) {
	conn := fakeDaemon(t, func(mux *http.ServeMux) {
		mux.HandleFunc("/project/5/start", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success": false, "error": "project already running",
			})
		})
	})

	c := command{}
	_, err := captureStdout(t, func() error { return c.Start(ProjectFlags{ConnFlags: conn, ID: 5}) })
	if err == nil || !strings.Contains(err.Error(), "already running") {
		t.Fatalf("expected conflict error, got %v", err)
	}
}

func TestUnreachableDaemonFailsFast(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := command{}
	_, err := captureStdout(t, func() error {
		return c.List(ListFlags{ConnFlags: ConnFlags{URL: url, Timeout: time.Second}})
	})
	if err == nil || !strings.Contains(err.Error(), "not reachable") {
		t.Fatalf("expected reachability error, got %v", err)
	}
}

func TestFileGetAndPut(t *testing.T) {
	content := []byte("gamemode=survival\n")
	conn := fakeDaemon(t, func(mux *http.ServeMux) {
		mux.HandleFunc("/project/1/file", func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("path"); got != "server.properties" {
				t.Errorf("path query = %q", got)
			}
			switch r.Method {
			case http.MethodGet:
				_, _ = w.Write(content)
			case http.MethodPut:
				body, _ := io.ReadAll(r.Body)
				if !bytes.Equal(body, content) {
					t.Errorf("upload body = %q", body)
				}
				_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "written": len(body)})
			}
		})
	})

	dir := t.TempDir()
	local := filepath.Join(dir, "server.properties")

	c := command{}
	out, err := captureStdout(t, func() error {
		return c.FileGet(FileFlags{ConnFlags: conn, ID: 1, Path: "server.properties", Local: local})
	})
	if err != nil {
		t.Fatalf("file get: %v", err)
	}
	if !strings.Contains(out, "Downloaded") {
		t.Errorf("get output: %s", out)
	}
	got, err := os.ReadFile(local)
	if err != nil || !bytes.Equal(got, content) {
		t.Fatalf("downloaded file = %q, err %v", got, err)
	}

	out, err = captureStdout(t, func() error {
		return c.FilePut(FileFlags{ConnFlags: conn, ID: 1, Path: "server.properties", Local: local})
	})
	if err != nil {
		t.Fatalf("file put: %v", err)
	}
	if !strings.Contains(out, "Uploaded") {
		t.Errorf("put output: %s", out)
	}
}

func TestInitConfigWritesTokenAndRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "craftd.toml")

	c := command{}
	out, err := captureStdout(t, func() error { return c.InitConfig(InitFlags{Path: path}) })
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if !strings.Contains(out, "Bearer token:") {
		t.Errorf("init output missing token: %s", out)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if len(cfg.Tokens) != 1 || cfg.Tokens[0].Value == "" {
		t.Fatalf("expected one generated token, got %+v", cfg.Tokens)
	}

	if _, err := captureStdout(t, func() error { return c.InitConfig(InitFlags{Path: path}) }); err == nil {
		t.Fatal("expected overwrite refusal without --force")
	}
	if _, err := captureStdout(t, func() error { return c.InitConfig(InitFlags{Path: path, Force: true}) }); err != nil {
		t.Fatalf("init --force: %v", err)
	}
}

func TestInitConfigWithDevTLS(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "craftd.toml")

	c := command{}
	out, err := captureStdout(t, func() error { return c.InitConfig(InitFlags{Path: path, DevTLS: true}) })
	if err != nil {
		t.Fatalf("init --tls: %v", err)
	}
	if !strings.Contains(out, "self-signed") {
		t.Errorf("init output missing TLS hint: %s", out)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load written config: %v", err)
	}
	if cfg.Server.TLS == nil || !cfg.Server.TLS.Enabled || !cfg.Server.TLS.AutoGenerate {
		t.Fatalf("expected auto-generate TLS block, got %+v", cfg.Server.TLS)
	}
	if cfg.Server.TLS.Dir != filepath.Join(dir, "tls") {
		t.Fatalf("cert dir = %q", cfg.Server.TLS.Dir)
	}
	if fi, err := os.Stat(cfg.Server.TLS.Dir); err != nil || !fi.IsDir() {
		t.Fatalf("cert dir not created: %v", err)
	}
}

func TestTokenGenerate(t *testing.T) {
	c := command{}
	out, err := captureStdout(t, func() error { return c.TokenGenerate(TokenFlags{Count: 3, TTL: time.Hour}) })
	if err != nil {
		t.Fatalf("token generate: %v", err)
	}
	if got := strings.Count(out, "[[tokens]]"); got != 3 {
		t.Errorf("expected 3 token sections, got %d:\n%s", got, out)
	}
	if !strings.Contains(out, "expires_at") {
		t.Errorf("expected expiry with --ttl:\n%s", out)
	}
}

func TestTemplateWritesProjectTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "project.toml")

	c := command{}
	if _, err := captureStdout(t, func() error {
		return c.Template(TemplateFlags{Kind: "paper", Name: "lobby", Output: path})
	}); err != nil {
		t.Fatalf("template: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read template: %v", err)
	}
	if !strings.Contains(string(data), `name = 'lobby'`) &&
		!strings.Contains(string(data), `name = "lobby"`) {
		t.Errorf("template content:\n%s", data)
	}

	out, err := captureStdout(t, func() error {
		return c.Template(TemplateFlags{Kind: "bedrock", Output: "-"})
	})
	if err != nil {
		t.Fatalf("template to stdout: %v", err)
	}
	if !strings.Contains(out, "bedrock") {
		t.Errorf("stdout template:\n%s", out)
	}
}
