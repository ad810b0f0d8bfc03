package testsupport

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rogpeppe/go-internal/testscript"
)

var (
	buildOnce    sync.Once
	workcellPath string
	buildErr     error
)

// BuildWorkcell builds the workcell binary once and returns its path.
func BuildWorkcell(t testing.TB) string {
	t.Helper()

	buildOnce.Do(func() {
		moduleRoot, err := findModuleRoot()
		if err != nil {
			buildErr = err
			return
		}

		binDir, err := os.MkdirTemp("", "workcell-bin-")
		if err != nil {
			buildErr = err
			return
		}

		workcellPath = filepath.Join(binDir, "workcell")
		cmd := exec.Command("go", "build", "-o", workcellPath, "./cmd/workcell")
		cmd.Dir = moduleRoot
		output, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("build workcell: %w: %s", err, strings.TrimSpace(string(output)))
		}
	})

	if buildErr != nil {
		t.Fatalf("%v", buildErr)
	}

	return workcellPath
}

// SetupScriptEnv configures common environment variables for testscript.
func SetupScriptEnv(t testing.TB, env *testscript.Env) error {
	t.Helper()

	env.Setenv("WORKCELL", BuildWorkcell(t))

	homeDir := filepath.Join(env.WorkDir, "home")
	if err := EnsureHomeDirs(homeDir); err != nil {
		return err
	}
	env.Setenv("HOME", homeDir)
	env.Setenv("NO_COLOR", "1")

	addr, err := freeAddr()
	if err != nil {
		return err
	}
	env.Setenv("WORKCELL_ADDR", addr)
	return nil
}

// CmdWaitServer polls $WORKCELL_ADDR until the server answers its health
// check or the timeout passes.
func CmdWaitServer(ts *testscript.TestScript, neg bool, args []string) {
	if neg {
		ts.Fatalf("waitserver does not support negation")
	}
	timeout := 10 * time.Second
	if len(args) == 1 {
		parsed, err := time.ParseDuration(args[0])
		if err != nil {
			ts.Fatalf("parse timeout: %v", err)
		}
		timeout = parsed
	} else if len(args) > 1 {
		ts.Fatalf("usage: waitserver [TIMEOUT]")
	}

	url := "http://" + ts.Getenv("WORKCELL_ADDR") + "/healthz"
	client := &http.Client{Timeout: time.Second}
	deadline := time.Now().Add(timeout)
	for {
		resp, err := client.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		if time.Now().After(deadline) {
			ts.Fatalf("server at %s not ready after %s: %v", url, timeout, err)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func freeAddr() (string, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", fmt.Errorf("reserve port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().String(), nil
}

// CmdEnvSet stores the trimmed contents of a file in an env var.
func CmdEnvSet(ts *testscript.TestScript, neg bool, args []string) {
	if neg {
		ts.Fatalf("envset does not support negation")
	}
	if len(args) != 2 {
		ts.Fatalf("usage: envset VAR FILE")
	}

	value := strings.TrimSpace(ts.ReadFile(args[1]))
	ts.Setenv(args[0], value)
}

// CmdJSONField reads a top-level string field from a JSON object file and
// stores it in an env var.
func CmdJSONField(ts *testscript.TestScript, neg bool, args []string) {
	if neg {
		ts.Fatalf("jsonfield does not support negation")
	}
	if len(args) != 3 {
		ts.Fatalf("usage: jsonfield FILE FIELD VAR")
	}

	var object map[string]any
	data := ts.ReadFile(args[0])
	if err := json.Unmarshal([]byte(data), &object); err != nil {
		ts.Fatalf("parse json: %v", err)
	}

	value, ok := object[args[1]].(string)
	if !ok {
		ts.Fatalf("field %q not found", args[1])
	}
	ts.Setenv(args[2], value)
}

func findModuleRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("could not find module root (go.mod)")
		}
		dir = parent
	}
}
