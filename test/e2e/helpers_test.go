// Package e2e builds the cinder server and worker binaries and drives them
// as separate processes over HTTP.
package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	startupTimeout = 10 * time.Second
	stateTimeout   = 20 * time.Second
	pollInterval   = 50 * time.Millisecond
)

// lockedBuffer is a thread-safe wrapper around bytes.Buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (lb *lockedBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.Write(p)
}

func (lb *lockedBuffer) String() string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.buf.String()
}

var (
	binDir    string
	buildOnce sync.Once
	buildErr  error
)

// binary returns the path of a freshly built command from ./cmd.
func binary(t *testing.T, name string) string {
	t.Helper()
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "cinder-e2e-*")
		if err != nil {
			buildErr = err
			return
		}
		for _, cmdName := range []string{"cinder", "cinder-worker"} {
			cmd := exec.Command("go", "build", "-o", filepath.Join(dir, cmdName), "./cmd/"+cmdName)
			cmd.Dir = findRepoRoot(t)
			if out, err := cmd.CombinedOutput(); err != nil {
				buildErr = fmt.Errorf("go build %s failed: %w\n%s", cmdName, err, out)
				return
			}
		}
		binDir = dir
	})
	if buildErr != nil {
		t.Fatal(buildErr)
	}
	return filepath.Join(binDir, name)
}

func findRepoRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if data, err := os.ReadFile(filepath.Join(dir, "go.mod")); err == nil &&
			strings.HasPrefix(string(data), "module github.com/seantiz/cinder\n") {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find repo root")
		}
		dir = parent
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().String()
}

// proc is a running subprocess and its combined output.
type proc struct {
	cmd *exec.Cmd
	out *lockedBuffer
}

func startProc(t *testing.T, path string, env ...string) *proc {
	t.Helper()
	out := &lockedBuffer{}
	cmd := exec.Command(path)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Start(); err != nil {
		t.Fatalf("start %s: %v", path, err)
	}
	p := &proc{cmd: cmd, out: out}
	t.Cleanup(p.stop)
	return p
}

func (p *proc) stop() {
	if p.cmd.ProcessState != nil {
		return
	}
	p.cmd.Process.Signal(os.Interrupt)
	done := make(chan struct{})
	go func() {
		p.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		p.cmd.Process.Kill()
		<-done
	}
}

// server is a cinder server process.
type server struct {
	*proc
	url  string
	dir  string
	addr string
}

// startServer runs cinder with its database and bundles under dir. Extra
// env entries override the defaults.
func startServer(t *testing.T, dir string, env ...string) *server {
	t.Helper()
	addr := freeAddr(t)
	base := []string{
		"CINDER_LISTEN_ADDR=" + addr,
		"CINDER_DB=" + filepath.Join(dir, "cinder.db"),
		"CINDER_BUNDLE_ROOT=" + filepath.Join(dir, "bundles"),
		"CINDER_STAGING_DIR=" + filepath.Join(dir, "staging"),
		"CINDER_LOG_LEVEL=debug",
		"CINDER_DISPATCH_INTERVAL=100ms",
		"CINDER_CHECKIN_WAIT=2s",
	}
	s := &server{proc: startProc(t, binary(t, "cinder"), append(base, env...)...), url: "http://" + addr, dir: dir, addr: addr}

	deadline := time.Now().Add(startupTimeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(s.url + "/healthz")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return s
			}
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("server did not become ready within %v\noutput:\n%s", startupTimeout, s.out.String())
	return nil
}

// startWorker runs cinder-worker against s.
func startWorker(t *testing.T, s *server, id string, env ...string) *proc {
	t.Helper()
	base := []string{
		"CINDER_SERVER_URL=" + s.url,
		"CINDER_WORKER_ID=" + id,
		"CINDER_WORK_DIR=" + filepath.Join(t.TempDir(), id),
		"CINDER_WORKER_CPUS=2",
		"CINDER_WORKER_MEMORY_MB=1024",
		"CINDER_CHECKIN_WAIT=1s",
		"CINDER_LOG_LEVEL=debug",
	}
	return startProc(t, binary(t, "cinder-worker"), append(base, env...)...)
}

// call sends a request and returns the status and body.
func call(t *testing.T, method, url string, body io.Reader, hdr ...string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Accept-Encoding", "identity")
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, data
}

func callJSON(t *testing.T, method, url string, in, out any, want int) {
	t.Helper()
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			t.Fatal(err)
		}
		body = bytes.NewReader(data)
	}
	status, data := call(t, method, url, body, "Content-Type", "application/json")
	if status != want {
		t.Fatalf("%s %s: status %d, want %d\nbody: %s", method, url, status, want, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			t.Fatalf("decode %s: %v\nbody: %s", url, err, data)
		}
	}
}

type bundle struct {
	UUID     string         `json:"uuid"`
	State    string         `json:"state"`
	ErrorMsg string         `json:"error_msg"`
	WorkerID string         `json:"worker_id"`
	IsDir    bool           `json:"is_dir"`
	Metadata map[string]any `json:"metadata"`
}

func createBundle(t *testing.T, s *server, body map[string]any) bundle {
	t.Helper()
	var b bundle
	callJSON(t, http.MethodPost, s.url+"/v1/bundles", body, &b, http.StatusCreated)
	return b
}

func uploadDataset(t *testing.T, s *server, filename, contents string) bundle {
	t.Helper()
	b := createBundle(t, s, map[string]any{"bundle_type": "dataset"})
	status, data := call(t, http.MethodPut, s.url+"/v1/bundles/"+b.UUID+"/contents/blob/?filename="+filename, strings.NewReader(contents))
	if status != http.StatusOK {
		t.Fatalf("upload: %d %s", status, data)
	}
	return getBundle(t, s, b.UUID)
}

func getBundle(t *testing.T, s *server, uuid string) bundle {
	t.Helper()
	var b bundle
	callJSON(t, http.MethodGet, s.url+"/v1/bundles/"+uuid, nil, &b, http.StatusOK)
	return b
}

// waitState polls until uuid reaches want. Reaching another terminal state
// fails the test.
func waitState(t *testing.T, s *server, uuid, want string) bundle {
	t.Helper()
	deadline := time.Now().Add(stateTimeout)
	for time.Now().Before(deadline) {
		b := getBundle(t, s, uuid)
		if b.State == want {
			return b
		}
		if (b.State == "ready" || b.State == "failed") && b.State != want {
			t.Fatalf("bundle %s ended %s (%s), want %s\nserver output:\n%s", uuid, b.State, b.ErrorMsg, want, s.out.String())
		}
		time.Sleep(pollInterval)
	}
	t.Fatalf("bundle %s did not reach %s within %v\nserver output:\n%s", uuid, want, stateTimeout, s.out.String())
	return bundle{}
}

func readFile(t *testing.T, s *server, uuid, p string) string {
	t.Helper()
	status, data := call(t, http.MethodGet, s.url+"/v1/bundles/"+uuid+"/contents/blob/"+p, nil)
	if status != http.StatusOK {
		t.Fatalf("read %s/%s: %d %s", uuid, p, status, data)
	}
	return string(data)
}
