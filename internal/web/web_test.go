package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os/user"
	"path/filepath"
	"strings"
	"testing"

	"github.com/qman-project/qman-slave/internal/audit"
	"github.com/qman-project/qman-slave/internal/cache"
	"github.com/qman-project/qman-slave/internal/callback"
	"github.com/qman-project/qman-slave/internal/config"
	"github.com/qman-project/qman-slave/internal/docker"
	"github.com/qman-project/qman-slave/internal/logging"
	"github.com/qman-project/qman-slave/internal/quota"
	"github.com/qman-project/qman-slave/internal/store"
	"github.com/qman-project/qman-slave/internal/users"
)

const testKey = "s3cret"

type fakeDocker struct {
	containers []docker.Container
	usage      docker.Usage
	pingErr    error
}

func (f *fakeDocker) Ping(context.Context) error { return f.pingErr }

func (f *fakeDocker) ListContainers(context.Context) ([]docker.Container, error) {
	return f.containers, nil
}

func (f *fakeDocker) DiskUsage(context.Context) (docker.Usage, error) { return f.usage, nil }

func (f *fakeDocker) DataRoot(context.Context) (string, error) { return "/var/lib/docker", nil }

func (f *fakeDocker) StopAndRemove(context.Context, string, int) error { return nil }

type fakeAudit struct{ status audit.Status }

func (f *fakeAudit) Health(context.Context) audit.Status { return f.status }

type fakeNotifier struct{}

func (fakeNotifier) PostEvents(context.Context, []callback.Event) error { return nil }

func testResolver() *users.Resolver {
	names := map[string]string{"1001": "alice", "1002": "bob"}
	uids := map[string]string{"alice": "1001", "bob": "1002"}
	return users.NewResolverWithLookups(
		func(id string) (*user.User, error) {
			if name, ok := names[id]; ok {
				return &user.User{Uid: id, Username: name}, nil
			}
			return nil, fmt.Errorf("unknown uid %s", id)
		},
		func(name string) (*user.User, error) {
			if id, ok := uids[name]; ok {
				return &user.User{Uid: id, Username: name}, nil
			}
			return nil, fmt.Errorf("unknown user %s", name)
		},
	)
}

type fixture struct {
	srv *Server
	st  *store.Store
	dkr *fakeDocker
	cfg *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logging.New(false, "test")

	st, err := store.Open(filepath.Join(t.TempDir(), "attributions.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		UseDockerQuota: true,
		RemoteAPIKey:   testKey,
		ListenAddr:     ":0",
		DockerDataRoot: "/var/lib/docker",
	}
	dkr := &fakeDocker{}
	res := testResolver()
	cch, err := cache.New("", 0, log)
	if err != nil {
		t.Fatal(err)
	}
	eng := quota.NewEngine(dkr, st, res, fakeNotifier{}, log, cfg)
	aud := &fakeAudit{status: audit.Status{AusearchAvailable: true}}

	srv := NewServer(cfg, eng, st, dkr, aud, cch, res, log)
	return &fixture{srv: srv, st: st, dkr: dkr, cfg: cfg}
}

func (f *fixture) do(t *testing.T, method, target, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var rdr *strings.Reader
	if body == "" {
		rdr = strings.NewReader("")
	} else {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	if authed {
		req.SetBasicAuth("api", testKey)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestPingNeedsNoAuth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/remote-api/ping", "", false)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "ok" {
		t.Errorf("body = %v", resp)
	}
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/remote-api/quotas", "", false)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no credentials: status = %d, want 401", rec.Code)
	}
	if got := rec.Header().Get("WWW-Authenticate"); got == "" {
		t.Error("missing WWW-Authenticate header")
	}

	req := httptest.NewRequest(http.MethodGet, "/remote-api/quotas", nil)
	req.SetBasicAuth("api", "wrong-key")
	rec2 := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec2, req)
	if rec2.Code != http.StatusUnauthorized {
		t.Errorf("bad key: status = %d, want 401", rec2.Code)
	}
}

func TestQuotasDisabledReturnsEmptyList(t *testing.T) {
	f := newFixture(t)
	f.cfg.UseDockerQuota = false

	rec := f.do(t, http.MethodGet, "/remote-api/quotas", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("body = %q, want empty list", got)
	}
}

func TestQuotasReportsDockerDevice(t *testing.T) {
	f := newFixture(t)
	f.dkr.containers = []docker.Container{
		{ID: "c1", Name: "trainer", SizeRw: 2048, State: "running"},
	}
	f.dkr.usage = docker.Usage{
		Containers: []docker.Container{{ID: "c1", SizeRw: 2048}},
	}
	if err := f.st.SetContainerAttribution(store.ContainerAttribution{
		ContainerID: "c1", UserName: "alice", UID: 1001, SizeBytes: 2048,
	}); err != nil {
		t.Fatal(err)
	}
	if err := f.st.SetUserQuotaLimit(1001, 100); err != nil {
		t.Fatal(err)
	}

	rec := f.do(t, http.MethodGet, "/remote-api/quotas", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var devs []quota.Device
	if err := json.Unmarshal(rec.Body.Bytes(), &devs); err != nil {
		t.Fatal(err)
	}
	if len(devs) != 1 || devs[0].Name != "docker" {
		t.Fatalf("devices = %+v", devs)
	}
	if len(devs[0].UserQuotas) != 1 {
		t.Fatalf("user quotas = %+v", devs[0].UserQuotas)
	}
	uq := devs[0].UserQuotas[0]
	if uq.UID != 1001 || uq.Name != "alice" || uq.BlockHardLimit != 100 || uq.BlockCurrent != 2048 {
		t.Errorf("entry = %+v", uq)
	}
}

func TestUserQuotasByUID(t *testing.T) {
	f := newFixture(t)
	f.dkr.containers = []docker.Container{{ID: "c1", SizeRw: 4096}}
	f.dkr.usage = docker.Usage{Containers: []docker.Container{{ID: "c1", SizeRw: 4096}}}
	if err := f.st.SetContainerAttribution(store.ContainerAttribution{
		ContainerID: "c1", UserName: "alice", UID: 1001, SizeBytes: 4096,
	}); err != nil {
		t.Fatal(err)
	}

	rec := f.do(t, http.MethodGet, "/remote-api/quotas/users/1001", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var devs []quota.Device
	if err := json.Unmarshal(rec.Body.Bytes(), &devs); err != nil {
		t.Fatal(err)
	}
	if len(devs) != 1 || len(devs[0].UserQuotas) != 1 {
		t.Fatalf("devices = %+v", devs)
	}
	// Same shape as the full device listing, filtered to one user.
	dev := devs[0]
	if dev.Name != "docker" || dev.Fstype != "docker" || dev.UserQuotaFormat != "docker" {
		t.Errorf("device identity = %+v", dev)
	}
	if len(dev.MountPoints) != 1 || dev.MountPoints[0] != "/var/lib/docker" {
		t.Errorf("mount points = %v", dev.MountPoints)
	}
	if dev.Usage.Total < 1 {
		t.Errorf("usage = %+v", dev.Usage)
	}
	if dev.UserQuotas[0].UID != 1001 || dev.UserQuotas[0].BlockCurrent != 4096 {
		t.Errorf("entry = %+v, want uid 1001 with block_current 4096", dev.UserQuotas[0])
	}

	// No usage and no limit means no entry to report.
	rec2 := f.do(t, http.MethodGet, "/remote-api/quotas/users/1002", "", true)
	if got := strings.TrimSpace(rec2.Body.String()); got != "[]" {
		t.Errorf("idle user body = %q", got)
	}

	rec3 := f.do(t, http.MethodGet, "/remote-api/quotas/users/notanumber", "", true)
	if rec3.Code != http.StatusBadRequest {
		t.Errorf("bad uid: status = %d, want 400", rec3.Code)
	}
}

func TestUserQuotasByName(t *testing.T) {
	f := newFixture(t)
	if err := f.st.SetUserQuotaLimit(1001, 50); err != nil {
		t.Fatal(err)
	}

	rec := f.do(t, http.MethodGet, "/remote-api/quotas/users/by-name/alice", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var devs []quota.Device
	if err := json.Unmarshal(rec.Body.Bytes(), &devs); err != nil {
		t.Fatal(err)
	}
	if len(devs) != 1 || devs[0].UserQuotas[0].BlockHardLimit != 50 {
		t.Fatalf("devices = %+v", devs)
	}

	rec2 := f.do(t, http.MethodGet, "/remote-api/quotas/users/by-name/nobody", "", true)
	if rec2.Code != http.StatusNotFound {
		t.Errorf("unknown user: status = %d, want 404", rec2.Code)
	}
}

func TestSetUserQuota(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPut, "/remote-api/quotas/users/1001",
		`{"block_hard_limit": 500}`, true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing device param: status = %d, want 400", rec.Code)
	}

	rec2 := f.do(t, http.MethodPut, "/remote-api/quotas/users/1001?device=sda1",
		`{"block_hard_limit": 500}`, true)
	if rec2.Code != http.StatusBadRequest {
		t.Errorf("foreign device: status = %d, want 400", rec2.Code)
	}

	rec3 := f.do(t, http.MethodPut, "/remote-api/quotas/users/1001?device=docker",
		`{"block_hard_limit": 500}`, true)
	if rec3.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec3.Code, rec3.Body.String())
	}
	var entry quota.UserQuota
	if err := json.Unmarshal(rec3.Body.Bytes(), &entry); err != nil {
		t.Fatal(err)
	}
	if entry.UID != 1001 || entry.BlockHardLimit != 500 || entry.BlockSoftLimit != 500 {
		t.Errorf("entry = %+v", entry)
	}
	if got, err := f.st.UserQuotaLimit(1001); err != nil || got != 500 {
		t.Errorf("stored limit = %d, %v", got, err)
	}

	// Zero clears the limit.
	rec4 := f.do(t, http.MethodPut, "/remote-api/quotas/users/1001?device=docker",
		`{"block_hard_limit": 0}`, true)
	if rec4.Code != http.StatusOK {
		t.Fatalf("status = %d", rec4.Code)
	}
	if got, _ := f.st.UserQuotaLimit(1001); got != 0 {
		t.Errorf("limit after clear = %d", got)
	}

	rec5 := f.do(t, http.MethodPut, "/remote-api/quotas/users/1001?device=docker",
		`not json`, true)
	if rec5.Code != http.StatusBadRequest {
		t.Errorf("bad body: status = %d, want 400", rec5.Code)
	}
}

func TestSetUserQuotaIgnoresUntrackedFields(t *testing.T) {
	f := newFixture(t)

	// The master sends the whole entry; only the hard limit matters.
	body := `{"block_hard_limit": 250, "block_soft_limit": 250, "block_current": 0,
		"inode_hard_limit": 0, "inode_soft_limit": 0, "inode_current": 0,
		"block_time_limit": 0, "inode_time_limit": 0}`
	rec := f.do(t, http.MethodPut, "/remote-api/quotas/users/1001?device=docker", body, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var entry quota.UserQuota
	if err := json.Unmarshal(rec.Body.Bytes(), &entry); err != nil {
		t.Fatal(err)
	}
	if entry.BlockHardLimit != 250 || entry.BlockSoftLimit != 250 {
		t.Errorf("entry = %+v", entry)
	}
	if got, _ := f.st.UserQuotaLimit(1001); got != 250 {
		t.Errorf("stored limit = %d", got)
	}
}

func TestSetUserQuotaRejectedWhenDisabled(t *testing.T) {
	f := newFixture(t)
	f.cfg.UseDockerQuota = false

	rec := f.do(t, http.MethodPut, "/remote-api/quotas/users/1001?device=docker",
		`{"block_hard_limit": 500}`, true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestResolveUser(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/remote-api/users/resolve?username=alice", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		UID  int64  `json:"uid"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.UID != 1001 || resp.Name != "alice" {
		t.Errorf("resp = %+v", resp)
	}

	rec2 := f.do(t, http.MethodGet, "/remote-api/users/resolve?username=nobody", "", true)
	if rec2.Code != http.StatusNotFound {
		t.Errorf("unknown: status = %d, want 404", rec2.Code)
	}

	rec3 := f.do(t, http.MethodGet, "/remote-api/users/resolve", "", true)
	if rec3.Code != http.StatusBadRequest {
		t.Errorf("missing param: status = %d, want 400", rec3.Code)
	}
}

func TestListContainersJoinsLiveState(t *testing.T) {
	f := newFixture(t)
	f.dkr.containers = []docker.Container{
		{ID: "c1-full-id-0000", Name: "trainer", Image: "pytorch:latest", State: "running", SizeRw: 5000},
	}
	if err := f.st.SetContainerAttribution(store.ContainerAttribution{
		ContainerID: "c1-full-id-0000", UserName: "alice", UID: 1001, SizeBytes: 100,
	}); err != nil {
		t.Fatal(err)
	}
	// Attribution without a live container still shows up with stored data.
	if err := f.st.SetContainerAttribution(store.ContainerAttribution{
		ContainerID: "gone-container", UserName: "bob", UID: 1002, SizeBytes: 900,
	}); err != nil {
		t.Fatal(err)
	}

	rec := f.do(t, http.MethodGet, "/remote-api/docker/containers", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var rows []containerRow
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %+v", rows)
	}
	byUser := map[string]containerRow{}
	for _, row := range rows {
		byUser[row.HostUserName] = row
	}
	alice := byUser["alice"]
	if alice.Name != "trainer" || alice.State != "running" || alice.SizeBytes != 5000 {
		t.Errorf("live row = %+v", alice)
	}
	if alice.ContainerID != "c1-full-id-0" {
		t.Errorf("container id = %q, want 12-char prefix", alice.ContainerID)
	}
	if alice.SizeHuman == "" {
		t.Error("missing human size")
	}
	bob := byUser["bob"]
	if bob.SizeBytes != 900 || bob.State != "" {
		t.Errorf("stale row = %+v", bob)
	}
}

func TestAuditHealth(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/remote-api/docker/audit-health", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var report struct {
		audit.Status
		DockerDaemonReachable bool `json:"docker_daemon_reachable"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if !report.AusearchAvailable {
		t.Errorf("status = %+v", report)
	}
	if !report.DockerDaemonReachable {
		t.Error("daemon should be reported reachable")
	}

	f.dkr.pingErr = fmt.Errorf("daemon down")
	rec2 := f.do(t, http.MethodGet, "/remote-api/docker/audit-health", "", true)
	if err := json.Unmarshal(rec2.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report.DockerDaemonReachable {
		t.Error("daemon should be reported unreachable")
	}
}
