package backup

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/craftd/craftd/internal/project"
)

func writeTestFile(t *testing.T, path, data string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// makeProjectDir lays out a small java-style project: two world
// directories, a plugins directory, a loose config file and an old
// archive that must never be re-archived.
func makeProjectDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	writeTestFile(t, filepath.Join(dir, "world", "level.dat"), "level")
	writeTestFile(t, filepath.Join(dir, "world", "region", "r.0.0.mca"), "chunk")
	writeTestFile(t, filepath.Join(dir, "world_nether", "level.dat"), "nether")
	writeTestFile(t, filepath.Join(dir, "plugins", "essentials.jar"), "jar")
	writeTestFile(t, filepath.Join(dir, "server.properties"), "motd=hi")
	writeTestFile(t, filepath.Join(dir, "backups", "old.tar.gz"), "old")
	return dir
}

func tarNames(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	defer func() { _ = f.Close() }()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	tr := tar.NewReader(gz)
	var names []string
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("tar next: %v", err)
		}
		names = append(names, hdr.Name)
	}
	return names
}

func hasName(names []string, want string) bool {
	for _, n := range names {
		if n == want {
			return true
		}
	}
	return false
}

func anyPrefix(names []string, prefix string) bool {
	for _, n := range names {
		if strings.HasPrefix(n, prefix) {
			return true
		}
	}
	return false
}

func newTestCoordinator(t *testing.T, cfg Config) (*Coordinator, chan Result) {
	t.Helper()
	results := make(chan Result, 16)
	prev := cfg.OnResult
	cfg.OnResult = func(r Result) {
		if prev != nil {
			prev(r)
		}
		results <- r
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := New(cfg)
	t.Cleanup(c.Close)
	return c, results
}

func testRef(id int64, dir string, p Policy) Ref {
	return Ref{ProjectID: id, Name: fmt.Sprintf("proj-%d", id), Dir: dir, Policy: p}
}

func TestRunWorldScope(t *testing.T) {
	dir := makeProjectDir(t)
	c, _ := newTestCoordinator(t, Config{})

	res := c.Run(testRef(1, dir, Policy{Enabled: true, World: true}), TriggerManual)
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %q, err = %v", res.Outcome, res.Err)
	}
	if res.Size <= 0 {
		t.Fatalf("size = %d, want > 0", res.Size)
	}
	names := tarNames(t, res.Archive)
	if !hasName(names, "world/level.dat") || !hasName(names, "world/region/r.0.0.mca") {
		t.Fatalf("world files missing from %v", names)
	}
	if !hasName(names, "world_nether/level.dat") {
		t.Fatalf("world_nether missing from %v", names)
	}
	if anyPrefix(names, "plugins/") || hasName(names, "server.properties") {
		t.Fatalf("non-world files leaked into world scope: %v", names)
	}
}

func TestRunOtherScope(t *testing.T) {
	dir := makeProjectDir(t)
	c, _ := newTestCoordinator(t, Config{})

	res := c.Run(testRef(1, dir, Policy{Enabled: true, Other: true}), TriggerManual)
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %q, err = %v", res.Outcome, res.Err)
	}
	names := tarNames(t, res.Archive)
	if !hasName(names, "plugins/essentials.jar") || !hasName(names, "server.properties") {
		t.Fatalf("other files missing from %v", names)
	}
	if anyPrefix(names, "world") {
		t.Fatalf("world data leaked into other scope: %v", names)
	}
}

func TestRunBedrockWorldsDir(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, filepath.Join(dir, "worlds", "Bedrock level", "db", "CURRENT"), "db")
	writeTestFile(t, filepath.Join(dir, "bedrock_server"), "elf")
	c, _ := newTestCoordinator(t, Config{})

	res := c.Run(testRef(1, dir, Policy{Enabled: true, World: true}), TriggerManual)
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %q, err = %v", res.Outcome, res.Err)
	}
	names := tarNames(t, res.Archive)
	if !hasName(names, "worlds/Bedrock level/db/CURRENT") {
		t.Fatalf("worlds data missing from %v", names)
	}
	if hasName(names, "bedrock_server") {
		t.Fatalf("binary leaked into world scope: %v", names)
	}
}

func TestArchiveNeverIncludesBackupsDir(t *testing.T) {
	dir := makeProjectDir(t)
	c, _ := newTestCoordinator(t, Config{})

	res := c.Run(testRef(1, dir, Policy{Enabled: true, World: true, Other: true}), TriggerManual)
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("outcome = %q, err = %v", res.Outcome, res.Err)
	}
	if anyPrefix(tarNames(t, res.Archive), BackupsDirName+"/") {
		t.Fatal("archive contains the backups directory")
	}
}

func TestRunSkipsWhenJobActive(t *testing.T) {
	dir := makeProjectDir(t)
	c, results := newTestCoordinator(t, Config{})
	ref := testRef(3, dir, Policy{Enabled: true, World: true})

	flag := new(atomic.Bool)
	flag.Store(true)
	c.mu.Lock()
	c.active[ref.ProjectID] = flag
	c.mu.Unlock()

	res := c.Run(ref, TriggerInterval)
	if res.Outcome != OutcomeSkipped {
		t.Fatalf("outcome = %q, want %q", res.Outcome, OutcomeSkipped)
	}
	got := <-results
	if got.Outcome != OutcomeSkipped || got.Trigger != TriggerInterval {
		t.Fatalf("callback got %+v", got)
	}

	flag.Store(false)
	if res := c.Run(ref, TriggerInterval); res.Outcome != OutcomeSuccess {
		t.Fatalf("after release: outcome = %q, err = %v", res.Outcome, res.Err)
	}
}

func TestOnEventHonorsPolicy(t *testing.T) {
	dir := makeProjectDir(t)
	c, _ := newTestCoordinator(t, Config{})

	cases := []struct {
		name   string
		policy Policy
		event  Event
		fired  bool
		want   Trigger
	}{
		{"stop enabled", Policy{Enabled: true, World: true, OnStop: true}, EventStop, true, TriggerOnStop},
		{"start disabled", Policy{Enabled: true, World: true, OnStop: true}, EventStart, false, ""},
		{"update enabled", Policy{Enabled: true, Other: true, OnUpdate: true}, EventUpdate, true, TriggerOnUpdate},
		{"start enabled", Policy{Enabled: true, World: true, OnStart: true}, EventStart, true, TriggerOnStart},
		{"all off when disabled", Policy{OnStart: true, OnStop: true, OnUpdate: true}, EventStop, false, ""},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, fired := c.OnEvent(testRef(int64(10+i), dir, tc.policy), tc.event)
			if fired != tc.fired {
				t.Fatalf("fired = %v, want %v", fired, tc.fired)
			}
			if !fired {
				return
			}
			if res.Outcome != OutcomeSuccess || res.Trigger != tc.want {
				t.Fatalf("res = %+v, want trigger %q", res, tc.want)
			}
		})
	}
}

func TestScheduleRejectsBadCron(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{})
	dir := t.TempDir()

	bad := testRef(1, dir, Policy{Enabled: true, Cron: "not a cron"})
	if err := c.Schedule(bad); err == nil {
		t.Fatal("expected error for malformed cron expression")
	}
	bad.Policy.Cron = "61 * * * *"
	if err := c.Schedule(bad); err == nil {
		t.Fatal("expected error for out-of-range cron field")
	}
	good := testRef(1, dir, Policy{Enabled: true, Cron: "*/5 * * * *", Interval: time.Hour})
	if err := c.Schedule(good); err != nil {
		t.Fatalf("valid schedule rejected: %v", err)
	}
}

func TestScheduleReplacesPrevious(t *testing.T) {
	c, _ := newTestCoordinator(t, Config{})
	dir := t.TempDir()
	ref := testRef(5, dir, Policy{Enabled: true, Cron: "0 4 * * *", Interval: time.Hour})

	if err := c.Schedule(ref); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	c.mu.Lock()
	n := len(c.entries[ref.ProjectID])
	c.mu.Unlock()
	if n != 2 {
		t.Fatalf("entries = %d, want 2", n)
	}

	ref.Policy = Policy{}
	if err := c.Schedule(ref); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	c.mu.Lock()
	n = len(c.entries[ref.ProjectID])
	_, known := c.refs[ref.ProjectID]
	c.mu.Unlock()
	if n != 0 || !known {
		t.Fatalf("entries = %d known = %v after disabling", n, known)
	}

	c.Unschedule(ref.ProjectID)
	c.mu.Lock()
	_, known = c.refs[ref.ProjectID]
	c.mu.Unlock()
	if known {
		t.Fatal("ref survived Unschedule")
	}
}

func TestTimerFireGatedOnRunning(t *testing.T) {
	dir := makeProjectDir(t)
	var live atomic.Bool
	c, results := newTestCoordinator(t, Config{
		Running: func(int64) bool { return live.Load() },
	})
	ref := testRef(7, dir, Policy{Enabled: true, World: true, Interval: time.Hour})
	if err := c.Schedule(ref); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	c.timerFire(ref.ProjectID, TriggerInterval)
	select {
	case r := <-results:
		t.Fatalf("tick on stopped project produced %+v", r)
	default:
	}

	c.timerFire(99, TriggerInterval)
	select {
	case r := <-results:
		t.Fatalf("tick for unknown project produced %+v", r)
	default:
	}

	live.Store(true)
	c.timerFire(ref.ProjectID, TriggerInterval)
	select {
	case r := <-results:
		if r.Outcome != OutcomeSuccess || r.Trigger != TriggerInterval {
			t.Fatalf("got %+v", r)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no result from interval tick")
	}
}

func TestRunFailureReportsResult(t *testing.T) {
	dir := t.TempDir()
	notADir := filepath.Join(dir, "flat")
	writeTestFile(t, notADir, "regular file")
	c, results := newTestCoordinator(t, Config{})

	res := c.Run(testRef(2, notADir, Policy{Enabled: true, World: true}), TriggerManual)
	if res.Outcome != OutcomeFailure || res.Err == nil {
		t.Fatalf("res = %+v, want failure", res)
	}
	if got := <-results; got.Outcome != OutcomeFailure {
		t.Fatalf("callback got %+v", got)
	}
}

func TestClosedCoordinatorRefuses(t *testing.T) {
	dir := makeProjectDir(t)
	c, _ := newTestCoordinator(t, Config{})
	c.Close()

	if err := c.Schedule(testRef(1, dir, Policy{Enabled: true})); !errors.Is(err, ErrClosed) {
		t.Fatalf("Schedule after Close = %v, want ErrClosed", err)
	}
	res := c.Run(testRef(1, dir, Policy{Enabled: true, World: true}), TriggerManual)
	if res.Outcome != OutcomeFailure || !errors.Is(res.Err, ErrClosed) {
		t.Fatalf("Run after Close = %+v", res)
	}
	c.Close()
}

func TestStampCollisionGetsSuffix(t *testing.T) {
	dir := makeProjectDir(t)
	c, _ := newTestCoordinator(t, Config{})
	ref := testRef(4, dir, Policy{Enabled: true, World: true})

	for i := 0; i < 2; i++ {
		if res := c.Run(ref, TriggerManual); res.Outcome != OutcomeSuccess {
			t.Fatalf("run %d: %+v", i, res)
		}
	}
	matches, err := filepath.Glob(filepath.Join(dir, BackupsDirName, "*-manual*.tar.gz"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("archives = %v, want 2", matches)
	}
}

func TestPolicyFrom(t *testing.T) {
	p := PolicyFrom(project.Backup{
		Enabled: true,
		World:   true,
		Time:    project.BackupTime{Interval: 90, Cron: "0 4 * * *"},
		Event:   project.BackupEvent{Stop: true, Update: true},
	})
	want := Policy{
		Enabled:  true,
		World:    true,
		Interval: 90 * time.Second,
		Cron:     "0 4 * * *",
		OnStop:   true,
		OnUpdate: true,
	}
	if p != want {
		t.Fatalf("PolicyFrom = %+v, want %+v", p, want)
	}
}
