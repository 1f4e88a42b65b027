package manager

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/helsinki-systems/fc-nixos/pkg/activity"
	"github.com/helsinki-systems/fc-nixos/pkg/command"
	"github.com/helsinki-systems/fc-nixos/pkg/config"
	"github.com/helsinki-systems/fc-nixos/pkg/directory"
	"github.com/helsinki-systems/fc-nixos/pkg/estimate"
	"github.com/helsinki-systems/fc-nixos/pkg/observability"
	"github.com/helsinki-systems/fc-nixos/pkg/request"
)

// scriptRunner runs maintenance scripts of the form "exit N" and records
// every other command. Commands listed in codes exit with the given status.
type scriptRunner struct {
	mu       sync.Mutex
	scripts  []string
	commands [][]string
	codes    map[string]int
}

func (r *scriptRunner) Run(_ context.Context, spec command.Spec) (command.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(spec.Argv) == 2 && strings.HasSuffix(spec.Argv[1], "/"+activity.ScriptFile) {
		data, err := os.ReadFile(spec.Argv[1])
		if err != nil {
			return command.Result{}, err
		}
		r.scripts = append(r.scripts, filepath.Base(spec.Dir))
		code, _ := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(string(data), "exit")))
		return command.Result{ExitCode: code, Stdout: "ran\n", Duration: time.Millisecond}, nil
	}
	r.commands = append(r.commands, append([]string(nil), spec.Argv...))
	return command.Result{ExitCode: r.codes[strings.Join(spec.Argv, " ")]}, nil
}

func (r *scriptRunner) ran(argv ...string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := strings.Join(argv, " ")
	for _, cmd := range r.commands {
		if strings.Join(cmd, " ") == want {
			return true
		}
	}
	return false
}

type fakeDirectory struct {
	schedule  func(map[string]directory.ScheduleRequest) map[string]directory.Schedule
	scheduled []map[string]directory.ScheduleRequest
	postponed []map[string]directory.Postponement
	ended     []map[string]directory.Completion
	status    []bool
	err       error
}

func (d *fakeDirectory) ScheduleMaintenance(_ context.Context, reqs map[string]directory.ScheduleRequest) (map[string]directory.Schedule, error) {
	d.scheduled = append(d.scheduled, reqs)
	if d.err != nil {
		return nil, d.err
	}
	if d.schedule == nil {
		out := make(map[string]directory.Schedule, len(reqs))
		for id := range reqs {
			out[id] = directory.Schedule{}
		}
		return out, nil
	}
	return d.schedule(reqs), nil
}

func (d *fakeDirectory) PostponeMaintenance(_ context.Context, reqs map[string]directory.Postponement) error {
	d.postponed = append(d.postponed, reqs)
	return d.err
}

func (d *fakeDirectory) EndMaintenance(_ context.Context, reqs map[string]directory.Completion) error {
	d.ended = append(d.ended, reqs)
	return d.err
}

func (d *fakeDirectory) MarkNodeServiceStatus(_ context.Context, node string, inService bool) error {
	if node != "test01" {
		return errors.New("unexpected node " + node)
	}
	d.status = append(d.status, inService)
	return d.err
}

func (d *fakeDirectory) allEnded() map[string]directory.Completion {
	merged := make(map[string]directory.Completion)
	for _, batch := range d.ended {
		for id, c := range batch {
			merged[id] = c
		}
	}
	return merged
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		NodeName: "test01",
		SpoolDir: t.TempDir(),
		Reboot: config.RebootConfig{
			WarmCommand: []string{"reboot"},
			ColdCommand: []string{"poweroff"},
		},
	}
}

func newTestManager(t *testing.T, cfg *config.Config, opts ...Option) (*ReqManager, *fakeDirectory, *scriptRunner) {
	t.Helper()
	dir := &fakeDirectory{}
	runner := &scriptRunner{codes: map[string]int{}}
	base := []Option{WithDirectory(dir), WithRunner(runner), WithLogger(observability.Discard)}
	m, err := New(cfg, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	if err := m.Open(context.Background()); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m, dir, runner
}

func addScript(t *testing.T, m *ReqManager, script string, reboot activity.RebootType, opts ...request.Option) *request.Request {
	t.Helper()
	act, err := activity.NewShellScript(script, reboot, m.Toolbox())
	if err != nil {
		t.Fatalf("new shell script: %v", err)
	}
	req, err := m.Add(context.Background(), request.New(act, opts...), false)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	return req
}

func makeDue(t *testing.T, req *request.Request) {
	t.Helper()
	req.UpdateDue(time.Now().Add(-time.Hour).UTC())
	if err := req.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
}

func TestScanArchivesCorruptRequest(t *testing.T) {
	cfg := testConfig(t)
	bad := filepath.Join(cfg.SpoolDir, RequestsDir, "broken")
	if err := os.MkdirAll(bad, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(bad, request.FileName), []byte("id: [broken\n\x00"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	m, _, _ := newTestManager(t, cfg)
	if got := len(m.Requests()); got != 0 {
		t.Fatalf("expected no active requests, got %d", got)
	}
	if _, err := os.Stat(bad); !os.IsNotExist(err) {
		t.Fatalf("expected corrupt request to leave the requests dir, stat err=%v", err)
	}
	note, err := os.ReadFile(filepath.Join(cfg.SpoolDir, ArchiveDir, "broken", LoadErrorFile))
	if err != nil {
		t.Fatalf("read error note: %v", err)
	}
	if len(strings.TrimSpace(string(note))) == 0 {
		t.Fatal("expected error note to describe the failure")
	}
}

func TestExecuteDueRequestSucceedsAndArchives(t *testing.T) {
	m, dir, runner := newTestManager(t, testConfig(t))
	req := addScript(t, m, "exit 0\n", activity.RebootNone)
	makeDue(t, req)

	var runnable []string
	for r := range m.Runnable() {
		runnable = append(runnable, r.ID())
	}
	if len(runnable) != 1 || runnable[0] != req.ID() {
		t.Fatalf("expected request to be runnable, got %v", runnable)
	}

	if err := m.Execute(context.Background(), false); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := req.State(); got != request.StateSuccess {
		t.Fatalf("expected success, got %s", got)
	}
	if len(runner.scripts) != 1 {
		t.Fatalf("expected one script run, got %v", runner.scripts)
	}
	if len(dir.status) != 2 || dir.status[0] || !dir.status[1] {
		t.Fatalf("expected out of service then back in service, got %v", dir.status)
	}

	if err := m.Archive(context.Background()); err != nil {
		t.Fatalf("archive: %v", err)
	}
	completion, ok := dir.allEnded()[req.ID()]
	if !ok || completion.Result != "success" || completion.Duration == nil {
		t.Fatalf("unexpected completion %+v (reported=%v)", completion, ok)
	}
	if _, ok := m.Get(req.ID()); ok {
		t.Fatal("archived request must leave the active set")
	}
	if _, err := os.Stat(filepath.Join(m.SpoolDir(), ArchiveDir, req.ID(), request.FileName)); err != nil {
		t.Fatalf("expected archived snapshot: %v", err)
	}
}

func TestScheduleReportsMissingRequestsAsDeleted(t *testing.T) {
	m, dir, _ := newTestManager(t, testConfig(t))
	kept := addScript(t, m, "exit 0\n", activity.RebootNone, request.WithComment("kept"))
	gone := addScript(t, m, "exit 0\n", activity.RebootNone, request.WithComment("gone"))

	due := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	dir.schedule = func(reqs map[string]directory.ScheduleRequest) map[string]directory.Schedule {
		return map[string]directory.Schedule{kept.ID(): {Time: due.Format(time.RFC3339)}}
	}

	if err := m.Schedule(context.Background()); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	announced := dir.scheduled[0]
	if got := announced[kept.ID()]; got.Comment != "kept" || got.Estimate != estimate.Default.Seconds() {
		t.Fatalf("unexpected announcement %+v", got)
	}
	ended := dir.allEnded()
	if c, ok := ended[gone.ID()]; !ok || c.Result != "deleted" {
		t.Fatalf("expected missing request reported as deleted, got %+v", ended)
	}
	if _, ok := ended[kept.ID()]; ok {
		t.Fatal("scheduled request must not be ended")
	}
	if !kept.NextDue.Equal(due) {
		t.Fatalf("expected due %s, got %s", due, kept.NextDue)
	}
	if kept.LastScheduledAt.IsZero() {
		t.Fatal("expected last_scheduled_at to be stamped")
	}
	if _, ok := m.Get(gone.ID()); ok {
		t.Fatal("deleted request must be archived")
	}
}

func TestScheduleReportsUnknownRemoteRequests(t *testing.T) {
	m, dir, _ := newTestManager(t, testConfig(t))
	dir.schedule = func(map[string]directory.ScheduleRequest) map[string]directory.Schedule {
		return map[string]directory.Schedule{"stale": {Time: "2030-01-01T00:00:00Z"}}
	}
	if err := m.Schedule(context.Background()); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if c, ok := dir.allEnded()["stale"]; !ok || c.Result != "deleted" {
		t.Fatalf("expected unknown id to be reported deleted, got %+v", dir.ended)
	}
}

func TestScheduleKeepsUnchangedRequestUntouched(t *testing.T) {
	m, dir, _ := newTestManager(t, testConfig(t))
	req := addScript(t, m, "exit 0\n", activity.RebootNone)
	if err := m.Schedule(context.Background()); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if !req.LastScheduledAt.IsZero() {
		t.Fatal("unchanged due must not stamp last_scheduled_at")
	}
	if len(dir.ended) != 0 {
		t.Fatalf("nothing should be ended, got %v", dir.ended)
	}
}

func TestExecuteIssuesColdRebootOverWarm(t *testing.T) {
	m, dir, runner := newTestManager(t, testConfig(t))
	makeDue(t, addScript(t, m, "exit 0\n", activity.RebootCold))
	makeDue(t, addScript(t, m, "exit 0\n", activity.RebootWarm))

	if err := m.Execute(context.Background(), false); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !runner.ran("poweroff") {
		t.Fatalf("expected cold reboot, commands: %v", runner.commands)
	}
	if runner.ran("reboot") {
		t.Fatal("warm reboot must not be issued alongside a cold one")
	}
	if got := m.RebootIssued(); got != activity.RebootCold {
		t.Fatalf("expected cold reboot recorded, got %q", got)
	}
	if len(dir.status) != 1 || dir.status[0] {
		t.Fatalf("node must stay out of service across the reboot, got %v", dir.status)
	}
}

func TestExecuteSkipsRebootOfFailedRequest(t *testing.T) {
	m, _, runner := newTestManager(t, testConfig(t))
	makeDue(t, addScript(t, m, "exit 1\n", activity.RebootWarm))

	if err := m.Execute(context.Background(), false); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if runner.ran("reboot") {
		t.Fatal("failed request must not trigger a reboot")
	}
}

func TestExecuteRunAllNowRunsRequestsNotDue(t *testing.T) {
	m, dir, runner := newTestManager(t, testConfig(t))
	req := addScript(t, m, "exit 0\n", activity.RebootNone)

	if err := m.Execute(context.Background(), false); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(runner.scripts) != 0 {
		t.Fatalf("pending request must not run, got %v", runner.scripts)
	}
	if len(dir.status) != 1 || !dir.status[0] {
		t.Fatalf("expected node to be put back in service, got %v", dir.status)
	}

	if err := m.Execute(context.Background(), true); err != nil {
		t.Fatalf("execute all: %v", err)
	}
	if len(runner.scripts) != 1 {
		t.Fatalf("expected request to run, got %v", runner.scripts)
	}
	if got := req.State(); got != request.StateSuccess {
		t.Fatalf("expected success, got %s", got)
	}
}

func TestPostponeDoublesEstimateAndClearsDue(t *testing.T) {
	m, dir, _ := newTestManager(t, testConfig(t))
	req := addScript(t, m, "exit 69\n", activity.RebootNone, request.WithEstimate(estimate.MustParse("30m")))
	makeDue(t, req)

	if err := m.Execute(context.Background(), false); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := req.StoredState(); got != request.StatePostpone {
		t.Fatalf("expected postpone, got %s", got)
	}

	if err := m.Postpone(context.Background()); err != nil {
		t.Fatalf("postpone: %v", err)
	}
	if len(dir.postponed) != 1 {
		t.Fatalf("expected one postpone call, got %d", len(dir.postponed))
	}
	if got := dir.postponed[0][req.ID()].PostponeBy; got != 3600 {
		t.Fatalf("expected postpone_by 3600, got %d", got)
	}
	if !req.NextDue.IsZero() {
		t.Fatalf("expected due to be cleared, got %s", req.NextDue)
	}

	reloaded, err := request.Load(req.Dir(), m.Toolbox(), nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !reloaded.NextDue.IsZero() {
		t.Fatal("cleared due must be persisted")
	}
}

func TestAddSkipsSameComment(t *testing.T) {
	m, _, _ := newTestManager(t, testConfig(t))
	first := addScript(t, m, "exit 0\n", activity.RebootNone, request.WithComment("system update"))

	act, err := activity.NewShellScript("exit 0\n", activity.RebootNone, m.Toolbox())
	if err != nil {
		t.Fatalf("new shell script: %v", err)
	}
	dup, err := m.Add(context.Background(), request.New(act, request.WithComment("system update")), true)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if dup != nil {
		t.Fatal("expected duplicate to be skipped")
	}
	if got := m.FindByComment("system update"); got == nil || got.ID() != first.ID() {
		t.Fatalf("expected first request to be found, got %v", got)
	}

	act2, _ := activity.NewShellScript("exit 0\n", activity.RebootNone, m.Toolbox())
	if added, err := m.Add(context.Background(), request.New(act2, request.WithComment("system update")), false); err != nil || added == nil {
		t.Fatalf("expected duplicate to be added without skip, got %v, %v", added, err)
	}
	if got := len(m.Requests()); got != 2 {
		t.Fatalf("expected 2 requests, got %d", got)
	}
}

func TestRequestsSurviveRescan(t *testing.T) {
	cfg := testConfig(t)
	m, _, _ := newTestManager(t, cfg)
	req := addScript(t, m, "exit 0\n", activity.RebootWarm, request.WithComment("reboot me"))
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	other, _, _ := newTestManager(t, cfg)
	got, ok := other.Get(req.ID())
	if !ok {
		t.Fatal("expected request after rescan")
	}
	if got.Comment != "reboot me" || !got.AddedAt.Equal(req.AddedAt) {
		t.Fatalf("unexpected reloaded request %+v", got)
	}
	if len(got.OtherRequests()) != 0 {
		t.Fatal("single request must not see siblings")
	}
}

func TestDeleteMarksFirstPrefixMatch(t *testing.T) {
	m, _, _ := newTestManager(t, testConfig(t))
	req := addScript(t, m, "exit 0\n", activity.RebootNone)

	deleted, err := m.Delete(context.Background(), req.ID()[:6])
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted == nil || deleted.ID() != req.ID() {
		t.Fatalf("expected %s to be deleted, got %v", req.ID(), deleted)
	}
	if got := req.State(); got != request.StateDeleted {
		t.Fatalf("expected deleted, got %s", got)
	}

	none, err := m.Delete(context.Background(), "does-not-exist")
	if err != nil || none != nil {
		t.Fatalf("expected no-op, got %v, %v", none, err)
	}
}

func TestShowPicksNewestMatch(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	m, _, _ := newTestManager(t, testConfig(t), WithClock(clock))
	older := addScript(t, m, "exit 0\n", activity.RebootNone, request.WithID("abc-1"))
	now = now.Add(time.Minute)
	newer := addScript(t, m, "exit 0\n", activity.RebootNone, request.WithID("abc-2"))

	got, n := m.Show("abc")
	if n != 2 || got.ID() != newer.ID() {
		t.Fatalf("expected newest of 2 matches, got %v of %d", got, n)
	}
	if got, _ := m.Show("abc-1"); got.ID() != older.ID() {
		t.Fatalf("expected exact match, got %v", got)
	}
	if got, n := m.Show("zzz"); got != nil || n != 0 {
		t.Fatal("expected no match")
	}
}

func TestOperationsRequireLock(t *testing.T) {
	cfg := testConfig(t)
	m, err := New(cfg, WithDirectory(&fakeDirectory{}), WithRunner(&scriptRunner{}))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := m.Schedule(context.Background()); !errors.Is(err, ErrNotLocked) {
		t.Fatalf("expected ErrNotLocked, got %v", err)
	}
	if err := m.Execute(context.Background(), false); !errors.Is(err, ErrNotLocked) {
		t.Fatalf("expected ErrNotLocked, got %v", err)
	}
}

func TestSessionReleasesSpoolLock(t *testing.T) {
	cfg := testConfig(t)
	m, err := New(cfg, WithDirectory(&fakeDirectory{}), WithRunner(&scriptRunner{}))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	boom := errors.New("boom")
	err = m.Session(context.Background(), func(ctx context.Context, m *ReqManager) error {
		if !m.Locked() {
			t.Fatal("expected lock inside session")
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected session error, got %v", err)
	}
	if m.Locked() {
		t.Fatal("lock must be released after session")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Session(ctx, func(context.Context, *ReqManager) error { return nil }); err != nil {
		t.Fatalf("second session: %v", err)
	}
}

func TestHooksRunInOrderAndAbortOnFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaintenanceEnter = map[string]string{"b-db": "stop-db", "a-web": "stop-web", "c-empty": ""}
	m, dir, runner := newTestManager(t, cfg)
	makeDue(t, addScript(t, m, "exit 0\n", activity.RebootNone))

	runner.codes["/bin/sh -c stop-db"] = 1
	err := m.Execute(context.Background(), false)
	var exitErr *command.ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 1 {
		t.Fatalf("expected hook failure, got %v", err)
	}
	if len(runner.commands) != 2 {
		t.Fatalf("expected two hook commands, got %v", runner.commands)
	}
	if got := runner.commands[0][2]; got != "stop-web" {
		t.Fatalf("expected subsystems in name order, first was %q", got)
	}
	if len(runner.scripts) != 0 {
		t.Fatal("requests must not run after a failed enter hook")
	}
	if len(dir.status) != 1 || dir.status[0] {
		t.Fatalf("expected node marked out of service, got %v", dir.status)
	}
}

func TestLeaveHooksRunBeforeReturningToService(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaintenanceLeave = map[string]string{"web": "start-web"}
	m, dir, runner := newTestManager(t, cfg)

	if err := m.Execute(context.Background(), false); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !runner.ran("/bin/sh", "-c", "start-web") {
		t.Fatalf("expected leave hook, got %v", runner.commands)
	}
	if len(dir.status) != 1 || !dir.status[0] {
		t.Fatalf("expected node in service, got %v", dir.status)
	}
}

func TestRunPassOrdersOperations(t *testing.T) {
	cfg := testConfig(t)
	dir := &fakeDirectory{}
	runner := &scriptRunner{codes: map[string]int{}}
	m, err := New(cfg, WithDirectory(dir), WithRunner(runner))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	var id string
	err = m.Session(context.Background(), func(ctx context.Context, m *ReqManager) error {
		req := addScript(t, m, "exit 0\n", activity.RebootNone)
		id = req.ID()
		return nil
	})
	if err != nil {
		t.Fatalf("session: %v", err)
	}

	due := time.Now().Add(-time.Minute).UTC().Format(time.RFC3339)
	dir.schedule = func(reqs map[string]directory.ScheduleRequest) map[string]directory.Schedule {
		return map[string]directory.Schedule{id: {Time: due}}
	}

	res, err := m.RunPass(context.Background())
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if res.Reboot != activity.RebootNone {
		t.Fatalf("unexpected reboot %q", res.Reboot)
	}
	if c, ok := dir.allEnded()[id]; !ok || c.Result != "success" {
		t.Fatalf("expected request to be executed and archived, got %+v", dir.ended)
	}
	if m.Locked() {
		t.Fatal("run pass must release the lock")
	}
}

func TestRunPassReportsPostponedRequest(t *testing.T) {
	cfg := testConfig(t)
	dir := &fakeDirectory{}
	runner := &scriptRunner{codes: map[string]int{}}
	m, err := New(cfg, WithDirectory(dir), WithRunner(runner))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	var id string
	err = m.Session(context.Background(), func(ctx context.Context, m *ReqManager) error {
		id = addScript(t, m, "exit 69\n", activity.RebootNone, request.WithEstimate(estimate.MustParse("30m"))).ID()
		return nil
	})
	if err != nil {
		t.Fatalf("session: %v", err)
	}

	due := time.Now().Add(-time.Minute).UTC().Format(time.RFC3339)
	dir.schedule = func(map[string]directory.ScheduleRequest) map[string]directory.Schedule {
		return map[string]directory.Schedule{id: {Time: due}}
	}
	if _, err := m.RunPass(context.Background()); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if len(dir.postponed) != 1 || dir.postponed[0][id].PostponeBy != 3600 {
		t.Fatalf("expected postpone_by 3600 for %s, got %+v", id, dir.postponed)
	}
	if _, ok := dir.allEnded()[id]; ok {
		t.Fatal("postponed request must stay active")
	}

	later := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	dir.schedule = func(map[string]directory.ScheduleRequest) map[string]directory.Schedule {
		return map[string]directory.Schedule{id: {Time: later}}
	}
	if _, err := m.RunPass(context.Background()); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if got := len(runner.scripts); got != 1 {
		t.Fatalf("postponed request must not run again before its new due time, ran %d times", got)
	}

	err = m.Session(context.Background(), func(ctx context.Context, m *ReqManager) error {
		req, ok := m.Get(id)
		if !ok {
			t.Fatal("postponed request lost after rescan")
		}
		if got := req.StoredState(); got != request.StatePostpone {
			t.Fatalf("expected stored postpone, got %s", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("session: %v", err)
	}
}

func TestRescanKeepsSavedRequestActive(t *testing.T) {
	cfg := testConfig(t)
	m, _, _ := newTestManager(t, cfg)
	req := addScript(t, m, "exit 0\n", activity.RebootNone, request.WithComment("keep me"))
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	other, _, _ := newTestManager(t, cfg)
	if _, ok := other.Get(req.ID()); !ok {
		t.Fatal("saved request must survive a rescan")
	}
	if _, err := os.Stat(filepath.Join(cfg.SpoolDir, "archive", req.ID())); !os.IsNotExist(err) {
		t.Fatalf("saved request must not be archived, stat: %v", err)
	}
}

func TestRunnableRefreshesAllStatesFirst(t *testing.T) {
	cfg := testConfig(t)
	m, _, _ := newTestManager(t, cfg)
	interrupted := addScript(t, m, "exit 0\n", activity.RebootNone, request.WithComment("interrupted"))
	waiting := addScript(t, m, "exit 0\n", activity.RebootNone, request.WithComment("waiting"))
	makeDue(t, waiting)
	data, err := os.ReadFile(interrupted.Filename())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	running := strings.Replace(string(data), "state: pending", "state: running", 1)
	if err := os.WriteFile(interrupted.Filename(), []byte(running), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	other, _, _ := newTestManager(t, cfg)
	reloaded, ok := other.Get(waiting.ID())
	if !ok {
		t.Fatal("missing waiting request")
	}
	if got := reloaded.StoredState(); got != request.StatePending {
		t.Fatalf("expected pending before refresh, got %s", got)
	}
	for req := range other.Runnable() {
		if req.ID() != interrupted.ID() {
			t.Fatalf("expected interrupted request first, got %s", req.Comment)
		}
		break
	}
	if got := reloaded.StoredState(); got != request.StateDue {
		t.Fatalf("expected every state refreshed before yielding, got %s", got)
	}
}

func TestScheduleRejectsDueTimeWithoutZone(t *testing.T) {
	m, dir, _ := newTestManager(t, testConfig(t))
	req := addScript(t, m, "exit 0\n", activity.RebootNone)
	dir.schedule = func(map[string]directory.ScheduleRequest) map[string]directory.Schedule {
		return map[string]directory.Schedule{req.ID(): {Time: "2030-01-02T03:04:05"}}
	}
	err := m.Schedule(context.Background())
	if !errors.Is(err, request.ErrMissingTimezone) {
		t.Fatalf("expected missing time zone error, got %v", err)
	}
	if !req.NextDue.IsZero() {
		t.Fatalf("due must stay unset, got %s", req.NextDue)
	}
}
