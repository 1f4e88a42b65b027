// Package manager orchestrates the maintenance requests of one node: it
// scans the spool directory, reconciles with the directory service, runs due
// requests inside a maintenance window and reboots when they ask for it.
package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/helsinki-systems/fc-nixos/pkg/activity"
	"github.com/helsinki-systems/fc-nixos/pkg/command"
	"github.com/helsinki-systems/fc-nixos/pkg/config"
	"github.com/helsinki-systems/fc-nixos/pkg/detector"
	"github.com/helsinki-systems/fc-nixos/pkg/directory"
	"github.com/helsinki-systems/fc-nixos/pkg/lock"
	"github.com/helsinki-systems/fc-nixos/pkg/observability"
	"github.com/helsinki-systems/fc-nixos/pkg/rebootwindow"
	"github.com/helsinki-systems/fc-nixos/pkg/request"
)

// Spool layout.
const (
	RequestsDir   = "requests"
	ArchiveDir    = "archive"
	LockFile      = ".lock"
	LoadErrorFile = "_load_request_yaml_error"
)

// ErrNotLocked is returned by operations that need an open session.
var ErrNotLocked = errors.New("manager: spool lock not held")

// ReqManager owns the requests of one spool directory while it holds the
// spool lock.
type ReqManager struct {
	cfg         *config.Config
	node        string
	spoolDir    string
	requestsDir string
	archiveDir  string

	locker    lock.Manager
	lease     lock.Lease
	directory directory.Client
	connect   func() (directory.Client, error)
	runner    command.Runner
	tools     activity.Toolbox
	guard     RebootGuard
	windows   *rebootwindow.Policy
	reporter  Reporter
	logger    observability.Logger
	now       func() time.Time

	requests     map[string]*request.Request
	rebootIssued activity.RebootType
}

// Option configures a ReqManager.
type Option func(*ReqManager)

// WithDirectory sets the directory client instead of connecting lazily.
func WithDirectory(client directory.Client) Option {
	return func(m *ReqManager) { m.directory = client }
}

// WithDirectoryConnector overrides how the directory client is built on
// first use.
func WithDirectoryConnector(fn func() (directory.Client, error)) Option {
	return func(m *ReqManager) { m.connect = fn }
}

// WithRunner sets the runner for hooks and reboot commands.
func WithRunner(runner command.Runner) Option {
	return func(m *ReqManager) { m.runner = runner }
}

// WithToolbox sets the collaborators handed to loaded activities.
func WithToolbox(tools activity.Toolbox) Option {
	return func(m *ReqManager) { m.tools = tools }
}

// WithLocker replaces the spool file lock.
func WithLocker(locker lock.Manager) Option {
	return func(m *ReqManager) { m.locker = locker }
}

// WithRebootGuard enables cluster-wide reboot coordination.
func WithRebootGuard(guard RebootGuard) Option {
	return func(m *ReqManager) { m.guard = guard }
}

// WithRebootWindows overrides the reboot windows from the configuration.
func WithRebootWindows(policy *rebootwindow.Policy) Option {
	return func(m *ReqManager) { m.windows = policy }
}

// WithReporter attaches an observability reporter.
func WithReporter(rep Reporter) Option {
	return func(m *ReqManager) { m.reporter = rep }
}

// WithLogger sets the logger requests and activities write to.
func WithLogger(logger observability.Logger) Option {
	return func(m *ReqManager) { m.logger = logger }
}

// WithClock injects a time source.
func WithClock(now func() time.Time) Option {
	return func(m *ReqManager) {
		if now != nil {
			m.now = now
		}
	}
}

// New prepares the spool directory layout.
func New(cfg *config.Config, opts ...Option) (*ReqManager, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	if strings.TrimSpace(cfg.SpoolDir) == "" {
		return nil, errors.New("spool directory must not be empty")
	}

	m := &ReqManager{
		cfg:         cfg,
		node:        cfg.NodeName,
		spoolDir:    cfg.SpoolDir,
		requestsDir: filepath.Join(cfg.SpoolDir, RequestsDir),
		archiveDir:  filepath.Join(cfg.SpoolDir, ArchiveDir),
		now:         time.Now,
		requests:    make(map[string]*request.Request),
	}
	for _, opt := range opts {
		opt(m)
	}

	for _, dir := range []string{m.spoolDir, m.requestsDir, m.archiveDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create spool directory: %w", err)
		}
	}

	if m.locker == nil {
		m.locker = lock.NewFileManager(filepath.Join(m.spoolDir, LockFile))
	}
	if m.runner == nil {
		m.runner = command.NewExecRunner()
	}
	if m.tools.Runner == nil {
		m.tools.Runner = m.runner
	}
	if len(m.tools.UpdateCommand) == 0 {
		m.tools.UpdateCommand = append([]string(nil), cfg.Update.Command...)
	}
	if m.tools.Detectors == nil {
		engine, err := buildDetectors(cfg, m.tools.Runner)
		if err != nil {
			return nil, err
		}
		m.tools.Detectors = engine
	}
	if m.windows == nil {
		policy, err := cfg.RebootWindows()
		if err != nil {
			return nil, err
		}
		m.windows = policy
	}
	if m.connect == nil {
		m.connect = func() (directory.Client, error) {
			return directory.Connect(cfg.Directory.URL, cfg.EncPath, directory.WithTimeout(cfg.DirectoryTimeout()))
		}
	}
	if m.reporter == nil {
		structured := NewStructuredReporter(m.node, m.logger, nil)
		m.reporter = structured
		m.logger = structured.Logger()
	} else {
		m.logger = observability.With(m.logger, observability.Context{Node: m.node})
	}
	return m, nil
}

func buildDetectors(cfg *config.Config, runner command.Runner) (*detector.Engine, error) {
	detectors, err := detector.NewAll(cfg.Update.RebootRequiredDetectors, runner)
	if err != nil {
		return nil, fmt.Errorf("construct reboot detectors: %w", err)
	}
	engine, err := detector.NewEngine(detectors)
	if err != nil {
		return nil, fmt.Errorf("initialise detector engine: %w", err)
	}
	return engine, nil
}

// SpoolDir returns the spool root.
func (m *ReqManager) SpoolDir() string { return m.spoolDir }

// Toolbox returns the collaborators for new activities.
func (m *ReqManager) Toolbox() activity.Toolbox { return m.tools }

// Locked reports whether a session is open.
func (m *ReqManager) Locked() bool { return m.lease != nil }

// Open takes the spool lock, waiting for other holders, and scans.
func (m *ReqManager) Open(ctx context.Context) error {
	if m.lease != nil {
		return nil
	}
	start := time.Now()
	lease, err := m.locker.Acquire(ctx)
	wait := time.Since(start)
	if err != nil {
		return fmt.Errorf("lock spool %s: %w", m.spoolDir, err)
	}
	m.lease = lease
	m.reporter.RecordMetric(observability.Metric{
		Name:        "lock_wait_seconds",
		Type:        observability.MetricHistogram,
		Value:       wait.Seconds(),
		Description: "Time spent waiting for the spool lock.",
		Unit:        "seconds",
	})
	m.event(ctx, observability.LevelDebug, "spool_locked", "", map[string]interface{}{"wait_ms": wait.Milliseconds()})

	if err := m.Scan(ctx); err != nil {
		_ = m.Close(ctx)
		return err
	}
	return nil
}

// Close releases the spool lock.
func (m *ReqManager) Close(ctx context.Context) error {
	if m.lease == nil {
		return nil
	}
	lease := m.lease
	m.lease = nil
	if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("release spool lock: %w", err)
	}
	return nil
}

// Session runs fn with the spool lock held and releases it afterwards.
func (m *ReqManager) Session(ctx context.Context, fn func(context.Context, *ReqManager) error) (err error) {
	if err := m.Open(ctx); err != nil {
		return err
	}
	defer func() {
		if closeErr := m.Close(ctx); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	return fn(ctx, m)
}

func (m *ReqManager) requireLock() error {
	if m.lease == nil {
		return ErrNotLocked
	}
	return nil
}

func (m *ReqManager) dir() (directory.Client, error) {
	if m.directory != nil {
		return m.directory, nil
	}
	client, err := m.connect()
	if err != nil {
		return nil, fmt.Errorf("connect to directory: %w", err)
	}
	m.directory = client
	return client, nil
}

// Scan rebuilds the request collection from the spool. Directories that fail
// to load are moved to the archive together with a note on the failure.
func (m *ReqManager) Scan(ctx context.Context) error {
	if err := m.requireLock(); err != nil {
		return err
	}
	entries, err := os.ReadDir(m.requestsDir)
	if err != nil {
		return fmt.Errorf("read requests directory: %w", err)
	}

	m.requests = make(map[string]*request.Request, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(m.requestsDir, entry.Name())
		req, err := request.Load(path, m.tools, m.logger, request.WithClock(m.now))
		if err != nil {
			m.quarantine(ctx, path, err)
			continue
		}
		m.track(req)
	}

	m.reporter.RecordMetric(observability.Metric{
		Name:        "requests_scanned",
		Type:        observability.MetricGauge,
		Value:       float64(len(m.requests)),
		Description: "Number of active requests found by the last scan.",
	})
	return nil
}

func (m *ReqManager) quarantine(ctx context.Context, path string, loadErr error) {
	fields := map[string]interface{}{"request": filepath.Base(path), "error": loadErr.Error()}
	m.event(ctx, observability.LevelError, "request_load_error", "loading request failed, archiving it", fields)

	note, err := os.OpenFile(filepath.Join(path, LoadErrorFile), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err == nil {
		_, err = fmt.Fprintln(note, loadErr)
		if closeErr := note.Close(); err == nil {
			err = closeErr
		}
	}
	if err != nil {
		m.event(ctx, observability.LevelWarn, "request_load_error_note_failed", "", map[string]interface{}{"request": filepath.Base(path), "error": err.Error()})
	}

	if _, err := m.moveToArchive(path); err != nil {
		m.event(ctx, observability.LevelError, "request_quarantine_failed", "", map[string]interface{}{"request": filepath.Base(path), "error": err.Error()})
	}
}

// moveToArchive renames a request directory into the archive, picking a
// fresh name when the id is already archived.
func (m *ReqManager) moveToArchive(path string) (string, error) {
	name := filepath.Base(path)
	dest := filepath.Join(m.archiveDir, name)
	if _, err := os.Lstat(dest); err == nil {
		dest = filepath.Join(m.archiveDir, fmt.Sprintf("%s-%d", name, m.now().UnixNano()))
	}
	if err := os.Rename(path, dest); err != nil {
		return "", fmt.Errorf("archive %s: %w", name, err)
	}
	return dest, nil
}

func (m *ReqManager) track(req *request.Request) {
	req.SetSiblings(m.active)
	m.requests[req.ID()] = req
}

func (m *ReqManager) active() []*request.Request {
	out := make([]*request.Request, 0, len(m.requests))
	for _, req := range m.requests {
		out = append(out, req)
	}
	return out
}

// Requests returns the active requests in execution order.
func (m *ReqManager) Requests() []*request.Request {
	out := m.active()
	sortRequests(out)
	return out
}

// Get returns the request with id.
func (m *ReqManager) Get(id string) (*request.Request, bool) {
	req, ok := m.requests[id]
	return req, ok
}

// Add registers req. With skipSameComment a request whose non-empty comment
// matches an existing one is not added and Add returns nil.
func (m *ReqManager) Add(ctx context.Context, req *request.Request, skipSameComment bool) (*request.Request, error) {
	if req == nil {
		return nil, nil
	}
	if err := m.requireLock(); err != nil {
		return nil, err
	}
	if skipSameComment && req.Comment != "" {
		if dup := m.FindByComment(req.Comment); dup != nil {
			m.event(ctx, observability.LevelInfo, "request_skip_duplicate", "identical request already queued, nothing added", map[string]interface{}{
				"request":   req.ID(),
				"duplicate": dup.ID(),
			})
			return nil, nil
		}
	}

	req.SetDir(filepath.Join(m.requestsDir, req.ID()))
	req.AddedAt = m.now().UTC()
	req.SetUpLogging(m.logger)
	if err := req.Save(); err != nil {
		return nil, fmt.Errorf("add request: %w", err)
	}
	m.track(req)
	m.event(ctx, observability.LevelInfo, "request_added", "added request", map[string]interface{}{
		"request":  req.ID(),
		"comment":  req.Comment,
		"activity": req.Activity().Describe(),
	})
	return req, nil
}

// FindByComment returns the first request carrying comment.
func (m *ReqManager) FindByComment(comment string) *request.Request {
	for _, req := range m.Requests() {
		if req.Comment == comment {
			return req
		}
	}
	return nil
}

// Find returns the requests whose id starts with prefix, oldest first.
func (m *ReqManager) Find(prefix string) []*request.Request {
	var matches []*request.Request
	for id, req := range m.requests {
		if strings.HasPrefix(id, prefix) {
			matches = append(matches, req)
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if !matches[i].AddedAt.Equal(matches[j].AddedAt) {
			return matches[i].AddedAt.Before(matches[j].AddedAt)
		}
		return matches[i].ID() < matches[j].ID()
	})
	return matches
}

// Show returns the newest request matching prefix and how many matched.
func (m *ReqManager) Show(prefix string) (*request.Request, int) {
	matches := m.Find(prefix)
	if len(matches) == 0 {
		return nil, 0
	}
	return matches[len(matches)-1], len(matches)
}

// Delete marks the first request whose id starts with prefix as deleted. It
// returns nil when nothing matched.
func (m *ReqManager) Delete(ctx context.Context, prefix string) (*request.Request, error) {
	if err := m.requireLock(); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(m.requests))
	for id := range m.requests {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		req := m.requests[id]
		req.MarkDeleted()
		if err := req.Save(); err != nil {
			return nil, fmt.Errorf("delete request %s: %w", id, err)
		}
		m.event(ctx, observability.LevelInfo, "delete_finished", "marked request as deleted", map[string]interface{}{"request": id})
		return req, nil
	}
	m.event(ctx, observability.LevelWarn, "delete_skip_missing", "cannot locate request, skipping", map[string]interface{}{"request": prefix})
	return nil, nil
}

func sortRequests(reqs []*request.Request) {
	sort.SliceStable(reqs, func(i, j int) bool { return reqs[i].Less(reqs[j]) })
}

func (m *ReqManager) event(ctx context.Context, level observability.Level, name, message string, fields map[string]interface{}) {
	m.reporter.RecordEvent(ctx, observability.Event{
		Level:   level,
		Node:    m.node,
		Event:   name,
		Message: message,
		Fields:  fields,
	})
}
