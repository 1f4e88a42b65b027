package activity

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/helsinki-systems/fc-nixos/pkg/observability"
)

// Reboot asks for a warm or cold reboot of the node. It never reboots by
// itself; the manager issues one reboot for the whole batch.
type Reboot struct {
	Base   `yaml:"-"`
	Action RebootType `yaml:"action"`

	satisfied bool
}

// NewReboot builds a reboot activity for a warm or cold reboot.
func NewReboot(action RebootType, tools Toolbox) (*Reboot, error) {
	if err := validateReboot(action, false); err != nil {
		return nil, err
	}
	r := &Reboot{Action: action}
	r.setTools(tools)
	return r, nil
}

func (r *Reboot) Kind() string { return KindReboot }

func (r *Reboot) Describe() string {
	return fmt.Sprintf("%s reboot", r.Action)
}

// Run checks whether the node already booted after the request was added.
func (r *Reboot) Run(ctx context.Context, _ string) error {
	if err := validateReboot(r.Action, false); err != nil {
		return err
	}
	start := time.Now()

	if r.owner != nil {
		booted, err := r.tools.bootTime()
		if err != nil {
			observability.Emit(ctx, r.logger(), observability.LevelWarn, "reboot_boot_time_unknown", "cannot determine boot time", map[string]interface{}{
				"error": err.Error(),
			})
		} else if added := r.owner.RequestAddedAt(); !added.IsZero() && booted.After(added) {
			r.satisfied = true
			r.finish(start, fmt.Sprintf("node booted at %s after the request was added; nothing to do\n", booted.UTC().Format(time.RFC3339)))
			observability.Emit(ctx, r.logger(), observability.LevelInfo, "reboot_already_done", "node was rebooted after the request was added", map[string]interface{}{
				"boot_time": booted.UTC().Format(time.RFC3339),
			})
			return nil
		}
	}

	covered := r.coveredSiblings()
	r.finish(start, fmt.Sprintf("%s reboot requested\n", r.Action))
	fields := map[string]interface{}{"action": string(r.Action)}
	if covered > 0 {
		fields["covers"] = covered
	}
	observability.Emit(ctx, r.logger(), observability.LevelInfo, "reboot_requested", "reboot will be performed after the batch", fields)
	return nil
}

func (r *Reboot) finish(start time.Time, stdout string) {
	elapsed := time.Since(start).Seconds()
	r.outcome = Outcome{Stdout: stdout, ReturnCode: 0, Duration: &elapsed}
}

// coveredSiblings counts other pending reboot requests the reboot this
// activity asks for also satisfies.
func (r *Reboot) coveredSiblings() int {
	if r.owner == nil {
		return 0
	}
	count := 0
	for _, sibling := range r.owner.SiblingActivities() {
		other, ok := sibling.(*Reboot)
		if !ok {
			continue
		}
		if r.Action == RebootCold || other.Action == RebootWarm {
			count++
		}
	}
	return count
}

// RebootNeeded reports the requested reboot unless the node already booted.
func (r *Reboot) RebootNeeded() RebootType {
	if r.satisfied || r.outcome.Duration == nil || r.outcome.ReturnCode != 0 {
		return RebootNone
	}
	return r.Action
}

// SystemBootTime reads the kernel boot time from /proc/stat.
func SystemBootTime() (time.Time, error) {
	return bootTimeFrom("/proc/stat")
}

func bootTimeFrom(path string) (time.Time, error) {
	f, err := os.Open(path)
	if err != nil {
		return time.Time{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 2 && fields[0] == "btime" {
			secs, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return time.Time{}, fmt.Errorf("parse btime: %w", err)
			}
			return time.Unix(secs, 0).UTC(), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return time.Time{}, fmt.Errorf("read %s: %w", path, err)
	}
	return time.Time{}, errors.New("btime not found")
}
