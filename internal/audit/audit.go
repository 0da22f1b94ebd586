// Package audit reads auditd records of Docker socket and client usage.
// The records carry the login uid of whoever drove the daemon, which is
// the only ground truth for attributing containers to people.
package audit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/qman-project/qman-slave/internal/clock"
	"github.com/qman-project/qman-slave/internal/logging"
)

// Audit rule keys installed by the host provisioning. Socket access and
// client execution are kept under separate keys so either path is caught.
var DefaultKeys = []string{"docker-socket", "docker-client"}

// uidUnset is how the kernel reports a session with no login uid.
const uidUnset = 4294967295

const queryTimeout = 60 * time.Second

// Record is one auditd event. Numeric uid fields are -1 when absent;
// interpreted output may carry names instead of numbers, those land in
// the *Name fields.
type Record struct {
	Type     string
	Key      string
	Msg      string
	Exe      string
	Comm     string
	PID      int
	AUID     int64
	UID      int64
	EUID     int64
	AUIDName string
	UIDName  string
	Time     time.Time // zero when the timestamp could not be parsed
}

// Subject returns the uid responsible for the record. The login uid is
// preferred over uid and euid because it survives privilege changes.
// Interpreted names are resolved through the supplied lookup. Returns -1
// when no usable identity exists.
func (r Record) Subject(resolve func(name string) (int64, error)) int64 {
	for _, uid := range []int64{r.AUID, r.UID, r.EUID} {
		if uid >= 0 && uid != uidUnset {
			return uid
		}
	}
	for _, name := range []string{r.AUIDName, r.UIDName} {
		if name == "" || name == "unset" {
			continue
		}
		if resolve != nil {
			if uid, err := resolve(name); err == nil {
				return uid
			}
		}
	}
	return -1
}

// runner executes a command and returns combined handling of stdout and
// the exit code. Injectable for tests.
type runner func(ctx context.Context, name string, args ...string) (stdout string, exitCode int, err error)

// Reader queries auditd through ausearch.
type Reader struct {
	run       runner
	clk       clock.Clock
	log       *logging.Logger
	keys      []string
	inputPath string // optional audit log file, "" = live daemon
}

func NewReader(log *logging.Logger) *Reader {
	return &Reader{run: execRunner, clk: clock.Real{}, log: log, keys: DefaultKeys}
}

// NewReaderWithRunner is for tests.
func NewReaderWithRunner(run runner, clk clock.Clock, log *logging.Logger) *Reader {
	return &Reader{run: run, clk: clk, log: log, keys: DefaultKeys}
}

// SetInputPath points the reader at an audit log file instead of the
// running daemon.
func (r *Reader) SetInputPath(path string) { r.inputPath = path }

// spanRe matches a relative look-back such as "60m", "2h", or "1d".
var spanRe = regexp.MustCompile(`^(\d+)([mhd])$`)

// Query returns Docker-related audit records starting at since, which is
// either an ausearch keyword (recent, today, yesterday, ...) passed
// through verbatim, or a relative span like "60m" that ausearch does not
// understand and is translated to an absolute local start time. Exit
// code 1 means no matches and yields an empty result; a missing
// ausearch binary does too, since hosts without auditd simply have no
// attribution signal.
func (r *Reader) Query(ctx context.Context, since string) ([]Record, error) {
	args := []string{"-i"}
	for _, k := range r.keys {
		args = append(args, "-k", k)
	}
	args = append(args, r.sinceArgs(since)...)
	if r.inputPath != "" {
		args = append(args, "--input", r.inputPath)
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	out, code, err := r.run(ctx, "ausearch", args...)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			r.log.Info("ausearch not installed, audit attribution disabled")
			return nil, nil
		}
		return nil, fmt.Errorf("ausearch: %w", err)
	}
	switch {
	case code == 1:
		if strings.Contains(strings.ToLower(out), "no matches") {
			r.log.Debug("no audit events in window", "since", since)
		}
		return nil, nil
	case code != 0:
		return nil, fmt.Errorf("ausearch exited %d: %s", code, strings.TrimSpace(out))
	}

	records := parseOutput(out)
	r.log.Debug("audit query complete", "records", len(records), "since", since)
	return records, nil
}

// sinceArgs turns the since argument into ausearch -ts arguments. Spans
// like "60m" become an absolute local start time; everything else is an
// ausearch start keyword and passes through untouched.
func (r *Reader) sinceArgs(since string) []string {
	m := spanRe.FindStringSubmatch(since)
	if m == nil {
		return []string{"-ts", since}
	}
	n, _ := strconv.Atoi(m[1])
	var unit time.Duration
	switch m[2] {
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	}
	start := r.clk.Now().Add(-time.Duration(n) * unit)
	return []string{"-ts", start.Format("01/02/2006"), start.Format("15:04:05")}
}

func execRunner(ctx context.Context, name string, args ...string) (string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	// ausearch -i prints timestamps in the locale's date format; pin it
	// so parsing stays stable.
	cmd.Env = append(os.Environ(), "LC_TIME=en_US.UTF-8")
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return string(out) + string(exitErr.Stderr), exitErr.ExitCode(), nil
		}
		return "", -1, err
	}
	return string(out), 0, nil
}
