package audit

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Status is a diagnostic snapshot of the host's audit setup, exposed so
// operators can see why attribution is (not) working.
type Status struct {
	AusearchAvailable bool     `json:"ausearch_available"`
	AusearchVersion   string   `json:"ausearch_version,omitempty"`
	AuditctlAvailable bool     `json:"auditctl_available"`
	AuditdRunning     bool     `json:"auditd_running"`
	TotalRules        int      `json:"total_rules"`
	DockerRules       []string `json:"docker_rules_found"`
	Errors            []string `json:"errors"`
}

const healthTimeout = 5 * time.Second

// Health probes ausearch, the loaded audit rules, and the auditd
// service.
func (r *Reader) Health(ctx context.Context) Status {
	st := Status{DockerRules: []string{}, Errors: []string{}}

	run := func(name string, args ...string) (string, int, error) {
		cctx, cancel := context.WithTimeout(ctx, healthTimeout)
		defer cancel()
		return r.run(cctx, name, args...)
	}

	out, code, err := run("ausearch", "--version")
	switch {
	case errors.Is(err, exec.ErrNotFound):
		st.Errors = append(st.Errors, "ausearch not installed (install the audit package)")
	case err != nil:
		st.Errors = append(st.Errors, fmt.Sprintf("ausearch check failed: %v", err))
	case code == 0:
		st.AusearchAvailable = true
		st.AusearchVersion = strings.TrimSpace(out)
	}

	out, code, err = run("auditctl", "-l")
	switch {
	case errors.Is(err, exec.ErrNotFound):
		st.Errors = append(st.Errors, "auditctl not installed")
	case err != nil:
		st.Errors = append(st.Errors, fmt.Sprintf("auditctl check failed: %v", err))
	case code != 0:
		st.Errors = append(st.Errors, fmt.Sprintf("auditctl -l exited %d: %s", code, strings.TrimSpace(out)))
	default:
		st.AuditctlAvailable = true
		rules := strings.Split(strings.TrimSpace(out), "\n")
		st.TotalRules = len(rules)
		for _, rule := range rules {
			if strings.Contains(strings.ToLower(rule), "docker") {
				st.DockerRules = append(st.DockerRules, rule)
			}
		}
	}

	out, code, err = run("systemctl", "is-active", "auditd")
	if err == nil {
		st.AuditdRunning = code == 0 && strings.TrimSpace(out) == "active"
	} else {
		_, code, perr := run("pgrep", "-x", "auditd")
		if perr == nil {
			st.AuditdRunning = code == 0
		}
	}

	if len(st.DockerRules) == 0 {
		r.log.Warn("no docker audit rules loaded, attribution will rely on labels and event actors only",
			"auditd_running", st.AuditdRunning)
	}
	return st
}
