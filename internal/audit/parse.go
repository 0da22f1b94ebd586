package audit

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	msgAuditRe = regexp.MustCompile(`msg=audit\(([^)]+)\)`)
	dateTimeRe = regexp.MustCompile(`^(\d{2}/\d{2}/\d{4}\s+\d{2}:\d{2}:\d{2})`)
	unixTimeRe = regexp.MustCompile(`^(\d+\.\d+):`)
	pairRe     = regexp.MustCompile(`(\w+)=("[^"]*"|\S+)`)
)

const auditTimeLayout = "01/02/2006 15:04:05"

// parseOutput turns ausearch -i output into Records. Events are blocks
// of type=... lines separated by ---- markers; each line holds key=value
// pairs, some quoted. The -i flag interprets uids into names, so numeric
// and symbolic forms both occur.
func parseOutput(out string) []Record {
	var records []Record
	cur := newRecord()
	dirty := false

	flush := func() {
		if dirty {
			records = append(records, cur)
		}
		cur = newRecord()
		dirty = false
	}

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "----") {
			flush()
			continue
		}
		if line == "" {
			continue
		}

		if m := msgAuditRe.FindStringSubmatch(line); m != nil {
			if ts, ok := parseAuditTimestamp(m[1]); ok {
				cur.Time = ts
				dirty = true
			}
		}

		for _, pair := range pairRe.FindAllStringSubmatch(line, -1) {
			k, v := pair[1], strings.Trim(pair[2], `"`)
			switch k {
			case "type":
				cur.Type = v
			case "key":
				cur.Key = v
			case "msg":
				cur.Msg = v
			case "exe":
				cur.Exe = v
			case "comm":
				cur.Comm = v
			case "pid":
				if n, err := strconv.Atoi(v); err == nil {
					cur.PID = n
				}
			case "uid":
				if n, err := strconv.ParseInt(v, 10, 64); err == nil {
					cur.UID = n
				} else {
					cur.UIDName = v
				}
			case "auid":
				if n, err := strconv.ParseInt(v, 10, 64); err == nil {
					cur.AUID = n
				} else {
					cur.AUIDName = v
				}
			case "euid":
				if n, err := strconv.ParseInt(v, 10, 64); err == nil {
					cur.EUID = n
				}
			default:
				continue
			}
			dirty = true
		}
	}
	flush()
	return records
}

func newRecord() Record {
	return Record{AUID: -1, UID: -1, EUID: -1}
}

// parseAuditTimestamp handles both audit(MM/DD/YYYY HH:MM:SS.mmm:serial)
// from interpreted output and the raw audit(secs.frac:serial) form.
func parseAuditTimestamp(s string) (time.Time, bool) {
	if m := dateTimeRe.FindStringSubmatch(s); m != nil {
		norm := strings.Join(strings.Fields(m[1]), " ")
		if ts, err := time.ParseInLocation(auditTimeLayout, norm, time.Local); err == nil {
			return ts, true
		}
	}
	if m := unixTimeRe.FindStringSubmatch(s); m != nil {
		if secs, err := strconv.ParseFloat(m[1], 64); err == nil {
			return time.Unix(int64(secs), int64((secs-float64(int64(secs)))*1e9)), true
		}
	}
	return time.Time{}, false
}
