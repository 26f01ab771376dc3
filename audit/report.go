package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const appName = "nft-image-audit"

type SyslogSender interface {
	SendRFC5424Timeout(appName string, structuredData string, message string, timeout time.Duration) error
}

// SyslogClient writes one RFC5424 line per connection over TCP.
type SyslogClient struct {
	addr string
}

func NewSyslogClient(addr string) *SyslogClient {
	return &SyslogClient{addr: addr}
}

func (c *SyslogClient) SendRFC5424Timeout(app string, structuredData string, message string, timeout time.Duration) error {
	var conn net.Conn
	var err error
	if timeout > 0 {
		conn, err = net.DialTimeout("tcp", c.addr, timeout)
	} else {
		conn, err = net.Dial("tcp", c.addr)
	}
	if err != nil {
		return err
	}
	defer conn.Close()
	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	w := bufio.NewWriter(conn)
	if _, err := w.WriteString(formatRFC5424(time.Now(), app, structuredData, message)); err != nil {
		return err
	}
	return w.Flush()
}

func formatRFC5424(now time.Time, app string, structuredData string, message string) string {
	host, _ := os.Hostname()
	if app == "" {
		app = appName
	}
	if structuredData == "" {
		structuredData = "-"
	}
	pri := 134 // local0.info
	return fmt.Sprintf("<%d>1 %s %s %s - - %s %s\n",
		pri, now.UTC().Format(time.RFC3339Nano), sanitizeSyslogToken(host), sanitizeSyslogToken(app),
		structuredData, strings.TrimSpace(message))
}

func sanitizeSyslogToken(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "-"
	}
	return strings.ReplaceAll(s, " ", "_")
}

// Reporter sends one summary line per run, success or not, so a missing line
// means the job did not run.
type Reporter struct {
	sender  SyslogSender
	job     string
	timeout time.Duration
}

func NewReporter(sender SyslogSender, job string) *Reporter {
	return &Reporter{sender: sender, job: job, timeout: 3 * time.Second}
}

func (r *Reporter) Report(source string, start, end time.Time, stats RunStats, runErr error) error {
	if r == nil || r.sender == nil {
		return nil
	}
	status := "ok"
	errMsg := ""
	if runErr != nil {
		status = "error"
		errMsg = runErr.Error()
	}
	msg := map[string]any{
		"status":      status,
		"error":       errMsg,
		"run_id":      stats.RunID,
		"started_at":  start.UTC().Format(time.RFC3339Nano),
		"ended_at":    end.UTC().Format(time.RFC3339Nano),
		"duration_ms": end.Sub(start).Milliseconds(),
		"read":        stats.Read,
		"compared":    stats.Compared,
		"skipped":     stats.Skipped,
		"failed":      stats.Failed,
		"chunks":      stats.Chunks,
		"archived_to": stats.ArchivedTo,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	sd := buildStructuredData("audit", map[string]string{
		"job":    r.job,
		"source": filepath.Base(source),
		"status": status,
		"run_id": stats.RunID,
	})
	return r.sender.SendRFC5424Timeout(appName, sd, string(b), r.timeout)
}

// buildStructuredData renders one SD-ELEMENT. Known keys come first in a fixed
// order, the rest sorted; empty values are dropped.
func buildStructuredData(sdID string, kv map[string]string) string {
	if sdID == "" {
		sdID = "audit"
	}
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(sdID)

	preferredOrder := []string{"job", "source", "status", "run_id"}
	seen := make(map[string]struct{}, len(kv))
	writeParam := func(k, v string) {
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=\"")
		b.WriteString(escapeSDParam(v))
		b.WriteString("\"")
	}
	for _, k := range preferredOrder {
		v, ok := kv[k]
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		seen[k] = struct{}{}
		writeParam(k, v)
	}
	extra := make([]string, 0, len(kv))
	for k, v := range kv {
		if _, ok := seen[k]; ok || strings.TrimSpace(v) == "" {
			continue
		}
		extra = append(extra, k)
	}
	sort.Strings(extra)
	for _, k := range extra {
		writeParam(k, kv[k])
	}
	b.WriteString("]")
	return b.String()
}

func escapeSDParam(v string) string {
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	v = strings.ReplaceAll(v, "]", "\\]")
	v = strings.ReplaceAll(v, "\n", " ")
	v = strings.ReplaceAll(v, "\r", " ")
	return v
}
