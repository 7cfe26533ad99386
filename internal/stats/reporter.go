package stats

import (
	"fmt"
	"strings"
	"time"

	"gtpsim/internal/scenario"
)

// FormatReport renders the final plain-text statistics summary printed on
// exit, mirroring the layout of the live display.
func FormatReport(c *Collector, scn *scenario.Scenario) string {
	snap := c.Snapshot()

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("\n=== GTP-C Simulator Statistics (elapsed: %s) ===\n",
		snap.Elapsed.Round(time.Second)))
	sb.WriteString("Sessions:\n")
	sb.WriteString(fmt.Sprintf("  Created: %d  |  In-Flight: %d  |  Completed: %d  |  Aborted: %d  |  Dead-Calls: %d\n",
		snap.SessionsCreated, snap.Sessions, snap.SessionsSucc, snap.SessionsFail, snap.DeadCalls))
	sb.WriteString(fmt.Sprintf("  Unroutable datagrams: %d\n", snap.Unexpected))

	if scn != nil {
		sb.WriteString("Jobs:\n")
		for _, job := range scn.Jobs {
			switch job.Type {
			case scenario.JobSend:
				sb.WriteString(fmt.Sprintf("  %-28s --->  sent=%-7d retrans=%-7d timeout=%d\n",
					job.Name, job.Sent.Load(), job.SentRetrans.Load(), job.Timeouts.Load()))
			case scenario.JobRecv:
				sb.WriteString(fmt.Sprintf("  %-28s <---  recv=%-7d retrans=%-7d unexpected=%d\n",
					job.Name, job.Recv.Load(), job.RecvRetrans.Load(), job.Unexpected.Load()))
			case scenario.JobWait:
				sb.WriteString(fmt.Sprintf("  [Wait %d ms]\n", job.WaitMs))
			}
		}
	}
	sb.WriteString("================================================\n")
	return sb.String()
}
