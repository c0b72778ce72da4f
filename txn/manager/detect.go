package manager

import (
	"time"

	"github.com/pingcap-incubator/tinytxn/txn"
	"github.com/pingcap-incubator/tinytxn/txn/arbiter"
	"github.com/pingcap-incubator/tinytxn/txn/deadlock"
	"github.com/pingcap-incubator/tinytxn/txn/txnstore"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const defaultReportHistory = 128

// Detect runs one detection pass and resolves every cycle it finds, one
// victim at a time. It returns the reports of this pass.
func (m *Manager) Detect() []deadlock.Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.detectLocked()
}

func (m *Manager) detectLocked() []deadlock.Report {
	start := time.Now()
	defer func() { detectDuration.Observe(time.Since(start).Seconds()) }()

	var reports []deadlock.Report
	for {
		txns := m.store.Live()
		cycle := deadlock.Detect(txns, m.registry.Holders())
		if cycle == nil {
			break
		}
		byID := make(map[txn.TxnID]txnstore.Transaction, len(txns))
		for _, t := range txns {
			byID[t.ID] = t
		}
		v := arbiter.SelectVictim(cycle, byID)
		report := deadlock.Report{Cycle: cycle, Victim: v, DetectedAt: time.Now()}
		log.Warn("deadlock detected", zap.Stringer("report", report))
		deadlockCounter.Inc()
		m.recordReport(report)
		reports = append(reports, report)
		m.abortLocked(v, &txn.ErrDeadlock{Cycle: cycle, Victim: v})
		if t, ok := m.store.Get(v); ok && !t.State.IsTerminal() {
			log.Error("deadlock victim not aborted", zap.String("txn", string(v)))
			break
		}
	}
	if len(reports) > 0 {
		m.updateGaugesLocked()
	}
	return reports
}

func (m *Manager) recordReport(r deadlock.Report) {
	limit := m.cfg.ReportHistory
	if limit <= 0 {
		limit = defaultReportHistory
	}
	m.reportMu.Lock()
	m.reports = append(m.reports, r)
	if over := len(m.reports) - limit; over > 0 {
		m.reports = append([]deadlock.Report(nil), m.reports[over:]...)
	}
	m.reportMu.Unlock()
}

// Reports returns the most recent deadlock reports, oldest first.
func (m *Manager) Reports() []deadlock.Report {
	m.reportMu.Lock()
	defer m.reportMu.Unlock()
	return append([]deadlock.Report(nil), m.reports...)
}
