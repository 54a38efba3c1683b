package syncmetrics

import (
	"log/slog"
	"sync"
)

// Metrics is the passive health ledger of the synchronization pipeline.
// It counts, derives ratios, and answers Healthy(); it never gates
// behavior. One instance per process, constructed and injected.
type Metrics struct {
	mu sync.Mutex

	totalEventsReceived       int64
	ownActionsSkipped         int64
	externalActionsProcessed  int64
	duplicateEventsBlocked    int64
	duplicateAppointmentsSeen int64
	outOfOrderEvents          int64
	fullReloads               int64
	granularUpdates           int64
	optimisticAttempts        int64
	optimisticRollbacks       int64
	reconnections             int64
}

func New() *Metrics {
	return &Metrics{}
}

// RecordEventReceived counts one broadcast event, split own/external.
func (m *Metrics) RecordEventReceived(own bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalEventsReceived++
	if own {
		m.ownActionsSkipped++
	} else {
		m.externalActionsProcessed++
	}
}

func (m *Metrics) RecordDuplicateEvent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.duplicateEventsBlocked++
}

func (m *Metrics) RecordDuplicateAppointment() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.duplicateAppointmentsSeen++
}

func (m *Metrics) RecordOutOfOrderEvent() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outOfOrderEvents++
}

func (m *Metrics) RecordFullReload() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fullReloads++
}

func (m *Metrics) RecordGranularUpdate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.granularUpdates++
}

func (m *Metrics) RecordOptimisticAttempt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.optimisticAttempts++
}

func (m *Metrics) RecordOptimisticRollback() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.optimisticRollbacks++
}

func (m *Metrics) RecordReconnection() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnections++
}

func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalEventsReceived = 0
	m.ownActionsSkipped = 0
	m.externalActionsProcessed = 0
	m.duplicateEventsBlocked = 0
	m.duplicateAppointmentsSeen = 0
	m.outOfOrderEvents = 0
	m.fullReloads = 0
	m.granularUpdates = 0
	m.optimisticAttempts = 0
	m.optimisticRollbacks = 0
	m.reconnections = 0
}

// Snapshot is the raw counters plus the derived ratios.
type Snapshot struct {
	TotalEventsReceived       int64 `json:"total_events_received"`
	OwnActionsSkipped         int64 `json:"own_actions_skipped"`
	ExternalActionsProcessed  int64 `json:"external_actions_processed"`
	DuplicateEventsBlocked    int64 `json:"duplicate_events_blocked"`
	DuplicateAppointmentsSeen int64 `json:"duplicate_appointments_seen"`
	OutOfOrderEvents          int64 `json:"out_of_order_events"`
	FullReloads               int64 `json:"full_reloads"`
	GranularUpdates           int64 `json:"granular_updates"`
	OptimisticAttempts        int64 `json:"optimistic_attempts"`
	OptimisticRollbacks       int64 `json:"optimistic_rollbacks"`
	Reconnections             int64 `json:"reconnections"`

	DuplicateRate           float64 `json:"duplicate_rate"`
	VerificationSuccessRate float64 `json:"verification_success_rate"`
	OutOfOrderRate          float64 `json:"out_of_order_rate"`
	GranularUpdateRate      float64 `json:"granular_update_rate"`
	RollbackRate            float64 `json:"rollback_rate"`
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		TotalEventsReceived:       m.totalEventsReceived,
		OwnActionsSkipped:         m.ownActionsSkipped,
		ExternalActionsProcessed:  m.externalActionsProcessed,
		DuplicateEventsBlocked:    m.duplicateEventsBlocked,
		DuplicateAppointmentsSeen: m.duplicateAppointmentsSeen,
		OutOfOrderEvents:          m.outOfOrderEvents,
		FullReloads:               m.fullReloads,
		GranularUpdates:           m.granularUpdates,
		OptimisticAttempts:        m.optimisticAttempts,
		OptimisticRollbacks:       m.optimisticRollbacks,
		Reconnections:             m.reconnections,
	}
	if m.totalEventsReceived > 0 {
		total := float64(m.totalEventsReceived)
		s.DuplicateRate = float64(m.duplicateEventsBlocked) / total
		s.OutOfOrderRate = float64(m.outOfOrderEvents) / total
		s.VerificationSuccessRate = 1 - s.DuplicateRate - s.OutOfOrderRate
		if s.VerificationSuccessRate < 0 {
			s.VerificationSuccessRate = 0
		}
	} else {
		s.VerificationSuccessRate = 1
	}
	updates := m.fullReloads + m.granularUpdates
	if updates > 0 {
		s.GranularUpdateRate = float64(m.granularUpdates) / float64(updates)
	}
	if m.optimisticAttempts > 0 {
		s.RollbackRate = float64(m.optimisticRollbacks) / float64(m.optimisticAttempts)
	}
	return s
}

// Healthy applies the fixed policy thresholds: verification success above
// 95%, out-of-order below 10%, rollbacks below 5% of optimistic attempts.
func (m *Metrics) Healthy() bool {
	s := m.Snapshot()
	if s.VerificationSuccessRate <= 0.95 && s.TotalEventsReceived > 0 {
		return false
	}
	if s.OutOfOrderRate >= 0.10 && s.TotalEventsReceived > 0 {
		return false
	}
	if s.OptimisticAttempts > 0 && s.RollbackRate >= 0.05 {
		return false
	}
	return true
}

// LogSummary is the manual debug surface.
func (m *Metrics) LogSummary(logger *slog.Logger) {
	s := m.Snapshot()
	logger.Info("sync health summary",
		"events_total", s.TotalEventsReceived,
		"own_skipped", s.OwnActionsSkipped,
		"external_processed", s.ExternalActionsProcessed,
		"duplicates_blocked", s.DuplicateEventsBlocked,
		"out_of_order", s.OutOfOrderEvents,
		"full_reloads", s.FullReloads,
		"reconnections", s.Reconnections,
		"verification_success_rate", s.VerificationSuccessRate,
		"healthy", m.Healthy(),
	)
}
