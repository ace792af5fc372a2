package proxy

import (
	"sort"
	"time"
)

// BackendMetrics holds aggregated attempt metrics for a backend.
// Canceled attempts count toward neither successes nor failures.
type BackendMetrics struct {
	Backend       string     `json:"backend"`
	TotalAttempts int        `json:"total_attempts"`
	SuccessCount  int        `json:"success_count"`
	FailureCount  int        `json:"failure_count"`
	AvgLatencyMs  float64    `json:"avg_latency_ms"`
	MinLatencyMs  int        `json:"min_latency_ms"`
	MaxLatencyMs  int        `json:"max_latency_ms"`
	SuccessRate   float64    `json:"success_rate"`
	LastSuccess   *time.Time `json:"last_success,omitempty"`
	LastFailure   *time.Time `json:"last_failure,omitempty"`
}

const metricsAggregate = `
	COUNT(*),
	COALESCE(SUM(CASE WHEN outcome = 'success' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN outcome NOT IN ('success', 'canceled') THEN 1 ELSE 0 END), 0),
	COALESCE(AVG(latency_ms), 0),
	COALESCE(MIN(latency_ms), 0),
	COALESCE(MAX(latency_ms), 0)
`

// GetBackendMetrics returns aggregated metrics for a backend since the given time.
func (ldb *LogDB) GetBackendMetrics(backend string, since time.Time) (*BackendMetrics, error) {
	if ldb == nil || ldb.db == nil {
		return &BackendMetrics{Backend: backend}, nil
	}

	m := &BackendMetrics{Backend: backend}
	err := ldb.db.QueryRow(`SELECT `+metricsAggregate+`
		FROM attempts
		WHERE backend = ? AND timestamp >= ?
	`, backend, formatTS(since)).Scan(
		&m.TotalAttempts,
		&m.SuccessCount,
		&m.FailureCount,
		&m.AvgLatencyMs,
		&m.MinLatencyMs,
		&m.MaxLatencyMs,
	)
	if err != nil {
		return nil, err
	}
	m.computeRate()

	m.LastSuccess = ldb.lastAttemptTime(backend, "outcome = 'success'")
	m.LastFailure = ldb.lastAttemptTime(backend, "outcome NOT IN ('success', 'canceled')")
	return m, nil
}

func (ldb *LogDB) lastAttemptTime(backend, cond string) *time.Time {
	var tsStr string
	err := ldb.db.QueryRow(`
		SELECT timestamp FROM attempts
		WHERE backend = ? AND `+cond+`
		ORDER BY timestamp DESC LIMIT 1
	`, backend).Scan(&tsStr)
	if err != nil {
		return nil
	}
	t, err := parseTS(tsStr)
	if err != nil {
		return nil
	}
	return &t
}

// GetAllBackendMetrics returns metrics for every backend with attempts since
// the given time.
func (ldb *LogDB) GetAllBackendMetrics(since time.Time) (map[string]*BackendMetrics, error) {
	if ldb == nil || ldb.db == nil {
		return make(map[string]*BackendMetrics), nil
	}

	rows, err := ldb.db.Query(`SELECT backend, `+metricsAggregate+`
		FROM attempts
		WHERE timestamp >= ?
		GROUP BY backend
	`, formatTS(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]*BackendMetrics)
	for rows.Next() {
		var m BackendMetrics
		if err := rows.Scan(
			&m.Backend,
			&m.TotalAttempts,
			&m.SuccessCount,
			&m.FailureCount,
			&m.AvgLatencyMs,
			&m.MinLatencyMs,
			&m.MaxLatencyMs,
		); err != nil {
			continue
		}
		m.computeRate()
		result[m.Backend] = &m
	}
	return result, rows.Err()
}

func (m *BackendMetrics) computeRate() {
	if m.TotalAttempts > 0 {
		m.SuccessRate = float64(m.SuccessCount) / float64(m.TotalAttempts) * 100
	}
}

// LatencyPoint represents a single data point for latency charts.
type LatencyPoint struct {
	Timestamp    time.Time `json:"timestamp"`
	AvgLatency   float64   `json:"avg_latency"`
	MinLatency   int       `json:"min_latency"`
	MaxLatency   int       `json:"max_latency"`
	Count        int       `json:"count"`
	FailureCount int       `json:"failure_count"`
	TotalLatency int       `json:"-"`
}

// GetLatencyHistory returns bucketed latency for a backend (for charts).
func (ldb *LogDB) GetLatencyHistory(backend string, since time.Time, bucketMinutes int) ([]LatencyPoint, error) {
	if ldb == nil || ldb.db == nil {
		return nil, nil
	}
	if bucketMinutes <= 0 {
		bucketMinutes = 5
	}

	rows, err := ldb.db.Query(`
		SELECT timestamp, latency_ms, outcome
		FROM attempts
		WHERE backend = ? AND timestamp >= ?
		ORDER BY timestamp ASC
	`, backend, formatTS(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	buckets := make(map[time.Time]*LatencyPoint)
	bucketDuration := time.Duration(bucketMinutes) * time.Minute

	for rows.Next() {
		var tsStr, outcome string
		var latency int
		if err := rows.Scan(&tsStr, &latency, &outcome); err != nil {
			continue
		}
		ts, err := parseTS(tsStr)
		if err != nil {
			continue
		}

		bucketTime := ts.Truncate(bucketDuration)
		bp, ok := buckets[bucketTime]
		if !ok {
			bp = &LatencyPoint{Timestamp: bucketTime}
			buckets[bucketTime] = bp
		}
		bp.Count++
		bp.TotalLatency += latency
		if latency < bp.MinLatency || bp.Count == 1 {
			bp.MinLatency = latency
		}
		if latency > bp.MaxLatency {
			bp.MaxLatency = latency
		}
		if Outcome(outcome) != OutcomeSuccess && Outcome(outcome) != OutcomeCanceled {
			bp.FailureCount++
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := make([]LatencyPoint, 0, len(buckets))
	for _, bp := range buckets {
		bp.AvgLatency = float64(bp.TotalLatency) / float64(bp.Count)
		result = append(result, *bp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Timestamp.Before(result[j].Timestamp) })
	return result, nil
}

// CleanupOld removes attempts and events older than maxAge.
func (ldb *LogDB) CleanupOld(maxAge time.Duration) (int64, error) {
	if ldb == nil || ldb.db == nil {
		return 0, nil
	}

	cutoff := formatTS(time.Now().Add(-maxAge))
	var total int64
	for _, table := range []string{"attempts", "events"} {
		result, err := ldb.db.Exec("DELETE FROM "+table+" WHERE timestamp < ?", cutoff)
		if err != nil {
			return total, err
		}
		n, _ := result.RowsAffected()
		total += n
	}
	return total, nil
}

// StartCleanup prunes records older than maxAge every interval until stop is
// closed.
func (ldb *LogDB) StartCleanup(maxAge, interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ldb.CleanupOld(maxAge)
			}
		}
	}()
}
