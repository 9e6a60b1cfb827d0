package poller

// RefreshSignals exposes the wake channel so tests can assert that repeated
// ForceRefresh calls collapse into a single pending signal.
func RefreshSignals(m *Monitor) <-chan struct{} {
	return m.refresh
}
