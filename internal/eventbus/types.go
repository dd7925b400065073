package eventbus

// Event types published by the timer registry.
const (
	TimerStarted = "timer.started"
	TimerStopped = "timer.stopped"
	TimerPaused  = "timer.paused"
	TimerResumed = "timer.resumed"
	TimerFired   = "timer.fired"
	TimerFailed  = "timer.failed"
	TimerSkipped = "timer.skipped"

	CircuitOpened = "circuit.opened"
	CircuitClosed = "circuit.closed"

	DriftRepaired     = "drift.repaired"
	RecoveryCompleted = "recovery.completed"
	HealthCheckFailed = "health.check_failed"
)
