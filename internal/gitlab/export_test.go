package gitlab

// DurationSeconds exposes the duration resolution rule to tests.
var DurationSeconds = durationSeconds
