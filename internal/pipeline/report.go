package pipeline

// Reporter receives the user-facing progress of a run.
// Success and Failure are used for per-file outcomes.
type Reporter interface {
	Println(a ...any)
	Printf(format string, a ...any)
	Success(format string, a ...any)
	Failure(format string, a ...any)
}
