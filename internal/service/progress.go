package service

// Progress receives cycle progress. Implementations must not block for long.
type Progress interface {
	Report(completed, total int, message string)
}

// ProgressFunc adapts a function to Progress.
type ProgressFunc func(completed, total int, message string)

// Report calls f.
func (f ProgressFunc) Report(completed, total int, message string) { f(completed, total, message) }

// ProgressEvent is one progress report delivered over a channel.
type ProgressEvent struct {
	Completed int
	Total     int
	Message   string
}

type chanProgress chan<- ProgressEvent

// ProgressChan delivers reports to ch, dropping them when ch is full.
func ProgressChan(ch chan<- ProgressEvent) Progress { return chanProgress(ch) }

func (c chanProgress) Report(completed, total int, message string) {
	select {
	case c <- ProgressEvent{Completed: completed, Total: total, Message: message}:
	default:
	}
}

type noProgress struct{}

func (noProgress) Report(int, int, string) {}
