package watcher

// State 监听器的生命周期状态
type State int32

const (
	StateNotStarted State = iota
	StateStarting
	StateRunning
	StateFaulted
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "NotStarted"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateFaulted:
		return "Faulted"
	case StateDisposed:
		return "Disposed"
	}
	return "Unknown"
}

// Mode 当前后台任务使用的观察方式
type Mode int32

const (
	ModeNone Mode = iota
	ModePolling
	ModeSubscribing
)

func (m Mode) String() string {
	switch m {
	case ModePolling:
		return "polling"
	case ModeSubscribing:
		return "subscribing"
	}
	return "none"
}
