package preload

// Phase 是单次运行在状态机中的位置。
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLoading
	PhaseFlashing
	PhaseDelaying
	PhaseCompleted
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseLoading:
		return "loading"
	case PhaseFlashing:
		return "flashing"
	case PhaseDelaying:
		return "delaying"
	case PhaseCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// State 是预加载状态的只读快照。
//
// 不变式：
// - CurrentlyLoading 非空 <=> 处于 Loading/Flashing（两图之间与完成后为空）
// - AllCompleted=true 时 CurrentlyLoading 为空
type State struct {
	RunID string
	Phase Phase
	// Index 是当前游标（Idle 时为 -1，Completed 时等于 Total）。
	Index int
	Total int

	CurrentlyLoading string
	LoadedImages     map[string]struct{}
	IsFlashing       bool
	AllCompleted     bool

	// Failed 记录失败 URL 的原因，仅供报告使用；不影响 LoadedImages 的语义。
	Failed map[string]error
}

func newState(runID string, total int) State {
	return State{
		RunID:        runID,
		Phase:        PhaseIdle,
		Index:        -1,
		Total:        total,
		LoadedImages: make(map[string]struct{}, total),
		Failed:       make(map[string]error),
	}
}

func (s State) clone() State {
	out := s
	out.LoadedImages = make(map[string]struct{}, len(s.LoadedImages))
	for k := range s.LoadedImages {
		out.LoadedImages[k] = struct{}{}
	}
	out.Failed = make(map[string]error, len(s.Failed))
	for k, v := range s.Failed {
		out.Failed[k] = v
	}
	return out
}

func (s State) IsImageLoaded(url string) bool {
	_, ok := s.LoadedImages[url]
	return ok
}

func (s State) IsImageCurrentlyLoading(url string) bool {
	return url != "" && s.CurrentlyLoading == url
}

// ShouldFlash 为 true 当且仅当 url 正在加载且处于闪烁窗口。
func (s State) ShouldFlash(url string) bool {
	return s.IsImageCurrentlyLoading(url) && s.IsFlashing
}

func (s State) LoadedCount() int { return len(s.LoadedImages) }

func (s State) TotalCount() int { return s.Total }
