package sdk

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// TaskState 诊断任务状态
type TaskState string

const (
	StateInitializing   TaskState = "initializing"
	StateAIFetching     TaskState = "ai_fetching"
	StateAnalyzing      TaskState = "analyzing"
	StateCompleted      TaskState = "completed"
	StatePartialSuccess TaskState = "partial_success"
	StateFailed         TaskState = "failed"
	StateTimeout        TaskState = "timeout"
)

// AllStates 全部状态（按生命周期顺序）
var AllStates = []TaskState{
	StateInitializing,
	StateAIFetching,
	StateAnalyzing,
	StateCompleted,
	StatePartialSuccess,
	StateFailed,
	StateTimeout,
}

// Valid 检查状态是否有效
func (s TaskState) Valid() bool {
	switch s {
	case StateInitializing, StateAIFetching, StateAnalyzing,
		StateCompleted, StatePartialSuccess, StateFailed, StateTimeout:
		return true
	default:
		return false
	}
}

// IsTerminal 是否终态
func (s TaskState) IsTerminal() bool {
	switch s {
	case StateCompleted, StatePartialSuccess, StateFailed, StateTimeout:
		return true
	default:
		return false
	}
}

// ShouldStopPolling 是否应停止轮询。
// 目前与 IsTerminal 一致，但两者语义不同，保持独立。
func (s TaskState) ShouldStopPolling() bool {
	switch s {
	case StateCompleted, StatePartialSuccess, StateFailed, StateTimeout:
		return true
	default:
		return false
	}
}

// IsSuccess 终态中视为成功交付结果的状态
func (s TaskState) IsSuccess() bool {
	return s == StateCompleted || s == StatePartialSuccess
}

func (s TaskState) String() string { return string(s) }

// ParseTaskState 解析服务端返回的状态字符串（忽略大小写，兼容 "-"）
func ParseTaskState(raw string) (TaskState, error) {
	norm := strings.ToLower(strings.TrimSpace(raw))
	norm = strings.ReplaceAll(norm, "-", "_")
	s := TaskState(norm)
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrProtocolParse, raw)
	}
	return s, nil
}

// Event 状态机事件
type Event string

const (
	EventSucceed         Event = "succeed"
	EventFail            Event = "fail"
	EventAllComplete     Event = "all_complete"
	EventPartialComplete Event = "partial_complete"
	EventAllFail         Event = "all_fail"
	EventTimeout         Event = "timeout"
	EventPartialSucceed  Event = "partial_succeed"
)

// AllEvents 全部事件
var AllEvents = []Event{
	EventSucceed,
	EventFail,
	EventAllComplete,
	EventPartialComplete,
	EventAllFail,
	EventTimeout,
	EventPartialSucceed,
}

type transitionKey struct {
	from  TaskState
	event Event
}

var transitions = map[transitionKey]TaskState{
	{StateInitializing, EventSucceed}: StateAIFetching,
	{StateInitializing, EventFail}:    StateFailed,

	{StateAIFetching, EventAllComplete}:     StateAnalyzing,
	{StateAIFetching, EventPartialComplete}: StateAnalyzing,
	{StateAIFetching, EventAllFail}:         StateFailed,
	{StateAIFetching, EventTimeout}:         StateTimeout,

	{StateAnalyzing, EventSucceed}:        StateCompleted,
	{StateAnalyzing, EventPartialSucceed}: StatePartialSuccess,
	{StateAnalyzing, EventFail}:           StateFailed,
}

// IllegalTransitionError 非法状态转换
type IllegalTransitionError struct {
	From  TaskState
	Event Event
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition: %s --%s-->", e.From, e.Event)
}

// Unwrap 使 errors.Is(err, ErrIllegalTransition) 成立
func (e *IllegalTransitionError) Unwrap() error { return ErrIllegalTransition }

// Transition 根据转换表计算下一个状态，未定义的 (状态, 事件) 组合返回 IllegalTransitionError
func Transition(current TaskState, ev Event) (TaskState, error) {
	next, ok := transitions[transitionKey{current, ev}]
	if !ok {
		return current, &IllegalTransitionError{From: current, Event: ev}
	}
	return next, nil
}

// Reachable 判断 to 是否可由 from 经过零步或多步合法转换到达
func Reachable(from, to TaskState) bool {
	if from == to {
		return true
	}
	seen := map[TaskState]bool{from: true}
	queue := []TaskState{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for k, next := range transitions {
			if k.from != cur || seen[next] {
				continue
			}
			if next == to {
				return true
			}
			seen[next] = true
			queue = append(queue, next)
		}
	}
	return false
}

// StateMachine 单个任务的本地状态模型
type StateMachine struct {
	state    TaskState
	progress int
	log      zerolog.Logger
}

// NewStateMachine 创建状态机，初始状态为 initializing
func NewStateMachine(log zerolog.Logger) *StateMachine {
	return &StateMachine{state: StateInitializing, log: log}
}

// State 当前状态
func (m *StateMachine) State() TaskState { return m.state }

// Progress 当前进度
func (m *StateMachine) Progress() int { return m.progress }

// Fire 应用事件；非法转换时状态不变
func (m *StateMachine) Fire(ev Event) (TaskState, error) {
	next, err := Transition(m.state, ev)
	if err != nil {
		return m.state, err
	}
	m.state = next
	return next, nil
}

// UpdateProgress 更新进度，截断到 [0,100]，回退只记录告警
func (m *StateMachine) UpdateProgress(v int) int {
	v = clampProgress(v)
	if v < m.progress {
		m.log.Warn().Int("previous", m.progress).Int("progress", v).Msg("任务进度回退")
	}
	m.progress = v
	return v
}

// Observe 记录服务端报告的状态。服务端为准，本地模型认为不可达时只告警并返回 false。
func (m *StateMachine) Observe(next TaskState) bool {
	ok := Reachable(m.state, next)
	if !ok {
		m.log.Warn().
			Str("from", m.state.String()).
			Str("to", next.String()).
			Msg("服务端状态与本地模型不一致")
	}
	m.state = next
	return ok
}

func clampProgress(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// IsIllegalTransition 判断错误是否为非法状态转换
func IsIllegalTransition(err error) bool {
	return errors.Is(err, ErrIllegalTransition)
}
