// Process lifecycle management: submission, state transitions, and
// priority scheduling over a ready heap.
package kernel

import (
	"container/heap"
	"fmt"
	"sync"
	"time"
)

// validTransitions is the process state machine. Running processes can
// be preempted back to ready, park in waiting on an interrupt, or
// block on exhausted resources; zombie is terminal.
var validTransitions = map[ProcessState]map[ProcessState]bool{
	ProcessStateNew: {
		ProcessStateReady:      true,
		ProcessStateTerminated: true,
	},
	ProcessStateReady: {
		ProcessStateRunning:    true,
		ProcessStateTerminated: true,
	},
	ProcessStateRunning: {
		ProcessStateReady:      true,
		ProcessStateWaiting:    true,
		ProcessStateBlocked:    true,
		ProcessStateTerminated: true,
	},
	ProcessStateWaiting: {
		ProcessStateReady:      true,
		ProcessStateTerminated: true,
	},
	ProcessStateBlocked: {
		ProcessStateReady:      true,
		ProcessStateTerminated: true,
	},
	ProcessStateTerminated: {
		ProcessStateZombie: true,
	},
	ProcessStateZombie: {},
}

// IsValidTransition reports whether the state machine allows from->to.
func IsValidTransition(from, to ProcessState) bool {
	return validTransitions[from][to]
}

// priorityItem is one ready-queue entry. Lower priority values pop
// first; createdAt breaks ties FIFO.
type priorityItem struct {
	pid       string
	priority  int
	createdAt time.Time
	index     int
}

type priorityQueue []*priorityItem

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].priority != pq[j].priority {
		return pq[i].priority < pq[j].priority
	}
	return pq[i].createdAt.Before(pq[j].createdAt)
}

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue) Push(x any) {
	item := x.(*priorityItem)
	item.index = len(*pq)
	*pq = append(*pq, item)
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*pq = old[:n-1]
	return item
}

var priorityValues = map[SchedulingPriority]int{
	PriorityRealtime: 0,
	PriorityHigh:     1,
	PriorityNormal:   2,
	PriorityLow:      3,
	PriorityIdle:     4,
}

// priorityValue maps a scheduling priority to its heap value; unknown
// priorities schedule as normal.
func priorityValue(p SchedulingPriority) int {
	if v, ok := priorityValues[p]; ok {
		return v
	}
	return priorityValues[PriorityNormal]
}

// LifecycleManager is the kernel scheduler: a process table plus a
// priority heap of ready pids. Safe for concurrent use.
type LifecycleManager struct {
	defaultQuota *ResourceQuota
	logger       Logger
	processes    map[string]*ProcessControlBlock
	readyQueue   priorityQueue
	mu           sync.RWMutex
}

func NewLifecycleManager(defaultQuota *ResourceQuota, logger Logger) *LifecycleManager {
	if defaultQuota == nil {
		defaultQuota = DefaultQuota()
	}
	lm := &LifecycleManager{
		defaultQuota: defaultQuota,
		logger:       logger,
		processes:    make(map[string]*ProcessControlBlock),
		readyQueue:   make(priorityQueue, 0),
	}
	heap.Init(&lm.readyQueue)
	return lm
}

func (lm *LifecycleManager) logDebug(msg string, fields ...any) {
	if lm.logger != nil {
		lm.logger.Debug(msg, fields...)
	}
}

func (lm *LifecycleManager) logInfo(msg string, fields ...any) {
	if lm.logger != nil {
		lm.logger.Info(msg, fields...)
	}
}

// enqueueReady pushes a pid onto the ready heap. Caller holds mu.
func (lm *LifecycleManager) enqueueReady(pcb *ProcessControlBlock, at time.Time) {
	heap.Push(&lm.readyQueue, &priorityItem{
		pid:       pcb.PID,
		priority:  priorityValue(pcb.Priority),
		createdAt: at,
	})
}

// markTerminated stamps completion and elapsed time. Caller holds mu.
func markTerminated(pcb *ProcessControlBlock, now time.Time) {
	pcb.State = ProcessStateTerminated
	pcb.CompletedAt = &now
	if pcb.StartedAt != nil {
		pcb.Usage.ElapsedSeconds = now.Sub(*pcb.StartedAt).Seconds()
	}
}

// Submit creates a process in NEW state. Resubmitting a pid returns
// the existing PCB rather than erroring, so retried submissions are
// idempotent.
func (lm *LifecycleManager) Submit(pid, requestID, userID, sessionID string, priority SchedulingPriority, quota *ResourceQuota) (*ProcessControlBlock, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if existing, ok := lm.processes[pid]; ok {
		return existing, nil
	}
	if quota == nil {
		quota = lm.defaultQuota
	}

	pcb := &ProcessControlBlock{
		PID:       pid,
		RequestID: requestID,
		UserID:    userID,
		SessionID: sessionID,
		State:     ProcessStateNew,
		Priority:  priority,
		Quota:     quota,
		Usage:     &ResourceUsage{},
		CreatedAt: time.Now().UTC(),
		ChildPIDs: []string{},
	}
	lm.processes[pid] = pcb

	lm.logDebug("process_submitted",
		"pid", pid, "request_id", requestID, "priority", string(priority))
	return pcb, nil
}

// Schedule moves a NEW process to READY and enqueues it.
func (lm *LifecycleManager) Schedule(pid string) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	pcb, ok := lm.processes[pid]
	if !ok {
		return fmt.Errorf("unknown pid: %s", pid)
	}
	if pcb.State != ProcessStateNew {
		return fmt.Errorf("cannot schedule pid %s: state is %s, expected new", pid, pcb.State)
	}

	pcb.State = ProcessStateReady
	lm.enqueueReady(pcb, pcb.CreatedAt)
	return nil
}

// GetNextRunnable pops the highest-priority ready process, moves it to
// RUNNING, and returns it. Entries whose process was removed or whose
// state changed since queuing are skipped. Returns nil when nothing is
// runnable.
func (lm *LifecycleManager) GetNextRunnable() *ProcessControlBlock {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	for lm.readyQueue.Len() > 0 {
		item := heap.Pop(&lm.readyQueue).(*priorityItem)

		pcb, ok := lm.processes[item.pid]
		if !ok || pcb.State != ProcessStateReady {
			continue
		}

		now := time.Now().UTC()
		pcb.State = ProcessStateRunning
		if pcb.StartedAt == nil {
			pcb.StartedAt = &now
		}
		pcb.LastScheduledAt = &now
		return pcb
	}
	return nil
}

// TransitionState moves a process to newState, enforcing the state
// machine. Transitions to READY re-enqueue the process.
func (lm *LifecycleManager) TransitionState(pid string, newState ProcessState, reason string) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	pcb, ok := lm.processes[pid]
	if !ok {
		return fmt.Errorf("unknown pid: %s", pid)
	}

	oldState := pcb.State
	if !IsValidTransition(oldState, newState) {
		return fmt.Errorf("invalid transition from %s to %s for pid %s", oldState, newState, pid)
	}

	switch newState {
	case ProcessStateReady:
		pcb.State = newState
		lm.enqueueReady(pcb, time.Now().UTC())
	case ProcessStateTerminated:
		markTerminated(pcb, time.Now().UTC())
	default:
		pcb.State = newState
	}

	lm.logDebug("process_state_changed",
		"pid", pid, "old_state", string(oldState),
		"new_state", string(newState), "reason", reason)
	return nil
}

// GetProcess looks up a process by pid.
func (lm *LifecycleManager) GetProcess(pid string) *ProcessControlBlock {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return lm.processes[pid]
}

// ListProcesses returns processes filtered by state and/or user.
func (lm *LifecycleManager) ListProcesses(state *ProcessState, userID string) []*ProcessControlBlock {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	var result []*ProcessControlBlock
	for _, pcb := range lm.processes {
		if state != nil && pcb.State != *state {
			continue
		}
		if userID != "" && pcb.UserID != userID {
			continue
		}
		result = append(result, pcb)
	}
	return result
}

// Terminate ends a process. Terminating a running process requires
// force; terminating an already-terminated process is a no-op.
func (lm *LifecycleManager) Terminate(pid, reason string, force bool) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	pcb, ok := lm.processes[pid]
	if !ok {
		return fmt.Errorf("unknown pid: %s", pid)
	}
	if pcb.IsTerminated() {
		return nil
	}
	if pcb.State == ProcessStateRunning && !force {
		return fmt.Errorf("cannot terminate running process %s without force", pid)
	}

	markTerminated(pcb, time.Now().UTC())

	lm.logInfo("process_terminated",
		"pid", pid, "reason", reason, "forced", force)
	return nil
}

// Cleanup removes a terminated process from the table.
func (lm *LifecycleManager) Cleanup(pid string) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	pcb, ok := lm.processes[pid]
	if !ok {
		return fmt.Errorf("unknown pid: %s", pid)
	}
	if !pcb.IsTerminated() {
		return fmt.Errorf("cannot cleanup active process %s (state: %s)", pid, pcb.State)
	}

	delete(lm.processes, pid)
	return nil
}

// CleanupTerminated removes terminated processes completed before the
// retention cutoff, returning how many were removed.
func (lm *LifecycleManager) CleanupTerminated(retention time.Duration) int {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	cutoff := time.Now().UTC().Add(-retention)
	removed := 0
	for pid, pcb := range lm.processes {
		if pcb.IsTerminated() && pcb.CompletedAt != nil && pcb.CompletedAt.Before(cutoff) {
			delete(lm.processes, pid)
			removed++
		}
	}
	return removed
}

// GetQueueDepth returns the ready-queue length.
func (lm *LifecycleManager) GetQueueDepth() int {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return lm.readyQueue.Len()
}

// GetProcessCount returns process counts keyed by state.
func (lm *LifecycleManager) GetProcessCount() map[ProcessState]int {
	lm.mu.RLock()
	defer lm.mu.RUnlock()

	counts := make(map[ProcessState]int)
	for _, pcb := range lm.processes {
		counts[pcb.State]++
	}
	return counts
}

// GetTotalProcesses returns the size of the process table.
func (lm *LifecycleManager) GetTotalProcesses() int {
	lm.mu.RLock()
	defer lm.mu.RUnlock()
	return len(lm.processes)
}
