// Package sched names the single contract the memory subsystem needs from
// the scheduler/task layer (explicitly out of scope per spec.md section 1):
// a way to ask "is the scheduler up yet?" and, once it is, "what address
// space does the current task run in?". Everything else about tasks
// (run queues, priorities, context switching) lives outside this
// repository.
package sched

// Task is the minimal view of a schedulable entity that the fault handler
// needs.
type Task struct {
	// AddressSpace is the virtual address space this task runs in,
	// stored as an opaque value (concretely a *vas.AddressSpace) so this
	// package does not need to import vas: vas already depends on sched
	// (to read CurrentTask while handling a fault), and a dependency the
	// other way would cycle. The vas package type-asserts this back to
	// its own *vas.AddressSpace; vmm only passes it through.
	AddressSpace interface{}
}

var (
	// ready tracks whether the scheduler has been initialized. Before
	// that point, a page fault cannot be resolved against "the current
	// task" and must escalate straight to a fatal dump (spec.md 4.4,
	// step 1 of the fault handler's decision tree).
	ready bool

	currentTask *Task
)

// Ready reports whether the scheduler has completed initialization.
func Ready() bool { return ready }

// MarkReady is called once by Kmain, at the end of boot, to signal that
// CurrentTask can now be trusted.
func MarkReady() { ready = true }

// CurrentTask returns the task running on this hart. Its result is only
// meaningful once Ready reports true.
func CurrentTask() *Task { return currentTask }

// SetCurrentTask installs t as the task running on this hart. Production
// callers are the context-switch path (out of scope here); tests call it
// directly to exercise the fault handler against a known address space.
func SetCurrentTask(t *Task) { currentTask = t }
