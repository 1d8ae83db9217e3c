// Package proc implements the contract-only process/thread lifecycle
// glue of spec.md section 4.9, grounded on
// original_source/src/threads/thread.h (the thread struct's id,
// parent, children, open-file list, cwd, fd/mapping counters) and
// original_source/src/userprog/process.c's process_execute/
// process_wait semaphore handshake (load_sema/parent_load_sema/
// signal). The surrounding syscall dispatch and ELF loading this
// handshake serves are out of scope (spec.md section 1's non-goals);
// this package only carries the bookkeeping structures and the two
// operations (exec, wait) spec.md section 4.9 names explicitly.
package proc

import (
	"sync"

	"github.com/kapilsinha/eduos-vmfs/fs"
	"github.com/kapilsinha/eduos-vmfs/ksync"
	"github.com/kapilsinha/eduos-vmfs/vm"
)

// ID identifies a thread/process, matching Pintos's tid_t.
type ID int

// ErrorID is the sentinel returned by Exec on failure, matching
// Pintos's TID_ERROR.
const ErrorID ID = -1

// FileDescriptor is one entry in a thread's open-file-descriptor list.
type FileDescriptor struct {
	FD   int
	File *fs.FileHandle
	Dir  *fs.DirHandle
}

// ChildProcess is the parent-side record of one child thread (spec.md
// section 4.9: "a child-process record holds: child id, exit status, a
// load-completion semaphore, a parent-ack semaphore, a load-success
// flag, and a zombie signal semaphore").
type ChildProcess struct {
	ChildID ID

	mu         sync.Mutex
	exitStatus int
	waited     bool

	LoadSema       *ksync.Sema // downed by the parent, upped by the child once it has attempted to load
	ParentAckSema  *ksync.Sema // downed by the child, upped by the parent once it has recorded the child
	LoadSuccess    bool
	ZombieSema     *ksync.Sema // upped by the child at exit, downed by the parent in Wait
}

// NewChildProcess constructs a just-created child-process record
// before the child thread has reported load success.
func NewChildProcess(id ID) *ChildProcess {
	return &ChildProcess{
		ChildID:       id,
		LoadSema:      ksync.NewSema(0),
		ParentAckSema: ksync.NewSema(0),
		ZombieSema:    ksync.NewSema(0),
	}
}

// Thread is a process/thread record (spec.md section 4.9: "id, parent
// pointer, list of immediate children, list of file descriptors,
// current working directory handle, next-fd and next-mapping
// counters, a supplemental page table, an mmap table").
type Thread struct {
	ID     ID
	Parent *Thread

	mu       sync.Mutex
	children []*ChildProcess
	files    []*FileDescriptor
	nextFD   int
	nextMap  int

	Cwd   *fs.Inode
	Supp  *vm.Table
	Mmaps *vm.MmapTable
}

// NewThread constructs a root or child thread record. cwd, supp, and
// mmaps are the per-process state this package's callers (an exec
// implementation, or a test harness) are responsible for constructing,
// since ELF loading itself is out of scope.
func NewThread(id ID, parent *Thread, cwd *fs.Inode, supp *vm.Table, mmaps *vm.MmapTable) *Thread {
	return &Thread{
		ID:      id,
		Parent:  parent,
		nextFD:  2, // fd 0/1 reserved for stdin/stdout per spec.md's syscall surface
		Cwd:     cwd,
		Supp:    supp,
		Mmaps:   mmaps,
	}
}

// AddChild registers a newly created child thread and returns its
// record, to be populated by the (out-of-scope) loader.
func (t *Thread) AddChild(id ID) *ChildProcess {
	c := NewChildProcess(id)
	t.mu.Lock()
	t.children = append(t.children, c)
	t.mu.Unlock()
	return c
}

// ChildByID finds a still-tracked child record by id, or nil.
func (t *Thread) ChildByID(id ID) *ChildProcess {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.children {
		if c.ChildID == id {
			return c
		}
	}
	return nil
}

// AllocFD reserves the next file descriptor number and records its
// handle.
func (t *Thread) AllocFD(file *fs.FileHandle, dir *fs.DirHandle) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	fd := t.nextFD
	t.nextFD++
	t.files = append(t.files, &FileDescriptor{FD: fd, File: file, Dir: dir})
	return fd
}

// Descriptor looks up an open file descriptor by number.
func (t *Thread) Descriptor(fd int) *FileDescriptor {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, d := range t.files {
		if d.FD == fd {
			return d
		}
	}
	return nil
}

// CloseDescriptor removes fd from the thread's open-file list.
func (t *Thread) CloseDescriptor(fd int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, d := range t.files {
		if d.FD == fd {
			t.files = append(t.files[:i], t.files[i+1:]...)
			return
		}
	}
}

// NextMappingID reserves the next mmap mapping id.
func (t *Thread) NextMappingID() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	id := t.nextMap
	t.nextMap++
	return id
}

// Exec waits for a newly created child thread to report whether its
// (out-of-scope) program load succeeded, returning the child's id or
// ErrorID (spec.md section 4.9: "exec downs the child's
// load-completion semaphore after thread creation and reports -1 if
// load failed").
func Exec(child *ChildProcess) ID {
	child.LoadSema.Down()
	if !child.LoadSuccess {
		return ErrorID
	}
	return child.ChildID
}

// ReportLoad is called by the child thread once its program load has
// been attempted, unblocking the parent's Exec.
func ReportLoad(child *ChildProcess, success bool) {
	child.mu.Lock()
	child.LoadSuccess = success
	child.mu.Unlock()
	child.LoadSema.Up()
}

// Exit records a thread's final exit status and wakes any parent
// blocked in Wait (spec.md section 4.9's zombie signal semaphore).
func Exit(child *ChildProcess, status int) {
	child.mu.Lock()
	child.exitStatus = status
	child.mu.Unlock()
	child.ZombieSema.Up()
}

// Wait blocks until child has exited, then returns its exit status
// exactly once; a second Wait on the same child returns -1 (spec.md
// section 4.9: "wait downs the zombie semaphore and returns the
// child's exit status exactly once").
func Wait(child *ChildProcess) int {
	child.mu.Lock()
	if child.waited {
		child.mu.Unlock()
		return -1
	}
	child.waited = true
	child.mu.Unlock()

	child.ZombieSema.Down()

	child.mu.Lock()
	defer child.mu.Unlock()
	return child.exitStatus
}

// ExitCleanup tears down a thread's per-process state on exit (spec.md
// section 4.7's "process exit walks the supplemental table ... then
// destroy the table" and section 4.8's "all maps are torn down on
// process exit").
func (t *Thread) ExitCleanup() {
	if t.Mmaps != nil {
		t.Mmaps.ExitAll()
	}
	if t.Supp != nil {
		t.Supp.Exit()
	}
}
