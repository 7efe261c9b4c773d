package buffer

import (
	"log"
	"unsafe"

	"golang.org/x/sys/unix"
)

// CodeType identifies one record within a PERF_ATTRS frame.
type CodeType int32

const (
	CodePea         CodeType = 1
	CodeKeys        CodeType = 2
	CodeFormat      CodeType = 3
	CodeMaps        CodeType = 4
	CodeComm        CodeType = 5
	CodeKeysOld     CodeType = 6
	CodeOnlineCPU   CodeType = 7
	CodeOfflineCPU  CodeType = 8
	CodeKallsyms    CodeType = 9
	CodeCounters    CodeType = 10
	CodeHeaderPage  CodeType = 11
	CodeHeaderEvent CodeType = 12
)

// AttrsBuffer marshals perf attribute and metadata records into PERF_ATTRS
// frames. A fresh buffer has the first frame already open; Flush closes the
// current frame, hands it to the consumer and opens the next one.
type AttrsBuffer struct {
	buf *Buffer
}

// NewAttrsBuffer creates the buffer and opens the initial frame. A fresh
// ring always has room for the frame header, so there is no space check.
func NewAttrsBuffer(size int) *AttrsBuffer {
	b := &AttrsBuffer{buf: NewBuffer(size)}
	b.buf.BeginFrame(FramePerfAttrs)
	b.buf.PackInt(0) // core (ignored)
	return b
}

// BytesAvailable returns the free space in the underlying ring.
func (b *AttrsBuffer) BytesAvailable() int {
	return b.buf.BytesAvailable()
}

// ReadFrame hands the next committed frame to the consumer.
func (b *AttrsBuffer) ReadFrame() []byte {
	return b.buf.ReadFrame()
}

// Close flushes the open frame and releases the reader.
func (b *AttrsBuffer) Close() {
	b.buf.EndFrame()
	b.buf.Flush()
	b.buf.Close()
}

// Flush closes the current frame, commits it, and opens a new one.
func (b *AttrsBuffer) Flush() {
	b.buf.EndFrame()
	b.buf.Flush()

	b.buf.WaitForSpace(frameLengthSize + 2*MaxSizePack32)
	b.buf.BeginFrame(FramePerfAttrs)
	b.buf.PackInt(0) // core (ignored)
}

// waitForSpace makes room for a record of up to n bytes, rolling over to a
// new frame when the open one cannot take it.
func (b *AttrsBuffer) waitForSpace(n int) {
	if b.buf.BytesAvailable() < n {
		b.Flush()
	}
	b.buf.WaitForSpace(n)
}

func attrBytes(attr *unix.PerfEventAttr) []byte {
	if attr.Size == 0 {
		attr.Size = uint32(unsafe.Sizeof(*attr))
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(attr)), int(attr.Size))
}

// MarshalPea emits one perf_event_attr with its key.
func (b *AttrsBuffer) MarshalPea(attr *unix.PerfEventAttr, key int32) {
	raw := attrBytes(attr)
	b.waitForSpace(2*MaxSizePack32 + len(raw))
	b.buf.PackInt(int32(CodePea))
	b.buf.WriteBytes(raw)
	b.buf.PackInt(key)
}

// MarshalKeys emits the perf-id to key mapping read back from the kernel.
func (b *AttrsBuffer) MarshalKeys(ids []uint64, keys []int32) {
	count := len(ids)
	b.waitForSpace(2*MaxSizePack32 + count*(MaxSizePack32+MaxSizePack64))
	b.buf.PackInt(int32(CodeKeys))
	b.buf.PackInt(int32(count))
	for i := 0; i < count; i++ {
		b.buf.PackInt64(int64(ids[i]))
		b.buf.PackInt(keys[i])
	}
}

// MarshalKeysOld emits the legacy key mapping record: the keys followed by
// the raw bytes read from the event fd.
func (b *AttrsBuffer) MarshalKeysOld(keys []int32, raw []byte) {
	b.waitForSpace((2+len(keys))*MaxSizePack32 + len(raw))
	b.buf.PackInt(int32(CodeKeysOld))
	b.buf.PackInt(int32(len(keys)))
	for _, k := range keys {
		b.buf.PackInt(k)
	}
	b.buf.WriteBytes(raw)
}

// MarshalFormat emits a tracepoint format description.
func (b *AttrsBuffer) MarshalFormat(format string) {
	b.waitForSpace(MaxSizePack32 + len(format) + 1)
	b.buf.PackInt(int32(CodeFormat))
	b.buf.WriteString(format)
}

// MarshalMaps emits one /proc/[pid]/maps snapshot. Files too large for the
// ring are dropped with a warning.
func (b *AttrsBuffer) MarshalMaps(pid, tid int32, maps string) {
	required := 3*MaxSizePack32 + len(maps) + 1
	if !b.buf.SupportsWriteOfSize(required) {
		log.Printf("Warning: proc maps file too large for buffer (%d > %d bytes), ignoring", required, b.buf.Size())
		return
	}
	b.waitForSpace(required)
	b.buf.PackInt(int32(CodeMaps))
	b.buf.PackInt(pid)
	b.buf.PackInt(tid)
	b.buf.WriteString(maps)
}

// MarshalComm emits the image path and command name for a thread.
func (b *AttrsBuffer) MarshalComm(pid, tid int32, image, comm string) {
	b.waitForSpace(3*MaxSizePack32 + len(image) + 1 + len(comm) + 1)
	b.buf.PackInt(int32(CodeComm))
	b.buf.PackInt(pid)
	b.buf.PackInt(tid)
	b.buf.WriteString(image)
	b.buf.WriteString(comm)
}

// OnlineCPU records that a core came online at the given timestamp.
func (b *AttrsBuffer) OnlineCPU(time uint64, cpu int32) {
	b.waitForSpace(MaxSizePack32 + MaxSizePack64)
	b.buf.PackInt(int32(CodeOnlineCPU))
	b.buf.PackInt64(int64(time))
	b.buf.PackInt(cpu)
}

// OfflineCPU records that a core went offline at the given timestamp.
func (b *AttrsBuffer) OfflineCPU(time uint64, cpu int32) {
	b.waitForSpace(MaxSizePack32 + MaxSizePack64)
	b.buf.PackInt(int32(CodeOfflineCPU))
	b.buf.PackInt64(int64(time))
	b.buf.PackInt(cpu)
}

// MarshalKallsyms emits the kernel symbol table. Tables too large for the
// ring are dropped with a warning.
func (b *AttrsBuffer) MarshalKallsyms(kallsyms string) {
	required := 3*MaxSizePack32 + len(kallsyms) + 1
	if !b.buf.SupportsWriteOfSize(required) {
		log.Printf("Warning: kallsyms file too large for buffer (%d > %d bytes), ignoring", required, b.buf.Size())
		return
	}
	b.waitForSpace(required)
	b.buf.PackInt(int32(CodeKallsyms))
	b.buf.WriteString(kallsyms)
}

// PerfCounterHeader opens one COUNTERS record. It reserves the whole
// footprint for the counters and footer so the follow-up calls never block.
func (b *AttrsBuffer) PerfCounterHeader(time uint64, numberOfCounters int) {
	b.waitForSpace(
		MaxSizePack32 + // code type
			MaxSizePack64 + // time
			numberOfCounters*(MaxSizePack32+MaxSizePack32+MaxSizePack64) + // core, key, value
			MaxSizePack32) // sentinel
	b.buf.PackInt(int32(CodeCounters))
	b.buf.PackInt64(int64(time))
}

// PerfCounter emits one counter triple inside an open COUNTERS record.
func (b *AttrsBuffer) PerfCounter(core, key int32, value int64) {
	b.buf.PackInt(core)
	b.buf.PackInt(key)
	b.buf.PackInt64(value)
}

// PerfCounterFooter terminates the open COUNTERS record.
func (b *AttrsBuffer) PerfCounterFooter() {
	b.buf.PackInt(-1)
}

// MarshalHeaderPage emits the ftrace header_page description.
func (b *AttrsBuffer) MarshalHeaderPage(headerPage string) {
	b.waitForSpace(MaxSizePack32 + len(headerPage) + 1)
	b.buf.PackInt(int32(CodeHeaderPage))
	b.buf.WriteString(headerPage)
}

// MarshalHeaderEvent emits the ftrace header_event description.
func (b *AttrsBuffer) MarshalHeaderEvent(headerEvent string) {
	b.waitForSpace(MaxSizePack32 + len(headerEvent) + 1)
	b.buf.PackInt(int32(CodeHeaderEvent))
	b.buf.WriteString(headerEvent)
}
