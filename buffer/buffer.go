// Package buffer implements the bounded frame ring that carries APC
// records from the capture side to the stream sender. Records are packed
// with the variable-length integer encoding used on the wire; the writer
// blocks against the consumer when the ring fills.
package buffer

import (
	"sync"
)

// Upper bounds for one packed integer.
const (
	MaxSizePack32 = 5
	MaxSizePack64 = 10
)

// Each frame starts with a 4-byte little-endian payload length, patched
// in when the frame is closed.
const frameLengthSize = 4

// FrameType identifies the outer frame kind on the APC stream.
type FrameType int32

const (
	FrameSummary    FrameType = 1
	FrameBacktrace  FrameType = 2
	FrameName       FrameType = 3
	FrameCounter    FrameType = 4
	FrameSchedTrace FrameType = 7
	FrameExternal   FrameType = 10
	FramePerfAttrs  FrameType = 11
	FramePerfData   FrameType = 12
)

// Buffer is a bounded byte ring shared between one producer and one
// consumer. The producer reserves space with WaitForSpace before packing
// bytes; the consumer takes whole frames with ReadFrame and thereby
// releases space back to the producer.
type Buffer struct {
	mu    sync.Mutex
	space *sync.Cond
	data  *sync.Cond

	buf  []byte
	size int

	// Absolute (non-wrapping) cursors. buf index is cursor % size.
	writeIndex  int64
	commitIndex int64
	readIndex   int64

	// Start cursor of the open frame's length word, or -1.
	frameStart int64

	closed bool
}

// NewBuffer creates a ring of the given size in bytes.
func NewBuffer(size int) *Buffer {
	b := &Buffer{
		buf:        make([]byte, size),
		size:       size,
		frameStart: -1,
	}
	b.space = sync.NewCond(&b.mu)
	b.data = sync.NewCond(&b.mu)
	return b
}

// Size returns the configured ring size.
func (b *Buffer) Size() int {
	return b.size
}

// BytesAvailable returns the number of bytes currently free for writing.
func (b *Buffer) BytesAvailable() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size - int(b.writeIndex-b.readIndex)
}

// SupportsWriteOfSize reports whether a record of n payload bytes can ever
// fit in this ring, accounting for the frame header overhead. Callers must
// check this before WaitForSpace for records of unbounded size: a request
// larger than the ring never completes.
func (b *Buffer) SupportsWriteOfSize(n int) bool {
	return n <= b.size-(frameLengthSize+MaxSizePack32)
}

// WaitForSpace blocks until at least n bytes are free. The caller must have
// guarded oversize records with SupportsWriteOfSize.
func (b *Buffer) WaitForSpace(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.size-int(b.writeIndex-b.readIndex) < n {
		b.space.Wait()
	}
}

func (b *Buffer) putByte(c byte) {
	b.buf[int(b.writeIndex%int64(b.size))] = c
	b.writeIndex++
}

// WriteBytes appends raw bytes. Space must already be reserved.
func (b *Buffer) WriteBytes(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range p {
		b.putByte(c)
	}
}

// WriteString appends the string plus a NUL terminator.
func (b *Buffer) WriteString(s string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < len(s); i++ {
		b.putByte(s[i])
	}
	b.putByte(0)
}

// PackInt packs a signed 32-bit value, 7 bits per byte with a continuation
// bit, little-endian first. At most MaxSizePack32 bytes.
func (b *Buffer) PackInt(x int32) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.packInt64Locked(int64(x))
}

// PackInt64 packs a signed 64-bit value. At most MaxSizePack64 bytes.
func (b *Buffer) PackInt64(x int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.packInt64Locked(x)
}

func (b *Buffer) packInt64Locked(x int64) int {
	n := 0
	for {
		c := byte(x & 0x7f)
		x >>= 7
		done := (x == 0 && c&0x40 == 0) || (x == -1 && c&0x40 != 0)
		if !done {
			c |= 0x80
		}
		b.putByte(c)
		n++
		if done {
			return n
		}
	}
}

// BeginFrame opens a frame of the given type. The length word is patched
// when the frame is closed.
func (b *Buffer) BeginFrame(frameType FrameType) {
	b.mu.Lock()
	b.frameStart = b.writeIndex
	for i := 0; i < frameLengthSize; i++ {
		b.putByte(0)
	}
	b.packInt64Locked(int64(frameType))
	b.mu.Unlock()
}

// EndFrame closes the open frame by patching its length word.
func (b *Buffer) EndFrame() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frameStart < 0 {
		return
	}
	length := uint32(b.writeIndex - b.frameStart - frameLengthSize)
	for i := 0; i < frameLengthSize; i++ {
		b.buf[int((b.frameStart+int64(i))%int64(b.size))] = byte(length >> (8 * i))
	}
	b.frameStart = -1
}

// Flush commits everything written so far to the consumer.
func (b *Buffer) Flush() {
	b.mu.Lock()
	b.commitIndex = b.writeIndex
	b.mu.Unlock()
	b.data.Signal()
}

// ReadFrame blocks until a whole frame is committed and returns its
// payload (without the length word). It returns nil once the buffer is
// closed and drained.
func (b *Buffer) ReadFrame() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.commitIndex == b.readIndex && !b.closed {
		b.data.Wait()
	}
	if b.commitIndex == b.readIndex {
		return nil
	}

	var length uint32
	for i := 0; i < frameLengthSize; i++ {
		length |= uint32(b.buf[int((b.readIndex+int64(i))%int64(b.size))]) << (8 * i)
	}
	b.readIndex += frameLengthSize

	payload := make([]byte, length)
	for i := range payload {
		payload[i] = b.buf[int((b.readIndex+int64(i))%int64(b.size))]
	}
	b.readIndex += int64(length)

	b.space.Broadcast()
	return payload
}

// Close wakes any blocked reader; subsequent ReadFrame calls drain what
// remains and then return nil.
func (b *Buffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.data.Broadcast()
}

// UnpackInt decodes one packed signed value from p, returning the value
// and the number of bytes consumed.
func UnpackInt(p []byte) (int64, int) {
	var x int64
	var shift uint
	for i, c := range p {
		x |= int64(c&0x7f) << shift
		shift += 7
		if c&0x80 == 0 {
			if shift < 64 && c&0x40 != 0 {
				x |= -1 << shift
			}
			return x, i + 1
		}
	}
	return 0, 0
}
