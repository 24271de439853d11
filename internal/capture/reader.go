package capture

import (
	"image"
	"sync"
	"time"

	"github.com/bryanchriswhite/CaptureBridge/internal/encoder"
)

// DefaultRowAlignment is the byte alignment of each row in a raw frame
const DefaultRowAlignment = 64

// AlignedRowStride returns the row stride of a width-pixel RGBA row rounded up
// to a multiple of align bytes
func AlignedRowStride(width, align int) int {
	stride := width * encoder.BytesPerPixel
	if align <= 1 {
		return stride
	}
	if rem := stride % align; rem != 0 {
		stride += align - rem
	}
	return stride
}

// RawFrame is one platform buffer held by an ImageReader. It implements
// encoder.Buffer; Close hands the memory back to the reader.
type RawFrame struct {
	pix         []byte
	width       int
	height      int
	rowStride   int
	timestamp   time.Time
	releaseOnce sync.Once
	release     func([]byte)
}

func (f *RawFrame) Bytes() []byte        { return f.pix }
func (f *RawFrame) PixelStride() int     { return encoder.BytesPerPixel }
func (f *RawFrame) RowStride() int       { return f.rowStride }
func (f *RawFrame) Width() int           { return f.width }
func (f *RawFrame) Height() int          { return f.height }
func (f *RawFrame) Timestamp() time.Time { return f.timestamp }

// Close releases the frame. Further calls are no-ops.
func (f *RawFrame) Close() {
	f.releaseOnce.Do(func() {
		if f.release != nil {
			f.release(f.pix)
		}
		f.pix = nil
	})
}

// ImageReader is a bounded queue of raw frames fed by a virtual display
type ImageReader struct {
	width     int
	height    int
	rowStride int
	maxImages int

	mu       sync.Mutex
	frames   []*RawFrame
	listener func()
	closed   bool
	dropped  uint64

	pool sync.Pool
}

// NewImageReader creates a reader producing width x height frames with rows
// aligned to rowAlign bytes. At most maxImages frames are held; the oldest
// is dropped when a new one arrives.
func NewImageReader(width, height, maxImages, rowAlign int) *ImageReader {
	if maxImages < 1 {
		maxImages = 1
	}
	r := &ImageReader{
		width:     width,
		height:    height,
		rowStride: AlignedRowStride(width, rowAlign),
		maxImages: maxImages,
	}
	size := r.rowStride * height
	r.pool.New = func() any {
		return make([]byte, size)
	}
	return r
}

// RowStride returns the byte length of one row including padding
func (r *ImageReader) RowStride() int {
	return r.rowStride
}

// Queue copies img into a new raw frame and notifies the listener
func (r *ImageReader) Queue(img *image.RGBA) error {
	frame := r.newFrame(img)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		frame.Close()
		return ErrReaderClosed
	}
	r.frames = append(r.frames, frame)
	var evicted []*RawFrame
	if over := len(r.frames) - r.maxImages; over > 0 {
		evicted = append(evicted, r.frames[:over]...)
		r.frames = append([]*RawFrame(nil), r.frames[over:]...)
		r.dropped += uint64(over)
	}
	listener := r.listener
	r.mu.Unlock()

	for _, f := range evicted {
		f.Close()
	}
	if listener != nil {
		listener()
	}
	return nil
}

func (r *ImageReader) newFrame(img *image.RGBA) *RawFrame {
	pix := r.pool.Get().([]byte)
	clear(pix)

	b := img.Bounds()
	w := min(b.Dx(), r.width)
	h := min(b.Dy(), r.height)
	for y := 0; y < h; y++ {
		src := img.Pix[img.PixOffset(b.Min.X, b.Min.Y+y):]
		copy(pix[y*r.rowStride:y*r.rowStride+w*encoder.BytesPerPixel], src[:w*encoder.BytesPerPixel])
	}

	return &RawFrame{
		pix:       pix,
		width:     r.width,
		height:    r.height,
		rowStride: r.rowStride,
		timestamp: time.Now(),
		release:   r.recycle,
	}
}

func (r *ImageReader) recycle(pix []byte) {
	if len(pix) == r.rowStride*r.height {
		r.pool.Put(pix)
	}
}

// SetListener installs fn. If frames are already pending, fn fires once.
func (r *ImageReader) SetListener(fn func()) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.listener = fn
	pending := fn != nil && len(r.frames) > 0
	r.mu.Unlock()

	if pending {
		fn()
	}
}

// AcquireLatest returns the newest pending frame and drops the rest
func (r *ImageReader) AcquireLatest() *RawFrame {
	r.mu.Lock()
	if r.closed || len(r.frames) == 0 {
		r.mu.Unlock()
		return nil
	}
	latest := r.frames[len(r.frames)-1]
	stale := r.frames[:len(r.frames)-1]
	r.frames = nil
	r.mu.Unlock()

	for _, f := range stale {
		f.Close()
	}
	return latest
}

// Pending returns the number of queued frames
func (r *ImageReader) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

// Dropped returns how many frames were evicted unread
func (r *ImageReader) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close drops pending frames and detaches the listener
func (r *ImageReader) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	frames := r.frames
	r.frames = nil
	r.listener = nil
	r.mu.Unlock()

	for _, f := range frames {
		f.Close()
	}
	return nil
}

// Closed reports whether Close has been called
func (r *ImageReader) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
