package pipewire

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/CaptureBridge/internal/logger"
)

const probeTimeout = 10 * time.Second

// ErrNoFrame is returned by Grab before the first frame has arrived
var ErrNoFrame = errors.New("no frame received yet")

// GstStream reads raw RGBA frames of a PipeWire node from a gst-launch-1.0
// subprocess. Running GStreamer out of process keeps cgo out of the binary.
type GstStream struct {
	nodeID uint32
	width  int
	height int

	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.RWMutex
	latest *image.RGBA
	frames uint64

	closeOnce sync.Once
}

// StartGstStream launches the pipeline. Width and height come from the portal
// stream size; when zero they are probed from the negotiated caps.
func StartGstStream(nodeID uint32, width, height int) (*GstStream, error) {
	log := logger.WithComponent("gst-stream")

	if width <= 0 || height <= 0 {
		w, h, err := probeVideoDimensions(nodeID)
		if err != nil {
			return nil, err
		}
		width, height = w, h
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, "gst-launch-1.0", pipelineArgs(nodeID, width, height)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start gst-launch: %w", err)
	}

	s := &GstStream{
		nodeID: nodeID,
		width:  width,
		height: height,
		cmd:    cmd,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.readFrames(stdout)
	go logStderr(stderr)

	log.Info().
		Uint32("node_id", nodeID).
		Int("pid", cmd.Process.Pid).
		Int("width", width).
		Int("height", height).
		Msg("GStreamer subprocess started")
	return s, nil
}

// pipelineArgs builds: pipewiresrc ! videoconvert ! videoscale ! RGBA caps ! fdsink
func pipelineArgs(nodeID uint32, width, height int) []string {
	return []string{
		"-q",
		"pipewiresrc", fmt.Sprintf("path=%d", nodeID), "do-timestamp=true", "!",
		"videoconvert", "!",
		"videoscale", "!",
		fmt.Sprintf("video/x-raw,format=RGBA,width=%d,height=%d", width, height), "!",
		"fdsink", "fd=1", "sync=false",
	}
}

// probeVideoDimensions runs a one-buffer pipeline and parses the caps
func probeVideoDimensions(nodeID uint32) (int, int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "gst-launch-1.0", "-v",
		"pipewiresrc", fmt.Sprintf("path=%d", nodeID), "num-buffers=1", "!", "fakesink")
	output, err := cmd.CombinedOutput()
	if err != nil {
		logger.WithComponent("gst-stream").Debug().Str("output", string(output)).Msg("Probe command output")
	}

	if w, h, ok := parseCapsDimensions(string(output)); ok {
		return w, h, nil
	}
	return 0, 0, fmt.Errorf("could not determine video dimensions of node %d", nodeID)
}

// parseCapsDimensions finds the first video/x-raw caps line carrying a size,
// e.g. "caps = video/x-raw, format=(string)BGRx, width=(int)2560, height=(int)1440"
func parseCapsDimensions(output string) (int, int, bool) {
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, "video/x-raw") {
			continue
		}
		w := extractIntFromCaps(line, "width")
		h := extractIntFromCaps(line, "height")
		if w > 0 && h > 0 {
			return w, h, true
		}
	}
	return 0, 0, false
}

// extractIntFromCaps reads "key=(int)N" or "key=N" from a caps string
func extractIntFromCaps(caps, key string) int {
	for _, pattern := range []string{key + "=(int)", key + "="} {
		idx := strings.Index(caps, pattern)
		if idx < 0 {
			continue
		}
		start := idx + len(pattern)
		end := start
		for end < len(caps) && caps[end] >= '0' && caps[end] <= '9' {
			end++
		}
		if end > start {
			if v, err := strconv.Atoi(caps[start:end]); err == nil {
				return v
			}
		}
	}
	return 0
}

func (s *GstStream) readFrames(stdout io.Reader) {
	defer close(s.done)
	log := logger.WithComponent("gst-stream")

	frameSize := s.width * s.height * 4
	reader := bufio.NewReaderSize(stdout, frameSize)

	for {
		img := image.NewRGBA(image.Rect(0, 0, s.width, s.height))
		if _, err := io.ReadFull(reader, img.Pix); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				log.Error().Err(err).Msg("Error reading frame")
			}
			log.Debug().Uint32("node_id", s.nodeID).Msg("GStreamer stream ended")
			return
		}

		s.mu.Lock()
		s.latest = img
		s.frames++
		s.mu.Unlock()
	}
}

func logStderr(stderr io.Reader) {
	log := logger.WithComponent("gst-stream")
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "ERROR") || strings.Contains(line, "WARN") {
			log.Warn().Str("gst", line).Msg("GStreamer message")
		} else {
			log.Debug().Str("gst", line).Msg("GStreamer output")
		}
	}
}

func (s *GstStream) Name() string {
	return fmt.Sprintf("pipewire:%d", s.nodeID)
}

// Bounds returns the stream frame area
func (s *GstStream) Bounds() image.Rectangle {
	return image.Rect(0, 0, s.width, s.height)
}

// Grab returns rect cut out of the most recent frame
func (s *GstStream) Grab(rect image.Rectangle) (*image.RGBA, error) {
	s.mu.RLock()
	frame := s.latest
	s.mu.RUnlock()

	if frame == nil {
		return nil, ErrNoFrame
	}
	return cropFrame(frame, rect)
}

func cropFrame(frame *image.RGBA, rect image.Rectangle) (*image.RGBA, error) {
	r := rect.Intersect(frame.Bounds())
	if r.Empty() {
		return nil, fmt.Errorf("region %v outside frame %v", rect, frame.Bounds())
	}
	out := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	for y := 0; y < r.Dy(); y++ {
		src := frame.PixOffset(r.Min.X, r.Min.Y+y)
		copy(out.Pix[y*out.Stride:y*out.Stride+r.Dx()*4], frame.Pix[src:src+r.Dx()*4])
	}
	return out, nil
}

// Close kills the subprocess and waits for the reader
func (s *GstStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		s.cmd.Wait()
		logger.WithComponent("gst-stream").Info().Uint32("node_id", s.nodeID).Msg("GStreamer subprocess stopped")
	})
	return nil
}
