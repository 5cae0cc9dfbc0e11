// Package motion implements the host-facing side of the Motion FFI
// Surface: a handle-bound detector that classifies moving blobs against a
// running background model and tracks them across frames. Grounded on
// original_source/local-api/native/motion_detector.cpp (grayscale ->
// Gaussian-blur-approximation -> absdiff -> threshold -> dilate -> EMA
// background update -> contour extraction -> nearest-centroid tracking ->
// persistence/variance classification) and motion_lib.cpp's handle-based
// create/destroy/process_frame_* contract.
//
// The donor links OpenCV; nothing in this codebase's dependency pack
// provides image processing, so the pixel pipeline below is implemented
// directly on the standard library's image package rather than adopting
// an unrelated out-of-pack import.
package motion

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // frame decoding support alongside JPEG
	"math"
	"sync"

	"github.com/google/uuid"
)

// Zone is an excluded rectangular region in pixel space.
type Zone struct {
	X, Y, W, H int
}

// Config tunes one Handle's detection thresholds.
type Config struct {
	Width             int
	Height            int
	MinAreaRatio      float64
	MinFrames         int
	MaxStaticVariance float64
}

// Centroid is a 2D point, ring-buffered per tracked object.
type Centroid struct {
	X, Y float64
}

const centroidHistoryCap = 30

// TrackedObject mirrors original_source's TrackedObject struct.
type TrackedObject struct {
	ID              string
	BBox            image.Rectangle
	FramesAlive     int
	CentroidHistory []Centroid
	IsStaticDynamic bool
}

type blob struct {
	bbox     image.Rectangle
	area     float64
	centroid Centroid
	used     bool
}

// Handle is an opaque process-local detector instance bound to one
// (width, height, config) tuple, exclusively owned by its caller until
// Destroy is called.
type Handle struct {
	mu sync.Mutex

	cfg    Config
	zones  []Zone
	tracks []*TrackedObject

	background        []float64 // grayscale float background model, row-major
	backgroundInit    bool
	bgWidth, bgHeight int
}

// Create binds a new handle to the given frame dimensions and thresholds.
func Create(cfg Config) *Handle {
	return &Handle{cfg: cfg}
}

// Destroy releases a handle's resources. Idempotent.
func Destroy(h *Handle) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tracks = nil
	h.background = nil
}

// SetExclusionZones replaces the handle's zone set wholesale.
func (h *Handle) SetExclusionZones(zones []Zone) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.zones = append([]Zone(nil), zones...)
}

// ProcessFrameBuffer decodes a compressed image and runs one detection
// cycle, returning true if at least one tracked object was classified as
// interesting (passed size, persistence, and non-static-dynamic filters).
func (h *Handle) ProcessFrameBuffer(data []byte) (bool, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return false, fmt.Errorf("motion: decode frame: %w", err)
	}
	valid := h.processFrame(img)
	return len(valid) > 0, nil
}

// ROIResult is the payload returned by ProcessFrameROI: a JPEG-encoded crop
// around the best tracked object plus its bounding box in the original
// frame's pixel space. Result memory is freshly allocated per call and owned
// by the caller, rather than aliasing a process-scoped static buffer the way
// the donor's native implementation did.
type ROIResult struct {
	JPEG       []byte
	X, Y, W, H int
}

// ProcessFrameROI runs one detection cycle and, if any object qualifies,
// crops and JPEG-encodes the one with the largest bounding box.
func (h *Handle) ProcessFrameROI(data []byte) (*ROIResult, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("motion: decode frame: %w", err)
	}

	valid := h.processFrame(img)
	if len(valid) == 0 {
		return nil, nil
	}

	best := valid[0]
	for _, t := range valid[1:] {
		if area(t.BBox) > area(best.BBox) {
			best = t
		}
	}

	padded := expandRect(best.BBox, 0.2, img.Bounds())
	cropped := cropImage(img, padded)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, cropped, &jpeg.Options{Quality: 85}); err != nil {
		return nil, fmt.Errorf("motion: encode roi: %w", err)
	}

	return &ROIResult{
		JPEG: buf.Bytes(),
		X:    best.BBox.Min.X, Y: best.BBox.Min.Y,
		W: best.BBox.Dx(), H: best.BBox.Dy(),
	}, nil
}

func area(r image.Rectangle) int { return r.Dx() * r.Dy() }

func expandRect(r image.Rectangle, padRatio float64, bounds image.Rectangle) image.Rectangle {
	padX := int(float64(r.Dx()) * padRatio)
	padY := int(float64(r.Dy()) * padRatio)
	out := image.Rect(r.Min.X-padX, r.Min.Y-padY, r.Max.X+padX, r.Max.Y+padY)
	return out.Intersect(bounds)
}

func cropImage(img image.Image, r image.Rectangle) image.Image {
	type subImager interface {
		SubImage(image.Rectangle) image.Image
	}
	if si, ok := img.(subImager); ok {
		return si.SubImage(r)
	}
	dst := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			dst.Set(x-r.Min.X, y-r.Min.Y, img.At(x, y))
		}
	}
	return dst
}

// processFrame runs the detect -> exclude -> extract -> track -> classify
// pipeline for one decoded frame and returns the subset of tracked objects
// that pass every filter this cycle, exactly mirroring
// MotionDetector::processFrame's two-pass match-then-create tracking loop.
func (h *Handle) processFrame(img image.Image) []*TrackedObject {
	h.mu.Lock()
	defer h.mu.Unlock()

	bounds := img.Bounds()
	w, h_ := bounds.Dx(), bounds.Dy()

	gray := toGrayBlurred(img)

	if !h.backgroundInit || h.bgWidth != w || h.bgHeight != h_ {
		h.background = append([]float64(nil), gray...)
		h.backgroundInit = true
		h.bgWidth, h.bgHeight = w, h_
		return nil
	}

	mask := motionMask(gray, h.background, w, h_)
	applyExclusionZones(mask, w, h_, h.zones, bounds)

	for i := range h.background {
		h.background[i] = h.background[i]*0.99 + gray[i]*0.01
	}

	blobs := extractBlobs(mask, w, h_)
	if len(blobs) == 0 {
		return nil
	}

	maxMatchDist := float64(w) * 0.08
	if maxMatchDist < 20.0 {
		maxMatchDist = 20.0
	}

	var valid []*TrackedObject
	var updated []*TrackedObject

	for _, track := range h.tracks {
		bestIdx := -1
		minDist := math.MaxFloat64
		last := track.CentroidHistory[len(track.CentroidHistory)-1]

		for i := range blobs {
			if blobs[i].used {
				continue
			}
			d := dist(last, blobs[i].centroid)
			if d < maxMatchDist && d < minDist {
				minDist = d
				bestIdx = i
			}
		}

		if bestIdx == -1 {
			continue
		}

		b := &blobs[bestIdx]
		track.BBox = b.bbox
		track.FramesAlive++
		track.CentroidHistory = pushCentroid(track.CentroidHistory, b.centroid)
		b.used = true
		updated = append(updated, track)

		if passesSizeFilter(*b, w, h_, h.cfg.MinAreaRatio) &&
			track.FramesAlive >= h.cfg.MinFrames &&
			!isStaticDynamic(track, h.cfg) {
			valid = append(valid, track)
		}
	}

	for i := range blobs {
		if blobs[i].used {
			continue
		}
		if !passesSizeFilter(blobs[i], w, h_, h.cfg.MinAreaRatio) {
			continue
		}
		t := &TrackedObject{
			ID:              uuid.NewString(),
			BBox:            blobs[i].bbox,
			FramesAlive:     1,
			CentroidHistory: []Centroid{blobs[i].centroid},
		}
		updated = append(updated, t)
	}

	h.tracks = updated
	return valid
}

func pushCentroid(hist []Centroid, c Centroid) []Centroid {
	hist = append(hist, c)
	if len(hist) > centroidHistoryCap {
		hist = hist[len(hist)-centroidHistoryCap:]
	}
	return hist
}

func dist(a, b Centroid) float64 {
	dx, dy := a.X-b.X, a.Y-b.Y
	return math.Sqrt(dx*dx + dy*dy)
}

func passesSizeFilter(b blob, w, h int, minAreaRatio float64) bool {
	frameArea := float64(w * h)
	if frameArea == 0 {
		return false
	}
	return b.area/frameArea >= minAreaRatio
}

// isStaticDynamic classifies a track as a persistent, low-variance object
// (e.g. a chair moved and now sitting still) once it has enough centroid
// history, matching the donor's mean-squared-distance-from-centroid rule.
func isStaticDynamic(t *TrackedObject, cfg Config) bool {
	if len(t.CentroidHistory) < 4 {
		return false
	}

	var meanX, meanY float64
	for _, p := range t.CentroidHistory {
		meanX += p.X
		meanY += p.Y
	}
	n := float64(len(t.CentroidHistory))
	meanX /= n
	meanY /= n

	var variance float64
	for _, p := range t.CentroidHistory {
		dx, dy := p.X-meanX, p.Y-meanY
		variance += dx*dx + dy*dy
	}
	variance /= n

	if variance < cfg.MaxStaticVariance && t.FramesAlive > cfg.MinFrames {
		t.IsStaticDynamic = true
		return true
	}
	return false
}
