package recorder

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dss-edge/dss/internal/config"
	"github.com/dss-edge/dss/internal/segmenter"
	"github.com/dss-edge/dss/internal/timeline"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	dir := t.TempDir()
	seg, err := segmenter.New(dir)
	if err != nil {
		t.Fatalf("segmenter.New: %v", err)
	}
	idx := timeline.Open(filepath.Join(dir, "index.db"), testLogger())
	t.Cleanup(func() { idx.Close() })

	cfg := Config{
		Stream:                config.StreamConfig{CameraID: "cam1", URL: "rtsp://example.invalid/stream"},
		SegmentDuration:       2 * time.Second,
		HeartbeatPath:         filepath.Join(dir, "recorder.hb"),
		HeartbeatEveryPackets: 2,
	}
	return New(cfg, seg, idx, testLogger())
}

func TestBuildFFmpegArgsStreamsToStdoutWithoutSegmentMuxer(t *testing.T) {
	p := newTestPipeline(t)
	args := p.buildFFmpegArgs()
	joined := strings.Join(args, " ")

	for _, want := range []string{"-c:v copy", "rtsp_transport tcp", "-f mpegts", "resend_headers", "pipe:1"} {
		if !strings.Contains(joined, want) {
			t.Errorf("expected ffmpeg args to contain %q, got: %s", want, joined)
		}
	}
	for _, unwanted := range []string{"-f segment", "segment_time", "segment_start_number"} {
		if strings.Contains(joined, unwanted) {
			t.Errorf("expected ffmpeg args NOT to contain %q (rotation must be driven in Go), got: %s", unwanted, joined)
		}
	}
}

// buildPATPacket constructs a minimal single-program PAT TS packet naming
// pmtPID as the PMT's PID.
func buildPATPacket(pmtPID uint16) []byte {
	buf := make([]byte, tsPacketSize)
	buf[0] = tsSyncByte
	buf[1] = 0x40 // payload_unit_start_indicator, PID hi bits = 0
	buf[2] = 0x00
	buf[3] = 0x10 // adaptation_field_control = payload only

	payload := buf[4:]
	payload[0] = 0x00 // pointer_field

	sec := payload[1:]
	sec[0] = 0x00 // table_id
	sec[1] = 0xB0
	sec[2] = 13 // section_length
	sec[3], sec[4] = 0x00, 0x01
	sec[5] = 0xC1
	sec[6] = 0x00
	sec[7] = 0x00
	sec[8], sec[9] = 0x00, 0x01 // program_number (nonzero)
	sec[10] = byte(0xE0 | (pmtPID>>8)&0x1F)
	sec[11] = byte(pmtPID & 0xFF)

	for i := 17; i < len(buf); i++ {
		buf[i] = 0xFF
	}
	return buf
}

// buildPMTPacket constructs a minimal PMT TS packet on pid, naming videoPID
// as a video elementary stream.
func buildPMTPacket(pid, videoPID uint16, streamType byte) []byte {
	buf := make([]byte, tsPacketSize)
	buf[0] = tsSyncByte
	buf[1] = byte(0x40 | (pid>>8)&0x1F)
	buf[2] = byte(pid & 0xFF)
	buf[3] = 0x10

	payload := buf[4:]
	payload[0] = 0x00

	sec := payload[1:]
	sec[0] = 0x02 // table_id
	sec[1] = 0xB0
	sec[2] = 18 // section_length
	sec[3], sec[4] = 0x00, 0x01
	sec[5] = 0xC1
	sec[6] = 0x00
	sec[7] = 0x00
	sec[8] = byte(0xE0 | (videoPID>>8)&0x1F) // PCR_PID hi
	sec[9] = byte(videoPID & 0xFF)
	sec[10] = 0xF0 // program_info_length hi = 0
	sec[11] = 0x00

	sec[12] = streamType
	sec[13] = byte(0xE0 | (videoPID>>8)&0x1F)
	sec[14] = byte(videoPID & 0xFF)
	sec[15] = 0xF0 // ES_info_length = 0
	sec[16] = 0x00

	for i := 22; i < len(buf); i++ {
		buf[i] = 0xFF
	}
	return buf
}

// buildVideoPacket constructs a TS packet on pid with the given
// payload_unit_start and random_access flags.
func buildVideoPacket(pid uint16, pusi, randomAccess bool) []byte {
	buf := make([]byte, tsPacketSize)
	buf[0] = tsSyncByte
	hi := byte((pid >> 8) & 0x1F)
	if pusi {
		hi |= 0x40
	}
	buf[1] = hi
	buf[2] = byte(pid & 0xFF)
	buf[3] = 0x30 // adaptation field + payload

	adaptLen := 1
	buf[4] = byte(adaptLen)
	if randomAccess {
		buf[5] = 0x40
	}

	for i := 6; i < len(buf); i++ {
		buf[i] = 0xAB
	}
	return buf
}

func TestParseTSPacketExtractsPIDAndFlags(t *testing.T) {
	buf := buildVideoPacket(0x101, true, true)
	pkt, ok := parseTSPacket(buf)
	if !ok {
		t.Fatal("expected packet to parse")
	}
	if pkt.pid != 0x101 || !pkt.payloadUnitStart || !pkt.randomAccess {
		t.Errorf("unexpected packet: %+v", pkt)
	}
}

func TestPATAndPMTParsingFindsVideoPID(t *testing.T) {
	pat := buildPATPacket(0x1000)
	pmtPID, ok := patPMTPID(pat)
	if !ok || pmtPID != 0x1000 {
		t.Fatalf("expected PMT PID 0x1000, got %x ok=%v", pmtPID, ok)
	}

	pmt := buildPMTPacket(0x1000, 0x101, 0x1b)
	videoPID, ok := pmtVideoPID(pmt)
	if !ok || videoPID != 0x101 {
		t.Fatalf("expected video PID 0x101, got %x ok=%v", videoPID, ok)
	}
}

// stepClock returns a clock function that advances by step every call,
// letting a test deterministically cross a SegmentDuration boundary
// without sleeping.
func stepClock(start time.Time, step time.Duration) func() time.Time {
	t := start
	first := true
	return func() time.Time {
		if first {
			first = false
			return t
		}
		t = t.Add(step)
		return t
	}
}

func TestDemuxTSRotatesOnWallClockNotPacketCount(t *testing.T) {
	p := newTestPipeline(t)
	p.cfg.SegmentDuration = 2 * time.Second
	p.now = stepClock(time.Unix(1000, 0), 1*time.Second)

	var stream bytes.Buffer
	stream.Write(buildPATPacket(0x1000))
	stream.Write(buildPMTPacket(0x1000, 0x101, 0x1b))
	// Three keyframes at simulated 1s spacing: segment duration is 2s, so
	// only the first and third should trigger a rotation.
	stream.Write(buildVideoPacket(0x101, true, true))
	stream.Write(buildVideoPacket(0x101, true, true))
	stream.Write(buildVideoPacket(0x101, true, true))

	p.demuxTS(&stream)

	if p.Status().SegmentsCount != 2 {
		t.Errorf("expected 2 segments from wall-clock gating, got %d", p.Status().SegmentsCount)
	}
	p.closeCurrentSegment()
}

func TestDemuxTSCountsFramesAndWritesHeartbeat(t *testing.T) {
	p := newTestPipeline(t)
	p.cfg.HeartbeatEveryPackets = 2
	p.now = stepClock(time.Unix(1000, 0), 0)

	var stream bytes.Buffer
	stream.Write(buildPATPacket(0x1000))
	stream.Write(buildPMTPacket(0x1000, 0x101, 0x1b))
	stream.Write(buildVideoPacket(0x101, true, true))
	stream.Write(buildVideoPacket(0x101, true, false))

	p.demuxTS(&stream)

	if got := p.Status().PacketCount; got != 2 {
		t.Errorf("expected packet count 2, got %d", got)
	}

	p.hbPool.Shutdown() // drain the queued heartbeat write
	data, err := os.ReadFile(p.cfg.HeartbeatPath)
	if err != nil {
		t.Fatalf("heartbeat file not written: %v", err)
	}
	if string(data) != "2" {
		t.Errorf("expected heartbeat file to hold %q, got %q", "2", data)
	}
	p.closeCurrentSegment()
}

func TestWriteHeartbeatNoOpWithoutPath(t *testing.T) {
	p := newTestPipeline(t)
	p.cfg.HeartbeatPath = ""
	p.writeHeartbeat(42) // must not panic
}

func TestOnSegmentCallbackFiresWithPath(t *testing.T) {
	p := newTestPipeline(t)
	p.now = stepClock(time.Unix(1000, 0), 0)

	var got string
	p.OnSegment(func(path string) { got = path })

	var stream bytes.Buffer
	stream.Write(buildPATPacket(0x1000))
	stream.Write(buildPMTPacket(0x1000, 0x101, 0x1b))
	stream.Write(buildVideoPacket(0x101, true, true))

	p.demuxTS(&stream)
	p.closeCurrentSegment()

	if got == "" {
		t.Fatal("expected OnSegment callback to fire with a path")
	}
}
