package livekit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	opus "gopkg.in/hraban/opus.v2"

	"github.com/LastBotInc/coralie-interview-session/internal/logging"
	"github.com/LastBotInc/coralie-interview-session/internal/media"
)

const (
	opusSampleRate = 48000
	// 120ms at 48kHz is the largest Opus frame
	maxOpusFrameSamples = 5760
)

// remoteTrack reads RTP from one subscribed remote track. Audio payloads are
// decoded from Opus onto out; video payloads only feed loss accounting.
type remoteTrack struct {
	participant string
	track       *webrtc.TrackRemote
	out         *media.LocalAudioTrack
	decoder     *opus.Decoder
	onPacket    func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	seq seqCounter

	// Logging flags to avoid spam
	firstRTPLogged    bool
	firstDecodeLogged bool
}

func newRemoteTrack(participant string, track *webrtc.TrackRemote, out *media.LocalAudioTrack, onPacket func()) (*remoteTrack, error) {
	var decoder *opus.Decoder
	if out != nil {
		d, err := opus.NewDecoder(opusSampleRate, 1)
		if err != nil {
			return nil, fmt.Errorf("create opus decoder: %w", err)
		}
		decoder = d
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &remoteTrack{
		participant: participant,
		track:       track,
		out:         out,
		decoder:     decoder,
		onPacket:    onPacket,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start starts reading RTP packets.
func (t *remoteTrack) Start() {
	t.wg.Add(1)
	go t.processTrack()
	logging.Info(logging.CategoryLiveKit, "started remote track processing participant=%s kind=%s", t.participant, t.track.Kind().String())
}

// Stop stops the reader. The remote track itself is closed by the SDK.
func (t *remoteTrack) Stop() {
	t.cancel()
	t.wg.Wait()
}

// Counters returns the expected and received packet totals.
func (t *remoteTrack) Counters() (expected, received uint64) {
	return t.seq.Counters()
}

func (t *remoteTrack) processTrack() {
	defer t.wg.Done()

	buf := make([]byte, 1500)
	packet := &rtp.Packet{}
	pcm := make([]int16, maxOpusFrameSamples)

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}

		n, _, err := t.track.Read(buf)
		if err != nil {
			if t.ctx.Err() == nil {
				logging.Warning(logging.CategoryLiveKit, "failed to read RTP packet participant=%s: %v", t.participant, err)
			}
			return
		}

		if err := packet.Unmarshal(buf[:n]); err != nil {
			logging.Warning(logging.CategoryLiveKit, "failed to unmarshal RTP packet participant=%s: %v", t.participant, err)
			continue
		}

		if !t.firstRTPLogged {
			t.firstRTPLogged = true
			logging.Info(logging.CategoryLiveKit, "received first RTP packet participant=%s size=%d", t.participant, n)
		}
		t.seq.Observe(packet.SequenceNumber)
		if t.onPacket != nil {
			t.onPacket()
		}

		if t.decoder == nil || len(packet.Payload) == 0 {
			continue // video, or DTX
		}

		sampleCount, err := t.decoder.Decode(packet.Payload, pcm)
		if err != nil {
			logging.Warning(logging.CategoryCodec, "failed to decode Opus participant=%s: %v", t.participant, err)
			continue
		}
		if sampleCount == 0 {
			continue
		}
		if !t.firstDecodeLogged {
			t.firstDecodeLogged = true
			logging.Info(logging.CategoryCodec, "decoded first remote audio participant=%s samples=%d", t.participant, sampleCount)
		}

		samples := make([]int16, sampleCount)
		copy(samples, pcm[:sampleCount])
		t.out.WriteFrame(media.AudioFrame{
			Samples:    samples,
			SampleRate: opusSampleRate,
			Channels:   1,
			Timestamp:  time.Duration(packet.Timestamp) * time.Second / opusSampleRate,
		})
	}
}

// seqCounter tracks extended RTP sequence numbers for loss estimation.
type seqCounter struct {
	mu          sync.Mutex
	initialized bool
	base        uint64
	highest     uint64
	received    uint64
}

func (c *seqCounter) Observe(seq uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.received++
	if !c.initialized {
		c.initialized = true
		c.base = uint64(seq)
		c.highest = uint64(seq)
		return
	}

	cycles := c.highest &^ 0xFFFF
	last := uint16(c.highest)
	delta := seq - last
	if delta == 0 || delta >= 0x8000 {
		return // duplicate or reordered
	}
	if seq < last {
		cycles += 1 << 16
	}
	c.highest = cycles | uint64(seq)
}

func (c *seqCounter) Counters() (expected, received uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return 0, 0
	}
	return c.highest - c.base + 1, c.received
}
