package mixer

import (
	"math"
	"sync"
)

// channel is the persistent signal path of one speaker: a smoothed gain stage
// followed by a stereo panner. It holds at most one active clip; clips that
// were replaced keep rendering while they fade out.
//
// All fields are guarded by the owning ChannelMixer's mutex.
type channel struct {
	id string

	pan    float64 // stereo position in [-1, 1]
	volume float64 // full-gain level in [0, 1]
	gain   float64 // current smoothed gain

	ducked    bool
	duckLevel float64
	silenced  bool

	active *clip
	fading []*clip
}

func newChannel(id string, pan float64) *channel {
	return &channel{
		id:     id,
		pan:    clampPan(pan),
		volume: 1,
		gain:   1,
	}
}

// target is the gain the channel is converging toward: zero while silenced,
// otherwise the normal or the ducked level.
func (c *channel) target() float64 {
	switch {
	case c.silenced:
		return 0
	case c.ducked:
		return c.volume * c.duckLevel
	default:
		return c.volume
	}
}

// panGains returns the equal-power left/right weights for pan.
func panGains(pan float64) (l, r float64) {
	angle := (pan + 1) * math.Pi / 4
	return math.Cos(angle), math.Sin(angle)
}

// unsilence lifts a silence. Clips still fading keep the level they had
// reached, so they do not swell back as the channel gain recovers.
func (c *channel) unsilence() {
	if !c.silenced {
		return
	}
	c.silenced = false
	t := c.target()
	if t <= 0 || c.gain >= t {
		return
	}
	for _, f := range c.fading {
		f.scale(c.gain / t)
	}
}

// playing reports whether the channel has an unfinished active clip.
func (c *channel) playing() bool {
	return c.active != nil && !c.active.finished
}

// retire starts fading the active clip, if any, and parks it on the fading
// list so it keeps rendering until silent.
func (c *channel) retire(fadeSamples int) {
	if c.active == nil {
		return
	}
	if !c.active.finished {
		c.active.fadeOut(fadeSamples)
		c.fading = append(c.fading, c.active)
	}
	c.active = nil
}

// render mixes the channel's clips into out (interleaved stereo) and advances
// the gain smoother by len(out)/2 samples. Finished clips are released.
func (c *channel) render(out []float32, alpha, master float64) {
	l, r := panGains(c.pan)
	target := c.target()
	frames := len(out) / 2

	for i := range frames {
		c.gain += (target - c.gain) * alpha
		g := c.gain * master
		frame := out[2*i : 2*i+2]
		if c.active != nil {
			c.active.mixInto(frame, g, l, r)
		}
		for _, f := range c.fading {
			f.mixInto(frame, g, l, r)
		}
	}

	if c.active != nil && c.active.finished {
		c.active.finish()
		c.active = nil
	}
	kept := c.fading[:0]
	for _, f := range c.fading {
		if f.finished {
			f.finish()
			continue
		}
		kept = append(kept, f)
	}
	c.fading = kept
}

// clip is a short-lived per-clip gain stage feeding a channel.
type clip struct {
	samples  []float32
	pos      int
	gain     float64
	fadeStep float64 // per-sample gain decrement while fading; 0 otherwise
	finished bool

	panned     bool // panL/panR override the channel's pan
	panL, panR float64

	done     chan struct{}
	doneOnce sync.Once
}

func newClip(samples []float32, gain float64) *clip {
	return &clip{
		samples: samples,
		gain:    clampUnit(gain),
		done:    make(chan struct{}),
	}
}

// next returns the clip's next sample scaled by its gain.
func (k *clip) next() float64 {
	if k.finished {
		return 0
	}
	if k.pos >= len(k.samples) {
		k.finished = true
		return 0
	}
	v := float64(k.samples[k.pos]) * k.gain
	k.pos++
	if k.fadeStep > 0 {
		k.gain -= k.fadeStep
		if k.gain <= 0 {
			k.gain = 0
			k.finished = true
		}
	}
	return v
}

// setPan places the clip at pan instead of the channel's position.
func (k *clip) setPan(pan float64) {
	k.panned = true
	k.panL, k.panR = panGains(clampPan(pan))
}

// mixInto adds the clip's next sample to one interleaved stereo frame at
// gain g, using the channel weights l and r unless the clip has its own pan.
func (k *clip) mixInto(frame []float32, g, l, r float64) {
	v := k.next()
	if v == 0 {
		return
	}
	if k.panned {
		l, r = k.panL, k.panR
	}
	v *= g
	frame[0] += float32(v * l)
	frame[1] += float32(v * r)
}

// scale multiplies the clip gain by f, stretching any fade so it still ends
// on the same sample.
func (k *clip) scale(f float64) {
	k.gain *= f
	k.fadeStep *= f
	if k.gain <= 0 {
		k.finished = true
	}
}

// fadeOut ramps the clip gain linearly to zero over n samples.
func (k *clip) fadeOut(n int) {
	if n <= 0 || k.gain == 0 {
		k.finished = true
		return
	}
	k.fadeStep = k.gain / float64(n)
}

// finish signals playback end exactly once.
func (k *clip) finish() {
	k.doneOnce.Do(func() { close(k.done) })
}

func clampPan(p float64) float64 {
	return math.Max(-1, math.Min(1, p))
}

func clampUnit(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
