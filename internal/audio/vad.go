package audio

// VADConfig holds configuration for Voice Activity Detection
type VADConfig struct {
	EnergyThreshold float64 // RMS energy threshold for speech detection
	SilenceMs       int     // Silence needed to mark the end of speech
	FrameMs         int     // Analysis frame length
}

// DefaultVADConfig returns a default VAD configuration
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 500.0,
		SilenceMs:       800,
		FrameMs:         20,
	}
}

func (c *VADConfig) silenceFrames() int {
	if c.FrameMs <= 0 {
		return 1
	}
	n := c.SilenceMs / c.FrameMs
	if n < 1 {
		n = 1
	}
	return n
}

// VADDetector performs Voice Activity Detection
type VADDetector struct {
	config         *VADConfig
	silenceFrames  int
	silenceCounter int
	isSpeaking     bool
}

// NewVADDetector creates a new VAD detector
func NewVADDetector(config *VADConfig) *VADDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	return &VADDetector{
		config:        config,
		silenceFrames: config.silenceFrames(),
	}
}

// ProcessFrame processes an audio frame and returns whether speech is detected
// Returns: (isSpeaking, speechStarted, speechEnded)
func (v *VADDetector) ProcessFrame(samples []int16) (bool, bool, bool) {
	frameHasSpeech := !DetectSilence(samples, v.config.EnergyThreshold)

	var speechStarted, speechEnded bool

	if frameHasSpeech {
		v.silenceCounter = 0
		if !v.isSpeaking {
			speechStarted = true
			v.isSpeaking = true
		}
	} else {
		v.silenceCounter++
		if v.isSpeaking && v.silenceCounter >= v.silenceFrames {
			speechEnded = true
			v.isSpeaking = false
			v.silenceCounter = 0
		}
	}

	return v.isSpeaking, speechStarted, speechEnded
}

// Reset resets the VAD detector state
func (v *VADDetector) Reset() {
	v.silenceCounter = 0
	v.isSpeaking = false
}

// IsSpeaking returns whether speech is currently detected
func (v *VADDetector) IsSpeaking() bool {
	return v.isSpeaking
}

// DetectSilence detects if audio samples represent silence
func DetectSilence(samples []int16, threshold float64) bool {
	return CalculateRMS(samples) < threshold
}

// SegmentEvent is the utterance boundary observed across one block
type SegmentEvent int

const (
	SegmentNone SegmentEvent = iota
	SegmentStart
	SegmentEnd
)

func (e SegmentEvent) String() string {
	switch e {
	case SegmentStart:
		return "start"
	case SegmentEnd:
		return "end"
	default:
		return "none"
	}
}

// Segmenter runs a VADDetector over whole PCM blocks and reports
// where utterances begin and end
type Segmenter struct {
	detector    *VADDetector
	frameLength int
}

// NewSegmenter creates a segmenter for 16-bit mono PCM at sampleRate
func NewSegmenter(config *VADConfig, sampleRate int) *Segmenter {
	if config == nil {
		config = DefaultVADConfig()
	}
	frameLength := config.FrameMs * sampleRate / 1000
	if frameLength < 1 {
		frameLength = 1
	}
	return &Segmenter{
		detector:    NewVADDetector(config),
		frameLength: frameLength,
	}
}

// Process analyses a block and reports the speech state change between
// its start and its end. A start and end inside the same block cancel out.
func (s *Segmenter) Process(pcm []byte) SegmentEvent {
	samples, err := DecodePCM16(pcm)
	if err != nil {
		samples, _ = DecodePCM16(pcm[:len(pcm)-1])
	}

	before := s.detector.IsSpeaking()
	for off := 0; off < len(samples); off += s.frameLength {
		end := off + s.frameLength
		if end > len(samples) {
			end = len(samples)
		}
		s.detector.ProcessFrame(samples[off:end])
	}
	after := s.detector.IsSpeaking()

	switch {
	case !before && after:
		return SegmentStart
	case before && !after:
		return SegmentEnd
	default:
		return SegmentNone
	}
}

// Speaking reports whether the last processed block ended in speech
func (s *Segmenter) Speaking() bool {
	return s.detector.IsSpeaking()
}

// Reset clears the speech state
func (s *Segmenter) Reset() {
	s.detector.Reset()
}
