package media

// IntRange is a numeric constraint. A lone Ideal is a preference, Max caps
// it and Exact pins it.
type IntRange struct {
	Ideal int
	Max   int
	Exact int
}

// VideoConstraints are the video half of a profile. The zero value means
// "any camera".
type VideoConstraints struct {
	Width     IntRange
	Height    IntRange
	FrameRate IntRange
}

// AudioConstraints are the audio half of a profile. The zero value means
// "any microphone".
type AudioConstraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	SampleRate       int
}

// Profile is one rung of the fallback ladder. A nil half is not requested.
type Profile struct {
	Name  string
	Video *VideoConstraints
	Audio *AudioConstraints
}

// WantsVideo reports whether the profile requests a camera.
func (p Profile) WantsVideo() bool { return p.Video != nil }

// WantsAudio reports whether the profile requests a microphone.
func (p Profile) WantsAudio() bool { return p.Audio != nil }

var processedAudio = AudioConstraints{
	EchoCancellation: true,
	NoiseSuppression: true,
	AutoGainControl:  true,
}

// Ladder is tried top to bottom until one rung yields a stream.
var Ladder = []Profile{
	{
		Name: "hd",
		Video: &VideoConstraints{
			Width:     IntRange{Ideal: 1280, Max: 1920},
			Height:    IntRange{Ideal: 720, Max: 1080},
			FrameRate: IntRange{Ideal: 30, Max: 60},
		},
		Audio: &AudioConstraints{
			EchoCancellation: true,
			NoiseSuppression: true,
			AutoGainControl:  true,
			SampleRate:       44100,
		},
	},
	{
		Name: "sd",
		Video: &VideoConstraints{
			Width:     IntRange{Ideal: 640, Max: 1280},
			Height:    IntRange{Ideal: 480, Max: 720},
			FrameRate: IntRange{Ideal: 15, Max: 30},
		},
		Audio: &processedAudio,
	},
	{
		Name: "basic",
		Video: &VideoConstraints{
			Width:     IntRange{Ideal: 320},
			Height:    IntRange{Ideal: 240},
			FrameRate: IntRange{Ideal: 15},
		},
		Audio: &AudioConstraints{},
	},
	{Name: "video-only", Video: &VideoConstraints{}},
	{Name: "audio-only", Audio: &AudioConstraints{}},
	{
		Name: "minimal",
		Video: &VideoConstraints{
			Width:  IntRange{Ideal: 160},
			Height: IntRange{Ideal: 120},
		},
	},
}
