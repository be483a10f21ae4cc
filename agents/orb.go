package agents

import "math"

// OrbVariation is the radius offset, in pixels, of point index of the
// orb outline at animation time t. Each state moves at its own pace:
// idle and muted drift, listening ripples, thinking tightens and speaking
// swells.
func OrbVariation(state State, t float64, index int, offset float64) float64 {
	i := float64(index)
	switch state {
	case StateListening:
		return math.Sin(t*2+i*0.1+offset)*8 +
			math.Sin(t*3+i*0.05+offset*2)*4
	case StateThinking:
		return math.Sin(t*3+i*0.2+offset)*5 +
			math.Sin(t*2+i*0.15+offset*1.5)*3
	case StateSpeaking:
		return math.Sin(t*4+i*0.15+offset)*12 +
			math.Sin(t*5+i*0.08+offset*2)*6
	default:
		return math.Sin(t+i*0.05+offset)*3 +
			math.Sin(t*1.5+i*0.03+offset*1.2)*2
	}
}

// OrbAmplitude is the largest offset OrbVariation can return for state.
func OrbAmplitude(state State) float64 {
	switch state {
	case StateListening:
		return 12
	case StateThinking:
		return 8
	case StateSpeaking:
		return 18
	default:
		return 5
	}
}

// OrbLabel is the caption under the orb.
func OrbLabel(state State, connected bool) string {
	switch state {
	case StateMuted:
		return "Saying hello..."
	case StateListening:
		return "Listening..."
	case StateThinking:
		return "Thinking..."
	case StateSpeaking:
		return "Speaking..."
	}
	if connected {
		return "Ready to chat"
	}
	return "Press enter to start"
}

var orbGlyphs = map[State][]rune{
	StateIdle:      []rune("·∘○∘"),
	StateMuted:     []rune("◌◌○◌"),
	StateListening: []rune("○◎◉◎"),
	StateThinking:  []rune("◐◓◑◒"),
	StateSpeaking:  []rune("●◉●◎"),
}

// OrbGlyph is a one-rune terminal rendering of the orb for animation
// frame n.
func OrbGlyph(state State, frame int) rune {
	glyphs, ok := orbGlyphs[state]
	if !ok {
		glyphs = orbGlyphs[StateIdle]
	}
	if frame < 0 {
		frame = -frame
	}
	return glyphs[frame%len(glyphs)]
}
