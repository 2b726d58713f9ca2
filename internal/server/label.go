package server

import (
	"github.com/audiolibrelab/voicenotes/internal/playback"
	"github.com/audiolibrelab/voicenotes/internal/session"
)

// RecordButtonLabel names the action the record button performs in state
func RecordButtonLabel(state session.State) string {
	switch state {
	case session.StateRecording:
		return "Stop"
	case session.StateStopped:
		return "Save"
	default:
		return "Record"
	}
}

// PlayButtonLabel names the action for the play control of recording id
func PlayButtonLabel(st playback.Status, id string) string {
	if st.ID == id && st.State == playback.StatePlaying {
		return "Pause"
	}
	return "Play"
}
