package main

import "time"

// EventSink abstracts the display layer so both the plain loop and the Bubble Tea
// TUI receive the same request events. All methods run on the cooperative loop.
type EventSink interface {
	RequestStart(id, mode string)
	StreamReady()
	AudioLevel(level float64)
	Transcription(text string, final bool)
	Understanding(intents []string, final bool)
	Notice(text string)
	Finished(s Summary)
}

// Summary describes a completed request.
type Summary struct {
	ID        string
	Outcome   string
	Status    int
	Message   string
	Text      string
	Intents   []string
	Frames    int
	AudioMs   float64
	Elapsed   time.Duration
	Copied    bool
	Succeeded bool
}
