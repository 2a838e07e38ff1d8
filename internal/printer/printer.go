// Package printer renders task stream states for the terminal.
package printer

import "github.com/slok/taskstream/internal/model"

// Printer knows how to print task stream states in different formats.
type Printer interface {
	// PrintUpdate is called with every published state while the stream is live.
	PrintUpdate(s model.StreamState) error
	// PrintFinal is called once with the last state.
	PrintFinal(s model.StreamState) error
	PrintMessage(msg string) error
}
