package ui

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
)

// Spinner is a line spinner for blocking steps that run before the call
// view takes over the terminal.
type Spinner struct {
	out      io.Writer
	frames   []string
	interval time.Duration

	mu      sync.Mutex
	message string
	done    chan struct{}
	stopped sync.Once
	exited  chan struct{}
}

func newSpinner(s spinner.Spinner, message string) *Spinner {
	return &Spinner{
		out:      Output,
		frames:   s.Frames,
		interval: s.FPS,
		message:  message,
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
}

// NewConnectionSpinner is used while dialing the server.
func NewConnectionSpinner(message string) *Spinner {
	return newSpinner(spinner.Globe, message)
}

// NewWaitingSpinner is used while waiting on the other participant.
func NewWaitingSpinner(message string) *Spinner {
	return newSpinner(spinner.Points, message)
}

func (s *Spinner) Start() {
	go func() {
		defer close(s.exited)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for i := 0; ; i++ {
			s.mu.Lock()
			frame := SpinnerStyle.Render(s.frames[i%len(s.frames)])
			fmt.Fprintf(s.out, "\r%s %s", frame, s.message)
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			case <-ticker.C:
			}
		}
	}()
}

// Stop clears the spinner line. It is safe to call more than once.
func (s *Spinner) Stop() {
	s.stopped.Do(func() {
		close(s.done)
		<-s.exited
		fmt.Fprint(s.out, "\r\033[K")
	})
}

func (s *Spinner) Success(message string) {
	s.Stop()
	fmt.Fprintf(s.out, "%s %s\n", SuccessStyle.Render(IconSuccess), message)
}

func (s *Spinner) Error(message string) {
	s.Stop()
	fmt.Fprintf(s.out, "%s %s\n", ErrorStyle.Render(IconError), message)
}

func (s *Spinner) UpdateMessage(message string) {
	s.mu.Lock()
	s.message = message
	s.mu.Unlock()
}

// RunConnectionSpinner starts a connection spinner and returns a stop function
func RunConnectionSpinner(message string) func() {
	sp := NewConnectionSpinner(message)
	sp.Start()
	return sp.Stop
}

// RunWaitingSpinner starts a waiting spinner and returns a stop function
func RunWaitingSpinner(message string) func() {
	sp := NewWaitingSpinner(message)
	sp.Start()
	return sp.Stop
}
