package service

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrAlreadyActive = errors.New("output already active")
	ErrNotActive     = errors.New("output not active")
	ErrOutputsActive = errors.New("cannot reset while outputs are active")
	ErrNoWebcam      = errors.New("virtual webcam not created")
	ErrNoReplay      = errors.New("no replay saved")
)

// Simulated is an in-memory media engine. State changes are reported synchronously through emit,
// in the order a real engine reports them.
type Simulated struct {
	log       *zap.SugaredLogger
	emit      func(SignalEvent)
	replayDir string
	now       func() time.Time

	mu            sync.Mutex
	active        map[string]bool
	webcam        string
	lastReplay    string
	streamFailure *SignalEvent
}

type SimulatedOption func(s *Simulated)

// WithReplayDir sets the directory saved replays are reported in.
func WithReplayDir(dir string) SimulatedOption {
	return func(s *Simulated) {
		s.replayDir = dir
	}
}

func NewSimulated(log *zap.SugaredLogger, emit func(SignalEvent), opts ...SimulatedOption) *Simulated {
	s := &Simulated{
		log:       log.Named("simulated_outputs"),
		emit:      emit,
		replayDir: ".",
		now:       time.Now,
		active:    map[string]bool{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// FailNextStream makes the next StartStreaming fail with code and msg, like a refused ingest connection.
func (s *Simulated) FailNextStream(code int32, msg string) {
	s.mu.Lock()
	s.streamFailure = &SignalEvent{OutputType: OutputStreaming, Signal: SignalStop, Code: code, ErrorMessage: msg}
	s.mu.Unlock()
}

func (s *Simulated) Active(output string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[output]
}

// transition flips the active state of output, emitting signals outside the lock.
func (s *Simulated) transition(output string, active bool, signals ...SignalEvent) error {
	s.mu.Lock()
	if s.active[output] == active {
		s.mu.Unlock()
		if active {
			return fmt.Errorf("%s: %w", output, ErrAlreadyActive)
		}
		return fmt.Errorf("%s: %w", output, ErrNotActive)
	}
	s.active[output] = active
	s.mu.Unlock()

	for _, e := range signals {
		s.emit(e)
	}
	return nil
}

func sig(output, signal string) SignalEvent {
	return SignalEvent{OutputType: output, Signal: signal}
}

func (s *Simulated) StartStreaming() error {
	s.mu.Lock()
	failure := s.streamFailure
	s.streamFailure = nil
	active := s.active[OutputStreaming]
	s.mu.Unlock()

	if failure != nil && !active {
		s.log.Debugw("simulating stream failure", "Code", failure.Code)
		s.emit(sig(OutputStreaming, SignalStarting))
		s.emit(*failure)
		return nil
	}
	return s.transition(OutputStreaming, true, sig(OutputStreaming, SignalStarting), sig(OutputStreaming, SignalStart))
}

func (s *Simulated) StopStreaming(force bool) error {
	if force {
		return s.transition(OutputStreaming, false, sig(OutputStreaming, SignalStop))
	}
	return s.transition(OutputStreaming, false, sig(OutputStreaming, SignalStopping), sig(OutputStreaming, SignalStop))
}

func (s *Simulated) StartRecording() error {
	return s.transition(OutputRecording, true, sig(OutputRecording, SignalStart))
}

func (s *Simulated) StopRecording() error {
	return s.transition(OutputRecording, false, sig(OutputRecording, SignalStopping), sig(OutputRecording, SignalStop))
}

func (s *Simulated) StartReplayBuffer() error {
	return s.transition(OutputReplayBuffer, true, sig(OutputReplayBuffer, SignalStart))
}

func (s *Simulated) StopReplayBuffer(force bool) error {
	if force {
		return s.transition(OutputReplayBuffer, false, sig(OutputReplayBuffer, SignalStop))
	}
	return s.transition(OutputReplayBuffer, false, sig(OutputReplayBuffer, SignalStopping), sig(OutputReplayBuffer, SignalStop))
}

// ProcessReplayBufferHotkey saves the replay buffer.
func (s *Simulated) ProcessReplayBufferHotkey() error {
	s.mu.Lock()
	if !s.active[OutputReplayBuffer] {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", OutputReplayBuffer, ErrNotActive)
	}
	s.lastReplay = filepath.Join(s.replayDir, fmt.Sprintf("Replay %s.mkv", s.now().Format("2006-01-02 15-04-05")))
	s.mu.Unlock()

	s.emit(sig(OutputReplayBuffer, SignalWriting))
	s.emit(sig(OutputReplayBuffer, SignalWrote))
	return nil
}

func (s *Simulated) LastReplay() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastReplay == "" {
		return "", ErrNoReplay
	}
	return s.lastReplay, nil
}

func (s *Simulated) reset(what string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for output, active := range s.active {
		if active {
			return fmt.Errorf("resetting %s context, %s is active: %w", what, output, ErrOutputsActive)
		}
	}
	s.log.Debugf("reset %s context", what)
	return nil
}

func (s *Simulated) ResetAudioContext() error { return s.reset("audio") }
func (s *Simulated) ResetVideoContext() error { return s.reset("video") }

func (s *Simulated) CreateVirtualWebcam(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webcam = name
	return nil
}

func (s *Simulated) RemoveVirtualWebcam() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[OutputVirtualWebcam] {
		return fmt.Errorf("%s: %w", OutputVirtualWebcam, ErrAlreadyActive)
	}
	s.webcam = ""
	return nil
}

func (s *Simulated) StartVirtualWebcam() error {
	s.mu.Lock()
	created := s.webcam != ""
	s.mu.Unlock()
	if !created {
		return ErrNoWebcam
	}
	return s.transition(OutputVirtualWebcam, true, sig(OutputVirtualWebcam, SignalStart))
}

func (s *Simulated) StopVirtualWebcam() error {
	return s.transition(OutputVirtualWebcam, false, sig(OutputVirtualWebcam, SignalStop))
}
