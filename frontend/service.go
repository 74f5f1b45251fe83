package frontend

import (
	"context"
	"fmt"

	"github.com/guseggert/enginehost/rpc"
	"github.com/guseggert/enginehost/service"
	"go.uber.org/zap"
)

// Service calls the engine's Service collection and owns the signal poller.
//
// Operations without a result are sent without waiting for the engine, and return rpc.ErrNoConnection when there
// is no connection. The Start operations also start the signal poller, which runs until RemoveCallback.
type Service struct {
	log    *zap.SugaredLogger
	conn   ConnFunc
	poller *SignalPoller
}

func NewService(log *zap.SugaredLogger, conn ConnFunc, opts ...PollerOption) *Service {
	return &Service{
		log:    log.Named("service"),
		conn:   conn,
		poller: NewSignalPoller(log, conn, opts...),
	}
}

// Poller returns the signal poller owned by s.
func (s *Service) Poller() *SignalPoller { return s.poller }

func (s *Service) notify(ctx context.Context, function string, args ...rpc.Value) error {
	conn := s.conn()
	if conn == nil {
		return rpc.ErrNoConnection
	}
	if err := conn.Notify(ctx, service.Collection, function, args...); err != nil {
		return fmt.Errorf("calling %s: %w", function, err)
	}
	return nil
}

func (s *Service) call(ctx context.Context, function string, minValues int, args ...rpc.Value) ([]rpc.Value, error) {
	conn := s.conn()
	if conn == nil {
		return nil, rpc.ErrNoConnection
	}
	values, err := conn.Call(ctx, service.Collection, function, args...)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", function, err)
	}
	if err := rpc.CheckResult(values, minValues); err != nil {
		return nil, fmt.Errorf("calling %s: %w", function, err)
	}
	return values, nil
}

func (s *Service) startPolling() {
	if s.poller.Start() {
		s.log.Debug("started signal poller")
	}
}

func (s *Service) StartStreaming(ctx context.Context) error {
	s.startPolling()
	return s.notify(ctx, service.FuncStartStreaming)
}

func (s *Service) StopStreaming(ctx context.Context, force bool) error {
	return s.notify(ctx, service.FuncStopStreaming, rpc.Bool(force))
}

func (s *Service) StartRecording(ctx context.Context) error {
	s.startPolling()
	return s.notify(ctx, service.FuncStartRecording)
}

func (s *Service) StopRecording(ctx context.Context) error {
	return s.notify(ctx, service.FuncStopRecording)
}

func (s *Service) StartReplayBuffer(ctx context.Context) error {
	s.startPolling()
	return s.notify(ctx, service.FuncStartReplayBuffer)
}

func (s *Service) StopReplayBuffer(ctx context.Context, force bool) error {
	return s.notify(ctx, service.FuncStopReplayBuffer, rpc.Bool(force))
}

func (s *Service) ProcessReplayBufferHotkey(ctx context.Context) error {
	return s.notify(ctx, service.FuncProcessReplayBufferHotkey)
}

// GetLastReplay returns the path of the last saved replay.
func (s *Service) GetLastReplay(ctx context.Context) (string, error) {
	values, err := s.call(ctx, service.FuncGetLastReplay, 2)
	if err != nil {
		return "", err
	}
	return values[1].Str, nil
}

func (s *Service) ResetAudioContext(ctx context.Context) error {
	return s.notify(ctx, service.FuncResetAudioContext)
}

func (s *Service) ResetVideoContext(ctx context.Context) error {
	return s.notify(ctx, service.FuncResetVideoContext)
}

func (s *Service) CreateVirtualWebcam(ctx context.Context, name string) error {
	return s.notify(ctx, service.FuncCreateVirtualWebcam, rpc.String(name))
}

func (s *Service) RemoveVirtualWebcam(ctx context.Context) error {
	return s.notify(ctx, service.FuncRemoveVirtualWebcam)
}

func (s *Service) StartVirtualWebcam(ctx context.Context) error {
	return s.notify(ctx, service.FuncStartVirtualWebcam)
}

func (s *Service) StopVirtualWebcam(ctx context.Context) error {
	return s.notify(ctx, service.FuncStopVirtualWebcam)
}

// ConnectOutputSignals asks the engine to queue output signals and registers h as the signal handler,
// replacing any previous one.
func (s *Service) ConnectOutputSignals(ctx context.Context, h SignalHandler) error {
	if _, err := s.call(ctx, service.FuncConnectOutputSignals, 1); err != nil {
		return err
	}
	s.poller.SetHandler(h)
	return nil
}

// RemoveCallback stops the signal poller, waiting for any handler call in progress, and drops the handler.
func (s *Service) RemoveCallback() {
	s.poller.Stop()
	s.poller.SetHandler(nil)
}
