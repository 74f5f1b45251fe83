package service

import "github.com/guseggert/enginehost/rpc"

// Outputs is the media engine the Service collection drives.
// Implementations report state changes through the emit function they were built with.
type Outputs interface {
	StartStreaming() error
	StopStreaming(force bool) error
	StartRecording() error
	StopRecording() error
	StartReplayBuffer() error
	StopReplayBuffer(force bool) error
	ProcessReplayBufferHotkey() error
	LastReplay() (string, error)
	ResetAudioContext() error
	ResetVideoContext() error
	CreateVirtualWebcam(name string) error
	RemoveVirtualWebcam() error
	StartVirtualWebcam() error
	StopVirtualWebcam() error
}

type binding struct {
	outputs Outputs
	queue   *SignalQueue
}

func outputsOf(call *rpc.Call) Outputs { return call.Context.(*binding).outputs }

func result(err error) []rpc.Value {
	if err != nil {
		return rpc.ErrorResult(rpc.Error, err.Error())
	}
	return rpc.OkResult()
}

func simple(f func(o Outputs) error) rpc.HandlerFunc {
	return func(call *rpc.Call) []rpc.Value {
		return result(f(outputsOf(call)))
	}
}

// NewCollection builds the Service collection bound to outputs and queue.
func NewCollection(outputs Outputs, queue *SignalQueue) *rpc.Collection {
	b := &binding{outputs: outputs, queue: queue}
	forced := []rpc.Type{rpc.TypeBool}

	return rpc.NewCollection(Collection).
		MustRegister(FuncQuery, nil, query, b).
		MustRegister(FuncConnectOutputSignals, nil, connectOutputSignals, b).
		MustRegister(FuncStartStreaming, nil, simple(Outputs.StartStreaming), b).
		MustRegister(FuncStopStreaming, forced, func(call *rpc.Call) []rpc.Value {
			return result(outputsOf(call).StopStreaming(call.Args[0].Bool))
		}, b).
		MustRegister(FuncStartRecording, nil, simple(Outputs.StartRecording), b).
		MustRegister(FuncStopRecording, nil, simple(Outputs.StopRecording), b).
		MustRegister(FuncStartReplayBuffer, nil, simple(Outputs.StartReplayBuffer), b).
		MustRegister(FuncStopReplayBuffer, forced, func(call *rpc.Call) []rpc.Value {
			return result(outputsOf(call).StopReplayBuffer(call.Args[0].Bool))
		}, b).
		MustRegister(FuncProcessReplayBufferHotkey, nil, simple(Outputs.ProcessReplayBufferHotkey), b).
		MustRegister(FuncGetLastReplay, nil, getLastReplay, b).
		MustRegister(FuncResetAudioContext, nil, simple(Outputs.ResetAudioContext), b).
		MustRegister(FuncResetVideoContext, nil, simple(Outputs.ResetVideoContext), b).
		MustRegister(FuncCreateVirtualWebcam, []rpc.Type{rpc.TypeString}, func(call *rpc.Call) []rpc.Value {
			return result(outputsOf(call).CreateVirtualWebcam(call.Args[0].Str))
		}, b).
		MustRegister(FuncRemoveVirtualWebcam, nil, simple(Outputs.RemoveVirtualWebcam), b).
		MustRegister(FuncStartVirtualWebcam, nil, simple(Outputs.StartVirtualWebcam), b).
		MustRegister(FuncStopVirtualWebcam, nil, simple(Outputs.StopVirtualWebcam), b)
}

// Register adds the Service collection to server.
func Register(server *rpc.Server, outputs Outputs, queue *SignalQueue) error {
	return server.Register(NewCollection(outputs, queue))
}

func query(call *rpc.Call) []rpc.Value {
	e, ok := call.Context.(*binding).queue.Pop()
	if !ok {
		return rpc.OkResult()
	}
	return e.Values()
}

func connectOutputSignals(call *rpc.Call) []rpc.Value {
	call.Context.(*binding).queue.Enable()
	return rpc.OkResult()
}

func getLastReplay(call *rpc.Call) []rpc.Value {
	path, err := outputsOf(call).LastReplay()
	if err != nil {
		return result(err)
	}
	return rpc.OkResult(rpc.String(path))
}
