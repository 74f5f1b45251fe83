package service

// Collection is the name the Service functions are registered under.
const Collection = "Service"

const (
	FuncQuery                     = "Query"
	FuncConnectOutputSignals      = "ConnectOutputSignals"
	FuncStartStreaming            = "StartStreaming"
	FuncStopStreaming             = "StopStreaming"
	FuncStartRecording            = "StartRecording"
	FuncStopRecording             = "StopRecording"
	FuncStartReplayBuffer         = "StartReplayBuffer"
	FuncStopReplayBuffer          = "StopReplayBuffer"
	FuncProcessReplayBufferHotkey = "ProcessReplayBufferHotkey"
	FuncGetLastReplay             = "GetLastReplay"
	FuncResetAudioContext         = "ResetAudioContext"
	FuncResetVideoContext         = "ResetVideoContext"
	FuncCreateVirtualWebcam       = "CreateVirtualWebcam"
	FuncRemoveVirtualWebcam       = "RemoveVirtualWebcam"
	FuncStartVirtualWebcam        = "StartVirtualWebcam"
	FuncStopVirtualWebcam         = "StopVirtualWebcam"
)

// Output types reported in SignalEvent.OutputType.
const (
	OutputStreaming     = "rtmp_output"
	OutputRecording     = "ffmpeg_muxer"
	OutputReplayBuffer  = "replay_buffer"
	OutputVirtualWebcam = "virtualcam_output"
)

// Signals reported in SignalEvent.Signal.
const (
	SignalStarting  = "starting"
	SignalStart     = "start"
	SignalStopping  = "stopping"
	SignalStop      = "stop"
	SignalReconnect = "reconnect"
	SignalWriting   = "writing"
	SignalWrote     = "wrote"
)
