package engine

import "github.com/guseggert/enginehost/rpc"

const (
	SystemCollection = "System"
	FuncShutdown     = "Shutdown"
)

func systemCollection(s *Supervisor) *rpc.Collection {
	return rpc.NewCollection(SystemCollection).
		MustRegister(FuncShutdown, nil, shutdown, s)
}

// shutdown asks the engine to exit without waiting for the crash handler.
func shutdown(call *rpc.Call) []rpc.Value {
	call.Context.(*Supervisor).RequestShutdown(ReasonRequested)
	return rpc.OkResult()
}
