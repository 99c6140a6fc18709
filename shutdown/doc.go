// Package shutdown stops a rayrabbit process in dependency order.
//
// Components register handlers with a phase. Shutdown runs phases from
// lowest to highest; handlers sharing a phase run concurrently. Every
// handler is called even when an earlier one failed or the deadline
// passed, and every failure is reported:
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	coord.RegisterFuncWithPhase("http", srv.Shutdown, shutdown.PhaseListeners)
//	coord.RegisterFuncWithPhase("bus", mb.Stop, shutdown.PhaseBus)
//	coord.RegisterFuncWithPhase("bridges", bridges.DisconnectAll, shutdown.PhaseBridges)
//	stop := coord.HandleSignals()
//	defer stop()
//
//	<-coord.Done()
//	if errors.Is(coord.Err(), shutdown.ErrHandlerFailed) {
//	    // coord.Result().FailedHandlers() names the culprits
//	}
package shutdown
