package device

import (
	"github.com/looplab/fsm"

	"github.com/seu-repo/sigec-ocpp/internal/domain"
)

// Lifecycle events.
const (
	evBoot            = "boot"
	evAlive           = "alive"
	evStart           = "start"
	evStop            = "stop"
	evFault           = "fault"
	evRecoverIdle     = "recover_idle"
	evRecoverCharging = "recover_charging"
	evDisconnect      = "disconnect"
)

const (
	stNew          = string(domain.ChargerStateNew)
	stBooted       = string(domain.ChargerStateBooted)
	stIdle         = string(domain.ChargerStateIdle)
	stCharging     = string(domain.ChargerStateCharging)
	stFaulted      = string(domain.ChargerStateFaulted)
	stDisconnected = string(domain.ChargerStateDisconnected)
)

// newMachine builds the charger lifecycle. Faulted only leaves through a
// recovery status or a disconnect; boot and liveness never clear a fault.
func newMachine(initial domain.ChargerState) *fsm.FSM {
	return fsm.NewFSM(
		string(initial),
		fsm.Events{
			{Name: evBoot, Src: []string{stNew, stDisconnected, stBooted, stIdle, stCharging}, Dst: stBooted},
			{Name: evAlive, Src: []string{stNew, stDisconnected, stBooted}, Dst: stIdle},
			{Name: evStart, Src: []string{stNew, stDisconnected, stBooted, stIdle}, Dst: stCharging},
			{Name: evStop, Src: []string{stCharging}, Dst: stIdle},
			{Name: evFault, Src: []string{stNew, stDisconnected, stBooted, stIdle, stCharging}, Dst: stFaulted},
			{Name: evRecoverIdle, Src: []string{stFaulted}, Dst: stIdle},
			{Name: evRecoverCharging, Src: []string{stFaulted}, Dst: stCharging},
			{Name: evDisconnect, Src: []string{stNew, stBooted, stIdle, stCharging, stFaulted}, Dst: stDisconnected},
		},
		fsm.Callbacks{},
	)
}
