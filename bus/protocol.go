package bus

import (
	"github.com/sarchlab/simbus/hooking"
	"github.com/sarchlab/simbus/timing"
	"github.com/sarchlab/simbus/tracing"
)

// A Protocol computes the signals of one bus protocol. It owns the
// protocol state and is driven by the Bus, one epoch at a time.
type Protocol interface {
	// Name returns the protocol name.
	Name() string

	// DeclareTraces registers the traced signals with the sink. It is
	// called once, before RunInit.
	DeclareTraces(sink tracing.Sink) error

	// RunInit sets the initial outbound signals of every device and
	// declares the inbound signals it reads.
	RunInit() error

	// RunRun computes one epoch. When it returns, every outbound signal of
	// the epoch is final.
	RunRun() error
}

var (
	// HookPosInit fires after the protocol is initialized.
	HookPosInit = &hooking.HookPos{Name: "Bus Init"}

	// HookPosEpochStart fires before the protocol runs an epoch.
	HookPosEpochStart = &hooking.HookPos{Name: "Epoch Start"}

	// HookPosEpochEnd fires after the epoch is sent to every device.
	HookPosEpochEnd = &hooking.HookPos{Name: "Epoch End"}

	// HookPosFinish fires once, after FINISH is sent to every device.
	HookPosFinish = &hooking.HookPos{Name: "Bus Finish"}

	// HookPosGrant fires when a protocol moves the bus grant.
	HookPosGrant = &hooking.HookPos{Name: "Bus Grant"}

	// HookPosUnknownSignal fires when a device reports a signal that the
	// protocol does not read.
	HookPosUnknownSignal = &hooking.HookPos{Name: "Unknown Signal"}
)

// EpochInfo is the item of the epoch hooks.
type EpochInfo struct {
	Epoch uint64
	Now   timing.SimTime
}

// GrantChange is the item of HookPosGrant. An identity of -1 means no
// device.
type GrantChange struct {
	From int
	To   int
}
