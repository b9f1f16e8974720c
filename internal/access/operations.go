package access

// Operation identifies one inbound operation of the device API.
type Operation string

// Operations exposed by the server.
const (
	OpIndex       Operation = "index"
	OpUnavailable Operation = "empty"
	OpLogin       Operation = "login"
	OpLogout      Operation = "logout"
	OpNewPassword Operation = "newpass"
	OpStatic      Operation = "static"
	OpZoom        Operation = "zoom"
	OpPan         Operation = "pan"
	OpLive        Operation = "live"
	OpLED         Operation = "led"
	OpRotate      Operation = "rotate"
	OpFindStart   Operation = "findstart"
	OpStream      Operation = "stream"
	OpSocket      Operation = "ws"
	OpDayStill    Operation = "daystill"
	OpNightStill  Operation = "nightstill"
	OpLastCapture Operation = "lastcapture"
	OpFocus       Operation = "focus"
	OpExperiment  Operation = "experiment"
	OpShutter     Operation = "shutter"
	OpExposure    Operation = "exposure"
	OpCalibrate   Operation = "calibrate"
	OpExit        Operation = "exit"
	OpReboot      Operation = "reboot"
	OpShutdown    Operation = "shutdown"
	OpSettings    Operation = "settings"
	OpRestarting  Operation = "restarting"
)

// Class is a set of route classification flags.
type Class uint8

const (
	// Public operations bypass authorization.
	Public Class = 1 << iota

	// BlockedWhileRunning operations are unavailable during an experiment.
	BlockedWhileRunning
)

// Has reports whether c contains every flag in flag.
func (c Class) Has(flag Class) bool {
	return c&flag == flag
}

// Table maps operations to their classification. Operations missing from
// the table have no flags: they require a session and stay available while
// an experiment runs.
type Table map[Operation]Class

// Class returns the classification of op.
func (t Table) Class(op Operation) Class {
	return t[op]
}

// DefaultTable is the classification of every operation the server exposes.
var DefaultTable = Table{
	OpLogin:       Public,
	OpLogout:      Public,
	OpNewPassword: Public,

	OpZoom:       BlockedWhileRunning,
	OpPan:        BlockedWhileRunning,
	OpLive:       BlockedWhileRunning,
	OpLED:        BlockedWhileRunning,
	OpRotate:     BlockedWhileRunning,
	OpFindStart:  BlockedWhileRunning,
	OpStream:     BlockedWhileRunning,
	OpSocket:     BlockedWhileRunning,
	OpFocus:      BlockedWhileRunning,
	OpShutter:    BlockedWhileRunning,
	OpExposure:   BlockedWhileRunning,
	OpCalibrate:  BlockedWhileRunning,
	OpExit:       BlockedWhileRunning,
	OpReboot:     BlockedWhileRunning,
	OpShutdown:   BlockedWhileRunning,
	OpRestarting: BlockedWhileRunning,
}
