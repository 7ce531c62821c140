package control

// Wire schema of the control channel. One JSON object per line in each
// direction, strictly one reply per request.

// Command names understood by the beamline responder.
const (
	CmdGetStatus     = "get_status"
	CmdSetPID        = "set_pid"
	CmdSetFreq       = "set_freq"
	CmdSetSetpoint   = "set_setpoint"
	CmdRecommission  = "recommission"
	CmdEmergencyStop = "emergency_stop"
	CmdEnableControl = "enable_control"
	CmdStop          = "stop"
)

// Request carries a command name plus the fields of that command.
// Optional fields are pointers so absent and zero stay distinguishable on the
// wire; the client is command-agnostic and does not validate values.
type Request struct {
	Cmd    string   `json:"cmd"`
	Kp     *float64 `json:"kp,omitempty"`
	Ki     *float64 `json:"ki,omitempty"`
	Kd     *float64 `json:"kd,omitempty"`
	Hz     *float64 `json:"hz,omitempty"`
	Sp     *float64 `json:"sp,omitempty"`
	Enable *bool    `json:"enable,omitempty"`
}

func GetStatus() Request { return Request{Cmd: CmdGetStatus} }

func SetPID(kp, ki, kd float64) Request {
	return Request{Cmd: CmdSetPID, Kp: &kp, Ki: &ki, Kd: &kd}
}

func SetFreq(hz float64) Request { return Request{Cmd: CmdSetFreq, Hz: &hz} }

func SetSetpoint(sp float64) Request { return Request{Cmd: CmdSetSetpoint, Sp: &sp} }

func Recommission() Request { return Request{Cmd: CmdRecommission} }

func EmergencyStop() Request { return Request{Cmd: CmdEmergencyStop} }

func EnableControl(enable bool) Request {
	return Request{Cmd: CmdEnableControl, Enable: &enable}
}

// PIDGains as reported by get_status.
type PIDGains struct {
	Kp float64 `json:"kp"`
	Ki float64 `json:"ki"`
	Kd float64 `json:"kd"`
}

// Status is the system snapshot carried by a successful get_status reply.
type Status struct {
	LoopFrequency  float64  `json:"loop_frequency"`
	LoopCount      uint64   `json:"loop_count"`
	DeadlineMisses uint64   `json:"deadline_misses"`
	AvgLoopTimeMS  float64  `json:"avg_loop_time_ms"`
	MaxLoopTimeMS  float64  `json:"max_loop_time_ms"`
	ControlEnabled bool     `json:"control_enabled"`
	EmergencyStop  bool     `json:"emergency_stop"`
	PIDGains       PIDGains `json:"pid_gains"`
	Setpoint       float64  `json:"setpoint"`
}

// Reply is the decoded response to any command. Status fields are flat in the
// get_status reply and absent in plain acks, hence the embedded pointer:
// nil marshals to nothing, unmarshal allocates it when any field is present.
type Reply struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
	*Status
}
