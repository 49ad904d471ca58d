package protocol

import "encoding/json"

// Action names carried in the "action" field of every frame.
const (
	ActionRegister    = "register"
	ActionHeartbeat   = "heartbeat"
	ActionSaveResults = "save_results"
	ActionDisconnect  = "disconnect"
	ActionRunScript   = "run_script"
)

// Defaults applied to run_script fields the server leaves out.
const (
	DefaultScriptName = "unknown.py"
	DefaultCommandID  = "unknown"
)

// TimeoutExpired is the stderr text reported when a script overruns its bound.
const TimeoutExpired = "Timeout expired"

// Execution status values reported in save_results.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusTimeout = "timeout"
	StatusError   = "error"
)

// DeviceIdentity attributes every outbound frame to one device. It is
// fixed at startup and never mutated.
type DeviceIdentity struct {
	TenantID     string `json:"restaurant_number" yaml:"tenant_id"`
	DeviceID     string `json:"device_id" yaml:"device_id"`
	MachineLabel string `json:"machine" yaml:"machine_label"`
}

// Envelope is decoded first to learn which action a frame carries.
type Envelope struct {
	Action string `json:"action"`
}

type Register struct {
	Action       string `json:"action"`
	TenantID     string `json:"restaurant_number"`
	DeviceID     string `json:"device_id"`
	MachineLabel string `json:"machine"`
}

type Heartbeat struct {
	Action    string `json:"action"`
	TenantID  string `json:"restaurant_number"`
	DeviceID  string `json:"device_id"`
	Timestamp int64  `json:"timestamp"` // unix seconds
}

type Disconnect struct {
	Action   string `json:"action"`
	TenantID string `json:"restaurant_number"`
	DeviceID string `json:"device_id"`
}

// RunScript is the only inbound command. Optional fields are pointers so an
// absent key can be told apart from an empty one. Decoding is lenient: a
// non-string value is kept as its JSON text, so a frame with "command_id":42
// still runs and reports under "42".
type RunScript struct {
	Action        string  `json:"action"`
	ScriptName    *string `json:"script_name,omitempty"`
	ScriptContent string  `json:"script_content"` // base64
	CommandID     *string `json:"command_id,omitempty"`
}

// SaveResults reports one command outcome. Field presence depends on the
// branch: the timeout and error branches carry no result_output, returncode
// or execution_status, and carry machine instead of restaurant_number.
type SaveResults struct {
	Action       string  `json:"action"`
	TenantID     string  `json:"restaurant_number,omitempty"`
	DeviceID     string  `json:"device_id"`
	MachineLabel string  `json:"machine,omitempty"`
	CommandID    string  `json:"command_id"`
	ScriptName   string  `json:"script_name"`
	ResultOutput *string `json:"result_output,omitempty"`
	Stderr       string  `json:"stderr"`
	ExitCode     *int    `json:"returncode,omitempty"`
	Timestamp    int64   `json:"timestamp"`
	Status       string  `json:"execution_status,omitempty"`
}

func NewRegister(id DeviceIdentity) Register {
	return Register{
		Action:       ActionRegister,
		TenantID:     id.TenantID,
		DeviceID:     id.DeviceID,
		MachineLabel: id.MachineLabel,
	}
}

func NewHeartbeat(id DeviceIdentity, unix int64) Heartbeat {
	return Heartbeat{
		Action:    ActionHeartbeat,
		TenantID:  id.TenantID,
		DeviceID:  id.DeviceID,
		Timestamp: unix,
	}
}

func NewDisconnect(id DeviceIdentity) Disconnect {
	return Disconnect{
		Action:   ActionDisconnect,
		TenantID: id.TenantID,
		DeviceID: id.DeviceID,
	}
}

func (m *RunScript) UnmarshalJSON(data []byte) error {
	var raw struct {
		Action        string          `json:"action"`
		ScriptName    json.RawMessage `json:"script_name"`
		ScriptContent json.RawMessage `json:"script_content"`
		CommandID     json.RawMessage `json:"command_id"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = RunScript{
		Action:     raw.Action,
		ScriptName: looseString(raw.ScriptName),
		CommandID:  looseString(raw.CommandID),
	}
	if content := looseString(raw.ScriptContent); content != nil {
		m.ScriptContent = *content
	}
	return nil
}

// looseString reads a JSON string, or keeps any other value as its text.
// Absent and null both yield nil.
func looseString(raw json.RawMessage) *string {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		s = string(raw)
	}
	return &s
}

// NewRunScript builds a command frame. Used by the control server.
func NewRunScript(commandID, scriptName, encoded string) RunScript {
	return RunScript{
		Action:        ActionRunScript,
		ScriptName:    &scriptName,
		ScriptContent: encoded,
		CommandID:     &commandID,
	}
}

// Name returns the script name, or DefaultScriptName when the key was absent.
func (m RunScript) Name() string {
	if m.ScriptName == nil {
		return DefaultScriptName
	}
	return *m.ScriptName
}

// ID returns the command id, or DefaultCommandID when absent or empty.
func (m RunScript) ID() string {
	if m.CommandID == nil || *m.CommandID == "" {
		return DefaultCommandID
	}
	return *m.CommandID
}
