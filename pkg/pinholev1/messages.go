// Package pinholev1 defines the wire messages and service surface for the
// Session RPC Service (spec §6). Generated protobuf/connect stubs were not
// part of the retrieved reference material for this project, so the
// message types, JSON wire codec, and handler registration below are
// hand-authored in the shape connect-go's code generator would otherwise
// produce.
package pinholev1

// LoginEvent is the SubmitSession request. Fields arrive in host byte
// order on the wire; they are written in network byte order when the
// session map key is encoded, not by this package (spec §4.7, §9).
type LoginEvent struct {
	Activate bool   `json:"activate"`
	SrcIP    uint32 `json:"src_ip"`
	DstIP    uint32 `json:"dst_ip"`
	DstPort  uint32 `json:"dst_port"`
}

// Ack is the response to SubmitSession and IpChange.
type Ack struct {
	Success bool `json:"success"`
}

// Empty is the MonitorSessions request: it carries no fields.
type Empty struct{}

// Session is one entry in a SessionList.
type Session struct {
	SrcIP    uint32 `json:"src_ip"`
	DstIP    uint32 `json:"dst_ip"`
	DstPort  uint32 `json:"dst_port"`
	TimeLeft int32  `json:"time_left"`
}

// SessionList is one MonitorSessions stream element: a full snapshot.
type SessionList struct {
	Sessions []Session `json:"sessions"`
}

// IpChangeEvent is one entry of an IpChangeList.
type IpChangeEvent struct {
	OldIP uint32 `json:"old_ip"`
	NewIP uint32 `json:"new_ip"`
}

// IpChangeList is the IpChange request.
type IpChangeList struct {
	IPChanges []IpChangeEvent `json:"ip_changes"`
}
