package v1

// LinkRequest registers a workstation for device pairing.
type LinkRequest struct {
	MachineName    string   `json:"machineName"`
	OS             string   `json:"os"`
	Arch           string   `json:"arch"`
	AgentsDetected []string `json:"agentsDetected"`
}

// LinkResponse carries the short-lived pairing code.
type LinkResponse struct {
	Code string `json:"code"`
}

// LinkStatus is the pairing state for a link code. Credential fields are
// populated once Linked is true.
type LinkStatus struct {
	Linked      bool   `json:"linked"`
	MachineID   string `json:"machineId,omitempty"`
	UserID      string `json:"userId,omitempty"`
	APISecret   string `json:"apiSecret,omitempty"`
	TunnelToken string `json:"tunnelToken,omitempty"`
	TunnelURL   string `json:"tunnelUrl,omitempty"`
}

// QRPayload is the JSON encoded into the pairing QR code.
type QRPayload struct {
	V    int    `json:"v"`
	Code string `json:"code"`
	Name string `json:"name"`
}
