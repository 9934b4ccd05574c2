package v1

// TokenValidationRequest asks the cloud API whether a client token is valid
// for this machine.
type TokenValidationRequest struct {
	Token     string `json:"token"`
	MachineID string `json:"machineId"`
}

// TokenValidation is the verdict for a client auth token.
type TokenValidation struct {
	Valid  bool   `json:"valid"`
	UserID string `json:"userId,omitempty"`
}
