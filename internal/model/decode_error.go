package model

// DecodeError records a transaction the codec could not decode.
type DecodeError struct {
	Signature string `json:"signature"`
	Slot      uint64 `json:"slot"`
	Error     string `json:"error"`
}
