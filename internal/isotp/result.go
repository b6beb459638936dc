package isotp

import "fmt"

// Result is the outcome of one transfer, reported with the (possibly
// partial) message. Failures are results, not errors.
type Result uint8

const (
	ResultOK Result = iota
	ResultTimeoutA
	ResultTimeoutBs
	ResultTimeoutCr
	ResultWrongSequenceNumber
	ResultInvalidFlowStatus
	ResultUnexpectedPDU
	ResultFlowControlOverrun
	ResultBufferOverflow
	ResultError
)

var resultNames = [...]string{
	ResultOK:                  "N_OK",
	ResultTimeoutA:            "N_TIMEOUT_A",
	ResultTimeoutBs:           "N_TIMEOUT_Bs",
	ResultTimeoutCr:           "N_TIMEOUT_Cr",
	ResultWrongSequenceNumber: "N_WRONG_SN",
	ResultInvalidFlowStatus:   "N_INVALID_FS",
	ResultUnexpectedPDU:       "N_UNEXP_PDU",
	ResultFlowControlOverrun:  "N_WFT_OVRN",
	ResultBufferOverflow:      "N_BUFFER_OVFLW",
	ResultError:               "N_ERROR",
}

func (r Result) String() string {
	if int(r) < len(resultNames) {
		return resultNames[r]
	}
	return fmt.Sprintf("N_RESULT(%d)", uint8(r))
}

// OK reports whether r is ResultOK.
func (r Result) OK() bool { return r == ResultOK }

// Err adapts r for callers that prefer errors; nil for ResultOK.
func (r Result) Err() error {
	if r == ResultOK {
		return nil
	}
	return &Error{Result: r}
}

// Error wraps a non-OK Result as an error.
type Error struct{ Result Result }

func (e *Error) Error() string { return "isotp: " + e.Result.String() }
