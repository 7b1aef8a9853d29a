package exterrors

import (
	"fmt"
)

// EnhancedCode is the RFC 3463 enhanced status code (e.g. 4.4.1).
type EnhancedCode [3]int

func (ec EnhancedCode) FormatLog() string {
	return fmt.Sprintf("%d.%d.%d", ec[0], ec[1], ec[2])
}

// SMTPError is the error that carries the SMTP reply that caused it (or
// should be reported because of it).
//
// The Temporary() result is derived from the reply code class: 4xx replies
// are temporary, everything else is permanent.
type SMTPError struct {
	// Numeric reply code.
	Code int
	// Enhanced status code, zero value if the server did not send one.
	EnhancedCode EnhancedCode
	// Reply text.
	Message string

	// Name of the component that generated the error.
	TargetName string

	// Human-readable description of the error cause, to be preferred over
	// Message for logging.
	Reason string

	Err error

	// Additional context fields for logging.
	Misc map[string]interface{}
}

func (err *SMTPError) Unwrap() error {
	return err.Err
}

func (err *SMTPError) Temporary() bool {
	return err.Code/100 == 4
}

func (err *SMTPError) Fields() map[string]interface{} {
	ctx := make(map[string]interface{}, len(err.Misc)+4)
	for k, v := range err.Misc {
		ctx[k] = v
	}
	ctx["smtp_code"] = err.Code
	ctx["smtp_enchcode"] = err.EnhancedCode
	ctx["smtp_msg"] = err.Message
	if err.TargetName != "" {
		ctx["target"] = err.TargetName
	}
	if err.Reason != "" {
		ctx["reason"] = err.Reason
	}
	return ctx
}

func (err *SMTPError) Error() string {
	if err.Reason != "" {
		return err.Reason
	}
	return fmt.Sprintf("%d %s", err.Code, err.Message)
}

// SMTPCode returns the temporaryCode or the permanentCode depending on the
// classification of err. If err is an *SMTPError, its own code is used
// instead.
func SMTPCode(err error, temporaryCode, permanentCode int) int {
	if smtpErr, ok := err.(*SMTPError); ok {
		return smtpErr.Code
	}
	if IsTemporaryOrUnspec(err) {
		return temporaryCode
	}
	return permanentCode
}

// SMTPEnchCode is SMTPCode for the enhanced status code.
func SMTPEnchCode(err error, temporaryCode EnhancedCode) EnhancedCode {
	if smtpErr, ok := err.(*SMTPError); ok {
		return smtpErr.EnhancedCode
	}
	code := temporaryCode
	if IsTemporaryOrUnspec(err) {
		code[0] = 4
	} else {
		code[0] = 5
	}
	return code
}
