// Package certvalidator classifies and validates ICAO 9303 PKI certificates.
// This file contains error types shared by the validators.
package certvalidator

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrNilCertificate         = errors.New("certificate is nil")
	ErrEmptyCertificate       = errors.New("certificate data is empty")
	ErrEmptyInput             = errors.New("input is empty")
	ErrCertificateExpired     = errors.New("certificate expired")
	ErrCertificateNotYetValid = errors.New("certificate not yet valid")
)

// ConfigurationError reports misuse of a validator by its caller, such as a
// nil certificate or a missing provider. It is the only error category the
// validators return; everything caused by untrusted input ends up in the
// result struct instead.
type ConfigurationError struct {
	Message string
	Err     error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Message, e.Err)
	}
	return "configuration error: " + e.Message
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// NewConfigurationError creates a new ConfigurationError.
func NewConfigurationError(message string, err error) *ConfigurationError {
	return &ConfigurationError{Message: message, Err: err}
}

// ParseError occurs when a certificate, CRL or CMS structure cannot be decoded.
type ParseError struct {
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// NewParseError creates a new ParseError.
func NewParseError(message string, err error) *ParseError {
	return &ParseError{Message: message, Err: err}
}

// ExpiredError carries the instant a certificate stopped being valid.
type ExpiredError struct {
	Subject  string
	NotAfter string
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("certificate %q expired on %s", e.Subject, e.NotAfter)
}

func (e *ExpiredError) Unwrap() error {
	return ErrCertificateExpired
}

// NotYetValidError carries the instant a certificate becomes valid.
type NotYetValidError struct {
	Subject   string
	NotBefore string
}

func (e *NotYetValidError) Error() string {
	return fmt.Sprintf("certificate %q is not valid before %s", e.Subject, e.NotBefore)
}

func (e *NotYetValidError) Unwrap() error {
	return ErrCertificateNotYetValid
}
