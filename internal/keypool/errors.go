package keypool

import "errors"

// ErrNoCredentials is wrapped by ConfigurationError when a pool would be
// created with no usable credentials.
var ErrNoCredentials = errors.New("no provider credentials configured")

// ErrPoolExhausted is returned by selection when every credential is blocked.
var ErrPoolExhausted = errors.New("credential pool exhausted: every credential is blocked")

// ConfigurationError reports a pool that cannot be built from its
// configuration. It is fatal at startup.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	return "keypool configuration: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}
