package config

import "errors"

// ErrUsage indicates missing or malformed command-line arguments.
// main prints the Usage hint and exits 1 when it sees this error.
var ErrUsage = errors.New("config: invalid arguments")
