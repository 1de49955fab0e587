// This file is part of goborgmatic, a frontend to drive periodic borg backups.
// For further information, check https://github.com/marcopaganini/goborgmatic
//
// (C) 2015-2024 by Marco Paganini <paganini AT paganini DOT net>

package execute

import (
	"fmt"
	"strings"
)

// Treatment says how an exit code should be handled.
type Treatment int

// Exit code treatments.
const (
	Success Treatment = iota
	Warning
	Error
)

func (t Treatment) String() string {
	switch t {
	case Success:
		return "success"
	case Warning:
		return "warning"
	}
	return "error"
}

// ParseTreatment converts "success", "warning" or "error" into a Treatment.
func ParseTreatment(s string) (Treatment, error) {
	switch strings.ToLower(s) {
	case "success":
		return Success, nil
	case "warning":
		return Warning, nil
	case "error":
		return Error, nil
	}
	return Error, fmt.Errorf("invalid exit code treatment %q", s)
}

// ExitCodes maps program exit codes to treatments. Codes not in the map use
// the defaults: 0 is success, 1 is a warning and everything else an error.
type ExitCodes map[int]Treatment

// Treat returns the treatment for the exit code.
func (e ExitCodes) Treat(code int) Treatment {
	if t, ok := e[code]; ok {
		return t
	}
	switch code {
	case 0:
		return Success
	case 1:
		return Warning
	}
	return Error
}
