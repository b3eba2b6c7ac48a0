// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package webserver

import "dtrex.org/xchbridge/dtx"

// log is the webserver package logger.
var log dtx.Logger = dtx.Disabled

// UseLogger sets the package logger.
func UseLogger(logger dtx.Logger) {
	log = logger
}
