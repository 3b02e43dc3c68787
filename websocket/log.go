package websocket

import (
	"github.com/rs/zerolog/log"
)

// pkgLogger is the package-level logger Server and Conn derive their
// per-component scoped loggers from, via log.With()...Logger() against the
// global rs/zerolog/log logger.
var pkgLogger = log.Logger
