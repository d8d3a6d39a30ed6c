package expedientes

import "github.com/oarkflow/expedientes/logger"

// Logger is re-exported so callers only import the root package.
type Logger = logger.Logger
