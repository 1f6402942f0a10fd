package fuse

import "github.com/cobbleware/gofuselow/internal/corelog"

// Log is the package-level logger used for debug tracing and diagnostic
// messages. Embedders may replace it, e.g. to route output through their
// own structured logger.
var Log corelog.Logger = corelog.New()
