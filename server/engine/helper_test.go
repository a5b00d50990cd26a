package engine

import (
	"io"

	"github.com/joeycumines/stumpy"
)

// testLogger discards output; engine lifecycle logging is not under test.
func testLogger() *Logger {
	return stumpy.L.New(stumpy.L.WithStumpy(stumpy.WithWriter(io.Discard))).Logger()
}
