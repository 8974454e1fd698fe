package lane

import "runtime/debug"

func captureStack() string { return string(debug.Stack()) }
