package clock

import "time"

// NowFunc returns current time. Override in tests for determinism.
var NowFunc = time.Now

// Now returns NowFunc in UTC so persisted timestamps compare across backends.
func Now() time.Time { return NowFunc().UTC() }

// Until reports how long remains before t according to NowFunc.
func Until(t time.Time) time.Duration { return t.Sub(Now()) }
