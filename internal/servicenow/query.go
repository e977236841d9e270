package servicenow

import (
	"strings"
	"time"
)

// sysparmTimeFormat is the timestamp layout ServiceNow encoded queries expect.
const sysparmTimeFormat = "2006-01-02 15:04:05"

// DeltaQuery builds an encoded query for records in any of the given remote
// states that changed on or after windowStart. The returned string is opaque
// to callers; only this package knows the encoding.
func DeltaQuery(stateCodes []string, windowStart time.Time) string {
	var b strings.Builder
	if len(stateCodes) > 0 {
		b.WriteString("stateIN")
		b.WriteString(strings.Join(stateCodes, ","))
		b.WriteString("^")
	}
	b.WriteString("sys_updated_on>=")
	b.WriteString(windowStart.UTC().Format(sysparmTimeFormat))
	b.WriteString("^ORDERBYsys_updated_on")
	return b.String()
}
