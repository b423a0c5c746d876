package logger

import "strings"

// RedactEmail masks a recipient address so logs keep the domain but never a
// full mailbox. The first two characters of the local part survive when it is
// long enough to leave something masked; anything that does not look like an
// address collapses to "***@***".
func RedactEmail(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return "***@***"
	}
	local := parts[0]
	if len(local) > 2 {
		return local[:2] + "***@" + parts[1]
	}
	return "***@" + parts[1]
}
