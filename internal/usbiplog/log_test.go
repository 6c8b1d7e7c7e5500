/* usbip-win2 - USB/IP virtual host controller attach engine
 *
 * Tests for the logger
 */

package usbiplog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLoggerFiltersByLevel(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, "test", LogInfo)

	l.Debug("should not appear")
	l.Info("should appear")

	out := buf.String()
	assert.NotContains(t, out, "should not appear")
	assert.Contains(t, out, "should appear")
}

func TestLoggerBeginCommitAtomic(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, "test", LogAll)

	l.Begin().
		Info("line one").
		Info("line two").
		Commit()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
}

func TestLoggerCc(t *testing.T) {
	var mainBuf, sessionBuf bytes.Buffer
	main := NewLogger(&mainBuf, "main", LogAll)
	session := NewLogger(&sessionBuf, "session", LogAll)

	session.Cc(main)
	session.Info("hello")

	assert.Contains(t, sessionBuf.String(), "hello")
	assert.Contains(t, mainBuf.String(), "hello")
}

func TestLoggerDefaultsToStderr(t *testing.T) {
	l := NewLogger(nil, "test", LogAll)
	assert.NotNil(t, l.out)
}
