/* usbip-win2 - USB/IP virtual host controller attach engine
 *
 * Tests for configuration loading
 */

package vhciconf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConf(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "usbipd.conf")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	saved := Conf
	defer func() { Conf = saved }()

	path := writeConf(t, `
[usbipd]
ctrlsock = /tmp/test.sock
max_ports = 16
log_level = debug
io_timeout = 10s
dial_timeout = 2s
`)

	require.NoError(t, Load(path))

	assert.Equal(t, "/tmp/test.sock", Conf.CtrlSockPath)
	assert.Equal(t, 16, Conf.MaxPorts)
	assert.Equal(t, "debug", Conf.LogLevel)
	assert.Equal(t, 10*time.Second, Conf.IOTimeout)
	assert.Equal(t, 2*time.Second, Conf.DialTimeout)
}

func TestLoadMissingFileIsNotError(t *testing.T) {
	saved := Conf
	defer func() { Conf = saved }()

	err := Load(filepath.Join(t.TempDir(), "does-not-exist.conf"))
	assert.NoError(t, err)
}

func TestLoadPartialOverride(t *testing.T) {
	saved := Conf
	defer func() { Conf = saved }()

	path := writeConf(t, `
[usbipd]
max_ports = 3
`)

	require.NoError(t, Load(path))
	assert.Equal(t, 3, Conf.MaxPorts)
	assert.Equal(t, saved.CtrlSockPath, Conf.CtrlSockPath)
}
