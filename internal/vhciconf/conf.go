/* usbip-win2 - USB/IP virtual host controller attach engine
 *
 * Configuration, loaded from usbipd.conf via gopkg.in/ini.v1
 */

package vhciconf

import (
	"time"

	"gopkg.in/ini.v1"
)

// Configuration holds everything the daemon needs at startup
type Configuration struct {
	CtrlSockPath string
	MaxPorts     int
	LogLevel     string
	IOTimeout    time.Duration
	DialTimeout  time.Duration
}

// Conf is the process-wide configuration, populated by Load. Callers
// that don't load a file get these defaults
var Conf = Configuration{
	CtrlSockPath: "/var/run/usbipd.sock",
	MaxPorts:     8,
	LogLevel:     "info",
	IOTimeout:    30 * time.Second,
	DialTimeout:  5 * time.Second,
}

// Load reads paths in order, each overriding keys set by the previous
// one, and replaces the package-level Conf on success. A missing file
// is not an error: Load simply leaves any already-applied values alone
func Load(paths ...string) error {
	cfg := Conf

	for _, path := range paths {
		f, err := ini.LoadSources(ini.LoadOptions{Loose: true}, path)
		if err != nil {
			return err
		}

		sec := f.Section("usbipd")
		if sec.HasKey("ctrlsock") {
			cfg.CtrlSockPath = sec.Key("ctrlsock").String()
		}
		if sec.HasKey("max_ports") {
			v, err := sec.Key("max_ports").Int()
			if err != nil {
				return err
			}
			cfg.MaxPorts = v
		}
		if sec.HasKey("log_level") {
			cfg.LogLevel = sec.Key("log_level").String()
		}
		if sec.HasKey("io_timeout") {
			d, err := sec.Key("io_timeout").Duration()
			if err != nil {
				return err
			}
			cfg.IOTimeout = d
		}
		if sec.HasKey("dial_timeout") {
			d, err := sec.Key("dial_timeout").Duration()
			if err != nil {
				return err
			}
			cfg.DialTimeout = d
		}
	}

	Conf = cfg
	return nil
}
