/* usbip-win2 - USB/IP virtual host controller attach engine
 *
 * usbipd - the attach daemon: owns the hub, the control socket, and
 * every live device session
 */

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nraggett/usbip-win2/internal/attach"
	"github.com/nraggett/usbip-win2/internal/ctrlsock"
	"github.com/nraggett/usbip-win2/internal/oscollab"
	"github.com/nraggett/usbip-win2/internal/usbiplog"
	"github.com/nraggett/usbip-win2/internal/vhciconf"
)

// RunMode is the action usbipd was invoked to perform
type RunMode int

// Run modes
const (
	RunNormal RunMode = iota
	RunHelp
	RunVersion
)

// String renders a RunMode for log lines
func (m RunMode) String() string {
	switch m {
	case RunNormal:
		return "normal"
	case RunHelp:
		return "help"
	case RunVersion:
		return "version"
	}
	return "unknown"
}

const usage = `usage: usbipd [options]

options:
  -c PATH   load configuration from PATH (may be repeated)
  -h        show this help and exit
  -v        show version and exit
`

// parseArgv walks os.Args[1:] and returns the run mode plus any
// configuration paths named with -c
func parseArgv(args []string) (RunMode, []string, error) {
	var confPaths []string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-h", "--help":
			return RunHelp, nil, nil
		case "-v", "--version":
			return RunVersion, nil, nil
		case "-c":
			i++
			if i >= len(args) {
				return RunNormal, nil, fmt.Errorf("-c requires a path")
			}
			confPaths = append(confPaths, args[i])
		default:
			return RunNormal, nil, fmt.Errorf("unknown argument %q", args[i])
		}
	}

	return RunNormal, confPaths, nil
}

func main() {
	mode, confPaths, err := parseArgv(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	switch mode {
	case RunHelp:
		fmt.Print(usage)
		return
	case RunVersion:
		fmt.Println("usbipd (usbip-win2 attach daemon)")
		return
	}

	if err := vhciconf.Load(confPaths...); err != nil {
		fmt.Fprintf(os.Stderr, "usbipd: loading configuration: %s\n", err)
		os.Exit(1)
	}

	log := usbiplog.NewLogger(os.Stderr, "usbipd", levelFromString(vhciconf.Conf.LogLevel))

	unlock, err := acquireLock(vhciconf.Conf.CtrlSockPath + ".lock")
	if err != nil {
		log.Error("another usbipd instance appears to be running: %s", err)
		os.Exit(1)
	}
	defer unlock()

	coll := oscollab.NewLoggingCollaborator(nil)
	mgr := attach.NewManager(vhciconf.Conf.MaxPorts, coll)

	srv, err := ctrlsock.Start(vhciconf.Conf.CtrlSockPath, mgr)
	if err != nil {
		log.Error("starting control socket: %s", err)
		os.Exit(1)
	}

	log.Info("listening on %s, %d ports", vhciconf.Conf.CtrlSockPath, vhciconf.Conf.MaxPorts)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	mgr.DetachAll()
	srv.Stop()
}

// levelFromString parses a config log_level string into a LogLevel
// mask, defaulting to LogError|LogInfo on anything unrecognized
func levelFromString(s string) usbiplog.LogLevel {
	switch s {
	case "error":
		return usbiplog.LogError
	case "debug":
		return usbiplog.LogAll
	case "trace":
		return usbiplog.LogAll
	default:
		return usbiplog.LogError | usbiplog.LogInfo
	}
}

// acquireLock takes an exclusive, non-blocking flock on path, creating
// it if needed, so only one usbipd instance binds the hub at a time
func acquireLock(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		return nil, err
	}

	return func() {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
	}, nil
}
