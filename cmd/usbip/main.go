/* usbip-win2 - USB/IP virtual host controller attach engine
 *
 * usbip - thin CLI talking to a running usbipd over its control
 * socket: attach, detach, list
 */

package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/nraggett/usbip-win2/internal/ctrlsock"
	"github.com/nraggett/usbip-win2/internal/usbip"
	"github.com/nraggett/usbip-win2/internal/vhciconf"
)

const usage = `usage: usbip attach HOST SERVICE BUSID
       usbip detach PORT|all
       usbip list
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err := vhciconf.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "usbip: loading configuration: %s\n", err)
		os.Exit(1)
	}

	client := ctrlsock.Dial(vhciconf.Conf.CtrlSockPath)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "attach":
		err = runAttach(ctx, client, os.Args[2:])
	case "detach":
		err = runDetach(ctx, client, os.Args[2:])
	case "list":
		err = runList(ctx, client)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "usbip: %s\n", err)
		os.Exit(1)
	}
}

func runAttach(ctx context.Context, client *ctrlsock.Client, args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("attach requires HOST SERVICE BUSID")
	}

	loc := usbip.DeviceLocation{Host: args[0], Service: args[1], BusID: args[2]}
	port, err := client.Attach(ctx, loc)
	if err != nil {
		return err
	}

	fmt.Printf("attached to port %d\n", port)
	return nil
}

func runDetach(ctx context.Context, client *ctrlsock.Client, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("detach requires PORT or \"all\"")
	}

	if args[0] == "all" {
		return client.Detach(ctx, -1)
	}

	port, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid port %q", args[0])
	}

	return client.Detach(ctx, port)
}

func runList(ctx context.Context, client *ctrlsock.Client) error {
	views, err := client.List(ctx)
	if err != nil {
		return err
	}

	if len(views) == 0 {
		fmt.Println("no devices attached")
		return nil
	}

	for _, v := range views {
		fmt.Printf("port %d: %s:%s/%s (%s, %04x:%04x)\n",
			v.Port, v.Host, v.Service, v.BusID, v.Speed, v.Vendor, v.Product)
	}
	return nil
}
