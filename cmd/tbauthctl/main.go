// Command tbauthctl is a thin operator CLI over tbauthd's D-Bus surface:
// it authorizes a device by uid or prints a device's current status. It
// carries no authorization logic of its own.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"

	"github.com/boltauth/tbauthd/bus"
)

var (
	busName  = flag.String(`bus-name`, `org.tbauthd.Authorization`, `D-Bus name tbauthd is registered under`)
	busRoot  = flag.String(`bus-root`, `/tbauthd`, `object path root tbauthd exports under`)
	uid      = flag.String(`uid`, ``, `device unique_id to act on`)
	doStatus = flag.Bool(`status`, false, `print the device's status instead of authorizing it`)
)

func main() {
	flag.Parse()
	if *uid == `` {
		fmt.Fprintln(os.Stderr, "tbauthctl: -uid is required")
		os.Exit(2)
	}

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tbauthctl: failed to connect to system bus: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	path := bus.DeviceObjectPath(*busRoot, *uid)
	obj := conn.Object(*busName, path)

	if *doStatus {
		var status string
		if err := obj.Call("org.tbauthd.Device.Status", 0).Store(&status); err != nil {
			fmt.Fprintf(os.Stderr, "tbauthctl: status call failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s: %s\n", *uid, status)
		return
	}

	if call := obj.Call("org.tbauthd.Device.Authorize", 0); call.Err != nil {
		fmt.Fprintf(os.Stderr, "tbauthctl: authorize failed: %v\n", call.Err)
		os.Exit(1)
	}
	fmt.Printf("%s: authorize requested\n", *uid)
}
