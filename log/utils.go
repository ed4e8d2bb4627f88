/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package log

import (
	"fmt"
	"runtime"

	"github.com/crewjam/rfc5424"
)

// KV builds a structured data parameter for a log line, e.g.
// lg.Info("authorizing device", log.KV("uid", d.UID))
func KV(name string, value interface{}) (r rfc5424.SDParam) {
	r.Name = name
	switch v := value.(type) {
	case string:
		r.Value = v
	default:
		r.Value = fmt.Sprintf("%v", value)
	}
	return
}

// KVErr is shorthand for KV("error", err).
func KVErr(err error) rfc5424.SDParam {
	return KV("error", err)
}

// PrintOSInfo returns a one-line OS/kernel banner, logged by cmd/tbauthd at
// startup since the daemon's entire job is driven by what the kernel
// exposes through sysfs.
func PrintOSInfo() string {
	return fmt.Sprintf("OS:\t%s %s [kernel %s]", runtime.GOOS, runtime.GOARCH, kernelVersion)
}
