/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package config

import (
	"strconv"
	"strings"
)

// ParseBool is gcfg/env-style boolean parsing: true/false/yes/no/1/0.
func ParseBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case `true`, `yes`, `1`, `on`:
		return true, nil
	case `false`, `no`, `0`, `off`, ``:
		return false, nil
	}
	return strconv.ParseBool(v)
}
