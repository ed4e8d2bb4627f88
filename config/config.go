/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package config loads and validates the tbauthd daemon configuration,
// an ini-style file with a single [config] section.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/boltauth/tbauthd/log"
	"github.com/boltauth/tbauthd/tberr"
)

const (
	defaultLogLevel    = `INFO`
	defaultStoreRoot   = `/var/lib/tbauthd`
	defaultBusName     = `org.tbauthd.Authorization`
	supportedVersion   = 1
	PolicyAuto         = `auto`
	PolicyManual       = `manual`
	authModePreboot    = `preboot`
	authModeUserspace  = `userspace`
)

var (
	ErrUnsupportedVersion   = tberr.New(tberr.ConfigInvalid, "config.Verify", "unsupported config version")
	ErrInvalidDefaultPolicy = tberr.New(tberr.ConfigInvalid, "config.Verify", "default policy must be auto or manual")
	ErrInvalidAuthMode      = tberr.New(tberr.ConfigInvalid, "config.Verify", "auth mode must contain preboot and/or userspace")
	ErrMissingStoreRoot     = tberr.New(tberr.ConfigInvalid, "config.Verify", "store root is required")
)

// Global holds the single [config] section tbauthd reads at startup.
type Global struct {
	Version        int
	Default_Policy string
	Auth_Mode      string
	Store_Root     string
	Bus_Name       string
	Log_File       string
	Log_Level      string
	Fortify_Mode   bool
}

// Config is the top-level structure gcfg unmarshals into; it mirrors the
// ini file's single [config] header.
type Config struct {
	Config Global
}

// AuthModes splits the comma-separated Auth_Mode flag into its members.
func (g *Global) AuthModes() (preboot, userspace bool) {
	for _, f := range strings.Split(g.Auth_Mode, `,`) {
		switch strings.ToLower(strings.TrimSpace(f)) {
		case authModePreboot:
			preboot = true
		case authModeUserspace:
			userspace = true
		}
	}
	return
}

// applyEnvOverrides fills in the handful of fields that commonly differ
// per-host from an environment variable (or an ENVVAR_FILE it points at)
// when the ini file left them blank, so a container deployment doesn't
// need its own copy of the config file just to set the store path or bus
// name.
func (g *Global) applyEnvOverrides() error {
	for _, f := range []struct {
		name string
		dst  *string
	}{
		{`TBAUTHD_DEFAULT_POLICY`, &g.Default_Policy},
		{`TBAUTHD_STORE_ROOT`, &g.Store_Root},
		{`TBAUTHD_BUS_NAME`, &g.Bus_Name},
		{`TBAUTHD_LOG_LEVEL`, &g.Log_Level},
	} {
		if err := LoadEnvVar(f.dst, f.name, *f.dst); err != nil {
			return err
		}
	}
	if err := LoadEnvVar(&g.Fortify_Mode, `TBAUTHD_FORTIFY_MODE`, g.Fortify_Mode); err != nil {
		return err
	}
	return nil
}

// Verify applies environment overrides and defaults and validates the
// loaded configuration, mirroring a load-then-verify pattern.
func (g *Global) Verify() error {
	if err := g.applyEnvOverrides(); err != nil {
		return err
	}
	if g.Version != supportedVersion {
		return ErrUnsupportedVersion
	}

	g.Default_Policy = strings.ToLower(strings.TrimSpace(g.Default_Policy))
	if g.Default_Policy == `` {
		g.Default_Policy = PolicyManual
	}
	if g.Default_Policy != PolicyAuto && g.Default_Policy != PolicyManual {
		return ErrInvalidDefaultPolicy
	}
	if g.Fortify_Mode {
		// fortify mode hardens the default: no device is ever
		// auto-authorized, regardless of what Default_Policy said.
		g.Default_Policy = PolicyManual
	}

	if strings.TrimSpace(g.Auth_Mode) == `` {
		g.Auth_Mode = authModePreboot + `,` + authModeUserspace
	}
	if preboot, userspace := g.AuthModes(); !preboot && !userspace {
		return ErrInvalidAuthMode
	}

	if g.Store_Root == `` {
		g.Store_Root = defaultStoreRoot
	}
	if err := os.MkdirAll(g.Store_Root, 0700); err != nil {
		return err
	}

	if g.Bus_Name == `` {
		g.Bus_Name = defaultBusName
	}

	if err := g.checkLogLevel(); err != nil {
		return err
	}
	if g.Log_File != `` {
		logdir := filepath.Dir(g.Log_File)
		fi, err := os.Stat(logdir)
		if err != nil {
			if os.IsNotExist(err) {
				if err = os.MkdirAll(logdir, 0700); err != nil {
					return err
				}
			} else {
				return err
			}
		} else if !fi.IsDir() {
			return tberr.New(tberr.ConfigInvalid, "config.Verify", "log file parent is not a directory")
		}
	}
	return nil
}

func (g *Global) checkLogLevel() error {
	if g.Log_Level == `` {
		g.Log_Level = defaultLogLevel
		return nil
	}
	if _, err := log.LevelFromString(g.Log_Level); err != nil {
		return tberr.Wrap(tberr.ConfigInvalid, "config.Verify", err)
	}
	g.Log_Level = strings.ToUpper(strings.TrimSpace(g.Log_Level))
	return nil
}

// GetLogger opens the configured log file (or a discard logger, if unset)
// and applies the configured level.
func (g *Global) GetLogger() (lg *log.Logger, err error) {
	if g.Log_File == `` {
		return log.NewDiscardLogger(), nil
	}
	if lg, err = log.NewFile(g.Log_File); err != nil {
		return nil, err
	}
	if err = lg.SetLevelString(g.Log_Level); err != nil {
		lg.Close()
		return nil, err
	}
	return lg, nil
}
