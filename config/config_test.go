/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package config

import (
	"path/filepath"
	"testing"
)

func TestVerifyDefaults(t *testing.T) {
	g := Global{Version: supportedVersion}
	g.Store_Root = filepath.Join(t.TempDir(), `store`)
	if err := g.Verify(); err != nil {
		t.Fatal(err)
	}
	if g.Default_Policy != PolicyManual {
		t.Fatalf("default policy not defaulted to manual: %q", g.Default_Policy)
	}
	if g.Bus_Name == `` {
		t.Fatal("bus name not defaulted")
	}
	if g.Log_Level != defaultLogLevel {
		t.Fatalf("log level not defaulted: %q", g.Log_Level)
	}
}

func TestVerifyMissingVersionFails(t *testing.T) {
	var g Global
	g.Store_Root = filepath.Join(t.TempDir(), `store`)
	if err := g.Verify(); err != ErrUnsupportedVersion {
		t.Fatalf("expected ErrUnsupportedVersion for absent version, got %v", err)
	}
}

func TestVerifyBadVersion(t *testing.T) {
	g := Global{Version: 2, Store_Root: t.TempDir()}
	if err := g.Verify(); err != ErrUnsupportedVersion {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestVerifyBadPolicy(t *testing.T) {
	g := Global{Version: supportedVersion, Default_Policy: `sometimes`, Store_Root: t.TempDir()}
	if err := g.Verify(); err != ErrInvalidDefaultPolicy {
		t.Fatalf("expected ErrInvalidDefaultPolicy, got %v", err)
	}
}

func TestVerifyBadAuthMode(t *testing.T) {
	g := Global{Version: supportedVersion, Auth_Mode: `bogus`, Store_Root: t.TempDir()}
	if err := g.Verify(); err != ErrInvalidAuthMode {
		t.Fatalf("expected ErrInvalidAuthMode, got %v", err)
	}
}

func TestAuthModes(t *testing.T) {
	g := Global{Auth_Mode: `preboot, userspace`}
	preboot, userspace := g.AuthModes()
	if !preboot || !userspace {
		t.Fatalf("expected both modes set, got preboot=%v userspace=%v", preboot, userspace)
	}
}

func TestVerifyEnvOverrideFillsBlankField(t *testing.T) {
	root := filepath.Join(t.TempDir(), `store`)
	t.Setenv(`TBAUTHD_BUS_NAME`, `org.example.Override`)
	g := Global{Version: supportedVersion, Store_Root: root}
	if err := g.Verify(); err != nil {
		t.Fatal(err)
	}
	if g.Bus_Name != `org.example.Override` {
		t.Fatalf("env var override not applied: %q", g.Bus_Name)
	}
}

func TestVerifyEnvOverrideDoesNotClobberSetField(t *testing.T) {
	root := filepath.Join(t.TempDir(), `store`)
	t.Setenv(`TBAUTHD_BUS_NAME`, `org.example.Override`)
	g := Global{Version: supportedVersion, Store_Root: root, Bus_Name: `org.example.FromFile`}
	if err := g.Verify(); err != nil {
		t.Fatal(err)
	}
	if g.Bus_Name != `org.example.FromFile` {
		t.Fatalf("env var clobbered ini-file value: %q", g.Bus_Name)
	}
}

func TestVerifyFortifyModeForcesManualPolicy(t *testing.T) {
	g := Global{Version: supportedVersion, Default_Policy: PolicyAuto, Store_Root: t.TempDir(), Fortify_Mode: true}
	if err := g.Verify(); err != nil {
		t.Fatal(err)
	}
	if g.Default_Policy != PolicyManual {
		t.Fatalf("fortify mode did not force manual policy: %q", g.Default_Policy)
	}
}

func TestVerifyFortifyModeEnvOverride(t *testing.T) {
	t.Setenv(`TBAUTHD_FORTIFY_MODE`, `true`)
	g := Global{Version: supportedVersion, Default_Policy: PolicyAuto, Store_Root: t.TempDir()}
	if err := g.Verify(); err != nil {
		t.Fatal(err)
	}
	if g.Default_Policy != PolicyManual {
		t.Fatalf("fortify mode env override did not force manual policy: %q", g.Default_Policy)
	}
}

func TestGetLoggerDiscard(t *testing.T) {
	var g Global
	lg, err := g.GetLogger()
	if err != nil {
		t.Fatal(err)
	}
	defer lg.Close()
	if err := lg.Info("hello"); err != nil {
		t.Fatal(err)
	}
}
