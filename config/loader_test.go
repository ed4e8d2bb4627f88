/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

const sample = `
[config]
	version = 1
	Default-Policy = auto
	Auth-Mode = preboot,userspace
	Store-Root = %s
	Bus-Name = org.tbauthd.Authorization
	Log-Level = INFO
`

func writeSample(t *testing.T, dir string) string {
	t.Helper()
	p := filepath.Join(dir, `tbauthd.conf`)
	store := filepath.Join(dir, `store`)
	b := []byte(fmt.Sprintf(sample, store))
	if err := os.WriteFile(p, b, 0600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	p := writeSample(t, dir)
	g, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if g.Version != 1 {
		t.Fatalf("bad version: %d", g.Version)
	}
	if g.Default_Policy != PolicyAuto {
		t.Fatalf("bad default policy: %q", g.Default_Policy)
	}
	preboot, userspace := g.AuthModes()
	if !preboot || !userspace {
		t.Fatalf("bad auth modes: %+v", g)
	}
}

func TestLoadConfigFileTooLarge(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, `big.conf`)
	big := make([]byte, maxConfigSize+1)
	if err := os.WriteFile(p, big, 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(p); err != ErrConfigFileTooLarge {
		t.Fatalf("expected ErrConfigFileTooLarge, got %v", err)
	}
}
