// End-to-end CLI scenarios driven as txtar scripts: migration-on-open and
// basic task listing/locking through the cmd/steroids surface, rather than
// reaching into package internals the way the unit tests already do.
package main

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"rsc.io/script"
	"rsc.io/script/scripttest"
)

func TestScripts(t *testing.T) {
	engine := &script.Engine{
		Cmds:  script.DefaultCmds(),
		Conds: script.DefaultConds(),
	}
	engine.Cmds["steroids"] = script.Program(steroidsTestBinary(t), nil, 0)

	ctx := context.Background()
	scripttest.Test(t, ctx, engine, os.Environ(), "testdata/*.txt")
}

// steroidsTestBinary builds the cmd/steroids binary once for the scripted
// scenarios to exec against, the way cmd/go's own script tests build the
// `go` binary under test rather than shelling out to a system install.
func steroidsTestBinary(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	bin := filepath.Join(dir, "steroids")
	build := exec.Command("go", "build", "-o", bin, ".")
	if out, err := build.CombinedOutput(); err != nil {
		t.Fatalf("build steroids test binary: %v\n%s", err, out)
	}
	return bin
}
