package main

import (
	"testing"

	"github.com/amonks/workcell/internal/testsupport"
	"github.com/rogpeppe/go-internal/testscript"
)

func TestSessionScripts(t *testing.T) {
	testscript.Run(t, testscript.Params{
		Dir: "testdata/session",
		Setup: func(env *testscript.Env) error {
			return testsupport.SetupScriptEnv(t, env)
		},
		Cmds: map[string]func(ts *testscript.TestScript, neg bool, args []string){
			"envset":     testsupport.CmdEnvSet,
			"jsonfield":  testsupport.CmdJSONField,
			"waitserver": testsupport.CmdWaitServer,
		},
	})
}

func TestVersionScripts(t *testing.T) {
	testscript.Run(t, testscript.Params{
		Dir: "testdata/version",
		Setup: func(env *testscript.Env) error {
			return testsupport.SetupScriptEnv(t, env)
		},
	})
}
