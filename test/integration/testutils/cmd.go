package testutils

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"regexp"
	"strings"
)

var multiSpaceRegex = regexp.MustCompile(" +")

// RunTaskstream executes a taskstream command with the given arguments string (split by spaces).
func RunTaskstream(ctx context.Context, env []string, binary, cmdArgs string, nolog bool) (stdout, stderr []byte, err error) {
	cmd := newCmd(ctx, env, binary, splitArgs(cmdArgs), nolog)

	var outData, errData bytes.Buffer
	cmd.Stdout = &outData
	cmd.Stderr = &errData

	err = cmd.Run()

	return outData.Bytes(), errData.Bytes(), err
}

// StartTaskstream starts a long running taskstream command, it is stopped when
// the context is cancelled.
func StartTaskstream(ctx context.Context, env []string, binary, cmdArgs string, nolog bool) (*exec.Cmd, error) {
	cmd := newCmd(ctx, env, binary, splitArgs(cmdArgs), nolog)
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return cmd, nil
}

func splitArgs(cmdArgs string) []string {
	// Sanitize command.
	cmdArgs = strings.TrimSpace(cmdArgs)
	cmdArgs = multiSpaceRegex.ReplaceAllString(cmdArgs, " ")

	if cmdArgs == "" {
		return nil
	}
	return strings.Split(cmdArgs, " ")
}

func newCmd(ctx context.Context, env []string, binary string, args []string, nolog bool) *exec.Cmd {
	cmd := exec.CommandContext(ctx, binary, args...)

	// Set env: os.Environ() first, then custom env overrides on top.
	// In Go's exec.Cmd, when duplicate keys exist, the last one wins.
	newEnv := append([]string{}, os.Environ()...)
	newEnv = append(newEnv, env...)
	if nolog {
		newEnv = append(newEnv, "TASKSTREAM_NO_LOG=true")
	}
	cmd.Env = newEnv

	return cmd
}
