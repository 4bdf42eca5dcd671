//go:build mage

package main

import (
	"fmt"
	"time"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

// Default target - build the binary
var Default = Build

const binary = "bin/blackbox"

// Build builds the blackbox binary with version metadata baked in.
func Build() error {
	commit, _ := sh.Output("git", "rev-parse", "--short", "HEAD")
	if commit == "" {
		commit = "unknown"
	}
	ldflags := fmt.Sprintf(
		"-X github.com/edulab/blackbox/internal/version.CommitHash=%s "+
			"-X github.com/edulab/blackbox/internal/version.BuildDate=%s",
		commit, time.Now().UTC().Format(time.RFC3339))
	return sh.Run("go", "build", "-ldflags", ldflags, "-o", binary, "./cmd/blackbox")
}

// Test runs the full test suite with the race detector.
func Test() error {
	return sh.RunV("go", "test", "-race", "./...")
}

// Vet runs go vet across the module.
func Vet() error {
	return sh.RunV("go", "vet", "./...")
}

// QA runs vet and the tests.
func QA() error {
	mg.SerialDeps(Vet, Test)
	return nil
}

// Clean removes build artifacts.
func Clean() error {
	return sh.Rm("bin")
}
