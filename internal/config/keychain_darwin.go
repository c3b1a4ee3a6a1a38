//go:build darwin

package config

import (
	"context"
	"os/exec"
	"time"
)

// keychainExec reads a generic password from the login keychain. A locked
// keychain can prompt, so the lookup is bounded.
func keychainExec(service, account string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, "security", "find-generic-password", "-s", service, "-a", account, "-w").Output()
}
