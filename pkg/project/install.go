package project

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
)

// Installer runs a manifest's install command inside a working tree.
type Installer struct {
	PackageManager string
	logger         *log.Logger
}

func NewInstaller(packageManager string, logger *log.Logger) *Installer {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	return &Installer{PackageManager: packageManager, logger: logger}
}

// Install runs the install command for m from root and returns its
// combined output. Nothing to install is not an error.
func (i *Installer) Install(ctx context.Context, root string, m *Manifest) (string, error) {
	argv := m.InstallCommand(i.PackageManager)
	if len(argv) == 0 {
		return "", nil
	}

	i.logger.Printf("[INFO] installing dependencies in %s: %s", root, strings.Join(argv, " "))
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = root
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("%s failed: %w", strings.Join(argv, " "), err)
	}
	return string(out), nil
}
